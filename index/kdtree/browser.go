package kdtree

import (
	"github.com/hupe1980/gigavector/index"
	"github.com/hupe1980/gigavector/metadata"
)

var _ index.Browser = (*KDTree)(nil)

// Vector implements index.Browser.
func (t *KDTree) Vector(id uint32) ([]float32, bool) {
	if t.store.IsDeleted(id) {
		return nil, false
	}
	return t.store.Vector(id)
}

// Metadata implements index.Browser.
func (t *KDTree) Metadata(id uint32) (metadata.Metadata, bool) {
	if t.store.IsDeleted(id) {
		return nil, false
	}
	m, ok := t.store.Metadata(id)
	return m.Clone(), ok
}

// Iterate implements index.Browser.
func (t *KDTree) Iterate(fn func(id uint32, vec []float32, meta metadata.Metadata) bool) {
	t.store.Iterate(fn)
}
