package ivfpq

import (
	"github.com/hupe1980/gigavector/index"
	"github.com/hupe1980/gigavector/metadata"
)

var _ index.Browser = (*IVFPQ)(nil)

// Vector implements index.Browser.
func (v *IVFPQ) Vector(id uint32) ([]float32, bool) {
	if v.store.IsDeleted(id) {
		return nil, false
	}
	return v.store.Vector(id)
}

// Metadata implements index.Browser.
func (v *IVFPQ) Metadata(id uint32) (metadata.Metadata, bool) {
	if v.store.IsDeleted(id) {
		return nil, false
	}
	m, ok := v.store.Metadata(id)
	return m.Clone(), ok
}

// Iterate implements index.Browser.
func (v *IVFPQ) Iterate(fn func(id uint32, vec []float32, meta metadata.Metadata) bool) {
	v.store.Iterate(fn)
}
