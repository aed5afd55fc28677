package lsh

import (
	"github.com/hupe1980/gigavector/index"
	"github.com/hupe1980/gigavector/metadata"
)

var _ index.Browser = (*LSH)(nil)

// Vector implements index.Browser.
func (l *LSH) Vector(id uint32) ([]float32, bool) {
	if l.store.IsDeleted(id) {
		return nil, false
	}
	return l.store.Vector(id)
}

// Metadata implements index.Browser.
func (l *LSH) Metadata(id uint32) (metadata.Metadata, bool) {
	if l.store.IsDeleted(id) {
		return nil, false
	}
	m, ok := l.store.Metadata(id)
	return m.Clone(), ok
}

// Iterate implements index.Browser.
func (l *LSH) Iterate(fn func(id uint32, vec []float32, meta metadata.Metadata) bool) {
	l.store.Iterate(fn)
}
