package flat

import (
	"github.com/hupe1980/gigavector/index"
	"github.com/hupe1980/gigavector/metadata"
)

var _ index.Browser = (*Flat)(nil)

// Vector implements index.Browser.
func (f *Flat) Vector(id uint32) ([]float32, bool) {
	if f.store.IsDeleted(id) {
		return nil, false
	}
	return f.store.Vector(id)
}

// Metadata implements index.Browser.
func (f *Flat) Metadata(id uint32) (metadata.Metadata, bool) {
	if f.store.IsDeleted(id) {
		return nil, false
	}
	m, ok := f.store.Metadata(id)
	return m.Clone(), ok
}

// Iterate implements index.Browser.
func (f *Flat) Iterate(fn func(id uint32, vec []float32, meta metadata.Metadata) bool) {
	f.store.Iterate(fn)
}
