package pq

import (
	"github.com/hupe1980/gigavector/index"
	"github.com/hupe1980/gigavector/metadata"
)

var _ index.Browser = (*PQ)(nil)

// Vector implements index.Browser.
func (p *PQ) Vector(id uint32) ([]float32, bool) {
	if p.store.IsDeleted(id) {
		return nil, false
	}
	return p.store.Vector(id)
}

// Metadata implements index.Browser.
func (p *PQ) Metadata(id uint32) (metadata.Metadata, bool) {
	if p.store.IsDeleted(id) {
		return nil, false
	}
	m, ok := p.store.Metadata(id)
	return m.Clone(), ok
}

// Iterate implements index.Browser.
func (p *PQ) Iterate(fn func(id uint32, vec []float32, meta metadata.Metadata) bool) {
	p.store.Iterate(fn)
}
