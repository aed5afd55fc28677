package hnsw

import (
	"github.com/hupe1980/gigavector/index"
	"github.com/hupe1980/gigavector/metadata"
)

var _ index.Browser = (*HNSW)(nil)

// Vector implements index.Browser.
func (h *HNSW) Vector(id uint32) ([]float32, bool) {
	if h.store.IsDeleted(id) {
		return nil, false
	}
	return h.store.Vector(id)
}

// Metadata implements index.Browser.
func (h *HNSW) Metadata(id uint32) (metadata.Metadata, bool) {
	if h.store.IsDeleted(id) {
		return nil, false
	}
	m, ok := h.store.Metadata(id)
	return m.Clone(), ok
}

// Iterate implements index.Browser.
func (h *HNSW) Iterate(fn func(id uint32, vec []float32, meta metadata.Metadata) bool) {
	h.store.Iterate(fn)
}
