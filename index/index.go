// Package index defines the contract shared by all vector index
// implementations.
package index

import (
	"errors"
	"fmt"
	"io"

	"github.com/hupe1980/gigavector/metadata"
)

// Kind identifies an index implementation. The numeric values are persisted
// in snapshots and WAL headers and must not be reordered.
type Kind uint8

const (
	// KindKDTree is the axis-rotating KD-tree.
	KindKDTree Kind = 0
	// KindHNSW is the hierarchical navigable small-world graph.
	KindHNSW Kind = 1
	// KindMultiVector is reserved for the multi-vector document index; it
	// is not implemented and is rejected at open time.
	KindMultiVector Kind = 2
	// KindIVFPQ is the inverted-file index with product quantization.
	KindIVFPQ Kind = 3
	// KindSparse is the sparse posting-list index.
	KindSparse Kind = 4
	// KindFlat is the exact brute-force index.
	KindFlat Kind = 5
	// KindIVFFlat is the inverted-file index with exact residual scan.
	KindIVFFlat Kind = 6
	// KindPQ is the codes-only product-quantization index.
	KindPQ Kind = 7
	// KindLSH is the multi-table locality-sensitive-hash index.
	KindLSH Kind = 8
)

func (k Kind) String() string {
	switch k {
	case KindKDTree:
		return "kdtree"
	case KindHNSW:
		return "hnsw"
	case KindMultiVector:
		return "multivector"
	case KindIVFPQ:
		return "ivfpq"
	case KindSparse:
		return "sparse"
	case KindFlat:
		return "flat"
	case KindIVFFlat:
		return "ivfflat"
	case KindPQ:
		return "pq"
	case KindLSH:
		return "lsh"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// ParseKind maps an index name to its Kind value.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "kdtree":
		return KindKDTree, nil
	case "hnsw":
		return KindHNSW, nil
	case "ivfpq":
		return KindIVFPQ, nil
	case "sparse":
		return KindSparse, nil
	case "flat":
		return KindFlat, nil
	case "ivfflat":
		return KindIVFFlat, nil
	case "pq":
		return KindPQ, nil
	case "lsh":
		return KindLSH, nil
	default:
		return 0, fmt.Errorf("unknown index kind %q", s)
	}
}

var (
	// ErrUntrained is returned by quantized indexes before Train has
	// completed.
	ErrUntrained = errors.New("index: not trained")

	// ErrNotFound is returned when an id does not exist or is deleted.
	ErrNotFound = errors.New("index: id not found")

	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("index: k must be positive")
)

// ErrDimensionMismatch indicates a vector whose length does not match the
// index dimensionality.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// SearchResult is one ranked hit. Vector and Metadata are owned copies that
// remain valid after subsequent writes to the index.
type SearchResult struct {
	ID       uint32
	Distance float32
	Vector   []float32
	Metadata metadata.Metadata
}

// SearchOptions adjusts a single search call.
type SearchOptions struct {
	// FilterKey/FilterValue gate results on one metadata equality when
	// FilterKey is non-empty.
	FilterKey   string
	FilterValue string

	// Filter gates results on a compiled filter expression. Combined with
	// the equality gate when both are set.
	Filter *metadata.Filter

	// EfSearch overrides the beam width for graph indexes; zero keeps the
	// index default.
	EfSearch int
}

// Accept reports whether metadata passes the configured gates.
func (o *SearchOptions) Accept(m metadata.Metadata) bool {
	if o == nil {
		return true
	}
	if o.FilterKey != "" {
		if m == nil || m[o.FilterKey] != o.FilterValue {
			return false
		}
	}
	if o.Filter != nil && !o.Filter.Matches(m) {
		return false
	}
	return true
}

// Filtered reports whether any gate is configured.
func (o *SearchOptions) Filtered() bool {
	return o != nil && (o.FilterKey != "" || o.Filter != nil)
}

// Index is the contract every vector index implements.
type Index interface {
	// Insert adds a vector with optional metadata and returns its id.
	Insert(vec []float32, meta metadata.Metadata) (uint32, error)

	// Search returns up to k nearest neighbours of q, sorted by ascending
	// distance. opts may be nil.
	Search(q []float32, k int, opts *SearchOptions) ([]SearchResult, error)

	// Delete removes an id. Deleting an unknown or already-deleted id
	// returns ErrNotFound.
	Delete(id uint32) error

	// Update replaces the vector stored under id.
	Update(id uint32, vec []float32) error

	// Count returns the number of live vectors.
	Count() int

	// Dimension returns the index dimensionality.
	Dimension() int

	// Kind returns the implementation kind.
	Kind() Kind

	io.WriterTo
	io.ReaderFrom
}

// Browser provides direct row access on top of an index. The database
// facade uses it for exact-scan fallback and pipeline phases.
type Browser interface {
	// Vector returns the stored vector for a live id. The slice borrows
	// the index's buffer and is only valid until the next write.
	Vector(id uint32) ([]float32, bool)

	// Metadata returns a copy of the metadata stored under a live id.
	Metadata(id uint32) (metadata.Metadata, bool)

	// Iterate visits every live vector until fn returns false.
	Iterate(fn func(id uint32, vec []float32, meta metadata.Metadata) bool)
}
