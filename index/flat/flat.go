// Package flat implements the exact brute-force index. Every query scans
// all live vectors with a bounded max-heap, so results are ground truth for
// the approximate indexes.
package flat

import (
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/hupe1980/gigavector/distance"
	"github.com/hupe1980/gigavector/index"
	"github.com/hupe1980/gigavector/internal/searcher"
	"github.com/hupe1980/gigavector/metadata"
	"github.com/hupe1980/gigavector/vectorstore"
)

// Compile time check to ensure Flat satisfies the index contract.
var _ index.Index = (*Flat)(nil)

// Options configures the flat index.
type Options struct {
	// Metric selects the distance function.
	Metric distance.Metric

	// InitialCapacity hints the vector pool size.
	InitialCapacity int
}

// DefaultOptions holds the default flat index options.
var DefaultOptions = Options{
	Metric: distance.MetricEuclidean,
}

// Flat is the exact brute-force index.
type Flat struct {
	mu    sync.RWMutex
	opts  Options
	dim   int
	dist  distance.Func
	store *vectorstore.Store
}

// New creates a flat index for vectors of the given dimension.
func New(dim int, optFns ...func(o *Options)) (*Flat, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	dist, err := distance.Provider(opts.Metric)
	if err != nil {
		return nil, err
	}
	store, err := vectorstore.New(dim, opts.InitialCapacity)
	if err != nil {
		return nil, err
	}
	return &Flat{opts: opts, dim: dim, dist: dist, store: store}, nil
}

// Kind returns index.KindFlat.
func (f *Flat) Kind() index.Kind { return index.KindFlat }

// Dimension returns the index dimensionality.
func (f *Flat) Dimension() int { return f.dim }

// Count returns the number of live vectors.
func (f *Flat) Count() int { return f.store.LiveCount() }

// Insert adds a vector and returns its id.
func (f *Flat) Insert(vec []float32, meta metadata.Metadata) (uint32, error) {
	if len(vec) != f.dim {
		return 0, &index.ErrDimensionMismatch{Expected: f.dim, Actual: len(vec)}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.store.Add(vec, meta)
}

// Delete tombstones an id.
func (f *Flat) Delete(id uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.store.IsDeleted(id) {
		return index.ErrNotFound
	}
	return f.store.MarkDeleted(id)
}

// Update replaces the vector stored under id.
func (f *Flat) Update(id uint32, vec []float32) error {
	if len(vec) != f.dim {
		return &index.ErrDimensionMismatch{Expected: f.dim, Actual: len(vec)}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.store.UpdateVector(id, vec); err != nil {
		return index.ErrNotFound
	}
	return nil
}

// Search scans every live vector and returns the k nearest.
func (f *Flat) Search(q []float32, k int, opts *index.SearchOptions) ([]index.SearchResult, error) {
	if k <= 0 {
		return nil, index.ErrInvalidK
	}
	if len(q) != f.dim {
		return nil, &index.ErrDimensionMismatch{Expected: f.dim, Actual: len(q)}
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	heap := searcher.NewMax()
	f.store.Iterate(func(slot uint32, vec []float32, meta metadata.Metadata) bool {
		if !opts.Accept(meta) {
			return true
		}
		heap.PushBounded(searcher.Candidate{Slot: slot, Distance: f.dist(q, vec)}, k)
		return true
	})

	return f.collect(heap.Drain()), nil
}

// RangeSearch returns every live vector within radius of q, nearest first,
// capped at limit when limit is positive.
func (f *Flat) RangeSearch(q []float32, radius float32, limit int) ([]index.SearchResult, error) {
	if len(q) != f.dim {
		return nil, &index.ErrDimensionMismatch{Expected: f.dim, Actual: len(q)}
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	var hits []searcher.Candidate
	f.store.Iterate(func(slot uint32, vec []float32, _ metadata.Metadata) bool {
		if d := f.dist(q, vec); d <= radius {
			hits = append(hits, searcher.Candidate{Slot: slot, Distance: d})
		}
		return true
	})

	slices.SortFunc(hits, func(a, b searcher.Candidate) int {
		switch {
		case a.Distance < b.Distance:
			return -1
		case a.Distance > b.Distance:
			return 1
		default:
			return 0
		}
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return f.collect(hits), nil
}

func (f *Flat) collect(candidates []searcher.Candidate) []index.SearchResult {
	results := make([]index.SearchResult, 0, len(candidates))
	for _, c := range candidates {
		vec, ok := f.store.Vector(c.Slot)
		if !ok {
			continue
		}
		meta, _ := f.store.Metadata(c.Slot)
		results = append(results, index.SearchResult{
			ID:       c.Slot,
			Distance: c.Distance,
			Vector:   slices.Clone(vec),
			Metadata: meta.Clone(),
		})
	}
	return results
}

// WriteTo serializes the index.
func (f *Flat) WriteTo(w io.Writer) (int64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var header [2]byte
	header[0] = byte(index.KindFlat)
	header[1] = byte(f.opts.Metric)
	n, err := w.Write(header[:])
	written := int64(n)
	if err != nil {
		return written, err
	}
	sn, err := f.store.WriteTo(w)
	return written + sn, err
}

// ReadFrom replaces the index contents with a serialized snapshot.
func (f *Flat) ReadFrom(r io.Reader) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var header [2]byte
	n, err := io.ReadFull(r, header[:])
	read := int64(n)
	if err != nil {
		return read, err
	}
	if index.Kind(header[0]) != index.KindFlat {
		return read, fmt.Errorf("flat: snapshot holds %s index", index.Kind(header[0]))
	}
	dist, err := distance.Provider(distance.Metric(header[1]))
	if err != nil {
		return read, err
	}

	store, err := vectorstore.New(f.dim, 0)
	if err != nil {
		return read, err
	}
	sn, err := store.ReadFrom(r)
	read += sn
	if err != nil {
		return read, err
	}

	f.opts.Metric = distance.Metric(header[1])
	f.dist = dist
	f.store = store
	return read, nil
}
