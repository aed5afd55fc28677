// Package lsh implements a multi-table locality-sensitive-hash index over
// random hyperplane sign hashes. Candidates from every table are deduplicated
// and rescored exactly, so recall degrades gracefully rather than returning
// wrong distances.
package lsh

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"slices"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/gigavector/distance"
	"github.com/hupe1980/gigavector/index"
	"github.com/hupe1980/gigavector/internal/searcher"
	"github.com/hupe1980/gigavector/metadata"
	"github.com/hupe1980/gigavector/vectorstore"
)

// Compile time check to ensure LSH satisfies the index contract.
var _ index.Index = (*LSH)(nil)

// DefaultSeed seeds the hyperplane generator when the caller does not.
const DefaultSeed = 42

// Options configures the LSH index.
type Options struct {
	// Metric selects the rescoring distance function.
	Metric distance.Metric

	// Tables is the number of independent hash tables.
	Tables int

	// Hyperplanes is the number of sign bits per table (max 64).
	Hyperplanes int

	// Seed drives the deterministic hyperplane generator.
	Seed uint64

	// InitialCapacity hints the vector pool size.
	InitialCapacity int
}

// DefaultOptions holds the default LSH options.
var DefaultOptions = Options{
	Metric:      distance.MetricEuclidean,
	Tables:      8,
	Hyperplanes: 16,
	Seed:        DefaultSeed,
}

// LSH is the multi-table sign-hash index.
type LSH struct {
	mu     sync.RWMutex
	opts   Options
	dim    int
	dist   distance.Func
	store  *vectorstore.Store
	planes [][]float32         // (tables*hyperplanes) rows of dim floats
	tables []map[uint64][]uint32
}

// New creates an LSH index for vectors of the given dimension.
func New(dim int, optFns ...func(o *Options)) (*LSH, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Tables <= 0 || opts.Hyperplanes <= 0 || opts.Hyperplanes > 64 {
		return nil, fmt.Errorf("lsh: tables and hyperplanes must be positive, hyperplanes at most 64")
	}
	if opts.Seed == 0 {
		opts.Seed = DefaultSeed
	}

	dist, err := distance.Provider(opts.Metric)
	if err != nil {
		return nil, err
	}
	store, err := vectorstore.New(dim, opts.InitialCapacity)
	if err != nil {
		return nil, err
	}

	l := &LSH{opts: opts, dim: dim, dist: dist, store: store}
	l.initTables()
	return l, nil
}

func (l *LSH) initTables() {
	rng := &xorshift64{state: l.opts.Seed}
	total := l.opts.Tables * l.opts.Hyperplanes
	l.planes = make([][]float32, total)
	for i := range l.planes {
		plane := make([]float32, l.dim)
		for d := range plane {
			plane[d] = float32(rng.gaussian())
		}
		l.planes[i] = plane
	}
	l.tables = make([]map[uint64][]uint32, l.opts.Tables)
	for i := range l.tables {
		l.tables[i] = make(map[uint64][]uint32)
	}
}

// hash computes the sign hash of vec for one table.
func (l *LSH) hash(table int, vec []float32) uint64 {
	var h uint64
	base := table * l.opts.Hyperplanes
	for b := 0; b < l.opts.Hyperplanes; b++ {
		if distance.Dot(vec, l.planes[base+b]) >= 0 {
			h |= uint64(1) << b
		}
	}
	return h
}

// Kind returns index.KindLSH.
func (l *LSH) Kind() index.Kind { return index.KindLSH }

// Dimension returns the index dimensionality.
func (l *LSH) Dimension() int { return l.dim }

// Count returns the number of live vectors.
func (l *LSH) Count() int { return l.store.LiveCount() }

// Insert adds a vector to every table and returns its id.
func (l *LSH) Insert(vec []float32, meta metadata.Metadata) (uint32, error) {
	if len(vec) != l.dim {
		return 0, &index.ErrDimensionMismatch{Expected: l.dim, Actual: len(vec)}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	slot, err := l.store.Add(vec, meta)
	if err != nil {
		return 0, err
	}
	for t := range l.tables {
		h := l.hash(t, vec)
		l.tables[t][h] = append(l.tables[t][h], slot)
	}
	return slot, nil
}

// Delete removes an id from every table and tombstones its slot.
func (l *LSH) Delete(id uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deleteLocked(id)
}

func (l *LSH) deleteLocked(id uint32) error {
	if l.store.IsDeleted(id) {
		return index.ErrNotFound
	}
	vec, ok := l.store.Vector(id)
	if !ok {
		return index.ErrNotFound
	}
	for t := range l.tables {
		h := l.hash(t, vec)
		bucket := l.tables[t][h]
		for i, slot := range bucket {
			if slot == id {
				l.tables[t][h] = append(bucket[:i], bucket[i+1:]...)
				break
			}
		}
		if len(l.tables[t][h]) == 0 {
			delete(l.tables[t], h)
		}
	}
	return l.store.MarkDeleted(id)
}

// Update rehashes an id under its new vector. The id keeps its slot; only
// the bucket placement changes.
func (l *LSH) Update(id uint32, vec []float32) error {
	if len(vec) != l.dim {
		return &index.ErrDimensionMismatch{Expected: l.dim, Actual: len(vec)}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	old, ok := l.store.Vector(id)
	if !ok || l.store.IsDeleted(id) {
		return index.ErrNotFound
	}
	for t := range l.tables {
		h := l.hash(t, old)
		bucket := l.tables[t][h]
		for i, slot := range bucket {
			if slot == id {
				l.tables[t][h] = append(bucket[:i], bucket[i+1:]...)
				break
			}
		}
		if len(l.tables[t][h]) == 0 {
			delete(l.tables[t], h)
		}
	}
	if err := l.store.UpdateVector(id, vec); err != nil {
		return index.ErrNotFound
	}
	for t := range l.tables {
		h := l.hash(t, vec)
		l.tables[t][h] = append(l.tables[t][h], id)
	}
	return nil
}

// Search unions the query's bucket from every table, deduplicates the
// candidates, rescores them exactly and returns the top k.
func (l *LSH) Search(q []float32, k int, opts *index.SearchOptions) ([]index.SearchResult, error) {
	if k <= 0 {
		return nil, index.ErrInvalidK
	}
	if len(q) != l.dim {
		return nil, &index.ErrDimensionMismatch{Expected: l.dim, Actual: len(q)}
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	candidates := roaring.New()
	for t := range l.tables {
		for _, slot := range l.tables[t][l.hash(t, q)] {
			candidates.Add(slot)
		}
	}

	heap := searcher.NewMax()
	it := candidates.Iterator()
	for it.HasNext() {
		slot := it.Next()
		if l.store.IsDeleted(slot) {
			continue
		}
		vec, ok := l.store.Vector(slot)
		if !ok {
			continue
		}
		meta, _ := l.store.Metadata(slot)
		if !opts.Accept(meta) {
			continue
		}
		heap.PushBounded(searcher.Candidate{Slot: slot, Distance: l.dist(q, vec)}, k)
	}

	drained := heap.Drain()
	results := make([]index.SearchResult, 0, len(drained))
	for _, c := range drained {
		vec, _ := l.store.Vector(c.Slot)
		meta, _ := l.store.Metadata(c.Slot)
		results = append(results, index.SearchResult{
			ID:       c.Slot,
			Distance: c.Distance,
			Vector:   slices.Clone(vec),
			Metadata: meta.Clone(),
		})
	}
	return results, nil
}

// WriteTo serializes the index. Hyperplanes are not written; they are
// regenerated from the seed on load.
func (l *LSH) WriteTo(w io.Writer) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var header [22]byte
	header[0] = byte(index.KindLSH)
	header[1] = byte(l.opts.Metric)
	binary.LittleEndian.PutUint32(header[2:], uint32(l.opts.Tables))
	binary.LittleEndian.PutUint32(header[6:], uint32(l.opts.Hyperplanes))
	binary.LittleEndian.PutUint64(header[10:], l.opts.Seed)
	binary.LittleEndian.PutUint32(header[18:], uint32(l.dim))
	n, err := w.Write(header[:])
	written := int64(n)
	if err != nil {
		return written, err
	}
	sn, err := l.store.WriteTo(w)
	return written + sn, err
}

// ReadFrom replaces the index contents with a serialized snapshot.
func (l *LSH) ReadFrom(r io.Reader) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var header [22]byte
	n, err := io.ReadFull(r, header[:])
	read := int64(n)
	if err != nil {
		return read, err
	}
	if index.Kind(header[0]) != index.KindLSH {
		return read, fmt.Errorf("lsh: snapshot holds %s index", index.Kind(header[0]))
	}
	dist, err := distance.Provider(distance.Metric(header[1]))
	if err != nil {
		return read, err
	}
	if dim := int(binary.LittleEndian.Uint32(header[18:])); dim != l.dim {
		return read, &index.ErrDimensionMismatch{Expected: l.dim, Actual: dim}
	}

	store, err := vectorstore.New(l.dim, 0)
	if err != nil {
		return read, err
	}
	sn, err := store.ReadFrom(r)
	read += sn
	if err != nil {
		return read, err
	}

	l.opts.Metric = distance.Metric(header[1])
	l.opts.Tables = int(binary.LittleEndian.Uint32(header[2:]))
	l.opts.Hyperplanes = int(binary.LittleEndian.Uint32(header[6:]))
	l.opts.Seed = binary.LittleEndian.Uint64(header[10:])
	l.dist = dist
	l.store = store
	l.initTables()

	l.store.Iterate(func(slot uint32, vec []float32, _ metadata.Metadata) bool {
		for t := range l.tables {
			h := l.hash(t, vec)
			l.tables[t][h] = append(l.tables[t][h], slot)
		}
		return true
	})
	return read, nil
}

// xorshift64 is the deterministic generator behind hyperplane sampling.
type xorshift64 struct {
	state uint64
}

func (r *xorshift64) next() uint64 {
	x := r.state
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	r.state = x
	return x
}

func (r *xorshift64) uniform() float64 {
	return float64(r.next()) / float64(math.MaxUint64)
}

// gaussian draws a standard normal via the Box-Muller transform.
func (r *xorshift64) gaussian() float64 {
	u1 := r.uniform()
	for u1 == 0 {
		u1 = r.uniform()
	}
	u2 := r.uniform()
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
}
