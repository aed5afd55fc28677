// Package pq implements a flat product-quantization index. Every vector is
// compressed to a few code bytes and queries scan all codes with an ADC
// lookup table. Memory per vector is dominated by the codes, making this the
// smallest index at the cost of lossy distances.
package pq

import (
	"encoding/binary"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/hupe1980/gigavector/distance"
	"github.com/hupe1980/gigavector/index"
	"github.com/hupe1980/gigavector/internal/searcher"
	"github.com/hupe1980/gigavector/metadata"
	"github.com/hupe1980/gigavector/quantization"
	"github.com/hupe1980/gigavector/vectorstore"
)

// Compile time check to ensure PQ satisfies the index contract.
var _ index.Index = (*PQ)(nil)

// Options configures the PQ index.
type Options struct {
	// Metric selects the distance function used for reranking.
	Metric distance.Metric

	// Subspaces is the number of code bytes per vector.
	Subspaces int

	// NBits is the number of bits per code.
	NBits int

	// TrainIters bounds the codebook k-means iterations.
	TrainIters int

	// Rerank rescores an oversampled candidate set against the stored
	// vectors with the exact metric. Off by default: the point of a pure
	// PQ index is approximate distances from codes alone.
	Rerank bool

	// Oversampling widens the ADC heap to k*Oversampling when reranking.
	Oversampling int

	// InitialCapacity hints the vector pool size.
	InitialCapacity int
}

// DefaultOptions holds the default PQ options.
var DefaultOptions = Options{
	Metric:       distance.MetricEuclidean,
	Subspaces:    8,
	NBits:        8,
	TrainIters:   10,
	Oversampling: 4,
}

// PQ is the flat product-quantization index.
type PQ struct {
	mu    sync.RWMutex
	opts  Options
	dim   int
	dist  distance.Func
	store *vectorstore.Store
	pq    *quantization.ProductQuantizer
	codes [][]byte
}

// New creates a PQ index for vectors of the given dimension.
func New(dim int, optFns ...func(o *Options)) (*PQ, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Oversampling <= 0 {
		opts.Oversampling = 1
	}

	dist, err := distance.Provider(opts.Metric)
	if err != nil {
		return nil, err
	}
	pq, err := quantization.NewProductQuantizer(dim, opts.Subspaces, opts.NBits)
	if err != nil {
		return nil, err
	}
	store, err := vectorstore.New(dim, opts.InitialCapacity)
	if err != nil {
		return nil, err
	}
	return &PQ{
		opts:  opts,
		dim:   dim,
		dist:  dist,
		store: store,
		pq:    pq,
	}, nil
}

// Kind returns index.KindPQ.
func (p *PQ) Kind() index.Kind { return index.KindPQ }

// Dimension returns the index dimensionality.
func (p *PQ) Dimension() int { return p.dim }

// Count returns the number of live vectors.
func (p *PQ) Count() int { return p.store.LiveCount() }

// Trained reports whether the codebooks have been trained.
func (p *PQ) Trained() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pq.Trained()
}

// Train learns the codebooks from n = len(vectors)/dim samples.
func (p *PQ) Train(vectors []float32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	train := vectors
	if p.opts.Metric == distance.MetricCosine {
		train = slices.Clone(vectors)
		for i := 0; i+p.dim <= len(train); i += p.dim {
			distance.NormalizeL2InPlace(train[i : i+p.dim])
		}
	}
	return p.pq.Train(train, p.opts.TrainIters)
}

// prepare normalizes a vector copy under the cosine metric.
func (p *PQ) prepare(vec []float32) []float32 {
	if p.opts.Metric != distance.MetricCosine {
		return vec
	}
	if norm, ok := distance.NormalizeL2Copy(vec); ok {
		return norm
	}
	return vec
}

// Insert encodes and stores a vector, returning its id.
func (p *PQ) Insert(vec []float32, meta metadata.Metadata) (uint32, error) {
	if len(vec) != p.dim {
		return 0, &index.ErrDimensionMismatch{Expected: p.dim, Actual: len(vec)}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	prepared := p.prepare(vec)
	codes, err := p.pq.Encode(prepared)
	if err != nil {
		return 0, err
	}
	slot, err := p.store.Add(prepared, meta)
	if err != nil {
		return 0, err
	}
	p.codes = append(p.codes, codes)
	return slot, nil
}

// Search scans all codes with ADC scoring. Distances are approximate unless
// Rerank is set.
func (p *PQ) Search(q []float32, k int, opts *index.SearchOptions) ([]index.SearchResult, error) {
	if k <= 0 {
		return nil, index.ErrInvalidK
	}
	if len(q) != p.dim {
		return nil, &index.ErrDimensionMismatch{Expected: p.dim, Actual: len(q)}
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	// The table holds squared L2 entries. Under cosine everything here is
	// L2-normalized (training, inserts, this query), and for unit vectors
	// ||a-b||^2 = 2(1-cos), so the table ordering matches cosine distance.
	query := p.prepare(q)
	table, err := p.pq.BuildDistanceTable(query)
	if err != nil {
		return nil, err
	}

	heapCap := k
	if p.opts.Rerank {
		heapCap = k * p.opts.Oversampling
	}
	heap := searcher.NewMax()
	for slot := range p.codes {
		id := uint32(slot)
		if p.store.IsDeleted(id) {
			continue
		}
		meta, _ := p.store.Metadata(id)
		if !opts.Accept(meta) {
			continue
		}
		heap.PushBounded(searcher.Candidate{Slot: id, Distance: p.pq.AdcDistance(table, p.codes[slot])}, heapCap)
	}

	candidates := heap.Drain()
	if p.opts.Rerank {
		for i := range candidates {
			vec, _ := p.store.Vector(candidates[i].Slot)
			candidates[i].Distance = p.dist(query, vec)
		}
		slices.SortFunc(candidates, func(a, b searcher.Candidate) int {
			switch {
			case a.Distance < b.Distance:
				return -1
			case a.Distance > b.Distance:
				return 1
			default:
				return 0
			}
		})
		if len(candidates) > k {
			candidates = candidates[:k]
		}
	}

	results := make([]index.SearchResult, 0, len(candidates))
	for _, c := range candidates {
		vec, _ := p.store.Vector(c.Slot)
		meta, _ := p.store.Metadata(c.Slot)
		results = append(results, index.SearchResult{
			ID:       c.Slot,
			Distance: c.Distance,
			Vector:   slices.Clone(vec),
			Metadata: meta.Clone(),
		})
	}
	return results, nil
}

// Delete tombstones an id.
func (p *PQ) Delete(id uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(id) >= len(p.codes) || p.store.IsDeleted(id) {
		return index.ErrNotFound
	}
	if err := p.store.MarkDeleted(id); err != nil {
		return index.ErrNotFound
	}
	return nil
}

// Update re-encodes the vector stored under id.
func (p *PQ) Update(id uint32, vec []float32) error {
	if len(vec) != p.dim {
		return &index.ErrDimensionMismatch{Expected: p.dim, Actual: len(vec)}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if int(id) >= len(p.codes) || p.store.IsDeleted(id) {
		return index.ErrNotFound
	}
	prepared := p.prepare(vec)
	codes, err := p.pq.Encode(prepared)
	if err != nil {
		return err
	}
	if err := p.store.UpdateVector(id, prepared); err != nil {
		return index.ErrNotFound
	}
	p.codes[id] = codes
	return nil
}

// WriteTo serializes the index.
func (p *PQ) WriteTo(w io.Writer) (int64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var written int64
	header := make([]byte, 0, 8)
	header = append(header, byte(index.KindPQ), byte(p.opts.Metric))
	flags := byte(0)
	if p.opts.Rerank {
		flags |= 1
	}
	header = append(header, flags)
	header = binary.LittleEndian.AppendUint32(header, uint32(p.opts.Oversampling))
	n, err := w.Write(header)
	written += int64(n)
	if err != nil {
		return written, err
	}

	pn, err := p.pq.WriteTo(w)
	written += pn
	if err != nil {
		return written, err
	}

	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(len(p.codes)))
	n, err = w.Write(buf)
	written += int64(n)
	if err != nil {
		return written, err
	}
	for _, codes := range p.codes {
		n, err = w.Write(codes)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}

	sn, err := p.store.WriteTo(w)
	return written + sn, err
}

// ReadFrom replaces the index contents with a serialized snapshot.
func (p *PQ) ReadFrom(r io.Reader) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var read int64
	header := make([]byte, 7)
	n, err := io.ReadFull(r, header)
	read += int64(n)
	if err != nil {
		return read, err
	}
	if index.Kind(header[0]) != index.KindPQ {
		return read, fmt.Errorf("pq: snapshot holds %s index", index.Kind(header[0]))
	}
	dist, err := distance.Provider(distance.Metric(header[1]))
	if err != nil {
		return read, err
	}

	pq := &quantization.ProductQuantizer{}
	pn, err := pq.ReadFrom(r)
	read += pn
	if err != nil {
		return read, err
	}

	buf := make([]byte, 4)
	n, err = io.ReadFull(r, buf)
	read += int64(n)
	if err != nil {
		return read, err
	}
	count := int(binary.LittleEndian.Uint32(buf))
	codes := make([][]byte, count)
	for i := 0; i < count; i++ {
		code := make([]byte, pq.Subspaces())
		n, err = io.ReadFull(r, code)
		read += int64(n)
		if err != nil {
			return read, err
		}
		codes[i] = code
	}

	store, err := vectorstore.New(p.dim, 0)
	if err != nil {
		return read, err
	}
	sn, err := store.ReadFrom(r)
	read += sn
	if err != nil {
		return read, err
	}

	p.opts.Metric = distance.Metric(header[1])
	p.opts.Rerank = header[2]&1 != 0
	p.opts.Oversampling = int(binary.LittleEndian.Uint32(header[3:]))
	p.dist = dist
	p.pq = pq
	p.store = store
	p.codes = codes
	return read, nil
}
