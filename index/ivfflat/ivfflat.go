// Package ivfflat implements an inverted-file index with exact scanning.
// Vectors are partitioned into coarse clusters at train time; a query probes
// the closest nprobe lists and scores their members exactly.
package ivfflat

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"slices"
	"sync"

	"github.com/hupe1980/gigavector/distance"
	"github.com/hupe1980/gigavector/index"
	"github.com/hupe1980/gigavector/internal/kmeans"
	"github.com/hupe1980/gigavector/internal/searcher"
	"github.com/hupe1980/gigavector/metadata"
	"github.com/hupe1980/gigavector/vectorstore"
)

// Compile time check to ensure IVFFlat satisfies the index contract.
var _ index.Index = (*IVFFlat)(nil)

// Options configures the IVF-Flat index.
type Options struct {
	// Metric selects the distance function.
	Metric distance.Metric

	// NLists is the number of coarse clusters.
	NLists int

	// NProbe is the number of lists scanned per query.
	NProbe int

	// TrainIters bounds the coarse k-means iterations.
	TrainIters int

	// InitialCapacity hints the vector pool size.
	InitialCapacity int
}

// DefaultOptions holds the default IVF-Flat options.
var DefaultOptions = Options{
	Metric:     distance.MetricEuclidean,
	NLists:     16,
	NProbe:     4,
	TrainIters: 10,
}

// IVFFlat is the inverted-file exact-scan index.
type IVFFlat struct {
	mu        sync.RWMutex
	opts      Options
	dim       int
	dist      distance.Func
	store     *vectorstore.Store
	centroids []float32 // NLists * dim
	lists     [][]uint32
	listOf    []uint32 // slot -> list
	trained   bool
}

// New creates an IVF-Flat index for vectors of the given dimension.
func New(dim int, optFns ...func(o *Options)) (*IVFFlat, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.NLists <= 0 {
		return nil, fmt.Errorf("ivfflat: nlists must be positive, got %d", opts.NLists)
	}
	if opts.NProbe <= 0 {
		opts.NProbe = 1
	}
	if opts.NProbe > opts.NLists {
		opts.NProbe = opts.NLists
	}

	dist, err := distance.Provider(opts.Metric)
	if err != nil {
		return nil, err
	}
	store, err := vectorstore.New(dim, opts.InitialCapacity)
	if err != nil {
		return nil, err
	}
	return &IVFFlat{
		opts:  opts,
		dim:   dim,
		dist:  dist,
		store: store,
		lists: make([][]uint32, opts.NLists),
	}, nil
}

// Kind returns index.KindIVFFlat.
func (v *IVFFlat) Kind() index.Kind { return index.KindIVFFlat }

// Dimension returns the index dimensionality.
func (v *IVFFlat) Dimension() int { return v.dim }

// Count returns the number of live vectors.
func (v *IVFFlat) Count() int { return v.store.LiveCount() }

// Trained reports whether the coarse quantizer has been trained.
func (v *IVFFlat) Trained() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.trained
}

// Train learns the coarse centroids from n = len(vectors)/dim samples.
// Requires at least NLists samples.
func (v *IVFFlat) Train(vectors []float32) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	n := len(vectors) / v.dim
	if n < v.opts.NLists {
		return fmt.Errorf("ivfflat: %d training vectors for %d lists: %w", n, v.opts.NLists, index.ErrUntrained)
	}
	centroids := kmeans.Train(vectors, v.dim, v.opts.NLists, v.opts.TrainIters)
	if centroids == nil {
		return index.ErrUntrained
	}
	v.centroids = centroids
	v.trained = true
	return nil
}

// Insert adds a vector to its nearest list and returns its id.
func (v *IVFFlat) Insert(vec []float32, meta metadata.Metadata) (uint32, error) {
	if len(vec) != v.dim {
		return 0, &index.ErrDimensionMismatch{Expected: v.dim, Actual: len(vec)}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.trained {
		return 0, index.ErrUntrained
	}

	slot, err := v.store.Add(vec, meta)
	if err != nil {
		return 0, err
	}
	list := uint32(kmeans.AssignNearest(vec, v.centroids, v.dim))
	v.lists[list] = append(v.lists[list], slot)
	v.listOf = append(v.listOf, list)
	return slot, nil
}

// Search probes the NProbe nearest lists and scans them exactly.
func (v *IVFFlat) Search(q []float32, k int, opts *index.SearchOptions) ([]index.SearchResult, error) {
	if k <= 0 {
		return nil, index.ErrInvalidK
	}
	if len(q) != v.dim {
		return nil, &index.ErrDimensionMismatch{Expected: v.dim, Actual: len(q)}
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.trained {
		return nil, index.ErrUntrained
	}

	heap := searcher.NewMax()
	for _, list := range kmeans.NearestCentroids(q, v.centroids, v.dim, v.opts.NProbe) {
		for _, slot := range v.lists[list] {
			if v.store.IsDeleted(slot) {
				continue
			}
			vec, ok := v.store.Vector(slot)
			if !ok {
				continue
			}
			meta, _ := v.store.Metadata(slot)
			if !opts.Accept(meta) {
				continue
			}
			heap.PushBounded(searcher.Candidate{Slot: slot, Distance: v.dist(q, vec)}, k)
		}
	}

	drained := heap.Drain()
	results := make([]index.SearchResult, 0, len(drained))
	for _, c := range drained {
		vec, _ := v.store.Vector(c.Slot)
		meta, _ := v.store.Metadata(c.Slot)
		results = append(results, index.SearchResult{
			ID:       c.Slot,
			Distance: c.Distance,
			Vector:   slices.Clone(vec),
			Metadata: meta.Clone(),
		})
	}
	return results, nil
}

// Delete tombstones an id and removes it from its list.
func (v *IVFFlat) Delete(id uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if int(id) >= len(v.listOf) || v.store.IsDeleted(id) {
		return index.ErrNotFound
	}
	if err := v.store.MarkDeleted(id); err != nil {
		return index.ErrNotFound
	}
	list := v.listOf[id]
	v.lists[list] = slices.DeleteFunc(v.lists[list], func(s uint32) bool { return s == id })
	return nil
}

// Update replaces the vector stored under id. The entry keeps its original
// list even if the new vector is closer to another centroid; queries probing
// the old list still find it.
func (v *IVFFlat) Update(id uint32, vec []float32) error {
	if len(vec) != v.dim {
		return &index.ErrDimensionMismatch{Expected: v.dim, Actual: len(vec)}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.store.UpdateVector(id, vec); err != nil {
		return index.ErrNotFound
	}
	return nil
}

// WriteTo serializes the index.
func (v *IVFFlat) WriteTo(w io.Writer) (int64, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var written int64
	header := make([]byte, 0, 32)
	header = append(header, byte(index.KindIVFFlat), byte(v.opts.Metric))
	header = binary.LittleEndian.AppendUint32(header, uint32(v.opts.NLists))
	header = binary.LittleEndian.AppendUint32(header, uint32(v.opts.NProbe))
	trained := byte(0)
	if v.trained {
		trained = 1
	}
	header = append(header, trained)
	n, err := w.Write(header)
	written += int64(n)
	if err != nil {
		return written, err
	}

	if v.trained {
		buf := make([]byte, 4)
		for _, f := range v.centroids {
			binary.LittleEndian.PutUint32(buf, floatBits(f))
			n, err = w.Write(buf)
			written += int64(n)
			if err != nil {
				return written, err
			}
		}
		binary.LittleEndian.PutUint32(buf, uint32(len(v.listOf)))
		n, err = w.Write(buf)
		written += int64(n)
		if err != nil {
			return written, err
		}
		for _, list := range v.listOf {
			binary.LittleEndian.PutUint32(buf, list)
			n, err = w.Write(buf)
			written += int64(n)
			if err != nil {
				return written, err
			}
		}
	}

	sn, err := v.store.WriteTo(w)
	return written + sn, err
}

// ReadFrom replaces the index contents with a serialized snapshot.
func (v *IVFFlat) ReadFrom(r io.Reader) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var read int64
	header := make([]byte, 11)
	n, err := io.ReadFull(r, header)
	read += int64(n)
	if err != nil {
		return read, err
	}
	if index.Kind(header[0]) != index.KindIVFFlat {
		return read, fmt.Errorf("ivfflat: snapshot holds %s index", index.Kind(header[0]))
	}
	dist, err := distance.Provider(distance.Metric(header[1]))
	if err != nil {
		return read, err
	}
	nlists := int(binary.LittleEndian.Uint32(header[2:]))
	nprobe := int(binary.LittleEndian.Uint32(header[6:]))
	trained := header[10] == 1

	var centroids []float32
	var listOf []uint32
	buf := make([]byte, 4)
	if trained {
		centroids = make([]float32, nlists*v.dim)
		for i := range centroids {
			n, err = io.ReadFull(r, buf)
			read += int64(n)
			if err != nil {
				return read, err
			}
			centroids[i] = floatFromBits(binary.LittleEndian.Uint32(buf))
		}
		n, err = io.ReadFull(r, buf)
		read += int64(n)
		if err != nil {
			return read, err
		}
		listOf = make([]uint32, binary.LittleEndian.Uint32(buf))
		for i := range listOf {
			n, err = io.ReadFull(r, buf)
			read += int64(n)
			if err != nil {
				return read, err
			}
			listOf[i] = binary.LittleEndian.Uint32(buf)
		}
	}

	store, err := vectorstore.New(v.dim, 0)
	if err != nil {
		return read, err
	}
	sn, err := store.ReadFrom(r)
	read += sn
	if err != nil {
		return read, err
	}

	lists := make([][]uint32, nlists)
	for slot, list := range listOf {
		if !store.IsDeleted(uint32(slot)) {
			lists[list] = append(lists[list], uint32(slot))
		}
	}

	v.opts.NLists = nlists
	v.opts.NProbe = nprobe
	v.opts.Metric = distance.Metric(header[1])
	v.dist = dist
	v.store = store
	v.centroids = centroids
	v.trained = trained
	v.lists = lists
	v.listOf = listOf
	return read, nil
}

func floatBits(f float32) uint32 { return math.Float32bits(f) }

func floatFromBits(b uint32) float32 { return math.Float32frombits(b) }
