// Package ivfpq implements an inverted-file index with product-quantized
// residuals. Vectors are assigned to a coarse cluster and the residual from
// the cluster centroid is compressed to a handful of code bytes; queries
// probe the closest nprobe lists and score codes with an ADC lookup table,
// optionally rescoring the best candidates against the stored vectors.
//
// Structural operations (training, snapshot IO, deletes, updates) hold the
// writer side of one reader-writer lock. Inserts and searches hold the
// reader side; inserts additionally take the target list's mutex, so
// inserts into different lists proceed in parallel.
package ivfpq

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
	"github.com/hupe1980/gigavector/quantization"
	"github.com/hupe1980/gigavector/vectorstore"
)

// Compile time check to ensure IVFPQ satisfies the index contract.
var _ index.Index = (*IVFPQ)(nil)

// Options configures the IVF-PQ index.
type Options struct {
	// Metric selects the distance function for reranking. Cosine enables
	// L2 normalization of inserted vectors and queries.
	Metric distance.Metric

	// NLists is the number of coarse clusters.
	NLists int

	// NProbe is the number of lists scanned per query.
	NProbe int

	// Subspaces is the number of PQ code bytes per vector.
	Subspaces int

	// NBits is the number of bits per PQ code (centroids per subspace =
	// 1<<NBits).
	NBits int

	// TrainIters bounds both the coarse and the PQ k-means iterations.
	TrainIters int

	// Oversampling widens the ADC candidate heap to k*Oversampling before
	// reranking.
	Oversampling int

	// Rerank rescores the oversampled candidates against the stored
	// vectors with the exact metric.
	Rerank bool

	// InitialCapacity hints the vector pool size.
	InitialCapacity int
}

// DefaultOptions holds the default IVF-PQ options.
var DefaultOptions = Options{
	Metric:       distance.MetricEuclidean,
	NLists:       16,
	NProbe:       4,
	Subspaces:    8,
	NBits:        8,
	TrainIters:   10,
	Oversampling: 4,
	Rerank:       true,
}

// Stats exposes occupancy counters for rebuild decisions.
type Stats struct {
	Total int
	Live  int
	Dead  int
	// DeadRatio is Dead/Total, 0 for an empty index. Soft deletes leave
	// codes in place, so a high ratio means wasted scan work until the
	// caller rebuilds.
	DeadRatio float64
}

// ivfList is one inverted list. Codes are kept in two layouts: per-entry
// byte vectors for re-encoding and snapshots, and a stripe block where
// subspace s of entry i sits at soa[s*capacity+i], so the ADC scan walks
// each stripe sequentially.
type ivfList struct {
	mu       sync.Mutex
	slots    []uint32
	codes    [][]byte
	soa      []byte
	capacity int
}

// add appends one entry under the list mutex. Growth replaces the backing
// arrays rather than shifting entries, so a snapshot taken before the
// append stays a consistent prefix.
func (l *ivfList) add(slot uint32, codes []byte, m int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := len(l.slots)
	if count == l.capacity {
		l.grow(m)
	}
	for s := 0; s < m; s++ {
		l.soa[s*l.capacity+count] = codes[s]
	}
	l.slots = append(l.slots, slot)
	l.codes = append(l.codes, codes)
}

func (l *ivfList) grow(m int) {
	capacity := l.capacity * 2
	if capacity < 16 {
		capacity = 16
	}

	soa := make([]byte, m*capacity)
	for s := 0; s < m; s++ {
		copy(soa[s*capacity:], l.soa[s*l.capacity:s*l.capacity+len(l.slots)])
	}
	slots := make([]uint32, len(l.slots), capacity)
	copy(slots, l.slots)
	codes := make([][]byte, len(l.codes), capacity)
	copy(codes, l.codes)

	l.soa = soa
	l.slots = slots
	l.codes = codes
	l.capacity = capacity
}

// snapshot returns the current slots and stripe block. The returned slices
// stay valid after the mutex is released: concurrent adds either write past
// the returned length or swap in fresh arrays.
func (l *ivfList) snapshot() (slots []uint32, soa []byte, capacity int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.slots, l.soa, l.capacity
}

// remove drops the entry for slot, compacting both layouts. The caller
// holds the index writer lock, so no scan is in flight.
func (l *ivfList) remove(slot uint32, m int) {
	i := slices.Index(l.slots, slot)
	if i < 0 {
		return
	}
	count := len(l.slots)
	copy(l.slots[i:], l.slots[i+1:])
	l.slots = l.slots[:count-1]
	copy(l.codes[i:], l.codes[i+1:])
	l.codes[count-1] = nil
	l.codes = l.codes[:count-1]
	for s := 0; s < m; s++ {
		stripe := l.soa[s*l.capacity : s*l.capacity+count]
		copy(stripe[i:], stripe[i+1:])
	}
}

// setCodes replaces the codes of an existing entry in both layouts. The
// caller holds the index writer lock.
func (l *ivfList) setCodes(slot uint32, codes []byte) {
	i := slices.Index(l.slots, slot)
	if i < 0 {
		return
	}
	l.codes[i] = codes
	for s, c := range codes {
		l.soa[s*l.capacity+i] = c
	}
}

// codesOf returns the per-entry codes stored for slot, or nil.
func (l *ivfList) codesOf(slot uint32) []byte {
	i := slices.Index(l.slots, slot)
	if i < 0 {
		return nil
	}
	return l.codes[i]
}

// IVFPQ is the inverted-file product-quantization index.
type IVFPQ struct {
	mu        sync.RWMutex
	opts      Options
	dim       int
	dist      distance.Func
	store     *vectorstore.Store
	pq        *quantization.ProductQuantizer
	centroids []float32
	lists     []*ivfList
	trained   bool

	// slotMu guards listOf growth: concurrent inserts hold mu.RLock and
	// may publish their slot's list assignment out of order.
	slotMu sync.Mutex
	listOf []uint32
}

// New creates an IVF-PQ index for vectors of the given dimension.
func New(dim int, optFns ...func(o *Options)) (*IVFPQ, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.NLists <= 0 {
		return nil, fmt.Errorf("ivfpq: nlists must be positive, got %d", opts.NLists)
	}
	if opts.NProbe <= 0 {
		opts.NProbe = 1
	}
	if opts.NProbe > opts.NLists {
		opts.NProbe = opts.NLists
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
	return &IVFPQ{
		opts:  opts,
		dim:   dim,
		dist:  dist,
		store: store,
		pq:    pq,
		lists: newLists(opts.NLists),
	}, nil
}

func newLists(n int) []*ivfList {
	lists := make([]*ivfList, n)
	for i := range lists {
		lists[i] = &ivfList{}
	}
	return lists
}

// Kind returns index.KindIVFPQ.
func (v *IVFPQ) Kind() index.Kind { return index.KindIVFPQ }

// Dimension returns the index dimensionality.
func (v *IVFPQ) Dimension() int { return v.dim }

// Count returns the number of live vectors.
func (v *IVFPQ) Count() int { return v.store.LiveCount() }

// Trained reports whether both quantizers have been trained.
func (v *IVFPQ) Trained() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.trained
}

// Stats returns occupancy counters.
func (v *IVFPQ) Stats() Stats {
	v.mu.RLock()
	defer v.mu.RUnlock()
	total := v.store.Count()
	live := v.store.LiveCount()
	s := Stats{Total: total, Live: live, Dead: total - live}
	if total > 0 {
		s.DeadRatio = float64(s.Dead) / float64(total)
	}
	return s
}

// trainGate is the minimum number of training vectors.
func (v *IVFPQ) trainGate() int {
	gate := v.opts.NLists
	if c := 1 << v.opts.NBits; c > gate {
		gate = c
	}
	if v.opts.Subspaces > gate {
		gate = v.opts.Subspaces
	}
	return gate
}

// Train learns the coarse centroids and the residual codebooks.
func (v *IVFPQ) Train(vectors []float32) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	n := len(vectors) / v.dim
	if n < v.trainGate() {
		return fmt.Errorf("ivfpq: %d training vectors, need at least %d: %w", n, v.trainGate(), index.ErrUntrained)
	}

	train := vectors
	if v.opts.Metric == distance.MetricCosine {
		train = slices.Clone(vectors)
		for i := 0; i < n; i++ {
			distance.NormalizeL2InPlace(train[i*v.dim : (i+1)*v.dim])
		}
	}

	centroids := kmeans.Train(train, v.dim, v.opts.NLists, v.opts.TrainIters)
	if centroids == nil {
		return index.ErrUntrained
	}

	residuals := make([]float32, len(train))
	for i := 0; i < n; i++ {
		vec := train[i*v.dim : (i+1)*v.dim]
		list := kmeans.AssignNearest(vec, centroids, v.dim)
		center := centroids[list*v.dim : (list+1)*v.dim]
		for d := 0; d < v.dim; d++ {
			residuals[i*v.dim+d] = vec[d] - center[d]
		}
	}
	if err := v.pq.Train(residuals, v.opts.TrainIters); err != nil {
		return err
	}

	v.centroids = centroids
	v.trained = true
	return nil
}

// prepare normalizes a vector copy under the cosine metric.
func (v *IVFPQ) prepare(vec []float32) []float32 {
	if v.opts.Metric != distance.MetricCosine {
		return vec
	}
	if norm, ok := distance.NormalizeL2Copy(vec); ok {
		return norm
	}
	return vec
}

// setListOf records the list assignment of a freshly added slot. Slots are
// handed out by the store, so under concurrent inserts they can arrive here
// out of order.
func (v *IVFPQ) setListOf(slot uint32, list uint32) {
	v.slotMu.Lock()
	defer v.slotMu.Unlock()
	for uint32(len(v.listOf)) <= slot {
		v.listOf = append(v.listOf, 0)
	}
	v.listOf[slot] = list
}

// Insert assigns a vector to its nearest list, encodes the residual and
// returns the new id. Inserts hold the reader lock plus the target list's
// mutex, so they run concurrently with searches and with inserts into
// other lists.
func (v *IVFPQ) Insert(vec []float32, meta metadata.Metadata) (uint32, error) {
	if len(vec) != v.dim {
		return 0, &index.ErrDimensionMismatch{Expected: v.dim, Actual: len(vec)}
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.trained {
		return 0, index.ErrUntrained
	}

	prepared := v.prepare(vec)
	list := kmeans.AssignNearest(prepared, v.centroids, v.dim)
	center := v.centroids[list*v.dim : (list+1)*v.dim]
	residual := make([]float32, v.dim)
	for d := 0; d < v.dim; d++ {
		residual[d] = prepared[d] - center[d]
	}
	codes, err := v.pq.Encode(residual)
	if err != nil {
		return 0, err
	}

	slot, err := v.store.Add(prepared, meta)
	if err != nil {
		return 0, err
	}
	v.setListOf(slot, uint32(list))
	v.lists[list].add(slot, codes, v.pq.Subspaces())
	return slot, nil
}

// Search probes the NProbe nearest lists with ADC scoring and reranks the
// oversampled candidates when configured.
func (v *IVFPQ) Search(q []float32, k int, opts *index.SearchOptions) ([]index.SearchResult, error) {
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

	query := v.prepare(q)
	m := v.pq.Subspaces()
	cents := v.pq.Centroids()
	heapCap := k * v.opts.Oversampling
	heap := searcher.NewMax()
	residual := make([]float32, v.dim)

	for _, list := range kmeans.NearestCentroids(query, v.centroids, v.dim, v.opts.NProbe) {
		center := v.centroids[list*v.dim : (list+1)*v.dim]
		for d := 0; d < v.dim; d++ {
			residual[d] = query[d] - center[d]
		}
		// The table holds squared L2 entries over residuals. Under cosine
		// every vector here was L2-normalized at train, insert and query
		// time, and for unit vectors ||a-b||^2 = 2(1-cos), so the table
		// ordering tracks cosine distance; rerank yields exact values.
		table, err := v.pq.BuildDistanceTable(residual)
		if err != nil {
			return nil, err
		}

		slots, soa, capacity := v.lists[list].snapshot()
		if len(slots) == 0 {
			continue
		}

		// Stripe-at-a-time ADC over the SoA block: each subspace reads
		// one contiguous byte run and one table row.
		adc := make([]float32, len(slots))
		for s := 0; s < m; s++ {
			row := table[s*cents : (s+1)*cents]
			stripe := soa[s*capacity : s*capacity+len(slots)]
			for i, c := range stripe {
				adc[i] += row[c]
			}
		}

		for i, slot := range slots {
			if v.store.IsDeleted(slot) {
				continue
			}
			meta, _ := v.store.Metadata(slot)
			if !opts.Accept(meta) {
				continue
			}
			heap.PushBounded(searcher.Candidate{Slot: slot, Distance: adc[i]}, heapCap)
		}
	}

	candidates := heap.Drain()
	if v.opts.Rerank {
		for i := range candidates {
			vec, _ := v.store.Vector(candidates[i].Slot)
			candidates[i].Distance = v.dist(query, vec)
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
	}
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	results := make([]index.SearchResult, 0, len(candidates))
	for _, c := range candidates {
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

// Delete tombstones an id and removes it from its list. The store slot
// stays occupied until a rebuild; Stats reports the resulting dead ratio.
func (v *IVFPQ) Delete(id uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if int(id) >= len(v.listOf) || v.store.IsDeleted(id) {
		return index.ErrNotFound
	}
	if err := v.store.MarkDeleted(id); err != nil {
		return index.ErrNotFound
	}
	v.lists[v.listOf[id]].remove(id, v.pq.Subspaces())
	return nil
}

// Update re-encodes the vector against its original list centroid. The
// entry never migrates to another list, an accepted approximation: queries
// probing the old neighbourhood keep finding it, at some recall cost when
// the vector moved far.
func (v *IVFPQ) Update(id uint32, vec []float32) error {
	if len(vec) != v.dim {
		return &index.ErrDimensionMismatch{Expected: v.dim, Actual: len(vec)}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if int(id) >= len(v.listOf) || v.store.IsDeleted(id) {
		return index.ErrNotFound
	}

	prepared := v.prepare(vec)
	list := v.listOf[id]
	center := v.centroids[int(list)*v.dim : (int(list)+1)*v.dim]
	residual := make([]float32, v.dim)
	for d := 0; d < v.dim; d++ {
		residual[d] = prepared[d] - center[d]
	}
	codes, err := v.pq.Encode(residual)
	if err != nil {
		return err
	}
	if err := v.store.UpdateVector(id, prepared); err != nil {
		return index.ErrNotFound
	}
	v.lists[list].setCodes(id, codes)
	return nil
}

// WriteTo serializes the index. The writer lock excludes concurrent
// inserts for the duration of the snapshot.
func (v *IVFPQ) WriteTo(w io.Writer) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var written int64
	header := make([]byte, 0, 32)
	header = append(header, byte(index.KindIVFPQ), byte(v.opts.Metric))
	header = binary.LittleEndian.AppendUint32(header, uint32(v.opts.NLists))
	header = binary.LittleEndian.AppendUint32(header, uint32(v.opts.NProbe))
	header = binary.LittleEndian.AppendUint32(header, uint32(v.opts.Oversampling))
	flags := byte(0)
	if v.trained {
		flags |= 1
	}
	if v.opts.Rerank {
		flags |= 2
	}
	header = append(header, flags)
	n, err := w.Write(header)
	written += int64(n)
	if err != nil {
		return written, err
	}

	pn, err := v.pq.WriteTo(w)
	written += pn
	if err != nil {
		return written, err
	}

	if v.trained {
		buf := make([]byte, 4)
		for _, f := range v.centroids {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(f))
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
		// Deleted slots were dropped from their lists; their code bytes
		// are written as zeros and skipped on load.
		blank := make([]byte, v.pq.Subspaces())
		for slot, list := range v.listOf {
			binary.LittleEndian.PutUint32(buf, list)
			n, err = w.Write(buf)
			written += int64(n)
			if err != nil {
				return written, err
			}
			codes := v.lists[list].codesOf(uint32(slot))
			if codes == nil {
				codes = blank
			}
			n, err = w.Write(codes)
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
func (v *IVFPQ) ReadFrom(r io.Reader) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var read int64
	header := make([]byte, 15)
	n, err := io.ReadFull(r, header)
	read += int64(n)
	if err != nil {
		return read, err
	}
	if index.Kind(header[0]) != index.KindIVFPQ {
		return read, fmt.Errorf("ivfpq: snapshot holds %s index", index.Kind(header[0]))
	}
	dist, err := distance.Provider(distance.Metric(header[1]))
	if err != nil {
		return read, err
	}
	nlists := int(binary.LittleEndian.Uint32(header[2:]))
	nprobe := int(binary.LittleEndian.Uint32(header[6:]))
	oversampling := int(binary.LittleEndian.Uint32(header[10:]))
	flags := header[14]
	trained := flags&1 != 0

	pq := &quantization.ProductQuantizer{}
	pn, err := pq.ReadFrom(r)
	read += pn
	if err != nil {
		return read, err
	}

	var centroids []float32
	var listOf []uint32
	var codes [][]byte
	if trained {
		buf := make([]byte, 4)
		centroids = make([]float32, nlists*v.dim)
		for i := range centroids {
			n, err = io.ReadFull(r, buf)
			read += int64(n)
			if err != nil {
				return read, err
			}
			centroids[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf))
		}
		n, err = io.ReadFull(r, buf)
		read += int64(n)
		if err != nil {
			return read, err
		}
		count := int(binary.LittleEndian.Uint32(buf))
		listOf = make([]uint32, count)
		codes = make([][]byte, count)
		for i := 0; i < count; i++ {
			n, err = io.ReadFull(r, buf)
			read += int64(n)
			if err != nil {
				return read, err
			}
			listOf[i] = binary.LittleEndian.Uint32(buf)
			code := make([]byte, pq.Subspaces())
			n, err = io.ReadFull(r, code)
			read += int64(n)
			if err != nil {
				return read, err
			}
			codes[i] = code
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

	lists := newLists(nlists)
	for slot, list := range listOf {
		if !store.IsDeleted(uint32(slot)) {
			lists[list].add(uint32(slot), codes[slot], pq.Subspaces())
		}
	}

	v.opts.Metric = distance.Metric(header[1])
	v.opts.NLists = nlists
	v.opts.NProbe = nprobe
	v.opts.Oversampling = oversampling
	v.opts.Rerank = flags&2 != 0
	v.dist = dist
	v.pq = pq
	v.store = store
	v.centroids = centroids
	v.listOf = listOf
	v.lists = lists
	v.trained = trained
	return read, nil
}
