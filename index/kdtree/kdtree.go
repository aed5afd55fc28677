// Package kdtree implements an axis-rotating KD-tree index. It is exact and
// works best at low dimensionality and small collection sizes; the database
// facade prefers a flat scan once the collection grows.
package kdtree

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

// Compile time check to ensure KDTree satisfies the index contract.
var _ index.Index = (*KDTree)(nil)

// Options configures the KD-tree index.
type Options struct {
	// Metric selects the distance function.
	Metric distance.Metric

	// InitialCapacity hints the vector pool size.
	InitialCapacity int
}

// DefaultOptions holds the default KD-tree options.
var DefaultOptions = Options{
	Metric: distance.MetricEuclidean,
}

type node struct {
	slot  uint32
	left  *node
	right *node
}

// KDTree is the axis-rotating KD-tree index. The splitting axis cycles with
// depth (depth mod dimension) and strictly smaller coordinates descend left.
type KDTree struct {
	mu    sync.RWMutex
	opts  Options
	dim   int
	dist  distance.Func
	store *vectorstore.Store
	root  *node
}

// New creates a KD-tree index for vectors of the given dimension.
func New(dim int, optFns ...func(o *Options)) (*KDTree, error) {
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
	return &KDTree{opts: opts, dim: dim, dist: dist, store: store}, nil
}

// Kind returns index.KindKDTree.
func (t *KDTree) Kind() index.Kind { return index.KindKDTree }

// Dimension returns the index dimensionality.
func (t *KDTree) Dimension() int { return t.dim }

// Count returns the number of live vectors.
func (t *KDTree) Count() int { return t.store.LiveCount() }

// Insert adds a vector and returns its id. The vector is copied into the
// pool; tree nodes reference pool slots only.
func (t *KDTree) Insert(vec []float32, meta metadata.Metadata) (uint32, error) {
	if len(vec) != t.dim {
		return 0, &index.ErrDimensionMismatch{Expected: t.dim, Actual: len(vec)}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	slot, err := t.store.Add(vec, meta)
	if err != nil {
		return 0, err
	}
	t.insertSlot(slot, vec)
	return slot, nil
}

func (t *KDTree) insertSlot(slot uint32, vec []float32) {
	n := &node{slot: slot}
	if t.root == nil {
		t.root = n
		return
	}
	cur := t.root
	depth := 0
	for {
		axis := depth % t.dim
		curVec, _ := t.store.Vector(cur.slot)
		if vec[axis] < curVec[axis] {
			if cur.left == nil {
				cur.left = n
				return
			}
			cur = cur.left
		} else {
			if cur.right == nil {
				cur.right = n
				return
			}
			cur = cur.right
		}
		depth++
	}
}

// Delete tombstones an id. The node stays in the tree as a routing point.
func (t *KDTree) Delete(id uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.store.IsDeleted(id) {
		return index.ErrNotFound
	}
	return t.store.MarkDeleted(id)
}

// Update is delete-and-reinsert: the old position becomes a routing-only
// node and the id keeps pointing at the relocated vector.
func (t *KDTree) Update(id uint32, vec []float32) error {
	if len(vec) != t.dim {
		return &index.ErrDimensionMismatch{Expected: t.dim, Actual: len(vec)}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.store.IsDeleted(id) {
		return index.ErrNotFound
	}
	if err := t.store.UpdateVector(id, vec); err != nil {
		return index.ErrNotFound
	}
	// The stored coordinates changed under the old routing position, so the
	// node no longer satisfies the tree invariant where it sits. Reinsert a
	// fresh routing node for the same slot; search visits both.
	t.insertSlot(id, vec)
	return nil
}

// Search returns the k nearest neighbours of q.
func (t *KDTree) Search(q []float32, k int, opts *index.SearchOptions) ([]index.SearchResult, error) {
	if k <= 0 {
		return nil, index.ErrInvalidK
	}
	if len(q) != t.dim {
		return nil, &index.ErrDimensionMismatch{Expected: t.dim, Actual: len(q)}
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	heap := searcher.NewMax()
	seen := make(map[uint32]struct{})
	t.search(t.root, q, k, 0, opts, heap, seen)

	candidates := heap.Drain()
	results := make([]index.SearchResult, 0, len(candidates))
	for _, c := range candidates {
		vec, ok := t.store.Vector(c.Slot)
		if !ok {
			continue
		}
		meta, _ := t.store.Metadata(c.Slot)
		results = append(results, index.SearchResult{
			ID:       c.Slot,
			Distance: c.Distance,
			Vector:   slices.Clone(vec),
			Metadata: meta.Clone(),
		})
	}
	return results, nil
}

// canPrune reports whether the far subtree is safely skippable. The axis
// delta lower-bounds both L1 and L2 distances; cosine and dot admit no such
// bound, so those metrics always visit both subtrees.
func (t *KDTree) canPrune() bool {
	return t.opts.Metric == distance.MetricEuclidean || t.opts.Metric == distance.MetricManhattan
}

func (t *KDTree) search(n *node, q []float32, k, depth int, opts *index.SearchOptions, heap *searcher.Queue, seen map[uint32]struct{}) {
	if n == nil {
		return
	}

	vec, ok := t.store.Vector(n.slot)
	if !ok {
		return
	}

	if _, dup := seen[n.slot]; !dup && !t.store.IsDeleted(n.slot) {
		meta, _ := t.store.Metadata(n.slot)
		if opts.Accept(meta) {
			seen[n.slot] = struct{}{}
			heap.PushBounded(searcher.Candidate{Slot: n.slot, Distance: t.dist(q, vec)}, k)
		}
	}

	axis := depth % t.dim
	near, far := n.left, n.right
	if q[axis] >= vec[axis] {
		near, far = far, near
	}

	t.search(near, q, k, depth+1, opts, heap, seen)

	axisDelta := q[axis] - vec[axis]
	if axisDelta < 0 {
		axisDelta = -axisDelta
	}
	if t.canPrune() && heap.Len() >= k {
		if worst, ok := heap.Top(); ok && axisDelta > worst.Distance {
			return
		}
	}
	t.search(far, q, k, depth+1, opts, heap, seen)
}

// WriteTo serializes the index. The tree itself is not written: rebuilding
// by slot order reproduces the identical structure.
func (t *KDTree) WriteTo(w io.Writer) (int64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var header [2]byte
	header[0] = byte(index.KindKDTree)
	header[1] = byte(t.opts.Metric)
	n, err := w.Write(header[:])
	written := int64(n)
	if err != nil {
		return written, err
	}
	sn, err := t.store.WriteTo(w)
	return written + sn, err
}

// ReadFrom replaces the index contents with a serialized snapshot.
func (t *KDTree) ReadFrom(r io.Reader) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var header [2]byte
	n, err := io.ReadFull(r, header[:])
	read := int64(n)
	if err != nil {
		return read, err
	}
	if index.Kind(header[0]) != index.KindKDTree {
		return read, fmt.Errorf("kdtree: snapshot holds %s index", index.Kind(header[0]))
	}
	dist, err := distance.Provider(distance.Metric(header[1]))
	if err != nil {
		return read, err
	}

	store, err := vectorstore.New(t.dim, 0)
	if err != nil {
		return read, err
	}
	sn, err := store.ReadFrom(r)
	read += sn
	if err != nil {
		return read, err
	}

	t.opts.Metric = distance.Metric(header[1])
	t.dist = dist
	t.store = store
	t.root = nil
	data, count := store.RawData()
	for i := 0; i < count; i++ {
		t.insertSlot(uint32(i), data[i*t.dim:(i+1)*t.dim])
	}
	return read, nil
}
