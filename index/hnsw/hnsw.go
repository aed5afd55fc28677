// Package hnsw implements a hierarchical navigable small-world graph index.
//
// Nodes live in a slot-indexed pool alongside the shared vector store. Each
// node carries one adjacency list per layer; inserts descend greedily from
// the entry point and link bidirectionally with heuristic neighbour
// selection, searches run a beam of width efSearch over layer zero.
package hnsw

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"slices"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/hupe1980/gigavector/distance"
	"github.com/hupe1980/gigavector/index"
	"github.com/hupe1980/gigavector/internal/searcher"
	"github.com/hupe1980/gigavector/internal/visited"
	"github.com/hupe1980/gigavector/metadata"
	"github.com/hupe1980/gigavector/vectorstore"
)

// Compile time check to ensure HNSW satisfies the index contract.
var _ index.Index = (*HNSW)(nil)

// Options configures the HNSW index.
type Options struct {
	// Metric selects the distance function.
	Metric distance.Metric

	// M is the number of connections created per element and layer.
	// Layer zero allows 2*M.
	M int

	// EfConstruction is the beam width during insert.
	EfConstruction int

	// EfSearch is the default beam width during search.
	EfSearch int

	// Heuristic enables diversity-aware neighbour selection instead of
	// plain nearest-M.
	Heuristic bool

	// AcornHops widens the search beam by a factor of 1+AcornHops when a
	// metadata filter is active, compensating for candidates the filter
	// discards.
	AcornHops int

	// BinaryQuantization caches one sign bit per dimension and traverses
	// on Hamming distance; the top RerankK hits are rescored exactly.
	BinaryQuantization bool

	// RerankK is the exact-rescore depth when BinaryQuantization is on.
	// Zero defaults to 4*k.
	RerankK int

	// Seed drives level sampling. Zero picks a fixed default so graphs
	// are reproducible.
	Seed int64

	// InitialCapacity hints the vector pool size.
	InitialCapacity int
}

// DefaultOptions holds the default HNSW options.
var DefaultOptions = Options{
	Metric:         distance.MetricEuclidean,
	M:              16,
	EfConstruction: 200,
	EfSearch:       64,
	Heuristic:      true,
	AcornHops:      1,
	Seed:           1,
}

type node struct {
	layer       int
	connections [][]uint32 // one adjacency list per layer, [0..layer]
}

// HNSW is the graph index.
type HNSW struct {
	mu   sync.RWMutex
	opts Options
	dim  int
	dist distance.Func

	store *vectorstore.Store
	nodes []*node
	dead  *bitset.BitSet

	ep       uint32
	epSet    bool
	maxLevel int

	rng *rand.Rand

	bqCodes [][]uint64 // packed sign bits per slot, when enabled
}

// New creates an HNSW index for vectors of the given dimension.
func New(dim int, optFns ...func(o *Options)) (*HNSW, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.M < 2 {
		opts.M = 2
	}
	if opts.EfConstruction < opts.M {
		opts.EfConstruction = opts.M
	}
	if opts.EfSearch <= 0 {
		opts.EfSearch = DefaultOptions.EfSearch
	}
	if opts.Seed == 0 {
		opts.Seed = 1
	}

	dist, err := distance.Provider(opts.Metric)
	if err != nil {
		return nil, err
	}
	store, err := vectorstore.New(dim, opts.InitialCapacity)
	if err != nil {
		return nil, err
	}
	return &HNSW{
		opts:  opts,
		dim:   dim,
		dist:  dist,
		store: store,
		dead:  bitset.New(64),
		rng:   rand.New(rand.NewSource(opts.Seed)),
	}, nil
}

// Kind returns index.KindHNSW.
func (h *HNSW) Kind() index.Kind { return index.KindHNSW }

// Dimension returns the index dimensionality.
func (h *HNSW) Dimension() int { return h.dim }

// Count returns the number of live vectors.
func (h *HNSW) Count() int { return h.store.LiveCount() }

// randomLevel draws a geometric level by repeated coin flips, capped at one
// above the current top layer so the hierarchy grows a single level at a
// time.
func (h *HNSW) randomLevel() int {
	level := 0
	for h.rng.Float64() < 0.5 && level < h.maxLevel+1 {
		level++
	}
	return level
}

func (h *HNSW) maxConns(level int) int {
	if level == 0 {
		return 2 * h.opts.M
	}
	return h.opts.M
}

func (h *HNSW) vector(slot uint32) []float32 {
	v, _ := h.store.Vector(slot)
	return v
}

// Insert adds a vector and returns its id.
func (h *HNSW) Insert(vec []float32, meta metadata.Metadata) (uint32, error) {
	if len(vec) != h.dim {
		return 0, &index.ErrDimensionMismatch{Expected: h.dim, Actual: len(vec)}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	slot, err := h.store.Add(vec, meta)
	if err != nil {
		return 0, err
	}
	level := h.randomLevel()
	n := &node{layer: level, connections: make([][]uint32, level+1)}
	h.nodes = append(h.nodes, n)
	if h.opts.BinaryQuantization {
		h.bqCodes = append(h.bqCodes, packSigns(vec))
	}

	if !h.epSet {
		h.ep = slot
		h.epSet = true
		h.maxLevel = level
		return slot, nil
	}

	curr := h.ep
	currDist := h.dist(vec, h.vector(curr))

	// Greedy descent through the layers above the new node's level.
	for l := h.maxLevel; l > level; l-- {
		curr, currDist = h.greedyStep(vec, curr, currDist, l)
	}

	for l := min(level, h.maxLevel); l >= 0; l-- {
		candidates := h.searchLayer(vec, curr, currDist, h.opts.EfConstruction, l, nil)
		neighbours := h.selectNeighbours(candidates, h.opts.M)

		n.connections[l] = make([]uint32, len(neighbours))
		for i, c := range neighbours {
			n.connections[l][i] = c.Slot
		}
		for _, c := range neighbours {
			h.link(c.Slot, slot, l)
		}
		if len(neighbours) > 0 {
			curr = neighbours[0].Slot
			currDist = neighbours[0].Distance
		}
	}

	if level > h.maxLevel {
		h.maxLevel = level
		h.ep = slot
	}
	return slot, nil
}

// greedyStep walks to the closest neighbour on a layer until no neighbour
// improves the distance.
func (h *HNSW) greedyStep(q []float32, curr uint32, currDist float32, level int) (uint32, float32) {
	for {
		improved := false
		n := h.nodes[curr]
		if level < len(n.connections) {
			for _, nb := range n.connections[level] {
				if d := h.dist(q, h.vector(nb)); d < currDist {
					curr = nb
					currDist = d
					improved = true
				}
			}
		}
		if !improved {
			return curr, currDist
		}
	}
}

// searchLayer runs a beam search of width ef on one layer. When filter is
// non-nil only accepted slots enter the result set, but traversal still
// crosses rejected nodes. bq selects Hamming scoring over packed codes.
func (h *HNSW) searchLayer(q []float32, ep uint32, epDist float32, ef, level int, accept func(uint32) bool) []searcher.Candidate {
	// A fresh visited set per call keeps concurrent searches race-free.
	vis := visited.New(len(h.nodes))
	vis.Visit(ep)

	frontier := searcher.NewMin()
	frontier.Push(searcher.Candidate{Slot: ep, Distance: epDist})

	results := searcher.NewMax()
	if accept == nil || accept(ep) {
		results.Push(searcher.Candidate{Slot: ep, Distance: epDist})
	}

	for frontier.Len() > 0 {
		c, _ := frontier.Pop()
		if worst, ok := results.Top(); ok && results.Len() >= ef && c.Distance > worst.Distance {
			break
		}

		n := h.nodes[c.Slot]
		if level >= len(n.connections) {
			continue
		}
		for _, nb := range n.connections[level] {
			if vis.Visited(nb) {
				continue
			}
			vis.Visit(nb)

			d := h.dist(q, h.vector(nb))
			worst, hasWorst := results.Top()
			if results.Len() < ef || !hasWorst || d < worst.Distance {
				frontier.Push(searcher.Candidate{Slot: nb, Distance: d})
				if accept == nil || accept(nb) {
					results.PushBounded(searcher.Candidate{Slot: nb, Distance: d}, ef)
				}
			}
		}
	}
	return results.Drain()
}

// selectNeighbours picks up to m connection targets from best-first
// candidates. The heuristic variant skips candidates dominated by an
// already-selected neighbour to keep edges diverse.
func (h *HNSW) selectNeighbours(candidates []searcher.Candidate, m int) []searcher.Candidate {
	if len(candidates) <= m {
		return candidates
	}
	if !h.opts.Heuristic {
		return candidates[:m]
	}

	selected := make([]searcher.Candidate, 0, m)
	var spilled []searcher.Candidate
	for _, c := range candidates {
		if len(selected) >= m {
			break
		}
		dominated := false
		for _, s := range selected {
			if h.dist(h.vector(s.Slot), h.vector(c.Slot)) < c.Distance {
				dominated = true
				break
			}
		}
		if dominated {
			spilled = append(spilled, c)
		} else {
			selected = append(selected, c)
		}
	}
	for _, c := range spilled {
		if len(selected) >= m {
			break
		}
		selected = append(selected, c)
	}
	return selected
}

// link adds a directed edge from -> to on a layer, pruning back to the
// connection cap when exceeded.
func (h *HNSW) link(from, to uint32, level int) {
	n := h.nodes[from]
	if level >= len(n.connections) {
		return
	}
	n.connections[level] = append(n.connections[level], to)

	limit := h.maxConns(level)
	if len(n.connections[level]) <= limit {
		return
	}

	fromVec := h.vector(from)
	candidates := make([]searcher.Candidate, 0, len(n.connections[level]))
	for _, nb := range n.connections[level] {
		candidates = append(candidates, searcher.Candidate{Slot: nb, Distance: h.dist(fromVec, h.vector(nb))})
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
	pruned := h.selectNeighbours(candidates, limit)
	n.connections[level] = n.connections[level][:0]
	for _, c := range pruned {
		n.connections[level] = append(n.connections[level], c.Slot)
	}
}

// Search returns the k nearest neighbours of q.
func (h *HNSW) Search(q []float32, k int, opts *index.SearchOptions) ([]index.SearchResult, error) {
	if k <= 0 {
		return nil, index.ErrInvalidK
	}
	if len(q) != h.dim {
		return nil, &index.ErrDimensionMismatch{Expected: h.dim, Actual: len(q)}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.epSet || h.store.LiveCount() == 0 {
		return []index.SearchResult{}, nil
	}

	ef := h.opts.EfSearch
	if opts != nil && opts.EfSearch > 0 {
		ef = opts.EfSearch
	}
	if ef < k {
		ef = k
	}
	if opts.Filtered() {
		ef *= 1 + h.opts.AcornHops
	}

	entry := h.liveEntryPoint()
	currDist := h.dist(q, h.vector(entry))
	for l := h.maxLevel; l > 0; l-- {
		entry, currDist = h.greedyStep(q, entry, currDist, l)
	}

	accept := func(slot uint32) bool {
		if h.dead.Test(uint(slot)) {
			return false
		}
		if !opts.Filtered() {
			return true
		}
		meta, _ := h.store.Metadata(slot)
		return opts.Accept(meta)
	}

	var candidates []searcher.Candidate
	if h.opts.BinaryQuantization {
		candidates = h.searchLayerBQ(q, entry, ef, accept)
		rerank := h.opts.RerankK
		if rerank <= 0 {
			rerank = 4 * k
		}
		if len(candidates) > rerank {
			candidates = candidates[:rerank]
		}
		for i := range candidates {
			candidates[i].Distance = h.dist(q, h.vector(candidates[i].Slot))
		}
		slices.SortFunc(candidates, cmpCandidate)
	} else {
		candidates = h.searchLayer(q, entry, currDist, ef, 0, accept)
	}

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	results := make([]index.SearchResult, 0, len(candidates))
	for _, c := range candidates {
		vec, ok := h.store.Vector(c.Slot)
		if !ok {
			continue
		}
		meta, _ := h.store.Metadata(c.Slot)
		results = append(results, index.SearchResult{
			ID:       c.Slot,
			Distance: c.Distance,
			Vector:   slices.Clone(vec),
			Metadata: meta.Clone(),
		})
	}
	return results, nil
}

// searchLayerBQ mirrors searchLayer but scores traversal with Hamming
// distance over the packed sign codes.
func (h *HNSW) searchLayerBQ(q []float32, ep uint32, ef int, accept func(uint32) bool) []searcher.Candidate {
	qCode := packSigns(q)

	vis := visited.New(len(h.nodes))
	vis.Visit(ep)

	epDist := float32(hamming(qCode, h.bqCodes[ep]))
	frontier := searcher.NewMin()
	frontier.Push(searcher.Candidate{Slot: ep, Distance: epDist})
	results := searcher.NewMax()
	if accept(ep) {
		results.Push(searcher.Candidate{Slot: ep, Distance: epDist})
	}

	for frontier.Len() > 0 {
		c, _ := frontier.Pop()
		if worst, ok := results.Top(); ok && results.Len() >= ef && c.Distance > worst.Distance {
			break
		}
		n := h.nodes[c.Slot]
		if len(n.connections) == 0 {
			continue
		}
		for _, nb := range n.connections[0] {
			if vis.Visited(nb) {
				continue
			}
			vis.Visit(nb)
			d := float32(hamming(qCode, h.bqCodes[nb]))
			worst, hasWorst := results.Top()
			if results.Len() < ef || !hasWorst || d < worst.Distance {
				frontier.Push(searcher.Candidate{Slot: nb, Distance: d})
				if accept(nb) {
					results.PushBounded(searcher.Candidate{Slot: nb, Distance: d}, ef)
				}
			}
		}
	}
	return results.Drain()
}

// liveEntryPoint returns the entry point, handing off to any live node when
// the recorded one is tombstoned.
func (h *HNSW) liveEntryPoint() uint32 {
	if !h.dead.Test(uint(h.ep)) {
		return h.ep
	}
	for i := range h.nodes {
		if !h.dead.Test(uint(i)) && !h.store.IsDeleted(uint32(i)) {
			return uint32(i)
		}
	}
	return h.ep
}

// Delete tombstones an id, excises its edges in both directions and bridges
// its neighbours so the graph stays connected.
func (h *HNSW) Delete(id uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if int(id) >= len(h.nodes) || h.dead.Test(uint(id)) {
		return index.ErrNotFound
	}
	if err := h.store.MarkDeleted(id); err != nil {
		return index.ErrNotFound
	}
	h.dead.Set(uint(id))

	n := h.nodes[id]
	for level := range n.connections {
		neighbours := n.connections[level]

		// Drop the reverse edges.
		for _, nb := range neighbours {
			conns := h.nodes[nb].connections
			if level >= len(conns) {
				continue
			}
			conns[level] = slices.DeleteFunc(conns[level], func(s uint32) bool { return s == id })
		}

		// Bridge the orphaned neighbourhood pairwise.
		for i := 0; i < len(neighbours); i++ {
			for j := i + 1; j < len(neighbours); j++ {
				a, b := neighbours[i], neighbours[j]
				if h.dead.Test(uint(a)) || h.dead.Test(uint(b)) {
					continue
				}
				if level >= len(h.nodes[a].connections) || level >= len(h.nodes[b].connections) {
					continue
				}
				if !slices.Contains(h.nodes[a].connections[level], b) {
					h.link(a, b, level)
					h.link(b, a, level)
				}
			}
		}
		n.connections[level] = nil
	}

	if h.ep == id {
		h.handOffEntry()
	}
	return nil
}

func (h *HNSW) handOffEntry() {
	best := -1
	bestLevel := -1
	for i, n := range h.nodes {
		if h.dead.Test(uint(i)) {
			continue
		}
		if n.layer > bestLevel {
			bestLevel = n.layer
			best = i
		}
	}
	if best < 0 {
		h.epSet = false
		h.maxLevel = 0
		return
	}
	h.ep = uint32(best)
	h.maxLevel = bestLevel
}

// Update replaces the vector stored under id in place. Graph edges are kept;
// they were built for the old position, so recall around heavily updated
// nodes degrades until a rebuild.
func (h *HNSW) Update(id uint32, vec []float32) error {
	if len(vec) != h.dim {
		return &index.ErrDimensionMismatch{Expected: h.dim, Actual: len(vec)}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if int(id) >= len(h.nodes) || h.dead.Test(uint(id)) {
		return index.ErrNotFound
	}
	if err := h.store.UpdateVector(id, vec); err != nil {
		return index.ErrNotFound
	}
	if h.opts.BinaryQuantization {
		h.bqCodes[id] = packSigns(vec)
	}
	return nil
}

// WriteTo serializes the index: header, graph topology, vector pool.
func (h *HNSW) WriteTo(w io.Writer) (int64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var written int64
	header := make([]byte, 0, 64)
	header = append(header, byte(index.KindHNSW), byte(h.opts.Metric))
	header = binary.LittleEndian.AppendUint32(header, uint32(h.opts.M))
	header = binary.LittleEndian.AppendUint32(header, uint32(h.opts.EfConstruction))
	header = binary.LittleEndian.AppendUint32(header, uint32(h.opts.EfSearch))
	header = binary.LittleEndian.AppendUint32(header, uint32(h.maxLevel))
	header = binary.LittleEndian.AppendUint32(header, h.ep)
	flags := byte(0)
	if h.epSet {
		flags |= 1
	}
	if h.opts.Heuristic {
		flags |= 2
	}
	if h.opts.BinaryQuantization {
		flags |= 4
	}
	header = append(header, flags)
	header = binary.LittleEndian.AppendUint32(header, uint32(len(h.nodes)))
	n, err := w.Write(header)
	written += int64(n)
	if err != nil {
		return written, err
	}

	buf := make([]byte, 0, 256)
	for _, nd := range h.nodes {
		buf = buf[:0]
		buf = binary.LittleEndian.AppendUint32(buf, uint32(nd.layer))
		for _, conns := range nd.connections {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(conns)))
			for _, c := range conns {
				buf = binary.LittleEndian.AppendUint32(buf, c)
			}
		}
		n, err = w.Write(buf)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}

	sn, err := h.store.WriteTo(w)
	return written + sn, err
}

// ReadFrom replaces the index contents with a serialized snapshot.
func (h *HNSW) ReadFrom(r io.Reader) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var read int64
	header := make([]byte, 27)
	n, err := io.ReadFull(r, header)
	read += int64(n)
	if err != nil {
		return read, err
	}
	if index.Kind(header[0]) != index.KindHNSW {
		return read, fmt.Errorf("hnsw: snapshot holds %s index", index.Kind(header[0]))
	}
	dist, err := distance.Provider(distance.Metric(header[1]))
	if err != nil {
		return read, err
	}

	h.opts.Metric = distance.Metric(header[1])
	h.opts.M = int(binary.LittleEndian.Uint32(header[2:]))
	h.opts.EfConstruction = int(binary.LittleEndian.Uint32(header[6:]))
	h.opts.EfSearch = int(binary.LittleEndian.Uint32(header[10:]))
	h.maxLevel = int(binary.LittleEndian.Uint32(header[14:]))
	h.ep = binary.LittleEndian.Uint32(header[18:])
	flags := header[22]
	h.epSet = flags&1 != 0
	h.opts.Heuristic = flags&2 != 0
	h.opts.BinaryQuantization = flags&4 != 0
	nodeCount := int(binary.LittleEndian.Uint32(header[23:]))
	h.dist = dist

	nodes := make([]*node, nodeCount)
	u32 := make([]byte, 4)
	readU32 := func() (uint32, error) {
		n, err := io.ReadFull(r, u32)
		read += int64(n)
		if err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint32(u32), nil
	}
	for i := range nodes {
		layer, err := readU32()
		if err != nil {
			return read, err
		}
		nd := &node{layer: int(layer), connections: make([][]uint32, layer+1)}
		for l := range nd.connections {
			count, err := readU32()
			if err != nil {
				return read, err
			}
			conns := make([]uint32, count)
			for j := range conns {
				if conns[j], err = readU32(); err != nil {
					return read, err
				}
			}
			nd.connections[l] = conns
		}
		nodes[i] = nd
	}

	store, err := vectorstore.New(h.dim, 0)
	if err != nil {
		return read, err
	}
	sn, err := store.ReadFrom(r)
	read += sn
	if err != nil {
		return read, err
	}

	h.nodes = nodes
	h.store = store
	h.dead = bitset.New(uint(nodeCount))
	for i := 0; i < nodeCount; i++ {
		if store.IsDeleted(uint32(i)) {
			h.dead.Set(uint(i))
		}
	}
	h.bqCodes = nil
	if h.opts.BinaryQuantization {
		h.bqCodes = make([][]uint64, nodeCount)
		data, _ := store.RawData()
		for i := 0; i < nodeCount; i++ {
			h.bqCodes[i] = packSigns(data[i*h.dim : (i+1)*h.dim])
		}
	}
	return read, nil
}

func cmpCandidate(a, b searcher.Candidate) int {
	switch {
	case a.Distance < b.Distance:
		return -1
	case a.Distance > b.Distance:
		return 1
	default:
		return 0
	}
}

