package gigavector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"

	"github.com/hupe1980/gigavector/distance"
	"github.com/hupe1980/gigavector/index"
	"github.com/hupe1980/gigavector/index/flat"
	"github.com/hupe1980/gigavector/index/hnsw"
	"github.com/hupe1980/gigavector/index/ivfflat"
	"github.com/hupe1980/gigavector/index/ivfpq"
	"github.com/hupe1980/gigavector/index/kdtree"
	"github.com/hupe1980/gigavector/index/lsh"
	"github.com/hupe1980/gigavector/index/pq"
	"github.com/hupe1980/gigavector/index/sparse"
	"github.com/hupe1980/gigavector/metadata"
	"github.com/hupe1980/gigavector/persistence"
	"github.com/hupe1980/gigavector/pipeline"
	"github.com/hupe1980/gigavector/resource"
	"github.com/hupe1980/gigavector/wal"
)

var _ pipeline.Database = (*DB)(nil)

// DB hosts one index behind a durable facade: inserts hit the WAL before
// the index, opens replay the WAL on top of the latest snapshot, and
// searches divert to an exact scan while the index is small.
type DB struct {
	mu     sync.RWMutex
	opts   Options
	dim    int
	kind   index.Kind
	idx    index.Index
	sparse *sparse.Sparse // set instead of idx for KindSparse
	rows   index.Browser
	dist   distance.Func
	wal    *wal.WAL
	res    *resource.Controller
	logger *Logger
	path   string
	closed bool
}

// Open creates or restores a database of the given dimension and index
// kind. An empty path keeps everything in memory: no snapshot is loaded
// and no WAL is written. With a path, a prior snapshot is loaded when
// present and the WAL is replayed on top of it through the regular
// insert path.
func Open(path string, dim int, kind index.Kind, optFns ...func(o *Options)) (*DB, error) {
	opts := applyOptions(optFns)

	db := &DB{
		opts:   opts,
		dim:    dim,
		kind:   kind,
		res:    newController(&opts),
		logger: opts.Logger,
		path:   resolveDataPath(path),
	}

	// Sparse vectors have no WAL representation, so the sparse index is
	// hosted for in-memory databases only.
	if kind == index.KindSparse {
		if db.path != "" {
			return nil, ErrSparseInMemoryOnly
		}
		db.sparse = sparse.New(dim, opts.Sparse...)
		return db, nil
	}

	idx, err := buildIndex(dim, kind, &opts)
	if err != nil {
		return nil, err
	}
	dist, err := distance.Provider(opts.Metric)
	if err != nil {
		return nil, err
	}
	db.idx = idx
	db.dist = dist
	db.rows, _ = idx.(index.Browser)

	if db.path != "" {
		if err := db.restore(); err != nil {
			return nil, err
		}
	}
	return db, nil
}

func buildIndex(dim int, kind index.Kind, opts *Options) (index.Index, error) {
	switch kind {
	case index.KindFlat:
		fns := append(slices.Clone(opts.Flat), func(o *flat.Options) { o.Metric = opts.Metric })
		return flat.New(dim, fns...)
	case index.KindKDTree:
		fns := append(slices.Clone(opts.KDTree), func(o *kdtree.Options) { o.Metric = opts.Metric })
		return kdtree.New(dim, fns...)
	case index.KindLSH:
		fns := append(slices.Clone(opts.LSH), func(o *lsh.Options) { o.Metric = opts.Metric })
		return lsh.New(dim, fns...)
	case index.KindHNSW:
		fns := append(slices.Clone(opts.HNSW), func(o *hnsw.Options) { o.Metric = opts.Metric })
		return hnsw.New(dim, fns...)
	case index.KindIVFFlat:
		fns := append(slices.Clone(opts.IVFFlat), func(o *ivfflat.Options) { o.Metric = opts.Metric })
		return ivfflat.New(dim, fns...)
	case index.KindIVFPQ:
		fns := append(slices.Clone(opts.IVFPQ), func(o *ivfpq.Options) { o.Metric = opts.Metric })
		return ivfpq.New(dim, fns...)
	case index.KindPQ:
		fns := append(slices.Clone(opts.PQ), func(o *pq.Options) { o.Metric = opts.Metric })
		return pq.New(dim, fns...)
	default:
		return nil, &ErrUnsupportedKind{Kind: kind}
	}
}

func newController(opts *Options) *resource.Controller {
	if len(opts.Resource) == 0 {
		return nil
	}
	return resource.NewController(opts.Resource...)
}

// restore loads the snapshot when one exists, then opens and replays the
// WAL. Replayed inserts take the regular insert path, so the recovered
// state equals the pre-crash in-memory state modulo unlogged deletes.
func (d *DB) restore() error {
	if _, err := os.Stat(d.path); err == nil {
		if err := persistence.Load(d.path, d.idx, func(o *persistence.Options) {
			o.Limiter = d.res
		}); err != nil {
			return err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("gigavector: stat snapshot: %w", err)
	}

	if d.opts.DisableWAL {
		return nil
	}

	w, err := wal.Open(resolveWALPath(&d.opts, d.path), d.dim, func(o *wal.Options) {
		o.Kind = d.kind
		o.BindKind = true
		o.Limiter = d.res
	})
	if err != nil {
		return err
	}
	d.wal = w

	replayed := 0
	err = w.Replay(func(r wal.Record) error {
		if err := d.applyInsert(r.Vector, r.Metadata); err != nil {
			return err
		}
		replayed++
		return nil
	})
	d.logger.LogRecovery(context.Background(), replayed, err)
	if err != nil {
		w.Close()
		return err
	}
	return nil
}

// Dimension returns the configured vector dimensionality.
func (d *DB) Dimension() int { return d.dim }

// Kind returns the hosted index kind.
func (d *DB) Kind() index.Kind { return d.kind }

// Metric returns the configured distance metric.
func (d *DB) Metric() distance.Metric { return d.opts.Metric }

// Count returns the number of live vectors.
func (d *DB) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.sparse != nil {
		return d.sparse.Count()
	}
	return d.idx.Count()
}

// Stats returns resource usage when caps are configured.
func (d *DB) Stats() resource.Stats { return d.res.Stats() }

func insertBytes(vec []float32, meta metadata.Metadata) int64 {
	n := int64(4 * len(vec))
	for k, v := range meta {
		n += int64(len(k) + len(v))
	}
	return n
}

// applyInsert reserves resources and inserts into the index, without
// touching the WAL. Shared by Insert and WAL replay.
func (d *DB) applyInsert(vec []float32, meta metadata.Metadata) error {
	cost := insertBytes(vec, meta)
	if err := d.res.AcquireInsert(cost); err != nil {
		return err
	}
	if _, err := d.idx.Insert(vec, meta); err != nil {
		d.res.ReleaseInsert(cost)
		return err
	}
	return nil
}

// Insert appends the vector to the WAL, then applies it to the index and
// returns its id. A WAL append failure leaves the index untouched.
func (d *DB) Insert(vec []float32, meta metadata.Metadata) (uint32, error) {
	if err := d.res.AcquireOp(context.Background()); err != nil {
		return 0, err
	}
	defer d.res.ReleaseOp()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrClosed
	}
	if d.sparse != nil {
		return 0, ErrNotDense
	}

	cost := insertBytes(vec, meta)
	if err := d.res.AcquireInsert(cost); err != nil {
		return 0, err
	}
	if d.wal != nil {
		if err := d.wal.AppendInsert(vec, meta); err != nil {
			d.res.ReleaseInsert(cost)
			return 0, err
		}
	}
	id, err := d.idx.Insert(vec, meta)
	if err != nil {
		d.res.ReleaseInsert(cost)
	}
	d.logger.LogInsert(context.Background(), id, len(vec), err)
	return id, err
}

// Search returns up to k nearest neighbours of q. While the live count is
// below ExactSearchThreshold, or when ForceExactSearch is set, the search
// scans the stored rows exactly instead of probing the index. opts may be
// nil.
func (d *DB) Search(q []float32, k int, opts *index.SearchOptions) ([]index.SearchResult, error) {
	if err := d.res.AcquireOp(context.Background()); err != nil {
		return nil, err
	}
	defer d.res.ReleaseOp()

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}
	if d.sparse != nil {
		return nil, ErrNotDense
	}

	exact := d.exactEligible()
	var (
		results []index.SearchResult
		err     error
	)
	if exact {
		results, err = d.exactSearch(q, k, opts)
	} else {
		results, err = d.idx.Search(q, k, opts)
	}
	d.logger.LogSearch(context.Background(), k, len(results), exact, err)
	return results, err
}

// SearchWithFilter compiles expr with the metadata filter engine and
// searches with it.
func (d *DB) SearchWithFilter(q []float32, k int, expr string) ([]index.SearchResult, error) {
	filter, err := metadata.CompileFilter(expr)
	if err != nil {
		return nil, err
	}
	return d.Search(q, k, &index.SearchOptions{Filter: filter})
}

// exactEligible reports whether searches divert to the exact scan. The
// flat index is already exact and never diverts.
func (d *DB) exactEligible() bool {
	if d.kind == index.KindFlat || d.rows == nil {
		return false
	}
	if d.opts.ForceExactSearch {
		return true
	}
	return d.opts.ExactSearchThreshold > 0 && d.idx.Count() < d.opts.ExactSearchThreshold
}

// exactSearch brute-forces the stored rows, honoring the same filter
// gates as the index search.
func (d *DB) exactSearch(q []float32, k int, opts *index.SearchOptions) ([]index.SearchResult, error) {
	if len(q) != d.dim {
		return nil, &index.ErrDimensionMismatch{Expected: d.dim, Actual: len(q)}
	}
	if k <= 0 {
		return nil, index.ErrInvalidK
	}

	var results []index.SearchResult
	d.rows.Iterate(func(id uint32, vec []float32, meta metadata.Metadata) bool {
		if !opts.Accept(meta) {
			return true
		}
		results = append(results, index.SearchResult{
			ID:       id,
			Distance: d.dist(q, vec),
			Vector:   slices.Clone(vec),
			Metadata: meta.Clone(),
		})
		return true
	})

	slices.SortFunc(results, func(a, b index.SearchResult) int {
		switch {
		case a.Distance < b.Distance:
			return -1
		case a.Distance > b.Distance:
			return 1
		default:
			return int(a.ID) - int(b.ID)
		}
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Vector returns the stored vector for a live id, as an owned copy.
func (d *DB) Vector(id uint32) ([]float32, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed || d.rows == nil {
		return nil, false
	}
	vec, ok := d.rows.Vector(id)
	if !ok {
		return nil, false
	}
	return slices.Clone(vec), true
}

// Metadata returns a copy of the metadata stored under a live id.
func (d *DB) Metadata(id uint32) (metadata.Metadata, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, false
	}
	if d.sparse != nil {
		return d.sparse.Metadata(id)
	}
	if d.rows == nil {
		return nil, false
	}
	return d.rows.Metadata(id)
}

type trainable interface {
	Train(vectors []float32) error
	Trained() bool
}

// Train trains a quantized index on the concatenated training vectors.
// Indexes without a training phase return nil immediately.
func (d *DB) Train(vectors []float32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	t, ok := d.idx.(trainable)
	if !ok {
		return nil
	}
	return t.Train(vectors)
}

// Trained reports whether the index accepts inserts. Indexes without a
// training phase are always trained.
func (d *DB) Trained() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.idx.(trainable)
	if !ok {
		return true
	}
	return t.Trained()
}

// Delete removes an id. The removal becomes durable with the next Save;
// the insert-only WAL resurrects unsaved deletes on recovery.
func (d *DB) Delete(id uint32) error {
	if err := d.res.AcquireOp(context.Background()); err != nil {
		return err
	}
	defer d.res.ReleaseOp()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.sparse != nil {
		return d.deleteSparseLocked(id)
	}

	var cost int64
	if d.rows != nil {
		if vec, ok := d.rows.Vector(id); ok {
			meta, _ := d.rows.Metadata(id)
			cost = insertBytes(vec, meta)
		}
	}
	err := d.idx.Delete(id)
	if err == nil && cost > 0 {
		d.res.ReleaseInsert(cost)
	}
	d.logger.LogDelete(context.Background(), id, err)
	return err
}

// Update replaces the vector stored under id. Like deletes, updates
// become durable with the next Save.
func (d *DB) Update(id uint32, vec []float32) error {
	if err := d.res.AcquireOp(context.Background()); err != nil {
		return err
	}
	defer d.res.ReleaseOp()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.sparse != nil {
		return ErrNotDense
	}
	err := d.idx.Update(id, vec)
	d.logger.LogUpdate(context.Background(), id, err)
	return err
}

func sparseInsertBytes(vec sparse.Vector, meta metadata.Metadata) int64 {
	n := int64(8 * len(vec.Entries))
	for k, v := range meta {
		n += int64(len(k) + len(v))
	}
	return n
}

// InsertSparse adds a sparse document to a database opened with
// index.KindSparse and returns its id.
func (d *DB) InsertSparse(vec sparse.Vector, meta metadata.Metadata) (uint32, error) {
	if err := d.res.AcquireOp(context.Background()); err != nil {
		return 0, err
	}
	defer d.res.ReleaseOp()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrClosed
	}
	if d.sparse == nil {
		return 0, ErrNotSparse
	}

	cost := sparseInsertBytes(vec, meta)
	if err := d.res.AcquireInsert(cost); err != nil {
		return 0, err
	}
	id, err := d.sparse.Insert(vec, meta)
	if err != nil {
		d.res.ReleaseInsert(cost)
	}
	d.logger.LogInsert(context.Background(), id, len(vec.Entries), err)
	return id, err
}

// SearchSparse scores documents against a sparse query and returns the top
// k by descending score. opts may be nil.
func (d *DB) SearchSparse(q sparse.Vector, k int, opts *index.SearchOptions) ([]sparse.Result, error) {
	if err := d.res.AcquireOp(context.Background()); err != nil {
		return nil, err
	}
	defer d.res.ReleaseOp()

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}
	if d.sparse == nil {
		return nil, ErrNotSparse
	}

	results, err := d.sparse.Search(q, k, opts)
	d.logger.LogSearch(context.Background(), k, len(results), false, err)
	return results, err
}

// UpdateSparse replaces the document stored under id.
func (d *DB) UpdateSparse(id uint32, vec sparse.Vector) error {
	if err := d.res.AcquireOp(context.Background()); err != nil {
		return err
	}
	defer d.res.ReleaseOp()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.sparse == nil {
		return ErrNotSparse
	}
	err := d.sparse.Update(id, vec)
	d.logger.LogUpdate(context.Background(), id, err)
	return err
}

func (d *DB) deleteSparseLocked(id uint32) error {
	var cost int64
	if vec, ok := d.sparse.Vector(id); ok {
		meta, _ := d.sparse.Metadata(id)
		cost = sparseInsertBytes(vec, meta)
	}
	err := d.sparse.Delete(id)
	if err == nil && cost > 0 {
		d.res.ReleaseInsert(cost)
	}
	d.logger.LogDelete(context.Background(), id, err)
	return err
}

// Save snapshots the index to the open path and resets the WAL. A failed
// save leaves both the prior snapshot and the WAL intact.
func (d *DB) Save() error {
	if err := d.res.AcquireOp(context.Background()); err != nil {
		return err
	}
	defer d.res.ReleaseOp()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.path == "" {
		return errors.New("gigavector: no snapshot path configured")
	}
	return d.saveLocked(d.path)
}

// SaveTo snapshots the index to an explicit path. The WAL is reset only
// when the target is the open path.
func (d *DB) SaveTo(path string) error {
	if err := d.res.AcquireOp(context.Background()); err != nil {
		return err
	}
	defer d.res.ReleaseOp()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	return d.saveLocked(resolveDataPath(path))
}

func (d *DB) saveLocked(path string) error {
	var src io.WriterTo = d.idx
	if d.sparse != nil {
		src = d.sparse
	}
	err := persistence.Save(path, src, func(o *persistence.Options) {
		o.Codec = d.opts.Codec
		o.Limiter = d.res
	})
	d.logger.LogSnapshot(context.Background(), path, err)
	if err != nil {
		return err
	}
	if d.wal != nil && path == d.path {
		return d.wal.Reset()
	}
	return nil
}

// Close releases the WAL. Further operations return ErrClosed.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.wal != nil {
		return d.wal.Close()
	}
	return nil
}
