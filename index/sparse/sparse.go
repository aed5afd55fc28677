// Package sparse implements an inverted index over sparse vectors with BM25
// scoring. Documents are high-dimensional term/weight pairs; a query touches
// only the posting lists of its own terms.
package sparse

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"slices"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/hupe1980/gigavector/index"
	"github.com/hupe1980/gigavector/metadata"
)

// Default BM25 parameters.
const (
	DefaultK1 = 1.5
	DefaultB  = 0.75
)

// Entry is one term/weight pair of a sparse vector.
type Entry struct {
	Term  uint32
	Value float32
}

// Vector is a sparse vector. Entries with a zero value or a term outside
// the index dimension are ignored; negative weights are kept.
type Vector struct {
	Entries []Entry
}

// Options configures the sparse index.
type Options struct {
	// K1 is the BM25 term-frequency saturation parameter.
	K1 float64

	// B is the BM25 length-normalization parameter.
	B float64

	// DotScoring replaces BM25 with a plain dot product between query and
	// document weights.
	DotScoring bool
}

// DefaultOptions holds the default sparse index options.
var DefaultOptions = Options{
	K1: DefaultK1,
	B:  DefaultB,
}

// Result is one search hit. Score is descending-is-better; Distance is the
// negated score so callers treating all indexes uniformly can keep their
// ascending sort.
type Result struct {
	ID       uint32
	Score    float32
	Distance float32
	Metadata metadata.Metadata
}

type posting struct {
	doc   uint32
	value float32
}

// Sparse is the inverted BM25 index.
type Sparse struct {
	mu       sync.RWMutex
	opts     Options
	dim      uint32
	postings map[uint32][]posting
	docs     []Vector
	meta     []metadata.Metadata
	docLen   []float64 // sum of term weights per doc
	sumLen   float64   // over live docs
	deleted  *bitset.BitSet
	live     int
}

// New creates an empty sparse index over term ids [0, dim).
func New(dim int, optFns ...func(o *Options)) *Sparse {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.K1 <= 0 {
		opts.K1 = DefaultK1
	}
	if opts.B < 0 || opts.B > 1 {
		opts.B = DefaultB
	}
	if dim < 0 {
		dim = 0
	}
	return &Sparse{
		opts:     opts,
		dim:      uint32(dim),
		postings: make(map[uint32][]posting),
		deleted:  bitset.New(0),
	}
}

// Kind returns index.KindSparse.
func (s *Sparse) Kind() index.Kind { return index.KindSparse }

// Dimension returns the term-id space size.
func (s *Sparse) Dimension() int { return int(s.dim) }

// Count returns the number of live documents.
func (s *Sparse) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live
}

// Insert adds a document and returns its id.
func (s *Sparse) Insert(vec Vector, meta metadata.Metadata) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := uint32(len(s.docs))
	var length float64
	entries := make([]Entry, 0, len(vec.Entries))
	for _, e := range vec.Entries {
		if e.Value == 0 || e.Term >= s.dim {
			continue
		}
		entries = append(entries, e)
		s.postings[e.Term] = append(s.postings[e.Term], posting{doc: doc, value: e.Value})
		length += float64(e.Value)
	}
	if length < 0 {
		length = 0
	}

	s.docs = append(s.docs, Vector{Entries: entries})
	s.meta = append(s.meta, meta.Clone())
	s.docLen = append(s.docLen, length)
	s.sumLen += length
	s.live++
	return doc, nil
}

// avgLen is the mean live document length, 1 when empty to keep the BM25
// denominator sane.
func (s *Sparse) avgLen() float64 {
	if s.live == 0 {
		return 1
	}
	return s.sumLen / float64(s.live)
}

// idf is the BM25+ inverse document frequency; df counts live documents
// containing the term.
func (s *Sparse) idf(df int) float64 {
	n := float64(s.live)
	return math.Log((n-float64(df)+0.5)/(float64(df)+0.5) + 1)
}

// Search scores documents sharing at least one term with the query and
// returns the top k by descending score.
func (s *Sparse) Search(q Vector, k int, opts *index.SearchOptions) ([]Result, error) {
	if k <= 0 {
		return nil, index.ErrInvalidK
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	avg := s.avgLen()
	scores := make(map[uint32]float64)
	for _, e := range q.Entries {
		if e.Value == 0 || e.Term >= s.dim {
			continue
		}
		list := s.postings[e.Term]
		if len(list) == 0 {
			continue
		}

		if s.opts.DotScoring {
			for _, p := range list {
				if s.deleted.Test(uint(p.doc)) {
					continue
				}
				scores[p.doc] += float64(e.Value) * float64(p.value)
			}
			continue
		}

		df := 0
		for _, p := range list {
			if !s.deleted.Test(uint(p.doc)) {
				df++
			}
		}
		if df == 0 {
			continue
		}
		idf := s.idf(df)
		for _, p := range list {
			if s.deleted.Test(uint(p.doc)) {
				continue
			}
			tf := float64(p.value)
			dl := s.docLen[p.doc]
			if dl <= 0 {
				dl = avg
			}
			denom := tf + s.opts.K1*(1-s.opts.B+s.opts.B*dl/avg)
			if denom <= 0 {
				continue
			}
			scores[p.doc] += float64(e.Value) * idf * tf * (s.opts.K1 + 1) / denom
		}
	}

	hits := make([]Result, 0, len(scores))
	for doc, score := range scores {
		meta := s.meta[doc]
		if !opts.Accept(meta) {
			continue
		}
		hits = append(hits, Result{
			ID:       doc,
			Score:    float32(score),
			Distance: float32(-score),
			Metadata: meta.Clone(),
		})
	}
	slices.SortFunc(hits, func(a, b Result) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Delete tombstones a document. Its postings stay in place and are skipped
// at scoring time.
func (s *Sparse) Delete(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(id) >= len(s.docs) || s.deleted.Test(uint(id)) {
		return index.ErrNotFound
	}
	s.deleted.Set(uint(id))
	s.sumLen -= s.docLen[id]
	s.live--
	return nil
}

// Update replaces a document's terms, rewriting its postings.
func (s *Sparse) Update(id uint32, vec Vector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(id) >= len(s.docs) || s.deleted.Test(uint(id)) {
		return index.ErrNotFound
	}

	for _, e := range s.docs[id].Entries {
		s.postings[e.Term] = slices.DeleteFunc(s.postings[e.Term], func(p posting) bool { return p.doc == id })
		if len(s.postings[e.Term]) == 0 {
			delete(s.postings, e.Term)
		}
	}
	s.sumLen -= s.docLen[id]

	var length float64
	entries := make([]Entry, 0, len(vec.Entries))
	for _, e := range vec.Entries {
		if e.Value == 0 || e.Term >= s.dim {
			continue
		}
		entries = append(entries, e)
		s.postings[e.Term] = append(s.postings[e.Term], posting{doc: id, value: e.Value})
		length += float64(e.Value)
	}
	if length < 0 {
		length = 0
	}
	s.docs[id] = Vector{Entries: entries}
	s.docLen[id] = length
	s.sumLen += length
	return nil
}

// Vector returns the stored entries of a live document, as an owned copy.
func (s *Sparse) Vector(id uint32) (Vector, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(id) >= len(s.docs) || s.deleted.Test(uint(id)) {
		return Vector{}, false
	}
	return Vector{Entries: slices.Clone(s.docs[id].Entries)}, true
}

// Metadata returns the metadata stored with a live document.
func (s *Sparse) Metadata(id uint32) (metadata.Metadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(id) >= len(s.docs) || s.deleted.Test(uint(id)) {
		return nil, false
	}
	return s.meta[id].Clone(), true
}

// WriteTo serializes the index.
func (s *Sparse) WriteTo(w io.Writer) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var written int64
	header := make([]byte, 0, 32)
	header = append(header, byte(index.KindSparse))
	flags := byte(0)
	if s.opts.DotScoring {
		flags |= 1
	}
	header = append(header, flags)
	header = binary.LittleEndian.AppendUint32(header, s.dim)
	header = binary.LittleEndian.AppendUint64(header, math.Float64bits(s.opts.K1))
	header = binary.LittleEndian.AppendUint64(header, math.Float64bits(s.opts.B))
	header = binary.LittleEndian.AppendUint32(header, uint32(len(s.docs)))
	n, err := w.Write(header)
	written += int64(n)
	if err != nil {
		return written, err
	}

	buf := make([]byte, 8)
	for id, doc := range s.docs {
		deleted := byte(0)
		if s.deleted.Test(uint(id)) {
			deleted = 1
		}
		buf[0] = deleted
		n, err = w.Write(buf[:1])
		written += int64(n)
		if err != nil {
			return written, err
		}

		binary.LittleEndian.PutUint32(buf, uint32(len(doc.Entries)))
		n, err = w.Write(buf[:4])
		written += int64(n)
		if err != nil {
			return written, err
		}
		for _, e := range doc.Entries {
			binary.LittleEndian.PutUint32(buf[0:], e.Term)
			binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(e.Value))
			n, err = w.Write(buf)
			written += int64(n)
			if err != nil {
				return written, err
			}
		}

		encoded, err := s.meta[id].MarshalBinary()
		if err != nil {
			return written, err
		}
		binary.LittleEndian.PutUint32(buf, uint32(len(encoded)))
		n, err = w.Write(buf[:4])
		written += int64(n)
		if err != nil {
			return written, err
		}
		n, err = w.Write(encoded)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// ReadFrom replaces the index contents with a serialized snapshot and
// rebuilds the posting lists.
func (s *Sparse) ReadFrom(r io.Reader) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var read int64
	header := make([]byte, 26)
	n, err := io.ReadFull(r, header)
	read += int64(n)
	if err != nil {
		return read, err
	}
	if index.Kind(header[0]) != index.KindSparse {
		return read, fmt.Errorf("sparse: snapshot holds %s index", index.Kind(header[0]))
	}
	dim := binary.LittleEndian.Uint32(header[2:])
	opts := Options{
		DotScoring: header[1]&1 != 0,
		K1:         math.Float64frombits(binary.LittleEndian.Uint64(header[6:])),
		B:          math.Float64frombits(binary.LittleEndian.Uint64(header[14:])),
	}
	count := int(binary.LittleEndian.Uint32(header[22:]))

	docs := make([]Vector, count)
	meta := make([]metadata.Metadata, count)
	docLen := make([]float64, count)
	deleted := bitset.New(uint(count))
	postings := make(map[uint32][]posting)
	var sumLen float64
	live := 0

	buf := make([]byte, 8)
	for id := 0; id < count; id++ {
		n, err = io.ReadFull(r, buf[:1])
		read += int64(n)
		if err != nil {
			return read, err
		}
		isDeleted := buf[0] == 1

		n, err = io.ReadFull(r, buf[:4])
		read += int64(n)
		if err != nil {
			return read, err
		}
		entries := make([]Entry, binary.LittleEndian.Uint32(buf))
		var length float64
		for i := range entries {
			n, err = io.ReadFull(r, buf)
			read += int64(n)
			if err != nil {
				return read, err
			}
			entries[i] = Entry{
				Term:  binary.LittleEndian.Uint32(buf[0:]),
				Value: math.Float32frombits(binary.LittleEndian.Uint32(buf[4:])),
			}
			postings[entries[i].Term] = append(postings[entries[i].Term], posting{doc: uint32(id), value: entries[i].Value})
			length += float64(entries[i].Value)
		}

		n, err = io.ReadFull(r, buf[:4])
		read += int64(n)
		if err != nil {
			return read, err
		}
		encoded := make([]byte, binary.LittleEndian.Uint32(buf))
		n, err = io.ReadFull(r, encoded)
		read += int64(n)
		if err != nil {
			return read, err
		}
		var m metadata.Metadata
		if err := m.UnmarshalBinary(encoded); err != nil {
			return read, err
		}
		if length < 0 {
			length = 0
		}

		docs[id] = Vector{Entries: entries}
		meta[id] = m
		docLen[id] = length
		if isDeleted {
			deleted.Set(uint(id))
		} else {
			sumLen += length
			live++
		}
	}

	s.opts = opts
	s.dim = dim
	s.docs = docs
	s.meta = meta
	s.docLen = docLen
	s.deleted = deleted
	s.postings = postings
	s.sumLen = sumLen
	s.live = live
	return read, nil
}
