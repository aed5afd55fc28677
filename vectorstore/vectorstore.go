// Package vectorstore implements the shared structure-of-arrays vector pool.
//
// Vectors are stored contiguously in a single []float32 slice, providing
// cache locality for sequential scans and the SIMD kernels. Metadata lives
// in a parallel slice, and deletes are soft: a tombstone bitmap marks dead
// slots while offsets of live slots never move.
package vectorstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"sync"

	"github.com/hupe1980/gigavector/metadata"
)

const (
	formatMagic   = "GVST"
	formatVersion = 1

	// DefaultInitialCapacity is the slot capacity used when the caller
	// passes zero.
	DefaultInitialCapacity = 1024
)

var (
	// ErrCorrupted indicates a snapshot failed checksum or structural
	// validation.
	ErrCorrupted = errors.New("vectorstore: corrupted data")

	// ErrSlotDeleted indicates an operation on a tombstoned slot.
	ErrSlotDeleted = errors.New("vectorstore: slot deleted")

	// ErrSlotOutOfRange indicates a slot beyond the current count.
	ErrSlotOutOfRange = errors.New("vectorstore: slot out of range")
)

// DimensionError reports a vector whose length does not match the store.
type DimensionError struct {
	Expected int
	Actual   int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("vectorstore: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Store is the structure-of-arrays vector pool.
//
// Thread safety: all exported methods are safe for concurrent use. Slices
// returned by Vector and RawData borrow internal memory and must not be
// retained across writes.
type Store struct {
	mu sync.RWMutex

	dim   int
	data  []float32           // len = count*dim
	meta  []metadata.Metadata // len = count
	dead  []uint64            // tombstone bitmap
	count int
	live  int
}

// New creates a store for vectors of the given dimension. initialCapacity
// is a slot count hint; zero selects DefaultInitialCapacity.
func New(dim, initialCapacity int) (*Store, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("vectorstore: dimension must be positive, got %d", dim)
	}
	if initialCapacity <= 0 {
		initialCapacity = DefaultInitialCapacity
	}
	return &Store{
		dim:  dim,
		data: make([]float32, 0, initialCapacity*dim),
		meta: make([]metadata.Metadata, 0, initialCapacity),
		dead: make([]uint64, (initialCapacity+63)/64),
	}, nil
}

// Dimension returns the vector dimensionality.
func (s *Store) Dimension() int { return s.dim }

// Count returns the total number of slots, tombstones included.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// LiveCount returns the number of non-deleted slots.
func (s *Store) LiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live
}

// Add appends a vector with its metadata and returns the new slot. The
// vector is copied; the metadata map is cloned.
func (s *Store) Add(vec []float32, meta metadata.Metadata) (uint32, error) {
	if len(vec) != s.dim {
		return 0, &DimensionError{Expected: s.dim, Actual: len(vec)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	slot := uint32(s.count)
	s.data = append(s.data, vec...)
	s.meta = append(s.meta, meta.Clone())
	if word := s.count >> 6; word >= len(s.dead) {
		grown := make([]uint64, maxInt(len(s.dead)*2, word+1))
		copy(grown, s.dead)
		s.dead = grown
	}
	s.count++
	s.live++
	return slot, nil
}

// Vector returns the stored vector at slot. The slice borrows internal
// memory. Deleted slots still return their data so indexes can rescore
// historical candidates; use IsDeleted to gate results.
func (s *Store) Vector(slot uint32) ([]float32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(slot) >= s.count {
		return nil, false
	}
	start := int(slot) * s.dim
	return s.data[start : start+s.dim : start+s.dim], true
}

// Metadata returns the metadata stored at slot, without copying.
func (s *Store) Metadata(slot uint32) (metadata.Metadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(slot) >= s.count {
		return nil, false
	}
	return s.meta[slot], true
}

// UpdateVector overwrites the vector at slot in place.
func (s *Store) UpdateVector(slot uint32, vec []float32) error {
	if len(vec) != s.dim {
		return &DimensionError{Expected: s.dim, Actual: len(vec)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if int(slot) >= s.count {
		return ErrSlotOutOfRange
	}
	if s.isDeadLocked(slot) {
		return ErrSlotDeleted
	}
	copy(s.data[int(slot)*s.dim:], vec)
	return nil
}

// UpdateMetadata replaces the metadata at slot with a clone of meta.
func (s *Store) UpdateMetadata(slot uint32, meta metadata.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(slot) >= s.count {
		return ErrSlotOutOfRange
	}
	if s.isDeadLocked(slot) {
		return ErrSlotDeleted
	}
	s.meta[slot] = meta.Clone()
	return nil
}

// MarkDeleted tombstones a slot. Deleting an already-dead slot is a no-op.
func (s *Store) MarkDeleted(slot uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(slot) >= s.count {
		return ErrSlotOutOfRange
	}
	if s.isDeadLocked(slot) {
		return nil
	}
	s.dead[slot>>6] |= uint64(1) << (slot & 63)
	s.live--
	return nil
}

// IsDeleted reports whether slot is tombstoned. Out-of-range slots report
// true.
func (s *Store) IsDeleted(slot uint32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(slot) >= s.count {
		return true
	}
	return s.isDeadLocked(slot)
}

func (s *Store) isDeadLocked(slot uint32) bool {
	return s.dead[slot>>6]&(uint64(1)<<(slot&63)) != 0
}

// RawData returns the backing float buffer and the slot count. The buffer
// borrows internal memory and includes tombstoned slots.
func (s *Store) RawData() ([]float32, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data[:s.count*s.dim], s.count
}

// Iterate calls fn for every live slot until fn returns false.
func (s *Store) Iterate(fn func(slot uint32, vec []float32, meta metadata.Metadata) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := 0; i < s.count; i++ {
		slot := uint32(i)
		if s.isDeadLocked(slot) {
			continue
		}
		start := i * s.dim
		if !fn(slot, s.data[start:start+s.dim:start+s.dim], s.meta[i]) {
			return
		}
	}
}

// WriteTo serializes the store: header, vector data, tombstone bitmap,
// metadata table, trailing CRC-32 over everything after the magic.
func (s *Store) WriteTo(w io.Writer) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	crc := crc32.NewIEEE()
	mw := io.MultiWriter(w, crc)

	var written int64
	n, err := w.Write([]byte(formatMagic))
	written += int64(n)
	if err != nil {
		return written, err
	}

	var header [20]byte
	binary.LittleEndian.PutUint32(header[0:], formatVersion)
	binary.LittleEndian.PutUint32(header[4:], uint32(s.dim))
	binary.LittleEndian.PutUint64(header[8:], uint64(s.count))
	binary.LittleEndian.PutUint32(header[16:], uint32(s.live))
	n, err = mw.Write(header[:])
	written += int64(n)
	if err != nil {
		return written, err
	}

	buf := make([]byte, 4)
	for _, f := range s.data[:s.count*s.dim] {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(f))
		n, err = mw.Write(buf)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}

	words := (s.count + 63) / 64
	wbuf := make([]byte, 8)
	for i := 0; i < words; i++ {
		binary.LittleEndian.PutUint64(wbuf, s.dead[i])
		n, err = mw.Write(wbuf)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}

	for i := 0; i < s.count; i++ {
		mdata, err := s.meta[i].MarshalBinary()
		if err != nil {
			return written, err
		}
		n, err = mw.Write(mdata)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}

	binary.LittleEndian.PutUint32(buf, crc.Sum32())
	n, err = w.Write(buf)
	written += int64(n)
	return written, err
}

// ReadFrom replaces the store contents with a serialized snapshot produced
// by WriteTo.
func (s *Store) ReadFrom(r io.Reader) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var read int64
	magic := make([]byte, 4)
	n, err := io.ReadFull(r, magic)
	read += int64(n)
	if err != nil {
		return read, err
	}
	if string(magic) != formatMagic {
		return read, fmt.Errorf("%w: bad magic %q", ErrCorrupted, magic)
	}

	crc := crc32.NewIEEE()
	tr := io.TeeReader(r, crc)

	var header [20]byte
	n, err = io.ReadFull(tr, header[:])
	read += int64(n)
	if err != nil {
		return read, err
	}
	version := binary.LittleEndian.Uint32(header[0:])
	if version != formatVersion {
		return read, fmt.Errorf("%w: unsupported version %d", ErrCorrupted, version)
	}
	dim := int(binary.LittleEndian.Uint32(header[4:]))
	count := int(binary.LittleEndian.Uint64(header[8:]))
	live := int(binary.LittleEndian.Uint32(header[16:]))
	if dim != s.dim {
		return read, fmt.Errorf("%w: dimension %d does not match store dimension %d", ErrCorrupted, dim, s.dim)
	}

	data := make([]float32, count*dim)
	fbuf := make([]byte, 4)
	for i := range data {
		n, err = io.ReadFull(tr, fbuf)
		read += int64(n)
		if err != nil {
			return read, err
		}
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(fbuf))
	}

	words := (count + 63) / 64
	dead := make([]uint64, maxInt(words, 1))
	wbuf := make([]byte, 8)
	for i := 0; i < words; i++ {
		n, err = io.ReadFull(tr, wbuf)
		read += int64(n)
		if err != nil {
			return read, err
		}
		dead[i] = binary.LittleEndian.Uint64(wbuf)
	}

	meta := make([]metadata.Metadata, count)
	for i := range meta {
		m, rn, err := readMetadata(tr)
		read += rn
		if err != nil {
			return read, err
		}
		meta[i] = m
	}

	sum := crc.Sum32()
	n, err = io.ReadFull(r, fbuf)
	read += int64(n)
	if err != nil {
		return read, err
	}
	if binary.LittleEndian.Uint32(fbuf) != sum {
		return read, fmt.Errorf("%w: checksum mismatch", ErrCorrupted)
	}

	s.data = data
	s.meta = meta
	s.dead = dead
	s.count = count
	s.live = live
	return read, nil
}

func readMetadata(r io.Reader) (metadata.Metadata, int64, error) {
	var read int64
	lenBuf := make([]byte, 4)
	n, err := io.ReadFull(r, lenBuf)
	read += int64(n)
	if err != nil {
		return nil, read, err
	}
	count := binary.LittleEndian.Uint32(lenBuf)
	if count == 0 {
		return nil, read, nil
	}

	m := make(metadata.Metadata, count)
	for i := uint32(0); i < count; i++ {
		k, rn, err := readLenPrefixed(r, lenBuf)
		read += rn
		if err != nil {
			return nil, read, err
		}
		v, rn, err := readLenPrefixed(r, lenBuf)
		read += rn
		if err != nil {
			return nil, read, err
		}
		m[k] = v
	}
	return m, read, nil
}

func readLenPrefixed(r io.Reader, lenBuf []byte) (string, int64, error) {
	var read int64
	n, err := io.ReadFull(r, lenBuf)
	read += int64(n)
	if err != nil {
		return "", read, err
	}
	strLen := binary.LittleEndian.Uint32(lenBuf)
	b := make([]byte, strLen)
	n, err = io.ReadFull(r, b)
	read += int64(n)
	if err != nil {
		return "", read, err
	}
	return string(b), read, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
