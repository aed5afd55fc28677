// Package wal provides the write-ahead log for crash recovery.
//
// The log is insert-only: the facade appends every insert before applying
// it in memory and replays the log on open. Deletes and updates become
// durable with the next full snapshot, after which the log is reset.
//
// File layout, little-endian:
//
//	Header:  magic "GVW1", version uint32, dimension uint32,
//	         index kind uint32 (version >= 3 only, 0 means any)
//	Record:  type uint8 (1 = insert), dimension uint32,
//	         dimension float32s, metadata pair count uint32,
//	         (key length, key, value length, value)*,
//	         crc32 uint32 over the preceding record bytes (version >= 2)
//
// Versions 1 through 3 are readable; new logs are written at version 3.
package wal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"sync"

	"github.com/hupe1980/gigavector/index"
	"github.com/hupe1980/gigavector/metadata"
	"github.com/hupe1980/gigavector/resource"
)

var walMagic = [4]byte{'G', 'V', 'W', '1'}

// Log format versions. VersionChecksum adds per-record CRCs,
// VersionKindBound adds the index kind to the header.
const (
	VersionLegacy    = 1
	VersionChecksum  = 2
	VersionKindBound = 3

	// CurrentVersion is the version written to new logs.
	CurrentVersion = VersionKindBound
)

const recordInsert = 1

var (
	// ErrCorrupt marks a record that failed validation during replay.
	ErrCorrupt = errors.New("wal: corrupt record")

	// ErrMismatch marks a header whose dimension or index kind does not
	// match the opening caller.
	ErrMismatch = errors.New("wal: header mismatch")
)

// Options configures a log.
type Options struct {
	// Version is the format version written to a fresh log.
	Version uint32

	// Kind binds the log to an index kind when BindKind is set. A bound
	// log rejects replay into a different index kind.
	Kind index.Kind

	// BindKind enables index-kind binding in version 3 headers.
	BindKind bool

	// Limiter throttles log writes through its IOBytesPerSec cap. Nil
	// writes at full speed.
	Limiter *resource.Controller
}

// DefaultOptions holds the default log options.
var DefaultOptions = Options{
	Version: CurrentVersion,
}

// Record is one replayed insert.
type Record struct {
	Vector   []float32
	Metadata metadata.Metadata
}

// WAL is an append-only insert log bound to one file.
type WAL struct {
	mu      sync.Mutex
	file    *os.File
	out     io.Writer // file behind the IO throttle
	path    string
	dim     int
	version uint32
	kind    uint32 // 0 = any, otherwise index.Kind + 1
}

// headerKind maps the options onto the wire encoding, where 0 means "any".
func headerKind(opts Options) uint32 {
	if !opts.BindKind {
		return 0
	}
	return uint32(opts.Kind) + 1
}

// Open opens or creates the log at path for vectors of the given dimension.
// An existing file must carry a matching header.
func Open(path string, dim int, optFns ...func(o *Options)) (*WAL, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Version < VersionLegacy || opts.Version > VersionKindBound {
		return nil, fmt.Errorf("wal: unsupported version %d", opts.Version)
	}
	if dim <= 0 {
		return nil, fmt.Errorf("wal: dimension must be positive, got %d", dim)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}

	w := &WAL{
		file:    file,
		out:     resource.NewThrottledWriter(context.Background(), file, opts.Limiter),
		path:    path,
		dim:     dim,
		version: opts.Version,
		kind:    headerKind(opts),
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("wal: stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		if err := w.writeHeader(); err != nil {
			file.Close()
			return nil, err
		}
		return w, nil
	}
	if err := w.validateHeader(); err != nil {
		file.Close()
		return nil, err
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return nil, fmt.Errorf("wal: seek %s: %w", path, err)
	}
	return w, nil
}

// Path returns the log file path.
func (w *WAL) Path() string { return w.path }

// Version returns the format version in effect for this log.
func (w *WAL) Version() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.version
}

func (w *WAL) headerSize() int64 {
	if w.version >= VersionKindBound {
		return 16
	}
	return 12
}

func (w *WAL) writeHeader() error {
	buf := make([]byte, 0, 16)
	buf = append(buf, walMagic[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, w.version)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(w.dim))
	if w.version >= VersionKindBound {
		buf = binary.LittleEndian.AppendUint32(buf, w.kind)
	}
	if _, err := w.out.Write(buf); err != nil {
		return fmt.Errorf("wal: write header: %w", err)
	}
	return w.file.Sync()
}

// validateHeader reads an existing header and adopts its version. The
// caller's dimension must match; a non-zero kind on both sides must match.
func (w *WAL) validateHeader() error {
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("wal: seek: %w", err)
	}
	var fixed [12]byte
	if _, err := io.ReadFull(w.file, fixed[:]); err != nil {
		return fmt.Errorf("wal: read header: %w", err)
	}
	if !bytes.Equal(fixed[:4], walMagic[:]) {
		return fmt.Errorf("wal: bad magic %q", fixed[:4])
	}
	version := binary.LittleEndian.Uint32(fixed[4:])
	if version < VersionLegacy || version > VersionKindBound {
		return fmt.Errorf("wal: unsupported version %d", version)
	}
	dim := int(binary.LittleEndian.Uint32(fixed[8:]))
	if dim != w.dim {
		return fmt.Errorf("wal: log dimension %d, expected %d: %w", dim, w.dim, ErrMismatch)
	}

	kind := uint32(0)
	if version >= VersionKindBound {
		var kbuf [4]byte
		if _, err := io.ReadFull(w.file, kbuf[:]); err != nil {
			return fmt.Errorf("wal: read header: %w", err)
		}
		kind = binary.LittleEndian.Uint32(kbuf[:])
	}
	if kind != 0 && w.kind != 0 && kind != w.kind {
		return fmt.Errorf("wal: log bound to %s, expected %s: %w",
			index.Kind(kind-1), index.Kind(w.kind-1), ErrMismatch)
	}

	w.version = version
	if kind != 0 {
		w.kind = kind
	}
	return nil
}

// encodeRecord builds the on-disk bytes for one insert.
func (w *WAL) encodeRecord(vec []float32, meta metadata.Metadata) ([]byte, error) {
	buf := make([]byte, 0, 5+4*len(vec)+4)
	buf = append(buf, recordInsert)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(w.dim))
	for _, f := range vec {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
	}
	encoded, err := meta.MarshalBinary()
	if err != nil {
		return nil, err
	}
	buf = append(buf, encoded...)
	if w.version >= VersionChecksum {
		buf = binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
	}
	return buf, nil
}

// AppendInsert logs an insert and syncs the file, so a successful return
// means the record is durable subject to OS buffering.
func (w *WAL) AppendInsert(vec []float32, meta metadata.Metadata) error {
	if len(vec) != w.dim {
		return &index.ErrDimensionMismatch{Expected: w.dim, Actual: len(vec)}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return errors.New("wal: closed")
	}

	record, err := w.encodeRecord(vec, meta)
	if err != nil {
		return err
	}
	if _, err := w.out.Write(record); err != nil {
		return fmt.Errorf("wal: append: %w", err)
	}
	return w.file.Sync()
}

// Replay reads the log from the start and invokes fn for every record.
// Replay is forward-only and never truncates; it stops with an error
// wrapping ErrCorrupt on the first invalid record, or with fn's error.
func (w *WAL) Replay(fn func(r Record) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return errors.New("wal: closed")
	}

	if _, err := w.file.Seek(w.headerSize(), io.SeekStart); err != nil {
		return fmt.Errorf("wal: seek: %w", err)
	}
	defer w.file.Seek(0, io.SeekEnd)

	r := bufio.NewReader(w.file)
	for {
		record, err := w.readRecord(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(record); err != nil {
			return err
		}
	}
}

// readRecord decodes one record. io.EOF signals a clean end of log.
func (w *WAL) readRecord(r *bufio.Reader) (Record, error) {
	typ, err := r.ReadByte()
	if err == io.EOF {
		return Record{}, io.EOF
	}
	if err != nil {
		return Record{}, fmt.Errorf("wal: read record type: %w", err)
	}
	if typ != recordInsert {
		return Record{}, fmt.Errorf("%w: unknown record type %d", ErrCorrupt, typ)
	}

	body := []byte{typ}
	readInto := func(n int) ([]byte, error) {
		start := len(body)
		body = append(body, make([]byte, n)...)
		if _, err := io.ReadFull(r, body[start:]); err != nil {
			return nil, fmt.Errorf("%w: truncated record", ErrCorrupt)
		}
		return body[start:], nil
	}

	dimBytes, err := readInto(4)
	if err != nil {
		return Record{}, err
	}
	dim := int(binary.LittleEndian.Uint32(dimBytes))
	if dim != w.dim {
		return Record{}, fmt.Errorf("%w: record dimension %d, log dimension %d", ErrCorrupt, dim, w.dim)
	}

	vecBytes, err := readInto(4 * dim)
	if err != nil {
		return Record{}, err
	}
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(vecBytes[i*4:]))
	}

	countBytes, err := readInto(4)
	if err != nil {
		return Record{}, err
	}
	pairCount := binary.LittleEndian.Uint32(countBytes)

	var meta metadata.Metadata
	if pairCount > 0 {
		meta = make(metadata.Metadata, pairCount)
		for i := uint32(0); i < pairCount; i++ {
			key, err := w.readPairString(readInto)
			if err != nil {
				return Record{}, err
			}
			value, err := w.readPairString(readInto)
			if err != nil {
				return Record{}, err
			}
			meta[key] = value
		}
	}

	if w.version >= VersionChecksum {
		var crcBytes [4]byte
		if _, err := io.ReadFull(r, crcBytes[:]); err != nil {
			return Record{}, fmt.Errorf("%w: truncated checksum", ErrCorrupt)
		}
		want := binary.LittleEndian.Uint32(crcBytes[:])
		if got := crc32.ChecksumIEEE(body); got != want {
			return Record{}, fmt.Errorf("%w: checksum %08x, expected %08x", ErrCorrupt, got, want)
		}
	}
	return Record{Vector: vec, Metadata: meta}, nil
}

func (w *WAL) readPairString(readInto func(n int) ([]byte, error)) (string, error) {
	lenBytes, err := readInto(4)
	if err != nil {
		return "", err
	}
	data, err := readInto(int(binary.LittleEndian.Uint32(lenBytes)))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Reset truncates the log back to a bare header, typically after a
// successful snapshot.
func (w *WAL) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return errors.New("wal: closed")
	}

	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("wal: seek: %w", err)
	}
	return w.writeHeader()
}

// Close syncs and closes the log file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Sync()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	w.file = nil
	return err
}
