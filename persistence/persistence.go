// Package persistence saves and loads index snapshots. A snapshot is the
// full serialized index state behind a small envelope that records the
// compression codec and a checksum; saves go through a temp file and rename
// so a crash never leaves a half-written snapshot in place.
package persistence

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/gigavector/resource"
)

var snapshotMagic = [4]byte{'G', 'V', 'S', 'N'}

const snapshotVersion = 1

// Codec selects the snapshot payload compression.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecZstd
	CodecLZ4
)

// String implements fmt.Stringer.
func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZstd:
		return "zstd"
	case CodecLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ParseCodec maps a codec name to its value.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return CodecNone, nil
	case "zstd":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	default:
		return CodecNone, fmt.Errorf("persistence: unknown codec %q", s)
	}
}

// ErrCorrupted marks a snapshot that failed envelope validation.
var ErrCorrupted = errors.New("persistence: corrupted snapshot")

// Options configures snapshot writing.
type Options struct {
	// Codec compresses the snapshot payload.
	Codec Codec

	// Limiter throttles snapshot file IO through its IOBytesPerSec cap.
	// Nil reads and writes at full speed.
	Limiter *resource.Controller
}

// DefaultOptions holds the default snapshot options.
var DefaultOptions = Options{
	Codec: CodecNone,
}

func compress(codec Codec, payload []byte) ([]byte, error) {
	switch codec {
	case CodecNone:
		return payload, nil
	case CodecZstd:
		var buf bytes.Buffer
		enc, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, fmt.Errorf("persistence: zstd writer: %w", err)
		}
		if _, err := enc.Write(payload); err != nil {
			enc.Close()
			return nil, fmt.Errorf("persistence: zstd compress: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("persistence: zstd compress: %w", err)
		}
		return buf.Bytes(), nil
	case CodecLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(payload); err != nil {
			w.Close()
			return nil, fmt.Errorf("persistence: lz4 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("persistence: lz4 compress: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("persistence: unknown codec %d", codec)
	}
}

func decompress(codec Codec, payload []byte) ([]byte, error) {
	switch codec {
	case CodecNone:
		return payload, nil
	case CodecZstd:
		dec, err := zstd.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("persistence: zstd reader: %w", err)
		}
		defer dec.Close()
		out, err := io.ReadAll(dec)
		if err != nil {
			return nil, fmt.Errorf("persistence: zstd decompress: %w", err)
		}
		return out, nil
	case CodecLZ4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(payload)))
		if err != nil {
			return nil, fmt.Errorf("persistence: lz4 decompress: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("persistence: unknown codec %d", codec)
	}
}

// Save writes a snapshot of idx to path atomically: the bytes land in a
// temp file in the same directory and replace the target via rename. Any
// index exposing WriteTo can be snapshotted.
func Save(path string, idx io.WriterTo, optFns ...func(o *Options)) error {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	var payload bytes.Buffer
	if _, err := idx.WriteTo(&payload); err != nil {
		return fmt.Errorf("persistence: serialize index: %w", err)
	}
	compressed, err := compress(opts.Codec, payload.Bytes())
	if err != nil {
		return err
	}

	envelope := make([]byte, 0, len(compressed)+14)
	envelope = append(envelope, snapshotMagic[:]...)
	envelope = append(envelope, snapshotVersion, byte(opts.Codec))
	envelope = binary.LittleEndian.AppendUint32(envelope, uint32(len(compressed)))
	envelope = append(envelope, compressed...)
	envelope = binary.LittleEndian.AppendUint32(envelope, crc32.ChecksumIEEE(compressed))

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("persistence: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	out := resource.NewThrottledWriter(context.Background(), tmp, opts.Limiter)
	if _, err := out.Write(envelope); err != nil {
		tmp.Close()
		return fmt.Errorf("persistence: write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("persistence: sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("persistence: close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("persistence: rename snapshot: %w", err)
	}
	return nil
}

// Load reads a snapshot from path into idx. The index validates its own
// kind and dimension while deserializing; Load validates the envelope.
func Load(path string, idx io.ReaderFrom, optFns ...func(o *Options)) error {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("persistence: open snapshot: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(resource.NewThrottledReader(context.Background(), file, opts.Limiter))
	if err != nil {
		return fmt.Errorf("persistence: read snapshot: %w", err)
	}
	if len(data) < 14 {
		return fmt.Errorf("%w: too short", ErrCorrupted)
	}
	if !bytes.Equal(data[:4], snapshotMagic[:]) {
		return fmt.Errorf("%w: bad magic %q", ErrCorrupted, data[:4])
	}
	if data[4] != snapshotVersion {
		return fmt.Errorf("persistence: unsupported snapshot version %d", data[4])
	}
	codec := Codec(data[5])
	size := int(binary.LittleEndian.Uint32(data[6:]))
	if len(data) != 14+size {
		return fmt.Errorf("%w: payload size %d, have %d bytes", ErrCorrupted, size, len(data)-14)
	}
	compressed := data[10 : 10+size]
	want := binary.LittleEndian.Uint32(data[10+size:])
	if got := crc32.ChecksumIEEE(compressed); got != want {
		return fmt.Errorf("%w: checksum %08x, expected %08x", ErrCorrupted, got, want)
	}

	payload, err := decompress(codec, compressed)
	if err != nil {
		return err
	}
	if _, err := idx.ReadFrom(bytes.NewReader(payload)); err != nil {
		return fmt.Errorf("persistence: deserialize index: %w", err)
	}
	return nil
}
