package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/gigavector/index"
	"github.com/hupe1980/gigavector/metadata"
)

func tempLog(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "gigavector.wal")
}

func TestAppendAndReplay(t *testing.T) {
	path := tempLog(t)
	w, err := Open(path, 3)
	require.NoError(t, err)

	require.NoError(t, w.AppendInsert([]float32{1, 2, 3}, nil))
	require.NoError(t, w.AppendInsert([]float32{4, 5, 6}, metadata.Metadata{"k": "v", "x": "y"}))
	require.NoError(t, w.Close())

	w, err = Open(path, 3)
	require.NoError(t, err)
	defer w.Close()

	var records []Record
	require.NoError(t, w.Replay(func(r Record) error {
		records = append(records, r)
		return nil
	}))
	require.Len(t, records, 2)
	require.Equal(t, []float32{1, 2, 3}, records[0].Vector)
	require.Nil(t, records[0].Metadata)
	require.Equal(t, []float32{4, 5, 6}, records[1].Vector)
	require.Equal(t, metadata.Metadata{"k": "v", "x": "y"}, records[1].Metadata)
}

func TestAppendAfterReplay(t *testing.T) {
	path := tempLog(t)
	w, err := Open(path, 2)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.AppendInsert([]float32{1, 1}, nil))
	require.NoError(t, w.Replay(func(Record) error { return nil }))
	require.NoError(t, w.AppendInsert([]float32{2, 2}, nil))

	count := 0
	require.NoError(t, w.Replay(func(Record) error { count++; return nil }))
	require.Equal(t, 2, count)
}

func TestDimensionMismatchRejected(t *testing.T) {
	path := tempLog(t)
	w, err := Open(path, 3)
	require.NoError(t, err)

	var mismatch *index.ErrDimensionMismatch
	require.ErrorAs(t, w.AppendInsert([]float32{1, 2}, nil), &mismatch)
	require.NoError(t, w.Close())

	_, err = Open(path, 4)
	require.ErrorIs(t, err, ErrMismatch)
}

func TestKindBinding(t *testing.T) {
	path := tempLog(t)
	w, err := Open(path, 2, func(o *Options) {
		o.BindKind = true
		o.Kind = index.KindHNSW
	})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Same kind reopens, a different kind is rejected, unbound is accepted.
	w, err = Open(path, 2, func(o *Options) {
		o.BindKind = true
		o.Kind = index.KindHNSW
	})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = Open(path, 2, func(o *Options) {
		o.BindKind = true
		o.Kind = index.KindFlat
	})
	require.ErrorIs(t, err, ErrMismatch)

	w, err = Open(path, 2)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestLegacyVersionsReadable(t *testing.T) {
	for _, version := range []uint32{VersionLegacy, VersionChecksum} {
		path := tempLog(t)
		w, err := Open(path, 2, func(o *Options) { o.Version = version })
		require.NoError(t, err)
		require.NoError(t, w.AppendInsert([]float32{7, 8}, metadata.Metadata{"a": "b"}))
		require.NoError(t, w.Close())

		// Reopening adopts the on-disk version.
		w, err = Open(path, 2)
		require.NoError(t, err)
		require.Equal(t, version, w.Version())

		var records []Record
		require.NoError(t, w.Replay(func(r Record) error {
			records = append(records, r)
			return nil
		}))
		require.Len(t, records, 1)
		require.Equal(t, []float32{7, 8}, records[0].Vector)
		require.NoError(t, w.Close())
	}
}

func TestReplayAbortsOnCorruption(t *testing.T) {
	path := tempLog(t)
	w, err := Open(path, 2)
	require.NoError(t, err)
	require.NoError(t, w.AppendInsert([]float32{1, 2}, nil))
	require.NoError(t, w.AppendInsert([]float32{3, 4}, nil))
	require.NoError(t, w.Close())

	// Flip a payload byte of the second record.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-6] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o600))

	w, err = Open(path, 2)
	require.NoError(t, err)
	defer w.Close()

	count := 0
	err = w.Replay(func(Record) error { count++; return nil })
	require.ErrorIs(t, err, ErrCorrupt)
	require.Equal(t, 1, count)
}

func TestReplayAbortsOnTruncatedTail(t *testing.T) {
	path := tempLog(t)
	w, err := Open(path, 3)
	require.NoError(t, err)
	require.NoError(t, w.AppendInsert([]float32{1, 2, 3}, nil))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-3], 0o600))

	w, err = Open(path, 3)
	require.NoError(t, err)
	defer w.Close()
	require.ErrorIs(t, w.Replay(func(Record) error { return nil }), ErrCorrupt)
}

func TestBadMagicRejected(t *testing.T) {
	path := tempLog(t)
	require.NoError(t, os.WriteFile(path, []byte("NOPE00000000"), 0o600))
	_, err := Open(path, 2)
	require.ErrorContains(t, err, "magic")
}

func TestReset(t *testing.T) {
	path := tempLog(t)
	w, err := Open(path, 2)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.AppendInsert([]float32{1, 2}, nil))
	require.NoError(t, w.Reset())

	count := 0
	require.NoError(t, w.Replay(func(Record) error { count++; return nil }))
	require.Equal(t, 0, count)

	// The log stays usable after a reset.
	require.NoError(t, w.AppendInsert([]float32{9, 9}, nil))
	require.NoError(t, w.Replay(func(Record) error { count++; return nil }))
	require.Equal(t, 1, count)
}
