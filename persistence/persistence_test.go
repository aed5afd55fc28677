package persistence

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/gigavector/index/flat"
	"github.com/hupe1980/gigavector/index/hnsw"
	"github.com/hupe1980/gigavector/metadata"
)

func populatedFlat(t *testing.T) *flat.Flat {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	idx, err := flat.New(4)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		_, err := idx.Insert([]float32{rng.Float32(), rng.Float32(), rng.Float32(), rng.Float32()}, metadata.Metadata{"n": "x"})
		require.NoError(t, err)
	}
	return idx
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for _, codec := range []Codec{CodecNone, CodecZstd, CodecLZ4} {
		t.Run(codec.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "snap.gv")
			idx := populatedFlat(t)
			require.NoError(t, Save(path, idx, func(o *Options) { o.Codec = codec }))

			loaded, err := flat.New(4)
			require.NoError(t, err)
			require.NoError(t, Load(path, loaded))
			require.Equal(t, idx.Count(), loaded.Count())

			q := []float32{0.5, 0.5, 0.5, 0.5}
			want, err := idx.Search(q, 5, nil)
			require.NoError(t, err)
			got, err := loaded.Search(q, 5, nil)
			require.NoError(t, err)
			require.Equal(t, want, got)
		})
	}
}

func TestLoadRejectsWrongKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.gv")
	require.NoError(t, Save(path, populatedFlat(t)))

	loaded, err := hnsw.New(4)
	require.NoError(t, err)
	require.Error(t, Load(path, loaded))
}

func TestLoadDetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.gv")
	require.NoError(t, Save(path, populatedFlat(t), func(o *Options) { o.Codec = CodecZstd }))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o600))

	loaded, err := flat.New(4)
	require.NoError(t, err)
	require.ErrorIs(t, Load(path, loaded), ErrCorrupted)
}

func TestLoadRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.gv")
	require.NoError(t, os.WriteFile(path, []byte("not a snapshot at all"), 0o600))

	loaded, err := flat.New(4)
	require.NoError(t, err)
	require.ErrorIs(t, Load(path, loaded), ErrCorrupted)
}

func TestSaveLeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snap.gv")
	require.NoError(t, Save(path, populatedFlat(t)))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "snap.gv", entries[0].Name())
}

func TestParseCodec(t *testing.T) {
	for name, want := range map[string]Codec{"": CodecNone, "none": CodecNone, "zstd": CodecZstd, "LZ4": CodecLZ4} {
		got, err := ParseCodec(name)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseCodec("gzip")
	require.Error(t, err)
}
