package vectorstore

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/gigavector/metadata"
)

func TestAddAndGet(t *testing.T) {
	s, err := New(3, 0)
	require.NoError(t, err)
	require.Equal(t, 3, s.Dimension())

	slot, err := s.Add([]float32{1, 2, 3}, metadata.Metadata{"k": "v"})
	require.NoError(t, err)
	require.Equal(t, uint32(0), slot)

	vec, ok := s.Vector(slot)
	require.True(t, ok)
	require.Equal(t, []float32{1, 2, 3}, vec)

	m, ok := s.Metadata(slot)
	require.True(t, ok)
	require.Equal(t, "v", m["k"])

	_, ok = s.Vector(99)
	require.False(t, ok)
}

func TestAddDimensionMismatch(t *testing.T) {
	s, err := New(3, 0)
	require.NoError(t, err)

	_, err = s.Add([]float32{1, 2}, nil)
	var de *DimensionError
	require.ErrorAs(t, err, &de)
	require.Equal(t, 3, de.Expected)
	require.Equal(t, 2, de.Actual)
	require.Equal(t, 0, s.Count())
}

func TestSlotOffsetsStableAcrossGrowth(t *testing.T) {
	s, err := New(2, 4)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		slot, err := s.Add([]float32{float32(i), float32(-i)}, nil)
		require.NoError(t, err)
		require.Equal(t, uint32(i), slot)
	}
	for i := 0; i < 100; i++ {
		vec, ok := s.Vector(uint32(i))
		require.True(t, ok)
		require.Equal(t, []float32{float32(i), float32(-i)}, vec)
	}
}

func TestAddCopiesInput(t *testing.T) {
	s, err := New(2, 0)
	require.NoError(t, err)

	src := []float32{1, 2}
	meta := metadata.Metadata{"a": "1"}
	slot, err := s.Add(src, meta)
	require.NoError(t, err)

	src[0] = 99
	meta["a"] = "changed"

	vec, _ := s.Vector(slot)
	require.Equal(t, float32(1), vec[0])
	m, _ := s.Metadata(slot)
	require.Equal(t, "1", m["a"])
}

func TestTombstones(t *testing.T) {
	s, err := New(2, 0)
	require.NoError(t, err)

	a, _ := s.Add([]float32{1, 1}, nil)
	b, _ := s.Add([]float32{2, 2}, nil)

	require.NoError(t, s.MarkDeleted(a))
	require.True(t, s.IsDeleted(a))
	require.False(t, s.IsDeleted(b))
	require.Equal(t, 2, s.Count())
	require.Equal(t, 1, s.LiveCount())

	// Idempotent delete does not decrement live twice.
	require.NoError(t, s.MarkDeleted(a))
	require.Equal(t, 1, s.LiveCount())

	require.ErrorIs(t, s.MarkDeleted(42), ErrSlotOutOfRange)
	require.True(t, s.IsDeleted(42))
}

func TestUpdateVector(t *testing.T) {
	s, err := New(2, 0)
	require.NoError(t, err)

	slot, _ := s.Add([]float32{1, 1}, nil)
	require.NoError(t, s.UpdateVector(slot, []float32{5, 6}))

	vec, _ := s.Vector(slot)
	require.Equal(t, []float32{5, 6}, vec)

	require.Error(t, s.UpdateVector(slot, []float32{1}))
	require.ErrorIs(t, s.UpdateVector(99, []float32{1, 2}), ErrSlotOutOfRange)

	require.NoError(t, s.MarkDeleted(slot))
	require.ErrorIs(t, s.UpdateVector(slot, []float32{1, 2}), ErrSlotDeleted)
}

func TestIterateSkipsDeleted(t *testing.T) {
	s, err := New(1, 0)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := s.Add([]float32{float32(i)}, nil)
		require.NoError(t, err)
	}
	require.NoError(t, s.MarkDeleted(2))

	var seen []uint32
	s.Iterate(func(slot uint32, vec []float32, _ metadata.Metadata) bool {
		seen = append(seen, slot)
		return true
	})
	require.Equal(t, []uint32{0, 1, 3, 4}, seen)

	// Early stop.
	count := 0
	s.Iterate(func(uint32, []float32, metadata.Metadata) bool {
		count++
		return count < 2
	})
	require.Equal(t, 2, count)
}

func TestSerializationRoundTrip(t *testing.T) {
	s, err := New(2, 0)
	require.NoError(t, err)

	_, err = s.Add([]float32{1, 2}, metadata.Metadata{"name": "first"})
	require.NoError(t, err)
	_, err = s.Add([]float32{3, 4}, nil)
	require.NoError(t, err)
	slot, err := s.Add([]float32{5, 6}, metadata.Metadata{"name": "third"})
	require.NoError(t, err)
	require.NoError(t, s.MarkDeleted(slot))

	var buf bytes.Buffer
	_, err = s.WriteTo(&buf)
	require.NoError(t, err)

	loaded, err := New(2, 0)
	require.NoError(t, err)
	_, err = loaded.ReadFrom(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	require.Equal(t, 3, loaded.Count())
	require.Equal(t, 2, loaded.LiveCount())
	require.True(t, loaded.IsDeleted(slot))

	vec, ok := loaded.Vector(0)
	require.True(t, ok)
	require.Equal(t, []float32{1, 2}, vec)
	m, _ := loaded.Metadata(0)
	require.Equal(t, "first", m["name"])
	m, _ = loaded.Metadata(1)
	require.Empty(t, m)
}

func TestReadFromCorruption(t *testing.T) {
	s, err := New(2, 0)
	require.NoError(t, err)
	_, err = s.Add([]float32{1, 2}, metadata.Metadata{"k": "v"})
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = s.WriteTo(&buf)
	require.NoError(t, err)

	// Flip a payload byte.
	raw := buf.Bytes()
	raw[30] ^= 0xFF
	loaded, err := New(2, 0)
	require.NoError(t, err)
	_, err = loaded.ReadFrom(bytes.NewReader(raw))
	require.Error(t, err)

	// Wrong magic.
	bad := append([]byte("XXXX"), raw[4:]...)
	loaded2, err := New(2, 0)
	require.NoError(t, err)
	_, err = loaded2.ReadFrom(bytes.NewReader(bad))
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestReadFromDimensionMismatch(t *testing.T) {
	s, err := New(2, 0)
	require.NoError(t, err)
	_, err = s.Add([]float32{1, 2}, nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = s.WriteTo(&buf)
	require.NoError(t, err)

	other, err := New(3, 0)
	require.NoError(t, err)
	_, err = other.ReadFrom(bytes.NewReader(buf.Bytes()))
	require.ErrorIs(t, err, ErrCorrupted)
}
