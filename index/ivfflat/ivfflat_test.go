package ivfflat

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/gigavector/index"
	"github.com/hupe1980/gigavector/metadata"
)

func trainingData(rng *rand.Rand, n, dim int) []float32 {
	out := make([]float32, n*dim)
	for i := range out {
		out[i] = rng.Float32() * 10
	}
	return out
}

func newTrained(t *testing.T, rng *rand.Rand) *IVFFlat {
	t.Helper()
	v, err := New(4, func(o *Options) {
		o.NLists = 8
		o.NProbe = 8
	})
	require.NoError(t, err)
	require.NoError(t, v.Train(trainingData(rng, 100, 4)))
	return v
}

func TestUntrainedGate(t *testing.T) {
	v, err := New(4)
	require.NoError(t, err)
	require.False(t, v.Trained())

	_, err = v.Insert([]float32{1, 2, 3, 4}, nil)
	require.ErrorIs(t, err, index.ErrUntrained)
	_, err = v.Search([]float32{1, 2, 3, 4}, 1, nil)
	require.ErrorIs(t, err, index.ErrUntrained)
}

func TestTrainRequiresEnoughVectors(t *testing.T) {
	v, err := New(4, func(o *Options) { o.NLists = 16 })
	require.NoError(t, err)
	err = v.Train(make([]float32, 4*4))
	require.ErrorIs(t, err, index.ErrUntrained)
}

func TestInsertAndSearchAllProbes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	v := newTrained(t, rng)

	vectors := make([][]float32, 100)
	for i := range vectors {
		vec := []float32{rng.Float32() * 10, rng.Float32() * 10, rng.Float32() * 10, rng.Float32() * 10}
		vectors[i] = vec
		id, err := v.Insert(vec, nil)
		require.NoError(t, err)
		require.Equal(t, uint32(i), id)
	}

	// With nprobe == nlists the scan is exhaustive, so a stored vector is
	// always its own nearest neighbour.
	for i := 0; i < 10; i++ {
		results, err := v.Search(vectors[i], 1, nil)
		require.NoError(t, err)
		require.NotEmpty(t, results)
		require.Equal(t, uint32(i), results[0].ID)
		require.Equal(t, float32(0), results[0].Distance)
	}
}

func TestSearchSortedAndFiltered(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	v := newTrained(t, rng)

	for i := 0; i < 60; i++ {
		group := "a"
		if i%2 == 0 {
			group = "b"
		}
		_, err := v.Insert([]float32{rng.Float32(), rng.Float32(), rng.Float32(), rng.Float32()}, metadata.Metadata{"g": group})
		require.NoError(t, err)
	}

	results, err := v.Search([]float32{0.5, 0.5, 0.5, 0.5}, 10, &index.SearchOptions{FilterKey: "g", FilterValue: "a"})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for i, r := range results {
		require.Equal(t, "a", r.Metadata["g"])
		if i > 0 {
			require.GreaterOrEqual(t, r.Distance, results[i-1].Distance)
		}
	}
}

func TestDelete(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	v := newTrained(t, rng)

	vec := []float32{1, 1, 1, 1}
	id, err := v.Insert(vec, nil)
	require.NoError(t, err)

	require.NoError(t, v.Delete(id))
	require.ErrorIs(t, v.Delete(id), index.ErrNotFound)
	require.Equal(t, 0, v.Count())

	results, err := v.Search(vec, 5, nil)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestUpdateKeepsList(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	v := newTrained(t, rng)

	id, err := v.Insert([]float32{1, 1, 1, 1}, nil)
	require.NoError(t, err)
	originalList := v.listOf[id]

	require.NoError(t, v.Update(id, []float32{9, 9, 9, 9}))
	require.Equal(t, originalList, v.listOf[id])

	// Found because every list is probed here.
	results, err := v.Search([]float32{9, 9, 9, 9}, 1, nil)
	require.NoError(t, err)
	require.Equal(t, id, results[0].ID)
}

func TestSerializationRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	v := newTrained(t, rng)

	queries := make([][]float32, 0, 5)
	for i := 0; i < 50; i++ {
		vec := []float32{rng.Float32(), rng.Float32(), rng.Float32(), rng.Float32()}
		_, err := v.Insert(vec, nil)
		require.NoError(t, err)
		if i < 5 {
			queries = append(queries, vec)
		}
	}
	require.NoError(t, v.Delete(2))

	var buf bytes.Buffer
	_, err := v.WriteTo(&buf)
	require.NoError(t, err)

	loaded, err := New(4)
	require.NoError(t, err)
	_, err = loaded.ReadFrom(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.True(t, loaded.Trained())
	require.Equal(t, v.Count(), loaded.Count())

	for _, q := range queries {
		want, err := v.Search(q, 5, nil)
		require.NoError(t, err)
		got, err := loaded.Search(q, 5, nil)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}
