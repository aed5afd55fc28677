package lsh

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/gigavector/index"
	"github.com/hupe1980/gigavector/metadata"
)

func TestXorshiftDeterministic(t *testing.T) {
	a := &xorshift64{state: 42}
	b := &xorshift64{state: 42}
	for i := 0; i < 100; i++ {
		require.Equal(t, a.next(), b.next())
	}

	u := (&xorshift64{state: 42}).uniform()
	require.GreaterOrEqual(t, u, 0.0)
	require.LessOrEqual(t, u, 1.0)
}

func TestGaussianMoments(t *testing.T) {
	rng := &xorshift64{state: 42}
	const n = 20000
	var sum, sumSq float64
	for i := 0; i < n; i++ {
		g := rng.gaussian()
		sum += g
		sumSq += g * g
	}
	mean := sum / n
	variance := sumSq/n - mean*mean
	require.InDelta(t, 0.0, mean, 0.05)
	require.InDelta(t, 1.0, variance, 0.1)
}

func TestHyperplanesDeterministicForSeed(t *testing.T) {
	a, err := New(8)
	require.NoError(t, err)
	b, err := New(8)
	require.NoError(t, err)
	require.Equal(t, a.planes, b.planes)

	c, err := New(8, func(o *Options) { o.Seed = 7 })
	require.NoError(t, err)
	require.NotEqual(t, a.planes, c.planes)
}

func TestExactMatchIsFound(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	l, err := New(16)
	require.NoError(t, err)

	vectors := make([][]float32, 100)
	for i := range vectors {
		v := make([]float32, 16)
		for d := range v {
			v[d] = rng.Float32()*2 - 1
		}
		vectors[i] = v
		_, err := l.Insert(v, nil)
		require.NoError(t, err)
	}

	// A stored vector hashes into its own bucket in every table, so
	// querying with it always returns itself first.
	for i := 0; i < 10; i++ {
		results, err := l.Search(vectors[i], 1, nil)
		require.NoError(t, err)
		require.NotEmpty(t, results)
		require.Equal(t, uint32(i), results[0].ID)
		require.Equal(t, float32(0), results[0].Distance)
	}
}

func TestResultsSortedAscending(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	l, err := New(8)
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		v := make([]float32, 8)
		for d := range v {
			v[d] = rng.Float32()
		}
		_, err := l.Insert(v, nil)
		require.NoError(t, err)
	}

	q := make([]float32, 8)
	for d := range q {
		q[d] = rng.Float32()
	}
	results, err := l.Search(q, 10, nil)
	require.NoError(t, err)
	for i := 1; i < len(results); i++ {
		require.GreaterOrEqual(t, results[i].Distance, results[i-1].Distance)
	}
}

func TestDeleteRemovesFromTables(t *testing.T) {
	l, err := New(4)
	require.NoError(t, err)

	id, err := l.Insert([]float32{1, 2, 3, 4}, nil)
	require.NoError(t, err)
	require.NoError(t, l.Delete(id))
	require.ErrorIs(t, l.Delete(id), index.ErrNotFound)
	require.Equal(t, 0, l.Count())

	for t2 := range l.tables {
		require.Empty(t, l.tables[t2])
	}

	results, err := l.Search([]float32{1, 2, 3, 4}, 5, nil)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestUpdateRehashes(t *testing.T) {
	l, err := New(4)
	require.NoError(t, err)

	id, err := l.Insert([]float32{1, 1, 1, 1}, nil)
	require.NoError(t, err)
	require.NoError(t, l.Update(id, []float32{-1, -1, -1, -1}))

	results, err := l.Search([]float32{-1, -1, -1, -1}, 1, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, id, results[0].ID)
	require.Equal(t, float32(0), results[0].Distance)

	require.ErrorIs(t, l.Update(99, []float32{0, 0, 0, 0}), index.ErrNotFound)
}

func TestSearchWithFilter(t *testing.T) {
	l, err := New(4)
	require.NoError(t, err)

	_, err = l.Insert([]float32{1, 0, 0, 0}, metadata.Metadata{"lang": "go"})
	require.NoError(t, err)
	rs, err := l.Insert([]float32{1, 0.01, 0, 0}, metadata.Metadata{"lang": "rust"})
	require.NoError(t, err)

	results, err := l.Search([]float32{1, 0, 0, 0}, 5, &index.SearchOptions{
		FilterKey:   "lang",
		FilterValue: "rust",
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, rs, results[0].ID)
}

func TestSerializationRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(77))
	l, err := New(8, func(o *Options) { o.Seed = 99 })
	require.NoError(t, err)

	queries := make([][]float32, 0, 5)
	for i := 0; i < 80; i++ {
		v := make([]float32, 8)
		for d := range v {
			v[d] = rng.Float32()
		}
		_, err := l.Insert(v, nil)
		require.NoError(t, err)
		if i < 5 {
			queries = append(queries, v)
		}
	}
	require.NoError(t, l.Delete(3))

	var buf bytes.Buffer
	_, err = l.WriteTo(&buf)
	require.NoError(t, err)

	loaded, err := New(8)
	require.NoError(t, err)
	_, err = loaded.ReadFrom(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, uint64(99), loaded.opts.Seed)
	require.Equal(t, l.Count(), loaded.Count())

	for _, q := range queries {
		want, err := l.Search(q, 5, nil)
		require.NoError(t, err)
		got, err := loaded.Search(q, 5, nil)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}
