package ivfpq

import (
	"bytes"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/gigavector/distance"
	"github.com/hupe1980/gigavector/index"
	"github.com/hupe1980/gigavector/metadata"
)

const testDim = 8

func trainingData(rng *rand.Rand, n, dim int) []float32 {
	out := make([]float32, n*dim)
	for i := range out {
		out[i] = rng.Float32() * 10
	}
	return out
}

func newTrained(t *testing.T, rng *rand.Rand) *IVFPQ {
	t.Helper()
	v, err := New(testDim, func(o *Options) {
		o.NLists = 4
		o.NProbe = 4
		o.Subspaces = 4
		o.NBits = 4
	})
	require.NoError(t, err)
	require.NoError(t, v.Train(trainingData(rng, 200, testDim)))
	return v
}

func TestUntrainedGate(t *testing.T) {
	v, err := New(testDim, func(o *Options) { o.Subspaces = 4; o.NBits = 4 })
	require.NoError(t, err)
	require.False(t, v.Trained())

	_, err = v.Insert(make([]float32, testDim), nil)
	require.ErrorIs(t, err, index.ErrUntrained)
	_, err = v.Search(make([]float32, testDim), 1, nil)
	require.ErrorIs(t, err, index.ErrUntrained)
}

func TestTrainGateCountsCodebook(t *testing.T) {
	// 2^8 codebook centroids dominate the 4 coarse lists.
	v, err := New(testDim, func(o *Options) {
		o.NLists = 4
		o.Subspaces = 4
		o.NBits = 8
	})
	require.NoError(t, err)
	err = v.Train(make([]float32, 100*testDim))
	require.ErrorIs(t, err, index.ErrUntrained)
}

func TestRerankFindsSelf(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	v := newTrained(t, rng)

	vectors := make([][]float32, 150)
	for i := range vectors {
		vec := make([]float32, testDim)
		for d := range vec {
			vec[d] = rng.Float32() * 10
		}
		vectors[i] = vec
		id, err := v.Insert(vec, nil)
		require.NoError(t, err)
		require.Equal(t, uint32(i), id)
	}

	// All lists are probed and reranking is exact, so a stored vector is
	// its own nearest neighbour despite the lossy codes.
	for i := 0; i < 20; i++ {
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

	for i := 0; i < 80; i++ {
		group := "a"
		if i%2 == 0 {
			group = "b"
		}
		vec := make([]float32, testDim)
		for d := range vec {
			vec[d] = rng.Float32() * 10
		}
		_, err := v.Insert(vec, metadata.Metadata{"g": group})
		require.NoError(t, err)
	}

	q := make([]float32, testDim)
	for d := range q {
		q[d] = 5
	}
	results, err := v.Search(q, 10, &index.SearchOptions{FilterKey: "g", FilterValue: "a"})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for i, r := range results {
		require.Equal(t, "a", r.Metadata["g"])
		if i > 0 {
			require.GreaterOrEqual(t, r.Distance, results[i-1].Distance)
		}
	}
}

func TestDeleteRaisesDeadRatio(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	v := newTrained(t, rng)

	ids := make([]uint32, 10)
	for i := range ids {
		vec := make([]float32, testDim)
		for d := range vec {
			vec[d] = rng.Float32()
		}
		id, err := v.Insert(vec, nil)
		require.NoError(t, err)
		ids[i] = id
	}
	require.Equal(t, float64(0), v.Stats().DeadRatio)

	require.NoError(t, v.Delete(ids[0]))
	require.ErrorIs(t, v.Delete(ids[0]), index.ErrNotFound)

	s := v.Stats()
	require.Equal(t, 10, s.Total)
	require.Equal(t, 9, s.Live)
	require.InDelta(t, 0.1, s.DeadRatio, 1e-9)

	results, err := v.Search(make([]float32, testDim), 10, nil)
	require.NoError(t, err)
	for _, r := range results {
		require.NotEqual(t, ids[0], r.ID)
	}
}

func TestUpdateReencodesInPlace(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	v := newTrained(t, rng)

	id, err := v.Insert(make([]float32, testDim), nil)
	require.NoError(t, err)
	originalList := v.listOf[id]
	originalCodes := append([]byte(nil), v.lists[originalList].codesOf(id)...)

	moved := make([]float32, testDim)
	for d := range moved {
		moved[d] = 9
	}
	require.NoError(t, v.Update(id, moved))
	require.Equal(t, originalList, v.listOf[id])
	require.NotEqual(t, originalCodes, v.lists[originalList].codesOf(id))

	results, err := v.Search(moved, 1, nil)
	require.NoError(t, err)
	require.Equal(t, id, results[0].ID)
	require.Equal(t, float32(0), results[0].Distance)
}

func TestCosineNormalizesStoredVectors(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	v, err := New(testDim, func(o *Options) {
		o.Metric = distance.MetricCosine
		o.NLists = 4
		o.NProbe = 4
		o.Subspaces = 4
		o.NBits = 4
	})
	require.NoError(t, err)
	require.NoError(t, v.Train(trainingData(rng, 200, testDim)))

	vec := make([]float32, testDim)
	for d := range vec {
		vec[d] = rng.Float32() + 1
	}
	id, err := v.Insert(vec, nil)
	require.NoError(t, err)

	// A scaled copy of the same direction has cosine distance zero.
	scaled := make([]float32, testDim)
	for d := range scaled {
		scaled[d] = vec[d] * 100
	}
	results, err := v.Search(scaled, 1, nil)
	require.NoError(t, err)
	require.Equal(t, id, results[0].ID)
	require.InDelta(t, 0, results[0].Distance, 1e-5)
}

func TestConcurrentInsertsAndSearches(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	v := newTrained(t, rng)

	const (
		workers   = 8
		perWorker = 50
	)
	vectors := make([][]float32, workers*perWorker)
	for i := range vectors {
		vec := make([]float32, testDim)
		for d := range vec {
			vec[d] = rng.Float32() * 10
		}
		vectors[i] = vec
	}

	// Inserts hold the reader lock plus a list mutex, so they may overlap
	// each other and in-flight searches. Every vector must land in exactly
	// one list and stay findable.
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				vec := vectors[w*perWorker+i]
				if _, err := v.Insert(vec, nil); err != nil {
					t.Error(err)
					return
				}
				if _, err := v.Search(vec, 3, nil); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	require.Equal(t, workers*perWorker, v.Count())

	seen := make(map[uint32]bool)
	total := 0
	for _, l := range v.lists {
		for _, slot := range l.slots {
			require.False(t, seen[slot])
			seen[slot] = true
			require.Equal(t, l, v.lists[v.listOf[slot]])
		}
		total += len(l.slots)
	}
	require.Equal(t, workers*perWorker, total)

	for i := 0; i < 20; i++ {
		results, err := v.Search(vectors[i], 1, nil)
		require.NoError(t, err)
		require.NotEmpty(t, results)
		require.Equal(t, float32(0), results[0].Distance)
	}
}

func TestSoAStripesMirrorCodes(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	v := newTrained(t, rng)

	for i := 0; i < 100; i++ {
		vec := make([]float32, testDim)
		for d := range vec {
			vec[d] = rng.Float32() * 10
		}
		_, err := v.Insert(vec, nil)
		require.NoError(t, err)
	}

	// Both code layouts must agree entry for entry, including across
	// capacity growth.
	m := v.pq.Subspaces()
	for _, l := range v.lists {
		for i, codes := range l.codes {
			for s := 0; s < m; s++ {
				require.Equal(t, codes[s], l.soa[s*l.capacity+i])
			}
		}
	}
}

func TestSerializationRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	v := newTrained(t, rng)

	queries := make([][]float32, 0, 5)
	for i := 0; i < 60; i++ {
		vec := make([]float32, testDim)
		for d := range vec {
			vec[d] = rng.Float32()
		}
		_, err := v.Insert(vec, metadata.Metadata{"i": "x"})
		require.NoError(t, err)
		if i < 5 {
			queries = append(queries, vec)
		}
	}
	require.NoError(t, v.Delete(3))

	var buf bytes.Buffer
	_, err := v.WriteTo(&buf)
	require.NoError(t, err)

	loaded, err := New(testDim)
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
