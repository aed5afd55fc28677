package hnsw

import (
	"bytes"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/gigavector/distance"
	"github.com/hupe1980/gigavector/index"
	"github.com/hupe1980/gigavector/metadata"
)

func randVectors(rng *rand.Rand, n, dim int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for d := range v {
			v[d] = rng.Float32()*2 - 1
		}
		out[i] = v
	}
	return out
}

func TestEmptyIndex(t *testing.T) {
	h, err := New(4)
	require.NoError(t, err)

	results, err := h.Search([]float32{1, 2, 3, 4}, 5, nil)
	require.NoError(t, err)
	require.Empty(t, results)
	require.Equal(t, 0, h.Count())
}

func TestInsertAndSearchSelf(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	h, err := New(8)
	require.NoError(t, err)

	vectors := randVectors(rng, 100, 8)
	for _, v := range vectors {
		_, err := h.Insert(v, nil)
		require.NoError(t, err)
	}
	require.Equal(t, 100, h.Count())

	for i := 0; i < 20; i++ {
		results, err := h.Search(vectors[i], 1, nil)
		require.NoError(t, err)
		require.NotEmpty(t, results)
		require.Equal(t, uint32(i), results[0].ID)
		require.Equal(t, float32(0), results[0].Distance)
	}
}

func TestRecallAgainstBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	h, err := New(16, func(o *Options) {
		o.EfConstruction = 200
		o.EfSearch = 100
	})
	require.NoError(t, err)

	vectors := randVectors(rng, 500, 16)
	for _, v := range vectors {
		_, err := h.Insert(v, nil)
		require.NoError(t, err)
	}

	const k = 10
	hits := 0
	total := 0
	for qi := 0; qi < 20; qi++ {
		q := randVectors(rng, 1, 16)[0]

		type pair struct {
			id   int
			dist float32
		}
		brute := make([]pair, len(vectors))
		for i, v := range vectors {
			brute[i] = pair{id: i, dist: distance.Euclidean(q, v)}
		}
		sort.Slice(brute, func(i, j int) bool { return brute[i].dist < brute[j].dist })
		truth := make(map[uint32]struct{}, k)
		for _, p := range brute[:k] {
			truth[uint32(p.id)] = struct{}{}
		}

		results, err := h.Search(q, k, nil)
		require.NoError(t, err)
		for _, r := range results {
			if _, ok := truth[r.ID]; ok {
				hits++
			}
		}
		total += k
	}
	recall := float64(hits) / float64(total)
	require.Greater(t, recall, 0.85, "recall %f", recall)
}

func TestResultsSortedAscending(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	h, err := New(8)
	require.NoError(t, err)
	for _, v := range randVectors(rng, 200, 8) {
		_, err := h.Insert(v, nil)
		require.NoError(t, err)
	}

	results, err := h.Search(randVectors(rng, 1, 8)[0], 10, nil)
	require.NoError(t, err)
	for i := 1; i < len(results); i++ {
		require.GreaterOrEqual(t, results[i].Distance, results[i-1].Distance)
	}
}

func TestDeleteExcision(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	h, err := New(8)
	require.NoError(t, err)
	vectors := randVectors(rng, 50, 8)
	for _, v := range vectors {
		_, err := h.Insert(v, nil)
		require.NoError(t, err)
	}

	require.NoError(t, h.Delete(10))
	require.ErrorIs(t, h.Delete(10), index.ErrNotFound)
	require.Equal(t, 49, h.Count())

	// Deleted id never surfaces.
	results, err := h.Search(vectors[10], 10, nil)
	require.NoError(t, err)
	for _, r := range results {
		require.NotEqual(t, uint32(10), r.ID)
	}

	// No live node keeps an edge to the tombstone.
	for i, n := range h.nodes {
		if i == 10 {
			continue
		}
		for _, conns := range n.connections {
			require.NotContains(t, conns, uint32(10))
		}
	}
}

func TestDeleteEntryPointHandsOff(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	h, err := New(4)
	require.NoError(t, err)
	vectors := randVectors(rng, 30, 4)
	for _, v := range vectors {
		_, err := h.Insert(v, nil)
		require.NoError(t, err)
	}

	require.NoError(t, h.Delete(h.ep))

	results, err := h.Search(vectors[5], 5, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
}

func TestDeleteAll(t *testing.T) {
	h, err := New(2)
	require.NoError(t, err)
	a, _ := h.Insert([]float32{1, 2}, nil)
	b, _ := h.Insert([]float32{3, 4}, nil)
	require.NoError(t, h.Delete(a))
	require.NoError(t, h.Delete(b))

	results, err := h.Search([]float32{1, 2}, 5, nil)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestUpdateInPlace(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	h, err := New(4)
	require.NoError(t, err)
	vectors := randVectors(rng, 20, 4)
	for _, v := range vectors {
		_, err := h.Insert(v, nil)
		require.NoError(t, err)
	}

	require.NoError(t, h.Update(3, []float32{9, 9, 9, 9}))
	results, err := h.Search([]float32{9, 9, 9, 9}, 1, nil)
	require.NoError(t, err)
	require.Equal(t, uint32(3), results[0].ID)

	require.ErrorIs(t, h.Update(99, []float32{0, 0, 0, 0}), index.ErrNotFound)
}

func TestSearchWithFilter(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	h, err := New(8)
	require.NoError(t, err)
	for i, v := range randVectors(rng, 100, 8) {
		lang := "go"
		if i%5 == 0 {
			lang = "rust"
		}
		_, err := h.Insert(v, metadata.Metadata{"lang": lang})
		require.NoError(t, err)
	}

	results, err := h.Search(randVectors(rng, 1, 8)[0], 10, &index.SearchOptions{
		FilterKey:   "lang",
		FilterValue: "rust",
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, r := range results {
		require.Equal(t, "rust", r.Metadata["lang"])
	}
}

func TestBinaryQuantizationRerank(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	h, err := New(16, func(o *Options) {
		o.BinaryQuantization = true
		o.RerankK = 40
	})
	require.NoError(t, err)

	vectors := randVectors(rng, 300, 16)
	for _, v := range vectors {
		_, err := h.Insert(v, nil)
		require.NoError(t, err)
	}

	results, err := h.Search(vectors[42], 5, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, uint32(42), results[0].ID)
	for i := 1; i < len(results); i++ {
		require.GreaterOrEqual(t, results[i].Distance, results[i-1].Distance)
	}
}

func TestPackSignsHamming(t *testing.T) {
	a := packSigns([]float32{1, -1, 1, -1})
	b := packSigns([]float32{1, 1, 1, 1})
	require.Equal(t, 2, hamming(a, b))
	require.Equal(t, 0, hamming(a, a))
}

func TestLevelCapGrowsOneAtATime(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	h, err := New(4)
	require.NoError(t, err)
	for _, v := range randVectors(rng, 200, 4) {
		_, err := h.Insert(v, nil)
		require.NoError(t, err)
	}
	// Every node's layer is at most the entry point's layer.
	for _, n := range h.nodes {
		require.LessOrEqual(t, n.layer, h.maxLevel)
	}
}

func TestSerializationRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(31))
	h, err := New(8)
	require.NoError(t, err)
	vectors := randVectors(rng, 120, 8)
	for _, v := range vectors {
		_, err := h.Insert(v, metadata.Metadata{"n": "x"})
		require.NoError(t, err)
	}
	require.NoError(t, h.Delete(17))

	var buf bytes.Buffer
	_, err = h.WriteTo(&buf)
	require.NoError(t, err)

	loaded, err := New(8)
	require.NoError(t, err)
	_, err = loaded.ReadFrom(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, h.Count(), loaded.Count())

	for i := 0; i < 5; i++ {
		q := vectors[i*3]
		want, err := h.Search(q, 5, nil)
		require.NoError(t, err)
		got, err := loaded.Search(q, 5, nil)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}
