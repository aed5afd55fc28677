package testutil

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/gigavector/distance"
)

func TestRNGDeterminism(t *testing.T) {
	a := NewRNG(42).UniformVectors(5, 8)
	b := NewRNG(42).UniformVectors(5, 8)
	require.Equal(t, a, b)

	rng := NewRNG(42)
	first := rng.UniformVectors(5, 8)
	rng.Reset()
	require.Equal(t, first, rng.UniformVectors(5, 8))
}

func TestUnitVectorsAreNormalized(t *testing.T) {
	for _, vec := range NewRNG(1).UnitVectors(20, 16) {
		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		require.InDelta(t, 1.0, math.Sqrt(norm), 1e-4)
	}
}

func TestFillUniformRange(t *testing.T) {
	vec := make([]float32, 100)
	NewRNG(7).FillUniformRange(vec, -2, 3)
	for _, v := range vec {
		require.GreaterOrEqual(t, v, float32(-2))
		require.Less(t, v, float32(3))
	}
}

func TestFlatten(t *testing.T) {
	require.Nil(t, Flatten(nil))
	got := Flatten([][]float32{{1, 2}, {3, 4}})
	require.Equal(t, []float32{1, 2, 3, 4}, got)
}

func TestBruteForceSearch(t *testing.T) {
	vectors := [][]float32{{0, 0}, {3, 0}, {1, 0}}
	truth := BruteForceSearch(vectors, []float32{0, 0}, 2, distance.Euclidean)
	require.Len(t, truth, 2)
	require.Equal(t, uint32(0), truth[0].ID)
	require.Equal(t, uint32(2), truth[1].ID)
}

func TestComputeRecall(t *testing.T) {
	truth := []SearchResult{{ID: 1}, {ID: 2}, {ID: 3}}
	require.Equal(t, 1.0, ComputeRecall(truth, truth))
	require.InDelta(t, 2.0/3.0, ComputeRecall(truth, []SearchResult{{ID: 1}, {ID: 3}, {ID: 9}}), 1e-9)
	require.Equal(t, 0.0, ComputeRecall(truth, []SearchResult{{ID: 7}}))
	require.Equal(t, 1.0, ComputeRecall(nil, nil))
}
