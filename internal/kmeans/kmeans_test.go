package kmeans

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// twoBlobs generates points around (0,0) and (10,10).
func twoBlobs(rng *rand.Rand, perBlob int) []float32 {
	out := make([]float32, 0, perBlob*4)
	for i := 0; i < perBlob; i++ {
		out = append(out, rng.Float32(), rng.Float32())
	}
	for i := 0; i < perBlob; i++ {
		out = append(out, 10+rng.Float32(), 10+rng.Float32())
	}
	return out
}

func TestTrainSeparatesClusters(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	vectors := twoBlobs(rng, 50)

	centroids := Train(vectors, 2, 2, 25)
	require.Len(t, centroids, 4)

	// One centroid near each blob center.
	a := AssignNearest([]float32{0.5, 0.5}, centroids, 2)
	b := AssignNearest([]float32{10.5, 10.5}, centroids, 2)
	require.NotEqual(t, a, b)
}

func TestTrainTooFewPoints(t *testing.T) {
	require.Nil(t, Train([]float32{1, 2}, 2, 4, 10))
}

func TestTrainDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	vectors := twoBlobs(rng, 20)

	c1 := Train(vectors, 2, 4, 10)
	c2 := Train(vectors, 2, 4, 10)
	require.Equal(t, c1, c2)
}

func TestNearestCentroids(t *testing.T) {
	centroids := []float32{
		0, 0,
		5, 0,
		10, 0,
	}
	got := NearestCentroids([]float32{6, 0}, centroids, 2, 2)
	require.Equal(t, []int{1, 2}, got)

	// n capped at k
	got = NearestCentroids([]float32{0, 0}, centroids, 2, 10)
	require.Len(t, got, 3)
	require.Equal(t, 0, got[0])
}
