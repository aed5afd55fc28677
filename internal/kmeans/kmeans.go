// Package kmeans implements Lloyd's algorithm over flat float32 buffers. It
// is shared by the IVF coarse quantizers and the product-quantizer codebook
// training.
package kmeans

import (
	"math"
	"sort"

	"github.com/hupe1980/gigavector/internal/simd"
)

// Train runs Lloyd's algorithm on n = len(vectors)/dim points and returns k
// flattened centroids (k*dim). Seeding is deterministic: the first k points
// become the initial centroids, so training is reproducible for a given
// input order. Returns nil when there are fewer points than clusters.
func Train(vectors []float32, dim, k, maxIter int) []float32 {
	n := len(vectors) / dim
	if n < k || k <= 0 {
		return nil
	}

	centroids := make([]float32, k*dim)
	copy(centroids, vectors[:k*dim])

	assignments := make([]int, n)
	counts := make([]int, k)
	sums := make([]float32, k*dim)

	for iter := 0; iter < maxIter; iter++ {
		changed := false

		for i := 0; i < n; i++ {
			vec := vectors[i*dim : (i+1)*dim]
			best := AssignNearest(vec, centroids, dim)
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}

		if !changed && iter > 0 {
			break
		}

		for i := range sums {
			sums[i] = 0
		}
		for i := range counts {
			counts[i] = 0
		}
		for i := 0; i < n; i++ {
			c := assignments[i]
			vec := vectors[i*dim : (i+1)*dim]
			for d := 0; d < dim; d++ {
				sums[c*dim+d] += vec[d]
			}
			counts[c]++
		}

		for j := 0; j < k; j++ {
			if counts[j] == 0 {
				// Empty cluster keeps its previous centroid.
				continue
			}
			inv := 1 / float32(counts[j])
			for d := 0; d < dim; d++ {
				centroids[j*dim+d] = sums[j*dim+d] * inv
			}
		}
	}

	return centroids
}

// AssignNearest returns the index of the centroid closest to vec by squared
// L2 distance.
func AssignNearest(vec, centroids []float32, dim int) int {
	k := len(centroids) / dim
	best := 0
	min := float32(math.MaxFloat32)
	for j := 0; j < k; j++ {
		d := simd.SquaredL2(vec, centroids[j*dim:(j+1)*dim])
		if d < min {
			min = d
			best = j
		}
	}
	return best
}

// NearestCentroids returns the indices of the n centroids closest to query,
// ordered nearest first.
func NearestCentroids(query, centroids []float32, dim, n int) []int {
	k := len(centroids) / dim
	if n > k {
		n = k
	}

	type pair struct {
		id   int
		dist float32
	}
	dists := make([]pair, k)
	for i := 0; i < k; i++ {
		dists[i] = pair{id: i, dist: simd.SquaredL2(query, centroids[i*dim:(i+1)*dim])}
	}
	sort.Slice(dists, func(i, j int) bool { return dists[i].dist < dists[j].dist })

	out := make([]int, n)
	for i := range out {
		out[i] = dists[i].id
	}
	return out
}
