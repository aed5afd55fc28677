// Package distance provides the public API for vector distance calculations.
// All kernels use the runtime-dispatched implementations from internal/simd
// (AVX2/AVX-512 on x86-64, NEON on ARM64, scalar elsewhere).
package distance

import (
	"fmt"
	"math"
	"slices"

	"github.com/hupe1980/gigavector/internal/simd"
)

// Metric identifies the distance metric used for vector comparison. The
// numeric values are persisted in snapshots and WAL headers and must not be
// reordered.
type Metric uint8

const (
	// MetricEuclidean is the L2 distance √ΣΔ².
	MetricEuclidean Metric = 0
	// MetricCosine is the cosine distance 1 − cos(a, b).
	MetricCosine Metric = 1
	// MetricDot is the negated dot product, so smaller is better.
	MetricDot Metric = 2
	// MetricManhattan is the L1 distance Σ|Δ|.
	MetricManhattan Metric = 3
)

func (m Metric) String() string {
	switch m {
	case MetricEuclidean:
		return "euclidean"
	case MetricCosine:
		return "cosine"
	case MetricDot:
		return "dot"
	case MetricManhattan:
		return "manhattan"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(m))
	}
}

// ParseMetric maps a metric name to its Metric value.
func ParseMetric(s string) (Metric, error) {
	switch s {
	case "euclidean", "l2":
		return MetricEuclidean, nil
	case "cosine":
		return MetricCosine, nil
	case "dot":
		return MetricDot, nil
	case "manhattan", "l1":
		return MetricManhattan, nil
	default:
		return 0, fmt.Errorf("unknown metric %q", s)
	}
}

// Func computes a distance between two equal-length vectors. Smaller values
// always mean more similar, for every metric.
type Func func(a, b []float32) float32

// Provider returns the distance function for the given metric.
func Provider(m Metric) (Func, error) {
	switch m {
	case MetricEuclidean:
		return Euclidean, nil
	case MetricCosine:
		return CosineDistance, nil
	case MetricDot:
		return NegativeDot, nil
	case MetricManhattan:
		return Manhattan, nil
	default:
		return nil, fmt.Errorf("unsupported metric: %v", m)
	}
}

// Dot calculates the dot product of two vectors.
// Assumes vectors are the same length (caller's responsibility).
func Dot(a, b []float32) float32 {
	return simd.DotProduct(a, b)
}

// NegativeDot returns the negated dot product so that ascending sort order
// ranks the most similar vectors first.
func NegativeDot(a, b []float32) float32 {
	return -simd.DotProduct(a, b)
}

// SquaredL2 calculates the squared Euclidean distance between two vectors.
func SquaredL2(a, b []float32) float32 {
	return simd.SquaredL2(a, b)
}

// Euclidean calculates the Euclidean distance between two vectors.
func Euclidean(a, b []float32) float32 {
	return float32(math.Sqrt(float64(simd.SquaredL2(a, b))))
}

// Manhattan calculates the L1 distance between two vectors.
func Manhattan(a, b []float32) float32 {
	return simd.Manhattan(a, b)
}

// CosineSimilarity returns the cosine of the angle between a and b, in
// [-1, 1]. Returns 0 when either vector has zero norm.
func CosineSimilarity(a, b []float32) float32 {
	dot := simd.DotProduct(a, b)
	na := simd.Norm(a)
	nb := simd.Norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (na * nb)
}

// CosineDistance returns 1 − CosineSimilarity(a, b), in [0, 2].
func CosineDistance(a, b []float32) float32 {
	return 1 - CosineSimilarity(a, b)
}

// NormalizeL2InPlace L2-normalizes v in place.
// Returns false if v has zero L2 norm.
func NormalizeL2InPlace(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	norm := simd.Norm(v)
	if norm == 0 {
		return false
	}
	simd.Scale(v, 1/norm)
	return true
}

// NormalizeL2Copy returns a normalized copy of src.
// Returns false if src has zero L2 norm.
func NormalizeL2Copy(src []float32) ([]float32, bool) {
	dst := slices.Clone(src)
	if !NormalizeL2InPlace(dst) {
		return nil, false
	}
	return dst, true
}

// Validate checks that a and b are usable as inputs to a distance function.
func Validate(a, b []float32) error {
	if len(a) == 0 || len(b) == 0 {
		return fmt.Errorf("empty vector")
	}
	if len(a) != len(b) {
		return fmt.Errorf("dimension mismatch: %d != %d", len(a), len(b))
	}
	return nil
}
