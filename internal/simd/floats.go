package simd

import "math"

// Kernel implementation variables. Bound once by bindKernels during init;
// callers go through the exported wrappers below.
var (
	dotImpl       func(a, b []float32) float32
	squaredL2Impl func(a, b []float32) float32
	manhattanImpl func(a, b []float32) float32
	scaleImpl     func(dst []float32, s float32)
	pqAdcImpl     func(codes []byte, table []float32, centroids int) float32
)

func bindKernels(isa ISA) {
	switch isa {
	case Generic:
		dotImpl = dotGeneric
		squaredL2Impl = squaredL2Generic
		manhattanImpl = manhattanGeneric
		scaleImpl = scaleGeneric
		pqAdcImpl = pqAdcGeneric
	default:
		// All wide variants share the unrolled pure-Go kernels; the unroll
		// factor matches the narrowest vector width (4 lanes) so results are
		// summation-order stable across ISAs.
		dotImpl = dotUnrolled
		squaredL2Impl = squaredL2Unrolled
		manhattanImpl = manhattanUnrolled
		scaleImpl = scaleUnrolled
		pqAdcImpl = pqAdcUnrolled
	}
}

// DotProduct returns the dot product of a and b. Both slices must have the
// same length; the caller validates dimensions.
func DotProduct(a, b []float32) float32 {
	return dotImpl(a, b)
}

// SquaredL2 returns the squared Euclidean distance between a and b.
func SquaredL2(a, b []float32) float32 {
	return squaredL2Impl(a, b)
}

// Manhattan returns the L1 distance between a and b.
func Manhattan(a, b []float32) float32 {
	return manhattanImpl(a, b)
}

// Scale multiplies every element of dst by s in place.
func Scale(dst []float32, s float32) {
	scaleImpl(dst, s)
}

// PQAdcLookup accumulates an asymmetric distance from a code sequence and a
// per-subspace lookup table laid out as codes[i] rows of `centroids` entries.
func PQAdcLookup(codes []byte, table []float32, centroids int) float32 {
	return pqAdcImpl(codes, table, centroids)
}

// Norm returns the Euclidean norm of v.
func Norm(v []float32) float32 {
	return float32(math.Sqrt(float64(dotImpl(v, v))))
}

func dotGeneric(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func squaredL2Generic(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

func manhattanGeneric(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return sum
}

func scaleGeneric(dst []float32, s float32) {
	for i := range dst {
		dst[i] *= s
	}
}

func pqAdcGeneric(codes []byte, table []float32, centroids int) float32 {
	var sum float32
	for i, c := range codes {
		sum += table[i*centroids+int(c)]
	}
	return sum
}

func dotUnrolled(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	n := len(a) &^ 3
	for i := 0; i < n; i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	sum := s0 + s1 + s2 + s3
	for i := n; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

func squaredL2Unrolled(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	n := len(a) &^ 3
	for i := 0; i < n; i += 4 {
		d0 := a[i] - b[i]
		d1 := a[i+1] - b[i+1]
		d2 := a[i+2] - b[i+2]
		d3 := a[i+3] - b[i+3]
		s0 += d0 * d0
		s1 += d1 * d1
		s2 += d2 * d2
		s3 += d3 * d3
	}
	sum := s0 + s1 + s2 + s3
	for i := n; i < len(a); i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

func manhattanUnrolled(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	n := len(a) &^ 3
	for i := 0; i < n; i += 4 {
		s0 += abs32(a[i] - b[i])
		s1 += abs32(a[i+1] - b[i+1])
		s2 += abs32(a[i+2] - b[i+2])
		s3 += abs32(a[i+3] - b[i+3])
	}
	sum := s0 + s1 + s2 + s3
	for i := n; i < len(a); i++ {
		sum += abs32(a[i] - b[i])
	}
	return sum
}

func scaleUnrolled(dst []float32, s float32) {
	n := len(dst) &^ 3
	for i := 0; i < n; i += 4 {
		dst[i] *= s
		dst[i+1] *= s
		dst[i+2] *= s
		dst[i+3] *= s
	}
	for i := n; i < len(dst); i++ {
		dst[i] *= s
	}
}

func pqAdcUnrolled(codes []byte, table []float32, centroids int) float32 {
	var s0, s1, s2, s3 float32
	n := len(codes) &^ 3
	for i := 0; i < n; i += 4 {
		s0 += table[i*centroids+int(codes[i])]
		s1 += table[(i+1)*centroids+int(codes[i+1])]
		s2 += table[(i+2)*centroids+int(codes[i+2])]
		s3 += table[(i+3)*centroids+int(codes[i+3])]
	}
	sum := s0 + s1 + s2 + s3
	for i := n; i < len(codes); i++ {
		sum += table[i*centroids+int(codes[i])]
	}
	return sum
}

func abs32(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}
