package simd

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func randVec(rng *rand.Rand, n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	return v
}

func TestKernelsMatchGeneric(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, n := range []int{1, 3, 4, 7, 16, 33, 128} {
		a := randVec(rng, n)
		b := randVec(rng, n)

		require.InDelta(t, dotGeneric(a, b), dotUnrolled(a, b), 1e-3)
		require.InDelta(t, squaredL2Generic(a, b), squaredL2Unrolled(a, b), 1e-3)
		require.InDelta(t, manhattanGeneric(a, b), manhattanUnrolled(a, b), 1e-3)

		c := append([]float32(nil), a...)
		d := append([]float32(nil), a...)
		scaleGeneric(c, 0.5)
		scaleUnrolled(d, 0.5)
		require.Equal(t, c, d)
	}
}

func TestPQAdcLookup(t *testing.T) {
	const m, k = 6, 4
	table := make([]float32, m*k)
	for i := range table {
		table[i] = float32(i)
	}
	codes := []byte{0, 3, 1, 2, 0, 3}

	var want float32
	for i, c := range codes {
		want += table[i*k+int(c)]
	}
	require.Equal(t, want, pqAdcGeneric(codes, table, k))
	require.Equal(t, want, pqAdcUnrolled(codes, table, k))
	require.Equal(t, want, PQAdcLookup(codes, table, k))
}

func TestNorm(t *testing.T) {
	v := []float32{3, 4}
	require.InDelta(t, 5.0, float64(Norm(v)), 1e-6)
}

func TestParseISA(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want ISA
		ok   bool
	}{
		{"generic", Generic, true},
		{"AVX2", AVX2, true},
		{" neon ", NEON, true},
		{"avx512", AVX512, true},
		{"sse", SSE, true},
		{"sve9", Generic, false},
	} {
		got, ok := ParseISA(tc.in)
		require.Equal(t, tc.ok, ok, tc.in)
		if ok {
			require.Equal(t, tc.want, got, tc.in)
		}
	}
}

func TestActiveISAAvailable(t *testing.T) {
	require.True(t, isAvailable(ActiveISA()))
	require.NotEqual(t, "unknown", ActiveISA().String())
}

func TestKernelsBound(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{4, 5, 6}
	require.InDelta(t, 32.0, float64(DotProduct(a, b)), 1e-6)
	require.InDelta(t, 27.0, float64(SquaredL2(a, b)), 1e-6)
	require.InDelta(t, 9.0, float64(Manhattan(a, b)), 1e-6)
	require.False(t, math.IsNaN(float64(Norm(a))))
}
