package quantization

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/gigavector/index"
	"github.com/hupe1980/gigavector/internal/simd"
)

func trainingSet(rng *rand.Rand, n, dim int) []float32 {
	out := make([]float32, n*dim)
	for i := range out {
		out[i] = rng.Float32()*2 - 1
	}
	return out
}

func TestNewValidation(t *testing.T) {
	_, err := NewProductQuantizer(10, 3, 8)
	require.Error(t, err)
	_, err = NewProductQuantizer(8, 2, 0)
	require.Error(t, err)
	_, err = NewProductQuantizer(8, 2, 9)
	require.Error(t, err)

	p, err := NewProductQuantizer(8, 2, 4)
	require.NoError(t, err)
	require.Equal(t, 2, p.Subspaces())
	require.Equal(t, 16, p.Centroids())
	require.False(t, p.Trained())
}

func TestUntrainedOperationsFail(t *testing.T) {
	p, err := NewProductQuantizer(8, 2, 4)
	require.NoError(t, err)

	_, err = p.Encode(make([]float32, 8))
	require.ErrorIs(t, err, index.ErrUntrained)
	_, err = p.Decode(make([]byte, 2))
	require.ErrorIs(t, err, index.ErrUntrained)
	_, err = p.BuildDistanceTable(make([]float32, 8))
	require.ErrorIs(t, err, index.ErrUntrained)
}

func TestTrainRequiresEnoughVectors(t *testing.T) {
	p, err := NewProductQuantizer(8, 2, 4)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(1))
	require.Error(t, p.Train(trainingSet(rng, 10, 8), 5))
}

func TestEncodeDecodeApproximates(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	p, err := NewProductQuantizer(8, 4, 4)
	require.NoError(t, err)

	vectors := trainingSet(rng, 200, 8)
	require.NoError(t, p.Train(vectors, 0))
	require.True(t, p.Trained())

	// Reconstruction error must be below the trivial bound (distance to
	// origin) for typical vectors.
	for i := 0; i < 20; i++ {
		vec := vectors[i*8 : (i+1)*8]
		codes, err := p.Encode(vec)
		require.NoError(t, err)
		require.Len(t, codes, 4)

		dec, err := p.Decode(codes)
		require.NoError(t, err)
		require.Less(t, simd.SquaredL2(vec, dec), simd.DotProduct(vec, vec))
	}
}

func TestAdcMatchesDecodedDistance(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	p, err := NewProductQuantizer(8, 2, 4)
	require.NoError(t, err)
	vectors := trainingSet(rng, 100, 8)
	require.NoError(t, p.Train(vectors, 0))

	q := vectors[:8]
	table, err := p.BuildDistanceTable(q)
	require.NoError(t, err)
	require.Len(t, table, 2*16)

	for i := 10; i < 20; i++ {
		vec := vectors[i*8 : (i+1)*8]
		codes, err := p.Encode(vec)
		require.NoError(t, err)
		dec, err := p.Decode(codes)
		require.NoError(t, err)

		// ADC equals the exact squared L2 distance to the reconstruction.
		require.InDelta(t, float64(simd.SquaredL2(q, dec)), float64(p.AdcDistance(table, codes)), 1e-3)
	}
}

func TestEncodeDimensionMismatch(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	p, err := NewProductQuantizer(8, 2, 4)
	require.NoError(t, err)
	require.NoError(t, p.Train(trainingSet(rng, 64, 8), 0))

	_, err = p.Encode(make([]float32, 7))
	var dm *index.ErrDimensionMismatch
	require.ErrorAs(t, err, &dm)
}

func TestSetCodebooks(t *testing.T) {
	p, err := NewProductQuantizer(4, 2, 2)
	require.NoError(t, err)

	require.Error(t, p.SetCodebooks(make([]float32, 3)))
	require.NoError(t, p.SetCodebooks(make([]float32, 2*4*2)))
	require.True(t, p.Trained())
}

func TestSerializationRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	p, err := NewProductQuantizer(8, 4, 4)
	require.NoError(t, err)
	vectors := trainingSet(rng, 120, 8)
	require.NoError(t, p.Train(vectors, 0))

	var buf bytes.Buffer
	_, err = p.WriteTo(&buf)
	require.NoError(t, err)

	loaded, err := NewProductQuantizer(2, 1, 1)
	require.NoError(t, err)
	_, err = loaded.ReadFrom(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	require.Equal(t, p.Dimension(), loaded.Dimension())
	require.Equal(t, p.Codebooks(), loaded.Codebooks())

	vec := vectors[:8]
	want, err := p.Encode(vec)
	require.NoError(t, err)
	got, err := loaded.Encode(vec)
	require.NoError(t, err)
	require.Equal(t, want, got)
}
