// Package quantization implements product quantization: vectors are split
// into subspaces, each subspace is clustered into a small codebook, and a
// vector compresses to one code byte per subspace. Search uses asymmetric
// distance computation over a per-query lookup table.
package quantization

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/hupe1980/gigavector/index"
	"github.com/hupe1980/gigavector/internal/kmeans"
	"github.com/hupe1980/gigavector/internal/simd"
)

// DefaultTrainIters is the Lloyd's iteration count used when the caller
// passes zero.
const DefaultTrainIters = 25

// ProductQuantizer compresses dim-dimensional vectors into m one-byte codes.
type ProductQuantizer struct {
	dim       int
	m         int // subspaces
	nbits     int // bits per code, centroids = 1<<nbits
	centroids int
	subDim    int
	codebooks []float32 // m * centroids * subDim
	trained   bool
}

// NewProductQuantizer creates a quantizer for dim-dimensional vectors with m
// subspaces and nbits bits per code. dim must be divisible by m and nbits
// must be in [1, 8].
func NewProductQuantizer(dim, m, nbits int) (*ProductQuantizer, error) {
	if dim <= 0 || m <= 0 || dim%m != 0 {
		return nil, fmt.Errorf("quantization: dimension %d must be divisible by %d subspaces", dim, m)
	}
	if nbits < 1 || nbits > 8 {
		return nil, fmt.Errorf("quantization: nbits must be in [1, 8], got %d", nbits)
	}
	return &ProductQuantizer{
		dim:       dim,
		m:         m,
		nbits:     nbits,
		centroids: 1 << nbits,
		subDim:    dim / m,
	}, nil
}

// Dimension returns the input dimensionality.
func (p *ProductQuantizer) Dimension() int { return p.dim }

// Subspaces returns the number of code bytes per vector.
func (p *ProductQuantizer) Subspaces() int { return p.m }

// Centroids returns the codebook size per subspace.
func (p *ProductQuantizer) Centroids() int { return p.centroids }

// Trained reports whether codebooks exist.
func (p *ProductQuantizer) Trained() bool { return p.trained }

// Train learns the per-subspace codebooks from n = len(vectors)/dim
// training vectors. Requires at least as many vectors as centroids.
func (p *ProductQuantizer) Train(vectors []float32, iters int) error {
	n := len(vectors) / p.dim
	if n < p.centroids {
		return fmt.Errorf("quantization: %d training vectors for %d centroids: %w", n, p.centroids, index.ErrUntrained)
	}
	if iters <= 0 {
		iters = DefaultTrainIters
	}

	codebooks := make([]float32, p.m*p.centroids*p.subDim)
	sub := make([]float32, n*p.subDim)
	for s := 0; s < p.m; s++ {
		// Gather the s-th stripe of every training vector.
		for i := 0; i < n; i++ {
			copy(sub[i*p.subDim:(i+1)*p.subDim], vectors[i*p.dim+s*p.subDim:i*p.dim+(s+1)*p.subDim])
		}
		cents := kmeans.Train(sub, p.subDim, p.centroids, iters)
		if cents == nil {
			return index.ErrUntrained
		}
		copy(codebooks[s*p.centroids*p.subDim:], cents)
	}

	p.codebooks = codebooks
	p.trained = true
	return nil
}

// Encode compresses vec into m code bytes.
func (p *ProductQuantizer) Encode(vec []float32) ([]byte, error) {
	if !p.trained {
		return nil, index.ErrUntrained
	}
	if len(vec) != p.dim {
		return nil, &index.ErrDimensionMismatch{Expected: p.dim, Actual: len(vec)}
	}
	codes := make([]byte, p.m)
	for s := 0; s < p.m; s++ {
		stripe := vec[s*p.subDim : (s+1)*p.subDim]
		book := p.codebook(s)
		codes[s] = byte(kmeans.AssignNearest(stripe, book, p.subDim))
	}
	return codes, nil
}

// Decode reconstructs the approximate vector for a code sequence.
func (p *ProductQuantizer) Decode(codes []byte) ([]float32, error) {
	if !p.trained {
		return nil, index.ErrUntrained
	}
	if len(codes) != p.m {
		return nil, fmt.Errorf("quantization: expected %d codes, got %d", p.m, len(codes))
	}
	out := make([]float32, p.dim)
	for s, c := range codes {
		start := s*p.centroids*p.subDim + int(c)*p.subDim
		copy(out[s*p.subDim:(s+1)*p.subDim], p.codebooks[start:start+p.subDim])
	}
	return out, nil
}

// BuildDistanceTable precomputes, for each subspace, the squared L2 distance
// from the query stripe to every centroid. Layout: m rows of `centroids`
// entries. Callers scoring under cosine must feed L2-normalized vectors at
// train, encode and query time; ||a-b||^2 = 2(1-cos) for unit vectors, so
// the table then ranks identically to cosine distance.
func (p *ProductQuantizer) BuildDistanceTable(query []float32) ([]float32, error) {
	if !p.trained {
		return nil, index.ErrUntrained
	}
	if len(query) != p.dim {
		return nil, &index.ErrDimensionMismatch{Expected: p.dim, Actual: len(query)}
	}
	table := make([]float32, p.m*p.centroids)
	for s := 0; s < p.m; s++ {
		stripe := query[s*p.subDim : (s+1)*p.subDim]
		book := p.codebook(s)
		for c := 0; c < p.centroids; c++ {
			table[s*p.centroids+c] = simd.SquaredL2(stripe, book[c*p.subDim:(c+1)*p.subDim])
		}
	}
	return table, nil
}

// AdcDistance sums table entries selected by codes. The result approximates
// the squared L2 distance between the query behind the table and the vector
// behind the codes.
func (p *ProductQuantizer) AdcDistance(table []float32, codes []byte) float32 {
	return simd.PQAdcLookup(codes, table, p.centroids)
}

// Codebooks returns the flat codebook buffer (m * centroids * subDim).
func (p *ProductQuantizer) Codebooks() []float32 { return p.codebooks }

// SetCodebooks installs externally trained codebooks.
func (p *ProductQuantizer) SetCodebooks(codebooks []float32) error {
	if len(codebooks) != p.m*p.centroids*p.subDim {
		return fmt.Errorf("quantization: codebook length %d, expected %d", len(codebooks), p.m*p.centroids*p.subDim)
	}
	p.codebooks = codebooks
	p.trained = true
	return nil
}

func (p *ProductQuantizer) codebook(s int) []float32 {
	start := s * p.centroids * p.subDim
	return p.codebooks[start : start+p.centroids*p.subDim]
}

// WriteTo serializes the quantizer configuration and codebooks.
func (p *ProductQuantizer) WriteTo(w io.Writer) (int64, error) {
	var header [10]byte
	binary.LittleEndian.PutUint32(header[0:], uint32(p.dim))
	binary.LittleEndian.PutUint32(header[4:], uint32(p.m))
	header[8] = byte(p.nbits)
	trained := byte(0)
	if p.trained {
		trained = 1
	}
	header[9] = trained
	n, err := w.Write(header[:10])
	written := int64(n)
	if err != nil {
		return written, err
	}
	if !p.trained {
		return written, nil
	}

	buf := make([]byte, 4)
	for _, f := range p.codebooks {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(f))
		n, err = w.Write(buf)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// ReadFrom replaces the quantizer state with a serialized snapshot.
func (p *ProductQuantizer) ReadFrom(r io.Reader) (int64, error) {
	var header [10]byte
	n, err := io.ReadFull(r, header[:])
	read := int64(n)
	if err != nil {
		return read, err
	}
	dim := int(binary.LittleEndian.Uint32(header[0:]))
	m := int(binary.LittleEndian.Uint32(header[4:]))
	nbits := int(header[8])

	fresh, err := NewProductQuantizer(dim, m, nbits)
	if err != nil {
		return read, err
	}
	*p = *fresh

	if header[9] == 0 {
		return read, nil
	}

	codebooks := make([]float32, p.m*p.centroids*p.subDim)
	buf := make([]byte, 4)
	for i := range codebooks {
		n, err = io.ReadFull(r, buf)
		read += int64(n)
		if err != nil {
			return read, err
		}
		codebooks[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf))
	}
	p.codebooks = codebooks
	p.trained = true
	return read, nil
}
