package hnsw

import "math/bits"

// packSigns compresses a vector to one sign bit per dimension.
func packSigns(v []float32) []uint64 {
	code := make([]uint64, (len(v)+63)/64)
	for i, f := range v {
		if f >= 0 {
			code[i>>6] |= uint64(1) << (i & 63)
		}
	}
	return code
}

// hamming counts differing bits between two packed codes.
func hamming(a, b []uint64) int {
	total := 0
	for i := range a {
		total += bits.OnesCount64(a[i] ^ b[i])
	}
	return total
}
