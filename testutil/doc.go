// Package testutil provides testing utilities for gigavector.
//
// This package is intended for use in tests and benchmarks only.
// It provides helpers for generating random vectors, computing exact
// nearest neighbours, and verifying search recall.
//
// # Random Vector Generation
//
//	rng := testutil.NewRNG(seed)
//	vec := make([]float32, 128)
//	rng.FillUniform(vec)       // uniform [0, 1)
//	vecs := rng.UnitVectors(1000, 128)
//
// # Exact Search (Ground Truth)
//
//	truth := testutil.BruteForceSearch(dataset, query, k, distance.Euclidean)
//
// # Recall Verification
//
//	recall := testutil.ComputeRecall(truth, approximate)
package testutil
