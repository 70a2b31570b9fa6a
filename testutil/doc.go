// Package testutil provides helpers for tests: seeded vector generation,
// brute-force ground truth and recall computation.
//
//	rng := testutil.NewRNG(seed)
//	data := rng.UniformVectors(1000, 32)
//	truth := testutil.ExactTopK(query, data, 10, 0, distance.SquaredL2)
//	recall := testutil.ComputeRecall(truth, approx)
package testutil
