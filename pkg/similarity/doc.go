// Package similarity holds the scoring primitives shared by the caches and the
// recall engine: cosine similarity, query normalization, token-set overlap and
// the Index abstraction used for fuzzy cache-key matching.
//
// Invariants:
// - Cosine returns 0 for mismatched or zero-length vectors instead of NaN.
// - Overlap is symmetric and lies in [0, 1].
//
// Usage:
//
//	idx := similarity.NewTokenIndex()
//	idx.Add(similarity.Normalize("revenue this month"))
//	m, ok := idx.Best(ctx, "how much revenue this month", 0.6, nil)
//	_ = m
//	_ = ok
package similarity
