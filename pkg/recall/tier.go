package recall

import (
	"sort"

	"github.com/harun/memgate/pkg/memory"
)

// SortTiered orders results in two tiers. Results whose similarity exceeds
// threshold come first, by similarity then strength. The rest follow by
// lexical relevance, then similarity.
func SortTiered(results []memory.Result, threshold float64) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		ta, tb := a.Similarity > threshold, b.Similarity > threshold
		if ta != tb {
			return ta
		}
		if ta {
			if a.Similarity != b.Similarity {
				return a.Similarity > b.Similarity
			}
			return a.Strength > b.Strength
		}
		if a.Relevance != b.Relevance {
			return a.Relevance > b.Relevance
		}
		return a.Similarity > b.Similarity
	})
}

func bySimilarity(results []memory.Result) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
}

func truncate(results []memory.Result, n int) []memory.Result {
	if n > 0 && len(results) > n {
		return results[:n]
	}
	return results
}
