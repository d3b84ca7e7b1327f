package similarity

import (
	"context"
	"sort"
	"sync"
)

// Match is the best key found by an Index lookup.
type Match struct {
	Key   string
	Score float64
}

// Index finds the cached key most similar to a query. Keys are tokenized
// after normalization, as are queries.
type Index interface {
	Add(key string)
	Remove(key string)
	// Best returns the highest scoring key accepted by accept whose score
	// clears min. A nil accept admits every key.
	Best(ctx context.Context, query string, min float64, accept func(key string) bool) (Match, bool)
	Len() int
	Reset()
}

// TokenIndex scores keys by token-set overlap. An inverted index keeps lookups
// proportional to the keys that share at least one token with the query.
// Scores equal to min are accepted.
type TokenIndex struct {
	mu       sync.RWMutex
	keys     map[string]TokenSet
	postings map[string]map[string]struct{}
}

// NewTokenIndex creates an empty TokenIndex.
func NewTokenIndex() *TokenIndex {
	return &TokenIndex{
		keys:     make(map[string]TokenSet),
		postings: make(map[string]map[string]struct{}),
	}
}

func (ti *TokenIndex) Add(key string) {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	if _, exists := ti.keys[key]; exists {
		return
	}
	tokens := QueryTokens(key)
	ti.keys[key] = tokens
	for tok := range tokens {
		p, ok := ti.postings[tok]
		if !ok {
			p = make(map[string]struct{})
			ti.postings[tok] = p
		}
		p[key] = struct{}{}
	}
}

func (ti *TokenIndex) Remove(key string) {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	tokens, ok := ti.keys[key]
	if !ok {
		return
	}
	delete(ti.keys, key)
	for tok := range tokens {
		if p, ok := ti.postings[tok]; ok {
			delete(p, key)
			if len(p) == 0 {
				delete(ti.postings, tok)
			}
		}
	}
}

func (ti *TokenIndex) Best(_ context.Context, query string, min float64, accept func(string) bool) (Match, bool) {
	q := QueryTokens(query)
	if len(q) == 0 {
		return Match{}, false
	}

	ti.mu.RLock()
	shared := make(map[string]int)
	for tok := range q {
		for key := range ti.postings[tok] {
			shared[key]++
		}
	}
	candidates := make([]Match, 0, len(shared))
	for key, n := range shared {
		larger := len(q)
		if k := len(ti.keys[key]); k > larger {
			larger = k
		}
		candidates = append(candidates, Match{Key: key, Score: float64(n) / float64(larger)})
	}
	ti.mu.RUnlock()

	sortMatches(candidates)
	for _, c := range candidates {
		if c.Score < min {
			break
		}
		if accept == nil || accept(c.Key) {
			return c, true
		}
	}
	return Match{}, false
}

func (ti *TokenIndex) Len() int {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	return len(ti.keys)
}

func (ti *TokenIndex) Reset() {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	ti.keys = make(map[string]TokenSet)
	ti.postings = make(map[string]map[string]struct{})
}

// sortMatches orders by descending score, then key, so ties resolve the same
// way on every lookup.
func sortMatches(ms []Match) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].Score != ms[j].Score {
			return ms[i].Score > ms[j].Score
		}
		return ms[i].Key < ms[j].Key
	})
}
