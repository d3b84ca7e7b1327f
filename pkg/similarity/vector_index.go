package similarity

import (
	"context"
	"sync"
)

// Embedder is the subset of an embedding provider VectorIndex needs.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
	GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorIndex scores keys by cosine similarity of their embeddings. Key
// vectors are computed lazily on the first lookup that needs them and
// memoized until the key is removed. Only scores strictly above min are
// accepted. Embedding failures make Best report no match; they are never
// returned to the caller.
type VectorIndex struct {
	embedder Embedder

	mu      sync.Mutex
	vectors map[string][]float32
}

// NewVectorIndex creates a VectorIndex backed by embedder.
func NewVectorIndex(embedder Embedder) *VectorIndex {
	return &VectorIndex{
		embedder: embedder,
		vectors:  make(map[string][]float32),
	}
}

func (vi *VectorIndex) Add(key string) {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	if _, ok := vi.vectors[key]; !ok {
		vi.vectors[key] = nil
	}
}

func (vi *VectorIndex) Remove(key string) {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	delete(vi.vectors, key)
}

func (vi *VectorIndex) Len() int {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	return len(vi.vectors)
}

func (vi *VectorIndex) Reset() {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	vi.vectors = make(map[string][]float32)
}

func (vi *VectorIndex) Best(ctx context.Context, query string, min float64, accept func(string) bool) (Match, bool) {
	if vi.embedder == nil {
		return Match{}, false
	}

	// accept may take the caller's own locks, so it never runs under vi.mu.
	vi.mu.Lock()
	pending := make(map[string]bool, len(vi.vectors))
	for key, vec := range vi.vectors {
		pending[key] = vec == nil
	}
	vi.mu.Unlock()

	var missing []string
	live := 0
	for key, unembedded := range pending {
		if accept != nil && !accept(key) {
			continue
		}
		live++
		if unembedded {
			missing = append(missing, key)
		}
	}

	if live == 0 {
		return Match{}, false
	}

	qvec, err := vi.embedder.GenerateEmbedding(ctx, query)
	if err != nil || len(qvec) == 0 {
		return Match{}, false
	}

	if len(missing) > 0 {
		vecs, err := vi.embedder.GenerateEmbeddings(ctx, missing)
		if err == nil && len(vecs) == len(missing) {
			vi.mu.Lock()
			for i, key := range missing {
				// The key may have been evicted while we were embedding.
				if _, ok := vi.vectors[key]; ok {
					vi.vectors[key] = vecs[i]
				}
			}
			vi.mu.Unlock()
		}
	}

	vi.mu.Lock()
	candidates := make([]Match, 0, len(vi.vectors))
	for key, vec := range vi.vectors {
		if vec == nil {
			continue
		}
		candidates = append(candidates, Match{Key: key, Score: Cosine(qvec, vec)})
	}
	vi.mu.Unlock()

	sortMatches(candidates)
	for _, c := range candidates {
		if c.Score <= min {
			break
		}
		if accept == nil || accept(c.Key) {
			return c, true
		}
	}
	return Match{}, false
}
