package embedding

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// DefaultQueryCacheSize is the number of single-text embeddings memoized.
const DefaultQueryCacheSize = 200

// Cached memoizes single-text embeddings, which are mostly queries that
// repeat across recall, cache lookups and the warmer. Batch calls pass
// through uncached.
type Cached struct {
	Provider
	cache *ristretto.Cache
}

// NewCached wraps p with a cache holding roughly size vectors. Each vector
// costs 1 regardless of its byte size.
func NewCached(p Provider, size int) (*Cached, error) {
	if size <= 0 {
		size = DefaultQueryCacheSize
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        int64(size) * 10,
		MaxCost:            int64(size),
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}
	return &Cached{Provider: p, cache: cache}, nil
}

func (c *Cached) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		if vec, ok := v.([]float32); ok {
			return vec, nil
		}
	}
	vec, err := c.Provider.GenerateEmbedding(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(text, vec, 1)
	return vec, nil
}

// Wait blocks until pending cache writes are visible.
func (c *Cached) Wait() {
	c.cache.Wait()
}

// Close releases the cache.
func (c *Cached) Close() {
	c.cache.Close()
}
