// Package embedcache is the local index of every stored record's vector. It
// answers similarity searches without a round trip to the store and is the
// reference set for write deduplication.
package embedcache

import (
	"context"
	"sort"
	"sync"

	"github.com/harun/memgate/internal/jsonfile"
	"github.com/harun/memgate/internal/observability"
	"github.com/harun/memgate/pkg/similarity"
	"github.com/rs/zerolog"
)

// Metadata is what the cache remembers about a record besides its vector.
type Metadata struct {
	Event    string  `json:"trigger"`
	Content  string  `json:"content"`
	Strength float64 `json:"strength"`
	Type     string  `json:"type"`
	Shard    string  `json:"shard"`

	// Context is the record's context map, kept so ranking can read tags
	// such as source and category without a store round trip.
	Context map[string]any `json:"context,omitempty"`
}

// Entry is one cached record.
type Entry struct {
	ID       string    `json:"id"`
	Vector   []float32 `json:"vector"`
	Metadata Metadata  `json:"metadata"`
}

// Hit is an entry scored against a query vector.
type Hit struct {
	Entry
	Similarity float64
}

// Cache is append-only; re-adding an id replaces its entry. Safe for
// concurrent use.
type Cache struct {
	path   string
	logger zerolog.Logger

	mu      sync.RWMutex
	entries []Entry
	byID    map[string]int
	dirty   bool
}

// Open loads the cache at path. An empty path keeps it in memory only.
func Open(path string, logger zerolog.Logger) (*Cache, error) {
	c := &Cache{path: path, logger: logger, byID: make(map[string]int)}
	if path != "" {
		var entries []Entry
		found, err := jsonfile.Read(path, &entries)
		if err != nil {
			// A corrupt cache only costs recall quality; start empty.
			logger.Warn().Err(err).Msg("Failed to load embedding cache")
		} else if found {
			logger.Info().Int("count", len(entries)).Msg("Loaded embedding cache")
		}
		for _, e := range entries {
			c.putLocked(e)
		}
	}
	observability.SetCacheSize("embedding", len(c.entries))
	return c, nil
}

func (c *Cache) putLocked(e Entry) {
	if i, ok := c.byID[e.ID]; ok {
		c.entries[i] = e
		return
	}
	c.byID[e.ID] = len(c.entries)
	c.entries = append(c.entries, e)
}

// Add stores e and persists the cache. Entries without a vector are ignored.
func (c *Cache) Add(e Entry) error {
	if len(e.Vector) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(e)
	c.dirty = true
	observability.SetCacheSize("embedding", len(c.entries))
	return c.persistLocked()
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Get returns the entry with id.
func (c *Cache) Get(id string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.byID[id]
	if !ok {
		return Entry{}, false
	}
	return c.entries[i], true
}

// Search returns up to limit entries whose similarity to vec is strictly
// above floor, best first. keep, when non-nil, filters entries by metadata.
func (c *Cache) Search(ctx context.Context, vec []float32, floor float64, limit int, keep func(Metadata) bool) []Hit {
	if len(vec) == 0 {
		return nil
	}
	c.mu.RLock()
	var hits []Hit
	for i, e := range c.entries {
		if i%1024 == 0 && ctx.Err() != nil {
			break
		}
		if keep != nil && !keep(e.Metadata) {
			continue
		}
		sim := similarity.Cosine(vec, e.Vector)
		if sim > floor {
			hits = append(hits, Hit{Entry: e, Similarity: sim})
		}
	}
	c.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Similarity > hits[j].Similarity
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// Nearest returns the entry most similar to vec.
func (c *Cache) Nearest(vec []float32) (Hit, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var (
		best  Hit
		found bool
	)
	for _, e := range c.entries {
		sim := similarity.Cosine(vec, e.Vector)
		if !found || sim > best.Similarity {
			best = Hit{Entry: e, Similarity: sim}
			found = true
		}
	}
	return best, found
}

// UpdateStrength records a new strength for id without persisting.
func (c *Cache) UpdateStrength(id string, strength float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i, ok := c.byID[id]; ok {
		c.entries[i].Metadata.Strength = strength
		c.dirty = true
	}
}

// Flush persists the cache if it changed since the last write.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return nil
	}
	return c.persistLocked()
}

func (c *Cache) persistLocked() error {
	if c.path == "" {
		c.dirty = false
		return nil
	}
	entries := c.entries
	if entries == nil {
		entries = []Entry{}
	}
	if err := jsonfile.Write(c.path, entries, false); err != nil {
		c.logger.Error().Err(err).Msg("Failed to persist embedding cache")
		return err
	}
	c.dirty = false
	return nil
}
