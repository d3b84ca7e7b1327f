// Package expansion caches judge-generated paraphrases of recall queries.
//
// Keys are normalized queries. A lookup tries the exact key first, then the
// cached key with the highest token overlap at or above the configured
// threshold. Misses ask the judge once per key; concurrent misses for the
// same key share a single judge call. The least recently hit entry is
// evicted on overflow, and the cache is persisted after every insert.
package expansion

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/memgate/internal/jsonfile"
	"github.com/harun/memgate/internal/observability"
	"github.com/harun/memgate/pkg/similarity"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultCapacity         = 500
	DefaultOverlapThreshold = 0.6
)

// Expander produces alternate phrasings for a query.
type Expander interface {
	Expand(ctx context.Context, query string) ([]string, error)
}

// Entry is a cached expansion.
type Entry struct {
	Queries []string  `json:"queries"`
	Hits    int       `json:"hits"`
	LastHit time.Time `json:"lastHit"`
	Created time.Time `json:"created"`
}

// Outcome describes how a lookup was answered.
type Outcome struct {
	Hit   bool
	Fuzzy bool
	// Key is the cached key that answered the lookup, or the new key on a miss.
	Key     string
	Overlap float64
}

// Config configures a Cache.
type Config struct {
	Capacity         int
	OverlapThreshold float64
	// Path of the persisted cache; empty keeps it in memory only.
	Path   string
	Judge  Expander
	Logger zerolog.Logger
	Now    func() time.Time
}

type item struct {
	key   string
	entry Entry
}

// Cache is an LRU of query expansions. Safe for concurrent use.
type Cache struct {
	path   string
	judge  Expander
	logger zerolog.Logger
	now    func() time.Time
	index  *similarity.TokenIndex
	flight singleflight.Group

	mu        sync.Mutex
	capacity  int
	threshold float64
	ll        *list.List // front is most recently hit
	items     map[string]*list.Element
}

// New creates a Cache and loads any persisted entries.
func New(cfg Config) *Cache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.OverlapThreshold <= 0 {
		cfg.OverlapThreshold = DefaultOverlapThreshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &Cache{
		path:      cfg.Path,
		judge:     cfg.Judge,
		logger:    cfg.Logger,
		now:       cfg.Now,
		index:     similarity.NewTokenIndex(),
		capacity:  cfg.Capacity,
		threshold: cfg.OverlapThreshold,
		ll:        list.New(),
		items:     make(map[string]*list.Element),
	}
	c.load()
	return c
}

// Lookup returns the alternate queries for query. Without a judge, or when
// the judge fails, it returns just the query and caches nothing.
func (c *Cache) Lookup(ctx context.Context, query string) ([]string, Outcome) {
	key := similarity.Normalize(query)
	if key == "" {
		return []string{query}, Outcome{}
	}

	if queries, out, ok := c.cached(ctx, key, query); ok {
		return queries, out
	}
	observability.RecordCacheLookup("expansion", "miss")

	if c.judge == nil {
		return []string{query}, Outcome{Key: key}
	}

	v, _, _ := c.flight.Do(key, func() (any, error) {
		// Another flight may have filled the key while this one queued.
		c.mu.Lock()
		if el, ok := c.items[key]; ok {
			queries := cloneQueries(el.Value.(*item).entry.Queries)
			c.mu.Unlock()
			return queries, nil
		}
		c.mu.Unlock()

		queries, err := c.judge.Expand(ctx, query)
		if err != nil || len(queries) == 0 {
			if err != nil {
				c.logger.Warn().Err(err).Str("query", query).Msg("Query expansion failed, using original query")
			}
			return []string{query}, nil
		}
		c.insert(key, queries)
		return cloneQueries(queries), nil
	})
	return cloneQueries(v.([]string)), Outcome{Key: key}
}

// Peek reports whether query would be answered from the cache, without
// bumping recency or calling the judge.
func (c *Cache) Peek(ctx context.Context, query string) ([]string, bool) {
	key := similarity.Normalize(query)
	if key == "" {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		return cloneQueries(el.Value.(*item).entry.Queries), true
	}
	m, ok := c.index.Best(ctx, query, c.threshold, nil)
	if !ok {
		return nil, false
	}
	if el, ok := c.items[m.Key]; ok {
		return cloneQueries(el.Value.(*item).entry.Queries), true
	}
	return nil, false
}

func (c *Cache) cached(ctx context.Context, key, query string) ([]string, Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		observability.RecordCacheLookup("expansion", "exact")
		return c.hitLocked(el), Outcome{Hit: true, Key: key, Overlap: 1}, true
	}

	m, ok := c.index.Best(ctx, query, c.threshold, nil)
	if !ok {
		return nil, Outcome{}, false
	}
	el, ok := c.items[m.Key]
	if !ok {
		return nil, Outcome{}, false
	}
	observability.RecordCacheLookup("expansion", "fuzzy")
	return c.hitLocked(el), Outcome{Hit: true, Fuzzy: true, Key: m.Key, Overlap: m.Score}, true
}

func (c *Cache) hitLocked(el *list.Element) []string {
	it := el.Value.(*item)
	it.entry.Hits++
	it.entry.LastHit = c.now()
	c.ll.MoveToFront(el)
	return cloneQueries(it.entry.Queries)
}

// Seed stores alternates for query as if the judge had produced them. It
// reports false when query normalizes to nothing or alternates is empty.
func (c *Cache) Seed(query string, alternates []string) bool {
	key := similarity.Normalize(query)
	if key == "" || len(alternates) == 0 {
		return false
	}
	c.insert(key, alternates)
	return true
}

func (c *Cache) insert(key string, queries []string) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*item).entry.Queries = cloneQueries(queries)
		c.ll.MoveToFront(el)
	} else {
		for c.ll.Len() >= c.capacity {
			c.removeLocked(c.ll.Back())
		}
		c.items[key] = c.ll.PushFront(&item{key: key, entry: Entry{
			Queries: cloneQueries(queries),
			LastHit: now,
			Created: now,
		}})
		c.index.Add(key)
	}
	observability.SetCacheSize("expansion", c.ll.Len())
	c.persistLocked()
}

func (c *Cache) removeLocked(el *list.Element) {
	it := c.ll.Remove(el).(*item)
	delete(c.items, it.key)
	c.index.Remove(it.key)
}

// EntryView is an entry listed for inspection.
type EntryView struct {
	Key string `json:"key" yaml:"key"`
	Entry
}

// Entries lists cached expansions, most hit first.
func (c *Cache) Entries() []EntryView {
	c.mu.Lock()
	out := make([]EntryView, 0, c.ll.Len())
	for el := c.ll.Front(); el != nil; el = el.Next() {
		it := el.Value.(*item)
		e := it.entry
		e.Queries = cloneQueries(e.Queries)
		out = append(out, EntryView{Key: it.key, Entry: e})
	}
	c.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Hits > out[j].Hits })
	return out
}

// Len returns the number of cached keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Clear drops every entry and returns how many were removed.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.ll.Len()
	c.ll.Init()
	c.items = make(map[string]*list.Element)
	c.index.Reset()
	observability.SetCacheSize("expansion", 0)
	c.persistLocked()
	return n
}

// WarmReport summarizes a Warm call.
type WarmReport struct {
	Warmed int `json:"warmed"`
	Cached int `json:"alreadyCached"`
}

// Warm expands each query, counting those that were already cached.
func (c *Cache) Warm(ctx context.Context, queries []string) WarmReport {
	var r WarmReport
	for _, q := range queries {
		if ctx.Err() != nil {
			break
		}
		if _, out := c.Lookup(ctx, q); out.Hit {
			r.Cached++
		} else {
			r.Warmed++
		}
	}
	return r
}

// SetOverlapThreshold changes the fuzzy match threshold.
func (c *Cache) SetOverlapThreshold(t float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t > 0 {
		c.threshold = t
	}
}

// Flush persists the cache.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persistLocked()
}

// persistLocked writes the cache as an array of [key, entry] pairs, least
// recently hit first.
func (c *Cache) persistLocked() error {
	if c.path == "" {
		return nil
	}
	pairs := make([][2]any, 0, c.ll.Len())
	for el := c.ll.Back(); el != nil; el = el.Prev() {
		it := el.Value.(*item)
		pairs = append(pairs, [2]any{it.key, it.entry})
	}
	if err := jsonfile.Write(c.path, pairs, false); err != nil {
		c.logger.Error().Err(err).Str("path", c.path).Msg("Failed to persist expansion cache")
		return err
	}
	return nil
}

func (c *Cache) load() {
	if c.path == "" {
		return
	}
	var pairs [][2]json.RawMessage
	found, err := jsonfile.Read(c.path, &pairs)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to load expansion cache")
		return
	}
	if !found {
		return
	}

	items := make([]item, 0, len(pairs))
	for _, p := range pairs {
		var it item
		if err := decodePair(p, &it); err != nil {
			c.logger.Debug().Err(err).Msg("Skipping malformed expansion entry")
			continue
		}
		// Hand-edited files may carry raw queries as keys.
		if it.key = similarity.Normalize(it.key); it.key == "" {
			continue
		}
		items = append(items, it)
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].entry.LastHit.Before(items[j].entry.LastHit)
	})
	if len(items) > c.capacity {
		items = items[len(items)-c.capacity:]
	}
	for i := range items {
		it := items[i]
		if el, ok := c.items[it.key]; ok {
			c.removeLocked(el)
		}
		c.items[it.key] = c.ll.PushFront(&it)
		c.index.Add(it.key)
	}
	observability.SetCacheSize("expansion", c.ll.Len())
	c.logger.Info().Int("count", c.ll.Len()).Msg("Loaded expansion cache")
}

func decodePair(p [2]json.RawMessage, it *item) error {
	if err := json.Unmarshal(p[0], &it.key); err != nil {
		return err
	}
	if err := json.Unmarshal(p[1], &it.entry); err != nil {
		return err
	}
	if it.key == "" || len(it.entry.Queries) == 0 {
		return fmt.Errorf("empty expansion entry")
	}
	return nil
}

func cloneQueries(qs []string) []string {
	return append([]string(nil), qs...)
}
