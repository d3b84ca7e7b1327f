// Package recallcache holds full recall result sets for a short TTL.
//
// A lookup tries, in order, the exact normalized key, the live key whose
// embedding is most similar to the query, and the live key with the best
// token overlap. GetOrCompute guarantees that effectively identical queries
// run the recall pipeline at most once per TTL window. On overflow the entry
// created first is evicted. Empty result sets are kept for NegativeTTL and
// only answer exact lookups.
package recallcache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/harun/memgate/internal/observability"
	"github.com/harun/memgate/pkg/memory"
	"github.com/harun/memgate/pkg/similarity"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultCapacity          = 100
	DefaultTTL               = 5 * time.Minute
	DefaultNegativeTTL       = 30 * time.Second
	DefaultSemanticThreshold = 0.75
	DefaultOverlapThreshold  = 0.6

	MethodLive        = "live"
	MethodSpeculative = "speculative"
)

// Match kinds reported by Lookup.
const (
	MatchExact    = "exact"
	MatchSemantic = "semantic"
	MatchFuzzy    = "fuzzy"
)

type entry struct {
	key       string
	results   []memory.Result
	method    string
	createdAt time.Time
	ttl       time.Duration
	hits      int
}

// Hit is a cached result set returned by a lookup.
type Hit struct {
	Results []memory.Result
	Method  string
	Match   string
	Key     string
	Score   float64
	Age     time.Duration
}

// Config configures a Cache.
type Config struct {
	Capacity          int
	TTL               time.Duration
	NegativeTTL       time.Duration
	SemanticThreshold float64
	OverlapThreshold  float64
	// Embedder enables semantic key matching; nil disables it.
	Embedder similarity.Embedder
	Now      func() time.Time
}

// Cache is safe for concurrent use. No lock is held while embedding.
type Cache struct {
	ttl     time.Duration
	negTTL  time.Duration
	now     func() time.Time
	tokens  *similarity.TokenIndex
	vectors *similarity.VectorIndex
	flight  singleflight.Group

	mu         sync.Mutex
	capacity   int
	semThresh  float64
	overlapThr float64
	ll         *list.List // front was created first
	items      map[string]*list.Element
}

// New creates an empty Cache.
func New(cfg Config) *Cache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = DefaultNegativeTTL
	}
	if cfg.NegativeTTL > cfg.TTL {
		cfg.NegativeTTL = cfg.TTL
	}
	if cfg.SemanticThreshold <= 0 {
		cfg.SemanticThreshold = DefaultSemanticThreshold
	}
	if cfg.OverlapThreshold <= 0 {
		cfg.OverlapThreshold = DefaultOverlapThreshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &Cache{
		ttl:        cfg.TTL,
		negTTL:     cfg.NegativeTTL,
		now:        cfg.Now,
		tokens:     similarity.NewTokenIndex(),
		capacity:   cfg.Capacity,
		semThresh:  cfg.SemanticThreshold,
		overlapThr: cfg.OverlapThreshold,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
	}
	if cfg.Embedder != nil {
		c.vectors = similarity.NewVectorIndex(cfg.Embedder)
	}
	return c
}

// Lookup returns the cached result set for query, counting a hit.
func (c *Cache) Lookup(ctx context.Context, query string) (Hit, bool) {
	hit, ok := c.find(ctx, query, true)
	if !ok {
		observability.RecordCacheLookup("recall", "miss")
		return Hit{}, false
	}
	observability.RecordCacheLookup("recall", hit.Match)
	return hit, true
}

// Contains reports whether Lookup would hit, without counting a hit.
func (c *Cache) Contains(ctx context.Context, query string) bool {
	_, ok := c.find(ctx, query, false)
	return ok
}

func (c *Cache) find(ctx context.Context, query string, bump bool) (Hit, bool) {
	key := similarity.Normalize(query)
	if key == "" {
		return Hit{}, false
	}

	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		if !c.expiredLocked(el.Value.(*entry)) {
			hit := c.hitLocked(el, MatchExact, 1, bump)
			c.mu.Unlock()
			return hit, true
		}
		c.removeLocked(el)
	}
	semThresh, overlapThr := c.semThresh, c.overlapThr
	c.mu.Unlock()

	if c.vectors != nil {
		if m, ok := c.vectors.Best(ctx, query, semThresh, c.live); ok {
			if hit, ok := c.claim(m, MatchSemantic, bump); ok {
				return hit, true
			}
		}
	}
	if m, ok := c.tokens.Best(ctx, query, overlapThr, c.live); ok {
		if hit, ok := c.claim(m, MatchFuzzy, bump); ok {
			return hit, true
		}
	}
	return Hit{}, false
}

// claim re-checks a match found outside the lock; the entry may have been
// evicted or expired in between.
func (c *Cache) claim(m similarity.Match, kind string, bump bool) (Hit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[m.Key]
	if !ok || c.expiredLocked(el.Value.(*entry)) {
		return Hit{}, false
	}
	return c.hitLocked(el, kind, m.Score, bump), true
}

func (c *Cache) live(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	return ok && !c.expiredLocked(el.Value.(*entry))
}

func (c *Cache) expiredLocked(e *entry) bool {
	return c.now().Sub(e.createdAt) >= e.ttl
}

func (c *Cache) hitLocked(el *list.Element, kind string, score float64, bump bool) Hit {
	e := el.Value.(*entry)
	if bump {
		e.hits++
	}
	return Hit{
		Results: memory.CloneResults(e.results),
		Method:  e.method,
		Match:   kind,
		Key:     e.key,
		Score:   score,
		Age:     c.now().Sub(e.createdAt),
	}
}

// Set stores results for query. An empty result set is stored for the
// negative TTL and is left out of the similarity indexes.
func (c *Cache) Set(query string, results []memory.Result, method string) {
	key := similarity.Normalize(query)
	if key == "" {
		return
	}
	negative := len(results) == 0
	e := &entry{
		key:       key,
		results:   memory.CloneResults(results),
		method:    method,
		createdAt: c.now(),
		ttl:       c.ttl,
	}
	if negative {
		e.ttl = c.negTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
	for c.ll.Len() >= c.capacity {
		c.removeLocked(c.ll.Front())
	}
	c.items[key] = c.ll.PushBack(e)
	if !negative {
		c.tokens.Add(key)
		if c.vectors != nil {
			c.vectors.Add(key)
		}
	}
	observability.SetCacheSize("recall", c.ll.Len())
}

func (c *Cache) removeLocked(el *list.Element) {
	e := c.ll.Remove(el).(*entry)
	delete(c.items, e.key)
	c.tokens.Remove(e.key)
	if c.vectors != nil {
		c.vectors.Remove(e.key)
	}
	observability.SetCacheSize("recall", c.ll.Len())
}

// ComputeFunc runs the recall pipeline for a query.
type ComputeFunc func(ctx context.Context) ([]memory.Result, error)

// Resolution is the outcome of GetOrCompute.
type Resolution struct {
	Results []memory.Result
	// Hit is set when the results came from the cache.
	Hit *Hit
	// Shared is set when another caller's in-flight computation was reused.
	Shared bool
}

// GetOrCompute returns the cached results for query or runs compute once for
// all concurrent callers with the same normalized query, storing the result
// under method.
func (c *Cache) GetOrCompute(ctx context.Context, query, method string, compute ComputeFunc) (Resolution, error) {
	if hit, ok := c.Lookup(ctx, query); ok {
		return Resolution{Results: hit.Results, Hit: &hit}, nil
	}

	key := similarity.Normalize(query)
	if key == "" {
		results, err := compute(ctx)
		return Resolution{Results: results}, err
	}

	v, err, shared := c.flight.Do(key, func() (any, error) {
		if hit, ok := c.find(ctx, query, false); ok {
			return hit.Results, nil
		}
		results, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(query, results, method)
		return results, nil
	})
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{Results: memory.CloneResults(v.([]memory.Result)), Shared: shared}, nil
}

// EntryView describes a cached entry for inspection.
type EntryView struct {
	Key       string        `json:"key" yaml:"key"`
	Method    string        `json:"method" yaml:"method"`
	Hits      int           `json:"hits" yaml:"hits"`
	Size      int           `json:"results" yaml:"results"`
	Age       time.Duration `json:"age" yaml:"age"`
	ExpiresIn time.Duration `json:"expiresIn" yaml:"expiresIn"`
}

// Entries lists live entries, oldest first.
func (c *Cache) Entries() []EntryView {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	out := make([]EntryView, 0, c.ll.Len())
	for el := c.ll.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		age := now.Sub(e.createdAt)
		if age >= e.ttl {
			continue
		}
		out = append(out, EntryView{
			Key:       e.key,
			Method:    e.method,
			Hits:      e.hits,
			Size:      len(e.results),
			Age:       age,
			ExpiresIn: e.ttl - age,
		})
	}
	return out
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Prune removes expired entries and returns how many were dropped.
func (c *Cache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for el := c.ll.Front(); el != nil; {
		next := el.Next()
		if c.expiredLocked(el.Value.(*entry)) {
			c.removeLocked(el)
			n++
		}
		el = next
	}
	return n
}

// SetThresholds changes the key matching thresholds; non-positive values
// leave the current setting.
func (c *Cache) SetThresholds(semantic, overlap float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if semantic > 0 {
		c.semThresh = semantic
	}
	if overlap > 0 {
		c.overlapThr = overlap
	}
}
