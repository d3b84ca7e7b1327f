// Package recall implements the tiered retrieval pipeline.
//
// A query is embedded and scored against the local embedding index while the
// expansion cache supplies paraphrases; the paraphrases are searched too.
// When the semantic phase is strong enough the lexical phase is skipped.
// Otherwise every available shard is searched by keyword in parallel and the
// two result sets are merged in two tiers. With a judge configured, one
// specialist router per category picks from the candidates and a synthesis
// call trims the selection. Returned records are reinforced in the
// background.
package recall

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harun/memgate/internal/observability"
	"github.com/harun/memgate/internal/tracing"
	"github.com/harun/memgate/pkg/commandqueue"
	"github.com/harun/memgate/pkg/embedcache"
	"github.com/harun/memgate/pkg/expansion"
	"github.com/harun/memgate/pkg/judge"
	"github.com/harun/memgate/pkg/memory"
	"github.com/harun/memgate/pkg/shard"
	"github.com/harun/memgate/pkg/similarity"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const tracerName = "memgate.recall"

// ErrEmptyQuery is returned for a blank query.
var ErrEmptyQuery = errors.New("query is required")

// Recall methods.
const (
	MethodSemantic    = "semantic"
	MethodTiered      = "tiered"
	MethodRouted      = "routed"
	MethodUnavailable = "unavailable"
)

// Lanes used for background work.
const LaneReinforce = "reinforce"

// Embedder turns a query into a vector.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// Index is the local vector index searched by the semantic phase.
type Index interface {
	Search(ctx context.Context, vec []float32, floor float64, limit int, keep func(embedcache.Metadata) bool) []embedcache.Hit
	UpdateStrength(id string, strength float64)
}

// Expander supplies alternate phrasings for a query.
type Expander interface {
	Lookup(ctx context.Context, query string) ([]string, expansion.Outcome)
}

// Submitter runs best-effort background tasks.
type Submitter interface {
	Submit(ctx context.Context, lane, name string, task commandqueue.Task) bool
}

// Config wires an Engine. Embedder, Expander, Judge and Background are
// optional.
type Config struct {
	Executor   *shard.Executor
	Index      Index
	Embedder   Embedder
	Expander   Expander
	Judge      judge.Judge
	Background Submitter
	Params     Params
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Request is one recall.
type Request struct {
	Query string
	// Limit overrides Params.MaxResults.
	Limit int
	// Shards restricts recall to these categories.
	Shards []shard.Category
	// NoRouting skips the judge even when one is configured.
	NoRouting bool
	// NoReinforce skips reinforcement of the returned records.
	NoReinforce bool
}

// Phases records what each stage of a recall did.
type Phases struct {
	Semantic     time.Duration `json:"semantic"`
	Lexical      time.Duration `json:"lexical,omitempty"`
	Routing      time.Duration `json:"routing,omitempty"`
	Candidates   int           `json:"candidates"`
	ExpansionHit bool          `json:"expansionHit"`
	FastPath     bool          `json:"fastPath"`
	Synthesized  bool          `json:"synthesized"`
	Fallback     bool          `json:"fallback"`
}

// Response is the ranked result of a recall.
type Response struct {
	Results []memory.Result `json:"results"`
	Method  string          `json:"method"`
	Queries []string        `json:"queries"`
	Phases  Phases          `json:"phases"`
}

// Engine runs the recall pipeline. Safe for concurrent use.
type Engine struct {
	exec       *shard.Executor
	index      Index
	embedder   Embedder
	expander   Expander
	judge      judge.Judge
	background Submitter
	logger     zerolog.Logger
	now        func() time.Time

	mu     sync.RWMutex
	params Params
}

// New creates an Engine.
func New(cfg Config) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		exec:       cfg.Executor,
		index:      cfg.Index,
		embedder:   cfg.Embedder,
		expander:   cfg.Expander,
		judge:      cfg.Judge,
		background: cfg.Background,
		logger:     cfg.Logger,
		now:        cfg.Now,
		params:     cfg.Params.withDefaults(),
	}
}

// Params returns the current settings.
func (e *Engine) Params() Params {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.params
}

// SetParams replaces the settings; zero fields take defaults.
func (e *Engine) SetParams(p Params) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.params = p.withDefaults()
}

// Run executes the full pipeline for req.
func (e *Engine) Run(ctx context.Context, req Request) (*Response, error) {
	if similarity.Normalize(req.Query) == "" {
		return nil, ErrEmptyQuery
	}
	p := e.Params()
	limit := req.Limit
	if limit <= 0 {
		limit = p.MaxResults
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "recall.run",
		attribute.Int("limit", limit),
		attribute.Int("shards", len(req.Shards)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, e.logger)
	start := time.Now()

	allowed := e.allowed(req.Shards)
	available := e.available(allowed)
	resp := &Response{Queries: []string{req.Query}}
	if len(available) == 0 {
		logger.Warn().Msg("No shard available for recall")
		resp.Method = MethodUnavailable
		resp.Results = []memory.Result{}
		observability.RecordRecall(resp.Method, time.Since(start))
		return resp, nil
	}

	keep := func(m embedcache.Metadata) bool {
		c, err := shard.ParseCategory(shardOf(m))
		return err == nil && allowed[c]
	}

	// Phase 1: semantic search runs alongside query expansion.
	semStart := time.Now()
	var (
		qvec    []float32
		base    []memory.Result
		queries = []string{req.Query}
		outcome expansion.Outcome
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		qvec = e.embed(gctx, req.Query)
		base = e.semantic(gctx, qvec, max(p.SemanticLimit, limit), p.Floor, keep)
		return nil
	})
	if e.expander != nil {
		g.Go(func() error {
			queries, outcome = e.expander.Lookup(gctx, req.Query)
			return nil
		})
	}
	_ = g.Wait()
	resp.Queries = queries
	resp.Phases.ExpansionHit = outcome.Hit

	candidates := e.withAlternates(ctx, base, req.Query, queries, p, keep)
	bySimilarity(candidates)
	candidates = truncate(candidates, max(p.CandidatePool, limit))
	resp.Phases.Semantic = time.Since(semStart)

	minHits := p.FastPathMinHits
	if minHits <= 0 {
		minHits = limit
	}
	ranked := candidates
	if len(candidates) >= minHits && len(candidates) > 0 && candidates[0].Similarity > p.FastPathThreshold {
		resp.Phases.FastPath = true
		resp.Method = MethodSemantic
	} else {
		// Phase 2: keyword search on every available shard.
		lexStart := time.Now()
		lexical := e.lexical(ctx, req.Query, available, limit)
		ranked = merge(candidates, lexical)
		SortTiered(ranked, p.TierThreshold)
		resp.Phases.Lexical = time.Since(lexStart)
		resp.Method = MethodTiered
	}
	resp.Phases.Candidates = len(ranked)

	results := truncate(ranked, limit)
	if e.judge != nil && !p.DisableRouting && !req.NoRouting && len(ranked) > 0 {
		routeStart := time.Now()
		pool := truncate(ranked, p.CandidatePool)
		routed, synthesized := e.route(ctx, req.Query, pool, limit, p.RouterMaxPick)
		resp.Phases.Routing = time.Since(routeStart)
		resp.Phases.Synthesized = synthesized
		if len(routed) > 0 {
			results = routed
			resp.Method = MethodRouted
		} else {
			resp.Phases.Fallback = true
		}
	}

	resp.Results = memory.CloneResults(results)
	if resp.Results == nil {
		resp.Results = []memory.Result{}
	}
	if !req.NoReinforce {
		e.reinforce(ctx, resp.Results, p)
	}

	observability.RecordRecall(resp.Method, time.Since(start))
	span.SetAttributes(attribute.String("method", resp.Method), attribute.Int("results", len(resp.Results)))
	logger.Debug().
		Str("method", resp.Method).
		Int("results", len(resp.Results)).
		Int("candidates", resp.Phases.Candidates).
		Dur("duration", time.Since(start)).
		Msg("Recall completed")
	return resp, nil
}

func (e *Engine) allowed(requested []shard.Category) map[shard.Category]bool {
	out := make(map[shard.Category]bool)
	if len(requested) == 0 {
		requested = shard.RecallableCategories()
	}
	for _, c := range requested {
		if c.Recallable() {
			out[c] = true
		}
	}
	return out
}

// available lists allowed shards not known to be offline, in registry order.
func (e *Engine) available(allowed map[shard.Category]bool) []shard.Category {
	var out []shard.Category
	for _, c := range e.exec.Registry().Available() {
		if allowed[c] {
			out = append(out, c)
		}
	}
	return out
}

func (e *Engine) embed(ctx context.Context, text string) []float32 {
	if e.embedder == nil {
		return nil
	}
	vec, err := e.embedder.GenerateEmbedding(ctx, text)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, e.logger)
		logger.Warn().Err(err).Msg("Query embedding unavailable, skipping semantic phase")
		return nil
	}
	return vec
}

func (e *Engine) semantic(ctx context.Context, vec []float32, limit int, floor float64, keep func(embedcache.Metadata) bool) []memory.Result {
	if len(vec) == 0 || e.index == nil {
		return nil
	}
	hits := e.index.Search(ctx, vec, floor, limit, keep)
	out := make([]memory.Result, 0, len(hits))
	for _, h := range hits {
		out = append(out, memory.Result{
			ID:         h.ID,
			Shard:      shardOf(h.Metadata),
			Event:      h.Metadata.Event,
			Content:    h.Metadata.Content,
			Context:    h.Metadata.Context,
			Strength:   h.Metadata.Strength,
			Similarity: h.Similarity,
			Source:     memory.SourceSemantic,
		})
	}
	return out
}

// withAlternates searches every paraphrase other than the query itself and
// keeps the best similarity per record.
func (e *Engine) withAlternates(ctx context.Context, base []memory.Result, query string, queries []string, p Params, keep func(embedcache.Metadata) bool) []memory.Result {
	best := make(map[string]memory.Result, len(base))
	order := make([]string, 0, len(base))
	add := func(rs []memory.Result) {
		for _, r := range rs {
			cur, ok := best[r.ID]
			if !ok {
				order = append(order, r.ID)
			}
			if !ok || r.Similarity > cur.Similarity {
				best[r.ID] = r
			}
		}
	}
	add(base)

	norm := similarity.Normalize(query)
	var extra []string
	for _, q := range queries {
		if similarity.Normalize(q) != norm {
			extra = append(extra, q)
		}
	}
	if len(extra) > 0 && e.embedder != nil && e.index != nil {
		found := make([][]memory.Result, len(extra))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(4)
		for i, q := range extra {
			g.Go(func() error {
				found[i] = e.semantic(gctx, e.embed(gctx, q), p.AlternateLimit, p.Floor, keep)
				return nil
			})
		}
		_ = g.Wait()
		for _, rs := range found {
			add(rs)
		}
	}

	out := make([]memory.Result, 0, len(order))
	for _, id := range order {
		out = append(out, best[id])
	}
	return out
}

// merge folds lexical rows into the semantic candidates. A record found by
// both keeps its similarity and gains the lexical relevance and associations.
func merge(semantic, lexical []memory.Result) []memory.Result {
	out := memory.CloneResults(semantic)
	pos := make(map[string]int, len(out))
	for i, r := range out {
		pos[r.ID] = i
	}
	for _, r := range lexical {
		if i, ok := pos[r.ID]; ok {
			out[i].Relevance = r.Relevance
			if len(out[i].Associations) == 0 {
				out[i].Associations = r.Associations
			}
			if out[i].Context == nil {
				out[i].Context = r.Context
			}
			continue
		}
		pos[r.ID] = len(out)
		out = append(out, r)
	}
	return out
}

func shardOf(m embedcache.Metadata) string {
	if m.Shard != "" {
		return m.Shard
	}
	return m.Type
}
