package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/harun/memgate/internal/tracing"
	"github.com/harun/memgate/pkg/memory"
	"github.com/harun/memgate/pkg/recall"
	"github.com/harun/memgate/pkg/recallcache"
	"github.com/harun/memgate/pkg/shard"
	"go.opentelemetry.io/otel/attribute"
)

// MethodCache marks a recall answered from the recall cache.
const MethodCache = "cache"

// MatchInflight marks a recall that shared another caller's computation.
const MatchInflight = "inflight"

// RecallRequest is one recall.
type RecallRequest struct {
	Query string `json:"query"`
	// Limit overrides the configured maximum number of results.
	Limit int `json:"limit,omitempty"`
	// Shards restricts recall to these categories.
	Shards []string `json:"shards,omitempty"`
	// NoCache bypasses the recall cache.
	NoCache bool `json:"no_cache,omitempty"`
}

// RecallResponse is the ranked result of a recall.
type RecallResponse struct {
	Results     []memory.Result `json:"results"`
	Method      string          `json:"method"`
	Cached      bool            `json:"cached"`
	CacheMatch  string          `json:"cacheMatch,omitempty"`
	CacheMethod string          `json:"cacheMethod,omitempty"`
	Queries     []string        `json:"queries,omitempty"`
	Phases      *recall.Phases  `json:"phases,omitempty"`
	Duration    time.Duration   `json:"duration"`
}

// Recall answers query from the recall cache when it can and otherwise runs
// the full pipeline, caching the result. Every query is tracked for
// predictive warming, hit or miss.
func (g *Gateway) Recall(ctx context.Context, req RecallRequest) (*RecallResponse, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, ErrEmptyQuery
	}
	cats, err := parseShards(req.Shards)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "gateway.recall")
	defer span.End()
	start := time.Now()

	var live *recall.Response
	run := func(ctx context.Context) ([]memory.Result, error) {
		resp, err := g.engine.Run(ctx, recall.Request{Query: req.Query, Limit: req.Limit, Shards: cats})
		if err != nil {
			return nil, err
		}
		live = resp
		if resp.Method == recall.MethodUnavailable {
			return nil, errNoShards
		}
		return resp.Results, nil
	}

	out := &RecallResponse{}
	if g.cacheable(req, cats) {
		res, err := g.recalls.GetOrCompute(ctx, req.Query, recallcache.MethodLive, run)
		if err != nil && !errors.Is(err, errNoShards) {
			return nil, err
		}
		out.Results = res.Results
		switch {
		case err != nil && live != nil:
			out.fromLive(live)
		case err != nil:
			out.Method = recall.MethodUnavailable
		case res.Hit != nil:
			out.Method = MethodCache
			out.Cached = true
			out.CacheMatch = res.Hit.Match
			out.CacheMethod = res.Hit.Method
		case live != nil:
			out.fromLive(live)
		default:
			out.Method = MethodCache
			out.Cached = true
			out.CacheMatch = MatchInflight
		}
	} else {
		results, err := run(ctx)
		if err != nil && !errors.Is(err, errNoShards) {
			return nil, err
		}
		out.Results = results
		out.fromLive(live)
	}
	if out.Results == nil {
		out.Results = []memory.Result{}
	}
	out.Duration = time.Since(start)

	g.track(ctx, req.Query)

	span.SetAttributes(
		attribute.String("method", out.Method),
		attribute.Bool("cached", out.Cached),
		attribute.Int("results", len(out.Results)),
	)
	return out, nil
}

func (r *RecallResponse) fromLive(resp *recall.Response) {
	r.Method = resp.Method
	r.Queries = resp.Queries
	phases := resp.Phases
	r.Phases = &phases
}

// cacheable reports whether req is the plain form of a query. Restricted
// or resized recalls bypass the cache since entries are keyed by query
// text alone.
func (g *Gateway) cacheable(req RecallRequest, cats []shard.Category) bool {
	if req.NoCache || len(cats) > 0 {
		return false
	}
	return req.Limit <= 0 || req.Limit == g.engine.Params().MaxResults
}

func (g *Gateway) track(ctx context.Context, query string) {
	g.mu.RLock()
	enabled := g.warmEnabled
	g.mu.RUnlock()
	if enabled {
		g.warmer.Track(ctx, query)
	}
}

// speculativeRecall is the pipeline run by the warmer. Speculative results
// have not been seen by anyone, so nothing is reinforced.
func (g *Gateway) speculativeRecall(ctx context.Context, query string) ([]memory.Result, error) {
	resp, err := g.engine.Run(ctx, recall.Request{Query: query, NoReinforce: true})
	if err != nil {
		return nil, err
	}
	if resp.Method == recall.MethodUnavailable {
		return nil, errNoShards
	}
	return resp.Results, nil
}

// ExecutionFocus recalls procedural knowledge for carrying out intent.
func (g *Gateway) ExecutionFocus(ctx context.Context, intent string, limit int) ([]recall.FocusResult, error) {
	return g.engine.ExecutionFocus(ctx, intent, limit)
}

func parseShards(names []string) ([]shard.Category, error) {
	var out []shard.Category
	for _, n := range names {
		c, err := shard.ParseCategory(n)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
