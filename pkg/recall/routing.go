package recall

import (
	"context"

	"github.com/harun/memgate/internal/tracing"
	"github.com/harun/memgate/pkg/judge"
	"github.com/harun/memgate/pkg/memory"
	"github.com/harun/memgate/pkg/shard"
	"golang.org/x/sync/errgroup"
)

var routedCategories = []shard.Category{shard.Episodic, shard.Semantic, shard.Procedural}

// route asks one specialist router per category to pick from its
// candidates, then lets the synthesis router trim the union when it exceeds
// limit. It returns nothing when no router selected anything.
func (e *Engine) route(ctx context.Context, query string, pool []memory.Result, limit, maxPick int) ([]memory.Result, bool) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "recall.route")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, e.logger)

	buckets := make(map[shard.Category][]memory.Result, len(routedCategories))
	for _, r := range pool {
		c := bucketOf(r.Shard)
		buckets[c] = append(buckets[c], r)
	}

	picked := make([][]memory.Result, len(routedCategories))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(routedCategories))
	for i, c := range routedCategories {
		cands := buckets[c]
		if len(cands) == 0 {
			continue
		}
		g.Go(func() error {
			ranking, err := e.judge.Rank(gctx, query, string(c), toCandidates(cands), maxPick)
			if err != nil {
				logger.Warn().Err(err).Str("router", string(c)).Msg("Router failed")
				return nil
			}
			sel := make([]memory.Result, 0, len(ranking.Selected))
			for _, idx := range ranking.Selected {
				r := cands[idx]
				r.Router = string(c)
				sel = append(sel, r)
			}
			picked[i] = sel
			return nil
		})
	}
	_ = g.Wait()

	var selected []memory.Result
	seen := make(map[string]bool)
	for _, rs := range picked {
		for _, r := range rs {
			if !seen[r.ID] {
				seen[r.ID] = true
				selected = append(selected, r)
			}
		}
	}
	if len(selected) <= limit {
		return selected, false
	}

	synthesis, err := e.judge.Merge(ctx, query, toCandidates(selected), limit)
	if err != nil || len(synthesis.Selected) == 0 {
		if err != nil {
			logger.Warn().Err(err).Msg("Synthesis failed, keeping router order")
		}
		return selected[:limit], false
	}
	out := make([]memory.Result, 0, len(synthesis.Selected))
	for _, idx := range synthesis.Selected {
		out = append(out, selected[idx])
	}
	return out, true
}

// bucketOf maps a record's shard to its router; anything unrecognised goes
// to the semantic router.
func bucketOf(name string) shard.Category {
	c, err := shard.ParseCategory(name)
	if err != nil || name == "" {
		return shard.Semantic
	}
	switch c {
	case shard.Episodic, shard.Procedural:
		return c
	default:
		return shard.Semantic
	}
}

func toCandidates(rs []memory.Result) []judge.Candidate {
	out := make([]judge.Candidate, len(rs))
	for i, r := range rs {
		out[i] = judge.Candidate{Event: r.Event, Content: r.Content, Shard: r.Shard}
	}
	return out
}
