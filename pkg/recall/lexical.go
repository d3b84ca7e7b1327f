package recall

import (
	"context"

	"github.com/harun/memgate/internal/tracing"
	"github.com/harun/memgate/pkg/memory"
	"github.com/harun/memgate/pkg/shard"
	"github.com/harun/memgate/pkg/similarity"
	"github.com/harun/memgate/pkg/store"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// lexical searches each shard for the query's words in parallel. A failing
// shard contributes nothing.
func (e *Engine) lexical(ctx context.Context, query string, shards []shard.Category, limit int) []memory.Result {
	words := similarity.Words(query)
	if len(words) == 0 {
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "recall.lexical", attribute.Int("shards", len(shards)))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, e.logger)

	found := make([][]memory.Result, len(shards))
	now := e.now()
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range shards {
		g.Go(func() error {
			res, err := e.exec.Execute(gctx, c, store.Search(words, limit, now), shard.CallOptions{})
			if err != nil {
				logger.Warn().Err(err).Str("shard", string(c)).Msg("Lexical search failed")
				return nil
			}
			rows := make([]memory.Result, 0, len(res.Rows))
			for _, row := range res.Rows {
				rows = append(rows, rowResult(c, row))
			}
			found[i] = rows
			return nil
		})
	}
	_ = g.Wait()

	var out []memory.Result
	seen := make(map[string]bool)
	for _, rows := range found {
		for _, r := range rows {
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			out = append(out, r)
		}
	}
	return out
}

func rowResult(c shard.Category, row store.Row) memory.Result {
	rec := row.Record
	sh := rec.Shard
	if sh == "" {
		sh = string(c)
	}
	return memory.Result{
		ID:           rec.ID,
		Shard:        sh,
		Event:        rec.Event,
		Content:      rec.Content,
		Context:      rec.Context,
		Strength:     rec.Strength,
		Signal:       rec.Signal,
		Relevance:    row.Relevance,
		Source:       memory.SourceLexical,
		Associations: row.Associations,
	}
}
