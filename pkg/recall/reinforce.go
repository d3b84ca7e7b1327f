package recall

import (
	"context"
	"fmt"

	"github.com/harun/memgate/internal/tracing"
	"github.com/harun/memgate/pkg/memory"
	"github.com/harun/memgate/pkg/shard"
	"github.com/harun/memgate/pkg/store"
)

// reinforce strengthens the returned records, one batched store call per
// shard, without blocking the caller.
func (e *Engine) reinforce(ctx context.Context, results []memory.Result, p Params) {
	byShard := make(map[shard.Category][]memory.Result)
	var order []shard.Category
	for _, r := range results {
		c, err := shard.ParseCategory(r.Shard)
		if err != nil || r.Shard == "" || !c.Recallable() {
			continue
		}
		if _, ok := byShard[c]; !ok {
			order = append(order, c)
		}
		byShard[c] = append(byShard[c], r)
	}

	for _, c := range order {
		batch := byShard[c]
		task := func(ctx context.Context) error {
			return e.reinforceShard(ctx, c, batch, p)
		}
		if e.background == nil {
			go func() {
				if err := task(tracing.Detach(ctx)); err != nil {
					e.logger.Debug().Err(err).Str("shard", string(c)).Msg("Reinforcement failed")
				}
			}()
			continue
		}
		e.background.Submit(ctx, LaneReinforce, "reinforce:"+string(c), task)
	}
}

func (e *Engine) reinforceShard(ctx context.Context, c shard.Category, batch []memory.Result, p Params) error {
	ids := make([]string, len(batch))
	for i, r := range batch {
		ids[i] = r.ID
	}
	op := store.Reinforce(ids, p.ReinforceFactor, p.MaxStrength, e.now())
	if _, err := e.exec.Execute(ctx, c, op, shard.CallOptions{Timeout: p.ReinforceTimeout}); err != nil {
		return fmt.Errorf("reinforce %d records on %s: %w", len(ids), c, err)
	}
	if e.index != nil {
		for _, r := range batch {
			e.index.UpdateStrength(r.ID, store.Reinforced(r.Strength, p.ReinforceFactor, p.MaxStrength))
		}
	}
	return nil
}
