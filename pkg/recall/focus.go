package recall

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/harun/memgate/pkg/memory"
	"github.com/harun/memgate/pkg/shard"
)

// Boosts applied by ExecutionFocus on top of similarity.
var (
	sourceBoosts = map[string]float64{
		"execution-awareness": 0.2,
	}
	categoryBoosts = map[string]float64{
		"execution-pattern": 0.15,
		"tool-catalog":      0.1,
		"failure-memory":    0.05,
	}
)

// FocusResult is a procedural record scored for an execution intent.
type FocusResult struct {
	memory.Result
	Score float64 `json:"executionScore"`
}

// ExecutionFocus recalls procedural knowledge for carrying out intent:
// how-tos, tools and known failure modes. It over-fetches three times limit
// and keeps the best limit by similarity plus context boosts.
func (e *Engine) ExecutionFocus(ctx context.Context, intent string, limit int) ([]FocusResult, error) {
	if limit <= 0 {
		limit = 5
	}
	query := fmt.Sprintf("%s. how to %s. tool for %s. %s workflow pattern", intent, intent, intent, intent)
	if strings.TrimSpace(intent) == "" {
		query = ""
	}
	resp, err := e.Run(ctx, Request{
		Query:     query,
		Limit:     limit * 3,
		Shards:    []shard.Category{shard.Procedural},
		NoRouting: true,
	})
	if err != nil {
		return nil, err
	}

	scored := make([]FocusResult, len(resp.Results))
	for i, r := range resp.Results {
		scored[i] = FocusResult{Result: r, Score: r.Similarity + executionBoost(r.Context)}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func executionBoost(ctx map[string]any) float64 {
	var boost float64
	if s, ok := ctx["source"].(string); ok {
		boost += sourceBoosts[s]
	}
	if c, ok := ctx["category"].(string); ok {
		boost += categoryBoosts[c]
	}
	return boost
}
