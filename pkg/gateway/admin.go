package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/memgate/internal/tracing"
	"github.com/harun/memgate/pkg/expansion"
	"github.com/harun/memgate/pkg/hooks"
	"github.com/harun/memgate/pkg/memory"
	"github.com/harun/memgate/pkg/recallcache"
	"github.com/harun/memgate/pkg/shard"
	"github.com/harun/memgate/pkg/store"
	"github.com/harun/memgate/pkg/warmer"
)

// Overall service states.
const (
	StateHealthy  = "healthy"
	StateDegraded = "degraded"
	StateOffline  = "offline"
)

// HealthReport is the current shard health without touching the store.
type HealthReport struct {
	Status       string              `json:"status" yaml:"status"`
	Online       int                 `json:"online" yaml:"online"`
	Total        int                 `json:"total" yaml:"total"`
	QueuedWrites int                 `json:"queuedWrites" yaml:"queuedWrites"`
	Shards       []shard.ShardHealth `json:"shards" yaml:"shards"`
}

// ShardStats is one shard's line in a StatsReport.
type ShardStats struct {
	Shard       string       `json:"shard" yaml:"shard"`
	Role        string       `json:"role" yaml:"role"`
	Status      shard.Status `json:"status" yaml:"status"`
	Memories    int          `json:"memories" yaml:"memories"`
	Links       int          `json:"relationships" yaml:"relationships"`
	AvgStrength float64      `json:"avgStrength" yaml:"avgStrength"`
	Error       string       `json:"error,omitempty" yaml:"error,omitempty"`
}

// StatsReport summarises every shard.
type StatsReport struct {
	Status         string       `json:"status" yaml:"status"`
	Shards         []ShardStats `json:"shards" yaml:"shards"`
	TotalMemories  int          `json:"totalMemories" yaml:"totalMemories"`
	TotalLinks     int          `json:"totalRelationships" yaml:"totalRelationships"`
	Online         int          `json:"online" yaml:"online"`
	QueuedWrites   int          `json:"queuedWrites" yaml:"queuedWrites"`
	IndexedVectors int          `json:"indexedVectors" yaml:"indexedVectors"`
	Expansions     int          `json:"expansions" yaml:"expansions"`
	CachedRecalls  int          `json:"cachedRecalls" yaml:"cachedRecalls"`
}

// DecayReport summarises a decay sweep.
type DecayReport struct {
	Shards  map[string]store.DecayReport `json:"shards" yaml:"shards"`
	Skipped []string                     `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Decayed int                          `json:"decayed" yaml:"decayed"`
	Dead    int                          `json:"dead" yaml:"dead"`
}

// CheckHealth polls every shard once and returns the resulting health.
func (g *Gateway) CheckHealth(ctx context.Context) []shard.ShardHealth {
	return g.monitor.CheckNow(ctx)
}

// Health reports shard health as currently known.
func (g *Gateway) Health() HealthReport {
	snap := g.registry.Snapshot()
	online := 0
	for _, s := range snap {
		if s.Status == shard.StatusOnline {
			online++
		}
	}
	return HealthReport{
		Status:       overall(online, len(snap)),
		Online:       online,
		Total:        len(snap),
		QueuedWrites: g.queue.Len(),
		Shards:       snap,
	}
}

// Stats asks every shard that is not offline for its counts.
func (g *Gateway) Stats(ctx context.Context) (*StatsReport, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "gateway.stats")
	defer span.End()

	report := &StatsReport{
		QueuedWrites:   g.queue.Len(),
		IndexedVectors: g.index.Len(),
		Expansions:     g.expansion.Len(),
		CachedRecalls:  len(g.recalls.Entries()),
	}
	for _, s := range g.registry.Shards() {
		line := ShardStats{Shard: string(s.Category), Role: s.Role, Status: g.registry.Status(s.Category)}
		if line.Status != shard.StatusOffline {
			res, err := g.exec.Execute(ctx, s.Category, store.StatsOp(), shard.CallOptions{})
			switch {
			case err != nil:
				line.Error = err.Error()
			case res.Stats != nil:
				line.Memories = res.Stats.Memories
				line.Links = res.Stats.Links
				line.AvgStrength = res.Stats.AvgStrength
			}
			line.Status = g.registry.Status(s.Category)
		}
		if line.Status == shard.StatusOnline {
			report.Online++
		}
		report.TotalMemories += line.Memories
		report.TotalLinks += line.Links
		report.Shards = append(report.Shards, line)
	}
	report.Status = overall(report.Online, len(report.Shards))
	return report, nil
}

// Decay weakens every record on the recallable shards that are not
// offline according to the time since it was last activated.
func (g *Gateway) Decay(ctx context.Context) (*DecayReport, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "gateway.decay")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, g.logger)

	g.mu.RLock()
	rate := g.decayRate
	g.mu.RUnlock()

	report := &DecayReport{Shards: make(map[string]store.DecayReport)}
	var errs []error
	for _, c := range shard.RecallableCategories() {
		if g.registry.Status(c) == shard.StatusOffline {
			report.Skipped = append(report.Skipped, string(c))
			continue
		}
		res, err := g.exec.Execute(ctx, c, store.Decay(rate, g.now()), shard.CallOptions{})
		if err != nil {
			errs = append(errs, fmt.Errorf("decay %s: %w", c, err))
			continue
		}
		if res.Decay != nil {
			report.Shards[string(c)] = *res.Decay
			report.Decayed += res.Decay.Decayed
			report.Dead += res.Decay.Dead
		}
	}
	logger.Info().
		Int("decayed", report.Decayed).
		Int("dead", report.Dead).
		Strs("skipped", report.Skipped).
		Msg("Decay sweep finished")
	g.emit(hooks.EventDecayed, map[string]any{
		"decayed": report.Decayed,
		"dead":    report.Dead,
		"skipped": strings.Join(report.Skipped, ","),
	})
	return report, errors.Join(errs...)
}

func (g *Gateway) scheduledDecay() {
	ctx, cancel := context.WithTimeout(tracing.NewRequestContext(g.baseCtx), time.Minute)
	defer cancel()
	if _, err := g.Decay(ctx); err != nil {
		g.logger.Warn().Err(err).Msg("Scheduled decay incomplete")
	}
}

// Get looks id up on each recallable shard that is not offline.
func (g *Gateway) Get(ctx context.Context, id string) (*memory.Result, error) {
	var errs []error
	for _, c := range shard.RecallableCategories() {
		if g.registry.Status(c) == shard.StatusOffline {
			continue
		}
		res, err := g.exec.Execute(ctx, c, store.Get(id), shard.CallOptions{})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(res.Rows) == 0 {
			continue
		}
		row := res.Rows[0]
		return &memory.Result{
			ID:           row.Record.ID,
			Shard:        string(c),
			Event:        row.Record.Event,
			Content:      row.Record.Content,
			Context:      row.Record.Context,
			Strength:     row.Record.Strength,
			Signal:       row.Record.Signal,
			Relevance:    row.Relevance,
			Associations: row.Associations,
		}, nil
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s (%w)", store.ErrNotFound, id, errors.Join(errs...))
	}
	return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
}

// ExpansionEntries lists cached expansions, most hit first.
func (g *Gateway) ExpansionEntries() []expansion.EntryView {
	return g.expansion.Entries()
}

// ClearExpansion empties the expansion cache and returns how many entries
// were dropped.
func (g *Gateway) ClearExpansion() int {
	return g.expansion.Clear()
}

// WarmExpansion expands each query ahead of time.
func (g *Gateway) WarmExpansion(ctx context.Context, queries []string) expansion.WarmReport {
	return g.expansion.Warm(ctx, queries)
}

// RecallCacheEntries lists live recall cache entries, oldest first.
func (g *Gateway) RecallCacheEntries() []recallcache.EntryView {
	return g.recalls.Entries()
}

// Predictions shows the tracked window and a fresh prediction for it.
func (g *Gateway) Predictions(ctx context.Context) (warmer.Report, error) {
	return g.warmer.Predict(ctx)
}

// PredictNow runs a warm cycle synchronously.
func (g *Gateway) PredictNow(ctx context.Context) (warmer.Report, error) {
	return g.warmer.Cycle(ctx)
}

// Motivations returns the motivation weights.
func (g *Gateway) Motivations() map[string]float64 {
	return g.motivations.Weights()
}

// SetMotivations adjusts motivation weights and returns the result.
func (g *Gateway) SetMotivations(weights map[string]float64) map[string]float64 {
	return g.motivations.Set(weights)
}

func overall(online, total int) string {
	switch {
	case total > 0 && online == total:
		return StateHealthy
	case online == 0:
		return StateOffline
	default:
		return StateDegraded
	}
}
