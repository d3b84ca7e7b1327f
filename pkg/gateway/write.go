package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/memgate/internal/observability"
	"github.com/harun/memgate/internal/tracing"
	"github.com/harun/memgate/pkg/embedcache"
	"github.com/harun/memgate/pkg/hooks"
	"github.com/harun/memgate/pkg/memory"
	"github.com/harun/memgate/pkg/shard"
	"github.com/harun/memgate/pkg/store"
	"github.com/harun/memgate/pkg/writequeue"
)

// Write outcomes.
const (
	WriteStored       = "stored"
	WriteQueued       = "queued"
	WriteDeduplicated = "deduplicated"
	WriteFailed       = "failed"
)

// WriteRequest is a new memory.
type WriteRequest struct {
	// Shard is a category name or one of its aliases; empty means episodic.
	Shard string `json:"shard"`
	// Event is a short label; it defaults to the start of Content.
	Event           string             `json:"event,omitempty"`
	Content         string             `json:"content"`
	Context         map[string]any     `json:"context,omitempty"`
	MotivationDelta map[string]float64 `json:"motivation_delta,omitempty"`
	// SkipDedup stores the record even when a near-identical one exists.
	SkipDedup bool `json:"skip_dedup,omitempty"`
}

// WriteResult reports what happened to a write. A shard failure is not an
// error: the write is queued and Queued is set.
type WriteResult struct {
	ID           string        `json:"id"`
	Shard        string        `json:"shard"`
	Event        string        `json:"event"`
	Strength     float64       `json:"strength"`
	Signal       memory.Signal `json:"signal"`
	Queued       bool          `json:"queued"`
	QueuedAt     time.Time     `json:"queuedAt,omitzero"`
	Deduplicated bool          `json:"deduplicated,omitempty"`
	DuplicateOf  string        `json:"duplicateOf,omitempty"`
	Similarity   float64       `json:"similarity,omitempty"`
}

// Write stores a memory. Its strength comes from the motivation delta. A
// record nearly identical to an indexed one is rejected as a duplicate,
// and a write the shard cannot take is queued for replay.
func (g *Gateway) Write(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	c, err := shard.ParseCategory(req.Shard)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "gateway.write", tracing.Shard(string(c)))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, g.logger)

	now := g.now()
	act := g.motivations.Activate(req.MotivationDelta)
	event := strings.TrimSpace(req.Event)
	if event == "" {
		event = memory.DefaultEvent(content)
	}
	rec := memory.Record{
		ID:               memory.NewID(string(c), now),
		Shard:            string(c),
		Event:            event,
		Content:          content,
		Context:          req.Context,
		Strength:         act.Strength(),
		EncodingStrength: act.Strength(),
		Signal:           act.Signal,
		FormedAt:         now,
		LastActivated:    now,
	}
	res := &WriteResult{
		ID:       rec.ID,
		Shard:    rec.Shard,
		Event:    rec.Event,
		Strength: rec.Strength,
		Signal:   rec.Signal,
	}

	vec := g.embed(ctx, rec.Text())
	if len(vec) > 0 && !req.SkipDedup {
		if hit, ok := g.index.Nearest(vec); ok && hit.Similarity >= g.dedupLimit() {
			res.Deduplicated = true
			res.DuplicateOf = hit.ID
			res.Similarity = hit.Similarity
			observability.RecordWrite(WriteDeduplicated)
			logger.Debug().Str("duplicate_of", hit.ID).Float64("similarity", hit.Similarity).Msg("Write deduplicated")
			return res, nil
		}
	}
	rec.Vector = vec

	if _, err := g.exec.Execute(ctx, c, store.Create(rec), shard.CallOptions{}); err != nil {
		if !isShardFailure(err) {
			observability.RecordWrite(WriteFailed)
			return nil, err
		}
		item, qerr := g.queue.Append(string(c), rec)
		if qerr != nil {
			logger.Error().Err(qerr).Str("id", rec.ID).Msg("Queued write is not durable")
		}
		res.Queued = true
		res.QueuedAt = item.QueuedAt
		observability.RecordWrite(WriteQueued)
		logger.Warn().Err(err).Str("shard", string(c)).Str("id", rec.ID).Msg("Shard unavailable, write queued")
		return res, nil
	}

	g.afterStore(ctx, rec)
	observability.RecordWrite(WriteStored)
	logger.Debug().Str("shard", string(c)).Str("id", rec.ID).Float64("strength", rec.Strength).Msg("Memory stored")
	return res, nil
}

func (g *Gateway) dedupLimit() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.dedupThreshold
}

func (g *Gateway) embed(ctx context.Context, text string) []float32 {
	if g.embedder == nil {
		return nil
	}
	vec, err := g.embedder.GenerateEmbedding(ctx, text)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, g.logger)
		logger.Warn().Err(err).Msg("Embedding unavailable")
		return nil
	}
	return vec
}

// afterStore indexes a stored record and links it to its neighbours in the
// background.
func (g *Gateway) afterStore(ctx context.Context, rec memory.Record) {
	if len(rec.Vector) > 0 {
		entry := embedcache.Entry{
			ID:     rec.ID,
			Vector: rec.Vector,
			Metadata: embedcache.Metadata{
				Event:    rec.Event,
				Content:  rec.Content,
				Strength: rec.Strength,
				Type:     rec.Shard,
				Shard:    rec.Shard,
				Context:  rec.Context,
			},
		}
		g.submit(ctx, LaneIndex, "index:"+rec.ID, func(context.Context) error {
			return g.index.Add(entry)
		})
	}

	c, err := shard.ParseCategory(rec.Shard)
	if err != nil || !c.Recallable() {
		return
	}
	g.submit(ctx, LaneBookkeeping, "link:"+rec.ID, func(ctx context.Context) error {
		now := g.now()
		var errs []error
		if _, err := g.exec.Execute(ctx, c, store.Link(rec.ID, rec.Strength, now), shard.CallOptions{}); err != nil {
			errs = append(errs, fmt.Errorf("link %s: %w", rec.ID, err))
		}
		if _, err := g.exec.Execute(ctx, shard.Association, store.ShardRef(rec, now), shard.CallOptions{}); err != nil {
			errs = append(errs, fmt.Errorf("shard ref %s: %w", rec.ID, err))
		}
		return errors.Join(errs...)
	})
}

// replay re-executes a queued write. A failure leaves it in the queue; it
// is never queued a second time.
func (g *Gateway) replay(ctx context.Context, item writequeue.Item) error {
	var rec memory.Record
	if err := item.Decode(&rec); err != nil {
		return fmt.Errorf("decode queued write %s: %w", item.ID, err)
	}
	c, err := shard.ParseCategory(item.Shard)
	if err != nil {
		return err
	}
	if _, err := g.exec.Execute(ctx, c, store.Create(rec), shard.CallOptions{}); err != nil {
		return err
	}
	g.afterStore(ctx, rec)
	return nil
}

// Drain replays the writes queued for one shard.
func (g *Gateway) Drain(ctx context.Context, name string) (writequeue.DrainReport, error) {
	c, err := shard.ParseCategory(name)
	if err != nil {
		return writequeue.DrainReport{Shard: name}, err
	}
	ctx, span := tracing.StartSpan(ctx, tracerName, "gateway.drain", tracing.Shard(string(c)))
	defer span.End()
	report, err := g.queue.Drain(ctx, string(c), g.replay)
	if report.Replayed > 0 {
		g.emit(hooks.EventQueueDrained, map[string]any{
			"shard":     report.Shard,
			"replayed":  report.Replayed,
			"failed":    report.Failed,
			"remaining": report.Remaining,
		})
	}
	return report, err
}

// DrainAll replays queued writes for every shard that is not offline.
// Offline shards are reported as skipped.
func (g *Gateway) DrainAll(ctx context.Context) ([]writequeue.DrainReport, error) {
	var (
		reports []writequeue.DrainReport
		errs    []error
	)
	for _, name := range g.queue.Shards() {
		c, err := shard.ParseCategory(name)
		if err == nil && g.registry.Status(c) == shard.StatusOffline {
			reports = append(reports, writequeue.DrainReport{Shard: name, Skipped: true, Remaining: g.queue.LenFor(name)})
			continue
		}
		r, err := g.Drain(ctx, name)
		reports = append(reports, r)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return reports, errors.Join(errs...)
}

// QueueItems lists the deferred writes in FIFO order.
func (g *Gateway) QueueItems() []writequeue.Item {
	return g.queue.Items()
}

func isShardFailure(err error) bool {
	return errors.Is(err, shard.ErrShardOffline) ||
		errors.Is(err, shard.ErrShardTimeout) ||
		errors.Is(err, shard.ErrShardQuery)
}
