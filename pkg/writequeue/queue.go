package writequeue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/harun/memgate/internal/jsonfile"
	"github.com/harun/memgate/internal/observability"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// Item is one deferred write.
type Item struct {
	ID       string          `json:"id"`
	Shard    string          `json:"shard"`
	Payload  json.RawMessage `json:"payload"`
	QueuedAt time.Time       `json:"queued_at"`
	Attempts int             `json:"attempts,omitempty"`
	LastErr  string          `json:"last_error,omitempty"`
}

// Decode unmarshals the payload into v.
func (it Item) Decode(v any) error {
	return json.Unmarshal(it.Payload, v)
}

// ReplayFunc re-executes a queued write. It must not queue the write again.
type ReplayFunc func(ctx context.Context, item Item) error

// DrainReport summarises one drain pass over a shard.
type DrainReport struct {
	Shard     string `json:"shard"`
	Replayed  int    `json:"replayed"`
	Failed    int    `json:"failed"`
	Remaining int    `json:"remaining"`
	Skipped   bool   `json:"skipped,omitempty"`
}

// Queue is safe for concurrent use. The lock is never held during a replay.
type Queue struct {
	path   string
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	items    []Item
	draining map[string]bool
}

// Open loads the queue stored at path, or starts empty when the file does
// not exist. An empty path keeps the queue in memory only.
func Open(path string, logger zerolog.Logger) (*Queue, error) {
	q := &Queue{
		path:     path,
		logger:   logger,
		now:      time.Now,
		draining: make(map[string]bool),
	}
	if path != "" {
		found, err := jsonfile.Read(path, &q.items)
		if err != nil {
			return nil, fmt.Errorf("failed to load write queue: %w", err)
		}
		if found {
			logger.Info().Int("count", len(q.items)).Msg("Loaded write queue")
		}
	}
	observability.SetWriteQueueDepth(len(q.items))
	return q, nil
}

// Append queues payload for shard and persists the queue. The item is queued
// even when persisting fails; the error reports the lost durability.
func (q *Queue) Append(shard string, payload any) (Item, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Item{}, fmt.Errorf("failed to encode queued write: %w", err)
	}
	id, err := gonanoid.New()
	if err != nil {
		return Item{}, fmt.Errorf("failed to generate queue id: %w", err)
	}
	item := Item{ID: id, Shard: shard, Payload: raw, QueuedAt: q.now()}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	observability.RecordWriteQueued(shard)
	observability.SetWriteQueueDepth(len(q.items))
	return item, q.persistLocked()
}

// Items returns a copy of every queued item in FIFO order.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Item(nil), q.items...)
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// LenFor returns the number of items queued for shard.
func (q *Queue) LenFor(shard string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, it := range q.items {
		if it.Shard == shard {
			n++
		}
	}
	return n
}

// Shards returns the distinct shards with queued items, in queue order.
func (q *Queue) Shards() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, it := range q.items {
		if !seen[it.Shard] {
			seen[it.Shard] = true
			out = append(out, it.Shard)
		}
	}
	return out
}

// Drain replays every item queued for shard in FIFO order. Successful items
// are removed; failed ones stay for a later drain. A drain already running
// for the same shard makes this call return immediately with Skipped set.
func (q *Queue) Drain(ctx context.Context, shard string, replay ReplayFunc) (DrainReport, error) {
	report := DrainReport{Shard: shard}

	q.mu.Lock()
	if q.draining[shard] {
		report.Skipped = true
		q.mu.Unlock()
		return report, nil
	}
	var pending []Item
	for _, it := range q.items {
		if it.Shard == shard {
			pending = append(pending, it)
		}
	}
	if len(pending) == 0 {
		q.mu.Unlock()
		return report, nil
	}
	q.draining[shard] = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		delete(q.draining, shard)
		q.mu.Unlock()
	}()

	q.logger.Info().Str("shard", shard).Int("count", len(pending)).Msg("Draining queued writes")

	done := make(map[string]bool, len(pending))
	failures := make(map[string]string)
	for _, it := range pending {
		if ctx.Err() != nil {
			break
		}
		if err := replay(ctx, it); err != nil {
			failures[it.ID] = err.Error()
			report.Failed++
			observability.RecordWriteReplayed(shard, false)
			q.logger.Warn().Str("shard", shard).Str("item", it.ID).Err(err).Msg("Failed to replay queued write")
			continue
		}
		done[it.ID] = true
		report.Replayed++
		observability.RecordWriteReplayed(shard, true)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0:0]
	for _, it := range q.items {
		if done[it.ID] {
			continue
		}
		if msg, failed := failures[it.ID]; failed {
			it.Attempts++
			it.LastErr = msg
		}
		kept = append(kept, it)
		if it.Shard == shard {
			report.Remaining++
		}
	}
	q.items = kept
	observability.SetWriteQueueDepth(len(q.items))

	if report.Replayed == 0 && report.Failed == 0 {
		return report, ctx.Err()
	}
	if err := q.persistLocked(); err != nil {
		return report, err
	}
	q.logger.Info().
		Str("shard", shard).
		Int("replayed", report.Replayed).
		Int("failed", report.Failed).
		Msg("Drain finished")
	return report, nil
}

// Flush persists the queue.
func (q *Queue) Flush() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.persistLocked()
}

func (q *Queue) persistLocked() error {
	if q.path == "" {
		return nil
	}
	items := q.items
	if items == nil {
		items = []Item{}
	}
	if err := jsonfile.Write(q.path, items, true); err != nil {
		q.logger.Error().Err(err).Msg("Failed to persist write queue")
		return err
	}
	return nil
}
