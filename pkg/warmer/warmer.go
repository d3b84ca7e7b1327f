// Package warmer pre-computes recalls for queries that are likely to come
// next.
//
// Every tracked query is pushed onto a short newest-first window. Every few
// queries the judge is asked to predict follow-ups from the window; each
// prediction has its expansion cached and, unless the recall cache already
// answers it, a full recall stored as speculative.
package warmer

import (
	"context"
	"sync"
	"time"

	"github.com/harun/memgate/internal/observability"
	"github.com/harun/memgate/internal/tracing"
	"github.com/harun/memgate/pkg/commandqueue"
	"github.com/harun/memgate/pkg/expansion"
	"github.com/harun/memgate/pkg/memory"
	"github.com/harun/memgate/pkg/recallcache"
	"github.com/harun/memgate/pkg/similarity"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const tracerName = "memgate.warmer"

// LaneWarm is the background lane prediction cycles run on.
const LaneWarm = "warm"

const (
	DefaultWindow         = 10
	DefaultTriggerEvery   = 2
	DefaultBatchSize      = 4
	DefaultMaxPredictions = 12
)

// Prediction outcomes.
const (
	OutcomeWarmed = "computed"
	OutcomeCached = "cached"
	OutcomeFailed = "failed"
)

// Predictor guesses follow-up queries from recent ones, newest first.
type Predictor interface {
	Predict(ctx context.Context, recent []string) ([]string, error)
}

// Expander is the expansion cache being warmed.
type Expander interface {
	Lookup(ctx context.Context, query string) ([]string, expansion.Outcome)
}

// Cache is the recall cache receiving speculative results.
type Cache interface {
	Contains(ctx context.Context, query string) bool
	Set(query string, results []memory.Result, method string)
}

// RecallFunc runs the full recall pipeline for query.
type RecallFunc func(ctx context.Context, query string) ([]memory.Result, error)

// Submitter runs cycles off the caller's goroutine.
type Submitter interface {
	Submit(ctx context.Context, lane, name string, task commandqueue.Task) bool
}

// Config wires a Warmer. Expander and Background are optional; without a
// Background runner cycles run on their own goroutine.
type Config struct {
	Predictor  Predictor
	Expander   Expander
	Cache      Cache
	Recall     RecallFunc
	Background Submitter

	Window         int
	TriggerEvery   int
	BatchSize      int
	MaxPredictions int

	Logger zerolog.Logger
}

// Report summarises one cycle.
type Report struct {
	Window      []string `json:"recentQueries"`
	Predictions []string `json:"predictions"`
	Warmed      int      `json:"warmed"`
	Cached      int      `json:"alreadyCached"`
	Failed      int      `json:"failed"`
}

// Warmer tracks recent queries and runs prediction cycles.
type Warmer struct {
	predictor  Predictor
	expander   Expander
	cache      Cache
	recall     RecallFunc
	background Submitter
	logger     zerolog.Logger

	mu             sync.Mutex
	window         []string
	sinceLast      int
	size           int
	triggerEvery   int
	batchSize      int
	maxPredictions int
}

// New creates a Warmer.
func New(cfg Config) *Warmer {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.TriggerEvery <= 0 {
		cfg.TriggerEvery = DefaultTriggerEvery
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxPredictions <= 0 {
		cfg.MaxPredictions = DefaultMaxPredictions
	}
	return &Warmer{
		predictor:      cfg.Predictor,
		expander:       cfg.Expander,
		cache:          cfg.Cache,
		recall:         cfg.Recall,
		background:     cfg.Background,
		logger:         cfg.Logger,
		size:           cfg.Window,
		triggerEvery:   cfg.TriggerEvery,
		batchSize:      cfg.BatchSize,
		maxPredictions: cfg.MaxPredictions,
	}
}

// Track records query and, when due, schedules a prediction cycle. It
// never blocks on the cycle and reports whether one was scheduled.
func (w *Warmer) Track(ctx context.Context, query string) bool {
	if similarity.Normalize(query) == "" {
		return false
	}
	w.mu.Lock()
	w.window = append([]string{query}, w.window...)
	if len(w.window) > w.size {
		w.window = w.window[:w.size]
	}
	w.sinceLast++
	due := w.sinceLast >= w.triggerEvery || len(w.window) <= 2
	if due {
		w.sinceLast = 0
	}
	w.mu.Unlock()

	if !due || w.predictor == nil {
		return false
	}

	task := func(ctx context.Context) error {
		_, err := w.Cycle(ctx)
		return err
	}
	if w.background != nil {
		return w.background.Submit(ctx, LaneWarm, "predict", task)
	}
	go func() {
		if err := task(tracing.Detach(ctx)); err != nil {
			w.logger.Debug().Err(err).Msg("Prediction cycle failed")
		}
	}()
	return true
}

// Window returns the tracked queries, newest first.
func (w *Warmer) Window() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.window))
	copy(out, w.window)
	return out
}

// SetTuning changes the window size, trigger cadence and batch size; zero
// values leave a setting unchanged.
func (w *Warmer) SetTuning(window, triggerEvery, batchSize int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if window > 0 {
		w.size = window
		if len(w.window) > window {
			w.window = w.window[:window]
		}
	}
	if triggerEvery > 0 {
		w.triggerEvery = triggerEvery
	}
	if batchSize > 0 {
		w.batchSize = batchSize
	}
}

// Predict asks for follow-ups to the current window without warming
// anything.
func (w *Warmer) Predict(ctx context.Context) (Report, error) {
	window := w.Window()
	r := Report{Window: window, Predictions: []string{}}
	if len(window) == 0 || w.predictor == nil {
		return r, nil
	}
	preds, err := w.predictor.Predict(ctx, window)
	if err != nil {
		return r, err
	}
	r.Predictions = w.clean(preds)
	return r, nil
}

// Cycle predicts follow-ups for the current window, warms their
// expansions, then pre-computes recalls for those the recall cache cannot
// already answer, BatchSize at a time.
func (w *Warmer) Cycle(ctx context.Context) (Report, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "warmer.cycle")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, w.logger)
	start := time.Now()

	r, err := w.Predict(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Prediction unavailable, skipping warm cycle")
		return r, err
	}
	if len(r.Predictions) == 0 {
		return r, nil
	}
	observability.RecordWarmCycle()
	w.mu.Lock()
	batch := w.batchSize
	w.mu.Unlock()

	if w.expander != nil {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(batch)
		for _, q := range r.Predictions {
			g.Go(func() error {
				w.expander.Lookup(gctx, q)
				return nil
			})
		}
		_ = g.Wait()
	}

	if w.recall != nil && w.cache != nil {
		var mu sync.Mutex
		count := func(outcome string) {
			observability.RecordWarmPrediction(outcome)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case OutcomeWarmed:
				r.Warmed++
			case OutcomeCached:
				r.Cached++
			default:
				r.Failed++
			}
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(batch)
		for _, q := range r.Predictions {
			g.Go(func() error {
				if w.cache.Contains(gctx, q) {
					count(OutcomeCached)
					return nil
				}
				results, err := w.recall(gctx, q)
				if err != nil {
					logger.Debug().Err(err).Str("query", q).Msg("Speculative recall failed")
					count(OutcomeFailed)
					return nil
				}
				w.cache.Set(q, results, recallcache.MethodSpeculative)
				count(OutcomeWarmed)
				return nil
			})
		}
		_ = g.Wait()
	}

	span.SetAttributes(
		attribute.Int("predictions", len(r.Predictions)),
		attribute.Int("warmed", r.Warmed),
		attribute.Int("cached", r.Cached),
	)
	if r.Warmed > 0 {
		logger.Info().
			Int("warmed", r.Warmed).
			Int("cached", r.Cached).
			Int("predictions", len(r.Predictions)).
			Dur("duration", time.Since(start)).
			Msg("Speculative recalls pre-computed")
	}
	return r, nil
}

// clean drops blank and repeated predictions and caps the count.
func (w *Warmer) clean(preds []string) []string {
	out := make([]string, 0, len(preds))
	seen := make(map[string]bool, len(preds))
	for _, p := range preds {
		key := similarity.Normalize(p)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
		if len(out) == w.maxPredictions {
			break
		}
	}
	return out
}
