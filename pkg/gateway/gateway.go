// Package gateway owns every stateful part of the memory service: shard
// health, the deferred write queue, the embedding index, both caches, the
// warmer and the background runner. A Gateway is built with New, started
// with Start and must be closed with Close, which flushes everything that
// is persisted.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/harun/memgate/pkg/commandqueue"
	"github.com/harun/memgate/pkg/embedcache"
	"github.com/harun/memgate/pkg/expansion"
	"github.com/harun/memgate/pkg/hooks"
	"github.com/harun/memgate/pkg/judge"
	"github.com/harun/memgate/pkg/memory"
	"github.com/harun/memgate/pkg/recall"
	"github.com/harun/memgate/pkg/recallcache"
	"github.com/harun/memgate/pkg/shard"
	"github.com/harun/memgate/pkg/similarity"
	"github.com/harun/memgate/pkg/store"
	"github.com/harun/memgate/pkg/warmer"
	"github.com/harun/memgate/pkg/writequeue"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const tracerName = "memgate.gateway"

// Files kept under Options.DataDir.
const (
	WriteQueueFile     = "write-queue.json"
	EmbeddingCacheFile = "embedding-cache.json"
	ExpansionCacheFile = "expansion-cache.json"
)

// Background lanes.
const (
	LaneIndex       = "index"
	LaneBookkeeping = "bookkeeping"
	LaneDrain       = "drain"
)

const DefaultDedupThreshold = 0.90

// ErrEmptyQuery is returned by Recall for a blank query.
var ErrEmptyQuery = recall.ErrEmptyQuery

// ErrEmptyContent is returned by Write when there is nothing to store.
var ErrEmptyContent = errors.New("content is required")

// errNoShards marks a recall answered while no shard was available; that
// answer is never cached.
var errNoShards = errors.New("no shard available")

// EventFunc receives gateway events such as hooks.EventShardOffline. It
// runs on the bookkeeping lane, never on the caller's goroutine.
type EventFunc func(ctx context.Context, event string, data map[string]any) error

// Embedder produces vectors for records and queries.
type Embedder = similarity.Embedder

// CacheOptions sizes the recall cache.
type CacheOptions struct {
	Capacity          int
	TTL               time.Duration
	NegativeTTL       time.Duration
	SemanticThreshold float64
	OverlapThreshold  float64
}

// ExpansionOptions sizes the expansion cache.
type ExpansionOptions struct {
	Capacity         int
	OverlapThreshold float64
}

// WarmerOptions tunes predictive warming.
type WarmerOptions struct {
	Disabled       bool
	Window         int
	TriggerEvery   int
	BatchSize      int
	MaxPredictions int
}

// DecayOptions schedules the decay sweep. An empty Schedule disables the
// cron job; Decay can still be called directly.
type DecayOptions struct {
	Schedule string
	Rate     float64
}

// HealthOptions tunes shard health tracking.
type HealthOptions struct {
	FailureThreshold int
	CallTimeout      time.Duration
	Interval         time.Duration
	InitialDelay     time.Duration
	CheckTimeout     time.Duration
}

// Options configures a Gateway. Store is required; Embedder and Judge are
// optional and their absence only lowers recall fidelity.
type Options struct {
	Store  store.Store
	Shards []shard.Shard
	// DataDir holds the persisted queue and caches; empty keeps them in
	// memory only.
	DataDir string

	Embedder Embedder
	Judge    judge.Judge

	Health         HealthOptions
	Recall         recall.Params
	DedupThreshold float64
	Expansion      ExpansionOptions
	RecallCache    CacheOptions
	Warmer         WarmerOptions
	Decay          DecayOptions
	Motivations    map[string]float64
	OnEvent        EventFunc

	Logger zerolog.Logger
	Now    func() time.Time
}

// Gateway is safe for concurrent use.
type Gateway struct {
	store       store.Store
	registry    *shard.Registry
	exec        *shard.Executor
	monitor     *shard.Monitor
	queue       *writequeue.Queue
	index       *embedcache.Cache
	expansion   *expansion.Cache
	recalls     *recallcache.Cache
	engine      *recall.Engine
	warmer      *warmer.Warmer
	background  *commandqueue.CommandQueue
	motivations *memory.Motivations
	embedder    Embedder
	judge       judge.Judge
	cron        *cron.Cron
	onEvent     EventFunc
	logger      zerolog.Logger
	now         func() time.Time

	mu             sync.RWMutex
	dedupThreshold float64
	decayRate      float64
	warmEnabled    bool

	baseCtx   context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

// New builds a Gateway, loading the write queue, the embedding index and
// the expansion cache from DataDir.
func New(opts Options) (*Gateway, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if len(opts.Shards) == 0 {
		opts.Shards = shard.DefaultShards("", "")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DedupThreshold <= 0 {
		opts.DedupThreshold = DefaultDedupThreshold
	}
	if opts.Decay.Rate <= 0 {
		opts.Decay.Rate = store.DefaultDecayRate
	}
	logger := opts.Logger

	queue, err := writequeue.Open(dataPath(opts.DataDir, WriteQueueFile), logger.With().Str("component", "writequeue").Logger())
	if err != nil {
		return nil, err
	}
	index, err := embedcache.Open(dataPath(opts.DataDir, EmbeddingCacheFile), logger.With().Str("component", "embedcache").Logger())
	if err != nil {
		return nil, err
	}

	registry := shard.NewRegistry(opts.Shards, opts.Health.FailureThreshold)
	exec := shard.NewExecutor(registry, opts.Store, shard.ExecutorConfig{
		DefaultTimeout: opts.Health.CallTimeout,
		Logger:         logger.With().Str("component", "shard").Logger(),
	})
	monitor := shard.NewMonitor(exec, shard.MonitorConfig{
		Interval:     opts.Health.Interval,
		InitialDelay: opts.Health.InitialDelay,
		CheckTimeout: opts.Health.CheckTimeout,
		Logger:       logger.With().Str("component", "monitor").Logger(),
	})

	background := commandqueue.New(commandqueue.Config{
		Lanes: map[string]commandqueue.LaneConfig{
			recall.LaneReinforce: {Concurrency: 2},
			LaneIndex:            {Concurrency: 2},
			LaneBookkeeping:      {Concurrency: 2},
			LaneDrain:            {Concurrency: 1},
			warmer.LaneWarm:      {Concurrency: 1, MaxQueued: 2},
		},
		Logger: logger.With().Str("component", "background").Logger(),
	})

	var expander expansion.Expander
	if opts.Judge != nil {
		expander = opts.Judge
	}
	exp := expansion.New(expansion.Config{
		Capacity:         opts.Expansion.Capacity,
		OverlapThreshold: opts.Expansion.OverlapThreshold,
		Path:             dataPath(opts.DataDir, ExpansionCacheFile),
		Judge:            expander,
		Logger:           logger.With().Str("component", "expansion").Logger(),
		Now:              opts.Now,
	})

	recalls := recallcache.New(recallcache.Config{
		Capacity:          opts.RecallCache.Capacity,
		TTL:               opts.RecallCache.TTL,
		NegativeTTL:       opts.RecallCache.NegativeTTL,
		SemanticThreshold: opts.RecallCache.SemanticThreshold,
		OverlapThreshold:  opts.RecallCache.OverlapThreshold,
		Embedder:          opts.Embedder,
		Now:               opts.Now,
	})

	g := &Gateway{
		store:          opts.Store,
		registry:       registry,
		exec:           exec,
		monitor:        monitor,
		queue:          queue,
		index:          index,
		expansion:      exp,
		recalls:        recalls,
		background:     background,
		motivations:    memory.NewMotivations(opts.Motivations),
		embedder:       opts.Embedder,
		judge:          opts.Judge,
		onEvent:        opts.OnEvent,
		logger:         logger,
		now:            opts.Now,
		dedupThreshold: opts.DedupThreshold,
		decayRate:      opts.Decay.Rate,
		warmEnabled:    !opts.Warmer.Disabled,
	}
	g.baseCtx, g.cancel = context.WithCancel(context.Background())

	engineCfg := recall.Config{
		Executor:   exec,
		Index:      index,
		Background: background,
		Params:     opts.Recall,
		Logger:     logger.With().Str("component", "recall").Logger(),
		Now:        opts.Now,
	}
	if opts.Embedder != nil {
		engineCfg.Embedder = opts.Embedder
	}
	if opts.Judge != nil {
		engineCfg.Expander = exp
		engineCfg.Judge = opts.Judge
	}
	g.engine = recall.New(engineCfg)

	warmCfg := warmer.Config{
		Expander:       exp,
		Cache:          recalls,
		Recall:         g.speculativeRecall,
		Background:     background,
		Window:         opts.Warmer.Window,
		TriggerEvery:   opts.Warmer.TriggerEvery,
		BatchSize:      opts.Warmer.BatchSize,
		MaxPredictions: opts.Warmer.MaxPredictions,
		Logger:         logger.With().Str("component", "warmer").Logger(),
	}
	if opts.Judge != nil {
		warmCfg.Predictor = opts.Judge
	}
	g.warmer = warmer.New(warmCfg)

	if opts.Decay.Schedule != "" {
		c := cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)))
		if _, err := c.AddFunc(opts.Decay.Schedule, g.scheduledDecay); err != nil {
			return nil, fmt.Errorf("invalid decay schedule %q: %w", opts.Decay.Schedule, err)
		}
		g.cron = c
	}

	exec.OnRecover(g.onRecover)
	exec.OnOffline(g.onOffline)

	logger.Info().
		Int("queued_writes", queue.Len()).
		Int("indexed", index.Len()).
		Int("expansions", exp.Len()).
		Bool("embedder", opts.Embedder != nil).
		Bool("judge", opts.Judge != nil).
		Msg("Gateway initialized")
	return g, nil
}

// Start launches the health monitor and the decay schedule. Calling it
// more than once has no effect.
func (g *Gateway) Start(ctx context.Context) {
	g.startOnce.Do(func() {
		g.monitor.Start(ctx)
		if g.cron != nil {
			g.cron.Start()
		}
		g.logger.Info().Msg("Gateway started")
	})
}

// Close stops the monitor and the decay schedule, lets background work
// finish, then flushes the queue and both persisted caches.
func (g *Gateway) Close() error {
	g.closeOnce.Do(func() {
		g.monitor.Stop()
		if g.cron != nil {
			<-g.cron.Stop().Done()
		}
		g.cancel()
		_ = g.background.Close()

		var errs []error
		if err := g.queue.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush write queue: %w", err))
		}
		if err := g.index.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush embedding cache: %w", err))
		}
		if err := g.expansion.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush expansion cache: %w", err))
		}
		if closer, ok := g.store.(store.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close store: %w", err))
			}
		}
		g.closeErr = errors.Join(errs...)
		if g.closeErr != nil {
			g.logger.Error().Err(g.closeErr).Msg("Gateway closed with errors")
		} else {
			g.logger.Info().Msg("Gateway closed")
		}
	})
	return g.closeErr
}

// WaitIdle blocks until no background task is queued or running, or the
// timeout passes.
func (g *Gateway) WaitIdle(timeout time.Duration) bool {
	return g.background.WaitIdle(timeout)
}

// Registry exposes shard topology and health.
func (g *Gateway) Registry() *shard.Registry {
	return g.registry
}

// Tuning holds the thresholds that can change while running.
type Tuning struct {
	Recall         recall.Params
	DedupThreshold float64
	Expansion      ExpansionOptions
	RecallCache    CacheOptions
	Warmer         WarmerOptions
	DecayRate      float64
}

// Retune applies new thresholds without a restart. Capacities and the
// decay schedule are fixed at construction.
func (g *Gateway) Retune(t Tuning) {
	g.engine.SetParams(t.Recall)
	g.expansion.SetOverlapThreshold(t.Expansion.OverlapThreshold)
	g.recalls.SetThresholds(t.RecallCache.SemanticThreshold, t.RecallCache.OverlapThreshold)
	g.warmer.SetTuning(t.Warmer.Window, t.Warmer.TriggerEvery, t.Warmer.BatchSize)

	g.mu.Lock()
	if t.DedupThreshold > 0 {
		g.dedupThreshold = t.DedupThreshold
	}
	if t.DecayRate > 0 {
		g.decayRate = t.DecayRate
	}
	g.warmEnabled = !t.Warmer.Disabled
	g.mu.Unlock()

	g.logger.Info().Msg("Gateway retuned")
}

// submit runs task in the background, detached from the caller.
func (g *Gateway) submit(ctx context.Context, lane, name string, task commandqueue.Task) {
	if !g.background.Submit(ctx, lane, name, task) {
		g.logger.Debug().Str("lane", lane).Str("task", name).Msg("Background task dropped")
	}
}

func (g *Gateway) onRecover(c shard.Category) {
	g.emit(hooks.EventShardOnline, map[string]any{
		"shard":  string(c),
		"queued": g.queue.LenFor(string(c)),
	})
	if g.queue.LenFor(string(c)) == 0 {
		return
	}
	g.submit(g.baseCtx, LaneDrain, "drain:"+string(c), func(ctx context.Context) error {
		_, err := g.Drain(ctx, string(c))
		return err
	})
}

func (g *Gateway) onOffline(c shard.Category, err error) {
	g.emit(hooks.EventShardOffline, map[string]any{
		"shard":      string(c),
		"last_error": err.Error(),
	})
}

// emit hands event to OnEvent in the background.
func (g *Gateway) emit(event string, data map[string]any) {
	if g.onEvent == nil {
		return
	}
	g.submit(g.baseCtx, LaneBookkeeping, "event:"+event, func(ctx context.Context) error {
		return g.onEvent(ctx, event, data)
	})
}

func dataPath(dir, name string) string {
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, name)
}
