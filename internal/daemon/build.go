package daemon

import (
	"fmt"
	"path/filepath"

	"github.com/harun/memgate/internal/config"
	"github.com/harun/memgate/pkg/embedding"
	"github.com/harun/memgate/pkg/gateway"
	"github.com/harun/memgate/pkg/hooks"
	"github.com/harun/memgate/pkg/judge"
	"github.com/harun/memgate/pkg/shard"
	"github.com/harun/memgate/pkg/store"
	"github.com/harun/memgate/pkg/store/memstore"
	"github.com/harun/memgate/pkg/store/neo4j"
	"github.com/harun/memgate/pkg/store/sqlite"
	"github.com/rs/zerolog"
)

// ShardDir is where the sqlite driver keeps one database per shard.
const ShardDir = "shards"

// Components are the pieces a Gateway is assembled from.
type Components struct {
	Store    store.Store
	Shards   []shard.Shard
	Embedder *embedding.Cached
	Judge    judge.Judge
	Hooks    *hooks.Manager
}

// Build creates the store, embedder and judge selected by cfg.
func Build(cfg *config.Config, logger zerolog.Logger) (*Components, error) {
	st, err := OpenStore(cfg, logger.With().Str("component", "store").Logger())
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	emb, err := NewEmbedder(cfg.Embedder)
	if err != nil {
		closeStore(st)
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	j, err := NewJudge(cfg.Judge, logger.With().Str("component", "judge").Logger())
	if err != nil {
		closeStore(st)
		if emb != nil {
			emb.Close()
		}
		return nil, fmt.Errorf("failed to create judge: %w", err)
	}
	hm, err := NewHooks(cfg.Hooks, logger)
	if err != nil {
		closeStore(st)
		if emb != nil {
			emb.Close()
		}
		return nil, fmt.Errorf("failed to create hooks: %w", err)
	}
	return &Components{
		Store:    st,
		Shards:   Shards(cfg),
		Embedder: emb,
		Judge:    j,
		Hooks:    hm,
	}, nil
}

// OpenStore opens the shard backend named by cfg.Store.Driver.
func OpenStore(cfg *config.Config, logger zerolog.Logger) (store.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		names := make([]string, 0, len(shard.Categories))
		for _, c := range shard.Categories {
			names = append(names, string(c))
		}
		return memstore.New(names...), nil
	case "", "sqlite":
		return sqlite.New(sqlite.Config{
			Dir:    filepath.Join(cfg.DataDir, ShardDir),
			Logger: logger,
		})
	case "neo4j":
		ncfg := neo4j.Config{
			URL:      cfg.Store.URL,
			Database: cfg.Store.Database,
			Username: cfg.Store.Username,
			Password: cfg.Store.Password,
			Logger:   logger,
		}
		if cfg.Store.Architecture == "multi-shard" {
			ncfg.Endpoints = cfg.Store.Shards
		}
		return neo4j.New(ncfg)
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Store.Driver)
	}
}

// Shards describes the four shards and where each one lives.
func Shards(cfg *config.Config) []shard.Shard {
	out := shard.DefaultShards(cfg.Store.URL, cfg.Store.Username)
	for i := range out {
		name := string(out[i].Category)
		switch {
		case cfg.Store.Driver == "memory":
			out[i].Endpoint = "memory"
		case cfg.Store.Driver == "" || cfg.Store.Driver == "sqlite":
			out[i].Endpoint = filepath.Join(cfg.DataDir, ShardDir, name+".db")
		case cfg.Store.Architecture == "multi-shard":
			if ep := cfg.Store.Shards[name]; ep != "" {
				out[i].Endpoint = ep
			}
		}
	}
	return out
}

// NewEmbedder returns nil for the "none" provider.
func NewEmbedder(cfg config.EmbedderConfig) (*embedding.Cached, error) {
	var p embedding.Provider
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "hash":
		p = embedding.NewHashProvider(cfg.Dimension)
	case "http":
		p = embedding.NewHTTPProvider(cfg.URL, cfg.Dimension)
	case "openai":
		p = embedding.NewOpenAIProvider(cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown embedder provider: %s", cfg.Provider)
	}
	return embedding.NewCached(embedding.Instrument(cfg.Provider, p, cfg.Timeout), cfg.QueryCacheSize)
}

// NewJudge returns nil when no judge provider is configured.
func NewJudge(cfg config.JudgeConfig, logger zerolog.Logger) (judge.Judge, error) {
	completer, err := judge.NewCompleter(cfg.Provider, cfg.APIKey, cfg.Model)
	if err != nil {
		return nil, err
	}
	if completer == nil {
		return nil, nil
	}
	return judge.New(judge.Config{
		Completer:         completer,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Timeout:           cfg.Timeout,
		Logger:            logger,
	})
}

// NewHooks converts the hooks section into a hook manager.
func NewHooks(cfg config.HooksConfig, logger zerolog.Logger) (*hooks.Manager, error) {
	list := make([]hooks.Hook, 0, len(cfg.Hooks))
	for _, h := range cfg.Hooks {
		list = append(list, hooks.Hook{
			ID:      h.ID,
			Event:   h.Event,
			Script:  h.Script,
			Timeout: h.Timeout,
			Enabled: h.Enabled,
		})
	}
	return hooks.NewManager(hooks.Config{
		Enabled: cfg.Enabled,
		Hooks:   list,
		Logger:  logger,
	})
}

// GatewayOptions maps cfg and the built components onto gateway options.
func GatewayOptions(cfg *config.Config, c *Components, logger zerolog.Logger) gateway.Options {
	t := TuningFor(cfg)
	opts := gateway.Options{
		Store:   c.Store,
		Shards:  c.Shards,
		DataDir: cfg.DataDir,
		Judge:   c.Judge,
		Health: gateway.HealthOptions{
			FailureThreshold: cfg.Health.FailureThreshold,
			CallTimeout:      cfg.Health.CallTimeout,
			Interval:         cfg.Health.Interval,
			InitialDelay:     cfg.Health.InitialDelay,
			CheckTimeout:     cfg.Health.CheckTimeout,
		},
		Recall:         t.Recall,
		DedupThreshold: t.DedupThreshold,
		Expansion: gateway.ExpansionOptions{
			Capacity:         cfg.Expansion.Capacity,
			OverlapThreshold: cfg.Expansion.OverlapThreshold,
		},
		RecallCache: gateway.CacheOptions{
			Capacity:          cfg.RecallCache.Capacity,
			TTL:               cfg.RecallCache.TTL,
			NegativeTTL:       cfg.RecallCache.NegativeTTL,
			SemanticThreshold: cfg.RecallCache.SemanticThreshold,
			OverlapThreshold:  cfg.RecallCache.OverlapThreshold,
		},
		Warmer:      t.Warmer,
		Decay:       gateway.DecayOptions{Rate: cfg.Decay.Rate},
		Motivations: cfg.Motivations,
		Logger:      logger,
	}
	if cfg.Decay.Enabled {
		opts.Decay.Schedule = cfg.Decay.Schedule
	}
	if c.Hooks.Len() > 0 {
		opts.OnEvent = c.Hooks.Trigger
	}
	// A typed nil would look like a configured embedder.
	if c.Embedder != nil {
		opts.Embedder = c.Embedder
	}
	return opts
}

// TuningFor extracts the thresholds that can be applied to a running gateway.
func TuningFor(cfg *config.Config) gateway.Tuning {
	return gateway.Tuning{
		Recall:         cfg.RecallParams(),
		DedupThreshold: cfg.Recall.DedupThreshold,
		Expansion: gateway.ExpansionOptions{
			Capacity:         cfg.Expansion.Capacity,
			OverlapThreshold: cfg.Expansion.OverlapThreshold,
		},
		RecallCache: gateway.CacheOptions{
			Capacity:          cfg.RecallCache.Capacity,
			TTL:               cfg.RecallCache.TTL,
			NegativeTTL:       cfg.RecallCache.NegativeTTL,
			SemanticThreshold: cfg.RecallCache.SemanticThreshold,
			OverlapThreshold:  cfg.RecallCache.OverlapThreshold,
		},
		Warmer: gateway.WarmerOptions{
			Disabled:       !cfg.Warmer.Enabled,
			Window:         cfg.Warmer.Window,
			TriggerEvery:   cfg.Warmer.TriggerEvery,
			BatchSize:      cfg.Warmer.BatchSize,
			MaxPredictions: cfg.Warmer.MaxPredictions,
		},
		DecayRate: cfg.Decay.Rate,
	}
}

// OpenGateway builds a gateway from cfg without starting it. The caller
// must Close it.
func OpenGateway(cfg *config.Config, logger zerolog.Logger) (*gateway.Gateway, *Components, error) {
	c, err := Build(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	gw, err := gateway.New(GatewayOptions(cfg, c, logger.With().Str("component", "gateway").Logger()))
	if err != nil {
		closeStore(c.Store)
		c.Close()
		return nil, nil, fmt.Errorf("failed to create gateway: %w", err)
	}
	return gw, c, nil
}

// Close releases the embedder cache. The store is owned by the gateway
// once one has been created.
func (c *Components) Close() {
	if c.Embedder != nil {
		c.Embedder.Close()
	}
}

func closeStore(st store.Store) {
	if closer, ok := st.(store.Closer); ok {
		_ = closer.Close()
	}
}
