package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/harun/memgate/pkg/hooks"
	"github.com/harun/memgate/pkg/shard"
	"github.com/robfig/cron/v3"
)

var (
	validDrivers           = []string{"memory", "sqlite", "neo4j"}
	validArchitectures     = []string{"single-node", "multi-shard"}
	validEmbedderProviders = []string{"none", "hash", "http", "openai"}
	validJudgeProviders    = []string{"none", "anthropic", "openai"}
	validLogLevels         = []string{"debug", "info", "warn", "error"}
	decayScheduleParser    = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateThreshold checks a similarity or overlap threshold.
func (v *Validator) ValidateThreshold(name string, value float64) error {
	if value < 0 || value > 1 {
		return fmt.Errorf("%s must be between 0 and 1, got %g", name, value)
	}
	return nil
}

func (v *Validator) validatePositive(name string, value int) error {
	if value <= 0 {
		return fmt.Errorf("%s must be positive, got %d", name, value)
	}
	return nil
}

func (v *Validator) validateDuration(name string, value time.Duration) error {
	if value <= 0 {
		return fmt.Errorf("%s must be a positive duration, got %s", name, value)
	}
	return nil
}

func (v *Validator) validateOneOf(name, value string, valid []string) error {
	if !slices.Contains(valid, value) {
		return fmt.Errorf("invalid %s: %s (must be one of: %s)", name, value, strings.Join(valid, ", "))
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	return v.validateOneOf("log level", level, validLogLevels)
}

// ValidateSchedule validates a decay cron expression.
func (v *Validator) ValidateSchedule(spec string) error {
	if _, err := decayScheduleParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid decay schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(v.validateOneOf("store driver", cfg.Store.Driver, validDrivers))
	if cfg.Store.Driver == "neo4j" {
		add(v.validateOneOf("store architecture", cfg.Store.Architecture, validArchitectures))
		if cfg.Store.Architecture == "multi-shard" && len(cfg.Store.Shards) == 0 {
			add(fmt.Errorf("store.shards is required for a multi-shard deployment"))
		}
		if cfg.Store.Architecture != "multi-shard" && cfg.Store.URL == "" {
			add(fmt.Errorf("store.url is required for a single-node deployment"))
		}
	}
	for name := range cfg.Store.Shards {
		c, err := shard.ParseCategory(name)
		if err != nil {
			add(fmt.Errorf("store.shards: %w", err))
		} else if string(c) != name {
			add(fmt.Errorf("store.shards: %q is an alias of %q, use the category name", name, c))
		}
	}

	add(v.validateOneOf("embedder provider", cfg.Embedder.Provider, validEmbedderProviders))
	switch cfg.Embedder.Provider {
	case "http":
		if cfg.Embedder.URL == "" {
			add(fmt.Errorf("embedder.url is required for the http provider"))
		}
		add(v.validatePositive("embedder.dimension", cfg.Embedder.Dimension))
	case "openai":
		add(v.ValidateAPIKey(cfg.Embedder.APIKey, "openai"))
	}
	if cfg.Embedder.Provider != "none" {
		add(v.validateDuration("embedder.timeout", cfg.Embedder.Timeout))
		add(v.validatePositive("embedder.query_cache_size", cfg.Embedder.QueryCacheSize))
	}

	add(v.validateOneOf("judge provider", cfg.Judge.Provider, validJudgeProviders))
	if cfg.Judge.Provider != "none" {
		add(v.ValidateAPIKey(cfg.Judge.APIKey, cfg.Judge.Provider))
		add(v.validateDuration("judge.timeout", cfg.Judge.Timeout))
		if cfg.Judge.RequestsPerSecond < 0 {
			add(fmt.Errorf("judge.requests_per_second must be >= 0"))
		}
	}

	add(v.validateDuration("health.interval", cfg.Health.Interval))
	add(v.validateDuration("health.call_timeout", cfg.Health.CallTimeout))
	add(v.validateDuration("health.check_timeout", cfg.Health.CheckTimeout))
	add(v.validatePositive("health.failure_threshold", cfg.Health.FailureThreshold))
	if cfg.Health.InitialDelay < 0 {
		add(fmt.Errorf("health.initial_delay must be >= 0"))
	}

	add(v.ValidateThreshold("recall.floor", cfg.Recall.Floor))
	add(v.ValidateThreshold("recall.fast_path_threshold", cfg.Recall.FastPathThreshold))
	add(v.ValidateThreshold("recall.tier_threshold", cfg.Recall.TierThreshold))
	add(v.ValidateThreshold("recall.max_strength", cfg.Recall.MaxStrength))
	add(v.ValidateThreshold("recall.dedup_threshold", cfg.Recall.DedupThreshold))
	add(v.validatePositive("recall.max_results", cfg.Recall.MaxResults))
	if cfg.Recall.FastPathMinHits < 0 {
		add(fmt.Errorf("recall.fast_path_min_hits must be >= 0"))
	}
	if cfg.Recall.ReinforceFactor < 1 {
		add(fmt.Errorf("recall.reinforce_factor must be >= 1, got %g", cfg.Recall.ReinforceFactor))
	}

	add(v.validatePositive("expansion.capacity", cfg.Expansion.Capacity))
	add(v.ValidateThreshold("expansion.overlap_threshold", cfg.Expansion.OverlapThreshold))

	add(v.validatePositive("recall_cache.capacity", cfg.RecallCache.Capacity))
	add(v.validateDuration("recall_cache.ttl", cfg.RecallCache.TTL))
	add(v.validateDuration("recall_cache.negative_ttl", cfg.RecallCache.NegativeTTL))
	add(v.ValidateThreshold("recall_cache.semantic_threshold", cfg.RecallCache.SemanticThreshold))
	add(v.ValidateThreshold("recall_cache.overlap_threshold", cfg.RecallCache.OverlapThreshold))

	if cfg.Warmer.Enabled {
		add(v.validatePositive("warmer.window", cfg.Warmer.Window))
		add(v.validatePositive("warmer.trigger_every", cfg.Warmer.TriggerEvery))
		add(v.validatePositive("warmer.batch_size", cfg.Warmer.BatchSize))
		add(v.validatePositive("warmer.max_predictions", cfg.Warmer.MaxPredictions))
	}

	if cfg.Decay.Enabled {
		add(v.ValidateSchedule(cfg.Decay.Schedule))
		if cfg.Decay.Rate <= 0 {
			add(fmt.Errorf("decay.rate must be positive, got %g", cfg.Decay.Rate))
		}
	}

	for name, w := range cfg.Motivations {
		if w < 0 {
			add(fmt.Errorf("motivation %q must be >= 0", name))
		}
	}

	if cfg.Hooks.Enabled {
		for i, h := range cfg.Hooks.Hooks {
			if !h.Enabled {
				continue
			}
			if !hooks.KnownEvent(h.Event) {
				add(fmt.Errorf("hooks[%d]: unknown event %q (must be one of %s)", i, h.Event, strings.Join(hooks.Events, ", ")))
			}
			if strings.TrimSpace(h.Script) == "" {
				add(fmt.Errorf("hooks[%d]: script is required", i))
			}
			if h.Timeout < 0 {
				add(fmt.Errorf("hooks[%d]: timeout must be >= 0", i))
			}
		}
	}

	add(v.ValidateLogLevel(cfg.Logging.Level))

	return errs
}

// Validate joins every ValidateConfig error into one.
func (v *Validator) Validate(cfg *Config) error {
	return errors.Join(v.ValidateConfig(cfg)...)
}
