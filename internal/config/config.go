package config

import (
	"encoding/json"
	"time"

	"github.com/harun/memgate/pkg/expansion"
	"github.com/harun/memgate/pkg/recall"
	"github.com/harun/memgate/pkg/recallcache"
	"github.com/harun/memgate/pkg/shard"
	"github.com/harun/memgate/pkg/store"
	"github.com/harun/memgate/pkg/warmer"
)

// Config represents the main memgate configuration
type Config struct {
	// Data directory for the write queue, caches and sqlite shards
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Store       StoreConfig       `json:"store" mapstructure:"store"`
	Embedder    EmbedderConfig    `json:"embedder" mapstructure:"embedder"`
	Judge       JudgeConfig       `json:"judge" mapstructure:"judge"`
	Health      HealthConfig      `json:"health" mapstructure:"health"`
	Recall      RecallConfig      `json:"recall" mapstructure:"recall"`
	Expansion   ExpansionConfig   `json:"expansion" mapstructure:"expansion"`
	RecallCache RecallCacheConfig `json:"recall_cache" mapstructure:"recall_cache"`
	Warmer      WarmerConfig      `json:"warmer" mapstructure:"warmer"`
	Decay       DecayConfig       `json:"decay" mapstructure:"decay"`
	Logging     LoggingConfig     `json:"logging" mapstructure:"logging"`
	Metrics     MetricsConfig     `json:"metrics" mapstructure:"metrics"`
	Hooks       HooksConfig       `json:"hooks" mapstructure:"hooks"`

	// Initial motivation weights; missing names keep their defaults
	Motivations map[string]float64 `json:"motivations" mapstructure:"motivations"`
}

// StoreConfig selects the shard backend
type StoreConfig struct {
	Driver       string `json:"driver" mapstructure:"driver"`             // memory, sqlite, neo4j
	Architecture string `json:"architecture" mapstructure:"architecture"` // single-node, multi-shard
	URL          string `json:"url" mapstructure:"url"`
	// Per-shard endpoints for multi-shard deployments, keyed by category
	Shards   map[string]string `json:"shards" mapstructure:"shards"`
	Database string            `json:"database" mapstructure:"database"`
	Username string            `json:"username" mapstructure:"username"`
	Password string            `json:"password" mapstructure:"password"`
}

// EmbedderConfig configures the embedding provider
type EmbedderConfig struct {
	Provider       string        `json:"provider" mapstructure:"provider"` // none, hash, http, openai
	URL            string        `json:"url" mapstructure:"url"`
	Model          string        `json:"model" mapstructure:"model"`
	APIKey         string        `json:"api_key" mapstructure:"api_key"`
	Dimension      int           `json:"dimension" mapstructure:"dimension"`
	Timeout        time.Duration `json:"timeout" mapstructure:"timeout"`
	QueryCacheSize int           `json:"query_cache_size" mapstructure:"query_cache_size"`
}

// JudgeConfig configures the relevance judge
type JudgeConfig struct {
	Provider          string        `json:"provider" mapstructure:"provider"` // none, anthropic, openai
	Model             string        `json:"model" mapstructure:"model"`
	APIKey            string        `json:"api_key" mapstructure:"api_key"`
	Timeout           time.Duration `json:"timeout" mapstructure:"timeout"`
	RequestsPerSecond float64       `json:"requests_per_second" mapstructure:"requests_per_second"`
}

// HealthConfig tunes shard health tracking
type HealthConfig struct {
	Interval         time.Duration `json:"interval" mapstructure:"interval"`
	InitialDelay     time.Duration `json:"initial_delay" mapstructure:"initial_delay"`
	FailureThreshold int           `json:"failure_threshold" mapstructure:"failure_threshold"`
	CallTimeout      time.Duration `json:"call_timeout" mapstructure:"call_timeout"`
	CheckTimeout     time.Duration `json:"check_timeout" mapstructure:"check_timeout"`
}

// RecallConfig holds the recall pipeline thresholds
type RecallConfig struct {
	Floor             float64 `json:"floor" mapstructure:"floor"`
	FastPathThreshold float64 `json:"fast_path_threshold" mapstructure:"fast_path_threshold"`
	FastPathMinHits   int     `json:"fast_path_min_hits" mapstructure:"fast_path_min_hits"`
	TierThreshold     float64 `json:"tier_threshold" mapstructure:"tier_threshold"`
	MaxResults        int     `json:"max_results" mapstructure:"max_results"`
	ReinforceFactor   float64 `json:"reinforce_factor" mapstructure:"reinforce_factor"`
	MaxStrength       float64 `json:"max_strength" mapstructure:"max_strength"`
	DedupThreshold    float64 `json:"dedup_threshold" mapstructure:"dedup_threshold"`
	Routing           bool    `json:"routing" mapstructure:"routing"`
}

// ExpansionConfig sizes the query expansion cache
type ExpansionConfig struct {
	Capacity         int     `json:"capacity" mapstructure:"capacity"`
	OverlapThreshold float64 `json:"overlap_threshold" mapstructure:"overlap_threshold"`
}

// RecallCacheConfig sizes the recall result cache
type RecallCacheConfig struct {
	Capacity          int           `json:"capacity" mapstructure:"capacity"`
	TTL               time.Duration `json:"ttl" mapstructure:"ttl"`
	NegativeTTL       time.Duration `json:"negative_ttl" mapstructure:"negative_ttl"`
	SemanticThreshold float64       `json:"semantic_threshold" mapstructure:"semantic_threshold"`
	OverlapThreshold  float64       `json:"overlap_threshold" mapstructure:"overlap_threshold"`
}

// WarmerConfig tunes predictive cache warming
type WarmerConfig struct {
	Enabled        bool `json:"enabled" mapstructure:"enabled"`
	Window         int  `json:"window" mapstructure:"window"`
	TriggerEvery   int  `json:"trigger_every" mapstructure:"trigger_every"`
	BatchSize      int  `json:"batch_size" mapstructure:"batch_size"`
	MaxPredictions int  `json:"max_predictions" mapstructure:"max_predictions"`
}

// DecayConfig schedules the forgetting sweep
type DecayConfig struct {
	Enabled  bool    `json:"enabled" mapstructure:"enabled"`
	Schedule string  `json:"schedule" mapstructure:"schedule"` // cron expression or descriptor
	Rate     float64 `json:"rate" mapstructure:"rate"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// MetricsConfig holds the Prometheus listener configuration
type MetricsConfig struct {
	Listen string `json:"listen" mapstructure:"listen"`
}

// HooksConfig runs shell commands on gateway events
type HooksConfig struct {
	Enabled bool         `json:"enabled" mapstructure:"enabled"`
	Hooks   []HookConfig `json:"hooks" mapstructure:"hooks"`
}

// HookConfig is one event hook
type HookConfig struct {
	ID      string        `json:"id" mapstructure:"id"`
	Event   string        `json:"event" mapstructure:"event"` // shard:offline, shard:online, queue:drained, decay:finished
	Script  string        `json:"script" mapstructure:"script"`
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
	Enabled bool          `json:"enabled" mapstructure:"enabled"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	params := recall.DefaultParams()
	return &Config{
		Store: StoreConfig{
			Driver:       "sqlite",
			Architecture: "single-node",
			Database:     "neo4j",
			Username:     "neo4j",
		},
		Embedder: EmbedderConfig{
			Provider:       "hash",
			Dimension:      256,
			Timeout:        10 * time.Second,
			QueryCacheSize: 1024,
		},
		Judge: JudgeConfig{
			Provider:          "none",
			Timeout:           10 * time.Second,
			RequestsPerSecond: 2,
		},
		Health: HealthConfig{
			Interval:         shard.DefaultCheckInterval,
			InitialDelay:     shard.DefaultInitialDelay,
			FailureThreshold: shard.DefaultFailureThreshold,
			CallTimeout:      shard.DefaultCallTimeout,
			CheckTimeout:     shard.DefaultCheckTimeout,
		},
		Recall: RecallConfig{
			Floor:             params.Floor,
			FastPathThreshold: params.FastPathThreshold,
			TierThreshold:     params.TierThreshold,
			MaxResults:        params.MaxResults,
			ReinforceFactor:   params.ReinforceFactor,
			MaxStrength:       params.MaxStrength,
			DedupThreshold:    0.90,
			Routing:           true,
		},
		Expansion: ExpansionConfig{
			Capacity:         expansion.DefaultCapacity,
			OverlapThreshold: expansion.DefaultOverlapThreshold,
		},
		RecallCache: RecallCacheConfig{
			Capacity:          recallcache.DefaultCapacity,
			TTL:               recallcache.DefaultTTL,
			NegativeTTL:       recallcache.DefaultNegativeTTL,
			SemanticThreshold: recallcache.DefaultSemanticThreshold,
			OverlapThreshold:  recallcache.DefaultOverlapThreshold,
		},
		Warmer: WarmerConfig{
			Enabled:        true,
			Window:         warmer.DefaultWindow,
			TriggerEvery:   warmer.DefaultTriggerEvery,
			BatchSize:      warmer.DefaultBatchSize,
			MaxPredictions: warmer.DefaultMaxPredictions,
		},
		Decay: DecayConfig{
			Enabled:  true,
			Schedule: "@hourly",
			Rate:     store.DefaultDecayRate,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9464",
		},
	}
}

// RecallParams converts the recall section into pipeline parameters.
func (c *Config) RecallParams() recall.Params {
	p := recall.DefaultParams()
	p.Floor = c.Recall.Floor
	p.FastPathThreshold = c.Recall.FastPathThreshold
	p.FastPathMinHits = c.Recall.FastPathMinHits
	p.TierThreshold = c.Recall.TierThreshold
	p.MaxResults = c.Recall.MaxResults
	p.ReinforceFactor = c.Recall.ReinforceFactor
	p.MaxStrength = c.Recall.MaxStrength
	p.DisableRouting = !c.Recall.Routing
	return p
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	return NewValidator().Validate(c)
}
