package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/harun/memgate/pkg/recall"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "hash", cfg.Embedder.Provider)
	assert.Equal(t, "none", cfg.Judge.Provider)
	assert.Equal(t, 2, cfg.Health.FailureThreshold)
	assert.Equal(t, 0.25, cfg.Recall.Floor)
	assert.Equal(t, 0.6, cfg.Recall.FastPathThreshold)
	assert.Equal(t, 0.4, cfg.Recall.TierThreshold)
	assert.Equal(t, 0.90, cfg.Recall.DedupThreshold)
	assert.Equal(t, 500, cfg.Expansion.Capacity)
	assert.Equal(t, 100, cfg.RecallCache.Capacity)
	assert.Equal(t, 5*time.Minute, cfg.RecallCache.TTL)
	assert.Equal(t, 30*time.Second, cfg.RecallCache.NegativeTTL)
	assert.Equal(t, 0.75, cfg.RecallCache.SemanticThreshold)
	assert.True(t, cfg.Warmer.Enabled)
	assert.Equal(t, 4, cfg.Warmer.BatchSize)
	assert.Equal(t, 2, cfg.Warmer.TriggerEvery)
	assert.Equal(t, 12, cfg.Warmer.MaxPredictions)
	assert.Equal(t, "@hourly", cfg.Decay.Schedule)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Redaction)

	require.NoError(t, cfg.Validate())
}

func TestRecallParams(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Recall.Floor = 0.3
	cfg.Recall.MaxResults = 7
	cfg.Recall.Routing = false

	p := cfg.RecallParams()
	assert.Equal(t, 0.3, p.Floor)
	assert.Equal(t, 7, p.MaxResults)
	assert.True(t, p.DisableRouting)
	assert.Equal(t, recall.DefaultParams().CandidatePool, p.CandidatePool)

	cfg.Recall.Routing = true
	assert.False(t, cfg.RecallParams().DisableRouting)
}

func TestConfigString(t *testing.T) {
	cfg := DefaultConfig()
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(cfg.String()), &decoded))
	assert.Contains(t, decoded, "recall_cache")
	assert.Contains(t, decoded, "store")
}
