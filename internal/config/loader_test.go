package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/config.json")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/config.json", loader.GetConfigPath())
}

func TestLoaderLoad(t *testing.T) {
	t.Run("load default config when file doesn't exist", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "nonexistent.json")

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, "sqlite", cfg.Store.Driver)
		assert.Equal(t, tmpDir, cfg.DataDir)
		assert.Equal(t, filepath.Join(tmpDir, "memgate.log"), cfg.Logging.File)
	})

	t.Run("load config from file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")

		testConfig := `{
			"data_dir": "` + filepath.ToSlash(tmpDir) + `/data",
			"store": {
				"driver": "neo4j",
				"url": "http://localhost:7474",
				"shards": {"episodic": "http://10.0.0.1:7474"}
			},
			"recall": {"floor": 0.3, "routing": false},
			"recall_cache": {"ttl": "90s"},
			"health": {"interval": "1m"},
			"decay": {"schedule": "*/15 * * * *"}
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0644))

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, filepath.ToSlash(tmpDir)+"/data", cfg.DataDir)
		assert.Equal(t, "neo4j", cfg.Store.Driver)
		assert.Equal(t, "http://10.0.0.1:7474", cfg.Store.Shards["episodic"])
		assert.Equal(t, 0.3, cfg.Recall.Floor)
		assert.False(t, cfg.Recall.Routing)
		assert.Equal(t, 0.4, cfg.Recall.TierThreshold, "unset keys keep defaults")
		assert.Equal(t, 90*time.Second, cfg.RecallCache.TTL)
		assert.Equal(t, time.Minute, cfg.Health.Interval)
		assert.Equal(t, "*/15 * * * *", cfg.Decay.Schedule)
	})

	t.Run("environment overrides", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"judge": {"provider": "anthropic"}}`), 0644))

		t.Setenv("MEMGATE_JUDGE_API_KEY", "sk-ant-from-env")
		t.Setenv("MEMGATE_LOGGING_LEVEL", "debug")

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)
		assert.Equal(t, "anthropic", cfg.Judge.Provider)
		assert.Equal(t, "sk-ant-from-env", cfg.Judge.APIKey)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "invalid.json")
		require.NoError(t, os.WriteFile(configPath, []byte("invalid json"), 0644))

		_, err := NewLoader(configPath).Load()
		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nested", "memgate.json")

	cfg := DefaultConfig()
	cfg.DataDir = tmpDir
	cfg.Store.Driver = "memory"
	cfg.Recall.Floor = 0.35
	cfg.Motivations = map[string]float64{"grow": 0.9}
	cfg.Hooks = HooksConfig{
		Enabled: true,
		Hooks:   []HookConfig{{ID: "page", Event: "shard:offline", Script: "notify-send down", Enabled: true}},
	}

	loader := NewLoader(configPath)
	require.NoError(t, loader.Save(cfg))
	assert.FileExists(t, configPath)

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", loaded.Store.Driver)
	assert.Equal(t, 0.35, loaded.Recall.Floor)
	assert.Equal(t, 0.9, loaded.Motivations["grow"])
	assert.Equal(t, cfg.RecallCache.TTL, loaded.RecallCache.TTL)
	require.Len(t, loaded.Hooks.Hooks, 1)
	assert.Equal(t, "shard:offline", loaded.Hooks.Hooks[0].Event)
	assert.True(t, loaded.Hooks.Enabled)
}

func TestGetConfigPathDefault(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	assert.Equal(t, filepath.Join(home, ".memgate", "memgate.json"), NewLoader("").GetConfigPath())
}

func TestLoadConvenience(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.NotNil(t, cfg)
}
