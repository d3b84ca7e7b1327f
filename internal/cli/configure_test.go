package cli

import (
	"path/filepath"
	"testing"

	"github.com/harun/memgate/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memgate.json")

	out, err := executeCommand(t, "configure", "--config", path,
		"--driver", "neo4j", "--url", "http://graph:7474", "--password", "secret",
		"--embedder", "none")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration saved to: "+path)

	cfg, err := config.NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "neo4j", cfg.Store.Driver)
	assert.Equal(t, "http://graph:7474", cfg.Store.URL)
	assert.Equal(t, "secret", cfg.Store.Password)
	assert.Equal(t, "none", cfg.Embedder.Provider)

	_, err = executeCommand(t, "configure", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = executeCommand(t, "configure", "--config", path, "--force", "--driver", "memory")
	require.NoError(t, err)

	cfg, err = config.NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "http://graph:7474", cfg.Store.URL)
}

func TestConfigureRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memgate.json")

	_, err := executeCommand(t, "configure", "--config", path, "--driver", "neo4j")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
	assert.NoFileExists(t, path)
}
