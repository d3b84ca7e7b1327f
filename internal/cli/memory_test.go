package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/harun/memgate/internal/daemon"
	"github.com/harun/memgate/pkg/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteRecallGet(t *testing.T) {
	path, _ := writeTestConfig(t)

	out, err := executeCommand(t, "write", "--config", path, "-o", "json",
		"--shard", "procedural", "--event", "deploy", "--delta", "build=0.4",
		"run make deploy after the release branch is tagged")
	require.NoError(t, err)

	var written gateway.WriteResult
	require.NoError(t, json.Unmarshal([]byte(out), &written))
	require.NotEmpty(t, written.ID)
	assert.Equal(t, "procedural", written.Shard)
	assert.False(t, written.Queued)

	out, err = executeCommand(t, "recall", "--config", path, "-o", "json", "make deploy release")
	require.NoError(t, err)

	var recalled gateway.RecallResponse
	require.NoError(t, json.Unmarshal([]byte(out), &recalled))
	require.NotEmpty(t, recalled.Results)
	assert.Equal(t, written.ID, recalled.Results[0].ID)

	out, err = executeCommand(t, "get", "--config", path, written.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "ID: "+written.ID)
	assert.Contains(t, out, "Shard: procedural")
	assert.Contains(t, out, "run make deploy after the release branch is tagged")
}

func TestWriteTextOutput(t *testing.T) {
	path, _ := writeTestConfig(t)

	out, err := executeCommand(t, "write", "--config", path, "the staging database is rebuilt every night")
	require.NoError(t, err)
	assert.Contains(t, out, "Stored ")
	assert.Contains(t, out, "in episodic")

	out, err = executeCommand(t, "write", "--config", path, "the staging database is rebuilt every night")
	require.NoError(t, err)
	assert.Contains(t, out, "Duplicate of")
}

func TestWriteRejectsUnknownShard(t *testing.T) {
	path, _ := writeTestConfig(t)

	_, err := executeCommand(t, "write", "--config", path, "--shard", "dreams", "something")
	require.Error(t, err)
}

func TestRecallNothingFound(t *testing.T) {
	path, _ := writeTestConfig(t)

	out, err := executeCommand(t, "recall", "--config", path, "kubernetes ingress timeouts")
	require.NoError(t, err)
	assert.Contains(t, out, "No memories found")
}

func TestGetMissing(t *testing.T) {
	path, _ := writeTestConfig(t)

	_, err := executeCommand(t, "get", "--config", path, "does-not-exist")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestEncodeRequiresTurn(t *testing.T) {
	path, _ := writeTestConfig(t)

	_, err := executeCommand(t, "encode", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--user or --assistant")
}

func TestOneShotRefusesWhileServing(t *testing.T) {
	path, cfg := writeTestConfig(t)
	pidFile := filepath.Join(cfg.DataDir, daemon.PIDFileName)
	require.NoError(t, os.WriteFile(pidFile, []byte(fmt.Sprint(os.Getpid())), 0644))

	_, err := executeCommand(t, "recall", "--config", path, "anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stop it first")
}

func TestParseWeights(t *testing.T) {
	w, err := parseWeights(nil)
	require.NoError(t, err)
	assert.Nil(t, w)

	w, err = parseWeights(map[string]string{"fear": "0.5"})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"fear": 0.5}, w)

	_, err = parseWeights(map[string]string{"fear": "lots"})
	assert.ErrorContains(t, err, "invalid weight for fear")
}
