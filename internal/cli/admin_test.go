package cli

import (
	"encoding/json"
	"testing"

	"github.com/harun/memgate/pkg/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthCommand(t *testing.T) {
	path, _ := writeTestConfig(t)

	out, err := executeCommand(t, "health", "--config", path, "-o", "json")
	require.NoError(t, err)

	var report gateway.HealthReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, gateway.StateHealthy, report.Status)
	assert.Equal(t, 4, report.Total)
	assert.Equal(t, 4, report.Online)
}

func TestStatsCommand(t *testing.T) {
	path, _ := writeTestConfig(t)

	_, err := executeCommand(t, "write", "--config", path, "--shard", "semantic", "raft elects a leader by majority vote")
	require.NoError(t, err)

	out, err := executeCommand(t, "stats", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Total: 1 memories")
	assert.Contains(t, out, "Indexed vectors: 1")
}

func TestDecayCommand(t *testing.T) {
	path, _ := writeTestConfig(t)

	out, err := executeCommand(t, "decay", "--config", path, "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "decayed: 0")
}

func TestQueueCommands(t *testing.T) {
	path, _ := writeTestConfig(t)

	out, err := executeCommand(t, "queue", "list", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Write queue is empty")

	out, err = executeCommand(t, "queue", "drain", "--config", path, "episodic")
	require.NoError(t, err)
	assert.Contains(t, out, "replayed=0 failed=0 remaining=0")
}

func TestMotivationsCommand(t *testing.T) {
	path, _ := writeTestConfig(t)

	out, err := executeCommand(t, "motivations", "--config", path, "-o", "json", "grow=0.95")
	require.NoError(t, err)

	var weights map[string]float64
	require.NoError(t, json.Unmarshal([]byte(out), &weights))
	assert.Equal(t, 0.95, weights["grow"])
	assert.Contains(t, weights, "serve")

	_, err = executeCommand(t, "motivations", "--config", path, "grow")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected name=weight")
}

func TestExpansionCommands(t *testing.T) {
	path, _ := writeTestConfig(t)

	out, err := executeCommand(t, "expansion", "list", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Expansion cache is empty")

	out, err = executeCommand(t, "expansion", "clear", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Cleared 0 expansions")
}

func TestPredictWithoutJudge(t *testing.T) {
	path, _ := writeTestConfig(t)

	out, err := executeCommand(t, "predict", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "No predictions")
}

func TestUnknownOutputFormat(t *testing.T) {
	path, _ := writeTestConfig(t)

	_, err := executeCommand(t, "status", "--config", path, "-o", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown output format")
}
