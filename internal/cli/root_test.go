package cli

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harun/memgate/internal/config"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// executeCommand runs the root command with args after resetting the
// package-level flag values a previous run may have left behind.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfgFile = ""
	logLevel = ""
	outputFormat = "text"
	recallOpts.limit = 0
	recallOpts.shards = nil
	recallOpts.noCache = false
	writeOpts.shard = ""
	writeOpts.event = ""
	writeOpts.skipDedup = false
	focusLimit = 5
	configureOpts = struct {
		driver       string
		architecture string
		url          string
		username     string
		password     string
		embedder     string
		embedderURL  string
		judge        string
		judgeModel   string
		judgeKey     string
		force        bool
	}{}

	cmd := GetRootCmd()
	resetHelpFlags(cmd)
	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(output)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return output.String(), err
}

// resetHelpFlags clears --help on c and its subcommands; cobra keeps the
// value between executions of the same command tree.
func resetHelpFlags(c *cobra.Command) {
	if f := c.Flags().Lookup("help"); f != nil {
		_ = f.Value.Set("false")
		f.Changed = false
	}
	for _, sub := range c.Commands() {
		resetHelpFlags(sub)
	}
}

// writeTestConfig saves a sqlite-backed config into a fresh data directory.
func writeTestConfig(t *testing.T) (string, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "memgate.json")

	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.Warmer.Enabled = false
	cfg.Decay.Enabled = false
	require.NoError(t, config.NewLoader(path).Save(cfg))
	return path, cfg
}

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		out, err := executeCommand(t, "--version")
		require.NoError(t, err)

		assert.Contains(t, out, "memgate version")
		assert.Contains(t, out, GetVersion())
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "", logLevelFlag.DefValue)

		outputFlag := cmd.PersistentFlags().Lookup("output")
		require.NotNil(t, outputFlag)
		assert.Equal(t, "text", outputFlag.DefValue)
		assert.Equal(t, "o", outputFlag.Shorthand)
	})

	t.Run("subcommands", func(t *testing.T) {
		names := map[string]bool{}
		for _, c := range GetRootCmd().Commands() {
			names[c.Name()] = true
		}
		for _, want := range []string{"serve", "stop", "status", "configure", "write", "recall", "focus", "get", "encode", "health", "stats", "decay", "queue", "predict", "motivations", "expansion"} {
			assert.True(t, names[want], "missing %s command", want)
		}
	})
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	assert.NotEmpty(t, version)
	assert.True(t, strings.HasPrefix(version, "0."))
}
