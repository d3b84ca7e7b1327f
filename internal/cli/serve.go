package cli

import (
	"fmt"

	"github.com/harun/memgate/internal/daemon"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Run the memgate service in the foreground",
	Long: `Run the memgate service in the foreground until SIGINT or SIGTERM.
The service monitors shard health, replays queued writes when a shard
recovers, runs the decay schedule and exposes Prometheus metrics.
Edits to the config file retune thresholds without a restart.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, loader, err := loadConfig()
	if err != nil {
		return err
	}

	pidFile := getPIDFilePath(cfg)
	if isRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}

	log, err := newLogger(cfg, true)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	d.WatchConfig(loader)

	if err := d.Start(); err != nil {
		return err
	}
	d.Wait()
	return nil
}
