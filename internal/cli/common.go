package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/harun/memgate/internal/config"
	"github.com/harun/memgate/internal/daemon"
	"github.com/harun/memgate/internal/logger"
	"github.com/harun/memgate/pkg/gateway"
	"github.com/spf13/cobra"
)

// idleTimeout bounds how long a one-shot command waits for background
// indexing and reinforcement before closing the gateway.
const idleTimeout = 10 * time.Second

// loadConfig reads the config file (or defaults) and applies flag overrides.
func loadConfig() (*config.Config, *config.Loader, error) {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, loader, nil
}

// newLogger builds the process logger. One-shot commands keep the console
// clean and log to the file only.
func newLogger(cfg *config.Config, console bool) (*logger.Logger, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
	})
}

func getPIDFilePath(cfg *config.Config) string {
	return daemon.PIDFilePath(cfg.DataDir)
}

func isRunning(pidFile string) bool {
	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return false
	}
	return daemon.ProcessAlive(pid)
}

// withGateway opens the configured gateway for a single command and closes
// it afterwards. The data directory belongs to a running daemon, so this
// refuses to run next to one.
func withGateway(cmd *cobra.Command, fn func(ctx context.Context, gw *gateway.Gateway) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if pidFile := getPIDFilePath(cfg); isRunning(pidFile) {
		return fmt.Errorf("memgate is serving from %s; stop it first (PID file: %s)", cfg.DataDir, pidFile)
	}

	log, err := newLogger(cfg, false)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	gw, components, err := daemon.OpenGateway(cfg, log.GetZerolog())
	if err != nil {
		return err
	}
	defer components.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	runErr := fn(ctx, gw)
	gw.WaitIdle(idleTimeout)
	if err := gw.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
