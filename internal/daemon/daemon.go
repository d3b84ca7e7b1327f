package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/memgate/internal/config"
	"github.com/harun/memgate/internal/logger"
	"github.com/harun/memgate/internal/observability"
	"github.com/harun/memgate/internal/tracing"
	"github.com/harun/memgate/pkg/gateway"
)

// stopTimeout bounds how long Stop waits for background work to settle.
const stopTimeout = 5 * time.Second

// Daemon represents the memgate service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	gateway    *gateway.Gateway
	components *Components

	// Services
	metricsServer *http.Server
	metricsAddr   string
	watcher       *config.Watcher
	loader        *config.Loader

	// Internal
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()
	tracingEnabled := true
	if err := tracing.InitOpenTelemetry("memgate"); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		tracingEnabled = false
	}

	gw, components, err := OpenGateway(cfg, log.GetZerolog())
	if err != nil {
		cancel()
		if tracingEnabled {
			_ = tracing.ShutdownOpenTelemetry(context.Background())
		}
		return nil, fmt.Errorf("failed to initialize gateway: %w", err)
	}

	d := &Daemon{
		config:         cfg,
		logger:         log,
		gateway:        gw,
		components:     components,
		ctx:            ctx,
		cancel:         cancel,
		tracingEnabled: tracingEnabled,
	}
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// WatchConfig makes Start follow the loader's config file and retune the
// gateway whenever a valid version is saved.
func (d *Daemon) WatchConfig(loader *config.Loader) {
	d.mu.Lock()
	d.loader = loader
	d.mu.Unlock()
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	loader := d.loader
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Str("data_dir", d.config.DataDir).Str("driver", d.config.Store.Driver).Msg("Starting memgate")

	// Start lifecycle manager
	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	d.gateway.Start(d.ctx)

	// Start metrics listener
	if listen := d.config.Metrics.Listen; listen != "" {
		ln, err := net.Listen("tcp", listen)
		if err != nil {
			_ = d.gateway.Close()
			d.components.Close()
			_ = d.lifecycle.Stop()
			d.setStopped()
			return fmt.Errorf("failed to listen on %s: %w", listen, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.MetricsHandler())
		d.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		d.metricsAddr = ln.Addr().String()

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
		logger.Info().Str("addr", d.metricsAddr).Msg("Metrics server started")
	}

	// Follow config edits
	if loader != nil {
		w, err := config.Watch(loader, logger.With().Str("component", "config").Logger(), d.applyConfig)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to watch config, changes need a restart")
		} else {
			d.watcher = w
		}
	}

	logger.Info().Msg("memgate started")

	return nil
}

// applyConfig retunes the running gateway and the log level. Store,
// providers and capacities are fixed for the life of the process.
func (d *Daemon) applyConfig(cfg *config.Config) {
	d.gateway.Retune(TuningFor(cfg))
	if err := d.logger.SetLevel(cfg.Logging.Level); err != nil {
		d.logger.Warn().Err(err).Msg("Keeping previous log level")
		return
	}
	d.logger.Info().Str("level", cfg.Logging.Level).Msg("Config applied")
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping memgate")

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop config watcher")
		}
	}

	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := d.metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop metrics server")
		}
		cancel()
	}

	if !d.gateway.WaitIdle(stopTimeout) {
		logger.Warn().Msg("Timeout waiting for background work")
	}
	if err := d.gateway.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close gateway")
	}
	d.components.Close()

	// Cancel context
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(stopTimeout):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	// Stop lifecycle manager
	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	logger.Info().Msg("memgate stopped")

	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		status.Health = d.gateway.Health()
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetGateway returns the memory gateway
func (d *Daemon) GetGateway() *gateway.Gateway {
	return d.gateway
}

// MetricsAddr returns the address the metrics server listens on, empty
// before Start or when metrics are disabled.
func (d *Daemon) MetricsAddr() string {
	return d.metricsAddr
}

// Status represents daemon status
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Health    gateway.HealthReport
}
