package shard

import (
	"context"
	"sync"
	"time"

	"github.com/harun/memgate/pkg/store"
	"github.com/rs/zerolog"
)

const (
	DefaultCheckInterval = 30 * time.Second
	DefaultInitialDelay  = 2 * time.Second
	DefaultCheckTimeout  = 3 * time.Second
)

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	Interval     time.Duration
	InitialDelay time.Duration
	CheckTimeout time.Duration
	Logger       zerolog.Logger
}

// Monitor polls every shard on a fixed interval, plus once shortly after
// Start. Polls go through the Executor with AllowOffline set, so a successful
// poll of an offline shard brings it back online and fires the recover hooks.
type Monitor struct {
	exec   *Executor
	cfg    MonitorConfig
	logger zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a Monitor. Zero durations take the defaults.
func NewMonitor(exec *Executor, cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultCheckInterval
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultInitialDelay
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultCheckTimeout
	}
	return &Monitor{exec: exec, cfg: cfg, logger: cfg.Logger}
}

// Start launches the polling loop. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go m.run(ctx)
	m.logger.Info().
		Dur("interval", m.cfg.Interval).
		Dur("initial_delay", m.cfg.InitialDelay).
		Msg("Health monitor started")
}

// Stop halts the loop and waits for an in-flight poll to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
	m.logger.Info().Msg("Health monitor stopped")
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	initial := time.NewTimer(m.cfg.InitialDelay)
	defer initial.Stop()
	select {
	case <-initial.C:
		m.CheckNow(ctx)
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.CheckNow(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckNow polls every shard once, sequentially, and returns the resulting
// snapshot.
func (m *Monitor) CheckNow(ctx context.Context) []ShardHealth {
	reg := m.exec.Registry()
	for _, c := range reg.Categories() {
		if ctx.Err() != nil {
			break
		}
		_, err := m.exec.Execute(ctx, c, store.Ping(), CallOptions{
			Timeout:      m.cfg.CheckTimeout,
			AllowOffline: true,
		})
		if err != nil {
			m.logger.Debug().Str("shard", string(c)).Err(err).Msg("Health check failed")
		}
	}
	return reg.Snapshot()
}
