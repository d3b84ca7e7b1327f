package shard

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harun/memgate/internal/observability"
	"github.com/harun/memgate/internal/tracing"
	"github.com/harun/memgate/pkg/store"
	"github.com/rs/zerolog"
)

const tracerName = "memgate.shard"

// DefaultCallTimeout bounds a store call when the caller gives no timeout.
const DefaultCallTimeout = 5 * time.Second

// CallOptions tunes a single Execute call.
type CallOptions struct {
	Timeout time.Duration
	// AllowOffline lets the call reach a shard marked offline. Health checks
	// set it so that a recovered shard can be noticed.
	AllowOffline bool
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	DefaultTimeout time.Duration
	Logger         zerolog.Logger
}

// Executor runs store operations against shards, keeping the registry's view
// of their health current.
type Executor struct {
	registry       *Registry
	store          store.Store
	defaultTimeout time.Duration
	logger         zerolog.Logger

	hookMu    sync.RWMutex
	onRecover []func(Category)
	onOffline []func(Category, error)
}

// NewExecutor creates an Executor.
func NewExecutor(registry *Registry, st store.Store, cfg ExecutorConfig) *Executor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultCallTimeout
	}
	observability.EnsureRegistered()
	for _, c := range registry.Categories() {
		observability.SetShardStatus(string(c), string(StatusUnknown))
	}
	return &Executor{
		registry:       registry,
		store:          st,
		defaultTimeout: cfg.DefaultTimeout,
		logger:         cfg.Logger,
	}
}

// Registry returns the registry the executor updates.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// OnRecover registers fn to run whenever a shard transitions to online. fn
// runs synchronously on the calling goroutine and must not block.
func (e *Executor) OnRecover(fn func(Category)) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.onRecover = append(e.onRecover, fn)
}

// OnOffline registers fn to run whenever a failure takes a shard offline,
// with the error that did it. Like OnRecover, fn must not block.
func (e *Executor) OnOffline(fn func(Category, error)) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.onOffline = append(e.onOffline, fn)
}

// Execute runs op against the shard for c.
func (e *Executor) Execute(ctx context.Context, c Category, op store.Operation, opts CallOptions) (*store.Result, error) {
	if _, err := e.registry.Lookup(c); err != nil {
		return nil, err
	}

	h, _ := e.registry.Health(c)
	if h.Status == StatusOffline && !opts.AllowOffline {
		observability.RecordStoreCall(string(c), string(op.Kind), 0, "offline")
		return nil, &OfflineError{Shard: c, LastSeen: h.LastSeen}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	ctx, span := tracing.StartSpan(
		ctx,
		tracerName,
		"shard.execute",
		tracing.Shard(string(c)),
		tracing.Op(string(op.Kind)),
	)
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := e.store.Execute(callCtx, string(c), op)
	duration := time.Since(start)

	logger := tracing.LoggerFromContext(ctx, e.logger)

	if err != nil {
		status := "error"
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = &TimeoutError{Shard: c, Timeout: timeout}
			status = "timeout"
		} else {
			err = &QueryError{Shard: c, Op: string(op.Kind), Err: err}
		}
		tracing.Fail(span, err)
		observability.RecordStoreCall(string(c), string(op.Kind), duration, status)

		if e.registry.RecordFailure(c, err) {
			observability.SetShardStatus(string(c), string(StatusOffline))
			after, _ := e.registry.Health(c)
			logger.Warn().
				Str("shard", string(c)).
				Int("failures", after.ConsecutiveFailures).
				Err(err).
				Msg("Shard marked offline")
			e.notifyOffline(c, err)
		} else {
			logger.Debug().Str("shard", string(c)).Str("op", string(op.Kind)).Err(err).Msg("Shard call failed")
		}
		return nil, err
	}

	observability.RecordStoreCall(string(c), string(op.Kind), duration, "success")
	if e.registry.RecordSuccess(c) {
		observability.SetShardStatus(string(c), string(StatusOnline))
		logger.Info().Str("shard", string(c)).Msg("Shard online")
		e.notifyRecover(c)
	}
	if res == nil {
		res = &store.Result{}
	}
	return res, nil
}

func (e *Executor) notifyRecover(c Category) {
	e.hookMu.RLock()
	hooks := make([]func(Category), len(e.onRecover))
	copy(hooks, e.onRecover)
	e.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(c)
	}
}

func (e *Executor) notifyOffline(c Category, err error) {
	e.hookMu.RLock()
	hooks := make([]func(Category, error), len(e.onOffline))
	copy(hooks, e.onOffline)
	e.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(c, err)
	}
}
