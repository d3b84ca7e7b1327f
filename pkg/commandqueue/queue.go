package commandqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/memgate/internal/observability"
	"github.com/harun/memgate/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Task is a background operation. Its error is only logged.
type Task func(ctx context.Context) error

// LaneConfig bounds a lane.
type LaneConfig struct {
	Concurrency int
	// MaxQueued caps tasks waiting to start; 0 means DefaultMaxQueued.
	MaxQueued int
}

const (
	DefaultMaxQueued    = 256
	DefaultDrainTimeout = 5 * time.Second
)

// Config configures a CommandQueue.
type Config struct {
	// Lanes pre-declares lanes; unknown lanes get DefaultLane.
	Lanes        map[string]LaneConfig
	DefaultLane  LaneConfig
	DrainTimeout time.Duration
	Logger       zerolog.Logger
}

// taskRecord tracks a task's execution state
type taskRecord struct {
	id         string
	name       string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
}

// laneState manages execution state for a single lane
type laneState struct {
	concurrency int
	maxQueued   int
	queue       []*taskRecord
	running     int
	mu          sync.Mutex
}

// CommandQueue provides lane-based background execution with concurrency control
type CommandQueue struct {
	logger       zerolog.Logger
	defaultLane  LaneConfig
	drainTimeout time.Duration

	lanes     map[string]*laneState
	taskIDSeq int
	closed    bool
	mu        sync.RWMutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a CommandQueue.
func New(cfg Config) *CommandQueue {
	observability.EnsureRegistered()

	if cfg.DefaultLane.Concurrency <= 0 {
		cfg.DefaultLane.Concurrency = 1
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	cq := &CommandQueue{
		logger:       cfg.Logger,
		defaultLane:  cfg.DefaultLane,
		drainTimeout: cfg.DrainTimeout,
		lanes:        make(map[string]*laneState),
		ctx:          ctx,
		cancel:       cancel,
	}
	for name, lc := range cfg.Lanes {
		cq.initLane(name, lc)
	}
	return cq
}

// initLane initializes a lane if it does not exist yet
func (cq *CommandQueue) initLane(lane string, lc LaneConfig) *laneState {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if ls, exists := cq.lanes[lane]; exists {
		return ls
	}
	if lc.Concurrency <= 0 {
		lc.Concurrency = 1
	}
	if lc.MaxQueued <= 0 {
		lc.MaxQueued = DefaultMaxQueued
	}
	ls := &laneState{
		concurrency: lc.Concurrency,
		maxQueued:   lc.MaxQueued,
	}
	cq.lanes[lane] = ls
	cq.logger.Debug().Str("lane", lane).Int("concurrency", lc.Concurrency).Msg("Lane initialized")
	return ls
}

func (cq *CommandQueue) lane(lane string) *laneState {
	cq.mu.RLock()
	ls, exists := cq.lanes[lane]
	cq.mu.RUnlock()
	if exists {
		return ls
	}
	return cq.initLane(lane, cq.defaultLane)
}

// Submit queues task on lane and returns immediately. It reports false when
// the queue is closed or the lane is full. The task runs with ctx's values
// but not its cancellation; Close cancels it.
func (cq *CommandQueue) Submit(ctx context.Context, lane, name string, task Task) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := tracing.LoggerFromContext(ctx, cq.logger)

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		logger.Debug().Str("lane", lane).Str("task", name).Msg("Queue closed, task dropped")
		observability.RecordBackgroundDropped(lane)
		return false
	}
	cq.taskIDSeq++
	taskID := fmt.Sprintf("%s-%d", lane, cq.taskIDSeq)
	// Counted before Close can observe closed, so Close always waits for it.
	cq.wg.Add(1)
	cq.mu.Unlock()

	ls := cq.lane(lane)
	record := &taskRecord{
		id:         taskID,
		name:       name,
		task:       task,
		ctx:        tracing.WithLane(tracing.Detach(ctx), lane),
		enqueuedAt: time.Now(),
	}

	ls.mu.Lock()
	if len(ls.queue) >= ls.maxQueued {
		ls.mu.Unlock()
		cq.wg.Done()
		logger.Warn().Str("lane", lane).Str("task", name).Msg("Lane full, task dropped")
		observability.RecordBackgroundDropped(lane)
		return false
	}
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	logger.Debug().
		Str("lane", lane).
		Str("taskId", taskID).
		Str("task", name).
		Int("queueSize", queueSize).
		Msg("Task enqueued")
	observability.SetBackgroundQueueSize(lane, queueSize)

	go cq.processLane(lane, ls)
	return true
}

// processLane starts queued tasks while the lane has capacity
func (cq *CommandQueue) processLane(lane string, ls *laneState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue[0] = nil
		ls.queue = ls.queue[1:]
		ls.running++
		go cq.executeTask(lane, ls, record)
	}
	observability.SetBackgroundQueueSize(lane, len(ls.queue))
}

// executeTask executes a single task
func (cq *CommandQueue) executeTask(lane string, ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(
		record.ctx,
		"memgate.commandqueue",
		"commandqueue.execute_task",
		tracing.LaneAttr.String(lane),
		attribute.String("task", record.name),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(taskCtx, cq.logger)

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	startTime := time.Now()
	err := cq.run(runCtx, record)
	duration := time.Since(startTime)

	ls.mu.Lock()
	ls.running--
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	if err != nil {
		tracing.Fail(span, err)
		logger.Warn().
			Str("lane", lane).
			Str("taskId", record.id).
			Str("task", record.name).
			Dur("duration", duration).
			Err(err).
			Msg("Background task failed")
	} else {
		logger.Debug().
			Str("lane", lane).
			Str("taskId", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}
	observability.RecordBackgroundTask(lane, duration, err == nil, queueSize)

	cq.processLane(lane, ls)
}

func (cq *CommandQueue) run(ctx context.Context, record *taskRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return record.task(ctx)
}

// GetQueueSize returns the number of queued tasks for a lane
func (cq *CommandQueue) GetQueueSize(lane string) int {
	cq.mu.RLock()
	ls, exists := cq.lanes[lane]
	cq.mu.RUnlock()

	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// GetRunningCount returns the number of currently executing tasks for a lane
func (cq *CommandQueue) GetRunningCount(lane string) int {
	cq.mu.RLock()
	ls, exists := cq.lanes[lane]
	cq.mu.RUnlock()

	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running
}

// GetStats returns statistics for all lanes
func (cq *CommandQueue) GetStats() map[string]map[string]int {
	cq.mu.RLock()
	defer cq.mu.RUnlock()

	stats := make(map[string]map[string]int)
	for lane, ls := range cq.lanes {
		ls.mu.Lock()
		stats[lane] = map[string]int{
			"queued":      len(ls.queue),
			"running":     ls.running,
			"concurrency": ls.concurrency,
		}
		ls.mu.Unlock()
	}

	return stats
}

// SetConcurrency updates the concurrency limit for a lane
func (cq *CommandQueue) SetConcurrency(lane string, concurrency int) {
	if concurrency <= 0 {
		return
	}
	ls := cq.lane(lane)
	ls.mu.Lock()
	oldMax := ls.concurrency
	ls.concurrency = concurrency
	ls.mu.Unlock()

	cq.logger.Info().
		Str("lane", lane).
		Int("oldMax", oldMax).
		Int("newMax", concurrency).
		Msg("Lane concurrency updated")

	if concurrency > oldMax {
		go cq.processLane(lane, ls)
	}
}

// WaitIdle waits until no task is queued or running, up to timeout.
func (cq *CommandQueue) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if cq.idle() {
			return true
		}
		if time.Now().After(deadline) {
			cq.logger.Warn().Dur("timeout", timeout).Msg("Timeout waiting for background tasks")
			return false
		}
		<-ticker.C
	}
}

func (cq *CommandQueue) idle() bool {
	cq.mu.RLock()
	defer cq.mu.RUnlock()
	for _, ls := range cq.lanes {
		ls.mu.Lock()
		busy := ls.running > 0 || len(ls.queue) > 0
		ls.mu.Unlock()
		if busy {
			return false
		}
	}
	return true
}

// Close stops accepting tasks, gives queued ones the drain timeout to
// finish, then cancels whatever is left and waits for it to return.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	cq.mu.Unlock()

	cq.WaitIdle(cq.drainTimeout)
	cq.cancel()
	cq.wg.Wait()
	return nil
}
