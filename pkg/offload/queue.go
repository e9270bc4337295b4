// Background upload queue that keeps object storage latency off the span ingestion path
// Stop drains queued work until the caller's deadline, then cancels what is left
package offload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Default sizing.
const (
	DefaultWorkers     = 1
	DefaultQueueSize   = 256
	DefaultCancelGrace = 5 * time.Second
)

var (
	// ErrStopped is returned by Enqueue before Start or after Stop.
	ErrStopped = errors.New("offload queue stopped")
	// ErrFull is returned by Enqueue when no queue slot is free.
	ErrFull = errors.New("offload queue full")
	// ErrDrainTimeout is returned by Stop when queued work was abandoned.
	ErrDrainTimeout = errors.New("offload queue drain timed out")
)

// Task is a unit of background work.
type Task struct {
	TraceID trace.TraceID
	Run     func(ctx context.Context) error
}

// Config sizes the queue. CancelGrace bounds how long Stop waits for
// workers to return once their context is cancelled.
type Config struct {
	Workers     int
	QueueSize   int
	CancelGrace time.Duration
}

// Queue runs tasks on a fixed pool of workers.
type Queue struct {
	cfg    Config
	logger *zap.Logger
	tasks  chan Task

	mu      sync.RWMutex
	started bool
	stopped bool

	wg      sync.WaitGroup
	runCtx  context.Context
	cancel  context.CancelFunc
	pending atomic.Int64
	failed  atomic.Int64
}

// New returns a queue. Workers start with Start.
func New(cfg Config, logger *zap.Logger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = DefaultCancelGrace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:    cfg,
		logger: logger,
		tasks:  make(chan Task, cfg.QueueSize),
		runCtx: ctx,
		cancel: cancel,
	}
}

// Start launches the workers. Calling it again has no effect.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.stopped {
		return
	}
	q.started = true
	for range q.cfg.Workers {
		q.wg.Go(q.worker)
	}
}

// Enqueue hands t to the workers without blocking.
func (q *Queue) Enqueue(t Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped || !q.started {
		return ErrStopped
	}
	q.pending.Add(1)
	select {
	case q.tasks <- t:
		return nil
	default:
		q.pending.Add(-1)
		return ErrFull
	}
}

// Pending returns the number of queued or running tasks.
func (q *Queue) Pending() int {
	return int(q.pending.Load())
}

// Failed returns the number of tasks that returned an error or panicked.
func (q *Queue) Failed() int {
	return int(q.failed.Load())
}

// Stop refuses new work and waits for queued tasks to finish. If ctx ends
// first, running tasks see their context cancelled and Stop reports how
// many tasks were abandoned. Stop returns only once every worker has exited,
// or CancelGrace after the cancellation. Stop is safe to call more than once.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	close(q.tasks)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		abandoned := q.pending.Load()
		q.cancel()
		q.logger.Warn("abandoning queued uploads at drain deadline", zap.Int64("abandoned", abandoned))
		grace := time.NewTimer(q.cfg.CancelGrace)
		defer grace.Stop()
		select {
		case <-done:
		case <-grace.C:
			q.logger.Error("offload workers still running after cancellation",
				zap.Duration("grace", q.cfg.CancelGrace), zap.Int64("pending", q.pending.Load()))
		}
		return fmt.Errorf("%w: %d task(s) abandoned", ErrDrainTimeout, abandoned)
	}
}

func (q *Queue) worker() {
	for t := range q.tasks {
		q.run(t)
	}
}

func (q *Queue) run(t Task) {
	defer q.pending.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			q.failed.Add(1)
			q.logger.Error("offload task panicked", zap.Stringer("trace_id", t.TraceID), zap.Any("panic", r))
		}
	}()
	if err := t.Run(q.runCtx); err != nil {
		q.failed.Add(1)
		q.logger.Debug("offload task failed", zap.Stringer("trace_id", t.TraceID), zap.Error(err))
	}
}
