// Package workerpool runs tasks on a fixed set of goroutines fed from a
// bounded queue, retrying failures with exponential backoff. The
// notification service delivers through it.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned by TrySubmit when no queue slot is free.
	ErrQueueFull = errors.New("task queue is full")
	// ErrStopped is returned when submitting to a pool that is shutting down.
	ErrStopped = errors.New("pool is shutting down")
	// ErrPermanent marks a failure that retrying cannot fix.
	ErrPermanent = errors.New("permanent failure")
)

// Task is one unit of work. Context, when set, bounds every attempt.
type Task struct {
	ID      string
	Payload interface{}
	Context context.Context
}

// Result is the outcome of a task after its last attempt.
type Result struct {
	TaskID   string
	Payload  interface{}
	Attempts int
	Err      error
}

// WorkerFunc processes one task. A returned error is retried unless it
// wraps ErrPermanent.
type WorkerFunc func(ctx context.Context, task *Task) error

// Config holds worker pool configuration
type Config struct {
	Workers   int
	QueueSize int
	// MaxRetries is the number of attempts after the first.
	MaxRetries int
	// RetryDelay is the first backoff. It doubles on every retry up to
	// MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// GracefulShutdownTimeout bounds how long Stop waits for queued work.
	GracefulShutdownTimeout time.Duration
	// OnResult, when set, is called once per task after its last attempt.
	OnResult func(*Result)
}

// DefaultConfig returns defaults sized for webhook delivery
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               1024,
		MaxRetries:              3,
		RetryDelay:              200 * time.Millisecond,
		MaxRetryDelay:           5 * time.Second,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// withDefaults fills unset sizes and timeouts. Zero retries stays zero.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = def.MaxRetryDelay
	}
	if c.GracefulShutdownTimeout <= 0 {
		c.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}
	return c
}

// backoff returns the wait before retry n, counting from zero.
func (c Config) backoff(n int) time.Duration {
	d := c.RetryDelay
	for i := 0; i < n && d < c.MaxRetryDelay; i++ {
		d *= 2
	}
	return min(d, c.MaxRetryDelay)
}

// Pool runs submitted tasks on Config.Workers goroutines.
type Pool struct {
	config Config
	fn     WorkerFunc
	logger *zap.Logger

	queue chan *Task
	wg    sync.WaitGroup

	// abort cancels attempts still running when shutdown times out.
	abort  context.Context
	cancel context.CancelFunc

	// mu guards queue against sends after close.
	mu      sync.RWMutex
	stopped bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	active    atomic.Int64
}

// New creates a new worker pool
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	abort, cancel := context.WithCancel(context.Background())
	return &Pool{
		config: cfg,
		fn:     fn,
		logger: logger,
		queue:  make(chan *Task, cfg.QueueSize),
		abort:  abort,
		cancel: cancel,
	}, nil
}

// Start launches all workers
func (p *Pool) Start() {
	p.wg.Add(p.config.Workers)
	for i := 0; i < p.config.Workers; i++ {
		go p.work(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task, waiting for a free slot until ctx is done.
func (p *Pool) Submit(ctx context.Context, task *Task) error {
	return p.enqueue(task, ctx.Done(), func() error { return ctx.Err() })
}

// TrySubmit queues a task without waiting.
func (p *Pool) TrySubmit(task *Task) error {
	full := make(chan struct{})
	close(full)
	return p.enqueue(task, full, func() error { return ErrQueueFull })
}

// enqueue sends task unless the pool is stopped or giveUp fires first.
func (p *Pool) enqueue(task *Task, giveUp <-chan struct{}, reason func() error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	// Prefer a free slot over an already-closed giveUp.
	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return nil
	default:
	}
	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return nil
	case <-giveUp:
		return reason()
	case <-p.abort.Done():
		return ErrStopped
	}
}

// Stop drains queued tasks and waits for the workers, up to the graceful
// shutdown timeout. Tasks still retrying after that are cancelled.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(p.config.GracefulShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		p.logger.Warn("worker pool shutdown timed out, cancelling running tasks",
			zap.Int("queued", len(p.queue)))
		p.cancel()
		<-done
	}
	p.cancel()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) work(id int) {
	defer p.wg.Done()
	p.active.Add(1)
	defer p.active.Add(-1)

	for task := range p.queue {
		result := p.run(task)
		if result.Err == nil {
			p.completed.Add(1)
		} else {
			p.failed.Add(1)
			p.logger.Error("task failed",
				zap.String("task_id", task.ID),
				zap.Int("worker_id", id),
				zap.Int("attempts", result.Attempts),
				zap.Error(result.Err))
		}
		if p.config.OnResult != nil {
			p.config.OnResult(result)
		}
	}
}

// run attempts task until it succeeds, fails permanently, runs out of
// retries or is cancelled.
func (p *Pool) run(task *Task) *Result {
	ctx := task.Context
	if ctx == nil {
		ctx = p.abort
	}
	result := &Result{TaskID: task.ID, Payload: task.Payload}

	for {
		if err := errors.Join(ctx.Err(), p.abort.Err()); err != nil {
			result.Err = err
			return result
		}
		result.Attempts++
		result.Err = p.fn(ctx, task)
		if result.Err == nil || errors.Is(result.Err, ErrPermanent) || result.Attempts > p.config.MaxRetries {
			return result
		}

		wait := p.config.backoff(result.Attempts - 1)
		p.retried.Add(1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", result.Attempts),
			zap.Duration("backoff", wait),
			zap.Error(result.Err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
		case <-p.abort.Done():
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Stats is a snapshot of pool counters.
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	ActiveWorkers  int64
	QueueDepth     int
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: p.submitted.Load(),
		TasksCompleted: p.completed.Load(),
		TasksFailed:    p.failed.Load(),
		TasksRetried:   p.retried.Load(),
		ActiveWorkers:  p.active.Load(),
		QueueDepth:     len(p.queue),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}

// IsHealthy reports whether the queue is below 90% full.
func (p *Pool) IsHealthy() bool {
	return len(p.queue)*10 < p.config.QueueSize*9
}
