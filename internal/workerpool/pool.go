// Package workerpool provides the bounded executor for proof verification.
// The pool is a pure compute-offload primitive: it knows nothing about
// identities or abuse policy, and a crashing task never takes a worker
// down with it.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrPoolClosed    = errors.New("worker pool is not running")
	ErrPoolSaturated = errors.New("worker pool queue is full")
	ErrTaskTimeout   = errors.New("task deadline exceeded")
)

// TaskFunc is a unit of work. The context carries the per-task deadline;
// a function that ignores it is abandoned at the deadline so the worker
// stays available.
type TaskFunc func(ctx context.Context) (interface{}, error)

// Result is the outcome of one task.
type Result struct {
	Value    interface{}
	Err      error
	Duration time.Duration
}

// Future resolves to a task's Result exactly once.
type Future struct {
	done   chan struct{}
	result Result
}

// Wait blocks until the task resolves or the caller's context expires.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (f *Future) resolve(r Result) {
	f.result = r
	close(f.done)
}

// Config defines worker pool settings.
type Config struct {
	Workers     int           `yaml:"workers"` // 0 = NumCPU
	QueueSize   int           `yaml:"queue_size"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// Stats tracks pool counters.
type Stats struct {
	Submitted atomic.Uint64
	Completed atomic.Uint64
	Failed    atomic.Uint64
	Timeouts  atomic.Uint64
	Panics    atomic.Uint64
	Busy      atomic.Int32
}

type task struct {
	fn     TaskFunc
	future *Future
}

// Pool is a fixed-size worker pool with a bounded FIFO queue.
type Pool struct {
	logger *zap.Logger
	config Config

	taskQueue chan *task
	workerWG  sync.WaitGroup

	mu      sync.RWMutex
	running bool

	stats Stats
}

// New creates a pool. Call Start before submitting.
func New(logger *zap.Logger, config Config) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Workers <= 0 {
		config.Workers = runtime.NumCPU()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = config.Workers * 16
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = 5 * time.Second
	}

	return &Pool{
		logger:    logger.Named("workerpool"),
		config:    config,
		taskQueue: make(chan *task, config.QueueSize),
	}
}

// Start launches the workers.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("worker pool already running")
	}
	p.running = true

	p.logger.Info("starting worker pool",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize),
		zap.Duration("task_timeout", p.config.TaskTimeout),
	)

	for i := 0; i < p.config.Workers; i++ {
		p.workerWG.Add(1)
		go p.worker(i)
	}
	return nil
}

// Stop rejects new submissions, drains queued tasks and waits for the
// workers to finish.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return fmt.Errorf("worker pool not running")
	}
	p.running = false
	close(p.taskQueue)
	p.mu.Unlock()

	p.workerWG.Wait()

	p.logger.Info("worker pool stopped",
		zap.Uint64("tasks_completed", p.stats.Completed.Load()),
		zap.Uint64("tasks_failed", p.stats.Failed.Load()),
	)
	return nil
}

// Submit enqueues a task and returns its Future. A full queue fails
// immediately with ErrPoolSaturated rather than blocking the caller.
func (p *Pool) Submit(fn TaskFunc) (*Future, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return nil, ErrPoolClosed
	}

	t := &task{fn: fn, future: &Future{done: make(chan struct{})}}
	select {
	case p.taskQueue <- t:
		p.stats.Submitted.Add(1)
		return t.future, nil
	default:
		return nil, ErrPoolSaturated
	}
}

func (p *Pool) worker(id int) {
	defer p.workerWG.Done()
	for t := range p.taskQueue {
		p.execute(id, t)
	}
}

// execute runs one task under the pool deadline. The function runs in its
// own goroutine so a call that ignores cancellation is abandoned at the
// deadline instead of pinning the worker.
func (p *Pool) execute(workerID int, t *task) {
	p.stats.Busy.Add(1)
	defer p.stats.Busy.Add(-1)

	ctx, cancel := context.WithTimeout(context.Background(), p.config.TaskTimeout)
	defer cancel()

	start := time.Now()
	resultCh := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.stats.Panics.Add(1)
				p.logger.Error("task panicked",
					zap.Int("worker_id", workerID),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
				resultCh <- Result{Err: fmt.Errorf("task panicked: %v", r)}
			}
		}()
		value, err := t.fn(ctx)
		resultCh <- Result{Value: value, Err: err}
	}()

	var result Result
	select {
	case result = <-resultCh:
	case <-ctx.Done():
		p.stats.Timeouts.Add(1)
		p.logger.Warn("task abandoned at deadline",
			zap.Int("worker_id", workerID),
			zap.Duration("timeout", p.config.TaskTimeout),
		)
		result = Result{Err: ErrTaskTimeout}
	}
	result.Duration = time.Since(start)

	if result.Err != nil {
		p.stats.Failed.Add(1)
	} else {
		p.stats.Completed.Add(1)
	}
	t.future.resolve(result)
}

// QueueDepth reports the number of queued, unstarted tasks.
func (p *Pool) QueueDepth() int {
	return len(p.taskQueue)
}

// GetStats returns pool statistics.
func (p *Pool) GetStats() map[string]interface{} {
	p.mu.RLock()
	running := p.running
	p.mu.RUnlock()

	return map[string]interface{}{
		"workers":         p.config.Workers,
		"queue_depth":     len(p.taskQueue),
		"busy_workers":    p.stats.Busy.Load(),
		"tasks_submitted": p.stats.Submitted.Load(),
		"tasks_completed": p.stats.Completed.Load(),
		"tasks_failed":    p.stats.Failed.Load(),
		"tasks_timeout":   p.stats.Timeouts.Load(),
		"tasks_panicked":  p.stats.Panics.Load(),
		"running":         running,
	}
}
