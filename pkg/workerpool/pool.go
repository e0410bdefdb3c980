// Package workerpool provides a bounded worker pool for controlled concurrency.
// Used to fan out per-prescription row fetches when a whole chart is built.
// Every task runs exactly once; failures are reported, never retried.
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

// ErrStopped is returned for tasks handed to a pool that is shutting down
var ErrStopped = errors.New("pool is shutting down")

// Task represents a unit of work to be processed
type Task struct {
	ID      string
	Payload interface{}
	Context context.Context

	done chan *Result
}

// Result represents the outcome of task processing
type Result struct {
	TaskID  string
	Success bool
	Error   error
	Data    interface{}
}

// WorkerFunc is the function signature for task processing
type WorkerFunc func(ctx context.Context, task *Task) *Result

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the task queue
	QueueSize int
	// GracefulShutdownTimeout is the timeout for graceful shutdown
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for one backend host
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               256,
		GracefulShutdownTimeout: 10 * time.Second,
	}
}

// Pool runs tasks on a fixed set of workers fed by a bounded queue
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	taskChan chan *Task
	wg       sync.WaitGroup
	mu       sync.RWMutex
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc

	submitted, completed, failed atomic.Int64
	active, queued               atomic.Int64
}

// New creates a new worker pool
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = DefaultConfig().GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		taskChan:   make(chan *Task, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start launches all workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Map runs every task and returns their results in input order. A task that
// could not be queued or awaited gets a failed result carrying the reason.
func (p *Pool) Map(ctx context.Context, tasks []*Task) []*Result {
	results := make([]*Result, len(tasks))
	queued := make([]bool, len(tasks))
	for i, task := range tasks {
		if err := p.enqueue(ctx, task); err != nil {
			results[i] = &Result{TaskID: task.ID, Error: err}
			continue
		}
		queued[i] = true
	}
	for i, task := range tasks {
		if !queued[i] {
			continue
		}
		select {
		case <-ctx.Done():
			results[i] = &Result{TaskID: task.ID, Error: ctx.Err()}
		case res := <-task.done:
			results[i] = res
		}
	}
	return results
}

func (p *Pool) enqueue(ctx context.Context, task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	task.done = make(chan *Result, 1)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrStopped
	case p.taskChan <- task:
		p.submitted.Add(1)
		p.queued.Add(1)
		return nil
	}
}

// Stop gracefully shuts down the pool. Queued tasks are drained before it returns
// unless the shutdown timeout expires first.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.taskChan)
	p.mu.Unlock()

	p.logger.Info("stopping worker pool")

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("worker pool stopped gracefully")
		return nil
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.cancel()
		p.logger.Warn("worker pool shutdown timed out")
		return fmt.Errorf("worker pool shutdown timed out after %s", p.config.GracefulShutdownTimeout)
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	p.active.Add(1)
	defer p.active.Add(-1)

	for task := range p.taskChan {
		p.queued.Add(-1)
		task.done <- p.run(id, task)
	}
}

// run executes a task once; a task whose caller already gave up is skipped
func (p *Pool) run(workerID int, task *Task) *Result {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}

	var result *Result
	if err := ctx.Err(); err != nil {
		result = &Result{Error: err}
	} else if result = p.workerFunc(ctx, task); result == nil {
		result = &Result{Error: fmt.Errorf("worker returned no result")}
	}
	result.TaskID = task.ID

	if result.Success {
		p.completed.Add(1)
		return result
	}
	p.failed.Add(1)
	if !errors.Is(result.Error, context.Canceled) {
		p.logger.Warn("task failed",
			zap.String("task_id", task.ID),
			zap.Int("worker_id", workerID),
			zap.Error(result.Error))
	}
	return result
}

// Stats is a snapshot of the pool counters
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	ActiveWorkers  int64
	QueueDepth     int64
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: p.submitted.Load(),
		TasksCompleted: p.completed.Load(),
		TasksFailed:    p.failed.Load(),
		ActiveWorkers:  p.active.Load(),
		QueueDepth:     p.queued.Load(),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}

// IsHealthy reports a running pool whose queue is below 90% full
func (p *Pool) IsHealthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.stopped && p.queued.Load()*10 < int64(p.config.QueueSize)*9
}
