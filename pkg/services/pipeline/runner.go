// Package pipeline runs background tasks with bounded concurrency. Check
// pipelines are started here so that they outlive the HTTP request that
// created them and can be drained on shutdown.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/akikaku/akikaku-engine/pkg/config"
)

// ErrClosed is returned by Enqueue once Drain has started.
var ErrClosed = errors.New("pipeline runner is closed")

const DefaultMaxConcurrent = 8

// Runner executes tasks in FIFO order with at most MaxConcurrent running at once.
type Runner struct {
	mu      sync.Mutex
	pending []*TaskState
	running int
	closed  bool

	maxConcurrent int
	timeout       time.Duration

	completed int
	failed    int

	// wg counts tasks that are pending or running.
	wg sync.WaitGroup

	// ctx is the parent of every task context; it is cancelled only when a
	// drain runs out of time.
	ctx    context.Context
	cancel context.CancelFunc

	logger *zap.Logger
}

// New creates a runner from the pipeline configuration.
func New(cfg config.PipelineConfig, logger *zap.Logger) *Runner {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		maxConcurrent: maxConcurrent,
		timeout:       cfg.Timeout,
		ctx:           ctx,
		cancel:        cancel,
		logger:        logger.Named("pipeline"),
	}
}

// Enqueue schedules a task. It never blocks on task execution.
func (r *Runner) Enqueue(task Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		r.logger.Warn("Runner closed, rejecting task",
			zap.String("task_id", task.ID()),
			zap.String("task_name", task.Name()))
		return fmt.Errorf("task %s: %w", task.ID(), ErrClosed)
	}

	r.wg.Add(1)
	r.pending = append(r.pending, NewTaskState(task))

	r.logger.Debug("Task enqueued",
		zap.String("task_id", task.ID()),
		zap.String("task_name", task.Name()),
		zap.Int("pending", len(r.pending)))

	r.tryStartTasksLocked()
	return nil
}

// tryStartTasksLocked starts pending tasks while capacity remains.
// Must be called with lock held.
func (r *Runner) tryStartTasksLocked() {
	for r.running < r.maxConcurrent && len(r.pending) > 0 {
		ts := r.pending[0]
		r.pending[0] = nil
		r.pending = r.pending[1:]

		r.running++
		ts.SetStatus(TaskStatusRunning)
		go r.runTask(ts)
	}
}

func (r *Runner) runTask(ts *TaskState) {
	defer r.wg.Done()

	ctx := r.ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	err := r.execute(ctx, ts.Task)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.running--

	if err != nil {
		r.failed++
		ts.SetError(err)
		ts.SetStatus(TaskStatusFailed)
		r.logger.Error("Task failed",
			zap.String("task_id", ts.Task.ID()),
			zap.String("task_name", ts.Task.Name()),
			zap.Duration("elapsed", ts.Elapsed()),
			zap.Error(err))
	} else {
		r.completed++
		ts.SetStatus(TaskStatusCompleted)
		r.logger.Debug("Task completed",
			zap.String("task_id", ts.Task.ID()),
			zap.String("task_name", ts.Task.Name()),
			zap.Duration("elapsed", ts.Elapsed()))
	}

	r.tryStartTasksLocked()
}

// execute turns a panicking task into a failed one.
func (r *Runner) execute(ctx context.Context, task Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task panicked: %v", p)
		}
	}()
	return task.Execute(ctx)
}

// Drain stops accepting tasks and waits for pending and running tasks to
// finish. If ctx expires first, tasks that have not started are dropped,
// running tasks are cancelled and ctx.Err() is returned once they have
// returned.
func (r *Runner) Drain(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	inFlight := r.running + len(r.pending)
	r.mu.Unlock()

	r.logger.Info("Draining pipeline runner", zap.Int("in_flight", inFlight))

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		dropped := r.dropPending()
		r.logger.Warn("Drain deadline reached, cancelling running tasks", zap.Int("dropped", dropped))
		r.cancel()
		<-done
		return ctx.Err()
	}
}

// dropPending discards tasks that have not started yet.
func (r *Runner) dropPending() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.pending)
	for i, ts := range r.pending {
		ts.SetStatus(TaskStatusDropped)
		r.logger.Info("Task dropped before start",
			zap.String("task_id", ts.Task.ID()),
			zap.String("task_name", ts.Task.Name()))
		r.pending[i] = nil
		r.wg.Done()
	}
	r.pending = nil
	return n
}

// Progress returns counters for health reporting.
func (r *Runner) Progress() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Progress{
		Pending:   len(r.pending),
		Running:   r.running,
		Completed: r.completed,
		Failed:    r.failed,
	}
}

// Progress holds runner statistics.
type Progress struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}
