package pipeline

import (
	"context"
	"sync"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusDropped   TaskStatus = "dropped"
)

// Task is one unit of background work, typically the pipeline of a single
// check request.
type Task interface {
	// ID identifies the task in logs. Tasks with the same ID may run again
	// once the previous run finished.
	ID() string

	// Name is a short human-readable label.
	Name() string

	// Execute runs the task. ctx is detached from whatever request enqueued it
	// and is only cancelled when the runner gives up draining.
	Execute(ctx context.Context) error
}

// TaskState holds the runtime state of a task.
type TaskState struct {
	Task        Task
	Status      TaskStatus
	EnqueuedAt  time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       error

	mu sync.RWMutex
}

// NewTaskState creates a new TaskState wrapping a task.
func NewTaskState(task Task) *TaskState {
	return &TaskState{
		Task:       task,
		Status:     TaskStatusPending,
		EnqueuedAt: time.Now(),
	}
}

// GetStatus returns the current status (thread-safe).
func (ts *TaskState) GetStatus() TaskStatus {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.Status
}

// SetStatus updates the status and timestamps (thread-safe).
func (ts *TaskState) SetStatus(status TaskStatus) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.Status = status
	now := time.Now()

	switch status {
	case TaskStatusRunning:
		ts.StartedAt = &now
	case TaskStatusCompleted, TaskStatusFailed:
		ts.CompletedAt = &now
	}
}

// SetError sets the error (thread-safe).
func (ts *TaskState) SetError(err error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.Error = err
}

// Elapsed returns how long the task ran, or zero if it has not finished.
func (ts *TaskState) Elapsed() time.Duration {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	if ts.StartedAt == nil || ts.CompletedAt == nil {
		return 0
	}
	return ts.CompletedAt.Sub(*ts.StartedAt)
}

// FuncTask adapts a function to the Task interface.
type FuncTask struct {
	id   string
	name string
	fn   func(ctx context.Context) error
}

// NewFuncTask creates a task that runs fn.
func NewFuncTask(id, name string, fn func(ctx context.Context) error) *FuncTask {
	return &FuncTask{id: id, name: name, fn: fn}
}

func (t *FuncTask) ID() string   { return t.id }
func (t *FuncTask) Name() string { return t.name }

func (t *FuncTask) Execute(ctx context.Context) error {
	return t.fn(ctx)
}
