/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package taskqueue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Errors returned by the queue.
var (
	// ErrClosed is returned by Submit after Shutdown has been called.
	ErrClosed = errors.New("task queue is closed")

	// ErrCancelled is recorded as the error of tasks that were cancelled by Shutdown.
	ErrCancelled = errors.New("task was cancelled")

	// ErrDuplicateTaskID is returned by Submit when a task with the same ID is already registered.
	ErrDuplicateTaskID = errors.New("task with the same ID already exists")
)

// Status is a lifecycle status of a task.
// It only moves forward: Pending -> Processing -> Completed or Failed.
// A Pending task may also go to Failed directly when it is cancelled before it starts.
type Status int

// Task statuses.
const (
	StatusPending Status = iota
	StatusProcessing
	StatusCompleted
	StatusFailed
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProcessing:
		return "processing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// IsTerminal reports whether the status is Completed or Failed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Func is a unit of background work.
// It must return promptly once ctx is done.
type Func func(ctx context.Context) (interface{}, error)

// Task is a snapshot of a submitted task.
type Task struct {
	ID          string
	Group       string
	Status      Status
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Result      interface{}
	Err         error
}

// taskEntry is the mutable state of a task owned by the queue.
type taskEntry struct {
	mu   sync.Mutex
	task Task
	done chan struct{}

	removeOnFinish bool
}

func newTaskEntry(id, group string, createdAt time.Time) *taskEntry {
	return &taskEntry{
		task: Task{ID: id, Group: group, Status: StatusPending, CreatedAt: createdAt},
		done: make(chan struct{}),
	}
}

func (e *taskEntry) snapshot() Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task
}

// start moves the task to Processing. It returns false if the task is not Pending anymore.
func (e *taskEntry) start(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.task.Status != StatusPending {
		return false
	}
	e.task.Status = StatusProcessing
	e.task.StartedAt = now
	return true
}

// finish moves the task to a terminal status. It returns false if the task is already terminal.
func (e *taskEntry) finish(now time.Time, result interface{}, err error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.task.Status.IsTerminal() {
		return false
	}
	e.task.CompletedAt = now
	if err != nil {
		e.task.Status = StatusFailed
		e.task.Err = err
	} else {
		e.task.Status = StatusCompleted
		e.task.Result = result
	}
	close(e.done)
	return true
}
