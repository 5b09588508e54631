/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/acronis/go-grpcgate/internal/registry"
	"github.com/acronis/go-grpcgate/log"
)

// Default values for Queue.
const (
	DefaultMaxConcurrent        = 10
	DefaultIdleTimeout          = time.Second
	DefaultShutdownTimeout      = 30 * time.Second
	DefaultCancelWaitTimeout    = 5 * time.Second
	DefaultClearCompletedMaxAge = time.Hour
)

// ErrWorkersNotStopped is returned by Shutdown when some tasks ignored cancellation.
var ErrWorkersNotStopped = errors.New("task queue workers did not stop after cancellation")

// Stats contains counters of tasks by status and the number of units waiting in group queues.
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	QueueSize  int `json:"queue_size"`
}

// Option represents a configuration option for Queue.
type Option func(*Queue)

// WithMaxConcurrent sets the maximum number of tasks running at the same time across all groups.
func WithMaxConcurrent(n int) Option {
	return func(q *Queue) {
		q.maxConcurrent = n
	}
}

// WithIdleTimeout sets how long a group worker waits for new tasks before exiting.
func WithIdleTimeout(d time.Duration) Option {
	return func(q *Queue) {
		q.idleTimeout = d
	}
}

// WithCancelWaitTimeout sets how long Shutdown waits for workers after cancelling running tasks.
func WithCancelWaitTimeout(d time.Duration) Option {
	return func(q *Queue) {
		q.cancelWaitTimeout = d
	}
}

// WithMetricsCollector sets the collector of task metrics.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(q *Queue) {
		q.metrics = mc
	}
}

// WithClock sets the function that returns the current time.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// SubmitOption represents an option for Submit.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	taskID         string
	removeOnFinish bool
}

// WithTaskID sets the ID of the submitted task instead of a generated UUID.
func WithTaskID(id string) SubmitOption {
	return func(o *submitOptions) {
		o.taskID = id
	}
}

// WithRemoveOnFinish makes the queue forget the task as soon as it reaches a terminal status.
// Such a task is visible to StatusOf, WaitFor and Stats only while it is pending or processing.
// Its failure is still logged and counted by the metrics collector.
func WithRemoveOnFinish() SubmitOption {
	return func(o *submitOptions) {
		o.removeOnFinish = true
	}
}

// Queue runs submitted tasks serially per group and concurrently across groups.
type Queue struct {
	logger            log.FieldLogger
	maxConcurrent     int
	idleTimeout       time.Duration
	cancelWaitTimeout time.Duration
	metrics           MetricsCollector
	now               func() time.Time

	slots  chan struct{}
	groups *registry.Registry[string, *groupQueue]

	tasksMu sync.RWMutex
	tasks   map[string]*taskEntry

	lifecycleMu   sync.RWMutex
	closed        atomic.Bool
	closing       chan struct{}
	workersCtx    context.Context
	cancelWorkers context.CancelFunc
	workers       sync.WaitGroup
}

// New creates a new Queue.
func New(logger log.FieldLogger, options ...Option) (*Queue, error) {
	q := &Queue{
		logger:            logger,
		maxConcurrent:     DefaultMaxConcurrent,
		idleTimeout:       DefaultIdleTimeout,
		cancelWaitTimeout: DefaultCancelWaitTimeout,
		metrics:           disabledMetrics{},
		now:               time.Now,
		groups:            registry.New[string, *groupQueue](),
		tasks:             make(map[string]*taskEntry),
		closing:           make(chan struct{}),
	}
	for _, opt := range options {
		opt(q)
	}
	if q.maxConcurrent <= 0 {
		return nil, fmt.Errorf("max concurrent should be positive, got %d", q.maxConcurrent)
	}
	if q.idleTimeout <= 0 {
		return nil, fmt.Errorf("idle timeout should be positive, got %s", q.idleTimeout)
	}
	if q.metrics == nil {
		q.metrics = disabledMetrics{}
	}
	q.slots = make(chan struct{}, q.maxConcurrent)
	q.workersCtx, q.cancelWorkers = context.WithCancel(context.Background())
	return q, nil
}

// Submit registers a Pending task, appends it to the FIFO of the group, and returns the task ID.
// It never waits for the task to start. Context values (but not its cancellation) are passed to fn.
func (q *Queue) Submit(ctx context.Context, group string, fn Func, options ...SubmitOption) (string, error) {
	if fn == nil {
		return "", fmt.Errorf("task function is nil")
	}
	opts := submitOptions{}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.taskID == "" {
		opts.taskID = uuid.NewString()
	}

	q.lifecycleMu.RLock()
	defer q.lifecycleMu.RUnlock()
	if q.closed.Load() {
		return "", ErrClosed
	}

	entry := newTaskEntry(opts.taskID, group, q.now())
	entry.removeOnFinish = opts.removeOnFinish
	q.tasksMu.Lock()
	if _, exists := q.tasks[entry.task.ID]; exists {
		q.tasksMu.Unlock()
		return "", ErrDuplicateTaskID
	}
	q.tasks[entry.task.ID] = entry
	q.tasksMu.Unlock()
	q.metrics.ObserveSubmit()

	g, _ := q.groups.LoadOrCreate(group, func() *groupQueue { return newGroupQueue(group) })
	if g.push(&queuedUnit{entry: entry, fn: fn, ctx: context.WithoutCancel(ctx)}) {
		q.workers.Add(1)
		go q.runWorker(g)
	}

	q.logger.Debug("task submitted", log.String("task_id", entry.task.ID), log.String("group", group))
	return entry.task.ID, nil
}

// StatusOf returns a snapshot of the task.
func (q *Queue) StatusOf(taskID string) (Task, bool) {
	entry, ok := q.getEntry(taskID)
	if !ok {
		return Task{}, false
	}
	return entry.snapshot(), true
}

// WaitFor blocks until the task reaches a terminal status, the timeout elapses, or ctx is done.
// Zero or negative timeout means no timeout. It returns the latest snapshot in any case.
func (q *Queue) WaitFor(ctx context.Context, taskID string, timeout time.Duration) (Task, bool) {
	entry, ok := q.getEntry(taskID)
	if !ok {
		return Task{}, false
	}
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case <-entry.done:
	case <-timeoutCh:
	case <-ctx.Done():
	}
	return entry.snapshot(), true
}

// Stats returns task counters for the group or for all groups if group is empty.
func (q *Queue) Stats(group string) Stats {
	var stats Stats
	q.tasksMu.RLock()
	for _, entry := range q.tasks {
		t := entry.snapshot()
		if group != "" && t.Group != group {
			continue
		}
		stats.Total++
		switch t.Status {
		case StatusPending:
			stats.Pending++
		case StatusProcessing:
			stats.Processing++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		}
	}
	q.tasksMu.RUnlock()

	if group != "" {
		stats.QueueSize = q.PendingCount(group)
		return stats
	}
	q.groups.Range(func(_ string, g *groupQueue) bool {
		stats.QueueSize += g.len()
		return true
	})
	return stats
}

// ClearCompleted removes terminal tasks that finished more than maxAge ago.
// If group is not empty, only tasks of this group are removed. It returns the number of removed tasks.
func (q *Queue) ClearCompleted(group string, maxAge time.Duration) int {
	boundary := q.now().Add(-maxAge)
	removed := 0
	q.tasksMu.Lock()
	defer q.tasksMu.Unlock()
	for id, entry := range q.tasks {
		t := entry.snapshot()
		if group != "" && t.Group != group {
			continue
		}
		if t.Status.IsTerminal() && !t.CompletedAt.After(boundary) {
			delete(q.tasks, id)
			removed++
		}
	}
	return removed
}

// IsWorkerRunning reports whether the group has a live worker.
func (q *Queue) IsWorkerRunning(group string) bool {
	g, ok := q.groups.Load(group)
	if !ok {
		return false
	}
	return g.isWorkerRunning()
}

// PendingCount returns the number of units waiting in the group queue.
func (q *Queue) PendingCount(group string) int {
	g, ok := q.groups.Load(group)
	if !ok {
		return 0
	}
	return g.len()
}

// IsClosed reports whether Shutdown has been called.
func (q *Queue) IsClosed() bool {
	return q.closed.Load()
}

// Shutdown stops accepting new tasks and waits up to timeout for group workers to drain their queues.
// After the timeout running tasks are cancelled and all tasks that did not finish are recorded as Failed
// with ErrCancelled. ErrWorkersNotStopped is returned if some tasks ignored cancellation.
func (q *Queue) Shutdown(timeout time.Duration) error {
	q.lifecycleMu.Lock()
	if q.closed.Load() {
		q.lifecycleMu.Unlock()
		return nil
	}
	q.closed.Store(true)
	close(q.closing)
	q.lifecycleMu.Unlock()

	workersDone := make(chan struct{})
	go func() {
		q.workers.Wait()
		close(workersDone)
	}()

	graceTimer := time.NewTimer(timeout)
	defer graceTimer.Stop()
	select {
	case <-workersDone:
		q.cancelWorkers()
		q.logger.Info("task queue drained")
		return nil
	case <-graceTimer.C:
	}

	q.logger.Warn("task queue did not drain in time, cancelling running tasks", log.Duration("timeout", timeout))
	q.cancelWorkers()

	cancelTimer := time.NewTimer(q.cancelWaitTimeout)
	defer cancelTimer.Stop()
	select {
	case <-workersDone:
		return nil
	case <-cancelTimer.C:
	}

	n := q.failUnfinished()
	q.logger.Error("task queue workers did not stop after cancellation", log.Int("tasks", n))
	return ErrWorkersNotStopped
}

func (q *Queue) getEntry(taskID string) (*taskEntry, bool) {
	q.tasksMu.RLock()
	defer q.tasksMu.RUnlock()
	entry, ok := q.tasks[taskID]
	return entry, ok
}

// finish moves the task to a terminal status and drops it from the registry if it was submitted
// with WithRemoveOnFinish. It returns false if the task was already terminal.
func (q *Queue) finish(entry *taskEntry, now time.Time, result interface{}, err error) bool {
	if !entry.finish(now, result, err) {
		return false
	}
	if entry.removeOnFinish {
		q.tasksMu.Lock()
		if q.tasks[entry.task.ID] == entry {
			delete(q.tasks, entry.task.ID)
		}
		q.tasksMu.Unlock()
	}
	return true
}

// failUnfinished records all non-terminal tasks as cancelled.
func (q *Queue) failUnfinished() int {
	q.tasksMu.RLock()
	entries := make([]*taskEntry, 0, len(q.tasks))
	for _, entry := range q.tasks {
		entries = append(entries, entry)
	}
	q.tasksMu.RUnlock()

	n := 0
	for _, entry := range entries {
		wasStarted := entry.snapshot().Status == StatusProcessing
		if q.finish(entry, q.now(), nil, ErrCancelled) {
			q.metrics.ObserveFinish(StatusFailed, wasStarted, 0)
			n++
		}
	}
	return n
}

func (q *Queue) runWorker(g *groupQueue) {
	defer q.workers.Done()
	logger := q.logger.With(log.String("group", g.key))
	logger.Debug("group worker started")
	for {
		unit, ok := q.nextUnit(g)
		if !ok {
			logger.Debug("group worker stopped")
			return
		}
		q.execute(logger, unit)
	}
}

// nextUnit returns the next unit of the group or false when the worker should exit.
// The worker exits when the queue stays empty for the idle timeout, when the queue is closed
// and the group has nothing left, or when workers are cancelled.
func (q *Queue) nextUnit(g *groupQueue) (*queuedUnit, bool) {
	idleTimer := time.NewTimer(q.idleTimeout)
	defer idleTimer.Stop()
	for {
		if q.workersCtx.Err() != nil {
			q.cancelUnits(g.drain())
			return nil, false
		}
		unit, exited := g.pop(q.closed.Load())
		if unit != nil {
			return unit, true
		}
		if exited {
			return nil, false
		}
		select {
		case <-g.notify:
		case <-q.closing:
		case <-q.workersCtx.Done():
		case <-idleTimer.C:
			unit, _ = g.pop(true)
			return unit, unit != nil
		}
	}
}

func (q *Queue) cancelUnits(units []*queuedUnit) {
	for _, unit := range units {
		if q.finish(unit.entry, q.now(), nil, ErrCancelled) {
			q.metrics.ObserveFinish(StatusFailed, false, 0)
		}
	}
}

func (q *Queue) execute(logger log.FieldLogger, unit *queuedUnit) {
	select {
	case q.slots <- struct{}{}:
	case <-q.workersCtx.Done():
		q.cancelUnits([]*queuedUnit{unit})
		return
	}
	defer func() { <-q.slots }()

	startedAt := q.now()
	if !unit.entry.start(startedAt) {
		return
	}
	q.metrics.ObserveStart(startedAt.Sub(unit.entry.task.CreatedAt))

	logger = logger.With(log.String("task_id", unit.entry.task.ID))
	result, err := q.call(logger, unit)
	if err != nil && q.workersCtx.Err() != nil && errors.Is(err, context.Canceled) {
		err = ErrCancelled
	}

	finishedAt := q.now()
	if !q.finish(unit.entry, finishedAt, result, err) {
		return
	}
	status := StatusCompleted
	if err != nil {
		status = StatusFailed
		logger.Warn("task failed", log.Error(err))
	} else {
		logger.Debug("task completed")
	}
	q.metrics.ObserveFinish(status, true, finishedAt.Sub(startedAt))
}

func (q *Queue) call(logger log.FieldLogger, unit *queuedUnit) (result interface{}, err error) {
	ctx, cancel := context.WithCancel(unit.ctx)
	defer cancel()
	stop := context.AfterFunc(q.workersCtx, cancel)
	defer stop()

	defer func() {
		if p := recover(); p != nil {
			const logStackSize = 8192
			stack := make([]byte, logStackSize)
			stack = stack[:runtime.Stack(stack, false)]
			logger.Error(fmt.Sprintf("task panic: %+v", p), log.Bytes("stack", stack))
			err = fmt.Errorf("task panic: %v", p)
		}
	}()
	return unit.fn(ctx)
}
