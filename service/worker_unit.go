/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package service

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrWorkerUnitStopTimeoutExceeded is returned by WorkerUnit.Stop when the worker does not finish in time.
var ErrWorkerUnitStopTimeoutExceeded = errors.New("worker unit stop timeout exceeded")

// WorkerUnit runs a Worker as a Unit. Start blocks while the worker runs.
type WorkerUnit struct {
	worker            Worker
	gracefulTimeout   time.Duration
	metricsRegisterer MetricsRegisterer

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once

	mu      sync.Mutex
	started bool
	stopped bool
}

var _ Unit = (*WorkerUnit)(nil)
var _ MetricsRegisterer = (*WorkerUnit)(nil)

// WorkerUnitOption configures WorkerUnit.
type WorkerUnitOption func(*WorkerUnit)

// WithGracefulStopTimeout limits how long a graceful Stop waits for the worker. Zero means no limit.
func WithGracefulStopTimeout(timeout time.Duration) WorkerUnitOption {
	return func(u *WorkerUnit) {
		u.gracefulTimeout = timeout
	}
}

// WithMetricsRegisterer attaches metrics of the worker to the unit.
func WithMetricsRegisterer(mr MetricsRegisterer) WorkerUnitOption {
	return func(u *WorkerUnit) {
		u.metricsRegisterer = mr
	}
}

// NewWorkerUnit creates a WorkerUnit.
func NewWorkerUnit(worker Worker, options ...WorkerUnitOption) *WorkerUnit {
	ctx, cancel := context.WithCancel(context.Background())
	u := &WorkerUnit{worker: worker, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	for _, opt := range options {
		opt(u)
	}
	return u
}

// Start runs the worker and reports its error as fatal. It does nothing after Stop.
func (u *WorkerUnit) Start(fatalErr chan<- error) {
	u.mu.Lock()
	if u.stopped {
		u.mu.Unlock()
		return
	}
	u.started = true
	u.mu.Unlock()

	defer u.doneOnce.Do(func() { close(u.done) })
	if err := u.worker.Run(u.ctx); err != nil {
		fatalErr <- err
	}
}

// Stop cancels the worker context. A graceful stop also waits for a started worker to return.
func (u *WorkerUnit) Stop(gracefully bool) error {
	u.mu.Lock()
	u.stopped = true
	started := u.started
	u.mu.Unlock()

	u.cancel()
	if !gracefully || !started {
		return nil
	}
	if u.gracefulTimeout == 0 {
		<-u.done
		return nil
	}
	timer := time.NewTimer(u.gracefulTimeout)
	defer timer.Stop()
	select {
	case <-u.done:
		return nil
	case <-timer.C:
		return ErrWorkerUnitStopTimeoutExceeded
	}
}

// MustRegisterMetrics registers metrics of the worker, if any.
func (u *WorkerUnit) MustRegisterMetrics() {
	if u.metricsRegisterer != nil {
		u.metricsRegisterer.MustRegisterMetrics()
	}
}

// UnregisterMetrics unregisters metrics of the worker, if any.
func (u *WorkerUnit) UnregisterMetrics() {
	if u.metricsRegisterer != nil {
		u.metricsRegisterer.UnregisterMetrics()
	}
}
