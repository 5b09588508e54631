/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package service

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/acronis/go-grpcgate/log"
)

// ErrPeriodicWorkerStop may be returned by a worker to end its PeriodicWorker loop without an error.
var ErrPeriodicWorkerStop = errors.New("stop periodic worker")

// Worker does work until ctx is done.
type Worker interface {
	Run(ctx context.Context) error
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context) error

// Run calls f(ctx).
func (f WorkerFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// PeriodicWorker runs a worker repeatedly with a delay between runs.
// Errors of single runs are logged and do not stop the loop.
// The gateway uses it for expiring rate limiter windows and finished tasks.
type PeriodicWorker struct {
	worker       Worker
	logger       log.FieldLogger
	interval     time.Duration
	initialDelay time.Duration
	nextDelay    func(err error) time.Duration
}

// PeriodicWorkerOption configures PeriodicWorker.
type PeriodicWorkerOption func(*PeriodicWorker)

// WithInitialDelay sets the delay before the first run. By default the first run is immediate.
func WithInitialDelay(d time.Duration) PeriodicWorkerOption {
	return func(pw *PeriodicWorker) {
		pw.initialDelay = d
	}
}

// WithNextDelayFunc makes the delay depend on the result of the previous run, e.g. to back off after errors.
func WithNextDelayFunc(fn func(err error) time.Duration) PeriodicWorkerOption {
	return func(pw *PeriodicWorker) {
		pw.nextDelay = fn
	}
}

// NewPeriodicWorker creates a PeriodicWorker running the worker every interval.
func NewPeriodicWorker(
	worker Worker, interval time.Duration, logger log.FieldLogger, options ...PeriodicWorkerOption,
) *PeriodicWorker {
	pw := &PeriodicWorker{worker: worker, interval: interval, logger: logger}
	for _, opt := range options {
		opt(pw)
	}
	return pw
}

// Run runs the loop until ctx is done or the worker returns ErrPeriodicWorkerStop.
// A panic of the worker is logged with the stack and re-raised.
func (pw *PeriodicWorker) Run(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			stack := make([]byte, 8192)
			stack = stack[:runtime.Stack(stack, false)]
			pw.logger.Error(fmt.Sprintf("periodic worker panic: %+v", p), log.Bytes("stack", stack))
			panic(p)
		}
		pw.logger.Info("periodic worker stopped")
	}()

	pw.logger.Info("running periodic worker",
		log.Duration("initial_delay", pw.initialDelay), log.Duration("interval", pw.interval))

	timer := time.NewTimer(pw.initialDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		runErr := pw.worker.Run(ctx)
		if errors.Is(runErr, ErrPeriodicWorkerStop) {
			return nil
		}
		if runErr != nil {
			pw.logger.Error("periodic worker run failed", log.Error(runErr))
		}

		delay := pw.interval
		if pw.nextDelay != nil {
			delay = pw.nextDelay(runErr)
		}
		timer.Reset(delay)
	}
}
