/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package taskqueue

import (
	"context"
	"time"

	"github.com/acronis/go-grpcgate/log"
	"github.com/acronis/go-grpcgate/service"
)

// Unit presents Queue as service.Unit.
// While started it periodically removes terminal tasks older than the configured max age.
// Stop shuts the queue down: gracefully within the configured timeout, or by cancelling running tasks at once.
type Unit struct {
	Queue *Queue

	logger          log.FieldLogger
	shutdownTimeout time.Duration
	cleanupUnit     *service.WorkerUnit
	metrics         *PrometheusMetrics
}

var _ service.Unit = (*Unit)(nil)
var _ service.MetricsRegisterer = (*Unit)(nil)

// NewUnit creates a new Queue and wraps it into Unit.
func NewUnit(cfg *Config, logger log.FieldLogger, metrics *PrometheusMetrics) (*Unit, error) {
	options := []Option{
		WithMaxConcurrent(cfg.MaxConcurrent),
		WithIdleTimeout(time.Duration(cfg.IdleTimeout)),
	}
	if metrics != nil {
		options = append(options, WithMetricsCollector(metrics))
	}
	q, err := New(logger, options...)
	if err != nil {
		return nil, err
	}

	u := &Unit{
		Queue:           q,
		logger:          logger,
		shutdownTimeout: time.Duration(cfg.ShutdownTimeout),
		metrics:         metrics,
	}
	if cfg.Cleanup.Interval > 0 {
		maxAge := time.Duration(cfg.Cleanup.MaxAge)
		cleaner := service.WorkerFunc(func(ctx context.Context) error {
			if n := q.ClearCompleted("", maxAge); n > 0 {
				logger.Debug("finished tasks removed", log.Int("count", n))
			}
			return nil
		})
		u.cleanupUnit = service.NewWorkerUnit(service.NewPeriodicWorker(
			cleaner, time.Duration(cfg.Cleanup.Interval), logger.With(log.String("worker", "task_queue_cleanup")),
			service.WithInitialDelay(time.Duration(cfg.Cleanup.Interval))))
	}
	return u, nil
}

// Start runs the periodic cleanup. It blocks until Stop is called.
func (u *Unit) Start(fatalError chan<- error) {
	if u.cleanupUnit != nil {
		u.cleanupUnit.Start(fatalError)
	}
}

// Stop shuts the queue down.
func (u *Unit) Stop(gracefully bool) error {
	if u.cleanupUnit != nil {
		if err := u.cleanupUnit.Stop(gracefully); err != nil {
			u.logger.Warn("failed to stop task queue cleanup", log.Error(err))
		}
	}
	timeout := u.shutdownTimeout
	if !gracefully {
		timeout = 0
	}
	return u.Queue.Shutdown(timeout)
}

// MustRegisterMetrics registers task queue metrics.
func (u *Unit) MustRegisterMetrics() {
	if u.metrics != nil {
		u.metrics.MustRegister()
	}
}

// UnregisterMetrics unregisters task queue metrics.
func (u *Unit) UnregisterMetrics() {
	if u.metrics != nil {
		u.metrics.Unregister()
	}
}
