/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimitstats

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Default values for RetryingRecorder.
const (
	DefaultRetryMaxAttempts     = 3
	DefaultRetryInitialInterval = 50 * time.Millisecond
)

// RetryingRecorder re-attempts failed Record calls of the wrapped Recorder
// with exponentially growing delays (1.5 multiplier).
type RetryingRecorder struct {
	next            Recorder
	maxAttempts     int
	initialInterval time.Duration
	notify          backoff.Notify
}

// RetryingRecorderOption represents a configuration option for RetryingRecorder.
type RetryingRecorderOption func(*RetryingRecorder)

// WithRetryMaxAttempts sets the max number of retries after the first failed attempt.
// Zero or negative value means retrying until the context is done.
func WithRetryMaxAttempts(n int) RetryingRecorderOption {
	return func(r *RetryingRecorder) {
		r.maxAttempts = n
	}
}

// WithRetryInitialInterval sets the delay before the first retry.
func WithRetryInitialInterval(d time.Duration) RetryingRecorderOption {
	return func(r *RetryingRecorder) {
		r.initialInterval = d
	}
}

// WithRetryNotify sets a callback invoked on every failed attempt that will be retried.
func WithRetryNotify(notify func(err error, delay time.Duration)) RetryingRecorderOption {
	return func(r *RetryingRecorder) {
		r.notify = notify
	}
}

// NewRetryingRecorder wraps the passed Recorder.
func NewRetryingRecorder(next Recorder, options ...RetryingRecorderOption) *RetryingRecorder {
	r := &RetryingRecorder{
		next:            next,
		maxAttempts:     DefaultRetryMaxAttempts,
		initialInterval: DefaultRetryInitialInterval,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Record implements Recorder.
func (r *RetryingRecorder) Record(ctx context.Context, ev Event) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.initialInterval
	eb.MaxElapsedTime = 0
	var b backoff.BackOff = eb
	if r.maxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(r.maxAttempts))
	}
	bctx := backoff.WithContext(b, ctx)
	op := func() error {
		return r.next.Record(bctx.Context(), ev)
	}
	return backoff.RetryNotify(op, bctx, r.notify)
}
