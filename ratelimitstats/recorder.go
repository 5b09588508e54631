/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimitstats

import (
	"context"
	"time"
)

// Event describes a single admission decision.
type Event struct {
	ClientID string
	Method   string
	CallKind string
	Allowed  bool
	At       time.Time
}

// Recorder records admission decisions.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// RecorderFunc is an adapter to allow the use of ordinary functions as Recorder.
type RecorderFunc func(ctx context.Context, ev Event) error

// Record calls f(ctx, ev).
func (f RecorderFunc) Record(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}
