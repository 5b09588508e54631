/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/acronis/go-grpcgate/internal/registry"
)

// DefaultCleanupInterval determines how often idle client windows are evicted.
const DefaultCleanupInterval = 5 * time.Minute

// clientWindow holds timestamps of admitted requests of a single client in ascending order.
type clientWindow struct {
	mu         sync.Mutex
	timestamps []time.Time
	evicted    bool
}

func newClientWindow() *clientWindow {
	return &clientWindow{}
}

// evictStale drops timestamps that are not after the boundary.
// Must be called with w.mu held.
func (w *clientWindow) evictStale(boundary time.Time) {
	i := 0
	for i < len(w.timestamps) && !w.timestamps[i].After(boundary) {
		i++
	}
	if i > 0 {
		w.timestamps = w.timestamps[i:]
	}
}

// SlidingWindowLimiter implements the sliding window log algorithm with a separate window per client.
type SlidingWindowLimiter struct {
	policy          Policy
	cleanupInterval time.Duration
	now             func() time.Time

	windows     *registry.Registry[string, *clientWindow]
	cleanupMu   sync.Mutex
	lastCleanup atomic.Int64
}

// SlidingWindowOption represents a configuration option for SlidingWindowLimiter.
type SlidingWindowOption func(*SlidingWindowLimiter)

// WithCleanupInterval sets how often idle client windows may be evicted.
func WithCleanupInterval(interval time.Duration) SlidingWindowOption {
	return func(l *SlidingWindowLimiter) {
		l.cleanupInterval = interval
	}
}

// WithClock sets the function that returns the current time.
func WithClock(now func() time.Time) SlidingWindowOption {
	return func(l *SlidingWindowLimiter) {
		l.now = now
	}
}

// NewSlidingWindowLimiter creates a new sliding window rate limiter.
func NewSlidingWindowLimiter(policy Policy, options ...SlidingWindowOption) (*SlidingWindowLimiter, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	l := &SlidingWindowLimiter{
		policy:          policy,
		cleanupInterval: DefaultCleanupInterval,
		now:             time.Now,
		windows:         registry.New[string, *clientWindow](),
	}
	for _, opt := range options {
		opt(l)
	}
	l.lastCleanup.Store(l.now().UnixNano())
	return l, nil
}

// Policy returns the policy of the limiter.
func (l *SlidingWindowLimiter) Policy() Policy {
	return l.policy
}

// Allow checks whether the client may make one more call of the given kind and records the call if so.
// Checks for the same client are serialized by the client's own lock.
func (l *SlidingWindowLimiter) Allow(clientID string, kind CallKind) Decision {
	limit := l.policy.LimitFor(kind)
	decision := Decision{Limit: limit, Window: l.policy.Window}

	var now time.Time
	for {
		w, _ := l.windows.LoadOrCreate(clientID, newClientWindow)
		w.mu.Lock()
		if w.evicted {
			// The window was removed by cleanup after we had loaded it, take the fresh one.
			w.mu.Unlock()
			continue
		}
		now = l.now()
		w.evictStale(now.Add(-l.policy.Window))
		if n := len(w.timestamps); n >= limit {
			// Reads and writes share the window, so it may hold more entries than this limit.
			// Capacity comes back when the entry that keeps the count at the limit ages out.
			decision.RetryAfter = w.timestamps[n-limit].Add(l.policy.Window).Sub(now)
		} else {
			w.timestamps = append(w.timestamps, now)
			decision.Allowed = true
		}
		w.mu.Unlock()
		break
	}

	l.maybeCleanup(now)
	return decision
}

// Usage returns the current usage of the client window.
func (l *SlidingWindowLimiter) Usage(clientID string) Usage {
	usage := Usage{
		MaxRequests: l.policy.MaxRequests,
		Window:      l.policy.Window,
		Remaining:   l.policy.MaxRequests,
	}
	w, ok := l.windows.Load(clientID)
	if !ok {
		return usage
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.now()
	boundary := now.Add(-l.policy.Window)
	for _, ts := range w.timestamps {
		if ts.After(boundary) {
			usage.CurrentRequests++
		}
	}
	if usage.CurrentRequests > 0 {
		oldest := w.timestamps[len(w.timestamps)-usage.CurrentRequests]
		usage.ResetIn = oldest.Add(l.policy.Window).Sub(now)
	}
	usage.Remaining = l.policy.MaxRequests - usage.CurrentRequests
	if usage.Remaining < 0 {
		usage.Remaining = 0
	}
	return usage
}

// ClientsCount returns the number of tracked client windows.
func (l *SlidingWindowLimiter) ClientsCount() int {
	return l.windows.Len()
}

// Cleanup removes windows of clients whose most recent request is older than the window length.
// It returns the number of removed windows.
func (l *SlidingWindowLimiter) Cleanup() int {
	l.cleanupMu.Lock()
	defer l.cleanupMu.Unlock()
	now := l.now()
	l.lastCleanup.Store(now.UnixNano())
	return l.evictIdle(now)
}

// maybeCleanup runs the eviction pass at most once per cleanup interval.
// Only one of the concurrent callers performs the scan, others return immediately.
func (l *SlidingWindowLimiter) maybeCleanup(now time.Time) {
	if l.cleanupInterval <= 0 || now.Sub(time.Unix(0, l.lastCleanup.Load())) < l.cleanupInterval {
		return
	}
	if !l.cleanupMu.TryLock() {
		return
	}
	defer l.cleanupMu.Unlock()
	if now.Sub(time.Unix(0, l.lastCleanup.Load())) < l.cleanupInterval {
		return
	}
	l.lastCleanup.Store(now.UnixNano())
	l.evictIdle(now)
}

func (l *SlidingWindowLimiter) evictIdle(now time.Time) int {
	boundary := now.Add(-l.policy.Window)
	removed := 0
	l.windows.Range(func(clientID string, w *clientWindow) bool {
		w.mu.Lock()
		if len(w.timestamps) == 0 || !w.timestamps[len(w.timestamps)-1].After(boundary) {
			w.evicted = true
			if l.windows.Delete(clientID, w) {
				removed++
			}
		}
		w.mu.Unlock()
		return true
	})
	return removed
}
