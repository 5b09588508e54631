/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimitstats

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default values for RedisRecorder.
const (
	DefaultRedisKeyPrefix = "grpcgate:ratelimit"
	DefaultRedisTTL       = 24 * time.Hour
)

const (
	fieldAllowed = "allowed"
	fieldDenied  = "denied"
)

// RedisRecorder increments allowed/denied counters in Redis hashes.
// It maintains a cumulative total, per-minute buckets, per-method and per-client counters.
// Per-minute and per-client keys expire after the configured TTL.
type RedisRecorder struct {
	rdb         redis.Cmdable
	prefix      string
	ttl         time.Duration
	trackClient bool
}

// RedisRecorderOption represents a configuration option for RedisRecorder.
type RedisRecorderOption func(*RedisRecorder)

// WithRedisKeyPrefix sets the prefix for all keys.
func WithRedisKeyPrefix(prefix string) RedisRecorderOption {
	return func(r *RedisRecorder) {
		r.prefix = strings.Trim(prefix, ":")
	}
}

// WithRedisTTL sets the expiration for per-minute and per-client keys.
func WithRedisTTL(ttl time.Duration) RedisRecorderOption {
	return func(r *RedisRecorder) {
		r.ttl = ttl
	}
}

// WithRedisTrackClients enables per-client counters.
func WithRedisTrackClients(track bool) RedisRecorderOption {
	return func(r *RedisRecorder) {
		r.trackClient = track
	}
}

// NewRedisRecorder creates a new RedisRecorder.
func NewRedisRecorder(rdb redis.Cmdable, options ...RedisRecorderOption) *RedisRecorder {
	r := &RedisRecorder{rdb: rdb, prefix: DefaultRedisKeyPrefix, ttl: DefaultRedisTTL}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Record implements Recorder.
func (r *RedisRecorder) Record(ctx context.Context, ev Event) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	field := fieldDenied
	if ev.Allowed {
		field = fieldAllowed
	}

	pipe := r.rdb.Pipeline()
	pipe.HIncrBy(ctx, r.TotalKey(), field, 1)

	minuteKey := r.MinuteKey(at)
	pipe.HIncrBy(ctx, minuteKey, field, 1)
	if r.ttl > 0 {
		pipe.Expire(ctx, minuteKey, r.ttl)
	}

	if ev.Method != "" {
		pipe.HIncrBy(ctx, r.MethodsKey(), ev.Method+":"+field, 1)
	}
	if ev.CallKind != "" {
		pipe.HIncrBy(ctx, r.TotalKey(), ev.CallKind+":"+field, 1)
	}

	if r.trackClient && ev.ClientID != "" {
		clientKey := r.ClientKey(ev.ClientID)
		pipe.HIncrBy(ctx, clientKey, field, 1)
		if r.ttl > 0 {
			pipe.Expire(ctx, clientKey, r.ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record rate limit decision in redis: %w", err)
	}
	return nil
}

// TotalKey returns the key of the cumulative counters hash.
func (r *RedisRecorder) TotalKey() string {
	return r.prefix + ":total"
}

// MinuteKey returns the key of the per-minute counters hash for the given time.
func (r *RedisRecorder) MinuteKey(at time.Time) string {
	return fmt.Sprintf("%s:minute:%s", r.prefix, at.UTC().Format("200601021504"))
}

// MethodsKey returns the key of the per-method counters hash.
func (r *RedisRecorder) MethodsKey() string {
	return r.prefix + ":method"
}

// ClientKey returns the key of the per-client counters hash.
func (r *RedisRecorder) ClientKey(clientID string) string {
	return r.prefix + ":client:" + clientID
}
