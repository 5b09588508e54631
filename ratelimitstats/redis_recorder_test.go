/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimitstats

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRedisRecorder_Record(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { require.NoError(t, rdb.Close()) }()

	rec := NewRedisRecorder(rdb, WithRedisKeyPrefix("test:rl:"), WithRedisTTL(time.Hour), WithRedisTrackClients(true))
	at := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	ctx := context.Background()

	require.NoError(t, rec.Record(ctx, Event{ClientID: "ip:10.0.0.1", Method: "/graph.v1.Graph/Search", CallKind: "read", Allowed: true, At: at}))
	require.NoError(t, rec.Record(ctx, Event{ClientID: "ip:10.0.0.1", Method: "/graph.v1.Graph/Search", CallKind: "read", Allowed: true, At: at}))
	require.NoError(t, rec.Record(ctx, Event{ClientID: "ip:10.0.0.1", Method: "/graph.v1.Graph/Search", CallKind: "read", Allowed: false, At: at}))

	require.Equal(t, "test:rl:total", rec.TotalKey())
	require.Equal(t, "2", mr.HGet(rec.TotalKey(), "allowed"))
	require.Equal(t, "1", mr.HGet(rec.TotalKey(), "denied"))
	require.Equal(t, "2", mr.HGet(rec.TotalKey(), "read:allowed"))

	minuteKey := rec.MinuteKey(at)
	require.Equal(t, "test:rl:minute:202503040506", minuteKey)
	require.Equal(t, "1", mr.HGet(minuteKey, "denied"))
	require.Equal(t, time.Hour, mr.TTL(minuteKey))

	require.Equal(t, "2", mr.HGet(rec.MethodsKey(), "/graph.v1.Graph/Search:allowed"))

	clientKey := rec.ClientKey("ip:10.0.0.1")
	require.Equal(t, "2", mr.HGet(clientKey, "allowed"))
	require.Equal(t, time.Hour, mr.TTL(clientKey))
}

func TestRedisRecorder_RecordWithoutClientTracking(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { require.NoError(t, rdb.Close()) }()

	rec := NewRedisRecorder(rdb)
	require.NoError(t, rec.Record(context.Background(), Event{ClientID: "user:alice", Allowed: false}))

	require.Equal(t, "1", mr.HGet(rec.TotalKey(), "denied"))
	require.False(t, mr.Exists(rec.ClientKey("user:alice")))
}

func TestRedisRecorder_RecordError(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer func() { _ = rdb.Close() }()
	mr.Close()

	rec := NewRedisRecorder(rdb)
	require.Error(t, rec.Record(context.Background(), Event{ClientID: "c", Allowed: true}))
}

func TestRecorderFunc(t *testing.T) {
	var got Event
	rec := RecorderFunc(func(_ context.Context, ev Event) error {
		got = ev
		return nil
	})
	require.NoError(t, rec.Record(context.Background(), Event{ClientID: "c", Allowed: true}))
	require.Equal(t, "c", got.ClientID)
}
