/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimitstats

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/acronis/go-grpcgate/config"
)

type AppConfig struct {
	RateLimitStats *Config `mapstructure:"rateLimitStats" json:"rateLimitStats" yaml:"rateLimitStats"`
}

func TestConfig(t *testing.T) {
	tests := []struct {
		name        string
		cfgDataType config.DataType
		cfgData     string
	}{
		{
			name:        "yaml config",
			cfgDataType: config.DataTypeYAML,
			cfgData: `
rateLimitStats:
  enabled: true
  redis:
    address: "redis:6379"
    db: 2
    keyPrefix: "gate:rl"
  ttl: 2h
  trackClients: true
  retry:
    maxAttempts: 5
    initialInterval: 100ms
`,
		},
		{
			name:        "json config",
			cfgDataType: config.DataTypeJSON,
			cfgData: `
{
	"rateLimitStats": {
		"enabled": true,
		"redis": {"address": "redis:6379", "db": 2, "keyPrefix": "gate:rl"},
		"ttl": "2h",
		"trackClients": true,
		"retry": {"maxAttempts": 5, "initialInterval": "100ms"}
	}
}`,
		},
	}
	expectedCfg := func() *Config {
		cfg := NewDefaultConfig()
		cfg.Enabled = true
		cfg.Redis = RedisConfig{Address: "redis:6379", DB: 2, KeyPrefix: "gate:rl"}
		cfg.TTL = config.TimeDuration(2 * time.Hour)
		cfg.TrackClients = true
		cfg.Retry = RetryConfig{MaxAttempts: 5, InitialInterval: config.TimeDuration(100 * time.Millisecond)}
		return cfg
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appCfg := AppConfig{RateLimitStats: NewDefaultConfig()}
			cfgLoader := config.NewLoader(config.NewViperAdapter())
			err := cfgLoader.LoadFromReader(bytes.NewBuffer([]byte(tt.cfgData)), tt.cfgDataType, appCfg.RateLimitStats)
			require.NoError(t, err)
			require.Equal(t, AppConfig{RateLimitStats: expectedCfg()}, appCfg)

			appCfg = AppConfig{RateLimitStats: NewDefaultConfig()}
			switch tt.cfgDataType {
			case config.DataTypeYAML:
				require.NoError(t, yaml.Unmarshal([]byte(tt.cfgData), &appCfg))
			case config.DataTypeJSON:
				require.NoError(t, json.Unmarshal([]byte(tt.cfgData), &appCfg))
			}
			require.Equal(t, AppConfig{RateLimitStats: expectedCfg()}, appCfg)
		})
	}
}

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewConfig()
	require.NoError(t, config.NewDefaultLoader("").LoadFromReader(bytes.NewBuffer(nil), config.DataTypeYAML, cfg))
	require.Equal(t, NewDefaultConfig(), cfg)
	require.False(t, cfg.Enabled)
	require.Equal(t, DefaultRedisAddress, cfg.Redis.Address)
	require.Equal(t, config.TimeDuration(DefaultRedisTTL), cfg.TTL)
}

func TestConfigValidationErrors(t *testing.T) {
	tests := []struct {
		name           string
		yamlData       string
		expectedErrMsg string
	}{
		{
			name: "error, empty redis address",
			yamlData: `
rateLimitStats:
  enabled: true
  redis:
    address: ""
`,
			expectedErrMsg: `rateLimitStats.redis.address: cannot be empty`,
		},
		{
			name: "error, negative redis db",
			yamlData: `
rateLimitStats:
  redis:
    db: -1
`,
			expectedErrMsg: `rateLimitStats.redis.db: cannot be negative`,
		},
		{
			name: "error, zero ttl",
			yamlData: `
rateLimitStats:
  ttl: 0s
`,
			expectedErrMsg: `rateLimitStats.ttl: must be positive`,
		},
		{
			name: "error, negative retry max attempts",
			yamlData: `
rateLimitStats:
  retry:
    maxAttempts: -1
`,
			expectedErrMsg: `rateLimitStats.retry.maxAttempts: cannot be negative`,
		},
		{
			name: "error, zero retry initial interval",
			yamlData: `
rateLimitStats:
  retry:
    initialInterval: 0s
`,
			expectedErrMsg: `rateLimitStats.retry.initialInterval: must be positive`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			err := config.NewDefaultLoader("").LoadFromReader(bytes.NewBuffer([]byte(tt.yamlData)), config.DataTypeYAML, cfg)
			require.EqualError(t, err, tt.expectedErrMsg)
		})
	}
}

func TestConfig_RecorderOptions(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { require.NoError(t, rdb.Close()) }()

	cfg := NewDefaultConfig()
	cfg.Redis.KeyPrefix = "gate:rl"
	cfg.TTL = config.TimeDuration(time.Minute)
	cfg.TrackClients = true
	rec := NewRedisRecorder(rdb, cfg.RecorderOptions()...)

	require.NoError(t, rec.Record(context.Background(), Event{ClientID: "user:bob", Allowed: true}))
	require.Equal(t, "gate:rl:total", rec.TotalKey())
	require.Equal(t, "1", mr.HGet("gate:rl:client:user:bob", "allowed"))
	require.Equal(t, time.Minute, mr.TTL("gate:rl:client:user:bob"))

	cfg.Redis.KeyPrefix = ""
	require.Equal(t, DefaultRedisKeyPrefix+":total", NewRedisRecorder(rdb, cfg.RecorderOptions()...).TotalKey())
}

func TestConfig_NewRecorder(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { require.NoError(t, rdb.Close()) }()

	cfg := NewDefaultConfig()
	require.IsType(t, &RetryingRecorder{}, cfg.NewRecorder(rdb))

	cfg.Retry.MaxAttempts = 0
	rec := cfg.NewRecorder(rdb)
	require.IsType(t, &RedisRecorder{}, rec)
	require.NoError(t, rec.Record(context.Background(), Event{ClientID: "user:alice", Allowed: true}))
	require.Equal(t, "1", mr.HGet(DefaultRedisKeyPrefix+":total", "allowed"))
}
