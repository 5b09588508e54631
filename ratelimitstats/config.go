/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimitstats

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/acronis/go-grpcgate/config"
)

const cfgDefaultKeyPrefix = "rateLimitStats"

const (
	cfgKeyEnabled        = "enabled"
	cfgKeyRedisAddress   = "redis.address"
	cfgKeyRedisDB        = "redis.db"
	cfgKeyRedisKeyPrefix = "redis.keyPrefix"
	cfgKeyTTL            = "ttl"
	cfgKeyTrackClients   = "trackClients"

	cfgKeyRetryMaxAttempts     = "retry.maxAttempts"
	cfgKeyRetryInitialInterval = "retry.initialInterval"
)

// DefaultRedisAddress is the default address of the Redis server.
const DefaultRedisAddress = "localhost:6379"

// Config represents a set of configuration parameters for recording rate limit decisions in Redis.
type Config struct {
	Enabled      bool                `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Redis        RedisConfig         `mapstructure:"redis" yaml:"redis" json:"redis"`
	TTL          config.TimeDuration `mapstructure:"ttl" yaml:"ttl" json:"ttl"`
	TrackClients bool                `mapstructure:"trackClients" yaml:"trackClients" json:"trackClients"`
	Retry        RetryConfig         `mapstructure:"retry" yaml:"retry" json:"retry"`

	keyPrefix string
}

// RetryConfig contains parameters for retrying failed writes to Redis.
type RetryConfig struct {
	MaxAttempts     int                 `mapstructure:"maxAttempts" yaml:"maxAttempts" json:"maxAttempts"`
	InitialInterval config.TimeDuration `mapstructure:"initialInterval" yaml:"initialInterval" json:"initialInterval"`
}

// RedisConfig contains Redis connection parameters.
type RedisConfig struct {
	Address   string `mapstructure:"address" yaml:"address" json:"address"`
	DB        int    `mapstructure:"db" yaml:"db" json:"db"`
	KeyPrefix string `mapstructure:"keyPrefix" yaml:"keyPrefix" json:"keyPrefix"`
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// ConfigOption is a type for functional options for the Config.
type ConfigOption func(*configOptions)

type configOptions struct {
	keyPrefix string
}

// WithKeyPrefix returns a ConfigOption that sets a key prefix for parsing configuration parameters.
func WithKeyPrefix(keyPrefix string) ConfigOption {
	return func(o *configOptions) {
		o.keyPrefix = keyPrefix
	}
}

// NewConfig creates a new instance of the Config.
func NewConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{keyPrefix: opts.keyPrefix}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig(options ...ConfigOption) *Config {
	cfg := NewConfig(options...)
	cfg.Redis = RedisConfig{Address: DefaultRedisAddress, KeyPrefix: DefaultRedisKeyPrefix}
	cfg.TTL = config.TimeDuration(DefaultRedisTTL)
	cfg.Retry = RetryConfig{
		MaxAttempts:     DefaultRetryMaxAttempts,
		InitialInterval: config.TimeDuration(DefaultRetryInitialInterval),
	}
	return cfg
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyRedisAddress, DefaultRedisAddress)
	dp.SetDefault(cfgKeyRedisKeyPrefix, DefaultRedisKeyPrefix)
	dp.SetDefault(cfgKeyTTL, DefaultRedisTTL)
	dp.SetDefault(cfgKeyRetryMaxAttempts, DefaultRetryMaxAttempts)
	dp.SetDefault(cfgKeyRetryInitialInterval, DefaultRetryInitialInterval)
}

// Set sets configuration values from config.DataProvider.
func (c *Config) Set(dp config.DataProvider) error {
	var err error

	if c.Enabled, err = dp.GetBool(cfgKeyEnabled); err != nil {
		return err
	}
	if c.Redis.Address, err = dp.GetString(cfgKeyRedisAddress); err != nil {
		return err
	}
	if c.Enabled && c.Redis.Address == "" {
		return dp.WrapKeyErr(cfgKeyRedisAddress, fmt.Errorf("cannot be empty"))
	}
	if c.Redis.DB, err = dp.GetInt(cfgKeyRedisDB); err != nil {
		return err
	}
	if c.Redis.DB < 0 {
		return dp.WrapKeyErr(cfgKeyRedisDB, fmt.Errorf("cannot be negative"))
	}
	if c.Redis.KeyPrefix, err = dp.GetString(cfgKeyRedisKeyPrefix); err != nil {
		return err
	}

	var ttl time.Duration
	if ttl, err = dp.GetDuration(cfgKeyTTL); err != nil {
		return err
	}
	if ttl <= 0 {
		return dp.WrapKeyErr(cfgKeyTTL, fmt.Errorf("must be positive"))
	}
	c.TTL = config.TimeDuration(ttl)

	if c.TrackClients, err = dp.GetBool(cfgKeyTrackClients); err != nil {
		return err
	}

	if c.Retry.MaxAttempts, err = dp.GetInt(cfgKeyRetryMaxAttempts); err != nil {
		return err
	}
	if c.Retry.MaxAttempts < 0 {
		return dp.WrapKeyErr(cfgKeyRetryMaxAttempts, fmt.Errorf("cannot be negative"))
	}
	var interval time.Duration
	if interval, err = dp.GetDuration(cfgKeyRetryInitialInterval); err != nil {
		return err
	}
	if interval <= 0 {
		return dp.WrapKeyErr(cfgKeyRetryInitialInterval, fmt.Errorf("must be positive"))
	}
	c.Retry.InitialInterval = config.TimeDuration(interval)
	return nil
}

// RecorderOptions converts the configuration to RedisRecorder options.
func (c *Config) RecorderOptions() []RedisRecorderOption {
	opts := []RedisRecorderOption{WithRedisTTL(time.Duration(c.TTL)), WithRedisTrackClients(c.TrackClients)}
	if c.Redis.KeyPrefix != "" {
		opts = append(opts, WithRedisKeyPrefix(c.Redis.KeyPrefix))
	}
	return opts
}

// NewRecorder creates a RedisRecorder for the passed client.
// Failed writes are retried when Retry.MaxAttempts is positive.
func (c *Config) NewRecorder(rdb redis.Cmdable) Recorder {
	rec := NewRedisRecorder(rdb, c.RecorderOptions()...)
	if c.Retry.MaxAttempts == 0 {
		return rec
	}
	return NewRetryingRecorder(rec,
		WithRetryMaxAttempts(c.Retry.MaxAttempts), WithRetryInitialInterval(time.Duration(c.Retry.InitialInterval)))
}
