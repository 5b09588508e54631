/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package taskqueue

import (
	"fmt"
	"time"

	"github.com/acronis/go-grpcgate/config"
)

const cfgDefaultKeyPrefix = "taskQueue"

const (
	cfgKeyMaxConcurrent   = "maxConcurrent"
	cfgKeyIdleTimeout     = "idleTimeout"
	cfgKeyShutdownTimeout = "shutdownTimeout"
	cfgKeyCleanupInterval = "cleanup.interval"
	cfgKeyCleanupMaxAge   = "cleanup.maxAge"
)

// DefaultCleanupInterval is the default interval of removing old terminal tasks.
const DefaultCleanupInterval = 10 * time.Minute

// Config represents a set of configuration parameters for the task queue.
type Config struct {
	MaxConcurrent   int                 `mapstructure:"maxConcurrent" yaml:"maxConcurrent" json:"maxConcurrent"`
	IdleTimeout     config.TimeDuration `mapstructure:"idleTimeout" yaml:"idleTimeout" json:"idleTimeout"`
	ShutdownTimeout config.TimeDuration `mapstructure:"shutdownTimeout" yaml:"shutdownTimeout" json:"shutdownTimeout"`
	Cleanup         CleanupConfig       `mapstructure:"cleanup" yaml:"cleanup" json:"cleanup"`

	keyPrefix string
}

// CleanupConfig configures periodic removal of finished tasks.
type CleanupConfig struct {
	Interval config.TimeDuration `mapstructure:"interval" yaml:"interval" json:"interval"`
	MaxAge   config.TimeDuration `mapstructure:"maxAge" yaml:"maxAge" json:"maxAge"`
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
	cfg.MaxConcurrent = DefaultMaxConcurrent
	cfg.IdleTimeout = config.TimeDuration(DefaultIdleTimeout)
	cfg.ShutdownTimeout = config.TimeDuration(DefaultShutdownTimeout)
	cfg.Cleanup = CleanupConfig{
		Interval: config.TimeDuration(DefaultCleanupInterval),
		MaxAge:   config.TimeDuration(DefaultClearCompletedMaxAge),
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

// SetProviderDefaults sets default configuration values for the task queue in config.DataProvider.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyMaxConcurrent, DefaultMaxConcurrent)
	dp.SetDefault(cfgKeyIdleTimeout, DefaultIdleTimeout)
	dp.SetDefault(cfgKeyShutdownTimeout, DefaultShutdownTimeout)
	dp.SetDefault(cfgKeyCleanupInterval, DefaultCleanupInterval)
	dp.SetDefault(cfgKeyCleanupMaxAge, DefaultClearCompletedMaxAge)
}

// Set sets task queue configuration values from config.DataProvider.
func (c *Config) Set(dp config.DataProvider) error {
	var err error

	if c.MaxConcurrent, err = dp.GetInt(cfgKeyMaxConcurrent); err != nil {
		return err
	}
	if c.MaxConcurrent <= 0 {
		return dp.WrapKeyErr(cfgKeyMaxConcurrent, fmt.Errorf("must be positive"))
	}

	durations := []struct {
		key      string
		dst      *config.TimeDuration
		positive bool
	}{
		{cfgKeyIdleTimeout, &c.IdleTimeout, true},
		{cfgKeyShutdownTimeout, &c.ShutdownTimeout, false},
		{cfgKeyCleanupInterval, &c.Cleanup.Interval, false},
		{cfgKeyCleanupMaxAge, &c.Cleanup.MaxAge, false},
	}
	for _, d := range durations {
		var dur time.Duration
		if dur, err = dp.GetDuration(d.key); err != nil {
			return err
		}
		if dur < 0 || (d.positive && dur == 0) {
			return dp.WrapKeyErr(d.key, fmt.Errorf("invalid duration %s", dur))
		}
		*d.dst = config.TimeDuration(dur)
	}

	return nil
}
