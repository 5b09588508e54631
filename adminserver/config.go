/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package adminserver

import (
	"fmt"
	"time"

	"github.com/acronis/go-grpcgate/config"
)

const cfgDefaultKeyPrefix = "adminServer"

const (
	cfgKeyEnabled         = "enabled"
	cfgKeyAddress         = "address"
	cfgKeyPprof           = "pprof"
	cfgKeyShutdownTimeout = "shutdownTimeout"
)

const (
	defaultAddress         = ":8081"
	defaultShutdownTimeout = 5 * time.Second
)

// Config represents a set of configuration parameters for the admin HTTP server.
type Config struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Address string `mapstructure:"address" yaml:"address" json:"address"`
	// Pprof mounts net/http/pprof handlers under /debug.
	Pprof           bool                `mapstructure:"pprof" yaml:"pprof" json:"pprof"`
	ShutdownTimeout config.TimeDuration `mapstructure:"shutdownTimeout" yaml:"shutdownTimeout" json:"shutdownTimeout"`

	keyPrefix string
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
	cfg.Enabled = true
	cfg.Address = defaultAddress
	cfg.ShutdownTimeout = config.TimeDuration(defaultShutdownTimeout)
	return cfg
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values for the admin server in config.DataProvider.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyEnabled, true)
	dp.SetDefault(cfgKeyAddress, defaultAddress)
	dp.SetDefault(cfgKeyShutdownTimeout, defaultShutdownTimeout)
}

// Set sets admin server configuration values from config.DataProvider.
func (c *Config) Set(dp config.DataProvider) error {
	var err error
	if c.Enabled, err = dp.GetBool(cfgKeyEnabled); err != nil {
		return err
	}
	if c.Address, err = dp.GetString(cfgKeyAddress); err != nil {
		return err
	}
	if c.Address == "" {
		return dp.WrapKeyErr(cfgKeyAddress, fmt.Errorf("cannot be empty"))
	}
	if c.Pprof, err = dp.GetBool(cfgKeyPprof); err != nil {
		return err
	}
	var timeout time.Duration
	if timeout, err = dp.GetDuration(cfgKeyShutdownTimeout); err != nil {
		return err
	}
	if timeout < 0 {
		return dp.WrapKeyErr(cfgKeyShutdownTimeout, fmt.Errorf("cannot be negative"))
	}
	c.ShutdownTimeout = config.TimeDuration(timeout)
	return nil
}
