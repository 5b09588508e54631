/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package grpcserver

import (
	"errors"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/acronis/go-grpcgate/config"
	"github.com/acronis/go-grpcgate/grpcserver/interceptor"
)

const cfgDefaultKeyPrefix = "grpcServer"

// Keys are relative to Config.KeyPrefix().
const (
	cfgKeyAddress        = "address"
	cfgKeyUnixSocketPath = "unixSocketPath"
	cfgKeyReflection     = "reflection"

	cfgKeyTLSEnabled = "tls.enabled"
	cfgKeyTLSCert    = "tls.cert"
	cfgKeyTLSKey     = "tls.key"

	cfgKeyShutdownTimeout     = "timeouts.shutdown"
	cfgKeyCallTimeoutsEnabled = "timeouts.call.enabled"
	cfgKeyCallTimeoutDefault  = "timeouts.call.default"
	cfgKeyCallTimeoutServices = "timeouts.call.services"

	cfgKeyKeepaliveTime    = "keepalive.time"
	cfgKeyKeepaliveTimeout = "keepalive.timeout"
	cfgKeyKeepaliveMinTime = "keepalive.minTime"

	cfgKeyMaxConcurrentStreams = "limits.maxConcurrentStreams"
	cfgKeyMaxRecvMessageSize   = "limits.maxRecvMessageSize"
	cfgKeyMaxSendMessageSize   = "limits.maxSendMessageSize"

	cfgKeyLogCallStart         = "log.callStart"
	cfgKeyLogExcludedMethods   = "log.excludedMethods"
	cfgKeyLogSlowCallThreshold = "log.slowCallThreshold"

	cfgKeyRateLimitEnabled          = "rateLimit.enabled"
	cfgKeyRateLimitDryRun           = "rateLimit.dryRun"
	cfgKeyRateLimitWindow           = "rateLimit.window"
	cfgKeyRateLimitMaxRequests      = "rateLimit.maxRequests"
	cfgKeyRateLimitReadMaxRequests  = "rateLimit.readMaxRequests"
	cfgKeyRateLimitWriteMaxRequests = "rateLimit.writeMaxRequests"
	cfgKeyRateLimitExemptMethods    = "rateLimit.exemptMethods"
	cfgKeyRateLimitCleanupInterval  = "rateLimit.cleanupInterval"

	cfgKeyAuthEnabled      = "auth.enabled"
	cfgKeyAuthAPIKeys      = "auth.apiKeys"
	cfgKeyAuthJWTSecret    = "auth.jwtSecret"
	cfgKeyAuthJWTAlgorithm = "auth.jwtAlgorithm"

	cfgKeyTracingEnabled = "tracing.enabled"
)

// Defaults.
const (
	DefaultAddress            = ":9090"
	DefaultShutdownTimeout    = 5 * time.Second
	DefaultKeepaliveTime      = 2 * time.Minute
	DefaultKeepaliveTimeout   = 20 * time.Second
	DefaultMaxMessageSize     = 4 << 20
	DefaultSlowCallThreshold  = time.Second
	DefaultRateLimitWindow    = time.Minute
	DefaultRateLimitRequests  = 100
	defaultJWTAlgorithmChoice = ""
)

var (
	errNegative    = errors.New("cannot be negative")
	errNotPositive = errors.New("must be positive")
)

// Config is the configuration of the gateway gRPC server: listener, transport limits and the admission layer
// (authentication, rate limiting, call timeouts).
// It can be loaded with config.Loader or unmarshaled from YAML/JSON directly.
type Config struct {
	Address        string          `mapstructure:"address" yaml:"address" json:"address"`
	UnixSocketPath string          `mapstructure:"unixSocketPath" yaml:"unixSocketPath" json:"unixSocketPath"`
	Reflection     bool            `mapstructure:"reflection" yaml:"reflection" json:"reflection"`
	TLS            TLSConfig       `mapstructure:"tls" yaml:"tls" json:"tls"`
	Timeouts       TimeoutsConfig  `mapstructure:"timeouts" yaml:"timeouts" json:"timeouts"`
	Keepalive      KeepaliveConfig `mapstructure:"keepalive" yaml:"keepalive" json:"keepalive"`
	Limits         LimitsConfig    `mapstructure:"limits" yaml:"limits" json:"limits"`
	Log            LogConfig       `mapstructure:"log" yaml:"log" json:"log"`
	RateLimit      RateLimitConfig `mapstructure:"rateLimit" yaml:"rateLimit" json:"rateLimit"`
	Auth           AuthConfig      `mapstructure:"auth" yaml:"auth" json:"auth"`
	Tracing        TracingConfig   `mapstructure:"tracing" yaml:"tracing" json:"tracing"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// ConfigOption is a type for functional options for the Config.
type ConfigOption func(*Config)

// WithKeyPrefix returns a ConfigOption that sets a key prefix for parsing configuration parameters.
func WithKeyPrefix(keyPrefix string) ConfigOption {
	return func(c *Config) {
		c.keyPrefix = keyPrefix
	}
}

// NewConfig creates an empty Config, to be filled by config.Loader.
func NewConfig(options ...ConfigOption) *Config {
	c := &Config{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// NewDefaultConfig creates a Config with default values.
func NewDefaultConfig(options ...ConfigOption) *Config {
	c := NewConfig(options...)
	c.Address = DefaultAddress
	c.Timeouts.Shutdown = config.TimeDuration(DefaultShutdownTimeout)
	c.Timeouts.Call = CallTimeoutsConfig{Enabled: true, Default: config.TimeDuration(interceptor.DefaultCallTimeout)}
	c.Keepalive.Time = config.TimeDuration(DefaultKeepaliveTime)
	c.Keepalive.Timeout = config.TimeDuration(DefaultKeepaliveTimeout)
	c.Limits.MaxRecvMessageSize = DefaultMaxMessageSize
	c.Limits.MaxSendMessageSize = DefaultMaxMessageSize
	c.Log.SlowCallThreshold = config.TimeDuration(DefaultSlowCallThreshold)
	c.RateLimit.Window = config.TimeDuration(DefaultRateLimitWindow)
	c.RateLimit.MaxRequests = DefaultRateLimitRequests
	c.RateLimit.CleanupInterval = config.TimeDuration(interceptor.DefaultRateLimitCleanupInterval)
	return c
}

// KeyPrefix returns the key under which the server section is stored.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	for key, value := range map[string]interface{}{
		cfgKeyAddress:                  DefaultAddress,
		cfgKeyShutdownTimeout:          DefaultShutdownTimeout,
		cfgKeyCallTimeoutsEnabled:      true,
		cfgKeyCallTimeoutDefault:       interceptor.DefaultCallTimeout,
		cfgKeyKeepaliveTime:            DefaultKeepaliveTime,
		cfgKeyKeepaliveTimeout:         DefaultKeepaliveTimeout,
		cfgKeyMaxRecvMessageSize:       DefaultMaxMessageSize,
		cfgKeyMaxSendMessageSize:       DefaultMaxMessageSize,
		cfgKeyLogSlowCallThreshold:     DefaultSlowCallThreshold,
		cfgKeyRateLimitWindow:          DefaultRateLimitWindow,
		cfgKeyRateLimitMaxRequests:     DefaultRateLimitRequests,
		cfgKeyRateLimitCleanupInterval: interceptor.DefaultRateLimitCleanupInterval,
		cfgKeyAuthJWTAlgorithm:         defaultJWTAlgorithmChoice,
	} {
		dp.SetDefault(key, value)
	}
}

// Set sets configuration values from config.DataProvider.
func (c *Config) Set(dp config.DataProvider) (err error) {
	if c.Address, err = dp.GetString(cfgKeyAddress); err != nil {
		return err
	}
	if c.UnixSocketPath, err = dp.GetString(cfgKeyUnixSocketPath); err != nil {
		return err
	}
	if c.Reflection, err = dp.GetBool(cfgKeyReflection); err != nil {
		return err
	}
	for _, section := range []interface{ Set(config.DataProvider) error }{
		&c.TLS, &c.Timeouts, &c.Keepalive, &c.Limits, &c.Log, &c.RateLimit, &c.Auth, &c.Tracing,
	} {
		if err = section.Set(dp); err != nil {
			return err
		}
	}
	return nil
}

// getDuration reads a non-negative duration; positive additionally rejects zero.
func getDuration(dp config.DataProvider, key string, positive bool) (config.TimeDuration, error) {
	d, err := dp.GetDuration(key)
	if err != nil {
		return 0, err
	}
	if positive && d <= 0 {
		return 0, dp.WrapKeyErr(key, errNotPositive)
	}
	if d < 0 {
		return 0, dp.WrapKeyErr(key, errNegative)
	}
	return config.TimeDuration(d), nil
}

// getCount reads a non-negative integer; positive additionally rejects zero.
func getCount(dp config.DataProvider, key string, positive bool) (int, error) {
	n, err := dp.GetInt(key)
	if err != nil {
		return 0, err
	}
	if positive && n <= 0 {
		return 0, dp.WrapKeyErr(key, errNotPositive)
	}
	if n < 0 {
		return 0, dp.WrapKeyErr(key, errNegative)
	}
	return n, nil
}

// TLSConfig holds the server certificate. The server listens without TLS unless Enabled is set.
type TLSConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Certificate string `mapstructure:"cert" yaml:"cert" json:"cert"`
	Key         string `mapstructure:"key" yaml:"key" json:"key"`
}

// Set sets TLS configuration values from config.DataProvider.
func (s *TLSConfig) Set(dp config.DataProvider) (err error) {
	if s.Enabled, err = dp.GetBool(cfgKeyTLSEnabled); err != nil {
		return err
	}
	if s.Certificate, err = dp.GetString(cfgKeyTLSCert); err != nil {
		return err
	}
	s.Key, err = dp.GetString(cfgKeyTLSKey)
	return err
}

// TimeoutsConfig holds the graceful shutdown timeout and per-call timeouts.
type TimeoutsConfig struct {
	Shutdown config.TimeDuration `mapstructure:"shutdown" yaml:"shutdown" json:"shutdown"`
	Call     CallTimeoutsConfig  `mapstructure:"call" yaml:"call" json:"call"`
}

// Set sets timeout configuration values from config.DataProvider.
func (t *TimeoutsConfig) Set(dp config.DataProvider) (err error) {
	if t.Shutdown, err = getDuration(dp, cfgKeyShutdownTimeout, false); err != nil {
		return err
	}
	return t.Call.Set(dp)
}

// CallTimeoutsConfig represents server-side timeouts of calls.
// Zero at any level means no timeout. Service and method names are matched case-insensitively.
type CallTimeoutsConfig struct {
	Enabled  bool                                 `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Default  config.TimeDuration                  `mapstructure:"default" yaml:"default" json:"default"`
	Services map[string]ServiceCallTimeoutsConfig `mapstructure:"services" yaml:"services" json:"services"`
}

// ServiceCallTimeoutsConfig represents timeouts of a single service keyed by its short name.
type ServiceCallTimeoutsConfig struct {
	Default *config.TimeDuration           `mapstructure:"default" yaml:"default" json:"default"`
	Methods map[string]config.TimeDuration `mapstructure:"methods" yaml:"methods" json:"methods"`
}

// Set sets call timeouts configuration values from config.DataProvider.
func (t *CallTimeoutsConfig) Set(dp config.DataProvider) (err error) {
	if t.Enabled, err = dp.GetBool(cfgKeyCallTimeoutsEnabled); err != nil {
		return err
	}
	if t.Default, err = getDuration(dp, cfgKeyCallTimeoutDefault, false); err != nil {
		return err
	}
	t.Services = nil
	withTextHook := func(c *mapstructure.DecoderConfig) { c.DecodeHook = mapstructure.TextUnmarshallerHookFunc() }
	if err = dp.UnmarshalKey(cfgKeyCallTimeoutServices, &t.Services, withTextHook); err != nil {
		return err
	}
	if err = t.Policy().Validate(); err != nil {
		return dp.WrapKeyErr(cfgKeyCallTimeoutServices, err)
	}
	return nil
}

// Policy converts the configuration to interceptor.TimeoutPolicy.
func (t *CallTimeoutsConfig) Policy() interceptor.TimeoutPolicy {
	policy := interceptor.TimeoutPolicy{Enabled: t.Enabled, Default: time.Duration(t.Default)}
	for name, svc := range t.Services {
		if policy.Services == nil {
			policy.Services = make(map[string]interceptor.ServiceTimeouts, len(t.Services))
		}
		var st interceptor.ServiceTimeouts
		if svc.Default != nil {
			d := time.Duration(*svc.Default)
			st.Default = &d
		}
		for method, d := range svc.Methods {
			if st.Methods == nil {
				st.Methods = make(map[string]time.Duration, len(svc.Methods))
			}
			st.Methods[method] = time.Duration(d)
		}
		policy.Services[name] = st
	}
	return policy
}

// KeepaliveConfig configures HTTP/2 keepalive pings and the minimal ping interval allowed for clients.
type KeepaliveConfig struct {
	Time    config.TimeDuration `mapstructure:"time" yaml:"time" json:"time"`
	Timeout config.TimeDuration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
	MinTime config.TimeDuration `mapstructure:"minTime" yaml:"minTime" json:"minTime"`
}

// Set sets keepalive configuration values from config.DataProvider.
func (k *KeepaliveConfig) Set(dp config.DataProvider) (err error) {
	if k.Time, err = getDuration(dp, cfgKeyKeepaliveTime, false); err != nil {
		return err
	}
	if k.Timeout, err = getDuration(dp, cfgKeyKeepaliveTimeout, false); err != nil {
		return err
	}
	k.MinTime, err = getDuration(dp, cfgKeyKeepaliveMinTime, false)
	return err
}

// LimitsConfig bounds streams per connection and message sizes. Zero means the gRPC default.
type LimitsConfig struct {
	MaxConcurrentStreams uint32          `mapstructure:"maxConcurrentStreams" yaml:"maxConcurrentStreams" json:"maxConcurrentStreams"`
	MaxRecvMessageSize   config.ByteSize `mapstructure:"maxRecvMessageSize" yaml:"maxRecvMessageSize" json:"maxRecvMessageSize"`
	MaxSendMessageSize   config.ByteSize `mapstructure:"maxSendMessageSize" yaml:"maxSendMessageSize" json:"maxSendMessageSize"`
}

// Set sets limits configuration values from config.DataProvider.
func (l *LimitsConfig) Set(dp config.DataProvider) error {
	streams, err := getCount(dp, cfgKeyMaxConcurrentStreams, false)
	if err != nil {
		return err
	}
	l.MaxConcurrentStreams = uint32(streams) //nolint:gosec // non-negative

	for key, dst := range map[string]*config.ByteSize{
		cfgKeyMaxRecvMessageSize: &l.MaxRecvMessageSize,
		cfgKeyMaxSendMessageSize: &l.MaxSendMessageSize,
	} {
		size, sizeErr := dp.GetSizeInBytes(key)
		if sizeErr != nil {
			return sizeErr
		}
		*dst = config.ByteSize(size)
	}
	return nil
}

// LogConfig configures logging of gRPC calls.
type LogConfig struct {
	CallStart         bool                `mapstructure:"callStart" yaml:"callStart" json:"callStart"`
	ExcludedMethods   []string            `mapstructure:"excludedMethods" yaml:"excludedMethods" json:"excludedMethods"`
	SlowCallThreshold config.TimeDuration `mapstructure:"slowCallThreshold" yaml:"slowCallThreshold" json:"slowCallThreshold"`
}

// Set sets call logging configuration values from config.DataProvider.
func (l *LogConfig) Set(dp config.DataProvider) (err error) {
	if l.CallStart, err = dp.GetBool(cfgKeyLogCallStart); err != nil {
		return err
	}
	if l.ExcludedMethods, err = dp.GetStringSlice(cfgKeyLogExcludedMethods); err != nil {
		return err
	}
	l.SlowCallThreshold, err = getDuration(dp, cfgKeyLogSlowCallThreshold, false)
	return err
}

// RateLimitConfig configures the per-client sliding window rate limiter.
// Read and write limits fall back to MaxRequests when zero.
type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	// DryRun makes the limiter log and count rejections without enforcing them.
	DryRun           bool                `mapstructure:"dryRun" yaml:"dryRun" json:"dryRun"`
	Window           config.TimeDuration `mapstructure:"window" yaml:"window" json:"window"`
	MaxRequests      int                 `mapstructure:"maxRequests" yaml:"maxRequests" json:"maxRequests"`
	ReadMaxRequests  int                 `mapstructure:"readMaxRequests" yaml:"readMaxRequests" json:"readMaxRequests"`
	WriteMaxRequests int                 `mapstructure:"writeMaxRequests" yaml:"writeMaxRequests" json:"writeMaxRequests"`
	// ExemptMethods replaces the default list of exempt methods (health and reflection) when set.
	ExemptMethods   []string            `mapstructure:"exemptMethods" yaml:"exemptMethods" json:"exemptMethods"`
	CleanupInterval config.TimeDuration `mapstructure:"cleanupInterval" yaml:"cleanupInterval" json:"cleanupInterval"`
}

// Set sets rate limit configuration values from config.DataProvider.
func (r *RateLimitConfig) Set(dp config.DataProvider) (err error) {
	if r.Enabled, err = dp.GetBool(cfgKeyRateLimitEnabled); err != nil {
		return err
	}
	if r.DryRun, err = dp.GetBool(cfgKeyRateLimitDryRun); err != nil {
		return err
	}
	if r.Window, err = getDuration(dp, cfgKeyRateLimitWindow, true); err != nil {
		return err
	}
	if r.MaxRequests, err = getCount(dp, cfgKeyRateLimitMaxRequests, true); err != nil {
		return err
	}
	if r.ReadMaxRequests, err = getCount(dp, cfgKeyRateLimitReadMaxRequests, false); err != nil {
		return err
	}
	if r.WriteMaxRequests, err = getCount(dp, cfgKeyRateLimitWriteMaxRequests, false); err != nil {
		return err
	}
	if r.ExemptMethods, err = dp.GetStringSlice(cfgKeyRateLimitExemptMethods); err != nil {
		return err
	}
	r.CleanupInterval, err = getDuration(dp, cfgKeyRateLimitCleanupInterval, false)
	return err
}

// Policy converts the configuration to interceptor.RateLimitPolicy.
func (r *RateLimitConfig) Policy() interceptor.RateLimitPolicy {
	return interceptor.RateLimitPolicy{
		Window:           time.Duration(r.Window),
		MaxRequests:      r.MaxRequests,
		ReadMaxRequests:  r.ReadMaxRequests,
		WriteMaxRequests: r.WriteMaxRequests,
	}
}

// AuthConfig configures authentication of callers by API key or HMAC-signed bearer token.
type AuthConfig struct {
	Enabled bool     `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	APIKeys []string `mapstructure:"apiKeys" yaml:"apiKeys" json:"apiKeys"`
	// JWTSecret enables verification of HMAC-signed bearer tokens.
	JWTSecret string `mapstructure:"jwtSecret" yaml:"jwtSecret" json:"jwtSecret"`
	// JWTAlgorithm is one of HS256 (default), HS384, HS512.
	JWTAlgorithm string `mapstructure:"jwtAlgorithm" yaml:"jwtAlgorithm" json:"jwtAlgorithm"`
}

// Set sets authentication configuration values from config.DataProvider.
func (a *AuthConfig) Set(dp config.DataProvider) (err error) {
	if a.Enabled, err = dp.GetBool(cfgKeyAuthEnabled); err != nil {
		return err
	}
	if a.APIKeys, err = dp.GetStringSlice(cfgKeyAuthAPIKeys); err != nil {
		return err
	}
	if a.JWTSecret, err = dp.GetString(cfgKeyAuthJWTSecret); err != nil {
		return err
	}
	algorithms := []string{defaultJWTAlgorithmChoice, "HS256", "HS384", "HS512"}
	if a.JWTAlgorithm, err = dp.GetStringFromSet(cfgKeyAuthJWTAlgorithm, algorithms, true); err != nil {
		return err
	}
	a.JWTAlgorithm = strings.ToUpper(a.JWTAlgorithm)
	if a.Enabled && len(a.APIKeys) == 0 && a.JWTSecret == "" {
		return dp.WrapKeyErr(cfgKeyAuthEnabled, errors.New("neither API keys nor JWT secret is configured"))
	}
	return nil
}

// TracingConfig enables OpenTelemetry instrumentation of gRPC calls.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
}

// Set sets tracing configuration values from config.DataProvider.
func (t *TracingConfig) Set(dp config.DataProvider) (err error) {
	t.Enabled, err = dp.GetBool(cfgKeyTracingEnabled)
	return err
}
