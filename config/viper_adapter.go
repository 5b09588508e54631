/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// ViperAdapter is a DataProvider backed by spf13/viper.
type ViperAdapter struct {
	viper *viper.Viper
}

var _ DataProvider = (*ViperAdapter)(nil)

// NewViperAdapter creates a new ViperAdapter.
func NewViperAdapter() *ViperAdapter {
	return &ViperAdapter{viper.New()}
}

// UseEnvVars makes every key overridable by an environment variable.
// The variable name is the upper-cased prefix and key joined by underscores,
// e.g. GRPCGATE_GRPCSERVER_ADDRESS for the "grpcServer.address" key and the "grpcgate" prefix.
func (va *ViperAdapter) UseEnvVars(prefix string) {
	va.viper.AutomaticEnv()
	va.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	va.viper.SetEnvPrefix(prefix)
}

// Set overrides the value for the key.
func (va *ViperAdapter) Set(key string, value interface{}) {
	va.viper.Set(key, value)
}

// SetDefault sets the value used when neither the source nor the environment provides one.
func (va *ViperAdapter) SetDefault(key string, value interface{}) {
	va.viper.SetDefault(key, value)
}

// SetFromFile reads configuration from the file.
func (va *ViperAdapter) SetFromFile(path string, dataType DataType) error {
	va.viper.SetConfigType(string(dataType))
	va.viper.SetConfigFile(path)
	return va.viper.ReadInConfig()
}

// SetFromReader reads configuration from the reader.
func (va *ViperAdapter) SetFromReader(reader io.Reader, dataType DataType) error {
	va.viper.SetConfigType(string(dataType))
	return va.viper.ReadConfig(reader)
}

// IsSet reports whether the key has a value in any source. Keys are case-insensitive.
func (va *ViperAdapter) IsSet(key string) bool {
	return va.viper.IsSet(key)
}

// Get returns the raw value for the key.
func (va *ViperAdapter) Get(key string) interface{} {
	return va.viper.Get(key)
}

// GetBool returns the value for the key as a bool.
func (va *ViperAdapter) GetBool(key string) (bool, error) {
	return castValue(va, key, cast.ToBoolE)
}

// GetInt returns the value for the key as an int.
func (va *ViperAdapter) GetInt(key string) (int, error) {
	return castValue(va, key, cast.ToIntE)
}

// GetString returns the value for the key as a string.
func (va *ViperAdapter) GetString(key string) (string, error) {
	return castValue(va, key, cast.ToStringE)
}

// GetStringSlice returns the value for the key as a slice of strings. A missing key yields nil.
func (va *ViperAdapter) GetStringSlice(key string) ([]string, error) {
	return castValue(va, key, cast.ToStringSliceE)
}

// GetDuration returns the value for the key as a duration. A missing key yields zero.
func (va *ViperAdapter) GetDuration(key string) (time.Duration, error) {
	return castValue(va, key, cast.ToDurationE)
}

// GetStringFromSet returns the value for the key and fails if it is not one of set.
func (va *ViperAdapter) GetStringFromSet(key string, set []string, ignoreCase bool) (string, error) {
	str, err := va.GetString(key)
	if err != nil {
		return "", err
	}
	for _, s := range set {
		if str == s || (ignoreCase && strings.EqualFold(str, s)) {
			return str, nil
		}
	}
	return "", WrapKeyErr(key, fmt.Errorf("unknown value %q, should be one of %v", str, set))
}

// GetSizeInBytes returns the value for the key as a number of bytes.
// Both plain integers and human-readable sizes ("4MB", "512Ki") are accepted.
func (va *ViperAdapter) GetSizeInBytes(key string) (uint64, error) {
	var size ByteSize
	switch v := va.Get(key).(type) {
	case nil:
		return 0, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return 0, nil
		}
		if err := size.UnmarshalText([]byte(v)); err != nil {
			return 0, WrapKeyErr(key, err)
		}
	default:
		n, err := cast.ToInt64E(v)
		if err != nil {
			return 0, WrapKeyErr(key, err)
		}
		if n < 0 {
			return 0, WrapKeyErr(key, fmt.Errorf("negative value is not allowed: %d", n))
		}
		size = ByteSize(n)
	}
	return uint64(size), nil
}

// UnmarshalKey decodes the subtree under the key into rawVal.
func (va *ViperAdapter) UnmarshalKey(key string, rawVal interface{}, opts ...DecoderConfigOption) error {
	viperOpts := make([]viper.DecoderConfigOption, 0, len(opts))
	for _, opt := range opts {
		viperOpts = append(viperOpts, viper.DecoderConfigOption(opt))
	}
	return wrapKeyErrIfNeeded(key, va.viper.UnmarshalKey(key, rawVal, viperOpts...))
}

// WrapKeyErr prefixes err with the key.
func (va *ViperAdapter) WrapKeyErr(key string, err error) error {
	return WrapKeyErr(key, err)
}

// castValue converts the value stored under the key. Missing keys produce the zero value of T.
func castValue[T any](va *ViperAdapter, key string, castFn func(interface{}) (T, error)) (T, error) {
	var zero T
	val := va.viper.Get(key)
	if val == nil {
		return zero, nil
	}
	res, err := castFn(val)
	if err != nil {
		return zero, WrapKeyErr(key, err)
	}
	return res, nil
}
