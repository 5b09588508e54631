/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"gopkg.in/yaml.v3"
)

// ByteSize is a size in bytes for configuration structures.
// It is decoded from plain integers and from human-readable strings such as "4MB" or "512Ki",
// and encoded back as a human-readable string.
type ByteSize uint64

// UnmarshalText implements encoding.TextUnmarshaler. It is also used by mapstructure when decoding via viper.
func (b *ByteSize) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if n, ok, err := parseNonNegativeInt(s); ok {
		if err != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	// Kubernetes-style binary suffixes ("Mi", "Gi") are accepted as their bytefmt counterparts.
	for _, suffix := range [...]string{"Ki", "Mi", "Gi", "Ti", "Pi", "Ei"} {
		if strings.HasSuffix(s, suffix) {
			s = s[:len(s)-1]
			break
		}
	}
	n, err := bytefmt.ToBytes(s)
	if err != nil {
		return fmt.Errorf("invalid byte size format (%s): %w", string(text), err)
	}
	*b = ByteSize(n)
	return nil
}

// UnmarshalJSON implements json.Unmarshaler for both numbers and strings.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	return b.UnmarshalText(unquote(data))
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("invalid byte size format: %v", value.Value)
	}
	return b.UnmarshalText([]byte(value.Value))
}

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// String returns the human-readable representation, e.g. "4M".
func (b ByteSize) String() string {
	return bytefmt.ByteSize(uint64(b))
}

// TimeDuration is a duration for configuration structures.
// It is decoded from integers (nanoseconds) and from strings accepted by time.ParseDuration.
type TimeDuration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *TimeDuration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if n, ok, err := parseNonNegativeInt(s); ok {
		if err != nil {
			return err
		}
		*d = TimeDuration(n)
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid time duration format (%s): %w", s, err)
	}
	*d = TimeDuration(dur)
	return nil
}

// UnmarshalJSON implements json.Unmarshaler for both numbers and strings.
func (d *TimeDuration) UnmarshalJSON(data []byte) error {
	return d.UnmarshalText(unquote(data))
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *TimeDuration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("invalid time duration format: %v", value.Value)
	}
	return d.UnmarshalText([]byte(value.Value))
}

// MarshalText implements encoding.TextMarshaler.
func (d TimeDuration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// String returns the duration formatted by time.Duration.
func (d TimeDuration) String() string {
	return time.Duration(d).String()
}

// parseNonNegativeInt reports ok if s looks like an integer.
func parseNonNegativeInt(s string) (n int64, ok bool, err error) {
	n, parseErr := strconv.ParseInt(s, 10, 64)
	if parseErr != nil {
		return 0, false, nil
	}
	if n < 0 {
		return 0, true, fmt.Errorf("negative value is not allowed: %d", n)
	}
	return n, true, nil
}

func unquote(data []byte) []byte {
	return []byte(strings.Trim(string(data), `"`))
}
