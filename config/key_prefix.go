/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package config

import (
	"io"
	"strings"
	"time"
)

// prefixedDataProvider scopes every key of the delegate under a fixed section,
// so each component reads its own keys ("address") instead of full paths ("grpcServer.address").
type prefixedDataProvider struct {
	delegate DataProvider
	prefix   string
}

var _ DataProvider = (*prefixedDataProvider)(nil)

// WithKeyPrefix returns a DataProvider that resolves all keys relative to the prefix.
// An empty prefix returns dp itself.
func WithKeyPrefix(dp DataProvider, prefix string) DataProvider {
	if prefix == "" {
		return dp
	}
	return &prefixedDataProvider{delegate: dp, prefix: prefix}
}

// dataProviderFor scopes dp with the key prefix of cfg if it has one.
func dataProviderFor(dp DataProvider, cfg interface{}) DataProvider {
	if kp, ok := cfg.(KeyPrefixProvider); ok {
		return WithKeyPrefix(dp, kp.KeyPrefix())
	}
	return dp
}

func (p *prefixedDataProvider) key(key string) string {
	return strings.Trim(p.prefix+"."+key, ".")
}

func (p *prefixedDataProvider) Set(key string, value interface{}) {
	p.delegate.Set(p.key(key), value)
}

func (p *prefixedDataProvider) SetDefault(key string, value interface{}) {
	p.delegate.SetDefault(p.key(key), value)
}

func (p *prefixedDataProvider) SetFromFile(path string, dataType DataType) error {
	return p.delegate.SetFromFile(path, dataType)
}

func (p *prefixedDataProvider) SetFromReader(reader io.Reader, dataType DataType) error {
	return p.delegate.SetFromReader(reader, dataType)
}

func (p *prefixedDataProvider) IsSet(key string) bool { return p.delegate.IsSet(p.key(key)) }

func (p *prefixedDataProvider) Get(key string) interface{} { return p.delegate.Get(p.key(key)) }

func (p *prefixedDataProvider) GetBool(key string) (bool, error) {
	return p.delegate.GetBool(p.key(key))
}

func (p *prefixedDataProvider) GetInt(key string) (int, error) {
	return p.delegate.GetInt(p.key(key))
}

func (p *prefixedDataProvider) GetString(key string) (string, error) {
	return p.delegate.GetString(p.key(key))
}

func (p *prefixedDataProvider) GetStringFromSet(key string, set []string, ignoreCase bool) (string, error) {
	return p.delegate.GetStringFromSet(p.key(key), set, ignoreCase)
}

func (p *prefixedDataProvider) GetStringSlice(key string) ([]string, error) {
	return p.delegate.GetStringSlice(p.key(key))
}

func (p *prefixedDataProvider) GetDuration(key string) (time.Duration, error) {
	return p.delegate.GetDuration(p.key(key))
}

func (p *prefixedDataProvider) GetSizeInBytes(key string) (uint64, error) {
	return p.delegate.GetSizeInBytes(p.key(key))
}

func (p *prefixedDataProvider) UnmarshalKey(key string, rawVal interface{}, opts ...DecoderConfigOption) error {
	return p.delegate.UnmarshalKey(p.key(key), rawVal, opts...)
}

func (p *prefixedDataProvider) WrapKeyErr(key string, err error) error {
	return p.delegate.WrapKeyErr(p.key(key), err)
}
