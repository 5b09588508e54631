/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package adminserver

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/acronis/go-grpcgate/config"
)

type AppConfig struct {
	AdminServer *Config `mapstructure:"adminServer" json:"adminServer" yaml:"adminServer"`
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
adminServer:
  enabled: false
  address: "127.0.0.1:9091"
  pprof: true
  shutdownTimeout: 15s
`,
		},
		{
			name:        "json config",
			cfgDataType: config.DataTypeJSON,
			cfgData: `
{
	"adminServer": {
		"enabled": false,
		"address": "127.0.0.1:9091",
		"pprof": true,
		"shutdownTimeout": "15s"
	}
}`,
		},
	}
	expectedCfg := func() *Config {
		cfg := NewDefaultConfig()
		cfg.Enabled = false
		cfg.Address = "127.0.0.1:9091"
		cfg.Pprof = true
		cfg.ShutdownTimeout = config.TimeDuration(15 * time.Second)
		return cfg
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appCfg := AppConfig{AdminServer: NewDefaultConfig()}
			cfgLoader := config.NewLoader(config.NewViperAdapter())
			err := cfgLoader.LoadFromReader(bytes.NewBuffer([]byte(tt.cfgData)), tt.cfgDataType, appCfg.AdminServer)
			require.NoError(t, err)
			require.Equal(t, AppConfig{AdminServer: expectedCfg()}, appCfg)

			appCfg = AppConfig{AdminServer: NewDefaultConfig()}
			switch tt.cfgDataType {
			case config.DataTypeYAML:
				require.NoError(t, yaml.Unmarshal([]byte(tt.cfgData), &appCfg))
			case config.DataTypeJSON:
				require.NoError(t, json.Unmarshal([]byte(tt.cfgData), &appCfg))
			}
			require.Equal(t, AppConfig{AdminServer: expectedCfg()}, appCfg)
		})
	}
}

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewConfig()
	require.NoError(t, config.NewDefaultLoader("").LoadFromReader(bytes.NewBuffer(nil), config.DataTypeYAML, cfg))
	require.Equal(t, NewDefaultConfig(), cfg)
	require.True(t, cfg.Enabled)
	require.False(t, cfg.Pprof)
}

func TestNewConfigWithKeyPrefix(t *testing.T) {
	cfg := NewConfig(WithKeyPrefix("admin"))
	require.Equal(t, "admin", cfg.KeyPrefix())
	err := config.NewDefaultLoader("").LoadFromReader(bytes.NewBufferString(`
admin:
  address: ":7070"
`), config.DataTypeYAML, cfg)
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.Address)
}

func TestConfigValidationErrors(t *testing.T) {
	tests := []struct {
		name           string
		yamlData       string
		expectedErrMsg string
	}{
		{
			name: "error, empty address",
			yamlData: `
adminServer:
  address: ""
`,
			expectedErrMsg: `adminServer.address: cannot be empty`,
		},
		{
			name: "error, negative shutdown timeout",
			yamlData: `
adminServer:
  shutdownTimeout: -1s
`,
			expectedErrMsg: `adminServer.shutdownTimeout: cannot be negative`,
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
