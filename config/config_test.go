/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type listenerSection struct {
	prefix string

	Address     string
	Backlog     int
	MaxFrame    ByteSize
	IdleTimeout TimeDuration
	Mode        string
	Tags        []string
	Reuse       bool
}

func (s *listenerSection) KeyPrefix() string { return s.prefix }

func (s *listenerSection) SetProviderDefaults(dp DataProvider) {
	dp.SetDefault("address", ":9090")
	dp.SetDefault("backlog", 128)
	dp.SetDefault("maxFrame", "16K")
	dp.SetDefault("idleTimeout", "1m")
	dp.SetDefault("mode", "plain")
}

func (s *listenerSection) Set(dp DataProvider) (err error) {
	if s.Address, err = dp.GetString("address"); err != nil {
		return err
	}
	if s.Backlog, err = dp.GetInt("backlog"); err != nil {
		return err
	}
	if s.Backlog < 0 {
		return dp.WrapKeyErr("backlog", errors.New("cannot be negative"))
	}
	size, err := dp.GetSizeInBytes("maxFrame")
	if err != nil {
		return err
	}
	s.MaxFrame = ByteSize(size)
	idle, err := dp.GetDuration("idleTimeout")
	if err != nil {
		return err
	}
	s.IdleTimeout = TimeDuration(idle)
	if s.Mode, err = dp.GetStringFromSet("mode", []string{"plain", "tls"}, true); err != nil {
		return err
	}
	if s.Tags, err = dp.GetStringSlice("tags"); err != nil {
		return err
	}
	s.Reuse, err = dp.GetBool("reuse")
	return err
}

type gatewaySections struct {
	Public  *listenerSection
	Admin   *listenerSection
	Backup  *listenerSection // nil sections are skipped
	name    string
	Comment string
}

func (g *gatewaySections) SetProviderDefaults(dp DataProvider) { CallSetProviderDefaultsForFields(g, dp) }

func (g *gatewaySections) Set(dp DataProvider) error { return CallSetForFields(g, dp) }

func newGatewaySections() *gatewaySections {
	return &gatewaySections{
		Public: &listenerSection{prefix: "listeners.public"},
		Admin:  &listenerSection{prefix: "listeners.admin"},
		name:   "edge",
	}
}

const listenersYAML = `
listeners:
  public:
    address: "0.0.0.0:443"
    backlog: 4096
    maxFrame: 4M
    idleTimeout: 90s
    mode: TLS
    tags: [edge, eu-1]
    reuse: true
  admin:
    address: "127.0.0.1:9091"
`

func TestLoader_Sections(t *testing.T) {
	sections := newGatewaySections()
	require.NoError(t, NewLoader(NewViperAdapter()).LoadFromReader(strings.NewReader(listenersYAML), DataTypeYAML, sections))

	require.Equal(t, &listenerSection{
		prefix:      "listeners.public",
		Address:     "0.0.0.0:443",
		Backlog:     4096,
		MaxFrame:    4 << 20,
		IdleTimeout: TimeDuration(90 * time.Second),
		Mode:        "TLS",
		Tags:        []string{"edge", "eu-1"},
		Reuse:       true,
	}, sections.Public)
	require.Equal(t, &listenerSection{
		prefix:      "listeners.admin",
		Address:     "127.0.0.1:9091",
		Backlog:     128,
		MaxFrame:    16 << 10,
		IdleTimeout: TimeDuration(time.Minute),
		Mode:        "plain",
	}, sections.Admin)
	require.Nil(t, sections.Backup)
	require.Equal(t, "edge", sections.name)
}

func TestLoader_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grpcgate.json")
	data := `{"listeners": {"public": {"address": ":8443", "maxFrame": 65536, "idleTimeout": "5s"}}}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	sections := newGatewaySections()
	require.NoError(t, NewLoader(NewViperAdapter()).LoadFromFile(path, DataTypeJSON, sections.Public, sections.Admin))
	require.Equal(t, ":8443", sections.Public.Address)
	require.EqualValues(t, 65536, sections.Public.MaxFrame)
	require.Equal(t, TimeDuration(5*time.Second), sections.Public.IdleTimeout)
	require.Equal(t, ":9090", sections.Admin.Address)

	err := NewLoader(NewViperAdapter()).LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"), DataTypeYAML, sections)
	require.Error(t, err)
}

func TestLoader_EnvVars(t *testing.T) {
	t.Setenv("GWTEST_LISTENERS_ADMIN_ADDRESS", "127.0.0.1:19091")
	t.Setenv("GWTEST_LISTENERS_PUBLIC_BACKLOG", "64")

	sections := newGatewaySections()
	require.NoError(t, NewDefaultLoader("gwtest").LoadFromReader(strings.NewReader(listenersYAML), DataTypeYAML, sections))
	require.Equal(t, "127.0.0.1:19091", sections.Admin.Address)
	require.Equal(t, 64, sections.Public.Backlog)
	require.Equal(t, "0.0.0.0:443", sections.Public.Address)
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{"not an int", "backlog: lots", "listeners.public.backlog: unable to cast"},
		{"negative", "backlog: -1", "listeners.public.backlog: cannot be negative"},
		{"bad size", "maxFrame: huge", "listeners.public.maxFrame: invalid byte size format"},
		{"negative size", "maxFrame: -5", "listeners.public.maxFrame: negative value is not allowed"},
		{"bad duration", "idleTimeout: forever", "listeners.public.idleTimeout"},
		{"unknown mode", "mode: quic", `listeners.public.mode: unknown value "quic", should be one of [plain tls]`},
		{"not a bool", "reuse: sometimes", "listeners.public.reuse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := "listeners:\n  public:\n    " + tt.data + "\n"
			err := NewLoader(NewViperAdapter()).LoadFromReader(strings.NewReader(data), DataTypeYAML, newGatewaySections())
			require.ErrorContains(t, err, tt.wantErr)
		})
	}

	err := NewLoader(NewViperAdapter()).LoadFromReader(strings.NewReader("listeners: ["), DataTypeYAML, newGatewaySections())
	require.Error(t, err)
}

func TestWithKeyPrefix(t *testing.T) {
	va := NewViperAdapter()
	require.Same(t, va, WithKeyPrefix(va, ""))

	dp := WithKeyPrefix(va, "rateLimit")
	dp.SetDefault("window", "1m")
	dp.Set("maxRequests", 40)
	require.True(t, va.IsSet("rateLimit.maxRequests"))
	require.True(t, dp.IsSet("maxRequests"))
	require.False(t, dp.IsSet("dryRun"))
	require.Equal(t, "1m", dp.Get("window"))

	n, err := dp.GetInt("maxRequests")
	require.NoError(t, err)
	require.Equal(t, 40, n)

	nested := WithKeyPrefix(dp, "stats")
	require.EqualError(t, nested.WrapKeyErr("queue", errors.New("boom")), "rateLimit.stats.queue: boom")

	var services map[string]struct {
		Default *TimeDuration `mapstructure:"default"`
	}
	va.Set("timeouts.services", map[string]interface{}{"exportservice": map[string]interface{}{"default": "2m"}})
	require.NoError(t, WithKeyPrefix(va, "timeouts").UnmarshalKey("services", &services,
		func(c *mapstructure.DecoderConfig) { c.DecodeHook = mapstructure.TextUnmarshallerHookFunc() }))
	require.Equal(t, TimeDuration(2*time.Minute), *services["exportservice"].Default)
}

func TestViperAdapter_MissingKeys(t *testing.T) {
	va := NewViperAdapter()
	s, err := va.GetString("absent")
	require.NoError(t, err)
	require.Empty(t, s)
	tags, err := va.GetStringSlice("absent")
	require.NoError(t, err)
	require.Nil(t, tags)
	size, err := va.GetSizeInBytes("absent")
	require.NoError(t, err)
	require.Zero(t, size)
	va.Set("blank", "  ")
	size, err = va.GetSizeInBytes("blank")
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestByteSize(t *testing.T) {
	tests := []struct {
		in      string
		want    ByteSize
		wantErr bool
	}{
		{in: "1024", want: 1024},
		{in: "4M", want: 4 << 20},
		{in: "4MB", want: 4 << 20},
		{in: "512Ki", want: 512 << 10},
		{in: "2Gi", want: 2 << 30},
		{in: " 16K ", want: 16 << 10},
		{in: "-1", wantErr: true},
		{in: "lots", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var b ByteSize
			err := b.UnmarshalText([]byte(tt.in))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, b)
		})
	}

	var doc struct {
		JSON ByteSize `json:"json"`
		Num  ByteSize `json:"num"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"json": "8M", "num": 100}`), &doc))
	require.Equal(t, ByteSize(8<<20), doc.JSON)
	require.Equal(t, ByteSize(100), doc.Num)

	var y struct {
		Size ByteSize `yaml:"size"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("size: 1K"), &y))
	require.Equal(t, ByteSize(1024), y.Size)
	require.Error(t, yaml.Unmarshal([]byte("size: [1]"), &y))

	text, err := ByteSize(4 << 20).MarshalText()
	require.NoError(t, err)
	require.Equal(t, "4M", string(text))
}

func TestTimeDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    TimeDuration
		wantErr bool
	}{
		{in: "1500", want: 1500},
		{in: "250ms", want: TimeDuration(250 * time.Millisecond)},
		{in: "1h30m", want: TimeDuration(90 * time.Minute)},
		{in: "-1", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var d TimeDuration
			err := d.UnmarshalText([]byte(tt.in))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, d)
		})
	}

	var doc struct {
		Timeout TimeDuration `json:"timeout" yaml:"timeout"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"timeout": "3s"}`), &doc))
	require.Equal(t, TimeDuration(3*time.Second), doc.Timeout)
	require.NoError(t, yaml.Unmarshal([]byte("timeout: 2m"), &doc))
	require.Equal(t, TimeDuration(2*time.Minute), doc.Timeout)
	require.Equal(t, "2m0s", doc.Timeout.String())
}
