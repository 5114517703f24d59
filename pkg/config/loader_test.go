package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserr "github.com/StricklySoft/nest-gateway/pkg/errors"
)

// ===========================================================================
// Test Types
// ===========================================================================

type testSecret string

func (s testSecret) String() string { return "[REDACTED]" }

type storeSubConfig struct {
	Addr     string     `env:"ADDR" yaml:"addr" json:"addr"`
	Password testSecret `env:"PASSWORD" yaml:"password" json:"password"`
}

type gatewayConfig struct {
	Listen       string         `env:"LISTEN" envDefault:":8080" yaml:"listen" json:"listen"`
	Margin       time.Duration  `env:"MARGIN" envDefault:"60s" yaml:"margin" json:"margin"`
	MaxBody      ByteSize       `env:"MAX_BODY" envDefault:"1MiB" yaml:"max_body" json:"max_body"`
	Routes       []string       `env:"ROUTES" envDefault:"/xrpc/app.feed.get*,/xrpc/app.thread.get" yaml:"routes" json:"routes"`
	Debug        bool           `env:"DEBUG" yaml:"debug" json:"debug"`
	MaxConns     int32          `env:"MAX_CONNS" envDefault:"25" yaml:"max_conns" json:"max_conns"`
	Ratio        float64        `env:"RATIO" yaml:"ratio" json:"ratio"`
	ClientID     string         `env:"CLIENT_ID" required:"true" yaml:"client_id" json:"client_id"`
	Store        storeSubConfig `env:"STORE" yaml:"store" json:"store"`
	validateHits *int
}

func (c *gatewayConfig) Validate() error {
	if c.validateHits != nil {
		*c.validateHits++
	}
	if c.MaxConns < 1 {
		return sserr.Newf(sserr.CodeValidation, "config: max_conns must be >= 1, got %d", c.MaxConns)
	}
	return nil
}

type stdlibValidated struct {
	Name string `env:"NAME"`
}

func (c *stdlibValidated) Validate() error {
	if c.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

func envMap(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// ===========================================================================
// Argument Checks
// ===========================================================================

func TestLoader_Load_RejectsNonStructPointer(t *testing.T) {
	t.Parallel()

	var nilCfg *gatewayConfig
	err := New().Load(nilCfg)
	assert.True(t, sserr.HasCode(err, sserr.CodeInternalConfiguration))

	err = New().Load(gatewayConfig{})
	assert.True(t, sserr.HasCode(err, sserr.CodeInternalConfiguration))

	n := 3
	err = New().Load(&n)
	assert.True(t, sserr.HasCode(err, sserr.CodeInternalConfiguration))
}

// ===========================================================================
// Defaults
// ===========================================================================

func TestLoader_Load_Defaults(t *testing.T) {
	t.Parallel()

	var cfg gatewayConfig
	err := New().WithLookup(envMap(map[string]string{"CLIENT_ID": "https://gw.example.com/client-metadata.json"})).Load(&cfg)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, 60*time.Second, cfg.Margin)
	assert.Equal(t, ByteSize(1<<20), cfg.MaxBody)
	assert.Equal(t, []string{"/xrpc/app.feed.get*", "/xrpc/app.thread.get"}, cfg.Routes)
	assert.Equal(t, int32(25), cfg.MaxConns)
	assert.False(t, cfg.Debug)
}

func TestLoader_Load_DefaultsDoNotOverwrite(t *testing.T) {
	t.Parallel()

	cfg := gatewayConfig{Listen: ":9999"}
	err := New().WithLookup(envMap(map[string]string{"CLIENT_ID": "c"})).Load(&cfg)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Listen)
}

// ===========================================================================
// Files
// ===========================================================================

func TestLoader_Load_YAMLFile(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "nest.yaml", `
listen: ":7000"
margin: 2m
max_body: 4MiB
client_id: from-file
store:
  addr: redis:6379
`)

	var cfg gatewayConfig
	require.NoError(t, New().WithFile(path).WithLookup(envMap(nil)).Load(&cfg))

	assert.Equal(t, ":7000", cfg.Listen)
	assert.Equal(t, 2*time.Minute, cfg.Margin)
	assert.Equal(t, ByteSize(4<<20), cfg.MaxBody)
	assert.Equal(t, "from-file", cfg.ClientID)
	assert.Equal(t, "redis:6379", cfg.Store.Addr)
}

func TestLoader_Load_JSONFile(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "nest.json", `{"listen": ":7001", "client_id": "json", "max_body": "512KiB"}`)

	var cfg gatewayConfig
	require.NoError(t, New().WithFile(path).WithLookup(envMap(nil)).Load(&cfg))

	assert.Equal(t, ":7001", cfg.Listen)
	assert.Equal(t, ByteSize(512<<10), cfg.MaxBody)
}

func TestLoader_Load_MissingFileIsIgnored(t *testing.T) {
	t.Parallel()

	var cfg gatewayConfig
	err := New().
		WithFile(filepath.Join(t.TempDir(), "absent.yaml")).
		WithLookup(envMap(map[string]string{"CLIENT_ID": "c"})).
		Load(&cfg)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Listen)
}

func TestLoader_Load_FileErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		path func(t *testing.T) string
	}{
		{"unsupported extension", func(t *testing.T) string { return writeFile(t, "nest.toml", "x = 1") }},
		{"directory traversal", func(t *testing.T) string { return "../etc/nest.yaml" }},
		{"invalid yaml", func(t *testing.T) string { return writeFile(t, "nest.yaml", "listen: [unclosed") }},
		{"invalid json", func(t *testing.T) string { return writeFile(t, "nest.json", "{") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var cfg gatewayConfig
			err := New().WithFile(tt.path(t)).WithLookup(envMap(nil)).Load(&cfg)
			assert.True(t, sserr.HasCode(err, sserr.CodeInternalConfiguration), "got %v", err)
		})
	}
}

// ===========================================================================
// Environment
// ===========================================================================

func TestLoader_Load_EnvPrefixAndNesting(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "nest.yaml", "listen: \":7000\"\nclient_id: file\n")

	var cfg gatewayConfig
	err := New().
		WithEnvPrefix("nest").
		WithFile(path).
		WithLookup(envMap(map[string]string{
			"NEST_LISTEN":         ":9000",
			"NEST_DEBUG":          "true",
			"NEST_RATIO":          "0.5",
			"NEST_ROUTES":         " /a , /b* ,",
			"NEST_STORE_ADDR":     "redis.internal:6379",
			"NEST_STORE_PASSWORD": "hunter2",
			"LISTEN":              ":1",
		})).
		Load(&cfg)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Listen, "env overrides file")
	assert.Equal(t, "file", cfg.ClientID, "file value survives when env is unset")
	assert.True(t, cfg.Debug)
	assert.InDelta(t, 0.5, cfg.Ratio, 1e-9)
	assert.Equal(t, []string{"/a", "/b*"}, cfg.Routes)
	assert.Equal(t, "redis.internal:6379", cfg.Store.Addr)
	assert.Equal(t, testSecret("hunter2"), cfg.Store.Password)
}

func TestLoader_Load_InvalidEnvValues(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"MARGIN":    "soon",
		"DEBUG":     "maybe",
		"MAX_CONNS": "many",
		"MAX_BODY":  "lots",
		"RATIO":     "half",
	}

	for key, val := range tests {
		t.Run(key, func(t *testing.T) {
			t.Parallel()
			var cfg gatewayConfig
			err := New().WithLookup(envMap(map[string]string{"CLIENT_ID": "c", key: val})).Load(&cfg)
			assert.True(t, sserr.HasCode(err, sserr.CodeInternalConfiguration), "got %v", err)
		})
	}
}

// ===========================================================================
// Validation
// ===========================================================================

func TestLoader_Load_RequiredMissing(t *testing.T) {
	t.Parallel()
	hits := 0
	cfg := gatewayConfig{validateHits: &hits}

	err := New().WithLookup(envMap(nil)).Load(&cfg)
	require.Error(t, err)
	assert.True(t, sserr.HasCode(err, sserr.CodeValidationRequired))
	assert.Contains(t, err.Error(), "ClientID")
	assert.Zero(t, hits, "Validate must not run when required fields are missing")
}

func TestLoader_Load_ValidatorError(t *testing.T) {
	t.Parallel()
	hits := 0
	cfg := gatewayConfig{validateHits: &hits}

	err := New().WithLookup(envMap(map[string]string{"CLIENT_ID": "c", "MAX_CONNS": "0"})).Load(&cfg)
	require.Error(t, err)
	assert.True(t, sserr.HasCode(err, sserr.CodeValidation))
	assert.Equal(t, 1, hits)
}

func TestLoader_Load_ValidatorStdlibErrorIsWrapped(t *testing.T) {
	t.Parallel()

	var cfg stdlibValidated
	err := New().WithLookup(envMap(nil)).Load(&cfg)
	require.Error(t, err)
	assert.True(t, sserr.HasCode(err, sserr.CodeValidation))
}

func TestMustLoad(t *testing.T) {
	t.Parallel()

	cfg := MustLoad[gatewayConfig](New().WithLookup(envMap(map[string]string{"CLIENT_ID": "c"})))
	assert.Equal(t, "c", cfg.ClientID)

	assert.Panics(t, func() {
		_ = MustLoad[gatewayConfig](New().WithLookup(envMap(nil)))
	})
}

// ===========================================================================
// ByteSize
// ===========================================================================

func TestParseByteSize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    ByteSize
		wantErr bool
	}{
		{"1024", 1024, false},
		{"10MiB", 10 << 20, false},
		{"1 KiB", 1 << 10, false},
		{"2GB", 2_000_000_000, false},
		{"5MB", 5_000_000, false},
		{"7B", 7, false},
		{"-1", 0, true},
		{"MiB", 0, true},
		{"ten", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseByteSize(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
