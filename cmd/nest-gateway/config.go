package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/StricklySoft/nest-gateway/pkg/clients/postgres"
	"github.com/StricklySoft/nest-gateway/pkg/clients/redis"
	"github.com/StricklySoft/nest-gateway/pkg/config"
	"github.com/StricklySoft/nest-gateway/pkg/dpop"
	"github.com/StricklySoft/nest-gateway/pkg/enrich"
	"github.com/StricklySoft/nest-gateway/pkg/forward"
	"github.com/StricklySoft/nest-gateway/pkg/gateway"
	"github.com/StricklySoft/nest-gateway/pkg/ratelimit"
	"github.com/StricklySoft/nest-gateway/pkg/refresh"
)

// envPrefix is prepended to every environment variable the gateway reads.
const envPrefix = "NEST"

// Store backends.
const (
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// GatewayConfig is the whole process configuration.
type GatewayConfig struct {
	// Store selects the credential store backend: redis or postgres.
	Store string `json:"store" yaml:"store" env:"STORE" envDefault:"redis"`

	LogLevel string `json:"log_level" yaml:"log_level" env:"LOG_LEVEL" envDefault:"info"`

	// TraceSampleRatio is the share of root traces sampled, 0 to 1.
	TraceSampleRatio float64 `json:"trace_sample_ratio" yaml:"trace_sample_ratio" env:"TRACE_SAMPLE_RATIO" envDefault:"1"`

	Server    gateway.Config   `json:"server" yaml:"server" env:"SERVER"`
	Redis     redis.Config     `json:"redis" yaml:"redis" env:"REDIS"`
	Postgres  postgres.Config  `json:"postgres" yaml:"postgres" env:"POSTGRES"`
	Refresh   refresh.Config   `json:"refresh" yaml:"refresh" env:"REFRESH"`
	Forward   forward.Config   `json:"forward" yaml:"forward" env:"FORWARD"`
	Enrich    enrich.Config    `json:"enrich" yaml:"enrich" env:"ENRICH"`
	RateLimit ratelimit.Config `json:"rate_limit" yaml:"rate_limit" env:"RATE_LIMIT"`
	Keys      dpop.KeyConfig   `json:"keys" yaml:"keys" env:"KEYS"`
}

// Validate checks every section. Only the selected store's connection
// settings are validated.
func (c *GatewayConfig) Validate() error {
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	switch c.Store {
	case StoreRedis:
		if err := c.Redis.Validate(); err != nil {
			return err
		}
	case StorePostgres:
		if err := c.Postgres.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("config: store must be %q or %q, got %q", StoreRedis, StorePostgres, c.Store)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("config: trace_sample_ratio must be between 0 and 1, got %v", c.TraceSampleRatio)
	}

	for _, v := range []config.Validator{&c.Server, &c.Refresh, &c.Forward, &c.Enrich, &c.RateLimit} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	if len(c.Keys.KeyFiles) == 0 && c.Keys.PrivateKeyBase64.IsZero() {
		return fmt.Errorf("dpop: config needs key_files or private_key_base64")
	}
	return nil
}

// loadConfig layers tag defaults, the optional file at path and NEST_
// environment variables.
func loadConfig(path string, lookup config.LookupFunc) (*GatewayConfig, error) {
	var cfg GatewayConfig
	loader := config.New().WithEnvPrefix(envPrefix).WithFile(path).WithLookup(lookup)
	if err := loader.Load(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("config: log_level %q: %w", s, err)
	}
	return l, nil
}
