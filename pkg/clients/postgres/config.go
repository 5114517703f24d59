package postgres

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/StricklySoft/nest-gateway/pkg/auth"
)

// maxSQLTruncateLen bounds db.statement span attributes.
const maxSQLTruncateLen = 100

// Defaults applied by [Config.Validate] to zero-valued fields.
const (
	DefaultHost              = "localhost"
	DefaultPort              = 5432
	DefaultDatabase          = "nest"
	DefaultUser              = "nest"
	DefaultMaxConns          = int32(20)
	DefaultMinConns          = int32(2)
	DefaultMaxConnLifetime   = time.Hour
	DefaultMaxConnIdleTime   = 30 * time.Minute
	DefaultHealthCheckPeriod = 30 * time.Second
	DefaultConnectTimeout    = 10 * time.Second
	DefaultHealthTimeout     = 5 * time.Second
)

// SSLMode is the libpq sslmode passed through to pgx.
type SSLMode string

const (
	SSLModeDisable    SSLMode = "disable"
	SSLModeAllow      SSLMode = "allow"
	SSLModePrefer     SSLMode = "prefer"
	SSLModeRequire    SSLMode = "require"
	SSLModeVerifyCA   SSLMode = "verify-ca"
	SSLModeVerifyFull SSLMode = "verify-full"
)

func (m SSLMode) String() string { return string(m) }

// Valid reports whether m is a recognized sslmode.
func (m SSLMode) Valid() bool {
	switch m {
	case SSLModeDisable, SSLModeAllow, SSLModePrefer,
		SSLModeRequire, SSLModeVerifyCA, SSLModeVerifyFull:
		return true
	}
	return false
}

// Config holds the PostgreSQL connection configuration. When URI is set it
// takes precedence over the discrete connection fields. Env tags are
// relative; the gateway nests this struct under POSTGRES.
type Config struct {
	URI string `json:"uri,omitempty" yaml:"uri" env:"URI"`

	Host     string      `json:"host,omitempty" yaml:"host" env:"HOST"`
	Port     int         `json:"port,omitempty" yaml:"port" env:"PORT"`
	Database string      `json:"database,omitempty" yaml:"database" env:"DATABASE"`
	User     string      `json:"user,omitempty" yaml:"user" env:"USER"`
	Password auth.Secret `json:"-" yaml:"password" env:"PASSWORD"`

	SSLMode SSLMode `json:"ssl_mode,omitempty" yaml:"ssl_mode" env:"SSLMODE"`
	// SSLRootCert is a CA bundle path, required for verify-ca and
	// verify-full. pgx loads it from the sslrootcert parameter.
	SSLRootCert string `json:"ssl_root_cert,omitempty" yaml:"ssl_root_cert" env:"SSLROOTCERT"`

	MaxConns          int32         `json:"max_conns,omitempty" yaml:"max_conns" env:"MAX_CONNS"`
	MinConns          int32         `json:"min_conns,omitempty" yaml:"min_conns" env:"MIN_CONNS"`
	MaxConnLifetime   time.Duration `json:"max_conn_lifetime,omitempty" yaml:"max_conn_lifetime" env:"MAX_CONN_LIFETIME"`
	MaxConnIdleTime   time.Duration `json:"max_conn_idle_time,omitempty" yaml:"max_conn_idle_time" env:"MAX_CONN_IDLE_TIME"`
	HealthCheckPeriod time.Duration `json:"health_check_period,omitempty" yaml:"health_check_period" env:"HEALTH_CHECK_PERIOD"`
	ConnectTimeout    time.Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
}

// DefaultConfig returns a Config for a local database with TLS required.
func DefaultConfig() *Config {
	return &Config{
		Host:              DefaultHost,
		Port:              DefaultPort,
		Database:          DefaultDatabase,
		User:              DefaultUser,
		SSLMode:           SSLModeRequire,
		MaxConns:          DefaultMaxConns,
		MinConns:          DefaultMinConns,
		MaxConnLifetime:   DefaultMaxConnLifetime,
		MaxConnIdleTime:   DefaultMaxConnIdleTime,
		HealthCheckPeriod: DefaultHealthCheckPeriod,
		ConnectTimeout:    DefaultConnectTimeout,
	}
}

// Validate applies defaults to zero-valued fields and reports the first
// invalid value.
func (c *Config) Validate() error {
	c.applyDefaults()

	switch {
	case c.MaxConns < 0 || c.MinConns < 0:
		return fmt.Errorf("postgres: config connection limits must not be negative")
	case c.MaxConns < c.MinConns:
		return fmt.Errorf("postgres: config max_conns (%d) must be >= min_conns (%d)", c.MaxConns, c.MinConns)
	case c.MaxConnLifetime < 0 || c.MaxConnIdleTime < 0 || c.HealthCheckPeriod < 0 || c.ConnectTimeout < 0:
		return fmt.Errorf("postgres: config durations must not be negative")
	}

	if c.URI != "" {
		u, err := url.Parse(c.URI)
		if err != nil {
			return fmt.Errorf("postgres: config URI is invalid: %w", err)
		}
		if u.Scheme != "postgres" && u.Scheme != "postgresql" {
			return fmt.Errorf("postgres: config URI scheme must be postgres:// or postgresql://, got %q", u.Scheme)
		}
		return nil
	}

	switch {
	case c.Database == "":
		return fmt.Errorf("postgres: config database is required")
	case c.User == "":
		return fmt.Errorf("postgres: config user is required")
	case c.Port < 1 || c.Port > 65535:
		return fmt.Errorf("postgres: config port must be between 1 and 65535, got %d", c.Port)
	case !c.SSLMode.Valid():
		return fmt.Errorf("postgres: config ssl_mode %q is not recognized", c.SSLMode)
	}
	if c.SSLRootCert != "" {
		if _, err := os.Stat(c.SSLRootCert); err != nil {
			return fmt.Errorf("postgres: config ssl_root_cert: %w", err)
		}
	} else if c.SSLMode == SSLModeVerifyCA || c.SSLMode == SSLModeVerifyFull {
		return fmt.Errorf("postgres: config ssl_root_cert is required for ssl_mode %s", c.SSLMode)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.SSLMode == "" {
		c.SSLMode = SSLModeRequire
	}
	if c.MaxConns == 0 {
		c.MaxConns = DefaultMaxConns
	}
	if c.MinConns == 0 {
		c.MinConns = DefaultMinConns
	}
	if c.MaxConnLifetime == 0 {
		c.MaxConnLifetime = DefaultMaxConnLifetime
	}
	if c.MaxConnIdleTime == 0 {
		c.MaxConnIdleTime = DefaultMaxConnIdleTime
	}
	if c.HealthCheckPeriod == 0 {
		c.HealthCheckPeriod = DefaultHealthCheckPeriod
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
}

// ConnectionString renders the URI form pgx parses. A configured URI is
// returned unchanged. The password is present, so never log the result.
func (c *Config) ConnectionString() string {
	if c.URI != "" {
		return c.URI
	}
	q := url.Values{}
	q.Set("sslmode", c.SSLMode.String())
	if c.SSLRootCert != "" {
		q.Set("sslrootcert", c.SSLRootCert)
	}
	if c.ConnectTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(c.ConnectTimeout.Seconds())))
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: q.Encode(),
	}
	if c.Password.IsZero() {
		u.User = url.User(c.User)
	} else {
		u.User = url.UserPassword(c.User, c.Password.Value())
	}
	return u.String()
}

// databaseName returns the database recorded on spans.
func (c *Config) databaseName() string {
	if c.URI == "" {
		return c.Database
	}
	if u, err := url.Parse(c.URI); err == nil && len(u.Path) > 1 {
		return u.Path[1:]
	}
	return ""
}

func truncateSQL(sql string) string {
	runes := []rune(sql)
	if len(runes) <= maxSQLTruncateLen {
		return sql
	}
	return string(runes[:maxSQLTruncateLen]) + "..."
}
