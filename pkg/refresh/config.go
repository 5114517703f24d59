package refresh

import (
	"fmt"
	"time"

	"github.com/StricklySoft/nest-gateway/pkg/credstore"
)

// Defaults applied by [Config.Validate] to zero-valued fields.
const (
	DefaultSafetyMargin     = 60 * time.Second
	DefaultLockLease        = 30 * time.Second
	DefaultLockWait         = 10 * time.Second
	DefaultLockPollInterval = 100 * time.Millisecond
	DefaultExchangeTimeout  = 15 * time.Second
)

// Config tunes the refresh engine. Env tags are relative; the gateway nests
// this struct under REFRESH.
type Config struct {
	// ClientID is the gateway's OAuth client identifier.
	ClientID string `json:"client_id" yaml:"client_id" env:"CLIENT_ID" required:"true"`

	// SafetyMargin is how far ahead of expiry a token is refreshed.
	SafetyMargin time.Duration `json:"safety_margin" yaml:"safety_margin" env:"SAFETY_MARGIN" envDefault:"60s"`

	// LockLease bounds how long a crashed refresher can block others. It
	// must outlast ExchangeTimeout.
	LockLease time.Duration `json:"lock_lease" yaml:"lock_lease" env:"LOCK_LEASE" envDefault:"30s"`

	// LockWait bounds how long a request waits for another refresher.
	LockWait         time.Duration `json:"lock_wait" yaml:"lock_wait" env:"LOCK_WAIT" envDefault:"10s"`
	LockPollInterval time.Duration `json:"lock_poll_interval" yaml:"lock_poll_interval" env:"LOCK_POLL_INTERVAL" envDefault:"100ms"`

	ExchangeTimeout time.Duration `json:"exchange_timeout" yaml:"exchange_timeout" env:"EXCHANGE_TIMEOUT" envDefault:"15s"`

	// SessionTTL is the sliding lifetime renewed on every successful
	// EnsureReady.
	SessionTTL time.Duration `json:"session_ttl" yaml:"session_ttl" env:"SESSION_TTL" envDefault:"720h"`
}

// Validate applies defaults to zero-valued fields and reports the first
// invalid value.
func (c *Config) Validate() error {
	if c.SafetyMargin == 0 {
		c.SafetyMargin = DefaultSafetyMargin
	}
	if c.LockLease == 0 {
		c.LockLease = DefaultLockLease
	}
	if c.LockWait == 0 {
		c.LockWait = DefaultLockWait
	}
	if c.LockPollInterval == 0 {
		c.LockPollInterval = DefaultLockPollInterval
	}
	if c.ExchangeTimeout == 0 {
		c.ExchangeTimeout = DefaultExchangeTimeout
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = credstore.DefaultSessionTTL
	}

	switch {
	case c.ClientID == "":
		return fmt.Errorf("refresh: config client_id is required")
	case c.SafetyMargin < 0:
		return fmt.Errorf("refresh: config safety_margin must not be negative")
	case c.LockPollInterval < 0 || c.LockWait < 0:
		return fmt.Errorf("refresh: config lock wait and poll interval must not be negative")
	case c.LockLease <= c.ExchangeTimeout:
		return fmt.Errorf("refresh: config lock_lease (%s) must exceed exchange_timeout (%s)",
			c.LockLease, c.ExchangeTimeout)
	case c.SessionTTL < 0:
		return fmt.Errorf("refresh: config session_ttl must not be negative")
	}
	return nil
}
