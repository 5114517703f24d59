// Package ratelimit enforces a fixed-window request budget per key.
//
// The gateway keys budgets by session reference. [RedisLimiter] shares the
// window across processes; [MemoryLimiter] serves single-process setups and
// tests.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/StricklySoft/nest-gateway/pkg/clients/redis"
	sserr "github.com/StricklySoft/nest-gateway/pkg/errors"
)

// Defaults applied by [Config.Validate] to zero-valued fields.
const (
	DefaultRequests  = 100
	DefaultWindow    = time.Minute
	DefaultKeyPrefix = "nest:ratelimit:"
)

// Config sets the budget. Env tags are relative; the gateway nests this
// struct under RATE_LIMIT.
type Config struct {
	Enabled   bool          `json:"enabled" yaml:"enabled" env:"ENABLED" envDefault:"true"`
	Requests  int           `json:"requests" yaml:"requests" env:"REQUESTS" envDefault:"100"`
	Window    time.Duration `json:"window" yaml:"window" env:"WINDOW" envDefault:"60s"`
	KeyPrefix string        `json:"key_prefix" yaml:"key_prefix" env:"KEY_PREFIX" envDefault:"nest:ratelimit:"`
}

// Validate applies defaults to zero-valued fields and reports the first
// invalid value.
func (c *Config) Validate() error {
	if c.Requests == 0 {
		c.Requests = DefaultRequests
	}
	if c.Window == 0 {
		c.Window = DefaultWindow
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}
	if c.Requests < 0 {
		return fmt.Errorf("ratelimit: config requests must not be negative")
	}
	if c.Window < time.Millisecond {
		return fmt.Errorf("ratelimit: config window must be at least 1ms")
	}
	return nil
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// RetryAfter is the time until the window resets.
	RetryAfter time.Duration
}

// Limiter counts requests against a per-key budget.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

func decide(cfg Config, count int64, resetIn time.Duration) Decision {
	remaining := cfg.Requests - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:    count <= int64(cfg.Requests),
		Limit:      cfg.Requests,
		Remaining:  remaining,
		RetryAfter: resetIn,
	}
}

// ---------------------------------------------------------------------------
// Redis
// ---------------------------------------------------------------------------

// windowScript increments the counter and starts the window on the first
// hit. It returns the count and the milliseconds left in the window.
var windowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// ScriptRunner is the part of [*redis.Client] the limiter uses.
type ScriptRunner interface {
	RunScript(ctx context.Context, name string, script *redis.Script, keys []string, args ...interface{}) (interface{}, error)
}

var _ ScriptRunner = (*redis.Client)(nil)

// RedisLimiter keeps counters in Redis.
type RedisLimiter struct {
	client ScriptRunner
	cfg    Config
}

var _ Limiter = (*RedisLimiter)(nil)

// NewRedisLimiter returns a limiter for cfg.
func NewRedisLimiter(client ScriptRunner, cfg Config) (*RedisLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "ratelimit: invalid configuration")
	}
	return &RedisLimiter{client: client, cfg: cfg}, nil
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := l.client.RunScript(ctx, "ratelimit", windowScript,
		[]string{l.cfg.KeyPrefix + key}, l.cfg.Window.Milliseconds())
	if err != nil {
		return Decision{}, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return Decision{}, sserr.Internalf("ratelimit: unexpected script reply %T", res)
	}
	count, ok1 := vals[0].(int64)
	ttl, ok2 := vals[1].(int64)
	if !ok1 || !ok2 {
		return Decision{}, sserr.Internal("ratelimit: unexpected script reply values")
	}
	return decide(l.cfg, count, time.Duration(ttl)*time.Millisecond), nil
}

// ---------------------------------------------------------------------------
// Memory
// ---------------------------------------------------------------------------

type window struct {
	count int64
	start time.Time
}

// MemoryLimiter keeps counters in process memory. Call Sweep periodically
// to drop expired windows.
type MemoryLimiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

var _ Limiter = (*MemoryLimiter)(nil)

// NewMemoryLimiter returns a limiter for cfg. A nil now uses time.Now.
func NewMemoryLimiter(cfg Config, now func() time.Time) (*MemoryLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "ratelimit: invalid configuration")
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{cfg: cfg, now: now, windows: make(map[string]*window)}, nil
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.cfg.Window {
		w = &window{start: now}
		l.windows[key] = w
	}
	w.count++
	return decide(l.cfg, w.count, w.start.Add(l.cfg.Window).Sub(now)), nil
}

// Sweep removes windows that have ended.
func (l *MemoryLimiter) Sweep() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, w := range l.windows {
		if now.Sub(w.start) >= l.cfg.Window {
			delete(l.windows, key)
		}
	}
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

// KeyFunc returns the budget key for a request, or false to skip limiting.
type KeyFunc func(r *http.Request) (string, bool)

// Middleware rejects requests over budget with [sserr.CodeRateLimited] and a
// Retry-After header. Limiter failures let the request through.
func Middleware(l Limiter, key KeyFunc, logger *slog.Logger, onError func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k, ok := key(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			d, err := l.Allow(r.Context(), k)
			if err != nil {
				logger.WarnContext(r.Context(), "ratelimit: limiter failed, allowing request", "error", err)
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				h.Set("Retry-After", RetryAfterSeconds(d.RetryAfter))
				onError(w, r, sserr.New(sserr.CodeRateLimited, "rate limit exceeded").
					WithDetail("retry_after_seconds", RetryAfterSeconds(d.RetryAfter)))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RetryAfterSeconds formats d as whole seconds, rounded up, at least 1.
func RetryAfterSeconds(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
