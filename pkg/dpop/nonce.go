package dpop

import (
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultNonceTTL drops a cached nonce the origin has likely rotated.
	DefaultNonceTTL = 5 * time.Minute

	// DefaultNonceEntries bounds the number of origins remembered.
	DefaultNonceEntries = 4096
)

type nonceEntry struct {
	value    string
	storedAt time.Time
}

// NonceCache remembers the last DPoP-Nonce each origin issued. It is
// process-local and best effort: a miss only costs one nonce retry.
type NonceCache struct {
	mu         sync.RWMutex
	entries    map[string]nonceEntry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// NewNonceCache returns a cache whose entries live for ttl. A zero ttl uses
// [DefaultNonceTTL].
func NewNonceCache(ttl time.Duration) *NonceCache {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	return &NonceCache{
		entries:    make(map[string]nonceEntry),
		ttl:        ttl,
		maxEntries: DefaultNonceEntries,
		now:        time.Now,
	}
}

// Get returns the cached nonce for the origin of rawURL, or "".
func (c *NonceCache) Get(rawURL string) string {
	origin := OriginOf(rawURL)
	c.mu.RLock()
	e, ok := c.entries[origin]
	c.mu.RUnlock()
	if !ok || c.now().Sub(e.storedAt) >= c.ttl {
		return ""
	}
	return e.value
}

// Put records nonce for the origin of rawURL. Empty nonces are ignored.
func (c *NonceCache) Put(rawURL, nonce string) {
	if nonce == "" {
		return
	}
	origin := OriginOf(rawURL)
	if origin == "" {
		return
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[origin]; !ok && len(c.entries) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.entries[origin] = nonceEntry{value: nonce, storedAt: now}
}

// evictLocked drops expired entries, or everything if none had expired.
func (c *NonceCache) evictLocked(now time.Time) {
	for k, e := range c.entries {
		if now.Sub(e.storedAt) >= c.ttl {
			delete(c.entries, k)
		}
	}
	if len(c.entries) >= c.maxEntries {
		clear(c.entries)
	}
}

// OriginOf returns the lower-cased scheme://host[:port] of rawURL, or "" if
// it is not absolute.
func OriginOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}
