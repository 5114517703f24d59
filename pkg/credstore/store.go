package credstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/StricklySoft/nest-gateway/pkg/auth"
)

const (
	// DefaultSessionTTL is how long an untouched record survives.
	DefaultSessionTTL = 30 * 24 * time.Hour

	// DefaultKeyPrefix namespaces Redis keys and is unused by other stores.
	DefaultKeyPrefix = "nest:cred:"
)

// Store is the shared credential store. Implementations must be safe for
// concurrent use from multiple goroutines and, for shared backends,
// multiple processes.
type Store interface {
	// Get returns the current snapshot, or a SessionNotFound error.
	Get(ctx context.Context, ref auth.SessionRef) (*Record, error)

	// Create stores the first record for a session at revision 1. It fails
	// with CodeConflictAlreadyExists when a live record exists.
	Create(ctx context.Context, rec *Record) error

	// CompareAndSwap replaces the record only if its stored revision equals
	// expected, writing rec at expected+1. On success rec.Revision is
	// updated. A mismatch, or a record that is gone, yields a
	// CodeConflictRevision error.
	CompareAndSwap(ctx context.Context, rec *Record, expected int64) error

	// Delete removes the record. Deleting a missing record is not an error.
	Delete(ctx context.Context, ref auth.SessionRef) error

	// Touch extends the record's lifetime to ttl from now. Touching a
	// missing record is a no-op.
	Touch(ctx context.Context, ref auth.SessionRef, ttl time.Duration) error

	// TryLock makes one attempt at the per-session lease lock. It returns
	// nil and no error when another owner holds the lease.
	TryLock(ctx context.Context, ref auth.SessionRef, lease time.Duration) (*Lock, error)

	// Unlock releases l if it is still held by l's owner. Releasing an
	// expired or stolen lease is a no-op.
	Unlock(ctx context.Context, l *Lock) error
}

// Lock is a held lease on a session's refresh lock.
type Lock struct {
	Ref   auth.SessionRef
	Owner string
	// ExpiresAt is the owner's view of when the lease lapses.
	ExpiresAt time.Time
}

func newLock(ref auth.SessionRef, now time.Time, lease time.Duration) *Lock {
	return &Lock{Ref: ref, Owner: uuid.NewString(), ExpiresAt: now.Add(lease)}
}

// Option configures a store.
type Option func(*options)

type options struct {
	ttl       time.Duration
	keyPrefix string
	now       func() time.Time
}

func defaultOptions() options {
	return options{ttl: DefaultSessionTTL, keyPrefix: DefaultKeyPrefix, now: time.Now}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithSessionTTL sets the lifetime applied on Create and CompareAndSwap.
func WithSessionTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithKeyPrefix sets the Redis key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.keyPrefix = prefix
		}
	}
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
