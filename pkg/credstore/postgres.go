package credstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/StricklySoft/nest-gateway/pkg/auth"
	"github.com/StricklySoft/nest-gateway/pkg/clients/postgres"
	sserr "github.com/StricklySoft/nest-gateway/pkg/errors"
)

// Schema creates the tables used by [PostgresStore]. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS nest_credentials (
	ref         TEXT PRIMARY KEY,
	data        JSONB NOT NULL,
	revision    BIGINT NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS nest_credentials_expires_at ON nest_credentials (expires_at);
CREATE TABLE IF NOT EXISTS nest_refresh_locks (
	ref          TEXT PRIMARY KEY,
	owner        TEXT NOT NULL,
	lease_until  TIMESTAMPTZ NOT NULL
);`

const (
	pgSelectRecord = `SELECT data, revision FROM nest_credentials WHERE ref = $1 AND expires_at > $2`

	// An expired row with the same ref is overwritten rather than blocking
	// the new session.
	pgInsertRecord = `INSERT INTO nest_credentials (ref, data, revision, expires_at) VALUES ($1, $2, $3, $4)
ON CONFLICT (ref) DO UPDATE SET data = EXCLUDED.data, revision = EXCLUDED.revision, expires_at = EXCLUDED.expires_at
WHERE nest_credentials.expires_at <= $5`

	pgCASRecord = `UPDATE nest_credentials SET data = $2, revision = $3, expires_at = $4
WHERE ref = $1 AND revision = $5 AND expires_at > $6`

	pgDeleteRecord = `DELETE FROM nest_credentials WHERE ref = $1`

	pgTouchRecord = `UPDATE nest_credentials SET expires_at = $2 WHERE ref = $1 AND expires_at > $3`

	pgAcquireLock = `INSERT INTO nest_refresh_locks (ref, owner, lease_until) VALUES ($1, $2, $3)
ON CONFLICT (ref) DO UPDATE SET owner = EXCLUDED.owner, lease_until = EXCLUDED.lease_until
WHERE nest_refresh_locks.lease_until <= $4`

	pgReleaseLock = `DELETE FROM nest_refresh_locks WHERE ref = $1 AND owner = $2`
)

// PostgresDB is the part of [*postgres.Client] the store uses.
type PostgresDB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var _ PostgresDB = (*postgres.Client)(nil)

// PostgresStore is a [Store] backed by PostgreSQL. Compare-and-swap is a
// conditional UPDATE on the revision column and the lease lock is a row
// that may be taken over once its lease has lapsed. Timestamps come from
// the gateway clock, so gateway hosts must keep their clocks in sync.
type PostgresStore struct {
	db   PostgresDB
	opts options
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore returns a store using db. WithKeyPrefix is ignored.
func NewPostgresStore(db PostgresDB, opts ...Option) *PostgresStore {
	return &PostgresStore{db: db, opts: applyOptions(opts)}
}

// EnsureSchema applies [Schema].
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, ref auth.SessionRef) (*Record, error) {
	var (
		data []byte
		rev  int64
	)
	err := s.db.QueryRow(ctx, pgSelectRecord, string(ref), s.opts.now()).Scan(&data, &rev)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sessionNotFound(ref)
	}
	if err != nil {
		return nil, postgres.WrapError(err, "credstore: get failed")
	}
	return decodeRecord(ref, data, rev)
}

func (s *PostgresStore) Create(ctx context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	now := s.opts.now()
	next := *rec
	next.Revision = 1
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	next.UpdatedAt = now
	data, err := encodeRecord(&next)
	if err != nil {
		return err
	}

	tag, err := s.db.Exec(ctx, pgInsertRecord, string(rec.Ref), data, next.Revision, now.Add(s.opts.ttl), now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return sserr.New(sserr.CodeConflictAlreadyExists, "credstore: session already exists")
	}
	*rec = next
	return nil
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, rec *Record, expected int64) error {
	now := s.opts.now()
	next := *rec
	next.Revision = expected + 1
	next.UpdatedAt = now
	data, err := encodeRecord(&next)
	if err != nil {
		return err
	}

	tag, err := s.db.Exec(ctx, pgCASRecord, string(rec.Ref), data, next.Revision, now.Add(s.opts.ttl), expected, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return revisionConflict(rec.Ref, expected)
	}
	*rec = next
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, ref auth.SessionRef) error {
	_, err := s.db.Exec(ctx, pgDeleteRecord, string(ref))
	return err
}

func (s *PostgresStore) Touch(ctx context.Context, ref auth.SessionRef, ttl time.Duration) error {
	now := s.opts.now()
	_, err := s.db.Exec(ctx, pgTouchRecord, string(ref), now.Add(ttl), now)
	return err
}

func (s *PostgresStore) TryLock(ctx context.Context, ref auth.SessionRef, lease time.Duration) (*Lock, error) {
	now := s.opts.now()
	l := newLock(ref, now, lease)
	tag, err := s.db.Exec(ctx, pgAcquireLock, string(ref), l.Owner, l.ExpiresAt, now)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() != 1 {
		return nil, nil
	}
	return l, nil
}

func (s *PostgresStore) Unlock(ctx context.Context, l *Lock) error {
	if l == nil {
		return nil
	}
	_, err := s.db.Exec(ctx, pgReleaseLock, string(l.Ref), l.Owner)
	return err
}
