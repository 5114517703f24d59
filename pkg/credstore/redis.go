package credstore

import (
	"context"
	"strconv"
	"time"

	"github.com/StricklySoft/nest-gateway/pkg/auth"
	"github.com/StricklySoft/nest-gateway/pkg/clients/redis"
	sserr "github.com/StricklySoft/nest-gateway/pkg/errors"
)

// Records live in a hash with a "data" field (JSON) and a "rev" field so
// the revision check in Lua never has to decode JSON.
var (
	createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'rev', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

	casScript = redis.NewScript(`
local rev = redis.call('HGET', KEYS[1], 'rev')
if (not rev) or rev ~= ARGV[2] then
  return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'rev', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

	unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
)

// RedisClient is the part of [*redis.Client] the store uses.
type RedisClient interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Del(ctx context.Context, keys ...string) (int64, error)
	Expire(ctx context.Context, key string, expiration time.Duration) (bool, error)
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
	RunScript(ctx context.Context, name string, script *redis.Script, keys []string, args ...interface{}) (interface{}, error)
}

var _ RedisClient = (*redis.Client)(nil)

// RedisStore is a [Store] backed by Redis. Record writes and lock release
// are single Lua scripts, so they are atomic across gateway processes.
type RedisStore struct {
	client RedisClient
	opts   options
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore returns a store using client.
func NewRedisStore(client RedisClient, opts ...Option) *RedisStore {
	return &RedisStore{client: client, opts: applyOptions(opts)}
}

func (s *RedisStore) recordKey(ref auth.SessionRef) string {
	return s.opts.keyPrefix + string(ref)
}

func (s *RedisStore) lockKey(ref auth.SessionRef) string {
	return s.opts.keyPrefix + "lock:" + string(ref)
}

func (s *RedisStore) Get(ctx context.Context, ref auth.SessionRef) (*Record, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(ref))
	if err != nil {
		return nil, err
	}
	data, ok := fields["data"]
	if !ok {
		return nil, sessionNotFound(ref)
	}
	rev, err := strconv.ParseInt(fields["rev"], 10, 64)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalStore, "credstore: stored revision is corrupt")
	}
	return decodeRecord(ref, []byte(data), rev)
}

func (s *RedisStore) Create(ctx context.Context, rec *Record) error {
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

	res, err := s.client.RunScript(ctx, "create", createScript,
		[]string{s.recordKey(rec.Ref)}, data, next.Revision, s.opts.ttl.Milliseconds())
	if err != nil {
		return err
	}
	if n, _ := res.(int64); n != 1 {
		return sserr.New(sserr.CodeConflictAlreadyExists, "credstore: session already exists")
	}
	*rec = next
	return nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, rec *Record, expected int64) error {
	next := *rec
	next.Revision = expected + 1
	next.UpdatedAt = s.opts.now()
	data, err := encodeRecord(&next)
	if err != nil {
		return err
	}

	res, err := s.client.RunScript(ctx, "cas", casScript,
		[]string{s.recordKey(rec.Ref)},
		data, strconv.FormatInt(expected, 10), next.Revision, s.opts.ttl.Milliseconds())
	if err != nil {
		return err
	}
	if n, _ := res.(int64); n != 1 {
		return revisionConflict(rec.Ref, expected)
	}
	*rec = next
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, ref auth.SessionRef) error {
	_, err := s.client.Del(ctx, s.recordKey(ref))
	return err
}

func (s *RedisStore) Touch(ctx context.Context, ref auth.SessionRef, ttl time.Duration) error {
	_, err := s.client.Expire(ctx, s.recordKey(ref), ttl)
	return err
}

func (s *RedisStore) TryLock(ctx context.Context, ref auth.SessionRef, lease time.Duration) (*Lock, error) {
	l := newLock(ref, s.opts.now(), lease)
	ok, err := s.client.SetNX(ctx, s.lockKey(ref), l.Owner, lease)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return l, nil
}

func (s *RedisStore) Unlock(ctx context.Context, l *Lock) error {
	if l == nil {
		return nil
	}
	_, err := s.client.RunScript(ctx, "unlock", unlockScript, []string{s.lockKey(l.Ref)}, l.Owner)
	return err
}
