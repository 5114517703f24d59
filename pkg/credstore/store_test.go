package credstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/nest-gateway/internal/testutil"
	"github.com/StricklySoft/nest-gateway/internal/testutil/fixtures"
	"github.com/StricklySoft/nest-gateway/pkg/auth"
	sserr "github.com/StricklySoft/nest-gateway/pkg/errors"
)

// ===========================================================================
// Helpers
// ===========================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testRecord(ref string) *Record {
	return &Record{
		Ref:           auth.SessionRef(ref),
		AccessToken:   fixtures.AccessToken,
		RefreshToken:  fixtures.RefreshToken,
		TokenType:     "DPoP",
		Scope:         "atproto transition:generic",
		ExpiresAt:     time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC),
		Origin:        fixtures.Origin,
		Issuer:        fixtures.Issuer,
		TokenEndpoint: fixtures.Issuer + "/oauth/token",
		KeyID:         fixtures.KeyID,
		Subject:       fixtures.Subject,
	}
}

// ===========================================================================
// Conformance
// ===========================================================================

// runStoreConformance exercises the behaviour every Store must share.
func runStoreConformance(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, fixtures.SessionRef)
		testutil.RequireErrorCode(t, err, sserr.CodeAuthenticationSessionNotFound)
	})

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		rec := testRecord(fixtures.SessionRef)
		require.NoError(t, s.Create(ctx, rec))
		assert.Equal(t, int64(1), rec.Revision)

		got, err := s.Get(ctx, fixtures.SessionRef)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Revision)
		assert.Equal(t, fixtures.AccessToken, got.AccessToken.Value())
		assert.Equal(t, fixtures.RefreshToken, got.RefreshToken.Value())
		assert.Equal(t, fixtures.Origin, got.Origin)
		assert.Equal(t, fixtures.KeyID, got.KeyID)
		assert.True(t, rec.ExpiresAt.Equal(got.ExpiresAt))
	})

	t.Run("create twice", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, testRecord(fixtures.SessionRef)))
		err := s.Create(ctx, testRecord(fixtures.SessionRef))
		testutil.RequireErrorCode(t, err, sserr.CodeConflictAlreadyExists)
	})

	t.Run("create invalid", func(t *testing.T) {
		s := newStore(t)
		rec := testRecord(fixtures.SessionRef)
		rec.RefreshToken = ""
		testutil.RequireErrorCode(t, s.Create(ctx, rec), sserr.CodeValidationRequired)
	})

	t.Run("compare and swap", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, testRecord(fixtures.SessionRef)))

		cur, err := s.Get(ctx, fixtures.SessionRef)
		require.NoError(t, err)
		next := *cur
		next.AccessToken = fixtures.RotatedAccessToken
		next.RefreshToken = fixtures.RotatedRefreshToken
		require.NoError(t, s.CompareAndSwap(ctx, &next, cur.Revision))
		assert.Equal(t, int64(2), next.Revision)

		stale := *cur
		stale.AccessToken = "at-stale"
		err = s.CompareAndSwap(ctx, &stale, cur.Revision)
		testutil.RequireErrorCode(t, err, sserr.CodeConflictRevision)
		assert.Equal(t, int64(1), stale.Revision, "failed swap must not touch the caller's snapshot")

		got, err := s.Get(ctx, fixtures.SessionRef)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Revision)
		assert.Equal(t, fixtures.RotatedAccessToken, got.AccessToken.Value())
		assert.Equal(t, fixtures.RotatedRefreshToken, got.RefreshToken.Value())
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		rec := testRecord(fixtures.SessionRef)
		require.NoError(t, s.Create(ctx, rec))
		require.NoError(t, s.Delete(ctx, fixtures.SessionRef))
		require.NoError(t, s.Delete(ctx, fixtures.SessionRef))

		_, err := s.Get(ctx, fixtures.SessionRef)
		testutil.RequireErrorCode(t, err, sserr.CodeAuthenticationSessionNotFound)
		testutil.RequireErrorCode(t, s.CompareAndSwap(ctx, rec, 1), sserr.CodeConflictRevision)
	})

	t.Run("touch missing", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Touch(ctx, fixtures.SessionRef, time.Hour))
	})

	t.Run("sessions are isolated", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, testRecord(fixtures.SessionRef)))
		_, err := s.Get(ctx, fixtures.AltSessionRef)
		testutil.RequireErrorCode(t, err, sserr.CodeAuthenticationSessionNotFound)

		l, err := s.TryLock(ctx, fixtures.SessionRef, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, l)
		other, err := s.TryLock(ctx, fixtures.AltSessionRef, time.Minute)
		require.NoError(t, err)
		assert.NotNil(t, other)
	})

	t.Run("lock", func(t *testing.T) {
		s := newStore(t)
		l, err := s.TryLock(ctx, fixtures.SessionRef, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, l)
		assert.NotEmpty(t, l.Owner)

		again, err := s.TryLock(ctx, fixtures.SessionRef, time.Minute)
		require.NoError(t, err)
		assert.Nil(t, again)

		imposter := &Lock{Ref: l.Ref, Owner: "someone-else"}
		require.NoError(t, s.Unlock(ctx, imposter))
		again, err = s.TryLock(ctx, fixtures.SessionRef, time.Minute)
		require.NoError(t, err)
		assert.Nil(t, again, "unlock by a non-owner must not release the lease")

		require.NoError(t, s.Unlock(ctx, l))
		again, err = s.TryLock(ctx, fixtures.SessionRef, time.Minute)
		require.NoError(t, err)
		assert.NotNil(t, again)
		assert.NotEqual(t, l.Owner, again.Owner)

		assert.NoError(t, s.Unlock(ctx, nil))
	})
}

// ===========================================================================
// Record Tests
// ===========================================================================

func TestRecord_ExpiresWithin(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &Record{ExpiresAt: now.Add(30 * time.Second)}
	assert.True(t, rec.ExpiresWithin(now, time.Minute))
	assert.False(t, rec.ExpiresWithin(now, 10*time.Second))

	rec.ExpiresAt = now.Add(time.Hour)
	assert.False(t, rec.ExpiresWithin(now, time.Minute))

	assert.True(t, (&Record{}).ExpiresWithin(now, 0))
}

func TestRecord_EncodeKeepsTokensAndRedactsNothingElse(t *testing.T) {
	rec := testRecord(fixtures.SessionRef)
	data, err := encodeRecord(rec)
	require.NoError(t, err)
	assert.Contains(t, string(data), fixtures.AccessToken)
	assert.Contains(t, string(data), fixtures.RefreshToken)

	got, err := decodeRecord(rec.Ref, data, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(9), got.Revision)
	assert.Equal(t, rec.Subject, got.Subject)
	assert.Equal(t, rec.Scope, got.Scope)

	_, err = decodeRecord(rec.Ref, []byte("{not json"), 1)
	testutil.RequireErrorCode(t, err, sserr.CodeInternalStore)
}

func TestRecord_TokensNeverMarshal(t *testing.T) {
	testutil.AssertJSONNotContains(t, testRecord(fixtures.SessionRef), fixtures.AccessToken)
	testutil.AssertJSONNotContains(t, testRecord(fixtures.SessionRef), fixtures.RefreshToken)
}
