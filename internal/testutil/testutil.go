// Package testutil provides shared test helpers for the gateway packages.
//
// All helpers accept [testing.TB] and call t.Helper() so failures point at
// the caller. Require* helpers halt the test; Assert* helpers record and
// continue.
package testutil

import (
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/nest-gateway/internal/testutil/fixtures"
	"github.com/StricklySoft/nest-gateway/pkg/clients/redis"
	"github.com/StricklySoft/nest-gateway/pkg/dpop"
	sserr "github.com/StricklySoft/nest-gateway/pkg/errors"
)

// RequireErrorCode halts the test unless err is an *sserr.Error carrying
// code.
//
//	_, err := engine.EnsureReady(ctx, ref)
//	testutil.RequireErrorCode(t, err, sserr.CodeAuthenticationSessionNotFound)
func RequireErrorCode(t testing.TB, err error, code sserr.Code, msgAndArgs ...any) {
	t.Helper()
	require.Error(t, err, msgAndArgs...)
	ssErr, ok := sserr.AsError(err)
	require.True(t, ok, "expected *sserr.Error, got %T: %v", err, err)
	require.Equal(t, code, ssErr.Code,
		"error code mismatch: got %q, want %q (message: %s)",
		ssErr.Code, code, ssErr.Message)
}

// AssertErrorCode is the non-halting form of [RequireErrorCode], for use in
// table-driven tests.
func AssertErrorCode(t testing.TB, err error, code sserr.Code, msgAndArgs ...any) bool {
	t.Helper()
	if !assert.Error(t, err, msgAndArgs...) {
		return false
	}
	ssErr, ok := sserr.AsError(err)
	if !assert.True(t, ok, "expected *sserr.Error, got %T: %v", err, err) {
		return false
	}
	return assert.Equal(t, code, ssErr.Code,
		"error code mismatch: got %q, want %q (message: %s)",
		ssErr.Code, code, ssErr.Message)
}

// AssertJSONNotContains marshals v and asserts the output does not contain
// unexpected. Used to prove tokens never reach serialized output.
func AssertJSONNotContains(t testing.TB, v any, unexpected string) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err, "json.Marshal failed")
	assert.NotContains(t, string(data), unexpected,
		"expected JSON to NOT contain %q, got: %s", unexpected, string(data))
}

// NewMiniRedis starts an in-process Redis and returns it together with a
// traced client bound to it. Both are cleaned up with the test.
func NewMiniRedis(t testing.TB) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	client := redis.NewFromClient(rdb, nil)
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// NewSigner returns a signer over a freshly generated key set holding
// fixtures.KeyID (active) and fixtures.AltKeyID.
func NewSigner(t testing.TB) *dpop.Signer {
	t.Helper()
	keys := make([]*dpop.Key, 0, 2)
	for _, kid := range []string{fixtures.KeyID, fixtures.AltKeyID} {
		priv, err := dpop.GenerateKey()
		require.NoError(t, err)
		k, err := dpop.NewKey(kid, priv)
		require.NoError(t, err)
		keys = append(keys, k)
	}
	ks, err := dpop.NewKeySet(fixtures.KeyID, keys...)
	require.NoError(t, err)
	return dpop.NewSigner(ks)
}
