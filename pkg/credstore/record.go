// Package credstore holds the credential records the gateway keeps on behalf
// of its clients, together with the per-session lease lock that serializes
// refresh exchanges across gateway processes.
//
// A [Record] is an immutable snapshot. Writers build a new snapshot and
// publish it with [Store.CompareAndSwap] against the revision they read;
// a lost race surfaces as [sserr.CodeConflictRevision] and the caller
// re-reads.
//
// Three implementations are provided: [RedisStore] for shared deployments,
// [PostgresStore] for deployments that already run PostgreSQL, and
// [MemoryStore] for tests and single-process use.
package credstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/StricklySoft/nest-gateway/pkg/auth"
	sserr "github.com/StricklySoft/nest-gateway/pkg/errors"
)

// Record is the credential state for one session reference.
type Record struct {
	Ref auth.SessionRef

	AccessToken  auth.Secret
	RefreshToken auth.Secret
	// TokenType is the scheme used in the Authorization header, normally
	// "DPoP".
	TokenType string
	Scope     string
	// ExpiresAt is when the access token stops being accepted.
	ExpiresAt time.Time

	// Origin is the resource server requests are forwarded to
	// (scheme://host[:port], no path).
	Origin        string
	Issuer        string
	TokenEndpoint string
	// KeyID names the signing key the tokens are bound to.
	KeyID   string
	Subject string

	// Revision increases by one on every successful write.
	Revision  int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ExpiresWithin reports whether the access token expires within margin of
// now. A zero ExpiresAt is treated as already expired.
func (r *Record) ExpiresWithin(now time.Time, margin time.Duration) bool {
	if r.ExpiresAt.IsZero() {
		return true
	}
	return !r.ExpiresAt.After(now.Add(margin))
}

// Validate reports the first missing field a record needs before it can be
// stored.
func (r *Record) Validate() error {
	switch {
	case r.Ref == "":
		return sserr.New(sserr.CodeValidationRequired, "credstore: record ref is required")
	case r.AccessToken.IsZero():
		return sserr.New(sserr.CodeValidationRequired, "credstore: record access token is required")
	case r.RefreshToken.IsZero():
		return sserr.New(sserr.CodeValidationRequired, "credstore: record refresh token is required")
	case r.Origin == "":
		return sserr.New(sserr.CodeValidationRequired, "credstore: record origin is required")
	case r.TokenEndpoint == "":
		return sserr.New(sserr.CodeValidationRequired, "credstore: record token endpoint is required")
	}
	return nil
}

// recordData is the stored form. Tokens are plain strings here because
// auth.Secret redacts itself when marshaled.
type recordData struct {
	AccessToken   string    `json:"access_token"`
	RefreshToken  string    `json:"refresh_token"`
	TokenType     string    `json:"token_type,omitempty"`
	Scope         string    `json:"scope,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
	Origin        string    `json:"origin"`
	Issuer        string    `json:"issuer,omitempty"`
	TokenEndpoint string    `json:"token_endpoint"`
	KeyID         string    `json:"kid,omitempty"`
	Subject       string    `json:"sub,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func encodeRecord(r *Record) ([]byte, error) {
	data, err := json.Marshal(recordData{
		AccessToken:   r.AccessToken.Value(),
		RefreshToken:  r.RefreshToken.Value(),
		TokenType:     r.TokenType,
		Scope:         r.Scope,
		ExpiresAt:     r.ExpiresAt.UTC(),
		Origin:        r.Origin,
		Issuer:        r.Issuer,
		TokenEndpoint: r.TokenEndpoint,
		KeyID:         r.KeyID,
		Subject:       r.Subject,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	})
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalStore, "credstore: failed to encode record")
	}
	return data, nil
}

func decodeRecord(ref auth.SessionRef, raw []byte, revision int64) (*Record, error) {
	var d recordData
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalStore,
			fmt.Sprintf("credstore: stored record %s is corrupt", ref.Fingerprint()))
	}
	return &Record{
		Ref:           ref,
		AccessToken:   auth.Secret(d.AccessToken),
		RefreshToken:  auth.Secret(d.RefreshToken),
		TokenType:     d.TokenType,
		Scope:         d.Scope,
		ExpiresAt:     d.ExpiresAt,
		Origin:        d.Origin,
		Issuer:        d.Issuer,
		TokenEndpoint: d.TokenEndpoint,
		KeyID:         d.KeyID,
		Subject:       d.Subject,
		Revision:      revision,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}, nil
}

func sessionNotFound(ref auth.SessionRef) error {
	return sserr.SessionNotFound("credstore: session not found").
		WithDetail("session", ref.Fingerprint())
}

func revisionConflict(ref auth.SessionRef, expected int64) error {
	return sserr.New(sserr.CodeConflictRevision, "credstore: record revision changed").
		WithDetails(map[string]any{"session": ref.Fingerprint(), "expected_revision": expected})
}
