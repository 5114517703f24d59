// Package dpop signs the proof-of-possession material the gateway attaches
// to every outbound call: DPoP proofs (RFC 9449) bound to method, URL and
// origin nonce, private_key_jwt client assertions for the token endpoint,
// and service-auth tokens for services the gateway calls on a user's
// behalf.
//
// Signing is pure apart from the per-origin [NonceCache], and a [Signer]
// is safe for concurrent use.
package dpop

import (
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/StricklySoft/nest-gateway/pkg/auth"
	sserr "github.com/StricklySoft/nest-gateway/pkg/errors"
)

const (
	// ProofType is the typ header of a DPoP proof.
	ProofType = "dpop+jwt"

	// HeaderDPoP carries the proof on requests.
	HeaderDPoP = "DPoP"

	// HeaderNonce carries a server-issued nonce on responses.
	HeaderNonce = "DPoP-Nonce"

	// ClientAssertionType is the client_assertion_type for private_key_jwt.
	ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

	// DefaultAssertionLifetime bounds a client assertion's exp.
	DefaultAssertionLifetime = 60 * time.Second

	// DefaultServiceAuthLifetime bounds a service-auth token's exp.
	DefaultServiceAuthLifetime = 2 * time.Minute
)

// ProofClaims are the claims of a DPoP proof.
type ProofClaims struct {
	HTM   string `json:"htm"`
	HTU   string `json:"htu"`
	Nonce string `json:"nonce,omitempty"`
	ATH   string `json:"ath,omitempty"`
	jwt.RegisteredClaims
}

// ProofRequest describes the request a proof is bound to.
type ProofRequest struct {
	// KeyID selects the signing key. Empty means the active key.
	KeyID  string
	Method string
	URL    string
	// Nonce is the origin's last DPoP-Nonce, if any.
	Nonce string
	// AccessToken, when set, is bound through the ath claim.
	AccessToken auth.Secret
}

// Signer produces DPoP proofs and client assertions from a [KeySet].
type Signer struct {
	keys  *KeySet
	now   func() time.Time
	newID func() string
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithSignerClock overrides the iat source. Tests only.
func WithSignerClock(now func() time.Time) SignerOption {
	return func(s *Signer) { s.now = now }
}

// NewSigner returns a Signer over keys.
func NewSigner(keys *KeySet, opts ...SignerOption) *Signer {
	s := &Signer{keys: keys, now: time.Now, newID: uuid.NewString}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Keys returns the signer's key set.
func (s *Signer) Keys() *KeySet { return s.keys }

// Sign returns a compact DPoP proof for req.
//
// Error codes returned:
//   - [sserr.CodeValidation]: the URL is not absolute
//   - [sserr.CodeInternalSigning]: unknown key id or signing failure
func (s *Signer) Sign(req ProofRequest) (string, error) {
	htu, err := TargetURI(req.URL)
	if err != nil {
		return "", err
	}
	key, ok := s.keys.Key(req.KeyID)
	if !ok {
		return "", sserr.Newf(sserr.CodeInternalSigning, "dpop: signing key %q is not loaded", req.KeyID)
	}

	claims := ProofClaims{
		HTM:   strings.ToUpper(req.Method),
		HTU:   htu,
		Nonce: req.Nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       s.newID(),
			IssuedAt: jwt.NewNumericDate(s.now()),
		},
	}
	if !req.AccessToken.IsZero() {
		claims.ATH = AccessTokenHash(req.AccessToken)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["typ"] = ProofType
	token.Header["jwk"] = key.publicJWK.headerJWK()
	signed, err := token.SignedString(key.Private)
	if err != nil {
		return "", sserr.Wrap(err, sserr.CodeInternalSigning, "dpop: failed to sign proof")
	}
	return signed, nil
}

// ClientAssertion returns a private_key_jwt assertion for clientID
// addressed to the authorization server issuer, signed with the active key.
func (s *Signer) ClientAssertion(clientID, audience string) (string, error) {
	key := s.keys.Active()
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    clientID,
		Subject:   clientID,
		Audience:  jwt.ClaimStrings{audience},
		ID:        s.newID(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(DefaultAssertionLifetime)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = key.ID
	signed, err := token.SignedString(key.Private)
	if err != nil {
		return "", sserr.Wrap(err, sserr.CodeInternalSigning, "dpop: failed to sign client assertion")
	}
	return signed, nil
}

// ServiceAuthClaims are the claims of a service-auth token.
type ServiceAuthClaims struct {
	// LXM is the only XRPC method the token may be used for.
	LXM string `json:"lxm,omitempty"`
	jwt.RegisteredClaims
}

// ServiceAuthRequest describes a service-auth token.
type ServiceAuthRequest struct {
	// Issuer is the gateway's own DID.
	Issuer string
	// Subject is the DID of the account the call is made for.
	Subject string
	// Audience is the DID of the receiving service.
	Audience string
	// Method is the NSID of the XRPC method being called.
	Method string
	// Lifetime defaults to DefaultServiceAuthLifetime.
	Lifetime time.Duration
}

// ServiceAuth returns a bearer token that lets the gateway call a service
// for req.Subject. It is signed with the active key, whose id is in the kid
// header so the service can verify it against the published JWKS.
//
// Error codes returned:
//   - [sserr.CodeValidation]: no subject or method
//   - [sserr.CodeInternalSigning]: no issuer or audience, or signing failure
func (s *Signer) ServiceAuth(req ServiceAuthRequest) (string, error) {
	if req.Issuer == "" || req.Audience == "" {
		return "", sserr.New(sserr.CodeInternalSigning, "dpop: service auth needs an issuer and an audience")
	}
	if req.Subject == "" || req.Method == "" {
		return "", sserr.Validation("dpop: service auth needs a subject and a method")
	}
	lifetime := req.Lifetime
	if lifetime <= 0 {
		lifetime = DefaultServiceAuthLifetime
	}

	key := s.keys.Active()
	now := s.now()
	claims := ServiceAuthClaims{
		LXM: req.Method,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    req.Issuer,
			Subject:   req.Subject,
			Audience:  jwt.ClaimStrings{req.Audience},
			ID:        s.newID(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["typ"] = "JWT"
	token.Header["kid"] = key.ID
	signed, err := token.SignedString(key.Private)
	if err != nil {
		return "", sserr.Wrap(err, sserr.CodeInternalSigning, "dpop: failed to sign service auth token")
	}
	return signed, nil
}

// TargetURI strips query and fragment from rawURL, giving the htu value.
func TargetURI(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", sserr.Newf(sserr.CodeValidation, "dpop: proof target %q is not an absolute URL", rawURL)
	}
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil
	return u.String(), nil
}

// AccessTokenHash is the ath claim: base64url(SHA-256(token)).
func AccessTokenHash(token auth.Secret) string {
	sum := sha256.Sum256([]byte(token.Value()))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
