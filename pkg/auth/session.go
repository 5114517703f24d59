package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"

	sserr "github.com/StricklySoft/nest-gateway/pkg/errors"
)

const (
	// HeaderAuthorization carries "Bearer <session reference>" from the
	// mobile client.
	HeaderAuthorization = "Authorization"

	// HeaderRequestID correlates a request across gateway logs.
	HeaderRequestID = "X-Request-Id"

	// DefaultSessionCookie is the cookie consulted when no bearer header
	// is present.
	DefaultSessionCookie = "nest_session"

	bearerPrefix = "Bearer "

	minSessionRefLen = 16
	maxSessionRefLen = 256
)

// ClientIdentityHeaders lists inbound headers through which a client could
// assert identity or credentials. None of them is ever forwarded to an
// origin.
var ClientIdentityHeaders = []string{
	"Authorization",
	"Proxy-Authorization",
	"Cookie",
	"DPoP",
	"Forwarded",
	"X-Forwarded-For",
	"X-Forwarded-Host",
	"X-Forwarded-Proto",
	"X-Forwarded-User",
	"X-Real-Ip",
	"X-Auth-Request-User",
	"X-Auth-Request-Email",
	"X-Remote-User",
	"X-User-Id",
	"X-Identity-Id",
	"X-Client-Cert",
}

// SessionRef is the opaque key a client presents to select its credential
// record. It is logged only as a short fingerprint.
type SessionRef string

// String returns the raw reference.
func (r SessionRef) String() string { return string(r) }

// Fingerprint returns the first 12 hex characters of the reference's
// SHA-256, suitable for logs and rate-limit keys.
func (r SessionRef) Fingerprint() string {
	sum := sha256.Sum256([]byte(r))
	return hex.EncodeToString(sum[:6])
}

// LogValue implements [slog.LogValuer] so that a SessionRef passed as a log
// attribute never prints in full.
func (r SessionRef) LogValue() slog.Value {
	return slog.StringValue(r.Fingerprint())
}

// NewSessionRef returns a fresh random reference. It is used by the login
// boundary when a credential record is first created.
func NewSessionRef() (SessionRef, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", sserr.Wrap(err, sserr.CodeInternal, "auth: failed to generate session reference")
	}
	return SessionRef(base64.RawURLEncoding.EncodeToString(buf)), nil
}

// ExtractBearerToken returns the token from an "Authorization: Bearer"
// header value, or "" if the header is not a bearer credential. The scheme
// comparison is case-insensitive.
func ExtractBearerToken(authHeader string) string {
	if len(authHeader) <= len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(bearerPrefix):])
}

// SessionRefFromRequest extracts the session reference from the bearer
// header or, failing that, from the named cookie.
//
// Error codes returned:
//   - [sserr.CodeAuthenticationMissing]: no reference was presented
//   - [sserr.CodeAuthentication]: the reference is malformed
func SessionRefFromRequest(r *http.Request, cookieName string) (SessionRef, error) {
	raw := ExtractBearerToken(r.Header.Get(HeaderAuthorization))
	if raw == "" && cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil {
			raw = c.Value
		}
	}
	if raw == "" {
		return "", sserr.New(sserr.CodeAuthenticationMissing, "missing session reference")
	}
	if !validSessionRef(raw) {
		return "", sserr.New(sserr.CodeAuthentication, "malformed session reference")
	}
	return SessionRef(raw), nil
}

// validSessionRef accepts bounded-length URL-safe tokens.
func validSessionRef(s string) bool {
	if len(s) < minSessionRefLen || len(s) > maxSessionRefLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == '~':
		default:
			return false
		}
	}
	return true
}
