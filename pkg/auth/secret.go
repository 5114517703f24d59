// Package auth handles the inbound side of the gateway: it extracts the
// opaque session reference a client presents, carries it through the
// request context and keeps credential material out of logs.
//
// A session reference is a lookup key only. It carries no claims and the
// gateway never trusts identity headers supplied by the client.
package auth

// ---------------------------------------------------------------------------
// Secret type
// ---------------------------------------------------------------------------

// Secret is a string type that redacts its value in String(), GoString(), and
// MarshalText() to prevent accidental exposure in logs, JSON output, or
// fmt.Printf. Access and refresh tokens are held as Secrets from the moment
// they leave the credential store until they are written onto an outbound
// request.
type Secret string

const secretRedacted = "[REDACTED]"

// String returns the redacted placeholder.
func (s Secret) String() string { return secretRedacted }

// GoString returns the redacted placeholder for %#v.
func (s Secret) GoString() string { return secretRedacted }

// Value returns the actual secret string. Call it only where the raw value
// is written to the wire or hashed.
func (s Secret) Value() string { return string(s) }

// IsZero reports whether the secret is empty.
func (s Secret) IsZero() bool { return s == "" }

// MarshalText implements [encoding.TextMarshaler], returning the redacted
// placeholder.
func (s Secret) MarshalText() ([]byte, error) { return []byte(secretRedacted), nil }
