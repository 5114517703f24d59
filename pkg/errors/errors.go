// Package errors provides the structured error type used across the gateway.
// Every failure that can reach an inbound client carries a stable,
// machine-readable [Code] which maps onto an HTTP status and a retry hint.
//
// # Error Categories
//
//   - Validation errors: malformed input, rejected destination origins
//   - Authentication errors: missing or unknown session references
//   - Not found and conflict errors: credential store bookkeeping
//   - Internal errors: store, signing and configuration failures
//   - Unavailable errors: lock contention, unreachable origins
//   - Upstream errors: the origin answered with a protocol error
//   - Rate limit errors: per-session request budget exhausted
//   - Timeout errors: store, refresh or forwarding deadline exceeded
//
// # Usage
//
//	err := errors.New(errors.CodeAuthenticationSessionNotFound, "session not found")
//
//	if errors.IsSessionNotFound(err) {
//	    // ask the client to sign in again
//	}
//
// The message of an [Error] may be shown to clients. It must never contain
// credential values. Underlying causes are kept for logs only.
package errors
