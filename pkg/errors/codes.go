package errors

// Code represents a machine-readable error code. Codes follow the pattern
// CATEGORY_NNN and never change once assigned.
type Code string

// Error code categories:
//
//	VAL_xxx      - Validation errors (400 Bad Request)
//	AUTH_xxx     - Authentication errors (401 Unauthorized)
//	NF_xxx       - Not found errors (404 Not Found)
//	CONF_xxx     - Conflict errors (409 Conflict)
//	LIMIT_xxx    - Rate limit errors (429 Too Many Requests)
//	INT_xxx      - Internal errors (500 Internal Server Error)
//	UPSTREAM_xxx - Origin protocol errors (502 Bad Gateway)
//	UNAVAIL_xxx  - Service unavailable (503 Service Unavailable)
//	TIMEOUT_xxx  - Timeout errors (504 Gateway Timeout)
const (
	// CodeValidation indicates a general validation failure.
	CodeValidation Code = "VAL_001"

	// CodeValidationRequired indicates a required field is missing.
	CodeValidationRequired Code = "VAL_002"

	// CodeValidationFormat indicates a field has an invalid format.
	CodeValidationFormat Code = "VAL_003"

	// CodeValidationOrigin indicates a destination origin was refused by
	// the origin guard (non-https, private or loopback address).
	CodeValidationOrigin Code = "VAL_004"

	// CodeValidationBodyTooLarge indicates an inbound body exceeded the
	// configured limit.
	CodeValidationBodyTooLarge Code = "VAL_005"

	// CodeAuthentication indicates a general authentication failure.
	CodeAuthentication Code = "AUTH_001"

	// CodeAuthenticationMissing indicates the request carried no session
	// reference.
	CodeAuthenticationMissing Code = "AUTH_002"

	// CodeAuthenticationSessionNotFound indicates the session reference
	// resolves to no credential record. The client must sign in again.
	CodeAuthenticationSessionNotFound Code = "AUTH_003"

	// CodeNotFound indicates a general not found error.
	CodeNotFound Code = "NF_001"

	// CodeConflict indicates a general conflict error.
	CodeConflict Code = "CONF_001"

	// CodeConflictAlreadyExists indicates a record already exists.
	CodeConflictAlreadyExists Code = "CONF_002"

	// CodeConflictRevision indicates a compare-and-swap lost against a
	// newer revision.
	CodeConflictRevision Code = "CONF_003"

	// CodeRateLimited indicates the per-session request budget is spent.
	CodeRateLimited Code = "LIMIT_001"

	// CodeInternal indicates a general internal error.
	CodeInternal Code = "INT_001"

	// CodeInternalStore indicates a credential store operation failed.
	CodeInternalStore Code = "INT_002"

	// CodeInternalConfiguration indicates a configuration error.
	CodeInternalConfiguration Code = "INT_003"

	// CodeInternalSigning indicates a proof or assertion could not be
	// signed.
	CodeInternalSigning Code = "INT_004"

	// CodeUpstreamRejected indicates the origin answered with a protocol
	// error the gateway cannot recover from.
	CodeUpstreamRejected Code = "UPSTREAM_001"

	// CodeUpstreamNonceRejected indicates the origin rejected the proof
	// nonce twice in a row.
	CodeUpstreamNonceRejected Code = "UPSTREAM_002"

	// CodeUpstreamMalformed indicates the origin answered with a body the
	// gateway could not decode.
	CodeUpstreamMalformed Code = "UPSTREAM_003"

	// CodeUnavailable indicates a general service unavailable error.
	CodeUnavailable Code = "UNAVAIL_001"

	// CodeUnavailableDependency indicates the credential store is
	// unreachable.
	CodeUnavailableDependency Code = "UNAVAIL_002"

	// CodeUnavailableRefreshContended indicates the per-session refresh
	// lock could not be acquired within its bound.
	CodeUnavailableRefreshContended Code = "UNAVAIL_003"

	// CodeUnavailableUpstream indicates the origin could not be reached.
	CodeUnavailableUpstream Code = "UNAVAIL_004"

	// CodeTimeout indicates a general timeout error.
	CodeTimeout Code = "TIMEOUT_001"

	// CodeTimeoutStore indicates a credential store operation timed out.
	CodeTimeoutStore Code = "TIMEOUT_002"

	// CodeTimeoutUpstream indicates a call to an origin timed out.
	CodeTimeoutUpstream Code = "TIMEOUT_003"
)

// String returns the string representation of the error code.
func (c Code) String() string {
	return string(c)
}

// Category returns the category prefix of the error code (e.g., "VAL", "AUTH").
func (c Code) Category() string {
	s := string(c)
	for i, r := range s {
		if r == '_' {
			return s[:i]
		}
	}
	return s
}
