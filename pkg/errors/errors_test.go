package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ===========================================================================
// Error Type Tests
// ===========================================================================

func TestError_Error(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "without cause",
			err:  New(CodeAuthenticationSessionNotFound, "session not found"),
			want: "AUTH_003: session not found",
		},
		{
			name: "with cause",
			err:  Wrap(errors.New("connection refused"), CodeInternalStore, "credstore: get failed"),
			want: "INT_002: credstore: get failed: connection refused",
		},
		{
			name: "with nested structured cause",
			err:  Wrap(New(CodeTimeoutStore, "store timeout"), CodeInternal, "refresh failed"),
			want: "INT_001: refresh failed: TIMEOUT_002: store timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestError_HTTPStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code Code
		want int
	}{
		{CodeValidation, http.StatusBadRequest},
		{CodeValidationOrigin, http.StatusBadRequest},
		{CodeValidationBodyTooLarge, http.StatusRequestEntityTooLarge},
		{CodeAuthenticationMissing, http.StatusUnauthorized},
		{CodeAuthenticationSessionNotFound, http.StatusUnauthorized},
		{CodeNotFound, http.StatusNotFound},
		{CodeConflictRevision, http.StatusConflict},
		{CodeRateLimited, http.StatusTooManyRequests},
		{CodeInternalSigning, http.StatusInternalServerError},
		{CodeUpstreamRejected, http.StatusBadGateway},
		{CodeUnavailableRefreshContended, http.StatusServiceUnavailable},
		{CodeUnavailableUpstream, http.StatusServiceUnavailable},
		{CodeTimeoutUpstream, http.StatusGatewayTimeout},
		{Code("BOGUS"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, New(tt.code, "x").HTTPStatus())
		})
	}
}

func TestError_HTTPStatus_UpstreamDetailsDoNotChangeStatus(t *testing.T) {
	t.Parallel()

	err := New(CodeUpstreamRejected, "refresh: token endpoint rejected the grant").
		WithDetails(map[string]any{"token_endpoint_status": http.StatusBadRequest, "upstream_status": http.StatusBadRequest})
	assert.Equal(t, http.StatusBadGateway, err.HTTPStatus())
}

func TestError_Unwrap(t *testing.T) {
	t.Parallel()
	cause := errors.New("underlying")
	err := Wrap(cause, CodeInternal, "failed")

	assert.Equal(t, cause, err.Unwrap())
	assert.True(t, errors.Is(err, cause))
	assert.Nil(t, New(CodeInternal, "no cause").Unwrap())
}

func TestError_WithDetail_DoesNotMutateOriginal(t *testing.T) {
	t.Parallel()
	orig := New(CodeUpstreamRejected, "rejected")
	withDetail := orig.WithDetail("origin", "pds.example.com")

	assert.Nil(t, orig.Details)
	assert.Equal(t, "pds.example.com", withDetail.Details["origin"])
	assert.Equal(t, orig.Code, withDetail.Code)
}

func TestError_Format(t *testing.T) {
	t.Parallel()
	err := Wrap(errors.New("dial tcp"), CodeUnavailableUpstream, "origin unreachable").
		WithDetail("origin", "pds.example.com")

	assert.Equal(t, "UNAVAIL_004: origin unreachable: dial tcp", fmt.Sprintf("%v", err))
	detailed := fmt.Sprintf("%+v", err)
	assert.Contains(t, detailed, `Code: "UNAVAIL_004"`)
	assert.Contains(t, detailed, "Details:")
	assert.Contains(t, detailed, "Cause: dial tcp")
}

// ===========================================================================
// Code Tests
// ===========================================================================

func TestCode_Category(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "VAL", CodeValidation.Category())
	assert.Equal(t, "UPSTREAM", CodeUpstreamNonceRejected.Category())
	assert.Equal(t, "LIMIT", CodeRateLimited.Category())
	assert.Equal(t, "NOUNDERSCORE", Code("NOUNDERSCORE").Category())
}

// ===========================================================================
// Check Tests
// ===========================================================================

func TestAsError(t *testing.T) {
	t.Parallel()

	e := New(CodeValidation, "bad")
	got, ok := AsError(fmt.Errorf("outer: %w", e))
	require.True(t, ok)
	assert.Same(t, e, got)

	got, ok = AsError(errors.New("plain"))
	assert.False(t, ok)
	assert.Nil(t, got)

	_, ok = AsError(nil)
	assert.False(t, ok)
}

func TestCategoryChecks(t *testing.T) {
	t.Parallel()

	assert.True(t, IsValidation(New(CodeValidationOrigin, "x")))
	assert.True(t, IsAuthentication(New(CodeAuthenticationMissing, "x")))
	assert.True(t, IsNotFound(New(CodeNotFound, "x")))
	assert.True(t, IsConflict(New(CodeConflictAlreadyExists, "x")))
	assert.True(t, IsRateLimited(New(CodeRateLimited, "x")))
	assert.True(t, IsInternal(New(CodeInternalStore, "x")))
	assert.True(t, IsUnavailable(New(CodeUnavailableDependency, "x")))
	assert.True(t, IsTimeout(New(CodeTimeoutStore, "x")))

	assert.False(t, IsValidation(errors.New("plain")))
	assert.False(t, IsTimeout(nil))
}

func TestIsSessionNotFound(t *testing.T) {
	t.Parallel()

	assert.True(t, IsSessionNotFound(SessionNotFound("gone")))
	assert.True(t, IsSessionNotFound(fmt.Errorf("wrapped: %w", SessionNotFound("gone"))))
	assert.False(t, IsSessionNotFound(New(CodeAuthenticationMissing, "no ref")))
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"refresh contended", RefreshContended("busy"), true},
		{"upstream unavailable", UpstreamUnavailable(errors.New("dial"), "down"), true},
		{"timeout", New(CodeTimeoutStore, "slow"), true},
		{"rate limited", New(CodeRateLimited, "slow down"), true},
		{"session not found", SessionNotFound("gone"), false},
		{"upstream rejected", New(CodeUpstreamRejected, "bad"), false},
		{"plain error", errors.New("plain"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestIsClientError_IsServerError(t *testing.T) {
	t.Parallel()

	assert.True(t, IsClientError(SessionNotFound("gone")))
	assert.True(t, IsClientError(New(CodeRateLimited, "x")))
	assert.False(t, IsClientError(Internal("x")))

	assert.True(t, IsServerError(RefreshContended("x")))
	assert.True(t, IsServerError(New(CodeUpstreamRejected, "x")))
	assert.False(t, IsServerError(errors.New("plain")))
}

// ===========================================================================
// Constructor Tests
// ===========================================================================

func TestWrap_Nil(t *testing.T) {
	t.Parallel()
	assert.Nil(t, Wrap(nil, CodeInternal, "x"))
	assert.Nil(t, Wrapf(nil, CodeInternal, "x %d", 1))
}

func TestConstructors(t *testing.T) {
	t.Parallel()

	assert.Equal(t, CodeValidation, Validationf("field %q", "origin").Code)
	assert.Equal(t, `field "origin"`, Validationf("field %q", "origin").Message)
	assert.Equal(t, CodeAuthenticationSessionNotFound, SessionNotFound("x").Code)
	assert.Equal(t, CodeUnavailableRefreshContended, RefreshContended("x").Code)
	assert.Equal(t, CodeUnavailableUpstream, UpstreamUnavailable(errors.New("x"), "y").Code)
	assert.Equal(t, CodeInternal, Internalf("n=%d", 2).Code)
}

func TestFromError(t *testing.T) {
	t.Parallel()

	assert.Nil(t, FromError(nil))

	e := SessionNotFound("gone")
	assert.Same(t, e, FromError(fmt.Errorf("ctx: %w", e)))

	plain := errors.New("plain")
	converted := FromError(plain)
	assert.Equal(t, CodeInternal, converted.Code)
	assert.ErrorIs(t, converted, plain)
}
