package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/StricklySoft/nest-gateway/internal/testutil"
	"github.com/StricklySoft/nest-gateway/internal/testutil/fixtures"
	"github.com/StricklySoft/nest-gateway/pkg/auth"
	"github.com/StricklySoft/nest-gateway/pkg/credstore"
	"github.com/StricklySoft/nest-gateway/pkg/dpop"
	"github.com/StricklySoft/nest-gateway/pkg/enrich"
	sserr "github.com/StricklySoft/nest-gateway/pkg/errors"
	"github.com/StricklySoft/nest-gateway/pkg/forward"
	"github.com/StricklySoft/nest-gateway/pkg/lifecycle"
	"github.com/StricklySoft/nest-gateway/pkg/ratelimit"
	"github.com/StricklySoft/nest-gateway/pkg/refresh"
)

const (
	timelinePath = "/xrpc/app.bsky.feed.getTimeline"
	profilePath  = "/xrpc/app.bsky.actor.getProfile"
)

const timelineBody = `{"feed":[{"post":{"$type":"app.bsky.feed.defs#blockedPost","uri":"at://x"}}]}`

// ===========================================================================
// Harness
// ===========================================================================

// noExchange fails every refresh; records in these tests never expire.
type noExchange struct{ calls atomic.Int32 }

func (n *noExchange) Refresh(context.Context, *credstore.Record) (*oauth2.Token, error) {
	n.calls.Add(1)
	return nil, errors.New("unexpected refresh")
}

type harness struct {
	t       *testing.T
	store   *credstore.MemoryStore
	origin  *httptest.Server
	seen    atomic.Value // http.Header of the last origin request
	target  atomic.Value // escaped path of the last origin request
	server  *Server
	service *lifecycle.Service
}

func newHarness(t *testing.T, limit *ratelimit.Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{t: t, store: credstore.NewMemoryStore()}

	h.origin = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.seen.Store(r.Header.Clone())
		h.target.Store(r.URL.EscapedPath())
		w.Header().Set("Server", "pds/1.0")
		w.Header().Set("X-Request-Id", "origin-id")
		switch r.URL.Path {
		case timelinePath:
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, timelineBody)
		case profilePath:
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"handle":"nest.test"}`)
		default:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"InvalidRequest"}`)
		}
	}))
	t.Cleanup(h.origin.Close)

	require.NoError(t, h.store.Create(context.Background(), &credstore.Record{
		Ref:           fixtures.SessionRef,
		AccessToken:   fixtures.AccessToken,
		RefreshToken:  fixtures.RefreshToken,
		TokenType:     "DPoP",
		ExpiresAt:     time.Now().Add(time.Hour),
		Origin:        h.origin.URL,
		Issuer:        fixtures.Issuer,
		TokenEndpoint: h.origin.URL + "/token",
		KeyID:         fixtures.KeyID,
		Subject:       fixtures.Subject,
		Scope:         "atproto",
	}))

	engine, err := refresh.NewEngine(h.store, &noExchange{}, refresh.Config{ClientID: fixtures.ClientID})
	require.NoError(t, err)
	signer := testutil.NewSigner(t)
	fwd, err := forward.New(engine, signer, dpop.NewNonceCache(time.Minute),
		forward.Config{AllowInsecureLocalhost: true})
	require.NoError(t, err)
	enricher, err := enrich.New(enrich.Config{Enabled: true, Routes: []string{timelinePath}},
		enrich.WithClock(func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }))
	require.NoError(t, err)

	h.service, err = lifecycle.NewServiceBuilder("nest-gateway", "test").Build()
	require.NoError(t, err)

	deps := Deps{
		Store:     h.store,
		Forwarder: fwd,
		Service:   h.service,
		Enricher:  enricher,
		Keys:      signer.Keys(),
	}
	if limit != nil {
		deps.Limiter, err = ratelimit.NewMemoryLimiter(*limit, nil)
		require.NoError(t, err)
	}
	h.server, err = New(deps, Config{}, opts...)
	require.NoError(t, err)
	return h
}

func (h *harness) do(method, path, ref string, body io.Reader) *httptest.ResponseRecorder {
	h.t.Helper()
	req := httptest.NewRequest(method, path, body)
	if ref != "" {
		req.Header.Set(auth.HeaderAuthorization, "Bearer "+ref)
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e
}

// ===========================================================================
// Proxy
// ===========================================================================

func TestProxy_ForwardsWithSessionCredentials(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodGet, profilePath+"?actor=nest.test", fixtures.SessionRef, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"handle":"nest.test"}`, rec.Body.String())
	assert.Empty(t, rec.Header().Get("Server"), "origin infrastructure headers are dropped")
	assert.NotEqual(t, "origin-id", rec.Header().Get(auth.HeaderRequestID))
	assert.NotEmpty(t, rec.Header().Get(auth.HeaderRequestID))

	seen := h.seen.Load().(http.Header)
	assert.Equal(t, "DPoP "+fixtures.AccessToken, seen.Get("Authorization"),
		"the client's bearer session reference is replaced")
	assert.NotEmpty(t, seen.Get(dpop.HeaderDPoP))
}

func TestProxy_EnrichesEligibleRoute(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodGet, timelinePath, fixtures.SessionRef, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var doc struct {
		Feed []struct {
			Post map[string]any `json:"post"`
		} `json:"feed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Len(t, doc.Feed, 1)
	meta, ok := doc.Feed[0].Post[enrich.DefaultMetadataField].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, enrich.Marker, meta["marker"])
	assert.Equal(t, "app.bsky.feed.defs#blockedPost", meta["originalType"])
	assert.Equal(t, rec.Body.Len(), mustAtoi(t, rec.Header().Get("Content-Length")))
}

func TestProxy_OriginErrorPassesThrough(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodPost, "/xrpc/com.atproto.repo.createRecord", fixtures.SessionRef,
		strings.NewReader(`{}`))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"InvalidRequest"}`, rec.Body.String())
}

func TestProxy_RejectsPathsOutsideXRPC(t *testing.T) {
	h := newHarness(t, nil)

	for _, p := range []string{
		"/xrpc/../oauth/token",
		"/xrpc/%2e%2e/oauth/token",
		"/xrpc/./app.bsky.actor.getProfile",
		"/xrpc/app.bsky.actor.getProfile/",
	} {
		rec := h.do(http.MethodGet, p, fixtures.SessionRef, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, p)
		assert.Equal(t, "invalid_request", decodeError(t, rec).Error, p)
	}
	assert.Nil(t, h.seen.Load(), "nothing reaches the origin")
}

func TestProxy_KeepsEncodedSlash(t *testing.T) {
	h := newHarness(t, nil)

	h.do(http.MethodGet, "/xrpc/com.example.get/a%2Fb", fixtures.SessionRef, nil)

	assert.Equal(t, "/xrpc/com.example.get/a%2Fb", h.target.Load())
}

func TestProxy_MissingSession(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodGet, profilePath, "", nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	e := decodeError(t, rec)
	assert.Equal(t, "missing_session", e.Error)
	assert.Equal(t, string(sserr.CodeAuthenticationMissing), e.Code)
}

func TestProxy_UnknownSession(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodGet, profilePath, fixtures.AltSessionRef, nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "session_not_found", decodeError(t, rec).Error)
}

func TestProxy_RateLimited(t *testing.T) {
	h := newHarness(t, &ratelimit.Config{Requests: 2, Window: time.Minute})

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, h.do(http.MethodGet, profilePath, fixtures.SessionRef, nil).Code)
	}
	rec := h.do(http.MethodGet, profilePath, fixtures.SessionRef, nil)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decodeError(t, rec).Error)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

// ===========================================================================
// Auth routes
// ===========================================================================

func TestLogout_DeletesRecord(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodPost, "/auth/logout", fixtures.SessionRef, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, err := h.store.Get(context.Background(), fixtures.SessionRef)
	testutil.AssertErrorCode(t, err, sserr.CodeAuthenticationSessionNotFound)

	rec = h.do(http.MethodGet, profilePath, fixtures.SessionRef, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Equal(t, http.StatusNoContent, h.do(http.MethodPost, "/auth/logout", fixtures.SessionRef, nil).Code,
		"logging out twice is not an error")
}

func TestSession_NeverReturnsTokens(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodGet, "/auth/session", fixtures.SessionRef, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var info SessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, fixtures.Subject, info.Subject)
	assert.Equal(t, h.origin.URL, info.Origin)
	assert.NotContains(t, rec.Body.String(), fixtures.AccessToken)
	assert.NotContains(t, rec.Body.String(), fixtures.RefreshToken)
	testutil.AssertJSONNotContains(t, info, fixtures.AccessToken)
}

// ===========================================================================
// Operational routes
// ===========================================================================

func TestHealthAndReadiness(t *testing.T) {
	h := newHarness(t, nil)

	assert.Equal(t, http.StatusServiceUnavailable, h.do(http.MethodGet, "/ready", "", nil).Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/live", "", nil).Code)

	var health HealthResponse
	rec := h.do(http.MethodGet, "/health", "", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "degraded", health.Status)

	require.NoError(t, h.service.Start(context.Background()))
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/ready", "", nil).Code)
	rec = h.do(http.MethodGet, "/health", "", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "running", health.State)
}

func TestJWKS(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodGet, "/.well-known/jwks.json", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var set dpop.JWKSet
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &set))
	assert.Len(t, set.Keys, 2)
	assert.NotContains(t, rec.Body.String(), `"d"`)
}

func TestUnknownRoute(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Error)
}

// ===========================================================================
// Errors
// ===========================================================================

func TestErrorWriter(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		wantStatus     int
		wantKind       string
		wantMsg        string
		wantRetryAfter string
	}{
		{"contended", sserr.RefreshContended("refresh: lock busy"), http.StatusServiceUnavailable, "refresh_contended", "refresh: lock busy", "1"},
		{"nonce", sserr.New(sserr.CodeUpstreamNonceRejected, "nonce"), http.StatusBadGateway, "upstream_rejected", "nonce", ""},
		{"token endpoint rejection", sserr.New(sserr.CodeUpstreamRejected, "rejected").WithDetail("token_endpoint_status", http.StatusForbidden), http.StatusBadGateway, "upstream_rejected", "rejected", ""},
		{"timeout", sserr.New(sserr.CodeTimeoutUpstream, "slow"), http.StatusGatewayTimeout, "upstream_unavailable", "slow", "1"},
		{"session gone", sserr.SessionNotFound("gone"), http.StatusUnauthorized, "session_not_found", "gone", ""},
		{"too large", sserr.New(sserr.CodeValidationBodyTooLarge, "big"), http.StatusRequestEntityTooLarge, "body_too_large", "big", ""},
		{"plain error", errors.New("pq: password authentication failed"), http.StatusInternalServerError, "internal_error", "internal error", ""},
		{"store", sserr.Wrap(errors.New("dial tcp 10.0.0.5:6379"), sserr.CodeInternalStore, "credstore: get failed"), http.StatusInternalServerError, "internal_error", "internal error", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs strings.Builder
			write := errorWriter(slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})))
			rec := httptest.NewRecorder()
			write(rec, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, tt.wantRetryAfter, rec.Header().Get("Retry-After"))
			e := decodeError(t, rec)
			assert.Equal(t, tt.wantKind, e.Error)
			assert.Equal(t, tt.wantMsg, e.Message)
			assert.NotContains(t, rec.Body.String(), "10.0.0.5")
			assert.NotContains(t, rec.Body.String(), "password")
			assert.Contains(t, logs.String(), "gateway: request failed")
		})
	}
}

func TestErrorWriter_KeepsHandlerRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.Header().Set("Retry-After", "42")
	errorWriter(slog.New(slog.DiscardHandler))(rec, httptest.NewRequest(http.MethodGet, "/", nil),
		sserr.New(sserr.CodeRateLimited, "slow down"))

	assert.Equal(t, "42", rec.Header().Get("Retry-After"))
}

func TestServer_LogsErrorsThroughItsLogger(t *testing.T) {
	var logs strings.Builder
	h := newHarness(t, nil, WithLogger(slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))))

	rec := h.do(http.MethodGet, "/nope", "", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, logs.String(), "gateway: request failed")
	assert.Contains(t, logs.String(), string(sserr.CodeNotFound))
}

// ===========================================================================
// Server lifecycle and config
// ===========================================================================

func TestServe_ShutsDownOnCancel(t *testing.T) {
	h := newHarness(t, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.server.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/live")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Deps{}, Config{})
	testutil.AssertErrorCode(t, err, sserr.CodeInternalConfiguration)

	cfg := Config{Addr: "no-port"}
	assert.Error(t, cfg.Validate())

	cfg = Config{}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultAddr, cfg.Addr)
	assert.Equal(t, auth.DefaultSessionCookie, cfg.SessionCookie)
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	var n int
	for _, c := range s {
		require.True(t, c >= '0' && c <= '9', "not a number: %q", s)
		n = n*10 + int(c-'0')
	}
	return n
}
