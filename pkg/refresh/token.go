package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/StricklySoft/nest-gateway/pkg/credstore"
	"github.com/StricklySoft/nest-gateway/pkg/dpop"
	sserr "github.com/StricklySoft/nest-gateway/pkg/errors"
)

const tracerName = "github.com/StricklySoft/nest-gateway/pkg/refresh"

const (
	// errInvalidGrant is the OAuth error for a revoked or consumed refresh
	// token.
	errInvalidGrant = "invalid_grant"

	// errUseDPoPNonce asks the client to retry with the DPoP-Nonce it was
	// just given.
	errUseDPoPNonce = "use_dpop_nonce"

	// DefaultAccessTokenLifetime is assumed when a token response omits
	// expires_in.
	DefaultAccessTokenLifetime = 5 * time.Minute

	// maxTokenResponseBytes caps how much of a token response is read.
	maxTokenResponseBytes = 1 << 20
)

// Exchanger performs the refresh_token grant for a record.
type Exchanger interface {
	Refresh(ctx context.Context, rec *credstore.Record) (*oauth2.Token, error)
}

// TokenClient performs refresh exchanges at origin token endpoints, as a
// confidential client using private_key_jwt and DPoP.
type TokenClient struct {
	httpClient *http.Client
	signer     *dpop.Signer
	nonces     *dpop.NonceCache
	clientID   string
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// NewTokenClient returns a client identified as clientID. nonces is shared
// with the forwarder so a nonce learned on one path serves the other.
func NewTokenClient(httpClient *http.Client, signer *dpop.Signer, nonces *dpop.NonceCache, clientID string, logger *slog.Logger) *TokenClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenClient{
		httpClient: httpClient,
		signer:     signer,
		nonces:     nonces,
		clientID:   clientID,
		logger:     logger,
		tracer:     otel.Tracer(tracerName),
		now:        time.Now,
	}
}

// tokenResponse is the token endpoint's success body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	Sub          string `json:"sub"`
}

// errorResponse is an RFC 6749 section 5.2 error body.
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorURI         string `json:"error_uri"`
}

// Refresh exchanges rec's refresh token. The returned token carries "scope"
// and "sub" extras when the origin sent them.
//
// Error codes returned:
//   - [sserr.CodeUpstreamRejected]: the origin refused the grant; an
//     [*oauth2.RetrieveError] is in the chain (see [IsInvalidGrant])
//   - [sserr.CodeUpstreamNonceRejected]: nonce demanded twice
//   - [sserr.CodeUpstreamMalformed]: undecodable or inconsistent response
//   - [sserr.CodeUnavailableUpstream], [sserr.CodeTimeoutUpstream]: transport
func (c *TokenClient) Refresh(ctx context.Context, rec *credstore.Record) (*oauth2.Token, error) {
	ctx, span := c.tracer.Start(ctx, "refresh.TokenExchange", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("gateway.token_endpoint", rec.TokenEndpoint),
		attribute.String("gateway.session", rec.Ref.Fingerprint()),
	)
	tok, err := c.exchange(ctx, rec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
	return tok, err
}

func (c *TokenClient) exchange(ctx context.Context, rec *credstore.Record) (*oauth2.Token, error) {
	audience := rec.Issuer
	if audience == "" {
		audience = dpop.OriginOf(rec.TokenEndpoint)
	}

	for attempt := 0; ; attempt++ {
		nonce := c.nonces.Get(rec.TokenEndpoint)
		resp, body, err := c.post(ctx, rec, audience, nonce)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode == http.StatusOK {
			return c.decodeToken(rec, body)
		}

		rerr := retrieveError(resp, body)
		if resp.StatusCode == http.StatusBadRequest && rerr.ErrorCode == errUseDPoPNonce {
			fresh := resp.Header.Get(dpop.HeaderNonce)
			if attempt == 0 && fresh != "" && fresh != nonce {
				c.logger.DebugContext(ctx, "refresh: token endpoint demanded nonce, retrying",
					"endpoint", rec.TokenEndpoint)
				continue
			}
			return nil, sserr.Wrap(rerr, sserr.CodeUpstreamNonceRejected,
				"refresh: token endpoint rejected the DPoP nonce twice")
		}
		if resp.StatusCode >= 500 {
			return nil, sserr.Wrap(rerr, sserr.CodeUnavailableUpstream,
				fmt.Sprintf("refresh: token endpoint answered %d", resp.StatusCode))
		}
		// Token endpoint statuses describe the gateway's client, not the
		// caller, so they are not passed through.
		return nil, sserr.Wrap(rerr, sserr.CodeUpstreamRejected, "refresh: token endpoint rejected the grant").
			WithDetails(map[string]any{"token_endpoint_status": resp.StatusCode, "oauth_error": rerr.ErrorCode})
	}
}

func (c *TokenClient) post(ctx context.Context, rec *credstore.Record, audience, nonce string) (*http.Response, []byte, error) {
	assertion, err := c.signer.ClientAssertion(c.clientID, audience)
	if err != nil {
		return nil, nil, err
	}
	proof, err := c.signer.Sign(dpop.ProofRequest{
		KeyID:  rec.KeyID,
		Method: http.MethodPost,
		URL:    rec.TokenEndpoint,
		Nonce:  nonce,
	})
	if err != nil {
		return nil, nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", rec.RefreshToken.Value())
	form.Set("client_id", c.clientID)
	form.Set("client_assertion_type", dpop.ClientAssertionType)
	form.Set("client_assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rec.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, nil, sserr.Wrap(err, sserr.CodeValidation, "refresh: invalid token endpoint")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(dpop.HeaderDPoP, proof)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, transportError(err, "refresh: token endpoint unreachable")
	}
	defer resp.Body.Close()
	c.nonces.Put(rec.TokenEndpoint, resp.Header.Get(dpop.HeaderNonce))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		return nil, nil, transportError(err, "refresh: failed to read token response")
	}
	return resp, body, nil
}

func (c *TokenClient) decodeToken(rec *credstore.Record, body []byte) (*oauth2.Token, error) {
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeUpstreamMalformed, "refresh: token response is not JSON")
	}
	if tr.AccessToken == "" {
		return nil, sserr.New(sserr.CodeUpstreamMalformed, "refresh: token response has no access_token")
	}
	if tr.TokenType != "" && !strings.EqualFold(tr.TokenType, "DPoP") {
		return nil, sserr.Newf(sserr.CodeUpstreamMalformed, "refresh: token type %q is not DPoP", tr.TokenType)
	}
	if tr.Sub != "" && rec.Subject != "" && tr.Sub != rec.Subject {
		return nil, sserr.New(sserr.CodeUpstreamMalformed, "refresh: token response is for a different subject")
	}

	lifetime := time.Duration(tr.ExpiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = DefaultAccessTokenLifetime
	}
	tok := &oauth2.Token{
		AccessToken:  tr.AccessToken,
		TokenType:    "DPoP",
		RefreshToken: tr.RefreshToken,
		Expiry:       c.now().Add(lifetime),
		ExpiresIn:    tr.ExpiresIn,
	}
	return tok.WithExtra(map[string]any{"scope": tr.Scope, "sub": tr.Sub}), nil
}

func retrieveError(resp *http.Response, body []byte) *oauth2.RetrieveError {
	var er errorResponse
	_ = json.Unmarshal(body, &er)
	return &oauth2.RetrieveError{
		Response:         resp,
		Body:             body,
		ErrorCode:        er.Error,
		ErrorDescription: er.ErrorDescription,
		ErrorURI:         er.ErrorURI,
	}
}

// IsInvalidGrant reports whether err carries an invalid_grant rejection.
func IsInvalidGrant(err error) bool {
	var rerr *oauth2.RetrieveError
	return errors.As(err, &rerr) && rerr.ErrorCode == errInvalidGrant
}

// transportError classifies a failed round trip.
func transportError(err error, message string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return sserr.Wrap(err, sserr.CodeTimeoutUpstream, message)
	}
	return sserr.UpstreamUnavailable(err, message)
}
