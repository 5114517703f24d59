// Package forward sends a client's request to its session's origin with the
// session's access token and a fresh DPoP proof attached. One configured
// XRPC namespace can instead go to a fixed service with a service-auth
// token signed by the gateway.
//
// Client identity and credential headers never cross the gateway, and the
// origin's infrastructure headers never come back. Request bodies are held
// in memory (bounded by Config.MaxRequestBody) so that a nonce challenge
// can be answered by replaying the request once; response bodies stream.
package forward

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/StricklySoft/nest-gateway/pkg/auth"
	"github.com/StricklySoft/nest-gateway/pkg/credstore"
	"github.com/StricklySoft/nest-gateway/pkg/dpop"
	sserr "github.com/StricklySoft/nest-gateway/pkg/errors"
)

const tracerName = "github.com/StricklySoft/nest-gateway/pkg/forward"

// maxDrainBytes bounds how much of a discarded challenge body is read so
// the connection can be reused.
const maxDrainBytes = 64 << 10

// Routes reported in spans and logs.
const (
	routeOrigin  = "origin"
	routeService = "service"
)

// Resolver yields a ready credential record for a session.
type Resolver interface {
	EnsureReady(ctx context.Context, ref auth.SessionRef) (*credstore.Record, error)
}

// Request is one inbound request to forward.
type Request struct {
	Ref    auth.SessionRef
	Method string
	// Path is the decoded origin path. It must be absolute and clean.
	Path string
	// RawPath is the client's encoding of Path, as in url.URL. It keeps
	// escaped separators such as %2F intact on the way to the origin.
	RawPath  string
	RawQuery string
	Header   http.Header
	Body     io.Reader
}

// Forwarder forwards requests to session origins.
type Forwarder struct {
	resolver Resolver
	service  *url.URL
	signer   *dpop.Signer
	nonces   *dpop.NonceCache
	client   *http.Client
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithHTTPClient replaces the client built from Config.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Forwarder) {
		if c != nil {
			f.client = c
		}
	}
}

// WithLogger sets the forwarder's logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Forwarder) {
		if l != nil {
			f.logger = l
		}
	}
}

// New returns a forwarder. nonces should be the cache shared with the
// token client.
func New(resolver Resolver, signer *dpop.Signer, nonces *dpop.NonceCache, cfg Config, opts ...Option) (*Forwarder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "forward: invalid configuration")
	}
	f := &Forwarder{
		resolver: resolver,
		signer:   signer,
		nonces:   nonces,
		cfg:      cfg,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = NewHTTPClient(cfg)
	}
	if cfg.Service.Enabled() {
		service, err := ValidateOrigin(cfg.Service.URL, cfg.AllowInsecureLocalhost)
		if err != nil {
			return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "forward: invalid service url")
		}
		f.service = service
	}
	return f, nil
}

// Forward resolves req's session, signs and sends the request, and returns
// the origin's response with its headers filtered. The caller must close
// the response body. Origin error statuses are returned as responses, not
// errors. Paths under the configured service route prefix go to the service
// with a service-auth token for the session's subject instead.
//
// Error codes returned:
//   - [sserr.CodeAuthenticationSessionNotFound], [sserr.CodeUnavailableRefreshContended]
//     and other codes from the resolver
//   - [sserr.CodeValidation], [sserr.CodeValidationOrigin],
//     [sserr.CodeValidationBodyTooLarge]: refused before any outbound call
//   - [sserr.CodeUpstreamNonceRejected]: a nonce challenge survived the retry
//   - [sserr.CodeUnavailableUpstream], [sserr.CodeTimeoutUpstream]: transport
func (f *Forwarder) Forward(ctx context.Context, req *Request) (*http.Response, error) {
	if !strings.HasPrefix(req.Path, "/") || strings.HasPrefix(req.Path, "//") {
		return nil, sserr.Validationf("forward: path %q must be absolute", req.Path)
	}
	if path.Clean(req.Path) != req.Path {
		return nil, sserr.Validationf("forward: path %q is not clean", req.Path)
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	rec, err := f.resolver.EnsureReady(ctx, req.Ref)
	if err != nil {
		return nil, err
	}
	route, origin := routeService, f.service
	if origin == nil || !f.cfg.Service.Matches(req.Path) {
		route = routeOrigin
		origin, err = ValidateOrigin(rec.Origin, f.cfg.AllowInsecureLocalhost)
		if err != nil {
			f.logger.WarnContext(ctx, "forward: refused destination origin", "session", req.Ref, "error", err)
			return nil, err
		}
	}
	body, err := readBody(req.Body, int64(f.cfg.MaxRequestBody))
	if err != nil {
		return nil, err
	}

	target := *origin
	target.Path = req.Path
	target.RawPath = req.RawPath
	target.RawQuery = req.RawQuery
	targetURL := target.String()

	ctx, span := f.tracer.Start(ctx, "forward.Forward", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("http.request.method", method),
		attribute.String("url.path", req.Path),
		attribute.String("gateway.origin", origin.String()),
		attribute.String("gateway.route", route),
		attribute.String("gateway.session", req.Ref.Fingerprint()),
	)
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)

	start := time.Now()
	var (
		resp     *http.Response
		attempts = 1
	)
	if route == routeService {
		resp, err = f.sendService(ctx, rec, method, targetURL, strings.TrimPrefix(req.Path, "/xrpc/"), req.Header, body)
	} else {
		resp, attempts, err = f.send(ctx, rec, method, targetURL, req.Header, body)
	}
	span.SetAttributes(attribute.Int("gateway.attempts", attempts))
	if err != nil {
		cancel()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		f.logger.WarnContext(ctx, "forward: request failed",
			"session", req.Ref, "method", method, "path", req.Path, "route", route, "error", err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode >= 500 {
		span.SetStatus(codes.Error, resp.Status)
	}
	f.logger.InfoContext(ctx, "forward: request forwarded",
		"session", req.Ref,
		"method", method,
		"path", req.Path,
		"origin", origin.Host,
		"route", route,
		"status", resp.StatusCode,
		"attempts", attempts,
		"duration", time.Since(start),
	)

	resp.Header = inboundHeader(resp.Header)
	resp.Body = &finishOnClose{ReadCloser: resp.Body, cancel: cancel, span: span}
	return resp, nil
}

// send performs the exchange, retrying once when the origin answers with a
// fresh nonce challenge.
func (f *Forwarder) send(ctx context.Context, rec *credstore.Record, method, targetURL string, header http.Header, body []byte) (*http.Response, int, error) {
	for attempt := 1; ; attempt++ {
		nonce := f.nonces.Get(targetURL)
		out, err := f.build(ctx, rec, method, targetURL, header, body, nonce)
		if err != nil {
			return nil, attempt, err
		}

		resp, err := f.client.Do(out)
		if err != nil {
			return nil, attempt, transportError(err)
		}
		fresh := resp.Header.Get(dpop.HeaderNonce)
		f.nonces.Put(targetURL, fresh)

		if !isNonceChallenge(resp) {
			return resp, attempt, nil
		}
		drain(resp.Body)
		if attempt == 1 && fresh != "" && fresh != nonce {
			f.logger.DebugContext(ctx, "forward: origin demanded nonce, retrying", "session", rec.Ref)
			continue
		}
		return nil, attempt, sserr.New(sserr.CodeUpstreamNonceRejected,
			"forward: origin rejected the DPoP nonce after retry").
			WithDetail("origin_status", resp.StatusCode)
	}
}

func (f *Forwarder) build(ctx context.Context, rec *credstore.Record, method, targetURL string, header http.Header, body []byte, nonce string) (*http.Request, error) {
	proof, err := f.signer.Sign(dpop.ProofRequest{
		KeyID:       rec.KeyID,
		Method:      method,
		URL:         targetURL,
		Nonce:       nonce,
		AccessToken: rec.AccessToken,
	})
	if err != nil {
		return nil, err
	}
	out, err := newOutbound(ctx, method, targetURL, header, body)
	if err != nil {
		return nil, err
	}
	out.Header.Set("Authorization", "DPoP "+rec.AccessToken.Value())
	out.Header.Set(dpop.HeaderDPoP, proof)
	return out, nil
}

// sendService calls the direct service route once. The service trusts the
// gateway's signature rather than the session's tokens, so there is no
// proof and no nonce exchange.
func (f *Forwarder) sendService(ctx context.Context, rec *credstore.Record, method, targetURL, nsid string, header http.Header, body []byte) (*http.Response, error) {
	token, err := f.signer.ServiceAuth(dpop.ServiceAuthRequest{
		Issuer:   f.cfg.Service.GatewayDID,
		Subject:  rec.Subject,
		Audience: f.cfg.Service.DID,
		Method:   nsid,
		Lifetime: f.cfg.Service.TokenLifetime,
	})
	if err != nil {
		return nil, err
	}
	out, err := newOutbound(ctx, method, targetURL, header, body)
	if err != nil {
		return nil, err
	}
	out.Header.Set("Authorization", "Bearer "+token)
	resp, err := f.client.Do(out)
	if err != nil {
		return nil, transportError(err)
	}
	return resp, nil
}

func newOutbound(ctx context.Context, method, targetURL string, header http.Header, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	out, err := http.NewRequestWithContext(ctx, method, targetURL, reader)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeValidation, "forward: invalid outbound request")
	}
	out.Header = outboundHeader(header)
	if id, ok := auth.RequestIDFromContext(ctx); ok {
		out.Header.Set(auth.HeaderRequestID, id)
	}
	return out, nil
}

// readBody buffers at most limit bytes of r.
func readBody(r io.Reader, limit int64) ([]byte, error) {
	if r == nil || r == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeValidation, "forward: failed to read request body")
	}
	if int64(len(data)) > limit {
		return nil, sserr.Newf(sserr.CodeValidationBodyTooLarge,
			"forward: request body exceeds %d bytes", limit)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxDrainBytes))
	_ = body.Close()
}

func transportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return sserr.Wrap(err, sserr.CodeTimeoutUpstream, "forward: origin timed out")
	}
	return sserr.UpstreamUnavailable(err, "forward: origin unreachable")
}

// finishOnClose ends the forwarding deadline and span once the caller is
// done with the body.
type finishOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
	span   trace.Span
	closed bool
}

func (b *finishOnClose) Close() error {
	err := b.ReadCloser.Close()
	if !b.closed {
		b.closed = true
		b.cancel()
		b.span.End()
	}
	return err
}
