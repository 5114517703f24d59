// Package gateway is the HTTP edge of the credential gateway. It identifies
// the client's session, applies the per-session rate limit, forwards
// requests under /xrpc to the session's origin and enriches eligible
// responses on the way back.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/StricklySoft/nest-gateway/pkg/auth"
	"github.com/StricklySoft/nest-gateway/pkg/credstore"
	"github.com/StricklySoft/nest-gateway/pkg/dpop"
	"github.com/StricklySoft/nest-gateway/pkg/enrich"
	sserr "github.com/StricklySoft/nest-gateway/pkg/errors"
	"github.com/StricklySoft/nest-gateway/pkg/forward"
	"github.com/StricklySoft/nest-gateway/pkg/lifecycle"
	"github.com/StricklySoft/nest-gateway/pkg/ratelimit"
)

// Defaults applied by [Config.Validate] to zero-valued fields.
const (
	DefaultAddr              = ":8080"
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultIdleTimeout       = 120 * time.Second
	DefaultShutdownTimeout   = 30 * time.Second
)

// Config holds the listener settings. Env tags are relative; the gateway
// nests this struct under SERVER.
type Config struct {
	Addr          string `json:"addr" yaml:"addr" env:"ADDR" envDefault:":8080"`
	SessionCookie string `json:"session_cookie" yaml:"session_cookie" env:"SESSION_COOKIE" envDefault:"nest_session"`

	ReadHeaderTimeout time.Duration `json:"read_header_timeout" yaml:"read_header_timeout" env:"READ_HEADER_TIMEOUT" envDefault:"10s"`
	IdleTimeout       time.Duration `json:"idle_timeout" yaml:"idle_timeout" env:"IDLE_TIMEOUT" envDefault:"120s"`
	// ShutdownTimeout bounds the drain of in-flight requests on stop.
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Validate applies defaults to zero-valued fields and reports the first
// invalid value.
func (c *Config) Validate() error {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.SessionCookie == "" {
		c.SessionCookie = auth.DefaultSessionCookie
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		return fmt.Errorf("gateway: config addr %q: %w", c.Addr, err)
	}
	if c.ReadHeaderTimeout < 0 || c.IdleTimeout < 0 || c.ShutdownTimeout < 0 {
		return fmt.Errorf("gateway: config timeouts must not be negative")
	}
	return nil
}

// Forwarder sends a request to its session's origin.
type Forwarder interface {
	Forward(ctx context.Context, req *forward.Request) (*http.Response, error)
}

var _ Forwarder = (*forward.Forwarder)(nil)

// Deps are the components the gateway serves. Enricher, Limiter and Keys
// are optional.
type Deps struct {
	Store     credstore.Store
	Forwarder Forwarder
	Service   *lifecycle.Service
	Enricher  *enrich.Interceptor
	Limiter   ratelimit.Limiter
	Keys      *dpop.KeySet
}

// Server is the gateway's HTTP server.
type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	router chi.Router
	srv    *http.Server

	writeError func(http.ResponseWriter, *http.Request, error)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New builds the server and its routes.
//
// Error codes returned:
//   - [sserr.CodeInternalConfiguration]: invalid config or missing dependency
func New(deps Deps, cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "gateway: invalid configuration")
	}
	if deps.Store == nil || deps.Forwarder == nil || deps.Service == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration,
			"gateway: store, forwarder and service are required")
	}
	s := &Server{cfg: cfg, deps: deps, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.writeError = errorWriter(s.logger)
	s.router = s.routes()
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           otelhttp.NewHandler(s.router, "gateway"),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	return s, nil
}

// Handler returns the routed handler without the listener.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(auth.RequestIDMiddleware)
	r.Use(securityHeaders)

	r.Get("/health", s.health)
	r.Get("/ready", s.ready)
	r.Get("/live", s.live)

	if s.deps.Keys != nil {
		r.Get("/.well-known/jwks.json", s.jwks)
	}

	session := auth.SessionMiddleware(s.cfg.SessionCookie, s.writeError)
	r.Route("/auth", func(r chi.Router) {
		r.Use(session)
		r.Post("/logout", s.logout)
		r.Get("/session", s.session)
	})

	r.Route("/xrpc", func(r chi.Router) {
		r.Use(session)
		if s.deps.Limiter != nil {
			r.Use(ratelimit.Middleware(s.deps.Limiter, sessionKey, s.logger, s.writeError))
		}
		r.Get("/*", s.proxy)
		r.Post("/*", s.proxy)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, sserr.New(sserr.CodeNotFound, "no such route"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, sserr.New(sserr.CodeValidation, "method not allowed"))
	})
	return r
}

func sessionKey(r *http.Request) (string, bool) {
	ref, ok := auth.SessionRefFromContext(r.Context())
	if !ok {
		return "", false
	}
	// Fingerprint keeps the raw reference out of the limiter's keyspace.
	return ref.Fingerprint(), true
}

// Run listens until ctx is done, then drains in-flight requests within
// Config.ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration, "gateway: cannot listen on %s", s.cfg.Addr)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.InfoContext(ctx, "gateway: listening", "addr", ln.Addr().String())
		errc <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	s.logger.InfoContext(shutdownCtx, "gateway: shutting down")
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return sserr.Wrap(err, sserr.CodeTimeout, "gateway: shutdown did not complete")
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}
