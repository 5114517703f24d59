package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/StricklySoft/nest-gateway/pkg/auth"
	sserr "github.com/StricklySoft/nest-gateway/pkg/errors"
	"github.com/StricklySoft/nest-gateway/pkg/forward"
)

// xrpcPrefix is the only path space forwarded to origins.
const xrpcPrefix = "/xrpc/"

// proxy forwards /xrpc requests and streams the origin's answer back.
func (s *Server) proxy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ref := auth.MustSessionRefFromContext(ctx)

	p := r.URL.Path
	if !strings.HasPrefix(p, xrpcPrefix) || path.Clean(p) != p {
		s.writeError(w, r, sserr.Validationf("gateway: path %q is not a clean /xrpc/ path", p))
		return
	}

	resp, err := s.deps.Forwarder.Forward(ctx, &forward.Request{
		Ref:      ref,
		Method:   r.Method,
		Path:     p,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
		Header:   r.Header,
		Body:     r.Body,
	})
	if err != nil {
		if sserr.IsSessionNotFound(err) {
			s.logger.InfoContext(ctx, "gateway: session is gone, client must sign in again", "session", ref)
		}
		s.writeError(w, r, err)
		return
	}
	defer resp.Body.Close()

	if s.deps.Enricher != nil {
		res := s.deps.Enricher.Apply(ctx, r.URL.Path, resp)
		if res.Annotated > 0 {
			s.logger.DebugContext(ctx, "gateway: response enriched",
				"session", ref, "path", r.URL.Path, "annotated", res.Annotated)
		}
	}

	dst := w.Header()
	for k, v := range resp.Header {
		if k == auth.HeaderRequestID {
			continue
		}
		dst[k] = v
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.logger.DebugContext(ctx, "gateway: response copy interrupted",
			"session", ref, "path", r.URL.Path, "error", err)
	}
}

// logout deletes the session's credential record. Revoking the tokens at
// the origin is left to the origin's own session management.
func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ref := auth.MustSessionRefFromContext(ctx)
	if err := s.deps.Store.Delete(ctx, ref); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.InfoContext(ctx, "gateway: session logged out", "session", ref)
	w.WriteHeader(http.StatusNoContent)
}

// SessionInfo describes a session without any credential material.
type SessionInfo struct {
	Subject   string    `json:"sub,omitempty"`
	Origin    string    `json:"origin"`
	Scope     string    `json:"scope,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
	KeyID     string    `json:"kid,omitempty"`
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rec, err := s.deps.Store.Get(ctx, auth.MustSessionRefFromContext(ctx))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionInfo{
		Subject:   rec.Subject,
		Origin:    rec.Origin,
		Scope:     rec.Scope,
		ExpiresAt: rec.ExpiresAt.UTC(),
		KeyID:     rec.KeyID,
	})
}

func (s *Server) jwks(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(s.deps.Keys.JWKS())
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	State   string `json:"state"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	info := s.deps.Service.Info()
	resp := HealthResponse{Status: "healthy", Version: info.Version, State: info.State.String()}
	if err := s.deps.Service.Health(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Error = sserr.FromError(err).Message
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Service.Health(r.Context()); err != nil {
		s.logger.WarnContext(r.Context(), "gateway: not ready", "error", err)
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	_, _ = io.WriteString(w, "ready")
}

func (s *Server) live(w http.ResponseWriter, _ *http.Request) {
	_, _ = io.WriteString(w, "alive")
}
