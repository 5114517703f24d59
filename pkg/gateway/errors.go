package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"

	sserr "github.com/StricklySoft/nest-gateway/pkg/errors"
)

// ErrorResponse is the body of every error the gateway itself produces.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorKinds names the codes clients are expected to branch on.
var errorKinds = map[sserr.Code]string{
	sserr.CodeAuthenticationMissing:         "missing_session",
	sserr.CodeAuthenticationSessionNotFound: "session_not_found",
	sserr.CodeValidationOrigin:              "origin_not_allowed",
	sserr.CodeValidationBodyTooLarge:        "body_too_large",
	sserr.CodeRateLimited:                   "rate_limited",
	sserr.CodeUnavailableRefreshContended:   "refresh_contended",
	sserr.CodeUnavailableUpstream:           "upstream_unavailable",
	sserr.CodeTimeoutUpstream:               "upstream_unavailable",
	sserr.CodeUpstreamRejected:              "upstream_rejected",
	sserr.CodeUpstreamNonceRejected:         "upstream_rejected",
	sserr.CodeUpstreamMalformed:             "upstream_rejected",
}

var categoryKinds = map[string]string{
	"VAL":      "invalid_request",
	"AUTH":     "unauthenticated",
	"NF":       "not_found",
	"CONF":     "conflict",
	"LIMIT":    "rate_limited",
	"INT":      "internal_error",
	"UPSTREAM": "upstream_rejected",
	"UNAVAIL":  "unavailable",
	"TIMEOUT":  "timeout",
}

func errorKind(code sserr.Code) string {
	if kind, ok := errorKinds[code]; ok {
		return kind
	}
	if kind, ok := categoryKinds[code.Category()]; ok {
		return kind
	}
	return "internal_error"
}

// defaultRetryAfter is the Retry-After hint, in seconds, for retryable
// errors whose handler did not set one.
const defaultRetryAfter = "1"

// errorWriter returns a function that renders err as an [ErrorResponse] and
// logs it through logger. The cause chain is logged but never sent to the
// client.
func errorWriter(logger *slog.Logger) func(http.ResponseWriter, *http.Request, error) {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		e := sserr.FromError(err)
		status := e.HTTPStatus()

		level := slog.LevelDebug
		if sserr.IsServerError(e) {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "gateway: request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"code", e.Code,
			"error", err,
		)

		if sserr.IsRetryable(e) && w.Header().Get("Retry-After") == "" {
			w.Header().Set("Retry-After", defaultRetryAfter)
		}
		message := e.Message
		if sserr.IsInternal(e) {
			message = "internal error"
		}
		writeJSON(w, status, ErrorResponse{
			Error:   errorKind(e.Code),
			Code:    string(e.Code),
			Message: message,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
