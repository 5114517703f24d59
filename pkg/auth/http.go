package auth

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// ErrorWriter renders an authentication failure. The gateway passes its
// JSON error renderer; nil falls back to [http.Error].
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// SessionMiddleware returns an HTTP middleware that extracts the session
// reference (bearer header first, then cookieName) and stores it in the
// request context. Requests without a valid reference are rejected with
// 401 through onError.
//
// Example:
//
//	r := chi.NewRouter()
//	r.With(auth.SessionMiddleware(auth.DefaultSessionCookie, writeError)).
//	    Handle("/xrpc/*", proxy)
func SessionMiddleware(cookieName string, onError ErrorWriter) func(http.Handler) http.Handler {
	if onError == nil {
		onError = func(w http.ResponseWriter, _ *http.Request, err error) {
			http.Error(w, "missing or invalid session", http.StatusUnauthorized)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ref, err := SessionRefFromRequest(r, cookieName)
			if err != nil {
				slog.DebugContext(r.Context(), "auth: rejected request without session",
					"path", r.URL.Path,
					"error", err,
				)
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithSessionRef(r.Context(), ref)))
		})
	}
}

// RequestIDMiddleware accepts a well-formed inbound X-Request-Id or mints a
// new UUID, stores it in the context and echoes it on the response.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if !validRequestID(id) {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(ContextWithRequestID(r.Context(), id)))
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for i := 0; i < len(id); i++ {
		if c := id[i]; c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}
