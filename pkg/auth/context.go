package auth

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

type contextKey int

const (
	sessionRefKey contextKey = iota
	requestIDKey
)

// ContextWithSessionRef returns a new context carrying ref.
func ContextWithSessionRef(ctx context.Context, ref SessionRef) context.Context {
	return context.WithValue(ctx, sessionRefKey, ref)
}

// SessionRefFromContext returns the session reference stored by
// [SessionMiddleware].
func SessionRefFromContext(ctx context.Context) (SessionRef, bool) {
	ref, ok := ctx.Value(sessionRefKey).(SessionRef)
	return ref, ok && ref != ""
}

// MustSessionRefFromContext is like [SessionRefFromContext] but panics when
// no reference is present. Use it only behind [SessionMiddleware].
func MustSessionRefFromContext(ctx context.Context) SessionRef {
	ref, ok := SessionRefFromContext(ctx)
	if !ok {
		panic("auth: no session reference in context; ensure SessionMiddleware is configured")
	}
	return ref
}

// ContextWithRequestID returns a new context carrying the correlation id.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the correlation id, if any.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok && id != ""
}

// TraceIDFromContext extracts the OpenTelemetry trace ID from the context.
// Returns the trace ID as a hex string and true if a valid trace is active.
func TraceIDFromContext(ctx context.Context) (string, bool) {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.HasTraceID() {
		return "", false
	}
	return spanCtx.TraceID().String(), true
}
