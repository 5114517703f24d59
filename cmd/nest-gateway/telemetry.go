package main

import (
	"context"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/StricklySoft/nest-gateway/pkg/auth"
)

// newLogger returns a JSON logger whose records carry the request and trace
// ids found in the logging context.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(correlationHandler{slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})})
}

type correlationHandler struct{ slog.Handler }

func (h correlationHandler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := auth.RequestIDFromContext(ctx); ok {
		r.AddAttrs(slog.String("request_id", id))
	}
	if id, ok := auth.TraceIDFromContext(ctx); ok {
		r.AddAttrs(slog.String("trace_id", id))
	}
	return h.Handler.Handle(ctx, r)
}

func (h correlationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return correlationHandler{h.Handler.WithAttrs(attrs)}
}

func (h correlationHandler) WithGroup(name string) slog.Handler {
	return correlationHandler{h.Handler.WithGroup(name)}
}

// newTracerProvider samples ratio of root traces and follows the parent's
// decision otherwise. No exporter is attached here; spans still give every
// request a trace id for log correlation and W3C propagation.
func newTracerProvider(ratio float64) *sdktrace.TracerProvider {
	res := resource.NewSchemaless(
		attribute.String("service.name", "nest-gateway"),
		attribute.String("service.version", version),
	)
	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(res),
	)
}
