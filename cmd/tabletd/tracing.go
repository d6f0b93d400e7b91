package main

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/aalhour/tabletkv/cmd/tabletd"

// tracing owns the tracer provider of one serve run.
type tracing struct {
	provider *sdktrace.TracerProvider
}

// newTracing exports compaction spans to w. A nil w disables tracing and
// leaves the global no-op provider in place.
func newTracing(w io.Writer) (*tracing, error) {
	if w == nil {
		return &tracing{}, nil
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return &tracing{provider: tp}, nil
}

// Tracer returns the compaction tracer, or nil to use the global default.
func (t *tracing) Tracer() trace.Tracer {
	if t.provider == nil {
		return nil
	}
	return t.provider.Tracer(tracerName)
}

// Shutdown flushes pending spans.
func (t *tracing) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
