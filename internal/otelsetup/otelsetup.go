// Package otelsetup wires up the OpenTelemetry SDK's TracerProvider
// once at process startup, matching the intent of
// nar-bridge/cmd/nar-bridge-http's EnableOtlp-gated
// setupOpenTelemetry call: every internal/*.Tracer("corengine/...")
// call elsewhere in the engine is a no-op recorder until this runs.
package otelsetup

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Shutdown flushes and stops the tracer provider installed by Setup.
type Shutdown func(context.Context) error

// Setup installs a global TracerProvider that batches spans to an
// stdout exporter (the engine has no OTLP collector dependency in its
// stack; stdout tracing is enough for a local debug session, and the
// exporter is swappable without touching any call site since every
// caller only ever asks otel.Tracer(...) for the global provider).
func Setup(ctx context.Context, serviceName, serviceVersion string) (Shutdown, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("building stdout trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("building otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
