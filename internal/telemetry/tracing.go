package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// TracingShutdownFunc flushes and shuts down the tracer provider. Call it
// once during process shutdown, after every in-flight span has ended.
type TracingShutdownFunc func(context.Context) error

// InitTracing installs the global TracerProvider with a stdout exporter —
// the simplest real exporter in the corpus, since no OTLP collector is
// part of this core's scope (spec non-goals exclude an observability
// backend, not the tracing instrumentation itself). serviceName is
// stamped on every span's resource attributes.
//
// Grounded on itsneelabh-gomind/telemetry/otel.go's
// NewTracerProvider/WithBatcher/WithResource construction, substituting
// stdouttrace.New for the OTLP/HTTP exporter it uses.
func InitTracing(serviceName string) (TracingShutdownFunc, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", serviceName),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
