// Package otel wires the process-wide OpenTelemetry tracer provider,
// grounded directly on the teacher's internal/observability/otel.go
// (InitOTel): build a resource, pick an exporter, register a
// TracerProvider as the global one, return its shutdown func. The
// teacher's env-var-gated on/off switch is dropped — the orchestrator's
// stage spans (internal/orchestrator) are load-bearing operational
// telemetry here, not an optional add-on, so tracing is always on; only
// the exporter choice (spec-driven config.OTelExporter/OTelOTLPEndpoint)
// is configurable.
package otel

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"

	"github.com/dsa110/contimg-core/internal/platform/logger"
)

// Shutdown flushes and stops the registered tracer provider. Safe to call
// once at process exit. When Init cannot build the resource or the exporter
// it returns a no-op Shutdown, so the value Init returns is never nil.
type Shutdown func(context.Context) error

// Init builds and registers the global TracerProvider for serviceName.
// exporterKind is "otlp" (ship spans to otlpEndpoint) or anything else
// (default: stdout, for local runs with no collector).
func Init(ctx context.Context, log *logger.Logger, serviceName, exporterKind, otlpEndpoint string) Shutdown {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			attribute.String("service.component", serviceName),
		),
	)
	if err != nil {
		log.Warn("otel: resource init failed, tracing disabled", "err", err)
		return func(context.Context) error { return nil }
	}

	exporter, err := buildExporter(ctx, exporterKind, otlpEndpoint)
	if err != nil {
		log.Warn("otel: exporter init failed, tracing disabled", "err", err)
		return func(context.Context) error { return nil }
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info("otel tracing initialized", "service", serviceName, "exporter", exporterKind, "endpoint", otlpEndpoint)
	return tp.Shutdown
}

func buildExporter(ctx context.Context, exporterKind, otlpEndpoint string) (sdktrace.SpanExporter, error) {
	if strings.EqualFold(exporterKind, "otlp") {
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(otlpEndpoint),
			otlptracehttp.WithInsecure(),
		)
	}
	return stdouttrace.New(stdouttrace.WithoutTimestamps())
}
