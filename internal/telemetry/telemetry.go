// Package telemetry sets up the process-wide OpenTelemetry tracer and
// meter providers consumed by internal/workflow and internal/providerproxy's
// tracer.Start calls. It picks an OTLP gRPC exporter when
// OTEL_EXPORTER_OTLP_ENDPOINT is set, otherwise a stdout exporter so spans
// and metrics are still visible during local development.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Shutdown flushes and releases the tracer and meter providers started by
// Setup. Callers should defer it (or invoke it from their app's Close).
type Shutdown func(context.Context) error

// Setup installs the global TracerProvider and MeterProvider for
// serviceName. The OTEL_EXPORTER_OTLP_ENDPOINT environment variable
// selects the OTLP gRPC exporter (insecure, suitable for a sidecar
// collector); its absence falls back to a stdout exporter so a developer
// running the binary directly still sees span and metric output.
func Setup(ctx context.Context, serviceName, version string) (Shutdown, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: building resource: %w", err)
	}

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	spanExporter, err := newSpanExporter(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("telemetry: building span exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spanExporter, sdktrace.WithBatchTimeout(5*time.Second)),
	)
	otel.SetTracerProvider(tp)

	metricReader, err := newMetricReader()
	if err != nil {
		return nil, fmt.Errorf("telemetry: building metric reader: %w", err)
	}
	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metricReader),
	)
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		if err := tp.Shutdown(ctx); err != nil {
			return err
		}
		return mp.Shutdown(ctx)
	}, nil
}

func newSpanExporter(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
	if endpoint == "" {
		return stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	}
	return otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
}

// newMetricReader always exports through stdout: Prometheus scraping
// already covers production metrics (internal/metrics.Handler), so the
// otel meter provider here exists to let workflow- and provider-level
// instruments (added alongside the tracer.Start spans) show up during
// local development without standing up a collector.
func newMetricReader() (metric.Reader, error) {
	exp, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stderr))
	if err != nil {
		return nil, err
	}
	return metric.NewPeriodicReader(exp, metric.WithInterval(time.Minute)), nil
}
