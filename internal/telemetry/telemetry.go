// Package telemetry instruments ParqueDB with OpenTelemetry: spans and
// byte counters on the storage backend, and counters for the write path
// (events appended), the read path (rows scanned), and subscriptions
// (changes delivered).
//
// Telemetry is off unless PARQUEDB_OTEL_ENABLED=true; the off path
// installs no-op providers so instrumented code costs nothing.
//
//	PARQUEDB_OTEL_ENABLED=true             enable
//	PARQUEDB_OTEL_STDOUT=true              pretty-print to stdout (dev mode)
//	OTEL_EXPORTER_OTLP_ENDPOINT=host:4317  OTLP gRPC for spans and metrics
//	OTEL_EXPORTER_OTLP_METRICS_ENDPOINT    metrics-only endpoint override
//
// With no endpoint configured, an enabled process falls back to stdout.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationScope = "github.com/parquedb/parquedb"

// settings is the exporter wiring read from the environment once at Init.
type settings struct {
	enabled        bool
	stdout         bool
	traceEndpoint  string
	metricEndpoint string
}

func settingsFromEnv() settings {
	s := settings{
		enabled:       os.Getenv("PARQUEDB_OTEL_ENABLED") == "true",
		stdout:        os.Getenv("PARQUEDB_OTEL_STDOUT") == "true",
		traceEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	s.metricEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if s.metricEndpoint == "" {
		s.metricEndpoint = s.traceEndpoint
	}
	return s
}

var shutdownFns []func(context.Context) error

// Enabled reports whether telemetry is active (PARQUEDB_OTEL_ENABLED=true).
func Enabled() bool {
	return settingsFromEnv().enabled
}

// Init installs the global tracer and meter providers. Disabled means
// no-op providers; enabled means OTLP gRPC when an endpoint is set,
// stdout otherwise.
func Init(ctx context.Context, serviceName, version string) error {
	s := settingsFromEnv()
	if !s.enabled {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return fmt.Errorf("telemetry: resource: %w", err)
	}

	spans, err := s.spanExporter(ctx)
	if err != nil {
		return fmt.Errorf("telemetry: span exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(spans),
	)
	otel.SetTracerProvider(tp)
	shutdownFns = append(shutdownFns, tp.Shutdown)

	reader, err := s.metricReader(ctx)
	if err != nil {
		return fmt.Errorf("telemetry: metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(mp)
	shutdownFns = append(shutdownFns, mp.Shutdown)

	return nil
}

// spanExporter prefers OTLP when an endpoint is configured; stdout is the
// dev-mode and no-endpoint fallback.
func (s settings) spanExporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	if s.traceEndpoint != "" && !s.stdout {
		return otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(s.traceEndpoint),
			otlptracegrpc.WithInsecure(),
		)
	}
	return stdouttrace.New(stdouttrace.WithPrettyPrint())
}

func (s settings) metricReader(ctx context.Context) (sdkmetric.Reader, error) {
	if s.metricEndpoint != "" && !s.stdout {
		exp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(s.metricEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, err
		}
		return sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(30*time.Second)), nil
	}
	exp, err := stdoutmetric.New()
	if err != nil {
		return nil, err
	}
	return sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second)), nil
}

// Tracer returns a tracer under the given scope, or the module scope.
func Tracer(name string) trace.Tracer {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Tracer(name)
}

// Meter returns a meter under the given scope, or the module scope.
func Meter(name string) metric.Meter {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Meter(name)
}

// Shutdown drains exporters. Call with a short-lived context before exit.
func Shutdown(ctx context.Context) {
	for _, fn := range shutdownFns {
		_ = fn(ctx)
	}
	shutdownFns = nil
}
