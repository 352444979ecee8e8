package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSettingsFromEnv(t *testing.T) {
	t.Setenv("PARQUEDB_OTEL_ENABLED", "true")
	t.Setenv("PARQUEDB_OTEL_STDOUT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")
	t.Setenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", "")

	s := settingsFromEnv()
	require.True(t, s.enabled)
	require.False(t, s.stdout)
	require.Equal(t, "localhost:4317", s.traceEndpoint)
	// The metrics endpoint falls back to the trace endpoint.
	require.Equal(t, "localhost:4317", s.metricEndpoint)

	t.Setenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", "localhost:4318")
	require.Equal(t, "localhost:4318", settingsFromEnv().metricEndpoint)
}

func TestDisabledInitIsNoop(t *testing.T) {
	t.Setenv("PARQUEDB_OTEL_ENABLED", "")
	ctx := context.Background()
	require.NoError(t, Init(ctx, "parquedb-test", "dev"))
	require.False(t, Enabled())

	// Domain counters bind to the no-op meter without setup or panics.
	AddEventsAppended(ctx, "posts", 3)
	AddRowsScanned(ctx, 10)
	AddChangeDelivered(ctx, "posts")

	Shutdown(ctx)
}
