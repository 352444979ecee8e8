package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Domain counters. Instruments bind lazily to the global meter so callers
// need no setup; with telemetry off they resolve to no-ops.
var (
	domainOnce       sync.Once
	eventsAppended   metric.Int64Counter
	rowsScanned      metric.Int64Counter
	changesDelivered metric.Int64Counter
)

func domainInstruments() {
	domainOnce.Do(func() {
		m := Meter("")
		eventsAppended, _ = m.Int64Counter("parquedb.wal.events_appended",
			metric.WithDescription("Events flushed durably to the event log"))
		rowsScanned, _ = m.Int64Counter("parquedb.scan.rows",
			metric.WithDescription("Rows read by columnar scans"))
		changesDelivered, _ = m.Int64Counter("parquedb.subscribe.changes_delivered",
			metric.WithDescription("Change frames delivered to subscribers"))
	})
}

// AddEventsAppended counts events made durable for a namespace.
func AddEventsAppended(ctx context.Context, ns string, n int64) {
	domainInstruments()
	eventsAppended.Add(ctx, n, metric.WithAttributes(attribute.String("parquedb.ns", ns)))
}

// AddRowsScanned counts rows a scan read.
func AddRowsScanned(ctx context.Context, n int64) {
	domainInstruments()
	rowsScanned.Add(ctx, n)
}

// AddChangeDelivered counts one change frame delivered for a namespace.
func AddChangeDelivered(ctx context.Context, ns string) {
	domainInstruments()
	changesDelivered.Add(ctx, 1, metric.WithAttributes(attribute.String("parquedb.ns", ns)))
}
