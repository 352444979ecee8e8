package telemetry

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/parquedb/parquedb/internal/storage"
)

const storageScopeName = "github.com/parquedb/parquedb/storage"

// InstrumentedBackend wraps storage.Backend with OTel tracing and metrics.
// Every method gets a span and is counted in parquedb.storage.* metrics.
// Use WrapBackend to create one; it returns the original backend unchanged
// when telemetry is disabled.
type InstrumentedBackend struct {
	inner  storage.Backend
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
	bytes  metric.Int64Counter
}

// WrapBackend returns b decorated with OTel instrumentation.
// When telemetry is disabled, b is returned as-is with zero overhead.
func WrapBackend(b storage.Backend) storage.Backend {
	if !Enabled() {
		return b
	}
	m := Meter(storageScopeName)
	ops, _ := m.Int64Counter("parquedb.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := m.Float64Histogram("parquedb.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("parquedb.storage.errors",
		metric.WithDescription("Total storage operation errors"),
	)
	bytes, _ := m.Int64Counter("parquedb.storage.bytes",
		metric.WithDescription("Bytes read and written through the backend"),
		metric.WithUnit("By"),
	)
	return &InstrumentedBackend{
		inner:  b,
		tracer: Tracer(storageScopeName),
		ops:    ops,
		dur:    dur,
		errs:   errs,
		bytes:  bytes,
	}
}

// op starts a span and records a metric for the named storage operation.
func (b *InstrumentedBackend) op(ctx context.Context, name, path string) (context.Context, trace.Span, time.Time, []attribute.KeyValue) {
	attrs := []attribute.KeyValue{
		attribute.String("db.operation", name),
		attribute.String("parquedb.path", path),
	}
	ctx, span := b.tracer.Start(ctx, "storage."+name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	b.ops.Add(ctx, 1, metric.WithAttributes(attrs...))
	return ctx, span, time.Now(), attrs
}

// done ends the span, records duration and optional error.
func (b *InstrumentedBackend) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs []attribute.KeyValue) {
	ms := float64(time.Since(start).Microseconds()) / 1000
	b.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

func (b *InstrumentedBackend) Exists(ctx context.Context, path string) (bool, error) {
	ctx, span, t, attrs := b.op(ctx, "Exists", path)
	ok, err := b.inner.Exists(ctx, path)
	b.done(ctx, span, t, err, attrs)
	return ok, err
}

func (b *InstrumentedBackend) Stat(ctx context.Context, path string) (storage.Info, error) {
	ctx, span, t, attrs := b.op(ctx, "Stat", path)
	info, err := b.inner.Stat(ctx, path)
	b.done(ctx, span, t, err, attrs)
	return info, err
}

func (b *InstrumentedBackend) Read(ctx context.Context, path string) ([]byte, error) {
	ctx, span, t, attrs := b.op(ctx, "Read", path)
	data, err := b.inner.Read(ctx, path)
	if err == nil {
		b.bytes.Add(ctx, int64(len(data)), metric.WithAttributes(attrs...))
	}
	b.done(ctx, span, t, err, attrs)
	return data, err
}

func (b *InstrumentedBackend) ReadRange(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	ctx, span, t, attrs := b.op(ctx, "ReadRange", path)
	span.SetAttributes(attribute.Int64("parquedb.offset", offset), attribute.Int64("parquedb.length", length))
	data, err := b.inner.ReadRange(ctx, path, offset, length)
	if err == nil {
		b.bytes.Add(ctx, int64(len(data)), metric.WithAttributes(attrs...))
	}
	b.done(ctx, span, t, err, attrs)
	return data, err
}

func (b *InstrumentedBackend) Write(ctx context.Context, path string, data []byte) error {
	ctx, span, t, attrs := b.op(ctx, "Write", path)
	err := b.inner.Write(ctx, path, data)
	if err == nil {
		b.bytes.Add(ctx, int64(len(data)), metric.WithAttributes(attrs...))
	}
	b.done(ctx, span, t, err, attrs)
	return err
}

func (b *InstrumentedBackend) Append(ctx context.Context, path string, data []byte) error {
	ctx, span, t, attrs := b.op(ctx, "Append", path)
	err := b.inner.Append(ctx, path, data)
	if err == nil {
		b.bytes.Add(ctx, int64(len(data)), metric.WithAttributes(attrs...))
	}
	b.done(ctx, span, t, err, attrs)
	return err
}

func (b *InstrumentedBackend) Delete(ctx context.Context, path string) (bool, error) {
	ctx, span, t, attrs := b.op(ctx, "Delete", path)
	ok, err := b.inner.Delete(ctx, path)
	b.done(ctx, span, t, err, attrs)
	return ok, err
}

func (b *InstrumentedBackend) List(ctx context.Context, prefix string) ([]string, error) {
	ctx, span, t, attrs := b.op(ctx, "List", prefix)
	paths, err := b.inner.List(ctx, prefix)
	if err == nil {
		span.SetAttributes(attribute.Int("parquedb.results", len(paths)))
	}
	b.done(ctx, span, t, err, attrs)
	return paths, err
}

func (b *InstrumentedBackend) Copy(ctx context.Context, src, dst string) error {
	ctx, span, t, attrs := b.op(ctx, "Copy", src)
	span.SetAttributes(attribute.String("parquedb.dst", dst))
	err := b.inner.Copy(ctx, src, dst)
	b.done(ctx, span, t, err, attrs)
	return err
}

func (b *InstrumentedBackend) Move(ctx context.Context, src, dst string) error {
	ctx, span, t, attrs := b.op(ctx, "Move", src)
	span.SetAttributes(attribute.String("parquedb.dst", dst))
	err := b.inner.Move(ctx, src, dst)
	b.done(ctx, span, t, err, attrs)
	return err
}

func (b *InstrumentedBackend) OpenRead(ctx context.Context, path string, opts *storage.ReadOptions) (io.ReadCloser, error) {
	ctx, span, t, attrs := b.op(ctx, "OpenRead", path)
	rc, err := b.inner.OpenRead(ctx, path, opts)
	b.done(ctx, span, t, err, attrs)
	return rc, err
}

func (b *InstrumentedBackend) OpenWrite(ctx context.Context, path string) (io.WriteCloser, error) {
	ctx, span, t, attrs := b.op(ctx, "OpenWrite", path)
	wc, err := b.inner.OpenWrite(ctx, path)
	b.done(ctx, span, t, err, attrs)
	return wc, err
}
