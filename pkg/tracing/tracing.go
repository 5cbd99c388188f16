// Package tracing implements the engine's opaque profiler collaborator as
// an OpenTelemetry tracer: one span per node execution, with the pool
// name recorded as a span attribute and yields as span events. No exporter is wired up here — a
// library has no Jaeger endpoint of its own — so the default span
// processor is in-memory, sufficient to exercise the API surface.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Profiler is the opaque zone sink the core calls around node execution.
// Implementations must be safe to call from any thread.
type Profiler interface {
	// StartZone begins a profiling zone for a node execution and returns
	// a function that ends it. name identifies the node; pool identifies
	// which contract pool scheduled it.
	StartZone(ctx context.Context, name, pool string) (context.Context, func())
	// RecordEvent annotates the current zone (if any) with a point-in-time
	// event, such as a pool reassignment or a yield.
	RecordEvent(ctx context.Context, name string, attrs map[string]string)
}

// otelProfiler implements Profiler over an OpenTelemetry tracer.
type otelProfiler struct {
	tracer oteltrace.Tracer
}

// NewProfiler constructs a Profiler backed by a fresh TracerProvider using
// the SDK's default (in-memory, non-exporting) span processor chain.
// serviceName tags every span's instrumentation scope.
func NewProfiler(serviceName string) Profiler {
	tp := trace.NewTracerProvider()
	return &otelProfiler{tracer: tp.Tracer(serviceName)}
}

// NewProfilerFromProvider builds a Profiler from a caller-supplied
// TracerProvider, for callers that want their own exporter wired in.
func NewProfilerFromProvider(tp oteltrace.TracerProvider, instrumentationName string) Profiler {
	return &otelProfiler{tracer: tp.Tracer(instrumentationName)}
}

func (p *otelProfiler) StartZone(ctx context.Context, name, pool string) (context.Context, func()) {
	spanCtx, span := p.tracer.Start(ctx, name, oteltrace.WithAttributes(
		attribute.String("node.name", name),
		attribute.String("pool.name", pool),
	))
	return spanCtx, func() { span.End() }
}

func (p *otelProfiler) RecordEvent(ctx context.Context, name string, attrs map[string]string) {
	span := oteltrace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	kv := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		kv = append(kv, attribute.String(k, v))
	}
	span.AddEvent(name, oteltrace.WithAttributes(kv...))
}

// NoopProfiler discards every zone and event. Used when tracing is
// disabled so callers never need a nil check.
type NoopProfiler struct{}

func (NoopProfiler) StartZone(ctx context.Context, _, _ string) (context.Context, func()) {
	return ctx, func() {}
}

func (NoopProfiler) RecordEvent(context.Context, string, map[string]string) {}

// init registers a global no-op TracerProvider so any otel.Tracer() call
// made before a Profiler is constructed is harmless.
func init() {
	otel.SetTracerProvider(trace.NewTracerProvider())
}
