package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps an OTel tracer with the span helpers the run loop needs:
// one span per iteration, one span per tool execution. Mirrors the
// teacher's observability.Tracer, minus the channel/webhook span kinds it
// doesn't need.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// TracerConfig configures a Tracer. Exporter is any sdktrace.SpanExporter
// (otlptrace, stdout, Jaeger, etc.); leaving it nil yields a Tracer backed
// by the global OTel provider, which is a no-op until something calls
// otel.SetTracerProvider.
type TracerConfig struct {
	ServiceName string
	Exporter    sdktrace.SpanExporter
	SampleRatio float64 // 0 < ratio <= 1; 0 defaults to AlwaysSample.
}

// NewTracer builds a Tracer. When config.Exporter is nil it returns a thin
// wrapper over otel.Tracer(serviceName) — effectively a no-op recorder
// until a global provider is configured elsewhere, exactly the shape
// NewNopTracer returns explicitly.
func NewTracer(config TracerConfig) (*Tracer, func(context.Context) error) {
	if config.ServiceName == "" {
		config.ServiceName = "runloop"
	}
	if config.Exporter == nil {
		return &Tracer{tracer: otel.Tracer(config.ServiceName)}, func(context.Context) error { return nil }
	}

	var sampler sdktrace.Sampler
	switch {
	case config.SampleRatio <= 0:
		sampler = sdktrace.AlwaysSample()
	case config.SampleRatio >= 1:
		sampler = sdktrace.AlwaysSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(config.SampleRatio)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(config.Exporter),
		sdktrace.WithSampler(sampler),
	)

	return &Tracer{provider: provider, tracer: provider.Tracer(config.ServiceName)},
		provider.Shutdown
}

// NewNopTracer returns a Tracer that records nothing. Substituted wherever
// a RunRequest leaves Tracer nil, exactly as runloop.NewRunState substitutes
// noop Logger/Metrics.
func NewNopTracer() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("runloop")}
}

// StartIteration opens a span covering one loop iteration.
func (t *Tracer) StartIteration(ctx context.Context, runID string, iteration int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "runloop.iteration",
		trace.WithAttributes(
			attribute.String("run_id", runID),
			attribute.Int("iteration", iteration),
		),
	)
}

// StartToolExecution opens a span covering one tool dispatch.
func (t *Tracer) StartToolExecution(ctx context.Context, toolName, toolCallID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "runloop.tool_execution",
		trace.WithAttributes(
			attribute.String("tool_name", toolName),
			attribute.String("tool_call_id", toolCallID),
		),
	)
}

// RecordError records err on span and marks it as errored, matching the
// teacher's Tracer.RecordError.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
