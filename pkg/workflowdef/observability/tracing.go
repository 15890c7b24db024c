package observability

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of every workflow span.
const TracerName = "workflowdef"

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartRunSpan starts a span for the entire workflow run.
	StartRunSpan(ctx context.Context, version, runID string) (context.Context, trace.Span)

	// StartStepSpan starts a span for one step. It should be a child of the run span.
	StartStepSpan(ctx context.Context, nodeID int, kind, function string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

// otelSpanManager implements SpanManager using OpenTelemetry.
type otelSpanManager struct {
	tracer trace.Tracer
}

// NewSpanManager returns a SpanManager that uses the global OTel tracer
// provider. Configure the provider before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{tracer: otel.Tracer(TracerName)}
}

// NewSpanManagerWithTracer returns a SpanManager using the given tracer.
func NewSpanManagerWithTracer(tracer trace.Tracer) SpanManager {
	return &otelSpanManager{tracer: tracer}
}

func (m *otelSpanManager) StartRunSpan(ctx context.Context, version, runID string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "workflowdef.run",
		trace.WithAttributes(
			attribute.String("workflow.version", version),
			attribute.String("run.id", runID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (m *otelSpanManager) StartStepSpan(ctx context.Context, nodeID int, kind, function string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.Int("node.id", nodeID),
		attribute.String("node.kind", kind),
	}
	if function != "" {
		attrs = append(attrs, attribute.String("node.function", function))
	}
	return m.tracer.Start(ctx, "workflowdef.step."+strconv.Itoa(nodeID),
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	EndSpanWithError(span, err)
}

func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	AddSpanEvent(ctx, name, attrs...)
}

// EndSpanWithError completes a span, optionally recording an error.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span in context.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
