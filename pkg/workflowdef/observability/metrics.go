package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of every workflow metric.
const MeterName = "workflowdef"

// MetricsRecorder records workflow metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordStep records one step with its node kind, duration and error status.
	RecordStep(ctx context.Context, nodeID int, kind string, duration time.Duration, err error)

	// RecordRun records a workflow run completion.
	RecordRun(ctx context.Context, success bool, duration time.Duration)

	// RecordLoop records the iteration count of a finished while-loop.
	RecordLoop(ctx context.Context, nodeID int, iterations int, capped bool)

	// RecordCheckpoint records a checkpoint save operation.
	RecordCheckpoint(ctx context.Context, nodeID int, sizeBytes int64)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	stepExecutions metric.Int64Counter
	stepLatency    metric.Float64Histogram
	stepErrors     metric.Int64Counter
	runs           metric.Int64Counter
	runLatency     metric.Float64Histogram
	loopIterations metric.Int64Histogram
	loopCapped     metric.Int64Counter
	checkpointSize metric.Int64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics lazily initializes the default OTel metrics instance.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics(otel.Meter(MeterName))
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics(meter metric.Meter) (*otelMetrics, error) {
	stepExecutions, err := meter.Int64Counter("workflowdef.step.executions",
		metric.WithDescription("Number of executed steps"),
	)
	if err != nil {
		return nil, err
	}

	stepLatency, err := meter.Float64Histogram("workflowdef.step.latency_ms",
		metric.WithDescription("Step execution latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	stepErrors, err := meter.Int64Counter("workflowdef.step.errors",
		metric.WithDescription("Number of failed steps"),
	)
	if err != nil {
		return nil, err
	}

	runs, err := meter.Int64Counter("workflowdef.run.count",
		metric.WithDescription("Number of workflow runs"),
	)
	if err != nil {
		return nil, err
	}

	runLatency, err := meter.Float64Histogram("workflowdef.run.latency_ms",
		metric.WithDescription("Workflow run latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	loopIterations, err := meter.Int64Histogram("workflowdef.loop.iterations",
		metric.WithDescription("Iterations executed by a while node"),
	)
	if err != nil {
		return nil, err
	}

	loopCapped, err := meter.Int64Counter("workflowdef.loop.capped",
		metric.WithDescription("While loops stopped by maxIterations"),
	)
	if err != nil {
		return nil, err
	}

	checkpointSize, err := meter.Int64Histogram("workflowdef.checkpoint.size_bytes",
		metric.WithDescription("Checkpoint size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		stepExecutions: stepExecutions,
		stepLatency:    stepLatency,
		stepErrors:     stepErrors,
		runs:           runs,
		runLatency:     runLatency,
		loopIterations: loopIterations,
		loopCapped:     loopCapped,
		checkpointSize: checkpointSize,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// NewMetricsRecorderWithMeter returns a recorder bound to a specific meter
// instead of the global provider.
func NewMetricsRecorderWithMeter(meter metric.Meter) (MetricsRecorder, error) {
	m, err := newOtelMetrics(meter)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *otelMetrics) RecordStep(ctx context.Context, nodeID int, kind string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.Int("node_id", nodeID),
		attribute.String("kind", kind),
	)

	m.stepExecutions.Add(ctx, 1, attrs)
	m.stepLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)

	if err != nil {
		m.stepErrors.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordRun(ctx context.Context, success bool, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.Bool("success", success))
	m.runs.Add(ctx, 1, attrs)
	m.runLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
}

func (m *otelMetrics) RecordLoop(ctx context.Context, nodeID int, iterations int, capped bool) {
	attrs := metric.WithAttributes(attribute.Int("node_id", nodeID))
	m.loopIterations.Record(ctx, int64(iterations), attrs)
	if capped {
		m.loopCapped.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordCheckpoint(ctx context.Context, nodeID int, sizeBytes int64) {
	m.checkpointSize.Record(ctx, sizeBytes, metric.WithAttributes(attribute.Int("node_id", nodeID)))
}
