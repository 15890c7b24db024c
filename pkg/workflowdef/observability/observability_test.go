package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newBufferLogger() (*slog.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

func records(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(buf.Bytes(), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal(line, &m))
		out = append(out, m)
	}
	return out
}

func TestLogHelpers_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		LogRunStart(nil, "r", 1)
		LogRunComplete(nil, "r", 1, 1)
		LogRunError(nil, "r", errors.New("x"), 1, 0)
		LogStepStart(nil, 0, "function")
		LogStepComplete(nil, 0, 1)
		LogStepError(nil, 0, errors.New("x"))
		LogStepSkipped(nil, 0)
		LogLoopIteration(nil, 0, 1)
		LogLoopComplete(nil, 0, 1, false)
		LogCheckpoint(nil, 0, 10)
		LogCheckpointError(nil, 0, "save", errors.New("x"))
	})
	assert.Nil(t, EnrichLogger(nil, "r", 0, ""))
}

func TestLogHelpers_Fields(t *testing.T) {
	logger, buf := newBufferLogger()

	LogRunStart(logger, "run-1", 4)
	LogStepError(logger, 2, errors.New("boom"))
	LogLoopComplete(logger, 7, 3, true)
	EnrichLogger(logger, "run-1", 2, "m.get_sum").Info("work")

	recs := records(t, buf)
	require.Len(t, recs, 4)

	assert.Equal(t, "workflow run starting", recs[0]["msg"])
	assert.Equal(t, "run-1", recs[0]["run_id"])
	assert.Equal(t, float64(4), recs[0]["steps"])

	assert.Equal(t, "ERROR", recs[1]["level"])
	assert.Equal(t, float64(2), recs[1]["node_id"])
	assert.Equal(t, "boom", recs[1]["error"])

	assert.Equal(t, float64(3), recs[2]["iterations"])
	assert.Equal(t, true, recs[2]["capped"])

	assert.Equal(t, "m.get_sum", recs[3]["function"])
	assert.Equal(t, "run-1", recs[3]["run_id"])
}

func TestTimedOperation(t *testing.T) {
	done := TimedOperation()
	time.Sleep(2 * time.Millisecond)
	assert.GreaterOrEqual(t, done(), 1.0)
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func newTestRecorder(t *testing.T) (MetricsRecorder, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	rec, err := NewMetricsRecorderWithMeter(provider.Meter(MeterName))
	require.NoError(t, err)
	return rec, reader
}

func TestMetrics_RecordStep(t *testing.T) {
	rec, reader := newTestRecorder(t)
	ctx := context.Background()

	rec.RecordStep(ctx, 1, "function", 5*time.Millisecond, nil)
	rec.RecordStep(ctx, 1, "function", 5*time.Millisecond, errors.New("failed"))

	rm := collectMetrics(t, reader)

	executions := findMetric(rm, "workflowdef.step.executions")
	require.NotNil(t, executions)
	sum, ok := executions.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(2), sum.DataPoints[0].Value)

	nodeID, found := sum.DataPoints[0].Attributes.Value(attribute.Key("node_id"))
	require.True(t, found)
	assert.Equal(t, int64(1), nodeID.AsInt64())

	errs := findMetric(rm, "workflowdef.step.errors")
	require.NotNil(t, errs)
	errSum := errs.Data.(metricdata.Sum[int64])
	assert.Equal(t, int64(1), errSum.DataPoints[0].Value)

	latency := findMetric(rm, "workflowdef.step.latency_ms")
	require.NotNil(t, latency)
	_, ok = latency.Data.(metricdata.Histogram[float64])
	assert.True(t, ok)
}

func TestMetrics_RecordRunAndLoop(t *testing.T) {
	rec, reader := newTestRecorder(t)
	ctx := context.Background()

	rec.RecordRun(ctx, true, time.Millisecond)
	rec.RecordLoop(ctx, 4, 3, true)
	rec.RecordLoop(ctx, 4, 2, false)
	rec.RecordCheckpoint(ctx, 4, 128)

	rm := collectMetrics(t, reader)

	require.NotNil(t, findMetric(rm, "workflowdef.run.count"))
	require.NotNil(t, findMetric(rm, "workflowdef.run.latency_ms"))
	require.NotNil(t, findMetric(rm, "workflowdef.checkpoint.size_bytes"))

	iterations := findMetric(rm, "workflowdef.loop.iterations")
	require.NotNil(t, iterations)
	hist := iterations.Data.(metricdata.Histogram[int64])
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(2), hist.DataPoints[0].Count)
	assert.Equal(t, int64(5), hist.DataPoints[0].Sum)

	capped := findMetric(rm, "workflowdef.loop.capped")
	require.NotNil(t, capped)
	assert.Equal(t, int64(1), capped.Data.(metricdata.Sum[int64]).DataPoints[0].Value)
}

func TestNewMetricsRecorder_NotNoop(t *testing.T) {
	rec := NewMetricsRecorder()
	require.NotNil(t, rec)
	_, isNoop := rec.(NoopMetrics)
	assert.False(t, isNoop)
}

func newTestSpanManager() (SpanManager, *tracetest.InMemoryExporter) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	return NewSpanManagerWithTracer(tp.Tracer(TracerName)), exporter
}

func TestSpanManager_RunAndStep(t *testing.T) {
	spans, exporter := newTestSpanManager()

	ctx, run := spans.StartRunSpan(context.Background(), "0.1.0", "run-9")
	_, step := spans.StartStepSpan(ctx, 3, "function", "m.get_square")
	spans.EndSpanWithError(step, errors.New("bad"))
	spans.EndSpanWithError(run, nil)

	got := exporter.GetSpans()
	require.Len(t, got, 2)

	stepSpan, runSpan := got[0], got[1]
	assert.Equal(t, "workflowdef.step.3", stepSpan.Name)
	assert.Equal(t, codes.Error, stepSpan.Status.Code)
	assert.Equal(t, runSpan.SpanContext.SpanID(), stepSpan.Parent.SpanID())
	assert.Contains(t, stepSpan.Attributes, attribute.String("node.function", "m.get_square"))

	assert.Equal(t, "workflowdef.run", runSpan.Name)
	assert.Equal(t, codes.Ok, runSpan.Status.Code)
	assert.Contains(t, runSpan.Attributes, attribute.String("run.id", "run-9"))
}

func TestSpanManager_AddSpanEvent(t *testing.T) {
	spans, exporter := newTestSpanManager()

	ctx, span := spans.StartStepSpan(context.Background(), 1, "while", "")
	spans.AddSpanEvent(ctx, "loop.iteration", attribute.Int("iteration", 1))
	spans.EndSpanWithError(span, nil)

	got := exporter.GetSpans()
	require.Len(t, got, 1)
	require.Len(t, got[0].Events, 1)
	assert.Equal(t, "loop.iteration", got[0].Events[0].Name)
}

func TestNoopImplementations(t *testing.T) {
	ctx := context.Background()
	var spans SpanManager = NoopSpanManager{}

	newCtx, span := spans.StartRunSpan(ctx, "v", "r")
	assert.Equal(t, ctx, newCtx)
	assert.False(t, span.IsRecording())

	newCtx, span = spans.StartStepSpan(ctx, 1, "function", "m.f")
	assert.Equal(t, ctx, newCtx)
	assert.NotPanics(t, func() {
		spans.EndSpanWithError(span, errors.New("x"))
		spans.AddSpanEvent(ctx, "e")
		EndSpanWithError(nil, nil)
	})

	var rec MetricsRecorder = NoopMetrics{}
	assert.NotPanics(t, func() {
		rec.RecordStep(ctx, 1, "function", time.Second, nil)
		rec.RecordRun(ctx, false, time.Second)
		rec.RecordLoop(ctx, 1, 1, true)
		rec.RecordCheckpoint(ctx, 1, 1)
	})
}
