// Package observability provides logging, metrics and tracing for workflow
// runs: structured logging via slog, metrics and spans via OpenTelemetry.
//
// Every helper is opt-in. The log helpers accept a nil logger, and
// NoopMetrics and NoopSpanManager stand in when metrics or tracing are off.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds run and step fields to a logger.
//
// Example:
//
//	enriched := EnrichLogger(logger, "run-123", 2, "m.get_sum")
//	enriched.Info("doing work") // includes run_id, node_id, function
func EnrichLogger(logger *slog.Logger, runID string, nodeID int, function string) *slog.Logger {
	if logger == nil {
		return nil
	}
	attrs := []any{
		slog.String("run_id", runID),
		slog.Int("node_id", nodeID),
	}
	if function != "" {
		attrs = append(attrs, slog.String("function", function))
	}
	return logger.With(attrs...)
}

// LogRunStart logs the start of a workflow run.
func LogRunStart(logger *slog.Logger, runID string, steps int) {
	if logger == nil {
		return
	}
	logger.Info("workflow run starting",
		slog.String("run_id", runID),
		slog.Int("steps", steps),
	)
}

// LogRunComplete logs successful run completion.
func LogRunComplete(logger *slog.Logger, runID string, durationMs float64, stepCount int) {
	if logger == nil {
		return
	}
	logger.Info("workflow run completed",
		slog.String("run_id", runID),
		slog.Float64("duration_ms", durationMs),
		slog.Int("steps_executed", stepCount),
	)
}

// LogRunError logs run failure. lastNode is -1 when no step had started.
func LogRunError(logger *slog.Logger, runID string, err error, durationMs float64, lastNode int) {
	if logger == nil {
		return
	}
	logger.Error("workflow run failed",
		slog.String("run_id", runID),
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
		slog.Int("last_node", lastNode),
	)
}

// LogStepStart logs step execution start.
func LogStepStart(logger *slog.Logger, nodeID int, kind string) {
	if logger == nil {
		return
	}
	logger.Debug("step starting",
		slog.Int("node_id", nodeID),
		slog.String("kind", kind),
	)
}

// LogStepComplete logs successful step completion.
func LogStepComplete(logger *slog.Logger, nodeID int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("step completed",
		slog.Int("node_id", nodeID),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogStepError logs step failure.
func LogStepError(logger *slog.Logger, nodeID int, err error) {
	if logger == nil {
		return
	}
	logger.Error("step failed",
		slog.Int("node_id", nodeID),
		slog.String("error", err.Error()),
	)
}

// LogStepSkipped logs a step restored from a checkpoint instead of run.
func LogStepSkipped(logger *slog.Logger, nodeID int) {
	if logger == nil {
		return
	}
	logger.Debug("step restored from checkpoint",
		slog.Int("node_id", nodeID),
	)
}

// LogLoopIteration logs one while-loop iteration.
func LogLoopIteration(logger *slog.Logger, nodeID int, iteration int) {
	if logger == nil {
		return
	}
	logger.Debug("loop iteration",
		slog.Int("node_id", nodeID),
		slog.Int("iteration", iteration),
	)
}

// LogLoopComplete logs while-loop termination.
// capped is true when the loop stopped at maxIterations.
func LogLoopComplete(logger *slog.Logger, nodeID int, iterations int, capped bool) {
	if logger == nil {
		return
	}
	logger.Debug("loop finished",
		slog.Int("node_id", nodeID),
		slog.Int("iterations", iterations),
		slog.Bool("capped", capped),
	)
}

// LogCheckpoint logs checkpoint creation.
func LogCheckpoint(logger *slog.Logger, nodeID int, sizeBytes int) {
	if logger == nil {
		return
	}
	logger.Debug("checkpoint saved",
		slog.Int("node_id", nodeID),
		slog.Int("size_bytes", sizeBytes),
	)
}

// LogCheckpointError logs checkpoint failure (non-fatal).
func LogCheckpointError(logger *slog.Logger, nodeID int, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("checkpoint failed",
		slog.Int("node_id", nodeID),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}
