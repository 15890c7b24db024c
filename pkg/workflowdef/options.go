package workflowdef

import (
	"log/slog"
	"time"

	"github.com/pythonworkflow/python-workflow-definition/pkg/workflowdef/checkpoint"
	"github.com/pythonworkflow/python-workflow-definition/pkg/workflowdef/expr"
	"github.com/pythonworkflow/python-workflow-definition/pkg/workflowdef/observability"
)

// compileConfig holds configuration for plan compilation.
type compileConfig struct {
	unroll        bool
	maxIterations int
	evaluator     *expr.Evaluator
	logger        *slog.Logger
}

func defaultCompileConfig() compileConfig {
	return compileConfig{
		maxIterations: DefaultMaxIterations,
		evaluator:     expr.New(),
	}
}

// CompileOption configures Compile.
type CompileOption func(*compileConfig)

// WithUnrolledLoops expands every while node into an explicit chain of
// guarded steps before ordering. Without it while nodes run as a single
// step driven by a loop.
func WithUnrolledLoops(enabled bool) CompileOption {
	return func(c *compileConfig) {
		c.unroll = enabled
	}
}

// WithMaxIterations sets the cap for while nodes that do not set
// maxIterations themselves.
// Default: 1000
func WithMaxIterations(n int) CompileOption {
	return func(c *compileConfig) {
		if n > 0 {
			c.maxIterations = n
		}
	}
}

// WithExpressionMaxLength sets the length bound for condition expressions.
// Default: 500
func WithExpressionMaxLength(n int) CompileOption {
	return func(c *compileConfig) {
		c.evaluator = expr.New(expr.WithMaxLength(n))
	}
}

// WithCompileLogger logs compilation at debug level.
func WithCompileLogger(logger *slog.Logger) CompileOption {
	return func(c *compileConfig) {
		c.logger = logger
	}
}

// runConfig holds configuration for plan execution.
type runConfig struct {
	runID   string
	logger  *slog.Logger
	timeout time.Duration
	inputs  map[string]any

	metricsEnabled bool
	metrics        observability.MetricsRecorder
	tracingEnabled bool
	spans          observability.SpanManager

	checkpointStore        checkpoint.Store
	checkpointFailureFatal bool
	sequence               int
}

// defaultRunConfig returns the default execution configuration.
func defaultRunConfig() runConfig {
	return runConfig{
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
	}
}

// RunOption configures execution behavior.
type RunOption func(*runConfig)

// WithRunID sets the run identifier. It is required for checkpointing;
// otherwise a UUID is generated.
func WithRunID(id string) RunOption {
	return func(c *runConfig) {
		c.runID = id
	}
}

// WithLogger sets the logger for run and step events.
// Default: no logging.
func WithLogger(logger *slog.Logger) RunOption {
	return func(c *runConfig) {
		c.logger = logger
	}
}

// WithMetrics enables OpenTelemetry metrics through the global meter
// provider.
// Default: disabled
func WithMetrics(enabled bool) RunOption {
	return func(c *runConfig) {
		c.metricsEnabled = enabled
		if enabled {
			c.metrics = observability.NewMetricsRecorder()
		} else {
			c.metrics = observability.NoopMetrics{}
		}
	}
}

// WithMetricsRecorder enables metrics with a specific recorder.
func WithMetricsRecorder(m observability.MetricsRecorder) RunOption {
	return func(c *runConfig) {
		if m == nil {
			return
		}
		c.metricsEnabled = true
		c.metrics = m
	}
}

// WithTracing enables OpenTelemetry spans through the global tracer
// provider. Each run gets a span and each step a child span.
// Default: disabled
func WithTracing(enabled bool) RunOption {
	return func(c *runConfig) {
		c.tracingEnabled = enabled
		if enabled {
			c.spans = observability.NewSpanManager()
		} else {
			c.spans = observability.NoopSpanManager{}
		}
	}
}

// WithSpanManager enables tracing with a specific span manager.
func WithSpanManager(s observability.SpanManager) RunOption {
	return func(c *runConfig) {
		if s == nil {
			return
		}
		c.tracingEnabled = true
		c.spans = s
	}
}

// WithCheckpointing saves the result of every top-level step to store.
// Requires WithRunID.
func WithCheckpointing(store checkpoint.Store) RunOption {
	return func(c *runConfig) {
		c.checkpointStore = store
	}
}

// WithCheckpointFailureFatal makes checkpoint failures abort the run.
// By default they are logged and the run continues.
func WithCheckpointFailureFatal(fatal bool) RunOption {
	return func(c *runConfig) {
		c.checkpointFailureFatal = fatal
	}
}

// WithRunTimeout bounds the whole run. Zero means no timeout.
func WithRunTimeout(d time.Duration) RunOption {
	return func(c *runConfig) {
		c.timeout = d
	}
}

// WithInputs overrides input node values by name. Naming an input the
// workflow does not declare fails the run with ErrUnknownInput.
func WithInputs(values map[string]any) RunOption {
	return func(c *runConfig) {
		if c.inputs == nil {
			c.inputs = make(map[string]any, len(values))
		}
		for k, v := range values {
			c.inputs[k] = expr.Normalize(v)
		}
	}
}
