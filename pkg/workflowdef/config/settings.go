package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/pythonworkflow/python-workflow-definition/pkg/workflowdef"
	"github.com/pythonworkflow/python-workflow-definition/pkg/workflowdef/checkpoint"
	"github.com/pythonworkflow/python-workflow-definition/pkg/workflowdef/expr"
)

// Loop strategies.
const (
	LoopDriven   = "driven"
	LoopUnrolled = "unrolled"
)

// Log formats.
const (
	LogText = "text"
	LogJSON = "json"
)

// MemoryCheckpoints selects the in-memory checkpoint store.
const MemoryCheckpoints = "memory"

// Settings are the runtime knobs of a workflow tool, read from a config
// file laid out as:
//
//	compile:
//	  max_iterations: 1000
//	  expression_max_length: 500
//	  loop_strategy: driven      # or unrolled
//	log:
//	  level: info
//	  format: text               # or json
//	observability:
//	  metrics: false
//	  tracing: false
//	checkpoint:
//	  path: ""                   # "memory", or a SQLite file
//	  fatal: false
//	run:
//	  timeout: 0s
type Settings struct {
	MaxIterations       int
	ExpressionMaxLength int
	LoopStrategy        string

	LogLevel  slog.Level
	LogFormat string

	Metrics bool
	Tracing bool

	// CheckpointPath is empty for no checkpointing, MemoryCheckpoints, or
	// the path of a SQLite database.
	CheckpointPath  string
	CheckpointFatal bool

	RunTimeout time.Duration
}

// DefaultSettings returns the settings used for absent keys.
func DefaultSettings() Settings {
	return Settings{
		MaxIterations:       workflowdef.DefaultMaxIterations,
		ExpressionMaxLength: expr.DefaultMaxLength,
		LoopStrategy:        LoopDriven,
		LogLevel:            slog.LevelInfo,
		LogFormat:           LogText,
	}
}

// LoadSettings reads Settings from c and validates them. Every invalid
// value is reported.
func LoadSettings(c Config) (Settings, error) {
	s := DefaultSettings()
	var errs []error

	compile := c.Sub("compile")
	s.MaxIterations = compile.Int("max_iterations", s.MaxIterations)
	s.ExpressionMaxLength = compile.Int("expression_max_length", s.ExpressionMaxLength)
	s.LoopStrategy = compile.String("loop_strategy", s.LoopStrategy)

	if level := c.String("log.level", ""); level != "" {
		if err := s.LogLevel.UnmarshalText([]byte(level)); err != nil {
			errs = append(errs, fmt.Errorf("log.level: %w", err))
		}
	}
	s.LogFormat = c.String("log.format", s.LogFormat)

	s.Metrics = c.Bool("observability.metrics", s.Metrics)
	s.Tracing = c.Bool("observability.tracing", s.Tracing)

	s.CheckpointPath = c.String("checkpoint.path", s.CheckpointPath)
	s.CheckpointFatal = c.Bool("checkpoint.fatal", s.CheckpointFatal)

	s.RunTimeout = c.Duration("run.timeout", s.RunTimeout)

	if err := s.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return Settings{}, errors.Join(errs...)
	}
	return s, nil
}

// LoadSettingsFile reads Settings from a YAML or JSON file.
func LoadSettingsFile(path string) (Settings, error) {
	c, err := FromFile(path)
	if err != nil {
		return Settings{}, err
	}
	return LoadSettings(c)
}

// Validate checks every field and joins the problems found.
func (s Settings) Validate() error {
	var errs []error
	if s.MaxIterations <= 0 {
		errs = append(errs, fmt.Errorf("compile.max_iterations: must be positive, got %d", s.MaxIterations))
	}
	if s.ExpressionMaxLength <= 0 {
		errs = append(errs, fmt.Errorf("compile.expression_max_length: must be positive, got %d", s.ExpressionMaxLength))
	}
	if s.LoopStrategy != LoopDriven && s.LoopStrategy != LoopUnrolled {
		errs = append(errs, fmt.Errorf("compile.loop_strategy: must be %q or %q, got %q", LoopDriven, LoopUnrolled, s.LoopStrategy))
	}
	if s.LogFormat != LogText && s.LogFormat != LogJSON {
		errs = append(errs, fmt.Errorf("log.format: must be %q or %q, got %q", LogText, LogJSON, s.LogFormat))
	}
	if s.RunTimeout < 0 {
		errs = append(errs, fmt.Errorf("run.timeout: must not be negative, got %s", s.RunTimeout))
	}
	return errors.Join(errs...)
}

// Logger builds a slog logger writing to w in the configured format and level.
func (s Settings) Logger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: s.LogLevel}
	if s.LogFormat == LogJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// CompileOptions translates the compile settings.
func (s Settings) CompileOptions(logger *slog.Logger) []workflowdef.CompileOption {
	opts := []workflowdef.CompileOption{
		workflowdef.WithMaxIterations(s.MaxIterations),
		workflowdef.WithExpressionMaxLength(s.ExpressionMaxLength),
		workflowdef.WithUnrolledLoops(s.LoopStrategy == LoopUnrolled),
	}
	if logger != nil {
		opts = append(opts, workflowdef.WithCompileLogger(logger))
	}
	return opts
}

// RunOptions translates the run settings. store may be nil; when set the
// run is checkpointed to it.
func (s Settings) RunOptions(logger *slog.Logger, store checkpoint.Store) []workflowdef.RunOption {
	opts := []workflowdef.RunOption{
		workflowdef.WithMetrics(s.Metrics),
		workflowdef.WithTracing(s.Tracing),
		workflowdef.WithRunTimeout(s.RunTimeout),
	}
	if logger != nil {
		opts = append(opts, workflowdef.WithLogger(logger))
	}
	if store != nil {
		opts = append(opts,
			workflowdef.WithCheckpointing(store),
			workflowdef.WithCheckpointFailureFatal(s.CheckpointFatal),
		)
	}
	return opts
}

// OpenStore opens the configured checkpoint store. It returns nil when
// checkpointing is off. The caller closes the store.
func (s Settings) OpenStore() (checkpoint.Store, error) {
	switch s.CheckpointPath {
	case "":
		return nil, nil
	case MemoryCheckpoints:
		return checkpoint.NewMemoryStore(), nil
	default:
		store, err := checkpoint.NewSQLiteStore(s.CheckpointPath)
		if err != nil {
			return nil, fmt.Errorf("open checkpoint store: %w", err)
		}
		return store, nil
	}
}
