package config_test

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pythonworkflow/python-workflow-definition/pkg/workflowdef"
	"github.com/pythonworkflow/python-workflow-definition/pkg/workflowdef/checkpoint"
	"github.com/pythonworkflow/python-workflow-definition/pkg/workflowdef/config"
	"github.com/pythonworkflow/python-workflow-definition/pkg/workflowdef/expr"
)

// TestLoadSettings_Defaults verifies the settings of an empty document.
func TestLoadSettings_Defaults(t *testing.T) {
	s, err := config.LoadSettings(config.New(nil))

	require.NoError(t, err)
	assert.Equal(t, config.DefaultSettings(), s)
	assert.Equal(t, workflowdef.DefaultMaxIterations, s.MaxIterations)
	assert.Equal(t, expr.DefaultMaxLength, s.ExpressionMaxLength)
	assert.Equal(t, config.LoopDriven, s.LoopStrategy)
	assert.Equal(t, slog.LevelInfo, s.LogLevel)
	assert.Empty(t, s.CheckpointPath)
}

// TestLoadSettings verifies every key is read.
func TestLoadSettings(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
compile:
  max_iterations: 20
  expression_max_length: 64
  loop_strategy: unrolled
log:
  level: debug
  format: json
observability:
  metrics: true
  tracing: true
checkpoint:
  path: memory
  fatal: true
run:
  timeout: 1m
`))
	require.NoError(t, err)

	s, err := config.LoadSettings(cfg)

	require.NoError(t, err)
	assert.Equal(t, config.Settings{
		MaxIterations:       20,
		ExpressionMaxLength: 64,
		LoopStrategy:        config.LoopUnrolled,
		LogLevel:            slog.LevelDebug,
		LogFormat:           config.LogJSON,
		Metrics:             true,
		Tracing:             true,
		CheckpointPath:      config.MemoryCheckpoints,
		CheckpointFatal:     true,
		RunTimeout:          time.Minute,
	}, s)
}

// TestLoadSettings_Invalid verifies every problem is reported.
func TestLoadSettings_Invalid(t *testing.T) {
	cfg := config.New(map[string]any{
		"compile": map[string]any{
			"max_iterations":        0,
			"expression_max_length": -1,
			"loop_strategy":         "recursive",
		},
		"log": map[string]any{"level": "loud", "format": "xml"},
		"run": map[string]any{"timeout": "-1s"},
	})

	_, err := config.LoadSettings(cfg)

	require.Error(t, err)
	for _, want := range []string{
		"log.level",
		"compile.max_iterations",
		"compile.expression_max_length",
		"compile.loop_strategy",
		"log.format",
		"run.timeout",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

// TestLoadSettingsFile verifies loading from disk.
func TestLoadSettingsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"compile": {"max_iterations": 3}}`), 0o644))

	s, err := config.LoadSettingsFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, s.MaxIterations)

	_, err = config.LoadSettingsFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

// TestSettings_Logger verifies the handler format and level.
func TestSettings_Logger(t *testing.T) {
	var buf bytes.Buffer
	s := config.DefaultSettings()
	s.LogFormat = config.LogJSON
	s.LogLevel = slog.LevelWarn

	logger := s.Logger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", slog.Int("node_id", 2))

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"node_id":2`)

	buf.Reset()
	s.LogFormat = config.LogText
	s.Logger(&buf).Warn("plain")
	assert.Contains(t, buf.String(), "msg=plain")
}

// TestSettings_OpenStore verifies the store selection.
func TestSettings_OpenStore(t *testing.T) {
	s := config.DefaultSettings()

	store, err := s.OpenStore()
	require.NoError(t, err)
	assert.Nil(t, store)

	s.CheckpointPath = config.MemoryCheckpoints
	store, err = s.OpenStore()
	require.NoError(t, err)
	assert.IsType(t, &checkpoint.MemoryStore{}, store)

	s.CheckpointPath = filepath.Join(t.TempDir(), "runs.db")
	store, err = s.OpenStore()
	require.NoError(t, err)
	assert.IsType(t, &checkpoint.SQLiteStore{}, store)
	require.NoError(t, store.Close())
}

const loopDoc = `{
  "version": "0.1.0",
  "nodes": [
    {
      "id": 0, "type": "while",
      "conditionExpression": "m < n",
      "bodyFunction": "m.increment",
      "contextVars": ["n", "m"],
      "inputPorts": {"n": 50, "m": 0},
      "outputPorts": {"n": null, "m": null}
    },
    {"id": 1, "type": "output", "name": "m"}
  ],
  "edges": [
    {"source": 0, "sourcePort": "m", "target": 1, "targetPort": null}
  ]
}`

func increment(_ context.Context, _ string, kw map[string]any) (any, error) {
	return map[string]any{"m": kw["m"].(int64) + 1}, nil
}

// TestSettings_DriveRun verifies the options reach Compile and Run.
func TestSettings_DriveRun(t *testing.T) {
	tests := []struct {
		name     string
		strategy string
	}{
		{"driven", config.LoopDriven},
		{"unrolled", config.LoopUnrolled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			s := config.DefaultSettings()
			s.MaxIterations = 4
			s.LoopStrategy = tt.strategy
			s.LogLevel = slog.LevelDebug
			s.LogFormat = config.LogJSON
			s.CheckpointPath = config.MemoryCheckpoints
			logger := s.Logger(&buf)

			wf, err := workflowdef.Parse([]byte(loopDoc))
			require.NoError(t, err)
			plan, err := workflowdef.Compile(wf, s.CompileOptions(logger)...)
			require.NoError(t, err)

			store, err := s.OpenStore()
			require.NoError(t, err)
			defer store.Close()

			opts := append(s.RunOptions(logger, store), workflowdef.WithRunID("cfg-run"))
			res, err := plan.Run(context.Background(), workflowdef.CollaboratorFunc(increment), opts...)

			require.NoError(t, err)
			assert.Equal(t, int64(4), res.Value, "capped by compile.max_iterations")
			assert.Contains(t, buf.String(), "workflow run completed")

			infos, err := store.List(context.Background(), "cfg-run")
			require.NoError(t, err)
			assert.NotEmpty(t, infos)
		})
	}
}

// TestSettings_ExpressionLength verifies the expression bound reaches the evaluator.
func TestSettings_ExpressionLength(t *testing.T) {
	s := config.DefaultSettings()
	s.ExpressionMaxLength = 3

	wf, err := workflowdef.Parse([]byte(loopDoc))
	require.NoError(t, err)
	_, err = workflowdef.Compile(wf, s.CompileOptions(nil)...)

	assert.ErrorIs(t, err, workflowdef.ErrUnsafeExpression)
}
