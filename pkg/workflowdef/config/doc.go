/*
Package config reads workflow tool settings from YAML or JSON files.

# Typed Access

Config wraps a decoded document and extracts values with defaults. Keys
may be dotted paths into nested mappings:

	cfg, err := config.FromFile("workflow.yaml")
	if err != nil {
	    return err
	}
	level := cfg.String("log.level", "info")
	maxIter := cfg.Int("compile.max_iterations", 1000)

A missing key, or a value of the wrong type, yields the default.

# Settings

LoadSettings reads the known keys into Settings, validates them, and
translates them into options for the workflowdef package:

	s, err := config.LoadSettings(cfg)
	if err != nil {
	    return err
	}
	logger := s.Logger(os.Stderr)
	plan, err := workflowdef.Compile(wf, s.CompileOptions(logger)...)

	store, err := s.OpenStore()
	if err != nil {
	    return err
	}
	if store != nil {
	    defer store.Close()
	}
	res, err := plan.Run(ctx, funcs, append(s.RunOptions(logger, store), workflowdef.WithRunID(id))...)

Checkpointing requires a run ID, so callers that enable it pass WithRunID.
*/
package config
