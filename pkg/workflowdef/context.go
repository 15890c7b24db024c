package workflowdef

import (
	"context"
	"log/slog"

	"github.com/pythonworkflow/python-workflow-definition/pkg/workflowdef/observability"
)

// Context describes the step a collaborator call belongs to. The context
// passed to Collaborator.Invoke carries one; retrieve it with FromContext.
type Context interface {
	context.Context

	// Logger returns a logger enriched with run_id, node_id and function.
	// Never returns nil.
	Logger() *slog.Logger

	// RunID returns the unique identifier for this run.
	RunID() string

	// NodeID returns the id of the node being evaluated.
	NodeID() int

	// Function returns the qualified name being invoked.
	Function() string

	// Iteration returns the zero-based while iteration, or -1 outside loops.
	Iteration() int
}

type contextKey struct{}

// executionContext is the internal implementation of Context.
type executionContext struct {
	context.Context

	logger    *slog.Logger
	runID     string
	nodeID    int
	function  string
	iteration int
}

// Logger returns the enriched logger.
func (c *executionContext) Logger() *slog.Logger {
	return c.logger
}

// RunID returns the run identifier.
func (c *executionContext) RunID() string {
	return c.runID
}

// NodeID returns the current node id.
func (c *executionContext) NodeID() int {
	return c.nodeID
}

// Function returns the qualified name being invoked.
func (c *executionContext) Function() string {
	return c.function
}

// Iteration returns the current loop iteration.
func (c *executionContext) Iteration() int {
	return c.iteration
}

// Value returns the executionContext itself for its key.
func (c *executionContext) Value(key any) any {
	if _, ok := key.(contextKey); ok {
		return c
	}
	return c.Context.Value(key)
}

// FromContext returns the step Context carried by ctx.
//
// Example:
//
//	func (c *myCollaborator) Invoke(ctx context.Context, fn any, kwargs map[string]any) (any, error) {
//	    if step, ok := workflowdef.FromContext(ctx); ok {
//	        step.Logger().Info("invoking", "iteration", step.Iteration())
//	    }
//	    ...
//	}
func FromContext(ctx context.Context) (Context, bool) {
	if ctx == nil {
		return nil, false
	}
	ec, ok := ctx.Value(contextKey{}).(*executionContext)
	return ec, ok
}

// stepContext derives the context for one collaborator call.
func stepContext(ctx context.Context, logger *slog.Logger, runID string, nodeID int, function string, iteration int) *executionContext {
	if logger == nil {
		logger = slog.Default()
	}
	logger = observability.EnrichLogger(logger, runID, nodeID, function)
	if iteration >= 0 {
		logger = logger.With(slog.Int("iteration", iteration))
	}
	return &executionContext{
		Context:   ctx,
		logger:    logger,
		runID:     runID,
		nodeID:    nodeID,
		function:  function,
		iteration: iteration,
	}
}
