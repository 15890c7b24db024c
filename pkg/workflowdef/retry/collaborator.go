package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/pythonworkflow/python-workflow-definition/pkg/workflowdef"
)

// Collaborator decorates another collaborator so that Invoke is retried
// while the call fails transiently. Resolve is never retried: an unknown
// name does not become known by asking again.
type Collaborator struct {
	next   workflowdef.Collaborator
	cfg    Config
	logger *slog.Logger
}

var (
	_ workflowdef.Collaborator    = (*Collaborator)(nil)
	_ workflowdef.OutputRegistrar = (*Collaborator)(nil)
)

// CollaboratorOption configures a retrying Collaborator.
type CollaboratorOption func(*Collaborator)

// WithConfig sets the retry configuration. The default is Default.
func WithConfig(cfg Config) CollaboratorOption {
	return func(c *Collaborator) {
		c.cfg = cfg
	}
}

// WithLogger sets the fallback logger for retry messages. Calls made by a
// workflow run log through the step logger instead.
func WithLogger(logger *slog.Logger) CollaboratorOption {
	return func(c *Collaborator) {
		c.logger = logger
	}
}

// Wrap returns a Collaborator that retries next.Invoke.
func Wrap(next workflowdef.Collaborator, opts ...CollaboratorOption) *Collaborator {
	c := &Collaborator{
		next:   next,
		cfg:    Default,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolve implements workflowdef.Collaborator.
func (c *Collaborator) Resolve(name string) (any, error) {
	return c.next.Resolve(name)
}

// Invoke implements workflowdef.Collaborator. On failure the returned error
// is a *CategorizedError carrying the attempt count and the last cause.
func (c *Collaborator) Invoke(ctx context.Context, fn any, kwargs map[string]any) (any, error) {
	logger := c.logger
	if step, ok := workflowdef.FromContext(ctx); ok {
		logger = step.Logger()
	}

	cfg := c.cfg
	onRetry := cfg.OnRetry
	cfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
		logger.Warn("retrying call",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)
		if onRetry != nil {
			onRetry(attempt, err, backoff)
		}
	}

	result := Do(ctx, cfg, func(ctx context.Context) (any, error) {
		return c.next.Invoke(ctx, fn, kwargs)
	})
	if result.Err != nil {
		return nil, result.Err
	}
	return result.Value, nil
}

// RegisterOutputs forwards to the wrapped collaborator when it declares
// outputs.
func (c *Collaborator) RegisterOutputs(fn any, nodeID int, ports []string) error {
	if reg, ok := c.next.(workflowdef.OutputRegistrar); ok {
		return reg.RegisterOutputs(fn, nodeID, ports)
	}
	return nil
}
