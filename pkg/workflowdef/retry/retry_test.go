package retry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pythonworkflow/python-workflow-definition/pkg/workflowdef"
)

var errFlaky = errors.New("worker busy")

func TestCategoryString(t *testing.T) {
	tests := []struct {
		category Category
		expected string
	}{
		{CategoryTransient, "transient"},
		{CategoryPermanent, "permanent"},
		{Category(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.category.String(); got != tt.expected {
				t.Errorf("Category(%d).String() = %s, want %s", tt.category, got, tt.expected)
			}
		})
	}
}

func TestCategorize(t *testing.T) {
	transient := Transient(errFlaky, "call")

	tests := []struct {
		name     string
		err      error
		expected Category
	}{
		{"nil error", nil, CategoryPermanent},
		{"unknown error", errors.New("unknown"), CategoryPermanent},
		{"marked transient", transient, CategoryTransient},
		{"marked permanent", Permanent(errFlaky, "call"), CategoryPermanent},
		{"wrapped transient", fmt.Errorf("outer: %w", transient), CategoryTransient},
		{"timeout", &TimeoutError{Operation: "fetch", Duration: time.Second}, CategoryTransient},
		{"invocation with transient cause", &workflowdef.InvocationError{NodeID: 1, Name: "m.f", Err: transient}, CategoryTransient},
		{"invocation with plain cause", &workflowdef.InvocationError{NodeID: 1, Name: "m.f", Err: errFlaky}, CategoryPermanent},
		{"invocation that panicked", &workflowdef.InvocationError{NodeID: 1, Name: "m.f", Err: &workflowdef.PanicError{NodeID: 1, Value: "boom"}}, CategoryPermanent},
		{"unresolved reference", &workflowdef.UnresolvedReferenceError{NodeID: 1, Name: "m.f", Err: transient}, CategoryPermanent},
		{"schema", &workflowdef.SchemaError{NodeID: 2, Msg: "bad"}, CategoryPermanent},
		{"cycle", &workflowdef.CyclicGraphError{NodeIDs: []int{0, 1}}, CategoryPermanent},
		{"missing port", &workflowdef.MissingPortError{NodeID: 0, Port: "x", Got: "float"}, CategoryPermanent},
		{"unsafe expression", &workflowdef.UnsafeExpressionError{Expr: "print(1)"}, CategoryPermanent},
		{"cancellation", &workflowdef.CancellationError{NodeID: 3, Cause: context.DeadlineExceeded}, CategoryPermanent},
		{"canceled context", context.Canceled, CategoryPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Categorize(tt.err); got != tt.expected {
				t.Errorf("Categorize() = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestCategorizedError(t *testing.T) {
	t.Run("error message with context", func(t *testing.T) {
		err := NewCategorized(errors.New("failed"), CategoryTransient, "invoke")
		expected := "invoke: failed (category: transient, attempts: 0)"
		if got := err.Error(); got != expected {
			t.Errorf("Error() = %q, want %q", got, expected)
		}
	})

	t.Run("error message without context", func(t *testing.T) {
		err := NewCategorized(errors.New("failed"), CategoryPermanent, "")
		expected := "failed (category: permanent, attempts: 0)"
		if got := err.Error(); got != expected {
			t.Errorf("Error() = %q, want %q", got, expected)
		}
	})

	t.Run("unwrap", func(t *testing.T) {
		err := Transient(errFlaky, "")
		if !errors.Is(err, errFlaky) {
			t.Error("errors.Is should find the cause")
		}
		if !IsRetryable(err) {
			t.Error("transient error should be retryable")
		}
	})
}

func TestDo(t *testing.T) {
	ctx := context.Background()

	t.Run("success on first try", func(t *testing.T) {
		calls := 0
		result := Do(ctx, NewConfig(WithMaxAttempts(3)), func(context.Context) (string, error) {
			calls++
			return "success", nil
		})

		if result.Err != nil {
			t.Errorf("Unexpected error: %v", result.Err)
		}
		if result.Value != "success" {
			t.Errorf("Value = %q, want %q", result.Value, "success")
		}
		if result.Attempts != 1 || calls != 1 {
			t.Errorf("Attempts = %d, calls = %d, want 1", result.Attempts, calls)
		}
	})

	t.Run("success on retry", func(t *testing.T) {
		calls := 0
		var retries []int
		cfg := NewConfig(
			WithMaxAttempts(3),
			WithInitialBackoff(time.Millisecond),
			WithOnRetry(func(attempt int, _ error, _ time.Duration) {
				retries = append(retries, attempt)
			}),
		)
		result := Do(ctx, cfg, func(context.Context) (int, error) {
			calls++
			if calls < 3 {
				return 0, Transient(errFlaky, "")
			}
			return 42, nil
		})

		if result.Err != nil {
			t.Errorf("Unexpected error: %v", result.Err)
		}
		if result.Attempts != 3 {
			t.Errorf("Attempts = %d, want 3", result.Attempts)
		}
		if len(retries) != 2 || retries[0] != 1 || retries[1] != 2 {
			t.Errorf("OnRetry attempts = %v, want [1 2]", retries)
		}
	})

	t.Run("max attempts exceeded", func(t *testing.T) {
		cfg := NewConfig(WithMaxAttempts(3), WithInitialBackoff(time.Millisecond))
		result := Do(ctx, cfg, func(context.Context) (string, error) {
			return "", &TimeoutError{Operation: "fetch", Duration: time.Second}
		})

		var catErr *CategorizedError
		if !errors.As(result.Err, &catErr) {
			t.Fatalf("Err = %v, want *CategorizedError", result.Err)
		}
		if catErr.Retries != 3 || catErr.Context != "max retries exceeded" {
			t.Errorf("CategorizedError = %+v", catErr)
		}
		if result.Attempts != 3 {
			t.Errorf("Attempts = %d, want 3", result.Attempts)
		}
	})

	t.Run("permanent error stops immediately", func(t *testing.T) {
		calls := 0
		result := Do(ctx, NewConfig(WithMaxAttempts(3)), func(context.Context) (string, error) {
			calls++
			return "", errFlaky
		})

		if !errors.Is(result.Err, errFlaky) {
			t.Errorf("Err = %v, want wrapped errFlaky", result.Err)
		}
		if calls != 1 {
			t.Errorf("Calls = %d, want 1 (should not retry permanent error)", calls)
		}
	})

	t.Run("custom retryable func", func(t *testing.T) {
		calls := 0
		cfg := NewConfig(
			WithMaxAttempts(3),
			WithInitialBackoff(time.Millisecond),
			WithRetryableFunc(func(error) bool { return true }),
		)
		result := Do(ctx, cfg, func(context.Context) (string, error) {
			calls++
			return "", errFlaky
		})

		if calls != 3 || result.Attempts != 3 {
			t.Errorf("Calls = %d, Attempts = %d, want 3", calls, result.Attempts)
		}
	})

	t.Run("zero attempts still calls once", func(t *testing.T) {
		calls := 0
		result := Do(ctx, Config{}, func(context.Context) (string, error) {
			calls++
			return "ok", nil
		})

		if result.Err != nil || calls != 1 {
			t.Errorf("Err = %v, calls = %d, want nil and 1", result.Err, calls)
		}
	})
}

func TestDo_Context(t *testing.T) {
	t.Run("respects context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		calls := 0
		result := Do(ctx, NewConfig(WithMaxAttempts(3)), func(context.Context) (string, error) {
			calls++
			return "never reached", nil
		})

		if !errors.Is(result.Err, context.Canceled) {
			t.Errorf("Err = %v, want context.Canceled", result.Err)
		}
		if calls != 0 {
			t.Errorf("Calls = %d, want 0", calls)
		}
	})

	t.Run("cancellation during backoff", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0

		cfg := NewConfig(
			WithMaxAttempts(5),
			WithInitialBackoff(100*time.Millisecond),
		)

		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		result := Do(ctx, cfg, func(context.Context) (string, error) {
			calls++
			return "", Transient(errFlaky, "")
		})

		if result.Err == nil {
			t.Error("Expected error from cancelled context")
		}
		if calls > 2 {
			t.Errorf("Calls = %d, expected <= 2 (should cancel during backoff)", calls)
		}
	})
}

func TestCalculateBackoff(t *testing.T) {
	if got := calculateBackoff(time.Second, 0); got != time.Second {
		t.Errorf("calculateBackoff without jitter = %v, want 1s", got)
	}
	for range 100 {
		got := calculateBackoff(time.Second, 0.1)
		if got < 900*time.Millisecond || got > 1100*time.Millisecond {
			t.Fatalf("calculateBackoff = %v, want within 10%% of 1s", got)
		}
	}
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig(
		WithMaxAttempts(5),
		WithInitialBackoff(2*time.Second),
		WithMaxBackoff(60*time.Second),
		WithBackoffFactor(3.0),
		WithJitter(0.2),
	)

	if cfg.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.MaxAttempts)
	}
	if cfg.InitialBackoff != 2*time.Second {
		t.Errorf("InitialBackoff = %v, want 2s", cfg.InitialBackoff)
	}
	if cfg.MaxBackoff != 60*time.Second {
		t.Errorf("MaxBackoff = %v, want 60s", cfg.MaxBackoff)
	}
	if cfg.BackoffFactor != 3.0 {
		t.Errorf("BackoffFactor = %f, want 3.0", cfg.BackoffFactor)
	}
	if cfg.Jitter != 0.2 {
		t.Errorf("Jitter = %f, want 0.2", cfg.Jitter)
	}
}

const squareDoc = `{
  "version": "0.1.0",
  "nodes": [
    {"id": 0, "type": "function", "value": "m.square"},
    {"id": 1, "type": "input", "name": "x", "value": 3},
    {"id": 2, "type": "output", "name": "result"}
  ],
  "edges": [
    {"target": 0, "targetPort": "x", "source": 1, "sourcePort": null},
    {"target": 2, "targetPort": null, "source": 0, "sourcePort": null}
  ]
}`

// flaky fails the first n calls with err.
func flaky(n int64, err error) (workflowdef.CollaboratorFunc, *atomic.Int64) {
	var calls atomic.Int64
	return func(_ context.Context, _ string, kw map[string]any) (any, error) {
		if calls.Add(1) <= n {
			return nil, err
		}
		x := kw["x"].(int64)
		return x * x, nil
	}, &calls
}

func runSquare(t *testing.T, collab workflowdef.Collaborator) (*workflowdef.Result, error) {
	t.Helper()
	wf, err := workflowdef.Parse([]byte(squareDoc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	plan, err := workflowdef.Compile(wf)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	return plan.Run(context.Background(), collab)
}

func TestCollaborator(t *testing.T) {
	fast := WithConfig(NewConfig(WithMaxAttempts(3), WithInitialBackoff(time.Millisecond)))

	t.Run("retries transient failures", func(t *testing.T) {
		fn, calls := flaky(2, Transient(errFlaky, "square"))

		res, err := runSquare(t, Wrap(fn, fast))

		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if res.Value != int64(9) {
			t.Errorf("Value = %v, want 9", res.Value)
		}
		if calls.Load() != 3 {
			t.Errorf("Calls = %d, want 3", calls.Load())
		}
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		fn, calls := flaky(10, Transient(errFlaky, "square"))

		_, err := runSquare(t, Wrap(fn, fast))

		if !errors.Is(err, workflowdef.ErrInvocation) || !errors.Is(err, errFlaky) {
			t.Fatalf("Run() error = %v, want invocation error wrapping the cause", err)
		}
		var catErr *CategorizedError
		if !errors.As(err, &catErr) || catErr.Retries != 3 {
			t.Errorf("CategorizedError = %+v, want 3 attempts", catErr)
		}
		if !IsRetryable(err) {
			t.Error("exhausted transient failure should stay transient")
		}
		if calls.Load() != 3 {
			t.Errorf("Calls = %d, want 3", calls.Load())
		}
	})

	t.Run("does not retry permanent failures", func(t *testing.T) {
		fn, calls := flaky(10, errFlaky)

		_, err := runSquare(t, Wrap(fn, fast))

		if err == nil {
			t.Fatal("expected error")
		}
		if calls.Load() != 1 {
			t.Errorf("Calls = %d, want 1", calls.Load())
		}
	})

	t.Run("does not retry resolution", func(t *testing.T) {
		var resolves atomic.Int64
		collab := &resolveCounter{count: &resolves}

		_, err := runSquare(t, Wrap(collab, fast))

		if !errors.Is(err, workflowdef.ErrUnresolvedReference) {
			t.Fatalf("Run() error = %v, want unresolved reference", err)
		}
		if resolves.Load() != 1 {
			t.Errorf("Resolves = %d, want 1", resolves.Load())
		}
	})
}

type resolveCounter struct {
	count *atomic.Int64
}

func (r *resolveCounter) Resolve(name string) (any, error) {
	r.count.Add(1)
	return nil, Transient(fmt.Errorf("no %s", name), "resolve")
}

func (r *resolveCounter) Invoke(context.Context, any, map[string]any) (any, error) {
	return nil, errors.New("unreachable")
}
