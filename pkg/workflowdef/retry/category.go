// Package retry classifies workflow errors and retries collaborator calls
// that fail transiently.
//
// The core never retries. Every error it raises on its own (schema, cycle,
// missing port, unsafe expression, non-boolean condition, cancellation) is
// permanent. A collaborator opts into retries by marking the cause of a
// failed call:
//
//	return nil, retry.Transient(err, "fetch structure")
//
// and wrapping itself with Wrap so Invoke is retried with exponential
// backoff.
package retry

import (
	"context"
	"errors"
	"fmt"

	"github.com/pythonworkflow/python-workflow-definition/pkg/workflowdef"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryTransient indicates retry will likely help.
	// Examples: timeouts, a busy worker, temporary network issues.
	CategoryTransient Category = iota

	// CategoryPermanent indicates retry won't help.
	// Every error raised by the core itself is permanent.
	CategoryPermanent
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Retries is the number of attempts that have been made.
	Retries int

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Context, e.Err, e.Category, e.Retries)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)",
		e.Err, e.Category, e.Retries)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// NewCategorized creates a new categorized error.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{
		Err:      err,
		Category: category,
		Context:  context,
	}
}

// Transient marks err as worth retrying.
func Transient(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryTransient, context)
}

// Permanent marks err as not worth retrying.
func Permanent(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryPermanent, context)
}

// Categorize determines how an error should be handled.
//
// Core taxonomy errors are permanent regardless of what they wrap, except
// InvocationError, whose category is that of the collaborator's cause.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent
	}

	if errors.Is(err, context.Canceled) {
		return CategoryPermanent
	}
	var cancelled *workflowdef.CancellationError
	if errors.As(err, &cancelled) {
		return CategoryPermanent
	}

	// Raised by the core before or around a call.
	if errors.Is(err, workflowdef.ErrSchema) ||
		errors.Is(err, workflowdef.ErrCyclicGraph) ||
		errors.Is(err, workflowdef.ErrMissingPort) ||
		errors.Is(err, workflowdef.ErrUnresolvedReference) ||
		errors.Is(err, workflowdef.ErrUnsafeExpression) ||
		errors.Is(err, workflowdef.ErrTypeCond) {
		return CategoryPermanent
	}

	var panicErr *workflowdef.PanicError
	if errors.As(err, &panicErr) {
		return CategoryPermanent
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return CategoryTransient
	}

	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return CategoryTransient
	}

	// Unknown errors are permanent (fail safe)
	return CategoryPermanent
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}
