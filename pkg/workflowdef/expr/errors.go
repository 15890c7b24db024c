package expr

import (
	"errors"
	"fmt"
)

// Sentinel errors for expression evaluation.
var (
	// ErrUnsafeExpression indicates the expression uses a construct outside
	// the allowed grammar (calls, dunder names, imports, lambdas, ...).
	ErrUnsafeExpression = errors.New("unsafe expression")

	// ErrExpressionTooLong indicates the expression exceeded the length bound.
	// Errors carrying it also match ErrUnsafeExpression.
	ErrExpressionTooLong = errors.New("expression too long")

	// ErrSyntax indicates the expression could not be parsed.
	ErrSyntax = errors.New("invalid expression syntax")

	// ErrEval indicates a runtime failure: unknown name, bad operand types,
	// division by zero, index out of range.
	ErrEval = errors.New("expression evaluation failed")

	// ErrTypeCond indicates a condition did not evaluate to a boolean.
	ErrTypeCond = errors.New("condition is not boolean")
)

// UnsafeExpressionError reports a rejected expression.
type UnsafeExpressionError struct {
	// Expr is the full expression text.
	Expr string
	// Reason names the offending construct.
	Reason string

	cause error
}

// Error implements the error interface.
func (e *UnsafeExpressionError) Error() string {
	return fmt.Sprintf("unsafe expression %q: %s", e.Expr, e.Reason)
}

// Unwrap returns ErrUnsafeExpression and, for the length guard, ErrExpressionTooLong.
func (e *UnsafeExpressionError) Unwrap() []error {
	if e.cause != nil {
		return []error{ErrUnsafeExpression, e.cause}
	}
	return []error{ErrUnsafeExpression}
}

// SyntaxError reports malformed expression text.
type SyntaxError struct {
	Expr string
	// Pos is the byte offset of the offending token.
	Pos int
	Msg string
}

// Error implements the error interface.
func (e *SyntaxError) Error() string {
	return fmt.Sprintf("invalid expression syntax %q at offset %d: %s", e.Expr, e.Pos, e.Msg)
}

// Unwrap returns ErrSyntax for errors.Is support.
func (e *SyntaxError) Unwrap() error {
	return ErrSyntax
}

// EvalError wraps a runtime failure while evaluating a well-formed expression.
type EvalError struct {
	Expr string
	Msg  string
}

// Error implements the error interface.
func (e *EvalError) Error() string {
	return fmt.Sprintf("error evaluating expression %q: %s", e.Expr, e.Msg)
}

// Unwrap returns ErrEval for errors.Is support.
func (e *EvalError) Unwrap() error {
	return ErrEval
}

// TypeCondError reports a condition whose result is not a boolean.
// No truthiness coercion is applied to conditions.
type TypeCondError struct {
	// Expr is the condition text, or the qualified function name when the
	// condition came from a function or sub-workflow.
	Expr string
	// Value is the non-boolean result.
	Value any
}

// Error implements the error interface.
func (e *TypeCondError) Error() string {
	return fmt.Sprintf("condition %q must evaluate to boolean, got %s: %v", e.Expr, TypeName(e.Value), e.Value)
}

// Unwrap returns ErrTypeCond for errors.Is support.
func (e *TypeCondError) Unwrap() error {
	return ErrTypeCond
}

// opError is raised by operators without knowledge of the source text.
// Program.Run wraps it into an EvalError.
type opError struct {
	msg string
}

func (e *opError) Error() string { return e.msg }

func opErrorf(format string, args ...any) error {
	return &opError{msg: fmt.Sprintf(format, args...)}
}
