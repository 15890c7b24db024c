package workflowdef

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pythonworkflow/python-workflow-definition/pkg/workflowdef/expr"
)

// Sentinel errors for loading and resolving workflow documents.
var (
	// ErrSchema indicates a malformed document or an invariant violation.
	ErrSchema = errors.New("schema error")

	// ErrCyclicGraph indicates the canonicalizer could not order every node.
	ErrCyclicGraph = errors.New("cyclic graph")

	// ErrMissingPort indicates a named source port absent from a producer's result.
	ErrMissingPort = errors.New("missing port")

	// ErrNilWorkflow indicates a nil *Workflow was passed where one is required.
	ErrNilWorkflow = errors.New("workflow cannot be nil")
)

// Sentinel errors for evaluation.
var (
	// ErrUnresolvedReference indicates a qualified function name could not be resolved.
	ErrUnresolvedReference = errors.New("unresolved reference")

	// ErrInvocation indicates a collaborator call failed.
	ErrInvocation = errors.New("invocation failed")

	// ErrUnsafeExpression indicates a loop condition outside the safe grammar.
	ErrUnsafeExpression = expr.ErrUnsafeExpression

	// ErrTypeCond indicates a loop condition produced a non-boolean value.
	ErrTypeCond = expr.ErrTypeCond

	// ErrNilContext indicates Run() was called with a nil context.
	ErrNilContext = errors.New("context cannot be nil")

	// ErrNilCollaborator indicates Run() was called without a collaborator.
	ErrNilCollaborator = errors.New("collaborator cannot be nil")

	// ErrUnknownInput indicates WithInputs named an input the workflow does not declare.
	ErrUnknownInput = errors.New("unknown input")
)

// Sentinel errors for checkpointing and resume.
var (
	// ErrRunIDRequired indicates checkpointing was enabled without a run ID.
	ErrRunIDRequired = errors.New("run ID required for checkpointing")

	// ErrNoCheckpoints indicates no checkpoints exist for the run.
	ErrNoCheckpoints = errors.New("no checkpoints found for run")

	// ErrCheckpointMismatch indicates checkpoints belong to a different workflow.
	ErrCheckpointMismatch = errors.New("checkpoint does not match workflow")
)

// UnsafeExpressionError is returned for conditions outside the safe grammar.
type UnsafeExpressionError = expr.UnsafeExpressionError

// TypeCondError is returned when a condition is not boolean. For function
// and workflow conditions Expr holds the qualified name or "<workflow>".
type TypeCondError = expr.TypeCondError

// SchemaError reports a malformed document or a violated invariant.
type SchemaError struct {
	// Path locates a nested document, e.g. "node 4 bodyWorkflow". Empty at top level.
	Path string
	// NodeID is the offending node, or -1 when the problem is not tied to a node.
	NodeID int
	// Field is the offending field, e.g. "value" or "edges[2].sourcePort".
	Field string
	// Msg describes the violation.
	Msg string
	// Err is an optional underlying cause.
	Err error
}

// Error implements the error interface.
func (e *SchemaError) Error() string {
	var b strings.Builder
	b.WriteString("schema: ")
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	if e.NodeID >= 0 {
		fmt.Fprintf(&b, "node %d: ", e.NodeID)
	}
	if e.Field != "" {
		b.WriteString(e.Field)
		b.WriteString(": ")
	}
	b.WriteString(e.Msg)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns ErrSchema and the cause for errors.Is/As support.
func (e *SchemaError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrSchema, e.Err}
	}
	return []error{ErrSchema}
}

func schemaErrorf(nodeID int, field, format string, args ...any) *SchemaError {
	return &SchemaError{NodeID: nodeID, Field: field, Msg: fmt.Sprintf(format, args...)}
}

// CyclicGraphError is returned when canonicalization makes no progress.
type CyclicGraphError struct {
	// NodeIDs are the nodes that could not be ordered, ascending.
	NodeIDs []int
}

// Error implements the error interface.
func (e *CyclicGraphError) Error() string {
	return fmt.Sprintf("cyclic graph: cannot order nodes %v", e.NodeIDs)
}

// Unwrap returns ErrCyclicGraph for errors.Is support.
func (e *CyclicGraphError) Unwrap() error {
	return ErrCyclicGraph
}

// MissingPortError is returned when a named port is absent from a result.
type MissingPortError struct {
	// NodeID is the producing node.
	NodeID int
	// Port is the requested port name.
	Port string
	// Got is the type name of the producer's actual result.
	Got string
}

// Error implements the error interface.
func (e *MissingPortError) Error() string {
	return fmt.Sprintf("node %d: result has no port %q (got %s)", e.NodeID, e.Port, e.Got)
}

// Unwrap returns ErrMissingPort for errors.Is support.
func (e *MissingPortError) Unwrap() error {
	return ErrMissingPort
}

// UnresolvedReferenceError is returned when a collaborator cannot resolve a name.
type UnresolvedReferenceError struct {
	NodeID int
	Name   string
	// Err is the collaborator's original error.
	Err error
}

// Error implements the error interface.
func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("node %d: cannot resolve %q: %v", e.NodeID, e.Name, e.Err)
}

// Unwrap returns ErrUnresolvedReference and the original cause.
func (e *UnresolvedReferenceError) Unwrap() []error {
	return []error{ErrUnresolvedReference, e.Err}
}

// InvocationError is returned when a collaborator call fails or panics.
type InvocationError struct {
	NodeID int
	Name   string
	// Err is the collaborator's original error, or a *PanicError.
	Err error
}

// Error implements the error interface.
func (e *InvocationError) Error() string {
	return fmt.Sprintf("node %d: invoke %s: %v", e.NodeID, e.Name, e.Err)
}

// Unwrap returns ErrInvocation and the original cause.
func (e *InvocationError) Unwrap() []error {
	return []error{ErrInvocation, e.Err}
}

// PanicError captures a panic raised inside a collaborator call.
type PanicError struct {
	// NodeID is the node whose call panicked.
	NodeID int
	// Value is the value passed to panic().
	Value any
	// Stack is the full stack trace at the point of panic.
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("node %d panicked: %v", e.NodeID, e.Value)
}

// LoopError wraps a failure inside a while node.
type LoopError struct {
	NodeID int
	// Iteration is the zero-based iteration that failed.
	Iteration int
	// Phase is "condition", "body", "result", or "state" for unrolled loops.
	Phase string
	Err   error
}

// Error implements the error interface.
func (e *LoopError) Error() string {
	return fmt.Sprintf("while node %d: iteration %d: %s: %v", e.NodeID, e.Iteration, e.Phase, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *LoopError) Unwrap() error {
	return e.Err
}

// CancellationError captures the step at which a run was cancelled.
type CancellationError struct {
	// NodeID is the step that was about to execute.
	NodeID int
	// Cause is context.Canceled or context.DeadlineExceeded.
	Cause error
}

// Error implements the error interface.
func (e *CancellationError) Error() string {
	return fmt.Sprintf("cancelled before node %d: %v", e.NodeID, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CancellationError) Unwrap() error {
	return e.Cause
}

// CheckpointError wraps errors from checkpoint operations.
type CheckpointError struct {
	// NodeID is the step where checkpointing failed.
	NodeID int
	// Op is the operation that failed ("encode", "save", "load", "decode").
	Op string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint %s at node %d: %v", e.Op, e.NodeID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *CheckpointError) Unwrap() error {
	return e.Err
}
