package workflowdef

import (
	"regexp"
	"strings"
)

// Kind discriminates node variants. It is the "type" field of a document node.
type Kind string

// Node kinds.
const (
	KindInput    Kind = "input"
	KindOutput   Kind = "output"
	KindFunction Kind = "function"
	KindWhile    Kind = "while"
	KindWorkflow Kind = "workflow"
)

// DefaultMaxIterations caps a while node that does not set maxIterations.
const DefaultMaxIterations = 1000

// Node is one vertex of a workflow graph. The set of implementations is
// closed: *InputNode, *OutputNode, *FunctionNode, *WhileNode and
// *WorkflowNode.
type Node interface {
	// NodeID returns the node id, unique within its document.
	NodeID() int
	// Kind returns the node discriminant.
	Kind() Kind

	isNode()
}

// InputNode injects a literal value into the graph.
type InputNode struct {
	ID int
	// Name is the input's parameter name. Serialize derives one when empty.
	Name string
	// Value is a portable value: nil, bool, int64, float64, string,
	// []any or map[string]any.
	Value any
}

// OutputNode is a declared terminal of the graph.
type OutputNode struct {
	ID   int
	Name string
}

// FunctionNode calls a pure function by qualified name.
type FunctionNode struct {
	ID int
	// Value is the qualified reference, "module.function".
	Value string
}

// WhileNode is a bounded loop. Exactly one condition field and exactly one
// body field are set.
type WhileNode struct {
	ID int

	ConditionFunction   string
	ConditionExpression string
	ConditionWorkflow   *Workflow

	BodyFunction string
	BodyWorkflow *Workflow

	// ContextVars restricts the tracked state variables. When empty every
	// parameter is tracked.
	ContextVars []string
	// InputPorts seeds the context. A nil value marks a port bound by an edge.
	InputPorts map[string]any
	// OutputPorts maps a context variable to the name it is published under.
	// An empty name publishes the variable under its own name.
	OutputPorts map[string]string
	// MaxIterations caps the loop. Zero means DefaultMaxIterations.
	MaxIterations int
	// StateMapping renames keys of the body result before they are merged
	// into the context: result key -> context variable.
	StateMapping map[string]string

	// Extra holds unrecognized document fields, preserved on round-trip.
	Extra map[string]any
}

// WorkflowNode runs a nested workflow as a single step. Its kwargs bind to
// the nested workflow's inputs by name; its result maps output names to values.
type WorkflowNode struct {
	ID       int
	Workflow *Workflow
	// Source is the file the nested workflow was loaded from, if any.
	Source string
}

func (n *InputNode) NodeID() int    { return n.ID }
func (n *OutputNode) NodeID() int   { return n.ID }
func (n *FunctionNode) NodeID() int { return n.ID }
func (n *WhileNode) NodeID() int    { return n.ID }
func (n *WorkflowNode) NodeID() int { return n.ID }

func (*InputNode) Kind() Kind    { return KindInput }
func (*OutputNode) Kind() Kind   { return KindOutput }
func (*FunctionNode) Kind() Kind { return KindFunction }
func (*WhileNode) Kind() Kind    { return KindWhile }
func (*WorkflowNode) Kind() Kind { return KindWorkflow }

func (*InputNode) isNode()    {}
func (*OutputNode) isNode()   {}
func (*FunctionNode) isNode() {}
func (*WhileNode) isNode()    {}
func (*WorkflowNode) isNode() {}

// Name returns the last dotted segment of the qualified reference.
func (n *FunctionNode) Name() string {
	if i := strings.LastIndexByte(n.Value, '.'); i >= 0 {
		return n.Value[i+1:]
	}
	return n.Value
}

// Module returns everything before the last dotted segment.
func (n *FunctionNode) Module() string {
	if i := strings.LastIndexByte(n.Value, '.'); i >= 0 {
		return n.Value[:i]
	}
	return ""
}

// Iterations returns the effective iteration cap.
func (n *WhileNode) Iterations() int {
	if n.MaxIterations > 0 {
		return n.MaxIterations
	}
	return DefaultMaxIterations
}

// conditionModes returns the names of the condition fields that are set.
func (n *WhileNode) conditionModes() []string {
	var modes []string
	if n.ConditionFunction != "" {
		modes = append(modes, "conditionFunction")
	}
	if n.ConditionExpression != "" {
		modes = append(modes, "conditionExpression")
	}
	if n.ConditionWorkflow != nil {
		modes = append(modes, "conditionWorkflow")
	}
	return modes
}

// bodyModes returns the names of the body fields that are set.
func (n *WhileNode) bodyModes() []string {
	var modes []string
	if n.BodyFunction != "" {
		modes = append(modes, "bodyFunction")
	}
	if n.BodyWorkflow != nil {
		modes = append(modes, "bodyWorkflow")
	}
	return modes
}

var qualifiedName = regexp.MustCompile(`^[^.]+(\.[^.]+)+$`)

// ValidQualifiedName reports whether name has the "module.function" shape
// required of function references.
func ValidQualifiedName(name string) bool {
	return qualifiedName.MatchString(name)
}
