package workflowdef

import (
	"errors"
	"fmt"
	"sort"
)

// DefaultPort is the internal name of a node's single unnamed result.
// Documents spell it as a null sourcePort; the literal string is rejected.
const DefaultPort = "__result__"

// Edge wires a producer's port to a consumer's parameter.
type Edge struct {
	Source int
	// SourcePort is DefaultPort for the whole result, or a key of a mapping result.
	SourcePort string
	Target     int
	// TargetPort is the parameter name. It is empty only for edges into an OutputNode.
	TargetPort string
}

// IsDefault reports whether the edge consumes the producer's whole result.
func (e Edge) IsDefault() bool {
	return e.SourcePort == DefaultPort
}

// Workflow is a portable workflow document.
//
// Workflows are immutable by convention once parsed or built: the
// canonicalizer and the loop expander derive new values and never
// modify their input.
type Workflow struct {
	Version string
	Nodes   []Node
	Edges   []Edge
}

// Node returns the node with the given id.
func (w *Workflow) Node(id int) (Node, bool) {
	for _, n := range w.Nodes {
		if n.NodeID() == id {
			return n, true
		}
	}
	return nil, false
}

// Inputs returns the input nodes in document order.
func (w *Workflow) Inputs() []*InputNode {
	var out []*InputNode
	for _, n := range w.Nodes {
		if in, ok := n.(*InputNode); ok {
			out = append(out, in)
		}
	}
	return out
}

// Outputs returns the output nodes in document order.
func (w *Workflow) Outputs() []*OutputNode {
	var out []*OutputNode
	for _, n := range w.Nodes {
		if o, ok := n.(*OutputNode); ok {
			out = append(out, o)
		}
	}
	return out
}

// Terminals returns the ids, in document order, of nodes that are not the
// source of any edge.
func (w *Workflow) Terminals() []int {
	sources := make(map[int]bool, len(w.Edges))
	for _, e := range w.Edges {
		sources[e.Source] = true
	}
	var out []int
	for _, n := range w.Nodes {
		if n != nil && !sources[n.NodeID()] {
			out = append(out, n.NodeID())
		}
	}
	return out
}

// IDs returns all node ids in ascending order.
func (w *Workflow) IDs() []int {
	ids := make([]int, len(w.Nodes))
	for i, n := range w.Nodes {
		ids[i] = n.NodeID()
	}
	sort.Ints(ids)
	return ids
}

// MaxID returns the largest node id, or -1 for an empty workflow.
func (w *Workflow) MaxID() int {
	maxID := -1
	for _, n := range w.Nodes {
		if n.NodeID() > maxID {
			maxID = n.NodeID()
		}
	}
	return maxID
}

// WithoutOutputs returns a copy of the workflow with every OutputNode and
// the edges feeding them removed. Engines that read the last writer use it.
func (w *Workflow) WithoutOutputs() *Workflow {
	drop := make(map[int]bool)
	out := &Workflow{Version: w.Version}
	for _, n := range w.Nodes {
		if n.Kind() == KindOutput {
			drop[n.NodeID()] = true
			continue
		}
		out.Nodes = append(out.Nodes, n)
	}
	for _, e := range w.Edges {
		if !drop[e.Target] {
			out.Edges = append(out.Edges, e)
		}
	}
	return out
}

// Validate checks the structural invariants of the workflow and of every
// nested workflow: unique ids, edge referential integrity, port rules,
// while node exclusivity and a terminal node. All violations are joined
// into one error.
func (w *Workflow) Validate() error {
	if w == nil {
		return ErrNilWorkflow
	}
	return errors.Join(w.validate(nil, "")...)
}

// scope is the chain of ids visible to a nested workflow's edges.
type scope struct {
	ids    map[int]bool
	parent *scope
}

func newScope(w *Workflow, parent *scope) *scope {
	s := &scope{ids: make(map[int]bool, len(w.Nodes)), parent: parent}
	for _, n := range w.Nodes {
		if n != nil {
			s.ids[n.NodeID()] = true
		}
	}
	return s
}

func (s *scope) has(id int) bool {
	for cur := s; cur != nil; cur = cur.parent {
		if cur.ids[id] {
			return true
		}
	}
	return false
}

func (w *Workflow) validate(outer *scope, path string) []error {
	var errs []error
	add := func(err *SchemaError) {
		err.Path = path
		errs = append(errs, err)
	}

	if w.Version == "" {
		add(schemaErrorf(-1, "version", "required"))
	}
	if len(w.Nodes) == 0 {
		add(schemaErrorf(-1, "nodes", "workflow has no nodes"))
		return errs
	}

	nodes := make(map[int]Node, len(w.Nodes))
	for i, n := range w.Nodes {
		if n == nil {
			add(schemaErrorf(-1, fmt.Sprintf("nodes[%d]", i), "nil node"))
			return errs
		}
		if _, dup := nodes[n.NodeID()]; dup {
			add(schemaErrorf(n.NodeID(), "id", "duplicate node id"))
			continue
		}
		nodes[n.NodeID()] = n
	}
	local := newScope(w, outer)

	for _, n := range w.Nodes {
		switch node := n.(type) {
		case *OutputNode:
			if node.Name == "" {
				add(schemaErrorf(node.ID, "name", "output node requires a name"))
			}
		case *FunctionNode:
			if !ValidQualifiedName(node.Value) {
				add(schemaErrorf(node.ID, "value", "%q is not a qualified name \"module.function\"", node.Value))
			}
		case *WhileNode:
			errs = append(errs, node.validate(local, path)...)
		case *WorkflowNode:
			if node.Workflow == nil {
				add(schemaErrorf(node.ID, "value", "nested workflow is missing"))
			} else {
				errs = append(errs, node.Workflow.validate(local, nestedPath(path, node.ID, "value"))...)
			}
		}
	}

	incoming := make(map[int]int)
	for i, e := range w.Edges {
		field := fmt.Sprintf("edges[%d]", i)
		if !local.has(e.Source) {
			add(schemaErrorf(-1, field+".source", "unknown node %d", e.Source))
		}
		if e.SourcePort == "" {
			add(schemaErrorf(-1, field+".sourcePort", "empty port name"))
		}
		target, ok := nodes[e.Target]
		if !ok {
			add(schemaErrorf(-1, field+".target", "unknown node %d", e.Target))
			continue
		}
		incoming[e.Target]++
		switch target.Kind() {
		case KindInput:
			add(schemaErrorf(e.Target, field+".target", "input nodes take no incoming edges"))
		case KindOutput:
		default:
			if e.TargetPort == "" {
				add(schemaErrorf(e.Target, field+".targetPort", "required for %s nodes", target.Kind()))
			}
		}
	}
	for _, o := range w.Outputs() {
		if incoming[o.ID] != 1 {
			add(schemaErrorf(o.ID, "edges", "output node must have exactly one incoming edge, has %d", incoming[o.ID]))
		}
	}
	if _, err := GroupEdges(w.Edges); err != nil {
		var se *SchemaError
		if errors.As(err, &se) {
			add(se)
		}
	}
	if len(w.Terminals()) == 0 {
		add(schemaErrorf(-1, "edges", "workflow has no terminal node"))
	}
	return errs
}

func (n *WhileNode) validate(local *scope, path string) []error {
	var errs []error
	add := func(field, format string, args ...any) {
		err := schemaErrorf(n.ID, field, format, args...)
		err.Path = path
		errs = append(errs, err)
	}

	switch modes := n.conditionModes(); len(modes) {
	case 0:
		add("condition", "one of conditionFunction, conditionExpression or conditionWorkflow is required")
	case 1:
	default:
		add("condition", "exactly one condition is allowed, got %v", modes)
	}
	switch modes := n.bodyModes(); len(modes) {
	case 0:
		add("body", "one of bodyFunction or bodyWorkflow is required")
	case 1:
	default:
		add("body", "exactly one body is allowed, got %v", modes)
	}

	if n.ConditionFunction != "" && !ValidQualifiedName(n.ConditionFunction) {
		add("conditionFunction", "%q is not a qualified name \"module.function\"", n.ConditionFunction)
	}
	if n.BodyFunction != "" && !ValidQualifiedName(n.BodyFunction) {
		add("bodyFunction", "%q is not a qualified name \"module.function\"", n.BodyFunction)
	}
	if n.MaxIterations < 0 {
		add("maxIterations", "must be positive, got %d", n.MaxIterations)
	}

	for _, v := range n.ContextVars {
		if n.InputPorts != nil {
			if _, ok := n.InputPorts[v]; !ok {
				add("contextVars", "%q is not a key of inputPorts", v)
			}
		}
		if n.OutputPorts != nil {
			if _, ok := n.OutputPorts[v]; !ok {
				add("contextVars", "%q is not a key of outputPorts", v)
			}
		}
	}

	if n.ConditionWorkflow != nil {
		errs = append(errs, n.ConditionWorkflow.validate(local, nestedPath(path, n.ID, "conditionWorkflow"))...)
	}
	if n.BodyWorkflow != nil {
		errs = append(errs, n.BodyWorkflow.validate(local, nestedPath(path, n.ID, "bodyWorkflow"))...)
	}
	return errs
}

func nestedPath(path string, id int, field string) string {
	p := fmt.Sprintf("node %d %s", id, field)
	if path == "" {
		return p
	}
	return path + " > " + p
}
