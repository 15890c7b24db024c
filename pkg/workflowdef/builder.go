package workflowdef

import (
	"errors"
	"fmt"
	"sort"

	"github.com/pythonworkflow/python-workflow-definition/pkg/workflowdef/expr"
)

// Args are the keyword arguments of a builder call. A value is either a
// Ref to another node's result or a literal.
type Args map[string]any

type refKind int

const (
	refCall refKind = iota + 1
	refInput
)

// Ref refers to the result of a node added to a Builder. Use Port to
// read one key of a mapping result.
type Ref struct {
	b     *Builder
	kind  refKind
	index int
	port  string
}

// Port returns a reference to the named port of the same node.
func (r Ref) Port(name string) Ref {
	r.port = name
	return r
}

func (r Ref) sourcePort() string {
	if r.port == "" {
		return DefaultPort
	}
	return r.port
}

type builderCall struct {
	function string
	loop     *WhileNode
	args     map[string]Ref
}

type builderInput struct {
	name     string
	value    any
	implicit bool
}

type builderOutput struct {
	name string
	ref  Ref
}

// Builder assembles a workflow from calls, the way an engine exports its
// native graph. Literal arguments that are equal, by typed structural
// equality, share one input node; calls to the same function with the
// same bindings are merged into one node.
//
// Errors are collected and reported by Build.
//
// Example:
//
//	b := workflowdef.NewBuilder("0.1.0")
//	pd := b.Call("m.get_prod_and_div", workflowdef.Args{"x": 1, "y": 2})
//	sum := b.Call("m.get_sum", workflowdef.Args{"x": pd.Port("prod"), "y": pd.Port("div")})
//	b.Output("result", b.Call("m.get_square", workflowdef.Args{"x": sum}))
//	wf, err := b.Build()
type Builder struct {
	version string
	calls   []*builderCall
	inputs  []*builderInput
	outputs []builderOutput
	errs    []error
}

// NewBuilder creates a Builder for a document of the given version.
func NewBuilder(version string) *Builder {
	return &Builder{version: version}
}

// Input adds a named literal input. Adding the same name twice returns the
// existing input when the values are equal and records an error otherwise.
func (b *Builder) Input(name string, value any) Ref {
	value = expr.Normalize(value)
	for i, in := range b.inputs {
		if in.implicit || in.name != name {
			continue
		}
		if !StrictEqual(in.value, value) {
			b.errs = append(b.errs, fmt.Errorf("input %q declared twice with different values", name))
		}
		return Ref{b: b, kind: refInput, index: i}
	}
	if name == "" {
		b.errs = append(b.errs, errors.New("input name cannot be empty"))
	}
	b.inputs = append(b.inputs, &builderInput{name: name, value: value})
	return Ref{b: b, kind: refInput, index: len(b.inputs) - 1}
}

// literal returns the shared input for an argument value.
func (b *Builder) literal(value any) Ref {
	value = expr.Normalize(value)
	for i, in := range b.inputs {
		if in.implicit && StrictEqual(in.value, value) {
			return Ref{b: b, kind: refInput, index: i}
		}
	}
	b.inputs = append(b.inputs, &builderInput{value: value, implicit: true})
	return Ref{b: b, kind: refInput, index: len(b.inputs) - 1}
}

// Call adds a call to a qualified function. A call with the same function
// and the same bindings as an earlier one returns the earlier node.
func (b *Builder) Call(function string, args Args) Ref {
	if !ValidQualifiedName(function) {
		b.errs = append(b.errs, fmt.Errorf("call %q: not a qualified name \"module.function\"", function))
	}
	bound := b.bind(function, args)
	for i, c := range b.calls {
		if c.loop == nil && c.function == function && sameBindings(c.args, bound) {
			return Ref{b: b, kind: refCall, index: i}
		}
	}
	b.calls = append(b.calls, &builderCall{function: function, args: bound})
	return Ref{b: b, kind: refCall, index: len(b.calls) - 1}
}

// While adds a while node. The ID of the given node is ignored; args bind its
// parameters like Call. While nodes are never merged.
func (b *Builder) While(spec WhileNode, args Args) Ref {
	loop := spec
	bound := b.bind(fmt.Sprintf("while #%d", len(b.calls)), args)
	b.calls = append(b.calls, &builderCall{loop: &loop, args: bound})
	return Ref{b: b, kind: refCall, index: len(b.calls) - 1}
}

// Output declares a named output fed by ref.
func (b *Builder) Output(name string, ref Ref) {
	if name == "" {
		b.errs = append(b.errs, errors.New("output name cannot be empty"))
	}
	if !b.owns(ref) {
		b.errs = append(b.errs, fmt.Errorf("output %q: reference from another builder", name))
		return
	}
	b.outputs = append(b.outputs, builderOutput{name: name, ref: ref})
}

func (b *Builder) bind(what string, args Args) map[string]Ref {
	bound := make(map[string]Ref, len(args))
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "" {
			b.errs = append(b.errs, fmt.Errorf("%s: empty argument name", what))
			continue
		}
		switch v := args[k].(type) {
		case Ref:
			if !b.owns(v) {
				b.errs = append(b.errs, fmt.Errorf("%s: argument %q: reference from another builder", what, k))
				continue
			}
			bound[k] = v
		default:
			bound[k] = b.literal(v)
		}
	}
	return bound
}

func (b *Builder) owns(r Ref) bool {
	return r.b == b && r.kind != 0
}

func sameBindings(a, b map[string]Ref) bool {
	if len(a) != len(b) {
		return false
	}
	for k, ra := range a {
		if rb, ok := b[k]; !ok || ra != rb {
			return false
		}
	}
	return true
}

// Build assigns ids and returns the validated workflow. Calls come first
// in the order they were added, then inputs, then outputs. When no output
// was declared, an output named "result" is wired from the last call whose
// result nothing else reads.
func (b *Builder) Build() (*Workflow, error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	if len(b.calls) == 0 {
		return nil, errors.New("workflow has no calls")
	}

	outputs := b.outputs
	if len(outputs) == 0 {
		outputs = []builderOutput{{name: "result", ref: b.lastTerminal()}}
	}

	callIDs := make([]int, len(b.calls))
	inputIDs := make([]int, len(b.inputs))
	next := 0
	for i := range b.calls {
		callIDs[i] = next
		next++
	}
	for i := range b.inputs {
		inputIDs[i] = next
		next++
	}
	id := func(r Ref) int {
		if r.kind == refCall {
			return callIDs[r.index]
		}
		return inputIDs[r.index]
	}

	wf := &Workflow{Version: b.version}
	for i, c := range b.calls {
		if c.loop != nil {
			loop := *c.loop
			loop.ID = callIDs[i]
			wf.Nodes = append(wf.Nodes, &loop)
		} else {
			wf.Nodes = append(wf.Nodes, &FunctionNode{ID: callIDs[i], Value: c.function})
		}
	}
	for i, in := range b.inputs {
		name := ""
		if !in.implicit {
			name = in.name
		}
		wf.Nodes = append(wf.Nodes, &InputNode{ID: inputIDs[i], Name: name, Value: in.value})
	}
	for _, o := range outputs {
		outID := next
		next++
		wf.Nodes = append(wf.Nodes, &OutputNode{ID: outID, Name: o.name})
	}

	for i, c := range b.calls {
		params := make([]string, 0, len(c.args))
		for k := range c.args {
			params = append(params, k)
		}
		sort.Strings(params)
		for _, k := range params {
			r := c.args[k]
			wf.Edges = append(wf.Edges, Edge{
				Source:     id(r),
				SourcePort: r.sourcePort(),
				Target:     callIDs[i],
				TargetPort: k,
			})
		}
	}
	outID := len(b.calls) + len(b.inputs)
	for i, o := range outputs {
		wf.Edges = append(wf.Edges, Edge{
			Source:     id(o.ref),
			SourcePort: o.ref.sourcePort(),
			Target:     outID + i,
		})
	}

	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return wf, nil
}

// lastTerminal returns the last call whose result no other call reads.
func (b *Builder) lastTerminal() Ref {
	read := make(map[int]bool)
	for _, c := range b.calls {
		for _, r := range c.args {
			if r.kind == refCall {
				read[r.index] = true
			}
		}
	}
	for i := len(b.calls) - 1; i >= 0; i-- {
		if !read[i] {
			return Ref{b: b, kind: refCall, index: i}
		}
	}
	return Ref{b: b, kind: refCall, index: len(b.calls) - 1}
}
