package workflowdef

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/pythonworkflow/python-workflow-definition/pkg/workflowdef/expr"
)

// Plan is a compiled, immutable evaluation plan for a workflow.
//
// A Plan is safe for concurrent use: Run keeps all per-run state in the
// run itself, so one Plan can serve any number of concurrent runs.
type Plan struct {
	source   *Workflow
	workflow *Workflow
	steps    []Step
	index    map[int]int
	nodes    map[int]Node
	observed map[int][]string
	multi    map[int]bool
	terminal map[int]bool

	subplans map[int]*Plan
	loops    map[int]*loopPlan

	digest string
}

// loopPlan is a while node ready to run.
type loopPlan struct {
	node      *WhileNode
	max       int
	program   *expr.Program
	condition *Plan
	body      *Plan
}

// Compile validates wf and prepares it for evaluation: while nodes are
// optionally expanded, every workflow level is canonicalized, nested
// workflows get their own plans and condition expressions are compiled.
//
// Validation problems are returned joined, as from Validate. A cycle
// yields a *CyclicGraphError and a condition rejected by the expression
// evaluator a *LoopError in the "condition" phase.
//
// Example:
//
//	wf, err := workflowdef.ParseFile("workflow.json")
//	if err != nil {
//	    return err
//	}
//	plan, err := workflowdef.Compile(wf)
func Compile(wf *Workflow, opts ...CompileOption) (*Plan, error) {
	if wf == nil {
		return nil, ErrNilWorkflow
	}
	cfg := defaultCompileConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := wf.Validate(); err != nil {
		return nil, err
	}
	p, err := compileWorkflow(wf, &cfg)
	if err != nil {
		return nil, err
	}

	// Workflows holding values that cannot be written to a document have
	// no digest; they can still run but not be checkpointed.
	if digest, err := Digest(wf); err == nil {
		p.digest = digest
	} else if cfg.logger != nil {
		cfg.logger.Debug("workflow has no digest", slog.String("error", err.Error()))
	}

	if cfg.logger != nil {
		cfg.logger.Debug("workflow compiled",
			slog.Int("steps", len(p.steps)),
			slog.Bool("unrolled", cfg.unroll),
			slog.String("digest", p.digest),
		)
	}
	return p, nil
}

func compileWorkflow(wf *Workflow, cfg *compileConfig) (*Plan, error) {
	source := wf
	if cfg.unroll {
		expanded, err := expand(wf, cfg.maxIterations)
		if err != nil {
			return nil, err
		}
		wf = expanded
	}

	steps, err := Canonicalize(wf)
	if err != nil {
		return nil, err
	}

	p := &Plan{
		source:   source,
		workflow: wf,
		steps:    steps,
		index:    make(map[int]int, len(steps)),
		nodes:    make(map[int]Node, len(wf.Nodes)),
		observed: ObservedPorts(wf.Edges),
		multi:    make(map[int]bool),
		terminal: make(map[int]bool),
		subplans: make(map[int]*Plan),
		loops:    make(map[int]*loopPlan),
	}
	for i, s := range steps {
		p.index[s.NodeID] = i
	}
	for _, id := range MultiOutput(wf.Edges) {
		p.multi[id] = true
	}
	for _, id := range wf.Terminals() {
		p.terminal[id] = true
	}

	for _, n := range wf.Nodes {
		p.nodes[n.NodeID()] = n
		switch node := n.(type) {
		case *WorkflowNode:
			sub, err := compileWorkflow(node.Workflow, cfg)
			if err != nil {
				return nil, fmt.Errorf("node %d: %w", node.ID, err)
			}
			p.subplans[node.ID] = sub
		case *WhileNode:
			lp, err := compileLoop(node, cfg)
			if err != nil {
				return nil, err
			}
			p.loops[node.ID] = lp
		}
	}

	// Expanded loops are keyed by their loop input, which also covers
	// expanded documents that were written out and parsed again.
	for _, e := range wf.Edges {
		if e.TargetPort != whileSpecParam {
			continue
		}
		if _, done := p.loops[e.Source]; done {
			continue
		}
		in, ok := p.nodes[e.Source].(*InputNode)
		if !ok {
			return nil, schemaErrorf(e.Target, whileSpecParam, "loop definition must come from an input node")
		}
		w, err := decodeWhileSpec(in.Value)
		if err != nil {
			return nil, err
		}
		lp, err := compileLoop(w, cfg)
		if err != nil {
			return nil, err
		}
		p.loops[in.ID] = lp
	}
	return p, nil
}

func compileLoop(w *WhileNode, cfg *compileConfig) (*loopPlan, error) {
	lp := &loopPlan{node: w, max: w.MaxIterations}
	if lp.max == 0 {
		lp.max = cfg.maxIterations
	}
	if w.ConditionExpression != "" {
		program, err := cfg.evaluator.Compile(w.ConditionExpression)
		if err != nil {
			return nil, &LoopError{NodeID: w.ID, Phase: "condition", Err: err}
		}
		lp.program = program
	}
	if w.ConditionWorkflow != nil {
		sub, err := compileWorkflow(w.ConditionWorkflow, cfg)
		if err != nil {
			return nil, &LoopError{NodeID: w.ID, Phase: "condition", Err: err}
		}
		lp.condition = sub
	}
	if w.BodyWorkflow != nil {
		sub, err := compileWorkflow(w.BodyWorkflow, cfg)
		if err != nil {
			return nil, &LoopError{NodeID: w.ID, Phase: "body", Err: err}
		}
		lp.body = sub
	}
	return lp, nil
}

// Workflow returns the workflow the plan evaluates. With unrolled loops
// this is the expanded workflow.
func (p *Plan) Workflow() *Workflow {
	return p.workflow
}

// Source returns the workflow the plan was compiled from.
func (p *Plan) Source() *Workflow {
	return p.source
}

// Digest returns the hex SHA-256 of the source document, or "" when the
// workflow holds values that cannot be serialized.
func (p *Plan) Digest() string {
	return p.digest
}

// Steps returns a copy of the canonical evaluation order.
func (p *Plan) Steps() []Step {
	out := make([]Step, len(p.steps))
	copy(out, p.steps)
	return out
}

// Order returns the node ids of the steps in evaluation order.
func (p *Plan) Order() []int {
	ids := make([]int, len(p.steps))
	for i, s := range p.steps {
		ids[i] = s.NodeID
	}
	return ids
}

// Predecessors returns the ids of the nodes whose results the step for
// nodeID reads, ascending. Input nodes and ids of enclosing workflows are
// included.
func (p *Plan) Predecessors(nodeID int) []int {
	i, ok := p.index[nodeID]
	if !ok {
		return nil
	}
	return p.steps[i].Sources()
}

// Successors returns the ids of the steps that read nodeID's result, ascending.
func (p *Plan) Successors(nodeID int) []int {
	var out []int
	for _, s := range p.steps {
		for _, b := range s.Kwargs {
			if b.Source == nodeID {
				out = append(out, s.NodeID)
				break
			}
		}
	}
	sort.Ints(out)
	return out
}

// OutputPorts returns the named ports read from nodeID, sorted.
func (p *Plan) OutputPorts(nodeID int) []string {
	return p.observed[nodeID]
}

// IsMultiOutput reports whether nodeID is read through more than one
// distinct port.
func (p *Plan) IsMultiOutput(nodeID int) bool {
	return p.multi[nodeID]
}

// Independent reports whether neither step depends, directly or
// transitively, on the other. Independent steps may run concurrently.
func (p *Plan) Independent(a, b int) bool {
	if a == b {
		return false
	}
	return !p.dependsOn(a, b) && !p.dependsOn(b, a)
}

// dependsOn reports whether step a reads b's result, directly or transitively.
func (p *Plan) dependsOn(a, b int) bool {
	seen := make(map[int]bool)
	stack := []int{a}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, src := range p.Predecessors(cur) {
			if src == b {
				return true
			}
			if !seen[src] {
				seen[src] = true
				stack = append(stack, src)
			}
		}
	}
	return false
}
