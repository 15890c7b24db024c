package workflowdef

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/pythonworkflow/python-workflow-definition/pkg/workflowdef/checkpoint"
	"github.com/pythonworkflow/python-workflow-definition/pkg/workflowdef/expr"
	"github.com/pythonworkflow/python-workflow-definition/pkg/workflowdef/observability"
)

// Result is the outcome of a run.
type Result struct {
	RunID string
	// Outputs maps each output node name to the value it received.
	Outputs map[string]any
	// Value is the single output's value, the Outputs map when there are
	// several, or the last terminal step's result when there are none.
	Value any
	// Results holds every top-level node's result by id, inputs included.
	Results map[int]any
	// Order lists the top-level steps executed in this run, in order.
	Order []int
	// Iterations records how many body evaluations each while node ran.
	Iterations map[int]int
}

// Run evaluates the plan, dispatching every function call to collab.
//
// Steps run one after another in canonical order. Before each step the
// context is checked for cancellation. On error the returned Result holds
// the results computed up to the failing step.
//
// Example:
//
//	res, err := plan.Run(ctx, collab,
//	    workflowdef.WithLogger(logger),
//	    workflowdef.WithInputs(map[string]any{"x": 3}))
//	if err != nil {
//	    return err
//	}
//	fmt.Println(res.Value)
func (p *Plan) Run(ctx context.Context, collab Collaborator, opts ...RunOption) (*Result, error) {
	cfg := defaultRunConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return p.run(ctx, collab, &cfg, nil)
}

func (p *Plan) run(ctx context.Context, collab Collaborator, cfg *runConfig, restored map[int]any) (res *Result, runErr error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if collab == nil {
		return nil, ErrNilCollaborator
	}
	if cfg.checkpointStore != nil && cfg.runID == "" {
		return nil, ErrRunIDRequired
	}
	if err := p.checkInputs(cfg.inputs); err != nil {
		return nil, err
	}

	runID := cfg.runID
	if runID == "" {
		runID = uuid.NewString()
	}
	if cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	startTime := time.Now()
	observability.LogRunStart(cfg.logger, runID, len(p.steps))

	execCtx := ctx
	var runSpan trace.Span
	if cfg.tracingEnabled {
		execCtx, runSpan = cfg.spans.StartRunSpan(ctx, p.workflow.Version, runID)
		defer func() {
			cfg.spans.EndSpanWithError(runSpan, runErr)
		}()
	}

	r := &runner{
		plan:       p,
		cfg:        cfg,
		calls:      newCallResolver(collab),
		ports:      make(map[*Plan]*PortSet),
		runID:      runID,
		restored:   restored,
		iterations: make(map[int]int),
	}
	top := newFrame(p, nil, cfg.inputs)
	for id, v := range restored {
		top.results[id] = v
	}

	lastNode, runErr := r.runFrame(execCtx, top, true)

	duration := time.Since(startTime)
	durationMs := float64(duration.Milliseconds())
	cfg.metrics.RecordRun(ctx, runErr == nil, duration)

	res = &Result{
		RunID:      runID,
		Results:    top.results,
		Order:      r.order,
		Iterations: r.iterations,
	}
	if runErr != nil {
		observability.LogRunError(cfg.logger, runID, runErr, durationMs, lastNode)
		return res, runErr
	}
	observability.LogRunComplete(cfg.logger, runID, durationMs, r.executed)

	res.Outputs = top.outputs()
	switch len(res.Outputs) {
	case 0:
		res.Value = top.lastWriter()
	case 1:
		for _, v := range res.Outputs {
			res.Value = v
		}
	default:
		res.Value = res.Outputs
	}
	return res, nil
}

// checkInputs rejects overrides for inputs the workflow does not declare.
func (p *Plan) checkInputs(inputs map[string]any) error {
	if len(inputs) == 0 {
		return nil
	}
	declared := make(map[string]bool)
	for _, in := range p.workflow.Inputs() {
		declared[in.Name] = true
	}
	var errs []error
	for name := range inputs {
		if !declared[name] {
			errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownInput, name))
		}
	}
	return errors.Join(errs...)
}

// runner holds the state of one run.
type runner struct {
	plan       *Plan
	cfg        *runConfig
	calls      *callResolver
	ports      map[*Plan]*PortSet
	runID      string
	inputs     string
	restored   map[int]any
	iterations map[int]int
	order      []int
	executed   int
}

// frame holds the results of one workflow level. Lookups fall back to
// the enclosing frame, so nested edges can read outer results.
type frame struct {
	plan    *Plan
	results map[int]any
	parent  *frame
}

// newFrame seeds input results, taking values from inputs by name.
func newFrame(plan *Plan, parent *frame, inputs map[string]any) *frame {
	f := &frame{
		plan:    plan,
		results: make(map[int]any, len(plan.nodes)),
		parent:  parent,
	}
	for _, in := range plan.workflow.Inputs() {
		if v, ok := inputs[in.Name]; ok && in.Name != "" {
			f.results[in.ID] = v
			continue
		}
		f.results[in.ID] = expr.Normalize(in.Value)
	}
	return f
}

func (f *frame) lookup(id int) (any, bool) {
	for cur := f; cur != nil; cur = cur.parent {
		if v, ok := cur.results[id]; ok {
			return v, true
		}
	}
	return nil, false
}

// bind resolves a step's kwargs against the computed results.
func (f *frame) bind(step Step) (map[string]any, error) {
	kwargs := make(map[string]any, len(step.Kwargs))
	for _, param := range step.ParamNames() {
		b := step.Kwargs[param]
		src, ok := f.lookup(b.Source)
		if !ok {
			return nil, fmt.Errorf("node %d: no result for node %d", step.NodeID, b.Source)
		}
		v, err := ResolvePort(b.Source, src, b.Port)
		if err != nil {
			return nil, err
		}
		kwargs[param] = v
	}
	return kwargs, nil
}

// outputs maps output names to their values.
func (f *frame) outputs() map[string]any {
	out := make(map[string]any)
	for _, o := range f.plan.workflow.Outputs() {
		out[o.Name] = f.results[o.ID]
	}
	return out
}

// lastWriter returns the result of the terminal step evaluated last.
func (f *frame) lastWriter() any {
	for i := len(f.plan.steps) - 1; i >= 0; i-- {
		id := f.plan.steps[i].NodeID
		if f.plan.terminal[id] {
			return f.results[id]
		}
	}
	return nil
}

// value is the result a nested workflow hands back to its caller: the
// outputs mapping, or the last writer when it declares no outputs.
func (f *frame) value() any {
	if len(f.plan.workflow.Outputs()) == 0 {
		return f.lastWriter()
	}
	return f.outputs()
}

// runFrame evaluates every step of a frame. It returns the node that
// failed, or -1.
func (r *runner) runFrame(ctx context.Context, f *frame, top bool) (int, error) {
	for _, step := range f.plan.steps {
		id := step.NodeID
		if top {
			if _, ok := r.restored[id]; ok {
				observability.LogStepSkipped(r.cfg.logger, id)
				continue
			}
		}

		select {
		case <-ctx.Done():
			return id, &CancellationError{NodeID: id, Cause: ctx.Err()}
		default:
		}

		node := f.plan.nodes[id]
		kind := string(node.Kind())
		observability.LogStepStart(r.cfg.logger, id, kind)

		stepCtx := ctx
		var stepSpan trace.Span
		if r.cfg.tracingEnabled {
			stepCtx, stepSpan = r.cfg.spans.StartStepSpan(ctx, id, kind, functionName(node))
		}

		stepStart := time.Now()
		value, err := r.execStep(stepCtx, f, step, node)
		stepDuration := time.Since(stepStart)

		r.cfg.metrics.RecordStep(stepCtx, id, kind, stepDuration, err)
		if r.cfg.tracingEnabled {
			r.cfg.spans.EndSpanWithError(stepSpan, err)
		}
		if err != nil {
			observability.LogStepError(r.cfg.logger, id, err)
			return id, err
		}
		observability.LogStepComplete(r.cfg.logger, id, float64(stepDuration.Milliseconds()))

		f.results[id] = value
		r.executed++
		if !top {
			continue
		}
		r.order = append(r.order, id)
		if r.cfg.checkpointStore != nil {
			if err := r.saveCheckpoint(ctx, id, node.Kind(), value); err != nil {
				return id, err
			}
		}
	}
	return -1, nil
}

func (r *runner) execStep(ctx context.Context, f *frame, step Step, node Node) (any, error) {
	kwargs, err := f.bind(step)
	if err != nil {
		return nil, err
	}

	switch n := node.(type) {
	case *OutputNode:
		// Validation guarantees exactly one binding; its targetPort, if
		// any, carries no meaning.
		for _, v := range kwargs {
			return v, nil
		}
		return nil, nil
	case *FunctionNode:
		if isLoopBuiltin(n.Value) {
			return r.loopBuiltin(ctx, f, step, n.Value, kwargs)
		}
		if f.plan.multi[n.ID] {
			if err := r.calls.registerOutputs(r.portSet(f.plan), n.ID, n.Value, f.plan.observed[n.ID]); err != nil {
				return nil, err
			}
		}
		return r.invoke(ctx, n.ID, n.Value, kwargs, -1)
	case *WhileNode:
		return r.runLoop(ctx, f, f.plan.loops[n.ID], kwargs)
	case *WorkflowNode:
		child, err := r.runNested(ctx, f, f.plan.subplans[n.ID], kwargs)
		if err != nil {
			return nil, err
		}
		return child.value(), nil
	}
	return nil, fmt.Errorf("node %d: cannot evaluate %s node", node.NodeID(), node.Kind())
}

func (r *runner) portSet(p *Plan) *PortSet {
	ps, ok := r.ports[p]
	if !ok {
		ps = NewPortSet()
		r.ports[p] = ps
	}
	return ps
}

// invoke calls a function through the collaborator with a step context.
func (r *runner) invoke(ctx context.Context, nodeID int, name string, kwargs map[string]any, iteration int) (any, error) {
	sc := stepContext(ctx, r.cfg.logger, r.runID, nodeID, name, iteration)
	return r.calls.call(sc, nodeID, name, kwargs)
}

// runNested evaluates a nested workflow with kwargs bound to its inputs
// by name. Kwargs that match no input are ignored.
func (r *runner) runNested(ctx context.Context, parent *frame, plan *Plan, kwargs map[string]any) (*frame, error) {
	child := newFrame(plan, parent, kwargs)
	if _, err := r.runFrame(ctx, child, false); err != nil {
		return nil, err
	}
	return child, nil
}

// saveCheckpoint persists a top-level step result. Failures are logged
// unless checkpoint failures are fatal.
func (r *runner) saveCheckpoint(ctx context.Context, nodeID int, kind Kind, value any) error {
	cfg := r.cfg
	fail := func(op string, err error) error {
		if cfg.checkpointFailureFatal {
			return &CheckpointError{NodeID: nodeID, Op: op, Err: err}
		}
		observability.LogCheckpointError(cfg.logger, nodeID, op, err)
		return nil
	}

	result, err := MarshalValue(value)
	if err != nil {
		return fail("encode", err)
	}
	if r.inputs == "" {
		r.inputs = r.plan.inputsDigest(cfg.inputs)
	}
	cfg.sequence++
	cp := checkpoint.New(r.runID, nodeID, string(kind), cfg.sequence, result)
	cp.Digest = r.plan.digest
	cp.Inputs = r.inputs
	cp.Iterations = r.iterations[nodeID]
	if err := cfg.checkpointStore.Save(ctx, cp); err != nil {
		return fail("save", err)
	}

	observability.LogCheckpoint(cfg.logger, nodeID, len(result))
	cfg.metrics.RecordCheckpoint(ctx, nodeID, int64(len(result)))
	return nil
}

// inputsDigest returns the hex SHA-256 of the values a run starts its
// named inputs with, overrides applied. Checkpoints carry it so a resume
// with different inputs is rejected.
func (p *Plan) inputsDigest(overrides map[string]any) string {
	values := make(map[string]any)
	for _, in := range p.workflow.Inputs() {
		if in.Name == "" {
			continue
		}
		if v, ok := overrides[in.Name]; ok {
			values[in.Name] = expr.Normalize(v)
			continue
		}
		values[in.Name] = expr.Normalize(in.Value)
	}
	data, err := MarshalValue(values)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// functionName returns the qualified name a node invokes, if any.
func functionName(n Node) string {
	switch node := n.(type) {
	case *FunctionNode:
		return node.Value
	case *WhileNode:
		if node.BodyFunction != "" {
			return node.BodyFunction
		}
	}
	return ""
}
