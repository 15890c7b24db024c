package workflowdef

import (
	"context"
	"fmt"
	"sort"

	"github.com/pythonworkflow/python-workflow-definition/pkg/workflowdef/expr"
	"github.com/pythonworkflow/python-workflow-definition/pkg/workflowdef/observability"
)

// workflowCondition is the name reported for conditions computed by a
// nested workflow.
const workflowCondition = "<workflow>"

// loopState is the context threaded between iterations of a while node.
type loopState struct {
	vars       map[string]any
	tracked    []string
	iterations int
	done       bool
	capped     bool
}

// seed builds the initial state: inputPorts defaults overridden by the
// values bound through edges. Every parameter is tracked unless
// contextVars names a subset.
func (lp *loopPlan) seed(kwargs map[string]any) *loopState {
	st := &loopState{vars: make(map[string]any, len(kwargs)+len(lp.node.InputPorts))}
	params := make(map[string]bool)
	for k, v := range lp.node.InputPorts {
		params[k] = true
		if v != nil {
			st.vars[k] = expr.Normalize(v)
		}
	}
	for k, v := range kwargs {
		params[k] = true
		st.vars[k] = v
	}

	if len(lp.node.ContextVars) > 0 {
		st.tracked = append([]string(nil), lp.node.ContextVars...)
	} else {
		for k := range params {
			st.tracked = append(st.tracked, k)
		}
	}
	sort.Strings(st.tracked)
	return st
}

// snapshot copies the context so callees cannot modify loop state.
func (st *loopState) snapshot() map[string]any {
	out := make(map[string]any, len(st.vars))
	for k, v := range st.vars {
		out[k] = v
	}
	return out
}

// encode renders the state as a portable value for the unrolled steps.
func (st *loopState) encode() map[string]any {
	tracked := make([]any, len(st.tracked))
	for i, k := range st.tracked {
		tracked[i] = k
	}
	return map[string]any{
		"context":    st.snapshot(),
		"tracked":    tracked,
		"iterations": int64(st.iterations),
		"done":       st.done,
		"capped":     st.capped,
	}
}

func decodeLoopState(v any) (*loopState, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("loop state must be a mapping, got %s", expr.TypeName(v))
	}
	vars, ok := m["context"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("loop state: context must be a mapping")
	}
	iterations, ok := m["iterations"].(int64)
	if !ok {
		return nil, fmt.Errorf("loop state: iterations must be an int")
	}
	st := &loopState{iterations: int(iterations)}
	st.vars = make(map[string]any, len(vars))
	for k, val := range vars {
		st.vars[k] = val
	}
	tracked, _ := m["tracked"].([]any)
	for _, t := range tracked {
		if s, ok := t.(string); ok {
			st.tracked = append(st.tracked, s)
		}
	}
	st.done, _ = m["done"].(bool)
	st.capped, _ = m["capped"].(bool)
	return st, nil
}

// runLoop drives a while node to completion in a single step.
func (r *runner) runLoop(ctx context.Context, f *frame, lp *loopPlan, kwargs map[string]any) (any, error) {
	st := lp.seed(kwargs)
	for !st.done {
		if err := ctx.Err(); err != nil {
			return nil, &CancellationError{NodeID: lp.node.ID, Cause: err}
		}
		if err := r.advance(ctx, f, lp, st); err != nil {
			return nil, err
		}
	}
	return r.finishLoop(ctx, lp, st)
}

// advance performs one guarded iteration: stop at the cap, then stop when
// the condition is false, otherwise run the body. A finished state is
// left unchanged.
func (r *runner) advance(ctx context.Context, f *frame, lp *loopPlan, st *loopState) error {
	if st.done {
		return nil
	}
	if st.iterations >= lp.max {
		st.done, st.capped = true, true
		return nil
	}

	ok, err := r.loopCondition(ctx, f, lp, st)
	if err != nil {
		return &LoopError{NodeID: lp.node.ID, Iteration: st.iterations, Phase: "condition", Err: err}
	}
	if !ok {
		st.done = true
		return nil
	}

	observability.LogLoopIteration(r.cfg.logger, lp.node.ID, st.iterations)
	if err := r.loopBody(ctx, f, lp, st); err != nil {
		return &LoopError{NodeID: lp.node.ID, Iteration: st.iterations, Phase: "body", Err: err}
	}
	st.iterations++
	return nil
}

func (r *runner) loopCondition(ctx context.Context, f *frame, lp *loopPlan, st *loopState) (bool, error) {
	w := lp.node
	switch {
	case lp.program != nil:
		ns := st.snapshot()
		if _, shadowed := ns["ctx"]; !shadowed {
			ns["ctx"] = st.snapshot()
		}
		return lp.program.RunCondition(ns)

	case w.ConditionFunction != "":
		v, err := r.invoke(ctx, w.ID, w.ConditionFunction, st.snapshot(), st.iterations)
		if err != nil {
			return false, err
		}
		b, ok := v.(bool)
		if !ok {
			return false, &TypeCondError{Expr: w.ConditionFunction, Value: v}
		}
		return b, nil

	case lp.condition != nil:
		child, err := r.runNested(ctx, f, lp.condition, st.snapshot())
		if err != nil {
			return false, err
		}
		v := child.lastWriter()
		if outputs := child.outputs(); len(outputs) == 1 {
			for _, out := range outputs {
				v = out
			}
		}
		b, ok := v.(bool)
		if !ok {
			return false, &TypeCondError{Expr: workflowCondition, Value: v}
		}
		return b, nil
	}
	return false, fmt.Errorf("while node %d has no condition", w.ID)
}

func (r *runner) loopBody(ctx context.Context, f *frame, lp *loopPlan, st *loopState) error {
	w := lp.node
	var result any
	switch {
	case w.BodyFunction != "":
		v, err := r.invoke(ctx, w.ID, w.BodyFunction, st.snapshot(), st.iterations)
		if err != nil {
			return err
		}
		result = v
	case lp.body != nil:
		child, err := r.runNested(ctx, f, lp.body, st.snapshot())
		if err != nil {
			return err
		}
		result = child.value()
	default:
		return fmt.Errorf("while node %d has no body", w.ID)
	}
	return st.merge(result, w.StateMapping)
}

// merge folds a body result into the context. A mapping is merged key by
// key after renaming through stateMapping; a bare value is accepted only
// when exactly one variable is tracked.
func (st *loopState) merge(result any, mapping map[string]string) error {
	if m, ok := result.(map[string]any); ok {
		for k, v := range m {
			key := k
			if to := mapping[k]; to != "" {
				key = to
			}
			st.vars[key] = v
		}
		return nil
	}
	if len(st.tracked) == 1 {
		st.vars[st.tracked[0]] = result
		return nil
	}
	return fmt.Errorf("body returned %s; a mapping is required when %d variables are tracked",
		expr.TypeName(result), len(st.tracked))
}

// finishLoop builds the while node's result from the final context and
// records the loop's iteration count.
func (r *runner) finishLoop(ctx context.Context, lp *loopPlan, st *loopState) (any, error) {
	w := lp.node
	capped := st.capped || !st.done

	out := make(map[string]any)
	if w.OutputPorts == nil {
		for _, k := range st.tracked {
			v, ok := st.vars[k]
			if !ok {
				return nil, &LoopError{NodeID: w.ID, Iteration: st.iterations, Phase: "result",
					Err: &MissingPortError{NodeID: w.ID, Port: k, Got: "dict"}}
			}
			out[k] = v
		}
	} else {
		keys := make([]string, 0, len(w.OutputPorts))
		for k := range w.OutputPorts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v, ok := st.vars[k]
			if !ok {
				return nil, &LoopError{NodeID: w.ID, Iteration: st.iterations, Phase: "result",
					Err: &MissingPortError{NodeID: w.ID, Port: k, Got: "dict"}}
			}
			name := w.OutputPorts[k]
			if name == "" {
				name = k
			}
			out[name] = v
		}
	}

	r.iterations[w.ID] = st.iterations
	observability.LogLoopComplete(r.cfg.logger, w.ID, st.iterations, capped)
	r.cfg.metrics.RecordLoop(ctx, w.ID, st.iterations, capped)
	return out, nil
}

// loopBuiltin runs one of the steps an unrolled while node expands to.
func (r *runner) loopBuiltin(ctx context.Context, f *frame, step Step, name string, kwargs map[string]any) (any, error) {
	spec, ok := step.Kwargs[whileSpecParam]
	if !ok {
		return nil, fmt.Errorf("node %d: %s requires %s", step.NodeID, name, whileSpecParam)
	}
	lp, ok := f.plan.loops[spec.Source]
	if !ok {
		return nil, fmt.Errorf("node %d: no loop compiled for spec node %d", step.NodeID, spec.Source)
	}

	if name == WhileSeedFunction {
		args := make(map[string]any, len(kwargs))
		for k, v := range kwargs {
			if k != whileSpecParam {
				args[k] = v
			}
		}
		return lp.seed(args).encode(), nil
	}

	st, err := decodeLoopState(kwargs[whileStateParam])
	if err != nil {
		return nil, &LoopError{NodeID: lp.node.ID, Phase: "state", Err: err}
	}
	if name == WhileResultFunction {
		return r.finishLoop(ctx, lp, st)
	}
	if err := r.advance(ctx, f, lp, st); err != nil {
		return nil, err
	}
	return st.encode(), nil
}
