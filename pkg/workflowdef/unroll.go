package workflowdef

import (
	"errors"
	"fmt"
)

// Qualified names of the built-in steps an unrolled while node expands to.
// The runner executes them itself; they never reach the Collaborator.
const (
	WhileSeedFunction   = "workflowdef.while_seed"
	WhileStepFunction   = "workflowdef.while_step"
	WhileResultFunction = "workflowdef.while_result"
)

// Parameter names used by the built-in loop steps.
const (
	whileSpecParam  = "__spec__"
	whileStateParam = "__state__"
)

func isLoopBuiltin(name string) bool {
	switch name {
	case WhileSeedFunction, WhileStepFunction, WhileResultFunction:
		return true
	}
	return false
}

// Expand replaces every while node of wf with an explicit, acyclic chain:
//
//	loop (input) ─┬─> while_seed ─> while_step × maxIterations ─> while_result
//	incoming edges┘
//
// The loop input carries the while node's own document object, so the
// expanded workflow is still a portable document. Each while_step first
// checks the cap and the condition and passes its state through unchanged
// once the loop is done. Edges that read the while node read the
// while_result step instead. New ids are allocated above the largest
// existing id. Expand returns wf itself when it has no while nodes; nested
// workflows are left alone and are expanded when they are compiled.
func Expand(wf *Workflow) (*Workflow, error) {
	return expand(wf, DefaultMaxIterations)
}

func expand(wf *Workflow, defaultMax int) (*Workflow, error) {
	if wf == nil {
		return nil, ErrNilWorkflow
	}
	var loops []*WhileNode
	for _, n := range wf.Nodes {
		if w, ok := n.(*WhileNode); ok {
			loops = append(loops, w)
		}
	}
	if len(loops) == 0 {
		return wf, nil
	}

	ids := identityMap(wf)
	seeds := make(map[int]int, len(loops))
	results := make(map[int]int, len(loops))
	out := &Workflow{Version: wf.Version}
	nextID := wf.MaxID() + 1
	alloc := func() int {
		id := nextID
		nextID++
		return id
	}

	var chains []Edge
	for _, n := range wf.Nodes {
		w, ok := n.(*WhileNode)
		if !ok {
			out.Nodes = append(out.Nodes, n)
			continue
		}
		capped := *w
		if capped.MaxIterations == 0 {
			capped.MaxIterations = defaultMax
		}
		spec, err := whileSpec(&capped, ids)
		if err != nil {
			return nil, err
		}

		specID := alloc()
		out.Nodes = append(out.Nodes, &InputNode{
			ID:    specID,
			Name:  fmt.Sprintf("while_%d_spec", w.ID),
			Value: spec,
		})
		seedID := alloc()
		out.Nodes = append(out.Nodes, &FunctionNode{ID: seedID, Value: WhileSeedFunction})
		chains = append(chains, Edge{Source: specID, SourcePort: DefaultPort, Target: seedID, TargetPort: whileSpecParam})

		prev := seedID
		for i := 0; i < capped.MaxIterations; i++ {
			stepID := alloc()
			out.Nodes = append(out.Nodes, &FunctionNode{ID: stepID, Value: WhileStepFunction})
			chains = append(chains,
				Edge{Source: specID, SourcePort: DefaultPort, Target: stepID, TargetPort: whileSpecParam},
				Edge{Source: prev, SourcePort: DefaultPort, Target: stepID, TargetPort: whileStateParam},
			)
			prev = stepID
		}
		resultID := alloc()
		out.Nodes = append(out.Nodes, &FunctionNode{ID: resultID, Value: WhileResultFunction})
		chains = append(chains,
			Edge{Source: specID, SourcePort: DefaultPort, Target: resultID, TargetPort: whileSpecParam},
			Edge{Source: prev, SourcePort: DefaultPort, Target: resultID, TargetPort: whileStateParam},
		)
		seeds[w.ID] = seedID
		results[w.ID] = resultID
	}

	for _, e := range wf.Edges {
		if seed, ok := seeds[e.Target]; ok {
			if e.TargetPort == whileSpecParam || e.TargetPort == whileStateParam {
				return nil, schemaErrorf(e.Target, "targetPort", "%q is reserved for expanded loops", e.TargetPort)
			}
			e.Target = seed
		}
		if result, ok := results[e.Source]; ok {
			e.Source = result
		}
		out.Edges = append(out.Edges, e)
	}
	out.Edges = append(out.Edges, chains...)
	return out, nil
}

// identityMap maps every id of wf to itself so nested documents keep
// referring to the enclosing workflow's ids.
func identityMap(wf *Workflow) *idMap {
	m := &idMap{ids: make(map[int]int, len(wf.Nodes)), top: wf.MaxID()}
	for _, n := range wf.Nodes {
		m.ids[n.NodeID()] = n.NodeID()
	}
	return m
}

// whileSpec renders a while node as a portable document object.
func whileSpec(w *WhileNode, ids *idMap) (map[string]any, error) {
	obj, err := exportWhile(object{
		{"id", int64(w.ID)},
		{"type", string(KindWhile)},
	}, w, ids)
	if err != nil {
		return nil, err
	}
	return objectTree(obj).(map[string]any), nil
}

// objectTree converts ordered objects into plain maps.
func objectTree(v any) any {
	switch val := v.(type) {
	case object:
		out := make(map[string]any, len(val))
		for _, f := range val {
			out[f.key] = objectTree(f.value)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = objectTree(item)
		}
		return out
	}
	return v
}

// decodeWhileSpec turns a loop definition object produced by Expand back into a
// while node.
func decodeWhileSpec(v any) (*WhileNode, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, schemaErrorf(-1, whileSpecParam, "loop definition must be an object, got %T", v)
	}
	id, ok := asID(obj["id"])
	if !ok {
		return nil, schemaErrorf(-1, whileSpecParam+".id", "required integer")
	}
	d := &decoder{cfg: &parseConfig{}}
	w := d.while(obj, id, "", "", 0)
	if len(d.errs) > 0 {
		return nil, errors.Join(d.errs...)
	}
	// Nested ids were numbered above the enclosing workflow's, so a scope
	// holding every id they may reference is enough for validation.
	if errs := w.validate(&scope{ids: referencedIDs(w)}, ""); len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return w, nil
}

// referencedIDs collects the outer ids the nested workflows of w read.
func referencedIDs(w *WhileNode) map[int]bool {
	ids := make(map[int]bool)
	for _, wf := range []*Workflow{w.ConditionWorkflow, w.BodyWorkflow} {
		if wf == nil {
			continue
		}
		for id := range freeSources(wf) {
			ids[id] = true
		}
	}
	return ids
}
