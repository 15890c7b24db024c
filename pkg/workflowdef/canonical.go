package workflowdef

import (
	"fmt"
	"sort"
)

// Binding names the value bound to one parameter: a producer id and the
// port read from its result.
type Binding struct {
	Source int
	Port   string
}

// IsDefault reports whether the binding consumes the whole result.
func (b Binding) IsDefault() bool {
	return b.Port == DefaultPort
}

// Step is one entry of a canonical evaluation order: a node and the
// keyword arguments it is called with.
type Step struct {
	NodeID int
	// Kwargs maps a parameter name to its binding. An OutputNode has
	// exactly one binding, keyed by its edge's targetPort: usually the
	// empty string, but any name a document gives is kept.
	Kwargs map[string]Binding
}

// Sources returns the distinct producer ids referenced by the step, ascending.
func (s Step) Sources() []int {
	seen := make(map[int]bool, len(s.Kwargs))
	var out []int
	for _, b := range s.Kwargs {
		if !seen[b.Source] {
			seen[b.Source] = true
			out = append(out, b.Source)
		}
	}
	sort.Ints(out)
	return out
}

// ParamNames returns the step's parameter names in sorted order.
func (s Step) ParamNames() []string {
	names := make([]string, 0, len(s.Kwargs))
	for k := range s.Kwargs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// GroupEdges groups edges by target into per-node keyword-argument maps.
// Two edges binding the same (target, targetPort) are ambiguous and
// rejected with a SchemaError.
func GroupEdges(edges []Edge) (map[int]map[string]Binding, error) {
	grouped := make(map[int]map[string]Binding)
	for i, e := range edges {
		kwargs, ok := grouped[e.Target]
		if !ok {
			kwargs = make(map[string]Binding)
			grouped[e.Target] = kwargs
		}
		if prev, dup := kwargs[e.TargetPort]; dup {
			return nil, schemaErrorf(e.Target, fmt.Sprintf("edges[%d].targetPort", i),
				"parameter %q is bound twice (from node %d and node %d)", e.TargetPort, prev.Source, e.Source)
		}
		kwargs[e.TargetPort] = Binding{Source: e.Source, Port: e.SourcePort}
	}
	return grouped, nil
}

// Canonicalize computes the deterministic evaluation order of a workflow.
//
// Nodes without incoming edges other than input nodes are emitted first,
// ascending, with empty kwargs. Then the nodes with incoming edges are
// scanned in ascending id order, repeatedly; a node is emitted once every
// source it references is already emitted, is a local node without
// incoming edges, or lives in an enclosing workflow. Input nodes are never
// emitted: their values are available without computation.
//
// A scan that makes no progress while nodes remain yields a
// *CyclicGraphError naming the stuck ids. Canonicalize never mutates wf.
func Canonicalize(wf *Workflow) ([]Step, error) {
	if wf == nil {
		return nil, ErrNilWorkflow
	}
	grouped, err := GroupEdges(wf.Edges)
	if err != nil {
		return nil, err
	}

	local := make(map[int]bool, len(wf.Nodes))
	for _, n := range wf.Nodes {
		local[n.NodeID()] = true
	}
	for target := range grouped {
		if !local[target] {
			return nil, schemaErrorf(target, "edges", "edge targets unknown node %d", target)
		}
	}

	steps := make([]Step, 0, len(wf.Nodes))
	ordered := make(map[int]bool, len(wf.Nodes))
	for _, id := range wf.IDs() {
		if _, hasIncoming := grouped[id]; hasIncoming {
			continue
		}
		n, _ := wf.Node(id)
		if n.Kind() == KindInput {
			continue
		}
		steps = append(steps, Step{NodeID: id, Kwargs: map[string]Binding{}})
		ordered[id] = true
	}

	pending := make([]int, 0, len(grouped))
	for id := range grouped {
		pending = append(pending, id)
	}
	sort.Ints(pending)

	available := func(source int) bool {
		if ordered[source] || !local[source] {
			return true
		}
		_, hasIncoming := grouped[source]
		return !hasIncoming
	}

	for len(pending) > 0 {
		var stuck []int
		for _, id := range pending {
			kwargs := grouped[id]
			ready := true
			for _, b := range kwargs {
				if !available(b.Source) {
					ready = false
					break
				}
			}
			if !ready {
				stuck = append(stuck, id)
				continue
			}
			steps = append(steps, Step{NodeID: id, Kwargs: kwargs})
			ordered[id] = true
		}
		if len(stuck) == len(pending) {
			return nil, &CyclicGraphError{NodeIDs: stuck}
		}
		pending = stuck
	}
	return steps, nil
}
