package workflowdef

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// whileDoc builds a document with one while node (id 0) whose fields are
// given as raw JSON, an input n (id 1) bound to its "n" port and an output
// named out (id 2) reading port.
func whileDoc(fields, port string) string {
	return fmt.Sprintf(`{
	  "version": "0.1.0",
	  "nodes": [
	    {"id": 0, "type": "while", %s},
	    {"id": 1, "type": "input", "name": "n", "value": 3},
	    {"id": 2, "type": "output", "name": "out"}
	  ],
	  "edges": [
	    {"source": 1, "sourcePort": null, "target": 0, "targetPort": "n"},
	    {"source": 0, "sourcePort": %q, "target": 2, "targetPort": null}
	  ]
	}`, fields, port)
}

// TestWhile_Expression tests the counting loop driven by an expression.
func TestWhile_Expression(t *testing.T) {
	funcs := loops()
	plan := mustCompile(t, mustParse(t, countLoopDoc))

	res, err := plan.Run(context.Background(), funcs)

	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Value)
	assert.Equal(t, map[string]any{"n": int64(5), "m": int64(5)}, res.Results[0])
	assert.Equal(t, map[int]int{0: 5}, res.Iterations)
	assert.Equal(t, []int{0, 1}, res.Order)
	assert.Equal(t, 5, funcs.count("m.increment"))
}

// TestWhile_ConditionFalseInitially tests a loop whose body never runs.
func TestWhile_ConditionFalseInitially(t *testing.T) {
	funcs := loops()
	doc := whileDoc(`"conditionExpression": "m < n", "bodyFunction": "m.increment",
	  "inputPorts": {"m": 7, "n": null}`, "m")

	res, err := mustCompile(t, mustParse(t, doc)).Run(context.Background(), funcs)

	require.NoError(t, err)
	assert.Equal(t, int64(7), res.Value)
	assert.Equal(t, 0, res.Iterations[0])
	assert.Zero(t, funcs.count("m.increment"))
}

// TestWhile_Cap tests that reaching maxIterations ends the loop without error.
func TestWhile_Cap(t *testing.T) {
	funcs := loops()
	doc := whileDoc(`"conditionExpression": "True", "bodyFunction": "m.increment",
	  "inputPorts": {"m": 0, "n": null}, "maxIterations": 3`, "m")

	res, err := mustCompile(t, mustParse(t, doc)).Run(context.Background(), funcs)

	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Value)
	assert.Equal(t, 3, res.Iterations[0])
	assert.Equal(t, 3, funcs.count("m.increment"))
}

// TestWhile_CompileMaxIterations tests the compile-wide default cap.
func TestWhile_CompileMaxIterations(t *testing.T) {
	doc := whileDoc(`"conditionExpression": "m >= 0", "bodyFunction": "m.increment",
	  "inputPorts": {"m": 0, "n": null}`, "m")

	res, err := mustCompile(t, mustParse(t, doc), WithMaxIterations(4)).Run(context.Background(), loops())

	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Value)
}

// TestWhile_ConditionFunction tests a condition computed by a function.
func TestWhile_ConditionFunction(t *testing.T) {
	funcs := loops()
	doc := whileDoc(`"conditionFunction": "m.below", "bodyFunction": "m.increment",
	  "contextVars": ["m", "n"], "inputPorts": {"m": 0, "n": null}`, "m")

	res, err := mustCompile(t, mustParse(t, doc)).Run(context.Background(), funcs)

	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Value)
	assert.Equal(t, 4, funcs.count("m.below"))
	assert.Equal(t, 3, funcs.count("m.increment"))
}

// TestWhile_FunctionArguments tests that condition and body functions
// receive every seeded variable, including ones contextVars leaves out.
func TestWhile_FunctionArguments(t *testing.T) {
	tests := []struct {
		name        string
		contextVars string
	}{
		{"all tracked", ``},
		{"subset tracked", `"contextVars": ["m"], `},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mu sync.Mutex
			seen := make(map[string][]string)
			record := func(name string, kw map[string]any) {
				mu.Lock()
				defer mu.Unlock()
				seen[name] = slices.Sorted(maps.Keys(kw))
			}
			funcs := loops()
			below, increment := funcs.funcs["m.below"], funcs.funcs["m.increment"]
			funcs.add("m.below", func(ctx context.Context, kw map[string]any) (any, error) {
				record("m.below", kw)
				return below(ctx, kw)
			}).add("m.increment", func(ctx context.Context, kw map[string]any) (any, error) {
				record("m.increment", kw)
				return increment(ctx, kw)
			})
			doc := whileDoc(`"conditionFunction": "m.below", "bodyFunction": "m.increment", `+
				tt.contextVars+`"inputPorts": {"m": 0, "n": null}`, "m")

			res, err := mustCompile(t, mustParse(t, doc)).Run(context.Background(), funcs)

			require.NoError(t, err)
			assert.Equal(t, int64(3), res.Value)
			assert.Equal(t, []string{"m", "n"}, seen["m.below"])
			assert.Equal(t, []string{"m", "n"}, seen["m.increment"])
		})
	}
}

// TestWhile_ConditionNotBool tests that a non-boolean condition fails.
func TestWhile_ConditionNotBool(t *testing.T) {
	tests := []struct {
		name     string
		fields   string
		wantExpr string
	}{
		{
			name: "function",
			fields: `"conditionFunction": "m.count", "bodyFunction": "m.increment",
			  "inputPorts": {"m": 1, "n": null}`,
			wantExpr: "m.count",
		},
		{
			name: "expression",
			fields: `"conditionExpression": "m + 1", "bodyFunction": "m.increment",
			  "inputPorts": {"m": 1, "n": null}`,
			wantExpr: "m + 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := mustCompile(t, mustParse(t, whileDoc(tt.fields, "m")))

			_, err := plan.Run(context.Background(), loops())

			require.Error(t, err)
			assert.ErrorIs(t, err, ErrTypeCond)
			var tc *TypeCondError
			require.ErrorAs(t, err, &tc)
			assert.Equal(t, tt.wantExpr, tc.Expr)
			var le *LoopError
			require.ErrorAs(t, err, &le)
			assert.Equal(t, "condition", le.Phase)
			assert.Equal(t, 0, le.Iteration)
		})
	}
}

// TestWhile_UnsafeExpression tests that unsafe conditions are rejected at
// compile time, before anything runs.
func TestWhile_UnsafeExpression(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"import", "__import__('os').system('true')"},
		{"method call", "n.bit_length() > 0"},
		{"dunder attribute", "m.__class__"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := fmt.Sprintf(`"conditionExpression": %q, "bodyFunction": "m.increment",
			  "inputPorts": {"m": 0, "n": null}`, tt.expr)
			wf := mustParse(t, whileDoc(fields, "m"))

			_, err := Compile(wf)

			require.Error(t, err)
			assert.ErrorIs(t, err, ErrUnsafeExpression)
			var le *LoopError
			require.ErrorAs(t, err, &le)
			assert.Equal(t, 0, le.NodeID)
		})
	}
}

// TestWhile_ExpressionLength tests the configurable length bound.
func TestWhile_ExpressionLength(t *testing.T) {
	wf := mustParse(t, countLoopDoc)

	_, err := Compile(wf, WithExpressionMaxLength(3))
	assert.ErrorIs(t, err, ErrUnsafeExpression)

	_, err = Compile(wf, WithExpressionMaxLength(5))
	assert.NoError(t, err)
}

// TestWhile_ContextAlias tests reading loop variables through ctx.
func TestWhile_ContextAlias(t *testing.T) {
	doc := whileDoc(`"conditionExpression": "ctx.m < ctx.n", "bodyFunction": "m.increment",
	  "inputPorts": {"m": 0, "n": null}`, "m")

	res, err := mustCompile(t, mustParse(t, doc)).Run(context.Background(), loops())

	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Value)
}

// TestWhile_StateMapping tests renaming body results into loop variables.
func TestWhile_StateMapping(t *testing.T) {
	funcs := loops().add("m.next", func(_ context.Context, kw map[string]any) (any, error) {
		return map[string]any{"value": kw["m"].(int64) + 2}, nil
	})
	doc := whileDoc(`"conditionExpression": "m < n", "bodyFunction": "m.next",
	  "inputPorts": {"m": 0, "n": null}, "stateMapping": {"value": "m"}`, "m")

	res, err := mustCompile(t, mustParse(t, doc)).Run(context.Background(), funcs)

	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Value)
	assert.Equal(t, 2, res.Iterations[0])
}

// TestWhile_BareBodyValue tests a body returning a single value.
func TestWhile_BareBodyValue(t *testing.T) {
	single := whileDoc(`"conditionExpression": "m < n", "bodyFunction": "m.bump",
	  "contextVars": ["m"], "inputPorts": {"m": 0, "n": null}, "outputPorts": {"m": null}`, "m")

	res, err := mustCompile(t, mustParse(t, single)).Run(context.Background(), loops())
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Value)

	several := whileDoc(`"conditionExpression": "m < n", "bodyFunction": "m.bump",
	  "inputPorts": {"m": 0, "n": null}`, "m")

	_, err = mustCompile(t, mustParse(t, several)).Run(context.Background(), loops())
	require.Error(t, err)
	var le *LoopError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "body", le.Phase)
	assert.Contains(t, err.Error(), "mapping is required")
}

// TestWhile_OutputPorts tests publishing variables under new names and
// the error for a variable that was never set.
func TestWhile_OutputPorts(t *testing.T) {
	renamed := whileDoc(`"conditionExpression": "m < n", "bodyFunction": "m.increment",
	  "inputPorts": {"m": 0, "n": null}, "outputPorts": {"m": "final"}`, "final")

	res, err := mustCompile(t, mustParse(t, renamed)).Run(context.Background(), loops())
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Value)
	assert.Equal(t, map[string]any{"final": int64(3)}, res.Results[0])

	missing := whileDoc(`"conditionExpression": "m < n", "bodyFunction": "m.increment",
	  "inputPorts": {"m": 0, "n": null}, "outputPorts": {"m": null, "z": null}`, "m")

	_, err = mustCompile(t, mustParse(t, missing)).Run(context.Background(), loops())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingPort)
	var le *LoopError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "result", le.Phase)
}

// TestWhile_BodyError tests that body failures report the iteration.
func TestWhile_BodyError(t *testing.T) {
	boom := errors.New("boom")
	funcs := loops().add("m.increment", func(_ context.Context, kw map[string]any) (any, error) {
		if kw["m"].(int64) == 2 {
			return nil, boom
		}
		return map[string]any{"m": kw["m"].(int64) + 1}, nil
	})

	res, err := mustCompile(t, mustParse(t, countLoopDoc)).Run(context.Background(), funcs)

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, ErrInvocation)
	var le *LoopError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "body", le.Phase)
	assert.Equal(t, 2, le.Iteration)
	assert.Empty(t, res.Order)
}

// TestWhile_Cancelled tests that a loop stops between iterations.
func TestWhile_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	funcs := loops().add("m.increment", func(_ context.Context, kw map[string]any) (any, error) {
		cancel()
		return map[string]any{"m": kw["m"].(int64) + 1}, nil
	})

	_, err := mustCompile(t, mustParse(t, countLoopDoc)).Run(ctx, funcs)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, funcs.count("m.increment"))
}

// TestWhile_IterationContext tests the iteration reported to collaborators.
func TestWhile_IterationContext(t *testing.T) {
	var iterations []int
	funcs := loops().add("m.increment", func(ctx context.Context, kw map[string]any) (any, error) {
		sc, ok := FromContext(ctx)
		require.True(t, ok)
		iterations = append(iterations, sc.Iteration())
		return map[string]any{"m": kw["m"].(int64) + 1}, nil
	})

	_, err := mustCompile(t, mustParse(t, countLoopDoc)).Run(context.Background(), funcs)

	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, iterations)
}

// TestWhile_Workflows tests condition and body given as nested workflows.
func TestWhile_Workflows(t *testing.T) {
	doc := `{
	  "version": "0.1.0",
	  "nodes": [
	    {
	      "id": 0, "type": "while",
	      "conditionWorkflow": {
	        "version": "0.1.0",
	        "nodes": [
	          {"id": 0, "type": "input", "name": "m", "value": 0},
	          {"id": 1, "type": "input", "name": "n", "value": 0},
	          {"id": 2, "type": "function", "value": "m.below"},
	          {"id": 3, "type": "output", "name": "ok"}
	        ],
	        "edges": [
	          {"source": 0, "sourcePort": null, "target": 2, "targetPort": "m"},
	          {"source": 1, "sourcePort": null, "target": 2, "targetPort": "n"},
	          {"source": 2, "sourcePort": null, "target": 3, "targetPort": null}
	        ]
	      },
	      "bodyWorkflow": {
	        "version": "0.1.0",
	        "nodes": [
	          {"id": 0, "type": "input", "name": "m", "value": 0},
	          {"id": 1, "type": "function", "value": "m.increment"},
	          {"id": 2, "type": "output", "name": "m"}
	        ],
	        "edges": [
	          {"source": 0, "sourcePort": null, "target": 1, "targetPort": "m"},
	          {"source": 1, "sourcePort": "m", "target": 2, "targetPort": null}
	        ]
	      },
	      "inputPorts": {"m": 0, "n": null}
	    },
	    {"id": 1, "type": "input", "name": "n", "value": 4},
	    {"id": 2, "type": "output", "name": "out"}
	  ],
	  "edges": [
	    {"source": 1, "sourcePort": null, "target": 0, "targetPort": "n"},
	    {"source": 0, "sourcePort": "m", "target": 2, "targetPort": null}
	  ]
	}`

	for _, unroll := range []bool{false, true} {
		t.Run(fmt.Sprintf("unrolled=%v", unroll), func(t *testing.T) {
			funcs := loops()
			plan := mustCompile(t, mustParse(t, doc), WithUnrolledLoops(unroll), WithMaxIterations(20))

			res, err := plan.Run(context.Background(), funcs)

			require.NoError(t, err)
			assert.Equal(t, int64(4), res.Value)
			assert.Equal(t, 4, res.Iterations[0])
			assert.Equal(t, 5, funcs.count("m.below"))
		})
	}
}

// TestWhile_WorkflowConditionNotBool tests the name reported for a nested
// condition that yields a non-boolean.
func TestWhile_WorkflowConditionNotBool(t *testing.T) {
	doc := whileDoc(`"conditionWorkflow": {
	    "version": "0.1.0",
	    "nodes": [
	      {"id": 0, "type": "input", "name": "m", "value": 0},
	      {"id": 1, "type": "function", "value": "m.count"}
	    ],
	    "edges": [{"source": 0, "sourcePort": null, "target": 1, "targetPort": "m"}]
	  },
	  "bodyFunction": "m.increment", "inputPorts": {"m": 1, "n": null}`, "m")

	_, err := mustCompile(t, mustParse(t, doc)).Run(context.Background(), loops())

	require.Error(t, err)
	var tc *TypeCondError
	require.ErrorAs(t, err, &tc)
	assert.Equal(t, "<workflow>", tc.Expr)
	assert.Equal(t, int64(1), tc.Value)
}

// TestWhile_Unrolled tests that the expanded chain computes the same
// result as the driven loop.
func TestWhile_Unrolled(t *testing.T) {
	wf := mustParse(t, countLoopDoc)

	driven, err := mustCompile(t, wf).Run(context.Background(), loops())
	require.NoError(t, err)

	funcs := loops()
	plan := mustCompile(t, wf, WithUnrolledLoops(true))
	unrolled, err := plan.Run(context.Background(), funcs)
	require.NoError(t, err)

	assert.Equal(t, driven.Value, unrolled.Value)
	assert.Equal(t, driven.Iterations, unrolled.Iterations)
	assert.Equal(t, 5, funcs.count("m.increment"))
	assert.Len(t, unrolled.Order, 13, "seed, 10 steps, result and output")
	assert.NotSame(t, plan.Source(), plan.Workflow())
	for _, name := range []string{WhileSeedFunction, WhileStepFunction, WhileResultFunction} {
		assert.Zero(t, funcs.count(name), "built-in steps never reach the collaborator")
	}
}

// TestWhile_UnrolledCapped tests a capped loop in expanded form.
func TestWhile_UnrolledCapped(t *testing.T) {
	doc := whileDoc(`"conditionExpression": "True", "bodyFunction": "m.increment",
	  "inputPorts": {"m": 0, "n": null}, "maxIterations": 3`, "m")

	res, err := mustCompile(t, mustParse(t, doc), WithUnrolledLoops(true)).Run(context.Background(), loops())

	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Value)
	assert.Equal(t, 3, res.Iterations[0])
}

// TestExpand tests the shape of an expanded while node.
func TestExpand(t *testing.T) {
	wf := mustParse(t, countLoopDoc)

	expanded, err := Expand(wf)
	require.NoError(t, err)

	// while 0 becomes loop input 2, seed 3, steps 4..13 and result 14.
	assert.Len(t, expanded.Nodes, 1+1+1+10+1)
	spec, ok := expanded.Nodes[0].(*InputNode)
	require.True(t, ok)
	assert.Equal(t, "while_0_spec", spec.Name)
	assert.Equal(t, 2, spec.ID)
	assert.Contains(t, expanded.Edges, Edge{Source: 14, SourcePort: "m", Target: 1})
	assert.Contains(t, expanded.Edges, Edge{Source: 3, SourcePort: DefaultPort, Target: 4, TargetPort: "__state__"})
	require.NoError(t, expanded.Validate())

	// The expanded document is portable and compiles again from its bytes.
	data, err := Serialize(expanded)
	require.NoError(t, err)
	again := mustParse(t, string(data))
	res, err := mustCompile(t, again).Run(context.Background(), loops())
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Value)

	// Workflows without while nodes come back unchanged.
	plain := mustParse(t, arithmeticDoc)
	same, err := Expand(plain)
	require.NoError(t, err)
	assert.Same(t, plain, same)
}

// TestExpand_SerializeNestedReferences tests that an expanded loop whose
// body reads an enclosing input still reads that input after the expanded
// workflow is written out with new ids and parsed again.
func TestExpand_SerializeNestedReferences(t *testing.T) {
	body := &Workflow{
		Version: "0.1.0",
		Nodes: []Node{
			&InputNode{ID: 10, Name: "m", Value: int64(0)},
			&FunctionNode{ID: 11, Value: "m.plus"},
			&OutputNode{ID: 12, Name: "m"},
		},
		Edges: []Edge{
			{Source: 10, SourcePort: DefaultPort, Target: 11, TargetPort: "m"},
			{Source: 5, SourcePort: DefaultPort, Target: 11, TargetPort: "k"},
			{Source: 11, SourcePort: DefaultPort, Target: 12},
		},
	}
	wf := &Workflow{
		Version: "0.1.0",
		Nodes: []Node{
			&WhileNode{
				ID:                  0,
				ConditionExpression: "m < 8",
				BodyWorkflow:        body,
				InputPorts:          map[string]any{"m": int64(0)},
				MaxIterations:       10,
			},
			&InputNode{ID: 5, Name: "k", Value: int64(2)},
			&InputNode{ID: 6, Name: "e", Value: int64(1000)},
			&OutputNode{ID: 7, Name: "out"},
		},
		Edges: []Edge{{Source: 0, SourcePort: "m", Target: 7}},
	}
	funcs := loops().add("m.plus", func(_ context.Context, kw map[string]any) (any, error) {
		return kw["m"].(int64) + kw["k"].(int64), nil
	})

	direct, err := mustCompile(t, wf).Run(context.Background(), funcs)
	require.NoError(t, err)
	require.Equal(t, int64(8), direct.Value)

	expanded, err := Expand(wf)
	require.NoError(t, err)
	data, err := Serialize(expanded)
	require.NoError(t, err)
	again := mustParse(t, string(data))

	res, err := mustCompile(t, again).Run(context.Background(), funcs)

	require.NoError(t, err)
	assert.Equal(t, int64(8), res.Value)
	assert.Equal(t, map[int]int{0: 4}, res.Iterations, "the loop takes the id of its definition input")

	// A second pass is a fixed point.
	second, err := Serialize(again)
	require.NoError(t, err)
	assert.Equal(t, string(data), string(second))
}

// TestExpand_ReservedPort tests that loop parameters cannot use the
// names reserved for expanded steps.
func TestExpand_ReservedPort(t *testing.T) {
	doc := `{
	  "version": "0.1.0",
	  "nodes": [
	    {"id": 0, "type": "while", "conditionExpression": "True", "bodyFunction": "m.bump", "maxIterations": 2},
	    {"id": 1, "type": "input", "name": "s", "value": 1}
	  ],
	  "edges": [{"source": 1, "sourcePort": null, "target": 0, "targetPort": "__state__"}]
	}`

	_, err := Expand(mustParse(t, doc))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSchema)
}
