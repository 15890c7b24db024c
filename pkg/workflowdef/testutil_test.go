package workflowdef

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// testFunc is a function the test collaborator can call.
type testFunc func(ctx context.Context, kwargs map[string]any) (any, error)

// testFuncs is a Collaborator backed by a map of functions. It records
// every call and every output registration.
type testFuncs struct {
	mu         sync.Mutex
	funcs      map[string]testFunc
	calls      []string
	registered map[int][]string
}

func newTestFuncs() *testFuncs {
	return &testFuncs{
		funcs:      make(map[string]testFunc),
		registered: make(map[int][]string),
	}
}

func (tf *testFuncs) add(name string, fn testFunc) *testFuncs {
	tf.funcs[name] = fn
	return tf
}

func (tf *testFuncs) Resolve(name string) (any, error) {
	if _, ok := tf.funcs[name]; !ok {
		return nil, fmt.Errorf("no function %q", name)
	}
	return name, nil
}

func (tf *testFuncs) Invoke(ctx context.Context, fn any, kwargs map[string]any) (any, error) {
	name := fn.(string)
	tf.mu.Lock()
	tf.calls = append(tf.calls, name)
	f := tf.funcs[name]
	tf.mu.Unlock()
	return f(ctx, kwargs)
}

func (tf *testFuncs) RegisterOutputs(fn any, nodeID int, ports []string) error {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	tf.registered[nodeID] = append(tf.registered[nodeID], ports...)
	return nil
}

func (tf *testFuncs) count(name string) int {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	n := 0
	for _, c := range tf.calls {
		if c == name {
			n++
		}
	}
	return n
}

// num converts a test value to float64.
func num(v any) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case float64:
		return n
	}
	panic(fmt.Sprintf("not a number: %T", v))
}

// arithmetic registers the functions of the product/division example.
func arithmetic() *testFuncs {
	return newTestFuncs().
		add("m.get_prod_and_div", func(_ context.Context, kw map[string]any) (any, error) {
			x, y := kw["x"], kw["y"]
			var prod any = num(x) * num(y)
			if xi, ok := x.(int64); ok {
				if yi, ok := y.(int64); ok {
					prod = xi * yi
				}
			}
			return map[string]any{"prod": prod, "div": num(x) / num(y)}, nil
		}).
		add("m.get_sum", func(_ context.Context, kw map[string]any) (any, error) {
			return num(kw["x"]) + num(kw["y"]), nil
		}).
		add("m.get_square", func(_ context.Context, kw map[string]any) (any, error) {
			x := num(kw["x"])
			return x * x, nil
		})
}

// loops registers the functions used by while tests.
func loops() *testFuncs {
	return newTestFuncs().
		add("m.increment", func(_ context.Context, kw map[string]any) (any, error) {
			return map[string]any{"m": kw["m"].(int64) + 1}, nil
		}).
		add("m.bump", func(_ context.Context, kw map[string]any) (any, error) {
			return kw["m"].(int64) + 1, nil
		}).
		add("m.below", func(_ context.Context, kw map[string]any) (any, error) {
			return kw["m"].(int64) < kw["n"].(int64), nil
		}).
		add("m.count", func(_ context.Context, kw map[string]any) (any, error) {
			return kw["m"], nil
		})
}

const arithmeticDoc = `{
  "version": "0.1.0",
  "nodes": [
    {"id": 0, "type": "function", "value": "m.get_prod_and_div"},
    {"id": 1, "type": "function", "value": "m.get_sum"},
    {"id": 2, "type": "function", "value": "m.get_square"},
    {"id": 3, "type": "input", "value": 1, "name": "x"},
    {"id": 4, "type": "input", "value": 2, "name": "y"},
    {"id": 5, "type": "output", "name": "result"}
  ],
  "edges": [
    {"target": 0, "targetPort": "x", "source": 3, "sourcePort": null},
    {"target": 0, "targetPort": "y", "source": 4, "sourcePort": null},
    {"target": 1, "targetPort": "x", "source": 0, "sourcePort": "prod"},
    {"target": 1, "targetPort": "y", "source": 0, "sourcePort": "div"},
    {"target": 2, "targetPort": "x", "source": 1, "sourcePort": null},
    {"target": 5, "targetPort": null, "source": 2, "sourcePort": null}
  ]
}`

const countLoopDoc = `{
  "version": "0.1.0",
  "nodes": [
    {
      "id": 0, "type": "while",
      "conditionExpression": "m < n",
      "bodyFunction": "m.increment",
      "contextVars": ["n", "m"],
      "inputPorts": {"n": 5, "m": 0},
      "outputPorts": {"n": null, "m": null},
      "maxIterations": 10
    },
    {"id": 1, "type": "output", "name": "m"}
  ],
  "edges": [
    {"source": 0, "sourcePort": "m", "target": 1, "targetPort": null}
  ]
}`

func mustParse(t *testing.T, doc string) *Workflow {
	t.Helper()
	wf, err := Parse([]byte(doc))
	require.NoError(t, err)
	return wf
}

func mustCompile(t *testing.T, wf *Workflow, opts ...CompileOption) *Plan {
	t.Helper()
	plan, err := Compile(wf, opts...)
	require.NoError(t, err)
	return plan
}
