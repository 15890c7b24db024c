// Package registry provides an in-process function registry that serves as
// the reference workflowdef.Collaborator.
//
// Functions are keyed by their qualified name, the "module.function" string
// a FunctionNode carries. Registration is thread-safe and read-mostly, so a
// single registry can back many concurrent runs.
//
// # Basic Usage
//
//	funcs := registry.New()
//	funcs.MustRegister("workflow.get_square", func(ctx context.Context, kw map[string]any) (any, error) {
//	    x := kw["x"].(float64)
//	    return x * x, nil
//	})
//
//	res, err := plan.Run(ctx, funcs)
//
// # Modules
//
// RegisterModule registers several functions under one module prefix:
//
//	err := funcs.RegisterModule("workflow", map[string]registry.Func{
//	    "get_sum":    getSum,
//	    "get_square": getSquare,
//	})
//
// # Shared Helpers
//
// RegisterShared adds the helpers exported documents reference for building
// mappings and lists out of several upstream results:
//
//	python_workflow_definition.shared.get_dict
//	python_workflow_definition.shared.get_list
//
// # Thread Safety
//
// All Functions methods are safe for concurrent use. Resolve returns the
// function registered at the time of the call; replacing a name later does
// not affect handles already resolved by a running workflow.
package registry
