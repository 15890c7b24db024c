package workflowdef

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/pythonworkflow/python-workflow-definition/pkg/workflowdef/expr"
)

// Collaborator is the execution boundary the core calls into. It resolves
// qualified function names and invokes the resolved handle with keyword
// arguments. Handles are opaque to the core.
//
// Implementations decide how calls actually run: in process, on a pool or
// on a remote engine. Invoke may block; it must honour ctx.
type Collaborator interface {
	// Resolve locates the callable for a qualified name.
	Resolve(name string) (any, error)
	// Invoke calls fn and returns a single value or a mapping of named results.
	Invoke(ctx context.Context, fn any, kwargs map[string]any) (any, error)
}

// OutputRegistrar is implemented by collaborators that need every output
// port of a multi-output node declared before the node runs. The runner
// calls RegisterOutputs once per node per run.
type OutputRegistrar interface {
	RegisterOutputs(fn any, nodeID int, ports []string) error
}

// CollaboratorFunc adapts a plain dispatch function into a Collaborator.
// Resolve returns the name itself as the handle.
type CollaboratorFunc func(ctx context.Context, name string, kwargs map[string]any) (any, error)

// Resolve implements Collaborator.
func (f CollaboratorFunc) Resolve(name string) (any, error) {
	return name, nil
}

// Invoke implements Collaborator.
func (f CollaboratorFunc) Invoke(ctx context.Context, fn any, kwargs map[string]any) (any, error) {
	name, ok := fn.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected handle %T", fn)
	}
	return f(ctx, name, kwargs)
}

// callResolver caches resolved handles for one run.
type callResolver struct {
	collab  Collaborator
	handles map[string]any
}

func newCallResolver(collab Collaborator) *callResolver {
	return &callResolver{collab: collab, handles: make(map[string]any)}
}

func (r *callResolver) resolve(nodeID int, name string) (any, error) {
	if fn, ok := r.handles[name]; ok {
		return fn, nil
	}
	fn, err := r.collab.Resolve(name)
	if err != nil {
		return nil, &UnresolvedReferenceError{NodeID: nodeID, Name: name, Err: err}
	}
	r.handles[name] = fn
	return fn, nil
}

// call resolves and invokes name. Errors are wrapped into the taxonomy and
// panics are recovered into an InvocationError carrying a *PanicError.
// The result is normalized to the portable value model.
func (r *callResolver) call(ctx context.Context, nodeID int, name string, kwargs map[string]any) (result any, err error) {
	fn, err := r.resolve(nodeID, name)
	if err != nil {
		return nil, err
	}

	defer func() {
		if p := recover(); p != nil {
			result = nil
			err = &InvocationError{
				NodeID: nodeID,
				Name:   name,
				Err: &PanicError{
					NodeID: nodeID,
					Value:  p,
					Stack:  string(debug.Stack()),
				},
			}
		}
	}()

	result, err = r.collab.Invoke(ctx, fn, kwargs)
	if err != nil {
		return nil, &InvocationError{NodeID: nodeID, Name: name, Err: err}
	}
	return expr.Normalize(result), nil
}

// registerOutputs declares the observed ports of a multi-output node once.
func (r *callResolver) registerOutputs(ports *PortSet, nodeID int, name string, observed []string) error {
	reg, ok := r.collab.(OutputRegistrar)
	if !ok || len(observed) == 0 {
		return nil
	}
	var fresh []string
	for _, p := range observed {
		if ports.Register(nodeID, p) {
			fresh = append(fresh, p)
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	fn, err := r.resolve(nodeID, name)
	if err != nil {
		return err
	}
	if err := reg.RegisterOutputs(fn, nodeID, fresh); err != nil {
		return &InvocationError{NodeID: nodeID, Name: name, Err: fmt.Errorf("register outputs: %w", err)}
	}
	return nil
}
