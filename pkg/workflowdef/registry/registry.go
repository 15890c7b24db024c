package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/pythonworkflow/python-workflow-definition/pkg/workflowdef"
)

// ErrNotFound is returned by Resolve when no function has the given name.
var ErrNotFound = errors.New("function not registered")

// ErrInvalidName is returned when registering under a name that is not
// of the form "module.function".
var ErrInvalidName = errors.New("invalid qualified name")

// Func is a registered function. kwargs holds the node's bound parameters.
// The return value is either a single value or a map[string]any whose
// keys are the function's output ports.
type Func func(ctx context.Context, kwargs map[string]any) (any, error)

// Functions is a thread-safe registry of functions by qualified name.
// It implements workflowdef.Collaborator.
type Functions struct {
	mu      sync.RWMutex
	entries map[string]Func
}

var _ workflowdef.Collaborator = (*Functions)(nil)

// New creates an empty registry.
func New() *Functions {
	return &Functions{
		entries: make(map[string]Func),
	}
}

// Register adds or replaces the function for a qualified name.
func (f *Functions) Register(name string, fn Func) error {
	if !workflowdef.ValidQualifiedName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if fn == nil {
		return fmt.Errorf("register %q: function cannot be nil", name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[name] = fn
	return nil
}

// MustRegister is like Register but panics on error.
func (f *Functions) MustRegister(name string, fn Func) {
	if err := f.Register(name, fn); err != nil {
		panic("registry: " + err.Error())
	}
}

// RegisterModule registers every entry of funcs as module + "." + key.
// Nothing is registered if any name is invalid.
func (f *Functions) RegisterModule(module string, funcs map[string]Func) error {
	qualified := make(map[string]Func, len(funcs))
	for name, fn := range funcs {
		full := module + "." + name
		if !workflowdef.ValidQualifiedName(full) {
			return fmt.Errorf("%w: %q", ErrInvalidName, full)
		}
		if fn == nil {
			return fmt.Errorf("register %q: function cannot be nil", full)
		}
		qualified[full] = fn
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for name, fn := range qualified {
		f.entries[name] = fn
	}
	return nil
}

// Get returns the function for a name and whether it exists.
func (f *Functions) Get(name string) (Func, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn, ok := f.entries[name]
	return fn, ok
}

// Has reports whether a function is registered under name.
func (f *Functions) Has(name string) bool {
	_, ok := f.Get(name)
	return ok
}

// Unregister removes a name. Removing an absent name is a no-op.
func (f *Functions) Unregister(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, name)
}

// Names returns the registered names in sorted order.
func (f *Functions) Names() []string {
	f.mu.RLock()
	names := make([]string, 0, len(f.entries))
	for name := range f.entries {
		names = append(names, name)
	}
	f.mu.RUnlock()
	slices.Sort(names)
	return names
}

// Len returns the number of registered functions.
func (f *Functions) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.entries)
}

// Resolve implements workflowdef.Collaborator. The handle is the Func itself.
func (f *Functions) Resolve(name string) (any, error) {
	fn, ok := f.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return fn, nil
}

// Invoke implements workflowdef.Collaborator.
func (f *Functions) Invoke(ctx context.Context, fn any, kwargs map[string]any) (any, error) {
	call, ok := fn.(Func)
	if !ok {
		return nil, fmt.Errorf("unexpected handle %T", fn)
	}
	return call(ctx, kwargs)
}
