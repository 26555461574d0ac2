package tool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
)

// Func is the implementation signature for an in-process tool.
type Func func(ctx context.Context, args map[string]any, sessionID string) (any, error)

// FunctionTool adapts a plain Go function into a registrable tool.
//
// A FunctionTool has no mutable state after construction and is safe for
// concurrent use by multiple goroutines.
type FunctionTool struct {
	name        string
	description string
	parameters  map[string]any
	fn          Func
}

// NewFunctionTool constructs a FunctionTool from explicit schema and
// function.
//
// Example:
//
//	sum := tool.NewFunctionTool(
//	  "calculate_sum",
//	  "Calculate the sum of two numbers",
//	  map[string]any{
//	    "type": "object",
//	    "properties": map[string]any{
//	      "a": map[string]any{"type": "number"},
//	      "b": map[string]any{"type": "number"},
//	    },
//	    "required": []string{"a", "b"},
//	  },
//	  func(ctx context.Context, args map[string]any, sessionID string) (any, error) {
//	    return args["a"].(float64) + args["b"].(float64), nil
//	  },
//	)
func NewFunctionTool(name, description string, parameters map[string]any, fn Func) *FunctionTool {
	return &FunctionTool{name: name, description: description, parameters: parameters, fn: fn}
}

// Definition returns the tool's catalog entry.
func (t *FunctionTool) Definition() Definition {
	return Definition{Name: t.name, Description: t.description, Parameters: t.parameters}
}

// Registry is an in-process Gateway backed by a name-indexed tool map. It is
// safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*FunctionTool
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*FunctionTool)}
}

// Register adds tools to the registry, replacing same-named entries.
func (r *Registry) Register(tools ...*FunctionTool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tools {
		r.tools[t.name] = t
	}
}

// ListTools implements Gateway, returning the catalog sorted by name.
func (r *Registry) ListTools(_ context.Context) ([]Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}

// Execute implements Gateway. Arguments are validated against the tool's
// parameter schema before invocation. Unknown tools, invalid arguments and
// panicking implementations are reported as *ExecutionError; panics never
// escape to the caller.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, sessionID string) (result any, err error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &ExecutionError{Tool: name, Err: fmt.Errorf("tool not registered")}
	}

	if t.parameters != nil {
		if err := ValidateArguments(args, t.parameters); err != nil {
			return nil, &ExecutionError{Tool: name, Err: err}
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = &ExecutionError{
				Tool: name,
				Err:  fmt.Errorf("panic: %v\n%s", rec, debug.Stack()),
			}
		}
	}()

	res, callErr := t.fn(ctx, args, sessionID)
	if callErr != nil {
		return nil, &ExecutionError{Tool: name, Err: callErr}
	}
	return res, nil
}
