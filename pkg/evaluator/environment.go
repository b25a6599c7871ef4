package evaluator

import "goa.design/ccos/pkg/value"

// Environment is a lexical scope frame. Frames form a tree: a child frame
// holds a reference to its parent but parents never reference children, so
// closures can hold a strong reference to their capture frame without
// creating cycles (spec.md §9).
type Environment struct {
	parent *Environment
	vars   map[string]value.Value
}

// NewEnvironment creates a frame with the given parent (nil for the root).
func NewEnvironment(parent *Environment) *Environment {
	return &Environment{parent: parent, vars: make(map[string]value.Value)}
}

// Define binds name to v in this frame, shadowing any outer binding.
func (e *Environment) Define(name string, v value.Value) {
	e.vars[name] = v
}

// Get resolves name by walking from this frame to the root.
func (e *Environment) Get(name string) (value.Value, bool) {
	for f := e; f != nil; f = f.parent {
		if v, ok := f.vars[name]; ok {
			return v, true
		}
	}
	return value.Nil, false
}

// Flatten returns every binding reachable from this frame, child bindings
// shadowing parent ones, for checkpoint serialization (spec.md §4.6).
func (e *Environment) Flatten() map[string]value.Value {
	out := make(map[string]value.Value)
	frames := []*Environment{}
	for f := e; f != nil; f = f.parent {
		frames = append(frames, f)
	}
	for i := len(frames) - 1; i >= 0; i-- {
		for k, v := range frames[i].vars {
			out[k] = v
		}
	}
	return out
}

// FromBindings builds a fresh single-frame Environment from a flat binding
// set, used to rehydrate a checkpoint.
func FromBindings(bindings map[string]value.Value) *Environment {
	env := NewEnvironment(nil)
	for k, v := range bindings {
		env.Define(k, v)
	}
	return env
}
