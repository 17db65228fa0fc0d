package stack

import "sync"

// Registry tracks the Stacks of a process and which one is the default.
//
// The default is never chosen implicitly: it is either set with SetDefault,
// or, after UseFirstAsDefault, the first Stack added.
type Registry struct {
	stacks     []*Stack
	def        *Stack
	firstIsDef bool
	mu         sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers s. Adding the same Stack twice is a no-op.
func (r *Registry) Add(s *Stack) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.stacks {
		if existing == s {
			return
		}
	}
	r.stacks = append(r.stacks, s)
	if r.firstIsDef && r.def == nil {
		r.def = s
	}
}

// Remove unregisters s. If s was the default, the registry has no default
// until another one is set (or added, with UseFirstAsDefault).
func (r *Registry) Remove(s *Stack) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, existing := range r.stacks {
		if existing == s {
			r.stacks = append(r.stacks[:i], r.stacks[i+1:]...)
			break
		}
	}
	if r.def == s {
		r.def = nil
		if r.firstIsDef && len(r.stacks) > 0 {
			r.def = r.stacks[0]
		}
	}
}

// Stacks returns the registered Stacks in the order they were added.
func (r *Registry) Stacks() []*Stack {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Stack, len(r.stacks))
	copy(out, r.stacks)
	return out
}

// SetDefault makes s the default Stack, adding it if needed.
func (r *Registry) SetDefault(s *Stack) {
	r.Add(s)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.def = s
}

// UseFirstAsDefault makes the first added Stack the default when none is
// set explicitly.
func (r *Registry) UseFirstAsDefault() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.firstIsDef = true
	if r.def == nil && len(r.stacks) > 0 {
		r.def = r.stacks[0]
	}
}

// Default returns the default Stack, or nil.
func (r *Registry) Default() *Stack {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.def
}
