package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Descriptor describes one registered action type.
type Descriptor struct {
	Action Action

	// Schema, when non-nil, validates step params before invocation. A
	// schema violation is a permanent failure, never retried.
	Schema *ParamSchema

	// ContextInputs and ContextOutputs declare the context keys the action
	// reads and writes; informational.
	ContextInputs  []string
	ContextOutputs []string

	// SupportsCheckpoint marks actions safe to checkpoint around.
	SupportsCheckpoint bool
}

// Registry maps action-type names (upper snake case by convention) to
// descriptors. Registration happens at boot; Freeze makes it immutable
// before jobs start.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Descriptor
	frozen  bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Descriptor)}
}

// Register binds an action type. Registering after Freeze or re-registering
// a name is an error.
func (r *Registry) Register(actionType string, desc Descriptor) error {
	if actionType == "" {
		return NewError(KindValidation, "action type is required")
	}
	if desc.Action == nil {
		return NewError(KindValidation, fmt.Sprintf("action %q has no implementation", actionType))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return NewError(KindValidation, fmt.Sprintf("registry is frozen, cannot register %q", actionType))
	}
	if _, exists := r.actions[actionType]; exists {
		return NewError(KindValidation, fmt.Sprintf("action %q is already registered", actionType))
	}
	r.actions[actionType] = desc
	return nil
}

// Freeze makes the registry immutable.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Lookup returns the descriptor for an action type.
func (r *Registry) Lookup(actionType string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.actions[actionType]
	if !ok {
		return Descriptor{}, NewError(KindUnknownAction, fmt.Sprintf("action type %q is not registered", actionType))
	}
	return desc, nil
}

// Types returns the registered action-type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.actions))
	for t := range r.actions {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
