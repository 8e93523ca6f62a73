package task

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Param describes one accepted parameter of a task kind.
type Param struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
	Default  any    `json:"default,omitempty"`
}

// Registration binds a kind to its handler, queue, and parameter schema.
type Registration struct {
	Handler Handler
	Queue   string
	Params  []Param
}

// Descriptor is the operational view of one registered kind.
type Descriptor struct {
	Kind   Kind    `json:"kind"`
	Queue  string  `json:"queue"`
	Params []Param `json:"params,omitempty"`
}

// Registry maps task kinds to their registrations. Registration happens at
// start-up; lookups are read-only at runtime.
type Registry struct {
	mu      sync.RWMutex
	entries map[Kind]Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Kind]Registration)}
}

// Register declares a kind. Registering the same kind twice fails.
func (r *Registry) Register(kind Kind, reg Registration) error {
	if reg.Handler == nil {
		return fmt.Errorf("%w: %s", ErrNilHandler, kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[kind]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKind, kind)
	}

	if reg.Queue == "" {
		reg.Queue = QueueDefault
	}

	r.entries[kind] = reg
	return nil
}

// Handler returns the handler for a kind.
func (r *Registry) Handler(kind Kind) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.entries[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return reg.Handler, nil
}

// Queue returns the logical queue a kind is routed to.
func (r *Registry) Queue(kind Kind) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.entries[kind]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return reg.Queue, nil
}

// Queues returns the sorted set of all queue names in use.
func (r *Registry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(r.entries))
	for _, reg := range r.entries {
		seen[reg.Queue] = struct{}{}
	}
	return slices.Sorted(maps.Keys(seen))
}

// Kinds returns descriptors for all registered kinds, sorted by kind, for
// operational surfaces.
func (r *Registry) Kinds() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.entries))
	for kind, reg := range r.entries {
		out = append(out, Descriptor{Kind: kind, Queue: reg.Queue, Params: reg.Params})
	}
	slices.SortFunc(out, func(a, b Descriptor) int {
		return cmpKind(a.Kind, b.Kind)
	})
	return out
}

// Validate checks a parameter payload against the kind's descriptor.
// Required parameters without defaults must be present and non-nil.
func (r *Registry) Validate(kind Kind, params map[string]any) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.entries[kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	for _, p := range reg.Params {
		if !p.Required || p.Default != nil {
			continue
		}
		v, present := params[p.Name]
		if !present || v == nil {
			return fmt.Errorf("%w: %s.%s", ErrMissingParameter, kind, p.Name)
		}
	}
	return nil
}

// ApplyDefaults returns a copy of params with descriptor defaults filled in
// for absent keys.
func (r *Registry) ApplyDefaults(kind Kind, params map[string]any) map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.entries[kind]
	if !ok {
		return params
	}

	out := make(map[string]any, len(params)+len(reg.Params))
	maps.Copy(out, params)
	for _, p := range reg.Params {
		if _, present := out[p.Name]; !present && p.Default != nil {
			out[p.Name] = p.Default
		}
	}
	return out
}

func cmpKind(a, b Kind) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
