package source

import (
	"fmt"
	"sort"
)

// Registry holds the lab adapters selected at startup, keyed by lab code.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Add registers an adapter. Two adapters claiming the same lab code is a
// configuration bug and fails loudly.
func (r *Registry) Add(a Adapter) error {
	code := a.LabCode()
	if code == "" {
		return fmt.Errorf("source: adapter with empty lab code")
	}
	if _, dup := r.adapters[code]; dup {
		return fmt.Errorf("source: more than one adapter for lab code %q", code)
	}
	r.adapters[code] = a
	return nil
}

// Get returns the adapter for a lab code.
func (r *Registry) Get(code string) (Adapter, bool) {
	a, ok := r.adapters[code]
	return a, ok
}

// Codes returns all registered lab codes, sorted.
func (r *Registry) Codes() []string {
	codes := make([]string, 0, len(r.adapters))
	for code := range r.adapters {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
