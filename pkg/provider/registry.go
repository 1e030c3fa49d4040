package provider

import (
	"sort"

	"github.com/linkshitup/link-broker/pkg/kernel"
)

// Registry is the process-local adapter map. It is populated once during
// startup and read-only afterwards, so lookups take no lock.
type Registry struct {
	adapters map[kernel.ProviderName]Adapter
	sealed   bool
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[kernel.ProviderName]Adapter)}
}

// Register adds an adapter. Registering after Seal or re-registering a name
// panics: both are wiring bugs that must surface at startup, not in a
// handler.
func (r *Registry) Register(a Adapter) {
	if r.sealed {
		panic("provider: Register after Seal")
	}
	name := a.Name()
	if _, dup := r.adapters[name]; dup {
		panic("provider: duplicate adapter " + name.String())
	}
	r.adapters[name] = a
}

// Seal freezes the registry.
func (r *Registry) Seal() {
	r.sealed = true
}

// Get looks up an adapter by provider name.
func (r *Registry) Get(name kernel.ProviderName) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// Names lists registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name.String())
	}
	sort.Strings(names)
	return names
}
