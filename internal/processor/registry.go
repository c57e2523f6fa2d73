package processor

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/kiln/internal/harness"
)

// ErrUnknownProcessor is returned when resolving a name with no registration.
var ErrUnknownProcessor = errors.New("unknown processor")

// Info describes a registered processor.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type entry struct {
	proc harness.Processor
	info Info
}

// Registry maps processor names to implementations.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds p under name, replacing any previous registration.
func (r *Registry) Register(name, description string, p harness.Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = entry{proc: p, info: Info{Name: name, Description: description}}
}

// Resolve returns the processor registered under name.
func (r *Registry) Resolve(name string) (harness.Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProcessor, name)
	}
	return e.proc, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// List returns all registered processors sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		infos = append(infos, e.info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
