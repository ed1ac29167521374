package spatial

import (
	"fmt"
	"sort"
	"sync"
)

// Registry resolves strategies by name. The default strategy is used for new
// segments; any registered strategy can read existing ones.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	def        string
}

func NewRegistry(def string, strategies ...Strategy) (*Registry, error) {
	r := &Registry{strategies: make(map[string]Strategy, len(strategies))}
	for _, s := range strategies {
		r.Register(s)
	}
	if _, ok := r.strategies[def]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, def)
	}
	r.def = def
	return r, nil
}

func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
}

func (r *Registry) Get(name string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	return s, nil
}

func (r *Registry) Default() Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.strategies[r.def]
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
