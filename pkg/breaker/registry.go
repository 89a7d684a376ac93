package breaker

import "sync"

// Registry holds one breaker per operation key, created lazily on first use.
// Breaker state is per-process: it is never shared across instances and
// resets to closed on restart.
type Registry struct {
	config Config

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry applying the given config to every breaker
func NewRegistry(config Config) *Registry {
	return &Registry{
		config:   config,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for an operation key, creating it if needed
func (r *Registry) Get(operationKey string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[operationKey]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[operationKey]; ok {
		return b
	}

	b = New(operationKey, r.config)
	r.breakers[operationKey] = b
	return b
}

// Snapshot returns the state of one breaker, or a closed default when the
// operation key has never been seen.
func (r *Registry) Snapshot(operationKey string) Snapshot {
	r.mu.RLock()
	b, ok := r.breakers[operationKey]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{OperationKey: operationKey, State: StateClosed.String()}
	}
	return b.Snapshot()
}

// Snapshots returns the state of every known breaker
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
