package circuitbreaker

import (
	"sync"
)

// Registry hands out one breaker per dependency name, all built from the
// same Settings.
type Registry struct {
	mutex    sync.RWMutex
	breakers map[string]*CircuitBreaker
	settings Settings
}

// BreakerStats is a point-in-time view of one breaker.
type BreakerStats struct {
	State    State `json:"state"`
	Failures int   `json:"failures"`
}

func NewRegistry(settings Settings) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		settings: settings,
	}
}

func (r *Registry) GetBreaker(name string) *CircuitBreaker {
	r.mutex.RLock()
	cb, exists := r.breakers[name]
	r.mutex.RUnlock()

	if exists {
		return cb
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	// Double-check: another goroutine may have created it
	if cb, exists = r.breakers[name]; exists {
		return cb
	}

	settings := r.settings
	settings.Name = name
	cb = NewCircuitBreaker(settings)
	r.breakers[name] = cb
	return cb
}

func (r *Registry) Reset() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.breakers = make(map[string]*CircuitBreaker)
}

func (r *Registry) Stats() map[string]BreakerStats {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	stats := make(map[string]BreakerStats, len(r.breakers))
	for name, cb := range r.breakers {
		cb.mutex.Lock()
		stats[name] = BreakerStats{State: cb.state, Failures: cb.failures}
		cb.mutex.Unlock()
	}
	return stats
}
