package breaker

import (
	"sync"

	"github.com/pagevault/pagevault/internal/archive"
)

// Registry holds one breaker per source, shared across concurrent queries.
// Never a package-level singleton: callers construct and inject it.
type Registry struct {
	mu       sync.Mutex
	breakers map[archive.Source]*Breaker
	opts     []Option
}

// NewRegistry creates a registry whose breakers share the given options.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		breakers: make(map[archive.Source]*Breaker),
		opts:     opts,
	}
}

// For returns the breaker for a source, creating it on first use.
func (r *Registry) For(source archive.Source) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[source]
	if !ok {
		b = New(r.opts...)
		r.breakers[source] = b
	}
	return b
}

// Snapshot captures every breaker's state for resume persistence.
func (r *Registry) Snapshot() map[archive.Source]archive.BreakerSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[archive.Source]archive.BreakerSnapshot, len(r.breakers))
	for source, b := range r.breakers {
		out[source] = b.Snapshot()
	}
	return out
}

// Restore reinstates persisted breaker snapshots.
func (r *Registry) Restore(snaps map[archive.Source]archive.BreakerSnapshot) {
	for source, snap := range snaps {
		r.For(source).Restore(snap)
	}
}
