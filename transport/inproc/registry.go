// Package inproc connects routers living in the same process.
package inproc

import (
	"sync"

	"github.com/sarchlab/cosim/sim"
)

// A Registry maps addresses to the in-process transports listening on them.
// Every federation that shares a registry can reach each other.
type Registry struct {
	lock       sync.RWMutex
	transports map[string]*Transport
	closed     bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{transports: make(map[string]*Transport)}
}

// Register binds an address to a transport.
func (r *Registry) Register(address string, t *Transport) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.closed {
		return sim.NewError(sim.ConnectionFailure, "registry is closed")
	}

	if _, taken := r.transports[address]; taken {
		return sim.NewError(sim.ConnectionFailure,
			"address %q already in use", address)
	}

	r.transports[address] = t

	return nil
}

// Unregister frees an address.
func (r *Registry) Unregister(address string) {
	r.lock.Lock()
	defer r.lock.Unlock()

	delete(r.transports, address)
}

// Lookup returns the transport at an address.
func (r *Registry) Lookup(address string) (*Transport, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	t, ok := r.transports[address]

	return t, ok
}

// Addresses returns every registered address.
func (r *Registry) Addresses() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()

	out := make([]string, 0, len(r.transports))
	for a := range r.transports {
		out = append(out, a)
	}

	return out
}

// Close unregisters everything and refuses new registrations.
func (r *Registry) Close() {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.closed = true
	r.transports = make(map[string]*Transport)
}
