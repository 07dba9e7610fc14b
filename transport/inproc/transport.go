package inproc

import (
	"context"
	"sync"

	"github.com/sarchlab/cosim/message"
	"github.com/sarchlab/cosim/sim"
	"github.com/sarchlab/cosim/transport"
)

// Builder builds in-process transports.
type Builder struct {
	registry *Registry
	parent   string
}

// MakeBuilder returns a Builder bound to a registry.
func MakeBuilder(r *Registry) Builder {
	return Builder{registry: r}
}

// WithParent sets the address of the parent router.
func (b Builder) WithParent(address string) Builder {
	b.parent = address
	return b
}

// Build creates a transport listening on address.
func (b Builder) Build(address string) *Transport {
	if b.registry == nil {
		panic("inproc transport requires a registry")
	}

	return &Transport{
		registry: b.registry,
		address:  address,
		parent:   b.parent,
		routes:   make(map[sim.RouteID]string),
	}
}

// Transport hands commands directly to the receiver of the peer transport.
type Transport struct {
	registry *Registry
	address  string
	parent   string

	lock      sync.RWMutex
	routes    map[sim.RouteID]string
	receiver  transport.Receiver
	connected bool
}

var _ transport.Transport = (*Transport)(nil)

// Address returns the registry address of the transport.
func (t *Transport) Address() string {
	return t.address
}

// SetReceiver sets the callback for incoming commands.
func (t *Transport) SetReceiver(r transport.Receiver) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.receiver = r
}

// Connect registers the transport and binds route 0 to the parent.
func (t *Transport) Connect(_ context.Context) error {
	if err := t.registry.Register(t.address, t); err != nil {
		return err
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	if t.parent != "" {
		if _, ok := t.registry.Lookup(t.parent); !ok {
			t.registry.Unregister(t.address)
			return sim.NewError(sim.ConnectionFailure,
				"no router at %q", t.parent)
		}

		t.routes[sim.ParentRoute] = t.parent
	}

	t.connected = true

	return nil
}

// Disconnect unregisters the transport.
func (t *Transport) Disconnect() error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if !t.connected {
		return nil
	}

	t.connected = false
	t.registry.Unregister(t.address)

	return nil
}

// AddRoute binds a route to the transport at address info.
func (t *Transport) AddRoute(route sim.RouteID, info string) error {
	if _, ok := t.registry.Lookup(info); !ok {
		return sim.NewError(sim.ConnectionFailure, "no router at %q", info)
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	t.routes[route] = info

	return nil
}

// RemoveRoute forgets a route.
func (t *Transport) RemoveRoute(route sim.RouteID) {
	t.lock.Lock()
	defer t.lock.Unlock()

	delete(t.routes, route)
}

// Transmit delivers m to the peer on the route.
func (t *Transport) Transmit(route sim.RouteID, m *message.ActionMessage) error {
	t.lock.RLock()
	address, ok := t.routes[route]
	connected := t.connected
	t.lock.RUnlock()

	if !connected {
		return sim.NewError(sim.ConnectionFailure, "%s is not connected", t.address)
	}

	if !ok {
		return sim.NewError(sim.ConnectionFailure, "%s has no route %d", t.address, route)
	}

	peer, ok := t.registry.Lookup(address)
	if !ok {
		return sim.NewError(sim.ConnectionFailure, "router %q is gone", address)
	}

	transport.Stamp(t, m)
	peer.deliver(m)

	return nil
}

func (t *Transport) deliver(m *message.ActionMessage) {
	t.lock.RLock()
	r := t.receiver
	t.lock.RUnlock()

	if r != nil {
		r(m)
	}
}
