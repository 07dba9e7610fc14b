// Package transport defines how routers exchange commands. Implementations
// live in the inproc and tcp subpackages.
package transport

import (
	"context"

	"github.com/sarchlab/cosim/message"
	"github.com/sarchlab/cosim/sim"
)

// A Receiver is called for every command that arrives. It must only enqueue.
// The command belongs to the receiver.
type Receiver func(m *message.ActionMessage)

// Transport connects a router to its parent and children. Route 0 always
// leads to the parent.
type Transport interface {
	// Transmit sends m over the route. The transport takes ownership of m.
	Transmit(route sim.RouteID, m *message.ActionMessage) error

	// AddRoute binds a route to the peer described by info.
	AddRoute(route sim.RouteID, info string) error

	// RemoveRoute forgets a route.
	RemoveRoute(route sim.RouteID)

	// Connect establishes the parent connection and starts accepting
	// children, if the transport does either.
	Connect(ctx context.Context) error

	// Disconnect closes every connection.
	Disconnect() error

	// SetReceiver sets the callback for incoming commands. It must be called
	// before Connect.
	SetReceiver(r Receiver)

	// Address returns the address children use to reach this transport.
	Address() string
}

// Stamp writes the transport's address into a RegBroker command so that the
// parent can add a route back.
func Stamp(t Transport, m *message.ActionMessage) {
	if m.Action == message.ActionRegBroker && m.Info().Target == "" {
		m.Info().Target = t.Address()
	}
}

// LostConnection builds the Error command a transport hands its receiver
// when the peer behind route went away without the transport closing.
func LostConnection(route sim.RouteID, err error) *message.ActionMessage {
	m := message.NewFromTo(message.ActionError, sim.InvalidID, sim.InvalidID)
	m.MessageID = int32(route)
	m.Flag = true
	m.Payload = []byte(err.Error())

	return m
}

// LostRoute returns the route of a command built by LostConnection.
func LostRoute(m *message.ActionMessage) (sim.RouteID, bool) {
	if m.Action != message.ActionError || m.SourceID.IsValid() || !m.Flag {
		return 0, false
	}

	return sim.RouteID(m.MessageID), true
}
