package handles

import (
	"github.com/sarchlab/cosim/message"
	"github.com/sarchlab/cosim/sim"
	"github.com/sarchlab/cosim/sim/queueing"
)

// EndpointInfo is the state of an endpoint owned by a local federate.
type EndpointInfo struct {
	ID   sim.GlobalHandle
	Key  string
	Type string

	// HasFinalSourceFilter marks an endpoint whose outgoing messages are
	// rerouted to the owner of a non-operator source filter.
	HasFinalSourceFilter bool

	queue *queueing.TimeQueue[*message.Message]
}

// NewEndpointInfo creates the state of an endpoint.
func NewEndpointInfo(id sim.GlobalHandle, key, typ string) *EndpointInfo {
	return &EndpointInfo{
		ID:    id,
		Key:   key,
		Type:  typ,
		queue: queueing.NewTimeQueue[*message.Message](),
	}
}

// AddMessage queues a delivered message. The endpoint takes ownership.
func (e *EndpointInfo) AddMessage(m *message.Message) {
	e.queue.Push(m.Time, m)
}

// Receive pops the earliest message at or before granted. The caller owns
// the result.
func (e *EndpointInfo) Receive(granted sim.VTime) *message.Message {
	m, ok := e.queue.PopUntil(granted)
	if !ok {
		return nil
	}

	return m
}

// FirstMessageTime returns the time of the earliest queued message, or
// sim.MaxVTime.
func (e *EndpointInfo) FirstMessageTime() sim.VTime {
	return e.queue.NextTime()
}

// NextMessageTimeAfter returns the time of the earliest queued message
// after t, or sim.MaxVTime.
func (e *EndpointInfo) NextMessageTimeAfter(t sim.VTime) sim.VTime {
	return e.queue.NextTimeAfter(t)
}

// Count returns the number of messages receivable at granted.
func (e *EndpointInfo) Count(granted sim.VTime) int {
	return e.queue.CountUntil(granted)
}

// Clear drops every queued message.
func (e *EndpointInfo) Clear() {
	e.queue.Clear()
}
