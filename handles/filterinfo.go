package handles

import (
	"github.com/sarchlab/cosim/filter"
	"github.com/sarchlab/cosim/message"
	"github.com/sarchlab/cosim/sim"
	"github.com/sarchlab/cosim/sim/queueing"
)

// FilterInfo is the state of a filter owned by a local federate.
type FilterInfo struct {
	ID            sim.GlobalHandle
	Key           string
	InputType     string
	OutputType    string
	IsDestination bool

	// Targets are the endpoint names the filter applies to.
	Targets []string

	// Operator is nil for a non-operator filter, whose messages go to the
	// owning federate instead.
	Operator filter.Operator

	Variant           filter.Variant
	DeliveryEndpoints []string

	// Resolved holds the endpoints matched to Targets.
	Resolved []sim.GlobalHandle

	queue *queueing.TimeQueue[*message.Message]
}

// NewFilterInfo creates the state of a filter.
func NewFilterInfo(
	id sim.GlobalHandle,
	key, inputType, outputType string,
	isDestination bool,
	variant filter.Variant,
) *FilterInfo {
	return &FilterInfo{
		ID:            id,
		Key:           key,
		InputType:     inputType,
		OutputType:    outputType,
		IsDestination: isDestination,
		Variant:       variant,
		queue:         queueing.NewTimeQueue[*message.Message](),
	}
}

// HasOperator tells if the filter transforms messages itself.
func (f *FilterInfo) HasOperator() bool {
	return f.Operator != nil || f.Variant == filter.Cloning
}

// AddTarget records an endpoint name the filter applies to.
func (f *FilterInfo) AddTarget(name string) {
	for _, t := range f.Targets {
		if t == name {
			return
		}
	}

	f.Targets = append(f.Targets, name)
}

// AddResolved records a matched endpoint.
func (f *FilterInfo) AddResolved(h sim.GlobalHandle) {
	for _, r := range f.Resolved {
		if r == h {
			return
		}
	}

	f.Resolved = append(f.Resolved, h)
}

// AddDeliveryEndpoint records an endpoint cloned messages go to.
func (f *FilterInfo) AddDeliveryEndpoint(name string) {
	f.DeliveryEndpoints = append(f.DeliveryEndpoints, name)
}

// AddMessage queues a message handed to the owning federate.
func (f *FilterInfo) AddMessage(m *message.Message) {
	f.queue.Push(m.Time, m)
}

// Receive pops the earliest queued message at or before granted.
func (f *FilterInfo) Receive(granted sim.VTime) *message.Message {
	m, ok := f.queue.PopUntil(granted)
	if !ok {
		return nil
	}

	return m
}

// FirstMessageTime returns the time of the earliest queued message, or
// sim.MaxVTime.
func (f *FilterInfo) FirstMessageTime() sim.VTime {
	return f.queue.NextTime()
}

// NextMessageTimeAfter returns the time of the earliest queued message
// after t, or sim.MaxVTime.
func (f *FilterInfo) NextMessageTimeAfter(t sim.VTime) sim.VTime {
	return f.queue.NextTimeAfter(t)
}

// Count returns the number of queued messages at or before granted.
func (f *FilterInfo) Count(granted sim.VTime) int {
	return f.queue.CountUntil(granted)
}
