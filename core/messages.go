package core

import (
	"github.com/sarchlab/cosim/handles"
	"github.com/sarchlab/cosim/message"
	"github.com/sarchlab/cosim/sim"
)

// Send sends data from an endpoint to the named endpoint at the earliest
// time the sender may produce a message.
func (c *CommonCore) Send(src sim.InterfaceHandle, dest string, data []byte) error {
	return c.SendEvent(sim.MinVTime, src, dest, data)
}

// SendEvent sends data from an endpoint to the named endpoint at time t. A
// time before the granted time plus the lookahead of the sender is moved up
// to it.
func (c *CommonCore) SendEvent(
	t sim.VTime,
	src sim.InterfaceHandle,
	dest string,
	data []byte,
) error {
	return c.SendMessage(src, &message.Message{
		Time: t,
		Dest: dest,
		Data: append([]byte(nil), data...),
	})
}

// SendMessage sends m from an endpoint. The core takes ownership of m.
//
// The source may also be a non-operator filter, whose federate re-sends the
// messages it received from the filter. Such messages skip the source
// filters and keep their original source.
func (c *CommonCore) SendMessage(src sim.InterfaceHandle, m *message.Message) error {
	rec := c.handles.Get(src)
	if rec == nil || (rec.Kind != handles.Endpoint && !rec.Kind.IsFilter()) {
		return sim.NewError(sim.InvalidIdentifier, "no endpoint %d", src)
	}

	f, err := c.federateInMode(rec.LocalFed, ModeInitializing, ModeExecuting)
	if err != nil {
		return err
	}

	if m.Dest == "" {
		return sim.NewError(sim.InvalidParameter, "message without destination")
	}

	earliest := sim.ZeroTime
	if f.Mode() == ModeExecuting {
		earliest = sim.MaxTime(f.Granted(), sim.ZeroTime).Add(f.lookahead())
	}

	m.Time = sim.MaxTime(m.Time, earliest)

	if m.MessageID == 0 {
		m.MessageID = c.messageIDs.Next()
	}

	counter := uint16(0)

	if rec.Kind == handles.Endpoint {
		m.Source = rec.Key
		m.OrigSource = ""
	} else {
		counter = message.SourceFiltersDone
	}

	cmd := message.FromMessage(message.ActionSendMessage, m)
	cmd.SourceID = f.GlobalID()
	cmd.SourceHandle = src
	cmd.DestID = sim.ParentID
	cmd.Counter = counter

	c.AddActionMessage(cmd)

	return nil
}

// Receive pops the earliest message of an endpoint, or of a non-operator
// filter, at or before the granted time. It returns nil when there is none.
func (c *CommonCore) Receive(h sim.InterfaceHandle) *message.Message {
	f, q := c.messageQueue(h)
	if q == nil {
		return nil
	}

	granted := f.Granted()

	f.lock.Lock()
	defer f.lock.Unlock()

	return q.Receive(granted)
}

// ReceiveCount returns the number of messages Receive could return now.
func (c *CommonCore) ReceiveCount(h sim.InterfaceHandle) int {
	f, q := c.messageQueue(h)
	if q == nil {
		return 0
	}

	granted := f.Granted()

	f.lock.Lock()
	defer f.lock.Unlock()

	return q.Count(granted)
}

// ReceiveAny pops the earliest receivable message over every endpoint and
// filter of a federate. Equal times go to the lowest handle.
func (c *CommonCore) ReceiveAny(fed sim.LocalFederateID) (sim.InterfaceHandle, *message.Message) {
	f, err := c.Federate(fed)
	if err != nil {
		return sim.InvalidHandle, nil
	}

	granted := f.Granted()

	f.lock.Lock()
	defer f.lock.Unlock()

	best := sim.InvalidHandle
	bestTime := sim.MaxVTime

	var bestQueue messageQueue

	consider := func(h sim.InterfaceHandle, q messageQueue) {
		t := q.FirstMessageTime()
		if t > granted {
			return
		}

		if t < bestTime || (t == bestTime && h < best) {
			best, bestTime, bestQueue = h, t, q
		}
	}

	for h, ep := range f.endpoints {
		consider(h, ep)
	}

	for h, filt := range f.filters {
		consider(h, filt)
	}

	if bestQueue == nil {
		return sim.InvalidHandle, nil
	}

	return best, bestQueue.Receive(granted)
}

type messageQueue interface {
	Receive(granted sim.VTime) *message.Message
	Count(granted sim.VTime) int
	FirstMessageTime() sim.VTime
}

func (c *CommonCore) messageQueue(h sim.InterfaceHandle) (*FederateState, messageQueue) {
	rec := c.handles.Get(h)
	if rec == nil {
		return nil, nil
	}

	f, err := c.Federate(rec.LocalFed)
	if err != nil {
		return nil, nil
	}

	f.lock.Lock()
	defer f.lock.Unlock()

	if rec.Kind == handles.Endpoint {
		if ep := f.endpoints[h]; ep != nil {
			return f, ep
		}
	} else if filt := f.filters[h]; filt != nil {
		return f, filt
	}

	return nil, nil
}
