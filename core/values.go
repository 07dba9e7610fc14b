package core

import (
	"github.com/sarchlab/cosim/handles"
	"github.com/sarchlab/cosim/message"
	"github.com/sarchlab/cosim/sim"
)

func (c *CommonCore) interfaceOwner(
	h sim.InterfaceHandle,
	kind handles.Kind,
) (*FederateState, error) {
	rec := c.handles.Get(h)
	if rec == nil || rec.Kind != kind {
		return nil, sim.NewError(sim.InvalidIdentifier, "no %s %d", kind, h)
	}

	return c.Federate(rec.LocalFed)
}

// SetValue publishes data on a publication. The value is stamped with the
// granted time plus the lookahead of the federate, or time zero while the
// federate initializes.
func (c *CommonCore) SetValue(h sim.InterfaceHandle, data []byte) error {
	f, err := c.interfaceOwner(h, handles.Publication)
	if err != nil {
		return err
	}

	if _, err := c.federateInMode(f.localID, ModeInitializing, ModeExecuting); err != nil {
		return err
	}

	t := sim.ZeroTime
	if f.Mode() == ModeExecuting {
		t = sim.MaxTime(f.Granted(), sim.ZeroTime).Add(f.lookahead())
	}

	f.lock.Lock()

	pub := f.pubs[h]
	if !pub.CheckAndSetValue(t, data) {
		f.lock.Unlock()
		return nil
	}

	subscribers := append([]sim.GlobalHandle(nil), pub.Subscribers...)
	f.lock.Unlock()

	iteration := uint16(f.coord.Iteration())

	for _, sub := range subscribers {
		m := message.NewFromTo(message.ActionPub, f.GlobalID(), sub.Fed)
		m.SourceHandle = h
		m.DestHandle = sub.Handle
		m.Time = t
		m.Counter = iteration
		m.Payload = append([]byte(nil), data...)

		c.AddActionMessage(m)
	}

	return nil
}

// GetValue returns the visible value of a subscription and marks it as
// read.
func (c *CommonCore) GetValue(h sim.InterfaceHandle) ([]byte, error) {
	f, err := c.interfaceOwner(h, handles.Subscription)
	if err != nil {
		return nil, err
	}

	f.lock.Lock()
	defer f.lock.Unlock()

	sub := f.subs[h]
	data, _ := sub.Value()
	sub.ClearUpdated()

	return data, nil
}

// IsUpdated tells if the value of a subscription changed since it was last
// read.
func (c *CommonCore) IsUpdated(h sim.InterfaceHandle) bool {
	f, err := c.interfaceOwner(h, handles.Subscription)
	if err != nil {
		return false
	}

	f.lock.Lock()
	defer f.lock.Unlock()

	return f.subs[h].IsUpdated()
}

// QueryUpdates lists the subscriptions of a federate whose value changed
// since they were last read.
func (c *CommonCore) QueryUpdates(fed sim.LocalFederateID) ([]sim.InterfaceHandle, error) {
	f, err := c.Federate(fed)
	if err != nil {
		return nil, err
	}

	return f.updatedInputs(), nil
}
