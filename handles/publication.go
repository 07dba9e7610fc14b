package handles

import (
	"bytes"

	"github.com/sarchlab/cosim/sim"
)

// PublicationInfo is the state of a publication owned by a local federate.
type PublicationInfo struct {
	ID    sim.GlobalHandle
	Key   string
	Type  string
	Units string

	// OnlyUpdateOnChange suppresses republishing byte-equal values.
	OnlyUpdateOnChange bool

	Subscribers []sim.GlobalHandle
	Data        []byte
	LastPublish sim.VTime
	hasData     bool
}

// NewPublicationInfo creates the state of a publication.
func NewPublicationInfo(id sim.GlobalHandle, key, typ, units string) *PublicationInfo {
	return &PublicationInfo{
		ID:          id,
		Key:         key,
		Type:        typ,
		Units:       units,
		LastPublish: sim.MinVTime,
	}
}

// AddSubscriber records a subscriber. It returns false if it was already
// known.
func (p *PublicationInfo) AddSubscriber(h sim.GlobalHandle) bool {
	for _, s := range p.Subscribers {
		if s == h {
			return false
		}
	}

	p.Subscribers = append(p.Subscribers, h)

	return true
}

// RemoveSubscriber forgets a subscriber.
func (p *PublicationInfo) RemoveSubscriber(h sim.GlobalHandle) {
	for i, s := range p.Subscribers {
		if s == h {
			p.Subscribers = append(p.Subscribers[:i], p.Subscribers[i+1:]...)
			return
		}
	}
}

// CheckAndSetValue stores data as the last published value. It returns false
// when the value must not be sent because OnlyUpdateOnChange is set and the
// data did not change.
func (p *PublicationInfo) CheckAndSetValue(t sim.VTime, data []byte) bool {
	if p.OnlyUpdateOnChange && p.hasData && bytes.Equal(p.Data, data) {
		return false
	}

	p.Data = append(p.Data[:0], data...)
	p.hasData = true
	p.LastPublish = t

	return true
}
