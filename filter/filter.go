// Package filter provides the operators that filters apply to messages in
// flight.
package filter

import (
	"github.com/sarchlab/cosim/message"
)

// An Operator transforms a message. Returning nil drops the message.
type Operator interface {
	Process(m *message.Message) *message.Message
}

// OperatorFunc adapts a function to the Operator interface.
type OperatorFunc func(m *message.Message) *message.Message

// Process calls f.
func (f OperatorFunc) Process(m *message.Message) *message.Message {
	return f(m)
}

// Variant tells how a filter treats the messages it sees.
type Variant int

const (
	// Standard filters process the message itself.
	Standard Variant = iota

	// Cloning filters deliver copies of the message to their delivery
	// endpoints and let the original pass untouched.
	Cloning
)

func (v Variant) String() string {
	if v == Cloning {
		return "cloning"
	}

	return "standard"
}

// Clones returns one copy of m per delivery endpoint, each addressed to that
// endpoint. The original destination is kept in OrigDest.
func Clones(m *message.Message, deliveryEndpoints []string) []*message.Message {
	out := make([]*message.Message, 0, len(deliveryEndpoints))

	for _, dest := range deliveryEndpoints {
		c := m.Clone()
		if c.OrigDest == "" {
			c.OrigDest = m.Dest
		}

		c.Dest = dest
		out = append(out, c)
	}

	return out
}

// Chain applies operators in order, stopping at the first drop.
func Chain(ops ...Operator) Operator {
	return OperatorFunc(func(m *message.Message) *message.Message {
		for _, op := range ops {
			if m == nil {
				return nil
			}

			m = op.Process(m)
		}

		return m
	})
}
