package message

import (
	"fmt"

	"github.com/sarchlab/cosim/sim"
)

// Message is a point-to-point message delivered to an endpoint. A Message
// returned by a receive call belongs to the caller.
type Message struct {
	MessageID  int32
	Time       sim.VTime
	Source     string
	OrigSource string
	Dest       string
	OrigDest   string
	Data       []byte
}

// String returns a short summary for logs.
func (m *Message) String() string {
	return fmt.Sprintf("msg#%d %s->%s t=%s len=%d",
		m.MessageID, m.Source, m.Dest, m.Time, len(m.Data))
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	c := *m

	if m.Data != nil {
		c.Data = make([]byte, len(m.Data))
		copy(c.Data, m.Data)
	}

	return &c
}

// ToMessage moves the payload of a SendMessage command into a user Message.
// The command's payload is left nil.
func ToMessage(cmd *ActionMessage) *Message {
	info := cmd.Info()

	m := &Message{
		MessageID:  cmd.MessageID,
		Time:       cmd.Time,
		Source:     info.Source,
		OrigSource: info.OrigSource,
		Dest:       info.Target,
		OrigDest:   info.OrigDest,
		Data:       cmd.Payload,
	}
	cmd.Payload = nil

	if m.OrigSource == "" {
		m.OrigSource = m.Source
	}

	if m.OrigDest == "" {
		m.OrigDest = m.Dest
	}

	return m
}

// FromMessage builds a command of the given action that carries m. The data
// of m is moved into the command.
func FromMessage(action Action, m *Message) *ActionMessage {
	cmd := New(action)
	cmd.MessageID = m.MessageID
	cmd.Time = m.Time
	cmd.Payload = m.Data
	m.Data = nil

	info := cmd.Info()
	info.Source = m.Source
	info.OrigSource = m.OrigSource
	info.Target = m.Dest
	info.OrigDest = m.OrigDest

	return cmd
}
