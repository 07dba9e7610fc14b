package message

import (
	"fmt"
	"log"
	"strings"

	"github.com/sarchlab/cosim/sim"
)

// Info holds the extra fields carried only by info actions.
type Info struct {
	// EventTime is the earliest time the source may produce an event (Te).
	EventTime sim.VTime

	// MinDeTime is the smallest Te among the dependencies of the source
	// (Tdemin).
	MinDeTime sim.VTime

	// MinFed is the federate whose Te produced MinDeTime.
	MinFed sim.GlobalID

	Source     string
	Target     string
	OrigSource string
	OrigDest   string
	Type       string
	TypeOut    string
	Units      string
}

// ActionMessage is the command envelope routed between federates, cores and
// brokers. A message pushed into a queue or handed to a transport belongs to
// the receiver.
type ActionMessage struct {
	Action       Action
	MessageID    int32
	SourceID     sim.GlobalID
	SourceHandle sim.InterfaceHandle
	DestID       sim.GlobalID
	DestHandle   sim.InterfaceHandle
	Time         sim.VTime
	Counter      uint16

	IterationComplete bool
	Required          bool
	Error             bool
	Flag              bool

	Payload []byte

	info *Info
}

// New creates a message of the given action. Info actions get an empty Info
// block with times set to sim.MaxVTime.
func New(action Action) *ActionMessage {
	m := &ActionMessage{
		Action:       action,
		SourceID:     sim.ParentID,
		SourceHandle: sim.InvalidHandle,
		DestID:       sim.ParentID,
		DestHandle:   sim.InvalidHandle,
	}

	if action.HasInfo() {
		m.info = newInfo()
	}

	return m
}

// NewFromTo creates a message of the given action between two ids.
func NewFromTo(action Action, src, dst sim.GlobalID) *ActionMessage {
	m := New(action)
	m.SourceID = src
	m.DestID = dst

	return m
}

func newInfo() *Info {
	return &Info{
		EventTime: sim.MaxVTime,
		MinDeTime: sim.MaxVTime,
		MinFed:    sim.InvalidID,
	}
}

// HasInfo tells if the message currently carries an Info block.
func (m *ActionMessage) HasInfo() bool {
	return m.info != nil
}

// Info returns the Info block. Calling it on a non-info action is a usage
// error and panics.
func (m *ActionMessage) Info() *Info {
	if m.info == nil {
		log.Panicf("action %s carries no info", m.Action)
	}

	return m.info
}

// SetAction changes the action, adding or dropping the Info block as the new
// action requires.
func (m *ActionMessage) SetAction(a Action) {
	m.Action = a

	switch {
	case a.HasInfo() && m.info == nil:
		m.info = newInfo()
	case !a.HasInfo():
		m.info = nil
	}
}

// Clone returns a deep copy.
func (m *ActionMessage) Clone() *ActionMessage {
	c := *m

	if m.Payload != nil {
		c.Payload = make([]byte, len(m.Payload))
		copy(c.Payload, m.Payload)
	}

	if m.info != nil {
		info := *m.info
		c.info = &info
	}

	return &c
}

// Take moves the contents out of m into a new message and leaves m zeroed.
func (m *ActionMessage) Take() *ActionMessage {
	c := *m
	*m = ActionMessage{}

	return &c
}

// Equal tells if two messages carry the same fields.
func (m *ActionMessage) Equal(o *ActionMessage) bool {
	if m == nil || o == nil {
		return m == o
	}

	if m.Action != o.Action || m.MessageID != o.MessageID ||
		m.SourceID != o.SourceID || m.SourceHandle != o.SourceHandle ||
		m.DestID != o.DestID || m.DestHandle != o.DestHandle ||
		m.Time != o.Time || m.Counter != o.Counter ||
		m.flags() != o.flags() ||
		string(m.Payload) != string(o.Payload) {
		return false
	}

	if (m.info == nil) != (o.info == nil) {
		return false
	}

	return m.info == nil || *m.info == *o.info
}

// Source returns the global handle of the sending interface.
func (m *ActionMessage) Source() sim.GlobalHandle {
	return sim.GlobalHandle{Fed: m.SourceID, Handle: m.SourceHandle}
}

// Dest returns the global handle of the receiving interface.
func (m *ActionMessage) Dest() sim.GlobalHandle {
	return sim.GlobalHandle{Fed: m.DestID, Handle: m.DestHandle}
}

// SetSource sets the source id and handle.
func (m *ActionMessage) SetSource(h sim.GlobalHandle) {
	m.SourceID = h.Fed
	m.SourceHandle = h.Handle
}

// SetDest sets the destination id and handle.
func (m *ActionMessage) SetDest(h sim.GlobalHandle) {
	m.DestID = h.Fed
	m.DestHandle = h.Handle
}

// SwapSourceDest exchanges the source and the destination, as replies do.
func (m *ActionMessage) SwapSourceDest() {
	m.SourceID, m.DestID = m.DestID, m.SourceID
	m.SourceHandle, m.DestHandle = m.DestHandle, m.SourceHandle
}

const (
	flagIterationComplete = 1 << iota
	flagRequired
	flagError
	flagFlag
)

func (m *ActionMessage) flags() byte {
	var f byte

	if m.IterationComplete {
		f |= flagIterationComplete
	}

	if m.Required {
		f |= flagRequired
	}

	if m.Error {
		f |= flagError
	}

	if m.Flag {
		f |= flagFlag
	}

	return f
}

func (m *ActionMessage) setFlags(f byte) {
	m.IterationComplete = f&flagIterationComplete != 0
	m.Required = f&flagRequired != 0
	m.Error = f&flagError != 0
	m.Flag = f&flagFlag != 0
}

// String returns a one-line summary for logs.
func (m *ActionMessage) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s %s:%d->%s:%d t=%s",
		m.Action, m.SourceID, m.SourceHandle, m.DestID, m.DestHandle, m.Time)

	if m.Counter != 0 {
		fmt.Fprintf(&b, " c=%d", m.Counter)
	}

	if m.IterationComplete {
		b.WriteString(" done")
	}

	if m.Error {
		b.WriteString(" err")
	}

	if m.info != nil {
		if m.info.EventTime != sim.MaxVTime {
			fmt.Fprintf(&b, " te=%s", m.info.EventTime)
		}

		if m.info.MinDeTime != sim.MaxVTime {
			fmt.Fprintf(&b, " tdemin=%s", m.info.MinDeTime)
		}

		if m.info.Source != "" {
			fmt.Fprintf(&b, " src=%q", m.info.Source)
		}

		if m.info.Target != "" {
			fmt.Fprintf(&b, " tgt=%q", m.info.Target)
		}
	}

	if len(m.Payload) > 0 {
		fmt.Fprintf(&b, " len=%d", len(m.Payload))
	}

	return b.String()
}
