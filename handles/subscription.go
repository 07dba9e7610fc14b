package handles

import (
	"bytes"

	"github.com/sarchlab/cosim/sim"
	"github.com/sarchlab/cosim/sim/queueing"
)

// A DataRecord is a value published to a subscription.
type DataRecord struct {
	Source    sim.GlobalHandle
	Iteration uint16
	Data      []byte
}

// SubscriptionInfo is the state of a subscription (input) owned by a local
// federate.
type SubscriptionInfo struct {
	ID       sim.GlobalHandle
	Key      string
	Type     string
	Units    string
	Required bool

	// OnlyUpdateOnChange makes byte-equal values not count as updates.
	OnlyUpdateOnChange bool

	// NotInterruptible keeps values from pulling in grants.
	NotInterruptible bool

	Sources []sim.GlobalHandle

	current     []byte
	currentTime sim.VTime
	hasValue    bool
	updated     bool
	queue       *queueing.TimeQueue[DataRecord]
}

// NewSubscriptionInfo creates the state of a subscription.
func NewSubscriptionInfo(id sim.GlobalHandle, key, typ, units string) *SubscriptionInfo {
	return &SubscriptionInfo{
		ID:          id,
		Key:         key,
		Type:        typ,
		Units:       units,
		currentTime: sim.MinVTime,
		queue:       queueing.NewTimeQueue[DataRecord](),
	}
}

// AddSource records a publisher feeding the subscription. It returns false if
// the source was already known.
func (s *SubscriptionInfo) AddSource(h sim.GlobalHandle) bool {
	for _, src := range s.Sources {
		if src == h {
			return false
		}
	}

	s.Sources = append(s.Sources, h)

	return true
}

// HasSource tells if any publisher has been matched.
func (s *SubscriptionInfo) HasSource() bool {
	return len(s.Sources) > 0
}

// AddData queues a value published at time t.
func (s *SubscriptionInfo) AddData(t sim.VTime, rec DataRecord) {
	s.queue.Push(t, rec)
}

// NextValueTime returns the time of the earliest queued value, or
// sim.MaxVTime.
func (s *SubscriptionInfo) NextValueTime() sim.VTime {
	return s.queue.NextTime()
}

// UpdateTime makes every queued value at or before t visible, the latest
// winning. It returns true if the visible value changed.
func (s *SubscriptionInfo) UpdateTime(t sim.VTime) bool {
	changed := false

	for {
		vt, rec, ok := s.queue.Peek()
		if !ok || vt > t {
			break
		}

		s.queue.Pop()

		if s.OnlyUpdateOnChange && s.hasValue && bytes.Equal(s.current, rec.Data) {
			continue
		}

		s.current = rec.Data
		s.currentTime = vt
		s.hasValue = true
		changed = true
	}

	if changed {
		s.updated = true
	}

	return changed
}

// Value returns the visible value and the time it was published at.
func (s *SubscriptionInfo) Value() ([]byte, sim.VTime) {
	return s.current, s.currentTime
}

// IsUpdated tells if the visible value changed since it was last read.
func (s *SubscriptionInfo) IsUpdated() bool {
	return s.updated
}

// ClearUpdated marks the visible value as read.
func (s *SubscriptionInfo) ClearUpdated() {
	s.updated = false
}

// ClearFutureData drops every queued value.
func (s *SubscriptionInfo) ClearFutureData() {
	s.queue.Clear()
}
