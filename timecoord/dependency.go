package timecoord

import (
	"fmt"

	"github.com/sarchlab/cosim/message"
	"github.com/sarchlab/cosim/sim"
)

// DependencyState is what a coordinator knows about one of its
// dependencies.
type DependencyState int

// The dependency states.
const (
	Initialized DependencyState = iota
	ExecRequested
	ExecRequestedIterative
	TimeRequested
	TimeRequestedIterative
	TimeGranted
	Disconnected
)

var dependencyStateNames = [...]string{
	"initialized", "exec_requested", "exec_requested_iterative",
	"time_requested", "time_requested_iterative", "time_granted",
	"disconnected",
}

func (s DependencyState) String() string {
	if int(s) < len(dependencyStateNames) {
		return dependencyStateNames[s]
	}

	return fmt.Sprintf("dependency_state(%d)", int(s))
}

// DependencyInfo is the last reported time state of a dependency.
type DependencyInfo struct {
	FedID   sim.GlobalID
	State   DependencyState
	Next    sim.VTime
	Te      sim.VTime
	MinDe   sim.VTime
	MinFed  sim.GlobalID
	Counter uint16
}

func newDependencyInfo(id sim.GlobalID) *DependencyInfo {
	return &DependencyInfo{
		FedID:  id,
		State:  Initialized,
		Next:   sim.MinVTime,
		Te:     sim.MinVTime,
		MinDe:  sim.MinVTime,
		MinFed: sim.InvalidID,
	}
}

// Converged tells if the dependency is not iterating.
func (d *DependencyInfo) Converged() bool {
	return d.State != ExecRequestedIterative &&
		d.State != TimeRequestedIterative
}

// IsLive tells if the dependency can still block.
func (d *DependencyInfo) IsLive() bool {
	return d.State != Disconnected
}

// update applies a timing command sent by the dependency. It returns false
// if the command did not change anything.
func (d *DependencyInfo) update(m *message.ActionMessage) bool {
	old := *d

	switch m.Action {
	case message.ActionTimeRequest:
		info := m.Info()
		d.Next = m.Time
		d.Te = info.EventTime
		d.MinDe = info.MinDeTime
		d.MinFed = info.MinFed
		d.Counter = m.Counter
		d.State = TimeRequested

		if !m.IterationComplete {
			d.State = TimeRequestedIterative
		}
	case message.ActionTimeGrant:
		d.setGranted(m.Time)
	case message.ActionExecRequest:
		d.Counter = m.Counter
		d.State = ExecRequested

		if !m.IterationComplete {
			d.State = ExecRequestedIterative
		}
	case message.ActionExecGrant:
		d.setGranted(sim.ZeroTime)
	case message.ActionDisconnect, message.ActionPriorityDisconnect,
		message.ActionError, message.ActionBye:
		d.State = Disconnected
		d.Next = sim.MaxVTime
		d.Te = sim.MaxVTime
		d.MinDe = sim.MaxVTime
		d.MinFed = sim.InvalidID
	default:
		return false
	}

	return old != *d
}

func (d *DependencyInfo) setGranted(t sim.VTime) {
	d.State = TimeGranted
	d.Next = t
	d.Te = t
	d.MinDe = t
	d.MinFed = sim.InvalidID
	d.Counter = 0
}
