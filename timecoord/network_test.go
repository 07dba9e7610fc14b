package timecoord

import (
	"github.com/sarchlab/cosim/message"
	"github.com/sarchlab/cosim/sim"
)

type pendingKind int

const (
	pendingNone pendingKind = iota
	pendingExec
	pendingTime
)

// network connects coordinators through a single FIFO, like federates in
// one core.
type network struct {
	coords  map[sim.GlobalID]*Coordinator
	pending map[sim.GlobalID]pendingKind
	results map[sim.GlobalID][]IterationTime
	queue   []*message.ActionMessage
}

func newNetwork() *network {
	return &network{
		coords:  make(map[sim.GlobalID]*Coordinator),
		pending: make(map[sim.GlobalID]pendingKind),
		results: make(map[sim.GlobalID][]IterationTime),
	}
}

func (n *network) add(i int32, config Config) *Coordinator {
	id := sim.FederateGlobalID(i)
	c := MakeBuilder().
		WithConfig(config).
		WithSender(func(m *message.ActionMessage) {
			n.queue = append(n.queue, m)
		}).
		Build(id)
	n.coords[id] = c

	return c
}

func (n *network) dependsOn(a, b int32) {
	ida := sim.FederateGlobalID(a)
	idb := sim.FederateGlobalID(b)
	n.coords[ida].AddDependency(idb)
	n.coords[idb].AddDependent(ida)
}

func (n *network) mutual(a, b int32) {
	n.dependsOn(a, b)
	n.dependsOn(b, a)
}

func (n *network) enterExec(i int32, req IterationRequest) {
	id := sim.FederateGlobalID(i)
	n.coords[id].EnterExec(req)
	n.pending[id] = pendingExec
	n.check(id)
}

func (n *network) request(i int32, t sim.VTime, req IterationRequest) {
	id := sim.FederateGlobalID(i)
	n.coords[id].RequestTime(t, req)
	n.pending[id] = pendingTime
	n.check(id)
}

func (n *network) check(id sim.GlobalID) {
	c := n.coords[id]

	var r IterationResult

	switch n.pending[id] {
	case pendingExec:
		r = c.CheckExecEntry()
	case pendingTime:
		r = c.CheckTimeGrant()
	default:
		return
	}

	if r.IsReturnable() {
		n.pending[id] = pendingNone
		n.results[id] = append(n.results[id],
			IterationTime{Time: c.Granted(), State: r})
	}
}

func (n *network) settle() {
	for steps := 0; len(n.queue) > 0; steps++ {
		if steps > 100000 {
			panic("network does not settle")
		}

		m := n.queue[0]
		n.queue = n.queue[1:]

		c, ok := n.coords[m.DestID]
		if !ok {
			continue
		}

		c.ProcessMessage(m)
		n.check(m.DestID)
	}
}

func (n *network) last(i int32) (IterationTime, bool) {
	rs := n.results[sim.FederateGlobalID(i)]
	if len(rs) == 0 {
		return IterationTime{}, false
	}

	return rs[len(rs)-1], true
}

func (n *network) isPending(i int32) bool {
	return n.pending[sim.FederateGlobalID(i)] != pendingNone
}

func (n *network) count(i int32) int {
	return len(n.results[sim.FederateGlobalID(i)])
}

func secs(s float64) sim.VTime {
	return sim.VTimeFromSeconds(s)
}
