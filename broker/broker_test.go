package broker

import (
	"context"
	"time"

	"github.com/sarchlab/cosim/message"
	"github.com/sarchlab/cosim/routing"
	"github.com/sarchlab/cosim/sim"
	"github.com/sarchlab/cosim/sim/hooking"
	"github.com/sarchlab/cosim/transport/inproc"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// peer plays a child core with a bare transport.
type peer struct {
	t  *inproc.Transport
	in chan *message.ActionMessage
}

func newPeer(registry *inproc.Registry, address, parent string) *peer {
	p := &peer{
		t:  inproc.MakeBuilder(registry).WithParent(parent).Build(address),
		in: make(chan *message.ActionMessage, 256),
	}

	p.t.SetReceiver(func(m *message.ActionMessage) { p.in <- m })
	Expect(p.t.Connect(context.Background())).To(Succeed())

	return p
}

func (p *peer) send(m *message.ActionMessage) {
	Expect(p.t.Transmit(sim.ParentRoute, m)).To(Succeed())
}

// expect skips commands until one of the action arrives.
func (p *peer) expect(action message.Action) *message.ActionMessage {
	GinkgoHelper()

	var got *message.ActionMessage

	Eventually(func() bool {
		for {
			select {
			case m := <-p.in:
				if m.Action == action {
					got = m
					return true
				}
			default:
				return false
			}
		}
	}).Should(BeTrue(), "waiting for %s", action)

	return got
}

func (p *peer) expectNone(action message.Action) {
	GinkgoHelper()

	Consistently(func() bool {
		for {
			select {
			case m := <-p.in:
				if m.Action == action {
					return true
				}
			default:
				return false
			}
		}
	}, 50*time.Millisecond).Should(BeFalse())
}

func (p *peer) register(name string) sim.GlobalID {
	GinkgoHelper()

	reg := message.NewFromTo(message.ActionRegBroker, sim.InvalidID, sim.ParentID)
	reg.Info().Source = name
	p.send(reg)

	ack := p.expect(message.ActionBrokerAck)
	Expect(ack.Error).To(BeFalse())
	Expect(string(ack.Payload)).To(Equal(name))

	return ack.DestID
}

func (p *peer) registerFed(core sim.GlobalID, name string) sim.GlobalID {
	GinkgoHelper()

	reg := message.NewFromTo(message.ActionRegFed, core, sim.ParentID)
	reg.Payload = []byte(name)
	p.send(reg)

	ack := p.expect(message.ActionFedAck)
	Expect(ack.Error).To(BeFalse())
	Expect(string(ack.Payload)).To(Equal(name))

	return ack.DestID
}

func regCommand(
	action message.Action,
	fed sim.GlobalID,
	h sim.InterfaceHandle,
	key, target string,
) *message.ActionMessage {
	m := message.NewFromTo(action, fed, sim.ParentID)
	m.SourceHandle = h
	m.Info().Source = key
	m.Info().Target = target

	return m
}

var _ = Describe("CoreBroker", func() {
	var (
		registry *inproc.Registry
		root     *CoreBroker
	)

	BeforeEach(func() {
		registry = inproc.NewRegistry()
		root = MakeBuilder().
			WithName("root").
			WithTransport(inproc.MakeBuilder(registry).Build("root")).
			WithMinFederates(2).
			WithTickInterval(0).
			Build()

		Expect(root.Connect(context.Background())).To(Succeed())
	})

	AfterEach(func() {
		root.Stop()
		registry.Close()
	})

	It("should assign ids to cores and federates", func() {
		a := newPeer(registry, "coreA", "root")
		b := newPeer(registry, "coreB", "root")

		Expect(a.register("coreA")).To(Equal(sim.BrokerGlobalID(0)))
		Expect(b.register("coreB")).To(Equal(sim.BrokerGlobalID(1)))

		Expect(a.registerFed(sim.BrokerGlobalID(0), "fedA")).
			To(Equal(sim.FederateGlobalID(0)))
		Expect(b.registerFed(sim.BrokerGlobalID(1), "fedB")).
			To(Equal(sim.FederateGlobalID(1)))

		Eventually(func() int { return root.Snapshot().Federates }).Should(Equal(2))
		Expect(root.Snapshot().Children).To(Equal([]string{"coreA", "coreB"}))
	})

	It("should reject duplicate names", func() {
		a := newPeer(registry, "coreA", "root")
		b := newPeer(registry, "coreB", "root")
		a.register("coreA")

		reg := message.NewFromTo(message.ActionRegBroker, sim.InvalidID, sim.ParentID)
		reg.Info().Source = "coreA"
		b.send(reg)

		nack := b.expect(message.ActionBrokerAck)
		Expect(nack.Error).To(BeTrue())
		Expect(nack.MessageID).To(Equal(message.RejectDuplicateName))

		a.registerFed(sim.BrokerGlobalID(0), "fed")

		dup := message.NewFromTo(message.ActionRegFed, sim.BrokerGlobalID(0), sim.ParentID)
		dup.Payload = []byte("fed")
		a.send(dup)

		fedNack := a.expect(message.ActionFedAck)
		Expect(fedNack.Error).To(BeTrue())
		Expect(string(fedNack.Payload)).To(Equal("fed"))
	})

	Context("with two registered federates", func() {
		var (
			a, b       *peer
			gidA, gidB sim.GlobalID
			fedA, fedB sim.GlobalID
		)

		BeforeEach(func() {
			a = newPeer(registry, "coreA", "root")
			b = newPeer(registry, "coreB", "root")
			gidA = a.register("coreA")
			gidB = b.register("coreB")
			fedA = a.registerFed(gidA, "fedA")
			fedB = b.registerFed(gidB, "fedB")
		})

		It("should match a subscription registered before its publication", func() {
			b.send(regCommand(message.ActionRegSub, fedB, 0, "in", "temp"))
			Eventually(func() int { return root.Snapshot().Pending }).Should(Equal(1))

			a.send(regCommand(message.ActionRegPub, fedA, 3, "temp", ""))

			notify := b.expect(message.ActionNotifyPub)
			Expect(notify.Source()).To(Equal(sim.GlobalHandle{Fed: fedA, Handle: 3}))
			Expect(notify.Dest()).To(Equal(sim.GlobalHandle{Fed: fedB, Handle: 0}))

			add := a.expect(message.ActionAddSubscriber)
			Expect(add.Source()).To(Equal(sim.GlobalHandle{Fed: fedB, Handle: 0}))
			Expect(add.Dest()).To(Equal(sim.GlobalHandle{Fed: fedA, Handle: 3}))

			Eventually(func() int { return root.Snapshot().Pending }).Should(Equal(0))
		})

		It("should report a duplicate publication key", func() {
			a.send(regCommand(message.ActionRegPub, fedA, 0, "temp", ""))
			b.send(regCommand(message.ActionRegPub, fedB, 0, "temp", ""))

			errMsg := b.expect(message.ActionError)
			Expect(errMsg.DestID).To(Equal(fedB))
			Expect(string(errMsg.Payload)).To(ContainSubstring("temp"))
		})

		It("should make endpoint owners depend on each other", func() {
			a.send(regCommand(message.ActionRegEnd, fedA, 0, "epA", ""))
			b.send(regCommand(message.ActionRegEnd, fedB, 0, "epB", ""))

			dep := a.expect(message.ActionAddDependency)
			Expect(dep.SourceID).To(Equal(fedB))
			Expect(dep.DestID).To(Equal(fedA))
			Expect(a.expect(message.ActionAddDependent).SourceID).To(Equal(fedB))

			Expect(b.expect(message.ActionAddDependent).SourceID).To(Equal(fedA))
			Expect(b.expect(message.ActionAddDependency).SourceID).To(Equal(fedA))
		})

		It("should attach filters and reject a second final source filter", func() {
			a.send(regCommand(message.ActionRegEnd, fedA, 0, "ep", ""))
			b.send(regCommand(message.ActionRegSrcFilter, fedB, 0, "f1", ""))
			b.send(regCommand(message.ActionRegSrcFilter, fedB, 1, "f2", ""))
			b.send(regCommand(message.ActionRegSrcFilter, fedB, 0, "f1", "ep"))

			notify := a.expect(message.ActionNotifySrcFilter)
			Expect(notify.Source()).To(Equal(sim.GlobalHandle{Fed: fedB, Handle: 0}))
			Expect(notify.Dest()).To(Equal(sim.GlobalHandle{Fed: fedA, Handle: 0}))

			end := b.expect(message.ActionNotifyEnd)
			Expect(end.Source()).To(Equal(sim.GlobalHandle{Fed: fedA, Handle: 0}))

			b.send(regCommand(message.ActionRegSrcFilter, fedB, 1, "f2", "ep"))

			errMsg := b.expect(message.ActionError)
			Expect(string(errMsg.Payload)).To(ContainSubstring("ep"))
		})

		It("should accept several operator filters on one endpoint", func() {
			a.send(regCommand(message.ActionRegEnd, fedA, 0, "ep", ""))
			b.send(regCommand(message.ActionRegSrcFilter, fedB, 0, "op1", ""))
			b.send(regCommand(message.ActionRegSrcFilter, fedB, 1, "op2", ""))

			for h, key := range []string{"op1", "op2"} {
				t := regCommand(message.ActionRegSrcFilter, fedB,
					sim.InterfaceHandle(h), key, "ep")
				t.Counter = message.FilterHasOperator
				b.send(t)
				a.expect(message.ActionNotifySrcFilter)
			}

			b.expectNone(message.ActionError)
		})

		It("should grant init once every core and enough federates are ready", func() {
			a.send(message.NewFromTo(message.ActionInit, gidA, sim.ParentID))
			a.expectNone(message.ActionInitGrant)

			b.send(message.NewFromTo(message.ActionInit, gidB, sim.ParentID))

			Expect(a.expect(message.ActionInitGrant).DestID).To(Equal(gidA))
			Expect(b.expect(message.ActionInitGrant).DestID).To(Equal(gidB))
			Eventually(root.State).Should(Equal(routing.Operating))
			Expect(root.HandleTable().IsFrozen()).To(BeTrue())
		})

		It("should wait again after init_not_ready", func() {
			a.send(message.NewFromTo(message.ActionInit, gidA, sim.ParentID))
			a.send(message.NewFromTo(message.ActionInitNotReady, gidA, sim.ParentID))
			b.send(message.NewFromTo(message.ActionInit, gidB, sim.ParentID))

			a.expectNone(message.ActionInitGrant)
		})

		It("should resolve message destinations by name", func() {
			a.send(regCommand(message.ActionRegEnd, fedA, 5, "inbox", ""))

			m := message.NewFromTo(message.ActionSendMessage, fedB, sim.ParentID)
			m.Info().Target = "inbox"
			m.Payload = []byte("M")
			b.send(m)

			got := a.expect(message.ActionSendMessage)
			Expect(got.Dest()).To(Equal(sim.GlobalHandle{Fed: fedA, Handle: 5}))
			Expect(string(got.Payload)).To(Equal("M"))
		})

		It("should answer queries and forward them by name", func() {
			q := message.NewFromTo(message.ActionQuery, gidA, sim.RootBrokerID)
			q.MessageID = 7
			q.Info().Target = "root"
			q.Payload = []byte("federates")
			a.send(q)

			reply := a.expect(message.ActionQueryReply)
			Expect(reply.MessageID).To(Equal(int32(7)))
			Expect(string(reply.Payload)).To(Equal(`["fedA","fedB"]`))

			q = message.NewFromTo(message.ActionQuery, gidA, sim.RootBrokerID)
			q.MessageID = 8
			q.Info().Target = "fedB"
			q.Payload = []byte("name")
			a.send(q)

			Expect(b.expect(message.ActionQuery).DestID).To(Equal(fedB))

			q = message.NewFromTo(message.ActionQuery, gidA, sim.RootBrokerID)
			q.Info().Target = "nobody"
			q.Payload = []byte("name")
			a.send(q)

			Expect(string(a.expect(message.ActionQueryReply).Payload)).To(Equal(queryUnknown))
		})

		It("should broadcast stop to every child", func() {
			root.Terminate()

			Expect(a.expect(message.ActionTerminateImmediately).DestID).To(Equal(gidA))
			Expect(b.expect(message.ActionTerminateImmediately).DestID).To(Equal(gidB))
		})

		It("should stop once every child left", func() {
			a.send(message.NewFromTo(message.ActionDisconnect, gidA, sim.ParentID))
			Consistently(root.Done(), 50*time.Millisecond).ShouldNot(BeClosed())

			b.send(message.NewFromTo(message.ActionDisconnect, gidB, sim.ParentID))
			Eventually(root.Done()).Should(BeClosed())
		})

		It("should treat an errored core as gone", func() {
			errMsg := message.NewFromTo(message.ActionError, gidA, sim.ParentID)
			errMsg.Payload = []byte("watchdog")
			a.send(errMsg)

			b.send(message.NewFromTo(message.ActionInit, gidB, sim.ParentID))
			Expect(b.expect(message.ActionInitGrant).DestID).To(Equal(gidB))
		})
	})

	Context("with a sub-broker", func() {
		var sub *CoreBroker

		BeforeEach(func() {
			sub = MakeBuilder().
				WithName("sub").
				WithTransport(inproc.MakeBuilder(registry).WithParent("root").Build("sub")).
				WithRoot(false).
				WithGateway(true).
				WithTickInterval(0).
				Build()

			Expect(sub.Connect(context.Background())).To(Succeed())
		})

		AfterEach(func() {
			sub.Stop()
		})

		It("should register cores and federates through the tree", func() {
			c := newPeer(registry, "coreC", "sub")
			gid := c.register("coreC")
			Expect(gid.IsBroker()).To(BeTrue())
			Expect(sub.GlobalID()).To(Equal(sim.BrokerGlobalID(0)))

			fed := c.registerFed(gid, "fedC")
			Expect(fed).To(Equal(sim.FederateGlobalID(0)))

			Expect(root.Snapshot().Children).To(Equal([]string{"sub"}))
			Eventually(func() int { return sub.Snapshot().Federates }).Should(Equal(1))
		})

		It("should map gateway queries back to the asker", func() {
			c := newPeer(registry, "coreC", "sub")
			gid := c.register("coreC")

			q := message.NewFromTo(message.ActionQuery, gid, sim.RootBrokerID)
			q.MessageID = 42
			q.Info().Target = "root"
			q.Payload = []byte("name")
			c.send(q)

			reply := c.expect(message.ActionQueryReply)
			Expect(reply.DestID).To(Equal(gid))
			Expect(reply.MessageID).To(Equal(int32(42)))
			Expect(string(reply.Payload)).To(Equal("root"))
		})

		It("should present forwarded warnings as its own", func() {
			seen := make(chan sim.GlobalID, 1)

			root.AcceptHook(hooking.HookFunc(func(ctx hooking.HookCtx) {
				m, ok := ctx.Item.(*message.ActionMessage)
				if !ok || ctx.Pos != routing.HookPosProcess || m.Action != message.ActionWarning {
					return
				}

				select {
				case seen <- m.SourceID:
				default:
				}
			}))

			c := newPeer(registry, "coreC", "sub")
			gid := c.register("coreC")
			fed := c.registerFed(gid, "fedC")

			w := message.NewFromTo(message.ActionWarning, fed, sim.RootBrokerID)
			w.Payload = []byte("careful")
			c.send(w)

			Eventually(seen).Should(Receive(Equal(sub.GlobalID())))
		})

		It("should pass init up once its cores are ready", func() {
			c := newPeer(registry, "coreC", "sub")
			d := newPeer(registry, "coreD", "root")
			gidC := c.register("coreC")
			gidD := d.register("coreD")
			c.registerFed(gidC, "fedC")
			d.registerFed(gidD, "fedD")

			c.send(message.NewFromTo(message.ActionInit, gidC, sim.ParentID))
			d.send(message.NewFromTo(message.ActionInit, gidD, sim.ParentID))

			Expect(c.expect(message.ActionInitGrant).DestID).To(Equal(gidC))
			Expect(d.expect(message.ActionInitGrant).DestID).To(Equal(gidD))
		})
	})
})
