package inproc

import (
	"context"

	"github.com/sarchlab/cosim/message"
	"github.com/sarchlab/cosim/sim"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Transport", func() {
	var (
		registry     *Registry
		broker, core *Transport
		atBroker     []*message.ActionMessage
		atCore       []*message.ActionMessage
	)

	BeforeEach(func() {
		atBroker = nil
		atCore = nil
		registry = NewRegistry()

		broker = MakeBuilder(registry).Build("broker")
		broker.SetReceiver(func(m *message.ActionMessage) { atBroker = append(atBroker, m) })
		Expect(broker.Connect(context.Background())).To(Succeed())

		core = MakeBuilder(registry).WithParent("broker").Build("core")
		core.SetReceiver(func(m *message.ActionMessage) { atCore = append(atCore, m) })
		Expect(core.Connect(context.Background())).To(Succeed())
	})

	AfterEach(func() {
		registry.Close()
	})

	It("should stamp the address on broker registration", func() {
		Expect(core.Transmit(sim.ParentRoute, message.New(message.ActionRegBroker))).To(Succeed())

		Expect(atBroker).To(HaveLen(1))
		Expect(atBroker[0].Info().Target).To(Equal("core"))

		Expect(broker.AddRoute(1, "core")).To(Succeed())
		Expect(broker.Transmit(1, message.New(message.ActionBrokerAck))).To(Succeed())
		Expect(atCore).To(HaveLen(1))
	})

	It("should refuse a missing parent", func() {
		orphan := MakeBuilder(registry).WithParent("nobody").Build("orphan")

		Expect(orphan.Connect(context.Background())).To(MatchError(sim.ErrConnectionFailure))
		_, taken := registry.Lookup("orphan")
		Expect(taken).To(BeFalse())
	})

	It("should refuse a taken address", func() {
		dup := MakeBuilder(registry).Build("broker")

		Expect(dup.Connect(context.Background())).To(MatchError(sim.ErrConnectionFailure))
	})

	It("should fail to transmit on unknown routes or after disconnect", func() {
		Expect(broker.Transmit(5, message.New(message.ActionPing))).To(MatchError(sim.ErrConnectionFailure))

		Expect(core.Disconnect()).To(Succeed())
		Expect(core.Transmit(sim.ParentRoute, message.New(message.ActionPing))).To(MatchError(sim.ErrConnectionFailure))
		Expect(broker.AddRoute(1, "core")).To(MatchError(sim.ErrConnectionFailure))
	})
})
