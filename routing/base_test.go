package routing

import (
	"context"
	"errors"
	"time"

	"github.com/sarchlab/cosim/message"
	"github.com/sarchlab/cosim/sim"
	"github.com/sarchlab/cosim/sim/hooking"
	"github.com/sarchlab/cosim/transport"
	"go.uber.org/mock/gomock"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func lostConnection(route sim.RouteID) *message.ActionMessage {
	return transport.LostConnection(route, errors.New("EOF"))
}

var _ = Describe("Base", func() {
	var (
		mockCtrl  *gomock.Controller
		transport *MockTransport
		handler   *MockHandler
		base      *Base
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		transport = NewMockTransport(mockCtrl)
		handler = NewMockHandler(mockCtrl)

		transport.EXPECT().SetReceiver(gomock.Any())
		transport.EXPECT().Address().Return("core0").AnyTimes()
		transport.EXPECT().Disconnect().Return(nil).AnyTimes()

		base = MakeBuilder().
			WithTransport(transport).
			WithTickInterval(0).
			Build("core0", handler)
	})

	AfterEach(func() {
		base.Stop()
		mockCtrl.Finish()
	})

	It("should process priority commands first", func() {
		processed := make(chan message.Action, 2)

		gomock.InOrder(
			handler.EXPECT().
				ProcessPriorityCommand(gomock.Any()).
				Do(func(m *message.ActionMessage) { processed <- m.Action }),
			handler.EXPECT().
				ProcessCommand(gomock.Any()).
				Do(func(m *message.ActionMessage) { processed <- m.Action }),
		)

		base.AddActionMessage(message.New(message.ActionTimeRequest))
		base.AddActionMessage(message.New(message.ActionRegFed))
		base.Start()

		Eventually(processed).Should(Receive(Equal(message.ActionRegFed)))
		Eventually(processed).Should(Receive(Equal(message.ActionTimeRequest)))
	})

	It("should route known ids and send others to the parent", func() {
		base.SetGlobalID(sim.BrokerGlobalID(1))
		base.AddRoute(sim.FederateGlobalID(4), 3)

		toFed := message.NewFromTo(message.ActionTimeGrant,
			sim.FederateGlobalID(0), sim.FederateGlobalID(4))
		toUnknown := message.NewFromTo(message.ActionTimeGrant,
			sim.FederateGlobalID(0), sim.FederateGlobalID(9))

		transport.EXPECT().Transmit(sim.RouteID(3), toFed)
		transport.EXPECT().Transmit(sim.ParentRoute, toUnknown)

		base.RouteMessage(toFed)
		base.RouteMessage(toUnknown)
	})

	It("should hold commands until the id is known", func() {
		reg := message.New(message.ActionRegFed)
		reg.SourceID = sim.InvalidID

		base.SendToParent(reg)
		Expect(base.NumDelayed()).To(Equal(1))

		transport.EXPECT().
			Transmit(sim.ParentRoute, gomock.Any()).
			Do(func(_ sim.RouteID, m *message.ActionMessage) {
				Expect(m.SourceID).To(Equal(sim.BrokerGlobalID(2)))
			})

		base.SetGlobalID(sim.BrokerGlobalID(2))
		Expect(base.NumDelayed()).To(Equal(0))
	})

	It("should keep routes when new ones are added", func() {
		transport.EXPECT().AddRoute(sim.RouteID(1), "a").Return(nil)
		transport.EXPECT().AddRoute(sim.RouteID(2), "b").Return(nil)

		r1, err := base.NewRoute("a")
		Expect(err).NotTo(HaveOccurred())
		r2, err := base.NewRoute("b")
		Expect(err).NotTo(HaveOccurred())

		base.AddRoute(sim.BrokerGlobalID(1), r1)
		base.AddRoute(sim.BrokerGlobalID(2), r2)
		base.RemoveRoute(sim.BrokerGlobalID(1))

		_, ok := base.RouteFor(sim.BrokerGlobalID(1))
		Expect(ok).To(BeFalse())
		route, ok := base.RouteFor(sim.BrokerGlobalID(2))
		Expect(ok).To(BeTrue())
		Expect(route).To(Equal(sim.RouteID(2)))
	})

	It("should fail when the transport fails", func() {
		var hookErr error

		base.AcceptHook(hooking.HookFunc(func(ctx hooking.HookCtx) {
			if ctx.Pos == HookPosError {
				hookErr = ctx.Detail.(error)
			}
		}))

		base.SetGlobalID(sim.BrokerGlobalID(0))
		base.SetState(Operating)

		transport.EXPECT().
			Transmit(sim.ParentRoute, gomock.Any()).
			Return(errors.New("broken pipe"))
		handler.EXPECT().OnError(gomock.Any())

		base.SendToParent(message.New(message.ActionLog))

		Expect(base.State()).To(Equal(Errored))
		Expect(hookErr).To(MatchError(ContainSubstring("broken pipe")))
	})

	It("should only drop commands when a child route fails", func() {
		var reason string

		base.AcceptHook(hooking.HookFunc(func(ctx hooking.HookCtx) {
			if ctx.Pos == HookPosDrop {
				reason = ctx.Detail.(string)
			}
		}))

		base.SetGlobalID(sim.BrokerGlobalID(0))
		base.SetState(Operating)
		base.AddRoute(sim.BrokerGlobalID(3), 4)

		transport.EXPECT().
			Transmit(sim.RouteID(4), gomock.Any()).
			Return(errors.New("peer gone"))

		base.RouteMessage(message.NewFromTo(message.ActionTimeGrant,
			sim.FederateGlobalID(0), sim.BrokerGlobalID(3)))

		Expect(base.State()).To(Equal(Operating))
		Expect(reason).To(ContainSubstring("peer gone"))
	})

	It("should turn a lost child connection into errors from its routers", func() {
		base.SetGlobalID(sim.BrokerGlobalID(0))
		base.AddRoute(sim.BrokerGlobalID(3), 4)
		base.AddRoute(sim.FederateGlobalID(7), 4)
		base.AddRoute(sim.BrokerGlobalID(5), 6)

		reported := make(chan *message.ActionMessage, 2)
		handler.EXPECT().
			ProcessCommand(gomock.Any()).
			Do(func(m *message.ActionMessage) { reported <- m })

		base.Start()
		base.AddActionMessage(lostConnection(4))

		var m *message.ActionMessage
		Eventually(reported).Should(Receive(&m))
		Expect(m.Action).To(Equal(message.ActionError))
		Expect(m.SourceID).To(Equal(sim.BrokerGlobalID(3)))
		Expect(m.DestID).To(Equal(sim.BrokerGlobalID(0)))
		Consistently(reported).ShouldNot(Receive())
	})

	It("should fail when the parent connection is lost", func() {
		base.SetGlobalID(sim.BrokerGlobalID(0))
		base.SetState(Operating)

		failed := make(chan error, 1)
		handler.EXPECT().OnError(gomock.Any()).Do(func(err error) { failed <- err })

		base.Start()
		base.AddActionMessage(lostConnection(sim.ParentRoute))

		var err error
		Eventually(failed).Should(Receive(&err))
		Expect(err).To(MatchError(sim.ErrConnectionFailure))
		Expect(base.State()).To(Equal(Errored))
	})

	It("should ignore a lost parent connection while leaving", func() {
		base.SetGlobalID(sim.BrokerGlobalID(0))
		base.SetState(Terminating)

		base.Start()
		base.AddActionMessage(lostConnection(sim.ParentRoute))

		Consistently(base.State).Should(Equal(Terminating))
	})

	It("should answer pings", func() {
		base.SetGlobalID(sim.BrokerGlobalID(0))
		base.AddRoute(sim.BrokerGlobalID(5), 2)

		replied := make(chan *message.ActionMessage, 1)
		transport.EXPECT().
			Transmit(sim.RouteID(2), gomock.Any()).
			Do(func(_ sim.RouteID, m *message.ActionMessage) { replied <- m })

		base.Start()
		base.AddActionMessage(message.NewFromTo(message.ActionPing,
			sim.BrokerGlobalID(5), sim.ParentID))

		var reply *message.ActionMessage
		Eventually(replied).Should(Receive(&reply))
		Expect(reply.Action).To(Equal(message.ActionPingReply))
		Expect(reply.DestID).To(Equal(sim.BrokerGlobalID(5)))
	})
})

var _ = Describe("Root Base", func() {
	var (
		mockCtrl  *gomock.Controller
		transport *MockTransport
		handler   *MockHandler
		base      *Base
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		transport = NewMockTransport(mockCtrl)
		handler = NewMockHandler(mockCtrl)

		transport.EXPECT().SetReceiver(gomock.Any())
		transport.EXPECT().Address().Return("root").AnyTimes()
		transport.EXPECT().Disconnect().Return(nil).AnyTimes()

		base = MakeBuilder().
			WithTransport(transport).
			WithTickInterval(0).
			AsRoot().
			Build("root", handler)
	})

	AfterEach(func() {
		base.Stop()
		mockCtrl.Finish()
	})

	It("should own the root id", func() {
		Expect(base.GlobalID()).To(Equal(sim.RootBrokerID))
		Expect(base.IsRoot()).To(BeTrue())
	})

	It("should drop commands to unknown ids", func() {
		var reason string

		base.AcceptHook(hooking.HookFunc(func(ctx hooking.HookCtx) {
			if ctx.Pos == HookPosDrop {
				reason = ctx.Detail.(string)
			}
		}))

		base.RouteMessage(message.NewFromTo(message.ActionSendMessage,
			sim.FederateGlobalID(0), sim.FederateGlobalID(7)))

		Expect(reason).To(Equal("unknown destination"))
	})
})

var _ = Describe("Watchdog", func() {
	var (
		mockCtrl  *gomock.Controller
		transport *MockTransport
		handler   *MockHandler
		base      *Base
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		transport = NewMockTransport(mockCtrl)
		handler = NewMockHandler(mockCtrl)

		transport.EXPECT().SetReceiver(gomock.Any())
		transport.EXPECT().Address().Return("core0").AnyTimes()
		transport.EXPECT().Connect(gomock.Any()).Return(nil)
		transport.EXPECT().Disconnect().Return(nil).AnyTimes()

		base = MakeBuilder().
			WithTransport(transport).
			WithTickInterval(5*time.Millisecond).
			WithTimeout(20*time.Millisecond).
			Build("core0", handler)

		Expect(base.Connect(context.Background())).To(Succeed())
		base.SetGlobalID(sim.BrokerGlobalID(0))
		base.SetState(Connected)
	})

	AfterEach(func() {
		base.Stop()
		mockCtrl.Finish()
	})

	It("should fail when the parent stops answering", func() {
		failed := make(chan error, 1)

		transport.EXPECT().
			Transmit(sim.ParentRoute, gomock.Any()).
			Do(func(_ sim.RouteID, m *message.ActionMessage) {
				Expect(m.Action).To(Equal(message.ActionPing))
			}).
			MinTimes(1)
		handler.EXPECT().OnError(gomock.Any()).Do(func(err error) {
			failed <- err
		})

		base.Start()

		var err error
		Eventually(failed).Should(Receive(&err))
		Expect(errors.Is(err, sim.ErrConnectionFailure)).To(BeTrue())
		Expect(base.State()).To(Equal(Errored))
	})

	It("should stay connected while the parent answers", func() {
		transport.EXPECT().
			Transmit(sim.ParentRoute, gomock.Any()).
			Do(func(_ sim.RouteID, m *message.ActionMessage) {
				base.AddActionMessage(message.NewFromTo(
					message.ActionPingReply, sim.RootBrokerID, m.SourceID))
			}).
			AnyTimes()

		base.Start()

		Consistently(base.State, 60*time.Millisecond).Should(Equal(Connected))
	})
})
