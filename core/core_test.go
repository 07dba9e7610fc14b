package core

import (
	"context"
	"time"

	"go.uber.org/mock/gomock"
	"golang.org/x/sync/errgroup"

	"github.com/sarchlab/cosim/broker"
	"github.com/sarchlab/cosim/filter"
	"github.com/sarchlab/cosim/message"
	"github.com/sarchlab/cosim/routing"
	"github.com/sarchlab/cosim/sim"
	"github.com/sarchlab/cosim/timecoord"
	"github.com/sarchlab/cosim/transport/inproc"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func secs(s float64) sim.VTime {
	return sim.VTimeFromSeconds(s)
}

// federation is a root broker with cores attached over the in-process
// transport.
type federation struct {
	registry *inproc.Registry
	root     *broker.CoreBroker
	cores    []*CommonCore
}

func newFederation(minFederates int) *federation {
	registry := inproc.NewRegistry()

	root := broker.MakeBuilder().
		WithName("root").
		WithTransport(inproc.MakeBuilder(registry).Build("root")).
		WithMinFederates(minFederates).
		WithTickInterval(0).
		Build()
	Expect(root.Connect(context.Background())).To(Succeed())

	return &federation{registry: registry, root: root}
}

func (fd *federation) addCore(name string, minFederates int) *CommonCore {
	c := MakeBuilder().
		WithName(name).
		WithTransport(inproc.MakeBuilder(fd.registry).WithParent("root").Build(name)).
		WithMinFederates(minFederates).
		WithTickInterval(0).
		Build()
	Expect(c.Connect(context.Background())).To(Succeed())

	fd.cores = append(fd.cores, c)

	return c
}

func (fd *federation) stop() {
	for _, c := range fd.cores {
		c.Stop()
	}

	fd.root.Stop()
	fd.registry.Close()
}

func register(c *CommonCore, name string, info FederateInfo) sim.LocalFederateID {
	GinkgoHelper()

	fed, err := c.RegisterFederate(name, info)
	Expect(err).NotTo(HaveOccurred())

	return fed
}

// runFederates runs every federate body on its own goroutine and waits for
// all of them.
func runFederates(bodies ...func() error) {
	GinkgoHelper()

	var g errgroup.Group
	for _, body := range bodies {
		g.Go(body)
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var err error
	Eventually(done, 5*time.Second).Should(Receive(&err))
	Expect(err).NotTo(HaveOccurred())
}

func enterExec(c *CommonCore, fed sim.LocalFederateID) error {
	_, err := c.EnterExecutingState(fed, timecoord.NoIterations)
	return err
}

var _ = Describe("CommonCore", func() {
	var fd *federation

	AfterEach(func() {
		fd.stop()
	})

	Context("with two federates exchanging messages", func() {
		var (
			c            *CommonCore
			a, b         sim.LocalFederateID
			portA, portB sim.InterfaceHandle
		)

		BeforeEach(func() {
			fd = newFederation(2)
			c = fd.addCore("core1", 2)

			a = register(c, "fedA", DefaultFederateInfo())
			b = register(c, "fedB", DefaultFederateInfo())

			var err error
			portA, err = c.RegisterEndpoint(a, "portA", "")
			Expect(err).NotTo(HaveOccurred())
			portB, err = c.RegisterEndpoint(b, "portB", "")
			Expect(err).NotTo(HaveOccurred())
		})

		It("should deliver a message sent at time zero", func() {
			var (
				granted     sim.VTime
				got, second *message.Message
			)

			runFederates(
				func() error {
					if err := enterExec(c, a); err != nil {
						return err
					}

					if err := c.Send(portA, "portB", []byte("M")); err != nil {
						return err
					}

					if _, err := c.TimeRequest(a, secs(1)); err != nil {
						return err
					}

					return c.Finalize(a)
				},
				func() error {
					if err := enterExec(c, b); err != nil {
						return err
					}

					var err error
					if granted, err = c.TimeRequest(b, secs(1)); err != nil {
						return err
					}

					got = c.Receive(portB)
					second = c.Receive(portB)

					return c.Finalize(b)
				},
			)

			Expect(granted).To(Equal(secs(1)))
			Expect(got).NotTo(BeNil())
			Expect(got.Data).To(Equal([]byte("M")))
			Expect(got.Source).To(Equal("portA"))
			Expect(got.Time).To(Equal(sim.ZeroTime))
			Expect(second).To(BeNil())
		})

		It("should interrupt a time request with a delayed message", func() {
			flt, err := c.RegisterSourceFilter(a, "delay", "", "")
			Expect(err).NotTo(HaveOccurred())
			Expect(c.AddSourceTarget(flt, "portA")).To(Succeed())
			Expect(c.SetFilterOperator(flt,
				filter.NewDelayOperator(secs(2.5)))).To(Succeed())

			var (
				first, second sim.VTime
				early, late   *message.Message
			)

			runFederates(
				func() error {
					if err := enterExec(c, a); err != nil {
						return err
					}

					if err := c.Send(portA, "portB", []byte("late")); err != nil {
						return err
					}

					if _, err := c.TimeRequest(a, secs(5)); err != nil {
						return err
					}

					return c.Finalize(a)
				},
				func() error {
					if err := enterExec(c, b); err != nil {
						return err
					}

					var err error
					if first, err = c.TimeRequest(b, secs(2)); err != nil {
						return err
					}

					early = c.Receive(portB)

					if second, err = c.TimeRequest(b, secs(3)); err != nil {
						return err
					}

					late = c.Receive(portB)

					return c.Finalize(b)
				},
			)

			Expect(first).To(Equal(secs(2)))
			Expect(early).To(BeNil())
			Expect(second).To(Equal(secs(2.5)))
			Expect(late).NotTo(BeNil())
			Expect(late.Time).To(Equal(secs(2.5)))
			Expect(late.Data).To(Equal([]byte("late")))
		})

		It("should run source operators in registration order", func() {
			ctrl := gomock.NewController(GinkgoT())

			var calls []any

			for _, tag := range []byte("123") {
				op := NewMockOperator(ctrl)
				calls = append(calls, op.EXPECT().
					Process(gomock.Any()).
					DoAndReturn(func(m *message.Message) *message.Message {
						m.Data = append(m.Data, tag)
						return m
					}))

				flt, err := c.RegisterSourceFilter(a, "op"+string(tag), "", "")
				Expect(err).NotTo(HaveOccurred())
				Expect(c.AddSourceTarget(flt, "portA")).To(Succeed())
				Expect(c.SetFilterOperator(flt, op)).To(Succeed())
			}

			gomock.InOrder(calls...)

			var got *message.Message

			runFederates(
				func() error {
					if err := enterExec(c, a); err != nil {
						return err
					}

					if err := c.Send(portA, "portB", []byte("M")); err != nil {
						return err
					}

					if _, err := c.TimeRequest(a, secs(1)); err != nil {
						return err
					}

					return c.Finalize(a)
				},
				func() error {
					if err := enterExec(c, b); err != nil {
						return err
					}

					if _, err := c.TimeRequest(b, secs(1)); err != nil {
						return err
					}

					got = c.Receive(portB)

					return c.Finalize(b)
				},
			)

			Expect(got).NotTo(BeNil())
			Expect(string(got.Data)).To(Equal("M123"))
		})

		It("should reject a second final source filter", func() {
			for _, name := range []string{"f1", "f2"} {
				flt, err := c.RegisterSourceFilter(a, name, "", "")
				Expect(err).NotTo(HaveOccurred())
				Expect(c.AddSourceTarget(flt, "portA")).To(Succeed())
			}

			err := c.EnterInitializingState(a)

			Expect(err).To(MatchError(sim.ErrRegistrationFailure))
		})

		It("should reject a final source filter another federate froze first", func() {
			fltA, err := c.RegisterSourceFilter(a, "finalA", "", "")
			Expect(err).NotTo(HaveOccurred())
			Expect(c.AddSourceTarget(fltA, "portA")).To(Succeed())

			fltB, err := c.RegisterSourceFilter(b, "finalB", "", "")
			Expect(err).NotTo(HaveOccurred())
			Expect(c.AddSourceTarget(fltB, "portA")).To(Succeed())

			first := make(chan error, 1)
			go func() { first <- c.EnterInitializingState(a) }()

			fa, err := c.Federate(a)
			Expect(err).NotTo(HaveOccurred())
			Eventually(fa.filtersFrozen.Load).Should(BeTrue())

			Expect(c.SetFilterOperator(fltA, filter.NewDelayOperator(secs(1)))).
				To(MatchError(sim.ErrInvalidFunctionCall))
			Expect(c.EnterInitializingState(b)).To(MatchError(sim.ErrRegistrationFailure))
			Expect(c.Error(b, 1, "filter conflict")).To(Succeed())

			Eventually(first, 5*time.Second).Should(Receive(BeNil()))
			Expect(c.Finalize(a)).To(Succeed())
		})

		It("should not wait for a failed federate to initialize", func() {
			Expect(c.Error(a, 1, "boom")).To(Succeed())

			runFederates(func() error {
				if err := c.EnterInitializingState(b); err != nil {
					return err
				}

				return c.Finalize(b)
			})

			Expect(c.EnterInitializingState(a)).To(MatchError(sim.ErrTerminated))
		})

		It("should copy messages to the delivery endpoints of a cloning filter", func() {
			tapper := register(c, "fedC", DefaultFederateInfo())
			tap, err := c.RegisterEndpoint(tapper, "tap", "")
			Expect(err).NotTo(HaveOccurred())

			clone, err := c.RegisterCloningFilter(tapper, "cloner", false)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.AddSourceTarget(clone, "portA")).To(Succeed())
			Expect(c.AddDeliveryEndpoint(clone, "tap")).To(Succeed())

			var got, copied *message.Message

			runFederates(
				func() error {
					if err := enterExec(c, a); err != nil {
						return err
					}

					if err := c.Send(portA, "portB", []byte("M")); err != nil {
						return err
					}

					if _, err := c.TimeRequest(a, secs(1)); err != nil {
						return err
					}

					return c.Finalize(a)
				},
				func() error {
					if err := enterExec(c, b); err != nil {
						return err
					}

					if _, err := c.TimeRequest(b, secs(1)); err != nil {
						return err
					}

					got = c.Receive(portB)

					return c.Finalize(b)
				},
				func() error {
					if err := enterExec(c, tapper); err != nil {
						return err
					}

					if _, err := c.TimeRequest(tapper, secs(1)); err != nil {
						return err
					}

					_, copied = c.ReceiveAny(tapper)

					return c.Finalize(tapper)
				},
			)

			Expect(got).NotTo(BeNil())
			Expect(copied).NotTo(BeNil())
			Expect(copied.Data).To(Equal([]byte("M")))
			Expect(copied.Dest).To(Equal("tap"))
			Expect(copied.OrigDest).To(Equal("portB"))
			Expect(c.ReceiveCount(tap)).To(Equal(0))
		})

		It("should release dependents of a federate that failed", func() {
			var (
				granted sim.VTime
				after   error
			)

			runFederates(
				func() error {
					if err := enterExec(c, a); err != nil {
						return err
					}

					if err := c.Error(a, 3, "boom"); err != nil {
						return err
					}

					_, after = c.TimeRequest(a, secs(1))

					return nil
				},
				func() error {
					if err := enterExec(c, b); err != nil {
						return err
					}

					var err error
					if granted, err = c.TimeRequest(b, secs(1)); err != nil {
						return err
					}

					return c.Finalize(b)
				},
			)

			Expect(granted).To(Equal(secs(1)))
			Expect(after).To(MatchError(sim.ErrTerminated))

			state, err := c.Query("fedA", "state")
			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(Equal("error"))
		})

		It("should answer queries", func() {
			Expect(c.Query("core", "federates")).To(Equal(`["fedA","fedB"]`))
			Expect(c.Query("fedA", "state")).To(Equal("created"))
			Expect(c.Query("fedB", "endpoints")).To(Equal(`["portB"]`))
			Expect(c.Query("root", "name")).To(Equal("root"))
			Expect(c.Query("root", "federates")).To(Equal(`["fedA","fedB"]`))

			_, err := c.Query("nobody", "name")
			Expect(err).To(MatchError(sim.ErrInvalidIdentifier))

			_, err = c.Query("core", "bogus")
			Expect(err).To(MatchError(sim.ErrInvalidParameter))
		})
	})

	Context("with a ring of cores", func() {
		const rounds = 9

		It("should pass a token around once per round", func() {
			fd = newFederation(3)

			info := DefaultFederateInfo()
			info.Period = secs(1)
			info.Lookahead = secs(0.5)

			names := []string{"ring0", "ring1", "ring2"}
			cores := make([]*CommonCore, len(names))
			feds := make([]sim.LocalFederateID, len(names))
			pubs := make([]sim.InterfaceHandle, len(names))
			subs := make([]sim.InterfaceHandle, len(names))
			hops := make([]int, len(names))

			for i, name := range names {
				cores[i] = fd.addCore("core_"+name, 1)
				feds[i] = register(cores[i], name, info)

				var err error
				pubs[i], err = cores[i].RegisterPublication(feds[i], name, "string", "")
				Expect(err).NotTo(HaveOccurred())

				prev := names[(i+len(names)-1)%len(names)]
				subs[i], err = cores[i].RegisterSubscription(feds[i], prev, "")
				Expect(err).NotTo(HaveOccurred())
			}

			var bodies []func() error

			for i := range names {
				c, fed := cores[i], feds[i]

				bodies = append(bodies, func() error {
					if err := enterExec(c, fed); err != nil {
						return err
					}

					if i == 0 {
						if err := c.SetValue(pubs[i], []byte("token")); err != nil {
							return err
						}
					}

					for k := 1; k <= rounds; k++ {
						if _, err := c.TimeRequest(fed, secs(float64(k))); err != nil {
							return err
						}

						if !c.IsUpdated(subs[i]) {
							continue
						}

						v, err := c.GetValue(subs[i])
						if err != nil {
							return err
						}

						hops[i]++

						if err := c.SetValue(pubs[i], v); err != nil {
							return err
						}
					}

					return c.Finalize(fed)
				})
			}

			runFederates(bodies...)

			Expect(hops).To(Equal([]int{rounds / 3, rounds / 3, rounds / 3}))
		})
	})

	Context("with federates in different cores", func() {
		It("should deliver values published ahead of the subscriber", func() {
			fd = newFederation(2)
			c1 := fd.addCore("core1", 1)
			c2 := fd.addCore("core2", 1)

			src := DefaultFederateInfo()
			src.Lookahead = secs(0.5)
			a := register(c1, "source", src)

			dst := DefaultFederateInfo()
			dst.Period = secs(1)
			b := register(c2, "sink", dst)

			pub, err := c1.RegisterPublication(a, "level", "string", "m")
			Expect(err).NotTo(HaveOccurred())
			sub, err := c2.RegisterSubscription(b, "level", "m", Required())
			Expect(err).NotTo(HaveOccurred())

			var (
				grants []sim.VTime
				values []string
			)

			runFederates(
				func() error {
					if err := enterExec(c1, a); err != nil {
						return err
					}

					for k := 0; k < 3; k++ {
						v := []byte{'v', byte('0' + k)}
						if err := c1.SetValue(pub, v); err != nil {
							return err
						}

						if _, err := c1.TimeRequest(a, secs(float64(k+1))); err != nil {
							return err
						}
					}

					return c1.Finalize(a)
				},
				func() error {
					if err := enterExec(c2, b); err != nil {
						return err
					}

					for k := 1; k <= 3; k++ {
						g, err := c2.TimeRequest(b, secs(float64(k)))
						if err != nil {
							return err
						}

						v, err := c2.GetValue(sub)
						if err != nil {
							return err
						}

						grants = append(grants, g)
						values = append(values, string(v))
					}

					return c2.Finalize(b)
				},
			)

			Expect(grants).To(Equal([]sim.VTime{secs(1), secs(2), secs(3)}))
			Expect(values).To(Equal([]string{"v0", "v1", "v2"}))
		})

		It("should answer queries about remote federates", func() {
			fd = newFederation(2)
			c1 := fd.addCore("core1", 1)
			c2 := fd.addCore("core2", 1)

			a := register(c1, "fedA", DefaultFederateInfo())
			register(c2, "fedB", DefaultFederateInfo())

			_, err := c1.RegisterEndpoint(a, "portA", "")
			Expect(err).NotTo(HaveOccurred())

			Expect(c2.Query("fedA", "state")).To(Equal("created"))
			Expect(c2.Query("fedA", "endpoints")).To(Equal(`["portA"]`))
			Expect(c2.Query("core1", "federates")).To(Equal(`["fedA"]`))
		})
	})

	Context("with final source filters in different cores", func() {
		It("should fail the federate whose filter came second", func() {
			fd = newFederation(2)
			c1 := fd.addCore("core1", 1)
			c2 := fd.addCore("core2", 1)

			a := register(c1, "fedA", DefaultFederateInfo())
			b := register(c2, "fedB", DefaultFederateInfo())

			_, err := c1.RegisterEndpoint(a, "portA", "")
			Expect(err).NotTo(HaveOccurred())

			fltA, err := c1.RegisterSourceFilter(a, "finalA", "", "")
			Expect(err).NotTo(HaveOccurred())
			Expect(c1.AddSourceTarget(fltA, "portA")).To(Succeed())

			fltB, err := c2.RegisterSourceFilter(b, "finalB", "", "")
			Expect(err).NotTo(HaveOccurred())
			Expect(c2.AddSourceTarget(fltB, "portA")).To(Succeed())

			errs := make(chan error, 2)
			go func() { errs <- c1.EnterInitializingState(a) }()
			go func() { errs <- c2.EnterInitializingState(b) }()

			var got []error

			for range 2 {
				var err error
				Eventually(errs, 5*time.Second).Should(Receive(&err))
				got = append(got, err)
			}

			Expect(got).To(ContainElement(BeNil()))
			Expect(got).To(ContainElement(MatchError(sim.ErrTerminated)))

			Expect(c1.Finalize(a)).To(Succeed())
			Expect(c2.Finalize(b)).To(Succeed())
		})
	})

	Context("with one federate", func() {
		It("should force convergence at the iteration cap", func() {
			fd = newFederation(1)
			c := fd.addCore("core1", 1)

			info := DefaultFederateInfo()
			info.MaxIterations = 2
			fed := register(c, "solo", info)

			var results []timecoord.IterationTime

			runFederates(func() error {
				if err := enterExec(c, fed); err != nil {
					return err
				}

				for range 3 {
					r, err := c.RequestTimeIterative(fed, secs(1), timecoord.ForceIteration)
					if err != nil {
						return err
					}

					results = append(results, r)
				}

				return c.Finalize(fed)
			})

			Expect(results).To(Equal([]timecoord.IterationTime{
				{Time: 0, State: timecoord.Iterating},
				{Time: 0, State: timecoord.Iterating},
				{Time: secs(1), State: timecoord.ForcedConvergence},
			}))
		})

		It("should report halted at the end of time", func() {
			fd = newFederation(1)
			c := fd.addCore("core1", 1)
			fed := register(c, "solo", DefaultFederateInfo())

			var r timecoord.IterationTime

			runFederates(func() error {
				if err := enterExec(c, fed); err != nil {
					return err
				}

				var err error
				r, err = c.RequestTimeIterative(fed, sim.MaxVTime, timecoord.NoIterations)

				return err
			})

			Expect(r.State).To(Equal(timecoord.Halted))
			Expect(r.Time).To(Equal(sim.MaxVTime))
		})

		It("should reject a duplicate federate name", func() {
			fd = newFederation(1)
			c := fd.addCore("core1", 1)
			register(c, "solo", DefaultFederateInfo())

			_, err := c.RegisterFederate("solo", DefaultFederateInfo())

			Expect(err).To(MatchError(sim.ErrRegistrationFailure))
		})

		It("should reject bad properties", func() {
			fd = newFederation(1)
			c := fd.addCore("core1", 1)
			fed := register(c, "solo", DefaultFederateInfo())

			Expect(c.SetTimeProperty(fed, PropertyPeriod, secs(-1))).
				To(MatchError(sim.ErrInvalidParameter))
			Expect(c.SetIntegerProperty(fed, PropertyLookahead, 3)).
				To(MatchError(sim.ErrInvalidParameter))
			Expect(c.SetTimeProperty(fed, PropertyLookahead, secs(0.5))).To(Succeed())
			Expect(c.Federates()[0].Coordinator().Config().Lookahead).To(Equal(secs(0.5)))
		})
	})
})

// silentParent plays a parent broker that acknowledges the core and then
// stays quiet.
type silentParent struct {
	t  *inproc.Transport
	in chan *message.ActionMessage
}

func newSilentParent(registry *inproc.Registry) *silentParent {
	p := &silentParent{
		t:  inproc.MakeBuilder(registry).Build("parent"),
		in: make(chan *message.ActionMessage, 64),
	}

	p.t.SetReceiver(func(m *message.ActionMessage) {
		if m.Action == message.ActionRegBroker {
			Expect(p.t.AddRoute(1, m.Info().Target)).To(Succeed())

			ack := message.NewFromTo(message.ActionBrokerAck, sim.RootBrokerID,
				sim.BrokerGlobalID(0))
			ack.Payload = []byte(m.Info().Source)
			Expect(p.t.Transmit(1, ack)).To(Succeed())

			return
		}

		p.in <- m
	})
	Expect(p.t.Connect(context.Background())).To(Succeed())

	return p
}

var _ = Describe("CommonCore under a silent parent", func() {
	var (
		registry *inproc.Registry
		parent   *silentParent
		c        *CommonCore
	)

	build := func(tick time.Duration) {
		c = MakeBuilder().
			WithName("lonely").
			WithTransport(inproc.MakeBuilder(registry).WithParent("parent").Build("lonely")).
			WithTickInterval(tick).
			WithTimeout(50 * time.Millisecond).
			Build()
		Expect(c.Connect(context.Background())).To(Succeed())
		Eventually(c.GlobalID).Should(Equal(sim.BrokerGlobalID(0)))
	}

	BeforeEach(func() {
		registry = inproc.NewRegistry()
		parent = newSilentParent(registry)
	})

	AfterEach(func() {
		c.Stop()
		registry.Close()
	})

	It("should send commands for unknown federates to the parent", func() {
		build(0)

		m := message.NewFromTo(message.ActionTimeRequest, sim.FederateGlobalID(0),
			sim.FederateGlobalID(99))
		c.AddActionMessage(m)

		var got *message.ActionMessage
		Eventually(parent.in).Should(Receive(&got))
		Expect(got.Action).To(Equal(message.ActionTimeRequest))
		Expect(got.DestID).To(Equal(sim.FederateGlobalID(99)))
	})

	It("should fail when the parent stops answering pings", func() {
		build(10 * time.Millisecond)

		Eventually(c.State, time.Second).Should(Equal(routing.Errored))
		Eventually(c.Done()).Should(BeClosed())

		_, err := c.RegisterFederate("late", DefaultFederateInfo())
		Expect(err).To(MatchError(sim.ErrRegistrationFailure))
	})
})
