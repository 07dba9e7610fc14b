package broker

import (
	"github.com/sarchlab/cosim/message"
	"github.com/sarchlab/cosim/routing"
	"github.com/sarchlab/cosim/sim"
)

func (b *CoreBroker) processInit(m *message.ActionMessage) {
	c := b.children[m.SourceID]
	if c == nil {
		b.Drop(m, "init from unknown router")
		return
	}

	b.updateChild(c, func(c *child) { c.initRequested = true })
	b.checkInit()
}

func (b *CoreBroker) processInitNotReady(m *message.ActionMessage) {
	c := b.children[m.SourceID]
	if c == nil {
		b.Drop(m, "init_not_ready from unknown router")
		return
	}

	b.updateChild(c, func(c *child) { c.initRequested = false })

	if !b.IsRoot() && b.initSent {
		b.initSent = false
		b.SendToParent(message.NewFromTo(
			message.ActionInitNotReady, b.GlobalID(), sim.ParentID))
	}
}

// allInitReady tells if every active child asked to initialize. The root
// also waits for its minimum number of federates.
func (b *CoreBroker) allInitReady() bool {
	active := b.activeChildren()
	if len(active) == 0 {
		return false
	}

	for _, c := range active {
		if !c.initRequested {
			return false
		}
	}

	return !b.IsRoot() || len(b.federates) >= b.minFederates
}

func (b *CoreBroker) checkInit() {
	if b.initGranted || b.initSent || !b.allInitReady() {
		return
	}

	if !b.IsRoot() {
		b.initSent = true
		b.SendToParent(message.NewFromTo(
			message.ActionInit, b.GlobalID(), sim.ParentID))

		b.logger.Debug().Msg("subtree ready to initialize")

		return
	}

	b.grantInit()
	b.warnUnresolved()
}

func (b *CoreBroker) processInitGrant() {
	if b.IsRoot() {
		return
	}

	b.grantInit()
}

// grantInit freezes the interfaces and passes InitGrant to every active
// child.
func (b *CoreBroker) grantInit() {
	if b.initGranted {
		return
	}

	b.initGranted = true
	b.handles.Freeze()
	b.CompareAndSwapState(routing.Connected, routing.Operating)

	for _, c := range b.activeChildren() {
		b.Transmit(c.route, message.NewFromTo(
			message.ActionInitGrant, b.GlobalID(), c.id))
	}

	b.logger.Info().
		Int("federates", len(b.federates)).
		Msg("initialization granted")
}

// warnUnresolved logs the subscriptions that never found a publication.
// Required ones are logged as errors and reported to their federate.
func (b *CoreBroker) warnUnresolved() {
	for key, subs := range b.pendingSubs {
		for _, sub := range subs {
			if !sub.Required {
				b.logger.Warn().
					Str("key", key).
					Stringer("fed", sub.GlobalFed).
					Msg("subscription has no publication")

				continue
			}

			b.logger.Error().
				Str("key", key).
				Stringer("fed", sub.GlobalFed).
				Msg("required subscription has no publication")

			w := message.NewFromTo(message.ActionWarning, b.GlobalID(), sub.GlobalFed)
			w.Payload = []byte("required input " + sub.Key + " is unresolved")
			b.RouteMessage(w)
		}
	}

	for ep, targets := range b.pendingTargets {
		for _, ft := range targets {
			b.logger.Warn().
				Str("endpoint", ep).
				Str("filter", ft.filter.Key).
				Msg("filter target not found")
		}
	}
}
