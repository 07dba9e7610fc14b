package broker

import (
	"github.com/rs/zerolog"
	"github.com/sarchlab/cosim/handles"
	"github.com/sarchlab/cosim/message"
	"github.com/sarchlab/cosim/routing"
	"github.com/sarchlab/cosim/sim"
)

// processSendMessage forwards a message toward its destination endpoint.
// The root resolves endpoints that the sending core did not know by name.
func (b *CoreBroker) processSendMessage(m *message.ActionMessage) {
	switch {
	case m.DestID.IsFederate():
		b.RouteMessage(m)
	case !b.IsRoot():
		b.SendToParent(m)
	default:
		rec := b.handles.Find(handles.Endpoint, m.Info().Target)
		if rec == nil {
			b.Drop(m, "unknown endpoint "+m.Info().Target)
			return
		}

		m.SetDest(rec.GlobalHandle())
		b.RouteMessage(m)
	}
}

func (b *CoreBroker) processDisconnect(m *message.ActionMessage) {
	if !b.isForMe(m) {
		b.route(m)
		return
	}

	c := b.children[m.SourceID]
	if c == nil {
		b.Drop(m, "disconnect from unknown router")
		return
	}

	if !c.disconnected {
		b.updateChild(c, func(c *child) { c.disconnected = true })
		b.logger.Info().Str("router", c.name).Msg("router disconnected")
	}

	b.checkInit()
	b.checkDone()
}

func (b *CoreBroker) processError(m *message.ActionMessage) {
	c := b.children[m.SourceID]

	switch {
	case m.DestID.IsFederate():
		b.route(m)
	case c != nil && b.isForMe(m):
		if !c.isActive() {
			b.logger.Debug().
				Str("router", c.name).
				Str("reason", string(m.Payload)).
				Msg("error from a router that already left")

			return
		}

		b.updateChild(c, func(c *child) { c.errored = true })

		b.logger.Error().
			Str("router", c.name).
			Str("reason", string(m.Payload)).
			Msg("router errored")

		if !b.IsRoot() {
			b.forward(m)
		}

		b.checkInit()
		b.checkDone()
	case m.DestID == b.GlobalID() && !b.IsRoot():
		b.Fail(sim.NewError(sim.Terminated, "%s", string(m.Payload)))
	case b.isForMe(m):
		b.logger.Error().
			Str("source", b.nameOf(m.SourceID)).
			Str("reason", string(m.Payload)).
			Msg("error reported")
	default:
		b.forward(m)
	}
}

// processLog writes forwarded log lines at the root.
func (b *CoreBroker) processLog(m *message.ActionMessage) {
	switch {
	case m.DestID.IsFederate():
		b.route(m)
	case b.IsRoot() && b.isForMe(m):
		level := zerolog.Level(m.MessageID)
		if m.Action == message.ActionWarning {
			level = zerolog.WarnLevel
		}

		b.logger.WithLevel(level).
			Str("source", b.nameOf(m.SourceID)).
			Msg(string(m.Payload))
	default:
		b.forward(m)
	}
}

func (b *CoreBroker) nameOf(gid sim.GlobalID) string {
	if name, ok := b.fedNames[gid]; ok {
		return name
	}

	for name, id := range b.routers {
		if id == gid {
			return name
		}
	}

	return gid.String()
}

// processStop passes Stop or TerminateImmediately addressed to the broker
// to every active child.
func (b *CoreBroker) processStop(m *message.ActionMessage) {
	if !b.isForMe(m) {
		b.route(m)
		return
	}

	b.logger.Info().Stringer("action", m.Action).Msg("stopping subtree")

	for _, c := range b.activeChildren() {
		s := message.NewFromTo(m.Action, b.GlobalID(), c.id)
		s.Payload = m.Payload
		b.Transmit(c.route, s)
	}
}

// checkDone leaves once every child disconnected or failed.
func (b *CoreBroker) checkDone() {
	if len(b.order) == 0 || len(b.activeChildren()) > 0 {
		return
	}

	b.leave()
}

// leave tells the parent that the subtree is gone and stops the processing
// goroutine.
func (b *CoreBroker) leave() {
	if b.leaving {
		return
	}

	b.leaving = true

	if !b.IsRoot() {
		b.SendToParent(message.NewFromTo(
			message.ActionDisconnect, b.GlobalID(), sim.ParentID))
	}

	b.CompareAndSwapState(routing.Operating, routing.Terminating)
	b.CompareAndSwapState(routing.Connected, routing.Terminating)
	b.RequestStop()

	b.logger.Info().Msg("broker disconnecting")
}
