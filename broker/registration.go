package broker

import (
	"github.com/sarchlab/cosim/handles"
	"github.com/sarchlab/cosim/message"
	"github.com/sarchlab/cosim/routing"
	"github.com/sarchlab/cosim/sim"
)

func (b *CoreBroker) addChild(c *child) {
	b.viewLock.Lock()
	defer b.viewLock.Unlock()

	b.children[c.id] = c
	b.order = append(b.order, c.id)
	b.routers[c.name] = c.id
}

func (b *CoreBroker) addFederate(name string, gid sim.GlobalID) {
	b.viewLock.Lock()
	defer b.viewLock.Unlock()

	b.federates[name] = gid
	b.fedNames[gid] = name
}

func (b *CoreBroker) addRouter(name string, gid sim.GlobalID) {
	b.viewLock.Lock()
	defer b.viewLock.Unlock()

	b.routers[name] = gid
}

func (b *CoreBroker) updateChild(c *child, change func(c *child)) {
	b.viewLock.Lock()
	defer b.viewLock.Unlock()

	change(c)
}

// routeOfRegistrant returns the route a registration came in on. Direct
// children have no id yet and get a new route to the address the transport
// stamped into the command.
func (b *CoreBroker) routeOfRegistrant(m *message.ActionMessage) (sim.RouteID, bool, error) {
	if !m.SourceID.IsValid() {
		route, err := b.NewRoute(m.Info().Target)
		return route, true, err
	}

	route, ok := b.RouteFor(m.SourceID)
	if !ok || route == sim.ParentRoute {
		return 0, false, sim.NewError(sim.ConnectionFailure,
			"no route to %s", m.SourceID)
	}

	return route, false, nil
}

func (b *CoreBroker) processRegBroker(m *message.ActionMessage) {
	name := m.Info().Source

	route, direct, err := b.routeOfRegistrant(m)
	if err != nil {
		b.logger.Warn().Err(err).Str("router", name).Msg("cannot reach registering router")
		return
	}

	if !b.IsRoot() {
		b.forwardRegBroker(m, name, route)
		return
	}

	ack := message.NewFromTo(message.ActionBrokerAck, b.GlobalID(), sim.InvalidID)
	ack.Payload = []byte(name)

	_, dupRouter := b.routers[name]
	_, dupFed := b.federates[name]

	switch {
	case dupRouter || dupFed || name == b.Name():
		ack.Error = true
		ack.MessageID = message.RejectDuplicateName
	case b.initGranted:
		ack.Error = true
		ack.MessageID = message.RejectAfterInit
	}

	if ack.Error {
		b.logger.Warn().
			Str("router", name).
			Str("reason", message.RejectReason(ack.MessageID)).
			Msg("router rejected")
		b.Transmit(route, ack)

		return
	}

	gid := sim.BrokerGlobalID(b.nextRouter)
	b.nextRouter++

	b.AddRoute(gid, route)

	if direct {
		b.addChild(&child{name: name, id: gid, route: route})
	} else {
		b.addRouter(name, gid)
	}

	ack.DestID = gid
	b.Transmit(route, ack)

	b.logger.Info().
		Str("router", name).
		Stringer("gid", gid).
		Bool("direct", direct).
		Msg("router registered")
}

// forwardRegBroker passes the registration of a router below toward the
// root. It is held until the broker has its own id, so that the root sees
// it as forwarded.
func (b *CoreBroker) forwardRegBroker(m *message.ActionMessage, name string, route sim.RouteID) {
	if !m.SourceID.IsValid() {
		b.pendingRouters[name] = append(b.pendingRouters[name], route)
	}

	if !b.GlobalID().IsValid() {
		b.heldRouters = append(b.heldRouters, m)
		return
	}

	if b.initSent {
		b.initSent = false
		b.SendToParent(message.NewFromTo(
			message.ActionInitNotReady, b.GlobalID(), sim.ParentID))
	}

	m.SourceID = b.GlobalID()
	b.SendToParent(m)
}

func (b *CoreBroker) processBrokerAck(m *message.ActionMessage) {
	name := string(m.Payload)

	if name == b.Name() && !b.GlobalID().IsValid() {
		b.processOwnAck(m)
		return
	}

	routes := b.pendingRouters[name]
	if len(routes) == 0 {
		b.Drop(m, "ack for unknown router")
		return
	}

	route := routes[0]
	if len(routes) == 1 {
		delete(b.pendingRouters, name)
	} else {
		b.pendingRouters[name] = routes[1:]
	}

	if !m.Error {
		b.AddRoute(m.DestID, route)
		b.addChild(&child{name: name, id: m.DestID, route: route})
	}

	b.Transmit(route, m)
}

func (b *CoreBroker) processOwnAck(m *message.ActionMessage) {
	if m.Error {
		b.Fail(sim.NewError(sim.RegistrationFailure,
			"broker %q rejected: %s", b.Name(), message.RejectReason(m.MessageID)))

		return
	}

	b.SetGlobalID(m.DestID)
	b.CompareAndSwapState(routing.Connecting, routing.Connected)

	b.logger.Info().Stringer("gid", m.DestID).Msg("broker registered")

	held := b.heldRouters
	b.heldRouters = nil

	for _, reg := range held {
		reg.SourceID = b.GlobalID()
		b.SendToParent(reg)
	}
}

func (b *CoreBroker) processRegFed(m *message.ActionMessage) {
	name := string(m.Payload)

	if !b.IsRoot() {
		b.pendingFeds[name] = append(b.pendingFeds[name], m.SourceID)
		m.SourceID = b.GlobalID()
		b.SendToParent(m)

		return
	}

	route, ok := b.RouteFor(m.SourceID)
	if !ok || route == sim.ParentRoute {
		b.Drop(m, "federate registration from unknown router")
		return
	}

	ack := message.NewFromTo(message.ActionFedAck, b.GlobalID(), sim.InvalidID)
	ack.Payload = []byte(name)

	_, dupFed := b.federates[name]
	_, dupRouter := b.routers[name]

	switch {
	case dupFed || dupRouter:
		ack.Error = true
		ack.MessageID = message.RejectDuplicateName
	case b.initGranted:
		ack.Error = true
		ack.MessageID = message.RejectAfterInit
	}

	if ack.Error {
		b.logger.Warn().
			Str("federate", name).
			Str("reason", message.RejectReason(ack.MessageID)).
			Msg("federate rejected")
		b.Transmit(route, ack)

		return
	}

	gid := sim.FederateGlobalID(b.nextFederate)
	b.nextFederate++

	b.AddRoute(gid, route)
	b.addFederate(name, gid)

	ack.DestID = gid
	b.Transmit(route, ack)

	b.logger.Info().
		Str("federate", name).
		Stringer("gid", gid).
		Msg("federate registered")
}

func (b *CoreBroker) processFedAck(m *message.ActionMessage) {
	name := string(m.Payload)

	pending := b.pendingFeds[name]
	if len(pending) == 0 {
		b.Drop(m, "ack for unknown federate")
		return
	}

	src := pending[0]
	if len(pending) == 1 {
		delete(b.pendingFeds, name)
	} else {
		b.pendingFeds[name] = pending[1:]
	}

	route, ok := b.RouteFor(src)
	if !ok || route == sim.ParentRoute {
		b.Drop(m, "federate ack for a router that left")
		return
	}

	if !m.Error {
		b.AddRoute(m.DestID, route)
		b.addFederate(name, m.DestID)
	}

	b.Transmit(route, m)
}

func registrationKind(a message.Action) handles.Kind {
	switch a {
	case message.ActionRegPub:
		return handles.Publication
	case message.ActionRegSub:
		return handles.Subscription
	case message.ActionRegEnd:
		return handles.Endpoint
	case message.ActionRegSrcFilter:
		return handles.SourceFilter
	}

	return handles.DestinationFilter
}

func handleRecord(m *message.ActionMessage) handles.BasicHandleInfo {
	kind := registrationKind(m.Action)
	info := m.Info()

	return handles.BasicHandleInfo{
		Handle:              m.SourceHandle,
		LocalFed:            sim.InvalidLocalFederateID,
		GlobalFed:           m.SourceID,
		Kind:                kind,
		Key:                 info.Source,
		Type:                info.Type,
		Units:               info.Units,
		Target:              info.Target,
		IsDestinationFilter: kind == handles.DestinationFilter,
		Required:            m.Required,
	}
}

// processRegistration records an interface. Only the root matches them.
// Other brokers keep a copy for queries and forward the command.
func (b *CoreBroker) processRegistration(m *message.ActionMessage) {
	rec := handleRecord(m)
	isTarget := rec.Kind.IsFilter() && rec.Target != ""

	if !b.IsRoot() {
		if !isTarget {
			_, _ = b.handles.Insert(rec)
		}

		b.SendToParent(m)

		return
	}

	if isTarget {
		b.processFilterTarget(m, rec)
		return
	}

	stored, err := b.handles.Insert(rec)
	if err != nil {
		b.sendError(rec.GlobalFed, err.Error())
		return
	}

	b.logger.Debug().
		Stringer("kind", stored.Kind).
		Str("key", stored.Key).
		Stringer("fed", stored.GlobalFed).
		Msg("interface registered")

	switch stored.Kind {
	case handles.Publication:
		b.resolvePendingSubs(stored)
	case handles.Subscription:
		if pub := b.handles.Find(handles.Publication, stored.Target); pub != nil {
			b.matchValue(pub, stored)
		} else {
			b.addPendingSub(stored)
		}
	case handles.Endpoint:
		b.joinClique(stored.GlobalFed)
		b.resolvePendingTargets(stored)
	default:
		b.joinClique(stored.GlobalFed)
	}
}

func (b *CoreBroker) addPendingSub(sub *handles.BasicHandleInfo) {
	b.pendingSubs[sub.Target] = append(b.pendingSubs[sub.Target], sub)

	b.viewLock.Lock()
	b.numPending++
	b.viewLock.Unlock()
}

func (b *CoreBroker) resolvePendingSubs(pub *handles.BasicHandleInfo) {
	subs := b.pendingSubs[pub.Key]
	if len(subs) == 0 {
		return
	}

	delete(b.pendingSubs, pub.Key)

	b.viewLock.Lock()
	b.numPending -= len(subs)
	b.viewLock.Unlock()

	for _, sub := range subs {
		b.matchValue(pub, sub)
	}
}

// matchValue connects a publication to a subscription: the subscriber
// learns its source and the publisher its destination.
func (b *CoreBroker) matchValue(pub, sub *handles.BasicHandleInfo) {
	notify := message.NewFromTo(message.ActionNotifyPub, pub.GlobalFed, sub.GlobalFed)
	notify.SourceHandle = pub.Handle
	notify.DestHandle = sub.Handle
	notify.Info().Source = pub.Key
	notify.Info().Type = pub.Type
	notify.Info().Units = pub.Units
	b.RouteMessage(notify)

	add := message.NewFromTo(message.ActionAddSubscriber, sub.GlobalFed, pub.GlobalFed)
	add.SourceHandle = sub.Handle
	add.DestHandle = pub.Handle
	b.RouteMessage(add)

	b.logger.Debug().
		Str("key", pub.Key).
		Stringer("publisher", pub.GlobalFed).
		Stringer("subscriber", sub.GlobalFed).
		Msg("value matched")
}

func (b *CoreBroker) processFilterTarget(m *message.ActionMessage, rec handles.BasicHandleInfo) {
	filter := b.handles.GetGlobal(rec.GlobalHandle())
	if filter == nil {
		b.sendError(rec.GlobalFed, "target for unregistered filter "+rec.Key)
		return
	}

	ft := filterTarget{
		filter:      filter,
		traits:      m.Counter,
		destination: rec.IsDestinationFilter,
	}

	ep := b.handles.Find(handles.Endpoint, rec.Target)
	if ep == nil {
		b.pendingTargets[rec.Target] = append(b.pendingTargets[rec.Target], ft)
		return
	}

	b.matchFilter(ft, ep)
}

func (b *CoreBroker) resolvePendingTargets(ep *handles.BasicHandleInfo) {
	targets := b.pendingTargets[ep.Key]
	delete(b.pendingTargets, ep.Key)

	for _, ft := range targets {
		b.matchFilter(ft, ep)
	}
}

// matchFilter attaches a filter to an endpoint. An endpoint takes at most
// one final source filter and one destination operator.
func (b *CoreBroker) matchFilter(ft filterTarget, ep *handles.BasicHandleInfo) {
	operator := ft.traits&message.FilterHasOperator != 0
	cloning := ft.traits&message.FilterIsCloning != 0

	var exclusive map[sim.GlobalHandle]sim.GlobalHandle

	switch {
	case cloning:
	case ft.destination && operator:
		exclusive = b.dstOperators
	case !ft.destination && !operator:
		exclusive = b.finalFilters
	}

	if exclusive != nil {
		other, taken := exclusive[ep.GlobalHandle()]
		if taken && other != ft.filter.GlobalHandle() {
			b.sendError(ft.filter.GlobalFed,
				"endpoint "+ep.Key+" already has an exclusive filter")

			return
		}

		exclusive[ep.GlobalHandle()] = ft.filter.GlobalHandle()
	}

	action := message.ActionNotifySrcFilter
	if ft.destination {
		action = message.ActionNotifyDstFilter
	}

	notify := message.NewFromTo(action, ft.filter.GlobalFed, ep.GlobalFed)
	notify.SourceHandle = ft.filter.Handle
	notify.DestHandle = ep.Handle
	notify.Counter = ft.traits
	notify.Info().Source = ft.filter.Key
	notify.Info().Target = ep.Key
	b.RouteMessage(notify)

	end := message.NewFromTo(message.ActionNotifyEnd, ep.GlobalFed, ft.filter.GlobalFed)
	end.SourceHandle = ep.Handle
	end.DestHandle = ft.filter.Handle
	end.Info().Source = ep.Key
	end.Info().Target = ft.filter.Key
	b.RouteMessage(end)

	b.logger.Debug().
		Str("filter", ft.filter.Key).
		Str("endpoint", ep.Key).
		Bool("destination", ft.destination).
		Msg("filter matched")
}

// joinClique makes fed and every federate already owning an endpoint or a
// filter depend on each other.
func (b *CoreBroker) joinClique(fed sim.GlobalID) {
	if b.clique[fed] {
		return
	}

	for _, other := range b.cliqueOrder {
		b.link(fed, other)
		b.link(other, fed)
	}

	b.clique[fed] = true
	b.cliqueOrder = append(b.cliqueOrder, fed)
}

// link makes to depend on from.
func (b *CoreBroker) link(from, to sim.GlobalID) {
	b.RouteMessage(message.NewFromTo(message.ActionAddDependency, from, to))
	b.RouteMessage(message.NewFromTo(message.ActionAddDependent, to, from))
}

// sendError reports a failed registration to a federate.
func (b *CoreBroker) sendError(fed sim.GlobalID, reason string) {
	b.logger.Warn().
		Stringer("fed", fed).
		Str("reason", reason).
		Msg("registration failed")

	m := message.NewFromTo(message.ActionError, b.GlobalID(), fed)
	m.Payload = []byte(reason)
	b.RouteMessage(m)
}
