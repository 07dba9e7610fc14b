package core

import (
	"github.com/sarchlab/cosim/filter"
	"github.com/sarchlab/cosim/handles"
	"github.com/sarchlab/cosim/message"
	"github.com/sarchlab/cosim/sim"
)

// filterRef is a filter that applies to a local endpoint. The filter itself
// may live in another core.
type filterRef struct {
	handle   sim.GlobalHandle
	operator bool
	cloning  bool
}

func (r filterRef) isFinal() bool {
	return !r.operator && !r.cloning
}

// addFilterRoute records a filter matched to a local endpoint by the root
// broker. Operator source filters keep their arrival order and the final
// source filter always runs last.
func (c *CommonCore) addFilterRoute(m *message.ActionMessage) {
	if c.local(m.DestID) == nil {
		return
	}

	ep := m.Dest()
	ref := filterRef{
		handle:   m.Source(),
		operator: m.Counter&message.FilterHasOperator != 0,
		cloning:  m.Counter&message.FilterIsCloning != 0,
	}

	table := c.srcFilters
	if m.Action == message.ActionNotifyDstFilter {
		table = c.dstFilters
	}

	refs := table[ep]
	for _, r := range refs {
		if r.handle == ref.handle {
			return
		}
	}

	if m.Action == message.ActionNotifySrcFilter && !ref.isFinal() &&
		len(refs) > 0 && refs[len(refs)-1].isFinal() {
		last := refs[len(refs)-1]
		refs = append(refs[:len(refs)-1], ref, last)
	} else {
		refs = append(refs, ref)
	}

	table[ep] = refs

	c.logger.Debug().
		Stringer("endpoint", ep).
		Stringer("filter", ref.handle).
		Stringer("action", m.Action).
		Msg("filter attached")
}

func (c *CommonCore) localFilter(h sim.GlobalHandle) (*FederateState, *handles.FilterInfo) {
	f := c.local(h.Fed)
	if f == nil {
		return nil, nil
	}

	f.lock.Lock()
	defer f.lock.Unlock()

	return f, f.filters[h.Handle]
}

func (c *CommonCore) processSendMessage(m *message.ActionMessage) {
	if m.Counter < message.SourceFiltersDone {
		c.runSourceFilters(m)
		return
	}

	c.queueMessage(m)
}

// runSourceFilters continues the source filter chain of m at the filter
// index held in its counter.
func (c *CommonCore) runSourceFilters(m *message.ActionMessage) {
	refs := c.srcFilters[m.Source()]

	for i := int(m.Counter); i < len(refs); i++ {
		ref := refs[i]

		if ref.cloning {
			clone := m.Clone()
			clone.Counter = uint16(i)
			c.sendForFilter(clone, ref.handle, false)

			continue
		}

		m.Counter = uint16(i)
		c.sendForFilter(m, ref.handle, false)

		return
	}

	m.Counter = message.SourceFiltersDone
	c.queueMessage(m)
}

// sendForFilter hands m to the filter h. The destination flag tells the
// filter which stage of the pipeline the message is in.
func (c *CommonCore) sendForFilter(
	m *message.ActionMessage,
	h sim.GlobalHandle,
	destination bool,
) {
	m.SetAction(message.ActionSendForFilter)
	m.SetDest(h)
	m.Flag = destination

	if c.local(h.Fed) != nil {
		c.processFilterMessage(m)
		return
	}

	c.RouteMessage(m)
}

// processFilterMessage applies a filter owned by a local federate.
func (c *CommonCore) processFilterMessage(m *message.ActionMessage) {
	f, fi := c.localFilter(m.Dest())
	if f == nil {
		c.RouteMessage(m)
		return
	}

	if fi == nil {
		c.Drop(m, "unknown filter")
		return
	}

	switch {
	case fi.Variant == filter.Cloning:
		c.deliverClones(f, m, fi)
	case fi.Operator != nil:
		if !c.applyOperator(m, fi) {
			return
		}

		c.filterDone(m)
	default:
		f.AddActionMessage(m)
	}
}

// filterDone moves m to the next stage once an operator filter ran.
func (c *CommonCore) filterDone(m *message.ActionMessage) {
	if m.Flag {
		m.SetAction(message.ActionSendMessage)
		m.Flag = false
		m.Counter = message.AllFiltersDone
		m.DestID = sim.ParentID
		m.DestHandle = sim.InvalidHandle
		c.queueMessage(m)

		return
	}

	m.SetAction(message.ActionSendForFilterReturn)
	m.Counter++
	m.DestID = m.SourceID
	m.DestHandle = m.SourceHandle

	if c.local(m.SourceID) != nil {
		c.processFilterReturn(m)
		return
	}

	c.RouteMessage(m)
}

// processFilterReturn resumes the source chain after a remote operator.
func (c *CommonCore) processFilterReturn(m *message.ActionMessage) {
	if c.local(m.SourceID) == nil {
		c.RouteMessage(m)
		return
	}

	m.SetAction(message.ActionSendMessage)
	m.DestID = sim.ParentID
	m.DestHandle = sim.InvalidHandle
	c.runSourceFilters(m)
}

func (c *CommonCore) deliverClones(
	f *FederateState,
	m *message.ActionMessage,
	fi *handles.FilterInfo,
) {
	f.lock.Lock()
	endpoints := append([]string(nil), fi.DeliveryEndpoints...)
	f.lock.Unlock()

	src := m.Source()
	msg := message.ToMessage(m)

	for _, clone := range filter.Clones(msg, endpoints) {
		cmd := message.FromMessage(message.ActionSendMessage, clone)
		cmd.SetSource(src)
		cmd.DestID = sim.ParentID
		cmd.Counter = message.AllFiltersDone
		c.queueMessage(cmd)
	}
}

// applyOperator runs the operator of fi on the message carried by m. It
// reports false when the operator dropped the message.
func (c *CommonCore) applyOperator(m *message.ActionMessage, fi *handles.FilterInfo) bool {
	orig := m.Time
	out := fi.Operator.Process(message.ToMessage(m))

	if out == nil {
		c.logger.Debug().
			Int32("msg", m.MessageID).
			Str("filter", fi.Key).
			Msg("message dropped by filter")

		return false
	}

	m.MessageID = out.MessageID
	m.Time = sim.MaxTime(out.Time, orig)
	m.Payload = out.Data

	info := m.Info()
	info.Source = out.Source
	info.OrigSource = out.OrigSource
	info.Target = out.Dest
	info.OrigDest = out.OrigDest

	return true
}

// queueMessage delivers m to its destination endpoint, resolving the
// endpoint by name when it is not addressed yet. Names unknown to the core
// are resolved by the root broker.
func (c *CommonCore) queueMessage(m *message.ActionMessage) {
	if f := c.local(m.DestID); f != nil {
		c.deliverLocal(f, m)
		return
	}

	if rec := c.handles.Find(handles.Endpoint, m.Info().Target); rec != nil {
		m.DestID = rec.GlobalFed
		m.DestHandle = rec.Handle

		if f := c.local(rec.GlobalFed); f != nil {
			c.deliverLocal(f, m)
			return
		}
	}

	if !m.DestID.IsFederate() {
		m.DestID = sim.ParentID
	}

	c.RouteMessage(m)
}

// deliverLocal runs the destination stage and pushes m to the federate.
func (c *CommonCore) deliverLocal(f *FederateState, m *message.ActionMessage) {
	if m.Counter != message.AllFiltersDone {
		refs := c.dstFilters[m.Dest()]

		for _, ref := range refs {
			if ref.cloning {
				c.sendForFilter(m.Clone(), ref.handle, true)
			}
		}

		for _, ref := range refs {
			if ref.operator && !ref.cloning {
				c.sendForFilter(m, ref.handle, true)
				return
			}
		}
	}

	m.Counter = message.AllFiltersDone
	f.AddActionMessage(m)
}

func (c *CommonCore) filterState(h sim.InterfaceHandle) (*FederateState, *handles.FilterInfo, error) {
	rec := c.handles.Get(h)
	if rec == nil || !rec.Kind.IsFilter() {
		return nil, nil, sim.NewError(sim.InvalidIdentifier, "no filter %d", h)
	}

	f, err := c.Federate(rec.LocalFed)
	if err != nil {
		return nil, nil, err
	}

	f.lock.Lock()
	fi := f.filters[h]
	f.lock.Unlock()

	return f, fi, nil
}

// filterConflict checks the filters of the core for a second final source
// filter, or a second destination operator, on the same endpoint. Filters of
// other federates count once that federate froze them.
func (c *CommonCore) filterConflict(
	owner *FederateState,
	fi *handles.FilterInfo,
	target string,
) error {
	exclusive := func(o *handles.FilterInfo) bool {
		if o.Variant == filter.Cloning || o.IsDestination != fi.IsDestination {
			return false
		}

		if o.IsDestination {
			return o.Operator != nil
		}

		return o.Operator == nil
	}

	if !exclusive(fi) {
		return nil
	}

	for _, f := range c.Federates() {
		if f != owner && !f.filtersFrozen.Load() {
			continue
		}

		f.lock.Lock()

		for _, o := range f.filters {
			if o == fi || !exclusive(o) {
				continue
			}

			for _, t := range o.Targets {
				if t == target {
					f.lock.Unlock()

					return sim.NewError(sim.RegistrationFailure,
						"endpoint %q already has filter %q", target, o.Key)
				}
			}
		}

		f.lock.Unlock()
	}

	return nil
}

func (c *CommonCore) addFilterTarget(
	h sim.InterfaceHandle,
	endpoint string,
	destination bool,
) error {
	f, fi, err := c.filterState(h)
	if err != nil {
		return err
	}

	if _, err := c.federateInMode(f.localID, ModeCreated); err != nil {
		return err
	}

	if f.filtersFrozen.Load() {
		return frozenErr(f, fi)
	}

	if fi.IsDestination != destination {
		return sim.NewError(sim.InvalidParameter,
			"filter %q does not apply on this side", fi.Key)
	}

	f.lock.Lock()
	fi.AddTarget(endpoint)
	f.lock.Unlock()

	return nil
}

// AddSourceTarget makes a source filter apply to messages sent from the
// named endpoint.
func (c *CommonCore) AddSourceTarget(h sim.InterfaceHandle, endpoint string) error {
	return c.addFilterTarget(h, endpoint, false)
}

// AddDestinationTarget makes a destination filter apply to messages
// delivered to the named endpoint.
func (c *CommonCore) AddDestinationTarget(h sim.InterfaceHandle, endpoint string) error {
	return c.addFilterTarget(h, endpoint, true)
}

// SetFilterOperator sets the operator of a standard filter. It must be set
// before the owning federate initializes.
func (c *CommonCore) SetFilterOperator(h sim.InterfaceHandle, op filter.Operator) error {
	f, fi, err := c.filterState(h)
	if err != nil {
		return err
	}

	if _, err := c.federateInMode(f.localID, ModeCreated); err != nil {
		return err
	}

	if f.filtersFrozen.Load() {
		return frozenErr(f, fi)
	}

	if fi.Variant == filter.Cloning {
		return sim.NewError(sim.InvalidParameter,
			"cloning filter %q takes no operator", fi.Key)
	}

	if op == nil {
		return sim.NewError(sim.InvalidParameter, "nil operator")
	}

	f.lock.Lock()
	fi.Operator = op
	f.lock.Unlock()

	return nil
}

// AddDeliveryEndpoint adds an endpoint that receives the copies made by a
// cloning filter.
func (c *CommonCore) AddDeliveryEndpoint(h sim.InterfaceHandle, endpoint string) error {
	f, fi, err := c.filterState(h)
	if err != nil {
		return err
	}

	if f.Mode().IsDone() {
		return f.terminatedErr()
	}

	if fi.Variant != filter.Cloning {
		return sim.NewError(sim.InvalidParameter,
			"filter %q is not a cloning filter", fi.Key)
	}

	f.lock.Lock()
	fi.AddDeliveryEndpoint(endpoint)
	f.lock.Unlock()

	return nil
}

// freezeFilters fixes the targets and operators of the filters of f unless
// they conflict with filters frozen before. Of two federates claiming the
// same endpoint, the later one fails.
func (c *CommonCore) freezeFilters(f *FederateState) error {
	c.filterLock.Lock()
	defer c.filterLock.Unlock()

	if f.filtersFrozen.Load() {
		return nil
	}

	if err := c.checkFilterConflicts(f); err != nil {
		return err
	}

	f.filtersFrozen.Store(true)

	return nil
}

func frozenErr(f *FederateState, fi *handles.FilterInfo) error {
	return sim.NewError(sim.InvalidFunctionCall,
		"filter %q of %q can no longer change", fi.Key, f.name)
}

// checkFilterConflicts runs filterConflict over every target of the filters
// of f once their operators are final.
func (c *CommonCore) checkFilterConflicts(f *FederateState) error {
	f.lock.Lock()
	filters := make([]*handles.FilterInfo, 0, len(f.filters))
	for _, fi := range f.filters {
		filters = append(filters, fi)
	}
	f.lock.Unlock()

	for _, fi := range filters {
		for _, t := range fi.Targets {
			if err := c.filterConflict(f, fi, t); err != nil {
				return err
			}
		}
	}

	return nil
}
