package core

import (
	"sort"

	"github.com/sarchlab/cosim/filter"
	"github.com/sarchlab/cosim/handles"
	"github.com/sarchlab/cosim/message"
	"github.com/sarchlab/cosim/sim"
)

func (c *CommonCore) registerInterface(
	fed sim.LocalFederateID,
	info handles.BasicHandleInfo,
) (*FederateState, *handles.BasicHandleInfo, error) {
	f, err := c.federateInMode(fed, ModeCreated)
	if err != nil {
		return nil, nil, err
	}

	info.LocalFed = fed
	info.GlobalFed = f.GlobalID()

	rec, err := c.handles.Add(info)
	if err != nil {
		return nil, nil, err
	}

	return f, rec, nil
}

// RegisterPublication registers a value output of a federate. Its key must
// be unique in the federation.
func (c *CommonCore) RegisterPublication(
	fed sim.LocalFederateID,
	key, typ, units string,
	opts ...InterfaceOption,
) (sim.InterfaceHandle, error) {
	o := collectOptions(opts)

	f, rec, err := c.registerInterface(fed, handles.BasicHandleInfo{
		Kind:  handles.Publication,
		Key:   key,
		Type:  typ,
		Units: units,
	})
	if err != nil {
		return sim.InvalidHandle, err
	}

	pub := handles.NewPublicationInfo(rec.GlobalHandle(), key, typ, units)

	f.lock.Lock()
	pub.OnlyUpdateOnChange = o.onlyUpdateOnChange || f.info.OnlyUpdateOnChange
	f.pubs[rec.Handle] = pub
	f.lock.Unlock()

	c.sendRegistration(f, message.ActionRegPub, rec, 0)

	return rec.Handle, nil
}

// RegisterSubscription registers an input fed by the publication with the
// given key.
func (c *CommonCore) RegisterSubscription(
	fed sim.LocalFederateID,
	key, units string,
	opts ...InterfaceOption,
) (sim.InterfaceHandle, error) {
	return c.RegisterInput(fed, key, "", units, key, opts...)
}

// RegisterInput registers a named input fed by the publication whose key is
// target.
func (c *CommonCore) RegisterInput(
	fed sim.LocalFederateID,
	name, typ, units, target string,
	opts ...InterfaceOption,
) (sim.InterfaceHandle, error) {
	if target == "" {
		return sim.InvalidHandle, sim.NewError(sim.InvalidParameter,
			"input %q has no target", name)
	}

	o := collectOptions(opts)

	f, rec, err := c.registerInterface(fed, handles.BasicHandleInfo{
		Kind:     handles.Subscription,
		Key:      name,
		Type:     typ,
		Units:    units,
		Target:   target,
		Required: o.required,
	})
	if err != nil {
		return sim.InvalidHandle, err
	}

	sub := handles.NewSubscriptionInfo(rec.GlobalHandle(), name, typ, units)
	sub.Required = o.required
	sub.NotInterruptible = o.notInterruptible

	f.lock.Lock()
	sub.OnlyUpdateOnChange = o.onlyUpdateOnChange || f.info.OnlyUpdateOnChange
	f.subs[rec.Handle] = sub
	f.lock.Unlock()

	c.sendRegistration(f, message.ActionRegSub, rec, 0)

	return rec.Handle, nil
}

// RegisterEndpoint registers a message endpoint. Its name must be unique in
// the federation.
func (c *CommonCore) RegisterEndpoint(
	fed sim.LocalFederateID,
	name, typ string,
) (sim.InterfaceHandle, error) {
	f, rec, err := c.registerInterface(fed, handles.BasicHandleInfo{
		Kind: handles.Endpoint,
		Key:  name,
		Type: typ,
	})
	if err != nil {
		return sim.InvalidHandle, err
	}

	f.lock.Lock()
	f.endpoints[rec.Handle] = handles.NewEndpointInfo(rec.GlobalHandle(), name, typ)
	f.lock.Unlock()

	c.sendRegistration(f, message.ActionRegEnd, rec, 0)

	return rec.Handle, nil
}

// RegisterSourceFilter registers a filter applied to messages leaving its
// target endpoints.
func (c *CommonCore) RegisterSourceFilter(
	fed sim.LocalFederateID,
	name, inputType, outputType string,
) (sim.InterfaceHandle, error) {
	return c.registerFilter(fed, name, inputType, outputType, false, filter.Standard)
}

// RegisterDestinationFilter registers a filter applied to messages arriving
// at its target endpoints.
func (c *CommonCore) RegisterDestinationFilter(
	fed sim.LocalFederateID,
	name, inputType, outputType string,
) (sim.InterfaceHandle, error) {
	return c.registerFilter(fed, name, inputType, outputType, true, filter.Standard)
}

// RegisterCloningFilter registers a filter that copies the messages of its
// target endpoints to its delivery endpoints.
func (c *CommonCore) RegisterCloningFilter(
	fed sim.LocalFederateID,
	name string,
	destination bool,
) (sim.InterfaceHandle, error) {
	return c.registerFilter(fed, name, "", "", destination, filter.Cloning)
}

func (c *CommonCore) registerFilter(
	fed sim.LocalFederateID,
	name, inputType, outputType string,
	destination bool,
	variant filter.Variant,
) (sim.InterfaceHandle, error) {
	kind := handles.SourceFilter
	action := message.ActionRegSrcFilter

	if destination {
		kind = handles.DestinationFilter
		action = message.ActionRegDstFilter
	}

	f, rec, err := c.registerInterface(fed, handles.BasicHandleInfo{
		Kind:                kind,
		Key:                 name,
		Type:                inputType,
		IsDestinationFilter: destination,
	})
	if err != nil {
		return sim.InvalidHandle, err
	}

	fi := handles.NewFilterInfo(rec.GlobalHandle(), name,
		inputType, outputType, destination, variant)

	f.lock.Lock()
	f.filters[rec.Handle] = fi
	f.lock.Unlock()

	c.sendRegistration(f, action, rec, filterTraits(fi))

	return rec.Handle, nil
}

func filterTraits(fi *handles.FilterInfo) uint16 {
	var traits uint16

	if fi.Operator != nil {
		traits |= message.FilterHasOperator
	}

	if fi.Variant == filter.Cloning {
		traits |= message.FilterIsCloning
	}

	return traits
}

func registrationCommand(
	action message.Action,
	rec *handles.BasicHandleInfo,
	traits uint16,
) *message.ActionMessage {
	m := message.NewFromTo(action, rec.GlobalFed, sim.ParentID)
	m.SourceHandle = rec.Handle
	m.Counter = traits
	m.Required = rec.Required

	info := m.Info()
	info.Source = rec.Key
	info.Type = rec.Type
	info.Units = rec.Units
	info.Target = rec.Target

	return m
}

func (c *CommonCore) sendRegistration(
	f *FederateState,
	action message.Action,
	rec *handles.BasicHandleInfo,
	traits uint16,
) {
	m := registrationCommand(action, rec, traits)

	if c.delayedTransmit {
		f.lock.Lock()
		f.pendingRegs = append(f.pendingRegs, m)
		f.lock.Unlock()

		return
	}

	c.AddActionMessage(m)
}

func (f *FederateState) flushRegistrations() {
	f.lock.Lock()
	regs := f.pendingRegs
	f.pendingRegs = nil
	f.lock.Unlock()

	for _, m := range regs {
		f.core.AddActionMessage(m)
	}
}

// sendFilterTargets tells the root broker which endpoints the filters of f
// apply to. The traits sent are final, so operators must be set before
// initialization.
func (c *CommonCore) sendFilterTargets(f *FederateState) {
	var regs []*message.ActionMessage

	f.lock.Lock()

	hs := make([]sim.InterfaceHandle, 0, len(f.filters))
	for h := range f.filters {
		hs = append(hs, h)
	}

	sort.Slice(hs, func(i, j int) bool { return hs[i] < hs[j] })

	for _, h := range hs {
		fi := f.filters[h]
		rec := c.handles.Get(h)
		action := message.ActionRegSrcFilter

		if fi.IsDestination {
			action = message.ActionRegDstFilter
		}

		for _, target := range fi.Targets {
			m := registrationCommand(action, rec, filterTraits(fi))
			m.Info().Target = target
			regs = append(regs, m)
		}
	}

	f.lock.Unlock()

	for _, m := range regs {
		c.AddActionMessage(m)
	}
}
