package core

import (
	"github.com/sarchlab/cosim/message"
	"github.com/sarchlab/cosim/sim"
	"github.com/sarchlab/cosim/timecoord"
)

func (f *FederateState) terminatedErr() error {
	if f.stopErr != nil {
		return f.stopErr
	}

	return sim.NewError(sim.Terminated, "federate %q is %s", f.name, f.Mode())
}

// finalize leaves the federation. It may run on any goroutine.
func (f *FederateState) finalize() {
	if !f.finalized.CompareAndSwap(false, true) {
		return
	}

	if f.Mode() != ModeErrored {
		f.coord.Disconnect()
		f.setMode(ModeFinished)
	}

	f.core.AddActionMessage(message.NewFromTo(
		message.ActionDisconnect, f.GlobalID(), f.core.GlobalID()))
}

func (c *CommonCore) federateInMode(
	fed sim.LocalFederateID,
	modes ...Mode,
) (*FederateState, error) {
	f, err := c.Federate(fed)
	if err != nil {
		return nil, err
	}

	mode := f.Mode()

	if mode == ModeErrored {
		return nil, f.terminatedErr()
	}

	for _, m := range modes {
		if mode == m {
			return f, nil
		}
	}

	return nil, sim.NewError(sim.InvalidFunctionCall,
		"federate %q is %s", f.name, mode)
}

// EnterInitializingState waits until every federate of the federation asked
// to initialize.
func (c *CommonCore) EnterInitializingState(fed sim.LocalFederateID) error {
	f, err := c.federateInMode(fed, ModeCreated, ModeInitializing)
	if err != nil {
		return err
	}

	if f.Mode() == ModeInitializing {
		return nil
	}

	if err := c.freezeFilters(f); err != nil {
		return err
	}

	f.flushRegistrations()
	c.sendFilterTargets(f)

	c.AddActionMessage(message.NewFromTo(
		message.ActionInit, f.GlobalID(), c.GlobalID()))

	r := f.waitFor(func() timecoord.IterationResult {
		if f.Mode() == ModeInitializing {
			return timecoord.NextStep
		}

		return timecoord.Continue
	})

	if r != timecoord.NextStep {
		return f.terminatedErr()
	}

	f.logger.Debug().Msg("initializing")

	return nil
}

// EnterExecutingState waits until the federate may execute at time zero. An
// iterating request may instead return Iterating, with the values published
// during initialization visible.
func (c *CommonCore) EnterExecutingState(
	fed sim.LocalFederateID,
	req timecoord.IterationRequest,
) (timecoord.IterationResult, error) {
	f, err := c.federateInMode(fed, ModeCreated, ModeInitializing, ModeExecuting)
	if err != nil {
		return timecoord.Error, err
	}

	switch f.Mode() {
	case ModeExecuting:
		return timecoord.NextStep, nil
	case ModeCreated:
		if err := c.EnterInitializingState(fed); err != nil {
			return timecoord.Error, err
		}
	}

	f.coord.EnterExec(req)

	r := f.waitFor(f.coord.CheckExecEntry)

	switch r {
	case timecoord.Error:
		return r, f.terminatedErr()
	case timecoord.Halted:
		return r, nil
	}

	f.updateAfterGrant(r)

	if r != timecoord.Iterating {
		f.setMode(ModeExecuting)
		f.logger.Debug().Stringer("result", r).Msg("executing")
	}

	return r, nil
}

// TimeRequest blocks until the federate is granted a time, which is at most
// t.
func (c *CommonCore) TimeRequest(fed sim.LocalFederateID, t sim.VTime) (sim.VTime, error) {
	it, err := c.RequestTimeIterative(fed, t, timecoord.NoIterations)
	return it.Time, err
}

// RequestTimeIterative blocks until the federate is granted a time or an
// iteration at its current time.
func (c *CommonCore) RequestTimeIterative(
	fed sim.LocalFederateID,
	t sim.VTime,
	req timecoord.IterationRequest,
) (timecoord.IterationTime, error) {
	f, err := c.federateInMode(fed, ModeExecuting)
	if err != nil {
		return timecoord.IterationTime{Time: sim.MaxVTime, State: timecoord.Error}, err
	}

	f.coord.RequestTime(t, req)

	r := f.waitFor(f.coord.CheckTimeGrant)

	switch r {
	case timecoord.Error:
		return timecoord.IterationTime{Time: f.coord.Granted(), State: r},
			f.terminatedErr()
	case timecoord.Halted:
		return timecoord.IterationTime{Time: sim.MaxVTime, State: r}, nil
	}

	f.updateAfterGrant(r)

	return timecoord.IterationTime{Time: f.coord.Granted(), State: r}, nil
}

// Finalize disconnects the federate from its dependencies and dependents.
func (c *CommonCore) Finalize(fed sim.LocalFederateID) error {
	f, err := c.Federate(fed)
	if err != nil {
		return err
	}

	if !f.GlobalID().IsValid() {
		return sim.NewError(sim.InvalidFunctionCall,
			"federate %q was never registered", f.name)
	}

	f.finalize()
	f.logger.Debug().Msg("finalized")

	return nil
}

// Error marks the federate as failed. Its dependents stop waiting on it and
// the root broker logs the failure.
func (c *CommonCore) Error(fed sim.LocalFederateID, code int, msg string) error {
	f, err := c.Federate(fed)
	if err != nil {
		return err
	}

	if f.Mode().IsDone() {
		return nil
	}

	f.stopErr = sim.NewError(sim.Terminated, "%s", msg)
	f.setMode(ModeErrored)
	f.coord.Errored()
	f.finalized.Store(true)

	m := message.NewFromTo(message.ActionError, f.GlobalID(), sim.RootBrokerID)
	m.MessageID = int32(code)
	m.Payload = []byte(msg)
	c.AddActionMessage(m)

	f.logger.Error().Int("code", code).Str("msg", msg).Msg("federate error")

	return nil
}

// SetTimeProperty changes a time property of a federate.
func (c *CommonCore) SetTimeProperty(
	fed sim.LocalFederateID,
	p Property,
	v sim.VTime,
) error {
	f, err := c.Federate(fed)
	if err != nil {
		return err
	}

	return f.updateInfo(func(info *FederateInfo) error {
		switch p {
		case PropertyTimeDelta:
			info.TimeDelta = v
		case PropertyLookahead:
			info.Lookahead = v
		case PropertyImpactWindow:
			info.ImpactWindow = v
		case PropertyPeriod:
			info.Period = v
		case PropertyOffset:
			info.Offset = v
		default:
			return sim.NewError(sim.InvalidParameter, "%s is not a time property", p)
		}

		return nil
	})
}

// SetIntegerProperty changes an integer property of a federate.
func (c *CommonCore) SetIntegerProperty(
	fed sim.LocalFederateID,
	p Property,
	v int,
) error {
	f, err := c.Federate(fed)
	if err != nil {
		return err
	}

	return f.updateInfo(func(info *FederateInfo) error {
		if p != PropertyMaxIterations {
			return sim.NewError(sim.InvalidParameter, "%s is not an integer property", p)
		}

		info.MaxIterations = v

		return nil
	})
}

// SetFlagOption changes a boolean option of a federate.
func (c *CommonCore) SetFlagOption(fed sim.LocalFederateID, flag Flag, v bool) error {
	f, err := c.Federate(fed)
	if err != nil {
		return err
	}

	err = f.updateInfo(func(info *FederateInfo) error {
		switch flag {
		case FlagObserver:
			info.Observer = v
		case FlagSourceOnly:
			info.SourceOnly = v
		case FlagUninterruptible:
			info.Uninterruptible = v
		case FlagWaitForCurrentTimeUpdate:
			info.WaitForCurrentTimeUpdate = v
		case FlagOnlyUpdateOnChange:
			info.OnlyUpdateOnChange = v
		default:
			return sim.NewError(sim.InvalidParameter, "unknown flag %s", flag)
		}

		return nil
	})

	if err == nil && flag == FlagOnlyUpdateOnChange {
		f.setOnlyUpdateOnChange(v)
	}

	return err
}

func (f *FederateState) updateInfo(change func(info *FederateInfo) error) error {
	f.lock.Lock()
	info := f.info
	f.lock.Unlock()

	if err := change(&info); err != nil {
		return err
	}

	if err := info.validate(); err != nil {
		return err
	}

	if err := f.coord.SetConfig(info.timing(f.core.maxIterations)); err != nil {
		return err
	}

	f.lock.Lock()
	f.info = info
	f.lock.Unlock()

	return nil
}

func (f *FederateState) setOnlyUpdateOnChange(v bool) {
	f.lock.Lock()
	defer f.lock.Unlock()

	for _, p := range f.pubs {
		p.OnlyUpdateOnChange = v
	}

	for _, s := range f.subs {
		s.OnlyUpdateOnChange = v
	}
}
