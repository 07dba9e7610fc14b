// Package core implements the router that federates talk to. A CommonCore
// owns the state of its local federates, runs their commands through one
// processing goroutine, applies the filter pipeline and forwards everything
// else to its parent broker.
package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sarchlab/cosim/handles"
	"github.com/sarchlab/cosim/message"
	"github.com/sarchlab/cosim/routing"
	"github.com/sarchlab/cosim/sim"
	"github.com/sarchlab/cosim/sim/hooking"
	"github.com/sarchlab/cosim/sim/id"
	"github.com/sarchlab/cosim/timecoord"
	"github.com/sarchlab/cosim/transport"
	"github.com/sarchlab/cosim/transport/tcp"
)

// HookPosTimeGrant marks a time granted to a federate. The item is the
// *FederateState and the detail the timecoord.IterationTime.
var HookPosTimeGrant = &hooking.HookPos{Name: "Time Grant"}

// HookPosExecGrant marks a federate entering, or iterating on the entry to,
// executing mode. The item is the *FederateState and the detail the
// timecoord.IterationTime.
var HookPosExecGrant = &hooking.HookPos{Name: "Exec Grant"}

// Builder builds cores.
type Builder struct {
	name            string
	transport       transport.Transport
	brokerAddress   string
	minFederates    int
	maxIterations   int
	tickInterval    time.Duration
	timeout         time.Duration
	logger          zerolog.Logger
	delayedTransmit bool
}

// MakeBuilder returns a Builder with the default parameters.
func MakeBuilder() Builder {
	return Builder{
		minFederates:  1,
		maxIterations: timecoord.DefaultMaxIterations,
		tickInterval:  routing.DefaultTickInterval,
		timeout:       routing.DefaultTimeout,
		logger:        zerolog.Nop(),
	}
}

// WithName sets the name of the core. It must be unique in the federation.
func (b Builder) WithName(name string) Builder {
	b.name = name
	return b
}

// WithTransport sets the transport to the parent broker.
func (b Builder) WithTransport(t transport.Transport) Builder {
	b.transport = t
	return b
}

// WithBrokerAddress makes the core dial a TCP broker at address. It is
// ignored when a transport is given.
func (b Builder) WithBrokerAddress(address string) Builder {
	b.brokerAddress = address
	return b
}

// WithMinFederates sets how many local federates must request
// initialization before the core reports ready.
func (b Builder) WithMinFederates(n int) Builder {
	b.minFederates = n
	return b
}

// WithMaxIterations caps the iterations of every local federate.
func (b Builder) WithMaxIterations(n int) Builder {
	b.maxIterations = n
	return b
}

// WithTickInterval sets how often the parent connection is checked.
func (b Builder) WithTickInterval(d time.Duration) Builder {
	b.tickInterval = d
	return b
}

// WithTimeout sets how long the parent may stay silent, and how long a
// remote query may take.
func (b Builder) WithTimeout(d time.Duration) Builder {
	b.timeout = d
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(l zerolog.Logger) Builder {
	b.logger = l
	return b
}

// WithDelayedTransmit holds interface registrations until the federate
// enters initializing mode, so that they travel in one burst.
func (b Builder) WithDelayedTransmit(delayed bool) Builder {
	b.delayedTransmit = delayed
	return b
}

// Build creates the core. It does not connect.
func (b Builder) Build() *CommonCore {
	name := b.name
	if name == "" {
		name = "core_" + id.NewParallelGenerator().Generate()
	}

	t := b.transport
	if t == nil {
		if b.brokerAddress == "" {
			panic("core requires a transport or a broker address")
		}

		t = tcp.MakeBuilder().
			WithParent(b.brokerAddress).
			WithLogger(b.logger).
			Build()
	}

	c := &CommonCore{
		minFederates:    b.minFederates,
		maxIterations:   b.maxIterations,
		timeout:         b.timeout,
		delayedTransmit: b.delayedTransmit,
		handles:         handles.NewHandleTable(),
		byName:          make(map[string]*FederateState),
		byGlobal:        make(map[sim.GlobalID]*FederateState),
		initRequested:   make(map[sim.LocalFederateID]bool),
		finished:        make(map[sim.LocalFederateID]bool),
		srcFilters:      make(map[sim.GlobalHandle][]filterRef),
		dstFilters:      make(map[sim.GlobalHandle][]filterRef),
		pendingQueries:  make(map[int32]chan string),
	}

	c.logger = b.logger.With().
		Str("component", "core").
		Str("name", name).
		Logger()

	c.Base = routing.MakeBuilder().
		WithTransport(t).
		WithLogger(b.logger).
		WithTickInterval(b.tickInterval).
		WithTimeout(b.timeout).
		Build(name, c)

	return c
}

// CommonCore is the router of a group of federates living in one process.
type CommonCore struct {
	*routing.Base

	logger          zerolog.Logger
	minFederates    int
	maxIterations   int
	timeout         time.Duration
	delayedTransmit bool

	handles *handles.HandleTable

	fedLock  sync.RWMutex
	feds     []*FederateState
	byName   map[string]*FederateState
	byGlobal map[sim.GlobalID]*FederateState

	initGranted atomic.Bool
	filterLock  sync.Mutex

	// Owned by the router goroutine.
	initRequested map[sim.LocalFederateID]bool
	initSent      bool
	finished      map[sim.LocalFederateID]bool
	leaving       bool
	srcFilters    map[sim.GlobalHandle][]filterRef
	dstFilters    map[sim.GlobalHandle][]filterRef

	queryIDs       id.Sequence
	messageIDs     id.Sequence
	queryLock      sync.Mutex
	pendingQueries map[int32]chan string
}

// Connect connects to the parent broker, starts the processing goroutine
// and registers the core. The global id arrives asynchronously. Commands
// sent upward before that are held back.
func (c *CommonCore) Connect(ctx context.Context) error {
	if err := c.Base.Connect(ctx); err != nil {
		return err
	}

	c.Start()

	reg := message.NewFromTo(message.ActionRegBroker, sim.InvalidID, sim.ParentID)
	reg.Info().Source = c.Name()
	c.SendToParent(reg)

	c.logger.Info().Msg("core connecting")

	return nil
}

// HandleTable returns the records of the interfaces of the local federates.
func (c *CommonCore) HandleTable() *handles.HandleTable {
	return c.handles
}

// Federate returns the state of a local federate.
func (c *CommonCore) Federate(fed sim.LocalFederateID) (*FederateState, error) {
	c.fedLock.RLock()
	defer c.fedLock.RUnlock()

	if fed < 0 || int(fed) >= len(c.feds) {
		return nil, sim.NewError(sim.InvalidIdentifier, "no federate %d", fed)
	}

	return c.feds[fed], nil
}

// FederateByName returns the state of a local federate.
func (c *CommonCore) FederateByName(name string) (*FederateState, bool) {
	c.fedLock.RLock()
	defer c.fedLock.RUnlock()

	f, ok := c.byName[name]

	return f, ok
}

// Federates returns the local federates in registration order.
func (c *CommonCore) Federates() []*FederateState {
	c.fedLock.RLock()
	defer c.fedLock.RUnlock()

	return append([]*FederateState(nil), c.feds...)
}

func (c *CommonCore) local(gid sim.GlobalID) *FederateState {
	if !gid.IsFederate() {
		return nil
	}

	c.fedLock.RLock()
	defer c.fedLock.RUnlock()

	return c.byGlobal[gid]
}

// RegisterFederate creates a local federate and waits until the root broker
// assigned its global id.
func (c *CommonCore) RegisterFederate(
	name string,
	info FederateInfo,
) (sim.LocalFederateID, error) {
	if err := info.validate(); err != nil {
		return sim.InvalidLocalFederateID, err
	}

	if c.initGranted.Load() {
		return sim.InvalidLocalFederateID, sim.NewError(sim.RegistrationFailure,
			"federation already initialized")
	}

	switch c.State() {
	case routing.Errored, routing.Terminating, routing.Terminated:
		return sim.InvalidLocalFederateID, sim.NewError(sim.RegistrationFailure,
			"core is %s", c.State())
	}

	c.fedLock.Lock()

	if _, dup := c.byName[name]; dup {
		c.fedLock.Unlock()

		return sim.InvalidLocalFederateID, sim.NewError(sim.RegistrationFailure,
			"duplicate federate name %q", name)
	}

	fed := newFederateState(c, name, sim.LocalFederateID(len(c.feds)), info)
	c.feds = append(c.feds, fed)
	c.byName[name] = fed

	c.fedLock.Unlock()

	reg := message.NewFromTo(message.ActionRegFed, c.GlobalID(), sim.ParentID)
	reg.Payload = []byte(name)
	c.AddActionMessage(reg)

	r := fed.waitFor(func() timecoord.IterationResult {
		if fed.acked {
			return timecoord.NextStep
		}

		return timecoord.Continue
	})

	switch {
	case fed.ackErr != nil:
		fed.setMode(ModeErrored)
		return sim.InvalidLocalFederateID, fed.ackErr
	case r != timecoord.NextStep:
		return sim.InvalidLocalFederateID, fed.terminatedErr()
	}

	fed.logger.Info().
		Stringer("gid", fed.GlobalID()).
		Msg("federate registered")

	return fed.localID, nil
}

// ProcessPriorityCommand handles priority commands on the router goroutine.
func (c *CommonCore) ProcessPriorityCommand(m *message.ActionMessage) {
	switch m.Action {
	case message.ActionBrokerAck:
		c.processBrokerAck(m)
	case message.ActionRegFed:
		c.sendRegFed(m)
	case message.ActionFedAck:
		c.processFedAck(m)
	case message.ActionQuery:
		c.processQuery(m)
	case message.ActionQueryReply:
		c.processQueryReply(m)
	default:
		c.route(m)
	}
}

// ProcessCommand handles regular commands on the router goroutine.
func (c *CommonCore) ProcessCommand(m *message.ActionMessage) {
	switch m.Action {
	case message.ActionInit:
		c.processInit(m)
	case message.ActionInitGrant:
		c.processInitGrant()
	case message.ActionSendMessage:
		c.processSendMessage(m)
	case message.ActionSendForFilter:
		c.processFilterMessage(m)
	case message.ActionSendForFilterReturn:
		c.processFilterReturn(m)
	case message.ActionNotifySrcFilter, message.ActionNotifyDstFilter:
		c.addFilterRoute(m)
		c.route(m)
	case message.ActionRegPub, message.ActionRegSub, message.ActionRegEnd,
		message.ActionRegSrcFilter, message.ActionRegDstFilter:
		c.SendToParent(m)
	case message.ActionDisconnect:
		c.processDisconnect(m)
	case message.ActionError:
		c.processError(m)
	case message.ActionStop, message.ActionTerminateImmediately:
		c.processStop(m)
	default:
		c.route(m)
	}
}

// OnError tells every local federate that the core failed, so that blocked
// calls return, and stops the processing goroutine.
func (c *CommonCore) OnError(err error) {
	for _, f := range c.Federates() {
		m := message.NewFromTo(message.ActionError, c.GlobalID(), f.GlobalID())
		m.Payload = []byte(err.Error())
		f.AddActionMessage(m)
	}

	report := message.NewFromTo(message.ActionError, c.GlobalID(), sim.ParentID)
	report.Payload = []byte(err.Error())
	c.SendToParent(report)

	c.queryLock.Lock()
	for qid, ch := range c.pendingQueries {
		ch <- queryError
		delete(c.pendingQueries, qid)
	}
	c.queryLock.Unlock()

	c.RequestStop()
}

// route delivers m to a local federate or sends it toward its destination.
func (c *CommonCore) route(m *message.ActionMessage) {
	if f := c.local(m.DestID); f != nil {
		f.AddActionMessage(m)
		return
	}

	c.RouteMessage(m)
}

func (c *CommonCore) processBrokerAck(m *message.ActionMessage) {
	if m.Error {
		c.Fail(sim.NewError(sim.RegistrationFailure,
			"core %q rejected: %s", c.Name(), message.RejectReason(m.MessageID)))

		return
	}

	c.SetGlobalID(m.DestID)
	c.CompareAndSwapState(routing.Connecting, routing.Connected)

	c.logger.Info().Stringer("gid", m.DestID).Msg("core registered")
}

func (c *CommonCore) sendRegFed(m *message.ActionMessage) {
	if c.initSent {
		c.initSent = false
		c.SendToParent(message.NewFromTo(
			message.ActionInitNotReady, c.GlobalID(), sim.ParentID))
	}

	m.SourceID = c.GlobalID()
	c.SendToParent(m)
}

func (c *CommonCore) processFedAck(m *message.ActionMessage) {
	f, ok := c.FederateByName(string(m.Payload))
	if !ok {
		c.Drop(m, "ack for unknown federate")
		return
	}

	if !m.Error {
		c.fedLock.Lock()
		c.byGlobal[m.DestID] = f
		c.fedLock.Unlock()

		f.setGlobalID(m.DestID)
	}

	f.AddActionMessage(m)
}

func (c *CommonCore) activeFederates() []*FederateState {
	var out []*FederateState

	for _, f := range c.Federates() {
		if f.Mode() != ModeErrored {
			out = append(out, f)
		}
	}

	return out
}

func (c *CommonCore) processInit(m *message.ActionMessage) {
	f := c.local(m.SourceID)
	if f == nil {
		c.Drop(m, "init from unknown federate")
		return
	}

	c.initRequested[f.localID] = true
	c.checkInit()
}

func (c *CommonCore) checkInit() {
	if c.initSent || c.initGranted.Load() {
		return
	}

	if len(c.Federates()) < c.minFederates {
		return
	}

	feds := c.activeFederates()
	if len(feds) == 0 {
		return
	}

	for _, f := range feds {
		if !c.initRequested[f.localID] {
			return
		}
	}

	c.initSent = true
	c.SendToParent(message.NewFromTo(
		message.ActionInit, c.GlobalID(), sim.ParentID))

	c.logger.Debug().Int("federates", len(feds)).Msg("core ready to initialize")
}

func (c *CommonCore) processInitGrant() {
	if c.initGranted.Swap(true) {
		return
	}

	c.handles.Freeze()
	c.CompareAndSwapState(routing.Connected, routing.Operating)

	for _, f := range c.Federates() {
		f.AddActionMessage(message.NewFromTo(
			message.ActionInitGrant, c.GlobalID(), f.GlobalID()))
	}

	c.logger.Info().Msg("initialization granted")
}

func (c *CommonCore) processDisconnect(m *message.ActionMessage) {
	if m.DestID != c.GlobalID() {
		c.route(m)
		return
	}

	if f := c.local(m.SourceID); f != nil {
		c.federateDone(f)
		return
	}

	if m.SourceID == c.GlobalID() {
		c.leave()
	}
}

func (c *CommonCore) processError(m *message.ActionMessage) {
	if f := c.local(m.SourceID); f != nil && m.DestID == sim.RootBrokerID {
		c.federateDone(f)
		c.RouteMessage(m)

		return
	}

	if m.DestID == c.GlobalID() {
		c.Fail(sim.NewError(sim.Terminated, "%s", string(m.Payload)))
		return
	}

	c.route(m)
}

func (c *CommonCore) processStop(m *message.ActionMessage) {
	if m.DestID.IsFederate() {
		c.route(m)
		return
	}

	for _, f := range c.Federates() {
		s := m.Clone()
		s.DestID = f.GlobalID()
		f.AddActionMessage(s)
	}
}

func (c *CommonCore) federateDone(f *FederateState) {
	c.finished[f.localID] = true

	if f.Mode() == ModeErrored {
		c.checkInit()
	}

	for _, other := range c.activeFederates() {
		if !c.finished[other.localID] {
			return
		}
	}

	c.leave()
}

// leave tells the parent that the core is gone and stops the processing
// goroutine.
func (c *CommonCore) leave() {
	if c.leaving {
		return
	}

	c.leaving = true

	c.SendToParent(message.NewFromTo(
		message.ActionDisconnect, c.GlobalID(), sim.ParentID))
	c.CompareAndSwapState(routing.Operating, routing.Terminating)
	c.CompareAndSwapState(routing.Connected, routing.Terminating)
	c.RequestStop()

	c.logger.Info().Msg("core disconnecting")
}

// Disconnect finalizes every local federate that is still active. The core
// leaves the federation once all of them are done.
func (c *CommonCore) Disconnect() {
	feds := c.Federates()

	for _, f := range feds {
		if f.Mode().IsDone() {
			continue
		}

		f.finalize()
		f.AddActionMessage(message.NewFromTo(
			message.ActionStop, c.GlobalID(), f.GlobalID()))
	}

	c.AddActionMessage(message.NewFromTo(
		message.ActionDisconnect, c.GlobalID(), c.GlobalID()))
}

// WaitForDisconnect blocks until the processing goroutine exited.
func (c *CommonCore) WaitForDisconnect(ctx context.Context) error {
	select {
	case <-c.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot is the monitoring view of a core.
type Snapshot struct {
	Router    routing.Snapshot
	Federates []State
	Handles   int
}

// Snapshot returns the current view of the core.
func (c *CommonCore) Snapshot() Snapshot {
	s := Snapshot{
		Router:  c.BaseSnapshot(),
		Handles: c.handles.Len(),
	}

	for _, f := range c.Federates() {
		s.Federates = append(s.Federates, f.Snapshot())
	}

	return s
}
