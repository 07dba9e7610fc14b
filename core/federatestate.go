package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/sarchlab/cosim/handles"
	"github.com/sarchlab/cosim/message"
	"github.com/sarchlab/cosim/sim"
	"github.com/sarchlab/cosim/sim/hooking"
	"github.com/sarchlab/cosim/sim/queueing"
	"github.com/sarchlab/cosim/timecoord"
)

// Mode is the lifecycle state of a federate.
type Mode int32

// The federate modes.
const (
	ModeCreated Mode = iota
	ModeInitializing
	ModeExecuting
	ModeErrored
	ModeFinished
)

var modeNames = [...]string{
	"created", "initializing", "executing", "error", "finished",
}

func (m Mode) String() string {
	if m >= 0 && int(m) < len(modeNames) {
		return modeNames[m]
	}

	return fmt.Sprintf("mode(%d)", int32(m))
}

// IsDone tells if the federate can no longer take part in the federation.
func (m Mode) IsDone() bool {
	return m == ModeErrored || m == ModeFinished
}

// FederateState owns the interfaces, the command queue and the time
// coordinator of one federate. Its queue is drained by the goroutine of the
// federate, inside blocking API calls.
type FederateState struct {
	core     *CommonCore
	name     string
	localID  sim.LocalFederateID
	globalID atomic.Int32
	mode     atomic.Int32
	logger   zerolog.Logger

	queue *queueing.BlockingQueue[*message.ActionMessage]
	coord *timecoord.Coordinator

	lock      sync.Mutex
	info      FederateInfo
	pubs      map[sim.InterfaceHandle]*handles.PublicationInfo
	subs      map[sim.InterfaceHandle]*handles.SubscriptionInfo
	endpoints map[sim.InterfaceHandle]*handles.EndpointInfo
	filters   map[sim.InterfaceHandle]*handles.FilterInfo

	pendingRegs   []*message.ActionMessage
	finalized     atomic.Bool
	filtersFrozen atomic.Bool

	acked   bool
	ackErr  error
	stopErr error
}

func newFederateState(
	c *CommonCore,
	name string,
	localID sim.LocalFederateID,
	info FederateInfo,
) *FederateState {
	f := &FederateState{
		core:      c,
		name:      name,
		localID:   localID,
		info:      info,
		queue:     queueing.NewBlockingQueue[*message.ActionMessage](name),
		pubs:      make(map[sim.InterfaceHandle]*handles.PublicationInfo),
		subs:      make(map[sim.InterfaceHandle]*handles.SubscriptionInfo),
		endpoints: make(map[sim.InterfaceHandle]*handles.EndpointInfo),
		filters:   make(map[sim.InterfaceHandle]*handles.FilterInfo),
	}

	f.globalID.Store(int32(sim.InvalidID))
	f.logger = c.logger.With().Str("fed", name).Logger()

	f.coord = timecoord.MakeBuilder().
		WithConfig(info.timing(c.maxIterations)).
		WithSender(c.AddActionMessage).
		WithLogger(f.logger).
		Build(sim.InvalidID)

	return f
}

// Name returns the federate name.
func (f *FederateState) Name() string {
	return f.name
}

// LocalID returns the index of the federate in its core.
func (f *FederateState) LocalID() sim.LocalFederateID {
	return f.localID
}

// GlobalID returns the id assigned by the root broker.
func (f *FederateState) GlobalID() sim.GlobalID {
	return sim.GlobalID(f.globalID.Load())
}

func (f *FederateState) setGlobalID(id sim.GlobalID) {
	f.globalID.Store(int32(id))
	f.coord.SetGlobalID(id)
}

// Mode returns the lifecycle state.
func (f *FederateState) Mode() Mode {
	return Mode(f.mode.Load())
}

func (f *FederateState) setMode(m Mode) {
	f.mode.Store(int32(m))
}

// Granted returns the last granted time.
func (f *FederateState) Granted() sim.VTime {
	return f.coord.Granted()
}

// Coordinator returns the time coordinator, for queries and monitoring.
func (f *FederateState) Coordinator() *timecoord.Coordinator {
	return f.coord
}

// AddActionMessage queues a command for the federate.
func (f *FederateState) AddActionMessage(m *message.ActionMessage) {
	f.queue.Push(m)
}

func (f *FederateState) lookahead() sim.VTime {
	f.lock.Lock()
	defer f.lock.Unlock()

	return f.info.Lookahead
}

// waitFor processes commands until check reports a result. Commands already
// queued are applied before every check.
func (f *FederateState) waitFor(
	check func() timecoord.IterationResult,
) timecoord.IterationResult {
	for {
		for {
			m, ok := f.queue.TryPop()
			if !ok {
				break
			}

			f.process(m)
		}

		switch f.Mode() {
		case ModeErrored:
			return timecoord.Error
		case ModeFinished:
			return timecoord.Halted
		}

		if r := check(); r.IsReturnable() {
			return r
		}

		m, _ := f.queue.Pop(context.Background())
		f.process(m)
	}
}

func (f *FederateState) isFromDependency(m *message.ActionMessage) bool {
	return m.SourceID.IsFederate() && m.SourceID != f.GlobalID()
}

func (f *FederateState) process(m *message.ActionMessage) {
	switch m.Action {
	case message.ActionFedAck:
		f.processFedAck(m)
	case message.ActionInitGrant:
		if f.Mode() == ModeCreated {
			f.setMode(ModeInitializing)
		}
	case message.ActionPub:
		f.addValue(m)
	case message.ActionSendMessage:
		f.addMessage(m)
	case message.ActionSendForFilter:
		f.addFilterMessage(m)
	case message.ActionNotifyPub:
		f.notifyPublisher(m)
	case message.ActionAddSubscriber:
		f.addSubscriber(m)
	case message.ActionNotifySrcFilter:
		f.notifySourceFilter(m)
	case message.ActionNotifyDstFilter:
	case message.ActionWarning:
		f.logger.Warn().Stringer("from", m.SourceID).Msg(string(m.Payload))
	case message.ActionNotifyEnd:
		f.notifyEndpoint(m)
	case message.ActionStop, message.ActionTerminateImmediately:
		f.stop(m)
	case message.ActionError:
		if f.isFromDependency(m) {
			f.coord.ProcessMessage(m)
			return
		}

		f.fail(m)
	default:
		f.coord.ProcessMessage(m)
	}
}

func (f *FederateState) processFedAck(m *message.ActionMessage) {
	f.acked = true

	if m.Error {
		f.ackErr = sim.NewError(sim.RegistrationFailure,
			"federate %q rejected: %s", f.name, ackReason(m))
		return
	}

	f.setGlobalID(m.DestID)
}

func ackReason(m *message.ActionMessage) string {
	return message.RejectReason(m.MessageID)
}

func (f *FederateState) stop(m *message.ActionMessage) {
	if f.Mode().IsDone() {
		return
	}

	f.stopErr = sim.NewError(sim.Terminated, "federation stopped (%s)", m.Action)
	f.setMode(ModeFinished)
}

func (f *FederateState) fail(m *message.ActionMessage) {
	if f.Mode().IsDone() {
		return
	}

	reason := string(m.Payload)
	if reason == "" {
		reason = "error from " + m.SourceID.String()
	}

	f.stopErr = sim.NewError(sim.Terminated, "%s", reason)
	f.setMode(ModeErrored)
	f.coord.Errored()

	f.core.AddActionMessage(message.NewFromTo(
		message.ActionDisconnect, f.GlobalID(), f.core.GlobalID()))

	f.logger.Error().Str("reason", reason).Msg("federate errored")
}

func (f *FederateState) addValue(m *message.ActionMessage) {
	f.lock.Lock()
	sub := f.subs[m.DestHandle]
	f.lock.Unlock()

	if sub == nil {
		f.logger.Warn().Stringer("cmd", m).Msg("value for unknown input")
		return
	}

	rec := handles.DataRecord{
		Source:    m.Source(),
		Iteration: m.Counter,
		Data:      m.Payload,
	}
	m.Payload = nil

	f.lock.Lock()
	sub.AddData(m.Time, rec)
	interruptible := !sub.NotInterruptible
	f.lock.Unlock()

	if interruptible || m.Time <= f.coord.Granted() {
		f.coord.UpdateValueTime(m.Time)
	}
}

func (f *FederateState) addMessage(m *message.ActionMessage) {
	f.lock.Lock()
	ep := f.endpoints[m.DestHandle]
	f.lock.Unlock()

	if ep == nil {
		f.logger.Warn().Stringer("cmd", m).Msg("message for unknown endpoint")
		return
	}

	msg := message.ToMessage(m)

	f.lock.Lock()
	ep.AddMessage(msg)
	f.lock.Unlock()

	f.coord.UpdateMessageTime(msg.Time)
}

func (f *FederateState) addFilterMessage(m *message.ActionMessage) {
	f.lock.Lock()
	filt := f.filters[m.DestHandle]
	f.lock.Unlock()

	if filt == nil {
		f.logger.Warn().Stringer("cmd", m).Msg("message for unknown filter")
		return
	}

	msg := message.ToMessage(m)

	f.lock.Lock()
	filt.AddMessage(msg)
	f.lock.Unlock()

	f.coord.UpdateMessageTime(msg.Time)
}

func (f *FederateState) notifyPublisher(m *message.ActionMessage) {
	f.lock.Lock()
	sub := f.subs[m.DestHandle]
	if sub != nil {
		sub.AddSource(m.Source())
	}
	f.lock.Unlock()

	if sub == nil {
		f.logger.Warn().Stringer("cmd", m).Msg("publisher for unknown input")
		return
	}

	f.coord.AddDependency(m.SourceID)
}

func (f *FederateState) addSubscriber(m *message.ActionMessage) {
	f.lock.Lock()
	pub := f.pubs[m.DestHandle]
	if pub != nil {
		pub.AddSubscriber(m.Source())
	}
	f.lock.Unlock()

	if pub == nil {
		f.logger.Warn().Stringer("cmd", m).Msg("subscriber for unknown publication")
		return
	}

	f.coord.AddDependent(m.SourceID)
}

func (f *FederateState) notifySourceFilter(m *message.ActionMessage) {
	f.lock.Lock()
	defer f.lock.Unlock()

	ep := f.endpoints[m.DestHandle]
	if ep != nil && m.Counter&(message.FilterHasOperator|message.FilterIsCloning) == 0 {
		ep.HasFinalSourceFilter = true
	}
}

func (f *FederateState) notifyEndpoint(m *message.ActionMessage) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if filt := f.filters[m.DestHandle]; filt != nil {
		filt.AddResolved(m.Source())
	}
}

// updateAfterGrant makes the values up to the granted time visible and
// tells the coordinator about the remaining future events.
func (f *FederateState) updateAfterGrant(r timecoord.IterationResult) {
	g := sim.MaxTime(f.coord.Granted(), sim.ZeroTime)
	valueTime := sim.MaxVTime
	messageTime := sim.MaxVTime

	f.lock.Lock()

	for _, sub := range f.subs {
		sub.UpdateTime(g)

		if !sub.NotInterruptible {
			valueTime = sim.MinTime(valueTime, sub.NextValueTime())
		}
	}

	for _, ep := range f.endpoints {
		messageTime = sim.MinTime(messageTime, ep.NextMessageTimeAfter(g))
	}

	for _, filt := range f.filters {
		messageTime = sim.MinTime(messageTime, filt.NextMessageTimeAfter(g))
	}

	f.lock.Unlock()

	f.coord.ResetEventTimes(valueTime, messageTime)

	pos := HookPosTimeGrant
	if f.Mode() != ModeExecuting {
		pos = HookPosExecGrant
	}

	if f.core.NumHooks() > 0 {
		f.core.InvokeHook(hooking.HookCtx{
			Domain: f.core,
			Pos:    pos,
			Item:   f,
			Detail: timecoord.IterationTime{Time: f.coord.Granted(), State: r},
		})
	}
}

func (f *FederateState) handleKinds(kind handles.Kind) []*handles.BasicHandleInfo {
	var out []*handles.BasicHandleInfo

	for _, h := range f.core.handles.ByFederate(f.GlobalID()) {
		if h.Kind == kind {
			out = append(out, h)
		}
	}

	return out
}

// State is the monitoring view of a federate.
type State struct {
	Name       string
	LocalID    sim.LocalFederateID
	GlobalID   sim.GlobalID
	Mode       string
	QueueSize  int
	Timing     timecoord.State
	Interfaces int
}

// Snapshot returns the current view of the federate.
func (f *FederateState) Snapshot() State {
	f.lock.Lock()
	n := len(f.pubs) + len(f.subs) + len(f.endpoints) + len(f.filters)
	f.lock.Unlock()

	return State{
		Name:       f.name,
		LocalID:    f.localID,
		GlobalID:   f.GlobalID(),
		Mode:       f.Mode().String(),
		QueueSize:  f.queue.Size(),
		Timing:     f.coord.Snapshot(),
		Interfaces: n,
	}
}

func (f *FederateState) updatedInputs() []sim.InterfaceHandle {
	f.lock.Lock()
	defer f.lock.Unlock()

	var out []sim.InterfaceHandle

	for h, sub := range f.subs {
		if sub.IsUpdated() {
			out = append(out, h)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}
