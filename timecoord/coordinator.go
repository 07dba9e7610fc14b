package timecoord

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sarchlab/cosim/message"
	"github.com/sarchlab/cosim/sim"
)

// A Sender transmits a command produced by the coordinator. The receiver
// owns the command.
type Sender func(m *message.ActionMessage)

type mode int

const (
	modeCreated mode = iota
	modeExecRequested
	modeGranted
	modeTimeRequested
	modeDisconnected
)

var modeNames = [...]string{
	"created", "exec_requested", "granted", "time_requested", "disconnected",
}

// Builder builds Coordinators.
type Builder struct {
	config Config
	sender Sender
	logger zerolog.Logger
}

// MakeBuilder returns a Builder with the default configuration.
func MakeBuilder() Builder {
	return Builder{
		config: DefaultConfig(),
		sender: func(*message.ActionMessage) {},
		logger: zerolog.Nop(),
	}
}

// WithConfig sets the timing properties.
func (b Builder) WithConfig(c Config) Builder {
	b.config = c
	return b
}

// WithSender sets where timing commands go.
func (b Builder) WithSender(s Sender) Builder {
	b.sender = s
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(l zerolog.Logger) Builder {
	b.logger = l
	return b
}

// Build creates a Coordinator for the federate with the given id.
func (b Builder) Build(self sim.GlobalID) *Coordinator {
	return &Coordinator{
		self:        self,
		config:      b.config,
		send:        b.sender,
		logger:      b.logger,
		granted:     sim.MinVTime,
		requested:   sim.MinVTime,
		timeValue:   sim.MaxVTime,
		timeMessage: sim.MaxVTime,
		exec:        sim.MaxVTime,
		next:        sim.MinVTime,
		te:          sim.MinVTime,
		tdemin:      sim.MinVTime,
		minFed:      sim.InvalidID,
	}
}

// Coordinator negotiates the time of one federate with its dependencies and
// dependents. It is safe for concurrent use.
type Coordinator struct {
	lock   sync.Mutex
	self   sim.GlobalID
	config Config
	send   Sender
	logger zerolog.Logger

	deps       []*DependencyInfo
	dependents []sim.GlobalID

	mode      mode
	executing bool
	granted   sim.VTime
	requested sim.VTime
	iterReq   IterationRequest
	iterating bool
	forced    bool
	iteration uint16

	hasIterationData bool

	timeValue   sim.VTime
	timeMessage sim.VTime

	exec   sim.VTime
	next   sim.VTime
	te     sim.VTime
	tdemin sim.VTime
	minFed sim.GlobalID

	sent sentRequest
}

type sentRequest struct {
	valid     bool
	next      sim.VTime
	te        sim.VTime
	tdemin    sim.VTime
	minFed    sim.GlobalID
	iterating bool
	counter   uint16
}

// SetGlobalID sets the id of the coordinated federate.
func (c *Coordinator) SetGlobalID(id sim.GlobalID) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.self = id
}

// Config returns the timing properties.
func (c *Coordinator) Config() Config {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.config
}

// SetConfig replaces the timing properties.
func (c *Coordinator) SetConfig(config Config) error {
	if err := config.Validate(); err != nil {
		return err
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	c.config = config

	return nil
}

// Granted returns the last granted time.
func (c *Coordinator) Granted() sim.VTime {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.granted
}

// Requested returns the last requested time.
func (c *Coordinator) Requested() sim.VTime {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.requested
}

// Iteration returns the number of iterations granted at the current time.
func (c *Coordinator) Iteration() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return int(c.iteration)
}

// IsExecuting tells if exec mode has been granted.
func (c *Coordinator) IsExecuting() bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.executing
}

// AddDependency makes the federate wait on id. It returns false if id was
// already a dependency or cannot be one.
func (c *Coordinator) AddDependency(id sim.GlobalID) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.addDependency(id)
}

func (c *Coordinator) addDependency(id sim.GlobalID) bool {
	if c.config.SourceOnly || id == c.self || c.findDep(id) != nil {
		return false
	}

	c.deps = append(c.deps, newDependencyInfo(id))
	sort.Slice(c.deps, func(i, j int) bool {
		return c.deps[i].FedID < c.deps[j].FedID
	})

	return true
}

// RemoveDependency stops waiting on id.
func (c *Coordinator) RemoveDependency(id sim.GlobalID) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.removeDependency(id)
}

func (c *Coordinator) removeDependency(id sim.GlobalID) {
	for i, d := range c.deps {
		if d.FedID == id {
			c.deps = append(c.deps[:i], c.deps[i+1:]...)
			return
		}
	}
}

// AddDependent makes the federate report its time to id. It returns false if
// id was already a dependent or cannot be one.
func (c *Coordinator) AddDependent(id sim.GlobalID) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.addDependent(id)
}

func (c *Coordinator) addDependent(id sim.GlobalID) bool {
	if c.config.Observer || id == c.self {
		return false
	}

	for _, d := range c.dependents {
		if d == id {
			return false
		}
	}

	c.dependents = append(c.dependents, id)
	sort.Slice(c.dependents, func(i, j int) bool {
		return c.dependents[i] < c.dependents[j]
	})

	return true
}

// RemoveDependent stops reporting to id.
func (c *Coordinator) RemoveDependent(id sim.GlobalID) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.removeDependent(id)
}

func (c *Coordinator) removeDependent(id sim.GlobalID) {
	for i, d := range c.dependents {
		if d == id {
			c.dependents = append(c.dependents[:i], c.dependents[i+1:]...)
			return
		}
	}
}

// Dependencies returns a copy of the dependency records.
func (c *Coordinator) Dependencies() []DependencyInfo {
	c.lock.Lock()
	defer c.lock.Unlock()

	out := make([]DependencyInfo, len(c.deps))
	for i, d := range c.deps {
		out[i] = *d
	}

	return out
}

// Dependents returns a copy of the dependent ids.
func (c *Coordinator) Dependents() []sim.GlobalID {
	c.lock.Lock()
	defer c.lock.Unlock()

	return append([]sim.GlobalID(nil), c.dependents...)
}

func (c *Coordinator) findDep(id sim.GlobalID) *DependencyInfo {
	for _, d := range c.deps {
		if d.FedID == id {
			return d
		}
	}

	return nil
}

// UpdateValueTime records that a value for time t arrived. Values at or
// before the granted time only count as iteration data.
func (c *Coordinator) UpdateValueTime(t sim.VTime) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if t <= c.granted {
		c.hasIterationData = true
		return
	}

	if t < c.timeValue {
		c.timeValue = t
		c.refresh()
	}
}

// UpdateMessageTime records that a message for time t arrived.
func (c *Coordinator) UpdateMessageTime(t sim.VTime) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if t <= c.granted {
		c.hasIterationData = true
		return
	}

	if t < c.timeMessage {
		c.timeMessage = t
		c.refresh()
	}
}

// ResetEventTimes replaces the earliest pending value and message times,
// typically after a grant consumed some of them.
func (c *Coordinator) ResetEventTimes(valueTime, messageTime sim.VTime) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.timeValue = valueTime
	c.timeMessage = messageTime
	c.refresh()
}

// EnterExec asks for exec mode.
func (c *Coordinator) EnterExec(req IterationRequest) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.mode = modeExecRequested
	c.setIterationRequest(req)
	c.sendExecRequest()
}

func (c *Coordinator) setIterationRequest(req IterationRequest) {
	c.iterReq = req
	c.iterating = req != NoIterations
	c.forced = false

	if c.iterating && int(c.iteration) >= c.config.MaxIterations {
		c.iterating = false
		c.forced = true
	}
}

func (c *Coordinator) round() uint16 {
	if c.iterating {
		return c.iteration + 1
	}

	return c.iteration
}

func (c *Coordinator) sendExecRequest() {
	for _, d := range c.dependents {
		m := message.NewFromTo(message.ActionExecRequest, c.self, d)
		m.IterationComplete = !c.iterating
		m.Counter = c.round()
		c.send(m)
	}
}

// CheckExecEntry tells if exec mode can be granted.
func (c *Coordinator) CheckExecEntry() IterationResult {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.checkExecEntry()
}

func (c *Coordinator) checkExecEntry() IterationResult {
	if c.mode != modeExecRequested {
		return Continue
	}

	k := c.round()

	for _, d := range c.deps {
		if !d.IsLive() {
			continue
		}

		switch {
		case d.State == Initialized:
			return Continue
		case d.State == ExecRequestedIterative && !c.iterating:
			return Continue
		case d.State == ExecRequestedIterative && d.Counter < k:
			return Continue
		}
	}

	if c.iterating {
		if c.iterReq == IterateIfNeeded && !c.hasIterationData {
			c.iterating = false
			c.sendExecRequest()

			return c.checkExecEntry()
		}

		c.iteration = k
		c.hasIterationData = false

		c.logger.Debug().
			Str("fed", c.self.String()).
			Int("iteration", int(k)).
			Msg("exec iteration granted")

		return Iterating
	}

	c.executing = true
	c.granted = sim.ZeroTime
	c.requested = sim.ZeroTime
	c.iteration = 0
	c.hasIterationData = false
	c.mode = modeGranted
	c.sent = sentRequest{}

	for _, d := range c.dependents {
		m := message.NewFromTo(message.ActionExecGrant, c.self, d)
		m.IterationComplete = true
		c.send(m)
	}

	c.logger.Debug().Str("fed", c.self.String()).Msg("exec granted")

	if c.forced {
		return ForcedConvergence
	}

	return NextStep
}

// RequestTime asks for time t.
func (c *Coordinator) RequestTime(t sim.VTime, req IterationRequest) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.requested = t
	c.mode = modeTimeRequested
	c.setIterationRequest(req)
	c.sent.valid = false
	c.refresh()
}

// refresh recomputes the advertised times and reports changes to the
// dependents.
func (c *Coordinator) refresh() {
	if c.mode != modeTimeRequested {
		return
	}

	c.computeExec()
	c.computeNext()
	c.sendTimeRequestIfChanged()
}

func (c *Coordinator) computeExec() {
	g := c.granted

	if c.iterating {
		c.exec = g
		return
	}

	delta := c.config.TimeDelta
	exec := sim.MaxTime(c.requested, g.Add(delta))

	if !c.config.Uninterruptible {
		ev := sim.MinTime(c.timeValue, c.timeMessage)
		if ev < sim.MaxVTime {
			ev = sim.MaxTime(ev, g.Add(sim.MaxTime(delta, c.config.Lookahead)))
			exec = sim.MinTime(exec, ev)
		}
	}

	c.exec = c.alignToPeriod(exec)
}

func (c *Coordinator) alignToPeriod(t sim.VTime) sim.VTime {
	p := c.config.Period
	if p <= 0 || t >= sim.MaxVTime {
		return t
	}

	off := c.config.Offset
	if t <= off {
		return off
	}

	span := t - off
	k := span / p

	if span%p != 0 {
		k++
	}

	if k > (sim.MaxVTime-off)/p {
		return sim.MaxVTime
	}

	return off + k*p
}

func (c *Coordinator) computeNext() {
	allow := sim.MaxVTime
	minDe := sim.MaxVTime
	minFed := sim.InvalidID
	minminDe := sim.MaxVTime

	for _, d := range c.deps {
		if !d.IsLive() {
			continue
		}

		allow = sim.MinTime(allow, d.Next)

		if d.Te < minDe {
			minDe = d.Te
			minFed = d.FedID
		}

		if d.MinFed != c.self {
			minminDe = sim.MinTime(minminDe, d.MinDe)
		}
	}

	minminDe = sim.MinTime(minminDe, minDe)

	g := c.granted

	np := g
	if !c.iterating {
		np = sim.MaxTime(g.Add(c.config.TimeDelta),
			sim.MinTime(c.exec, sim.MaxTime(allow, minminDe)))
	}

	c.next = np.Add(c.config.Lookahead)
	c.te = c.exec.Add(c.config.Lookahead)
	c.tdemin = minDe
	c.minFed = minFed
}

func (c *Coordinator) sendTimeRequestIfChanged() {
	now := sentRequest{
		valid:     true,
		next:      c.next,
		te:        c.te,
		tdemin:    c.tdemin,
		minFed:    c.minFed,
		iterating: c.iterating,
		counter:   c.round(),
	}

	if now == c.sent {
		return
	}

	c.sent = now

	for _, d := range c.dependents {
		m := message.NewFromTo(message.ActionTimeRequest, c.self, d)
		m.Time = c.next
		m.IterationComplete = !c.iterating
		m.Counter = now.counter

		info := m.Info()
		info.EventTime = c.te
		info.MinDeTime = c.tdemin
		info.MinFed = c.minFed

		c.send(m)
	}
}

// CheckTimeGrant tells if the pending time request can be granted.
func (c *Coordinator) CheckTimeGrant() IterationResult {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.mode != modeTimeRequested {
		return Continue
	}

	if c.iterating {
		if !c.iterationReady() {
			return Continue
		}

		if c.iterReq == IterateIfNeeded && !c.hasIterationData {
			c.iterating = false
			c.refresh()
		} else {
			c.iteration = c.round()
			c.hasIterationData = false
			c.mode = modeGranted

			c.logger.Debug().
				Str("fed", c.self.String()).
				Str("time", c.granted.String()).
				Int("iteration", int(c.iteration)).
				Msg("iteration granted")

			return Iterating
		}
	}

	for _, d := range c.deps {
		if !d.IsLive() {
			continue
		}

		if d.Next < c.exec {
			return Continue
		}

		if d.Next == c.exec &&
			(!d.Converged() || c.config.WaitForCurrentTimeUpdate) {
			return Continue
		}
	}

	return c.grant()
}

func (c *Coordinator) iterationReady() bool {
	k := c.round()

	for _, d := range c.deps {
		if !d.IsLive() || d.Next > c.granted {
			continue
		}

		if !d.Converged() && d.Counter < k {
			return false
		}
	}

	return true
}

func (c *Coordinator) grant() IterationResult {
	c.granted = c.exec
	c.iteration = 0
	c.hasIterationData = false
	c.mode = modeGranted
	c.timeValue = sim.MaxVTime
	c.timeMessage = sim.MaxVTime
	c.sent = sentRequest{}

	for _, d := range c.dependents {
		m := message.NewFromTo(message.ActionTimeGrant, c.self, d)
		m.Time = c.granted
		m.IterationComplete = true
		c.send(m)
	}

	c.logger.Debug().
		Str("fed", c.self.String()).
		Str("time", c.granted.String()).
		Msg("time granted")

	switch {
	case c.granted >= sim.MaxVTime:
		return Halted
	case c.forced:
		return ForcedConvergence
	}

	return NextStep
}

// ProcessMessage applies a timing command from a dependency or dependent.
// It returns true if the command changed the coordinator state.
func (c *Coordinator) ProcessMessage(m *message.ActionMessage) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	switch m.Action {
	case message.ActionAddDependency:
		return c.addDependency(m.SourceID)
	case message.ActionRemoveDependency:
		c.removeDependency(m.SourceID)
		return true
	case message.ActionAddDependent:
		return c.addDependent(m.SourceID)
	case message.ActionRemoveDependent:
		c.removeDependent(m.SourceID)
		return true
	}

	if m.Action.IsDisconnectCommand() || m.Action == message.ActionError {
		c.removeDependent(m.SourceID)
	}

	d := c.findDep(m.SourceID)
	if d == nil || !d.update(m) {
		return false
	}

	c.refresh()

	return true
}

// Disconnect tells every dependency and dependent that the federate left.
func (c *Coordinator) Disconnect() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.disconnectWith(message.ActionDisconnect)
}

// Errored tells every dependency and dependent that the federate failed.
func (c *Coordinator) Errored() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.disconnectWith(message.ActionError)
}

func (c *Coordinator) disconnectWith(action message.Action) {
	if c.mode == modeDisconnected {
		return
	}

	c.mode = modeDisconnected

	targets := make(map[sim.GlobalID]bool)
	for _, d := range c.deps {
		targets[d.FedID] = true
	}

	for _, d := range c.dependents {
		targets[d] = true
	}

	ids := make([]sim.GlobalID, 0, len(targets))
	for id := range targets {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		m := message.NewFromTo(action, c.self, id)
		m.Time = sim.MaxVTime
		c.send(m)
	}
}

// State is a snapshot of the coordinator for queries and monitoring.
type State struct {
	Mode       string
	Granted    sim.VTime
	Requested  sim.VTime
	Next       sim.VTime
	Te         sim.VTime
	Tdemin     sim.VTime
	Iteration  int
	Iterating  bool
	Executing  bool
	Deps       []DependencyInfo
	Dependents []sim.GlobalID
}

// Snapshot returns the current state.
func (c *Coordinator) Snapshot() State {
	c.lock.Lock()
	defer c.lock.Unlock()

	deps := make([]DependencyInfo, len(c.deps))
	for i, d := range c.deps {
		deps[i] = *d
	}

	return State{
		Mode:       modeNames[c.mode],
		Granted:    c.granted,
		Requested:  c.requested,
		Next:       c.next,
		Te:         c.te,
		Tdemin:     c.tdemin,
		Iteration:  int(c.iteration),
		Iterating:  c.iterating,
		Executing:  c.executing,
		Deps:       deps,
		Dependents: append([]sim.GlobalID(nil), c.dependents...),
	}
}
