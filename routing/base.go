// Package routing provides the router shared by cores and brokers: a
// priority command queue drained by one goroutine, a route table, and a
// tick and ping watchdog on the parent connection.
package routing

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sarchlab/cosim/message"
	"github.com/sarchlab/cosim/sim"
	"github.com/sarchlab/cosim/sim/hooking"
	"github.com/sarchlab/cosim/sim/queueing"
	"github.com/sarchlab/cosim/transport"
)

// HookPosRoute marks a command handed to the transport. The detail is the
// sim.RouteID.
var HookPosRoute = &hooking.HookPos{Name: "Route"}

// HookPosDrop marks a command that could not be routed. The detail is the
// reason.
var HookPosDrop = &hooking.HookPos{Name: "Drop"}

// HookPosError marks the router entering its error state. The detail is the
// error.
var HookPosError = &hooking.HookPos{Name: "Router Error"}

// HookPosProcess marks a command taken from the queue, before it is
// processed.
var HookPosProcess = &hooking.HookPos{Name: "Process"}

// Default watchdog timing.
const (
	DefaultTickInterval = 5 * time.Second
	DefaultTimeout      = 30 * time.Second
)

// A Handler processes the commands that the Base does not consume itself.
// ProcessCommand and ProcessPriorityCommand run on the router goroutine.
// OnError may run on any goroutine.
type Handler interface {
	ProcessCommand(m *message.ActionMessage)
	ProcessPriorityCommand(m *message.ActionMessage)
	OnError(err error)
}

// Builder builds router bases.
type Builder struct {
	transport    transport.Transport
	logger       zerolog.Logger
	tickInterval time.Duration
	timeout      time.Duration
	stallWarning time.Duration
	root         bool
}

// MakeBuilder returns a Builder with the default watchdog timing.
func MakeBuilder() Builder {
	return Builder{
		logger:       zerolog.Nop(),
		tickInterval: DefaultTickInterval,
		timeout:      DefaultTimeout,
	}
}

// WithTransport sets the transport.
func (b Builder) WithTransport(t transport.Transport) Builder {
	b.transport = t
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(l zerolog.Logger) Builder {
	b.logger = l
	return b
}

// WithTickInterval sets how often the watchdog runs. Zero disables it.
func (b Builder) WithTickInterval(d time.Duration) Builder {
	b.tickInterval = d
	return b
}

// WithTimeout sets how long a ping may stay unanswered.
func (b Builder) WithTimeout(d time.Duration) Builder {
	b.timeout = d
	return b
}

// WithStallWarning makes the queue report pops that wait longer than d.
func (b Builder) WithStallWarning(d time.Duration) Builder {
	b.stallWarning = d
	return b
}

// AsRoot makes the router the root of the tree. The root has no parent and
// owns RootBrokerID.
func (b Builder) AsRoot() Builder {
	b.root = true
	return b
}

// Build creates a Base that hands commands to h.
func (b Builder) Build(name string, h Handler) *Base {
	if b.transport == nil {
		panic("router requires a transport")
	}

	r := &Base{
		name:         name,
		handler:      h,
		transport:    b.transport,
		tickInterval: b.tickInterval,
		timeout:      b.timeout,
		isRoot:       b.root,
		done:         make(chan struct{}),
		queue: queueing.BlockingQueueBuilder[*message.ActionMessage]{}.
			WithStallWarning(b.stallWarning).
			BuildPriority(name + ".queue"),
	}

	r.logger = b.logger.With().
		Str("component", "router").
		Str("name", name).
		Logger()

	empty := make(map[sim.GlobalID]sim.RouteID)
	r.routes.Store(&empty)

	r.globalID.Store(int32(sim.InvalidID))
	if b.root {
		r.globalID.Store(int32(sim.RootBrokerID))
	}

	r.transport.SetReceiver(r.AddActionMessage)

	return r
}

// Base is the routing and dispatch machinery of a core or broker.
type Base struct {
	hooking.HookableBase

	name      string
	handler   Handler
	transport transport.Transport
	logger    zerolog.Logger
	isRoot    bool

	tickInterval time.Duration
	timeout      time.Duration

	queue    *queueing.PriorityBlockingQueue[*message.ActionMessage]
	globalID atomic.Int32
	state    atomic.Int32

	routeLock sync.Mutex
	routes    atomic.Pointer[map[sim.GlobalID]sim.RouteID]
	nextRoute sim.RouteID

	delayLock sync.Mutex
	delayed   []*message.ActionMessage

	lastContact     time.Time
	pingSent        time.Time
	pingOutstanding bool

	startOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	done      chan struct{}
}

// Name returns the name of the router.
func (b *Base) Name() string {
	return b.name
}

// Logger returns the router logger.
func (b *Base) Logger() *zerolog.Logger {
	return &b.logger
}

// Transport returns the transport.
func (b *Base) Transport() transport.Transport {
	return b.transport
}

// IsRoot tells if the router is the root of the tree.
func (b *Base) IsRoot() bool {
	return b.isRoot
}

// GlobalID returns the id assigned by the parent, or sim.InvalidID.
func (b *Base) GlobalID() sim.GlobalID {
	return sim.GlobalID(b.globalID.Load())
}

// SetGlobalID records the id assigned by the parent and flushes the
// commands held back until then.
func (b *Base) SetGlobalID(id sim.GlobalID) {
	b.globalID.Store(int32(id))

	b.delayLock.Lock()
	delayed := b.delayed
	b.delayed = nil
	b.delayLock.Unlock()

	for _, m := range delayed {
		if m.SourceID == sim.InvalidID {
			m.SourceID = id
		}

		b.Transmit(sim.ParentRoute, m)
	}
}

// State returns the lifecycle state.
func (b *Base) State() State {
	return State(b.state.Load())
}

// SetState moves the router to s.
func (b *Base) SetState(s State) {
	b.state.Store(int32(s))
}

// CompareAndSwapState moves the router from old to s if it is in old.
func (b *Base) CompareAndSwapState(old, s State) bool {
	return b.state.CompareAndSwap(int32(old), int32(s))
}

// AddActionMessage queues a command for the router goroutine. It is also the
// transport receiver and never blocks.
func (b *Base) AddActionMessage(m *message.ActionMessage) {
	if m.Action.IsPriority() {
		b.queue.PushPriority(m)
		return
	}

	b.queue.Push(m)
}

// Queue returns the command queue, for hooks and monitoring.
func (b *Base) Queue() *queueing.PriorityBlockingQueue[*message.ActionMessage] {
	return b.queue
}

// Connect connects the transport.
func (b *Base) Connect(ctx context.Context) error {
	b.SetState(Connecting)

	if err := b.transport.Connect(ctx); err != nil {
		b.SetState(Errored)

		return fmt.Errorf("%s: %w", b.name,
			sim.NewError(sim.ConnectionFailure, "%v", err))
	}

	b.lastContact = time.Now()

	return nil
}

// Start launches the router goroutine and the ticker. It may be called more
// than once.
func (b *Base) Start() {
	b.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		b.cancel = cancel

		b.wg.Add(1)
		go b.run(ctx)

		if b.tickInterval > 0 {
			b.wg.Add(1)
			go b.tickLoop(ctx)
		}
	})
}

// RequestStop makes the router goroutine exit after the current command. It
// does not wait and is safe to call from a Handler.
func (b *Base) RequestStop() {
	if b.cancel != nil {
		b.cancel()
	}
}

// Stop stops the router goroutine, disconnects the transport and waits for
// both. It must not be called from a Handler.
func (b *Base) Stop() {
	b.Start()
	b.RequestStop()
	b.wg.Wait()
}

// Done is closed once the router goroutine has exited.
func (b *Base) Done() <-chan struct{} {
	return b.done
}

func (b *Base) run(ctx context.Context) {
	defer b.wg.Done()
	defer close(b.done)
	defer b.shutdown()

	for {
		m, ok := b.queue.Pop(ctx)
		if !ok {
			return
		}

		b.dispatch(m)

		if ctx.Err() != nil {
			return
		}
	}
}

func (b *Base) shutdown() {
	if err := b.transport.Disconnect(); err != nil {
		b.logger.Warn().Err(err).Msg("transport disconnect")
	}

	if b.State() != Errored {
		b.SetState(Terminated)
	}

	b.logger.Info().Msg("router stopped")
}

func (b *Base) dispatch(m *message.ActionMessage) {
	if b.NumHooks() > 0 {
		b.InvokeHook(hooking.HookCtx{Domain: b, Pos: HookPosProcess, Item: m})
	}

	switch m.Action {
	case message.ActionTick:
		b.tick()
		return
	case message.ActionPing:
		b.replyPing(m)
		return
	case message.ActionPingReply:
		b.lastContact = time.Now()
		b.pingOutstanding = false

		return
	}

	if route, ok := transport.LostRoute(m); ok {
		b.routeLost(route, string(m.Payload))
		return
	}

	if m.Action.IsPriority() {
		b.handler.ProcessPriorityCommand(m)
		return
	}

	b.handler.ProcessCommand(m)
}

// routeLost fails the router when the parent connection went away. For a
// child route, the handler gets an Error from every router behind it.
func (b *Base) routeLost(route sim.RouteID, reason string) {
	if route == sim.ParentRoute {
		switch b.State() {
		case Terminating, Terminated, Errored:
			return
		}

		if !b.isRoot {
			b.Fail(sim.NewError(sim.ConnectionFailure,
				"lost the parent: %s", reason))
		}

		return
	}

	b.logger.Warn().Int32("route", int32(route)).Str("reason", reason).
		Msg("lost a child connection")

	for id, r := range *b.routes.Load() {
		if r != route || !id.IsBroker() {
			continue
		}

		e := message.NewFromTo(message.ActionError, id, b.GlobalID())
		e.Payload = []byte("connection lost: " + reason)
		b.handler.ProcessCommand(e)
	}
}

func (b *Base) tickLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.AddActionMessage(message.New(message.ActionTick))
		}
	}
}

func (b *Base) tick() {
	if b.isRoot || !b.GlobalID().IsValid() {
		return
	}

	switch b.State() {
	case Connected, Operating:
	default:
		return
	}

	now := time.Now()

	if b.pingOutstanding {
		if now.Sub(b.pingSent) >= b.timeout {
			b.Fail(sim.NewError(sim.ConnectionFailure,
				"parent did not answer a ping within %s", b.timeout))
		}

		return
	}

	if now.Sub(b.lastContact) < b.tickInterval {
		return
	}

	ping := message.NewFromTo(message.ActionPing, b.GlobalID(), sim.ParentID)
	b.pingOutstanding = true
	b.pingSent = now

	b.logger.Debug().Msg("ping parent")
	b.Transmit(sim.ParentRoute, ping)
}

func (b *Base) replyPing(m *message.ActionMessage) {
	reply := message.NewFromTo(message.ActionPingReply, b.GlobalID(), m.SourceID)

	route, ok := b.RouteFor(m.SourceID)
	if !ok {
		b.Drop(reply, "ping from unknown router")
		return
	}

	b.Transmit(route, reply)
}

// Fail moves the router into its error state and tells the handler. Later
// failures are ignored.
func (b *Base) Fail(err error) {
	for {
		s := b.State()
		if s == Errored || s == Terminated {
			return
		}

		if b.CompareAndSwapState(s, Errored) {
			break
		}
	}

	b.logger.Error().Err(err).Msg("router failed")

	b.InvokeHook(hooking.HookCtx{Domain: b, Pos: HookPosError, Detail: err})
	b.handler.OnError(err)
}

// NewRoute allocates a route to the peer described by info.
func (b *Base) NewRoute(info string) (sim.RouteID, error) {
	b.routeLock.Lock()
	b.nextRoute++
	route := b.nextRoute
	b.routeLock.Unlock()

	if err := b.transport.AddRoute(route, info); err != nil {
		return 0, err
	}

	return route, nil
}

// AddRoute makes commands to id go over route.
func (b *Base) AddRoute(id sim.GlobalID, route sim.RouteID) {
	b.routeLock.Lock()
	defer b.routeLock.Unlock()

	old := *b.routes.Load()
	next := make(map[sim.GlobalID]sim.RouteID, len(old)+1)

	for k, v := range old {
		next[k] = v
	}

	next[id] = route
	b.routes.Store(&next)
}

// RemoveRoute forgets the route of id.
func (b *Base) RemoveRoute(id sim.GlobalID) {
	b.routeLock.Lock()
	defer b.routeLock.Unlock()

	old := *b.routes.Load()
	if _, ok := old[id]; !ok {
		return
	}

	next := make(map[sim.GlobalID]sim.RouteID, len(old))

	for k, v := range old {
		if k != id {
			next[k] = v
		}
	}

	b.routes.Store(&next)
}

// RouteFor returns the route of id. ParentID always maps to the parent
// route.
func (b *Base) RouteFor(id sim.GlobalID) (sim.RouteID, bool) {
	if id == sim.ParentID {
		return sim.ParentRoute, !b.isRoot
	}

	route, ok := (*b.routes.Load())[id]

	return route, ok
}

// NumRoutes returns the number of known ids.
func (b *Base) NumRoutes() int {
	return len(*b.routes.Load())
}

// Transmit hands m to the transport. A failure on the parent route puts the
// router into its error state. A failure on a child route drops m.
func (b *Base) Transmit(route sim.RouteID, m *message.ActionMessage) {
	if route == sim.ParentRoute && b.isRoot {
		b.Drop(m, "root has no parent")
		return
	}

	if b.NumHooks() > 0 {
		b.InvokeHook(hooking.HookCtx{
			Domain: b,
			Pos:    HookPosRoute,
			Item:   m,
			Detail: route,
		})
	}

	b.logger.Debug().
		Int32("route", int32(route)).
		Stringer("cmd", m).
		Msg("transmit")

	action := m.Action

	if err := b.transport.Transmit(route, m); err != nil {
		if route != sim.ParentRoute {
			b.Drop(m, fmt.Sprintf("route %d failed: %v", route, err))
			return
		}

		b.Fail(fmt.Errorf("transmit %s on route %d: %w", action, route, err))
	}
}

// RouteMessage sends m toward its destination. Unknown destinations go to
// the parent, except at the root where they are dropped.
func (b *Base) RouteMessage(m *message.ActionMessage) {
	route, ok := b.RouteFor(m.DestID)
	if !ok {
		if b.isRoot {
			b.Drop(m, "unknown destination")
			return
		}

		route = sim.ParentRoute
	}

	b.Transmit(route, m)
}

// SendToParent sends m to route 0. Until the parent assigned an id, commands
// are held back and flushed by SetGlobalID.
func (b *Base) SendToParent(m *message.ActionMessage) {
	if !b.isRoot && !b.GlobalID().IsValid() &&
		m.Action != message.ActionRegBroker {
		b.delayLock.Lock()
		b.delayed = append(b.delayed, m)
		b.delayLock.Unlock()

		return
	}

	b.Transmit(sim.ParentRoute, m)
}

// NumDelayed returns the number of commands waiting for the id.
func (b *Base) NumDelayed() int {
	b.delayLock.Lock()
	defer b.delayLock.Unlock()

	return len(b.delayed)
}

// Drop discards m with a warning.
func (b *Base) Drop(m *message.ActionMessage, reason string) {
	b.logger.Warn().
		Stringer("cmd", m).
		Str("reason", reason).
		Msg("dropped command")

	if b.NumHooks() > 0 {
		b.InvokeHook(hooking.HookCtx{
			Domain: b,
			Pos:    HookPosDrop,
			Item:   m,
			Detail: reason,
		})
	}
}

// Snapshot is the monitoring view of a router.
type Snapshot struct {
	Name      string
	GlobalID  sim.GlobalID
	State     string
	Root      bool
	Address   string
	QueueSize int
	Routes    int
	Delayed   int
}

// BaseSnapshot returns the current view of the router.
func (b *Base) BaseSnapshot() Snapshot {
	return Snapshot{
		Name:      b.name,
		GlobalID:  b.GlobalID(),
		State:     b.State().String(),
		Root:      b.isRoot,
		Address:   b.transport.Address(),
		QueueSize: b.queue.Size(),
		Routes:    b.NumRoutes(),
		Delayed:   b.NumDelayed(),
	}
}
