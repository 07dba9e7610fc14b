// Package broker implements the routers that connect cores into a tree. The
// root broker assigns global ids, matches interfaces by key and decides when
// the federation initializes. Other brokers forward toward the root.
package broker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sarchlab/cosim/handles"
	"github.com/sarchlab/cosim/message"
	"github.com/sarchlab/cosim/routing"
	"github.com/sarchlab/cosim/sim"
	"github.com/sarchlab/cosim/sim/id"
	"github.com/sarchlab/cosim/transport"
	"github.com/sarchlab/cosim/transport/tcp"
)

// Builder builds brokers.
type Builder struct {
	name          string
	transport     transport.Transport
	listenAddress string
	parentAddress string
	root          bool
	gateway       bool
	minFederates  int
	tickInterval  time.Duration
	timeout       time.Duration
	logger        zerolog.Logger
}

// MakeBuilder returns a Builder for a root broker with the default
// parameters.
func MakeBuilder() Builder {
	return Builder{
		root:         true,
		minFederates: 1,
		tickInterval: routing.DefaultTickInterval,
		timeout:      routing.DefaultTimeout,
		logger:       zerolog.Nop(),
	}
}

// WithName sets the name of the broker.
func (b Builder) WithName(name string) Builder {
	b.name = name
	return b
}

// WithTransport sets the transport.
func (b Builder) WithTransport(t transport.Transport) Builder {
	b.transport = t
	return b
}

// WithListenAddress makes the broker accept TCP children on address. It is
// ignored when a transport is given.
func (b Builder) WithListenAddress(address string) Builder {
	b.listenAddress = address
	return b
}

// WithParentAddress makes the broker a TCP child of the broker at address.
func (b Builder) WithParentAddress(address string) Builder {
	b.parentAddress = address
	b.root = false

	return b
}

// WithRoot sets whether the broker is the root of the federation.
func (b Builder) WithRoot(root bool) Builder {
	b.root = root
	return b
}

// WithGateway makes a non-root broker present forwarded logs and queries as
// its own.
func (b Builder) WithGateway(gateway bool) Builder {
	b.gateway = gateway
	return b
}

// WithMinFederates sets how many federates the root waits for before it
// grants initialization.
func (b Builder) WithMinFederates(n int) Builder {
	b.minFederates = n
	return b
}

// WithTickInterval sets how often the parent connection is checked.
func (b Builder) WithTickInterval(d time.Duration) Builder {
	b.tickInterval = d
	return b
}

// WithTimeout sets how long the parent may stay silent.
func (b Builder) WithTimeout(d time.Duration) Builder {
	b.timeout = d
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(l zerolog.Logger) Builder {
	b.logger = l
	return b
}

// Build creates the broker. It does not connect.
func (b Builder) Build() *CoreBroker {
	name := b.name
	if name == "" {
		name = "broker_" + id.NewParallelGenerator().Generate()
	}

	t := b.transport
	if t == nil {
		t = tcp.MakeBuilder().
			WithListenAddress(b.listenAddress).
			WithParent(b.parentAddress).
			WithLogger(b.logger).
			Build()
	}

	br := &CoreBroker{
		minFederates:   b.minFederates,
		gateway:        b.gateway && !b.root,
		handles:        handles.NewHandleTable(),
		children:       make(map[sim.GlobalID]*child),
		routers:        make(map[string]sim.GlobalID),
		federates:      make(map[string]sim.GlobalID),
		fedNames:       make(map[sim.GlobalID]string),
		pendingRouters: make(map[string][]sim.RouteID),
		pendingFeds:    make(map[string][]sim.GlobalID),
		pendingSubs:    make(map[string][]*handles.BasicHandleInfo),
		pendingTargets: make(map[string][]filterTarget),
		finalFilters:   make(map[sim.GlobalHandle]sim.GlobalHandle),
		dstOperators:   make(map[sim.GlobalHandle]sim.GlobalHandle),
		clique:         make(map[sim.GlobalID]bool),
		gatewayQueries: make(map[int32]forwardedQuery),
	}

	br.logger = b.logger.With().
		Str("component", "broker").
		Str("name", name).
		Logger()

	rb := routing.MakeBuilder().
		WithTransport(t).
		WithLogger(b.logger).
		WithTickInterval(b.tickInterval).
		WithTimeout(b.timeout)

	if b.root {
		rb = rb.AsRoot()
	}

	br.Base = rb.Build(name, br)

	return br
}

type child struct {
	name          string
	id            sim.GlobalID
	route         sim.RouteID
	initRequested bool
	disconnected  bool
	errored       bool
}

func (c *child) isActive() bool {
	return !c.disconnected && !c.errored
}

type filterTarget struct {
	filter      *handles.BasicHandleInfo
	traits      uint16
	destination bool
}

type forwardedQuery struct {
	source sim.GlobalID
	id     int32
}

// CoreBroker routes commands between its children and its parent. All its
// state is owned by the router goroutine.
type CoreBroker struct {
	*routing.Base

	logger       zerolog.Logger
	minFederates int
	gateway      bool

	handles *handles.HandleTable

	// viewLock guards the writes of children, order, routers and
	// federates, so that Snapshot may read them.
	viewLock  sync.RWMutex
	children  map[sim.GlobalID]*child
	order     []sim.GlobalID
	routers   map[string]sim.GlobalID
	federates map[string]sim.GlobalID
	fedNames  map[sim.GlobalID]string

	// Registrations waiting for an ack from above, in arrival order per
	// name.
	pendingRouters map[string][]sim.RouteID
	pendingFeds    map[string][]sim.GlobalID
	heldRouters    []*message.ActionMessage

	pendingSubs    map[string][]*handles.BasicHandleInfo
	pendingTargets map[string][]filterTarget
	finalFilters   map[sim.GlobalHandle]sim.GlobalHandle
	dstOperators   map[sim.GlobalHandle]sim.GlobalHandle
	clique         map[sim.GlobalID]bool
	cliqueOrder    []sim.GlobalID

	nextFederate int32
	nextRouter   int32
	numPending   int

	initSent    bool
	initGranted bool
	leaving     bool

	queryIDs       id.Sequence
	gatewayQueries map[int32]forwardedQuery
}

// Connect connects the transport and starts the processing goroutine. A
// non-root broker also registers with its parent.
func (b *CoreBroker) Connect(ctx context.Context) error {
	if err := b.Base.Connect(ctx); err != nil {
		return err
	}

	b.Start()

	if b.IsRoot() {
		b.SetState(routing.Connected)
		b.logger.Info().Str("address", b.Transport().Address()).Msg("root broker listening")

		return nil
	}

	reg := message.NewFromTo(message.ActionRegBroker, sim.InvalidID, sim.ParentID)
	reg.Info().Source = b.Name()
	b.SendToParent(reg)

	b.logger.Info().Msg("broker connecting")

	return nil
}

// WaitForDisconnect blocks until the processing goroutine exited.
func (b *CoreBroker) WaitForDisconnect(ctx context.Context) error {
	select {
	case <-b.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Terminate stops the whole subtree. Every federate below the broker
// receives Stop.
func (b *CoreBroker) Terminate() {
	b.AddActionMessage(message.NewFromTo(
		message.ActionTerminateImmediately, sim.ParentID, b.GlobalID()))
}

// HandleTable returns the interfaces known to the broker.
func (b *CoreBroker) HandleTable() *handles.HandleTable {
	return b.handles
}

// ProcessPriorityCommand handles priority commands on the router goroutine.
func (b *CoreBroker) ProcessPriorityCommand(m *message.ActionMessage) {
	switch m.Action {
	case message.ActionRegBroker:
		b.processRegBroker(m)
	case message.ActionBrokerAck:
		b.processBrokerAck(m)
	case message.ActionRegFed:
		b.processRegFed(m)
	case message.ActionFedAck:
		b.processFedAck(m)
	case message.ActionQuery, message.ActionBrokerQuery:
		b.processQuery(m)
	case message.ActionQueryReply:
		b.processQueryReply(m)
	default:
		b.route(m)
	}
}

// ProcessCommand handles regular commands on the router goroutine.
func (b *CoreBroker) ProcessCommand(m *message.ActionMessage) {
	switch m.Action {
	case message.ActionRegPub, message.ActionRegSub, message.ActionRegEnd,
		message.ActionRegSrcFilter, message.ActionRegDstFilter:
		b.processRegistration(m)
	case message.ActionInit:
		b.processInit(m)
	case message.ActionInitNotReady:
		b.processInitNotReady(m)
	case message.ActionInitGrant:
		b.processInitGrant()
	case message.ActionSendMessage:
		b.processSendMessage(m)
	case message.ActionDisconnect:
		b.processDisconnect(m)
	case message.ActionError:
		b.processError(m)
	case message.ActionLog, message.ActionWarning:
		b.processLog(m)
	case message.ActionStop, message.ActionTerminateImmediately:
		b.processStop(m)
	default:
		b.route(m)
	}
}

// OnError tells the children that the broker failed and stops the
// processing goroutine.
func (b *CoreBroker) OnError(err error) {
	for _, c := range b.children {
		if !c.isActive() {
			continue
		}

		m := message.NewFromTo(message.ActionError, b.GlobalID(), c.id)
		m.Payload = []byte(err.Error())
		b.Transmit(c.route, m)
	}

	b.RequestStop()
}

// isForMe tells if m is addressed to this broker, either directly or as the
// parent of its sender.
func (b *CoreBroker) isForMe(m *message.ActionMessage) bool {
	switch m.DestID {
	case b.GlobalID(), sim.ParentID:
		return true
	case sim.RootBrokerID:
		return b.IsRoot()
	}

	return false
}

func (b *CoreBroker) route(m *message.ActionMessage) {
	if m.DestID == sim.ParentID && b.IsRoot() {
		b.Drop(m, "root has no parent")
		return
	}

	b.RouteMessage(m)
}

// forward sends m toward the root. In gateway mode, logs and warnings are
// presented as the broker's own. Errors keep their source since the root
// tracks routers by it.
func (b *CoreBroker) forward(m *message.ActionMessage) {
	if b.gateway {
		switch m.Action {
		case message.ActionLog, message.ActionWarning:
			m.SourceID = b.GlobalID()
		}
	}

	b.SendToParent(m)
}

func (b *CoreBroker) childOf(route sim.RouteID) *child {
	for _, c := range b.children {
		if c.route == route {
			return c
		}
	}

	return nil
}

func (b *CoreBroker) activeChildren() []*child {
	var out []*child

	for _, gid := range b.order {
		if c := b.children[gid]; c.isActive() {
			out = append(out, c)
		}
	}

	return out
}

// Snapshot is the monitoring view of a broker.
type Snapshot struct {
	Router    routing.Snapshot
	Children  []string
	Federates int
	Handles   int

	// Pending counts the subscriptions waiting for a publication.
	Pending int
}

// Snapshot returns the current view of the broker.
func (b *CoreBroker) Snapshot() Snapshot {
	s := Snapshot{
		Router:  b.BaseSnapshot(),
		Handles: b.handles.Len(),
	}

	b.viewLock.RLock()
	defer b.viewLock.RUnlock()

	for _, gid := range b.order {
		s.Children = append(s.Children, b.children[gid].name)
	}

	s.Federates = len(b.federates)
	s.Pending = b.numPending

	return s
}
