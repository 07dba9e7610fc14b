// Package tcp connects routers over TCP. Every command travels in a frame
// whose header is protected by a CRC-8 and whose body by a CRC-32.
package tcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sarchlab/cosim/message"
	"github.com/sarchlab/cosim/sim"
	"github.com/sarchlab/cosim/transport"
	"golang.org/x/sync/errgroup"
)

// Builder builds TCP transports.
type Builder struct {
	listen      string
	parent      string
	dialTimeout time.Duration
	logger      zerolog.Logger
}

// MakeBuilder returns a Builder with a 5 second dial timeout.
func MakeBuilder() Builder {
	return Builder{
		dialTimeout: 5 * time.Second,
		logger:      zerolog.Nop(),
	}
}

// WithListenAddress makes the transport accept children on address.
func (b Builder) WithListenAddress(address string) Builder {
	b.listen = address
	return b
}

// WithParent sets the address of the parent router.
func (b Builder) WithParent(address string) Builder {
	b.parent = address
	return b
}

// WithDialTimeout sets how long dialing a peer may take.
func (b Builder) WithDialTimeout(d time.Duration) Builder {
	b.dialTimeout = d
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(l zerolog.Logger) Builder {
	b.logger = l
	return b
}

// Build creates a transport.
func (b Builder) Build() *Transport {
	return &Transport{
		listenAddr:  b.listen,
		parentAddr:  b.parent,
		dialTimeout: b.dialTimeout,
		logger:      b.logger.With().Str("component", "tcp").Logger(),
		conns:       make(map[string]*conn),
		routes:      make(map[sim.RouteID]*conn),
	}
}

type conn struct {
	key    string
	nc     net.Conn
	writeM sync.Mutex
	w      *bufio.Writer
}

func (c *conn) send(m *message.ActionMessage) error {
	c.writeM.Lock()
	defer c.writeM.Unlock()

	if err := writeFrame(c.w, m); err != nil {
		return err
	}

	return c.w.Flush()
}

// Transport is a transport.Transport over TCP.
type Transport struct {
	listenAddr  string
	parentAddr  string
	dialTimeout time.Duration
	logger      zerolog.Logger

	lock     sync.Mutex
	listener net.Listener
	conns    map[string]*conn
	routes   map[sim.RouteID]*conn
	nextConn int
	receiver transport.Receiver
	closing  bool
	group    errgroup.Group
}

var _ transport.Transport = (*Transport)(nil)

// SetReceiver sets the callback for incoming commands.
func (t *Transport) SetReceiver(r transport.Receiver) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.receiver = r
}

// Address returns the listening address, or "" when not listening.
func (t *Transport) Address() string {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.listener == nil {
		return ""
	}

	return t.listener.Addr().String()
}

// Connect starts listening and dials the parent, as configured.
func (t *Transport) Connect(ctx context.Context) error {
	if t.listenAddr != "" {
		l, err := net.Listen("tcp", t.listenAddr)
		if err != nil {
			return sim.NewError(sim.ConnectionFailure, "listen %s: %v", t.listenAddr, err)
		}

		t.lock.Lock()
		t.listener = l
		t.lock.Unlock()

		t.group.Go(func() error { return t.acceptLoop(l) })

		t.logger.Info().Str("address", l.Addr().String()).Msg("listening")
	}

	if t.parentAddr != "" {
		c, err := t.dial(ctx, t.parentAddr)
		if err != nil {
			_ = t.Disconnect()
			return err
		}

		t.lock.Lock()
		t.routes[sim.ParentRoute] = c
		t.lock.Unlock()
	}

	return nil
}

func (t *Transport) dial(ctx context.Context, address string) (*conn, error) {
	d := net.Dialer{Timeout: t.dialTimeout}

	nc, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, sim.NewError(sim.ConnectionFailure, "dial %s: %v", address, err)
	}

	return t.adopt(nc, address)
}

func (t *Transport) adopt(nc net.Conn, key string) (*conn, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.closing {
		nc.Close()
		return nil, sim.NewError(sim.ConnectionFailure, "transport is closing")
	}

	if key == "" {
		key = fmt.Sprintf("conn:%d", t.nextConn)
		t.nextConn++
	}

	c := &conn{key: key, nc: nc, w: bufio.NewWriter(nc)}
	t.conns[key] = c

	t.group.Go(func() error { return t.readLoop(c) })

	return c, nil
}

func (t *Transport) acceptLoop(l net.Listener) error {
	for {
		nc, err := l.Accept()
		if err != nil {
			if t.isClosing() {
				return nil
			}

			return err
		}

		if _, err := t.adopt(nc, ""); err != nil {
			return nil
		}
	}
}

func (t *Transport) isClosing() bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.closing
}

func (t *Transport) readLoop(c *conn) error {
	r := bufio.NewReader(c.nc)

	for {
		m, err := readFrame(r)
		if err != nil {
			return t.handleReadError(c, err)
		}

		if m.Action == message.ActionRegBroker {
			m.Info().Target = c.key
		}

		t.lock.Lock()
		recv := t.receiver
		t.lock.Unlock()

		if recv != nil {
			recv(m)
		}
	}
}

func (t *Transport) handleReadError(c *conn, err error) error {
	c.nc.Close()

	t.lock.Lock()
	delete(t.conns, c.key)
	closing := t.closing
	recv := t.receiver

	var lost []sim.RouteID

	if !closing {
		for route, rc := range t.routes {
			if rc == c {
				lost = append(lost, route)
				delete(t.routes, route)
			}
		}
	}
	t.lock.Unlock()

	if recv != nil {
		for _, route := range lost {
			recv(transport.LostConnection(route, err))
		}
	}

	if closing || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		t.logger.Debug().Str("conn", c.key).Msg("connection closed")
		return nil
	}

	t.logger.Warn().Err(err).Str("conn", c.key).Msg("connection failed")

	return err
}

// AddRoute binds a route to an accepted connection key or, failing that,
// to a freshly dialed address.
func (t *Transport) AddRoute(route sim.RouteID, info string) error {
	t.lock.Lock()
	c, ok := t.conns[info]
	t.lock.Unlock()

	if !ok {
		ctx, cancel := context.WithTimeout(context.Background(), t.dialTimeout)
		defer cancel()

		var err error

		c, err = t.dial(ctx, info)
		if err != nil {
			return err
		}
	}

	t.lock.Lock()
	t.routes[route] = c
	t.lock.Unlock()

	return nil
}

// RemoveRoute forgets a route. The connection stays open.
func (t *Transport) RemoveRoute(route sim.RouteID) {
	t.lock.Lock()
	defer t.lock.Unlock()

	delete(t.routes, route)
}

// Transmit writes m to the connection of the route.
func (t *Transport) Transmit(route sim.RouteID, m *message.ActionMessage) error {
	t.lock.Lock()
	c, ok := t.routes[route]
	t.lock.Unlock()

	if !ok {
		return sim.NewError(sim.ConnectionFailure, "no route %d", route)
	}

	if err := c.send(m); err != nil {
		return sim.NewError(sim.ConnectionFailure, "send on %s: %v", c.key, err)
	}

	return nil
}

// Disconnect closes the listener and every connection and waits for the
// goroutines to finish.
func (t *Transport) Disconnect() error {
	t.lock.Lock()
	if t.closing {
		t.lock.Unlock()
		return nil
	}

	t.closing = true

	if t.listener != nil {
		t.listener.Close()
	}

	for _, c := range t.conns {
		c.nc.Close()
	}
	t.lock.Unlock()

	return t.group.Wait()
}
