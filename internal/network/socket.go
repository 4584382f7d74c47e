// Package network implements the Socket abstraction: a bounded set of
// clients over a TCP or UDP transport, polled for events that are delivered
// to typed handlers.
package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/exoengine/exocore/internal/message"
)

// EventMask selects which events a PollEvent call handles. Events outside
// the mask stay queued for a later poll.
type EventMask uint8

const (
	AllowConnections EventMask = 1 << iota
	AllowRead
	// AllowWrite delivers message sent notifications queued by Send.
	AllowWrite

	AllowAll = AllowConnections | AllowRead | AllowWrite
)

const (
	// DefaultMaxClients is the client capacity of a socket.
	DefaultMaxClients = 16
	// DefaultPollTimeout is how long PollEvent waits for a first event.
	DefaultPollTimeout = 10 * time.Millisecond
	// DefaultDialTimeout bounds Connect.
	DefaultDialTimeout = 5 * time.Second
	// DefaultWriteTimeout bounds a single Send.
	DefaultWriteTimeout = 10 * time.Second

	eventBacklog = 1024
)

var (
	ErrAlreadyBound     = errors.New("socket already bound")
	ErrNotBound         = errors.New("socket not bound")
	ErrInvalidPort      = errors.New("invalid port")
	ErrAlreadyConnected = errors.New("client already added")
	ErrUnknownClient    = errors.New("client not owned by socket")
	ErrSocketFull       = errors.New("socket client set full")
	ErrClosed           = errors.New("socket closed")
)

type options struct {
	maxClients   int
	pollTimeout  time.Duration
	dialTimeout  time.Duration
	writeTimeout time.Duration
	host         string
	logger       *zerolog.Logger
}

// Option configures a Socket.
type Option func(*options)

// WithMaxClients sets the client capacity.
func WithMaxClients(n int) Option {
	return func(o *options) { o.maxClients = n }
}

// WithPollTimeout sets how long PollEvent waits for a first event.
func WithPollTimeout(d time.Duration) Option {
	return func(o *options) { o.pollTimeout = d }
}

// WithDialTimeout bounds Connect.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithWriteTimeout bounds each Send.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) { o.writeTimeout = d }
}

// WithBindHost restricts Bind to one interface. The default is all.
func WithBindHost(host string) Option {
	return func(o *options) { o.host = host }
}

// WithLogger sets the socket logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

// Socket owns a bounded set of clients over one transport. Transport
// goroutines queue raw events; PollEvent applies them to the client set and
// then runs the handlers, never while holding the socket lock.
type Socket struct {
	mu       sync.Mutex
	tr       transport
	clients  *clientSet
	handlers handlers
	bound    bool
	port     uint16
	timeout  time.Duration
	pending  []event
	data     any
	closed   bool

	events chan event
	done   chan struct{}

	opts   options
	logger zerolog.Logger
}

// NewSocket creates an unbound socket of the given kind.
func NewSocket(kind Kind, opts ...Option) *Socket {
	o := options{
		maxClients:   DefaultMaxClients,
		pollTimeout:  DefaultPollTimeout,
		dialTimeout:  DefaultDialTimeout,
		writeTimeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxClients < 1 {
		o.maxClients = 1
	}

	var tr transport
	switch kind {
	case UDP:
		tr = &udpTransport{}
	default:
		tr = &tcpTransport{}
	}

	logger := log.With().Str("component", "socket").Str("transport", tr.Kind().String()).Logger()
	if o.logger != nil {
		logger = *o.logger
	}

	return &Socket{
		tr:      tr,
		clients: newClientSet(o.maxClients),
		timeout: o.pollTimeout,
		events:  make(chan event, eventBacklog),
		done:    make(chan struct{}),
		opts:    o,
		logger:  logger,
	}
}

// NewTCPSocket creates a TCP socket.
func NewTCPSocket(opts ...Option) *Socket { return NewSocket(TCP, opts...) }

// NewUDPSocket creates a UDP socket.
func NewUDPSocket(opts ...Option) *Socket { return NewSocket(UDP, opts...) }

// Handle installs h for every event interface it implements and returns
// the number of events it now handles.
func (s *Socket) Handle(h any) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers.register(h)
}

// ClearHandlers removes every handler.
func (s *Socket) ClearHandlers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = handlers{}
}

// Kind returns the transport kind.
func (s *Socket) Kind() Kind { return s.tr.Kind() }

// MaxClients returns the client capacity.
func (s *Socket) MaxClients() int { return s.opts.maxClients }

// SetTimeout sets how long PollEvent waits for a first event. Zero makes
// PollEvent non-blocking.
func (s *Socket) SetTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = d
}

// IsBound reports whether the socket is listening.
func (s *Socket) IsBound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

// Port returns the bound port, or 0.
func (s *Socket) Port() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Clients returns the clients in registration order.
func (s *Socket) Clients() []*Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients.all()
}

// ClientCount returns the number of clients.
func (s *Socket) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients.len()
}

// AttachData stores caller data on the socket.
func (s *Socket) AttachData(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = v
}

// Data returns the attached caller data.
func (s *Socket) Data() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// ParsePort parses a decimal port number.
func ParsePort(port string) (uint16, error) {
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("port %q: %w", port, ErrInvalidPort)
	}
	return uint16(n), nil
}

// Bind starts listening on port. Port 0 picks an ephemeral port, see Port.
func (s *Socket) Bind(port uint16) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.bound {
		s.mu.Unlock()
		return fmt.Errorf("bind %d: %w", port, ErrAlreadyBound)
	}
	actual, err := s.tr.Listen(s.opts.host, port, s.deliver)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.bound = true
	s.port = actual
	call := s.onBound(actual)
	s.mu.Unlock()

	s.logger.Info().Uint16("port", actual).Msg("socket bound")
	dispatch([]func(){call})
	return nil
}

// BindString is Bind with a decimal port string.
func (s *Socket) BindString(port string) error {
	p, err := ParsePort(port)
	if err != nil {
		return err
	}
	return s.Bind(p)
}

// Unbind stops listening. UDP clients inferred from the bound socket are
// removed with it; TCP clients keep their own connections.
func (s *Socket) Unbind() error {
	s.mu.Lock()
	if !s.bound {
		s.mu.Unlock()
		return ErrNotBound
	}
	err := s.tr.Unlisten()
	port := s.port
	s.bound = false
	s.port = 0

	var calls []func()
	if s.tr.Kind() == UDP {
		for _, c := range s.clients.all() {
			if c.inbound {
				s.clients.remove(c)
				_ = c.close()
				calls = append(calls, s.onClientRemoved(c))
			}
		}
	}
	calls = append(calls, s.onUnbound(port))
	s.mu.Unlock()

	s.logger.Info().Uint16("port", port).Msg("socket unbound")
	dispatch(calls)
	if err != nil {
		return fmt.Errorf("failed to unbind port %d: %w", port, err)
	}
	return nil
}

// Connect dials address:port and adds the resulting client.
func (s *Socket) Connect(address string, port uint16) (*Client, error) {
	target, err := s.tr.Resolve(net.JoinHostPort(address, strconv.Itoa(int(port))))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.clients.findByAddress(target) != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("connect %s: %w", target, ErrAlreadyConnected)
	}
	if s.clients.len() >= s.opts.maxClients {
		s.mu.Unlock()
		return nil, fmt.Errorf("connect %s: %w", target, ErrSocketFull)
	}
	s.mu.Unlock()

	ep, err := s.tr.Dial(target, s.opts.dialTimeout)
	if err != nil {
		return nil, err
	}

	c := newClient(s.tr.Kind(), ep, false)
	s.mu.Lock()
	if err := s.clients.add(c); err != nil {
		s.mu.Unlock()
		ep.Close()
		return nil, fmt.Errorf("connect %s: %w", target, err)
	}
	s.startReader(c)
	call := s.onClientAdded(c)
	s.mu.Unlock()

	s.logger.Debug().Str("remote", c.Address()).Msg("client connected")
	dispatch([]func(){call})
	return c, nil
}

// ConnectString is Connect with a decimal port string.
func (s *Socket) ConnectString(address, port string) (*Client, error) {
	p, err := ParsePort(port)
	if err != nil {
		return nil, err
	}
	return s.Connect(address, p)
}

// Disconnect closes a client and removes it from the socket.
func (s *Socket) Disconnect(c *Client) error {
	if c == nil {
		return ErrUnknownClient
	}
	s.mu.Lock()
	if !s.clients.remove(c) {
		s.mu.Unlock()
		return fmt.Errorf("disconnect %s: %w", c.Address(), ErrUnknownClient)
	}
	err := c.close()
	call := s.onClientRemoved(c)
	s.mu.Unlock()

	s.logger.Debug().Str("remote", c.Address()).Msg("client disconnected")
	dispatch([]func(){call})
	return err
}

// DisconnectIdle disconnects clients without activity for longer than
// timeout and returns how many were removed.
func (s *Socket) DisconnectIdle(timeout time.Duration) int {
	cutoff := time.Now().Add(-timeout)

	s.mu.Lock()
	var calls []func()
	for _, c := range s.clients.all() {
		if c.LastActivity().Before(cutoff) {
			s.clients.remove(c)
			_ = c.close()
			calls = append(calls, s.onClientRemoved(c))
			s.logger.Warn().
				Str("remote", c.Address()).
				Time("last_activity", c.LastActivity()).
				Msg("disconnected idle client")
		}
	}
	s.mu.Unlock()

	dispatch(calls)
	return len(calls)
}

// Send writes m to c in one call. A failed or partial write is reported to
// the client error handler right away and is not retried. A completed write
// is queued for the message sent handler, which runs on the next PollEvent
// allowing AllowWrite. The returned error only covers misuse such as a
// client not owned by the socket.
func (s *Socket) Send(c *Client, m *message.Message) error {
	if c == nil {
		return ErrUnknownClient
	}
	s.mu.Lock()
	if !s.clients.contains(c) {
		s.mu.Unlock()
		return fmt.Errorf("send to %s: %w", c.Address(), ErrUnknownClient)
	}
	s.mu.Unlock()

	data := m.Bytes()
	n, err := c.write(data, s.opts.writeTimeout)

	if err != nil {
		s.mu.Lock()
		call := s.onClientError(c, fmt.Errorf("wrote %d of %d bytes: %w", n, len(data), err))
		s.mu.Unlock()
		dispatch([]func(){call})
		return nil
	}

	s.mu.Lock()
	if !s.closed {
		s.pending = append(s.pending, event{kind: evSent, client: c, msg: m})
	}
	s.mu.Unlock()
	return nil
}

// Close unbinds the socket, disconnects every client and stops the
// transport goroutines.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true

	var calls []func()
	var err error
	if s.bound {
		err = s.tr.Unlisten()
		calls = append(calls, s.onUnbound(s.port))
		s.bound = false
		s.port = 0
	}
	for _, c := range s.clients.all() {
		s.clients.remove(c)
		_ = c.close()
		calls = append(calls, s.onClientRemoved(c))
	}
	s.pending = nil
	close(s.done)
	s.mu.Unlock()

	dispatch(calls)
	return err
}

// deliver is the transport event sink.
func (s *Socket) deliver(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// startReader runs the read loop of a stream endpoint. Called with s.mu held.
func (s *Socket) startReader(c *Client) {
	r, ok := c.ep.(io.Reader)
	if !ok {
		return
	}
	go s.readLoop(c, r, s.tr.ReadBufferSize())
}

func (s *Socket) readLoop(c *Client, r io.Reader, size int) {
	buf := make([]byte, size)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !s.deliver(event{kind: evData, client: c, data: data}) {
				return
			}
		}
		if err == nil {
			continue
		}
		if c.isClosed() || errors.Is(err, net.ErrClosed) {
			return
		}
		if errors.Is(err, io.EOF) {
			s.deliver(event{kind: evClosed, client: c})
			return
		}
		if !s.deliver(event{kind: evReadError, client: c, err: err}) {
			return
		}
		if c.kind == TCP {
			s.deliver(event{kind: evClosed, client: c})
			return
		}
	}
}
