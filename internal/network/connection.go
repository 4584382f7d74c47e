package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// endpoint is the write side of a client. Stream endpoints (TCP
// connections, dialed UDP sockets) also implement io.Reader and get their
// own read loop; UDP peers inferred by a bound socket are fed by it.
type endpoint interface {
	Write(p []byte) (int, error)
	Close() error
	RemoteAddr() net.Addr
}

type deadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Client is one remote peer of a Socket. Clients are equal when their
// remote addresses are equal.
type Client struct {
	id      uuid.UUID
	kind    Kind
	ep      endpoint
	addr    string
	inbound bool

	writeMu sync.Mutex

	mu           sync.Mutex
	connectedAt  time.Time
	lastActivity time.Time
	data         any

	closed atomic.Bool
}

func newClient(kind Kind, ep endpoint, inbound bool) *Client {
	now := time.Now()
	return &Client{
		id:           uuid.New(),
		kind:         kind,
		ep:           ep,
		addr:         ep.RemoteAddr().String(),
		inbound:      inbound,
		connectedAt:  now,
		lastActivity: now,
	}
}

// ID returns a unique id for the client lifetime.
func (c *Client) ID() uuid.UUID { return c.id }

// Kind returns the transport the client belongs to.
func (c *Client) Kind() Kind { return c.kind }

// Address returns the remote address as host:port.
func (c *Client) Address() string { return c.addr }

// Inbound reports whether the client was accepted or inferred by a bound
// socket rather than dialed.
func (c *Client) Inbound() bool { return c.inbound }

// Host returns the remote host.
func (c *Client) Host() string {
	host, _, err := net.SplitHostPort(c.addr)
	if err != nil {
		return c.addr
	}
	return host
}

// Port returns the remote port.
func (c *Client) Port() string {
	_, port, err := net.SplitHostPort(c.addr)
	if err != nil {
		return ""
	}
	return port
}

// RemoteAddr returns the remote network address.
func (c *Client) RemoteAddr() net.Addr {
	return c.ep.RemoteAddr()
}

// Equal reports whether both clients designate the same remote address.
func (c *Client) Equal(other *Client) bool {
	return other != nil && c.addr == other.addr
}

// ConnectedAt returns when the client was added.
func (c *Client) ConnectedAt() time.Time {
	return c.connectedAt
}

// LastActivity returns the time of the last read or write.
func (c *Client) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// AttachData stores caller data on the client.
func (c *Client) AttachData(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = v
}

// Data returns the attached caller data.
func (c *Client) Data() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data
}

// String implements fmt.Stringer.
func (c *Client) String() string {
	return fmt.Sprintf("%s://%s", c.kind, c.addr)
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Client) isClosed() bool {
	return c.closed.Load()
}

func (c *Client) close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.ep.Close()
}

// write sends data in a single call and reports how much was written.
func (c *Client) write(data []byte, timeout time.Duration) (int, error) {
	if c.isClosed() {
		return 0, net.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if d, ok := c.ep.(deadliner); ok && timeout > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(timeout))
	}
	n, err := c.ep.Write(data)
	if err == nil && n < len(data) {
		err = errShortWrite
	}
	if n > 0 {
		c.touch()
	}
	return n, err
}

var errShortWrite = errors.New("short write")

// clientSet is the bounded, registration-ordered set of a socket's clients.
// It is guarded by the socket lock.
type clientSet struct {
	items    []*Client
	capacity int
}

func newClientSet(capacity int) *clientSet {
	return &clientSet{capacity: capacity}
}

func (cs *clientSet) add(c *Client) error {
	if len(cs.items) >= cs.capacity {
		return ErrSocketFull
	}
	cs.items = append(cs.items, c)
	return nil
}

func (cs *clientSet) remove(c *Client) bool {
	for i, item := range cs.items {
		if item == c {
			cs.items = append(cs.items[:i], cs.items[i+1:]...)
			return true
		}
	}
	return false
}

func (cs *clientSet) contains(c *Client) bool {
	for _, item := range cs.items {
		if item == c {
			return true
		}
	}
	return false
}

func (cs *clientSet) findByAddress(addr string) *Client {
	for _, item := range cs.items {
		if item.addr == addr {
			return item
		}
	}
	return nil
}

func (cs *clientSet) all() []*Client {
	out := make([]*Client, len(cs.items))
	copy(out, cs.items)
	return out
}

func (cs *clientSet) len() int {
	return len(cs.items)
}
