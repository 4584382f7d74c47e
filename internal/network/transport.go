package network

import (
	"net"
	"time"

	"github.com/exoengine/exocore/internal/message"
)

// Kind selects the transport of a Socket.
type Kind int

const (
	TCP Kind = iota
	UDP
)

// String returns "tcp" or "udp".
func (k Kind) String() string {
	switch k {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	default:
		return "unknown"
	}
}

// ParseKind parses "tcp" or "udp".
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "tcp":
		return TCP, true
	case "udp":
		return UDP, true
	default:
		return TCP, false
	}
}

type eventKind int

const (
	evAccept eventKind = iota
	evDatagram
	evData
	evClosed
	evReadError
	evSocketError
	evListenerError
	evSent
)

// event is produced by transport goroutines and consumed by PollEvent.
type event struct {
	kind   eventKind
	client *Client
	ep     endpoint
	addr   net.Addr
	data   []byte
	msg    *message.Message
	err    error
}

// eventSink hands an event to the socket. It returns false once the socket
// is closed and the producer should stop.
type eventSink func(event) bool

// transport is the variant-specific half of a Socket.
type transport interface {
	Kind() Kind
	// Listen binds host:port and starts producing accept or datagram events.
	// It returns the port actually bound.
	Listen(host string, port uint16, sink eventSink) (uint16, error)
	// Unlisten stops listening.
	Unlisten() error
	// Dial opens an outbound endpoint.
	Dial(address string, timeout time.Duration) (endpoint, error)
	// Resolve normalises address into the form clients are compared by.
	Resolve(address string) (string, error)
	// Peer returns an endpoint answering a datagram source through the
	// bound socket. Stream transports return nil.
	Peer(addr net.Addr) endpoint
	// ReadBufferSize is the size of the buffer used by client read loops.
	ReadBufferSize() int
}
