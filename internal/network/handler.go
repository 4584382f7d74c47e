package network

import "github.com/exoengine/exocore/internal/message"

// Socket events are delivered to handlers implementing one or more of the
// interfaces below. A socket holds at most one handler per event kind and
// calls it without holding its lock, so handlers may call back into the
// socket.

// ClientAddedHandler is told about a new client, accepted or dialed.
type ClientAddedHandler interface {
	OnClientAdded(s *Socket, c *Client)
}

// ClientRemovedHandler is told when a client leaves the socket.
type ClientRemovedHandler interface {
	OnClientRemoved(s *Socket, c *Client)
}

// ClientErrorHandler is told about per-client failures such as read errors
// and short writes.
type ClientErrorHandler interface {
	OnClientError(s *Socket, c *Client, err error)
}

// MessageSentHandler is told when a message was fully written.
type MessageSentHandler interface {
	OnMessageSent(s *Socket, c *Client, m *message.Message)
}

// MessageReceivedHandler receives inbound data.
type MessageReceivedHandler interface {
	OnMessageReceived(s *Socket, c *Client, m *message.Message)
}

// BoundHandler is told when the socket starts listening.
type BoundHandler interface {
	OnBound(s *Socket, port uint16)
}

// UnboundHandler is told when the socket stops listening.
type UnboundHandler interface {
	OnUnbound(s *Socket, port uint16)
}

// SocketErrorHandler is told about socket-level failures.
type SocketErrorHandler interface {
	OnSocketError(s *Socket, err error)
}

type handlers struct {
	clientAdded     ClientAddedHandler
	clientRemoved   ClientRemovedHandler
	clientError     ClientErrorHandler
	messageSent     MessageSentHandler
	messageReceived MessageReceivedHandler
	bound           BoundHandler
	unbound         UnboundHandler
	socketError     SocketErrorHandler
}

// register installs every capability h implements, replacing previous
// handlers for those events, and returns how many were installed.
func (hs *handlers) register(h any) int {
	n := 0
	if v, ok := h.(ClientAddedHandler); ok {
		hs.clientAdded = v
		n++
	}
	if v, ok := h.(ClientRemovedHandler); ok {
		hs.clientRemoved = v
		n++
	}
	if v, ok := h.(ClientErrorHandler); ok {
		hs.clientError = v
		n++
	}
	if v, ok := h.(MessageSentHandler); ok {
		hs.messageSent = v
		n++
	}
	if v, ok := h.(MessageReceivedHandler); ok {
		hs.messageReceived = v
		n++
	}
	if v, ok := h.(BoundHandler); ok {
		hs.bound = v
		n++
	}
	if v, ok := h.(UnboundHandler); ok {
		hs.unbound = v
		n++
	}
	if v, ok := h.(SocketErrorHandler); ok {
		hs.socketError = v
		n++
	}
	return n
}

func (s *Socket) onClientAdded(c *Client) func() {
	if h := s.handlers.clientAdded; h != nil {
		return func() { h.OnClientAdded(s, c) }
	}
	return nil
}

func (s *Socket) onClientRemoved(c *Client) func() {
	if h := s.handlers.clientRemoved; h != nil {
		return func() { h.OnClientRemoved(s, c) }
	}
	return nil
}

func (s *Socket) onClientError(c *Client, err error) func() {
	if h := s.handlers.clientError; h != nil {
		return func() { h.OnClientError(s, c, err) }
	}
	return func() { s.logger.Warn().Err(err).Str("remote", c.Address()).Msg("client error") }
}

func (s *Socket) onMessageSent(c *Client, m *message.Message) func() {
	if h := s.handlers.messageSent; h != nil {
		return func() { h.OnMessageSent(s, c, m) }
	}
	return nil
}

func (s *Socket) onMessageReceived(c *Client, m *message.Message) func() {
	if h := s.handlers.messageReceived; h != nil {
		return func() { h.OnMessageReceived(s, c, m) }
	}
	return nil
}

func (s *Socket) onBound(port uint16) func() {
	if h := s.handlers.bound; h != nil {
		return func() { h.OnBound(s, port) }
	}
	return nil
}

func (s *Socket) onUnbound(port uint16) func() {
	if h := s.handlers.unbound; h != nil {
		return func() { h.OnUnbound(s, port) }
	}
	return nil
}

func (s *Socket) onSocketError(err error) func() {
	if h := s.handlers.socketError; h != nil {
		return func() { h.OnSocketError(s, err) }
	}
	return func() { s.logger.Warn().Err(err).Msg("socket error") }
}

// dispatch runs collected callbacks. Callers must not hold s.mu.
func dispatch(calls []func()) {
	for _, call := range calls {
		if call != nil {
			call()
		}
	}
}
