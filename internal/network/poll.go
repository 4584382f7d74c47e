package network

import (
	"time"

	"github.com/exoengine/exocore/internal/message"
)

// PollEvent waits up to the socket timeout for transport events, applies
// every event allowed by mask and runs the matching handlers. New clients
// are registered before any data is delivered, and data is delivered client
// by client in registration order. Completed sends are reported only when
// mask includes AllowWrite. A listener failure is returned after the
// handlers ran; per-client failures only reach the client error handler.
func (s *Socket) PollEvent(mask EventMask) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.bound && s.clients.len() == 0 && len(s.pending) == 0 && len(s.events) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.pending
	s.pending = nil
	timeout := s.timeout
	s.mu.Unlock()

	if anyAllowed(batch, mask) {
		batch = s.drain(batch)
	} else {
		batch = s.wait(batch, timeout)
	}

	s.mu.Lock()
	calls, err := s.apply(batch, mask)
	s.mu.Unlock()

	dispatch(calls)
	return err
}

func anyAllowed(batch []event, mask EventMask) bool {
	for _, ev := range batch {
		switch ev.kind {
		case evAccept:
			if mask&AllowConnections != 0 {
				return true
			}
		case evSent:
			if mask&AllowWrite != 0 {
				return true
			}
		default:
			if mask&AllowRead != 0 {
				return true
			}
		}
	}
	return false
}

// wait blocks for a first event, up to timeout, then drains the backlog.
func (s *Socket) wait(batch []event, timeout time.Duration) []event {
	if timeout <= 0 {
		return s.drain(batch)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-s.events:
		batch = append(batch, ev)
	case <-timer.C:
		return batch
	case <-s.done:
		return batch
	}
	return s.drain(batch)
}

func (s *Socket) drain(batch []event) []event {
	for {
		select {
		case ev := <-s.events:
			batch = append(batch, ev)
		default:
			return batch
		}
	}
}

// apply updates the client set from batch and returns the handler calls in
// delivery order. Called with s.mu held.
func (s *Socket) apply(batch []event, mask EventMask) ([]func(), error) {
	var (
		calls    []func()
		deferred []event
		fatal    error
		perPeer  = make(map[*Client][]event)
	)
	allowConns := mask&AllowConnections != 0
	allowRead := mask&AllowRead != 0
	allowWrite := mask&AllowWrite != 0

	for _, ev := range batch {
		switch ev.kind {
		case evAccept:
			if !allowConns {
				deferred = append(deferred, ev)
				continue
			}
			calls = append(calls, s.admit(ev.ep, true, nil)...)

		case evListenerError:
			fatal = ev.err
			calls = append(calls, s.onSocketError(ev.err))

		case evSocketError:
			calls = append(calls, s.onSocketError(ev.err))

		case evDatagram:
			if !allowRead {
				deferred = append(deferred, ev)
				continue
			}
			c := s.clients.findByAddress(ev.addr.String())
			if c == nil {
				if !allowConns {
					deferred = append(deferred, ev)
					continue
				}
				var admitted *Client
				calls = append(calls, s.admit(s.tr.Peer(ev.addr), false, &admitted)...)
				if admitted == nil {
					continue
				}
				c = admitted
			}
			perPeer[c] = append(perPeer[c], event{kind: evData, client: c, data: ev.data})

		case evSent:
			if !allowWrite {
				deferred = append(deferred, ev)
				continue
			}
			perPeer[ev.client] = append(perPeer[ev.client], ev)

		default:
			if !allowRead {
				deferred = append(deferred, ev)
				continue
			}
			perPeer[ev.client] = append(perPeer[ev.client], ev)
		}
	}

	for _, c := range s.clients.all() {
		for _, ev := range perPeer[c] {
			switch ev.kind {
			case evData:
				c.touch()
				calls = append(calls, s.onMessageReceived(c, message.FromBytes(ev.data)))
			case evSent:
				calls = append(calls, s.onMessageSent(c, ev.msg))
			case evReadError:
				calls = append(calls, s.onClientError(c, ev.err))
			case evClosed:
				if s.clients.remove(c) {
					_ = c.close()
					s.logger.Debug().Str("remote", c.Address()).Msg("client closed by peer")
					calls = append(calls, s.onClientRemoved(c))
				}
			}
		}
	}

	s.pending = append(deferred, s.pending...)
	return calls, fatal
}

// admit registers a client for an accepted connection or a new datagram
// source. withReader starts a read loop on the endpoint.
func (s *Socket) admit(ep endpoint, withReader bool, out **Client) []func() {
	if ep == nil {
		return nil
	}
	c := newClient(s.tr.Kind(), ep, true)
	if err := s.clients.add(c); err != nil {
		_ = ep.Close()
		s.logger.Warn().Str("remote", c.Address()).Int("max_clients", s.opts.maxClients).Msg("client refused, socket full")
		return []func(){s.onSocketError(err)}
	}
	if withReader {
		s.startReader(c)
	}
	if out != nil {
		*out = c
	}
	s.logger.Debug().Str("remote", c.Address()).Msg("client added")
	return []func(){s.onClientAdded(c)}
}
