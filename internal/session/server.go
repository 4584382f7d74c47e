package session

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"

	"github.com/exoengine/exocore/internal/events"
	"github.com/exoengine/exocore/internal/message"
	"github.com/exoengine/exocore/internal/network"
	"github.com/exoengine/exocore/internal/protocol"
	"github.com/exoengine/exocore/internal/security"
)

// ServerConfig describes what the server advertises and enforces.
type ServerConfig struct {
	Name    string
	Version uint32
	// MaxClients bounds CONNECTED peers. Zero uses the socket capacity.
	MaxClients int
}

// Server answers discovery, authenticates peers and relays chat between
// connected peers.
type Server struct {
	core
	key   *security.RsaKey
	cfg   ServerConfig
	peers map[*network.Client]*peer
}

// NewServer installs a server on socket. The socket must be bound by the
// caller.
func NewServer(socket *network.Socket, key *security.RsaKey, cfg ServerConfig, opts ...Option) *Server {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = socket.MaxClients()
	}
	s := &Server{
		key:   key,
		cfg:   cfg,
		peers: make(map[*network.Client]*peer),
	}
	s.init(socket, log.With().Str("component", "session_server").Logger(), opts)
	socket.Handle(s)
	return s
}

// Socket returns the underlying socket.
func (s *Server) Socket() *network.Socket { return s.socket }

// Config returns the server configuration.
func (s *Server) Config() ServerConfig { return s.cfg }

// Serve polls the socket until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info().
		Str("name", s.cfg.Name).
		Uint32("version", s.cfg.Version).
		Uint16("port", s.socket.Port()).
		Str("transport", s.socket.Kind().String()).
		Msg("session server running")
	return s.serve(ctx)
}

// OnBound implements network.BoundHandler.
func (s *Server) OnBound(sock *network.Socket, port uint16) {
	s.emit(events.EventSocketBound, events.SocketPayload{Transport: sock.Kind().String(), Port: port})
}

// OnUnbound implements network.UnboundHandler.
func (s *Server) OnUnbound(sock *network.Socket, port uint16) {
	s.emit(events.EventSocketUnbound, events.SocketPayload{Transport: sock.Kind().String(), Port: port})
}

// OnClientAdded implements network.ClientAddedHandler.
func (s *Server) OnClientAdded(_ *network.Socket, c *network.Client) {
	p := &peer{client: c, machine: protocol.NewMachine(protocol.RoleServer)}
	s.mu.Lock()
	s.peers[c] = p
	info := p.info()
	s.mu.Unlock()

	s.logger.Debug().Str("remote", c.Address()).Msg("peer added")
	s.emit(events.EventPeerAdded, peerPayload(info))
}

// OnClientRemoved implements network.ClientRemovedHandler.
func (s *Server) OnClientRemoved(_ *network.Socket, c *network.Client) {
	s.mu.Lock()
	p, ok := s.peers[c]
	if !ok {
		s.mu.Unlock()
		return
	}
	info := p.info()
	p.machine.Close()
	delete(s.peers, c)
	s.mu.Unlock()

	s.logger.Debug().Str("remote", c.Address()).Str("name", info.Name).Msg("peer removed")
	s.emit(events.EventPeerRemoved, peerPayload(info))
}

// OnClientError implements network.ClientErrorHandler.
func (s *Server) OnClientError(_ *network.Socket, c *network.Client, err error) {
	s.logger.Warn().Err(err).Str("remote", c.Address()).Msg("peer transport error")
}

// OnSocketError implements network.SocketErrorHandler.
func (s *Server) OnSocketError(_ *network.Socket, err error) {
	s.logger.Warn().Err(err).Msg("socket error")
}

// OnMessageReceived implements network.MessageReceivedHandler.
func (s *Server) OnMessageReceived(_ *network.Socket, c *network.Client, m *message.Message) {
	s.mu.Lock()
	p, ok := s.peers[c]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.receive(p, m, s.handle)
}

func (s *Server) handle(p *peer, h protocol.Header, payload protocol.Payload) {
	switch pkt := payload.(type) {
	case *protocol.DiscoverRequest:
		s.reply(p, protocol.ServerProperties{
			Version:    s.cfg.Version,
			Clients:    uint32(s.ConnectedCount()),
			ClientsMax: uint32(s.cfg.MaxClients),
			Name:       s.cfg.Name,
		})
	case *protocol.ConnectRequest:
		s.handleConnectRequest(p, pkt)
	case *protocol.Auth:
		data := pkt.Data
		s.run("auth:"+p.client.Address(), func() { s.handleAuth(p, data) })
	case *protocol.GlobalMessage:
		s.relay(p, pkt.Text)
	case *protocol.Disconnect:
		s.logger.Debug().Str("remote", p.client.Address()).Msg("peer left")
		if err := s.socket.Disconnect(p.client); err != nil && !errors.Is(err, network.ErrUnknownClient) {
			s.logger.Warn().Err(err).Msg("failed to close peer")
		}
	default:
		s.logger.Debug().
			Str("remote", p.client.Address()).
			Str("packet_type", h.Type.String()).
			Msg("ignored packet")
	}
}

func (s *Server) reply(p *peer, payload protocol.Payload) {
	if err := s.send(p, payload); err != nil {
		s.logger.Debug().Err(err).Str("remote", p.client.Address()).Msg("failed to reply")
	}
}

func (s *Server) handleConnectRequest(p *peer, req *protocol.ConnectRequest) {
	if req.Version != s.cfg.Version {
		s.refuse(p, protocol.IncompatibleVersion{Version: s.cfg.Version}, OutcomeIncompatibleVersion, "")
		return
	}
	if s.ConnectedCount() >= s.cfg.MaxClients {
		s.refuse(p, protocol.ServerFull{ClientsMax: uint32(s.cfg.MaxClients)}, OutcomeServerFull, "")
		return
	}
	key, err := security.NewPublicKey(req.PublicKey)
	if err != nil {
		s.refuse(p, protocol.InvalidRsaKey{}, OutcomeInvalidKey, err.Error())
		return
	}

	var token protocol.Token
	if _, err := rand.Read(token[:]); err != nil {
		s.logger.Error().Err(err).Msg("failed to generate token")
		return
	}

	s.mu.Lock()
	p.key = key
	p.token = token
	p.tokenSet = true
	s.mu.Unlock()

	challenge := protocol.Challenge{Token: token, ServerKey: s.key.PublicKey()}
	s.run("challenge:"+p.client.Address(), func() {
		sealed, err := key.Seal(challenge.Bytes())
		if err != nil {
			s.refuse(p, protocol.InvalidRsaKey{}, OutcomeInvalidKey, err.Error())
			return
		}
		s.reply(p, protocol.AuthRequest{Data: sealed})
	})
}

func (s *Server) handleAuth(p *peer, data []byte) {
	s.mu.Lock()
	expected, hasToken := p.token, p.tokenSet
	p.tokenSet = false
	s.mu.Unlock()

	plain, err := s.key.Open(data)
	if err != nil || !hasToken {
		s.refuseAuth(p, protocol.RefusedInvalidToken, "undecryptable auth")
		return
	}
	resp, err := protocol.ParseResponse(plain)
	if err != nil || subtle.ConstantTimeCompare(resp.Token[:], expected[:]) != 1 {
		s.refuseAuth(p, protocol.RefusedInvalidToken, "token mismatch")
		return
	}
	if !ValidName(resp.Name) {
		s.refuseAuth(p, protocol.RefusedInvalidName, "")
		return
	}

	s.mu.Lock()
	if _, ok := s.peers[p.client]; !ok {
		s.mu.Unlock()
		return
	}
	for _, other := range s.peers {
		if other != p && other.name != "" && strings.EqualFold(other.name, resp.Name) {
			s.mu.Unlock()
			s.refuseAuth(p, protocol.RefusedNameTaken, resp.Name)
			return
		}
	}
	p.name = resp.Name
	p.joinedAt = time.Now()
	s.mu.Unlock()

	s.reply(p, protocol.ConnexionAccepted{})
	s.observer.Handshake(OutcomeAccepted)
	s.logger.Info().Str("remote", p.client.Address()).Str("name", resp.Name).Msg("peer authenticated")
	s.emit(events.EventHandshakeAccepted, events.HandshakePayload{
		ClientID: p.client.ID().String(),
		Address:  p.client.Address(),
		Name:     resp.Name,
		Outcome:  OutcomeAccepted,
	})
}

func (s *Server) refuseAuth(p *peer, reason protocol.RefuseReason, detail string) {
	s.refuse(p, protocol.ConnexionRefused{Reason: reason}, RefusalOutcome(reason), detail)
}

func (s *Server) refuse(p *peer, reply protocol.Payload, outcome, detail string) {
	s.reply(p, reply)
	s.observer.Handshake(outcome)
	s.logger.Info().
		Str("remote", p.client.Address()).
		Str("outcome", outcome).
		Str("detail", detail).
		Msg("handshake refused")
	s.emit(events.EventHandshakeRefused, events.HandshakePayload{
		ClientID: p.client.ID().String(),
		Address:  p.client.Address(),
		Outcome:  outcome,
		Reason:   detail,
	})
}

// ValidName reports whether name is acceptable as a player name: 1 to
// MaxNameLength printable characters, no surrounding spaces.
func ValidName(name string) bool {
	if name == "" || len(name) > protocol.MaxNameLength || strings.TrimSpace(name) != name {
		return false
	}
	for _, r := range name {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

func (s *Server) relay(from *peer, text string) {
	s.mu.Lock()
	name := from.name
	targets := s.connectedLocked()
	s.mu.Unlock()

	s.broadcast(targets, protocol.GlobalMessage{Name: name, Text: text})
	s.emit(events.EventGlobalMessage, events.ChatPayload{Name: name, Text: text})
}

func (s *Server) broadcast(targets []*peer, msg protocol.GlobalMessage) {
	for _, t := range targets {
		s.reply(t, msg)
	}
}

// Broadcast sends a global message from the server itself.
func (s *Server) Broadcast(text string) int {
	s.mu.Lock()
	targets := s.connectedLocked()
	s.mu.Unlock()

	s.broadcast(targets, protocol.GlobalMessage{Name: s.cfg.Name, Text: text})
	s.emit(events.EventGlobalMessage, events.ChatPayload{Name: s.cfg.Name, Text: text})
	return len(targets)
}

// Kick disconnects the connected peer using name.
func (s *Server) Kick(name string) error {
	s.mu.Lock()
	var target *peer
	for _, p := range s.peers {
		if p.machine.State() == protocol.StateConnected && strings.EqualFold(p.name, name) {
			target = p
			break
		}
	}
	s.mu.Unlock()

	if target == nil {
		return fmt.Errorf("kick %q: %w", name, ErrUnknownPeer)
	}
	s.reply(target, protocol.Disconnect{})
	return s.socket.Disconnect(target.client)
}

// ReapIdle disconnects peers idle for longer than timeout.
func (s *Server) ReapIdle(timeout time.Duration) int {
	return s.socket.DisconnectIdle(timeout)
}

func (s *Server) connectedLocked() []*peer {
	var out []*peer
	for _, p := range s.peers {
		if p.machine.State() == protocol.StateConnected {
			out = append(out, p)
		}
	}
	return out
}

// ConnectedCount returns the number of CONNECTED peers.
func (s *Server) ConnectedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connectedLocked())
}

// Peers returns a snapshot of every peer, oldest first.
func (s *Server) Peers() []PeerInfo {
	s.mu.Lock()
	out := make([]PeerInfo, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p.info())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// PeerState returns the state of the peer at address.
func (s *Server) PeerState(address string) (protocol.State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c, p := range s.peers {
		if c.Address() == address {
			return p.machine.State(), true
		}
	}
	return protocol.StateDisconnected, false
}

func peerPayload(info PeerInfo) events.PeerPayload {
	return events.PeerPayload{
		ClientID:  info.ID,
		Address:   info.Address,
		Transport: info.Transport,
		Name:      info.Name,
		State:     info.State,
	}
}

// peerToken returns the challenge token issued to the connected peer name.
func (s *Server) peerToken(name string) (protocol.Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.peers {
		if p.name != "" && strings.EqualFold(p.name, name) {
			return p.token, true
		}
	}
	return protocol.Token{}, false
}
