package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/exoengine/exocore/internal/events"
	"github.com/exoengine/exocore/internal/message"
	"github.com/exoengine/exocore/internal/network"
	"github.com/exoengine/exocore/internal/protocol"
	"github.com/exoengine/exocore/internal/security"
)

// Client joins one server: it discovers it, runs the handshake and
// exchanges global messages.
type Client struct {
	core
	key     *security.RsaKey
	name    string
	version uint32

	server    *peer
	props     *protocol.ServerProperties
	serverKey *security.RsaKey
	err       error
}

// NewClient installs a client on socket. name is sent in AUTH and version
// in CONNECT_REQUEST.
func NewClient(socket *network.Socket, key *security.RsaKey, name string, version uint32, opts ...Option) *Client {
	c := &Client{
		key:     key,
		name:    name,
		version: version,
	}
	c.init(socket, log.With().Str("component", "session_client").Logger(), opts)
	socket.Handle(c)
	return c
}

// Socket returns the underlying socket.
func (c *Client) Socket() *network.Socket { return c.socket }

// Name returns the name the client joins with.
func (c *Client) Name() string { return c.name }

// Connect opens the transport connection to a server.
func (c *Client) Connect(address string, port uint16) error {
	c.mu.Lock()
	connected := c.server != nil
	c.mu.Unlock()
	if connected {
		return network.ErrAlreadyConnected
	}
	if _, err := c.socket.Connect(address, port); err != nil {
		return fmt.Errorf("failed to connect to %s:%d: %w", address, port, err)
	}
	return nil
}

// Discover asks the server for its properties. The answer is available
// from Properties once polled.
func (c *Client) Discover() error {
	p, err := c.current()
	if err != nil {
		return err
	}
	return c.send(p, protocol.DiscoverRequest{})
}

// Join starts the handshake.
func (c *Client) Join() error {
	p, err := c.expect(protocol.StateDisconnected)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.err = nil
	c.mu.Unlock()
	return c.send(p, protocol.ConnectRequest{Version: c.version, PublicKey: c.key.PublicKey()})
}

// Say sends a global message.
func (c *Client) Say(text string) error {
	p, err := c.expect(protocol.StateConnected)
	if err != nil {
		return err
	}
	return c.send(p, protocol.GlobalMessage{Text: text})
}

// Leave announces the disconnect and closes the connection.
func (c *Client) Leave() error {
	p, err := c.expect(protocol.StateConnected)
	if err != nil {
		return err
	}
	if err := c.send(p, protocol.Disconnect{}); err != nil {
		return err
	}
	return c.socket.Disconnect(p.client)
}

// Poll processes pending socket events once.
func (c *Client) Poll() error {
	return c.socket.PollEvent(network.AllowAll)
}

// Run polls the socket until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	return c.serve(ctx)
}

// State returns the connection state with the server.
func (c *Client) State() protocol.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server == nil {
		return protocol.StateDisconnected
	}
	return c.server.machine.State()
}

// Connected reports whether a transport connection is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server != nil
}

// Properties returns the last SERVER_PROPERTIES received.
func (c *Client) Properties() (protocol.ServerProperties, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.props == nil {
		return protocol.ServerProperties{}, false
	}
	return *c.props, true
}

// Token returns the challenge token received during the handshake.
func (c *Client) Token() protocol.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server == nil {
		return protocol.Token{}
	}
	return c.server.token
}

// Err returns why the last handshake failed, if it did.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) current() (*peer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server == nil {
		return nil, ErrNotConnected
	}
	return c.server, nil
}

func (c *Client) expect(want protocol.State) (*peer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server == nil {
		return nil, ErrNotConnected
	}
	if got := c.server.machine.State(); got != want {
		return nil, fmt.Errorf("%w: %s, want %s", ErrInvalidState, got, want)
	}
	return c.server, nil
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

// OnClientAdded implements network.ClientAddedHandler.
func (c *Client) OnClientAdded(_ *network.Socket, nc *network.Client) {
	c.mu.Lock()
	c.server = &peer{client: nc, machine: protocol.NewMachine(protocol.RoleClient)}
	c.mu.Unlock()
	c.logger.Debug().Str("remote", nc.Address()).Msg("connected to server")
}

// OnClientRemoved implements network.ClientRemovedHandler.
func (c *Client) OnClientRemoved(_ *network.Socket, nc *network.Client) {
	c.mu.Lock()
	if c.server == nil || c.server.client != nc {
		c.mu.Unlock()
		return
	}
	c.server.machine.Close()
	c.server = nil
	c.serverKey = nil
	c.mu.Unlock()
	c.logger.Info().Str("remote", nc.Address()).Msg("disconnected from server")
}

// OnClientError implements network.ClientErrorHandler.
func (c *Client) OnClientError(_ *network.Socket, nc *network.Client, err error) {
	c.logger.Warn().Err(err).Str("remote", nc.Address()).Msg("server transport error")
}

// OnMessageReceived implements network.MessageReceivedHandler.
func (c *Client) OnMessageReceived(_ *network.Socket, nc *network.Client, m *message.Message) {
	c.mu.Lock()
	p := c.server
	c.mu.Unlock()
	if p == nil || p.client != nc {
		return
	}
	c.receive(p, m, c.handle)
}

func (c *Client) handle(p *peer, h protocol.Header, payload protocol.Payload) {
	switch pkt := payload.(type) {
	case *protocol.ServerProperties:
		props := *pkt
		c.mu.Lock()
		c.props = &props
		c.mu.Unlock()
		c.logger.Debug().
			Str("name", props.Name).
			Uint32("clients", props.Clients).
			Uint32("clients_max", props.ClientsMax).
			Msg("server properties")
	case *protocol.AuthRequest:
		data := pkt.Data
		c.run("answer:"+p.client.Address(), func() { c.answer(p, data) })
	case *protocol.ConnexionAccepted:
		c.observer.Handshake(OutcomeAccepted)
		c.logger.Info().Str("remote", p.client.Address()).Str("name", c.name).Msg("joined server")
		c.emit(events.EventHandshakeAccepted, events.HandshakePayload{
			ClientID: p.client.ID().String(),
			Address:  p.client.Address(),
			Name:     c.name,
			Outcome:  OutcomeAccepted,
		})
	case *protocol.ConnexionRefused:
		c.refused(p, RefusalOutcome(pkt.Reason), fmt.Errorf("%w: %s", ErrRefused, pkt.Reason))
	case *protocol.IncompatibleVersion:
		c.refused(p, OutcomeIncompatibleVersion, fmt.Errorf("%w: server speaks %d, client %d", ErrIncompatibleVersion, pkt.Version, c.version))
	case *protocol.ServerFull:
		c.refused(p, OutcomeServerFull, fmt.Errorf("%w: %d clients max", ErrServerFull, pkt.ClientsMax))
	case *protocol.InvalidRsaKey:
		c.refused(p, OutcomeInvalidKey, ErrKeyRejected)
	case *protocol.GlobalMessage:
		c.emit(events.EventGlobalMessage, events.ChatPayload{Name: pkt.Name, Text: pkt.Text})
		if c.opts.onChat != nil {
			c.opts.onChat(pkt.Name, pkt.Text)
		}
	case *protocol.Disconnect:
		c.logger.Info().Str("remote", p.client.Address()).Msg("server closed the session")
		if err := c.socket.Disconnect(p.client); err != nil && !errors.Is(err, network.ErrUnknownClient) {
			c.logger.Warn().Err(err).Msg("failed to close connection")
		}
	default:
		c.logger.Debug().
			Str("remote", p.client.Address()).
			Str("packet_type", h.Type.String()).
			Msg("ignored packet")
	}
}

// answer decrypts the challenge and replies with AUTH.
func (c *Client) answer(p *peer, data []byte) {
	plain, err := c.key.Open(data)
	if err != nil {
		c.fail(fmt.Errorf("failed to decrypt challenge: %w", err))
		c.logger.Error().Err(err).Msg("failed to decrypt challenge")
		return
	}
	challenge, err := protocol.ParseChallenge(plain)
	if err != nil {
		c.fail(err)
		c.logger.Error().Err(err).Msg("malformed challenge")
		return
	}
	serverKey, err := security.NewPublicKey(challenge.ServerKey)
	if err != nil {
		c.fail(fmt.Errorf("server key: %w", err))
		c.logger.Error().Err(err).Msg("invalid server key")
		return
	}

	c.mu.Lock()
	p.token = challenge.Token
	p.tokenSet = true
	c.serverKey = serverKey
	c.mu.Unlock()

	resp := protocol.Response{Token: challenge.Token, Name: c.name}
	sealed, err := serverKey.Seal(resp.Bytes())
	if err != nil {
		c.fail(err)
		c.logger.Error().Err(err).Msg("failed to seal response")
		return
	}
	if err := c.send(p, protocol.Auth{Data: sealed}); err != nil {
		c.logger.Warn().Err(err).Msg("failed to send auth")
	}
}

func (c *Client) refused(p *peer, outcome string, err error) {
	c.fail(err)
	c.observer.Handshake(outcome)
	c.logger.Warn().Err(err).Str("remote", p.client.Address()).Msg("handshake refused")
	c.emit(events.EventHandshakeRefused, events.HandshakePayload{
		ClientID: p.client.ID().String(),
		Address:  p.client.Address(),
		Name:     c.name,
		Outcome:  outcome,
		Reason:   err.Error(),
	})
}
