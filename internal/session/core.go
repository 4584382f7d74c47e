// Package session drives the exocore protocol over a network.Socket: the
// server side answers discovery, runs the RSA handshake and relays chat; the
// client side discovers, joins and talks.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/exoengine/exocore/internal/events"
	"github.com/exoengine/exocore/internal/message"
	"github.com/exoengine/exocore/internal/network"
	"github.com/exoengine/exocore/internal/protocol"
	"github.com/exoengine/exocore/internal/scheduler"
	"github.com/exoengine/exocore/internal/security"
)

var (
	ErrNotConnected        = errors.New("no transport connection")
	ErrInvalidState        = errors.New("operation not valid in current state")
	ErrRefused             = errors.New("connection refused")
	ErrIncompatibleVersion = errors.New("incompatible protocol version")
	ErrServerFull          = errors.New("server full")
	ErrKeyRejected         = errors.New("rsa key rejected")
	ErrUnknownPeer         = errors.New("unknown peer")
)

// Observer receives protocol counters. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	PacketReceived(t protocol.Type)
	PacketSent(t protocol.Type)
	ProtocolError(reply protocol.Type)
	Handshake(outcome string)
}

// Handshake outcomes reported to Observer and on the event bus.
const (
	OutcomeAccepted            = "accepted"
	OutcomeIncompatibleVersion = "incompatible_version"
	OutcomeServerFull          = "server_full"
	OutcomeInvalidKey          = "invalid_rsa_key"
	OutcomeInvalidToken        = "invalid_token"
	OutcomeInvalidName         = "invalid_name"
	OutcomeNameTaken           = "name_taken"
)

// RefusalOutcome maps a CONNEXION_REFUSED reason to its outcome label.
func RefusalOutcome(r protocol.RefuseReason) string {
	switch r {
	case protocol.RefusedInvalidName:
		return OutcomeInvalidName
	case protocol.RefusedNameTaken:
		return OutcomeNameTaken
	default:
		return OutcomeInvalidToken
	}
}

type nopObserver struct{}

func (nopObserver) PacketReceived(protocol.Type) {}
func (nopObserver) PacketSent(protocol.Type)     {}
func (nopObserver) ProtocolError(protocol.Type)  {}
func (nopObserver) Handshake(string)             {}

type options struct {
	queue    *scheduler.TaskQueue
	bus      *events.EventBus
	observer Observer
	logger   *zerolog.Logger
	onChat   func(name, text string)
}

// Option configures a Server or a Client.
type Option func(*options)

// WithTaskQueue runs RSA work on q instead of the polling goroutine.
func WithTaskQueue(q *scheduler.TaskQueue) Option {
	return func(o *options) { o.queue = q }
}

// WithEventBus publishes session events on bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(o *options) { o.bus = bus }
}

// WithObserver reports protocol counters to obs.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithLogger sets the session logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

// WithChatHandler is called for every global message received.
func WithChatHandler(fn func(name, text string)) Option {
	return func(o *options) { o.onChat = fn }
}

// peer is the protocol state kept for one network client.
type peer struct {
	client   *network.Client
	machine  protocol.Machine
	framer   protocol.Framer
	token    protocol.Token
	tokenSet bool
	key      *security.RsaKey
	name     string
	joinedAt time.Time
}

// PeerInfo is a snapshot of a peer for status reporting.
type PeerInfo struct {
	ID          string    `json:"id"`
	Address     string    `json:"address"`
	Transport   string    `json:"transport"`
	Name        string    `json:"name,omitempty"`
	State       string    `json:"state"`
	ConnectedAt time.Time `json:"connected_at"`
	JoinedAt    time.Time `json:"joined_at,omitempty"`
}

func (p *peer) info() PeerInfo {
	return PeerInfo{
		ID:          p.client.ID().String(),
		Address:     p.client.Address(),
		Transport:   p.client.Kind().String(),
		Name:        p.name,
		State:       p.machine.State().String(),
		ConnectedAt: p.client.ConnectedAt(),
		JoinedAt:    p.joinedAt,
	}
}

// core holds what Server and Client share: the socket, the lock guarding
// peer state, and the receive and send pipelines.
type core struct {
	mu       sync.Mutex
	socket   *network.Socket
	opts     options
	observer Observer
	logger   zerolog.Logger
}

func (c *core) init(socket *network.Socket, logger zerolog.Logger, opts []Option) {
	for _, opt := range opts {
		opt(&c.opts)
	}
	if c.opts.logger != nil {
		logger = *c.opts.logger
	}
	c.observer = c.opts.observer
	if c.observer == nil {
		c.observer = nopObserver{}
	}
	c.socket = socket
	c.logger = logger
}

// receive frames data from p into packets, answers malformed and
// out-of-state packets, and passes the valid ones to handle in order.
// Called without c.mu held.
func (c *core) receive(p *peer, m *message.Message, handle func(p *peer, h protocol.Header, payload protocol.Payload)) {
	var (
		packets []*message.Message
		bad     *protocol.PacketError
	)

	c.mu.Lock()
	if c.socket.Kind() == network.UDP {
		packets = append(packets, m)
	} else {
		p.framer.Feed(m.Bytes())
		for {
			pkt, err := p.framer.Next()
			if err != nil {
				errors.As(err, &bad)
				break
			}
			if pkt == nil {
				break
			}
			packets = append(packets, pkt)
		}
	}
	c.mu.Unlock()

	for _, pkt := range packets {
		h, payload, err := protocol.Decode(pkt)
		c.observer.PacketReceived(h.Type)
		if err != nil {
			var perr *protocol.PacketError
			if errors.As(err, &perr) {
				c.reject(p, h.Type, perr.Reply(), err)
			}
			continue
		}

		c.mu.Lock()
		reply, ok := p.machine.Receive(h.Type)
		c.mu.Unlock()
		if !ok {
			c.reject(p, h.Type, reply, nil)
			continue
		}
		if h.Type.IsError() {
			c.logger.Warn().
				Str("remote", p.client.Address()).
				Str("packet_type", h.Type.String()).
				Interface("detail", payload).
				Msg("peer reported a protocol error")
			continue
		}
		handle(p, h, payload)
	}

	if bad != nil {
		c.reject(p, bad.Header.Type, bad.Reply(), bad)
	}
}

// reject answers an offending packet. Error replies are never answered.
func (c *core) reject(p *peer, offending protocol.Type, reply protocol.Payload, cause error) {
	c.mu.Lock()
	state := p.machine.State()
	c.mu.Unlock()

	evt := c.logger.Debug()
	if cause != nil {
		evt = evt.Err(cause)
	}
	evt.Str("remote", p.client.Address()).
		Str("packet_type", offending.String()).
		Str("reply", reply.Type().String()).
		Str("state", state.String()).
		Msg("rejected packet")

	if offending.IsError() {
		return
	}
	c.observer.ProtocolError(reply.Type())
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	c.emit(events.EventProtocolError, events.ProtocolErrorPayload{
		ClientID: p.client.ID().String(),
		Address:  p.client.Address(),
		Packet:   offending.String(),
		Reply:    reply.Type().String(),
		State:    state.String(),
		Detail:   detail,
	})
	if err := c.send(p, reply); err != nil {
		c.logger.Debug().Err(err).Str("remote", p.client.Address()).Msg("failed to send error reply")
	}
}

// send encodes payload, records it on the state machine and writes it.
func (c *core) send(p *peer, payload protocol.Payload) error {
	m, err := protocol.Encode(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	p.machine.Send(payload.Type())
	c.mu.Unlock()

	if err := c.socket.Send(p.client, m); err != nil {
		return fmt.Errorf("send %s: %w", payload.Type(), err)
	}
	c.observer.PacketSent(payload.Type())
	return nil
}

// run executes fn on the task queue, or inline when there is none or it
// refuses the task.
func (c *core) run(name string, fn func()) {
	if c.opts.queue == nil {
		fn()
		return
	}
	if err := c.opts.queue.Add(scheduler.Task{Name: name, Run: fn}); err != nil {
		c.logger.Debug().Err(err).Str("task", name).Msg("task queue refused work, running inline")
		fn()
	}
}

func (c *core) emit(t events.EventType, payload interface{}) {
	if c.opts.bus == nil {
		return
	}
	c.opts.bus.Emit(context.Background(), events.Event{
		Type:    t,
		Source:  "session",
		Payload: payload,
	})
}

// serve polls the socket until ctx is cancelled.
func (c *core) serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := c.socket.PollEvent(network.AllowAll); err != nil {
			if errors.Is(err, network.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to poll socket: %w", err)
		}
	}
}
