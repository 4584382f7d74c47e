package session

import (
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exoengine/exocore/internal/events"
	"github.com/exoengine/exocore/internal/message"
	"github.com/exoengine/exocore/internal/network"
	"github.com/exoengine/exocore/internal/protocol"
	"github.com/exoengine/exocore/internal/scheduler"
	"github.com/exoengine/exocore/internal/security"
)

const testVersion = 1

var (
	keysOnce  sync.Once
	serverKey *security.RsaKey
	clientKey *security.RsaKey
	keysErr   error
)

func testKeys(t *testing.T) (*security.RsaKey, *security.RsaKey) {
	t.Helper()
	keysOnce.Do(func() {
		if serverKey, keysErr = security.GenerateKey(); keysErr != nil {
			return
		}
		clientKey, keysErr = security.GenerateKey()
	})
	require.NoError(t, keysErr)
	return serverKey, clientKey
}

func startServer(t *testing.T, kind network.Kind, port uint16, cfg ServerConfig, opts ...Option) *Server {
	t.Helper()
	sk, _ := testKeys(t)

	sock := network.NewSocket(kind, network.WithBindHost("127.0.0.1"))
	if err := sock.Bind(port); err != nil {
		if port != 0 {
			t.Skipf("port %d unavailable: %v", port, err)
		}
		require.NoError(t, err)
	}
	if cfg.Name == "" {
		cfg.Name = "test server"
	}
	if cfg.Version == 0 {
		cfg.Version = testVersion
	}
	srv := NewServer(sock, sk, cfg, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		sock.Close()
		<-done
	})
	return srv
}

func newTestClient(t *testing.T, srv *Server, name string, version uint32, opts ...Option) *Client {
	t.Helper()
	_, ck := testKeys(t)

	sock := network.NewSocket(srv.Socket().Kind())
	t.Cleanup(func() { sock.Close() })
	c := NewClient(sock, ck, name, version, opts...)
	require.NoError(t, c.Connect("127.0.0.1", srv.Socket().Port()))
	return c
}

// pollUntil polls every client until cond holds.
func pollUntil(t *testing.T, cond func() bool, clients ...*Client) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		for _, c := range clients {
			require.NoError(t, c.Poll())
		}
		if len(clients) == 0 {
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func join(t *testing.T, c *Client) {
	t.Helper()
	require.NoError(t, c.Join())
	pollUntil(t, func() bool {
		return c.State() == protocol.StateConnected || c.Err() != nil
	}, c)
	require.NoError(t, c.Err())
}

func TestDiscoverAndJoin(t *testing.T) {
	srv := startServer(t, network.TCP, 9000, ServerConfig{Name: "exo", MaxClients: 16})
	alice := newTestClient(t, srv, "alice", testVersion)

	require.NoError(t, alice.Discover())
	pollUntil(t, func() bool { _, ok := alice.Properties(); return ok }, alice)
	props, _ := alice.Properties()
	assert.Equal(t, uint32(testVersion), props.Version)
	assert.Equal(t, uint32(0), props.Clients)
	assert.Equal(t, uint32(16), props.ClientsMax)
	assert.Equal(t, "exo", props.Name)

	join(t, alice)
	assert.Equal(t, protocol.StateConnected, alice.State())
	pollUntil(t, func() bool { return srv.ConnectedCount() == 1 })

	token, ok := srv.peerToken("alice")
	require.True(t, ok)
	assert.Equal(t, token, alice.Token())

	peers := srv.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "alice", peers[0].Name)
	assert.Equal(t, "CONNECTED", peers[0].State)

	require.NoError(t, alice.Discover())
	pollUntil(t, func() bool { p, _ := alice.Properties(); return p.Clients == 1 }, alice)
}

func TestJoinOverUDP(t *testing.T) {
	srv := startServer(t, network.UDP, 0, ServerConfig{})
	alice := newTestClient(t, srv, "alice", testVersion)

	join(t, alice)
	pollUntil(t, func() bool { return srv.ConnectedCount() == 1 })
	token, ok := srv.peerToken("alice")
	require.True(t, ok)
	assert.Equal(t, token, alice.Token())
}

func TestJoinWithTaskQueueAndEvents(t *testing.T) {
	q := scheduler.NewTaskQueue(2)
	t.Cleanup(func() { q.Close() })

	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)
	accepted := make(chan events.HandshakePayload, 4)
	bus.Subscribe(events.EventHandshakeAccepted, "test", func(_ context.Context, e events.Event) error {
		accepted <- e.Payload.(events.HandshakePayload)
		return nil
	})

	srv := startServer(t, network.TCP, 0, ServerConfig{}, WithTaskQueue(q), WithEventBus(bus))
	alice := newTestClient(t, srv, "alice", testVersion, WithTaskQueue(q))
	join(t, alice)

	select {
	case p := <-accepted:
		assert.Equal(t, "alice", p.Name)
		assert.Equal(t, OutcomeAccepted, p.Outcome)
	case <-time.After(5 * time.Second):
		t.Fatal("no handshake event")
	}
	assert.Positive(t, q.Stats().Executed)
}

func TestJoinRefusals(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		first   string
		second  string
		version uint32
		wantErr error
		reason  string
	}{
		{name: "incompatible version", second: "bob", version: testVersion + 1, wantErr: ErrIncompatibleVersion},
		{name: "server full", cfg: ServerConfig{MaxClients: 1}, first: "alice", second: "bob", version: testVersion, wantErr: ErrServerFull},
		{name: "name taken", first: "alice", second: "ALICE", version: testVersion, wantErr: ErrRefused, reason: "NAME_TAKEN"},
		{name: "empty name", second: "", version: testVersion, wantErr: ErrRefused, reason: "INVALID_NAME"},
		{name: "name too long", second: strings.Repeat("a", protocol.MaxNameLength+1), version: testVersion, wantErr: ErrRefused, reason: "INVALID_NAME"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := startServer(t, network.TCP, 0, tt.cfg)
			if tt.first != "" {
				join(t, newTestClient(t, srv, tt.first, testVersion))
				pollUntil(t, func() bool { return srv.ConnectedCount() == 1 })
			}

			c := newTestClient(t, srv, tt.second, tt.version)
			require.NoError(t, c.Join())
			pollUntil(t, func() bool { return c.Err() != nil }, c)

			assert.ErrorIs(t, c.Err(), tt.wantErr)
			if tt.reason != "" {
				assert.Contains(t, c.Err().Error(), tt.reason)
			}
			pollUntil(t, func() bool { return c.State() == protocol.StateDisconnected }, c)
			assert.True(t, c.Connected(), "a refusal keeps the transport open")
		})
	}
}

func TestValidName(t *testing.T) {
	assert.True(t, ValidName("alice"))
	assert.True(t, ValidName("Élodie 2"))
	assert.False(t, ValidName(""))
	assert.False(t, ValidName(" alice"))
	assert.False(t, ValidName("al\x00ice"))
	assert.False(t, ValidName(strings.Repeat("a", protocol.MaxNameLength+1)))
}

func TestChatRelay(t *testing.T) {
	srv := startServer(t, network.TCP, 0, ServerConfig{Name: "exo"})

	var (
		mu    sync.Mutex
		lines []string
	)
	record := func(name, text string) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, name+": "+text)
	}
	seen := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), lines...)
	}

	alice := newTestClient(t, srv, "alice", testVersion)
	bob := newTestClient(t, srv, "bob", testVersion, WithChatHandler(record))
	join(t, alice)
	join(t, bob)
	pollUntil(t, func() bool { return srv.ConnectedCount() == 2 })

	require.NoError(t, alice.Say("hello"))
	pollUntil(t, func() bool { return len(seen()) == 1 }, alice, bob)
	assert.Equal(t, []string{"alice: hello"}, seen())

	assert.Equal(t, 2, srv.Broadcast("restarting"))
	pollUntil(t, func() bool { return len(seen()) == 2 }, alice, bob)
	assert.Equal(t, "exo: restarting", seen()[1])
}

func TestSayRequiresConnected(t *testing.T) {
	srv := startServer(t, network.TCP, 0, ServerConfig{})
	alice := newTestClient(t, srv, "alice", testVersion)

	assert.ErrorIs(t, alice.Say("hi"), ErrInvalidState)
	assert.ErrorIs(t, alice.Leave(), ErrInvalidState)

	_, ck := testKeys(t)
	idle := NewClient(network.NewTCPSocket(), ck, "idle", testVersion)
	assert.ErrorIs(t, idle.Join(), ErrNotConnected)
	assert.ErrorIs(t, idle.Discover(), ErrNotConnected)
}

func TestLeave(t *testing.T) {
	srv := startServer(t, network.TCP, 0, ServerConfig{})
	alice := newTestClient(t, srv, "alice", testVersion)
	join(t, alice)
	pollUntil(t, func() bool { return srv.ConnectedCount() == 1 })

	require.NoError(t, alice.Leave())
	assert.False(t, alice.Connected())
	assert.Equal(t, protocol.StateDisconnected, alice.State())
	pollUntil(t, func() bool { return len(srv.Peers()) == 0 })
}

func TestKick(t *testing.T) {
	srv := startServer(t, network.TCP, 0, ServerConfig{})
	alice := newTestClient(t, srv, "alice", testVersion)
	join(t, alice)
	pollUntil(t, func() bool { return srv.ConnectedCount() == 1 })

	assert.ErrorIs(t, srv.Kick("nobody"), ErrUnknownPeer)
	require.NoError(t, srv.Kick("alice"))
	pollUntil(t, func() bool { return !alice.Connected() }, alice)
	assert.Equal(t, 0, srv.ConnectedCount())
}

// rawConn talks to a server without the session layer.
type rawConn struct {
	t    *testing.T
	conn net.Conn
}

func dialRaw(t *testing.T, srv *Server) *rawConn {
	t.Helper()
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(int(srv.Socket().Port())))
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &rawConn{t: t, conn: conn}
}

func (r *rawConn) write(data []byte) {
	r.t.Helper()
	_, err := r.conn.Write(data)
	require.NoError(r.t, err)
}

func (r *rawConn) send(p protocol.Payload) {
	r.t.Helper()
	m, err := protocol.Encode(p)
	require.NoError(r.t, err)
	r.write(m.Bytes())
}

func (r *rawConn) read() protocol.Payload {
	r.t.Helper()
	require.NoError(r.t, r.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	head := make([]byte, protocol.HeaderSize)
	_, err := io.ReadFull(r.conn, head)
	require.NoError(r.t, err)
	h, err := protocol.ReadHeader(head)
	require.NoError(r.t, err)

	body := make([]byte, int(h.Size)-protocol.HeaderSize)
	_, err = io.ReadFull(r.conn, body)
	require.NoError(r.t, err)

	_, p, err := protocol.Decode(message.FromBytes(append(head, body...)))
	require.NoError(r.t, err)
	return p
}

func TestProtocolErrorReplies(t *testing.T) {
	srv := startServer(t, network.TCP, 0, ServerConfig{})

	t.Run("invalid state", func(t *testing.T) {
		raw := dialRaw(t, srv)
		raw.send(protocol.Auth{Data: []byte{1, 2, 3}})
		assert.Equal(t, &protocol.InvalidState{
			Offending: protocol.TypeAuth,
			State:     protocol.StateDisconnected,
		}, raw.read())
	})

	t.Run("invalid packet type", func(t *testing.T) {
		raw := dialRaw(t, srv)
		raw.write(protocol.EncodeHeader(protocol.Header{Type: 99, Size: protocol.HeaderSize}).Bytes())
		assert.Equal(t, &protocol.InvalidPacketType{Offending: 99}, raw.read())
	})

	t.Run("invalid packet size", func(t *testing.T) {
		raw := dialRaw(t, srv)
		raw.write(protocol.EncodeHeader(protocol.Header{Type: protocol.TypeDiscoverRequest, Size: protocol.MaxPacketSize + 1}).Bytes())
		assert.Equal(t, &protocol.InvalidPacketSize{
			Offending: protocol.TypeDiscoverRequest,
			Size:      protocol.MaxPacketSize + 1,
		}, raw.read())
	})

	t.Run("error packets are not answered", func(t *testing.T) {
		raw := dialRaw(t, srv)
		raw.send(protocol.InvalidState{Offending: protocol.TypeAuth})
		raw.send(protocol.DiscoverRequest{})
		_, ok := raw.read().(*protocol.ServerProperties)
		assert.True(t, ok, "first reply answers the discover request")
	})
}

func TestInvalidToken(t *testing.T) {
	srv := startServer(t, network.TCP, 0, ServerConfig{})
	_, ck := testKeys(t)
	raw := dialRaw(t, srv)

	raw.send(protocol.ConnectRequest{Version: testVersion, PublicKey: ck.PublicKey()})
	req, ok := raw.read().(*protocol.AuthRequest)
	require.True(t, ok)

	plain, err := ck.Open(req.Data)
	require.NoError(t, err)
	challenge, err := protocol.ParseChallenge(plain)
	require.NoError(t, err)
	sk, err := security.NewPublicKey(challenge.ServerKey)
	require.NoError(t, err)

	forged := challenge.Token
	forged[0] ^= 0xff
	sealed, err := sk.Seal(protocol.Response{Token: forged, Name: "mallory"}.Bytes())
	require.NoError(t, err)
	raw.send(protocol.Auth{Data: sealed})

	assert.Equal(t, &protocol.ConnexionRefused{Reason: protocol.RefusedInvalidToken}, raw.read())
	assert.Equal(t, 0, srv.ConnectedCount())
}

func TestForgedAcceptDoesNotConnect(t *testing.T) {
	srv := startServer(t, network.TCP, 0, ServerConfig{Name: "exo"})
	_, ck := testKeys(t)

	var (
		mu    sync.Mutex
		lines []string
	)
	alice := newTestClient(t, srv, "alice", testVersion, WithChatHandler(func(name, text string) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, name+": "+text)
	}))
	join(t, alice)
	pollUntil(t, func() bool { return srv.ConnectedCount() == 1 })

	raw := dialRaw(t, srv)
	raw.send(protocol.ConnectRequest{Version: testVersion, PublicKey: ck.PublicKey()})
	_, ok := raw.read().(*protocol.AuthRequest)
	require.True(t, ok)

	raw.send(protocol.ConnexionAccepted{})
	assert.Equal(t, &protocol.InvalidState{
		Offending: protocol.TypeConnexionAccepted,
		State:     protocol.StateConnecting,
	}, raw.read())

	raw.send(protocol.GlobalMessage{Text: "unauthenticated hello"})
	assert.Equal(t, &protocol.InvalidState{
		Offending: protocol.TypeGlobalMessage,
		State:     protocol.StateConnecting,
	}, raw.read())
	assert.Equal(t, 1, srv.ConnectedCount())

	require.NoError(t, alice.Say("marker"))
	pollUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lines) > 0
	}, alice)
	mu.Lock()
	assert.Equal(t, []string{"alice: marker"}, lines)
	mu.Unlock()
}

func TestClientRejectsUnsolicitedAccept(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	_, ck := testKeys(t)
	sock := network.NewSocket(network.TCP)
	t.Cleanup(func() { sock.Close() })
	c := NewClient(sock, ck, "alice", testVersion)
	require.NoError(t, c.Connect("127.0.0.1", uint16(ln.Addr().(*net.TCPAddr).Port)))

	conn, err := ln.Accept()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	server := &rawConn{t: t, conn: conn}

	require.NoError(t, c.Join())
	_, ok := server.read().(*protocol.ConnectRequest)
	require.True(t, ok)

	server.send(protocol.ConnexionAccepted{})
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.NoError(t, c.Poll())
	}

	assert.Equal(t, &protocol.InvalidState{
		Offending: protocol.TypeConnexionAccepted,
		State:     protocol.StateConnecting,
	}, server.read())
	assert.Equal(t, protocol.StateConnecting, c.State())
}

func TestInvalidRsaKey(t *testing.T) {
	srv := startServer(t, network.TCP, 0, ServerConfig{})
	raw := dialRaw(t, srv)

	raw.send(protocol.ConnectRequest{Version: testVersion, PublicKey: "not a key"})
	assert.Equal(t, &protocol.InvalidRsaKey{}, raw.read())

	// The refusal returns the peer to DISCONNECTED, so it may retry.
	raw.send(protocol.DiscoverRequest{})
	_, ok := raw.read().(*protocol.ServerProperties)
	assert.True(t, ok)
}

func TestRefusalOutcome(t *testing.T) {
	assert.Equal(t, OutcomeInvalidToken, RefusalOutcome(protocol.RefusedInvalidToken))
	assert.Equal(t, OutcomeInvalidName, RefusalOutcome(protocol.RefusedInvalidName))
	assert.Equal(t, OutcomeNameTaken, RefusalOutcome(protocol.RefusedNameTaken))
}
