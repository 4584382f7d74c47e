package cli

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exoengine/exocore/internal/config"
	"github.com/exoengine/exocore/internal/events"
	"github.com/exoengine/exocore/internal/network"
	"github.com/exoengine/exocore/internal/scheduler"
	"github.com/exoengine/exocore/internal/security"
	"github.com/exoengine/exocore/internal/session"
)

func newSessionServer(t *testing.T) *session.Server {
	t.Helper()
	key, err := security.GenerateKey()
	require.NoError(t, err)

	sock := network.NewTCPSocket(network.WithBindHost("127.0.0.1"))
	require.NoError(t, sock.Bind(0))
	t.Cleanup(func() { sock.Close() })

	return session.NewServer(sock, key, session.ServerConfig{Name: "console test", Version: 1})
}

func newTestCLI(t *testing.T, cfg *config.Config, bus *events.EventBus, deps Deps) (*CLI, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	return NewCLI(cfg, bus, deps, strings.NewReader(""), out), out
}

func TestHelpAndUnknown(t *testing.T) {
	c, out := newTestCLI(t, nil, nil, Deps{})
	require.NoError(t, c.Execute(context.Background(), "help", nil))
	assert.Contains(t, out.String(), "setconfig")

	out.Reset()
	require.NoError(t, c.Execute(context.Background(), "frobnicate", nil))
	assert.Contains(t, out.String(), "Unknown command: 'frobnicate'")
}

func TestCommandsWithoutComponents(t *testing.T) {
	c, _ := newTestCLI(t, nil, nil, Deps{})
	for _, cmd := range []string{"status", "peers", "tasks", "alarms", "audit", "say", "kick", "setconfig"} {
		t.Run(cmd, func(t *testing.T) {
			assert.Error(t, c.Execute(context.Background(), cmd, []string{"x", "y", "z"}))
		})
	}
}

func TestStatusAndPeers(t *testing.T) {
	srv := newSessionServer(t)
	c, out := newTestCLI(t, nil, nil, Deps{Session: srv})

	require.NoError(t, c.Execute(context.Background(), "status", nil))
	assert.Contains(t, out.String(), "console test")
	assert.Contains(t, out.String(), "tcp")

	out.Reset()
	require.NoError(t, c.Execute(context.Background(), "peers", nil))
	assert.Contains(t, out.String(), "ADDRESS")
}

func TestTasksAndAlarms(t *testing.T) {
	q := scheduler.NewTaskQueue(2, scheduler.WithCapacity(64))
	t.Cleanup(func() { q.Close() })
	alarms := scheduler.NewAlarmQueue(q)
	alarms.Every(scheduler.NewTask("reap-idle", func() {}), time.Minute)

	c, out := newTestCLI(t, nil, nil, Deps{Queue: q, Alarms: alarms})

	require.NoError(t, c.Execute(context.Background(), "tasks", nil))
	assert.Contains(t, out.String(), "64")
	assert.Contains(t, out.String(), "reject")

	out.Reset()
	require.NoError(t, c.Execute(context.Background(), "alarms", nil))
	assert.Contains(t, out.String(), "reap-idle")
	assert.Contains(t, out.String(), "1m0s")
}

func TestSayAndKick(t *testing.T) {
	c, out := newTestCLI(t, nil, nil, Deps{Session: newSessionServer(t)})

	assert.Error(t, c.Execute(context.Background(), "say", nil))
	require.NoError(t, c.Execute(context.Background(), "say", []string{"hello", "all"}))
	assert.Contains(t, out.String(), "Message sent to 0 peers")

	err := c.Execute(context.Background(), "kick", []string{"nobody"})
	assert.ErrorIs(t, err, session.ErrUnknownPeer)
}

func TestSetConfig(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)
	c, _ := newTestCLI(t, cfg, nil, Deps{})

	require.NoError(t, c.Execute(context.Background(), "setconfig", []string{"network", "max_clients", "32"}))
	require.NoError(t, c.Execute(context.Background(), "setconfig", []string{"network", "server_name", "my", "server"}))
	assert.Equal(t, 32, cfg.GetNetwork().MaxClients)
	assert.Equal(t, "my server", cfg.GetNetwork().ServerName)

	reloaded, err := config.Load(filepath.Dir(cfg.Path()))
	require.NoError(t, err)
	assert.Equal(t, 32, reloaded.GetNetwork().MaxClients)

	assert.Error(t, c.Execute(context.Background(), "setconfig", []string{"network", "nope", "1"}))
}

func TestQuitEmitsShutdown(t *testing.T) {
	bus := events.NewEventBus()
	var got atomic.Bool
	bus.Subscribe(events.EventShutdown, "test", func(context.Context, events.Event) error {
		got.Store(true)
		return nil
	})

	out := &bytes.Buffer{}
	c := NewCLI(nil, bus, Deps{}, strings.NewReader("help\n\nquit\nhelp\n"), out)

	done := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("console did not stop on quit")
	}
	assert.Eventually(t, got.Load, time.Second, 5*time.Millisecond)
	assert.Contains(t, out.String(), "Shutting down exocore")
	bus.Stop()
}

func TestStartStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r, w := io.Pipe()
	defer w.Close()

	c := NewCLI(nil, nil, Deps{}, r, &bytes.Buffer{})
	done := make(chan struct{})
	go func() {
		c.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("console did not stop on cancel")
	}
}

func TestChatConsoleRequiresConnection(t *testing.T) {
	key, err := security.GenerateKey()
	require.NoError(t, err)
	sock := network.NewTCPSocket()
	t.Cleanup(func() { sock.Close() })
	client := session.NewClient(sock, key, "alice", 1)

	out := &bytes.Buffer{}
	console := NewChatConsole(client, strings.NewReader(""), out)

	assert.ErrorIs(t, console.Execute("hello"), session.ErrNotConnected)
	assert.ErrorIs(t, console.Execute("/join"), session.ErrNotConnected)
	assert.ErrorIs(t, console.Execute("/quit"), errQuit)

	require.NoError(t, console.Execute("/status"))
	assert.Contains(t, out.String(), "DISCONNECTED")

	require.NoError(t, console.Execute("/bogus"))
	assert.Contains(t, out.String(), "Unknown command: '/bogus'")
}
