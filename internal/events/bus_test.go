package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exoengine/exocore/internal/scheduler"
)

func TestEmitRunsOnTaskQueue(t *testing.T) {
	q := scheduler.NewTaskQueue(2)
	defer q.Close()
	bus := NewEventBus(WithQueue(q))

	var got atomic.Int32
	var wg sync.WaitGroup
	wg.Add(2)
	for _, name := range []string{"a", "b"} {
		bus.Subscribe(EventPeerAdded, name, func(_ context.Context, e Event) error {
			defer wg.Done()
			assert.False(t, e.Time.IsZero())
			got.Add(1)
			return nil
		})
	}

	bus.Emit(context.Background(), Event{Type: EventPeerAdded, Payload: PeerPayload{Address: "127.0.0.1:1"}})
	wg.Wait()
	assert.Equal(t, int32(2), got.Load())
	assert.GreaterOrEqual(t, q.Stats().Executed, uint64(1))
	bus.Stop()
}

func TestEmitWithoutQueue(t *testing.T) {
	bus := NewEventBus()
	done := make(chan struct{})
	bus.Subscribe(EventShutdown, "x", func(context.Context, Event) error {
		close(done)
		return nil
	})

	bus.Emit(context.Background(), Event{Type: EventShutdown})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
	bus.Stop()
}

func TestEmitDropsWhenQueueFull(t *testing.T) {
	q := scheduler.NewTaskQueue(0, scheduler.WithCapacity(1))
	bus := NewEventBus(WithQueue(q))
	bus.Subscribe(EventGlobalMessage, "a", func(context.Context, Event) error { return nil })

	bus.Emit(context.Background(), Event{Type: EventGlobalMessage})
	bus.Emit(context.Background(), Event{Type: EventGlobalMessage})
	assert.Equal(t, uint64(1), bus.Dropped())

	// Closing the queue cancels the pending delivery, so Stop returns.
	require.NoError(t, q.Close())
	bus.Stop()
}

func TestEmitSyncReturnsFirstError(t *testing.T) {
	bus := NewEventBus()
	boom := errors.New("boom")
	bus.Subscribe(EventProtocolError, "fails", func(context.Context, Event) error { return boom })
	bus.Subscribe(EventProtocolError, "panics", func(context.Context, Event) error { panic("oops") })

	err := bus.EmitSync(context.Background(), Event{Type: EventProtocolError})
	assert.ErrorIs(t, err, boom)
}

func TestUnsubscribeAndStop(t *testing.T) {
	bus := NewEventBus()
	bus.SubscribeAll("all", func(context.Context, Event) error { return nil })
	assert.Equal(t, 1, bus.HandlerCount(EventHandshakeAccepted))

	bus.Unsubscribe(EventHandshakeAccepted, "all")
	assert.Equal(t, 0, bus.HandlerCount(EventHandshakeAccepted))

	bus.Stop()
	bus.Stop()
	select {
	case <-bus.StopCh():
	default:
		t.Fatal("stop channel still open")
	}
	assert.NoError(t, bus.EmitSync(context.Background(), Event{Type: EventPeerAdded}))
}
