package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/exoengine/exocore/internal/scheduler"
)

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, event Event) error

// EventBus implements an asynchronous publish-subscribe event system.
// Asynchronous deliveries run as tasks on a TaskQueue when one is set, or
// in their own goroutine otherwise.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]handlerEntry
	queue    *scheduler.TaskQueue
	logger   zerolog.Logger
	stopCh   chan struct{}
	stopped  bool
	wg       sync.WaitGroup
	dropped  atomic.Uint64
}

type handlerEntry struct {
	name    string
	handler HandlerFunc
}

// Option configures an EventBus.
type Option func(*EventBus)

// WithQueue runs asynchronous deliveries on q.
func WithQueue(q *scheduler.TaskQueue) Option {
	return func(eb *EventBus) { eb.queue = q }
}

// WithLogger sets the bus logger.
func WithLogger(l zerolog.Logger) Option {
	return func(eb *EventBus) { eb.logger = l }
}

// NewEventBus creates a new EventBus instance.
func NewEventBus(opts ...Option) *EventBus {
	eb := &EventBus{
		handlers: make(map[EventType][]handlerEntry),
		stopCh:   make(chan struct{}),
		logger:   log.With().Str("component", "event_bus").Logger(),
	}
	for _, opt := range opts {
		opt(eb)
	}
	return eb
}

// Subscribe registers a handler function for a specific event type.
// The name parameter is used for logging/debugging purposes.
func (eb *EventBus) Subscribe(eventType EventType, name string, handler HandlerFunc) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.handlers[eventType] = append(eb.handlers[eventType], handlerEntry{
		name:    name,
		handler: handler,
	})

	eb.logger.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("subscribed to event")
}

// SubscribeAll registers handler for every event type.
func (eb *EventBus) SubscribeAll(name string, handler HandlerFunc) {
	for _, t := range AllEventTypes {
		eb.Subscribe(t, name, handler)
	}
}

// Unsubscribe removes a named handler from a specific event type.
func (eb *EventBus) Unsubscribe(eventType EventType, name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	handlers, exists := eb.handlers[eventType]
	if !exists {
		return
	}

	filtered := make([]handlerEntry, 0, len(handlers))
	for _, h := range handlers {
		if h.name != name {
			filtered = append(filtered, h)
		}
	}
	eb.handlers[eventType] = filtered
}

func (eb *EventBus) snapshot(event *Event) []handlerEntry {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.stopped {
		return nil
	}
	handlers := eb.handlers[event.Type]
	if len(handlers) == 0 {
		return nil
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	out := make([]handlerEntry, len(handlers))
	copy(out, handlers)
	return out
}

// Emit publishes an event to all subscribed handlers asynchronously.
// A delivery refused by a full task queue is dropped and counted.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	handlers := eb.snapshot(&event)
	if len(handlers) == 0 {
		return
	}

	eb.logger.Trace().
		Str("event", string(event.Type)).
		Str("source", event.Source).
		Int("handlers", len(handlers)).
		Msg("emitting event")

	for _, h := range handlers {
		eb.wg.Add(1)
		run := func() {
			defer eb.wg.Done()
			eb.invoke(ctx, h, event)
		}

		if eb.queue == nil {
			go run()
			continue
		}

		err := eb.queue.Add(scheduler.Task{
			Name:     "event:" + string(event.Type) + ":" + h.name,
			Run:      run,
			OnCancel: eb.wg.Done,
		})
		if err != nil {
			eb.wg.Done()
			eb.dropped.Add(1)
			eb.logger.Warn().
				Err(err).
				Str("event", string(event.Type)).
				Str("handler", h.name).
				Msg("event delivery dropped")
		}
	}
}

// EmitSync publishes an event and runs every handler on the calling
// goroutine. Returns the first error encountered, if any.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	var firstErr error
	for _, h := range eb.snapshot(&event) {
		if err := eb.invoke(ctx, h, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (eb *EventBus) invoke(ctx context.Context, h handlerEntry, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error().
				Str("event", string(event.Type)).
				Str("handler", h.name).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	if err = h.handler(ctx, event); err != nil {
		eb.logger.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("handler", h.name).
			Msg("handler returned error")
	}
	return err
}

// Stop signals the EventBus to stop accepting new events and waits
// for all in-flight handlers to complete.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		return
	}
	eb.stopped = true
	close(eb.stopCh)
	eb.mu.Unlock()

	eb.wg.Wait()
	eb.logger.Info().Uint64("dropped", eb.dropped.Load()).Msg("event bus stopped")
}

// StopCh returns a channel that is closed when the EventBus is stopped.
func (eb *EventBus) StopCh() <-chan struct{} {
	return eb.stopCh
}

// HandlerCount returns the number of handlers registered for a specific event type.
func (eb *EventBus) HandlerCount(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType])
}

// Dropped returns the number of deliveries refused by the task queue.
func (eb *EventBus) Dropped() uint64 {
	return eb.dropped.Load()
}
