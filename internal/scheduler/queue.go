// Package scheduler runs deferred work: a bounded TaskQueue drained by a
// fixed pool of runners, and an AlarmQueue that hands tasks to it once their
// deadline has passed.
package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultCapacity is the number of pending tasks a queue holds.
	DefaultCapacity = 1024
	// DefaultJoinTimeout is how long Close waits for each runner.
	DefaultJoinTimeout = 100 * time.Millisecond
	// DefaultIdleWait is how long an idle runner sleeps before polling again.
	DefaultIdleWait = 500 * time.Microsecond
)

var (
	// ErrQueueFull is returned by Add when the queue rejects a task.
	ErrQueueFull = errors.New("task queue full")
	// ErrQueueEmpty is returned by Next when no task is pending.
	ErrQueueEmpty = errors.New("task queue empty")
	// ErrQueueClosed is returned by Add after Close.
	ErrQueueClosed = errors.New("task queue closed")
	// ErrRunnerTimeout is returned by Close when runners had to be abandoned.
	ErrRunnerTimeout = errors.New("runner did not stop in time")
)

// OverflowPolicy decides what Add does when the queue is full.
type OverflowPolicy int

const (
	// OverflowReject refuses the new task with ErrQueueFull.
	OverflowReject OverflowPolicy = iota
	// OverflowEvictOldest drops the oldest pending task and cancels it.
	OverflowEvictOldest
)

// String returns the configuration name of the policy.
func (p OverflowPolicy) String() string {
	switch p {
	case OverflowReject:
		return "reject"
	case OverflowEvictOldest:
		return "evict"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// ParseOverflowPolicy parses "reject" or "evict".
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject":
		return OverflowReject, nil
	case "evict", "evict_oldest":
		return OverflowEvictOldest, nil
	default:
		return OverflowReject, fmt.Errorf("unknown overflow policy %q", s)
	}
}

type options struct {
	capacity    int
	policy      OverflowPolicy
	joinTimeout time.Duration
	idleWait    time.Duration
	logger      zerolog.Logger
}

// Option configures a TaskQueue.
type Option func(*options)

// WithCapacity sets the number of pending tasks the queue holds.
func WithCapacity(n int) Option {
	return func(o *options) { o.capacity = n }
}

// WithOverflowPolicy sets the behaviour of Add on a full queue.
func WithOverflowPolicy(p OverflowPolicy) Option {
	return func(o *options) { o.policy = p }
}

// WithJoinTimeout sets how long Close waits for each runner.
func WithJoinTimeout(d time.Duration) Option {
	return func(o *options) { o.joinTimeout = d }
}

// WithIdleWait sets the idle sleep of runners.
func WithIdleWait(d time.Duration) Option {
	return func(o *options) { o.idleWait = d }
}

// WithLogger sets the queue logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Workers   int    `json:"workers"`
	Pending   int    `json:"pending"`
	Capacity  int    `json:"capacity"`
	Policy    string `json:"policy"`
	Executed  uint64 `json:"executed"`
	Rejected  uint64 `json:"rejected"`
	Evicted   uint64 `json:"evicted"`
	Panicked  uint64 `json:"panicked"`
	Abandoned int    `json:"abandoned"`
}

// TaskQueue is a bounded FIFO of tasks executed by a fixed set of runners.
type TaskQueue struct {
	mu      sync.Mutex
	tasks   *Ring[Task]
	runners []*Runner
	opts    options
	logger  zerolog.Logger

	joining atomic.Bool
	wake    chan struct{}
	quit    chan struct{}

	executed  atomic.Uint64
	rejected  atomic.Uint64
	evicted   atomic.Uint64
	panicked  atomic.Uint64
	abandoned atomic.Int64
}

// NewTaskQueue starts a queue with the given number of runners. A queue
// with no runner only stores tasks; they are taken with Next.
func NewTaskQueue(workers int, opts ...Option) *TaskQueue {
	o := options{
		capacity:    DefaultCapacity,
		policy:      OverflowReject,
		joinTimeout: DefaultJoinTimeout,
		idleWait:    DefaultIdleWait,
		logger:      log.With().Str("component", "task_queue").Logger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if workers < 0 {
		workers = 0
	}

	q := &TaskQueue{
		tasks:  NewRing[Task](o.capacity),
		opts:   o,
		logger: o.logger,
		wake:   make(chan struct{}, max(workers, 1)),
		quit:   make(chan struct{}),
	}

	q.mu.Lock()
	for i := 0; i < workers; i++ {
		r := newRunner(i, q)
		q.runners = append(q.runners, r)
		go r.loop()
	}
	q.mu.Unlock()

	q.logger.Debug().
		Int("workers", workers).
		Int("capacity", o.capacity).
		Str("policy", o.policy.String()).
		Msg("task queue started")
	return q
}

// Add enqueues a task.
func (q *TaskQueue) Add(task Task) error {
	if q.joining.Load() {
		return ErrQueueClosed
	}

	q.mu.Lock()
	var (
		old     Task
		evicted bool
	)
	switch q.opts.policy {
	case OverflowEvictOldest:
		old, evicted = q.tasks.PushEvict(task)
	default:
		if err := q.tasks.Push(task); err != nil {
			q.mu.Unlock()
			q.rejected.Add(1)
			return fmt.Errorf("add task %q: %w", task.Name, ErrQueueFull)
		}
	}
	q.mu.Unlock()

	if evicted {
		q.evicted.Add(1)
		q.logger.Warn().Str("task", old.Name).Msg("task queue full, oldest task evicted")
		old.Cancel()
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Next removes and returns the oldest pending task.
func (q *TaskQueue) Next() (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, err := q.tasks.Pop()
	if err != nil {
		return Task{}, ErrQueueEmpty
	}
	return task, nil
}

// Len returns the number of pending tasks.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.Len()
}

// Joining reports whether Close has been called.
func (q *TaskQueue) Joining() bool {
	return q.joining.Load()
}

// Stats returns a snapshot of the queue counters.
func (q *TaskQueue) Stats() Stats {
	q.mu.Lock()
	pending, capacity, workers := q.tasks.Len(), q.tasks.Cap(), len(q.runners)
	q.mu.Unlock()

	return Stats{
		Workers:   workers,
		Pending:   pending,
		Capacity:  capacity,
		Policy:    q.opts.policy.String(),
		Executed:  q.executed.Load(),
		Rejected:  q.rejected.Load(),
		Evicted:   q.evicted.Load(),
		Panicked:  q.panicked.Load(),
		Abandoned: int(q.abandoned.Load()),
	}
}

// Close stops the runners. Pending tasks are cancelled. Each runner gets the
// join timeout to finish its current task; runners still busy after that are
// abandoned and reported through ErrRunnerTimeout.
func (q *TaskQueue) Close() error {
	if !q.joining.CompareAndSwap(false, true) {
		return nil
	}
	close(q.quit)

	q.mu.Lock()
	dropped := q.tasks.Drain()
	runners := q.runners
	q.mu.Unlock()

	for _, t := range dropped {
		t.Cancel()
	}

	abandoned := 0
	for _, r := range runners {
		timer := time.NewTimer(q.opts.joinTimeout)
		select {
		case <-r.done:
		case <-timer.C:
			abandoned++
			q.logger.Warn().
				Int("runner", r.id).
				Dur("timeout", q.opts.joinTimeout).
				Msg("runner still busy, abandoning it")
		}
		timer.Stop()
	}
	q.abandoned.Store(int64(abandoned))

	q.logger.Debug().
		Int("cancelled", len(dropped)).
		Int("abandoned", abandoned).
		Msg("task queue stopped")

	if abandoned > 0 {
		return fmt.Errorf("%d of %d runners: %w", abandoned, len(runners), ErrRunnerTimeout)
	}
	return nil
}

func (q *TaskQueue) execute(r *Runner, task Task) {
	defer func() {
		if rec := recover(); rec != nil {
			q.panicked.Add(1)
			q.logger.Error().
				Int("runner", r.id).
				Str("task", task.Name).
				Interface("panic", rec).
				Msg("task panicked")
		}
	}()

	task.Launch()
	task.Finish()
	q.executed.Add(1)
}

// Runner is one worker goroutine of a TaskQueue.
type Runner struct {
	id    int
	queue *TaskQueue
	ended atomic.Bool
	done  chan struct{}
}

func newRunner(id int, q *TaskQueue) *Runner {
	return &Runner{id: id, queue: q, done: make(chan struct{})}
}

// Ended reports whether the runner loop has returned.
func (r *Runner) Ended() bool {
	return r.ended.Load()
}

func (r *Runner) loop() {
	defer close(r.done)

	idle := time.NewTimer(r.queue.opts.idleWait)
	defer idle.Stop()

	for {
		if r.queue.Joining() {
			r.ended.Store(true)
			return
		}

		task, err := r.queue.Next()
		if err == nil {
			r.queue.execute(r, task)
			continue
		}

		idle.Reset(r.queue.opts.idleWait)
		select {
		case <-r.queue.wake:
		case <-r.queue.quit:
		case <-idle.C:
		}
	}
}
