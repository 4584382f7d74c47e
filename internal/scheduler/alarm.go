package scheduler

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Alarm is a task due at a point in time. Periodic alarms are re-armed
// Interval after each firing.
type Alarm struct {
	ID       uint64        `json:"id"`
	Task     Task          `json:"-"`
	Name     string        `json:"name"`
	At       time.Time     `json:"at"`
	Interval time.Duration `json:"interval,omitempty"`
}

// Elapsed reports whether the alarm is due at now.
func (a Alarm) Elapsed(now time.Time) bool {
	return !now.Before(a.At)
}

// before orders alarms by deadline, then by insertion.
func (a Alarm) before(b Alarm) bool {
	if a.At.Equal(b.At) {
		return a.ID < b.ID
	}
	return a.At.Before(b.At)
}

// AlarmOption configures an AlarmQueue.
type AlarmOption func(*AlarmQueue)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) AlarmOption {
	return func(q *AlarmQueue) { q.now = now }
}

// WithAlarmLogger sets the alarm queue logger.
func WithAlarmLogger(l zerolog.Logger) AlarmOption {
	return func(q *AlarmQueue) { q.logger = l }
}

// AlarmQueue keeps alarms sorted by deadline and moves due ones to a
// TaskQueue. Alarms sharing a deadline fire in insertion order.
type AlarmQueue struct {
	mu     sync.Mutex
	alarms []Alarm
	queue  *TaskQueue
	nextID uint64
	now    func() time.Time
	logger zerolog.Logger
}

// NewAlarmQueue creates an alarm queue feeding queue.
func NewAlarmQueue(queue *TaskQueue, opts ...AlarmOption) *AlarmQueue {
	q := &AlarmQueue{
		queue:  queue,
		now:    time.Now,
		logger: log.With().Str("component", "alarm_queue").Logger(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Add schedules task at the given time and returns the alarm id.
func (q *AlarmQueue) Add(task Task, at time.Time) uint64 {
	return q.schedule(task, at, 0)
}

// After schedules task d from now.
func (q *AlarmQueue) After(task Task, d time.Duration) uint64 {
	return q.schedule(task, q.now().Add(d), 0)
}

// Every schedules task every interval, first firing one interval from now.
func (q *AlarmQueue) Every(task Task, interval time.Duration) uint64 {
	if interval <= 0 {
		interval = time.Millisecond
	}
	return q.schedule(task, q.now().Add(interval), interval)
}

func (q *AlarmQueue) schedule(task Task, at time.Time, interval time.Duration) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextID++
	a := Alarm{ID: q.nextID, Task: task, Name: task.Name, At: at, Interval: interval}
	q.insert(a)
	return a.ID
}

// insert places a before the first alarm that sorts after it.
func (q *AlarmQueue) insert(a Alarm) {
	i := 0
	for i < len(q.alarms) && !a.before(q.alarms[i]) {
		i++
	}
	q.alarms = append(q.alarms, Alarm{})
	copy(q.alarms[i+1:], q.alarms[i:])
	q.alarms[i] = a
}

// Cancel removes a pending alarm and invokes its cancel callback.
func (q *AlarmQueue) Cancel(id uint64) bool {
	q.mu.Lock()
	var (
		found Alarm
		ok    bool
	)
	for i, a := range q.alarms {
		if a.ID == id {
			found, ok = a, true
			q.alarms = append(q.alarms[:i], q.alarms[i+1:]...)
			break
		}
	}
	q.mu.Unlock()

	if ok {
		found.Task.Cancel()
	}
	return ok
}

// Manage moves every elapsed alarm to the task queue, in deadline order,
// stopping at the first alarm not yet due. If the task queue refuses a task
// that alarm and the later ones stay pending and the error is returned.
func (q *AlarmQueue) Manage() (int, error) {
	now := q.now()

	q.mu.Lock()
	var due []Alarm
	for len(q.alarms) > 0 && q.alarms[0].Elapsed(now) {
		due = append(due, q.alarms[0])
		q.alarms = q.alarms[1:]
	}
	q.mu.Unlock()

	for i, a := range due {
		if err := q.queue.Add(a.Task); err != nil {
			q.mu.Lock()
			for _, back := range due[i:] {
				q.insert(back)
			}
			q.mu.Unlock()
			q.logger.Warn().Err(err).Str("alarm", a.Name).Int("deferred", len(due)-i).Msg("alarm deferred")
			return i, err
		}
		if a.Interval > 0 {
			q.rearm(a, now)
		}
	}
	return len(due), nil
}

func (q *AlarmQueue) rearm(a Alarm, now time.Time) {
	a.At = a.At.Add(a.Interval)
	if a.Elapsed(now) {
		a.At = now.Add(a.Interval)
	}
	q.mu.Lock()
	q.insert(a)
	q.mu.Unlock()
}

// Len returns the number of pending alarms.
func (q *AlarmQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.alarms)
}

// Pending returns a copy of the pending alarms in firing order.
func (q *AlarmQueue) Pending() []Alarm {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Alarm, len(q.alarms))
	copy(out, q.alarms)
	return out
}
