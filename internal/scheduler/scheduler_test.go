package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingFIFO(t *testing.T) {
	r := NewRing[int](3)
	require.NoError(t, r.Push(1))
	require.NoError(t, r.Push(2))
	require.NoError(t, r.Push(3))
	assert.True(t, r.Full())
	assert.ErrorIs(t, r.Push(4), ErrRingFull)

	v, err := r.At(1)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	_, err = r.At(3)
	assert.ErrorIs(t, err, ErrRingIndex)

	v, err = r.Pop()
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	require.NoError(t, r.Push(4))
	assert.Equal(t, []int{2, 3, 4}, r.Drain())

	_, err = r.Pop()
	assert.ErrorIs(t, err, ErrRingEmpty)
}

func TestRingPushEvict(t *testing.T) {
	r := NewRing[string](2)
	_, evicted := r.PushEvict("a")
	assert.False(t, evicted)
	r.PushEvict("b")

	old, evicted := r.PushEvict("c")
	assert.True(t, evicted)
	assert.Equal(t, "a", old)
	assert.Equal(t, []string{"b", "c"}, r.Drain())
}

func TestParseOverflowPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    OverflowPolicy
		wantErr bool
	}{
		{"", OverflowReject, false},
		{"reject", OverflowReject, false},
		{"Evict", OverflowEvictOldest, false},
		{"drop", OverflowReject, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseOverflowPolicy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTaskNilCallbacks(t *testing.T) {
	var task Task
	assert.NotPanics(t, func() {
		task.Launch()
		task.Finish()
		task.Cancel()
	})
}

func TestTaskQueueSingleRunnerKeepsOrder(t *testing.T) {
	q := NewTaskQueue(1)
	defer q.Close()

	var (
		mu  sync.Mutex
		got []int
		wg  sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		require.NoError(t, q.Add(Task{
			Run: func() {
				mu.Lock()
				got = append(got, i)
				mu.Unlock()
			},
			OnFinish: wg.Done,
		}))
	}
	wg.Wait()

	require.Len(t, got, 50)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
	assert.Equal(t, uint64(50), q.Stats().Executed)
}

func TestTaskQueueManyRunners(t *testing.T) {
	q := NewTaskQueue(4)
	defer q.Close()

	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		require.NoError(t, q.Add(Task{Run: func() { count.Add(1) }, OnFinish: wg.Done}))
	}
	wg.Wait()
	assert.Equal(t, int32(200), count.Load())
}

func TestTaskQueueRejectWhenFull(t *testing.T) {
	q := NewTaskQueue(0, WithCapacity(2))
	defer q.Close()

	require.NoError(t, q.Add(NewTask("a", nil)))
	require.NoError(t, q.Add(NewTask("b", nil)))
	assert.ErrorIs(t, q.Add(NewTask("c", nil)), ErrQueueFull)

	stats := q.Stats()
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, uint64(1), stats.Rejected)
	assert.Equal(t, "reject", stats.Policy)
}

func TestTaskQueueEvictOldest(t *testing.T) {
	q := NewTaskQueue(0, WithCapacity(2), WithOverflowPolicy(OverflowEvictOldest))
	defer q.Close()

	var cancelled []string
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, q.Add(Task{Name: name, OnCancel: func() { cancelled = append(cancelled, name) }}))
	}

	assert.Equal(t, []string{"a"}, cancelled)
	first, err := q.Next()
	require.NoError(t, err)
	assert.Equal(t, "b", first.Name)
	assert.Equal(t, uint64(1), q.Stats().Evicted)
}

func TestTaskQueueNextEmpty(t *testing.T) {
	q := NewTaskQueue(0)
	defer q.Close()

	_, err := q.Next()
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestTaskQueueCloseCancelsPending(t *testing.T) {
	q := NewTaskQueue(0)

	var cancelled atomic.Int32
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Add(Task{OnCancel: func() { cancelled.Add(1) }}))
	}

	require.NoError(t, q.Close())
	assert.Equal(t, int32(3), cancelled.Load())
	assert.Equal(t, 0, q.Len())
	assert.ErrorIs(t, q.Add(NewTask("late", nil)), ErrQueueClosed)
	assert.NoError(t, q.Close())
}

func TestTaskQueueCloseStopsIdleRunners(t *testing.T) {
	q := NewTaskQueue(3)
	require.NoError(t, q.Close())

	for _, r := range q.runners {
		assert.True(t, r.Ended())
	}
	assert.Equal(t, 0, q.Stats().Abandoned)
}

func TestTaskQueueAbandonsBusyRunner(t *testing.T) {
	q := NewTaskQueue(1, WithJoinTimeout(20*time.Millisecond))

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, q.Add(Task{Run: func() {
		close(started)
		<-release
	}}))
	<-started

	err := q.Close()
	assert.ErrorIs(t, err, ErrRunnerTimeout)
	assert.Equal(t, 1, q.Stats().Abandoned)
	close(release)
}

func TestTaskQueueRecoversPanics(t *testing.T) {
	q := NewTaskQueue(1)
	defer q.Close()

	done := make(chan struct{})
	require.NoError(t, q.Add(Task{Run: func() { panic("boom") }}))
	require.NoError(t, q.Add(Task{Run: func() { close(done) }}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not survive a panicking task")
	}
	assert.Equal(t, uint64(1), q.Stats().Panicked)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func drainNames(t *testing.T, q *TaskQueue) []string {
	t.Helper()
	var names []string
	for {
		task, err := q.Next()
		if err != nil {
			return names
		}
		names = append(names, task.Name)
	}
}

func TestAlarmQueueManageMovesElapsedInOrder(t *testing.T) {
	clock := newFakeClock()
	tasks := NewTaskQueue(0)
	defer tasks.Close()
	alarms := NewAlarmQueue(tasks, WithClock(clock.Now))

	base := clock.Now()
	alarms.Add(NewTask("t1", nil), base.Add(10*time.Millisecond))
	alarms.Add(NewTask("t3", nil), base.Add(30*time.Millisecond))
	alarms.Add(NewTask("t2", nil), base.Add(20*time.Millisecond))

	clock.Advance(20 * time.Millisecond)
	moved, err := alarms.Manage()
	require.NoError(t, err)
	assert.Equal(t, 2, moved)
	assert.Equal(t, []string{"t1", "t2"}, drainNames(t, tasks))
	assert.Equal(t, 1, alarms.Len())

	moved, err = alarms.Manage()
	require.NoError(t, err)
	assert.Equal(t, 0, moved)
}

func TestAlarmQueueTiesKeepInsertionOrder(t *testing.T) {
	clock := newFakeClock()
	tasks := NewTaskQueue(0)
	defer tasks.Close()
	alarms := NewAlarmQueue(tasks, WithClock(clock.Now))

	at := clock.Now().Add(time.Second)
	alarms.Add(NewTask("late", nil), at.Add(time.Second))
	for _, name := range []string{"a", "b", "c"} {
		alarms.Add(NewTask(name, nil), at)
	}
	alarms.Add(NewTask("early", nil), at.Add(-time.Millisecond))

	pending := alarms.Pending()
	require.Len(t, pending, 5)
	var order []string
	for _, a := range pending {
		order = append(order, a.Name)
	}
	assert.Equal(t, []string{"early", "a", "b", "c", "late"}, order)

	clock.Advance(time.Second)
	_, err := alarms.Manage()
	require.NoError(t, err)
	assert.Equal(t, []string{"early", "a", "b", "c"}, drainNames(t, tasks))
}

func TestAlarmQueueCancel(t *testing.T) {
	clock := newFakeClock()
	tasks := NewTaskQueue(0)
	defer tasks.Close()
	alarms := NewAlarmQueue(tasks, WithClock(clock.Now))

	cancelled := false
	id := alarms.After(Task{Name: "x", OnCancel: func() { cancelled = true }}, time.Millisecond)

	assert.True(t, alarms.Cancel(id))
	assert.True(t, cancelled)
	assert.False(t, alarms.Cancel(id))

	clock.Advance(time.Second)
	moved, err := alarms.Manage()
	require.NoError(t, err)
	assert.Equal(t, 0, moved)
}

func TestAlarmQueueKeepsAlarmsWhenQueueFull(t *testing.T) {
	clock := newFakeClock()
	tasks := NewTaskQueue(0, WithCapacity(1))
	defer tasks.Close()
	alarms := NewAlarmQueue(tasks, WithClock(clock.Now))

	alarms.After(NewTask("a", nil), time.Millisecond)
	alarms.After(NewTask("b", nil), 2*time.Millisecond)
	clock.Advance(time.Second)

	moved, err := alarms.Manage()
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 1, moved)
	assert.Equal(t, 1, alarms.Len())

	assert.Equal(t, []string{"a"}, drainNames(t, tasks))
	moved, err = alarms.Manage()
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
	assert.Equal(t, []string{"b"}, drainNames(t, tasks))
}

func TestAlarmQueueEvery(t *testing.T) {
	clock := newFakeClock()
	tasks := NewTaskQueue(0)
	defer tasks.Close()
	alarms := NewAlarmQueue(tasks, WithClock(clock.Now))

	alarms.Every(NewTask("tick", nil), 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		clock.Advance(10 * time.Millisecond)
		moved, err := alarms.Manage()
		require.NoError(t, err)
		assert.Equal(t, 1, moved)
	}
	assert.Equal(t, []string{"tick", "tick", "tick"}, drainNames(t, tasks))
	assert.Equal(t, 1, alarms.Len())

	clock.Advance(time.Second)
	moved, err := alarms.Manage()
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
	assert.Equal(t, clock.Now().Add(10*time.Millisecond), alarms.Pending()[0].At)
}

func TestAlarmQueueRunDispatches(t *testing.T) {
	tasks := NewTaskQueue(1)
	defer tasks.Close()
	alarms := NewAlarmQueue(tasks)

	fired := make(chan struct{})
	cancelled := make(chan struct{})
	alarms.After(Task{Run: func() { close(fired) }}, 5*time.Millisecond)
	alarms.After(Task{OnCancel: func() { close(cancelled) }}, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		alarms.Run(ctx, time.Millisecond)
		close(done)
	}()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("alarm did not fire")
	}

	cancel()
	<-done
	<-cancelled
	assert.Equal(t, 0, alarms.Len())
}
