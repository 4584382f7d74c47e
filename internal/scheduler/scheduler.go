package scheduler

import (
	"context"
	"errors"
	"time"
)

// DefaultTick is the alarm polling interval used by Run.
const DefaultTick = 5 * time.Millisecond

// Run calls Manage every tick until ctx is cancelled. Pending alarms are
// cancelled on the way out.
func (q *AlarmQueue) Run(ctx context.Context, tick time.Duration) {
	if tick <= 0 {
		tick = DefaultTick
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	q.logger.Info().Dur("tick", tick).Msg("alarm loop started")

	for {
		select {
		case <-ctx.Done():
			q.cancelAll()
			q.logger.Info().Msg("alarm loop stopped")
			return
		case <-ticker.C:
			if _, err := q.Manage(); err != nil && !errors.Is(err, ErrQueueFull) {
				q.logger.Error().Err(err).Msg("failed to dispatch alarms")
			}
		}
	}
}

func (q *AlarmQueue) cancelAll() {
	q.mu.Lock()
	pending := q.alarms
	q.alarms = nil
	q.mu.Unlock()

	for _, a := range pending {
		a.Task.Cancel()
	}
}
