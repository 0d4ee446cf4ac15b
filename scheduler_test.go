package requestcontrol

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayScheduler(t *testing.T) {
	t.Run("should_fire_task_after_delay", func(t *testing.T) {
		s := NewDelayScheduler(newTestLogger(t))
		defer s.Stop(context.Background())

		fired := make(chan struct{})
		_, err := s.Schedule(5*time.Millisecond, func() { close(fired) })
		require.NoError(t, err)

		select {
		case <-fired:
		case <-time.After(time.Second):
			t.Fatal("scheduled task never fired")
		}
	})

	t.Run("should_not_fire_cancelled_task", func(t *testing.T) {
		s := NewDelayScheduler(newTestLogger(t))
		defer s.Stop(context.Background())

		var fired atomic.Bool
		task, err := s.Schedule(10*time.Millisecond, func() { fired.Store(true) })
		require.NoError(t, err)
		assert.True(t, task.Cancel())

		time.Sleep(40 * time.Millisecond)
		assert.False(t, fired.Load())
		assert.False(t, task.Cancel())
	})

	t.Run("should_fire_tasks_in_deadline_order", func(t *testing.T) {
		s := NewDelayScheduler(newTestLogger(t))
		defer s.Stop(context.Background())

		var mu sync.Mutex
		var order []int
		done := make(chan struct{})

		_, err := s.Schedule(30*time.Millisecond, func() {
			mu.Lock()
			order = append(order, 2)
			mu.Unlock()
			close(done)
		})
		require.NoError(t, err)
		_, err = s.Schedule(5*time.Millisecond, func() {
			mu.Lock()
			order = append(order, 1)
			mu.Unlock()
		})
		require.NoError(t, err)

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("tasks never fired")
		}
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []int{1, 2}, order)
	})

	t.Run("should_reject_schedule_after_stop", func(t *testing.T) {
		s := NewDelayScheduler(newTestLogger(t))
		require.NoError(t, s.Stop(context.Background()))

		_, err := s.Schedule(time.Millisecond, func() {})
		assert.ErrorIs(t, err, ErrSchedulerStopped)
	})

	t.Run("should_cancel_pending_tasks_on_stop", func(t *testing.T) {
		s := NewDelayScheduler(newTestLogger(t))

		var fired atomic.Bool
		_, err := s.Schedule(time.Hour, func() { fired.Store(true) })
		require.NoError(t, err)

		require.NoError(t, s.Stop(context.Background()))
		assert.False(t, fired.Load())
	})
}
