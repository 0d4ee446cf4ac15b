package requestcontrol

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_BeginRequest(t *testing.T) {
	t.Run("should_enforce_capacity_limit", func(t *testing.T) {
		c := NewController(nil, WithLogger(newTestLogger(t)), WithMaxRequests(2))

		assert.Equal(t, RunResultRun, c.BeginRequest(false))
		assert.Equal(t, RunResultRun, c.BeginRequest(false))
		assert.Equal(t, RunResultRejected, c.BeginRequest(false))
		assert.Equal(t, 2, c.ActiveRequestCount())

		c.RequestComplete()
		assert.Equal(t, RunResultRun, c.BeginRequest(false))
	})

	t.Run("should_admit_unbounded_with_negative_limit", func(t *testing.T) {
		c := NewController(nil, WithLogger(newTestLogger(t)))

		for i := 0; i < 100; i++ {
			require.Equal(t, RunResultRun, c.BeginRequest(false))
		}
		assert.Equal(t, 100, c.ActiveRequestCount())
	})

	t.Run("should_reject_everything_at_zero_limit", func(t *testing.T) {
		c := NewController(nil, WithLogger(newTestLogger(t)), WithMaxRequests(0))
		assert.Equal(t, RunResultRejected, c.BeginRequest(false))
	})

	t.Run("should_reject_while_paused_unless_forced", func(t *testing.T) {
		c := NewController(nil, WithLogger(newTestLogger(t)))
		c.Suspend(context.Background())

		assert.Equal(t, RunResultRejected, c.BeginRequest(false))
		assert.Equal(t, RunResultRun, c.BeginRequest(true))
		c.RequestComplete()
	})

	t.Run("should_keep_count_within_bounds_under_contention", func(t *testing.T) {
		const limit = 4
		c := NewController(nil, WithLogger(newTestLogger(t)), WithMaxRequests(limit))

		var wg sync.WaitGroup
		for g := 0; g < 16; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 200; i++ {
					if c.BeginRequest(false) == RunResultRun {
						count := c.ActiveRequestCount()
						assert.GreaterOrEqual(t, count, 1)
						assert.LessOrEqual(t, count, limit)
						c.RequestComplete()
					}
				}
			}()
		}
		wg.Wait()
		assert.Zero(t, c.ActiveRequestCount())
	})
}

func TestController_SuspendSignal(t *testing.T) {
	t.Run("should_resolve_when_last_request_completes", func(t *testing.T) {
		c := NewController(nil, WithLogger(newTestLogger(t)))
		for i := 0; i < 5; i++ {
			require.Equal(t, RunResultRun, c.BeginRequest(false))
		}

		future := c.Suspend(context.Background())
		require.False(t, future.IsDone())
		assert.True(t, c.IsPaused())

		for i := 0; i < 4; i++ {
			c.RequestComplete()
			assert.False(t, future.IsDone(), "signal resolved before the final request completed")
		}
		c.RequestComplete()
		require.NoError(t, awaitFuture(t, future, time.Second))
		assert.Zero(t, c.ActiveRequestCount())
	})

	t.Run("should_resolve_immediately_when_idle", func(t *testing.T) {
		c := NewController(nil, WithLogger(newTestLogger(t)))
		future := c.Suspend(context.Background())
		assert.True(t, future.IsDone())
		assert.NoError(t, future.Err())
	})

	t.Run("should_cancel_signal_on_resume", func(t *testing.T) {
		c := NewController(nil, WithLogger(newTestLogger(t)))
		require.Equal(t, RunResultRun, c.BeginRequest(false))

		future := c.Suspend(context.Background())
		c.Resume(context.Background())

		assert.True(t, future.IsCancelled())
		assert.False(t, c.IsPaused())
		assert.Equal(t, RunResultRun, c.BeginRequest(false))

		c.RequestComplete()
		c.RequestComplete()
	})
}

func TestController_QueueTask(t *testing.T) {
	t.Run("should_run_immediately_when_capacity_allows", func(t *testing.T) {
		c := NewController(nil, WithLogger(newTestLogger(t)))
		ran := false
		require.NoError(t, c.QueueTask(nil, func() { ran = true }, InlineExecutor(), 0, nil, false, false))
		assert.True(t, ran)
		assert.Zero(t, c.ActiveRequestCount())
	})

	t.Run("should_reject_nil_work", func(t *testing.T) {
		c := NewController(nil, WithLogger(newTestLogger(t)))
		assert.ErrorIs(t, c.QueueTask(nil, nil, nil, 0, nil, false, false), ErrTaskNil)
	})

	t.Run("should_hold_task_until_capacity_frees", func(t *testing.T) {
		c := NewController(nil, WithLogger(newTestLogger(t)), WithMaxRequests(0))
		ran := false
		require.NoError(t, c.QueueTask(nil, func() { ran = true }, InlineExecutor(), 0, nil, false, false))

		assert.False(t, ran)
		assert.Equal(t, 1, c.QueuedTaskCount())

		c.SetMaxRequestCount(1)
		assert.True(t, ran)
		assert.Zero(t, c.QueuedTaskCount())
		assert.Zero(t, c.ActiveRequestCount())
	})

	t.Run("should_drain_held_tasks_in_fifo_order", func(t *testing.T) {
		c := NewController(nil, WithLogger(newTestLogger(t)), WithMaxRequests(0))
		var order []int
		for i := 1; i <= 3; i++ {
			i := i
			require.NoError(t, c.QueueTask(nil, func() { order = append(order, i) }, InlineExecutor(), 0, nil, false, false))
		}

		c.SetMaxRequestCount(2)
		assert.Equal(t, []int{1, 2, 3}, order)
	})

	t.Run("should_fire_timeout_exactly_once_for_undispatched_task", func(t *testing.T) {
		c := NewController(nil, WithLogger(newTestLogger(t)), WithMaxRequests(0))
		timedOut := make(chan struct{}, 2)
		ran := false
		require.NoError(t, c.QueueTask(nil, func() { ran = true }, InlineExecutor(), 10*time.Millisecond, func() { timedOut <- struct{}{} }, false, false))

		select {
		case <-timedOut:
		case <-time.After(time.Second):
			t.Fatal("timeout callback never fired")
		}

		// Raising the limit drains the cancelled entry without running it
		// or firing the callback again.
		c.SetMaxRequestCount(1)
		assert.False(t, ran)
		assert.Zero(t, c.ActiveRequestCount())
		select {
		case <-timedOut:
			t.Fatal("timeout callback fired twice")
		case <-time.After(30 * time.Millisecond):
		}
	})

	t.Run("should_not_fire_timeout_after_dispatch", func(t *testing.T) {
		c := NewController(nil, WithLogger(newTestLogger(t)))
		fired := false
		require.NoError(t, c.QueueTask(nil, func() {}, InlineExecutor(), 10*time.Millisecond, func() { fired = true }, false, false))

		time.Sleep(40 * time.Millisecond)
		assert.False(t, fired)
	})

	t.Run("should_reject_immediately_when_paused_with_reject_on_suspend", func(t *testing.T) {
		c := NewController(nil, WithLogger(newTestLogger(t)))
		c.Suspend(context.Background())

		rejected := false
		ran := false
		require.NoError(t, c.QueueTask(nil, func() { ran = true }, InlineExecutor(), 0, func() { rejected = true }, true, false))

		assert.True(t, rejected)
		assert.False(t, ran)
		assert.Zero(t, c.QueuedTaskCount())
	})

	t.Run("should_survive_panicking_timeout_callback_on_async_executor", func(t *testing.T) {
		logger := newTestLogger(t)
		c := NewController(nil, WithLogger(logger), WithMaxRequests(0))

		require.NoError(t, c.QueueTask(nil, func() {}, GoExecutor(), time.Millisecond, func() {
			panic("timeout callback exploded")
		}, false, false))

		assert.Eventually(t, func() bool {
			return logger.hasEntry("Task cancellation callback panicked")
		}, eventuallyTimeout, eventuallyTick)
	})

	t.Run("should_survive_panicking_rejection_callback_while_paused", func(t *testing.T) {
		logger := newTestLogger(t)
		c := NewController(nil, WithLogger(logger))
		c.Suspend(context.Background())

		require.NoError(t, c.QueueTask(nil, func() {}, GoExecutor(), 0, func() {
			panic("rejection callback exploded")
		}, true, false))

		assert.Eventually(t, func() bool {
			return logger.hasEntry("Task cancellation callback panicked")
		}, eventuallyTimeout, eventuallyTick)
	})

	t.Run("should_serve_forced_task_ahead_while_paused", func(t *testing.T) {
		c := NewController(nil, WithLogger(newTestLogger(t)))
		require.Equal(t, RunResultRun, c.BeginRequest(false))
		c.Suspend(context.Background())

		var order []string
		require.NoError(t, c.QueueTask(nil, func() { order = append(order, "plain") }, InlineExecutor(), 0, nil, false, false))
		require.NoError(t, c.QueueTask(nil, func() { order = append(order, "forced") }, InlineExecutor(), 0, nil, false, true))

		assert.Equal(t, []string{"forced"}, order)
		assert.Equal(t, 1, c.QueuedTaskCount())

		// Resume releases the held task.
		c.Resume(context.Background())
		assert.Equal(t, []string{"forced", "plain"}, order)
		c.RequestComplete()
	})
}

func TestController_Lifecycle(t *testing.T) {
	t.Run("should_register_as_activity_on_start", func(t *testing.T) {
		registry := NewActivityRegistry(newTestLogger(t))
		c := NewController(registry, WithLogger(newTestLogger(t)))

		require.NoError(t, c.Start(context.Background()))
		assert.Equal(t, 1, registry.ActivityCount())
		require.NoError(t, c.Start(context.Background()))
		assert.Equal(t, 1, registry.ActivityCount())
	})

	t.Run("should_drain_requests_during_server_suspend", func(t *testing.T) {
		registry := NewActivityRegistry(newTestLogger(t))
		c := NewController(registry, WithLogger(newTestLogger(t)))
		require.NoError(t, c.Start(context.Background()))

		require.Equal(t, RunResultRun, c.BeginRequest(false))
		suspendCtl := NewSuspendController(registry, newTestLogger(t))
		future := suspendCtl.Suspend(context.Background())

		assert.Eventually(t, func() bool { return c.IsPaused() }, time.Second, 2*time.Millisecond)
		assert.False(t, future.IsDone())

		c.RequestComplete()
		require.NoError(t, awaitFuture(t, future, time.Second))
		assert.Equal(t, StateSuspended, suspendCtl.State())
	})

	t.Run("should_flush_queued_tasks_on_stop", func(t *testing.T) {
		registry := NewActivityRegistry(newTestLogger(t))
		c := NewController(registry, WithLogger(newTestLogger(t)), WithMaxRequests(0))
		require.NoError(t, c.Start(context.Background()))

		var ran []int
		for i := 1; i <= 2; i++ {
			i := i
			require.NoError(t, c.QueueTask(nil, func() { ran = append(ran, i) }, InlineExecutor(), 0, nil, false, false))
		}

		require.NoError(t, c.Stop(context.Background()))
		assert.Equal(t, []int{1, 2}, ran)
		assert.Zero(t, registry.ActivityCount())
	})

	t.Run("should_flush_task_queued_after_stop", func(t *testing.T) {
		c := NewController(nil, WithLogger(newTestLogger(t)), WithMaxRequests(0))
		require.NoError(t, c.Start(context.Background()))
		require.NoError(t, c.Stop(context.Background()))

		ran := false
		require.NoError(t, c.QueueTask(nil, func() { ran = true }, InlineExecutor(), time.Second, nil, false, false))
		assert.True(t, ran)
		assert.Zero(t, c.QueuedTaskCount())
	})

	t.Run("should_error_on_stop_before_start", func(t *testing.T) {
		c := NewController(nil, WithLogger(newTestLogger(t)))
		assert.ErrorIs(t, c.Stop(context.Background()), ErrControllerNotStarted)
	})

	t.Run("should_not_restart_after_stop", func(t *testing.T) {
		c := NewController(nil, WithLogger(newTestLogger(t)))
		require.NoError(t, c.Start(context.Background()))
		require.NoError(t, c.Stop(context.Background()))
		assert.ErrorIs(t, c.Start(context.Background()), ErrControllerStopped)
	})
}

func TestController_State(t *testing.T) {
	t.Run("should_snapshot_counts_and_control_points", func(t *testing.T) {
		c := NewController(nil, WithLogger(newTestLogger(t)), WithMaxRequests(10), WithTrackedControlPoints(true))
		web := c.ControlPoint("shop", "web")
		messaging := c.ControlPoint("shop", "messaging")
		defer c.RemoveControlPoint(web)
		defer c.RemoveControlPoint(messaging)

		require.Equal(t, RunResultRun, web.BeginRequest())
		defer web.RequestComplete()

		state := c.State()
		assert.False(t, state.Paused)
		assert.Equal(t, 1, state.ActiveRequestCount)
		assert.Equal(t, 10, state.MaxRequestCount)
		assert.Zero(t, state.QueuedTaskCount)

		require.Len(t, state.ControlPointStates, 2)
		assert.Equal(t, "messaging", state.ControlPointStates[0].EntryPoint)
		assert.Equal(t, "web", state.ControlPointStates[1].EntryPoint)
		assert.Equal(t, 1, state.ControlPointStates[1].ActiveRequestCount)
	})
}
