package requestcontrol

import (
	"sync"
	"sync/atomic"
)

// Queued task lifecycle states. A task leaves taskQueued exactly once, by a
// single CAS, to either taskRun (work dispatched) or taskCancelled
// (rejection/timeout callback dispatched). Whichever transition wins is
// authoritative; the loser is a no-op.
const (
	taskQueued int32 = iota
	taskRun
	taskCancelled
)

// queuedTask is a unit of work created when admission was denied but
// queueing is allowed. It carries the executor its callbacks must run on and
// remembers the control point the work entered through, if any, so the
// admission permit is released when the work finishes.
type queuedTask struct {
	work         func()
	onCancel     func()
	executor     Executor
	controlPoint *ControlPoint
	controller   *Controller
	forced       bool
	state        atomic.Int32
	timeoutMu    sync.Mutex
	timeout      *ScheduledTask
}

func newQueuedTask(controller *Controller, controlPoint *ControlPoint, work, onCancel func(), executor Executor, forced bool) *queuedTask {
	if executor == nil {
		executor = GoExecutor()
	}
	return &queuedTask{
		work:         work,
		onCancel:     onCancel,
		executor:     executor,
		controlPoint: controlPoint,
		controller:   controller,
		forced:       forced,
	}
}

// isQueued reports whether the task is still awaiting its fate.
func (t *queuedTask) isQueued() bool {
	return t.state.Load() == taskQueued
}

// setTimeout records the delayed-cancellation handle so a winning run can
// withdraw it.
func (t *queuedTask) setTimeout(timeout *ScheduledTask) {
	t.timeoutMu.Lock()
	t.timeout = timeout
	t.timeoutMu.Unlock()
	// The run transition may have won while the timeout was being
	// scheduled; withdraw it immediately in that case.
	if t.state.Load() != taskQueued {
		timeout.Cancel()
	}
}

// run transitions the task to taskRun and dispatches the work on the task's
// executor. The caller must hold an admission permit, which transfers to the
// work: when the work returns, the permit is released through the task's
// control point (or the controller directly), which in turn services the
// queue. It reports false if the task had already been cancelled, leaving
// the permit release obligation with the caller.
func (t *queuedTask) run() bool {
	if !t.state.CompareAndSwap(taskQueued, taskRun) {
		return false
	}
	t.cancelTimeout()

	work := t.work
	controlPoint := t.controlPoint
	controller := t.controller
	if controlPoint != nil {
		controlPoint.markDispatched()
	}
	t.executor.Execute(func() {
		defer func() {
			if controlPoint != nil {
				controlPoint.RequestComplete()
			} else {
				controller.RequestComplete()
			}
		}()
		work()
	})
	return true
}

// cancel transitions the task to taskCancelled and dispatches the rejection
// callback on the task's executor, swallowing and logging any failure from
// the callback: cancellation is shutdown/timeout-time best effort. It
// reports false if the task had already been dispatched.
func (t *queuedTask) cancel(logger Logger) bool {
	if !t.state.CompareAndSwap(taskQueued, taskCancelled) {
		return false
	}
	t.cancelTimeout()

	if t.onCancel == nil {
		return true
	}
	dispatchCallback(t.executor, t.onCancel, logger)
	return true
}

// dispatchCallback runs a rejection or timeout callback on the given
// executor. The recover rides inside the dispatched closure so a panicking
// callback is caught on whichever goroutine the executor runs it on.
func dispatchCallback(executor Executor, callback func(), logger Logger) {
	log := ensureLogger(logger)
	executor.Execute(func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("Task cancellation callback panicked", "panic", r)
			}
		}()
		callback()
	})
}

// flush forces the work to run synchronously during hard stop. No admission
// is performed and no permit is released; panics from the work are logged
// and swallowed since the controller is tearing down regardless.
func (t *queuedTask) flush(logger Logger) {
	if !t.state.CompareAndSwap(taskQueued, taskRun) {
		return
	}
	t.cancelTimeout()
	defer func() {
		if r := recover(); r != nil {
			ensureLogger(logger).Error("Queued task panicked during shutdown flush", "panic", r)
		}
	}()
	t.work()
}

func (t *queuedTask) cancelTimeout() {
	t.timeoutMu.Lock()
	timeout := t.timeout
	t.timeout = nil
	t.timeoutMu.Unlock()
	if timeout != nil {
		timeout.Cancel()
	}
}
