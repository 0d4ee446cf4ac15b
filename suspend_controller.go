package requestcontrol

import (
	"context"
	"sync"
	"sync/atomic"
)

// suspendEventSource is the CloudEvents source for suspend lifecycle events.
const suspendEventSource = "requestcontrol/suspend-controller"

// SuspendController is the top-level state machine coordinating an orderly,
// multi-participant quiescence of all in-flight work:
//
//	RUNNING -> PRE_SUSPENDING -> SUSPENDING -> SUSPENDED
//
// and back to RUNNING on resume. Suspend drives the registry's prepare phase
// across every execution group, then the suspend phase, gated per group.
// Resume cancels any outstanding suspend and restarts activities in reverse
// group order.
//
// Suspend and Resume never block the caller; completion is observed through
// the returned Future. Callers needing synchronous semantics (a shutdown
// hook, say) block at their own boundary:
//
//	if err := controller.Suspend(ctx).CompleteOnTimeout(grace).Await(ctx); err != nil {
//		logger.Error("Suspend did not finish cleanly", "error", err)
//	}
type SuspendController struct {
	registry    *ActivityRegistry
	logger      Logger
	subject     Subject
	state       atomic.Int32
	outstanding *Future
	mu          sync.Mutex
}

// NewSuspendController creates a suspend controller driving the given
// registry. The controller starts in the RUNNING state.
func NewSuspendController(registry *ActivityRegistry, logger Logger) *SuspendController {
	return &SuspendController{
		registry: registry,
		logger:   ensureLogger(logger),
	}
}

// SetEventSubject sets the subject used to publish suspend lifecycle events.
func (c *SuspendController) SetEventSubject(subject Subject) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subject = subject
}

// State returns the current suspend state.
func (c *SuspendController) State() SuspendState {
	return SuspendState(c.state.Load())
}

// Suspend begins the quiescence protocol and returns a future resolving when
// every registered activity has drained, failing with the first activity
// failure, or cancelled if Resume is called while the suspend is
// outstanding. Calling Suspend while a suspend is already in flight returns
// the same future; calling it when already suspended returns a resolved one.
func (c *SuspendController) Suspend(ctx context.Context) *Future {
	c.mu.Lock()
	switch SuspendState(c.state.Load()) {
	case StateSuspended:
		c.mu.Unlock()
		return CompletedFuture()
	case StatePreSuspending, StateSuspending:
		outstanding := c.outstanding
		c.mu.Unlock()
		return outstanding
	}

	outward := NewFuture()
	c.outstanding = outward
	c.state.Store(int32(StatePreSuspending))
	subject := c.subject
	c.mu.Unlock()

	c.logger.Info("Suspending server", "state", StatePreSuspending.String())
	emitEvent(ctx, subject, c.logger, EventTypeSuspending, suspendEventSource, map[string]any{
		"state": StatePreSuspending.String(),
	})

	// The drive outlives the caller and must not abort when the caller's
	// context is cancelled (an HTTP handler returning, say). The outward
	// future is the only abort signal.
	go c.drive(context.WithoutCancel(ctx), outward)
	return outward
}

// drive runs the two suspend phases from the coordinator goroutine. The
// outward future doubles as the abort signal: a concurrent Resume cancels
// it, and the drive stops at the next phase boundary.
func (c *SuspendController) drive(ctx context.Context, outward *Future) {
	prepare := c.registry.runPhase(ctx, Activity.Prepare, outward)
	select {
	case <-prepare.Done():
		if err := prepare.Err(); err != nil {
			c.failSuspend(ctx, outward, "prepare", err)
			return
		}
	case <-outward.Done():
		return
	}

	if !c.advance(outward, StateSuspending) {
		return
	}
	c.logger.Info("Prepare phase complete, draining activities", "state", StateSuspending.String())

	suspend := c.registry.runPhase(ctx, Activity.Suspend, outward)
	select {
	case <-suspend.Done():
		if err := suspend.Err(); err != nil {
			c.failSuspend(ctx, outward, "suspend", err)
			return
		}
	case <-outward.Done():
		return
	}

	if !c.advance(outward, StateSuspended) {
		return
	}
	outward.Complete()

	c.mu.Lock()
	subject := c.subject
	c.mu.Unlock()
	c.logger.Info("Server suspended", "state", StateSuspended.String())
	emitEvent(ctx, subject, c.logger, EventTypeSuspended, suspendEventSource, map[string]any{
		"state": StateSuspended.String(),
	})
}

// advance moves the state machine forward if this drive still owns the
// operation; a concurrent resume may have replaced it.
func (c *SuspendController) advance(outward *Future, next SuspendState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outstanding != outward || outward.IsDone() {
		return false
	}
	c.state.Store(int32(next))
	return true
}

// failSuspend surfaces a phase failure on the outward future. The state is
// left where the failure found it; the controller stays usable and a
// subsequent Resume recovers to RUNNING.
func (c *SuspendController) failSuspend(ctx context.Context, outward *Future, phase string, err error) {
	c.logger.Error("Suspend phase failed", "phase", phase, "error", err)
	outward.Fail(err)

	c.mu.Lock()
	subject := c.subject
	c.mu.Unlock()
	emitEvent(ctx, subject, c.logger, EventTypeSuspendFailed, suspendEventSource, map[string]any{
		"phase": phase,
		"error": err.Error(),
	})
}

// Resume cancels any outstanding suspend, transitions back to RUNNING and
// restarts every activity in descending group order. Resume is idempotent:
// calling it on a running server is a no-op.
func (c *SuspendController) Resume(ctx context.Context) {
	c.mu.Lock()
	outstanding := c.outstanding
	wasRunning := SuspendState(c.state.Load()) == StateRunning && outstanding == nil
	c.outstanding = nil
	c.state.Store(int32(StateRunning))
	subject := c.subject
	c.mu.Unlock()

	if wasRunning {
		return
	}
	if outstanding != nil {
		outstanding.Cancel()
	}

	c.logger.Info("Resuming server", "state", StateRunning.String())
	c.registry.resumeAll(ctx)
	emitEvent(ctx, subject, c.logger, EventTypeResumed, suspendEventSource, map[string]any{
		"state": StateRunning.String(),
	})
}
