package requestcontrol

import (
	"context"
	"sync/atomic"
	"time"
)

// ControlPointIdentifier identifies a control point by the deployment it
// belongs to and the entry mechanism (e.g. "web", "messaging") it guards.
// It is a comparable value type used as the control-point table key.
type ControlPointIdentifier struct {
	Deployment string
	EntryPoint string
}

// ControlPoint is a named admission gate layered on the Controller. Every
// request entering through the point is counted against the global limit;
// when individual tracking is enabled the point additionally keeps its own
// active count so it can be paused and drained independently of the rest of
// the server.
//
// Control points are reference counted: each Controller.ControlPoint lookup
// must be balanced by a Controller.RemoveControlPoint call, and the entry is
// dropped from the table when the count returns to zero.
type ControlPoint struct {
	controller      *Controller
	deployment      string
	entryPoint      string
	trackIndividual bool

	paused       atomic.Bool
	activeCount  atomic.Int32
	pendingPause atomic.Pointer[Future]

	// referenceCount is guarded by the controller's table lock; membership
	// changes are not reducible to a single CAS.
	referenceCount int
}

func newControlPoint(controller *Controller, deployment, entryPoint string, trackIndividual bool) *ControlPoint {
	return &ControlPoint{
		controller:      controller,
		deployment:      deployment,
		entryPoint:      entryPoint,
		trackIndividual: trackIndividual,
	}
}

// Deployment returns the deployment this control point is scoped to.
func (p *ControlPoint) Deployment() string { return p.deployment }

// EntryPoint returns the entry mechanism this control point guards.
func (p *ControlPoint) EntryPoint() string { return p.entryPoint }

// Identifier returns the point's table key.
func (p *ControlPoint) Identifier() ControlPointIdentifier {
	return ControlPointIdentifier{Deployment: p.deployment, EntryPoint: p.entryPoint}
}

// IsPaused reports whether this individual point is paused.
func (p *ControlPoint) IsPaused() bool { return p.paused.Load() }

// ActiveRequestCount returns the point's own active count. Always zero when
// individual tracking is disabled.
func (p *ControlPoint) ActiveRequestCount() int {
	return int(p.activeCount.Load())
}

// BeginRequest attempts to admit a request through this point. A paused
// point rejects before consulting the global gate. On admission the permit
// must be released with RequestComplete.
func (p *ControlPoint) BeginRequest() RunResult {
	if p.paused.Load() {
		return RunResultRejected
	}
	result := p.controller.BeginRequest(false)
	if result != RunResultRun {
		return result
	}
	if p.trackIndividual {
		p.activeCount.Add(1)
		// Same race as the global counter: the point may have been paused
		// between the check and the increment. Treat "admitted but
		// immediately paused" identically to "never admitted" so a pause
		// waiting on this point's count still fires exactly once.
		if p.paused.Load() {
			p.RequestComplete()
			return RunResultRejected
		}
	}
	return RunResultRun
}

// RequestComplete releases a permit obtained through BeginRequest. If the
// point is paused and this was its last active request, the pending pause
// future resolves exactly once.
func (p *ControlPoint) RequestComplete() {
	if p.trackIndividual {
		remaining := p.activeCount.Add(-1)
		if p.paused.Load() && remaining == 0 {
			if pending := p.pendingPause.Load(); pending != nil {
				if p.pendingPause.CompareAndSwap(pending, nil) {
					pending.Complete()
				}
			}
		}
	}
	p.controller.RequestComplete()
}

// markDispatched records a queued task's work being dispatched through this
// point, so the permit it carries shows up in the point's own count until
// RequestComplete runs.
func (p *ControlPoint) markDispatched() {
	if p.trackIndividual {
		p.activeCount.Add(1)
	}
}

// Pause stops admission through this point and returns a future resolving
// once the point's own active count reaches zero. Without individual
// tracking the count is always zero and the future resolves immediately.
func (p *ControlPoint) Pause(ctx context.Context) *Future {
	p.paused.Store(true)
	result := NewFuture()
	p.pendingPause.Store(result)

	if p.activeCount.Load() == 0 {
		if p.pendingPause.CompareAndSwap(result, nil) {
			result.Complete()
		}
	}
	p.controller.emitControlPointEvent(ctx, EventTypeControlPointPaused, p)
	return result
}

// Resume reopens the point. Fire and forget: any pending pause future is
// cancelled and discarded.
func (p *ControlPoint) Resume(ctx context.Context) {
	p.paused.Store(false)
	if pending := p.pendingPause.Load(); pending != nil {
		p.pendingPause.CompareAndSwap(pending, nil)
		pending.Cancel()
	}
	p.controller.emitControlPointEvent(ctx, EventTypeControlPointResumed, p)
}

// QueueTask queues work through this point instead of rejecting it outright
// when admission is unavailable. The work runs on executor once capacity
// frees up; onTimeout runs instead (on the same executor) if timeout elapses
// first or the task is rejected. With rejectOnSuspend set, work queued while
// the server is paused is rejected immediately rather than held.
func (p *ControlPoint) QueueTask(work func(), executor Executor, timeout time.Duration, onTimeout func(), rejectOnSuspend bool) error {
	return p.controller.QueueTask(p, work, executor, timeout, onTimeout, rejectOnSuspend, false)
}

// ForceQueueTask queues work exempt from the "no new admission while
// paused" rule; it is served even during drain, ahead of earlier non-forced
// tasks if need be.
func (p *ControlPoint) ForceQueueTask(work func(), executor Executor, timeout time.Duration, onTimeout func()) error {
	return p.controller.QueueTask(p, work, executor, timeout, onTimeout, false, true)
}

// Run is a convenience wrapper pairing admission with completion: it runs
// work inline when admitted and releases the permit when work returns.
func (p *ControlPoint) Run(work func()) RunResult {
	if p.BeginRequest() == RunResultRejected {
		return RunResultRejected
	}
	defer p.RequestComplete()
	work()
	return RunResultRun
}
