package requestcontrol

import "context"

// Execution group bounds. All activities with the same execution group have
// their Prepare, Suspend and Resume methods invoked separately from
// activities with other groups: lower groups are processed first for
// Prepare and Suspend, higher groups first for Resume. There is no ordering
// guarantee between activities in the same group; they may run concurrently.
const (
	// ExecutionGroupFirst is the lowest valid execution group.
	ExecutionGroupFirst = 0
	// ExecutionGroupDefault is the group activities should use unless they
	// have a clear reason to order themselves against other activities.
	ExecutionGroupDefault = 5
	// ExecutionGroupLast is the highest valid execution group.
	ExecutionGroupLast = 10
)

// Activity is implemented by any participant that must finish outstanding
// work before a quiescence point, for example a request-admission gate or a
// messaging subsystem with in-flight deliveries.
//
// Each phase returns a Future resolving when the activity has finished that
// phase. Implementations must never block the caller; slow work belongs on
// the activity's own goroutines with the future resolved when it finishes.
type Activity interface {
	// ExecutionGroup returns the priority bucket this activity belongs to,
	// between ExecutionGroupFirst and ExecutionGroupLast inclusive.
	ExecutionGroup() int

	// Prepare is invoked before the server pauses. This is the place where
	// pause notifications are sent to external systems such as load
	// balancers to tell them this node is about to go away. Work is still
	// admitted while prepare runs.
	Prepare(ctx context.Context) *Future

	// Suspend is invoked once the suspend process has started. Once this
	// has been invoked no new work may be admitted; the returned future
	// resolves when all of the activity's in-flight work has finished.
	Suspend(ctx context.Context) *Future

	// Resume is invoked if the suspend is cancelled or a suspended server
	// is resumed. It is fire-and-forget from the coordinator's point of
	// view: the returned future is observed only for error logging.
	Resume(ctx context.Context) *Future
}

// ActivityCallback is the completion signal used by legacy callback-style
// activities. Implementations of the legacy contract call it exactly once
// per phase when that phase is done.
type ActivityCallback func()

// LegacyActivity is the older callback-style participant contract. New code
// should implement Activity directly; existing implementations can be
// registered through NewCallbackActivity without modification.
type LegacyActivity interface {
	// PreSuspend is invoked before the server pauses; done must be called
	// when the pre-suspend work has finished.
	PreSuspend(done ActivityCallback)

	// Suspended is invoked once the suspend process has started; done must
	// be called once all outstanding work has finished.
	Suspended(done ActivityCallback)

	// Resume is invoked when the suspend is cancelled or the server is
	// resumed.
	Resume()
}

// callbackActivity bridges a LegacyActivity onto the Activity contract.
// It is a thin adapter: each phase installs a fresh future and hands the
// legacy implementation a callback that resolves it. A panic out of the
// legacy code fails the phase instead of unwinding the coordinator.
type callbackActivity struct {
	legacy LegacyActivity
	group  int
}

// NewCallbackActivity adapts a legacy callback-style activity to the
// Activity interface, placing it in the given execution group.
func NewCallbackActivity(legacy LegacyActivity, executionGroup int) Activity {
	return &callbackActivity{legacy: legacy, group: executionGroup}
}

func (a *callbackActivity) ExecutionGroup() int {
	return a.group
}

func (a *callbackActivity) Prepare(context.Context) *Future {
	future := NewFuture()
	runLegacyPhase(future, func() {
		a.legacy.PreSuspend(func() { future.Complete() })
	})
	return future
}

func (a *callbackActivity) Suspend(context.Context) *Future {
	future := NewFuture()
	runLegacyPhase(future, func() {
		a.legacy.Suspended(func() { future.Complete() })
	})
	return future
}

func (a *callbackActivity) Resume(context.Context) *Future {
	future := NewFuture()
	runLegacyPhase(future, func() {
		a.legacy.Resume()
		future.Complete()
	})
	return future
}

// runLegacyPhase invokes phase, converting a panic into a failed future.
func runLegacyPhase(future *Future, phase func()) {
	defer func() {
		if r := recover(); r != nil {
			future.Fail(recoveredError(r))
		}
	}()
	phase()
}
