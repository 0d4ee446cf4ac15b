package requestcontrol

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ActivityRegistry holds the set of registered activities grouped by
// execution group and drives the phased suspend protocol across them:
// prepare in ascending group order, then suspend in ascending group order,
// then (on resume) resume in descending group order.
//
// The registry holds non-owning references: an activity stays registered
// until DeregisterActivity is called, typically by whoever created it during
// its own teardown.
type ActivityRegistry struct {
	logger     Logger
	activities map[int][]Activity
	mu         sync.Mutex
}

// NewActivityRegistry creates an empty registry.
func NewActivityRegistry(logger Logger) *ActivityRegistry {
	return &ActivityRegistry{
		logger:     ensureLogger(logger),
		activities: make(map[int][]Activity),
	}
}

// RegisterActivity adds an activity to its execution group. Registering the
// same activity twice is an error, as is an execution group outside the
// valid range.
func (r *ActivityRegistry) RegisterActivity(activity Activity) error {
	if activity == nil {
		return ErrActivityNil
	}
	group := activity.ExecutionGroup()
	if group < ExecutionGroupFirst || group > ExecutionGroupLast {
		return fmt.Errorf("%w: group %d not in [%d, %d]", ErrExecutionGroupOutOfRange, group, ExecutionGroupFirst, ExecutionGroupLast)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, members := range r.activities {
		for _, existing := range members {
			if existing == activity {
				return ErrActivityAlreadyRegistered
			}
		}
	}
	r.activities[group] = append(r.activities[group], activity)
	r.logger.Debug("Activity registered", "group", group, "count", r.countLocked())
	return nil
}

// DeregisterActivity removes a previously registered activity.
func (r *ActivityRegistry) DeregisterActivity(activity Activity) error {
	if activity == nil {
		return ErrActivityNil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for group, members := range r.activities {
		for i, existing := range members {
			if existing == activity {
				r.activities[group] = append(members[:i], members[i+1:]...)
				if len(r.activities[group]) == 0 {
					delete(r.activities, group)
				}
				return nil
			}
		}
	}
	return ErrActivityNotRegistered
}

// ActivityCount returns the number of registered activities.
func (r *ActivityRegistry) ActivityCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countLocked()
}

func (r *ActivityRegistry) countLocked() int {
	count := 0
	for _, members := range r.activities {
		count += len(members)
	}
	return count
}

// snapshot returns the execution groups in ascending order along with a copy
// of each group's membership, so a phase drive is unaffected by concurrent
// registration changes.
func (r *ActivityRegistry) snapshot() ([]int, map[int][]Activity) {
	r.mu.Lock()
	defer r.mu.Unlock()

	groups := make([]int, 0, len(r.activities))
	byGroup := make(map[int][]Activity, len(r.activities))
	for group, members := range r.activities {
		groups = append(groups, group)
		byGroup[group] = append([]Activity(nil), members...)
	}
	sort.Ints(groups)
	return groups, byGroup
}

// activityPhase selects one of the three Activity methods.
type activityPhase func(Activity, context.Context) *Future

// runPhase drives one phase (prepare or suspend) across all groups in
// ascending order from its own goroutine, returning a future for the overall
// outcome. A group is complete only when every member's future has resolved;
// the first failure within a group fails the returned future and stops the
// drive before the next group, without interrupting that group's other
// members. If abort resolves first the drive stops quietly: the operation
// was cancelled by a concurrent resume.
func (r *ActivityRegistry) runPhase(ctx context.Context, phase activityPhase, abort *Future) *Future {
	outward := NewFuture()
	groups, byGroup := r.snapshot()

	go func() {
		for _, group := range groups {
			if abort != nil && abort.IsDone() {
				return
			}
			members := byGroup[group]
			futures := make([]*Future, 0, len(members))
			for _, activity := range members {
				futures = append(futures, invokePhase(activity, ctx, phase))
			}
			if err := awaitAll(ctx, futures); err != nil {
				outward.Fail(err)
				return
			}
		}
		outward.Complete()
	}()
	return outward
}

// resumeAll invokes Resume on every activity in descending group order.
// Resume is fire-and-forget per activity: no gating on completion, but every
// group is started and failures are logged.
func (r *ActivityRegistry) resumeAll(ctx context.Context) {
	groups, byGroup := r.snapshot()

	for i := len(groups) - 1; i >= 0; i-- {
		group := groups[i]
		for _, activity := range byGroup[group] {
			future := invokePhase(activity, ctx, Activity.Resume)
			future.OnComplete(func(err error) {
				if err != nil && err != ErrFutureCancelled {
					r.logger.Error("Activity resume failed", "group", group, "error", err)
				}
			})
		}
	}
}

// invokePhase calls the phase method, converting a panic or a nil returned
// future into a failed one so the group accounting stays correct.
func invokePhase(activity Activity, ctx context.Context, phase activityPhase) (future *Future) {
	defer func() {
		if r := recover(); r != nil {
			future = FailedFuture(recoveredError(r))
		}
	}()
	future = phase(activity, ctx)
	if future == nil {
		future = CompletedFuture()
	}
	return future
}
