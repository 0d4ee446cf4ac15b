package requestcontrol

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// controllerEventSource is the CloudEvents source for admission events.
const controllerEventSource = "requestcontrol/controller"

// Controller manages the active requests running in the server.
//
// It owns the global active-request counter and capacity limit, hands out
// ControlPoints for deployments to gate their entry mechanisms, and keeps a
// FIFO queue for work that could not be admitted immediately. It is itself
// an Activity: suspending the server pauses admission and the controller's
// suspend phase resolves exactly when the active count reaches zero.
type Controller struct {
	logger    Logger
	registry  *ActivityRegistry
	scheduler *DelayScheduler
	queue     *taskQueue

	trackIndividualControlPoints bool
	executionGroup               int

	maxRequestCount    atomic.Int32
	activeRequestCount atomic.Int32
	paused             atomic.Bool
	pendingSuspend     atomic.Pointer[Future]

	entryPoints map[ControlPointIdentifier]*ControlPoint
	entryMu     sync.Mutex

	subject   Subject
	subjectMu sync.RWMutex

	started atomic.Bool
	stopped atomic.Bool
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithLogger sets the logger used by the controller and its control points.
func WithLogger(logger Logger) ControllerOption {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithEventSubject sets the subject admission events are published through.
func WithEventSubject(subject Subject) ControllerOption {
	return func(c *Controller) { c.subject = subject }
}

// WithMaxRequests sets the initial capacity limit. Negative means unlimited
// (the default); zero means no request is admitted until the limit is
// raised.
func WithMaxRequests(n int) ControllerOption {
	return func(c *Controller) { c.maxRequestCount.Store(int32(n)) }
}

// WithTrackedControlPoints enables per-control-point active counts, allowing
// individual points to be paused and drained independently.
func WithTrackedControlPoints(track bool) ControllerOption {
	return func(c *Controller) { c.trackIndividualControlPoints = track }
}

// WithExecutionGroup overrides the execution group the controller registers
// under. The default is ExecutionGroupFirst: admission must stop before
// dependent subsystems are asked to drain.
func WithExecutionGroup(group int) ControllerOption {
	return func(c *Controller) { c.executionGroup = group }
}

// NewController creates a controller that registers with registry on Start.
// The default configuration is unlimited capacity and untracked control
// points.
func NewController(registry *ActivityRegistry, opts ...ControllerOption) *Controller {
	c := &Controller{
		logger:         noopLogger{},
		registry:       registry,
		queue:          newTaskQueue(),
		executionGroup: ExecutionGroupFirst,
		entryPoints:    make(map[ControlPointIdentifier]*ControlPoint),
	}
	c.maxRequestCount.Store(-1)
	for _, opt := range opts {
		opt(c)
	}
	c.scheduler = NewDelayScheduler(c.logger)
	return c
}

// Start registers the controller as a suspendable activity. It must be
// called before the controller participates in server suspension.
func (c *Controller) Start(ctx context.Context) error {
	if c.stopped.Load() {
		return ErrControllerStopped
	}
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}
	if c.registry != nil {
		if err := c.registry.RegisterActivity(c); err != nil {
			c.started.Store(false)
			return err
		}
	}
	c.logger.Info("Request controller started",
		"maxRequests", c.MaxRequestCount(),
		"trackIndividualControlPoints", c.trackIndividualControlPoints)
	return nil
}

// Stop deregisters the controller, stops the timeout scheduler and forces
// every still-queued task to run synchronously. The flush is best effort,
// not a graceful drain: failures are logged and swallowed because the
// process is tearing down regardless. A stopped controller cannot be
// restarted.
func (c *Controller) Stop(ctx context.Context) error {
	if !c.started.Load() {
		return ErrControllerNotStarted
	}
	if !c.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if c.registry != nil {
		if err := c.registry.DeregisterActivity(c); err != nil {
			c.logger.Error("Failed to deregister controller activity", "error", err)
		}
	}
	if err := c.scheduler.Stop(ctx); err != nil {
		c.logger.Error("Timeout scheduler did not stop cleanly", "error", err)
	}

	flushed := c.queue.drainAll()
	for _, task := range flushed {
		task.flush(c.logger)
	}
	if len(flushed) > 0 {
		c.logger.Info("Flushed queued tasks on stop", "count", len(flushed))
		c.emitEvent(ctx, EventTypeQueueFlushed, map[string]any{"count": len(flushed)})
	}
	return nil
}

// BeginRequest attempts to admit a request against the capacity limit.
// It never blocks: the increment is a lock-free CAS loop bounded by
// contention. With force set, admission ignores the paused flag, which is
// how forced queued work is served during drain.
//
// On RunResultRun the caller holds a permit and must release it with
// RequestComplete; on RunResultRejected no permit is held.
func (c *Controller) BeginRequest(force bool) RunResult {
	for {
		max := c.maxRequestCount.Load()
		active := c.activeRequestCount.Load()
		if !capacityAllows(max, active) || (c.paused.Load() && !force) {
			return RunResultRejected
		}
		if c.activeRequestCount.CompareAndSwap(active, active+1) {
			break
		}
	}
	// Re-check the paused state: there is a race between checking paused
	// and incrementing the count. Treating "admitted but immediately
	// paused" identically to "never admitted" keeps the suspend signal
	// exactly-once, since requestComplete tolerates repeated zero hits.
	if !force && c.paused.Load() {
		c.decrementRequestCount()
		return RunResultRejected
	}
	return RunResultRun
}

// RequestComplete releases an admission permit. The permit is first offered
// to the queue: a finishing request immediately services the next queued
// task, and only if none can run is the count decremented (resolving the
// pending suspend signal if the server is paused and this was the last
// request).
func (c *Controller) RequestComplete() {
	c.runQueuedTask(true)
}

// decrementRequestCount performs the bare decrement plus the exactly-once
// suspend-signal resolution.
func (c *Controller) decrementRequestCount() {
	remaining := c.activeRequestCount.Add(-1)
	if c.paused.Load() && remaining == 0 {
		if pending := c.pendingSuspend.Load(); pending != nil {
			// Take-and-resolve via CAS so a racing resume cannot
			// double-resolve or resolve a future someone else consumed.
			if c.pendingSuspend.CompareAndSwap(pending, nil) {
				pending.Complete()
			}
		}
	}
}

// QueueTask appends work to the FIFO queue and attempts one drain, instead
// of rejecting outright when admission is unavailable. The work and the
// onTimeout rejection callback are mutually exclusive and each fires at most
// once. With rejectOnSuspend set and the server paused, onTimeout runs
// immediately without queueing (unless forceRun is also set). A positive
// timeout schedules a delayed cancellation that fires onTimeout on executor
// if the work has not been dispatched by then.
func (c *Controller) QueueTask(controlPoint *ControlPoint, work func(), executor Executor, timeout time.Duration, onTimeout func(), rejectOnSuspend, forceRun bool) error {
	if work == nil {
		return ErrTaskNil
	}
	if executor == nil {
		executor = GoExecutor()
	}
	if c.paused.Load() && rejectOnSuspend && !forceRun {
		if onTimeout != nil {
			dispatchCallback(executor, onTimeout, c.logger)
		}
		return nil
	}

	task := newQueuedTask(c, controlPoint, work, onTimeout, executor, forceRun)
	c.queue.add(task)
	if c.stopped.Load() {
		// Stop's flush may already have drained the queue; anything still
		// queued, this task included, runs synchronously here instead of
		// being stranded.
		for _, straggler := range c.queue.drainAll() {
			straggler.flush(c.logger)
		}
		return nil
	}
	c.runQueuedTask(false)

	if task.isQueued() && timeout > 0 {
		handle, err := c.scheduler.Schedule(timeout, func() {
			if task.cancel(c.logger) {
				c.logger.Debug("Queued task timed out", "timeout", timeout)
				c.emitEvent(context.Background(), EventTypeTaskTimedOut, map[string]any{
					"timeoutMillis": timeout.Milliseconds(),
					"forced":        task.forced,
				})
			}
		})
		if err != nil {
			// Scheduler already stopped: the shutdown flush owns the task.
			return nil
		}
		task.setTimeout(handle)
	}
	return nil
}

// runQueuedTask serves one queued task if capacity allows. hasPermit means
// the caller already holds an admission permit to hand over; otherwise one
// is acquired here, forcing only when paused (so a paused drain serves
// exclusively forced tasks). If no runnable task is found the permit is
// released, which is also what drives the suspend signal when the last
// request finishes. It reports whether a task was found.
func (c *Controller) runQueuedTask(hasPermit bool) bool {
	if !hasPermit && c.BeginRequest(c.paused.Load()) == RunResultRejected {
		return false
	}
	var task *queuedTask
	if !c.paused.Load() {
		task = c.queue.poll()
	} else {
		// The server is suspending, but forced tasks still run.
		task = c.queue.pollForced()
	}
	if task == nil {
		c.decrementRequestCount()
		return false
	}
	if !task.run() {
		// Lost the race to a timeout cancellation; the permit release
		// obligation stays here.
		c.decrementRequestCount()
	}
	return true
}

// SetMaxRequestCount updates the capacity limit and drains queued tasks
// while the new capacity and the queue permit, stopping at the first failed
// drain attempt. Monotonic, not a busy loop.
func (c *Controller) SetMaxRequestCount(n int) {
	c.maxRequestCount.Store(int32(n))
	c.logger.Info("Max request count updated", "maxRequests", n)
	for c.queue.len() > 0 && capacityAllows(int32(n), c.activeRequestCount.Load()) {
		if !c.runQueuedTask(false) {
			break
		}
	}
	c.emitEvent(context.Background(), EventTypeMaxRequestsChanged, map[string]any{"maxRequests": n})
}

// MaxRequestCount returns the capacity limit; negative means unlimited.
func (c *Controller) MaxRequestCount() int {
	return int(c.maxRequestCount.Load())
}

// ActiveRequestCount returns the number of currently admitted requests.
func (c *Controller) ActiveRequestCount() int {
	return int(c.activeRequestCount.Load())
}

// QueuedTaskCount returns the number of tasks waiting in the queue.
func (c *Controller) QueuedTaskCount() int {
	return c.queue.len()
}

// IsPaused reports whether the controller is paused (a suspend is in
// progress or complete).
func (c *Controller) IsPaused() bool {
	return c.paused.Load()
}

// capacityAllows is the admission gate against the limit: a negative limit
// is unlimited, zero admits nothing.
func capacityAllows(max, active int32) bool {
	return max < 0 || active < max
}

// ControlPoint returns the admission gate for the given deployment and entry
// point, creating it on first lookup. Control points are reference counted:
// if this method is called n times, RemoveControlPoint must also be called n
// times to clean the entry up.
func (c *Controller) ControlPoint(deployment, entryPoint string) *ControlPoint {
	id := ControlPointIdentifier{Deployment: deployment, EntryPoint: entryPoint}

	c.entryMu.Lock()
	defer c.entryMu.Unlock()

	point, ok := c.entryPoints[id]
	if !ok {
		point = newControlPoint(c, deployment, entryPoint, c.trackIndividualControlPoints)
		c.entryPoints[id] = point
	}
	point.referenceCount++
	return point
}

// RemoveControlPoint releases one reference to the control point, removing
// it from the table when the last reference is gone.
func (c *Controller) RemoveControlPoint(point *ControlPoint) error {
	c.entryMu.Lock()
	defer c.entryMu.Unlock()

	if point.referenceCount <= 0 {
		return ErrControlPointReleased
	}
	point.referenceCount--
	if point.referenceCount == 0 {
		delete(c.entryPoints, point.Identifier())
	}
	return nil
}

// pauseMatching pauses every control point accepted by filter and returns a
// future resolving once every one of them has drained; the first pause
// failure short-circuits to failure.
func (c *Controller) pauseMatching(ctx context.Context, filter func(*ControlPoint) bool) *Future {
	points := c.matchingPoints(filter)
	if len(points) == 0 {
		return CompletedFuture()
	}
	futures := make([]*Future, 0, len(points))
	for _, point := range points {
		futures = append(futures, point.Pause(ctx))
	}
	return joinFutures(futures)
}

// resumeMatching resumes every control point accepted by filter.
func (c *Controller) resumeMatching(ctx context.Context, filter func(*ControlPoint) bool) {
	for _, point := range c.matchingPoints(filter) {
		point.Resume(ctx)
	}
}

func (c *Controller) matchingPoints(filter func(*ControlPoint) bool) []*ControlPoint {
	c.entryMu.Lock()
	defer c.entryMu.Unlock()

	var points []*ControlPoint
	for _, point := range c.entryPoints {
		if filter(point) {
			points = append(points, point)
		}
	}
	return points
}

// PauseDeployment pauses every control point belonging to the deployment,
// returning a future resolving when all of them have drained.
func (c *Controller) PauseDeployment(ctx context.Context, deployment string) *Future {
	return c.pauseMatching(ctx, func(p *ControlPoint) bool { return p.deployment == deployment })
}

// ResumeDeployment resumes every control point belonging to the deployment.
func (c *Controller) ResumeDeployment(ctx context.Context, deployment string) {
	c.resumeMatching(ctx, func(p *ControlPoint) bool { return p.deployment == deployment })
}

// PauseEntryPoint pauses every control point for the given entry mechanism,
// e.g. all web requests, across deployments.
func (c *Controller) PauseEntryPoint(ctx context.Context, entryPoint string) *Future {
	return c.pauseMatching(ctx, func(p *ControlPoint) bool { return p.entryPoint == entryPoint })
}

// ResumeEntryPoint resumes every control point for the given entry
// mechanism.
func (c *Controller) ResumeEntryPoint(ctx context.Context, entryPoint string) {
	c.resumeMatching(ctx, func(p *ControlPoint) bool { return p.entryPoint == entryPoint })
}

// State returns a read-only snapshot of the controller, with control points
// ordered by deployment then entry point.
func (c *Controller) State() ControllerState {
	c.entryMu.Lock()
	points := make([]*ControlPoint, 0, len(c.entryPoints))
	for _, point := range c.entryPoints {
		points = append(points, point)
	}
	c.entryMu.Unlock()

	sort.Slice(points, func(i, j int) bool {
		if points[i].deployment != points[j].deployment {
			return points[i].deployment < points[j].deployment
		}
		return points[i].entryPoint < points[j].entryPoint
	})

	states := make([]EntryPointState, 0, len(points))
	for _, point := range points {
		states = append(states, EntryPointState{
			Deployment:         point.deployment,
			EntryPoint:         point.entryPoint,
			Paused:             point.IsPaused(),
			ActiveRequestCount: point.ActiveRequestCount(),
		})
	}

	return ControllerState{
		Paused:             c.paused.Load(),
		ActiveRequestCount: c.ActiveRequestCount(),
		MaxRequestCount:    c.MaxRequestCount(),
		QueuedTaskCount:    c.queue.len(),
		ControlPointStates: states,
	}
}

// SetEventSubject sets the subject admission events are published through.
func (c *Controller) SetEventSubject(subject Subject) {
	c.subjectMu.Lock()
	defer c.subjectMu.Unlock()
	c.subject = subject
}

func (c *Controller) eventSubject() Subject {
	c.subjectMu.RLock()
	defer c.subjectMu.RUnlock()
	return c.subject
}

func (c *Controller) emitEvent(ctx context.Context, eventType string, data any) {
	emitEvent(ctx, c.eventSubject(), c.logger, eventType, controllerEventSource, data)
}

func (c *Controller) emitControlPointEvent(ctx context.Context, eventType string, point *ControlPoint) {
	c.emitEvent(ctx, eventType, map[string]any{
		"deployment": point.deployment,
		"entryPoint": point.entryPoint,
	})
}

// Activity implementation: the controller participates in server suspension
// so that a suspend drains the request queue and in-flight work.

// ExecutionGroup returns the group the controller suspends in.
func (c *Controller) ExecutionGroup() int {
	return c.executionGroup
}

// Prepare is a no-op: admission continues until the suspend phase proper.
func (c *Controller) Prepare(ctx context.Context) *Future {
	return CompletedFuture()
}

// Suspend pauses admission and returns a future resolving when the active
// request count reaches zero. If the count is already zero the future
// resolves immediately; otherwise it is resolved by the requestComplete path
// of the final in-flight request.
func (c *Controller) Suspend(ctx context.Context) *Future {
	c.paused.Store(true)
	result := NewFuture()
	c.pendingSuspend.Store(result)

	if c.activeRequestCount.Load() == 0 {
		if c.pendingSuspend.CompareAndSwap(result, nil) {
			result.Complete()
		}
	}
	return result
}

// Resume clears the paused flag, cancels and discards any pending suspend
// signal, then drains the queue while capacity permits.
func (c *Controller) Resume(ctx context.Context) *Future {
	c.paused.Store(false)
	if pending := c.pendingSuspend.Load(); pending != nil {
		c.pendingSuspend.CompareAndSwap(pending, nil)
		pending.Cancel()
	}
	for c.queue.len() > 0 && capacityAllows(c.maxRequestCount.Load(), c.activeRequestCount.Load()) {
		if !c.runQueuedTask(false) {
			break
		}
	}
	return CompletedFuture()
}
