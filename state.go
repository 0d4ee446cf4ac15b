package requestcontrol

// SuspendState describes where the server is in the suspend lifecycle.
// Exactly one instance of this state exists per SuspendController and it is
// mutated only by the controller itself.
type SuspendState int32

const (
	// StateRunning means requests are admitted normally.
	StateRunning SuspendState = iota
	// StatePreSuspending means the prepare phase is executing: external
	// systems (load balancers and the like) are being told this server is
	// about to go away, but work is still admitted.
	StatePreSuspending
	// StateSuspending means the suspend phase is executing: no new work is
	// admitted and in-flight work is draining.
	StateSuspending
	// StateSuspended means all registered activities have quiesced.
	StateSuspended
)

// String returns the state name used in logs, events and the management API.
func (s SuspendState) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StatePreSuspending:
		return "PRE_SUSPENDING"
	case StateSuspending:
		return "SUSPENDING"
	case StateSuspended:
		return "SUSPENDED"
	default:
		return "UNKNOWN"
	}
}

// RunResult is the outcome of an admission attempt. Rejection is a normal
// outcome, not an error: callers are expected to branch on it.
type RunResult int

const (
	// RunResultRun means the request was admitted and the caller now holds
	// a permit that must be released with RequestComplete.
	RunResultRun RunResult = iota
	// RunResultRejected means the request was not admitted and no permit
	// is held.
	RunResultRejected
)

// String returns the result name.
func (r RunResult) String() string {
	if r == RunResultRun {
		return "RUN"
	}
	return "REJECTED"
}

// ControllerState is a read-only snapshot of the controller, consumed by the
// management surface and the periodic state reporter.
type ControllerState struct {
	Paused             bool              `json:"paused"`
	ActiveRequestCount int               `json:"activeRequestCount"`
	MaxRequestCount    int               `json:"maxRequestCount"`
	QueuedTaskCount    int               `json:"queuedTaskCount"`
	ControlPointStates []EntryPointState `json:"entryPoints"`
}

// EntryPointState is the per-control-point portion of a ControllerState
// snapshot.
type EntryPointState struct {
	Deployment         string `json:"deployment"`
	EntryPoint         string `json:"entryPoint"`
	Paused             bool   `json:"paused"`
	ActiveRequestCount int    `json:"activeRequestCount"`
}
