package requestcontrol

import (
	"errors"
	"fmt"
)

// Package errors
var (
	// Future errors
	ErrFutureCancelled = errors.New("future was cancelled")

	// Activity registry errors
	ErrActivityNil               = errors.New("activity is nil")
	ErrActivityAlreadyRegistered = errors.New("activity already registered")
	ErrActivityNotRegistered     = errors.New("activity not registered")
	ErrExecutionGroupOutOfRange  = errors.New("execution group out of range")

	// Controller errors
	ErrControllerStopped    = errors.New("request controller is stopped")
	ErrControllerNotStarted = errors.New("request controller is not started")
	ErrControlPointReleased = errors.New("control point reference already released")
	ErrTaskNil              = errors.New("queued task is nil")

	// Scheduler errors
	ErrSchedulerStopped = errors.New("scheduler is stopped")

	// Configuration errors
	ErrConfigNil               = errors.New("config is nil")
	ErrConfigUnsupportedFormat = errors.New("unsupported config file format")
	ErrConfigInvalidMaxRequest = errors.New("max requests must be -1 (unlimited), 0, or positive")

	// Management errors
	ErrManagementControllerNil = errors.New("management handler requires a controller")

	// Reporter errors
	ErrReporterAlreadyStarted = errors.New("state reporter already started")
)

// recoveredError converts a recovered panic value into an error so it can
// flow through a future's failure path.
func recoveredError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("recovered panic: %v", r)
}
