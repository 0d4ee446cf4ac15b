package requestcontrol

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
)

// reporterEventSource is the CloudEvents source for snapshot events.
const reporterEventSource = "requestcontrol/reporter"

// StateReporter periodically publishes a state snapshot of the controller as
// a CloudEvent, for dashboards and drain monitoring during rolling restarts.
type StateReporter struct {
	controller *Controller
	suspend    *SuspendController
	subject    Subject
	logger     Logger
	schedule   string

	cron    *cron.Cron
	started bool
	mu      sync.Mutex
}

// NewStateReporter creates a reporter publishing on the given cron schedule
// (e.g. "@every 30s"). The suspend controller may be nil.
func NewStateReporter(controller *Controller, suspend *SuspendController, subject Subject, logger Logger, schedule string) (*StateReporter, error) {
	if controller == nil {
		return nil, ErrManagementControllerNil
	}
	return &StateReporter{
		controller: controller,
		suspend:    suspend,
		subject:    subject,
		logger:     ensureLogger(logger),
		schedule:   schedule,
	}, nil
}

// Start schedules the snapshot job and starts the cron runner.
func (r *StateReporter) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrReporterAlreadyStarted
	}

	r.cron = cron.New()
	if _, err := r.cron.AddFunc(r.schedule, r.publishSnapshot); err != nil {
		return fmt.Errorf("invalid snapshot schedule %q: %w", r.schedule, err)
	}
	r.cron.Start()
	r.started = true
	r.logger.Info("State reporter started", "schedule", r.schedule)
	return nil
}

// Stop stops the cron runner and waits for a running snapshot job to finish,
// bounded by ctx.
func (r *StateReporter) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return nil
	}
	r.started = false

	stopCtx := r.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (r *StateReporter) publishSnapshot() {
	snapshot := map[string]any{"controller": r.controller.State()}
	if r.suspend != nil {
		snapshot["suspendState"] = r.suspend.State().String()
	}
	emitEvent(context.Background(), r.subject, r.logger, EventTypeStateSnapshot, reporterEventSource, snapshot)
}
