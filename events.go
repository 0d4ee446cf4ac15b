package requestcontrol

import (
	"context"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// EventType constants for events emitted by this package. Following the
// CloudEvents specification, these use reverse domain notation.
const (
	// Suspend lifecycle events
	EventTypeSuspending    = "com.requestcontrol.suspend.started"
	EventTypeSuspended     = "com.requestcontrol.suspend.completed"
	EventTypeSuspendFailed = "com.requestcontrol.suspend.failed"
	EventTypeResumed       = "com.requestcontrol.resume.completed"

	// Control point events
	EventTypeControlPointPaused  = "com.requestcontrol.controlpoint.paused"
	EventTypeControlPointResumed = "com.requestcontrol.controlpoint.resumed"

	// Admission events
	EventTypeMaxRequestsChanged = "com.requestcontrol.admission.limit_changed"
	EventTypeTaskTimedOut       = "com.requestcontrol.admission.task_timed_out"
	EventTypeQueueFlushed       = "com.requestcontrol.admission.queue_flushed"

	// Reporting events
	EventTypeStateSnapshot = "com.requestcontrol.state.snapshot"
)

// NewCloudEvent creates a new CloudEvent with the specified parameters.
// This is a convenience function for creating properly formatted CloudEvents.
func NewCloudEvent(eventType, source string, data interface{}) CloudEvent {
	event := cloudevents.NewEvent()

	event.SetID(generateEventID())
	event.SetSource(source)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)

	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}

	return event
}

// generateEventID generates a unique identifier for CloudEvents using
// UUIDv7, which includes timestamp information for time-ordered uniqueness.
func generateEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails for any reason
		id = uuid.New()
	}
	return id.String()
}

// emitEvent builds and delivers an event through subject, tolerating a nil
// subject so components work without an observer surface attached.
func emitEvent(ctx context.Context, subject Subject, logger Logger, eventType, source string, data interface{}) {
	if subject == nil {
		return
	}
	event := NewCloudEvent(eventType, source, data)
	if err := subject.NotifyObservers(ctx, event); err != nil {
		ensureLogger(logger).Error("Failed to notify observers", "event", eventType, "error", err)
	}
}
