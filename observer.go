// Package requestcontrol uses the Observer pattern for event-driven
// notification of lifecycle transitions. Events use the CloudEvents
// specification for standardized event format and better interoperability
// with external systems.
package requestcontrol

import (
	"context"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// CloudEvent is an alias for the CloudEvents Event type for convenience.
type CloudEvent = cloudevents.Event

// Observer defines the interface for objects that want to be notified of
// lifecycle events such as suspend transitions, pause completions and
// queued-task timeouts.
type Observer interface {
	// OnEvent is called when an event occurs that the observer is
	// interested in. Observers should handle events quickly to avoid
	// blocking other observers.
	OnEvent(ctx context.Context, event CloudEvent) error

	// ObserverID returns a unique identifier for this observer, used for
	// registration tracking and debugging.
	ObserverID() string
}

// Subject defines the interface for components that can be observed.
type Subject interface {
	// RegisterObserver adds an observer to receive notifications.
	// Observers can optionally filter events by type using the eventTypes
	// parameter. If eventTypes is empty, the observer receives all events.
	RegisterObserver(observer Observer, eventTypes ...string) error

	// UnregisterObserver removes an observer from receiving notifications.
	// This method is idempotent and does not error if the observer wasn't
	// registered.
	UnregisterObserver(observer Observer) error

	// NotifyObservers sends an event to all registered observers. The
	// notification process is non-blocking for the caller and handles
	// observer errors gracefully.
	NotifyObservers(ctx context.Context, event CloudEvent) error
}

// ObserverFunc adapts a plain function to the Observer interface.
type ObserverFunc struct {
	ID string
	Fn func(ctx context.Context, event CloudEvent) error
}

// OnEvent calls the wrapped function.
func (o ObserverFunc) OnEvent(ctx context.Context, event CloudEvent) error {
	return o.Fn(ctx, event)
}

// ObserverID returns the observer's identifier.
func (o ObserverFunc) ObserverID() string { return o.ID }

// observerRegistration holds information about a registered observer.
type observerRegistration struct {
	observer     Observer
	eventTypes   map[string]bool
	registeredAt time.Time
}

// EventSubject is the standard Subject implementation shared by the
// controller components. A zero value is not usable; construct it with
// NewEventSubject.
type EventSubject struct {
	logger    Logger
	observers map[string]*observerRegistration
	mu        sync.RWMutex
}

// NewEventSubject creates an event subject that logs observer failures
// through the supplied logger.
func NewEventSubject(logger Logger) *EventSubject {
	return &EventSubject{
		logger:    ensureLogger(logger),
		observers: make(map[string]*observerRegistration),
	}
}

// RegisterObserver adds an observer, optionally filtered to eventTypes.
func (s *EventSubject) RegisterObserver(observer Observer, eventTypes ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	eventTypeMap := make(map[string]bool, len(eventTypes))
	for _, eventType := range eventTypes {
		eventTypeMap[eventType] = true
	}

	s.observers[observer.ObserverID()] = &observerRegistration{
		observer:     observer,
		eventTypes:   eventTypeMap,
		registeredAt: time.Now(),
	}

	s.logger.Debug("Observer registered", "observerID", observer.ObserverID(), "eventTypes", eventTypes)
	return nil
}

// UnregisterObserver removes an observer. Idempotent.
func (s *EventSubject) UnregisterObserver(observer Observer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.observers, observer.ObserverID())
	return nil
}

// NotifyObservers delivers the event to every interested observer on its
// own goroutine, recovering panics and logging errors.
func (s *EventSubject) NotifyObservers(ctx context.Context, event CloudEvent) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if event.Time().IsZero() {
		event.SetTime(time.Now())
	}

	for _, registration := range s.observers {
		if len(registration.eventTypes) > 0 && !registration.eventTypes[event.Type()] {
			continue
		}

		registration := registration
		go func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("Observer panicked", "observerID", registration.observer.ObserverID(), "event", event.Type(), "panic", r)
				}
			}()

			if err := registration.observer.OnEvent(ctx, event); err != nil {
				s.logger.Error("Observer error", "observerID", registration.observer.ObserverID(), "event", event.Type(), "error", err)
			}
		}()
	}

	return nil
}
