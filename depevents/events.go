// Package depevents publishes dependency lifecycle changes as CloudEvents,
// so an embedder can wire resolver state into whatever event bus it already
// runs rather than polling DependencyModel.State().
package depevents

import (
	"context"
	"fmt"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// Event type constants for dependency lifecycle notifications, in
// reverse-DNS form under this module's own namespace.
const (
	EventTypeDependencyResolved   = "com.depresolver.dependency.resolved"
	EventTypeDependencyUnresolved = "com.depresolver.dependency.unresolved"
	EventTypeDependencyBroken     = "com.depresolver.dependency.broken"
	EventTypeServiceArrived       = "com.depresolver.service.arrived"
	EventTypeServiceDeparted      = "com.depresolver.service.departed"
	EventTypeServiceModified      = "com.depresolver.service.modified"
)

// Observer receives CloudEvents from a Subject.
type Observer interface {
	OnEvent(ctx context.Context, event cloudevents.Event) error
	ObserverID() string
}

// ObserverInfo describes a registered observer for introspection.
type ObserverInfo struct {
	ID           string    `json:"id"`
	EventTypes   []string  `json:"eventTypes"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Subject is the publish side: a DependencyModel's owner registers
// observers here and calls NotifyObservers as lifecycle callbacks fire.
type Subject interface {
	RegisterObserver(observer Observer, eventTypes ...string) error
	UnregisterObserver(observer Observer) error
	NotifyObservers(ctx context.Context, event cloudevents.Event) error
	GetObservers() []ObserverInfo
}

type registration struct {
	observer   Observer
	eventTypes map[string]bool // empty set means "all events"
	at         time.Time
}

// Bus is the in-process Subject implementation: it fans out notifications
// synchronously but isolates one observer's error from the others. A panic
// in an observer is not recovered and stops delivery to the rest.
type Bus struct {
	source string

	mu   sync.RWMutex
	subs map[string]*registration
}

// NewBus builds an empty event bus. source populates each emitted event's
// CloudEvents source attribute.
func NewBus(source string) *Bus {
	return &Bus{source: source, subs: make(map[string]*registration)}
}

// RegisterObserver implements Subject.
func (b *Bus) RegisterObserver(observer Observer, eventTypes ...string) error {
	if observer == nil {
		return fmt.Errorf("depevents: observer cannot be nil")
	}
	set := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		set[t] = true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[observer.ObserverID()] = &registration{observer: observer, eventTypes: set, at: currentTime()}
	return nil
}

// UnregisterObserver implements Subject. Idempotent: removing an observer
// that was never registered is not an error.
func (b *Bus) UnregisterObserver(observer Observer) error {
	if observer == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, observer.ObserverID())
	return nil
}

// NotifyObservers implements Subject, delivering event to every observer
// subscribed to its type (or to all events).
func (b *Bus) NotifyObservers(ctx context.Context, event cloudevents.Event) error {
	b.mu.RLock()
	targets := make([]Observer, 0, len(b.subs))
	for _, reg := range b.subs {
		if len(reg.eventTypes) == 0 || reg.eventTypes[event.Type()] {
			targets = append(targets, reg.observer)
		}
	}
	b.mu.RUnlock()

	var firstErr error
	for _, obs := range targets {
		if err := obs.OnEvent(ctx, event); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("observer %s: %w", obs.ObserverID(), err)
		}
	}
	return firstErr
}

// GetObservers implements Subject.
func (b *Bus) GetObservers() []ObserverInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]ObserverInfo, 0, len(b.subs))
	for id, reg := range b.subs {
		types := make([]string, 0, len(reg.eventTypes))
		for t := range reg.eventTypes {
			types = append(types, t)
		}
		out = append(out, ObserverInfo{ID: id, EventTypes: types, RegisteredAt: reg.at})
	}
	return out
}

// NewEvent builds a CloudEvent for eventType carrying data.
func NewEvent(source, eventType string, data any) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetID(uuid.NewString())
	event.SetSource(source)
	event.SetType(eventType)
	event.SetTime(currentTime())
	event.SetSpecVersion(cloudevents.VersionV1)
	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	return event
}

// currentTime is a seam over time.Now so tests can stub it if they ever
// need deterministic event timestamps; production callers get real time.
var currentTime = time.Now
