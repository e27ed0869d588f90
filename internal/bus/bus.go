// Package bus provides the event channel between the engine and its host
package bus

import (
	"sync"
)

// EventType identifies different event types
type EventType string

const (
	// Session events
	EventTypeStatusChanged    EventType = "session.status_changed"
	EventTypeContextLost      EventType = "session.context_lost"
	EventTypeContextRestored  EventType = "session.context_restored"
	EventTypeSessionDestroyed EventType = "session.destroyed"

	// Model events
	EventTypeModelLoaded EventType = "model.loaded"
	EventTypeModelFailed EventType = "model.failed"

	// Errors surfaced to the host
	EventTypeError EventType = "engine.error"

	// Speech events
	EventTypeSpeakingChanged EventType = "speech.speaking_changed"

	// Interaction events
	EventTypeTransformChanged EventType = "interaction.transform_changed"
)

// Event represents a bus event
type Event struct {
	Type EventType
	Data map[string]any
}

// Handler is a function that handles events
type Handler func(Event)

// EventBus is a simple pub/sub event bus
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe adds a handler for an event type
func (b *EventBus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeMultiple adds a handler for multiple event types
func (b *EventBus) SubscribeMultiple(eventTypes []EventType, handler Handler) {
	for _, et := range eventTypes {
		b.Subscribe(et, handler)
	}
}

func (b *EventBus) snapshot(t EventType) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	handlers := make([]Handler, len(b.handlers[t]))
	copy(handlers, b.handlers[t])
	return handlers
}

// PublishSync calls every handler on the caller's goroutine, in
// subscription order. The render loop uses it so state changes reach the
// host before the next tick.
func (b *EventBus) PublishSync(event Event) {
	for _, handler := range b.snapshot(event.Type) {
		handler(event)
	}
}
