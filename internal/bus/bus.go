// Package bus provides an internal event bus for outward notifications
// (renderer, indicators, operator surfaces).
package bus

import (
	"sync"
)

// EventType identifies different event types
type EventType string

const (
	// Stream lifecycle
	EventTypeStreamOpened EventType = "stream.opened"
	EventTypeStreamClosed EventType = "stream.closed"
	EventTypeStreamError  EventType = "stream.error"

	// Turn lifecycle, fired by the synchronization pipeline
	EventTypeTurnStarted     EventType = "turn.started"
	EventTypeTurnComplete    EventType = "turn.complete"
	EventTypeTurnBuffering   EventType = "turn.buffering"
	EventTypeTurnInterrupted EventType = "turn.interrupted"
	EventTypeSyncFallback    EventType = "turn.sync_fallback"

	// Cue display
	EventTypeCuesUpdated EventType = "cues.updated"
	EventTypeCuesCleared EventType = "cues.cleared"

	// Conversation and nudges
	EventTypeStateChanged       EventType = "conversation.state_changed"
	EventTypeNudgeSent          EventType = "nudge.sent"
	EventTypeNudgeRejected      EventType = "nudge.rejected"
	EventTypeNudgeFailed        EventType = "nudge.failed"
	EventTypeNudgeResponded     EventType = "nudge.responded"
	EventTypeNudgeIndicatorShow EventType = "nudge.indicator_shown"
	EventTypeNudgeIndicatorHide EventType = "nudge.indicator_hidden"
	EventTypeSessionTerminated  EventType = "session.terminated"
)

// Event represents a bus event
type Event struct {
	Type EventType
	Data map[string]any
}

// Handler is a function that handles events
type Handler func(Event)

type subscription struct {
	id int
	h  Handler
}

// EventBus is a simple pub/sub event bus
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]subscription
	nextID   int
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]subscription),
	}
}

// Subscribe adds a handler for an event type and returns a func that
// removes it.
func (b *EventBus) Subscribe(eventType EventType, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: id, h: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[eventType]
		for i, s := range subs {
			if s.id == id {
				b.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// SubscribeMultiple adds a handler for multiple event types
func (b *EventBus) SubscribeMultiple(eventTypes []EventType, handler Handler) func() {
	cancels := make([]func(), 0, len(eventTypes))
	for _, et := range eventTypes {
		cancels = append(cancels, b.Subscribe(et, handler))
	}
	return func() {
		for _, c := range cancels {
			c()
		}
	}
}

func (b *EventBus) snapshot(t EventType) []subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := make([]subscription, len(b.handlers[t]))
	copy(subs, b.handlers[t])
	return subs
}

// Publish delivers the event to every handler on the caller's goroutine,
// in subscription order. Events from one publisher arrive in publish order.
// Handlers must not block; anything doing I/O queues and returns.
func (b *EventBus) Publish(event Event) {
	for _, s := range b.snapshot(event.Type) {
		s.h(event)
	}
}

// PublishAsync sends the event to each handler on its own goroutine.
func (b *EventBus) PublishAsync(event Event) {
	for _, s := range b.snapshot(event.Type) {
		go s.h(event)
	}
}

// Clear removes all handlers
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventType][]subscription)
}
