package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventConsultStarted    EventType = "consult.started"
	EventPlan              EventType = "plan"
	EventAgentResponse     EventType = "agent_response"
	EventChallengeRaised   EventType = "challenge.raised"
	EventChallengeResolved EventType = "challenge.resolved"
	EventClarification     EventType = "clarification"
	EventComplete          EventType = "complete"
	EventError             EventType = "error"
	EventCacheHit          EventType = "cache.hit"
)

// Event is the envelope published on the event bus and written to streams.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent marshals payload into an Event. A payload that cannot be
// marshalled is dropped.
func NewEvent(eventType EventType, sessionID string, payload any) Event {
	ev := Event{Type: eventType, Timestamp: time.Now(), SessionID: sessionID}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Payload = data
		}
	}
	return ev
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// EventSink receives the ordered events of a single consultation.
// Emit is called from the orchestrating goroutine only.
type EventSink interface {
	Emit(ctx context.Context, event Event) error
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, event Event) error

// Emit calls f.
func (f EventSinkFunc) Emit(ctx context.Context, event Event) error { return f(ctx, event) }
