// Package notify carries sync lifecycle events to interested consumers.
// Publishing is fire-and-forget with at-most-once delivery: a failing sink
// logs and swallows, it never fails the operation that published.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is a lightweight notification pushed to a user's sinks.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent stamps an event with an id and the current time.
func NewEvent(eventType string, payload map[string]any) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Sink is a publish target for per-user events.
type Sink interface {
	Publish(ctx context.Context, userID string, evt Event)
}

// Noop discards all events.
type Noop struct{}

func (Noop) Publish(_ context.Context, _ string, _ Event) {}

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, userID string, evt Event) {
	for _, s := range m {
		s.Publish(ctx, userID, evt)
	}
}
