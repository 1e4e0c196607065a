// Package bus provides the event bus used to fan out run lifecycle events.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"

	v1 "github.com/acp2/gateway/pkg/api/v1"
)

// Event represents a run event on the bus.
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	RunID     string      `json:"run_id"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// NewEvent creates an event with a fresh UUID and current timestamp.
func NewEvent(eventType, runID string, data interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// RunSubject returns the bus subject for one run's events.
func RunSubject(runID string) string {
	return "runs." + runID
}

// AllRunsSubject matches every run's events.
const AllRunsSubject = "runs.*"

// EventHandler processes a single delivered event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
}

// EventBus publishes run events to interested subscribers.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}

// PublishRunEvent is a convenience for publishing one run lifecycle event.
func PublishRunEvent(ctx context.Context, b EventBus, eventType string, runID string, data interface{}) error {
	return b.Publish(ctx, RunSubject(runID), NewEvent(eventType, runID, data))
}

// TerminalEventFor maps a terminal run status to its event name.
func TerminalEventFor(status v1.RunStatus) string {
	switch status {
	case v1.RunStatusCompleted:
		return v1.EventRunCompleted
	case v1.RunStatusCancelled:
		return v1.EventRunCancelled
	case v1.RunStatusFailed:
		return v1.EventRunFailed
	}
	return ""
}
