package lifecycle

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event types reported by the Manager.
const (
	EventStaged   = "staged"
	EventStarting = "starting"
	EventReady    = "ready"
	EventNotReady = "not_ready"
	EventStopped  = "stopped"
)

// Event is one lifecycle transition of the injection server.
type Event struct {
	ID       string
	Type     string
	Message  string
	Time     time.Time
	Metadata map[string]string
}

func newEvent(eventType, message string, metadata map[string]string) Event {
	return Event{
		ID:       uuid.NewString(),
		Type:     eventType,
		Message:  message,
		Time:     time.Now(),
		Metadata: metadata,
	}
}

// EventPublisher receives lifecycle events.
type EventPublisher interface {
	ReportLifecycleEvent(ctx context.Context, event Event) error
}

// NoopEventPublisher discards events.
type NoopEventPublisher struct{}

// ReportLifecycleEvent does nothing
func (n *NoopEventPublisher) ReportLifecycleEvent(ctx context.Context, event Event) error {
	return nil
}
