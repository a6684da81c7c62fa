package history

import (
	"context"
	"time"
)

// EventType defines the kind of supervision event.
type EventType string

const (
	EventStart          EventType = "start"
	EventStop           EventType = "stop"
	EventRestartAttempt EventType = "restart_attempt"
	EventRestartFailed  EventType = "restart_failed"
	EventFatal          EventType = "fatal"
	EventRecovered      EventType = "recovered"
	// EventRecoveryAttempt is a single start attempt made on an interval
	// after the restart budget of an episode was spent.
	EventRecoveryAttempt EventType = "recovery_attempt"
)

// Event is one supervision event exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Name       string    `json:"name"`
	PID        int       `json:"pid,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Result     string    `json:"result,omitempty"` // last health result
	Error      string    `json:"error,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
