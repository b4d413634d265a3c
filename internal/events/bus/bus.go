// Package bus provides the fire-and-forget notification transport for
// dbgnexus: command and session lifecycle events delivered to external
// subscribers (CLI watchers, health dashboards) over either an in-process
// bus or NATS.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CommandStatus is the payload carried by every command.* event: a
// snapshot of one command's lifecycle transition.
type CommandStatus struct {
	SessionID  string `json:"sessionId"`
	CommandID  string `json:"commandId"`
	Command    string `json:"command"`
	State      string `json:"state"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"durationMs,omitempty"`
}

// CommandHeartbeat is the payload carried by command.heartbeat events,
// emitted periodically while a command is still executing.
type CommandHeartbeat struct {
	SessionID string `json:"sessionId"`
	CommandID string `json:"commandId"`
	Command   string `json:"command"`
	ElapsedMS int64  `json:"elapsedMs"`
}

// ServerHealth is the payload carried by the periodic server.health
// snapshot event.
type ServerHealth struct {
	Sessions       int `json:"sessions"`
	ActiveDrivers  int `json:"activeDrivers"`
	QueueDepth     int `json:"queueDepth"`
	ActiveCommands int `json:"activeCommands"`
}

// SessionStatus is the payload carried by session.* lifecycle events
// (opened, recovering, closed).
type SessionStatus struct {
	SessionID string `json:"sessionId"`
	Target    string `json:"target,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Event represents a message on the event bus. Exactly one payload field
// is populated, chosen by Type; subscribers switch on Type before reading
// the corresponding field.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Source    string    `json:"source"` // component that produced the event
	Timestamp time.Time `json:"timestamp"`

	CommandStatus    *CommandStatus    `json:"commandStatus,omitempty"`
	CommandHeartbeat *CommandHeartbeat `json:"commandHeartbeat,omitempty"`
	ServerHealth     *ServerHealth     `json:"serverHealth,omitempty"`
	SessionStatus    *SessionStatus    `json:"sessionStatus,omitempty"`
}

func newEvent(eventType, source string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
	}
}

// NewCommandStatusEvent builds a command.* lifecycle event.
func NewCommandStatusEvent(eventType, source string, status CommandStatus) *Event {
	e := newEvent(eventType, source)
	e.CommandStatus = &status
	return e
}

// NewCommandHeartbeatEvent builds a command.heartbeat event.
func NewCommandHeartbeatEvent(eventType, source string, heartbeat CommandHeartbeat) *Event {
	e := newEvent(eventType, source)
	e.CommandHeartbeat = &heartbeat
	return e
}

// NewServerHealthEvent builds a server.health snapshot event.
func NewServerHealthEvent(eventType, source string, health ServerHealth) *Event {
	e := newEvent(eventType, source)
	e.ServerHealth = &health
	return e
}

// NewSessionStatusEvent builds a session.* lifecycle event.
func NewSessionStatusEvent(eventType, source string, status SessionStatus) *Event {
	e := newEvent(eventType, source)
	e.SessionStatus = &status
	return e
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the fire-and-forget pub/sub transport every queue/session
// notifier publishes through. There is no request/reply here: nothing in
// dbgnexus waits on a synchronous answer delivered back over the bus.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe creates a queue subscription for load balancing.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
