package gateway

import "time"

// EventType names follow the operation they report on; collaborators key off
// these strings.
type EventType string

const (
	EventConnected         EventType = "connected"
	EventDisconnected      EventType = "disconnected"
	EventError             EventType = "error"
	EventRetry             EventType = "retry"
	EventOrderCreated      EventType = "orderCreated"
	EventOrderCanceled     EventType = "orderCanceled"
	EventAllOrdersCanceled EventType = "allOrdersCanceled"
)

// Event is delivered synchronously to every subscribed handler.
type Event struct {
	Type      EventType `json:"type"`
	Exchange  string    `json:"exchange"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// RetryPayload accompanies EventRetry.
type RetryPayload struct {
	Operation string        `json:"operation"`
	Attempt   int           `json:"attempt"`
	Delay     time.Duration `json:"delay"`
	Cause     string        `json:"cause"`
}

// ErrorPayload accompanies EventError.
type ErrorPayload struct {
	Operation string           `json:"operation"`
	Err       *NormalizedError `json:"error"`
}

// Handler observes gateway events. Handlers must not block: they run inline on
// the calling task.
type Handler func(Event)
