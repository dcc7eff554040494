package domain

import (
	"context"
	"encoding/json"
)

// EventType identifies a run event.
type EventType string

const (
	EventAssistant       EventType = "assistant"
	EventHistorySnapshot EventType = "history_snapshot"
	EventRunCompleted    EventType = "run_completed"
	EventRunError        EventType = "run_error"
	// EventMessage names bodies published without an event type.
	EventMessage EventType = "message"
)

// Exchange names.
const (
	RunsExchange  = "runs"
	TasksExchange = "tasks"
)

// RoutingKey returns the topic routing key for a run or session id.
func RoutingKey(id string) string {
	return "runs." + id
}

// RunEvent is the body published on the runs exchange.
type RunEvent struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// EventPublisher publishes run events. Delivery is best-effort: failures
// are logged by the implementation and never reach the caller.
type EventPublisher interface {
	Publish(ctx context.Context, runID string, event EventType, data any)
}

// Subscription is an ephemeral queue bound to one routing key. It lives for
// one client connection and is discarded on Close.
type Subscription interface {
	// TryNext fetches one event without blocking. ok is false when the
	// queue is currently empty.
	TryNext(ctx context.Context) (ev *RunEvent, ok bool, err error)
	Close() error
}

// Subscriber opens ephemeral subscriptions on the runs exchange.
type Subscriber interface {
	Subscribe(ctx context.Context, routingKey string) (Subscription, error)
}
