// Package broker holds the delivery rules shared by the broker adapters.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"athena/internal/domain"
)

// Outcome is how a delivered task is settled.
type Outcome int

const (
	// Ack removes the message from the queue.
	Ack Outcome = iota
	// Requeue returns the message to the queue for another attempt.
	Requeue
	// Drop discards the message without redelivery.
	Drop
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case Drop:
		return "drop"
	}
	return "unknown"
}

// DecodeTask parses a task envelope. Bodies that do not decode or carry no
// task name are malformed and must be dropped.
func DecodeTask(body []byte) (domain.Task, error) {
	var task domain.Task
	if err := json.Unmarshal(body, &task); err != nil {
		return domain.Task{}, domain.NewDomainError("broker.DecodeTask", domain.ErrInvalidInput, err.Error())
	}
	if task.Name == "" {
		return domain.Task{}, domain.NewDomainError("broker.DecodeTask", domain.ErrInvalidInput, "task name missing")
	}
	return task, nil
}

// Invoke runs handler for task and maps its result to an Outcome. A panic
// in the handler requeues the message.
func Invoke(ctx context.Context, handler domain.TaskHandler, task domain.Task) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome, err = Requeue, fmt.Errorf("task %s panicked: %v", task.Name, r)
		}
	}()
	if err := handler(ctx, task); err != nil {
		return OutcomeOf(err), err
	}
	return Ack, nil
}

// OutcomeOf maps a handler error to an Outcome.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return Ack
	case errors.Is(err, domain.ErrInvalidInput):
		return Drop
	default:
		return Requeue
	}
}

// EncodeEvent builds the JSON body published for one run event. A nil data
// value is sent as an empty object.
func EncodeEvent(event domain.EventType, data any) ([]byte, error) {
	raw := json.RawMessage("{}")
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s data: %w", event, err)
		}
		raw = b
	}
	return json.Marshal(domain.RunEvent{Event: event, Data: raw})
}

// DecodeEvent parses a published run event body. A body without an event
// type decodes as domain.EventMessage.
func DecodeEvent(body []byte) (*domain.RunEvent, error) {
	var ev domain.RunEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decode run event: %w", err)
	}
	if ev.Event == "" {
		ev.Event = domain.EventMessage
	}
	return &ev, nil
}
