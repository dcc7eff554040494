package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Task names carried on the routing-class queues.
const (
	TaskExecuteGraph = "runs.execute_graph"
	TaskNotify       = "gateway.notify"
)

// Dispatch is the message admission enqueues for one run.
type Dispatch struct {
	RunID    string         `json:"run_id"`
	AgentID  string         `json:"agent_id"`
	Payload  map[string]any `json:"payload"`
	Manifest Manifest       `json:"manifest"`
}

// Validate checks the fields a worker needs before it can resolve an agent.
func (d Dispatch) Validate() error {
	if d.RunID == "" {
		return NewDomainError("Dispatch.Validate", ErrInvalidInput, "run_id required")
	}
	if d.AgentID == "" {
		return NewDomainError("Dispatch.Validate", ErrInvalidInput, "agent_id required")
	}
	return nil
}

// Task is the envelope placed on a routing-class queue.
type Task struct {
	Name  string          `json:"task"`
	RunID string          `json:"run_id,omitempty"`
	Body  json.RawMessage `json:"body"`
}

// NewDispatchTask wraps d in a TaskExecuteGraph envelope.
func NewDispatchTask(d Dispatch) (Task, error) {
	body, err := json.Marshal(d)
	if err != nil {
		return Task{}, fmt.Errorf("marshal dispatch: %w", err)
	}
	return Task{Name: TaskExecuteGraph, RunID: d.RunID, Body: body}, nil
}

// Notification is the body of a TaskNotify task.
type Notification struct {
	Channel string         `json:"channel"`
	ChatID  string         `json:"chat_id,omitempty"`
	Kind    string         `json:"kind,omitempty"`
	Title   string         `json:"title,omitempty"`
	Text    string         `json:"text"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// NewNotifyTask wraps n in a TaskNotify envelope.
func NewNotifyTask(n Notification) (Task, error) {
	body, err := json.Marshal(n)
	if err != nil {
		return Task{}, fmt.Errorf("marshal notification: %w", err)
	}
	return Task{Name: TaskNotify, Body: body}, nil
}

// Notifier delivers gateway notifications to an external channel.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// TaskQueue enqueues tasks on a routing-class queue.
type TaskQueue interface {
	Enqueue(ctx context.Context, queue QueueClass, task Task) error
}

// TaskHandler processes one delivered task. Returning an error wrapping
// ErrInvalidInput drops the message; any other error requeues it.
type TaskHandler func(ctx context.Context, task Task) error

// TaskConsumer delivers tasks from one routing-class queue, one at a time,
// until ctx is cancelled.
type TaskConsumer interface {
	Consume(ctx context.Context, queue QueueClass, handler TaskHandler) error
}

// Result status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// RunResult is the structured outcome of one execution. Errors scoped to a
// run are reported here rather than returned as Go errors.
type RunResult struct {
	Status  string         `json:"status"`
	RunID   string         `json:"run_id,omitempty"`
	AgentID string         `json:"agent_id,omitempty"`
	Result  map[string]any `json:"result,omitempty"`
	Ack     bool           `json:"ack,omitempty"`
	Message string         `json:"message,omitempty"`
}

// ErrorResult builds a status:error result.
func ErrorResult(message string) RunResult {
	return RunResult{Status: StatusError, Message: message}
}

// OK reports whether the run succeeded.
func (r RunResult) OK() bool { return r.Status == StatusOK }

// RunState is the lifecycle state recorded for status queries.
type RunState string

const (
	RunQueued  RunState = "queued"
	RunRunning RunState = "running"
	RunOK      RunState = "ok"
	RunError   RunState = "error"
	// RunUnknown is reported for ids with no record: still waiting on a
	// queue, never admitted, or already pruned.
	RunUnknown RunState = "unknown"
)

// RunRecord is the observable status of a run. It is written for status
// queries only; the engine never reads it.
type RunRecord struct {
	RunID     string     `json:"run_id"`
	AgentID   string     `json:"agent_id"`
	Queue     QueueClass `json:"queue"`
	State     RunState   `json:"state"`
	Message   string     `json:"message,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// RunStatusStore persists RunRecords.
type RunStatusStore interface {
	Put(ctx context.Context, rec RunRecord) error
	Get(ctx context.Context, runID string) (*RunRecord, error)
}
