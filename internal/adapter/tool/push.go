package tool

import (
	"context"
	"encoding/json"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"athena/internal/domain"
)

// PushTool hands a push message to the gateway queue. Delivery happens in
// the gateway worker.
type PushTool struct {
	queue  domain.TaskQueue
	logger *slog.Logger
}

// NewPushTool creates the push.send tool.
func NewPushTool(queue domain.TaskQueue, logger *slog.Logger) *PushTool {
	return &PushTool{queue: queue, logger: logger}
}

func (t *PushTool) Name() string { return "push.send" }
func (t *PushTool) Description() string {
	return "Send a push message to browser and/or android frontends through the gateway."
}

func (t *PushTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"target": {"type": "string", "enum": ["browser", "android", "all"]},
				"kind": {"type": "string", "enum": ["info", "block_signal", "unblock_signal"]},
				"title": {"type": "string"},
				"body": {"type": "string"},
				"meta": {"type": "object"}
			},
			"required": ["target", "kind", "title", "body"]
		}`),
	}
}

type pushParams struct {
	Target string         `json:"target"`
	Kind   string         `json:"kind"`
	Title  string         `json:"title"`
	Body   string         `json:"body"`
	Meta   map[string]any `json:"meta"`
}

func (t *PushTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.push.send", t.logger, params,
		func(ctx context.Context, span trace.Span, p pushParams) (any, error) {
			task, err := domain.NewNotifyTask(domain.Notification{
				Channel: "push:" + p.Target,
				Kind:    p.Kind,
				Title:   p.Title,
				Text:    p.Body,
				Meta:    p.Meta,
			})
			if err != nil {
				return nil, err
			}
			task.RunID = domain.RunIDFromContext(ctx)
			if err := t.queue.Enqueue(ctx, domain.QueueGateway, task); err != nil {
				return nil, err
			}
			return map[string]any{"queued": true, "target": p.Target}, nil
		},
	)
}
