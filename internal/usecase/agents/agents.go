// Package agents holds the built-in agent catalog and registers it into the
// per-class registries.
package agents

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"athena/internal/domain"
	"athena/internal/usecase/agentgraph"
)

// Agent ids.
const (
	Guardian       = "guardian"
	Appeals        = "appeals"
	Journaling     = "journaling"
	GoalsScheduler = "goals_scheduler"
	Echo           = "echo"
	Summarizer     = "summarizer"
)

// RegisterPublic adds the public catalog.
func RegisterPublic(r *agentgraph.Registry[agentgraph.Public]) error {
	for id, e := range map[string]agentgraph.Entry{
		Echo:       echoEntry(),
		Summarizer: summarizerEntry(),
	} {
		if err := r.Register(id, e); err != nil {
			return err
		}
	}
	return nil
}

// RegisterSensitive adds the sensitive catalog.
func RegisterSensitive(r *agentgraph.Registry[agentgraph.Sensitive]) error {
	for id, e := range map[string]agentgraph.Entry{
		Guardian:       guardianEntry(),
		Appeals:        appealsEntry(),
		Journaling:     journalingEntry(),
		GoalsScheduler: goalsEntry(),
	} {
		if err := r.Register(id, e); err != nil {
			return err
		}
	}
	return nil
}

func temperature(t float64) *float64 { return &t }

var fencePattern = regexp.MustCompile("(?s)^```(?:json)?\\s*(.*?)\\s*```$")

// decodeJSON parses a model reply as JSON, tolerating a markdown fence.
func decodeJSON(content string, v any) error {
	s := strings.TrimSpace(content)
	if m := fencePattern.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	return json.Unmarshal([]byte(s), v)
}

// chat sends a system prompt plus messages and returns the trimmed reply.
func chat(ctx context.Context, model domain.ChatModel, jsonMode bool, system string, msgs ...domain.ChatMessage) (string, error) {
	req := domain.ChatRequest{
		JSONMode: jsonMode,
		Messages: append([]domain.ChatMessage{{Role: "system", Content: system}}, msgs...),
	}
	resp, err := model.Chat(ctx, req)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

func user(text string) domain.ChatMessage { return domain.ChatMessage{Role: "user", Content: text} }

// notify enqueues a gateway notification when a task queue is wired.
func notify(ctx context.Context, svc agentgraph.Services, n domain.Notification) {
	if svc.Tasks == nil {
		return
	}
	task, err := domain.NewNotifyTask(n)
	if err == nil {
		task.RunID = domain.RunIDFromContext(ctx)
		err = svc.Tasks.Enqueue(ctx, domain.QueueGateway, task)
	}
	if err != nil {
		svc.Log().Warn("gateway notification not enqueued", "channel", n.Channel, "error", err)
	}
}
