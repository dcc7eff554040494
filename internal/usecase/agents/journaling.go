package agents

import (
	"context"
	"strings"

	"athena/internal/domain"
	"athena/internal/usecase/agentgraph"
	"athena/internal/usecase/graph"
)

func journalingEntry() agentgraph.Entry {
	return agentgraph.Entry{
		Config: domain.AgentConfig{
			Name:        "Journaling",
			Description: "A lightweight journaling companion that reflects and asks questions.",
			ModelName:   "gpt-5-mini",
			Temperature: temperature(0.8),
		},
		Build: func(deps agentgraph.Deps) (*graph.Graph, error) {
			return graph.New().
				AddNode("converse", func(ctx context.Context, s graph.State) (graph.State, error) {
					out, err := converse(ctx, deps, s)
					if err != nil {
						return nil, err
					}
					relayTelegram(ctx, deps.Services, s.String("session_id"), out.String("assistant"))
					return out, nil
				}).
				AddEdge("converse", graph.End).
				SetEntry("converse"), nil
		},
	}
}

func converse(ctx context.Context, deps agentgraph.Deps, s graph.State) (graph.State, error) {
	incoming := strings.TrimSpace(firstNonEmpty(s.String("user_message"), s.String("text")))
	sessionID := strings.TrimSpace(s.String("session_id"))
	if deps.Memory == nil {
		return nil, domain.NewDomainError("journaling.converse", domain.ErrInvalidInput, "chat memory not configured")
	}
	history := deps.Memory.History(sessionID)

	if s.Bool("connect") {
		if seed := historyItems(s["convo_history"]); len(seed) > 0 {
			if err := history.Clear(ctx); err != nil {
				return nil, err
			}
			if err := history.Append(ctx, seed...); err != nil {
				return nil, err
			}
		}
	}

	msgs, err := history.Messages(ctx)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 || incoming == "/start" {
		if err := history.Append(ctx, domain.ChatMessage{Role: "assistant", Content: FirstGreeting}); err != nil {
			return nil, err
		}
		return graph.State{"assistant": FirstGreeting}, nil
	}

	if s.Bool("disconnect") {
		items := make([]any, 0, len(msgs))
		for _, m := range msgs {
			role := "user"
			if m.Role == "assistant" {
				role = "assistant"
			}
			items = append(items, map[string]any{"role": role, "content": m.Content})
		}
		return graph.State{"history_snapshot": map[string]any{"messages": items}}, nil
	}

	if incoming == "" {
		return graph.State{"assistant": ""}, nil
	}

	if err := history.Append(ctx, user(incoming)); err != nil {
		return nil, err
	}
	reply, err := chat(ctx, deps.Model, false, journalingPrompt, append(msgs, user(incoming))...)
	if err != nil {
		return nil, err
	}
	if err := history.Append(ctx, domain.ChatMessage{Role: "assistant", Content: reply}); err != nil {
		return nil, err
	}
	return graph.State{"assistant": reply}, nil
}

// historyItems converts a client-supplied [{role, content|text}] list.
func historyItems(v any) []domain.ChatMessage {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]domain.ChatMessage, 0, len(list))
	for _, it := range list {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		content, _ := m["content"].(string)
		if content == "" {
			content, _ = m["text"].(string)
		}
		if content == "" {
			continue
		}
		role := "user"
		if r, _ := m["role"].(string); strings.EqualFold(r, "assistant") {
			role = "assistant"
		}
		out = append(out, domain.ChatMessage{Role: role, Content: content})
	}
	return out
}

// relayTelegram forwards replies for telegram:<chat> sessions to the gateway
// queue.
func relayTelegram(ctx context.Context, svc agentgraph.Services, sessionID, text string) {
	chatID, ok := strings.CutPrefix(sessionID, "telegram:")
	if !ok || chatID == "" || text == "" {
		return
	}
	if i := strings.IndexByte(chatID, ':'); i >= 0 {
		chatID = chatID[:i]
	}
	notify(ctx, svc, domain.Notification{Channel: "telegram", ChatID: chatID, Text: text})
}
