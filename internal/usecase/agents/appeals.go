package agents

import (
	"context"
	"fmt"

	"athena/internal/domain"
	"athena/internal/usecase/agentgraph"
	"athena/internal/usecase/graph"
)

// MaxAppealMinutes caps any granted appeal.
const MaxAppealMinutes = 15

func appealsEntry() agentgraph.Entry {
	return agentgraph.Entry{
		Config: domain.AgentConfig{
			Name:        "Appeals",
			Description: "Evaluates a request for temporary access against strictness and the current goal.",
			ModelName:   "gpt-5",
			Temperature: temperature(0),
		},
		Build: func(deps agentgraph.Deps) (*graph.Graph, error) {
			return graph.New().
				AddNode("evaluate", func(ctx context.Context, s graph.State) (graph.State, error) {
					return evaluateAppeal(ctx, deps, s)
				}).
				AddEdge("evaluate", graph.End).
				SetEntry("evaluate"), nil
		},
	}
}

func evaluateAppeal(ctx context.Context, deps agentgraph.Deps, s graph.State) (graph.State, error) {
	sessionID := s.String("session_id")
	now := deps.Clock()
	strictness, goal := domain.DefaultStrictness, ""
	if deps.Policy != nil {
		var err error
		if strictness, err = deps.Policy.Strictness(ctx, sessionID, now); err != nil {
			return nil, err
		}
		if goal, err = deps.Policy.Goal(ctx, sessionID, now); err != nil {
			return nil, err
		}
	}

	justification := s.String("user_justification")
	if justification == "" {
		justification = firstNonEmpty(s.String("user_message"), s.String("text"))
	}

	situation := fmt.Sprintf("strictness=%d | goal=%s | host=%s path=%s title=%s package=%s activity=%s",
		strictness, goal, s.String("host"), s.String("path"), s.String("title"), s.String("package"), s.String("activity"))
	request := fmt.Sprintf("User justification: %s\nRequested minutes: %d", justification, s.Int("requested_minutes", 0))

	reply, err := chat(ctx, deps.Model, true, appealsPrompt,
		domain.ChatMessage{Role: "system", Content: "Context: " + situation},
		user(request))
	if err != nil {
		return nil, err
	}

	var out struct {
		Assistant string  `json:"assistant"`
		Allow     bool    `json:"allow"`
		Minutes   float64 `json:"minutes"`
	}
	if err := decodeJSON(reply, &out); err != nil {
		return nil, fmt.Errorf("appeal reply is not JSON: %w", err)
	}

	return graph.State{
		"assistant": out.Assistant,
		"allow":     out.Allow,
		"minutes":   ClampMinutes(int(out.Minutes)),
	}, nil
}

// ClampMinutes bounds granted minutes to [0, MaxAppealMinutes].
func ClampMinutes(m int) int {
	return min(max(m, 0), MaxAppealMinutes)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
