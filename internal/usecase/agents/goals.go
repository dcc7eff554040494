package agents

import (
	"context"
	"fmt"
	"strings"

	"athena/internal/domain"
	"athena/internal/usecase/agentgraph"
	"athena/internal/usecase/graph"
	"athena/internal/usecase/policy"
)

// goalsHistoryWindow is how many prior messages the planner sees.
const goalsHistoryWindow = 10

func goalsEntry() agentgraph.Entry {
	return agentgraph.Entry{
		Config: domain.AgentConfig{
			Name:        "Goals scheduler",
			Description: "Discusses goals and writes a weekly schedule with per-block strictness (1-10).",
			ModelName:   "gpt-5",
			Temperature: temperature(0.8),
		},
		Build: func(deps agentgraph.Deps) (*graph.Graph, error) {
			return graph.New().
				AddNode("plan", func(ctx context.Context, s graph.State) (graph.State, error) {
					return plan(ctx, deps, s)
				}).
				AddEdge("plan", graph.End).
				SetEntry("plan"), nil
		},
	}
}

func plan(ctx context.Context, deps agentgraph.Deps, s graph.State) (graph.State, error) {
	sessionID := s.String("session_id")
	if sessionID == "" {
		sessionID = "default"
	}
	message := strings.TrimSpace(firstNonEmpty(s.String("user_message"), s.String("text")))
	if deps.Memory == nil || deps.Schedules == nil {
		return nil, domain.NewDomainError("goals.plan", domain.ErrInvalidInput, "chat memory and schedule store required")
	}
	history := deps.Memory.History(sessionID)

	msgs, err := history.Messages(ctx)
	if err != nil {
		return nil, err
	}
	if len(msgs) > goalsHistoryWindow {
		msgs = msgs[len(msgs)-goalsHistoryWindow:]
	}
	var transcript strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content)
	}

	reply, err := chat(ctx, deps.Model, true, goalsPrompt,
		domain.ChatMessage{Role: "system", Content: "History:\n" + transcript.String()},
		user(message))
	if err != nil {
		return nil, err
	}

	var out struct {
		Assistant string                 `json:"assistant"`
		Schedule  []domain.ScheduleBlock `json:"schedule"`
	}
	if err := decodeJSON(reply, &out); err != nil {
		return nil, fmt.Errorf("planner reply is not JSON: %w", err)
	}
	if out.Schedule == nil {
		out.Schedule = []domain.ScheduleBlock{}
	}
	if err := policy.ValidateBlocks(out.Schedule); err != nil {
		return nil, err
	}

	if err := deps.Schedules.Save(ctx, sessionID, out.Schedule); err != nil {
		return nil, err
	}
	if err := history.Append(ctx, user(message), domain.ChatMessage{Role: "assistant", Content: out.Assistant}); err != nil {
		return nil, err
	}

	blocks := make([]any, len(out.Schedule))
	for i, b := range out.Schedule {
		blocks[i] = b
	}
	return graph.State{"assistant": out.Assistant, "schedule": blocks}, nil
}
