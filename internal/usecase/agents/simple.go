package agents

import (
	"context"
	"strings"

	"athena/internal/domain"
	"athena/internal/usecase/agentgraph"
	"athena/internal/usecase/graph"
)

func echoEntry() agentgraph.Entry {
	return agentgraph.Entry{
		Config: domain.AgentConfig{
			Name:        "Echo",
			Description: "Replies with its input. Useful for smoke tests of the public path.",
		},
		Build: func(agentgraph.Deps) (*graph.Graph, error) {
			return graph.New().
				AddNode("echo", func(_ context.Context, s graph.State) (graph.State, error) {
					return graph.State{"assistant": firstNonEmpty(s.String("user_message"), s.String("text"))}, nil
				}).
				AddEdge("echo", graph.End).
				SetEntry("echo"), nil
		},
	}
}

func summarizerEntry() agentgraph.Entry {
	return agentgraph.Entry{
		Config: domain.AgentConfig{
			Name:        "Summarizer",
			Description: "Summarizes a block of text in a few sentences.",
			ModelName:   "gpt-5-mini",
			Temperature: temperature(0.2),
		},
		Build: func(deps agentgraph.Deps) (*graph.Graph, error) {
			return graph.New().
				AddNode("summarize", func(ctx context.Context, s graph.State) (graph.State, error) {
					text := strings.TrimSpace(firstNonEmpty(s.String("text"), s.String("user_message")))
					if text == "" {
						return graph.State{"assistant": ""}, nil
					}
					reply, err := chat(ctx, deps.Model, false, summarizerPrompt, user(text))
					if err != nil {
						return nil, err
					}
					return graph.State{"assistant": reply}, nil
				}).
				AddEdge("summarize", graph.End).
				SetEntry("summarize"), nil
		},
	}
}
