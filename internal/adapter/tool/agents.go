package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"athena/internal/domain"
)

// AgentRunner runs registered agents on behalf of tools. Implementations pick
// the routing class from the manifest attached to ctx.
type AgentRunner interface {
	ListAgents(ctx context.Context) []domain.AgentInfo
	RunAgent(ctx context.Context, agentID string, payload map[string]any) domain.RunResult
}

// maxDialogueRounds caps agents.dialogue regardless of the requested rounds.
const maxDialogueRounds = 10

// AgentsListTool lists the agents callable from the current run.
type AgentsListTool struct {
	runner AgentRunner
	logger *slog.Logger
}

func NewAgentsListTool(runner AgentRunner, logger *slog.Logger) *AgentsListTool {
	return &AgentsListTool{runner: runner, logger: logger}
}

func (t *AgentsListTool) Name() string        { return "agents.list" }
func (t *AgentsListTool) Description() string { return "List agents available to this run." }
func (t *AgentsListTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
	}
}

func (t *AgentsListTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.agents.list", t.logger, params,
		func(ctx context.Context, _ trace.Span, _ struct{}) (any, error) {
			agents := t.runner.ListAgents(ctx)
			if agents == nil {
				agents = []domain.AgentInfo{}
			}
			return agents, nil
		},
	)
}

// AgentsCallTool runs one agent synchronously and returns its result.
type AgentsCallTool struct {
	runner AgentRunner
	logger *slog.Logger
}

func NewAgentsCallTool(runner AgentRunner, logger *slog.Logger) *AgentsCallTool {
	return &AgentsCallTool{runner: runner, logger: logger}
}

func (t *AgentsCallTool) Name() string { return "agents.call" }
func (t *AgentsCallTool) Description() string {
	return "Run another agent with a JSON payload and return its result."
}
func (t *AgentsCallTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"agent_id": {"type": "string"},
				"payload": {"type": "object"}
			},
			"required": ["agent_id"]
		}`),
	}
}

type agentsCallParams struct {
	AgentID string         `json:"agent_id"`
	Payload map[string]any `json:"payload"`
}

func (t *AgentsCallTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.agents.call", t.logger, params,
		func(ctx context.Context, _ trace.Span, p agentsCallParams) (any, error) {
			if p.Payload == nil {
				p.Payload = map[string]any{}
			}
			res := t.runner.RunAgent(ctx, p.AgentID, p.Payload)
			if !res.OK() {
				return ErrResult("%s", res.Message)
			}
			return res.Result, nil
		},
	)
}

// AgentsDialogueTool lets two agents exchange messages on a topic.
type AgentsDialogueTool struct {
	runner AgentRunner
	logger *slog.Logger
}

func NewAgentsDialogueTool(runner AgentRunner, logger *slog.Logger) *AgentsDialogueTool {
	return &AgentsDialogueTool{runner: runner, logger: logger}
}

func (t *AgentsDialogueTool) Name() string { return "agents.dialogue" }
func (t *AgentsDialogueTool) Description() string {
	return "Have two agents talk about a topic for a few rounds and return the transcript."
}
func (t *AgentsDialogueTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"agent_a": {"type": "string"},
				"agent_b": {"type": "string"},
				"topic": {"type": "string"},
				"max_rounds": {"type": "integer", "minimum": 1}
			},
			"required": ["agent_a", "agent_b", "topic"]
		}`),
	}
}

type dialogueParams struct {
	AgentA    string `json:"agent_a"`
	AgentB    string `json:"agent_b"`
	Topic     string `json:"topic"`
	MaxRounds int    `json:"max_rounds"`
}

// Turn is one line of a dialogue transcript.
type Turn struct {
	Agent string `json:"agent"`
	Text  string `json:"text"`
}

func (t *AgentsDialogueTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.agents.dialogue", t.logger, params,
		func(ctx context.Context, _ trace.Span, p dialogueParams) (any, error) {
			rounds := p.MaxRounds
			if rounds <= 0 {
				rounds = 3
			}
			rounds = min(rounds, maxDialogueRounds)

			transcript := make([]Turn, 0, rounds*2)
			msg := p.Topic
			for range rounds {
				for _, agent := range []string{p.AgentA, p.AgentB} {
					reply, err := t.say(ctx, agent, msg)
					if err != nil {
						return nil, err
					}
					transcript = append(transcript, Turn{Agent: agent, Text: reply})
					msg = reply
				}
			}
			return map[string]any{"topic": p.Topic, "transcript": transcript}, nil
		},
	)
}

func (t *AgentsDialogueTool) say(ctx context.Context, agent, text string) (string, error) {
	res := t.runner.RunAgent(ctx, agent, map[string]any{"text": text})
	if !res.OK() {
		return "", fmt.Errorf("%s: %s", agent, res.Message)
	}
	reply, _ := res.Result["assistant"].(string)
	if reply == "" {
		return "", errors.New(agent + " returned no assistant text")
	}
	return reply, nil
}
