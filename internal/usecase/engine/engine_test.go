package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"athena/internal/domain"
	"athena/internal/usecase/agentgraph"
	"athena/internal/usecase/graph"
)

type published struct {
	RunID string
	Event domain.EventType
	Data  any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(_ context.Context, runID string, ev domain.EventType, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{RunID: runID, Event: ev, Data: data})
}

func (p *recordingPublisher) types() []domain.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Event
	}
	return out
}

type stubModel struct{ name string }

func (m stubModel) Name() string { return m.name }
func (m stubModel) Chat(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
	return &domain.ChatResponse{Content: "stub"}, nil
}

type stubModels struct {
	mu       sync.Mutex
	resolved []string
	err      error
}

func (s *stubModels) ModelFor(agentID string, cfg domain.AgentConfig, _ int) (domain.ChatModel, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	s.resolved = append(s.resolved, agentID)
	s.mu.Unlock()
	name := cfg.ModelName
	if name == "" {
		name = "gpt-5-mini"
	}
	return stubModel{name: name}, nil
}

func single(fn graph.NodeFunc) agentgraph.BuildFunc {
	return func(agentgraph.Deps) (*graph.Graph, error) {
		return graph.New().AddNode("run", fn).AddEdge("run", graph.End).SetEntry("run"), nil
	}
}

func echoBuild(deps agentgraph.Deps) (*graph.Graph, error) {
	return graph.New().
		AddNode("reply", func(ctx context.Context, s graph.State) (graph.State, error) {
			return graph.State{
				"assistant":  "echo: " + s.String("text"),
				"session_id": s.String("session_id"),
				"model":      deps.Model.Name(),
				"run_id":     domain.RunIDFromContext(ctx),
			}, nil
		}).
		AddEdge("reply", graph.End).
		SetEntry("reply"), nil
}

func newTestEngine(t *testing.T) (*Engine, *recordingPublisher, agentgraph.Set) {
	t.Helper()
	set := agentgraph.Set{
		Public:    agentgraph.NewRegistry[agentgraph.Public](nil),
		Sensitive: agentgraph.NewRegistry[agentgraph.Sensitive](nil),
	}
	set.Public.MustRegister("echo", agentgraph.Entry{Config: domain.AgentConfig{Name: "Echo"}, Build: echoBuild})
	set.Sensitive.MustRegister("journaling", agentgraph.Entry{
		Config: domain.AgentConfig{Name: "Journaling", ModelName: "gpt-5-mini"},
		Build: single(func(_ context.Context, s graph.State) (graph.State, error) {
			return graph.State{
				"assistant":        "noted",
				"history_snapshot": map[string]any{"messages": []any{}},
			}, nil
		}),
	})
	set.Sensitive.MustRegister("broken", agentgraph.Entry{Build: single(func(context.Context, graph.State) (graph.State, error) {
		return nil, errors.New("model exploded")
	})})
	set.Sensitive.MustRegister("panicky", agentgraph.Entry{Build: single(func(context.Context, graph.State) (graph.State, error) {
		panic("boom")
	})})
	set.Public.MustRegister("silent", agentgraph.Entry{Build: single(func(context.Context, graph.State) (graph.State, error) {
		return graph.State{"decision": "allow"}, nil
	})})

	pub := &recordingPublisher{}
	eng := New(Config{
		Registries: set,
		Models:     &stubModels{},
		Publisher:  pub,
		MaxSteps:   10,
	})
	return eng, pub, set
}

func TestExecutePublicOK(t *testing.T) {
	eng, pub, _ := newTestEngine(t)
	res := eng.Execute(context.Background(), domain.Dispatch{
		RunID:   "r1",
		AgentID: "echo",
		Payload: map[string]any{"text": "hi"},
	})

	require.Equal(t, domain.StatusOK, res.Status, res.Message)
	assert.True(t, res.Ack)
	assert.Equal(t, "r1", res.RunID)
	assert.Equal(t, "echo", res.AgentID)
	assert.Equal(t, map[string]any{"assistant": "echo: hi"}, res.Result)

	assert.Equal(t, []domain.EventType{domain.EventAssistant, domain.EventRunCompleted}, pub.types())
	for _, e := range pub.events {
		assert.Equal(t, "r1", e.RunID)
	}
}

func TestExecuteCrossClassMiss(t *testing.T) {
	eng, pub, _ := newTestEngine(t)

	res := eng.Execute(context.Background(), domain.Dispatch{
		RunID: "r2", AgentID: "echo",
		Manifest: domain.Manifest{Queue: domain.QueueSensitive},
	})
	assert.Equal(t, domain.StatusError, res.Status)
	assert.Equal(t, "Agent 'echo' not found for queue 'sensitive'", res.Message)

	res = eng.Execute(context.Background(), domain.Dispatch{RunID: "r3", AgentID: "journaling"})
	assert.Equal(t, "Agent 'journaling' not found for queue 'public'", res.Message)
	assert.Empty(t, pub.types())
}

func TestExecuteWorkerOwnsOneClass(t *testing.T) {
	_, _, set := newTestEngine(t)
	eng := New(Config{
		Registries: agentgraph.Set{Sensitive: set.Sensitive},
		Models:     &stubModels{},
		Publisher:  &recordingPublisher{},
	})
	res := eng.Execute(context.Background(), domain.Dispatch{RunID: "r", AgentID: "echo"})
	assert.Equal(t, "Agent 'echo' not found for queue 'public'", res.Message)
}

func TestExecuteInjectsSessionID(t *testing.T) {
	eng, pub, set := newTestEngine(t)
	var seen graph.State
	set.Public.MustRegister("peek", agentgraph.Entry{Build: single(func(ctx context.Context, s graph.State) (graph.State, error) {
		seen = s.Clone()
		assert.Equal(t, s.String("session_id"), domain.SessionIDFromContext(ctx))
		return nil, nil
	})})

	payload := map[string]any{"text": "x"}
	res := eng.Execute(context.Background(), domain.Dispatch{
		RunID: "r4", AgentID: "peek", Payload: payload,
		Manifest: domain.Manifest{Metadata: map[string]string{"session_id": "s-9"}},
	})
	require.True(t, res.OK())
	assert.Equal(t, "s-9", seen["session_id"])
	assert.NotContains(t, payload, "session_id")

	res = eng.Execute(context.Background(), domain.Dispatch{
		RunID: "r5", AgentID: "peek", Payload: map[string]any{"session_id": "mine"},
		Manifest: domain.Manifest{Metadata: map[string]string{"session_id": "s-9"}},
	})
	require.True(t, res.OK())
	assert.Equal(t, "mine", seen["session_id"])

	// An empty state publishes no assistant event, only the terminal one.
	assert.Equal(t, []domain.EventType{domain.EventRunCompleted, domain.EventRunCompleted}, pub.types())
}

func TestExecuteHistorySnapshot(t *testing.T) {
	eng, pub, _ := newTestEngine(t)
	res := eng.Execute(context.Background(), domain.Dispatch{
		RunID: "r6", AgentID: "journaling",
		Manifest: domain.Manifest{Queue: domain.QueueSensitive},
	})
	require.True(t, res.OK())
	assert.Equal(t, []domain.EventType{domain.EventAssistant, domain.EventHistorySnapshot, domain.EventRunCompleted}, pub.types())
	assert.Contains(t, res.Result, "history_snapshot")
}

func TestExecuteNodeErrorAndPanic(t *testing.T) {
	for _, agent := range []string{"broken", "panicky"} {
		t.Run(agent, func(t *testing.T) {
			eng, pub, _ := newTestEngine(t)
			res := eng.Execute(context.Background(), domain.Dispatch{
				RunID: "r7", AgentID: agent,
				Manifest: domain.Manifest{Queue: domain.QueueSensitive},
			})
			assert.Equal(t, domain.StatusError, res.Status)
			assert.NotEmpty(t, res.Message)
			require.Equal(t, []domain.EventType{domain.EventRunError}, pub.types())
			data := pub.events[0].Data.(map[string]any)
			assert.Equal(t, res.Message, data["message"])
		})
	}
}

func TestExecuteModelResolutionFailure(t *testing.T) {
	eng, pub, _ := newTestEngine(t)
	eng.cfg.Models = &stubModels{err: domain.ErrProviderNotFound}
	res := eng.Execute(context.Background(), domain.Dispatch{RunID: "r", AgentID: "echo"})
	assert.Equal(t, domain.StatusError, res.Status)
	assert.Equal(t, []domain.EventType{domain.EventRunError}, pub.types())
}

func TestExecuteExpiredManifest(t *testing.T) {
	eng, pub, _ := newTestEngine(t)
	past := time.Now().Add(-time.Minute)
	res := eng.Execute(context.Background(), domain.Dispatch{
		RunID: "r8", AgentID: "echo",
		Manifest: domain.Manifest{ExpiresAt: &past},
	})
	assert.Equal(t, domain.StatusError, res.Status)
	assert.Equal(t, "manifest expired", res.Message)
	assert.Equal(t, []domain.EventType{domain.EventRunError}, pub.types())
}

func TestExecuteNoAssistantString(t *testing.T) {
	eng, pub, _ := newTestEngine(t)
	res := eng.Execute(context.Background(), domain.Dispatch{RunID: "r9", AgentID: "silent"})
	require.True(t, res.OK())
	assert.Equal(t, map[string]any{"assistant": ""}, res.Result)
	assert.Equal(t, []domain.EventType{domain.EventRunCompleted}, pub.types())
}

type dumped struct{ v string }

func (d dumped) Dump() map[string]any { return map[string]any{"assistant": d.v} }

func TestNormalize(t *testing.T) {
	assert.Equal(t, map[string]any{}, Normalize(nil))
	assert.Equal(t, map[string]any{"assistant": "d"}, Normalize(dumped{v: "d"}))
	assert.Equal(t, map[string]any{"a": 1}, Normalize(graph.State{"a": 1}))
	assert.Equal(t, map[string]any{"assistant": "plain"}, Normalize("plain"))
	assert.Equal(t, map[string]any{"assistant": "42"}, Normalize(42))
}

func TestResultIsJSONSerializable(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	res := eng.Execute(context.Background(), domain.Dispatch{RunID: "r", AgentID: "echo", Payload: map[string]any{"text": "x"}})
	_, err := json.Marshal(res)
	assert.NoError(t, err)
}

func TestRunAgentAndList(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	all := eng.ListAgents(context.Background())
	assert.Len(t, all, 5)

	sensitive := domain.ContextWithManifest(context.Background(), &domain.Manifest{Queue: domain.QueueSensitive})
	only := eng.ListAgents(sensitive)
	for _, a := range only {
		assert.Equal(t, domain.QueueSensitive, a.Queue)
	}

	res := eng.RunAgent(context.Background(), "echo", map[string]any{"text": "nested"})
	require.True(t, res.OK(), res.Message)
	assert.Equal(t, "echo: nested", res.Result["assistant"])
	assert.Contains(t, res.RunID, "adhoc.echo.")

	res = eng.RunAgent(context.Background(), "ghost", nil)
	assert.Equal(t, "Agent 'ghost' not found for queue 'public'", res.Message)
}

func TestRunAgentRespectsManifest(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := domain.ContextWithManifest(context.Background(), &domain.Manifest{AgentIDs: []string{"silent"}})
	ctx = domain.ContextWithRunID(ctx, "parent")

	res := eng.RunAgent(ctx, "echo", nil)
	assert.Equal(t, domain.StatusError, res.Status)
	assert.Contains(t, res.Message, "not allowed")

	res = eng.RunAgent(ctx, "silent", nil)
	require.True(t, res.OK())
	assert.Contains(t, res.RunID, "parent.silent.")
}
