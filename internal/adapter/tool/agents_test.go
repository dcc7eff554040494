package tool

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"athena/internal/domain"
)

// fakeRunner answers every agent with "<agent>: <text>".
type fakeRunner struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeRunner) ListAgents(context.Context) []domain.AgentInfo {
	return []domain.AgentInfo{{ID: "echo", Name: "Echo", Queue: domain.QueuePublic}}
}

func (f *fakeRunner) RunAgent(_ context.Context, agentID string, payload map[string]any) domain.RunResult {
	f.mu.Lock()
	f.calls = append(f.calls, agentID)
	f.mu.Unlock()
	if agentID == "missing" {
		return domain.ErrorResult("Agent 'missing' not found for queue 'public'")
	}
	text, _ := payload["text"].(string)
	return domain.RunResult{Status: domain.StatusOK, AgentID: agentID, Result: map[string]any{"assistant": agentID + ": " + text}}
}

func agentRegistry(t *testing.T, runner AgentRunner) *Registry {
	t.Helper()
	r := NewRegistry(nopLogger())
	r.MustRegister(
		NewAgentsListTool(runner, nopLogger()),
		NewAgentsCallTool(runner, nopLogger()),
		NewAgentsDialogueTool(runner, nopLogger()),
	)
	return r
}

func TestAgentsList(t *testing.T) {
	r := agentRegistry(t, &fakeRunner{})
	res, err := r.Call(context.Background(), "agents.list", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"echo","name":"Echo","description":"","queue":"public"}]`, res.Content)
}

func TestAgentsCall(t *testing.T) {
	r := agentRegistry(t, &fakeRunner{})

	res, err := r.Call(context.Background(), "agents.call", json.RawMessage(`{"agent_id":"echo","payload":{"text":"hi"}}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"assistant":"echo: hi"}`, res.Content)

	res, err = r.Call(context.Background(), "agents.call", json.RawMessage(`{"agent_id":"missing"}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "not found")
}

func TestAgentsDialogue(t *testing.T) {
	runner := &fakeRunner{}
	r := agentRegistry(t, runner)

	res, err := r.Call(context.Background(), "agents.dialogue", json.RawMessage(`{"agent_a":"a","agent_b":"b","topic":"sleep","max_rounds":2}`))
	require.NoError(t, err)
	require.False(t, res.IsError, res.Content)

	var out struct {
		Transcript []Turn `json:"transcript"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.Content), &out))
	require.Len(t, out.Transcript, 4)
	assert.Equal(t, "a: sleep", out.Transcript[0].Text)
	assert.Equal(t, "b: a: sleep", out.Transcript[1].Text)
	assert.True(t, strings.HasPrefix(out.Transcript[3].Text, "b: a: b:"))
	assert.Equal(t, []string{"a", "b", "a", "b"}, runner.calls)
}

func TestAgentsDialogueDefaultsAndCap(t *testing.T) {
	runner := &fakeRunner{}
	r := agentRegistry(t, runner)

	_, err := r.Call(context.Background(), "agents.dialogue", json.RawMessage(`{"agent_a":"a","agent_b":"b","topic":"x"}`))
	require.NoError(t, err)
	assert.Len(t, runner.calls, 6)

	runner.calls = nil
	_, err = r.Call(context.Background(), "agents.dialogue", json.RawMessage(`{"agent_a":"a","agent_b":"b","topic":"x","max_rounds":99}`))
	require.NoError(t, err)
	assert.Len(t, runner.calls, 2*maxDialogueRounds)
}

type recordingQueue struct {
	queue domain.QueueClass
	tasks []domain.Task
}

func (q *recordingQueue) Enqueue(_ context.Context, queue domain.QueueClass, task domain.Task) error {
	q.queue = queue
	q.tasks = append(q.tasks, task)
	return nil
}

func TestPushSendEnqueuesGatewayTask(t *testing.T) {
	q := &recordingQueue{}
	r := NewRegistry(nopLogger())
	r.MustRegister(NewPushTool(q, nopLogger()))

	ctx := domain.ContextWithRunID(context.Background(), "run-1")
	res, err := r.Call(ctx, "push.send", json.RawMessage(`{"target":"android","kind":"block_signal","title":"Focus","body":"Back to work"}`))
	require.NoError(t, err)
	require.False(t, res.IsError, res.Content)

	require.Len(t, q.tasks, 1)
	assert.Equal(t, domain.QueueGateway, q.queue)
	assert.Equal(t, domain.TaskNotify, q.tasks[0].Name)
	assert.Equal(t, "run-1", q.tasks[0].RunID)

	var n domain.Notification
	require.NoError(t, json.Unmarshal(q.tasks[0].Body, &n))
	assert.Equal(t, "push:android", n.Channel)
	assert.Equal(t, "Back to work", n.Text)

	res, err = r.Call(ctx, "push.send", json.RawMessage(`{"target":"android"}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}
