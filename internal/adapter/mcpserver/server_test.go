package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"athena/internal/adapter/runstore"
	"athena/internal/domain"
	"athena/internal/usecase/rpc"
)

type seenCall struct {
	method string
	params string
	roles  []domain.AuthRole
	caller string
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []seenCall
	err   error
}

func (f *fakeDispatcher) Methods() []rpc.Method {
	return []rpc.Method{
		{Name: "runs.status", Description: "Get a run status", Schema: json.RawMessage(`{"type":"object","properties":{"run_id":{"type":"string"}},"required":["run_id"]}`)},
		{Name: "agents.list_public", Description: "List public agents", Schema: json.RawMessage(`{"type":"object"}`)},
	}
}

func (f *fakeDispatcher) Call(ctx context.Context, method string, params json.RawMessage) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, seenCall{
		method: method,
		params: string(params),
		roles:  domain.RolesFromContext(ctx),
		caller: rpc.CallerFromContext(ctx),
	})
	if f.err != nil {
		return nil, f.err
	}
	return map[string]string{"method": method}, nil
}

// rpcCall sends one JSON-RPC message and returns the decoded response.
func rpcCall(t *testing.T, s *Server, id int, method string, params any) map[string]any {
	t.Helper()
	req, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "method": method, "params": params})
	require.NoError(t, err)
	resp := s.MCP().HandleMessage(context.Background(), req)
	body, err := json.Marshal(resp)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

func initialize(t *testing.T, s *Server) {
	t.Helper()
	out := rpcCall(t, s, 1, "initialize", map[string]any{
		"protocolVersion": "2025-03-26",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "test", "version": "0"},
	})
	require.Nil(t, out["error"])
}

func callTool(t *testing.T, s *Server, name string, args map[string]any) (text string, isError bool) {
	t.Helper()
	out := rpcCall(t, s, 3, "tools/call", map[string]any{"name": name, "arguments": args})
	require.Nil(t, out["error"], "tools/call error: %v", out["error"])
	result := out["result"].(map[string]any)
	content := result["content"].([]any)
	require.Len(t, content, 1)
	isError, _ = result["isError"].(bool)
	return content[0].(map[string]any)["text"].(string), isError
}

func TestListTools(t *testing.T) {
	s := New(&fakeDispatcher{}, "athena", "test", nil)
	initialize(t, s)

	out := rpcCall(t, s, 2, "tools/list", map[string]any{})
	tools := out["result"].(map[string]any)["tools"].([]any)
	require.Len(t, tools, 2)

	byName := map[string]map[string]any{}
	for _, raw := range tools {
		tool := raw.(map[string]any)
		byName[tool["name"].(string)] = tool
	}
	status := byName["runs.status"]
	require.NotNil(t, status)
	assert.Equal(t, "Get a run status", status["description"])
	schema := status["inputSchema"].(map[string]any)
	assert.Equal(t, []any{"run_id"}, schema["required"])
}

func TestCallToolInjectsRolesAndCaller(t *testing.T) {
	d := &fakeDispatcher{}
	s := New(d, "athena", "test", nil)
	initialize(t, s)

	text, isError := callTool(t, s, "runs.status", map[string]any{"run_id": "r-1"})
	assert.False(t, isError)
	assert.JSONEq(t, `{"method":"runs.status"}`, text)

	require.Len(t, d.calls, 1)
	assert.JSONEq(t, `{"run_id":"r-1"}`, d.calls[0].params)
	assert.Equal(t, []domain.AuthRole{domain.AuthRoleAdmin}, d.calls[0].roles)
	assert.Equal(t, "mcp", d.calls[0].caller)
}

func TestCallToolOptions(t *testing.T) {
	d := &fakeDispatcher{}
	s := New(d, "athena", "test", nil, WithRoles(domain.AuthRoleViewer), WithCaller("desktop"))
	initialize(t, s)

	callTool(t, s, "agents.list_public", nil)
	require.Len(t, d.calls, 1)
	assert.Equal(t, []domain.AuthRole{domain.AuthRoleViewer}, d.calls[0].roles)
	assert.Equal(t, "desktop", d.calls[0].caller)
}

func TestCallToolErrorCarriesCode(t *testing.T) {
	d := &fakeDispatcher{err: domain.NewDomainError("rpc.tools.call", domain.ErrNotAllowed, `tool "x"`)}
	s := New(d, "athena", "test", nil)
	initialize(t, s)

	text, isError := callTool(t, s, "runs.status", map[string]any{"run_id": "r-1"})
	assert.True(t, isError)
	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(text), &body))
	assert.Equal(t, "not_allowed", body["code"])
	assert.Contains(t, body["error"], `tool "x"`)
}

func TestRunsStatusThroughService(t *testing.T) {
	runs := runstore.NewMemoryStore()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, runs.Put(context.Background(), domain.RunRecord{
		RunID: "r-9", AgentID: "echo", Queue: domain.QueuePublic, State: domain.RunRunning, CreatedAt: now, UpdatedAt: now,
	}))
	s := New(rpc.New(rpc.Deps{Runs: runs}), "athena", "test", nil)
	initialize(t, s)

	text, isError := callTool(t, s, "runs.status", map[string]any{"run_id": "r-9"})
	require.False(t, isError, text)
	var rec domain.RunRecord
	require.NoError(t, json.Unmarshal([]byte(text), &rec))
	assert.Equal(t, domain.RunRunning, rec.State)
	assert.Equal(t, "echo", rec.AgentID)

	text, isError = callTool(t, s, "runs.status", map[string]any{"run_id": "missing"})
	require.False(t, isError, text)
	require.NoError(t, json.Unmarshal([]byte(text), &rec))
	assert.Equal(t, domain.RunUnknown, rec.State)
	assert.Equal(t, "missing", rec.RunID)
}

func TestServeStdio(t *testing.T) {
	s := New(&fakeDispatcher{}, "athena", "test", nil)

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	defer inW.Close()

	go s.ServeStdio(ctx, inR, outW)
	go io.WriteString(inW, `{"jsonrpc":"2.0","id":1,"method":"ping"}`+"\n")

	line := make([]byte, 4096)
	n, err := outR.Read(line)
	require.NoError(t, err)
	var resp map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(line[:n]))), &resp))
	assert.EqualValues(t, 1, resp["id"])
	assert.Nil(t, resp["error"])
}
