package tool

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"athena/internal/domain"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubTool is a minimal tool for registry and validation tests.
type stubTool struct {
	name   string
	schema json.RawMessage
	result *domain.ToolResult
	err    error
	calls  int
	last   json.RawMessage
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub" }
func (s *stubTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: s.name, Description: "stub", Parameters: s.schema}
}

func (s *stubTool) Execute(_ context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	s.calls++
	s.last = params
	return s.result, s.err
}
