package llm

import (
	"context"
	"strings"

	"athena/internal/domain"
)

// EchoModel replies with the last user message. It needs no credentials and
// backs the dev command and tests.
type EchoModel struct {
	model string
}

// NewEchoModel creates an echo handle reporting model as its name.
func NewEchoModel(model string) *EchoModel {
	if model == "" {
		model = "echo"
	}
	return &EchoModel{model: model}
}

// Name implements domain.ChatModel.
func (m *EchoModel) Name() string { return m.model }

// Chat implements domain.ChatModel.
func (m *EchoModel) Chat(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	var last string
	prompt := 0
	for _, msg := range req.Messages {
		prompt += len(strings.Fields(msg.Content))
		if msg.Role == "user" {
			last = msg.Content
		}
	}
	return &domain.ChatResponse{
		Content: last,
		Usage:   domain.Usage{PromptTokens: prompt, CompletionTokens: len(strings.Fields(last))},
	}, nil
}
