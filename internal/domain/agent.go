package domain

import "context"

// AgentConfig holds per-agent metadata and model overrides. Empty override
// fields fall back to the global model defaults.
type AgentConfig struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	ModelName   string   `json:"model_name,omitempty" yaml:"model_name"`
	Provider    string   `json:"provider,omitempty" yaml:"provider"`
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature"`
}

// AgentInfo is the listing view of a registered agent.
type AgentInfo struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Queue       QueueClass `json:"queue"`
	ModelName   string     `json:"model_name,omitempty"`
	Provider    string     `json:"provider,omitempty"`
	Temperature *float64   `json:"temperature,omitempty"`
}

// ChatMessage is one message in a model conversation.
type ChatMessage struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// ChatRequest is sent to a model handle.
type ChatRequest struct {
	Messages []ChatMessage
	// JSONMode asks the provider for a JSON object reply where supported.
	JSONMode bool
}

// Usage reports token consumption of one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// ChatResponse is a complete model reply.
type ChatResponse struct {
	Content string
	Usage   Usage
}

// ChatModel is a resolved model handle.
type ChatModel interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Name() string
}

// ChatHistory is a per-session conversation log.
type ChatHistory interface {
	Messages(ctx context.Context) ([]ChatMessage, error)
	Append(ctx context.Context, msgs ...ChatMessage) error
	Clear(ctx context.Context) error
}

// MemoryFactory opens per-session memory. The engine calls it once per run.
type MemoryFactory interface {
	History(sessionID string) ChatHistory
}
