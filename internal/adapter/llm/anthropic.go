package llm

import (
	"context"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/trace"

	"athena/internal/domain"
	"athena/internal/infra/config"
	"athena/internal/infra/tracer"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicModel is a chat handle for the Anthropic Messages API.
type AnthropicModel struct {
	provider    string
	model       string
	temperature float64
	client      anthropic.Client
	logger      *slog.Logger
}

// NewAnthropicModel creates a handle bound to one model and temperature.
func NewAnthropicModel(cfg config.ProviderConfig, model string, temperature float64, logger *slog.Logger) *AnthropicModel {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if base := strings.TrimRight(cfg.BaseURL, "/"); base != "" {
		opts = append(opts, option.WithBaseURL(base+"/"))
	}
	return &AnthropicModel{
		provider:    cfg.Name,
		model:       model,
		temperature: temperature,
		client:      anthropic.NewClient(opts...),
		logger:      logger,
	}
}

// Name implements domain.ChatModel.
func (m *AnthropicModel) Name() string { return m.model }

// Chat implements domain.ChatModel. System messages are lifted into the
// request's system blocks. JSON mode is requested through the prompt only.
func (m *AnthropicModel) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.chat",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", m.provider),
			tracer.StringAttr("llm.model", m.model),
		),
	)
	defer span.End()

	var system []anthropic.TextBlockParam
	var messages []anthropic.MessageParam
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			system = append(system, anthropic.TextBlockParam{Text: msg.Content})
		case "assistant", "ai":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(m.model),
		Messages:    messages,
		MaxTokens:   defaultAnthropicMaxTokens,
		Temperature: anthropic.Float(m.temperature),
	}
	if len(system) > 0 {
		params.System = system
	}

	resp, err := m.client.Messages.New(ctx, params)
	if err != nil {
		err = mapSDKError(m.provider, err)
		tracer.RecordError(span, err)
		return nil, err
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	out := &domain.ChatResponse{
		Content: sb.String(),
		Usage: domain.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
		},
	}
	tracer.SetOK(span)
	return out, nil
}
