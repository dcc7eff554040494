package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"go.opentelemetry.io/otel/trace"

	"athena/internal/domain"
	"athena/internal/infra/config"
	"athena/internal/infra/tracer"
)

const defaultOllamaBaseURL = "http://localhost:11434/v1"

// OpenAIModel is a chat handle for OpenAI and any OpenAI-compatible API,
// including Ollama.
type OpenAIModel struct {
	provider    string
	model       string
	temperature float64
	client      openai.Client
	logger      *slog.Logger
}

// NewOpenAIModel creates a handle bound to one model and temperature.
func NewOpenAIModel(cfg config.ProviderConfig, model string, temperature float64, logger *slog.Logger) *OpenAIModel {
	var opts []option.RequestOption
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" && cfg.Type == "ollama" {
		baseURL = defaultOllamaBaseURL
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL+"/"))
	}
	apiKey := cfg.APIKey
	if apiKey == "" && cfg.Type == "ollama" {
		apiKey = "ollama"
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &OpenAIModel{
		provider:    cfg.Name,
		model:       model,
		temperature: temperature,
		client:      openai.NewClient(opts...),
		logger:      logger,
	}
}

// Name implements domain.ChatModel.
func (m *OpenAIModel) Name() string { return m.model }

// Chat implements domain.ChatModel.
func (m *OpenAIModel) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.chat",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", m.provider),
			tracer.StringAttr("llm.model", m.model),
		),
	)
	defer span.End()

	params := openai.ChatCompletionNewParams{
		Model:       m.model,
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: openai.Float(m.temperature),
	}
	if req.JSONMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	resp, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		err = mapSDKError(m.provider, err)
		tracer.RecordError(span, err)
		return nil, err
	}
	if len(resp.Choices) == 0 {
		err := fmt.Errorf("%s: %w: no choices returned", m.provider, domain.ErrProviderError)
		tracer.RecordError(span, err)
		return nil, err
	}

	out := &domain.ChatResponse{
		Content: resp.Choices[0].Message.Content,
		Usage: domain.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
		},
	}
	span.SetAttributes(
		tracer.IntAttr("llm.prompt_tokens", out.Usage.PromptTokens),
		tracer.IntAttr("llm.completion_tokens", out.Usage.CompletionTokens),
	)
	tracer.SetOK(span)
	return out, nil
}

func toOpenAIMessages(msgs []domain.ChatMessage) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant", "ai":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
