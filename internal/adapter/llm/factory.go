// Package llm resolves per-agent model handles: OpenAI, Ollama through the
// OpenAI-compatible API, Anthropic and an offline echo model. Every handle
// is wrapped by a provider-wide circuit breaker and a per-run token budget.
package llm

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/sony/gobreaker/v2"

	"athena/internal/domain"
	"athena/internal/infra/config"
	"athena/internal/infra/metrics"
)

// Spec is a fully resolved model choice.
type Spec struct {
	Provider    string
	Model       string
	Temperature float64
}

// Factory builds model handles. Agent settings are layered as: config
// overrides, then the agent's built-in config, then the global defaults.
type Factory struct {
	cfg       config.LLMConfig
	overrides map[string]config.AgentOverrides
	providers map[string]config.ProviderConfig
	counter   TokenCounter
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*domain.ChatResponse]
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithTokenCounter replaces the prompt token counter.
func WithTokenCounter(c TokenCounter) FactoryOption {
	return func(f *Factory) { f.counter = c }
}

// WithMetrics records model calls.
func WithMetrics(m *metrics.Metrics) FactoryOption {
	return func(f *Factory) { f.metrics = m }
}

// NewFactory creates a Factory from the llm and agents config sections.
func NewFactory(cfg config.LLMConfig, overrides map[string]config.AgentOverrides, logger *slog.Logger, opts ...FactoryOption) *Factory {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	f := &Factory{
		cfg:       cfg,
		overrides: overrides,
		providers: make(map[string]config.ProviderConfig, len(cfg.Providers)),
		counter:   EstimateCounter{},
		logger:    logger,
		breakers:  make(map[string]*gobreaker.CircuitBreaker[*domain.ChatResponse]),
	}
	for _, p := range cfg.Providers {
		f.providers[p.Name] = p
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Resolve layers overrides and defaults for agentID.
func (f *Factory) Resolve(agentID string, ac domain.AgentConfig) Spec {
	spec := Spec{
		Provider:    f.cfg.DefaultProvider,
		Model:       f.cfg.DefaultModel,
		Temperature: f.cfg.DefaultTemperature,
	}
	if spec.Provider == "" {
		spec.Provider = "openai"
	}
	if spec.Model == "" {
		spec.Model = "gpt-5-mini"
	}

	if ac.Provider != "" {
		spec.Provider = ac.Provider
	}
	if ac.ModelName != "" {
		spec.Model = ac.ModelName
	}
	if ac.Temperature != nil {
		spec.Temperature = *ac.Temperature
	}

	if o, ok := f.overrides[agentID]; ok {
		if o.Provider != "" {
			spec.Provider = o.Provider
		}
		if o.ModelName != "" {
			spec.Model = o.ModelName
		}
		if o.Temperature != nil {
			spec.Temperature = *o.Temperature
		}
	}
	return spec
}

// ModelFor returns a fresh handle for one run of agentID, charged against a
// budget of maxTokens.
func (f *Factory) ModelFor(agentID string, ac domain.AgentConfig, maxTokens int) (domain.ChatModel, error) {
	spec := f.Resolve(agentID, ac)
	base, err := f.Open(spec)
	if err != nil {
		return nil, err
	}
	return NewBudgetModel(base, NewBudget(maxTokens), f.counter, f.metrics), nil
}

// Open builds a handle for spec, wrapped by the provider breaker when
// enabled.
func (f *Factory) Open(spec Spec) (domain.ChatModel, error) {
	pc, ok := f.providers[spec.Provider]
	if !ok {
		return nil, domain.NewDomainError("llm.Open", domain.ErrProviderNotFound, spec.Provider)
	}

	var m domain.ChatModel
	switch pc.Type {
	case "openai", "ollama":
		m = NewOpenAIModel(pc, spec.Model, spec.Temperature, f.logger)
	case "anthropic":
		m = NewAnthropicModel(pc, spec.Model, spec.Temperature, f.logger)
	case "echo":
		return NewEchoModel(spec.Model), nil
	default:
		return nil, domain.NewDomainError("llm.Open", domain.ErrProviderNotFound,
			fmt.Sprintf("provider %q has unknown type %q", pc.Name, pc.Type))
	}

	if !f.cfg.CircuitBreaker.Enabled {
		return m, nil
	}
	return NewCircuitBreakerModel(m, pc.Name, f.breaker(pc.Name)), nil
}

func (f *Factory) breaker(provider string) *gobreaker.CircuitBreaker[*domain.ChatResponse] {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.breakers[provider]; ok {
		return b
	}
	b := newBreaker(provider, f.cfg.CircuitBreaker, f.logger)
	f.breakers[provider] = b
	return b
}
