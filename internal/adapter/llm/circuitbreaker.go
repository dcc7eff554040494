package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"athena/internal/domain"
	"athena/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// newBreaker builds the breaker shared by every handle of one provider.
func newBreaker(provider string, cfg config.CircuitBreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker[*domain.ChatResponse] {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	return gobreaker.NewCircuitBreaker[*domain.ChatResponse](gobreaker.Settings{
		Name:        "llm:" + provider,
		MaxRequests: 1, // one probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// Budget exhaustion and caller cancellation say nothing about the provider.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrTokenBudget) || errors.Is(err, context.Canceled)
		},
	})
}

// CircuitBreakerModel wraps a ChatModel with a provider-wide breaker.
// When the provider fails repeatedly, calls fail fast with ErrCircuitOpen.
type CircuitBreakerModel struct {
	inner    domain.ChatModel
	provider string
	breaker  *gobreaker.CircuitBreaker[*domain.ChatResponse]
}

// NewCircuitBreakerModel wraps inner with breaker.
func NewCircuitBreakerModel(inner domain.ChatModel, provider string, breaker *gobreaker.CircuitBreaker[*domain.ChatResponse]) *CircuitBreakerModel {
	return &CircuitBreakerModel{inner: inner, provider: provider, breaker: breaker}
}

// Chat implements domain.ChatModel.
func (m *CircuitBreakerModel) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	resp, err := m.breaker.Execute(func() (*domain.ChatResponse, error) {
		return m.inner.Chat(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("provider %q: %w: %v", m.provider, domain.ErrCircuitOpen, err)
	}
	return resp, err
}

// Name implements domain.ChatModel.
func (m *CircuitBreakerModel) Name() string { return m.inner.Name() }

// State returns the breaker state for monitoring.
func (m *CircuitBreakerModel) State() gobreaker.State { return m.breaker.State() }
