package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkoukk/tiktoken-go"

	"athena/internal/domain"
	"athena/internal/infra/metrics"
)

// TokenCounter estimates prompt size in tokens.
type TokenCounter interface {
	Count(model string, msgs []domain.ChatMessage) int
}

// TiktokenCounter counts with the BPE encoding of the model, falling back to
// cl100k_base for unknown models and to a word estimate when no encoding
// can be loaded.
type TiktokenCounter struct {
	mu   sync.Mutex
	encs map[string]*tiktoken.Tiktoken
}

// NewTiktokenCounter creates a counter with a per-model encoding cache.
func NewTiktokenCounter() *TiktokenCounter {
	return &TiktokenCounter{encs: make(map[string]*tiktoken.Tiktoken)}
}

// Count implements TokenCounter. Each message carries a fixed overhead of
// four tokens for role framing.
func (c *TiktokenCounter) Count(model string, msgs []domain.ChatMessage) int {
	enc := c.encoding(model)
	total := 0
	for _, m := range msgs {
		total += 4
		if enc != nil {
			total += len(enc.Encode(m.Content, nil, nil))
		} else {
			total += EstimateTokens(m.Content)
		}
	}
	return total
}

func (c *TiktokenCounter) encoding(model string) *tiktoken.Tiktoken {
	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encs[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			enc = nil
		}
	}
	c.encs[model] = enc
	return enc
}

// EstimateTokens approximates tokens as four characters each.
func EstimateTokens(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}

// EstimateCounter is the TokenCounter used when no tokenizer is wanted.
type EstimateCounter struct{}

// Count implements TokenCounter.
func (EstimateCounter) Count(_ string, msgs []domain.ChatMessage) int {
	total := 0
	for _, m := range msgs {
		total += 4 + EstimateTokens(m.Content)
	}
	return total
}

// Budget is the token ceiling of one run, shared by every model call in it.
// A limit of zero or less disables the ceiling.
type Budget struct {
	limit int64
	used  atomic.Int64
}

// NewBudget creates a budget of limit tokens.
func NewBudget(limit int) *Budget {
	return &Budget{limit: int64(limit)}
}

// Used returns the tokens consumed so far.
func (b *Budget) Used() int { return int(b.used.Load()) }

// Remaining returns the tokens left, or -1 when unlimited.
func (b *Budget) Remaining() int {
	if b.limit <= 0 {
		return -1
	}
	return int(max(b.limit-b.used.Load(), 0))
}

func (b *Budget) check(extra int) error {
	if b.limit <= 0 {
		return nil
	}
	if b.used.Load()+int64(extra) > b.limit {
		return domain.NewDomainError("llm.Budget", domain.ErrTokenBudget,
			fmt.Sprintf("used %d + %d of %d tokens", b.used.Load(), extra, b.limit))
	}
	return nil
}

func (b *Budget) add(n int) { b.used.Add(int64(n)) }

// BudgetModel charges every call against a run Budget. The prompt is counted
// before the call so an oversized request never reaches the provider.
type BudgetModel struct {
	inner   domain.ChatModel
	budget  *Budget
	counter TokenCounter
	metrics *metrics.Metrics
}

// NewBudgetModel wraps inner.
func NewBudgetModel(inner domain.ChatModel, budget *Budget, counter TokenCounter, m *metrics.Metrics) *BudgetModel {
	if counter == nil {
		counter = EstimateCounter{}
	}
	return &BudgetModel{inner: inner, budget: budget, counter: counter, metrics: m}
}

// Chat implements domain.ChatModel.
func (m *BudgetModel) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	prompt := m.counter.Count(m.inner.Name(), req.Messages)
	if err := m.budget.check(prompt); err != nil {
		m.metrics.LLMCall(m.inner.Name(), "budget", 0)
		return nil, err
	}

	resp, err := m.inner.Chat(ctx, req)
	if err != nil {
		m.metrics.LLMCall(m.inner.Name(), "error", 0)
		return nil, err
	}

	used := resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	if used == 0 {
		used = prompt + EstimateTokens(resp.Content)
	}
	m.budget.add(used)
	m.metrics.LLMCall(m.inner.Name(), "ok", used)

	if err := m.budget.check(0); err != nil {
		return nil, err
	}
	return resp, nil
}

// Name implements domain.ChatModel.
func (m *BudgetModel) Name() string { return m.inner.Name() }
