// Package memory provides per-session chat history backed by Redis lists.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"athena/internal/domain"
	"athena/internal/infra/redisclient"
)

// KeyPrefix prefixes every history list.
const KeyPrefix = "message_store:"

// Factory opens RedisHistory handles.
type Factory struct {
	client      redisclient.Client
	logger      *slog.Logger
	ttl         time.Duration
	maxMessages int
}

var _ domain.MemoryFactory = (*Factory)(nil)

// Option configures a Factory.
type Option func(*Factory)

// WithTTL refreshes a TTL on every append.
func WithTTL(ttl time.Duration) Option {
	return func(f *Factory) { f.ttl = ttl }
}

// WithWindow limits Messages to the last n entries.
func WithWindow(n int) Option {
	return func(f *Factory) { f.maxMessages = n }
}

// NewFactory creates a history factory over client.
func NewFactory(client redisclient.Client, logger *slog.Logger, opts ...Option) *Factory {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	f := &Factory{client: client, logger: logger}
	for _, o := range opts {
		o(f)
	}
	return f
}

// NewInMemoryFactory is a Factory over an in-process client.
func NewInMemoryFactory() *Factory {
	return NewFactory(redisclient.NewMemory(), nil)
}

// History returns the handle for sessionID. It performs no I/O.
func (f *Factory) History(sessionID string) domain.ChatHistory {
	return &RedisHistory{f: f, key: KeyPrefix + sessionID}
}

// RedisHistory is one session's message list.
type RedisHistory struct {
	f   *Factory
	key string
}

// Messages returns the stored messages oldest first. Undecodable entries are
// skipped.
func (h *RedisHistory) Messages(ctx context.Context) ([]domain.ChatMessage, error) {
	start := int64(0)
	if h.f.maxMessages > 0 {
		start = -int64(h.f.maxMessages)
	}
	raw, err := h.f.client.LRange(ctx, h.key, start, -1)
	if err != nil {
		return nil, domain.NewDomainError("memory.Messages", domain.ErrStoreUnavailable, err.Error())
	}
	out := make([]domain.ChatMessage, 0, len(raw))
	for _, r := range raw {
		var m domain.ChatMessage
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			h.f.logger.Warn("skipping undecodable history entry", "key", h.key, "error", err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Append adds messages at the end of the list.
func (h *RedisHistory) Append(ctx context.Context, msgs ...domain.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	vals := make([]string, len(msgs))
	for i, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		vals[i] = string(b)
	}
	if err := h.f.client.RPush(ctx, h.key, vals...); err != nil {
		return domain.NewDomainError("memory.Append", domain.ErrStoreUnavailable, err.Error())
	}
	if h.f.ttl > 0 {
		if err := h.f.client.Expire(ctx, h.key, h.f.ttl); err != nil {
			h.f.logger.Warn("history ttl refresh failed", "key", h.key, "error", err)
		}
	}
	return nil
}

// Clear removes the whole list.
func (h *RedisHistory) Clear(ctx context.Context) error {
	if err := h.f.client.Del(ctx, h.key); err != nil {
		return domain.NewDomainError("memory.Clear", domain.ErrStoreUnavailable, err.Error())
	}
	return nil
}
