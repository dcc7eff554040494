// Package schedule provides the ScheduleStore backends: Redis, a watched
// file and an in-process map.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"athena/internal/domain"
	"athena/internal/infra/redisclient"
)

// KeyPrefix prefixes every schedule key.
const KeyPrefix = "athena:schedule:"

// Key returns the Redis key for a session. An empty session maps to
// "default".
func Key(sessionID string) string {
	return KeyPrefix + sessionOrDefault(sessionID)
}

func sessionOrDefault(sessionID string) string {
	if sessionID == "" {
		return "default"
	}
	return sessionID
}

// RedisStore keeps each schedule as a JSON array under Key(session).
type RedisStore struct {
	client redisclient.Client
	logger *slog.Logger
}

var _ domain.ScheduleStore = (*RedisStore)(nil)

// NewRedisStore creates a store over client.
func NewRedisStore(client redisclient.Client, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RedisStore{client: client, logger: logger}
}

// NewMemoryStore is a RedisStore over an in-process client.
func NewMemoryStore() *RedisStore {
	return NewRedisStore(redisclient.NewMemory(), nil)
}

// Load returns the stored schedule. A missing key or an unparsable value
// yields an empty schedule.
func (s *RedisStore) Load(ctx context.Context, sessionID string) ([]domain.ScheduleBlock, error) {
	raw, err := s.client.Get(ctx, Key(sessionID))
	if errors.Is(err, redisclient.ErrNil) || (err == nil && raw == "") {
		return []domain.ScheduleBlock{}, nil
	}
	if err != nil {
		return nil, domain.NewDomainError("schedule.Load", domain.ErrStoreUnavailable, err.Error())
	}
	var blocks []domain.ScheduleBlock
	if err := json.Unmarshal([]byte(raw), &blocks); err != nil {
		s.logger.Warn("discarding unparsable schedule", "session_id", sessionID, "error", err)
		return []domain.ScheduleBlock{}, nil
	}
	if blocks == nil {
		blocks = []domain.ScheduleBlock{}
	}
	return blocks, nil
}

// Save overwrites the stored schedule.
func (s *RedisStore) Save(ctx context.Context, sessionID string, blocks []domain.ScheduleBlock) error {
	if blocks == nil {
		blocks = []domain.ScheduleBlock{}
	}
	data, err := json.Marshal(blocks)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	if err := s.client.Set(ctx, Key(sessionID), string(data), 0); err != nil {
		return domain.NewDomainError("schedule.Save", domain.ErrStoreUnavailable, err.Error())
	}
	return nil
}
