package redisclient

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Client. It backs the "memory" store backends and
// tests. Expirations are ignored.
type Memory struct {
	mu      sync.Mutex
	strings map[string]string
	lists   map[string][]string
	// Err, when set, is returned from every call.
	Err error
}

// NewMemory creates an empty Memory client.
func NewMemory() *Memory {
	return &Memory{strings: make(map[string]string), lists: make(map[string][]string)}
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	v, ok := m.strings[key]
	if !ok {
		return "", ErrNil
	}
	return v, nil
}

func (m *Memory) Set(_ context.Context, key, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.strings[key] = value
	return nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	for _, k := range keys {
		delete(m.strings, k)
		delete(m.lists, k)
	}
	return nil
}

func (m *Memory) RPush(_ context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.lists[key] = append(m.lists[key], values...)
	return nil
}

// LRange follows Redis index rules, including negative offsets from the end.
func (m *Memory) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	l := m.lists[key]
	n := int64(len(l))
	if start < 0 {
		start = max(n+start, 0)
	}
	if stop < 0 {
		stop = n + stop
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return []string{}, nil
	}
	out := make([]string, stop-start+1)
	copy(out, l[start:stop+1])
	return out, nil
}

func (m *Memory) Expire(context.Context, string, time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Err
}

func (m *Memory) Close() error { return nil }
