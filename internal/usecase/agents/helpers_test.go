package agents

import (
	"context"
	"errors"
	"sync"
	"time"

	"athena/internal/domain"
	"athena/internal/usecase/agentgraph"
	"athena/internal/usecase/graph"
)

// scriptedModel replays canned replies and records every request.
type scriptedModel struct {
	mu       sync.Mutex
	replies  []string
	err      error
	requests []domain.ChatRequest
}

func (m *scriptedModel) Name() string { return "scripted" }

func (m *scriptedModel) Chat(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.replies) == 0 {
		return nil, errors.New("no scripted reply left")
	}
	r := m.replies[0]
	m.replies = m.replies[1:]
	return &domain.ChatResponse{Content: r}, nil
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

type fixedPolicy struct {
	strictness int
	goal       string
}

func (p fixedPolicy) Strictness(context.Context, string, time.Time) (int, error) {
	return p.strictness, nil
}

func (p fixedPolicy) Goal(context.Context, string, time.Time) (string, error) { return p.goal, nil }

type listHistory struct {
	mu   sync.Mutex
	msgs []domain.ChatMessage
}

func (h *listHistory) Messages(context.Context) ([]domain.ChatMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.ChatMessage(nil), h.msgs...), nil
}

func (h *listHistory) Append(_ context.Context, msgs ...domain.ChatMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msgs...)
	return nil
}

func (h *listHistory) Clear(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = nil
	return nil
}

type mapMemory struct {
	mu       sync.Mutex
	sessions map[string]*listHistory
}

func newMapMemory() *mapMemory { return &mapMemory{sessions: map[string]*listHistory{}} }

func (m *mapMemory) History(sessionID string) domain.ChatHistory {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.sessions[sessionID]
	if !ok {
		h = &listHistory{}
		m.sessions[sessionID] = h
	}
	return h
}

type mapSchedules struct {
	mu sync.Mutex
	m  map[string][]domain.ScheduleBlock
}

func (s *mapSchedules) Load(_ context.Context, key string) ([]domain.ScheduleBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[key], nil
}

func (s *mapSchedules) Save(_ context.Context, key string, blocks []domain.ScheduleBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = map[string][]domain.ScheduleBlock{}
	}
	s.m[key] = blocks
	return nil
}

type recordingQueue struct {
	mu    sync.Mutex
	tasks []domain.Task
	queue []domain.QueueClass
}

func (q *recordingQueue) Enqueue(_ context.Context, queue domain.QueueClass, task domain.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	q.queue = append(q.queue, queue)
	return nil
}

type fixture struct {
	model    *scriptedModel
	memory   *mapMemory
	tasks    *recordingQueue
	schedule *mapSchedules
	deps     agentgraph.Deps
}

func newFixture(strictness int, goal string, replies ...string) *fixture {
	f := &fixture{
		model:    &scriptedModel{replies: replies},
		memory:   newMapMemory(),
		tasks:    &recordingQueue{},
		schedule: &mapSchedules{},
	}
	f.deps = agentgraph.Deps{
		Services: agentgraph.Services{
			Schedules: f.schedule,
			Policy:    fixedPolicy{strictness: strictness, goal: goal},
			Tasks:     f.tasks,
			Now:       func() time.Time { return time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC) },
		},
		Model:  f.model,
		Memory: f.memory,
	}
	return f
}

func (f *fixture) run(entry agentgraph.Entry, input graph.State) (graph.State, error) {
	g, err := entry.Build(f.deps)
	if err != nil {
		return nil, err
	}
	c, err := g.Compile()
	if err != nil {
		return nil, err
	}
	return c.Invoke(domain.ContextWithRunID(context.Background(), "run-1"), input)
}
