package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"athena/internal/domain"
)

type funcExecutor func(ctx context.Context, d domain.Dispatch) domain.RunResult

func (f funcExecutor) Execute(ctx context.Context, d domain.Dispatch) domain.RunResult { return f(ctx, d) }

type nopConsumer struct{}

func (nopConsumer) Consume(context.Context, domain.QueueClass, domain.TaskHandler) error { return nil }

type recordingRuns struct {
	mu   sync.Mutex
	recs []domain.RunRecord
}

func (r *recordingRuns) Put(_ context.Context, rec domain.RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func (r *recordingRuns) Get(context.Context, string) (*domain.RunRecord, error) { return nil, nil }

func (r *recordingRuns) states() []domain.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.RunState, len(r.recs))
	for i, rec := range r.recs {
		out[i] = rec.State
	}
	return out
}

type recordingNotifier struct {
	sent []domain.Notification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, msg domain.Notification) error {
	n.sent = append(n.sent, msg)
	return n.err
}

func dispatchTask(t *testing.T, d domain.Dispatch) domain.Task {
	t.Helper()
	task, err := domain.NewDispatchTask(d)
	require.NoError(t, err)
	return task
}

func TestNew_Validation(t *testing.T) {
	exec := funcExecutor(func(context.Context, domain.Dispatch) domain.RunResult { return domain.RunResult{} })

	_, err := New(Config{Queue: "bogus", Consumer: nopConsumer{}, Executor: exec})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = New(Config{Queue: domain.QueuePublic, Executor: exec})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = New(Config{Queue: domain.QueuePublic, Consumer: nopConsumer{}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = New(Config{Queue: domain.QueueGateway, Consumer: nopConsumer{}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	w, err := New(Config{Queue: domain.QueueSensitive, Consumer: nopConsumer{}, Executor: exec})
	require.NoError(t, err)
	assert.Equal(t, DefaultSoftLimit, w.cfg.SoftLimit)
	assert.Equal(t, DefaultHardLimit, w.cfg.HardLimit)
}

func TestHandle_ExecutesAndRecords(t *testing.T) {
	runs := &recordingRuns{}
	var got domain.Dispatch
	w, err := New(Config{
		Queue:    domain.QueuePublic,
		Consumer: nopConsumer{},
		Runs:     runs,
		Executor: funcExecutor(func(_ context.Context, d domain.Dispatch) domain.RunResult {
			got = d
			return domain.RunResult{Status: domain.StatusOK, RunID: d.RunID, Ack: true}
		}),
	})
	require.NoError(t, err)

	d := domain.Dispatch{RunID: "r1", AgentID: "echo", Payload: map[string]any{"text": "hi"}}
	require.NoError(t, w.Handle(context.Background(), dispatchTask(t, d)))
	assert.Equal(t, "r1", got.RunID)
	assert.Equal(t, "hi", got.Payload["text"])
	assert.Equal(t, []domain.RunState{domain.RunRunning, domain.RunOK}, runs.states())
}

func TestHandle_RunErrorIsAcked(t *testing.T) {
	runs := &recordingRuns{}
	w, err := New(Config{
		Queue:    domain.QueuePublic,
		Consumer: nopConsumer{},
		Runs:     runs,
		Executor: funcExecutor(func(context.Context, domain.Dispatch) domain.RunResult {
			return domain.ErrorResult("Agent 'x' not found for queue 'public'")
		}),
	})
	require.NoError(t, err)

	err = w.Handle(context.Background(), dispatchTask(t, domain.Dispatch{RunID: "r1", AgentID: "x"}))
	require.NoError(t, err, "run-scoped failures are reported through events, not redelivery")
	assert.Equal(t, []domain.RunState{domain.RunRunning, domain.RunError}, runs.states())
	assert.Contains(t, runs.recs[1].Message, "not found")
}

func TestHandle_Malformed(t *testing.T) {
	exec := funcExecutor(func(context.Context, domain.Dispatch) domain.RunResult {
		t.Fatal("executor must not run")
		return domain.RunResult{}
	})
	w, err := New(Config{Queue: domain.QueuePublic, Consumer: nopConsumer{}, Executor: exec})
	require.NoError(t, err)
	ctx := context.Background()

	tasks := []domain.Task{
		{Name: domain.TaskExecuteGraph, Body: json.RawMessage(`[1,2]`)},
		{Name: domain.TaskExecuteGraph, Body: json.RawMessage(`{"run_id":"r1"}`)},
		{Name: domain.TaskNotify, Body: json.RawMessage(`{}`)},
		{Name: "unknown"},
	}
	for _, task := range tasks {
		err := w.Handle(ctx, task)
		assert.ErrorIs(t, err, domain.ErrInvalidInput, string(task.Body))
	}
}

func TestHandle_HardLimitRequeues(t *testing.T) {
	runs := &recordingRuns{}
	release := make(chan struct{})
	defer close(release)
	w, err := New(Config{
		Queue:     domain.QueueSensitive,
		Consumer:  nopConsumer{},
		Runs:      runs,
		SoftLimit: 10 * time.Millisecond,
		HardLimit: 50 * time.Millisecond,
		Executor: funcExecutor(func(context.Context, domain.Dispatch) domain.RunResult {
			<-release
			return domain.RunResult{Status: domain.StatusOK}
		}),
	})
	require.NoError(t, err)

	start := time.Now()
	err = w.Handle(context.Background(), dispatchTask(t, domain.Dispatch{RunID: "r1", AgentID: "slow"}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHardLimit))
	assert.NotErrorIs(t, err, domain.ErrInvalidInput)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []domain.RunState{domain.RunRunning, domain.RunError}, runs.states())
}

func TestHandle_HardLimitCancelsRunContext(t *testing.T) {
	cancelled := make(chan struct{})
	w, err := New(Config{
		Queue:     domain.QueuePublic,
		Consumer:  nopConsumer{},
		HardLimit: 20 * time.Millisecond,
		Executor: funcExecutor(func(ctx context.Context, _ domain.Dispatch) domain.RunResult {
			<-ctx.Done()
			close(cancelled)
			return domain.ErrorResult(ctx.Err().Error())
		}),
	})
	require.NoError(t, err)

	_ = w.Handle(context.Background(), dispatchTask(t, domain.Dispatch{RunID: "r1", AgentID: "a"}))
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("run context was not cancelled")
	}
}

func TestHandle_GatewayNotifications(t *testing.T) {
	n := &recordingNotifier{}
	w, err := New(Config{Queue: domain.QueueGateway, Consumer: nopConsumer{}, Notifier: n})
	require.NoError(t, err)

	task, err := domain.NewNotifyTask(domain.Notification{Channel: "telegram", ChatID: "42", Text: "hi"})
	require.NoError(t, err)
	require.NoError(t, w.Handle(context.Background(), task))
	require.Len(t, n.sent, 1)
	assert.Equal(t, "42", n.sent[0].ChatID)

	n.err = errors.New("telegram down")
	err = w.Handle(context.Background(), task)
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrInvalidInput, "delivery failures requeue")

	err = w.Handle(context.Background(), dispatchTask(t, domain.Dispatch{RunID: "r1", AgentID: "echo"}))
	assert.ErrorIs(t, err, domain.ErrInvalidInput, "gateway workers never run agents")
}

func TestHandle_NotificationOnAgentQueueDropped(t *testing.T) {
	exec := funcExecutor(func(context.Context, domain.Dispatch) domain.RunResult { return domain.RunResult{} })
	w, err := New(Config{Queue: domain.QueuePublic, Consumer: nopConsumer{}, Executor: exec})
	require.NoError(t, err)

	task, err := domain.NewNotifyTask(domain.Notification{Channel: "telegram"})
	require.NoError(t, err)
	assert.ErrorIs(t, w.Handle(context.Background(), task), domain.ErrInvalidInput)
}
