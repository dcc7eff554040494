package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"athena/internal/domain"
	"athena/internal/usecase/admission"
)

// scriptedSub replays events, returning "empty" between them.
type scriptedSub struct {
	mu     sync.Mutex
	events []*domain.RunEvent
	err    error
	closed bool
}

func (s *scriptedSub) TryNext(context.Context) (*domain.RunEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return nil, false, s.err
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, true, nil
}

func (s *scriptedSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type scriptedSubscriber struct {
	sub *scriptedSub
	key string
	err error
}

func (s *scriptedSubscriber) Subscribe(_ context.Context, key string) (domain.Subscription, error) {
	s.key = key
	if s.err != nil {
		return nil, s.err
	}
	return s.sub, nil
}

type recordingSink struct {
	mu         sync.Mutex
	events     []domain.EventType
	heartbeats []time.Time
	failAfter  int
}

func (s *recordingSink) Event(_ context.Context, ev *domain.RunEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev.Event)
	return nil
}

func (s *recordingSink) Heartbeat(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats = append(s.heartbeats, time.Now())
	if s.failAfter > 0 && len(s.heartbeats) >= s.failAfter {
		return errors.New("client gone")
	}
	return nil
}

func event(t domain.EventType, data string) *domain.RunEvent {
	return &domain.RunEvent{Event: t, Data: json.RawMessage(data)}
}

func TestPump_ForwardsThenHeartbeats(t *testing.T) {
	sub := &scriptedSub{events: []*domain.RunEvent{
		event(domain.EventAssistant, `"hi"`),
		event(domain.EventRunCompleted, `{"assistant":"hi"}`),
	}}
	subscriber := &scriptedSubscriber{sub: sub}
	sink := &recordingSink{failAfter: 3}

	err := NewPump(subscriber, 10*time.Millisecond, nil).Stream(context.Background(), "r1", sink)
	require.Error(t, err, "sink failure ends the stream")

	assert.Equal(t, "runs.r1", subscriber.key)
	assert.Equal(t, []domain.EventType{domain.EventAssistant, domain.EventRunCompleted}, sink.events)
	assert.Len(t, sink.heartbeats, 3)
	assert.True(t, sub.closed, "subscription closed on exit")
}

func TestPump_HeartbeatBound(t *testing.T) {
	interval := 20 * time.Millisecond
	sink := &recordingSink{}
	ctx, cancel := context.WithTimeout(context.Background(), 210*time.Millisecond)
	defer cancel()

	err := NewPump(&scriptedSubscriber{sub: &scriptedSub{}}, interval, nil).Stream(ctx, "r1", sink)
	require.NoError(t, err)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.GreaterOrEqual(t, len(sink.heartbeats), 3)
	for i := 1; i < len(sink.heartbeats); i++ {
		gap := sink.heartbeats[i].Sub(sink.heartbeats[i-1])
		assert.Less(t, gap, interval*5, "heartbeat %d late", i)
	}
}

func TestPump_BrokerFailure(t *testing.T) {
	sub := &scriptedSub{err: domain.ErrBrokerUnavailable}
	err := NewPump(&scriptedSubscriber{sub: sub}, time.Millisecond, nil).Stream(context.Background(), "r1", &recordingSink{})
	assert.ErrorIs(t, err, domain.ErrBrokerUnavailable)
	assert.True(t, sub.closed)

	_, err = NewPump(&scriptedSubscriber{err: domain.ErrBrokerUnavailable}, 0, nil).Open(context.Background(), "r1")
	assert.ErrorIs(t, err, domain.ErrBrokerUnavailable)
}

func TestWriteSSE(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSSE(&buf, event(domain.EventRunCompleted, "{\n  \"assistant\": \"hi\"\n}")))
	assert.Equal(t, "event: run_completed\ndata: {\"assistant\":\"hi\"}\n\n", buf.String())

	buf.Reset()
	require.NoError(t, WriteSSE(&buf, &domain.RunEvent{Event: domain.EventRunError}))
	assert.Equal(t, "event: run_error\ndata: {}\n\n", buf.String())
}

func TestWSFrames(t *testing.T) {
	frames := WSFrames(event(domain.EventAssistant, `"hello"`))
	require.Len(t, frames, 2)
	assert.Equal(t, "event", frames[0].Type)
	assert.Equal(t, "assistant", frames[0].Event)
	assert.Equal(t, "message", frames[1].Type)
	assert.Equal(t, map[string]string{"text": "hello"}, frames[1].Data)

	frames = WSFrames(event(domain.EventRunCompleted, `{"assistant":"hello"}`))
	assert.Len(t, frames, 1, "only assistant events carry a message frame")

	frames = WSFrames(event(domain.EventAssistant, `""`))
	assert.Len(t, frames, 1)
}

func TestAssistantText(t *testing.T) {
	assert.Equal(t, "a", AssistantText(json.RawMessage(`"a"`)))
	assert.Equal(t, "b", AssistantText(json.RawMessage(`{"assistant":"b","text":"x"}`)))
	assert.Equal(t, "c", AssistantText(json.RawMessage(`{"text":"c"}`)))
	assert.Equal(t, "d", AssistantText(json.RawMessage(`{"message":"d"}`)))
	assert.Equal(t, "", AssistantText(json.RawMessage(`{"n":1}`)))
	assert.Equal(t, "", AssistantText(json.RawMessage(`[1]`)))
}

func TestParseInbound(t *testing.T) {
	tests := []struct {
		in      string
		want    map[string]any
		invalid bool
	}{
		{`{"user_message":"hi"}`, map[string]any{"user_message": "hi"}, false},
		{`  {"text":"x","extra":1}  `, map[string]any{"text": "x", "extra": float64(1)}, false},
		{`hello there`, map[string]any{"text": "hello there"}, false},
		{`"quoted"`, map[string]any{"text": "quoted"}, false},
		{``, map[string]any{"text": ""}, false},
		{`{"broken"`, nil, true},
		{`[1,2]`, nil, true},
		{`null`, map[string]any{"text": "null"}, false},
	}
	for _, tt := range tests {
		got, err := ParseInbound([]byte(tt.in))
		if tt.invalid {
			assert.ErrorIs(t, err, domain.ErrInvalidInput, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

type submitted struct {
	agent   string
	payload map[string]any
	opts    admission.Options
}

type recordingSubmitter struct {
	calls []submitted
	err   error
}

func (r *recordingSubmitter) Submit(_ context.Context, _ string, agentID string, payload map[string]any, opts admission.Options) (*admission.Receipt, error) {
	r.calls = append(r.calls, submitted{agentID, payload, opts})
	if r.err != nil {
		return nil, r.err
	}
	return &admission.Receipt{RunID: opts.RunID, Queued: true}, nil
}

func TestNewSession_Validation(t *testing.T) {
	_, err := NewSession(&recordingSubmitter{}, "guardian", "s1", "", nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = NewSession(&recordingSubmitter{}, AgentJournaling, "", "", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSession_JournalingLifecycle(t *testing.T) {
	sub := &recordingSubmitter{}
	s, err := NewSession(sub, AgentJournaling, "s1", "alice", nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Connect(ctx, map[string]any{"convo_history": []any{}}))
	reply := s.Inbound(ctx, []byte(`{"user_message":"hello"}`))
	assert.Equal(t, WSFrame{Type: "accepted", RunID: "s1"}, reply)
	closing, err := s.Disconnect(ctx)
	require.NoError(t, err)
	assert.Equal(t, &WSFrame{Type: "message", Disconnect: true}, closing)

	require.Len(t, sub.calls, 3)
	for _, c := range sub.calls {
		assert.Equal(t, AgentJournaling, c.agent)
		assert.True(t, c.opts.Sensitive)
		assert.Equal(t, "s1", c.opts.RunID)
		assert.Equal(t, "s1", c.payload["session_id"])
	}
	assert.Equal(t, true, sub.calls[0].payload["connect"])
	assert.Contains(t, sub.calls[0].payload, "convo_history")
	assert.Equal(t, "hello", sub.calls[1].payload["user_message"])
	assert.Equal(t, true, sub.calls[2].payload["disconnect"])
}

func TestSession_AppealsConnectAndErrors(t *testing.T) {
	sub := &recordingSubmitter{}
	s, err := NewSession(sub, AgentAppeals, "evt-1", "", nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Connect(ctx, map[string]any{"ignored": true}))
	assert.Equal(t, map[string]any{"text": "", "session_id": "evt-1"}, sub.calls[0].payload)

	assert.Equal(t, WSFrame{Type: "error", Message: "invalid json"}, s.Inbound(ctx, []byte(`{"x"`)))

	sub.err = domain.NewDomainError("admission.Submit", domain.ErrBrokerUnavailable, "queue sensitive full")
	assert.Equal(t, WSFrame{Type: "error", Message: "queue sensitive full"}, s.Inbound(ctx, []byte(`please`)))

	closing, err := s.Disconnect(ctx)
	require.NoError(t, err)
	assert.Nil(t, closing)
}
