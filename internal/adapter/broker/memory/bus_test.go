package memory

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"athena/internal/domain"
)

func newBroker(opts ...Option) *Broker {
	return New(slog.New(slog.DiscardHandler), opts...)
}

func TestEnqueueConsume(t *testing.T) {
	b := newBroker()
	defer b.Close()

	require.NoError(t, b.Enqueue(t.Context(), domain.QueuePublic, domain.Task{Name: domain.TaskExecuteGraph, RunID: "r1"}))
	require.NoError(t, b.Enqueue(t.Context(), domain.QueueSensitive, domain.Task{Name: domain.TaskExecuteGraph, RunID: "r2"}))

	ctx, cancel := context.WithCancel(t.Context())
	got := make(chan string, 2)
	go func() {
		_ = b.Consume(ctx, domain.QueuePublic, func(_ context.Context, task domain.Task) error {
			got <- task.RunID
			return nil
		})
	}()

	select {
	case id := <-got:
		assert.Equal(t, "r1", id)
	case <-time.After(time.Second):
		t.Fatal("task not delivered")
	}
	cancel()
	assert.Equal(t, 1, b.Depth(domain.QueueSensitive), "sensitive task stays on its own queue")
}

func TestEnqueueRejectsUnknownQueue(t *testing.T) {
	b := newBroker()
	err := b.Enqueue(t.Context(), domain.QueueClass("bogus"), domain.Task{Name: "x"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestEnqueueFullQueue(t *testing.T) {
	b := newBroker(WithQueueCapacity(1))
	require.NoError(t, b.Enqueue(t.Context(), domain.QueuePublic, domain.Task{Name: "x"}))
	err := b.Enqueue(t.Context(), domain.QueuePublic, domain.Task{Name: "x"})
	assert.ErrorIs(t, err, domain.ErrBrokerUnavailable)
}

func TestConsumeRequeuesOnFailure(t *testing.T) {
	b := newBroker()
	defer b.Close()
	require.NoError(t, b.Enqueue(t.Context(), domain.QueuePublic, domain.Task{Name: domain.TaskExecuteGraph, RunID: "r1"}))

	var attempts atomic.Int32
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go func() {
		_ = b.Consume(ctx, domain.QueuePublic, func(context.Context, domain.Task) error {
			switch attempts.Add(1) {
			case 1:
				return errors.New("transient")
			case 2:
				panic("worker crashed")
			default:
				close(done)
				return nil
			}
		})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task was not redelivered")
	}
	assert.Equal(t, int32(3), attempts.Load())
}

func TestConsumeDropsInvalidInput(t *testing.T) {
	b := newBroker()
	defer b.Close()
	require.NoError(t, b.Enqueue(t.Context(), domain.QueuePublic, domain.Task{Name: domain.TaskExecuteGraph}))
	b.queue(domain.QueuePublic) <- []byte("garbage")

	var calls atomic.Int32
	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()
	_ = b.Consume(ctx, domain.QueuePublic, func(context.Context, domain.Task) error {
		calls.Add(1)
		return domain.NewDomainError("test", domain.ErrInvalidInput, "bad body")
	})

	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, b.Depth(domain.QueuePublic))
}

func TestPublishSubscribe(t *testing.T) {
	b := newBroker()
	defer b.Close()

	sub, err := b.Subscribe(t.Context(), domain.RoutingKey("r1"))
	require.NoError(t, err)
	other, err := b.Subscribe(t.Context(), domain.RoutingKey("r2"))
	require.NoError(t, err)
	defer other.Close()

	_, ok, err := sub.TryNext(t.Context())
	require.NoError(t, err)
	assert.False(t, ok)

	b.Publish(t.Context(), "r1", domain.EventAssistant, "hi")
	b.Publish(t.Context(), "r1", domain.EventRunCompleted, map[string]any{"assistant": "hi"})

	ev, ok, err := sub.TryNext(t.Context())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.EventAssistant, ev.Event)
	assert.JSONEq(t, `"hi"`, string(ev.Data))

	ev, ok, err = sub.TryNext(t.Context())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.EventRunCompleted, ev.Event)

	_, ok, _ = other.TryNext(t.Context())
	assert.False(t, ok, "other routing key sees nothing")

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.Zero(t, b.Subscribers(domain.RoutingKey("r1")))
	_, _, err = sub.TryNext(t.Context())
	assert.ErrorIs(t, err, domain.ErrBrokerUnavailable)
}

func TestSubscriptionSkipsUndecodableEvents(t *testing.T) {
	b := newBroker()
	defer b.Close()

	sub, err := b.Subscribe(t.Context(), domain.RoutingKey("r1"))
	require.NoError(t, err)
	defer sub.Close()

	raw := sub.(*subscription)
	require.True(t, raw.push([]byte(`not json`)))
	require.True(t, raw.push([]byte(`{"data":{"text":"plain"}}`)))
	b.Publish(t.Context(), "r1", domain.EventAssistant, "still here")

	ev, ok, err := sub.TryNext(t.Context())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, ev)

	ev, ok, err = sub.TryNext(t.Context())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.EventMessage, ev.Event)

	ev, ok, err = sub.TryNext(t.Context())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.EventAssistant, ev.Event)
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	b := newBroker()
	b.Publish(t.Context(), "nobody", domain.EventAssistant, "lost")
	b.Close()
	b.Close()
	b.Publish(t.Context(), "nobody", domain.EventAssistant, "after close")

	_, err := b.Subscribe(t.Context(), "runs.x")
	assert.ErrorIs(t, err, domain.ErrBrokerUnavailable)
}

func TestConcurrentPublish(t *testing.T) {
	b := newBroker()
	defer b.Close()
	sub, err := b.Subscribe(t.Context(), domain.RoutingKey("r1"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Publish(context.Background(), "r1", domain.EventAssistant, "x")
		}()
	}
	wg.Wait()

	n := 0
	for {
		_, ok, err := sub.TryNext(t.Context())
		require.NoError(t, err)
		if !ok {
			break
		}
		n++
	}
	assert.Equal(t, 50, n)
}
