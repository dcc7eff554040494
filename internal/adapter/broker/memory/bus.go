// Package memory is an in-process broker for development and tests. It
// implements the same task and event contracts as the AMQP adapter.
package memory

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"athena/internal/adapter/broker"
	"athena/internal/domain"
	"athena/internal/infra/metrics"
)

const (
	defaultQueueCapacity = 1024
	subscriptionCapacity = 256
)

// Option configures a Broker.
type Option func(*Broker)

// WithQueueCapacity bounds each task queue.
func WithQueueCapacity(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// WithMetrics records publish outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// Broker is a goroutine-safe in-process task queue and topic fan-out.
type Broker struct {
	mu       sync.RWMutex
	queues   map[domain.QueueClass]chan []byte
	subs     map[string][]*subscription
	nextID   atomic.Uint64
	capacity int
	logger   *slog.Logger
	metrics  *metrics.Metrics
	wg       sync.WaitGroup
	closed   atomic.Bool
}

// New creates an empty broker.
func New(logger *slog.Logger, opts ...Option) *Broker {
	b := &Broker{
		queues:   make(map[domain.QueueClass]chan []byte),
		subs:     make(map[string][]*subscription),
		capacity: defaultQueueCapacity,
		logger:   logger,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Broker) queue(q domain.QueueClass) chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.queues[q]
	if !ok {
		ch = make(chan []byte, b.capacity)
		b.queues[q] = ch
	}
	return ch
}

// Enqueue places task on queue q.
func (b *Broker) Enqueue(_ context.Context, q domain.QueueClass, task domain.Task) error {
	if b.closed.Load() {
		return domain.NewDomainError("memory.Enqueue", domain.ErrBrokerUnavailable, "broker closed")
	}
	if !q.Valid() {
		return domain.NewDomainError("memory.Enqueue", domain.ErrInvalidInput, "queue "+string(q))
	}
	body, err := json.Marshal(task)
	if err != nil {
		return domain.NewDomainError("memory.Enqueue", domain.ErrInvalidInput, err.Error())
	}
	select {
	case b.queue(q) <- body:
		return nil
	default:
		return domain.NewDomainError("memory.Enqueue", domain.ErrBrokerUnavailable, "queue "+string(q)+" full")
	}
}

// Depth reports how many tasks wait on q.
func (b *Broker) Depth(q domain.QueueClass) int {
	return len(b.queue(q))
}

// Consume delivers tasks from q one at a time until ctx is cancelled.
// Requeued tasks go to the back of the queue.
func (b *Broker) Consume(ctx context.Context, q domain.QueueClass, handler domain.TaskHandler) error {
	ch := b.queue(q)
	for {
		select {
		case <-ctx.Done():
			return nil
		case body := <-ch:
			b.deliver(ctx, q, ch, body, handler)
		}
	}
}

func (b *Broker) deliver(ctx context.Context, q domain.QueueClass, ch chan []byte, body []byte, handler domain.TaskHandler) {
	b.wg.Add(1)
	defer b.wg.Done()

	task, err := broker.DecodeTask(body)
	if err != nil {
		b.logger.Warn("malformed task dropped", "queue", string(q), "error", err)
		return
	}
	outcome, err := broker.Invoke(ctx, handler, task)
	if err != nil {
		b.logger.Warn("task failed", "queue", string(q), "task", task.Name, "run_id", task.RunID,
			"outcome", outcome.String(), "error", err)
	}
	if outcome != broker.Requeue {
		return
	}
	select {
	case ch <- body:
	default:
		b.logger.Error("requeue dropped, queue full", "queue", string(q), "run_id", task.RunID)
	}
}

// Publish fans a run event out to every subscription bound to its routing
// key. Full subscriptions drop the event.
func (b *Broker) Publish(_ context.Context, runID string, event domain.EventType, data any) {
	if b.closed.Load() {
		return
	}
	body, err := broker.EncodeEvent(event, data)
	if err != nil {
		b.logger.Warn("run event not published", "run_id", runID, "event", string(event), "error", err)
		b.metrics.EventPublished(string(event), "error")
		return
	}

	key := domain.RoutingKey(runID)
	b.mu.RLock()
	subs := make([]*subscription, len(b.subs[key]))
	copy(subs, b.subs[key])
	b.mu.RUnlock()

	for _, s := range subs {
		if !s.push(body) {
			b.logger.Warn("subscription full, event dropped", "routing_key", key, "event", string(event))
		}
	}
	b.metrics.EventPublished(string(event), "ok")
}

// Subscribe opens an ephemeral subscription on routingKey. Events published
// before the call are not delivered.
func (b *Broker) Subscribe(_ context.Context, routingKey string) (domain.Subscription, error) {
	if b.closed.Load() {
		return nil, domain.NewDomainError("memory.Subscribe", domain.ErrBrokerUnavailable, "broker closed")
	}
	s := &subscription{id: b.nextID.Add(1), key: routingKey, bus: b}

	b.mu.Lock()
	b.subs[routingKey] = append(b.subs[routingKey], s)
	b.mu.Unlock()
	return s, nil
}

func (b *Broker) unsubscribe(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[s.key]
	for i, other := range subs {
		if other.id == s.id {
			b.subs[s.key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[s.key]) == 0 {
		delete(b.subs, s.key)
	}
}

// Subscribers reports how many subscriptions are bound to routingKey.
func (b *Broker) Subscribers(routingKey string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[routingKey])
}

// Close rejects new work and waits for in-flight deliveries to finish.
// Close is idempotent.
func (b *Broker) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}

type subscription struct {
	id     uint64
	key    string
	bus    *Broker
	mu     sync.Mutex
	buf    [][]byte
	closed bool
	once   sync.Once
}

func (s *subscription) push(body []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.buf) >= subscriptionCapacity {
		return false
	}
	s.buf = append(s.buf, body)
	return true
}

func (s *subscription) TryNext(ctx context.Context) (*domain.RunEvent, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, false, domain.NewDomainError("memory.TryNext", domain.ErrBrokerUnavailable, "subscription closed")
	}
	if len(s.buf) == 0 {
		s.mu.Unlock()
		return nil, false, nil
	}
	body := s.buf[0]
	s.buf = s.buf[1:]
	s.mu.Unlock()

	ev, err := broker.DecodeEvent(body)
	if err != nil {
		s.bus.logger.Warn("undecodable run event skipped", "routing_key", s.key, "error", err)
		return nil, false, nil
	}
	return ev, true, nil
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.buf = nil
		s.mu.Unlock()
		s.bus.unsubscribe(s)
	})
	return nil
}
