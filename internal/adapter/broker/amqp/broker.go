package amqp

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"athena/internal/adapter/broker"
	"athena/internal/domain"
	"athena/internal/infra/config"
)

const dialTimeout = 10 * time.Second

// Broker holds a long-lived connection for task traffic and bridge
// subscriptions. Run events go through Publisher instead.
type Broker struct {
	url            string
	prefetch       int
	publishTimeout time.Duration
	logger         *slog.Logger

	mu   sync.Mutex
	conn *amqp091.Connection
}

// Dial connects to the broker and declares the topology.
func Dial(ctx context.Context, cfg config.BrokerConfig, logger *slog.Logger) (*Broker, error) {
	b := &Broker{
		url:            cfg.URL,
		prefetch:       max(cfg.Prefetch, 1),
		publishTimeout: cfg.PublishTimeout,
		logger:         logger,
	}
	if b.publishTimeout <= 0 {
		b.publishTimeout = 5 * time.Second
	}
	ch, err := b.channel(ctx)
	if err != nil {
		return nil, err
	}
	defer ch.Close()
	if err := DeclareTopology(ch); err != nil {
		return nil, domain.NewDomainError("amqp.Dial", domain.ErrBrokerUnavailable, err.Error())
	}
	return b, nil
}

func dial(url string) (*amqp091.Connection, error) {
	return amqp091.DialConfig(url, amqp091.Config{Dial: amqp091.DefaultDial(dialTimeout)})
}

// channel opens a channel, redialing when the connection has dropped.
func (b *Broker) channel(ctx context.Context) (*amqp091.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil || b.conn.IsClosed() {
		conn, err := dial(b.url)
		if err != nil {
			return nil, domain.NewDomainError("amqp.channel", domain.ErrBrokerUnavailable, err.Error())
		}
		b.conn = conn
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, domain.NewDomainError("amqp.channel", domain.ErrBrokerUnavailable, err.Error())
	}
	return ch, nil
}

// Enqueue publishes task as a persistent message on the class queue.
func (b *Broker) Enqueue(ctx context.Context, q domain.QueueClass, task domain.Task) error {
	if !q.Valid() {
		return domain.NewDomainError("amqp.Enqueue", domain.ErrInvalidInput, "queue "+string(q))
	}
	body, err := json.Marshal(task)
	if err != nil {
		return domain.NewDomainError("amqp.Enqueue", domain.ErrInvalidInput, err.Error())
	}
	ch, err := b.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	ctx, cancel := context.WithTimeout(ctx, b.publishTimeout)
	defer cancel()
	err = ch.PublishWithContext(ctx, domain.TasksExchange, string(q), false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    task.RunID,
		Type:         task.Name,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return domain.NewDomainError("amqp.Enqueue", domain.ErrBrokerUnavailable, err.Error())
	}
	return nil
}

// Consume delivers tasks from q until ctx is cancelled. Messages are
// acknowledged only after handler returns.
func (b *Broker) Consume(ctx context.Context, q domain.QueueClass, handler domain.TaskHandler) error {
	ch, err := b.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Qos(b.prefetch, 0, false); err != nil {
		return domain.NewDomainError("amqp.Consume", domain.ErrBrokerUnavailable, err.Error())
	}
	tag := "athena-" + string(q) + "-" + uuid.NewString()
	deliveries, err := ch.Consume(string(q), tag, false, false, false, false, nil)
	if err != nil {
		return domain.NewDomainError("amqp.Consume", domain.ErrBrokerUnavailable, err.Error())
	}
	b.logger.Info("consuming", "queue", string(q), "consumer", tag, "prefetch", b.prefetch)

	for {
		select {
		case <-ctx.Done():
			_ = ch.Cancel(tag, false)
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return domain.NewDomainError("amqp.Consume", domain.ErrBrokerUnavailable, "delivery channel closed")
			}
			b.settle(ctx, q, d, handler)
		}
	}
}

func (b *Broker) settle(ctx context.Context, q domain.QueueClass, d amqp091.Delivery, handler domain.TaskHandler) {
	task, err := broker.DecodeTask(d.Body)
	if err != nil {
		b.logger.Warn("malformed task rejected", "queue", string(q), "error", err)
		_ = d.Reject(false)
		return
	}

	outcome, err := broker.Invoke(ctx, handler, task)
	if err != nil {
		b.logger.Warn("task failed", "queue", string(q), "task", task.Name, "run_id", task.RunID,
			"outcome", outcome.String(), "redelivered", d.Redelivered, "error", err)
	}
	switch outcome {
	case broker.Ack:
		err = d.Ack(false)
	case broker.Drop:
		err = d.Reject(false)
	default:
		err = d.Nack(false, true)
	}
	if err != nil {
		b.logger.Error("settle delivery", "queue", string(q), "run_id", task.RunID, "error", err)
	}
}

// Close closes the connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil || b.conn.IsClosed() {
		return nil
	}
	return b.conn.Close()
}
