package amqp

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"athena/internal/adapter/broker"
	"athena/internal/domain"
)

// Subscribe declares an exclusive auto-delete queue bound to routingKey on
// the runs exchange. The queue lives until Close or the channel drops.
func (b *Broker) Subscribe(ctx context.Context, routingKey string) (domain.Subscription, error) {
	ch, err := b.channel(ctx)
	if err != nil {
		return nil, err
	}
	if err := DeclareRunsExchange(ch); err != nil {
		ch.Close()
		return nil, domain.NewDomainError("amqp.Subscribe", domain.ErrBrokerUnavailable, err.Error())
	}
	name := "bridge." + routingKey + "." + uuid.NewString()
	q, err := ch.QueueDeclare(name, false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, domain.NewDomainError("amqp.Subscribe", domain.ErrBrokerUnavailable, err.Error())
	}
	if err := ch.QueueBind(q.Name, routingKey, domain.RunsExchange, false, nil); err != nil {
		ch.Close()
		return nil, domain.NewDomainError("amqp.Subscribe", domain.ErrBrokerUnavailable, err.Error())
	}
	return &subscription{ch: ch, queue: q.Name, logger: b.logger}, nil
}

type subscription struct {
	ch     *amqp091.Channel
	queue  string
	logger *slog.Logger
	once   sync.Once
}

// TryNext fetches one message with basic.get. Undecodable bodies are logged
// and skipped so one bad message does not end the stream.
func (s *subscription) TryNext(ctx context.Context) (*domain.RunEvent, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	d, ok, err := s.ch.Get(s.queue, true)
	if err != nil {
		return nil, false, domain.NewDomainError("amqp.TryNext", domain.ErrBrokerUnavailable, err.Error())
	}
	if !ok {
		return nil, false, nil
	}
	ev, err := broker.DecodeEvent(d.Body)
	if err != nil {
		s.logger.Warn("undecodable run event skipped", "queue", s.queue, "error", err)
		return nil, false, nil
	}
	return ev, true, nil
}

// Close deletes the queue and closes the channel.
func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		_, err = s.ch.QueueDelete(s.queue, false, false, false)
		if cerr := s.ch.Close(); err == nil {
			err = cerr
		}
	})
	return err
}
