package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"athena/internal/adapter/broker"
	"athena/internal/domain"
	"athena/internal/infra/metrics"
)

// Publisher sends run events on a short-lived connection per call. Failures
// are logged and never returned.
type Publisher struct {
	url     string
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewPublisher creates a Publisher for url.
func NewPublisher(url string, timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *Publisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Publisher{url: url, timeout: timeout, logger: logger, metrics: m}
}

// Publish sends {event, data} with routing key runs.<runID>.
func (p *Publisher) Publish(ctx context.Context, runID string, event domain.EventType, data any) {
	body, err := broker.EncodeEvent(event, data)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		err = p.send(ctx, domain.RoutingKey(runID), body)
		cancel()
	}
	if err != nil {
		p.logger.Warn("run event not published", "run_id", runID, "event", string(event), "error", err)
		p.metrics.EventPublished(string(event), "error")
		return
	}
	p.metrics.EventPublished(string(event), "ok")
}

func (p *Publisher) send(ctx context.Context, key string, body []byte) error {
	conn, err := dial(p.url)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	defer ch.Close()

	if err := DeclareRunsExchange(ch); err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, domain.RunsExchange, key, false, false, amqp091.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now().UTC(),
		Body:        body,
	})
}
