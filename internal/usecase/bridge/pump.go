// Package bridge turns run events on the broker into frames for a live
// client connection.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"athena/internal/domain"
)

// Poll intervals per transport.
const (
	SSEInterval = time.Second
	WSInterval  = 200 * time.Millisecond
)

// Sink receives what a pump reads.
type Sink interface {
	Event(ctx context.Context, ev *domain.RunEvent) error
	Heartbeat(ctx context.Context) error
}

// Pump polls one ephemeral subscription and forwards its events to a Sink.
type Pump struct {
	subscriber domain.Subscriber
	interval   time.Duration
	logger     *slog.Logger
}

// NewPump creates a pump polling every interval when the queue is empty.
func NewPump(subscriber domain.Subscriber, interval time.Duration, logger *slog.Logger) *Pump {
	if interval <= 0 {
		interval = SSEInterval
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pump{subscriber: subscriber, interval: interval, logger: logger}
}

// Open subscribes to key. Callers that need to report subscription failures
// before streaming call Open and then Run.
func (p *Pump) Open(ctx context.Context, key string) (domain.Subscription, error) {
	sub, err := p.subscriber.Subscribe(ctx, domain.RoutingKey(key))
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", key, err)
	}
	return sub, nil
}

// Run forwards events from sub until ctx is done, the sink fails or the
// broker fails. Pending events are drained before each heartbeat. Run
// closes sub. A cancelled ctx returns nil.
func (p *Pump) Run(ctx context.Context, sub domain.Subscription, sink Sink) error {
	defer func() {
		if err := sub.Close(); err != nil {
			p.logger.Debug("bridge subscription close", "error", err)
		}
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		for {
			ev, ok, err := sub.TryNext(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("poll: %w", err)
			}
			if !ok {
				break
			}
			if err := sink.Event(ctx, ev); err != nil {
				return fmt.Errorf("forward %s: %w", ev.Event, err)
			}
		}
		if err := sink.Heartbeat(ctx); err != nil {
			return fmt.Errorf("heartbeat: %w", err)
		}
		timer.Reset(p.interval)
	}
}

// Stream is Open followed by Run.
func (p *Pump) Stream(ctx context.Context, key string, sink Sink) error {
	sub, err := p.Open(ctx, key)
	if err != nil {
		return err
	}
	return p.Run(ctx, sub, sink)
}
