// Package notify delivers gateway notifications to external channels.
package notify

import (
	"context"
	"log/slog"
	"strings"

	"athena/internal/domain"
)

// LogNotifier writes notifications to the log. It is the fallback for
// channels without a delivery backend.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, msg domain.Notification) error {
	n.logger.Info("notification", "channel", msg.Channel, "chat_id", msg.ChatID,
		"kind", msg.Kind, "title", msg.Title, "text_len", len(msg.Text))
	return nil
}

// Mux routes notifications by channel name. A channel "push:android" is
// looked up as "push:android" first and then as "push".
type Mux struct {
	routes   map[string]domain.Notifier
	fallback domain.Notifier
}

// NewMux creates a Mux that sends unrouted notifications to fallback.
func NewMux(fallback domain.Notifier) *Mux {
	return &Mux{routes: make(map[string]domain.Notifier), fallback: fallback}
}

// Handle routes channel to n.
func (m *Mux) Handle(channel string, n domain.Notifier) *Mux {
	m.routes[channel] = n
	return m
}

func (m *Mux) Notify(ctx context.Context, msg domain.Notification) error {
	if n, ok := m.routes[msg.Channel]; ok {
		return n.Notify(ctx, msg)
	}
	if prefix, _, ok := strings.Cut(msg.Channel, ":"); ok {
		if n, ok := m.routes[prefix]; ok {
			return n.Notify(ctx, msg)
		}
	}
	if m.fallback == nil {
		return domain.NewDomainError("notify.Mux", domain.ErrInvalidInput, "no route for channel "+msg.Channel)
	}
	return m.fallback.Notify(ctx, msg)
}
