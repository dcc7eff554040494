package admission

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// GuardianAgent handles device attempt runs.
const GuardianAgent = "guardian"

// DeviceEvent is one app or site open reported by a device.
type DeviceEvent struct {
	DeviceID string `json:"device_id"`
	EventID  string `json:"event_id,omitempty"`
	App      string `json:"app,omitempty"`
	URL      string `json:"url,omitempty"`
	Title    string `json:"title,omitempty"`
	TS       string `json:"ts,omitempty"`
}

// AttemptReceipt tells the device where to wait for the verdict.
type AttemptReceipt struct {
	RunID    string `json:"run_id"`
	Decision string `json:"decision"`
	SSE      string `json:"sse"`
}

// DeviceAttempt admits a guardian run for ev on the sensitive class. The
// event id doubles as the run id, so resubmitting an event reuses its stream.
// Events without an id get a fresh one.
func (s *Service) DeviceAttempt(ctx context.Context, actor string, ev DeviceEvent) (*AttemptReceipt, error) {
	ev.EventID = strings.TrimSpace(ev.EventID)
	if ev.EventID == "" {
		ev.EventID = s.NewRunID()
	}
	payload := map[string]any{
		"device_id": ev.DeviceID,
		"event_id":  ev.EventID,
		"app":       ev.App,
		"url":       ev.URL,
		"title":     ev.Title,
		"ts":        ev.TS,
		"source":    "device",
	}
	r, err := s.Submit(ctx, actor, GuardianAgent, payload, Options{
		Sensitive: true,
		RunID:     ev.EventID,
		SessionID: ev.DeviceID,
		Limits:    s.cfg.Device,
		Metadata:  map[string]string{"event_id": ev.EventID, "device_id": ev.DeviceID},
	})
	if err != nil {
		return nil, err
	}
	return &AttemptReceipt{
		RunID:    r.RunID,
		Decision: "pending",
		SSE:      fmt.Sprintf("/api/runs/%s/events", r.RunID),
	}, nil
}

// PermitGrant is the answer to a permit request.
type PermitGrant struct {
	EventID string    `json:"event_id"`
	Granted bool      `json:"granted"`
	Until   time.Time `json:"until"`
}

// Permit grants temporary access for eventID. Negative ttls count as zero,
// which grants nothing.
func (s *Service) Permit(eventID string, ttlMinutes int) PermitGrant {
	ttlMinutes = max(ttlMinutes, 0)
	g := PermitGrant{
		EventID: eventID,
		Granted: ttlMinutes > 0,
		Until:   s.cfg.Now().Add(time.Duration(ttlMinutes) * time.Minute).UTC(),
	}
	s.cfg.Logger.Info("device permit", "event_id", eventID, "granted", g.Granted, "ttl_minutes", ttlMinutes)
	return g
}
