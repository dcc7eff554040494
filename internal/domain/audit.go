package domain

import (
	"context"
	"time"
)

// AuditEventType categorizes audit trail entries.
type AuditEventType string

const (
	AuditToolExec   AuditEventType = "tool_exec"
	AuditToolDenied AuditEventType = "tool_denied"
)

// Audit outcomes.
const (
	AuditOutcomeOK     = "ok"
	AuditOutcomeError  = "error"
	AuditOutcomeDenied = "denied"
)

// AuditEvent is one entry of the audit trail.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      AuditEventType    `json:"type"`
	Actor     string            `json:"actor,omitempty"`
	RunID     string            `json:"run_id,omitempty"`
	Resource  string            `json:"resource,omitempty"`
	Action    string            `json:"action,omitempty"`
	Outcome   string            `json:"outcome,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// Auditor records audit events.
type Auditor interface {
	Log(ctx context.Context, event AuditEvent) error
}
