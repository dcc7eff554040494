package tool

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"athena/internal/domain"
)

// AuditedTool records every call of the wrapped tool on an audit trail.
type AuditedTool struct {
	domain.Tool
	auditor domain.Auditor
	logger  *slog.Logger
}

// Audited wraps t so each Execute is written to auditor. A nil auditor
// returns t unchanged.
func Audited(t domain.Tool, auditor domain.Auditor, logger *slog.Logger) domain.Tool {
	if auditor == nil {
		return t
	}
	return &AuditedTool{Tool: t, auditor: auditor, logger: logger}
}

// auditedParams are the fields lifted from tool params into the trail.
type auditedParams struct {
	Op         string `json:"op"`
	Action     string `json:"action"`
	Collection string `json:"collection"`
}

func (a *AuditedTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	res, err := a.Tool.Execute(ctx, params)

	event := domain.AuditEvent{
		Type:     domain.AuditToolExec,
		RunID:    domain.RunIDFromContext(ctx),
		Resource: a.Tool.Name(),
		Outcome:  domain.AuditOutcomeOK,
	}
	if m := domain.ManifestFromContext(ctx); m != nil {
		event.Actor = m.Metadata["actor"]
	}

	var p auditedParams
	if json.Unmarshal(params, &p) == nil {
		event.Action = p.Op
		if event.Action == "" {
			event.Action = p.Action
		}
		if p.Collection != "" {
			event.Detail = map[string]string{"collection": p.Collection}
		}
	}

	switch {
	case errors.Is(err, domain.ErrPermissionDenied):
		event.Type = domain.AuditToolDenied
		event.Outcome = domain.AuditOutcomeDenied
	case err != nil || (res != nil && res.IsError):
		event.Outcome = domain.AuditOutcomeError
	}

	if lerr := a.auditor.Log(ctx, event); lerr != nil {
		a.logger.Warn("audit write failed", "tool", event.Resource, "error", lerr)
	}
	return res, err
}
