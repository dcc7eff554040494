package engine

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"

	"athena/internal/domain"
	"athena/internal/usecase/scoped"
)

var nestedSeq atomic.Uint64

// ListAgents lists agents visible from ctx: the class of the attached
// manifest, or every class the engine holds.
func (e *Engine) ListAgents(ctx context.Context) []domain.AgentInfo {
	var out []domain.AgentInfo
	for _, q := range e.classes(domain.ManifestFromContext(ctx)) {
		if l := e.cfg.Registries.For(q); l != nil {
			out = append(out, l.List()...)
		}
	}
	return out
}

// RunAgent runs agentID synchronously as a nested run. The nested run
// inherits the caller's manifest ceilings and is subject to its agent
// allowlist.
func (e *Engine) RunAgent(ctx context.Context, agentID string, payload map[string]any) domain.RunResult {
	parent := domain.ManifestFromContext(ctx)
	if err := scoped.CheckAgent(parent, domain.RolesFromContext(ctx), agentID); err != nil {
		return domain.ErrorResult(err.Error())
	}

	var m domain.Manifest
	if parent != nil {
		m = *parent
	}
	for _, q := range e.classes(parent) {
		l := e.cfg.Registries.For(q)
		if l == nil {
			continue
		}
		if _, ok := l.Get(agentID); !ok {
			continue
		}
		m.Queue = q
		m.AgentIDs = []string{agentID}
		return e.Execute(ctx, domain.Dispatch{
			RunID:    nestedRunID(domain.RunIDFromContext(ctx), agentID),
			AgentID:  agentID,
			Payload:  payload,
			Manifest: m,
		})
	}
	queue := domain.QueuePublic
	if parent != nil {
		queue = parent.QueueOrDefault()
	}
	return domain.ErrorResult(fmt.Sprintf("Agent '%s' not found for queue '%s'", agentID, queue))
}

func (e *Engine) classes(m *domain.Manifest) []domain.QueueClass {
	all := []domain.QueueClass{domain.QueuePublic, domain.QueueSensitive}
	if m == nil {
		return all
	}
	q := m.QueueOrDefault()
	if !slices.Contains(all, q) {
		return nil
	}
	return []domain.QueueClass{q}
}

func nestedRunID(parent, agentID string) string {
	if parent == "" {
		parent = "adhoc"
	}
	return fmt.Sprintf("%s.%s.%d", parent, agentID, nestedSeq.Add(1))
}
