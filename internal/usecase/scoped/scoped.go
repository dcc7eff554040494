// Package scoped narrows tool and agent access to a run's capability
// manifest.
package scoped

import (
	"fmt"

	"athena/internal/domain"
)

// NewToolExecutor wraps inner with a filter that only exposes the tools on
// m.ToolIDs. A nil manifest returns inner unchanged; a manifest with an
// empty list exposes nothing.
func NewToolExecutor(inner domain.ToolExecutor, m *domain.Manifest) domain.ToolExecutor {
	if m == nil {
		return inner
	}
	allowed := make(map[string]bool, len(m.ToolIDs))
	for _, name := range m.ToolIDs {
		allowed[name] = true
	}
	return &toolExecutor{inner: inner, allowed: allowed}
}

type toolExecutor struct {
	inner   domain.ToolExecutor
	allowed map[string]bool
}

func (s *toolExecutor) Get(name string) (domain.Tool, error) {
	if !s.allowed[name] {
		return nil, notAllowed("tool", name)
	}
	return s.inner.Get(name)
}

func (s *toolExecutor) Schemas() []domain.ToolSchema {
	all := s.inner.Schemas()
	filtered := make([]domain.ToolSchema, 0, len(s.allowed))
	for _, schema := range all {
		if s.allowed[schema.Name] {
			filtered = append(filtered, schema)
		}
	}
	return filtered
}

// CheckTool reports whether m permits calling tool name. Callers holding
// PermManifestSkip, or calling without a manifest, fall back to role checks.
func CheckTool(m *domain.Manifest, roles []domain.AuthRole, name string) error {
	if m == nil || domain.HasPermission(roles, domain.PermManifestSkip) {
		return nil
	}
	if !m.AllowsTool(name) {
		return notAllowed("tool", name)
	}
	return nil
}

// CheckAgent reports whether m permits running agentID.
func CheckAgent(m *domain.Manifest, roles []domain.AuthRole, agentID string) error {
	if m == nil || domain.HasPermission(roles, domain.PermManifestSkip) {
		return nil
	}
	if !m.AllowsAgent(agentID) {
		return notAllowed("agent", agentID)
	}
	return nil
}

func notAllowed(kind, name string) error {
	return domain.NewDomainError("scoped.Check", domain.ErrNotAllowed, fmt.Sprintf("%s %q", kind, name))
}
