package domain

import (
	"fmt"
	"slices"
	"time"
)

// QueueClass is a routing class. Each class has its own durable queue,
// its own worker processes and its own agent registry.
type QueueClass string

const (
	QueuePublic    QueueClass = "public"
	QueueSensitive QueueClass = "sensitive"
	// QueueGateway carries cross-service notifications, never agent runs.
	QueueGateway QueueClass = "gateway"
)

// Valid reports whether q names a known routing class.
func (q QueueClass) Valid() bool {
	switch q {
	case QueuePublic, QueueSensitive, QueueGateway:
		return true
	}
	return false
}

// ParseQueueClass converts s to a QueueClass, returning ErrInvalidInput for
// unknown names.
func ParseQueueClass(s string) (QueueClass, error) {
	q := QueueClass(s)
	if !q.Valid() {
		return "", NewDomainError("ParseQueueClass", ErrInvalidInput, fmt.Sprintf("queue %q", s))
	}
	return q, nil
}

// Manifest records what a run may do and its resource ceiling. It is built
// once at admission and travels with the dispatch message.
type Manifest struct {
	AgentIDs         []string          `json:"agent_ids"`
	ToolIDs          []string          `json:"tool_ids"`
	MemoryNamespaces []string          `json:"memory_namespaces"`
	Queue            QueueClass        `json:"queue,omitempty"`
	MaxTokens        int               `json:"max_tokens"`
	MaxCostCents     int               `json:"max_cost_cents"`
	ExpiresAt        *time.Time        `json:"expires_at,omitempty"`
	Metadata         map[string]string `json:"metadata"`
}

// QueueOrDefault returns the manifest queue, defaulting to public.
func (m Manifest) QueueOrDefault() QueueClass {
	if m.Queue == "" {
		return QueuePublic
	}
	return m.Queue
}

// SessionID returns metadata["session_id"] or "".
func (m Manifest) SessionID() string {
	return m.Metadata["session_id"]
}

// Expired reports whether the manifest carries an expiry that lies before now.
func (m Manifest) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

// AllowsTool reports whether name is on the tool allowlist.
func (m Manifest) AllowsTool(name string) bool {
	return slices.Contains(m.ToolIDs, name)
}

// AllowsAgent reports whether id is on the agent allowlist.
func (m Manifest) AllowsAgent(id string) bool {
	return slices.Contains(m.AgentIDs, id)
}

// WithMetadata returns a copy of m with key set to value.
func (m Manifest) WithMetadata(key, value string) Manifest {
	md := make(map[string]string, len(m.Metadata)+1)
	for k, v := range m.Metadata {
		md[k] = v
	}
	md[key] = value
	m.Metadata = md
	return m
}
