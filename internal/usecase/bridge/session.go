package bridge

import (
	"context"
	"errors"
	"log/slog"
	"maps"

	"athena/internal/domain"
	"athena/internal/usecase/admission"
)

// Submitter admits runs.
type Submitter interface {
	Submit(ctx context.Context, actor, agentID string, payload map[string]any, opts admission.Options) (*admission.Receipt, error)
}

// Conversation agents that may be driven over a socket.
const (
	AgentJournaling = "journaling"
	AgentAppeals    = "appeals"
)

// SocketAgents lists the agents served on /ws/{agent}/{session}.
var SocketAgents = []string{AgentJournaling, AgentAppeals}

// Session is one socket conversation. Every run it admits uses the session
// id as run id, so all of them stream on the same routing key.
type Session struct {
	Agent     string
	SessionID string
	Actor     string

	submit Submitter
	logger *slog.Logger
}

// NewSession creates a session for agent. Agents outside SocketAgents are
// rejected with ErrNotFound.
func NewSession(submit Submitter, agent, sessionID, actor string, logger *slog.Logger) (*Session, error) {
	switch agent {
	case AgentJournaling, AgentAppeals:
	default:
		return nil, domain.NewSubSystemError("agent", "bridge.NewSession", domain.ErrNotFound, agent)
	}
	if sessionID == "" {
		return nil, domain.NewDomainError("bridge.NewSession", domain.ErrInvalidInput, "session id required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Session{Agent: agent, SessionID: sessionID, Actor: actor, submit: submit, logger: logger}, nil
}

func (s *Session) run(ctx context.Context, payload map[string]any) error {
	p := maps.Clone(payload)
	if p == nil {
		p = map[string]any{}
	}
	if _, ok := p["session_id"]; !ok {
		p["session_id"] = s.SessionID
	}
	_, err := s.submit.Submit(ctx, s.Actor, s.Agent, p, admission.Options{
		Sensitive: true,
		RunID:     s.SessionID,
		SessionID: s.SessionID,
	})
	return err
}

// Connect starts the opening run. Journaling greets or resumes the stored
// history; appeals opens the mediation with an empty message.
func (s *Session) Connect(ctx context.Context, seed map[string]any) error {
	payload := map[string]any{"text": ""}
	if s.Agent == AgentJournaling {
		payload = map[string]any{"connect": true}
		maps.Copy(payload, seed)
	}
	return s.run(ctx, payload)
}

// Inbound admits a run for one client frame and returns the reply frame.
func (s *Session) Inbound(ctx context.Context, raw []byte) WSFrame {
	payload, err := ParseInbound(raw)
	if err != nil {
		return WSFrame{Type: "error", Message: "invalid json"}
	}
	if err := s.run(ctx, payload); err != nil {
		s.logger.Warn("socket run not admitted", "session_id", s.SessionID, "agent_id", s.Agent, "error", err)
		return WSFrame{Type: "error", Message: errorMessage(err)}
	}
	return WSFrame{Type: "accepted", RunID: s.SessionID}
}

// Disconnect submits the closing run for journaling so the agent can publish
// a history snapshot, and returns the frame announcing the close. Other
// agents have nothing to do on close.
func (s *Session) Disconnect(ctx context.Context) (*WSFrame, error) {
	if s.Agent != AgentJournaling {
		return nil, nil
	}
	if err := s.run(ctx, map[string]any{"disconnect": true}); err != nil {
		return nil, err
	}
	return &WSFrame{Type: "message", Disconnect: true}, nil
}

func errorMessage(err error) string {
	var de *domain.DomainError
	if errors.As(err, &de) && de.Detail != "" {
		return de.Detail
	}
	return err.Error()
}
