package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"athena/internal/domain"
	"athena/internal/usecase/agentgraph"
	"athena/internal/usecase/graph"
)

// Classification labels.
const (
	ClassWork           = "work"
	ClassNeutral        = "neutral"
	ClassDistraction    = "distraction"
	ClassUnhealthyHabit = "unhealthy_habit"
)

// Decisions.
const (
	DecisionAllow  = "allow"
	DecisionNudge  = "nudge"
	DecisionBlock  = "block"
	DecisionAppeal = "appeal"
)

// Verdict is the guardian's answer for one device event.
type Verdict struct {
	EventID         string `json:"event_id"`
	Decision        string `json:"decision"`
	PermitTTL       int    `json:"permit_ttl"`
	AppealAvailable bool   `json:"appeal_available"`
	Message         string `json:"message"`
}

func guardianEntry() agentgraph.Entry {
	return agentgraph.Entry{
		Config: domain.AgentConfig{
			Name:        "Guardian",
			Description: "Fast allow, nudge, block or appeal for a device event from classification and strictness.",
			ModelName:   "gpt-5-nano",
			Temperature: temperature(0),
		},
		Build: buildGuardian,
	}
}

func buildGuardian(deps agentgraph.Deps) (*graph.Graph, error) {
	g := graph.New().
		AddNode("assemble", func(ctx context.Context, s graph.State) (graph.State, error) {
			return assemble(ctx, deps, s)
		}).
		AddNode("classify", func(ctx context.Context, s graph.State) (graph.State, error) {
			return classify(ctx, deps.Model, s)
		}).
		AddNode("allow", func(_ context.Context, s graph.State) (graph.State, error) {
			return verdictState(Verdict{EventID: s.String("event_id"), Decision: DecisionAllow}), nil
		}).
		AddNode("decide", func(_ context.Context, s graph.State) (graph.State, error) {
			v := Decide(s.String("classification"), s.Int("strictness", domain.DefaultStrictness))
			v.EventID = s.String("event_id")
			return verdictState(v), nil
		}).
		AddNode("project", func(ctx context.Context, s graph.State) (graph.State, error) {
			return project(ctx, deps.Services, s)
		}).
		AddEdge("assemble", "classify").
		AddConditionalEdges("classify", func(s graph.State) string {
			if s.String("classification") == ClassWork {
				return ClassWork
			}
			return "other"
		}, map[string]string{ClassWork: "allow", "other": "decide"}).
		AddEdge("allow", "project").
		AddEdge("decide", "project").
		AddEdge("project", graph.End).
		SetEntry("assemble")
	return g, nil
}

// assemble derives host, path and activity from the event and loads the
// session's current strictness and goal.
func assemble(ctx context.Context, deps agentgraph.Deps, s graph.State) (graph.State, error) {
	out := graph.State{"host": "", "path": "/", "package": strings.TrimSpace(s.String("app")), "activity": ""}
	if raw := s.String("url"); raw != "" {
		if u, err := url.Parse(raw); err == nil {
			out["host"] = u.Hostname()
			if u.Path != "" {
				out["path"] = u.Path
			}
			if u.Scheme == "app" || u.Scheme == "android-app" {
				out["activity"] = strings.TrimPrefix(u.Path, "/")
			}
		}
	}

	sessionID := s.String("session_id")
	now := deps.Clock()
	strictness, goal := domain.DefaultStrictness, ""
	if deps.Policy != nil {
		var err error
		if strictness, err = deps.Policy.Strictness(ctx, sessionID, now); err != nil {
			return nil, err
		}
		if goal, err = deps.Policy.Goal(ctx, sessionID, now); err != nil {
			return nil, err
		}
	}
	out["strictness"] = strictness
	out["goal"] = goal
	return out, nil
}

func classify(ctx context.Context, model domain.ChatModel, s graph.State) (graph.State, error) {
	prompt := fmt.Sprintf("strictness=%d\ngoal=%s\nhost=%s\napp=%s\npath=%s\nactivity=%s\ntitle=%s",
		s.Int("strictness", domain.DefaultStrictness), s.String("goal"), s.String("host"),
		s.String("app"), s.String("path"), s.String("activity"), s.String("title"))
	reply, err := chat(ctx, model, true, classifyPrompt, user(prompt))
	if err != nil {
		return nil, err
	}
	return graph.State{"classification": ParseClassification(reply)}, nil
}

// ParseClassification reads {"classification": ...} from a model reply,
// falling back to a substring search and finally to neutral.
func ParseClassification(reply string) string {
	var out struct {
		Classification string `json:"classification"`
	}
	if err := decodeJSON(reply, &out); err == nil {
		if label, ok := knownClass(out.Classification); ok {
			return label
		}
	}
	lower := strings.ToLower(reply)
	for _, label := range []string{ClassUnhealthyHabit, ClassDistraction, ClassNeutral, ClassWork} {
		if strings.Contains(lower, label) {
			return label
		}
	}
	return ClassNeutral
}

func knownClass(s string) (string, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case ClassWork, ClassNeutral, ClassDistraction, ClassUnhealthyHabit:
		return s, true
	}
	return "", false
}

// Decide maps a classification and strictness to a verdict.
func Decide(classification string, strictness int) Verdict {
	switch classification {
	case ClassWork:
		return Verdict{Decision: DecisionAllow}
	case ClassNeutral:
		switch {
		case strictness <= 3:
			return Verdict{Decision: DecisionAllow}
		case strictness <= 6:
			return Verdict{Decision: DecisionNudge, PermitTTL: 2, Message: "2 minutes, then back to focus?"}
		default:
			return Verdict{Decision: DecisionBlock, AppealAvailable: true}
		}
	}
	switch {
	case strictness <= 2:
		return Verdict{Decision: DecisionNudge, PermitTTL: 2, Message: "2 minutes, then close?"}
	case strictness <= 6:
		return Verdict{Decision: DecisionBlock, AppealAvailable: true}
	case strictness <= 8:
		return Verdict{Decision: DecisionAppeal, AppealAvailable: true}
	default:
		return Verdict{Decision: DecisionBlock}
	}
}

func verdictState(v Verdict) graph.State {
	return graph.State{
		"decision":         v.Decision,
		"permit_ttl":       v.PermitTTL,
		"appeal_available": v.AppealAvailable,
		"message":          v.Message,
	}
}

// project publishes the verdict as the assistant text and pushes it to the
// device.
func project(ctx context.Context, svc agentgraph.Services, s graph.State) (graph.State, error) {
	v := Verdict{
		EventID:         s.String("event_id"),
		Decision:        s.String("decision"),
		PermitTTL:       s.Int("permit_ttl", 0),
		AppealAvailable: s.Bool("appeal_available"),
		Message:         s.String("message"),
	}
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	svc.Log().Info("guardian verdict", "event_id", v.EventID, "decision", v.Decision,
		"classification", s.String("classification"), "strictness", s.Int("strictness", 0))

	if device := s.String("device_id"); device != "" {
		notify(ctx, svc, domain.Notification{
			Channel: "push:" + device,
			Kind:    Guardian,
			Title:   s.String("title"),
			Text:    v.Message,
			Meta: map[string]any{
				"event_id":         v.EventID,
				"decision":         v.Decision,
				"permit_ttl":       v.PermitTTL,
				"appeal_available": v.AppealAvailable,
			},
		})
	}
	return graph.State{"assistant": string(body)}, nil
}
