// Package engine executes one dispatched run: it resolves the agent in the
// registry of the run's routing class, builds and invokes its graph, then
// publishes the outcome on the run's event stream.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"go.opentelemetry.io/otel/trace"

	"athena/internal/domain"
	"athena/internal/infra/metrics"
	"athena/internal/infra/tracer"
	"athena/internal/usecase/agentgraph"
	"athena/internal/usecase/graph"
	"athena/internal/usecase/scoped"
)

// ModelProvider resolves a fresh model handle for one run.
type ModelProvider interface {
	ModelFor(agentID string, cfg domain.AgentConfig, maxTokens int) (domain.ChatModel, error)
}

// Dumper is implemented by results that know their own plain form.
type Dumper interface {
	Dump() map[string]any
}

// Config wires an Engine.
type Config struct {
	Registries agentgraph.Set
	Models     ModelProvider
	Memory     domain.MemoryFactory
	Tools      domain.ToolExecutor
	Services   agentgraph.Services
	Publisher  domain.EventPublisher
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	MaxSteps   int
	Now        func() time.Time
}

// Engine runs dispatches synchronously. It is safe for concurrent use; every
// run gets its own model handle, memory handle and compiled graph.
type Engine struct {
	cfg Config
}

// New creates an Engine.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Services.Logger == nil {
		cfg.Services.Logger = cfg.Logger
	}
	if cfg.Services.Now == nil {
		cfg.Services.Now = cfg.Now
	}
	return &Engine{cfg: cfg}
}

// Execute runs d and reports its outcome. It never panics and never returns
// run-scoped failures as Go errors.
func (e *Engine) Execute(ctx context.Context, d domain.Dispatch) (res domain.RunResult) {
	queue := d.Manifest.QueueOrDefault()
	started := e.cfg.Now()

	ctx, span := tracer.StartSpan(ctx, "engine.execute",
		trace.WithAttributes(
			tracer.StringAttr("run.id", d.RunID),
			tracer.StringAttr("agent.id", d.AgentID),
			tracer.StringAttr("run.queue", string(queue)),
		),
	)
	defer span.End()

	logger := e.cfg.Logger.With("run_id", d.RunID, "agent_id", d.AgentID, "queue", queue)
	defer func() {
		e.cfg.Metrics.RunCompleted(string(queue), d.AgentID, res.Status, e.cfg.Now().Sub(started))
	}()

	lookup := e.cfg.Registries.For(queue)
	var entry agentgraph.Entry
	found := false
	if lookup != nil {
		entry, found = lookup.Get(d.AgentID)
	}
	if !found {
		logger.Error("agent not found in registry")
		msg := fmt.Sprintf("Agent '%s' not found for queue '%s'", d.AgentID, queue)
		tracer.RecordError(span, domain.NewDomainError("Engine.Execute", domain.ErrAgentNotFound, msg))
		return domain.ErrorResult(msg)
	}

	if d.Manifest.Expired(e.cfg.Now()) {
		logger.Warn("manifest expired", "expires_at", d.Manifest.ExpiresAt)
		return e.fail(ctx, d.RunID, span, domain.ErrManifestExpired.Error())
	}

	logger.Info("running agent")

	result, steps, err := e.invoke(ctx, d, entry)
	if steps > 0 {
		e.cfg.Metrics.GraphSteps(d.AgentID, steps)
	}
	if err != nil {
		logger.Error("agent failed", "error", err, "steps", steps)
		return e.fail(ctx, d.RunID, span, err.Error())
	}

	completed := e.publishResult(ctx, d.RunID, result)
	tracer.SetOK(span)
	logger.Info("agent completed", "steps", steps, "duration", e.cfg.Now().Sub(started))
	return domain.RunResult{
		Status:  domain.StatusOK,
		RunID:   d.RunID,
		AgentID: d.AgentID,
		Result:  completed,
		Ack:     true,
	}
}

// invoke is the recovery boundary around graph build and invocation.
func (e *Engine) invoke(ctx context.Context, d domain.Dispatch, entry agentgraph.Entry) (out map[string]any, steps int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent panicked: %v", r)
		}
	}()

	model, err := e.cfg.Models.ModelFor(d.AgentID, entry.Config, d.Manifest.MaxTokens)
	if err != nil {
		return nil, 0, err
	}

	manifest := d.Manifest
	deps := agentgraph.Deps{
		Services: e.cfg.Services,
		Model:    model,
		Memory:   e.cfg.Memory,
		Tools:    scoped.NewToolExecutor(e.cfg.Tools, &manifest),
	}

	g, err := entry.Build(deps)
	if err != nil {
		return nil, 0, fmt.Errorf("build graph: %w", err)
	}
	compiled, err := g.Compile(graph.WithMaxSteps(e.cfg.MaxSteps), graph.WithName(d.AgentID))
	if err != nil {
		return nil, 0, err
	}

	ctx = domain.ContextWithRunID(ctx, d.RunID)
	ctx = domain.ContextWithManifest(ctx, &manifest)
	input := enrich(d.Payload, manifest)
	if sid, ok := input["session_id"].(string); ok {
		ctx = domain.ContextWithSessionID(ctx, sid)
	}

	run, err := compiled.Run(ctx, input)
	if run != nil {
		steps = run.Steps()
	}
	if err != nil {
		return nil, steps, err
	}
	return Normalize(run.State), steps, nil
}

// enrich copies payload and injects the manifest session id when absent.
func enrich(payload map[string]any, m domain.Manifest) graph.State {
	s := make(graph.State, len(payload)+1)
	maps.Copy(s, payload)
	if sid := m.SessionID(); sid != "" {
		if cur, _ := s["session_id"].(string); cur == "" {
			s["session_id"] = sid
		}
	}
	return s
}

// Normalize converts a graph result to a plain keyed map.
func Normalize(v any) map[string]any {
	switch r := v.(type) {
	case nil:
		return map[string]any{}
	case Dumper:
		return r.Dump()
	case graph.State:
		return map[string]any(r)
	case map[string]any:
		return r
	case string:
		return map[string]any{"assistant": r}
	default:
		return map[string]any{"assistant": fmt.Sprint(r)}
	}
}

// publishResult emits assistant, history_snapshot and run_completed and
// returns the run_completed body.
func (e *Engine) publishResult(ctx context.Context, runID string, result map[string]any) map[string]any {
	assistant, _ := result["assistant"].(string)
	if assistant != "" {
		e.cfg.Publisher.Publish(ctx, runID, domain.EventAssistant, map[string]any{"assistant": assistant})
	}

	completed := map[string]any{"assistant": assistant}
	if snap := asMap(result["history_snapshot"]); snap != nil {
		e.cfg.Publisher.Publish(ctx, runID, domain.EventHistorySnapshot, snap)
		completed["history_snapshot"] = snap
	}
	e.cfg.Publisher.Publish(ctx, runID, domain.EventRunCompleted, completed)
	return completed
}

func (e *Engine) fail(ctx context.Context, runID string, span trace.Span, msg string) domain.RunResult {
	tracer.RecordError(span, fmt.Errorf("%s", msg))
	e.cfg.Publisher.Publish(ctx, runID, domain.EventRunError, map[string]any{"message": msg})
	return domain.ErrorResult(msg)
}

func asMap(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case graph.State:
		return m
	}
	return nil
}
