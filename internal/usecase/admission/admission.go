// Package admission turns client requests into dispatch messages on the
// routing-class queues. It never executes anything itself.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"athena/internal/domain"
	"athena/internal/infra/metrics"
	"athena/internal/infra/tracer"
)

// Limits are the manifest ceilings applied at admission.
type Limits struct {
	MaxTokens    int
	MaxCostCents int
}

// DefaultLimits apply to ordinary runs.
var DefaultLimits = Limits{MaxTokens: 20000, MaxCostCents: 50}

// DeviceLimits apply to device attempt runs.
var DeviceLimits = Limits{MaxTokens: 2000, MaxCostCents: 10}

// Options adjust one submission.
type Options struct {
	// Sensitive routes the run to the sensitive class.
	Sensitive bool
	// RunID replaces the generated id; used as an idempotency key.
	RunID string
	// SessionID is recorded as metadata.session_id.
	SessionID string
	// ToolIDs populate the manifest tool allowlist.
	ToolIDs []string
	// Metadata is merged into the manifest metadata.
	Metadata map[string]string
	// Limits override the service defaults when non-zero.
	Limits Limits
	// TTL sets the manifest expiry relative to now.
	TTL time.Duration
}

// Receipt is returned to the client once a run is queued.
type Receipt struct {
	RunID  string `json:"run_id"`
	Queued bool   `json:"queued"`
}

// Config wires a Service.
type Config struct {
	Tasks   domain.TaskQueue
	Limits  Limits
	Device  Limits
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Service admits runs.
type Service struct {
	cfg Config

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// New creates a Service.
func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Limits == (Limits{}) {
		cfg.Limits = DefaultLimits
	}
	if cfg.Device == (Limits{}) {
		cfg.Device = DeviceLimits
	}
	now := cfg.Now()
	return &Service{
		cfg:     cfg,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(now.UnixNano())), 0),
	}
}

// NewRunID returns a fresh ULID.
func (s *Service) NewRunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.cfg.Now()
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String()
}

// Submit builds a manifest for agentID and enqueues the dispatch on the
// manifest's class queue. Nothing is written besides the queue message; the
// worker records run status once it consumes the dispatch.
func (s *Service) Submit(ctx context.Context, actor, agentID string, payload map[string]any, opts Options) (*Receipt, error) {
	ctx, span := tracer.StartSpan(ctx, "admission.submit",
		trace.WithAttributes(tracer.StringAttr("agent.id", agentID)),
	)
	defer span.End()

	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		s.cfg.Metrics.RunRejected("agent_id_missing")
		err := domain.NewDomainError("admission.Submit", domain.ErrInvalidInput, "agent_id required")
		tracer.RecordError(span, err)
		return nil, err
	}

	runID := strings.TrimSpace(opts.RunID)
	if runID == "" {
		runID = s.NewRunID()
	}
	m := s.Manifest(actor, agentID, opts)
	queue := m.QueueOrDefault()
	span.SetAttributes(tracer.StringAttr("run.id", runID), tracer.StringAttr("run.queue", string(queue)))

	if payload == nil {
		payload = map[string]any{}
	}
	task, err := domain.NewDispatchTask(domain.Dispatch{RunID: runID, AgentID: agentID, Payload: payload, Manifest: m})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.NewDomainError("admission.Submit", domain.ErrInvalidInput, err.Error())
	}

	if err := s.cfg.Tasks.Enqueue(ctx, queue, task); err != nil {
		s.cfg.Metrics.RunRejected("enqueue_failed")
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("enqueue run %s: %w", runID, err)
	}

	s.cfg.Metrics.RunAdmitted(string(queue), agentID)
	s.cfg.Logger.Info("run admitted", "run_id", runID, "agent_id", agentID, "queue", string(queue), "actor", actor)
	tracer.SetOK(span)
	return &Receipt{RunID: runID, Queued: true}, nil
}

// Manifest builds the capability manifest for one submission.
func (s *Service) Manifest(actor, agentID string, opts Options) domain.Manifest {
	limits := s.cfg.Limits
	if opts.Limits.MaxTokens > 0 {
		limits.MaxTokens = opts.Limits.MaxTokens
	}
	if opts.Limits.MaxCostCents > 0 {
		limits.MaxCostCents = opts.Limits.MaxCostCents
	}

	queue := domain.QueuePublic
	if opts.Sensitive {
		queue = domain.QueueSensitive
	}

	md := make(map[string]string, len(opts.Metadata)+2)
	maps.Copy(md, opts.Metadata)
	md["actor"] = actor
	if opts.SessionID != "" {
		md["session_id"] = opts.SessionID
	}

	m := domain.Manifest{
		AgentIDs:         []string{agentID},
		ToolIDs:          append([]string{}, opts.ToolIDs...),
		MemoryNamespaces: []string{},
		Queue:            queue,
		MaxTokens:        limits.MaxTokens,
		MaxCostCents:     limits.MaxCostCents,
		Metadata:         md,
	}
	if opts.TTL > 0 {
		exp := s.cfg.Now().Add(opts.TTL).UTC()
		m.ExpiresAt = &exp
	}
	return m
}
