// Package rpc is the transport-neutral RPC surface. The WebSocket gateway and
// the MCP server both dispatch into a Service.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"athena/internal/domain"
	"athena/internal/infra/metrics"
	"athena/internal/infra/tracer"
	"athena/internal/usecase/admission"
	"athena/internal/usecase/agentgraph"
)

// Handler executes one method. Caller roles travel in ctx.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Method describes one RPC method.
type Method struct {
	Name        string
	Description string
	Perm        domain.Permission
	// Schema is the JSON schema of params, advertised to MCP clients.
	Schema  json.RawMessage
	Handler Handler
}

// Executor runs a dispatch synchronously.
type Executor interface {
	Execute(ctx context.Context, d domain.Dispatch) domain.RunResult
}

// Admitter builds manifests and enqueues runs.
type Admitter interface {
	NewRunID() string
	Manifest(actor, agentID string, opts admission.Options) domain.Manifest
	Submit(ctx context.Context, actor, agentID string, payload map[string]any, opts admission.Options) (*admission.Receipt, error)
}

// ToolCaller is the tool registry seen from the RPC surface.
type ToolCaller interface {
	domain.ToolExecutor
	Call(ctx context.Context, name string, args json.RawMessage) (*domain.ToolResult, error)
}

// Policy reads and writes per-session schedules.
type Policy interface {
	Load(ctx context.Context, sessionID string) ([]domain.ScheduleBlock, error)
	Save(ctx context.Context, sessionID string, blocks []domain.ScheduleBlock) error
	Strictness(ctx context.Context, sessionID string, now time.Time) (int, error)
	Goal(ctx context.Context, sessionID string, now time.Time) (string, error)
}

// Deps wires a Service. Any dependency may be nil; methods that need it
// then fail with ErrStoreUnavailable.
type Deps struct {
	Agents    agentgraph.Set
	Executor  Executor
	Admission Admitter
	Runs      domain.RunStatusStore
	Policy    Policy
	Tools     ToolCaller
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// Service holds the method table.
type Service struct {
	deps    Deps
	methods map[string]Method
	order   []string
}

// New creates a Service with every built-in method registered.
func New(deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Service{deps: deps, methods: make(map[string]Method)}
	s.registerBuiltins()
	return s
}

// Register adds m. A duplicate name fails.
func (s *Service) Register(m Method) error {
	if m.Name == "" || m.Handler == nil {
		return domain.NewDomainError("rpc.Register", domain.ErrInvalidInput, "method name and handler required")
	}
	if _, ok := s.methods[m.Name]; ok {
		return domain.NewDomainError("rpc.Register", domain.ErrDuplicate, m.Name)
	}
	if len(m.Schema) == 0 {
		m.Schema = json.RawMessage(`{"type":"object"}`)
	}
	s.methods[m.Name] = m
	s.order = append(s.order, m.Name)
	return nil
}

// Methods lists the registered methods in registration order.
func (s *Service) Methods() []Method {
	out := make([]Method, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.methods[name])
	}
	return out
}

// Call authorizes and runs method. The caller's roles must be attached to
// ctx with domain.ContextWithRoles.
func (s *Service) Call(ctx context.Context, method string, params json.RawMessage) (result any, err error) {
	ctx, span := tracer.StartSpan(ctx, "rpc."+method,
		trace.WithAttributes(tracer.StringAttr("rpc.method", method)),
	)
	defer span.End()
	defer func() {
		code := "ok"
		if err != nil {
			code = ErrorCode(err)
			tracer.RecordError(span, err)
		} else {
			tracer.SetOK(span)
		}
		s.deps.Metrics.RPCCall(method, code)
	}()

	m, ok := s.methods[method]
	if !ok {
		return nil, domain.NewDomainError("rpc.Call", domain.ErrRPCMethodNotFound, method)
	}
	if !domain.HasPermission(domain.RolesFromContext(ctx), m.Perm) {
		s.deps.Logger.Warn("rpc call denied", "method", method, "permission", m.Perm)
		return nil, domain.NewDomainError("rpc.Call", domain.ErrForbidden, string(m.Perm))
	}
	if len(params) == 0 || string(params) == "null" {
		params = json.RawMessage(`{}`)
	}
	return m.Handler(ctx, params)
}

// ErrorCode renders err as the lower-case wire code, e.g. "not_allowed".
func ErrorCode(err error) string {
	return strings.ToLower(string(domain.ErrorCodeOf(err)))
}

func decode[P any](params json.RawMessage) (P, error) {
	var p P
	if err := json.Unmarshal(params, &p); err != nil {
		return p, domain.NewDomainError("rpc.decode", domain.ErrRPCInvalidPayload, err.Error())
	}
	return p, nil
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return domain.NewDomainError("rpc", domain.ErrRPCInvalidPayload, fmt.Sprintf("%s required", field))
	}
	return nil
}

func unavailable(method string) error {
	return domain.NewDomainError(method, domain.ErrStoreUnavailable, "backend not configured")
}

type callerKey struct{}

// ContextWithCaller records the authenticated caller name; it becomes the
// manifest actor of runs admitted through the RPC surface.
func ContextWithCaller(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, callerKey{}, name)
}

// CallerFromContext returns the caller name, or "rpc" when unset.
func CallerFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(callerKey{}).(string); ok && v != "" {
		return v
	}
	return "rpc"
}
