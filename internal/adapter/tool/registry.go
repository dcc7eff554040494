package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"athena/internal/domain"
	"athena/internal/infra/metrics"
)

// Registry holds named tools.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]domain.Tool
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Registry.
type Option func(*Registry)

// WithMetrics records every Call outcome on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Registry{
		tools:  make(map[string]domain.Tool),
		logger: logger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds a tool wrapped with required-argument validation.
// It fails if the name is taken or the tool's schema does not compile.
func (r *Registry) Register(t domain.Tool) error {
	name := t.Name()
	if name == "" {
		return domain.NewSubSystemError("tool", "Registry.Register", domain.ErrInvalidInput, "empty tool name")
	}

	wrapped, err := WithSchemaValidation(t)
	if err != nil {
		return domain.NewSubSystemError("tool", "Registry.Register", domain.ErrInvalidInput, err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return domain.NewSubSystemError("tool", "Registry.Register", domain.ErrDuplicate, fmt.Sprintf("tool %q already registered", name))
	}
	r.tools[name] = wrapped
	r.logger.Debug("tool registered", "tool", name)
	return nil
}

// MustRegister is Register for startup wiring; it panics on failure.
func (r *Registry) MustRegister(tools ...domain.Tool) {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (domain.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrToolNotFound, name)
	}
	return t, nil
}

// Call looks up name and executes it with args. A nil or empty args is
// treated as an empty object.
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) (*domain.ToolResult, error) {
	t, err := r.Get(name)
	if err != nil {
		r.metrics.ToolCall(name, "unknown")
		return nil, err
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	res, err := t.Execute(ctx, args)
	switch {
	case errors.Is(err, domain.ErrPermissionDenied):
		r.metrics.ToolCall(name, "denied")
		r.logger.Warn("tool call denied", "tool", name, "run_id", domain.RunIDFromContext(ctx), "error", err)
	case err != nil:
		r.metrics.ToolCall(name, "error")
	case res != nil && res.IsError:
		r.metrics.ToolCall(name, "error")
	default:
		r.metrics.ToolCall(name, "ok")
	}
	return res, err
}

// List returns all registered tools ordered by name.
func (r *Registry) List() []domain.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]domain.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}

// Schemas returns all tool schemas ordered by name.
func (r *Registry) Schemas() []domain.ToolSchema {
	tools := r.List()
	schemas := make([]domain.ToolSchema, 0, len(tools))
	for _, t := range tools {
		schemas = append(schemas, t.Schema())
	}
	return schemas
}
