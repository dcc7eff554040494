// Package agentgraph holds the per-class agent registries. Each routing class
// gets its own registry type so a worker can only ever be wired with the
// agents of the class it consumes.
package agentgraph

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"athena/internal/domain"
	"athena/internal/usecase/graph"
)

// Class is a routing-class marker type.
type Class interface {
	Queue() domain.QueueClass
}

// Public marks the registry consumed by public workers.
type Public struct{}

func (Public) Queue() domain.QueueClass { return domain.QueuePublic }

// Sensitive marks the registry consumed by sensitive workers.
type Sensitive struct{}

func (Sensitive) Queue() domain.QueueClass { return domain.QueueSensitive }

// Policy answers schedule questions for a session.
type Policy interface {
	Strictness(ctx context.Context, sessionID string, now time.Time) (int, error)
	Goal(ctx context.Context, sessionID string, now time.Time) (string, error)
}

// Services are long-lived collaborators fixed at wiring time.
type Services struct {
	Schedules domain.ScheduleStore
	Policy    Policy
	Tasks     domain.TaskQueue
	Logger    *slog.Logger
	Now       func() time.Time
}

// Log returns s.Logger or a discarding logger.
func (s Services) Log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.New(slog.DiscardHandler)
}

// Clock returns s.Now or time.Now.
func (s Services) Clock() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Deps is what a graph builder receives for one invocation. Model, Memory and
// Tools are resolved freshly per run.
type Deps struct {
	Services
	Model  domain.ChatModel
	Memory domain.MemoryFactory
	Tools  domain.ToolExecutor
}

// BuildFunc builds an uncompiled graph for one run.
type BuildFunc func(deps Deps) (*graph.Graph, error)

// Entry is one registered agent.
type Entry struct {
	Config domain.AgentConfig
	Build  BuildFunc
}

// Lookup is the class-erased read view the engine uses.
type Lookup interface {
	Queue() domain.QueueClass
	Get(agentID string) (Entry, bool)
	List() []domain.AgentInfo
}

// Registry maps agent ids to entries for one routing class.
type Registry[C Class] struct {
	mu      sync.RWMutex
	entries map[string]Entry
	logger  *slog.Logger
}

// NewRegistry creates an empty registry for class C.
func NewRegistry[C Class](logger *slog.Logger) *Registry[C] {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry[C]{entries: make(map[string]Entry), logger: logger}
}

// Queue returns the routing class this registry serves.
func (r *Registry[C]) Queue() domain.QueueClass {
	var c C
	return c.Queue()
}

// Register adds an entry. A second registration of the same id fails.
func (r *Registry[C]) Register(agentID string, e Entry) error {
	if agentID == "" || e.Build == nil {
		return domain.NewSubSystemError("agent", "Registry.Register", domain.ErrInvalidInput, "agent id and build function required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[agentID]; exists {
		return domain.NewSubSystemError("agent", "Registry.Register", domain.ErrDuplicate,
			fmt.Sprintf("agent %q already registered for queue %q", agentID, r.Queue()))
	}
	r.entries[agentID] = e
	r.logger.Info("agent registered", "agent_id", agentID, "queue", r.Queue())
	return nil
}

// MustRegister is Register for startup wiring; it panics on failure.
func (r *Registry[C]) MustRegister(agentID string, e Entry) {
	if err := r.Register(agentID, e); err != nil {
		panic(err)
	}
}

// Get returns the entry for agentID.
func (r *Registry[C]) Get(agentID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[agentID]
	return e, ok
}

// List returns the registered agents sorted by id.
func (r *Registry[C]) List() []domain.AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.AgentInfo, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, domain.AgentInfo{
			ID:          id,
			Name:        e.Config.Name,
			Description: e.Config.Description,
			Queue:       r.Queue(),
			ModelName:   e.Config.ModelName,
			Provider:    e.Config.Provider,
			Temperature: e.Config.Temperature,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Set bundles the class registries for callers that span both classes, such
// as the RPC surface. A worker is only ever given one of them.
type Set struct {
	Public    *Registry[Public]
	Sensitive *Registry[Sensitive]
}

// For returns the registry serving q, or nil for classes without agents.
func (s Set) For(q domain.QueueClass) Lookup {
	switch q {
	case domain.QueuePublic:
		if s.Public != nil {
			return s.Public
		}
	case domain.QueueSensitive:
		if s.Sensitive != nil {
			return s.Sensitive
		}
	}
	return nil
}
