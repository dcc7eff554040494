package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kaptinlin/jsonschema"

	"athena/internal/domain"
	"athena/internal/usecase/admission"
	"athena/internal/usecase/policy"
	"athena/internal/usecase/scoped"
)

const (
	runSchema = `{
  "type": "object",
  "properties": {
    "run_id": {"type": "string"},
    "agent_id": {"type": "string"},
    "session_id": {"type": "string"},
    "payload": {"type": "object"},
    "manifest": {"type": "object"}
  },
  "required": ["agent_id"]
}`
	statusSchema = `{
  "type": "object",
  "properties": {"run_id": {"type": "string"}, "task_id": {"type": "string"}}
}`
	userKeySchema = `{
  "type": "object",
  "properties": {"user_key": {"type": "string"}},
  "required": ["user_key"]
}`
	scheduleSetSchema = `{
  "type": "object",
  "properties": {
    "user_key": {"type": "string", "minLength": 1},
    "schedule": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "start_minutes": {"type": "integer", "minimum": 0, "maximum": 1439},
          "end_minutes": {"type": "integer", "minimum": 0, "maximum": 1440},
          "strictness": {"type": "integer", "minimum": 0, "maximum": 10},
          "days": {"type": "array", "items": {"type": "integer", "minimum": 0, "maximum": 6}},
          "goal": {"type": "string"}
        },
        "required": ["start_minutes", "end_minutes"]
      }
    }
  },
  "required": ["user_key", "schedule"]
}`
	toolsListSchema = `{
  "type": "object",
  "properties": {"manifest": {"type": "object"}}
}`
	toolsCallSchema = `{
  "type": "object",
  "properties": {
    "name": {"type": "string"},
    "args": {"type": "object"},
    "manifest": {"type": "object"}
  },
  "required": ["name"]
}`
)

var compiledScheduleSchema = func() *jsonschema.Schema {
	schema, err := jsonschema.NewCompiler().Compile([]byte(scheduleSetSchema))
	if err != nil {
		panic(fmt.Sprintf("rpc: schedule schema: %v", err))
	}
	return schema
}()

func (s *Service) registerBuiltins() {
	for _, m := range []Method{
		{Name: "agents.list_public", Description: "List public agents", Perm: domain.PermAgentList, Handler: s.listPublic},
		{Name: "agents.list_sensitive", Description: "List sensitive agents", Perm: domain.PermAgentList, Handler: s.listSensitive},
		{Name: "runs.execute", Description: "Execute an agent run and wait for its result. Input: {run_id?, agent_id, payload, manifest?}", Perm: domain.PermRunExecute, Schema: json.RawMessage(runSchema), Handler: s.execute},
		{Name: "runs.execute_async", Description: "Queue an agent run. Input: {run_id?, agent_id, payload, manifest?}", Perm: domain.PermRunSubmit, Schema: json.RawMessage(runSchema), Handler: s.executeAsync},
		{Name: "runs.status", Description: "Get the recorded status of a run; unknown until a worker picks it up. Input: {run_id}", Perm: domain.PermRunStatus, Schema: json.RawMessage(statusSchema), Handler: s.status},
		{Name: "policy.schedule_get", Description: "Get the schedule for a user_key (session id)", Perm: domain.PermPolicyRead, Schema: json.RawMessage(userKeySchema), Handler: s.scheduleGet},
		{Name: "policy.schedule_set", Description: "Set the schedule for a user_key (session id)", Perm: domain.PermPolicyWrite, Schema: json.RawMessage(scheduleSetSchema), Handler: s.scheduleSet},
		{Name: "policy.strictness_get", Description: "Compute the current strictness for a user_key", Perm: domain.PermPolicyRead, Schema: json.RawMessage(userKeySchema), Handler: s.strictnessGet},
		{Name: "policy.goal_get", Description: "Get the current timeblock goal for a user_key", Perm: domain.PermPolicyRead, Schema: json.RawMessage(userKeySchema), Handler: s.goalGet},
		{Name: "tools.list", Description: "List registered tools, filtered by manifest when given", Perm: domain.PermToolList, Schema: json.RawMessage(toolsListSchema), Handler: s.toolsList},
		{Name: "tools.call", Description: "Call a registered tool by name. Input: {name, args?, manifest?}", Perm: domain.PermToolCall, Schema: json.RawMessage(toolsCallSchema), Handler: s.toolsCall},
	} {
		if err := s.Register(m); err != nil {
			panic(err)
		}
	}
}

func (s *Service) listPublic(_ context.Context, _ json.RawMessage) (any, error) {
	return s.listAgents(domain.QueuePublic), nil
}

func (s *Service) listSensitive(_ context.Context, _ json.RawMessage) (any, error) {
	return s.listAgents(domain.QueueSensitive), nil
}

// listAgents returns the class registry keyed by agent id.
func (s *Service) listAgents(q domain.QueueClass) map[string]domain.AgentInfo {
	out := map[string]domain.AgentInfo{}
	l := s.deps.Agents.For(q)
	if l == nil {
		return out
	}
	for _, info := range l.List() {
		out[info.ID] = info
	}
	return out
}

type runParams struct {
	RunID     string           `json:"run_id"`
	AgentID   string           `json:"agent_id"`
	SessionID string           `json:"session_id"`
	Payload   map[string]any   `json:"payload"`
	Manifest  *domain.Manifest `json:"manifest"`
}

// prepare decodes run params and checks them against the caller's allowlist.
func (s *Service) prepare(ctx context.Context, params json.RawMessage) (runParams, error) {
	p, err := decode[runParams](params)
	if err != nil {
		return p, err
	}
	if err := required("agent_id", p.AgentID); err != nil {
		return p, err
	}
	if err := scoped.CheckAgent(p.Manifest, domain.RolesFromContext(ctx), p.AgentID); err != nil {
		return p, err
	}
	if p.Manifest != nil && p.Manifest.Queue == domain.QueueGateway {
		return p, domain.NewDomainError("rpc.runs", domain.ErrInvalidInput, "gateway queue does not run agents")
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	return p, nil
}

// options maps an optional caller manifest onto admission options. Runs
// without a manifest go to the sensitive class.
func (s *Service) options(p runParams) admission.Options {
	opts := admission.Options{Sensitive: true, RunID: p.RunID, SessionID: p.SessionID}
	if m := p.Manifest; m != nil {
		opts.Sensitive = m.Queue != domain.QueuePublic
		opts.ToolIDs = m.ToolIDs
		opts.Metadata = m.Metadata
		opts.Limits = admission.Limits{MaxTokens: m.MaxTokens, MaxCostCents: m.MaxCostCents}
		if opts.SessionID == "" {
			opts.SessionID = m.SessionID()
		}
		if m.ExpiresAt != nil {
			// An already expired manifest stays expired.
			opts.TTL = max(m.ExpiresAt.Sub(s.deps.Now()), time.Nanosecond)
		}
	}
	return opts
}

func (s *Service) execute(ctx context.Context, params json.RawMessage) (any, error) {
	if s.deps.Executor == nil || s.deps.Admission == nil {
		return nil, unavailable("rpc.runs.execute")
	}
	p, err := s.prepare(ctx, params)
	if err != nil {
		return nil, err
	}
	if p.RunID == "" {
		p.RunID = s.deps.Admission.NewRunID()
	}

	var m domain.Manifest
	if p.Manifest != nil {
		m = *p.Manifest
		if m.Queue == "" {
			m.Queue = domain.QueueSensitive
		}
	} else {
		m = s.deps.Admission.Manifest(CallerFromContext(ctx), p.AgentID, s.options(p))
	}

	s.record(ctx, domain.RunRecord{RunID: p.RunID, AgentID: p.AgentID, Queue: m.QueueOrDefault(), State: domain.RunRunning})
	res := s.deps.Executor.Execute(domain.ContextWithRunID(ctx, p.RunID), domain.Dispatch{
		RunID:    p.RunID,
		AgentID:  p.AgentID,
		Payload:  p.Payload,
		Manifest: m,
	})
	rec := domain.RunRecord{RunID: p.RunID, AgentID: p.AgentID, Queue: m.QueueOrDefault(), State: domain.RunOK}
	if !res.OK() {
		rec.State, rec.Message = domain.RunError, res.Message
	}
	s.record(ctx, rec)
	return res, nil
}

func (s *Service) executeAsync(ctx context.Context, params json.RawMessage) (any, error) {
	if s.deps.Admission == nil {
		return nil, unavailable("rpc.runs.execute_async")
	}
	p, err := s.prepare(ctx, params)
	if err != nil {
		return nil, err
	}
	return s.deps.Admission.Submit(ctx, CallerFromContext(ctx), p.AgentID, p.Payload, s.options(p))
}

func (s *Service) record(ctx context.Context, rec domain.RunRecord) {
	if s.deps.Runs == nil {
		return
	}
	now := s.deps.Now().UTC()
	rec.CreatedAt, rec.UpdatedAt = now, now
	if err := s.deps.Runs.Put(context.WithoutCancel(ctx), rec); err != nil {
		s.deps.Logger.Warn("run status not recorded", "run_id", rec.RunID, "error", err)
	}
}

func (s *Service) status(ctx context.Context, params json.RawMessage) (any, error) {
	if s.deps.Runs == nil {
		return nil, unavailable("rpc.runs.status")
	}
	p, err := decode[struct {
		RunID  string `json:"run_id"`
		TaskID string `json:"task_id"`
	}](params)
	if err != nil {
		return nil, err
	}
	id := p.RunID
	if id == "" {
		id = p.TaskID
	}
	if err := required("run_id", id); err != nil {
		return nil, err
	}
	rec, err := s.deps.Runs.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return &domain.RunRecord{RunID: id, State: domain.RunUnknown}, nil
	}
	return rec, err
}

type userKeyParams struct {
	UserKey  string                 `json:"user_key"`
	Schedule []domain.ScheduleBlock `json:"schedule"`
}

func (s *Service) userKey(params json.RawMessage) (userKeyParams, error) {
	if s.deps.Policy == nil {
		return userKeyParams{}, unavailable("rpc.policy")
	}
	p, err := decode[userKeyParams](params)
	if err != nil {
		return p, err
	}
	return p, required("user_key", p.UserKey)
}

func (s *Service) scheduleGet(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := s.userKey(params)
	if err != nil {
		return nil, err
	}
	blocks, err := s.deps.Policy.Load(ctx, p.UserKey)
	if err != nil {
		return nil, err
	}
	if blocks == nil {
		blocks = []domain.ScheduleBlock{}
	}
	return blocks, nil
}

func (s *Service) scheduleSet(ctx context.Context, params json.RawMessage) (any, error) {
	var doc any
	if err := json.Unmarshal(params, &doc); err != nil {
		return nil, domain.NewDomainError("rpc.policy.schedule_set", domain.ErrRPCInvalidPayload, err.Error())
	}
	if result := compiledScheduleSchema.Validate(doc); !result.IsValid() {
		return nil, domain.NewDomainError("rpc.policy.schedule_set", domain.ErrInvalidInput, fmt.Sprintf("%s", result.Error()))
	}
	p, err := s.userKey(params)
	if err != nil {
		return nil, err
	}
	if err := policy.ValidateBlocks(p.Schedule); err != nil {
		return nil, err
	}
	if err := s.deps.Policy.Save(ctx, p.UserKey, p.Schedule); err != nil {
		return nil, err
	}
	return true, nil
}

func (s *Service) strictnessGet(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := s.userKey(params)
	if err != nil {
		return nil, err
	}
	return s.deps.Policy.Strictness(ctx, p.UserKey, s.deps.Now())
}

func (s *Service) goalGet(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := s.userKey(params)
	if err != nil {
		return nil, err
	}
	return s.deps.Policy.Goal(ctx, p.UserKey, s.deps.Now())
}

func (s *Service) toolsList(ctx context.Context, params json.RawMessage) (any, error) {
	if s.deps.Tools == nil {
		return []domain.ToolSchema{}, nil
	}
	p, err := decode[struct {
		Manifest *domain.Manifest `json:"manifest"`
	}](params)
	if err != nil {
		return nil, err
	}
	var tools domain.ToolExecutor = s.deps.Tools
	if !domain.HasPermission(domain.RolesFromContext(ctx), domain.PermManifestSkip) {
		tools = scoped.NewToolExecutor(tools, p.Manifest)
	}
	return tools.Schemas(), nil
}

func (s *Service) toolsCall(ctx context.Context, params json.RawMessage) (any, error) {
	if s.deps.Tools == nil {
		return nil, unavailable("rpc.tools.call")
	}
	p, err := decode[struct {
		Name     string           `json:"name"`
		Args     json.RawMessage  `json:"args"`
		Manifest *domain.Manifest `json:"manifest"`
	}](params)
	if err != nil {
		return nil, err
	}
	if err := required("name", p.Name); err != nil {
		return nil, err
	}
	if err := scoped.CheckTool(p.Manifest, domain.RolesFromContext(ctx), p.Name); err != nil {
		return nil, err
	}
	if p.Manifest != nil {
		ctx = domain.ContextWithManifest(ctx, p.Manifest)
	}
	return s.deps.Tools.Call(ctx, p.Name, p.Args)
}
