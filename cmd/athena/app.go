package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"athena/internal/adapter/audit"
	"athena/internal/adapter/broker/amqp"
	brokermem "athena/internal/adapter/broker/memory"
	"athena/internal/adapter/docstore"
	"athena/internal/adapter/llm"
	"athena/internal/adapter/memory"
	"athena/internal/adapter/notify"
	"athena/internal/adapter/runstore"
	"athena/internal/adapter/schedule"
	"athena/internal/adapter/tool"
	"athena/internal/domain"
	"athena/internal/infra/config"
	"athena/internal/infra/logger"
	"athena/internal/infra/metrics"
	"athena/internal/infra/redisclient"
	"athena/internal/infra/tracer"
	"athena/internal/usecase/admission"
	"athena/internal/usecase/agentgraph"
	"athena/internal/usecase/agents"
	"athena/internal/usecase/engine"
	"athena/internal/usecase/policy"
	"athena/internal/usecase/rpc"
	"athena/internal/usecase/scheduling"
)

// bus is what a process needs from the broker driver.
type bus interface {
	domain.TaskQueue
	domain.TaskConsumer
	domain.Subscriber
}

// runStore is the run-status record with retention.
type runStore interface {
	domain.RunStatusStore
	scheduling.Pruner
}

// app owns the process-wide dependencies built from config and closes them
// in reverse order of creation.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	closers []func() error
}

func loadApp(ctx context.Context, cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return newApp(ctx, cfg)
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log, closeLog, err := logger.New(cfg.Logger, cfg.Service)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: log}
	a.onClose(closeLog)

	shutdown, err := tracer.Setup(ctx, cfg.Tracer, cfg.Service)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("setup tracer: %w", err)
	}
	a.onClose(func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(sctx)
	})

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
	}
	return a, nil
}

func (a *app) onClose(fn func() error) {
	if fn != nil {
		a.closers = append(a.closers, fn)
	}
}

// Close releases everything opened through a.
func (a *app) Close() error {
	var errs []error
	for _, fn := range slices.Backward(a.closers) {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// openBus connects the configured broker driver. The memory driver also
// carries run events; with AMQP events go out on their own connections.
func (a *app) openBus(ctx context.Context) (bus, domain.EventPublisher, error) {
	if a.cfg.Broker.Driver == "memory" {
		b := brokermem.New(a.logger, brokermem.WithMetrics(a.metrics))
		a.onClose(func() error { b.Close(); return nil })
		return b, b, nil
	}
	b, err := amqp.Dial(ctx, a.cfg.Broker, a.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connect broker: %w", err)
	}
	a.onClose(b.Close)
	return b, amqp.NewPublisher(a.cfg.Broker.URL, a.cfg.Broker.PublishTimeout, a.logger, a.metrics), nil
}

// openRedis connects to Redis, or returns an in-process client when no
// address is configured.
func (a *app) openRedis(ctx context.Context) (redisclient.Client, error) {
	if a.cfg.Redis.Addr == "" {
		return redisclient.NewMemory(), nil
	}
	c, err := redisclient.New(ctx, a.cfg.Redis)
	if err != nil {
		return nil, err
	}
	a.onClose(c.Close)
	return c, nil
}

func (a *app) openSchedules(client redisclient.Client) (domain.ScheduleStore, error) {
	switch a.cfg.Schedule.Backend {
	case "file":
		s, err := schedule.NewFileStore(a.cfg.Schedule.FilePath, a.logger)
		if err != nil {
			return nil, fmt.Errorf("open schedule file: %w", err)
		}
		a.onClose(s.Close)
		return s, nil
	case "memory":
		return schedule.NewMemoryStore(), nil
	default:
		return schedule.NewRedisStore(client, a.logger), nil
	}
}

// openRuns opens the run-status record. An empty path keeps it in memory.
func (a *app) openRuns() (runStore, error) {
	path := a.cfg.Store.RunsPath
	if path == "" {
		return runstore.NewMemoryStore(), nil
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	s, err := runstore.NewSQLiteStore(path)
	if err != nil {
		return nil, err
	}
	a.onClose(s.Close)
	return s, nil
}

// openDocs opens the document store behind data.admin. An empty path keeps
// it in memory.
func (a *app) openDocs() (domain.DocumentStore, error) {
	path := a.cfg.Store.DocsPath
	if path == "" {
		return docstore.NewMemoryStore(), nil
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	s, err := docstore.NewSQLiteStore(path)
	if err != nil {
		return nil, err
	}
	a.onClose(s.Close)
	return s, nil
}

// openAudit opens the tool-call audit trail, or returns nil when no path is
// configured.
func (a *app) openAudit() (*audit.FileLog, error) {
	ac := a.cfg.Audit
	if ac.Path == "" {
		return nil, nil
	}
	maxSize, err := config.ParseSize(ac.MaxSize)
	if err != nil {
		return nil, err
	}
	if err := ensureDir(ac.Path); err != nil {
		return nil, err
	}
	l, err := audit.NewFileLog(ac.Path, audit.Retention{MaxAge: ac.MaxAge, MaxSize: maxSize})
	if err != nil {
		return nil, err
	}
	a.onClose(l.Close)
	return l, nil
}

func ensureDir(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

// notifier routes gateway-class notifications. Telegram delivery is enabled
// by a bot token; everything else is logged.
func (a *app) notifier() domain.Notifier {
	mux := notify.NewMux(notify.NewLogNotifier(a.logger))
	if a.cfg.Webhook.TelegramToken != "" {
		mux.Handle("telegram", notify.NewTelegramNotifier(a.cfg.Webhook.TelegramToken, a.logger))
	}
	return mux
}

func (a *app) admission(tasks domain.TaskQueue) *admission.Service {
	ac := a.cfg.Admission
	return admission.New(admission.Config{
		Tasks:   tasks,
		Limits:  admission.Limits{MaxTokens: ac.DefaultMaxTokens, MaxCostCents: ac.DefaultMaxCostCents},
		Device:  admission.Limits{MaxTokens: ac.DeviceMaxTokens, MaxCostCents: ac.DeviceMaxCostCents},
		Logger:  a.logger,
		Metrics: a.metrics,
	})
}

// runtimeDeps are the stores an engine runs against.
type runtimeDeps struct {
	Classes   []domain.QueueClass
	Tasks     domain.TaskQueue
	Publisher domain.EventPublisher
	Schedules domain.ScheduleStore
	Docs      domain.DocumentStore
	Redis     redisclient.Client
	Auditor   domain.Auditor
}

// runtime is one process's agent registries, tool registry and engine.
type runtime struct {
	Registries agentgraph.Set
	Policy     *policy.Resolver
	Tools      *tool.Registry
	Engine     *engine.Engine
}

// buildRuntime registers the built-in agents of the given classes and wires
// the engine. Agent tools call back into the same engine.
func (a *app) buildRuntime(d runtimeDeps) (*runtime, error) {
	var set agentgraph.Set
	for _, q := range d.Classes {
		switch q {
		case domain.QueuePublic:
			set.Public = agentgraph.NewRegistry[agentgraph.Public](a.logger)
			if err := agents.RegisterPublic(set.Public); err != nil {
				return nil, err
			}
		case domain.QueueSensitive:
			set.Sensitive = agentgraph.NewRegistry[agentgraph.Sensitive](a.logger)
			if err := agents.RegisterSensitive(set.Sensitive); err != nil {
				return nil, err
			}
		}
	}

	resolver := policy.NewResolver(d.Schedules)
	tools := tool.NewRegistry(a.logger, tool.WithMetrics(a.metrics))
	models := llm.NewFactory(a.cfg.LLM, a.cfg.Agents, a.logger,
		llm.WithTokenCounter(llm.NewTiktokenCounter()),
		llm.WithMetrics(a.metrics),
	)

	eng := engine.New(engine.Config{
		Registries: set,
		Models:     models,
		Memory:     memory.NewFactory(d.Redis, a.logger),
		Tools:      tools,
		Services: agentgraph.Services{
			Schedules: d.Schedules,
			Policy:    resolver,
			Tasks:     d.Tasks,
			Logger:    a.logger,
		},
		Publisher: d.Publisher,
		Metrics:   a.metrics,
		Logger:    a.logger,
		MaxSteps:  a.cfg.Worker.MaxGraphSteps,
	})

	builtins := []domain.Tool{
		tool.Audited(tool.NewDataAdminTool(d.Docs, a.logger), d.Auditor, a.logger),
		tool.NewPushTool(d.Tasks, a.logger),
		tool.NewAgentsListTool(eng, a.logger),
		tool.NewAgentsCallTool(eng, a.logger),
		tool.NewAgentsDialogueTool(eng, a.logger),
	}
	for _, t := range builtins {
		if err := tools.Register(t); err != nil {
			return nil, err
		}
	}

	return &runtime{Registries: set, Policy: resolver, Tools: tools, Engine: eng}, nil
}

// rpcService exposes rt through the RPC method table.
func (a *app) rpcService(rt *runtime, adm *admission.Service, runs domain.RunStatusStore) *rpc.Service {
	return rpc.New(rpc.Deps{
		Agents:    rt.Registries,
		Executor:  rt.Engine,
		Admission: adm,
		Runs:      runs,
		Policy:    rt.Policy,
		Tools:     rt.Tools,
		Logger:    a.logger,
		Metrics:   a.metrics,
	})
}

// cronRuns converts the configured scheduled admissions.
func cronRuns(cfg []config.CronRunConfig) []scheduling.Run {
	out := make([]scheduling.Run, 0, len(cfg))
	for _, r := range cfg {
		out = append(out, scheduling.Run{
			Name:      r.Name,
			Schedule:  r.Schedule,
			AgentID:   r.AgentID,
			Queue:     domain.QueueClass(r.Queue),
			SessionID: r.SessionID,
			Payload:   r.Payload,
		})
	}
	return out
}

// scheduler builds the scheduled admissions and the retention jobs. trail
// may be nil.
func (a *app) scheduler(sub scheduling.Submitter, runs scheduling.Pruner, trail *audit.FileLog) (*scheduling.Scheduler, error) {
	s := scheduling.NewScheduler(a.logger)
	if err := s.AddRuns(sub, cronRuns(a.cfg.CronRuns)); err != nil {
		return nil, err
	}
	if err := s.AddPrune(runs, a.cfg.Store.RunRetention, nil); err != nil {
		return nil, err
	}
	if trail != nil {
		err := s.AddTask("audit:retention", "@daily", func(ctx context.Context) error {
			removed, err := trail.Prune(ctx)
			if removed > 0 {
				a.logger.Info("audit log pruned", "removed", removed)
			}
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}
