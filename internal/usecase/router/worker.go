// Package router binds a worker process to one routing-class queue and
// hands each delivered task to the engine or the gateway notifier.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"athena/internal/domain"
)

// Default worker limits.
const (
	DefaultSoftLimit = 300 * time.Second
	DefaultHardLimit = 600 * time.Second
)

// ErrHardLimit marks a run abandoned at the hard time limit.
var ErrHardLimit = errors.New("hard time limit exceeded")

// Executor runs one dispatch.
type Executor interface {
	Execute(ctx context.Context, d domain.Dispatch) domain.RunResult
}

// Config wires a Worker.
type Config struct {
	Queue     domain.QueueClass
	Consumer  domain.TaskConsumer
	Executor  Executor
	Notifier  domain.Notifier
	Runs      domain.RunStatusStore
	SoftLimit time.Duration
	HardLimit time.Duration
	Logger    *slog.Logger
	Now       func() time.Time
}

// Worker consumes one class queue.
type Worker struct {
	cfg Config
}

// New validates cfg and creates a Worker. Agent classes need an Executor;
// the gateway class needs a Notifier.
func New(cfg Config) (*Worker, error) {
	if !cfg.Queue.Valid() {
		return nil, domain.NewDomainError("router.New", domain.ErrInvalidInput, fmt.Sprintf("queue %q", cfg.Queue))
	}
	if cfg.Consumer == nil {
		return nil, domain.NewDomainError("router.New", domain.ErrInvalidInput, "consumer required")
	}
	if cfg.Queue == domain.QueueGateway && cfg.Notifier == nil {
		return nil, domain.NewDomainError("router.New", domain.ErrInvalidInput, "gateway worker requires a notifier")
	}
	if cfg.Queue != domain.QueueGateway && cfg.Executor == nil {
		return nil, domain.NewDomainError("router.New", domain.ErrInvalidInput, "agent worker requires an executor")
	}
	if cfg.SoftLimit <= 0 {
		cfg.SoftLimit = DefaultSoftLimit
	}
	if cfg.HardLimit <= 0 {
		cfg.HardLimit = DefaultHardLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.Logger = cfg.Logger.With("queue", string(cfg.Queue))
	return &Worker{cfg: cfg}, nil
}

// Run consumes until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.cfg.Logger.Info("worker started", "soft_limit", w.cfg.SoftLimit, "hard_limit", w.cfg.HardLimit)
	err := w.cfg.Consumer.Consume(ctx, w.cfg.Queue, w.Handle)
	w.cfg.Logger.Info("worker stopped")
	return err
}

// Handle processes one task. Errors wrapping ErrInvalidInput drop the task;
// other errors requeue it.
func (w *Worker) Handle(ctx context.Context, task domain.Task) error {
	switch task.Name {
	case domain.TaskExecuteGraph:
		if w.cfg.Queue == domain.QueueGateway {
			return domain.NewDomainError("Worker.Handle", domain.ErrInvalidInput, "runs are not accepted on the gateway queue")
		}
		var d domain.Dispatch
		if err := json.Unmarshal(task.Body, &d); err != nil {
			return domain.NewDomainError("Worker.Handle", domain.ErrInvalidInput, "dispatch body: "+err.Error())
		}
		if err := d.Validate(); err != nil {
			return err
		}
		return w.execute(ctx, d)
	case domain.TaskNotify:
		if w.cfg.Queue != domain.QueueGateway {
			return domain.NewDomainError("Worker.Handle", domain.ErrInvalidInput, "notifications belong on the gateway queue")
		}
		var n domain.Notification
		if err := json.Unmarshal(task.Body, &n); err != nil {
			return domain.NewDomainError("Worker.Handle", domain.ErrInvalidInput, "notification body: "+err.Error())
		}
		if err := w.cfg.Notifier.Notify(ctx, n); err != nil {
			return fmt.Errorf("notify %s: %w", n.Channel, err)
		}
		return nil
	default:
		return domain.NewDomainError("Worker.Handle", domain.ErrInvalidInput, "unknown task "+task.Name)
	}
}

// execute runs d under the worker time limits. Crossing the soft limit is
// logged; crossing the hard limit cancels the run context and requeues the
// task without waiting for the engine to return.
func (w *Worker) execute(ctx context.Context, d domain.Dispatch) error {
	log := w.cfg.Logger.With("run_id", d.RunID, "agent_id", d.AgentID)
	if q := d.Manifest.QueueOrDefault(); q != w.cfg.Queue {
		log.Warn("dispatch routed to a foreign class", "manifest_queue", string(q))
	}
	w.record(ctx, d, domain.RunRunning, "")

	runCtx, cancel := context.WithTimeout(ctx, w.cfg.HardLimit)
	defer cancel()

	started := w.cfg.Now()
	soft := time.AfterFunc(w.cfg.SoftLimit, func() {
		log.Warn("run exceeded soft time limit", "elapsed", w.cfg.Now().Sub(started))
	})
	defer soft.Stop()

	done := make(chan domain.RunResult, 1)
	go func() {
		done <- w.cfg.Executor.Execute(runCtx, d)
	}()

	select {
	case res := <-done:
		if res.OK() {
			w.record(ctx, d, domain.RunOK, "")
		} else {
			w.record(ctx, d, domain.RunError, res.Message)
		}
		log.Info("run finished", "status", res.Status, "duration", w.cfg.Now().Sub(started))
		return nil
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Error("run exceeded hard time limit, requeueing", "limit", w.cfg.HardLimit)
		w.record(ctx, d, domain.RunError, ErrHardLimit.Error())
		return fmt.Errorf("run %s: %w", d.RunID, ErrHardLimit)
	}
}

func (w *Worker) record(ctx context.Context, d domain.Dispatch, state domain.RunState, msg string) {
	if w.cfg.Runs == nil {
		return
	}
	now := w.cfg.Now().UTC()
	rec := domain.RunRecord{
		RunID:     d.RunID,
		AgentID:   d.AgentID,
		Queue:     d.Manifest.QueueOrDefault(),
		State:     state,
		Message:   msg,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := w.cfg.Runs.Put(context.WithoutCancel(ctx), rec); err != nil {
		w.cfg.Logger.Warn("run status not recorded", "run_id", d.RunID, "state", string(state), "error", err)
	}
}
