package scheduling

import (
	"context"
	"fmt"
	"maps"
	"time"

	"athena/internal/domain"
	"athena/internal/usecase/admission"
)

// Submitter admits runs.
type Submitter interface {
	Submit(ctx context.Context, actor, agentID string, payload map[string]any, opts admission.Options) (*admission.Receipt, error)
}

// Run is one recurring admission.
type Run struct {
	Name      string
	Schedule  string
	AgentID   string
	Queue     domain.QueueClass
	SessionID string
	Payload   map[string]any
}

// AddRuns schedules every run, stopping at the first invalid one.
func (s *Scheduler) AddRuns(sub Submitter, runs []Run) error {
	for _, r := range runs {
		if err := s.AddRun(sub, r); err != nil {
			return err
		}
	}
	return nil
}

// AddRun schedules r. Each firing admits a fresh run with its own id.
func (s *Scheduler) AddRun(sub Submitter, r Run) error {
	if r.AgentID == "" {
		return domain.NewDomainError("scheduling.AddRun", domain.ErrInvalidInput, "agent_id required")
	}
	switch r.Queue {
	case "", domain.QueuePublic, domain.QueueSensitive:
	default:
		return domain.NewDomainError("scheduling.AddRun", domain.ErrInvalidInput, "queue "+string(r.Queue))
	}
	if r.Name == "" {
		r.Name = "run:" + r.AgentID
	}
	return s.AddTask(r.Name, r.Schedule, s.admit(sub, r))
}

func (s *Scheduler) admit(sub Submitter, r Run) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		payload := maps.Clone(r.Payload)
		if payload == nil {
			payload = map[string]any{}
		}
		receipt, err := sub.Submit(ctx, "cron:"+r.Name, r.AgentID, payload, admission.Options{
			Sensitive: r.Queue == domain.QueueSensitive,
			SessionID: r.SessionID,
			Metadata:  map[string]string{"schedule": r.Name},
		})
		if err != nil {
			return fmt.Errorf("admit %s: %w", r.AgentID, err)
		}
		s.logger.Info("scheduled run admitted", "task", r.Name, "run_id", receipt.RunID, "agent_id", r.AgentID)
		return nil
	}
}

// Pruner deletes run records last updated before cutoff.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// PruneTask is the name of the run-record retention job.
const PruneTask = "runs:prune"

// AddPrune schedules hourly deletion of run records older than retention.
// A non-positive retention schedules nothing.
func (s *Scheduler) AddPrune(p Pruner, retention time.Duration, now func() time.Time) error {
	if retention <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	return s.AddTask(PruneTask, "@hourly", s.prune(p, retention, now))
}

func (s *Scheduler) prune(p Pruner, retention time.Duration, now func() time.Time) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		n, err := p.Prune(ctx, now().Add(-retention))
		if err != nil {
			return err
		}
		if n > 0 {
			s.logger.Info("run records pruned", "count", n)
		}
		return nil
	}
}
