// Package policy answers schedule questions: the strictness and goal that
// apply to a session at a given instant.
package policy

import (
	"context"
	"fmt"
	"time"

	"athena/internal/domain"
)

// Resolver reads per-session schedules from a store and evaluates them.
// It holds no state of its own.
type Resolver struct {
	store domain.ScheduleStore
	loc   *time.Location
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLocation evaluates instants in loc instead of their own location.
func WithLocation(loc *time.Location) Option {
	return func(r *Resolver) { r.loc = loc }
}

// NewResolver creates a Resolver over store.
func NewResolver(store domain.ScheduleStore, opts ...Option) *Resolver {
	r := &Resolver{store: store}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Load returns the session schedule, empty when none is stored.
func (r *Resolver) Load(ctx context.Context, sessionID string) ([]domain.ScheduleBlock, error) {
	blocks, err := r.store.Load(ctx, sessionID)
	if err != nil {
		return nil, domain.WrapOp("policy.Load", err)
	}
	if blocks == nil {
		blocks = []domain.ScheduleBlock{}
	}
	return blocks, nil
}

// Save replaces the session schedule.
func (r *Resolver) Save(ctx context.Context, sessionID string, blocks []domain.ScheduleBlock) error {
	if err := ValidateBlocks(blocks); err != nil {
		return err
	}
	return domain.WrapOp("policy.Save", r.store.Save(ctx, sessionID, blocks))
}

// Strictness returns the highest strictness among blocks active at now, or
// domain.DefaultStrictness when none match.
func (r *Resolver) Strictness(ctx context.Context, sessionID string, now time.Time) (int, error) {
	blocks, err := r.Load(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	return StrictnessAt(blocks, r.in(now)), nil
}

// Goal returns the goal of the shortest block active at now, or "".
func (r *Resolver) Goal(ctx context.Context, sessionID string, now time.Time) (string, error) {
	blocks, err := r.Load(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return GoalAt(blocks, r.in(now)), nil
}

func (r *Resolver) in(t time.Time) time.Time {
	if r.loc != nil {
		return t.In(r.loc)
	}
	return t
}

// StrictnessAt is the pure form of Resolver.Strictness.
func StrictnessAt(blocks []domain.ScheduleBlock, now time.Time) int {
	best, found := 0, false
	for _, b := range blocks {
		if !b.Matches(now) {
			continue
		}
		if s := b.StrictnessOrDefault(); !found || s > best {
			best, found = s, true
		}
	}
	if !found {
		return domain.DefaultStrictness
	}
	return best
}

// GoalAt is the pure form of Resolver.Goal. Ties on duration go to the
// later block.
func GoalAt(blocks []domain.ScheduleBlock, now time.Time) string {
	goal, bestDur := "", -1
	for _, b := range blocks {
		if !b.Matches(now) {
			continue
		}
		if d := b.Duration(); bestDur < 0 || d <= bestDur {
			goal, bestDur = b.Goal, d
		}
	}
	return goal
}

// ValidateBlocks checks minute bounds, strictness range and day indices.
// An end of MinutesPerDay closes a block at midnight.
func ValidateBlocks(blocks []domain.ScheduleBlock) error {
	for i, b := range blocks {
		if b.StartMinutes < 0 || b.StartMinutes >= domain.MinutesPerDay {
			return domain.NewDomainError("policy.Validate", domain.ErrInvalidInput,
				fmt.Sprintf("block %d: start_minutes must be in [0,%d)", i, domain.MinutesPerDay))
		}
		if b.EndMinutes < 0 || b.EndMinutes > domain.MinutesPerDay {
			return domain.NewDomainError("policy.Validate", domain.ErrInvalidInput,
				fmt.Sprintf("block %d: end_minutes must be in [0,%d]", i, domain.MinutesPerDay))
		}
		if b.Strictness < 0 || b.Strictness > 10 {
			return domain.NewDomainError("policy.Validate", domain.ErrInvalidInput,
				fmt.Sprintf("block %d: strictness must be in [1,10]", i))
		}
		for _, d := range b.Days {
			if d < 0 || d > 6 {
				return domain.NewDomainError("policy.Validate", domain.ErrInvalidInput,
					fmt.Sprintf("block %d: day %d out of range", i, d))
			}
		}
	}
	return nil
}
