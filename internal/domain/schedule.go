package domain

import (
	"context"
	"slices"
	"time"
)

// MinutesPerDay bounds start/end minutes.
const MinutesPerDay = 1440

// DefaultStrictness applies when no block matches.
const DefaultStrictness = 5

// ScheduleBlock is a recurring interval carrying a strictness level and an
// optional goal label. When StartMinutes > EndMinutes the block wraps
// midnight.
type ScheduleBlock struct {
	StartMinutes int    `json:"start_minutes" yaml:"start_minutes"`
	EndMinutes   int    `json:"end_minutes" yaml:"end_minutes"`
	Strictness   int    `json:"strictness" yaml:"strictness"`
	Days         []int  `json:"days,omitzero" yaml:"days,omitempty"` // 0=Mon .. 6=Sun; nil means every day, empty means none
	Goal         string `json:"goal,omitempty" yaml:"goal,omitempty"`
}

// Overnight reports whether the block wraps midnight.
func (b ScheduleBlock) Overnight() bool { return b.StartMinutes > b.EndMinutes }

// Contains reports whether minute-of-day m falls in the block. Both ends
// are inclusive.
func (b ScheduleBlock) Contains(m int) bool {
	if b.Overnight() {
		return m >= b.StartMinutes || m <= b.EndMinutes
	}
	return m >= b.StartMinutes && m <= b.EndMinutes
}

// Duration returns the block length in minutes, wrap-adjusted.
func (b ScheduleBlock) Duration() int {
	if b.Overnight() {
		return (MinutesPerDay - b.StartMinutes) + b.EndMinutes
	}
	return b.EndMinutes - b.StartMinutes
}

// OnDay reports whether the day filter admits weekday (0=Mon).
func (b ScheduleBlock) OnDay(weekday int) bool {
	if b.Days == nil {
		return true
	}
	return slices.Contains(b.Days, weekday)
}

// StrictnessOrDefault returns the block strictness, or DefaultStrictness if unset.
func (b ScheduleBlock) StrictnessOrDefault() int {
	if b.Strictness == 0 {
		return DefaultStrictness
	}
	return b.Strictness
}

// Matches reports whether the block applies at t.
func (b ScheduleBlock) Matches(t time.Time) bool {
	return b.OnDay(Weekday(t)) && b.Contains(MinuteOfDay(t))
}

// Weekday returns t's day of week with Monday=0 .. Sunday=6.
func Weekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// MinuteOfDay returns t's minute within the day.
func MinuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// ScheduleStore persists schedules keyed by session. Load returns an empty
// slice when nothing is stored. Writes are last-writer-wins.
type ScheduleStore interface {
	Load(ctx context.Context, sessionKey string) ([]ScheduleBlock, error)
	Save(ctx context.Context, sessionKey string, blocks []ScheduleBlock) error
}
