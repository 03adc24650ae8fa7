package model

import (
	"fmt"
	"time"
)

// ScheduleKind discriminates the Schedule union
type ScheduleKind string

const (
	ScheduleKindOnce ScheduleKind = "once"
	ScheduleKindCron ScheduleKind = "cron"
)

// Schedule is either a single instant (once) or a 5-field cron expression.
type Schedule struct {
	Kind  ScheduleKind `json:"kind"`
	RunAt *time.Time   `json:"run_at,omitempty"`
	Expr  string       `json:"expr,omitempty"`
}

// OnceAt returns a schedule firing a single time at the given instant.
func OnceAt(at time.Time) Schedule {
	at = at.UTC()
	return Schedule{Kind: ScheduleKindOnce, RunAt: &at}
}

// CronExpr returns a recurring schedule.
func CronExpr(expr string) Schedule {
	return Schedule{Kind: ScheduleKindCron, Expr: expr}
}

// Check verifies the union is well formed. It does not parse the expression.
func (s Schedule) Check() error {
	switch s.Kind {
	case ScheduleKindOnce:
		if s.RunAt == nil || s.RunAt.IsZero() {
			return fmt.Errorf("once schedule requires run_at")
		}
	case ScheduleKindCron:
		if s.Expr == "" {
			return fmt.Errorf("cron schedule requires expr")
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// Equal reports whether both schedules fire at the same times.
func (s Schedule) Equal(o Schedule) bool {
	if s.Kind != o.Kind || s.Expr != o.Expr {
		return false
	}
	if s.RunAt == nil || o.RunAt == nil {
		return s.RunAt == nil && o.RunAt == nil
	}
	return s.RunAt.Equal(*o.RunAt)
}

func (s Schedule) Clone() Schedule {
	c := s
	if s.RunAt != nil {
		v := *s.RunAt
		c.RunAt = &v
	}
	return c
}
