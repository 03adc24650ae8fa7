package model

import (
	"time"
)

// RunStatus is the outcome of one execution attempt of a scheduled task
type RunStatus string

const (
	RunStatusSuccess          RunStatus = "success"
	RunStatusSkippedNoCredits RunStatus = "skipped_no_credits"
	RunStatusError            RunStatus = "error"

	// RunStatusRunning only appears in run history while a firing is in flight
	RunStatusRunning RunStatus = "running"
)

// CreditStatus is the answer of the credit ledger to an affordability check
type CreditStatus string

const (
	CreditStatusAvailable CreditStatus = "available"
	CreditStatusExhausted CreditStatus = "exhausted"
	CreditStatusFree      CreditStatus = "free"
)

// ScheduledTask is a user-owned job that asks the agent for a result and
// delivers it over WhatsApp, either once or on a cron schedule.
type ScheduledTask struct {
	ID             string   `json:"id"`
	UserID         string   `json:"user_id"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Schedule       Schedule `json:"schedule"`
	Timezone       string   `json:"timezone"`
	DeliveryFormat string   `json:"delivery_format,omitempty"`
	Enabled        bool     `json:"enabled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Run outcome, written by the execution engine only
	LastRunAt              *time.Time `json:"last_run_at,omitempty"`
	LastStatus             RunStatus  `json:"last_status,omitempty"`
	CreditNotificationSent bool       `json:"credit_notification_sent"`

	// Timer bookkeeping
	TimerHandle string     `json:"timer_handle,omitempty"`
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`

	Version      int64  `json:"version"`
	MigratedFrom string `json:"migrated_from,omitempty"`
}

// IsOnce reports whether the task retires after a single firing.
func (t *ScheduledTask) IsOnce() bool {
	return t.Schedule.Kind == ScheduleKindOnce
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (t *ScheduledTask) Clone() *ScheduledTask {
	c := *t
	c.Schedule = t.Schedule.Clone()
	if t.LastRunAt != nil {
		v := *t.LastRunAt
		c.LastRunAt = &v
	}
	if t.NextRunAt != nil {
		v := *t.NextRunAt
		c.NextRunAt = &v
	}
	return &c
}
