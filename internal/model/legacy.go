package model

import "time"

// LegacyJobKind is the kind of a job in the old scheduled_jobs table
type LegacyJobKind string

const (
	LegacyJobKindReminder  LegacyJobKind = "reminder"
	LegacyJobKindHeartbeat LegacyJobKind = "heartbeat"
	LegacyJobKindFollowup  LegacyJobKind = "followup"
)

// LegacyJobStatus is the status of a legacy job
type LegacyJobStatus string

const (
	LegacyJobStatusPending   LegacyJobStatus = "pending"
	LegacyJobStatusDone      LegacyJobStatus = "done"
	LegacyJobStatusCancelled LegacyJobStatus = "cancelled"
)

// LegacyJob is a record of the reminder model that scheduled tasks replace.
// It is read-only apart from being cancelled by the migration.
type LegacyJob struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Kind        LegacyJobKind   `json:"kind"`
	Payload     string          `json:"payload"`
	RunAt       time.Time       `json:"run_at"`
	Status      LegacyJobStatus `json:"status"`
	CronExpr    string          `json:"cron_expr,omitempty"`
	Timezone    string          `json:"timezone,omitempty"`
	TimerHandle string          `json:"timer_handle,omitempty"`
}

// JobReference is any record that points at a job by id, such as a pending
// confirmation prompt. Migration rewrites RefID from the legacy id to the task id.
type JobReference struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Kind   string `json:"kind"`
	RefID  string `json:"ref_id"`
}
