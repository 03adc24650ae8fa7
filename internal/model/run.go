package model

import "time"

// DeliveryMode tells how a result reached the user
type DeliveryMode string

const (
	DeliveryModeNone     DeliveryMode = ""
	DeliveryModeLive     DeliveryMode = "live"
	DeliveryModeTemplate DeliveryMode = "template"
)

// RunRecord is one firing of a scheduled task
type RunRecord struct {
	ID           string        `json:"id"`
	TaskID       string        `json:"task_id"`
	UserID       string        `json:"user_id"`
	Status       RunStatus     `json:"status"`
	Error        string        `json:"error,omitempty"`
	DeliveryMode DeliveryMode  `json:"delivery_mode,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
}
