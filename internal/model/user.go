package model

import "time"

// Tier is a subscription level that gates quotas
type Tier string

const (
	TierBasic Tier = "basic"
	TierPro   Tier = "pro"
)

// User is the subset of the account record the scheduler needs.
type User struct {
	ID            string     `json:"id"`
	Phone         string     `json:"phone"`
	Timezone      string     `json:"timezone,omitempty"`
	Tier          Tier       `json:"tier"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}
