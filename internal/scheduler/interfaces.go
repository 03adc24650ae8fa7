package scheduler

import (
	"context"

	"github.com/t77yq/wa-scheduler/internal/model"
)

// ScheduledDiscriminator is the message discriminator sent with credit checks
// for scheduled runs so they are never classified as free commands.
const ScheduledDiscriminator = "__scheduled__"

// CreditLedger answers affordability checks and records spend
type CreditLedger interface {
	CheckAffordable(ctx context.Context, userID, discriminator string) (model.CreditStatus, error)
	Deduct(ctx context.Context, userID string) error
}

// Agent produces the result text for a task
type Agent interface {
	Run(ctx context.Context, req model.AgentRequest) (string, error)
}

// Delivery sends messages to a user over the messaging channel. Free-form
// messages are only allowed while the session window is open.
type Delivery interface {
	IsSessionOpen(ctx context.Context, userID string) (bool, error)
	SendLive(ctx context.Context, msgID, userID, text string) error
	SendTemplated(ctx context.Context, msgID, userID, template, text string) error
}

// UserLookup returns nil, nil for unknown users
type UserLookup interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
}
