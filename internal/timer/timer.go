// Package timer provides the "run a callback at instant T" primitive that
// scheduled tasks register against.
package timer

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrStopped is returned when scheduling on a timer that has been stopped
var ErrStopped = errors.New("timer stopped")

// Handler is invoked once per due handle. key is the value passed to Schedule.
type Handler func(ctx context.Context, key, handle string)

// Timer registers wake-ups. Handles are chosen by the caller (see NewHandle)
// so they can be persisted before the wake-up exists. Cancel must be
// idempotent and tolerate handles that already fired or never existed.
type Timer interface {
	Start(ctx context.Context, handler Handler) error
	Schedule(ctx context.Context, handle string, at time.Time, key string) error
	Cancel(ctx context.Context, handle string) error
	Pending(ctx context.Context, handle string) (bool, error)
	Stop()
}

// NewHandle returns a fresh timer handle
func NewHandle() string {
	return uuid.New().String()
}
