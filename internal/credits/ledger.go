// Package credits keeps per-user message credit balances in SQLite.
package credits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/wa-scheduler/internal/model"
	"github.com/t77yq/wa-scheduler/internal/scheduler"
)

const schema = `
	CREATE TABLE IF NOT EXISTS credit_balances (
		user_id TEXT PRIMARY KEY,
		remaining INTEGER NOT NULL,
		cycle_started_at DATETIME NOT NULL
	);
`

var (
	ErrUnknownUser       = errors.New("unknown user")
	ErrInsufficientFunds = errors.New("no credits left")
)

// Config sets the per-tier allowance of a credit cycle
type Config struct {
	Allowances  map[string]int
	DefaultTier string
	// FreeDiscriminators are message kinds that never cost a credit. Scheduled
	// runs are always charged.
	FreeDiscriminators []string
}

// UserLookup returns nil, nil for unknown users
type UserLookup interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
}

// NotificationResetter clears the low-credit notice flag of a user's tasks
type NotificationResetter interface {
	ClearCreditNotifications(ctx context.Context, userID string) (int64, error)
}

// Ledger implements the scheduler's CreditLedger
type Ledger struct {
	db     *sql.DB
	users  UserLookup
	tasks  NotificationResetter
	config Config
	free   map[string]bool
	logger *zap.Logger
	now    func() time.Time
}

// NewLedger creates the ledger table if needed
func NewLedger(logger *zap.Logger, db *sql.DB, users UserLookup, tasks NotificationResetter, config Config) (*Ledger, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create credit schema: %w", err)
	}

	free := make(map[string]bool, len(config.FreeDiscriminators))
	for _, d := range config.FreeDiscriminators {
		if d != scheduler.ScheduledDiscriminator {
			free[d] = true
		}
	}

	return &Ledger{
		db:     db,
		users:  users,
		tasks:  tasks,
		config: config,
		free:   free,
		logger: logger.Named("credits"),
		now:    time.Now,
	}, nil
}

// CheckAffordable implements scheduler.CreditLedger.CheckAffordable
func (l *Ledger) CheckAffordable(ctx context.Context, userID, discriminator string) (model.CreditStatus, error) {
	if l.free[discriminator] {
		return model.CreditStatusFree, nil
	}

	remaining, err := l.Balance(ctx, userID)
	if err != nil {
		return "", err
	}
	if remaining > 0 {
		return model.CreditStatusAvailable, nil
	}
	return model.CreditStatusExhausted, nil
}

// Deduct implements scheduler.CreditLedger.Deduct
func (l *Ledger) Deduct(ctx context.Context, userID string) error {
	if err := l.ensureBalance(ctx, userID); err != nil {
		return err
	}

	result, err := l.db.ExecContext(ctx, `
		UPDATE credit_balances SET remaining = remaining - 1
		WHERE user_id = ? AND remaining > 0
	`, userID)
	if err != nil {
		return fmt.Errorf("failed to deduct credit: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, userID)
	}
	return nil
}

// Balance returns the credits left in the user's current cycle
func (l *Ledger) Balance(ctx context.Context, userID string) (int, error) {
	if err := l.ensureBalance(ctx, userID); err != nil {
		return 0, err
	}

	var remaining int
	err := l.db.QueryRowContext(ctx, `
		SELECT remaining FROM credit_balances WHERE user_id = ?
	`, userID).Scan(&remaining)
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return remaining, nil
}

// ResetCycle starts a new credit cycle: the allowance is restored and the
// user's tasks may send a low-credit notice again.
func (l *Ledger) ResetCycle(ctx context.Context, userID string) error {
	allowance, err := l.allowance(ctx, userID)
	if err != nil {
		return err
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO credit_balances (user_id, remaining, cycle_started_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			remaining = excluded.remaining,
			cycle_started_at = excluded.cycle_started_at
	`, userID, allowance, l.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to reset credits: %w", err)
	}

	cleared, err := l.tasks.ClearCreditNotifications(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to clear credit notifications: %w", err)
	}

	l.logger.Info("Reset credit cycle",
		zap.String("user_id", userID),
		zap.Int("allowance", allowance),
		zap.Int64("tasks_cleared", cleared))
	return nil
}

// ensureBalance opens a first cycle for users without a balance row
func (l *Ledger) ensureBalance(ctx context.Context, userID string) error {
	allowance, err := l.allowance(ctx, userID)
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO credit_balances (user_id, remaining, cycle_started_at)
		VALUES (?, ?, ?)
	`, userID, allowance, l.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to open credit cycle: %w", err)
	}
	return nil
}

func (l *Ledger) allowance(ctx context.Context, userID string) (int, error) {
	user, err := l.users.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	if user == nil {
		return 0, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	if n, ok := l.config.Allowances[string(user.Tier)]; ok {
		return n, nil
	}
	return l.config.Allowances[l.config.DefaultTier], nil
}
