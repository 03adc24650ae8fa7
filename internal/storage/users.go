package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/wa-scheduler/internal/model"
)

// UserStore is the minimal account table the scheduler reads from
type UserStore interface {
	UpsertUser(ctx context.Context, user *model.User) error
	// GetUser returns nil, nil when the user does not exist
	GetUser(ctx context.Context, id string) (*model.User, error)
	TouchLastMessage(ctx context.Context, id string, at time.Time) error
}

// SQLiteUserStore implements UserStore using SQLite
type SQLiteUserStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteUserStore creates a user store on an opened database
func NewSQLiteUserStore(logger *zap.Logger, db *sql.DB) *SQLiteUserStore {
	return &SQLiteUserStore{
		logger: logger.Named("user-store"),
		db:     db,
	}
}

// UpsertUser implements UserStore.UpsertUser
func (s *SQLiteUserStore) UpsertUser(ctx context.Context, user *model.User) error {
	tier := user.Tier
	if tier == "" {
		tier = model.TierBasic
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, phone, timezone, tier, last_message_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			phone = excluded.phone,
			timezone = excluded.timezone,
			tier = excluded.tier,
			last_message_at = COALESCE(excluded.last_message_at, users.last_message_at)`,
		user.ID,
		user.Phone,
		nullString(user.Timezone),
		tier,
		nullTime(user.LastMessageAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

// GetUser implements UserStore.GetUser
func (s *SQLiteUserStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var user model.User
	var timezone sql.NullString
	var lastMessageAt sql.NullTime

	err := s.db.QueryRowContext(ctx,
		"SELECT id, phone, timezone, tier, last_message_at FROM users WHERE id = ?", id).Scan(
		&user.ID,
		&user.Phone,
		&timezone,
		&user.Tier,
		&lastMessageAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}

	user.Timezone = timezone.String
	user.LastMessageAt = timePtr(lastMessageAt)
	return &user, nil
}

// TouchLastMessage implements UserStore.TouchLastMessage
func (s *SQLiteUserStore) TouchLastMessage(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, "UPDATE users SET last_message_at = ? WHERE id = ?", at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	return nil
}
