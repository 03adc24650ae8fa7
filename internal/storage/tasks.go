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

// TaskStore defines the interface for scheduled task storage
type TaskStore interface {
	// CreateTask inserts a task. Unless limit is NoLimit the user's existing
	// task count is checked in the same transaction and ErrLimitReached is
	// returned if it is already at the limit.
	CreateTask(ctx context.Context, task *model.ScheduledTask, limit int) error

	// GetTask returns nil, nil when the task does not exist
	GetTask(ctx context.Context, id string) (*model.ScheduledTask, error)

	// GetTaskByMigratedFrom finds the task created from a legacy job
	GetTaskByMigratedFrom(ctx context.Context, legacyID string) (*model.ScheduledTask, error)

	ListTasksByUser(ctx context.Context, userID string) ([]*model.ScheduledTask, error)
	ListEnabledTasks(ctx context.Context) ([]*model.ScheduledTask, error)
	CountTasksByUser(ctx context.Context, userID string) (int, error)

	// UpdateTask writes every mutable field if the stored version still equals
	// task.Version, then increments task.Version.
	UpdateTask(ctx context.Context, task *model.ScheduledTask) error

	// MarkLastRun records an execution outcome without touching schedule
	// fields or the version.
	MarkLastRun(ctx context.Context, id string, status model.RunStatus, at time.Time, creditNotificationSent *bool) error

	// ClearCreditNotifications resets the low-credit flag on every task of a user
	ClearCreditNotifications(ctx context.Context, userID string) (int64, error)

	DeleteTask(ctx context.Context, id string) error
	DeleteTasksByUser(ctx context.Context, userID string) (int64, error)
}

// SQLiteTaskStore implements TaskStore using SQLite
type SQLiteTaskStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteTaskStore creates a task store on an opened database
func NewSQLiteTaskStore(logger *zap.Logger, db *sql.DB) *SQLiteTaskStore {
	return &SQLiteTaskStore{
		logger: logger.Named("task-store"),
		db:     db,
	}
}

const taskColumns = `id, user_id, title, description, schedule_kind, schedule_run_at, schedule_expr,
	timezone, delivery_format, enabled, created_at, updated_at, last_run_at, last_status,
	credit_notification_sent, timer_handle, next_run_at, version, migrated_from`

// CreateTask implements TaskStore.CreateTask
func (s *SQLiteTaskStore) CreateTask(ctx context.Context, task *model.ScheduledTask, limit int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if limit != NoLimit {
		var count int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM scheduled_tasks WHERE user_id = ?", task.UserID).Scan(&count); err != nil {
			return fmt.Errorf("failed to count tasks: %w", err)
		}
		if count >= limit {
			return fmt.Errorf("%w: user has %d of %d", ErrLimitReached, count, limit)
		}
	}

	if task.Version == 0 {
		task.Version = 1
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID,
		task.UserID,
		task.Title,
		task.Description,
		task.Schedule.Kind,
		nullTime(task.Schedule.RunAt),
		nullString(task.Schedule.Expr),
		task.Timezone,
		nullString(task.DeliveryFormat),
		task.Enabled,
		task.CreatedAt.UTC(),
		task.UpdatedAt.UTC(),
		nullTime(task.LastRunAt),
		nullString(string(task.LastStatus)),
		task.CreditNotificationSent,
		nullString(task.TimerHandle),
		nullTime(task.NextRunAt),
		task.Version,
		nullString(task.MigratedFrom),
	)
	if err != nil {
		if isUniqueViolation(err) && task.MigratedFrom != "" {
			return fmt.Errorf("%w: %s", ErrDuplicateMigration, task.MigratedFrom)
		}
		return fmt.Errorf("failed to insert task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit task: %w", err)
	}
	return nil
}

// GetTask implements TaskStore.GetTask
func (s *SQLiteTaskStore) GetTask(ctx context.Context, id string) (*model.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM scheduled_tasks WHERE id = ?", id)
	return scanOptionalTask(row)
}

// GetTaskByMigratedFrom implements TaskStore.GetTaskByMigratedFrom
func (s *SQLiteTaskStore) GetTaskByMigratedFrom(ctx context.Context, legacyID string) (*model.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM scheduled_tasks WHERE migrated_from = ?", legacyID)
	return scanOptionalTask(row)
}

// ListTasksByUser implements TaskStore.ListTasksByUser
func (s *SQLiteTaskStore) ListTasksByUser(ctx context.Context, userID string) ([]*model.ScheduledTask, error) {
	return s.queryTasks(ctx, "SELECT "+taskColumns+" FROM scheduled_tasks WHERE user_id = ? ORDER BY created_at, id", userID)
}

// ListEnabledTasks implements TaskStore.ListEnabledTasks
func (s *SQLiteTaskStore) ListEnabledTasks(ctx context.Context) ([]*model.ScheduledTask, error) {
	return s.queryTasks(ctx, "SELECT "+taskColumns+" FROM scheduled_tasks WHERE enabled = 1 ORDER BY created_at, id")
}

// CountTasksByUser implements TaskStore.CountTasksByUser
func (s *SQLiteTaskStore) CountTasksByUser(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM scheduled_tasks WHERE user_id = ?", userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return count, nil
}

// UpdateTask implements TaskStore.UpdateTask
func (s *SQLiteTaskStore) UpdateTask(ctx context.Context, task *model.ScheduledTask) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET
			title = ?,
			description = ?,
			schedule_kind = ?,
			schedule_run_at = ?,
			schedule_expr = ?,
			timezone = ?,
			delivery_format = ?,
			enabled = ?,
			updated_at = ?,
			timer_handle = ?,
			next_run_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?`,
		task.Title,
		task.Description,
		task.Schedule.Kind,
		nullTime(task.Schedule.RunAt),
		nullString(task.Schedule.Expr),
		task.Timezone,
		nullString(task.DeliveryFormat),
		task.Enabled,
		task.UpdatedAt.UTC(),
		nullString(task.TimerHandle),
		nullTime(task.NextRunAt),
		task.ID,
		task.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return s.missingOrConflict(ctx, task.ID)
	}

	task.Version++
	return nil
}

// MarkLastRun implements TaskStore.MarkLastRun
func (s *SQLiteTaskStore) MarkLastRun(ctx context.Context, id string, status model.RunStatus, at time.Time, creditNotificationSent *bool) error {
	query := "UPDATE scheduled_tasks SET last_run_at = ?, last_status = ?"
	args := []interface{}{at.UTC(), status}
	if creditNotificationSent != nil {
		query += ", credit_notification_sent = ?"
		args = append(args, *creditNotificationSent)
	}
	query += " WHERE id = ?"
	args = append(args, id)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to mark last run: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	return nil
}

// ClearCreditNotifications implements TaskStore.ClearCreditNotifications
func (s *SQLiteTaskStore) ClearCreditNotifications(ctx context.Context, userID string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE scheduled_tasks SET credit_notification_sent = 0 WHERE user_id = ? AND credit_notification_sent = 1", userID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear credit notifications: %w", err)
	}
	return result.RowsAffected()
}

// DeleteTask implements TaskStore.DeleteTask
func (s *SQLiteTaskStore) DeleteTask(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM scheduled_tasks WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// DeleteTasksByUser implements TaskStore.DeleteTasksByUser
func (s *SQLiteTaskStore) DeleteTasksByUser(ctx context.Context, userID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM scheduled_tasks WHERE user_id = ?", userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete tasks: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted user tasks",
		zap.String("user_id", userID),
		zap.Int64("deleted", affected))
	return affected, nil
}

func (s *SQLiteTaskStore) missingOrConflict(ctx context.Context, id string) error {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM scheduled_tasks WHERE id = ?", id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to check task: %w", err)
	}
	return fmt.Errorf("%w: task %s", ErrVersionConflict, id)
}

func (s *SQLiteTaskStore) queryTasks(ctx context.Context, query string, args ...interface{}) ([]*model.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return tasks, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOptionalTask(row scanner) (*model.ScheduledTask, error) {
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return task, err
}

func scanTask(row scanner) (*model.ScheduledTask, error) {
	var task model.ScheduledTask
	var runAt, lastRunAt, nextRunAt sql.NullTime
	var expr, deliveryFormat, lastStatus, timerHandle, migratedFrom sql.NullString

	err := row.Scan(
		&task.ID,
		&task.UserID,
		&task.Title,
		&task.Description,
		&task.Schedule.Kind,
		&runAt,
		&expr,
		&task.Timezone,
		&deliveryFormat,
		&task.Enabled,
		&task.CreatedAt,
		&task.UpdatedAt,
		&lastRunAt,
		&lastStatus,
		&task.CreditNotificationSent,
		&timerHandle,
		&nextRunAt,
		&task.Version,
		&migratedFrom,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	task.Schedule.RunAt = timePtr(runAt)
	task.Schedule.Expr = expr.String
	task.DeliveryFormat = deliveryFormat.String
	task.CreatedAt = task.CreatedAt.UTC()
	task.UpdatedAt = task.UpdatedAt.UTC()
	task.LastRunAt = timePtr(lastRunAt)
	task.LastStatus = model.RunStatus(lastStatus.String)
	task.TimerHandle = timerHandle.String
	task.NextRunAt = timePtr(nextRunAt)
	task.MigratedFrom = migratedFrom.String

	return &task, nil
}
