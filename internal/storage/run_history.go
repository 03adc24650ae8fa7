package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/wa-scheduler/internal/model"
)

// RunHistory defines the interface for task run history storage
type RunHistory interface {
	// Store stores a run record at start
	Store(ctx context.Context, run *model.RunRecord) error

	// Update records the outcome of a stored run
	Update(ctx context.Context, run *model.RunRecord) error

	// Get retrieves a run record by ID
	Get(ctx context.Context, id string) (*model.RunRecord, error)

	// List retrieves run records with pagination and equality filters on
	// task_id, user_id, status or delivery_mode
	List(ctx context.Context, filters map[string]interface{}, offset, limit int) ([]*model.RunRecord, error)

	// Count returns the total number of records matching the filters
	Count(ctx context.Context, filters map[string]interface{}) (int, error)

	// DeleteBefore deletes records started before the specified time
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

var runFilterColumns = map[string]bool{
	"task_id":       true,
	"user_id":       true,
	"status":        true,
	"delivery_mode": true,
}

// SQLiteRunHistory implements RunHistory using SQLite
type SQLiteRunHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteRunHistory creates a run history store on an opened database
func NewSQLiteRunHistory(logger *zap.Logger, db *sql.DB) *SQLiteRunHistory {
	return &SQLiteRunHistory{
		logger: logger.Named("run-history"),
		db:     db,
	}
}

// Store implements RunHistory.Store
func (s *SQLiteRunHistory) Store(ctx context.Context, run *model.RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_runs (
			id, task_id, user_id, status, started_at
		) VALUES (?, ?, ?, ?, ?)`,
		run.ID,
		run.TaskID,
		run.UserID,
		run.Status,
		run.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store run record: %w", err)
	}
	return nil
}

// Update implements RunHistory.Update
func (s *SQLiteRunHistory) Update(ctx context.Context, run *model.RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_runs SET
			status = ?,
			error = ?,
			delivery_mode = ?,
			completed_at = ?,
			duration = ?
		WHERE id = ?`,
		run.Status,
		nullString(run.Error),
		nullString(string(run.DeliveryMode)),
		nullTime(run.CompletedAt),
		sql.NullInt64{Int64: int64(run.Duration), Valid: run.Duration != 0},
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run record: %w", err)
	}
	return nil
}

// Get implements RunHistory.Get
func (s *SQLiteRunHistory) Get(ctx context.Context, id string) (*model.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, user_id, status, error, delivery_mode, started_at, completed_at, duration
		FROM task_runs
		WHERE id = ?`, id)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return run, nil
}

// List implements RunHistory.List
func (s *SQLiteRunHistory) List(ctx context.Context, filters map[string]interface{}, offset, limit int) ([]*model.RunRecord, error) {
	where, args, err := runFilters(filters)
	if err != nil {
		return nil, err
	}

	query := "SELECT id, task_id, user_id, status, error, delivery_mode, started_at, completed_at, duration FROM task_runs" +
		where + " ORDER BY started_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list run history: %w", err)
	}
	defer rows.Close()

	var runs []*model.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return runs, nil
}

// Count implements RunHistory.Count
func (s *SQLiteRunHistory) Count(ctx context.Context, filters map[string]interface{}) (int, error) {
	where, args, err := runFilters(filters)
	if err != nil {
		return 0, err
	}

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM task_runs"+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count run history: %w", err)
	}
	return count, nil
}

// DeleteBefore implements RunHistory.DeleteBefore
func (s *SQLiteRunHistory) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM task_runs WHERE started_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete run history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old run records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

// runFilters builds a WHERE clause from whitelisted columns, in a stable order.
func runFilters(filters map[string]interface{}) (string, []interface{}, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}

	keys := make([]string, 0, len(filters))
	for key := range filters {
		if !runFilterColumns[key] {
			return "", nil, fmt.Errorf("unsupported run history filter %q", key)
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	clauses := make([]string, 0, len(keys))
	args := make([]interface{}, 0, len(keys))
	for _, key := range keys {
		clauses = append(clauses, key+" = ?")
		args = append(args, filters[key])
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

func scanRun(row scanner) (*model.RunRecord, error) {
	run := &model.RunRecord{}
	var errorStr, deliveryMode sql.NullString
	var completedAt sql.NullTime
	var durationNanos sql.NullInt64

	err := row.Scan(
		&run.ID,
		&run.TaskID,
		&run.UserID,
		&run.Status,
		&errorStr,
		&deliveryMode,
		&run.StartedAt,
		&completedAt,
		&durationNanos,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run record: %w", err)
	}

	run.StartedAt = run.StartedAt.UTC()
	run.Error = errorStr.String
	run.DeliveryMode = model.DeliveryMode(deliveryMode.String)
	run.CompletedAt = timePtr(completedAt)
	if durationNanos.Valid {
		run.Duration = time.Duration(durationNanos.Int64)
	}
	return run, nil
}
