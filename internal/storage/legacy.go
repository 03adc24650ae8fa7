package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/t77yq/wa-scheduler/internal/model"
)

// LegacyStore gives access to the old scheduled_jobs table and to the
// records that reference jobs by id.
type LegacyStore interface {
	InsertLegacyJob(ctx context.Context, job *model.LegacyJob) error
	GetLegacyJob(ctx context.Context, id string) (*model.LegacyJob, error)
	ListLegacyJobs(ctx context.Context, kind model.LegacyJobKind, status model.LegacyJobStatus) ([]*model.LegacyJob, error)
	SetLegacyJobStatus(ctx context.Context, id string, status model.LegacyJobStatus) error

	InsertReference(ctx context.Context, ref *model.JobReference) error
	ListReferences(ctx context.Context, refID string) ([]*model.JobReference, error)
	// RepointReferences rewrites every reference to oldID so it points at newID
	RepointReferences(ctx context.Context, oldID, newID string) (int64, error)
}

// SQLiteLegacyStore implements LegacyStore using SQLite
type SQLiteLegacyStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteLegacyStore creates a legacy job store on an opened database
func NewSQLiteLegacyStore(logger *zap.Logger, db *sql.DB) *SQLiteLegacyStore {
	return &SQLiteLegacyStore{
		logger: logger.Named("legacy-store"),
		db:     db,
	}
}

// InsertLegacyJob implements LegacyStore.InsertLegacyJob
func (s *SQLiteLegacyStore) InsertLegacyJob(ctx context.Context, job *model.LegacyJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_jobs (
			id, user_id, kind, payload, run_at, status, cron_expr, timezone, timer_handle
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.UserID,
		job.Kind,
		job.Payload,
		job.RunAt.UTC(),
		job.Status,
		nullString(job.CronExpr),
		nullString(job.Timezone),
		nullString(job.TimerHandle),
	)
	if err != nil {
		return fmt.Errorf("failed to insert legacy job: %w", err)
	}
	return nil
}

// GetLegacyJob implements LegacyStore.GetLegacyJob
func (s *SQLiteLegacyStore) GetLegacyJob(ctx context.Context, id string) (*model.LegacyJob, error) {
	var job model.LegacyJob
	var cronExpr, timezone, timerHandle sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, kind, payload, run_at, status, cron_expr, timezone, timer_handle
		FROM scheduled_jobs
		WHERE id = ?`, id).Scan(
		&job.ID,
		&job.UserID,
		&job.Kind,
		&job.Payload,
		&job.RunAt,
		&job.Status,
		&cronExpr,
		&timezone,
		&timerHandle,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan legacy job: %w", err)
	}

	job.RunAt = job.RunAt.UTC()
	job.CronExpr = cronExpr.String
	job.Timezone = timezone.String
	job.TimerHandle = timerHandle.String
	return &job, nil
}

// ListLegacyJobs implements LegacyStore.ListLegacyJobs
func (s *SQLiteLegacyStore) ListLegacyJobs(ctx context.Context, kind model.LegacyJobKind, status model.LegacyJobStatus) ([]*model.LegacyJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, kind, payload, run_at, status, cron_expr, timezone, timer_handle
		FROM scheduled_jobs
		WHERE kind = ? AND status = ?
		ORDER BY run_at, id`, kind, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list legacy jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.LegacyJob
	for rows.Next() {
		job := &model.LegacyJob{}
		var cronExpr, timezone, timerHandle sql.NullString

		err := rows.Scan(
			&job.ID,
			&job.UserID,
			&job.Kind,
			&job.Payload,
			&job.RunAt,
			&job.Status,
			&cronExpr,
			&timezone,
			&timerHandle,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan legacy job: %w", err)
		}

		job.RunAt = job.RunAt.UTC()
		job.CronExpr = cronExpr.String
		job.Timezone = timezone.String
		job.TimerHandle = timerHandle.String
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return jobs, nil
}

// SetLegacyJobStatus implements LegacyStore.SetLegacyJobStatus
func (s *SQLiteLegacyStore) SetLegacyJobStatus(ctx context.Context, id string, status model.LegacyJobStatus) error {
	result, err := s.db.ExecContext(ctx, "UPDATE scheduled_jobs SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("failed to update legacy job: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: legacy job %s", ErrNotFound, id)
	}
	return nil
}

// InsertReference implements LegacyStore.InsertReference
func (s *SQLiteLegacyStore) InsertReference(ctx context.Context, ref *model.JobReference) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO job_refs (id, user_id, kind, ref_id) VALUES (?, ?, ?, ?)",
		ref.ID, ref.UserID, ref.Kind, ref.RefID)
	if err != nil {
		return fmt.Errorf("failed to insert job reference: %w", err)
	}
	return nil
}

// ListReferences implements LegacyStore.ListReferences
func (s *SQLiteLegacyStore) ListReferences(ctx context.Context, refID string) ([]*model.JobReference, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, kind, ref_id FROM job_refs WHERE ref_id = ? ORDER BY id", refID)
	if err != nil {
		return nil, fmt.Errorf("failed to list job references: %w", err)
	}
	defer rows.Close()

	var refs []*model.JobReference
	for rows.Next() {
		ref := &model.JobReference{}
		if err := rows.Scan(&ref.ID, &ref.UserID, &ref.Kind, &ref.RefID); err != nil {
			return nil, fmt.Errorf("failed to scan job reference: %w", err)
		}
		refs = append(refs, ref)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return refs, nil
}

// RepointReferences implements LegacyStore.RepointReferences
func (s *SQLiteLegacyStore) RepointReferences(ctx context.Context, oldID, newID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, "UPDATE job_refs SET ref_id = ? WHERE ref_id = ?", newID, oldID)
	if err != nil {
		return 0, fmt.Errorf("failed to repoint job references: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected > 0 {
		s.logger.Info("Repointed job references",
			zap.String("from", oldID),
			zap.String("to", newID),
			zap.Int64("updated", affected))
	}
	return affected, nil
}
