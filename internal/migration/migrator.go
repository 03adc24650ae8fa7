// Package migration moves pending legacy reminders into scheduled tasks.
package migration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/wa-scheduler/internal/cronexpr"
	"github.com/t77yq/wa-scheduler/internal/model"
	"github.com/t77yq/wa-scheduler/internal/scheduler"
	"github.com/t77yq/wa-scheduler/internal/storage"
	"github.com/t77yq/wa-scheduler/internal/timer"
)

const maxTitleLength = 80

// Report counts what one run did
type Report struct {
	Migrated int `json:"migrated"`
	// Recovered is the part of Migrated that finished a run interrupted after
	// the task was created
	Recovered int `json:"recovered"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

type result int

const (
	resultMigrated result = iota
	resultRecovered
	resultSkipped
)

// Migrator converts legacy reminder jobs. Running it again is a no-op for
// jobs it already handled.
type Migrator struct {
	legacy storage.LegacyStore
	tasks  storage.TaskStore
	users  scheduler.UserLookup
	timer  timer.Timer
	logger *zap.Logger
	now    func() time.Time
}

// NewMigrator creates a migrator
func NewMigrator(legacy storage.LegacyStore, tasks storage.TaskStore, users scheduler.UserLookup, tmr timer.Timer, logger *zap.Logger) *Migrator {
	return &Migrator{
		legacy: legacy,
		tasks:  tasks,
		users:  users,
		timer:  tmr,
		logger: logger.Named("migration"),
		now:    time.Now,
	}
}

// Run migrates every pending reminder. A job that fails is counted and left
// pending so a later run retries it.
func (m *Migrator) Run(ctx context.Context) (Report, error) {
	var report Report

	jobs, err := m.legacy.ListLegacyJobs(ctx, model.LegacyJobKindReminder, model.LegacyJobStatusPending)
	if err != nil {
		return report, fmt.Errorf("failed to list legacy jobs: %w", err)
	}

	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		res, err := m.migrateJob(ctx, job)
		if err != nil {
			report.Failed++
			m.logger.Error("Failed to migrate legacy job",
				zap.String("job_id", job.ID),
				zap.String("user_id", job.UserID),
				zap.Error(err))
			continue
		}

		switch res {
		case resultMigrated:
			report.Migrated++
		case resultRecovered:
			report.Migrated++
			report.Recovered++
		case resultSkipped:
			report.Skipped++
		}
	}

	m.logger.Info("Legacy migration finished",
		zap.Int("migrated", report.Migrated),
		zap.Int("recovered", report.Recovered),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed))
	return report, nil
}

func (m *Migrator) migrateJob(ctx context.Context, job *model.LegacyJob) (result, error) {
	existing, err := m.tasks.GetTaskByMigratedFrom(ctx, job.ID)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return m.recover(ctx, job, existing)
	}

	now := m.now()
	tz, err := m.timezone(ctx, job)
	if err != nil {
		return 0, err
	}

	var schedule model.Schedule
	var runAt time.Time
	if job.CronExpr != "" {
		// the stored run time of a recurring job may be stale
		runAt, err = cronexpr.NextRun(job.CronExpr, tz, now)
		if err != nil {
			return 0, err
		}
		schedule = model.CronExpr(job.CronExpr)
	} else {
		if !job.RunAt.After(now) {
			m.cancelLegacyTimer(ctx, job)
			if err := m.legacy.SetLegacyJobStatus(ctx, job.ID, model.LegacyJobStatusCancelled); err != nil {
				return 0, err
			}
			m.logger.Info("Skipped expired one-off reminder",
				zap.String("job_id", job.ID),
				zap.Time("run_at", job.RunAt))
			return resultSkipped, nil
		}
		runAt = job.RunAt.UTC()
		schedule = model.OnceAt(runAt)
	}

	task := &model.ScheduledTask{
		ID:           uuid.New().String(),
		UserID:       job.UserID,
		Title:        reminderTitle(job.Payload),
		Description:  job.Payload,
		Schedule:     schedule,
		Timezone:     tz,
		Enabled:      true,
		CreatedAt:    now.UTC(),
		UpdatedAt:    now.UTC(),
		TimerHandle:  timer.NewHandle(),
		NextRunAt:    &runAt,
		MigratedFrom: job.ID,
	}

	// migrated reminders do not count against the tier quota
	if err := m.tasks.CreateTask(ctx, task, storage.NoLimit); err != nil {
		if errors.Is(err, storage.ErrDuplicateMigration) {
			existing, getErr := m.tasks.GetTaskByMigratedFrom(ctx, job.ID)
			if getErr != nil || existing == nil {
				return 0, err
			}
			return m.recover(ctx, job, existing)
		}
		return 0, err
	}

	if err := m.timer.Schedule(ctx, task.TimerHandle, runAt, task.ID); err != nil {
		if delErr := m.tasks.DeleteTask(ctx, task.ID); delErr != nil {
			m.logger.Error("Failed to roll back migrated task",
				zap.String("task_id", task.ID),
				zap.Error(delErr))
		}
		return 0, fmt.Errorf("failed to register timer: %w", err)
	}

	if err := m.finish(ctx, job, task); err != nil {
		return 0, err
	}

	m.logger.Info("Migrated legacy job",
		zap.String("job_id", job.ID),
		zap.String("task_id", task.ID),
		zap.String("kind", string(task.Schedule.Kind)),
		zap.Time("next_run", runAt))
	return resultMigrated, nil
}

// recover completes a job whose task was created by an earlier, interrupted run
func (m *Migrator) recover(ctx context.Context, job *model.LegacyJob, task *model.ScheduledTask) (result, error) {
	if task.Enabled && task.TimerHandle != "" && task.NextRunAt != nil {
		pending, err := m.timer.Pending(ctx, task.TimerHandle)
		if err != nil {
			return 0, err
		}
		if !pending {
			at := *task.NextRunAt
			if now := m.now(); at.Before(now) {
				at = now
			}
			if err := m.timer.Schedule(ctx, task.TimerHandle, at, task.ID); err != nil {
				return 0, fmt.Errorf("failed to register timer: %w", err)
			}
		}
	}

	if err := m.finish(ctx, job, task); err != nil {
		return 0, err
	}

	m.logger.Info("Recovered interrupted migration",
		zap.String("job_id", job.ID),
		zap.String("task_id", task.ID))
	return resultRecovered, nil
}

// finish retires the legacy job and points its references at the task
func (m *Migrator) finish(ctx context.Context, job *model.LegacyJob, task *model.ScheduledTask) error {
	m.cancelLegacyTimer(ctx, job)

	repointed, err := m.legacy.RepointReferences(ctx, job.ID, task.ID)
	if err != nil {
		return fmt.Errorf("failed to repoint references: %w", err)
	}
	if repointed > 0 {
		m.logger.Debug("Repointed references",
			zap.String("job_id", job.ID),
			zap.String("task_id", task.ID),
			zap.Int64("count", repointed))
	}

	// cancelled last: a crash before this point is finished by the next run
	return m.legacy.SetLegacyJobStatus(ctx, job.ID, model.LegacyJobStatusCancelled)
}

func (m *Migrator) cancelLegacyTimer(ctx context.Context, job *model.LegacyJob) {
	if job.TimerHandle == "" {
		return
	}
	if err := m.timer.Cancel(ctx, job.TimerHandle); err != nil {
		m.logger.Warn("Failed to cancel legacy timer",
			zap.String("job_id", job.ID),
			zap.String("handle", job.TimerHandle),
			zap.Error(err))
	}
}

// timezone picks the job's zone, then the user's, then UTC
func (m *Migrator) timezone(ctx context.Context, job *model.LegacyJob) (string, error) {
	if job.Timezone != "" && cronexpr.ValidateTimezone(job.Timezone) == nil {
		return job.Timezone, nil
	}
	user, err := m.users.GetUser(ctx, job.UserID)
	if err != nil {
		return "", err
	}
	if user != nil && user.Timezone != "" && cronexpr.ValidateTimezone(user.Timezone) == nil {
		return user.Timezone, nil
	}
	return "UTC", nil
}

func reminderTitle(payload string) string {
	line := strings.TrimSpace(payload)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if line == "" {
		return "Reminder"
	}
	return scheduler.Truncate(line, maxTitleLength)
}
