package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/wa-scheduler/internal/cronexpr"
	"github.com/t77yq/wa-scheduler/internal/model"
	"github.com/t77yq/wa-scheduler/internal/storage"
	"github.com/t77yq/wa-scheduler/internal/timer"
)

const maxWriteAttempts = 3

// Quotas maps subscription tiers to the maximum number of tasks a user may own
type Quotas struct {
	TierLimits  map[string]int
	DefaultTier string
}

// LimitFor returns the task cap for a tier, falling back to the default tier
func (q Quotas) LimitFor(tier model.Tier) int {
	if limit, ok := q.TierLimits[string(tier)]; ok {
		return limit
	}
	return q.TierLimits[q.DefaultTier]
}

// ScheduleInput describes a schedule as a caller provides it. A one-off run
// time is either an absolute instant or a naive local datetime
// ("2026-03-01T09:00:00") interpreted in the task timezone.
type ScheduleInput struct {
	Kind       model.ScheduleKind `json:"kind" validate:"required,oneof=once cron"`
	RunAt      *time.Time         `json:"run_at,omitempty"`
	LocalRunAt string             `json:"local_run_at,omitempty"`
	Expr       string             `json:"expr,omitempty"`
}

// CreateTaskInput holds the fields of a new task
type CreateTaskInput struct {
	UserID         string        `json:"user_id" validate:"required"`
	Title          string        `json:"title" validate:"required,max=120"`
	Description    string        `json:"description" validate:"max=4000"`
	Schedule       ScheduleInput `json:"schedule"`
	Timezone       string        `json:"timezone,omitempty"`
	DeliveryFormat string        `json:"delivery_format,omitempty" validate:"max=200"`
}

// UpdateTaskInput holds the fields to change; nil fields are left alone.
// UserID, when set, must own the task.
type UpdateTaskInput struct {
	UserID         string         `json:"user_id,omitempty"`
	Title          *string        `json:"title,omitempty" validate:"omitempty,min=1,max=120"`
	Description    *string        `json:"description,omitempty" validate:"omitempty,max=4000"`
	Schedule       *ScheduleInput `json:"schedule,omitempty"`
	Timezone       *string        `json:"timezone,omitempty"`
	Enabled        *bool          `json:"enabled,omitempty"`
	DeliveryFormat *string        `json:"delivery_format,omitempty" validate:"omitempty,max=200"`
}

// Service owns the scheduled task lifecycle
type Service struct {
	logger   *zap.Logger
	store    storage.TaskStore
	users    UserLookup
	timer    timer.Timer
	quotas   Quotas
	validate *validator.Validate
	now      func() time.Time
}

// ServiceOption customises a Service
type ServiceOption func(*Service)

// WithClock replaces time.Now
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates a task lifecycle service
func NewService(store storage.TaskStore, users UserLookup, tmr timer.Timer, quotas Quotas, logger *zap.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		logger:   logger.Named("tasks"),
		store:    store,
		users:    users,
		timer:    tmr,
		quotas:   quotas,
		validate: validator.New(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates and stores a task, then registers its first wake-up. If
// the wake-up cannot be registered the task is removed again.
func (s *Service) Create(ctx context.Context, in CreateTaskInput) (*model.ScheduledTask, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	user, err := s.users.GetUser(ctx, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, in.UserID)
	}

	tz := in.Timezone
	if tz == "" {
		tz = fallbackTimezone(user.Timezone)
	}
	if err := cronexpr.ValidateTimezone(tz); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	now := s.now()
	schedule, runAt, err := s.resolveSchedule(in.Schedule, tz, now)
	if err != nil {
		return nil, err
	}

	task := &model.ScheduledTask{
		ID:             uuid.New().String(),
		UserID:         in.UserID,
		Title:          in.Title,
		Description:    in.Description,
		Schedule:       schedule,
		Timezone:       tz,
		DeliveryFormat: in.DeliveryFormat,
		Enabled:        true,
		CreatedAt:      now.UTC(),
		UpdatedAt:      now.UTC(),
		TimerHandle:    timer.NewHandle(),
		NextRunAt:      &runAt,
	}

	limit := s.quotas.LimitFor(user.Tier)
	if err := s.store.CreateTask(ctx, task, limit); err != nil {
		if errors.Is(err, storage.ErrLimitReached) {
			return nil, fmt.Errorf("%w: maximum %d tasks allowed", ErrTaskLimit, limit)
		}
		return nil, err
	}

	if err := s.timer.Schedule(ctx, task.TimerHandle, runAt, task.ID); err != nil {
		if delErr := s.store.DeleteTask(ctx, task.ID); delErr != nil {
			s.logger.Error("Failed to roll back task after timer error",
				zap.String("task_id", task.ID),
				zap.Error(delErr))
		}
		return nil, fmt.Errorf("failed to register timer: %w", err)
	}

	s.logger.Info("Created task",
		zap.String("task_id", task.ID),
		zap.String("user_id", task.UserID),
		zap.String("kind", string(task.Schedule.Kind)),
		zap.Time("next_run", runAt))
	return task, nil
}

// Update applies a partial change. A changed schedule or timezone, or a
// flipped enabled flag, cancels the current wake-up and registers a new one
// if the task ends up enabled. If that registration fails the change is
// still stored and left for the reconciler to arm.
func (s *Service) Update(ctx context.Context, taskID string, in UpdateTaskInput) (*model.ScheduledTask, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if in.Timezone != nil {
		if err := cronexpr.ValidateTimezone(*in.Timezone); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
	}

	for attempt := 1; ; attempt++ {
		current, err := s.load(ctx, taskID, in.UserID)
		if err != nil {
			return nil, err
		}

		updated, rearm, err := s.apply(current, in)
		if err != nil {
			return nil, err
		}

		err = s.store.UpdateTask(ctx, updated)
		if errors.Is(err, storage.ErrVersionConflict) && attempt < maxWriteAttempts {
			s.logger.Debug("Task changed during update, retrying", zap.String("task_id", taskID))
			continue
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		if err != nil {
			return nil, err
		}

		if rearm {
			s.cancelTimer(ctx, current)
			if updated.Enabled {
				if err := s.timer.Schedule(ctx, updated.TimerHandle, *updated.NextRunAt, updated.ID); err != nil {
					// the change is stored; the reconciler arms the new handle
					s.logger.Error("Failed to register timer for updated task",
						zap.String("task_id", updated.ID),
						zap.Error(err))
					return nil, fmt.Errorf("failed to register timer: %w", err)
				}
			}
		}

		s.logger.Info("Updated task",
			zap.String("task_id", updated.ID),
			zap.Bool("enabled", updated.Enabled),
			zap.Bool("rescheduled", rearm))
		return updated, nil
	}
}

func (s *Service) apply(current *model.ScheduledTask, in UpdateTaskInput) (*model.ScheduledTask, bool, error) {
	updated := current.Clone()
	now := s.now()
	updated.UpdatedAt = now.UTC()

	if in.Title != nil {
		updated.Title = *in.Title
	}
	if in.Description != nil {
		updated.Description = *in.Description
	}
	if in.DeliveryFormat != nil {
		updated.DeliveryFormat = *in.DeliveryFormat
	}
	if in.Timezone != nil {
		updated.Timezone = *in.Timezone
	}
	if in.Enabled != nil {
		updated.Enabled = *in.Enabled
	}

	rearm := updated.Enabled != current.Enabled || updated.Timezone != current.Timezone
	if in.Schedule != nil {
		schedule, err := s.parseSchedule(*in.Schedule, updated.Timezone)
		if err != nil {
			return nil, false, err
		}
		if !schedule.Equal(current.Schedule) {
			rearm = true
		}
		updated.Schedule = schedule
	}

	if !rearm {
		return updated, false, nil
	}

	updated.TimerHandle = ""
	updated.NextRunAt = nil
	if updated.Enabled {
		runAt, err := s.firstRun(updated.Schedule, updated.Timezone, now)
		if err != nil {
			return nil, false, err
		}
		updated.TimerHandle = timer.NewHandle()
		updated.NextRunAt = &runAt
	}
	return updated, true, nil
}

// Delete removes a task after cancelling its wake-up. A non-empty
// expectedUserID must own the task.
func (s *Service) Delete(ctx context.Context, taskID, expectedUserID string) error {
	task, err := s.load(ctx, taskID, expectedUserID)
	if err != nil {
		return err
	}

	s.cancelTimer(ctx, task)
	if err := s.store.DeleteTask(ctx, taskID); err != nil {
		return err
	}

	s.logger.Info("Deleted task",
		zap.String("task_id", taskID),
		zap.String("user_id", task.UserID))
	return nil
}

// Get returns a task by id
func (s *Service) Get(ctx context.Context, taskID string) (*model.ScheduledTask, error) {
	return s.load(ctx, taskID, "")
}

// List returns every task of a user, enabled or not
func (s *Service) List(ctx context.Context, userID string) ([]*model.ScheduledTask, error) {
	return s.store.ListTasksByUser(ctx, userID)
}

// CancelAllForUser cancels every wake-up of a user and deletes all their tasks
func (s *Service) CancelAllForUser(ctx context.Context, userID string) (int, error) {
	tasks, err := s.store.ListTasksByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	for _, task := range tasks {
		s.cancelTimer(ctx, task)
	}

	deleted, err := s.store.DeleteTasksByUser(ctx, userID)
	if err != nil {
		return 0, err
	}

	s.logger.Info("Cancelled all tasks for user",
		zap.String("user_id", userID),
		zap.Int64("deleted", deleted))
	return int(deleted), nil
}

// MarkLastRun records an execution outcome. Schedule fields are untouched.
func (s *Service) MarkLastRun(ctx context.Context, taskID string, status model.RunStatus, creditNotificationSent *bool) error {
	err := s.store.MarkLastRun(ctx, taskID, status, s.now(), creditNotificationSent)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return err
}

func (s *Service) load(ctx context.Context, taskID, expectedUserID string) (*model.ScheduledTask, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if expectedUserID != "" && task.UserID != expectedUserID {
		return nil, fmt.Errorf("%w: %s", ErrNotOwner, taskID)
	}
	return task, nil
}

func (s *Service) cancelTimer(ctx context.Context, task *model.ScheduledTask) {
	if task.TimerHandle == "" {
		return
	}
	if err := s.timer.Cancel(ctx, task.TimerHandle); err != nil {
		s.logger.Warn("Failed to cancel timer",
			zap.String("task_id", task.ID),
			zap.String("handle", task.TimerHandle),
			zap.Error(err))
	}
}

func (s *Service) resolveSchedule(in ScheduleInput, tz string, now time.Time) (model.Schedule, time.Time, error) {
	schedule, err := s.parseSchedule(in, tz)
	if err != nil {
		return model.Schedule{}, time.Time{}, err
	}
	runAt, err := s.firstRun(schedule, tz, now)
	if err != nil {
		return model.Schedule{}, time.Time{}, err
	}
	return schedule, runAt, nil
}

func (s *Service) parseSchedule(in ScheduleInput, tz string) (model.Schedule, error) {
	switch in.Kind {
	case model.ScheduleKindOnce:
		switch {
		case in.RunAt != nil:
			return model.OnceAt(*in.RunAt), nil
		case in.LocalRunAt != "":
			at, err := cronexpr.LocalToUTC(in.LocalRunAt, tz)
			if err != nil {
				return model.Schedule{}, fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
			}
			return model.OnceAt(at), nil
		default:
			return model.Schedule{}, fmt.Errorf("%w: once schedule needs a run time", ErrInvalidSchedule)
		}
	case model.ScheduleKindCron:
		if err := cronexpr.Validate(in.Expr); err != nil {
			return model.Schedule{}, fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
		}
		return model.CronExpr(in.Expr), nil
	default:
		return model.Schedule{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidSchedule, in.Kind)
	}
}

func (s *Service) firstRun(schedule model.Schedule, tz string, now time.Time) (time.Time, error) {
	if schedule.Kind == model.ScheduleKindOnce {
		if !schedule.RunAt.After(now) {
			return time.Time{}, fmt.Errorf("%w: %s is not after %s", ErrRunAtInPast,
				schedule.RunAt.Format(time.RFC3339), now.UTC().Format(time.RFC3339))
		}
		return *schedule.RunAt, nil
	}

	next, err := cronexpr.NextRun(schedule.Expr, tz, now)
	if err != nil {
		if errors.Is(err, cronexpr.ErrNoMatch) {
			s.logger.Error("Cron expression never matches",
				zap.String("expr", schedule.Expr),
				zap.String("timezone", tz),
				zap.Error(err))
		}
		return time.Time{}, fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}
	return next, nil
}

func fallbackTimezone(candidates ...string) string {
	for _, tz := range candidates {
		if tz != "" && cronexpr.ValidateTimezone(tz) == nil {
			return tz
		}
	}
	return "UTC"
}
