package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/wa-scheduler/internal/cronexpr"
	"github.com/t77yq/wa-scheduler/internal/model"
	"github.com/t77yq/wa-scheduler/internal/storage"
	"github.com/t77yq/wa-scheduler/internal/timer"
)

// ReconcilerConfig controls the maintenance jobs
type ReconcilerConfig struct {
	// RearmSpec is the cron spec of the re-arm sweep
	RearmSpec string
	// RearmGrace is how long an overdue task is left alone in case its
	// firing is still executing elsewhere
	RearmGrace time.Duration
	// SharedTimer is set when other processes claim wake-ups from the same
	// timer. The startup sweep then honours RearmGrace as well.
	SharedTimer bool
	// PruneSpec is the cron spec of run history pruning
	PruneSpec        string
	HistoryRetention time.Duration
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

type runningChecker interface {
	IsRunning(taskID string) bool
}

// Reconciler re-arms enabled tasks whose wake-up was lost (process restart
// with the in-memory timer, failed registration) and prunes run history.
type Reconciler struct {
	logger  *zap.Logger
	config  ReconcilerConfig
	cron    *cron.Cron
	store   storage.TaskStore
	history storage.RunHistory
	timer   timer.Timer
	running runningChecker
	now     func() time.Time
}

// NewReconciler creates a reconciler. running may be nil.
func NewReconciler(config ReconcilerConfig, store storage.TaskStore, history storage.RunHistory, tmr timer.Timer, running runningChecker, logger *zap.Logger) *Reconciler {
	if config.RearmSpec == "" {
		config.RearmSpec = "*/5 * * * *"
	}
	if config.PruneSpec == "" {
		config.PruneSpec = "0 3 * * *"
	}
	if config.HistoryRetention <= 0 {
		config.HistoryRetention = 30 * 24 * time.Hour
	}

	cronLogger := &cronLogger{logger: logger.Named("cron")}
	return &Reconciler{
		logger:  logger.Named("reconciler"),
		config:  config,
		cron:    cron.New(cron.WithLogger(cronLogger), cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		store:   store,
		history: history,
		timer:   tmr,
		running: running,
		now:     time.Now,
	}
}

// Start runs one sweep immediately, then schedules the periodic jobs
func (r *Reconciler) Start(ctx context.Context) error {
	if _, err := r.cron.AddFunc(r.config.RearmSpec, func() {
		if _, err := r.Sweep(ctx, r.config.RearmGrace); err != nil {
			r.logger.Error("Re-arm sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("invalid re-arm spec: %w", err)
	}

	if _, err := r.cron.AddFunc(r.config.PruneSpec, func() {
		if _, err := r.Prune(ctx); err != nil {
			r.logger.Error("History prune failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("invalid prune spec: %w", err)
	}

	// A private timer has no firings in flight yet; a shared one may.
	startupGrace := time.Duration(0)
	if r.config.SharedTimer {
		startupGrace = r.config.RearmGrace
	}
	if _, err := r.Sweep(ctx, startupGrace); err != nil {
		r.logger.Error("Startup sweep failed", zap.Error(err))
	}

	r.cron.Start()
	r.logger.Info("Started reconciler",
		zap.String("rearm_spec", r.config.RearmSpec),
		zap.String("prune_spec", r.config.PruneSpec))
	return nil
}

// Stop stops the reconciler and waits for running jobs
func (r *Reconciler) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// Sweep arms every enabled task that has no pending wake-up. It returns the
// number of tasks re-armed.
func (r *Reconciler) Sweep(ctx context.Context, grace time.Duration) (int, error) {
	tasks, err := r.store.ListEnabledTasks(ctx)
	if err != nil {
		return 0, err
	}

	rearmed := 0
	for _, task := range tasks {
		if r.running != nil && r.running.IsRunning(task.ID) {
			continue
		}
		if task.TimerHandle != "" {
			pending, err := r.timer.Pending(ctx, task.TimerHandle)
			if err != nil {
				r.logger.Error("Failed to check timer", zap.String("task_id", task.ID), zap.Error(err))
				continue
			}
			if pending {
				continue
			}
		}

		ok, err := r.rearm(ctx, task, grace)
		if err != nil {
			r.logger.Error("Failed to re-arm task", zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		if ok {
			rearmed++
		}
	}

	if rearmed > 0 {
		r.logger.Info("Re-armed tasks", zap.Int("count", rearmed))
	}
	return rearmed, nil
}

func (r *Reconciler) rearm(ctx context.Context, task *model.ScheduledTask, grace time.Duration) (bool, error) {
	now := r.now()

	due := task.NextRunAt
	if task.IsOnce() {
		due = task.Schedule.RunAt
	}
	if due != nil && !due.After(now) && now.Sub(*due) < grace {
		return false, nil
	}

	var at time.Time
	switch {
	case task.IsOnce():
		if task.Schedule.RunAt == nil {
			return false, fmt.Errorf("once task without run time")
		}
		// an overdue one-off fires now
		at = *task.Schedule.RunAt
		if at.Before(now) {
			at = now
		}
	case task.NextRunAt != nil && task.NextRunAt.After(now):
		at = *task.NextRunAt
	default:
		// missed occurrences are not replayed
		next, err := cronexpr.NextRun(task.Schedule.Expr, task.Timezone, now)
		if err != nil {
			return false, err
		}
		at = next
	}

	stale := task.TimerHandle
	task.TimerHandle = timer.NewHandle()
	task.NextRunAt = &at
	task.UpdatedAt = now.UTC()
	if err := r.store.UpdateTask(ctx, task); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			// changed concurrently; the next sweep looks again
			return false, nil
		}
		return false, err
	}

	if stale != "" {
		if err := r.timer.Cancel(ctx, stale); err != nil {
			r.logger.Warn("Failed to cancel stale timer", zap.String("handle", stale), zap.Error(err))
		}
	}
	if err := r.timer.Schedule(ctx, task.TimerHandle, at, task.ID); err != nil {
		return false, err
	}

	r.logger.Info("Re-armed task",
		zap.String("task_id", task.ID),
		zap.Time("next_run", at))
	return true, nil
}

// Prune deletes run history older than the retention period
func (r *Reconciler) Prune(ctx context.Context) (int64, error) {
	return r.history.DeleteBefore(ctx, r.now().Add(-r.config.HistoryRetention))
}
