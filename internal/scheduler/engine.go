package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/wa-scheduler/internal/cronexpr"
	"github.com/t77yq/wa-scheduler/internal/model"
	"github.com/t77yq/wa-scheduler/internal/storage"
	"github.com/t77yq/wa-scheduler/internal/timer"
)

const (
	agentSource = "scheduled_task"
	ellipsis    = "…"
)

// EngineConfig holds delivery settings for task results
type EngineConfig struct {
	ResultTemplate    string
	LowCreditTemplate string
	LowCreditMessage  string
	TemplateMaxLength int
}

// Engine runs a task when its timer fires, records the outcome and arms the
// next occurrence.
type Engine struct {
	logger   *zap.Logger
	config   EngineConfig
	store    storage.TaskStore
	history  storage.RunHistory
	users    UserLookup
	credits  CreditLedger
	agent    Agent
	delivery Delivery
	timer    timer.Timer
	gate     *ResourceGate
	now      func() time.Time

	running sync.Map
}

// EngineDeps are the collaborators of an Engine
type EngineDeps struct {
	Store    storage.TaskStore
	History  storage.RunHistory
	Users    UserLookup
	Credits  CreditLedger
	Agent    Agent
	Delivery Delivery
	Timer    timer.Timer
	Gate     *ResourceGate
}

// NewEngine creates an execution engine
func NewEngine(config EngineConfig, deps EngineDeps, logger *zap.Logger) *Engine {
	if config.TemplateMaxLength <= 0 {
		config.TemplateMaxLength = 1000
	}
	gate := deps.Gate
	if gate == nil {
		gate = NewResourceGate(ResourceLimits{}, logger)
	}
	return &Engine{
		logger:   logger.Named("engine"),
		config:   config,
		store:    deps.Store,
		history:  deps.History,
		users:    deps.Users,
		credits:  deps.Credits,
		agent:    deps.Agent,
		delivery: deps.Delivery,
		timer:    deps.Timer,
		gate:     gate,
		now:      time.Now,
	}
}

// outcome is the result of one execution attempt
type outcome struct {
	status   model.RunStatus
	err      error
	mode     model.DeliveryMode
	terminal bool
}

// Fire is the timer handler. Missing, disabled and stale firings are no-ops.
func (e *Engine) Fire(ctx context.Context, taskID, handle string) {
	if _, loaded := e.running.LoadOrStore(taskID, handle); loaded {
		e.logger.Warn("Task already running, skipping firing",
			zap.String("task_id", taskID),
			zap.String("handle", handle))
		return
	}
	defer e.running.Delete(taskID)

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Task execution panicked",
				zap.String("task_id", taskID),
				zap.Any("panic", r))
			e.mark(ctx, taskID, model.RunStatusError, nil)
			e.advance(ctx, taskID, handle)
		}
	}()

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		// the handle is spent; the reconciler re-arms the task
		e.logger.Error("Failed to load task", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	if task == nil || !task.Enabled || task.TimerHandle != handle {
		e.logger.Debug("Ignoring firing",
			zap.String("task_id", taskID),
			zap.String("handle", handle),
			zap.Bool("found", task != nil))
		return
	}

	release, err := e.gate.Acquire(ctx)
	if err != nil {
		e.logger.Error("Failed to acquire execution slot", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	defer release()

	run := &model.RunRecord{
		ID:        uuid.New().String(),
		TaskID:    task.ID,
		UserID:    task.UserID,
		Status:    model.RunStatusRunning,
		StartedAt: e.now().UTC(),
	}
	if err := e.history.Store(ctx, run); err != nil {
		e.logger.Error("Failed to store run record", zap.String("task_id", task.ID), zap.Error(err))
	}

	out := e.execute(ctx, task)

	completed := e.now().UTC()
	run.Status = out.status
	run.DeliveryMode = out.mode
	run.CompletedAt = &completed
	run.Duration = completed.Sub(run.StartedAt)
	if out.err != nil {
		run.Error = out.err.Error()
	}
	if err := e.history.Update(ctx, run); err != nil {
		e.logger.Error("Failed to update run record", zap.String("task_id", task.ID), zap.Error(err))
	}

	fields := []zap.Field{
		zap.String("task_id", task.ID),
		zap.String("user_id", task.UserID),
		zap.String("status", string(out.status)),
		zap.Duration("duration", run.Duration),
	}
	if out.err != nil {
		e.logger.Warn("Task run failed", append(fields, zap.Error(out.err))...)
	} else {
		e.logger.Info("Task run finished", fields...)
	}

	if out.terminal {
		return
	}
	e.advance(ctx, task.ID, handle)
}

// execute runs the credit check, agent turn and delivery for a snapshot of
// the task taken when the timer fired.
func (e *Engine) execute(ctx context.Context, task *model.ScheduledTask) outcome {
	user, err := e.users.GetUser(ctx, task.UserID)
	if err != nil {
		return e.fail(ctx, task, fmt.Errorf("failed to load user: %w", err))
	}
	if user == nil {
		out := e.fail(ctx, task, fmt.Errorf("%w: %s", ErrUnknownUser, task.UserID))
		e.disable(ctx, task.ID)
		out.terminal = true
		return out
	}

	credit, err := e.credits.CheckAffordable(ctx, user.ID, ScheduledDiscriminator)
	if err != nil {
		return e.fail(ctx, task, fmt.Errorf("failed to check credits: %w", err))
	}
	if credit == model.CreditStatusExhausted {
		return e.skipNoCredits(ctx, task, user)
	}

	result, err := e.agent.Run(ctx, model.AgentRequest{
		UserID:         task.UserID,
		Title:          task.Title,
		Description:    task.Description,
		DeliveryFormat: task.DeliveryFormat,
		Source:         agentSource,
	})
	if err != nil {
		return e.fail(ctx, task, fmt.Errorf("agent failed: %w", err))
	}

	if credit != model.CreditStatusFree {
		if err := e.credits.Deduct(ctx, user.ID); err != nil {
			e.logger.Error("Failed to deduct credit",
				zap.String("task_id", task.ID),
				zap.String("user_id", user.ID),
				zap.Error(err))
		}
	}

	mode, err := e.deliver(ctx, firingMessageID(task, "result"), user.ID, formatResult(task, result), result)
	if err != nil {
		out := e.fail(ctx, task, fmt.Errorf("delivery failed: %w", err))
		out.mode = mode
		return out
	}

	cleared := false
	e.mark(ctx, task.ID, model.RunStatusSuccess, &cleared)
	return outcome{status: model.RunStatusSuccess, mode: mode}
}

func (e *Engine) skipNoCredits(ctx context.Context, task *model.ScheduledTask, user *model.User) outcome {
	sent := task.CreditNotificationSent
	var mode model.DeliveryMode
	if !sent {
		var err error
		mode, err = e.deliverTemplate(ctx, firingMessageID(task, "low_credit"), user.ID, e.config.LowCreditMessage, e.config.LowCreditTemplate)
		if err != nil {
			e.logger.Error("Failed to send low credit notice",
				zap.String("task_id", task.ID),
				zap.String("user_id", user.ID),
				zap.Error(err))
		} else {
			sent = true
		}
	}

	e.mark(ctx, task.ID, model.RunStatusSkippedNoCredits, &sent)
	return outcome{status: model.RunStatusSkippedNoCredits, mode: mode}
}

func (e *Engine) fail(ctx context.Context, task *model.ScheduledTask, err error) outcome {
	e.mark(ctx, task.ID, model.RunStatusError, nil)
	return outcome{status: model.RunStatusError, err: err}
}

// deliver sends text live while the session window is open, otherwise the
// templated variant truncated to the template cap.
func (e *Engine) deliver(ctx context.Context, msgID, userID, liveText, templateText string) (model.DeliveryMode, error) {
	return e.deliverWith(ctx, msgID, userID, liveText, templateText, e.config.ResultTemplate)
}

func (e *Engine) deliverTemplate(ctx context.Context, msgID, userID, text, template string) (model.DeliveryMode, error) {
	return e.deliverWith(ctx, msgID, userID, text, text, template)
}

func (e *Engine) deliverWith(ctx context.Context, msgID, userID, liveText, templateText, template string) (model.DeliveryMode, error) {
	open, err := e.delivery.IsSessionOpen(ctx, userID)
	if err != nil {
		return model.DeliveryModeNone, fmt.Errorf("failed to check session window: %w", err)
	}
	if open {
		return model.DeliveryModeLive, e.delivery.SendLive(ctx, msgID, userID, liveText)
	}
	return model.DeliveryModeTemplate, e.delivery.SendTemplated(ctx, msgID, userID, template, Truncate(templateText, e.config.TemplateMaxLength))
}

func (e *Engine) mark(ctx context.Context, taskID string, status model.RunStatus, creditNotificationSent *bool) {
	if err := e.store.MarkLastRun(ctx, taskID, status, e.now(), creditNotificationSent); err != nil {
		e.logger.Error("Failed to record run outcome",
			zap.String("task_id", taskID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

// advance re-reads the task and either arms its next occurrence (cron) or
// retires it (once). The write is compare-and-swap on the version; a task
// whose handle changed while it ran was rescheduled by an edit and is left alone.
func (e *Engine) advance(ctx context.Context, taskID, firedHandle string) {
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		task, err := e.store.GetTask(ctx, taskID)
		if err != nil {
			e.logger.Error("Failed to reload task", zap.String("task_id", taskID), zap.Error(err))
			return
		}
		if task == nil || task.TimerHandle != firedHandle {
			return
		}

		task.UpdatedAt = e.now().UTC()
		task.TimerHandle = ""
		task.NextRunAt = nil

		var next time.Time
		if task.IsOnce() || !task.Enabled {
			task.Enabled = false
		} else {
			next, err = cronexpr.NextRun(task.Schedule.Expr, task.Timezone, e.now())
			if err != nil {
				e.logger.Error("Failed to compute next run, disabling task",
					zap.String("task_id", taskID),
					zap.String("expr", task.Schedule.Expr),
					zap.String("timezone", task.Timezone),
					zap.Error(err))
				task.Enabled = false
			} else {
				task.TimerHandle = timer.NewHandle()
				task.NextRunAt = &next
			}
		}

		err = e.store.UpdateTask(ctx, task)
		if errors.Is(err, storage.ErrVersionConflict) {
			continue
		}
		if err != nil {
			e.logger.Error("Failed to reschedule task", zap.String("task_id", taskID), zap.Error(err))
			return
		}

		if task.TimerHandle == "" {
			e.logger.Info("Retired task", zap.String("task_id", taskID))
			return
		}
		if err := e.timer.Schedule(ctx, task.TimerHandle, next, task.ID); err != nil {
			e.logger.Error("Failed to register next run",
				zap.String("task_id", taskID),
				zap.Time("next_run", next),
				zap.Error(err))
			return
		}
		e.logger.Info("Rescheduled task",
			zap.String("task_id", taskID),
			zap.Time("next_run", next))
		return
	}
	e.logger.Error("Gave up rescheduling task after repeated conflicts", zap.String("task_id", taskID))
}

// disable retires a task whose owner no longer exists
func (e *Engine) disable(ctx context.Context, taskID string) {
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		task, err := e.store.GetTask(ctx, taskID)
		if err != nil || task == nil {
			return
		}
		task.Enabled = false
		task.TimerHandle = ""
		task.NextRunAt = nil
		task.UpdatedAt = e.now().UTC()

		err = e.store.UpdateTask(ctx, task)
		if errors.Is(err, storage.ErrVersionConflict) {
			continue
		}
		if err != nil {
			e.logger.Error("Failed to disable task", zap.String("task_id", taskID), zap.Error(err))
		}
		return
	}
}

// IsRunning reports whether a firing of the task is executing in this process
func (e *Engine) IsRunning(taskID string) bool {
	_, ok := e.running.Load(taskID)
	return ok
}

// RunningTasks returns the ids of tasks executing in this process
func (e *Engine) RunningTasks() []string {
	var ids []string
	e.running.Range(func(key, value interface{}) bool {
		ids = append(ids, key.(string))
		return true
	})
	return ids
}

// firingMessageID names one outbound message of one firing. The task's handle
// identifies the firing, so a firing executed twice publishes the same id.
func firingMessageID(task *model.ScheduledTask, kind string) string {
	return task.ID + ":" + task.TimerHandle + ":" + kind
}

func formatResult(task *model.ScheduledTask, result string) string {
	if task.Title == "" {
		return result
	}
	return "*" + task.Title + "*\n\n" + result
}

// Truncate shortens text to at most max runes, marking the cut with an ellipsis.
func Truncate(text string, max int) string {
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	return string(runes[:max-1]) + ellipsis
}
