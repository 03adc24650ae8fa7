package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/wa-scheduler/internal/agent"
	"github.com/t77yq/wa-scheduler/internal/api"
	"github.com/t77yq/wa-scheduler/internal/config"
	"github.com/t77yq/wa-scheduler/internal/credits"
	"github.com/t77yq/wa-scheduler/internal/delivery"
	"github.com/t77yq/wa-scheduler/internal/monitor"
	"github.com/t77yq/wa-scheduler/internal/scheduler"
	"github.com/t77yq/wa-scheduler/internal/storage"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler: timers, execution engine and the task API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	db, err := storage.Open(logger, cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	tasks := storage.NewSQLiteTaskStore(logger, db)
	users := storage.NewSQLiteUserStore(logger, db)
	history := storage.NewSQLiteRunHistory(logger, db)

	nc, err := connectNATS(cfg.NATS, cfg.App.Name, logger)
	if err != nil {
		return err
	}
	defer nc.Close()

	js, err := nc.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	tmr, err := newTimer(cfg.Timer, logger)
	if err != nil {
		return err
	}

	publisher, err := delivery.NewPublisher(js, users, delivery.Config{
		SessionWindow: cfg.Delivery.SessionWindow,
		MaxFailures:   cfg.Delivery.BreakerMaxFailures,
		BreakerReset:  cfg.Delivery.BreakerReset,
	}, logger)
	if err != nil {
		return err
	}

	ledger, err := credits.NewLedger(logger, db, users, tasks, credits.Config{
		Allowances:         cfg.Credits.Allowances,
		DefaultTier:        cfg.Scheduler.DefaultTier,
		FreeDiscriminators: cfg.Credits.FreeDiscriminators,
	})
	if err != nil {
		return err
	}

	gate := scheduler.NewResourceGate(scheduler.ResourceLimits{
		MaxConcurrent:    cfg.Scheduler.MaxConcurrent,
		MaxCPUPercent:    cfg.Scheduler.MaxCPUPercent,
		MaxMemoryPercent: cfg.Scheduler.MaxMemoryPercent,
	}, logger)

	engine := scheduler.NewEngine(scheduler.EngineConfig{
		ResultTemplate:    cfg.Delivery.ResultTemplate,
		LowCreditTemplate: cfg.Delivery.LowCreditTemplate,
		LowCreditMessage:  cfg.Delivery.LowCreditMessage,
		TemplateMaxLength: cfg.Delivery.TemplateMaxLength,
	}, scheduler.EngineDeps{
		Store:    tasks,
		History:  history,
		Users:    users,
		Credits:  ledger,
		Agent:    agent.NewClient(nc, cfg.Agent.Subject, cfg.Agent.Timeout, logger),
		Delivery: publisher,
		Timer:    tmr,
		Gate:     gate,
	}, logger)

	service := scheduler.NewService(tasks, users, tmr, scheduler.Quotas{
		TierLimits:  cfg.Scheduler.TierLimits,
		DefaultTier: cfg.Scheduler.DefaultTier,
	}, logger)

	reconciler := scheduler.NewReconciler(scheduler.ReconcilerConfig{
		RearmSpec:        cfg.Scheduler.RearmSpec,
		RearmGrace:       cfg.Scheduler.RearmGrace,
		SharedTimer:      cfg.Timer.Backend == "redis",
		PruneSpec:        cfg.Scheduler.PruneSpec,
		HistoryRetention: cfg.Scheduler.HistoryRetention,
	}, tasks, history, tmr, engine, logger)

	apiServer := api.NewServer(nc, service, users, ledger, logger)
	collector := monitor.NewMetricsCollector(js, history, tasks, engine, cfg.Scheduler.MetricsInterval, logger)

	// firings outlive the signal context so in-flight runs can record their outcome
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()

	if err := tmr.Start(runCtx, engine.Fire); err != nil {
		return fmt.Errorf("failed to start timer: %w", err)
	}
	defer tmr.Stop()

	if err := reconciler.Start(ctx); err != nil {
		return err
	}
	if err := apiServer.Start(ctx); err != nil {
		reconciler.Stop()
		return err
	}
	if err := collector.Start(ctx); err != nil {
		apiServer.Stop()
		reconciler.Stop()
		return err
	}

	logger.Info("Scheduler started",
		zap.String("timer", cfg.Timer.Backend),
		zap.String("database", cfg.Database.Path))

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	// stop the front ends, then let in-flight firings drain
	var g errgroup.Group
	g.Go(func() error { apiServer.Stop(); return nil })
	g.Go(func() error { reconciler.Stop(); return nil })
	g.Go(func() error { collector.Stop(); return nil })
	_ = g.Wait()

	waitForRunning(engine, logger)
	logger.Info("Server shutting down gracefully")
	return nil
}

// waitForRunning gives in-flight firings a chance to finish before the
// timer and database go away
func waitForRunning(engine *scheduler.Engine, logger *zap.Logger) {
	deadline := time.Now().Add(shutdownTimeout)
	for {
		running := engine.RunningTasks()
		if len(running) == 0 {
			return
		}
		if time.Now().After(deadline) {
			logger.Warn("Shutdown timeout reached, some tasks may not have completed",
				zap.Strings("task_ids", running))
			return
		}
		logger.Info("Waiting for running tasks to complete", zap.Int("count", len(running)))
		time.Sleep(time.Second)
	}
}
