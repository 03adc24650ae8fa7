package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/wa-scheduler/internal/migration"
	"github.com/t77yq/wa-scheduler/internal/storage"
)

func newMigrateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Convert pending legacy reminders into scheduled tasks",
		Long: `Converts every pending legacy reminder into a scheduled task and prints a
JSON report. Running it again only retries reminders that failed.

With the local timer backend the wake-ups registered here end with the
process; the next "serve" re-arms them on startup.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()

			db, err := storage.Open(logger, cfg.Database.Path)
			if err != nil {
				return err
			}
			defer db.Close()

			tmr, err := newTimer(cfg.Timer, logger)
			if err != nil {
				return err
			}
			defer tmr.Stop()

			migrator := migration.NewMigrator(
				storage.NewSQLiteLegacyStore(logger, db),
				storage.NewSQLiteTaskStore(logger, db),
				storage.NewSQLiteUserStore(logger, db),
				tmr,
				logger,
			)

			report, err := migrator.Run(cmd.Context())
			if err != nil {
				return err
			}
			if report.Failed > 0 {
				logger.Warn("Some legacy jobs were not migrated", zap.Int("failed", report.Failed))
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}
