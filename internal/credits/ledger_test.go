package credits

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/wa-scheduler/internal/model"
	"github.com/t77yq/wa-scheduler/internal/scheduler"
	"github.com/t77yq/wa-scheduler/internal/storage"
)

func setupLedger(t *testing.T) (*Ledger, *storage.SQLiteTaskStore) {
	t.Helper()
	ctx := context.Background()

	db, err := storage.Open(zap.NewNop(), filepath.Join(t.TempDir(), "credits.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	users := storage.NewSQLiteUserStore(zap.NewNop(), db)
	require.NoError(t, users.UpsertUser(ctx, &model.User{ID: "basic", Phone: "+1", Tier: model.TierBasic}))
	require.NoError(t, users.UpsertUser(ctx, &model.User{ID: "pro", Phone: "+2", Tier: model.TierPro}))

	tasks := storage.NewSQLiteTaskStore(zap.NewNop(), db)
	ledger, err := NewLedger(zap.NewNop(), db, users, tasks, Config{
		Allowances:         map[string]int{"basic": 2, "pro": 5},
		DefaultTier:        "basic",
		FreeDiscriminators: []string{"help", scheduler.ScheduledDiscriminator},
	})
	require.NoError(t, err)
	return ledger, tasks
}

func TestLedger(t *testing.T) {
	ctx := context.Background()

	t.Run("allowance by tier", func(t *testing.T) {
		ledger, _ := setupLedger(t)

		n, err := ledger.Balance(ctx, "basic")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = ledger.Balance(ctx, "pro")
		require.NoError(t, err)
		assert.Equal(t, 5, n)

		_, err = ledger.Balance(ctx, "ghost")
		assert.ErrorIs(t, err, ErrUnknownUser)
	})

	t.Run("scheduled runs are never free", func(t *testing.T) {
		ledger, _ := setupLedger(t)

		status, err := ledger.CheckAffordable(ctx, "basic", "help")
		require.NoError(t, err)
		assert.Equal(t, model.CreditStatusFree, status)

		status, err = ledger.CheckAffordable(ctx, "basic", scheduler.ScheduledDiscriminator)
		require.NoError(t, err)
		assert.Equal(t, model.CreditStatusAvailable, status)
	})

	t.Run("deduct until exhausted", func(t *testing.T) {
		ledger, _ := setupLedger(t)

		require.NoError(t, ledger.Deduct(ctx, "basic"))
		require.NoError(t, ledger.Deduct(ctx, "basic"))
		assert.ErrorIs(t, ledger.Deduct(ctx, "basic"), ErrInsufficientFunds)

		status, err := ledger.CheckAffordable(ctx, "basic", scheduler.ScheduledDiscriminator)
		require.NoError(t, err)
		assert.Equal(t, model.CreditStatusExhausted, status)
	})

	t.Run("reset restores allowance and clears notices", func(t *testing.T) {
		ledger, tasks := setupLedger(t)

		now := time.Now().UTC()
		task := &model.ScheduledTask{
			ID:        uuid.New().String(),
			UserID:    "basic",
			Title:     "Brief",
			Schedule:  model.CronExpr("0 9 * * *"),
			Timezone:  "UTC",
			Enabled:   true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		require.NoError(t, tasks.CreateTask(ctx, task, storage.NoLimit))
		sent := true
		require.NoError(t, tasks.MarkLastRun(ctx, task.ID, model.RunStatusSkippedNoCredits, now, &sent))

		require.NoError(t, ledger.Deduct(ctx, "basic"))
		require.NoError(t, ledger.Deduct(ctx, "basic"))
		require.NoError(t, ledger.ResetCycle(ctx, "basic"))

		n, err := ledger.Balance(ctx, "basic")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		got, err := tasks.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.False(t, got.CreditNotificationSent)
	})
}
