package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/wa-scheduler/internal/model"
)

func TestSQLiteRunHistory(t *testing.T) {
	ctx := context.Background()
	history := NewSQLiteRunHistory(zap.NewNop(), openTestDB(t))
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	t.Run("store and update", func(t *testing.T) {
		run := &model.RunRecord{
			ID:        uuid.New().String(),
			TaskID:    "task-1",
			UserID:    "u1",
			Status:    model.RunStatusRunning,
			StartedAt: base,
		}
		require.NoError(t, history.Store(ctx, run))

		completed := base.Add(3 * time.Second)
		run.Status = model.RunStatusSuccess
		run.DeliveryMode = model.DeliveryModeTemplate
		run.CompletedAt = &completed
		run.Duration = 3 * time.Second
		require.NoError(t, history.Update(ctx, run))

		got, err := history.Get(ctx, run.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, model.RunStatusSuccess, got.Status)
		assert.Equal(t, model.DeliveryModeTemplate, got.DeliveryMode)
		assert.Equal(t, 3*time.Second, got.Duration)
		require.NotNil(t, got.CompletedAt)
		assert.True(t, got.CompletedAt.Equal(completed))
		assert.Empty(t, got.Error)

		got, err = history.Get(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("list, count and prune", func(t *testing.T) {
		for i := 0; i < 4; i++ {
			status := model.RunStatusError
			if i%2 == 0 {
				status = model.RunStatusSkippedNoCredits
			}
			require.NoError(t, history.Store(ctx, &model.RunRecord{
				ID:        uuid.New().String(),
				TaskID:    "task-2",
				UserID:    "u2",
				Status:    status,
				StartedAt: base.AddDate(0, 0, i),
			}))
		}

		runs, err := history.List(ctx, map[string]interface{}{"task_id": "task-2"}, 0, 10)
		require.NoError(t, err)
		require.Len(t, runs, 4)
		assert.True(t, runs[0].StartedAt.After(runs[3].StartedAt))

		n, err := history.Count(ctx, map[string]interface{}{"task_id": "task-2", "status": string(model.RunStatusError)})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		page, err := history.List(ctx, map[string]interface{}{"user_id": "u2"}, 1, 2)
		require.NoError(t, err)
		assert.Len(t, page, 2)

		_, err = history.List(ctx, map[string]interface{}{"1=1 OR task_id": "x"}, 0, 10)
		assert.Error(t, err)

		deleted, err := history.DeleteBefore(ctx, base.AddDate(0, 0, 2))
		require.NoError(t, err)
		// task-1 run plus the first two task-2 runs
		assert.Equal(t, int64(3), deleted)

		n, err = history.Count(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})
}
