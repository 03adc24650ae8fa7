package api

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/wa-scheduler/internal/credits"
	"github.com/t77yq/wa-scheduler/internal/model"
	"github.com/t77yq/wa-scheduler/internal/scheduler"
	"github.com/t77yq/wa-scheduler/internal/storage"
	"github.com/t77yq/wa-scheduler/internal/testutil"
	"github.com/t77yq/wa-scheduler/internal/timer"
)

type apiEnv struct {
	nc     *nats.Conn
	users  *storage.SQLiteUserStore
	ledger *credits.Ledger
	local  *timer.Local
}

func setup(t *testing.T) *apiEnv {
	t.Helper()
	_, nc, _ := testutil.StartJetStream(t)

	db, err := storage.Open(zap.NewNop(), filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tasks := storage.NewSQLiteTaskStore(zap.NewNop(), db)
	users := storage.NewSQLiteUserStore(zap.NewNop(), db)
	local := timer.NewLocal(zap.NewNop())
	t.Cleanup(local.Stop)

	ledger, err := credits.NewLedger(zap.NewNop(), db, users, tasks, credits.Config{
		Allowances:  map[string]int{"basic": 5},
		DefaultTier: "basic",
	})
	require.NoError(t, err)

	service := scheduler.NewService(tasks, users, local, scheduler.Quotas{
		TierLimits:  map[string]int{"basic": 2},
		DefaultTier: "basic",
	}, zap.NewNop())

	srv := NewServer(nc, service, users, ledger, zap.NewNop())
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(srv.Stop)

	return &apiEnv{nc: nc, users: users, ledger: ledger, local: local}
}

func (e *apiEnv) call(t *testing.T, subject string, req interface{}) Response {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)

	msg, err := e.nc.Request(subject, data, 5*time.Second)
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(msg.Data, &resp))
	return resp
}

func decodeTask(t *testing.T, resp Response) *model.ScheduledTask {
	t.Helper()
	require.True(t, resp.OK, resp.Error)
	var task model.ScheduledTask
	require.NoError(t, json.Unmarshal(resp.Data, &task))
	return &task
}

func TestServerTaskLifecycle(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	resp := env.call(t, SubjectUpsertUser, model.User{ID: "u1", Phone: "+15550001", Timezone: "Asia/Kolkata", Tier: model.TierBasic})
	require.True(t, resp.OK, resp.Error)

	created := decodeTask(t, env.call(t, SubjectCreate, scheduler.CreateTaskInput{
		UserID:   "u1",
		Title:    "Morning news",
		Schedule: scheduler.ScheduleInput{Kind: model.ScheduleKindCron, Expr: "0 9 * * *"},
	}))
	assert.Equal(t, "Asia/Kolkata", created.Timezone)
	assert.True(t, created.Enabled)
	require.NotNil(t, created.NextRunAt)

	pending, err := env.local.Pending(ctx, created.TimerHandle)
	require.NoError(t, err)
	assert.True(t, pending)

	t.Run("get", func(t *testing.T) {
		got := decodeTask(t, env.call(t, SubjectGet, TaskRef{TaskID: created.ID, UserID: "u1"}))
		assert.Equal(t, "Morning news", got.Title)

		resp := env.call(t, SubjectGet, TaskRef{TaskID: created.ID, UserID: "u2"})
		assert.False(t, resp.OK)
		assert.Equal(t, CodeForbidden, resp.Code)

		resp = env.call(t, SubjectGet, TaskRef{TaskID: "missing"})
		assert.Equal(t, CodeNotFound, resp.Code)
	})

	t.Run("update", func(t *testing.T) {
		title := "Evening news"
		updated := decodeTask(t, env.call(t, SubjectUpdate, UpdateRequest{
			TaskID: created.ID,
			UpdateTaskInput: scheduler.UpdateTaskInput{
				UserID: "u1",
				Title:  &title,
			},
		}))
		assert.Equal(t, "Evening news", updated.Title)
		assert.Equal(t, created.TimerHandle, updated.TimerHandle)
		assert.Equal(t, created.Version+1, updated.Version)
	})

	t.Run("list", func(t *testing.T) {
		resp := env.call(t, SubjectList, UserRef{UserID: "u1"})
		require.True(t, resp.OK)
		var tasks []*model.ScheduledTask
		require.NoError(t, json.Unmarshal(resp.Data, &tasks))
		assert.Len(t, tasks, 1)

		resp = env.call(t, SubjectList, UserRef{UserID: "nobody"})
		require.True(t, resp.OK)
		assert.JSONEq(t, "[]", string(resp.Data))
	})

	t.Run("delete", func(t *testing.T) {
		resp := env.call(t, SubjectDelete, TaskRef{TaskID: created.ID, UserID: "u2"})
		assert.Equal(t, CodeForbidden, resp.Code)

		resp = env.call(t, SubjectDelete, TaskRef{TaskID: created.ID, UserID: "u1"})
		require.True(t, resp.OK, resp.Error)

		pending, err := env.local.Pending(ctx, created.TimerHandle)
		require.NoError(t, err)
		assert.False(t, pending)
	})
}

func TestServerErrors(t *testing.T) {
	env := setup(t)
	require.NoError(t, env.users.UpsertUser(context.Background(), &model.User{ID: "u1", Phone: "+1", Tier: model.TierBasic}))

	t.Run("malformed request", func(t *testing.T) {
		msg, err := env.nc.Request(SubjectCreate, []byte("{"), 5*time.Second)
		require.NoError(t, err)
		var resp Response
		require.NoError(t, json.Unmarshal(msg.Data, &resp))
		assert.False(t, resp.OK)
		assert.Equal(t, CodeInvalid, resp.Code)
	})

	t.Run("run time in the past", func(t *testing.T) {
		past := time.Now().Add(-time.Hour)
		resp := env.call(t, SubjectCreate, scheduler.CreateTaskInput{
			UserID:   "u1",
			Title:    "Too late",
			Schedule: scheduler.ScheduleInput{Kind: model.ScheduleKindOnce, RunAt: &past},
		})
		assert.Equal(t, CodeInvalid, resp.Code)
	})

	t.Run("unknown user", func(t *testing.T) {
		resp := env.call(t, SubjectCreate, scheduler.CreateTaskInput{
			UserID:   "ghost",
			Title:    "Hello",
			Schedule: scheduler.ScheduleInput{Kind: model.ScheduleKindCron, Expr: "0 9 * * *"},
		})
		assert.Equal(t, CodeUnknownUser, resp.Code)

		resp = env.call(t, SubjectTouchUser, TouchRequest{UserID: "ghost"})
		assert.Equal(t, CodeUnknownUser, resp.Code)

		resp = env.call(t, SubjectResetCredits, UserRef{UserID: "ghost"})
		assert.Equal(t, CodeUnknownUser, resp.Code)
	})

	t.Run("limit reached", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			resp := env.call(t, SubjectCreate, scheduler.CreateTaskInput{
				UserID:   "u1",
				Title:    "Daily",
				Schedule: scheduler.ScheduleInput{Kind: model.ScheduleKindCron, Expr: "0 9 * * *"},
			})
			require.True(t, resp.OK, resp.Error)
		}
		resp := env.call(t, SubjectCreate, scheduler.CreateTaskInput{
			UserID:   "u1",
			Title:    "One too many",
			Schedule: scheduler.ScheduleInput{Kind: model.ScheduleKindCron, Expr: "0 9 * * *"},
		})
		assert.Equal(t, CodeLimit, resp.Code)

		resp = env.call(t, SubjectCancelAll, UserRef{UserID: "u1"})
		require.True(t, resp.OK, resp.Error)
		assert.JSONEq(t, `{"deleted":2}`, string(resp.Data))
	})

	t.Run("upsert needs an id", func(t *testing.T) {
		resp := env.call(t, SubjectUpsertUser, model.User{Phone: "+1"})
		assert.Equal(t, CodeInvalid, resp.Code)
	})
}

func TestServerUsersAndCredits(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	require.NoError(t, env.users.UpsertUser(ctx, &model.User{ID: "u1", Phone: "+1", Tier: model.TierBasic}))

	at := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	resp := env.call(t, SubjectTouchUser, TouchRequest{UserID: "u1", At: at})
	require.True(t, resp.OK, resp.Error)

	user, err := env.users.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, user.LastMessageAt)
	assert.True(t, user.LastMessageAt.Equal(at))

	require.NoError(t, env.ledger.Deduct(ctx, "u1"))
	balance, err := env.ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 4, balance)

	resp = env.call(t, SubjectResetCredits, UserRef{UserID: "u1"})
	require.True(t, resp.OK, resp.Error)

	balance, err = env.ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 5, balance)
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, CodeInternal, errorCode(assert.AnError))
	assert.Equal(t, CodeNotFound, errorCode(scheduler.ErrTaskNotFound))
	assert.Equal(t, CodeInvalid, errorCode(scheduler.ErrInvalidSchedule))
}
