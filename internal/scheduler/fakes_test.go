package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/wa-scheduler/internal/model"
	"github.com/t77yq/wa-scheduler/internal/storage"
	"github.com/t77yq/wa-scheduler/internal/timer"
)

type armed struct {
	at  time.Time
	key string
}

// manualTimer records wake-ups instead of firing them
type manualTimer struct {
	mu        sync.Mutex
	armed     map[string]armed
	cancelled []string
	failWith  error
}

func newManualTimer() *manualTimer {
	return &manualTimer{armed: make(map[string]armed)}
}

func (m *manualTimer) Start(ctx context.Context, handler timer.Handler) error { return nil }

func (m *manualTimer) Schedule(ctx context.Context, handle string, at time.Time, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.armed[handle] = armed{at: at, key: key}
	return nil
}

func (m *manualTimer) Cancel(ctx context.Context, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.armed, handle)
	m.cancelled = append(m.cancelled, handle)
	return nil
}

func (m *manualTimer) Pending(ctx context.Context, handle string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.armed[handle]
	return ok, nil
}

func (m *manualTimer) Stop() {}

func (m *manualTimer) get(handle string) (armed, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.armed[handle]
	return a, ok
}

// take removes a wake-up as a real timer would when it fires
func (m *manualTimer) take(handle string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.armed, handle)
}

func (m *manualTimer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.armed)
}

type fakeCredits struct {
	mu       sync.Mutex
	status   model.CreditStatus
	err      error
	deducted int
	seen     []string
}

func (f *fakeCredits) CheckAffordable(ctx context.Context, userID, discriminator string) (model.CreditStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, discriminator)
	if f.err != nil {
		return "", f.err
	}
	if f.status == "" {
		return model.CreditStatusAvailable, nil
	}
	return f.status, nil
}

func (f *fakeCredits) Deduct(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deducted++
	return nil
}

type fakeAgent struct {
	mu       sync.Mutex
	result   string
	err      error
	requests []model.AgentRequest
	// during runs inside the agent turn
	during func()
}

func (f *fakeAgent) Run(ctx context.Context, req model.AgentRequest) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	during := f.during
	f.mu.Unlock()
	if during != nil {
		during()
	}
	return f.result, f.err
}

type sent struct {
	msgID    string
	userID   string
	template string
	text     string
}

type fakeDelivery struct {
	mu        sync.Mutex
	open      bool
	sendErr   error
	live      []sent
	templated []sent
}

func (f *fakeDelivery) IsSessionOpen(ctx context.Context, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open, nil
}

func (f *fakeDelivery) SendLive(ctx context.Context, msgID, userID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.live = append(f.live, sent{msgID: msgID, userID: userID, text: text})
	return nil
}

func (f *fakeDelivery) SendTemplated(ctx context.Context, msgID, userID, template, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.templated = append(f.templated, sent{msgID: msgID, userID: userID, template: template, text: text})
	return nil
}

var errBoom = errors.New("boom")

type testEnv struct {
	now      time.Time
	store    *storage.SQLiteTaskStore
	users    *storage.SQLiteUserStore
	history  *storage.SQLiteRunHistory
	timer    *manualTimer
	credits  *fakeCredits
	agent    *fakeAgent
	delivery *fakeDelivery
	service  *Service
	engine   *Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := storage.Open(zap.NewNop(), filepath.Join(t.TempDir(), "scheduler.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	env := &testEnv{
		now:      time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
		store:    storage.NewSQLiteTaskStore(zap.NewNop(), db),
		users:    storage.NewSQLiteUserStore(zap.NewNop(), db),
		history:  storage.NewSQLiteRunHistory(zap.NewNop(), db),
		timer:    newManualTimer(),
		credits:  &fakeCredits{},
		agent:    &fakeAgent{result: "Markets are up."},
		delivery: &fakeDelivery{},
	}
	clock := func() time.Time { return env.now }

	quotas := Quotas{
		TierLimits:  map[string]int{"basic": 3, "pro": 10},
		DefaultTier: "basic",
	}
	env.service = NewService(env.store, env.users, env.timer, quotas, zap.NewNop(), WithClock(clock))
	env.engine = NewEngine(EngineConfig{
		ResultTemplate:    "task_result",
		LowCreditTemplate: "low_credits",
		LowCreditMessage:  "You are out of credits.",
		TemplateMaxLength: 20,
	}, EngineDeps{
		Store:    env.store,
		History:  env.history,
		Users:    env.users,
		Credits:  env.credits,
		Agent:    env.agent,
		Delivery: env.delivery,
		Timer:    env.timer,
	}, zap.NewNop())
	env.engine.now = clock

	return env
}

func (e *testEnv) addUser(t *testing.T, id string, tier model.Tier, tz string) {
	t.Helper()
	require.NoError(t, e.users.UpsertUser(context.Background(), &model.User{
		ID:       id,
		Phone:    "+9715000" + id,
		Timezone: tz,
		Tier:     tier,
	}))
}

func (e *testEnv) reload(t *testing.T, id string) *model.ScheduledTask {
	t.Helper()
	task, err := e.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

// fire delivers the task's current wake-up to the engine
func (e *testEnv) fire(t *testing.T, id string) {
	t.Helper()
	task := e.reload(t, id)
	require.NotNil(t, task)
	e.timer.take(task.TimerHandle)
	e.engine.Fire(context.Background(), task.ID, task.TimerHandle)
}
