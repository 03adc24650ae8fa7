package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/wa-scheduler/internal/model"
	"github.com/t77yq/wa-scheduler/internal/testutil"
)

type userMap map[string]*model.User

func (m userMap) GetUser(ctx context.Context, id string) (*model.User, error) {
	return m[id], nil
}

func testUsers(now time.Time) userMap {
	recent := now.Add(-2 * time.Hour)
	stale := now.Add(-25 * time.Hour)
	return userMap{
		"recent": {ID: "recent", Phone: "+971500000001", LastMessageAt: &recent},
		"stale":  {ID: "stale", Phone: "+971500000002", LastMessageAt: &stale},
		"silent": {ID: "silent", Phone: "+971500000003"},
	}
}

func TestPublisherSessionWindow(t *testing.T) {
	ctx := context.Background()
	_, _, js := testutil.StartJetStream(t)
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	p, err := NewPublisher(js, testUsers(now), Config{}, zap.NewNop())
	require.NoError(t, err)
	p.now = func() time.Time { return now }

	tests := []struct {
		userID string
		want   bool
	}{
		{userID: "recent", want: true},
		{userID: "stale", want: false},
		{userID: "silent", want: false},
		{userID: "missing", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.userID, func(t *testing.T) {
			open, err := p.IsSessionOpen(ctx, tt.userID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, open)
		})
	}
}

func TestPublisherSend(t *testing.T) {
	ctx := context.Background()
	_, _, js := testutil.StartJetStream(t)
	now := time.Now()

	p, err := NewPublisher(js, testUsers(now), Config{}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, testutil.WaitForStream(t, js, StreamName, 5*time.Second))

	// a second publisher reuses the stream
	_, err = NewPublisher(js, testUsers(now), Config{}, zap.NewNop())
	require.NoError(t, err)

	t.Run("live", func(t *testing.T) {
		require.NoError(t, p.SendLive(ctx, "", "recent", "*Brief*\n\nAll quiet."))

		msgs, err := testutil.ConsumeMessages(js, SubjectLive, 1, 5*time.Second)
		require.NoError(t, err)
		require.Len(t, msgs, 1)

		var got Message
		require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
		assert.Equal(t, "+971500000001", got.Phone)
		assert.Equal(t, model.DeliveryModeLive, got.Mode)
		assert.Equal(t, "*Brief*\n\nAll quiet.", got.Text)
		assert.Empty(t, got.Template)
		assert.Equal(t, got.ID, msgs[0].Header.Get(nats.MsgIdHdr))
	})

	t.Run("template", func(t *testing.T) {
		require.NoError(t, p.SendTemplated(ctx, "", "stale", "task_result", "All quiet."))

		msgs, err := testutil.ConsumeMessages(js, SubjectTemplate, 1, 5*time.Second)
		require.NoError(t, err)
		require.Len(t, msgs, 1)

		var got Message
		require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
		assert.Equal(t, model.DeliveryModeTemplate, got.Mode)
		assert.Equal(t, "task_result", got.Template)
		assert.Equal(t, "stale", got.UserID)
	})

	t.Run("unknown recipient", func(t *testing.T) {
		err := p.SendLive(ctx, "", "missing", "hello")
		assert.ErrorIs(t, err, ErrUnknownRecipient)
	})

	t.Run("duplicate ids are dropped", func(t *testing.T) {
		msg := Message{ID: "fixed-id", UserID: "recent", Mode: model.DeliveryModeLive, Text: "once"}
		require.NoError(t, p.Publish(ctx, SubjectLive, msg))
		require.NoError(t, p.Publish(ctx, SubjectLive, msg))

		info, err := js.StreamInfo(StreamName)
		require.NoError(t, err)
		// live + template + one copy of fixed-id
		assert.Equal(t, uint64(3), info.State.Msgs)
	})

	t.Run("repeated sends with one message id are dropped", func(t *testing.T) {
		require.NoError(t, p.SendTemplated(ctx, "task-1:handle-1:result", "stale", "task_result", "first"))
		require.NoError(t, p.SendTemplated(ctx, "task-1:handle-1:result", "stale", "task_result", "second"))

		info, err := js.StreamInfo(StreamName)
		require.NoError(t, err)
		assert.Equal(t, uint64(4), info.State.Msgs)

		msg, err := js.GetLastMsg(StreamName, SubjectTemplate)
		require.NoError(t, err)
		assert.Equal(t, "task-1:handle-1:result", msg.Header.Get(nats.MsgIdHdr))

		var got Message
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, "first", got.Text)
	})
}

func TestPublisherSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, _, js := testutil.StartJetStream(t)

	p, err := NewPublisher(js, testUsers(time.Now()), Config{}, zap.NewNop())
	require.NoError(t, err)

	received := make(chan Message, 4)
	require.NoError(t, p.Subscribe(ctx, func(m Message) { received <- m }))

	require.NoError(t, p.SendTemplated(ctx, "", "silent", "low_credits", "Top up"))

	select {
	case m := <-received:
		assert.Equal(t, "silent", m.UserID)
		assert.Equal(t, "Top up", m.Text)
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}
}

func TestPublisherBreaker(t *testing.T) {
	ctx := context.Background()
	s, nc, js := testutil.StartJetStream(t)

	p, err := NewPublisher(js, testUsers(time.Now()), Config{MaxFailures: 2, BreakerReset: time.Minute}, zap.NewNop())
	require.NoError(t, err)

	s.Shutdown()
	nc.Close()

	for i := 0; i < 2; i++ {
		assert.Error(t, p.SendLive(ctx, "", "recent", "hello"))
	}

	err = p.SendLive(ctx, "", "recent", "hello")
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState), "got %v", err)
}
