package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/wa-scheduler/internal/model"
	"github.com/t77yq/wa-scheduler/internal/testutil"
)

func respond(t *testing.T, nc *nats.Conn, subject string, handle func(model.AgentRequest) Reply) {
	t.Helper()
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		var req model.AgentRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return
		}
		data, _ := json.Marshal(handle(req))
		msg.Respond(data)
	})
	require.NoError(t, err)
	require.NoError(t, nc.Flush())
	t.Cleanup(func() { sub.Unsubscribe() })
}

func TestClientRun(t *testing.T) {
	ctx := context.Background()
	_, nc, _ := testutil.StartJetStream(t)

	respond(t, nc, DefaultSubject, func(req model.AgentRequest) Reply {
		if req.Title == "fail" {
			return Reply{Error: "model overloaded"}
		}
		return Reply{Text: req.Title + " for " + req.UserID + " via " + req.Source}
	})

	client := NewClient(nc, "", time.Second, zap.NewNop())

	t.Run("reply", func(t *testing.T) {
		text, err := client.Run(ctx, model.AgentRequest{UserID: "u1", Title: "Weather", Source: "scheduled_task"})
		require.NoError(t, err)
		assert.Equal(t, "Weather for u1 via scheduled_task", text)
	})

	t.Run("agent error", func(t *testing.T) {
		_, err := client.Run(ctx, model.AgentRequest{UserID: "u1", Title: "fail"})
		require.ErrorIs(t, err, ErrAgent)
		assert.Contains(t, err.Error(), "model overloaded")
	})

	t.Run("no responder", func(t *testing.T) {
		other := NewClient(nc, "agent.nobody", 200*time.Millisecond, zap.NewNop())
		_, err := other.Run(ctx, model.AgentRequest{UserID: "u1", Title: "Weather"})
		assert.Error(t, err)
	})

	t.Run("timeout", func(t *testing.T) {
		respond(t, nc, "agent.slow", func(req model.AgentRequest) Reply {
			time.Sleep(300 * time.Millisecond)
			return Reply{Text: "late"}
		})
		slow := NewClient(nc, "agent.slow", 50*time.Millisecond, zap.NewNop())
		_, err := slow.Run(ctx, model.AgentRequest{UserID: "u1"})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
