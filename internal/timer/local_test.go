package timer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type firing struct {
	key    string
	handle string
}

func collect(ch chan firing) Handler {
	return func(ctx context.Context, key, handle string) {
		ch <- firing{key: key, handle: handle}
	}
}

func TestLocal(t *testing.T) {
	ctx := context.Background()

	t.Run("fires once with key and handle", func(t *testing.T) {
		l := NewLocal(zap.NewNop())
		defer l.Stop()
		fired := make(chan firing, 4)
		require.NoError(t, l.Start(ctx, collect(fired)))

		handle := NewHandle()
		require.NoError(t, l.Schedule(ctx, handle, time.Now().Add(20*time.Millisecond), "task-1"))
		pending, err := l.Pending(ctx, handle)
		require.NoError(t, err)
		assert.True(t, pending)

		select {
		case f := <-fired:
			assert.Equal(t, "task-1", f.key)
			assert.Equal(t, handle, f.handle)
		case <-time.After(2 * time.Second):
			t.Fatal("timer did not fire")
		}

		pending, err = l.Pending(ctx, handle)
		require.NoError(t, err)
		assert.False(t, pending)

		// cancelling after the fact is tolerated
		assert.NoError(t, l.Cancel(ctx, handle))
	})

	t.Run("past instant fires immediately", func(t *testing.T) {
		l := NewLocal(zap.NewNop())
		defer l.Stop()
		fired := make(chan firing, 1)
		require.NoError(t, l.Start(ctx, collect(fired)))

		require.NoError(t, l.Schedule(ctx, NewHandle(), time.Now().Add(-time.Hour), "overdue"))

		select {
		case f := <-fired:
			assert.Equal(t, "overdue", f.key)
		case <-time.After(2 * time.Second):
			t.Fatal("overdue timer did not fire")
		}
	})

	t.Run("cancel prevents firing and is idempotent", func(t *testing.T) {
		l := NewLocal(zap.NewNop())
		defer l.Stop()
		fired := make(chan firing, 1)
		require.NoError(t, l.Start(ctx, collect(fired)))

		handle := NewHandle()
		require.NoError(t, l.Schedule(ctx, handle, time.Now().Add(50*time.Millisecond), "task-2"))
		require.NoError(t, l.Cancel(ctx, handle))
		require.NoError(t, l.Cancel(ctx, handle))
		require.NoError(t, l.Cancel(ctx, "never-existed"))
		require.NoError(t, l.Cancel(ctx, ""))

		select {
		case f := <-fired:
			t.Fatalf("cancelled timer fired: %+v", f)
		case <-time.After(200 * time.Millisecond):
		}
	})

	t.Run("rescheduling a handle replaces the wake-up", func(t *testing.T) {
		l := NewLocal(zap.NewNop())
		defer l.Stop()
		fired := make(chan firing, 2)
		require.NoError(t, l.Start(ctx, collect(fired)))

		handle := NewHandle()
		require.NoError(t, l.Schedule(ctx, handle, time.Now().Add(20*time.Millisecond), "first"))
		require.NoError(t, l.Schedule(ctx, handle, time.Now().Add(60*time.Millisecond), "second"))

		select {
		case f := <-fired:
			assert.Equal(t, "second", f.key)
		case <-time.After(2 * time.Second):
			t.Fatal("timer did not fire")
		}
		select {
		case f := <-fired:
			t.Fatalf("replaced wake-up fired: %+v", f)
		case <-time.After(150 * time.Millisecond):
		}
	})

	t.Run("stop drops pending timers", func(t *testing.T) {
		l := NewLocal(zap.NewNop())
		fired := make(chan firing, 1)
		require.NoError(t, l.Start(ctx, collect(fired)))

		require.NoError(t, l.Schedule(ctx, NewHandle(), time.Now().Add(50*time.Millisecond), "task-3"))
		l.Stop()

		err := l.Schedule(ctx, NewHandle(), time.Now(), "late")
		assert.ErrorIs(t, err, ErrStopped)

		select {
		case f := <-fired:
			t.Fatalf("timer fired after stop: %+v", f)
		case <-time.After(200 * time.Millisecond):
		}
	})
}
