package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestResourceGate(t *testing.T) {
	t.Run("limits concurrent slots", func(t *testing.T) {
		gate := NewResourceGate(ResourceLimits{MaxConcurrent: 1}, zap.NewNop())

		release, err := gate.Acquire(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, gate.Stats().Running)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err = gate.Acquire(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		release()
		release()
		assert.Equal(t, 0, gate.Stats().Running)

		release, err = gate.Acquire(context.Background())
		require.NoError(t, err)
		release()
	})

	t.Run("waits while the host is busy", func(t *testing.T) {
		gate := NewResourceGate(ResourceLimits{
			MaxConcurrent: 2,
			MaxCPUPercent: 80,
			WaitInterval:  5 * time.Millisecond,
		}, zap.NewNop())

		var calls atomic.Int32
		gate.sample = func() (float64, float64, error) {
			if calls.Add(1) <= 2 {
				return 95, 40, nil
			}
			return 20, 40, nil
		}

		release, err := gate.Acquire(context.Background())
		require.NoError(t, err)
		defer release()

		assert.Equal(t, int32(3), calls.Load())
		stats := gate.Stats()
		assert.Equal(t, 20.0, stats.CPUPercent)
		assert.Equal(t, 40.0, stats.MemoryPercent)
		assert.Equal(t, 1, stats.Running)
	})

	t.Run("gives the slot back when cancelled while waiting", func(t *testing.T) {
		gate := NewResourceGate(ResourceLimits{
			MaxConcurrent:    1,
			MaxMemoryPercent: 50,
			WaitInterval:     5 * time.Millisecond,
		}, zap.NewNop())
		busy := atomic.Bool{}
		busy.Store(true)
		gate.sample = func() (float64, float64, error) {
			if busy.Load() {
				return 10, 90, nil
			}
			return 10, 10, nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		_, err := gate.Acquire(ctx)
		require.Error(t, err)

		busy.Store(false)
		release, err := gate.Acquire(context.Background())
		require.NoError(t, err)
		release()
	})

	t.Run("sampling errors admit the run", func(t *testing.T) {
		gate := NewResourceGate(ResourceLimits{MaxCPUPercent: 50}, zap.NewNop())
		gate.sample = func() (float64, float64, error) { return 0, 0, errBoom }

		release, err := gate.Acquire(context.Background())
		require.NoError(t, err)
		release()
	})
}
