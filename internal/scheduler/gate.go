package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// ResourceLimits bounds how many firings may run at once and how loaded the
// host may be before new firings wait. Zero percentages disable that check.
type ResourceLimits struct {
	MaxConcurrent    int
	MaxCPUPercent    float64
	MaxMemoryPercent float64
	WaitInterval     time.Duration
}

// ResourceStats is the last sampled host usage
type ResourceStats struct {
	Running       int
	CPUPercent    float64
	MemoryPercent float64
	CollectedAt   time.Time
}

type usageSampler func() (cpuPercent, memPercent float64, err error)

func sampleHost() (float64, float64, error) {
	memInfo, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	// Interval 0 compares against the previous call instead of blocking.
	cpuPercent, err := cpu.Percent(0, false)
	if err != nil || len(cpuPercent) == 0 {
		return 0, memInfo.UsedPercent, err
	}
	return cpuPercent[0], memInfo.UsedPercent, nil
}

// ResourceGate admits task firings
type ResourceGate struct {
	logger  *zap.Logger
	limits  ResourceLimits
	slots   chan struct{}
	running atomic.Int32
	sample  usageSampler

	mu    sync.RWMutex
	stats ResourceStats
}

// NewResourceGate creates a gate. MaxConcurrent defaults to 10.
func NewResourceGate(limits ResourceLimits, logger *zap.Logger) *ResourceGate {
	if limits.MaxConcurrent <= 0 {
		limits.MaxConcurrent = 10
	}
	if limits.WaitInterval <= 0 {
		limits.WaitInterval = time.Second
	}
	return &ResourceGate{
		logger: logger.Named("resource-gate"),
		limits: limits,
		slots:  make(chan struct{}, limits.MaxConcurrent),
		sample: sampleHost,
	}
}

// Acquire blocks until a slot is free and host usage is under the limits.
// The returned func releases the slot.
func (g *ResourceGate) Acquire(ctx context.Context) (func(), error) {
	select {
	case g.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for !g.underLimits() {
		select {
		case <-ctx.Done():
			<-g.slots
			return nil, ctx.Err()
		case <-time.After(g.limits.WaitInterval):
		}
	}

	g.running.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			g.running.Add(-1)
			<-g.slots
		})
	}, nil
}

func (g *ResourceGate) underLimits() bool {
	if g.limits.MaxCPUPercent <= 0 && g.limits.MaxMemoryPercent <= 0 {
		return true
	}

	cpuPercent, memPercent, err := g.sample()
	if err != nil {
		// an unreadable host should not stop scheduled work
		g.logger.Error("Failed to sample resource usage", zap.Error(err))
		return true
	}

	g.mu.Lock()
	g.stats = ResourceStats{
		Running:       int(g.running.Load()),
		CPUPercent:    cpuPercent,
		MemoryPercent: memPercent,
		CollectedAt:   time.Now(),
	}
	g.mu.Unlock()

	if g.limits.MaxMemoryPercent > 0 && memPercent > g.limits.MaxMemoryPercent {
		g.logger.Warn("Memory usage above limit, delaying task",
			zap.Float64("memory_usage", memPercent),
			zap.Float64("limit", g.limits.MaxMemoryPercent))
		return false
	}
	if g.limits.MaxCPUPercent > 0 && cpuPercent > g.limits.MaxCPUPercent {
		g.logger.Warn("CPU usage above limit, delaying task",
			zap.Float64("cpu_usage", cpuPercent),
			zap.Float64("limit", g.limits.MaxCPUPercent))
		return false
	}
	return true
}

// Stats returns the most recent sample and the current number of admitted firings
func (g *ResourceGate) Stats() ResourceStats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	stats := g.stats
	stats.Running = int(g.running.Load())
	return stats
}
