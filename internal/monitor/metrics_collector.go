// Package monitor publishes periodic scheduler metrics to JetStream.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/wa-scheduler/internal/model"
)

const (
	StreamName     = "METRICS"
	SubjectMetrics = "metrics.scheduler"

	streamMaxAge = 7 * 24 * time.Hour
)

// Snapshot is one published sample
type Snapshot struct {
	Timestamp    time.Time               `json:"timestamp"`
	Running      int                     `json:"running"`
	RunningTasks []string                `json:"running_tasks,omitempty"`
	CPUUsage     float64                 `json:"cpu_usage"`
	MemoryUsage  float64                 `json:"memory_usage"`
	Runs         map[model.RunStatus]int `json:"runs"`
	EnabledTasks int                     `json:"enabled_tasks"`
}

// RunCounter counts run history records
type RunCounter interface {
	Count(ctx context.Context, filters map[string]interface{}) (int, error)
}

// TaskLister lists enabled tasks
type TaskLister interface {
	ListEnabledTasks(ctx context.Context) ([]*model.ScheduledTask, error)
}

// RunningLister reports firings in progress
type RunningLister interface {
	RunningTasks() []string
}

type hostSampler func() (cpuPercent, memPercent float64, err error)

func sampleHost() (float64, float64, error) {
	memInfo, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	cpuPercent, err := cpu.Percent(0, false)
	if err != nil || len(cpuPercent) == 0 {
		return 0, memInfo.UsedPercent, err
	}
	return cpuPercent[0], memInfo.UsedPercent, nil
}

// MetricsCollector samples the scheduler and host and publishes a Snapshot
// every interval
type MetricsCollector struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	interval time.Duration
	history  RunCounter
	tasks    TaskLister
	running  RunningLister
	sample   hostSampler

	mu   sync.RWMutex
	last *Snapshot
	stop chan struct{}
	once sync.Once
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(js nats.JetStreamContext, history RunCounter, tasks TaskLister, running RunningLister, interval time.Duration, logger *zap.Logger) *MetricsCollector {
	if interval <= 0 {
		interval = time.Minute
	}
	return &MetricsCollector{
		logger:   logger.Named("metrics-collector"),
		js:       js,
		interval: interval,
		history:  history,
		tasks:    tasks,
		running:  running,
		sample:   sampleHost,
		stop:     make(chan struct{}),
	}
}

// Start makes sure the metrics stream exists and starts the collection loop
func (c *MetricsCollector) Start(ctx context.Context) error {
	_, err := c.js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{"metrics.*"},
		Storage:  nats.FileStorage,
		MaxAge:   streamMaxAge,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create metrics stream: %w", err)
	}

	go c.collectLoop(ctx)

	c.logger.Info("Started metrics collector", zap.Duration("interval", c.interval))
	return nil
}

// Stop stops the collection loop
func (c *MetricsCollector) Stop() {
	c.once.Do(func() {
		close(c.stop)
		c.logger.Info("Stopped metrics collector")
	})
}

func (c *MetricsCollector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			if _, err := c.Collect(ctx); err != nil {
				c.logger.Error("Failed to collect metrics", zap.Error(err))
			}
		}
	}
}

// Collect takes one sample and publishes it
func (c *MetricsCollector) Collect(ctx context.Context) (*Snapshot, error) {
	snapshot := &Snapshot{
		Timestamp: time.Now().UTC(),
		Runs:      make(map[model.RunStatus]int),
	}

	cpuPercent, memPercent, err := c.sample()
	if err != nil {
		c.logger.Warn("Failed to sample host usage", zap.Error(err))
	}
	snapshot.CPUUsage = cpuPercent
	snapshot.MemoryUsage = memPercent

	if c.running != nil {
		snapshot.RunningTasks = c.running.RunningTasks()
		snapshot.Running = len(snapshot.RunningTasks)
	}

	for _, status := range []model.RunStatus{
		model.RunStatusSuccess,
		model.RunStatusSkippedNoCredits,
		model.RunStatusError,
	} {
		n, err := c.history.Count(ctx, map[string]interface{}{"status": string(status)})
		if err != nil {
			return nil, fmt.Errorf("failed to count %s runs: %w", status, err)
		}
		snapshot.Runs[status] = n
	}

	enabled, err := c.tasks.ListEnabledTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled tasks: %w", err)
	}
	snapshot.EnabledTasks = len(enabled)

	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metrics: %w", err)
	}
	if _, err := c.js.Publish(SubjectMetrics, data, nats.Context(ctx)); err != nil {
		return nil, fmt.Errorf("failed to publish metrics: %w", err)
	}

	c.mu.Lock()
	c.last = snapshot
	c.mu.Unlock()

	c.logger.Debug("Metrics collected",
		zap.Float64("cpu_usage", snapshot.CPUUsage),
		zap.Float64("memory_usage", snapshot.MemoryUsage),
		zap.Int("running", snapshot.Running),
		zap.Int("enabled_tasks", snapshot.EnabledTasks))
	return snapshot, nil
}

// Last returns the most recent snapshot, or nil before the first collection
func (c *MetricsCollector) Last() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}
