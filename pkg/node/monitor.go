// Package node owns the Node object: registration at startup, the
// coordination lease heartbeat, and periodic status updates carrying
// capacity and pressure conditions derived from local resource sampling.
package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/wasmlet/wasmlet/pkg/observability"
)

// MonitorConfig configures resource sampling.
type MonitorConfig struct {
	// Interval between samples.
	Interval time.Duration

	// DiskPath is the filesystem whose usage feeds the disk figures,
	// normally the data directory holding the module cache.
	DiskPath string
}

// Validate validates the monitor configuration and fills in defaults.
func (c *MonitorConfig) Validate() error {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.DiskPath == "" {
		c.DiskPath = "/"
	}
	return nil
}

// Snapshot is one sample of the machine's resources.
type Snapshot struct {
	Timestamp time.Time

	CPUCores        int
	CPUMillicores   int64
	CPUUsagePercent float64

	MemoryTotal       uint64
	MemoryAvailable   uint64
	MemoryUsedPercent float64

	DiskTotal       uint64
	DiskFree        uint64
	DiskUsedPercent float64
}

// Monitor samples machine resources on a fixed interval and serves the
// latest snapshot to the node controller and the inspect command.
type Monitor struct {
	config MonitorConfig
	logger *zap.Logger

	mu      sync.RWMutex
	current Snapshot

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a resource monitor.
func NewMonitor(config MonitorConfig, logger *zap.Logger) (*Monitor, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	return &Monitor{
		config: config,
		logger: logger.Named("resource_monitor"),
	}, nil
}

// Start takes an initial sample and launches the sampling loop.
func (m *Monitor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.logger.Info("Starting resource monitor",
		zap.Duration("interval", m.config.Interval),
		zap.String("disk_path", m.config.DiskPath),
	)

	m.sample()

	m.wg.Add(1)
	go m.loop(ctx)
	return nil
}

// Stop halts the sampling loop.
func (m *Monitor) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for resource monitor to stop: %w", ctx.Err())
	}
}

// Snapshot returns the most recent sample.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Capacity returns the machine's total resources as a Kubernetes resource
// list. Pod capacity is configured, not detected, and is added by the node
// controller.
func (m *Monitor) Capacity() corev1.ResourceList {
	snap := m.Snapshot()
	return corev1.ResourceList{
		corev1.ResourceCPU:              *resource.NewMilliQuantity(snap.CPUMillicores, resource.DecimalSI),
		corev1.ResourceMemory:           *resource.NewQuantity(int64(snap.MemoryTotal), resource.BinarySI),
		corev1.ResourceEphemeralStorage: *resource.NewQuantity(int64(snap.DiskTotal), resource.BinarySI),
	}
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

// sample collects one snapshot. Collectors fail independently; a metric
// that cannot be read keeps its zero value rather than failing the sample.
func (m *Monitor) sample() {
	snapshot := Snapshot{
		Timestamp: time.Now(),
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snapshot.CPUUsagePercent = percents[0]
	}
	if counts, err := cpu.Counts(true); err == nil {
		snapshot.CPUCores = counts
		snapshot.CPUMillicores = int64(counts) * 1000
	}

	if memInfo, err := mem.VirtualMemory(); err == nil {
		snapshot.MemoryTotal = memInfo.Total
		snapshot.MemoryAvailable = memInfo.Available
		snapshot.MemoryUsedPercent = memInfo.UsedPercent
	} else {
		m.logger.Warn("Failed to read memory stats", zap.Error(err))
	}

	if diskInfo, err := disk.Usage(m.config.DiskPath); err == nil {
		snapshot.DiskTotal = diskInfo.Total
		snapshot.DiskFree = diskInfo.Free
		snapshot.DiskUsedPercent = diskInfo.UsedPercent
	} else {
		m.logger.Warn("Failed to read disk stats",
			zap.String("path", m.config.DiskPath),
			zap.Error(err),
		)
	}

	m.mu.Lock()
	m.current = snapshot
	m.mu.Unlock()

	usedCPU := snapshot.CPUUsagePercent * float64(snapshot.CPUCores) * 10
	observability.NodeResourceCapacity.WithLabelValues("cpu_millicores").Set(float64(snapshot.CPUMillicores))
	observability.NodeResourceCapacity.WithLabelValues("memory_bytes").Set(float64(snapshot.MemoryTotal))
	observability.NodeResourceCapacity.WithLabelValues("disk_bytes").Set(float64(snapshot.DiskTotal))
	observability.NodeResourceUsage.WithLabelValues("cpu_millicores").Set(usedCPU)
	observability.NodeResourceUsage.WithLabelValues("memory_bytes").Set(float64(snapshot.MemoryTotal - snapshot.MemoryAvailable))
	observability.NodeResourceUsage.WithLabelValues("disk_bytes").Set(float64(snapshot.DiskTotal - snapshot.DiskFree))

	m.logger.Debug("Updated resource snapshot",
		zap.Int("cpu_cores", snapshot.CPUCores),
		zap.Float64("cpu_percent", snapshot.CPUUsagePercent),
		zap.Float64("memory_percent", snapshot.MemoryUsedPercent),
		zap.Float64("disk_percent", snapshot.DiskUsedPercent),
	)
}
