package resource

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// MemoryMonitor 负责估算当前进程的内存占用，供调度器做内存治理
type MemoryMonitor struct {
	mu             sync.RWMutex
	logger         *zap.Logger
	process        *process.Process
	threshold      uint64
	current        uint64
	lastCheckTime  time.Time
	maxStaleness   time.Duration
	updateInterval time.Duration
	stopChan       chan struct{}
	stopOnce       sync.Once
}

// MemoryMetrics 内存使用指标
type MemoryMetrics struct {
	RSSBytes        uint64    `json:"rss_bytes"`
	HeapBytes       uint64    `json:"heap_bytes"`
	SystemTotal     uint64    `json:"system_total"`
	SystemAvailable uint64    `json:"system_available"`
	Goroutines      int       `json:"goroutines"`
	Threshold       uint64    `json:"threshold"`
	Exceeded        bool      `json:"exceeded"`
	Timestamp       time.Time `json:"timestamp"`
}

// NewMemoryMonitor 创建新的内存监控器
func NewMemoryMonitor(logger *zap.Logger, threshold uint64) (*MemoryMonitor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	pid := int32(os.Getpid())
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to get current process: %w", err)
	}

	monitor := &MemoryMonitor{
		logger:         logger,
		process:        proc,
		threshold:      threshold,
		maxStaleness:   time.Second,
		updateInterval: 5 * time.Second,
		stopChan:       make(chan struct{}),
	}

	// 初始化内存采样
	if err := monitor.update(); err != nil {
		logger.Warn("Failed to initialize memory metrics", zap.Error(err))
	}

	return monitor, nil
}

// Start 周期性刷新内存采样，直到ctx结束或调用Stop
func (m *MemoryMonitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.updateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopChan:
				return
			case <-ticker.C:
				if err := m.update(); err != nil {
					m.logger.Debug("Failed to update memory metrics", zap.Error(err))
				}
			}
		}
	}()
}

// Stop 停止周期刷新
func (m *MemoryMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
}

// update 读取进程RSS
func (m *MemoryMonitor) update() error {
	memInfo, err := m.process.MemoryInfo()
	if err != nil {
		return fmt.Errorf("failed to get memory info: %w", err)
	}

	m.mu.Lock()
	m.current = memInfo.RSS
	m.lastCheckTime = time.Now()
	m.mu.Unlock()
	return nil
}

// EstimatedUsage 返回估算的内存占用（字节）。采样过旧时先刷新。
func (m *MemoryMonitor) EstimatedUsage() (uint64, error) {
	m.mu.RLock()
	stale := time.Since(m.lastCheckTime) > m.maxStaleness
	current := m.current
	m.mu.RUnlock()

	if !stale {
		return current, nil
	}
	if err := m.update(); err != nil {
		return current, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, nil
}

// SetThreshold 更新内存阈值
func (m *MemoryMonitor) SetThreshold(threshold uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threshold = threshold
}

// IsThresholdExceeded 检查是否超过内存阈值
func (m *MemoryMonitor) IsThresholdExceeded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.threshold > 0 && m.current > m.threshold
}

// Metrics 获取详细的内存使用信息
func (m *MemoryMonitor) Metrics() (*MemoryMetrics, error) {
	rss, err := m.EstimatedUsage()
	if err != nil {
		return nil, err
	}

	vmStat, err := mem.VirtualMemory()
	if err != nil {
		return nil, fmt.Errorf("failed to get virtual memory: %w", err)
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m.mu.RLock()
	threshold := m.threshold
	m.mu.RUnlock()

	return &MemoryMetrics{
		RSSBytes:        rss,
		HeapBytes:       ms.HeapAlloc,
		SystemTotal:     vmStat.Total,
		SystemAvailable: vmStat.Available,
		Goroutines:      runtime.NumGoroutine(),
		Threshold:       threshold,
		Exceeded:        threshold > 0 && rss > threshold,
		Timestamp:       time.Now(),
	}, nil
}
