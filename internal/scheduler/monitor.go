package scheduler

import (
	"sync"
	"time"
)

const recentExecutions = 10

// TaskMonitor 记录处理任务的执行情况
type TaskMonitor struct {
	mu          sync.RWMutex
	taskMetrics map[string]*TaskExecutionMetrics
	globalStats GlobalMetrics
}

// TaskExecutionMetrics 存储同名任务的执行指标
type TaskExecutionMetrics struct {
	Name             string
	TotalExecutions  int64
	SuccessfulRuns   int64
	FailedRuns       int64
	LastExecution    time.Time
	LastDuration     time.Duration
	LastError        string
	AverageDuration  time.Duration
	TotalDuration    time.Duration
	RecentExecutions []ExecutionRecord
}

// ExecutionRecord 记录单次执行详情
type ExecutionRecord struct {
	Timestamp time.Time
	Success   bool
	Duration  time.Duration
}

// GlobalMetrics 存储全局执行统计
type GlobalMetrics struct {
	TotalExecutions  int64         `json:"total_executions"`
	TotalSuccesses   int64         `json:"total_successes"`
	TotalFailures    int64         `json:"total_failures"`
	AverageDuration  time.Duration `json:"average_duration"`
	OverallErrorRate float64       `json:"overall_error_rate"`
	LastUpdated      time.Time     `json:"last_updated"`
}

// NewTaskMonitor 创建新的任务监控器
func NewTaskMonitor() *TaskMonitor {
	return &TaskMonitor{
		taskMetrics: make(map[string]*TaskExecutionMetrics),
		globalStats: GlobalMetrics{LastUpdated: time.Now()},
	}
}

// Record 记录任务执行结果
func (tm *TaskMonitor) Record(name string, err error, duration time.Duration) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	metrics, exists := tm.taskMetrics[name]
	if !exists {
		metrics = &TaskExecutionMetrics{
			Name:             name,
			RecentExecutions: make([]ExecutionRecord, 0, recentExecutions),
		}
		tm.taskMetrics[name] = metrics
	}

	now := time.Now()
	metrics.TotalExecutions++
	metrics.LastExecution = now
	metrics.LastDuration = duration
	metrics.TotalDuration += duration
	metrics.AverageDuration = time.Duration(int64(metrics.TotalDuration) / metrics.TotalExecutions)

	if err != nil {
		metrics.FailedRuns++
		metrics.LastError = err.Error()
	} else {
		metrics.SuccessfulRuns++
		metrics.LastError = ""
	}

	// 保持最近10条记录
	if len(metrics.RecentExecutions) >= recentExecutions {
		metrics.RecentExecutions = metrics.RecentExecutions[1:]
	}
	metrics.RecentExecutions = append(metrics.RecentExecutions, ExecutionRecord{
		Timestamp: now,
		Success:   err == nil,
		Duration:  duration,
	})

	// 更新全局统计
	g := &tm.globalStats
	prevTotal := g.TotalExecutions
	g.TotalExecutions++
	if err != nil {
		g.TotalFailures++
	} else {
		g.TotalSuccesses++
	}
	g.AverageDuration = time.Duration((int64(g.AverageDuration)*prevTotal + int64(duration)) / g.TotalExecutions)
	g.OverallErrorRate = float64(g.TotalFailures) / float64(g.TotalExecutions)
	g.LastUpdated = now
}

// GetMetrics 返回全局执行指标
func (tm *TaskMonitor) GetMetrics() GlobalMetrics {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.globalStats
}

// GetTaskMetrics 获取同名任务的指标副本
func (tm *TaskMonitor) GetTaskMetrics(name string) (*TaskExecutionMetrics, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	metrics, exists := tm.taskMetrics[name]
	if !exists {
		return nil, false
	}

	// 返回副本以避免并发问题
	copyMetrics := *metrics
	copyMetrics.RecentExecutions = make([]ExecutionRecord, len(metrics.RecentExecutions))
	copy(copyMetrics.RecentExecutions, metrics.RecentExecutions)
	return &copyMetrics, true
}
