package scheduler

import (
	"errors"
	"testing"
	"time"
)

func TestNewTaskMonitor(t *testing.T) {
	monitor := NewTaskMonitor()
	if monitor == nil {
		t.Fatal("NewTaskMonitor should not return nil")
	}

	if monitor.taskMetrics == nil {
		t.Error("taskMetrics should be initialized")
	}

	if monitor.GetMetrics().TotalExecutions != 0 {
		t.Error("A new monitor should have no executions")
	}
}

func TestTaskMonitor_Record(t *testing.T) {
	monitor := NewTaskMonitor()

	// 测试记录成功的任务
	monitor.Record("compress", nil, 100*time.Millisecond)
	// 测试记录失败的任务
	monitor.Record("compress", errors.New("decode failed"), 300*time.Millisecond)

	metrics, exists := monitor.GetTaskMetrics("compress")
	if !exists {
		t.Fatal("Metrics should exist for recorded task")
	}

	if metrics.TotalExecutions != 2 {
		t.Errorf("Expected 2 executions, got %d", metrics.TotalExecutions)
	}
	if metrics.SuccessfulRuns != 1 || metrics.FailedRuns != 1 {
		t.Errorf("Expected 1 success and 1 failure, got %d/%d", metrics.SuccessfulRuns, metrics.FailedRuns)
	}
	if metrics.LastError != "decode failed" {
		t.Errorf("Expected last error to be recorded, got %q", metrics.LastError)
	}
	if metrics.AverageDuration != 200*time.Millisecond {
		t.Errorf("Expected average 200ms, got %v", metrics.AverageDuration)
	}

	global := monitor.GetMetrics()
	if global.TotalExecutions != 2 || global.TotalFailures != 1 || global.TotalSuccesses != 1 {
		t.Errorf("Unexpected global metrics: %+v", global)
	}
	if global.OverallErrorRate != 0.5 {
		t.Errorf("Expected error rate 0.5, got %f", global.OverallErrorRate)
	}
	if global.AverageDuration != 200*time.Millisecond {
		t.Errorf("Expected global average 200ms, got %v", global.AverageDuration)
	}
}

func TestTaskMonitor_RecentExecutionsBounded(t *testing.T) {
	monitor := NewTaskMonitor()
	for i := 0; i < 15; i++ {
		monitor.Record("thumb", nil, time.Millisecond)
	}

	metrics, _ := monitor.GetTaskMetrics("thumb")
	if len(metrics.RecentExecutions) != recentExecutions {
		t.Errorf("Expected %d recent executions, got %d", recentExecutions, len(metrics.RecentExecutions))
	}

	if _, exists := monitor.GetTaskMetrics("missing"); exists {
		t.Error("Unknown task should have no metrics")
	}
}
