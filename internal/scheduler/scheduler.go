package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultMaxConcurrent   = 2
	DefaultMemoryThreshold = 50 * 1024 * 1024
	DefaultBatchSize       = 3
	DefaultBatchPause      = 100 * time.Millisecond
)

// Priority orders queued tasks. Higher values run first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority parses "low", "normal" or "high".
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// TaskFunc is the unit of work run by the scheduler.
type TaskFunc func(ctx context.Context) (interface{}, error)

// Task represents a queued processing task
type Task struct {
	ID         uint64
	Name       string
	Priority   Priority
	EnqueuedAt time.Time

	ctx    context.Context
	fn     TaskFunc
	future *Future
}

// Future resolves with the outcome of a single task.
type Future struct {
	done  chan struct{}
	value interface{}
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(value interface{}, err error) {
	f.value = value
	f.err = err
	close(f.done)
}

// Done is closed once the task has finished.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task finishes or ctx is done.
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// MemoryEstimator reports the current memory footprint in bytes.
type MemoryEstimator interface {
	EstimatedUsage() (uint64, error)
}

// CleanupFunc releases memory or disk held by processing leftovers.
type CleanupFunc func(ctx context.Context) error

type cleanupHook struct {
	name string
	fn   CleanupFunc
}

// Options configures the scheduler. Zero values keep the current setting.
type Options struct {
	MaxConcurrent   int
	MemoryThreshold uint64
	BatchPause      time.Duration
}

// Status is a point-in-time view of the queue.
type Status struct {
	QueueLength   int `json:"queue_length"`
	Active        int `json:"active"`
	MaxConcurrent int `json:"max_concurrent"`
}

// ProcessingScheduler runs image processing tasks with bounded concurrency.
// Failed tasks are not retried here.
type ProcessingScheduler struct {
	mu              sync.Mutex
	queue           *PriorityQueue
	active          int
	maxConcurrent   int
	memoryThreshold uint64
	batchPause      time.Duration
	nextID          uint64

	estimator MemoryEstimator
	cleanupMu sync.Mutex
	cleanups  []cleanupHook

	monitor *TaskMonitor
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// New creates a new ProcessingScheduler instance
func New(estimator MemoryEstimator, logger *zap.Logger) *ProcessingScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ProcessingScheduler{
		queue:           NewPriorityQueue(),
		maxConcurrent:   DefaultMaxConcurrent,
		memoryThreshold: DefaultMemoryThreshold,
		batchPause:      DefaultBatchPause,
		estimator:       estimator,
		monitor:         NewTaskMonitor(),
		logger:          logger,
	}
}

// Configure updates concurrency and memory settings. Raising the
// concurrency limit starts queued tasks right away.
func (s *ProcessingScheduler) Configure(opts Options) {
	s.mu.Lock()
	if opts.MaxConcurrent > 0 {
		s.maxConcurrent = opts.MaxConcurrent
	}
	if opts.MemoryThreshold > 0 {
		s.memoryThreshold = opts.MemoryThreshold
	}
	if opts.BatchPause > 0 {
		s.batchPause = opts.BatchPause
	}
	maxConcurrent, threshold := s.maxConcurrent, s.memoryThreshold
	s.mu.Unlock()

	s.logger.Info("Scheduler configured",
		zap.Int("max_concurrent", maxConcurrent),
		zap.Uint64("memory_threshold", threshold))

	s.pump()
}

// AddCleanup registers a hook for memory cleanup passes.
func (s *ProcessingScheduler) AddCleanup(name string, fn CleanupFunc) {
	s.cleanupMu.Lock()
	defer s.cleanupMu.Unlock()
	s.cleanups = append(s.cleanups, cleanupHook{name: name, fn: fn})
}

// Enqueue queues fn and returns a future for its outcome. High priority
// tasks are placed ahead of every queued normal and low task.
func (s *ProcessingScheduler) Enqueue(ctx context.Context, priority Priority, name string, fn TaskFunc) *Future {
	s.mu.Lock()
	s.nextID++
	task := &Task{
		ID:         s.nextID,
		Name:       name,
		Priority:   priority,
		EnqueuedAt: time.Now(),
		ctx:        ctx,
		fn:         fn,
		future:     newFuture(),
	}
	s.queue.Push(task)
	s.mu.Unlock()

	s.logger.Debug("Task enqueued",
		zap.Uint64("task_id", task.ID),
		zap.String("name", name),
		zap.Stringer("priority", priority))

	s.pump()
	return task.future
}

// Do enqueues fn and waits for its result.
func (s *ProcessingScheduler) Do(ctx context.Context, priority Priority, name string, fn TaskFunc) (interface{}, error) {
	return s.Enqueue(ctx, priority, name, fn).Wait(ctx)
}

// QueueStatus returns the queue length and concurrency usage
func (s *ProcessingScheduler) QueueStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Status{
		QueueLength:   s.queue.Len(),
		Active:        s.active,
		MaxConcurrent: s.maxConcurrent,
	}
}

// Metrics returns task execution metrics
func (s *ProcessingScheduler) Metrics() GlobalMetrics {
	return s.monitor.GetMetrics()
}

// Shutdown waits for running and queued tasks to finish or ctx to end.
func (s *ProcessingScheduler) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Processing scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Processing scheduler stopped with tasks still running")
		return errors.New("scheduler shutdown timeout")
	}
}

// pump starts queued tasks while there is free capacity
func (s *ProcessingScheduler) pump() {
	s.mu.Lock()
	var ready []*Task
	for s.active < s.maxConcurrent {
		task := s.queue.Pop()
		if task == nil {
			break
		}
		s.active++
		s.wg.Add(1)
		ready = append(ready, task)
	}
	s.mu.Unlock()

	for _, task := range ready {
		go s.executeTask(task)
	}
}

// executeTask runs a single task and hands the slot to the next one
func (s *ProcessingScheduler) executeTask(task *Task) {
	defer s.wg.Done()

	value, duration, err := s.run(task)

	s.monitor.Record(task.Name, err, duration)
	if err != nil {
		s.logger.Debug("Task execution failed",
			zap.Uint64("task_id", task.ID),
			zap.String("name", task.Name),
			zap.Error(err))
	}

	s.mu.Lock()
	s.active--
	s.mu.Unlock()

	task.future.resolve(value, err)
	s.pump()
}

func (s *ProcessingScheduler) run(task *Task) (value interface{}, duration time.Duration, err error) {
	if ctxErr := task.ctx.Err(); ctxErr != nil {
		return nil, 0, ctxErr
	}

	if task.Priority == PriorityHigh {
		s.governMemory(task.ctx)
	}

	start := time.Now()
	defer func() {
		duration = time.Since(start)
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.Name, r)
		}
	}()

	value, err = task.fn(task.ctx)
	return value, duration, err
}

// governMemory triggers a cleanup pass when estimated usage is above the
// threshold. It never blocks the task from running.
func (s *ProcessingScheduler) governMemory(ctx context.Context) {
	if s.estimator == nil {
		return
	}

	s.mu.Lock()
	threshold := s.memoryThreshold
	s.mu.Unlock()
	if threshold == 0 {
		return
	}

	usage, err := s.estimator.EstimatedUsage()
	if err != nil {
		s.logger.Debug("Failed to estimate memory usage", zap.Error(err))
		return
	}
	if usage <= threshold {
		return
	}

	s.logger.Warn("Memory threshold exceeded, running cleanup",
		zap.Uint64("usage_bytes", usage),
		zap.Uint64("threshold_bytes", threshold))
	s.RunCleanup(ctx)
}

// RunCleanup runs every registered cleanup hook and then the garbage
// collector. Hook errors are logged and otherwise ignored.
func (s *ProcessingScheduler) RunCleanup(ctx context.Context) {
	s.cleanupMu.Lock()
	hooks := make([]cleanupHook, len(s.cleanups))
	copy(hooks, s.cleanups)
	s.cleanupMu.Unlock()

	for _, hook := range hooks {
		if err := hook.fn(ctx); err != nil {
			s.logger.Warn("Cleanup hook failed", zap.String("hook", hook.name), zap.Error(err))
		}
	}
	runtime.GC()
}
