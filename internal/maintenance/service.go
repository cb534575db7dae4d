package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/miaoyq/leafscan/internal/history"
)

const DefaultSchedule = "@every 1h"

// JobFunc performs one maintenance pass and returns a short summary
type JobFunc func(ctx context.Context) (string, error)

// JobStatus is the outcome of the last run of a job
type JobStatus struct {
	Name       string    `json:"name"`
	Runs       int       `json:"runs"`
	LastRunAt  time.Time `json:"last_run_at,omitempty"`
	LastStatus string    `json:"last_status,omitempty"`
	LastResult string    `json:"last_result,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

type job struct {
	name string
	fn   JobFunc
}

// Service runs registered jobs one after another on a cron schedule.
// A pass that is still running when the next tick fires is skipped.
type Service struct {
	schedule string
	parser   cron.Parser

	mu      sync.Mutex
	jobs    []job
	status  map[string]*JobStatus
	cron    *cron.Cron
	entryID cron.EntryID
	runMu   sync.Mutex

	now    func() time.Time
	logger *zap.Logger
}

// New creates a Service. An empty schedule uses DefaultSchedule.
func New(schedule string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}

	return &Service{
		schedule: schedule,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		status:   make(map[string]*JobStatus),
		now:      time.Now,
		logger:   logger,
	}
}

// AddJob registers fn. Jobs run in registration order.
func (s *Service) AddJob(name string, fn JobFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job{name: name, fn: fn})
	s.status[name] = &JobStatus{Name: name}
}

// Start schedules the jobs. It stops when ctx is done or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	sched, err := s.parser.Parse(s.schedule)
	if err != nil {
		return fmt.Errorf("invalid maintenance schedule %q: %w", s.schedule, err)
	}

	s.mu.Lock()
	if s.cron != nil {
		s.mu.Unlock()
		return fmt.Errorf("maintenance already started")
	}
	cronLogger := zapLogger{s.logger}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	s.entryID = c.Schedule(sched, cron.FuncJob(func() {
		s.RunNow(ctx)
	}))
	s.cron = c
	jobCount := len(s.jobs)
	s.mu.Unlock()

	c.Start()
	s.logger.Info("Maintenance started",
		zap.String("schedule", s.schedule),
		zap.Int("jobs", jobCount))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts scheduling and waits up to five seconds for a running pass
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return
	}

	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		s.logger.Warn("Maintenance stop timed out waiting for running jobs")
	}
	s.logger.Info("Maintenance stopped")
}

// Next returns the next scheduled run, or the zero time when not started
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// RunNow runs every job once, in order, and returns their statuses. It
// serializes with scheduled passes.
func (s *Service) RunNow(ctx context.Context) []JobStatus {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.Lock()
	jobs := make([]job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	for _, j := range jobs {
		if ctx.Err() != nil {
			break
		}
		s.execute(ctx, j)
	}
	return s.Status()
}

func (s *Service) execute(ctx context.Context, j job) {
	start := s.now()
	result, err := s.runJob(ctx, j)

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.status[j.name]
	st.Runs++
	st.LastRunAt = start
	st.LastResult = result
	if err != nil {
		st.LastStatus = "error"
		st.LastError = err.Error()
		s.logger.Warn("Maintenance job failed", zap.String("job", j.name), zap.Error(err))
		return
	}
	st.LastStatus = "ok"
	st.LastError = ""
	s.logger.Info("Maintenance job finished",
		zap.String("job", j.name),
		zap.String("result", result),
		zap.Duration("duration", s.now().Sub(start)))
}

func (s *Service) runJob(ctx context.Context, j job) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return j.fn(ctx)
}

// Status returns a copy of every job status in registration order
func (s *Service) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		statuses = append(statuses, *s.status[j.name])
	}
	return statuses
}

// CacheMaintainer is the part of the image cache maintenance touches
type CacheMaintainer interface {
	EvictExpired() int
	Optimize(target int64) int
	PurgeTemp() int
}

// HistoryCleaner trims scan history
type HistoryCleaner interface {
	Cleanup() (history.CleanupReport, error)
}

// CacheJob evicts expired entries and then shrinks the cache to target
// bytes. A non-positive target uses the cache's own limit.
func CacheJob(cache CacheMaintainer, target int64) JobFunc {
	return func(ctx context.Context) (string, error) {
		expired := cache.EvictExpired()
		trimmed := cache.Optimize(target)
		return fmt.Sprintf("evicted %d expired, trimmed %d", expired, trimmed), nil
	}
}

// TempJob removes abandoned downloads from the cache temp directory
func TempJob(cache CacheMaintainer) JobFunc {
	return func(ctx context.Context) (string, error) {
		return fmt.Sprintf("removed %d temp files", cache.PurgeTemp()), nil
	}
}

// HistoryJob applies the history age and count limits
func HistoryJob(h HistoryCleaner) JobFunc {
	return func(ctx context.Context) (string, error) {
		report, err := h.Cleanup()
		if err != nil {
			return "", err
		}
		return report.String(), nil
	}
}

// zapLogger adapts zap to cron.Logger
type zapLogger struct {
	logger *zap.Logger
}

func (l zapLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l zapLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
