package retryqueue

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/miaoyq/leafscan/pkg/types"
)

const (
	DefaultMaxSize     = 50
	DefaultMaxRetries  = 3
	DefaultSettleDelay = time.Second
	FileName           = "scan_queue.json"
)

// Processor runs the full scan pipeline for one queued item.
type Processor func(ctx context.Context, item types.QueuedScan) error

// Connectivity is the part of the network monitor the queue depends on.
type Connectivity interface {
	State() types.NetworkState
	Subscribe(fn func(types.NetworkState)) func()
}

// Listener observes the queue contents after every mutation.
type Listener func(items []types.QueuedScan)

// Config configures a Queue
type Config struct {
	Dir         string
	MaxSize     int
	MaxRetries  int
	SettleDelay time.Duration
}

// SkipReason tells why a drain did not run
type SkipReason string

const (
	SkipAlreadyDraining SkipReason = "already_draining"
	SkipOffline         SkipReason = "offline"
)

// DrainReport summarizes one drain pass
type DrainReport struct {
	Attempted  int        `json:"attempted"`
	Succeeded  int        `json:"succeeded"`
	Retried    int        `json:"retried"`
	Dropped    int        `json:"dropped"`
	Skipped    bool       `json:"skipped"`
	SkipReason SkipReason `json:"skip_reason,omitempty"`
}

// Queue is a durable FIFO of scans waiting to be retried once the network
// is back. Every mutation rewrites the queue file before returning.
type Queue struct {
	mu          sync.Mutex
	path        string
	maxSize     int
	maxRetries  int
	settleDelay time.Duration
	items       []types.QueuedScan

	processor Processor
	conn      Connectivity

	listenerMu sync.Mutex
	listeners  map[uint64]Listener
	order      []uint64
	nextID     uint64

	draining    atomic.Bool
	online      bool
	settleTimer *time.Timer
	unsubscribe func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.Logger
}

// New creates a Queue. conn may be nil, in which case the queue always
// considers itself online and never drains automatically.
func New(cfg Config, processor Processor, conn Connectivity, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		path:        filepath.Join(cfg.Dir, FileName),
		maxSize:     cfg.MaxSize,
		maxRetries:  cfg.MaxRetries,
		settleDelay: cfg.SettleDelay,
		processor:   processor,
		conn:        conn,
		listeners:   make(map[uint64]Listener),
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger,
	}
}

// Initialize loads the persisted queue and starts following connectivity.
// Items left in retrying by an interrupted drain go back to pending.
func (q *Queue) Initialize(ctx context.Context) error {
	var items []types.QueuedScan
	if _, err := types.LoadJSONFile(q.path, &items); err != nil {
		return types.NewStorageError("failed to load scan queue", err)
	}

	reset := 0
	for i := range items {
		if items[i].Status != types.QueueStatusPending {
			items[i].Status = types.QueueStatusPending
			reset++
		}
	}
	if len(items) > q.maxSize {
		items = items[len(items)-q.maxSize:]
	}

	q.mu.Lock()
	q.items = items
	if reset > 0 {
		if err := q.persistLocked(); err != nil {
			q.logger.Warn("Failed to persist reset queue", zap.Error(err))
		}
	}
	q.online = q.isOnline()
	if q.online && len(q.items) > 0 {
		q.armDrainLocked()
	}
	q.mu.Unlock()

	if q.conn != nil {
		q.unsubscribe = q.conn.Subscribe(q.onNetworkChange)
	}

	q.logger.Info("Retry queue initialized",
		zap.Int("size", len(items)),
		zap.Int("reset", reset))
	return nil
}

// Close stops auto-draining and waits for background drains to return
func (q *Queue) Close() {
	if q.unsubscribe != nil {
		q.unsubscribe()
	}

	q.mu.Lock()
	q.cancel()
	q.stopTimerLocked()
	q.mu.Unlock()

	q.wg.Wait()
}

func (q *Queue) isOnline() bool {
	if q.conn == nil {
		return true
	}
	return q.conn.State().Online()
}

func (q *Queue) persistLocked() error {
	items := q.items
	if items == nil {
		items = []types.QueuedScan{}
	}
	if err := types.SaveJSONFile(q.path, items); err != nil {
		return types.NewStorageError("failed to save scan queue", err)
	}
	return nil
}

func (q *Queue) snapshotLocked() []types.QueuedScan {
	items := make([]types.QueuedScan, len(q.items))
	copy(items, q.items)
	return items
}

// Enqueue appends imageRef, evicting the oldest item at capacity
func (q *Queue) Enqueue(ctx context.Context, imageRef string) (string, error) {
	item := types.QueuedScan{
		ID:        uuid.NewString(),
		ImageRef:  imageRef,
		CreatedAt: time.Now().UTC(),
		Status:    types.QueueStatusPending,
	}

	q.mu.Lock()
	previous := q.items
	items := make([]types.QueuedScan, 0, q.maxSize)
	items = append(items, q.items...)
	var evicted *types.QueuedScan
	if len(items) >= q.maxSize {
		oldest := items[0]
		evicted = &oldest
		items = items[len(items)-q.maxSize+1:]
	}
	q.items = append(items, item)

	if err := q.persistLocked(); err != nil {
		q.items = previous
		q.mu.Unlock()
		return "", err
	}
	snapshot := q.snapshotLocked()
	q.mu.Unlock()

	if evicted != nil {
		q.logger.Warn("Retry queue full, evicted oldest scan",
			zap.String("evicted_id", evicted.ID),
			zap.String("image", evicted.ImageRef))
	}
	q.logger.Info("Scan queued for retry",
		zap.String("id", item.ID),
		zap.String("image", imageRef),
		zap.Int("size", len(snapshot)))

	q.notify(snapshot)

	if q.isOnline() {
		// checked under mu so Close cannot be waiting when Add runs
		q.mu.Lock()
		started := q.ctx.Err() == nil
		if started {
			q.wg.Add(1)
		}
		q.mu.Unlock()

		if started {
			go func() {
				defer q.wg.Done()
				q.Drain(q.ctx)
			}()
		}
	}

	return item.ID, nil
}

// Dequeue removes the item with id and reports whether it was present
func (q *Queue) Dequeue(id string) (bool, error) {
	q.mu.Lock()
	index := q.indexLocked(id)
	if index < 0 {
		q.mu.Unlock()
		return false, nil
	}

	previous := q.items
	q.items = removeAt(q.items, index)
	if err := q.persistLocked(); err != nil {
		q.items = previous
		q.mu.Unlock()
		return false, err
	}
	snapshot := q.snapshotLocked()
	q.mu.Unlock()

	q.notify(snapshot)
	return true, nil
}

// Clear removes every queued item
func (q *Queue) Clear() error {
	q.mu.Lock()
	previous := q.items
	q.items = nil
	if err := q.persistLocked(); err != nil {
		q.items = previous
		q.mu.Unlock()
		return err
	}
	q.mu.Unlock()

	q.notify([]types.QueuedScan{})
	q.logger.Info("Retry queue cleared")
	return nil
}

// Size returns the number of queued items
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// List returns queued items oldest first
func (q *Queue) List() []types.QueuedScan {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

// Subscribe registers fn for queue changes. The returned function removes it.
func (q *Queue) Subscribe(fn Listener) func() {
	q.listenerMu.Lock()
	q.nextID++
	id := q.nextID
	q.listeners[id] = fn
	q.order = append(q.order, id)
	q.listenerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.listenerMu.Lock()
			defer q.listenerMu.Unlock()
			delete(q.listeners, id)
			for i, existing := range q.order {
				if existing == id {
					q.order = append(q.order[:i], q.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (q *Queue) notify(items []types.QueuedScan) {
	q.listenerMu.Lock()
	listeners := make([]Listener, 0, len(q.order))
	for _, id := range q.order {
		listeners = append(listeners, q.listeners[id])
	}
	q.listenerMu.Unlock()

	for _, fn := range listeners {
		fn(items)
	}
}

func (q *Queue) indexLocked(id string) int {
	for i, item := range q.items {
		if item.ID == id {
			return i
		}
	}
	return -1
}

func removeAt(items []types.QueuedScan, index int) []types.QueuedScan {
	out := make([]types.QueuedScan, 0, len(items)-1)
	out = append(out, items[:index]...)
	return append(out, items[index+1:]...)
}

// Drain attempts every queued item once, oldest first and one at a time.
// It returns immediately when a drain is already running or the network is
// down, and stops early when connectivity is lost.
func (q *Queue) Drain(ctx context.Context) DrainReport {
	if !q.draining.CompareAndSwap(false, true) {
		q.logger.Debug("Drain already in progress")
		return DrainReport{Skipped: true, SkipReason: SkipAlreadyDraining}
	}
	defer q.draining.Store(false)

	if !q.isOnline() {
		q.logger.Debug("Skipping drain while offline")
		return DrainReport{Skipped: true, SkipReason: SkipOffline}
	}

	snapshot := q.List()
	var report DrainReport
	if len(snapshot) == 0 {
		return report
	}

	q.logger.Info("Draining retry queue", zap.Int("size", len(snapshot)))

	for _, queued := range snapshot {
		if ctx.Err() != nil {
			break
		}
		if !q.isOnline() {
			q.logger.Info("Connectivity lost, stopping drain")
			break
		}

		item, ok := q.markRetrying(queued.ID)
		if !ok {
			continue
		}

		report.Attempted++
		err := q.processor(ctx, item)

		switch {
		case err == nil:
			report.Succeeded++
			q.finish(item.ID, func(items []types.QueuedScan, i int) []types.QueuedScan {
				return removeAt(items, i)
			})
			q.logger.Info("Queued scan succeeded", zap.String("id", item.ID))

		case ctx.Err() != nil:
			// interrupted, not a failed attempt
			q.finish(item.ID, func(items []types.QueuedScan, i int) []types.QueuedScan {
				items[i].Status = types.QueueStatusPending
				return items
			})

		case types.IsRetryable(err) && item.RetryCount+1 < q.maxRetries:
			report.Retried++
			q.finish(item.ID, func(items []types.QueuedScan, i int) []types.QueuedScan {
				items[i].RetryCount++
				items[i].Status = types.QueueStatusPending
				return items
			})
			q.logger.Warn("Queued scan failed, will retry",
				zap.String("id", item.ID),
				zap.Int("retry_count", item.RetryCount+1),
				zap.Error(err))

		default:
			report.Dropped++
			q.finish(item.ID, func(items []types.QueuedScan, i int) []types.QueuedScan {
				return removeAt(items, i)
			})
			q.logger.Warn("Queued scan dropped",
				zap.String("id", item.ID),
				zap.Int("retry_count", item.RetryCount+1),
				zap.Bool("retryable", types.IsRetryable(err)),
				zap.Error(err))
		}
	}

	q.logger.Info("Retry queue drain finished",
		zap.Int("attempted", report.Attempted),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("retried", report.Retried),
		zap.Int("dropped", report.Dropped))
	return report
}

// markRetrying flips a still-queued item to retrying
func (q *Queue) markRetrying(id string) (types.QueuedScan, bool) {
	q.mu.Lock()
	index := q.indexLocked(id)
	if index < 0 {
		q.mu.Unlock()
		return types.QueuedScan{}, false
	}

	q.items = q.snapshotLocked()
	q.items[index].Status = types.QueueStatusRetrying
	item := q.items[index]
	if err := q.persistLocked(); err != nil {
		q.logger.Warn("Failed to persist queue state", zap.Error(err))
	}
	snapshot := q.snapshotLocked()
	q.mu.Unlock()

	q.notify(snapshot)
	return item, true
}

// finish applies the outcome of one attempt. Items removed while the
// attempt was running are left alone.
func (q *Queue) finish(id string, apply func(items []types.QueuedScan, index int) []types.QueuedScan) {
	q.mu.Lock()
	index := q.indexLocked(id)
	if index < 0 {
		q.mu.Unlock()
		return
	}

	q.items = apply(q.snapshotLocked(), index)
	if err := q.persistLocked(); err != nil {
		q.logger.Warn("Failed to persist queue state", zap.Error(err))
	}
	snapshot := q.snapshotLocked()
	q.mu.Unlock()

	q.notify(snapshot)
}

// onNetworkChange arms a drain after the settle delay when the network
// comes back, and cancels a pending one when it goes away.
func (q *Queue) onNetworkChange(state types.NetworkState) {
	online := state.Online()

	q.mu.Lock()
	defer q.mu.Unlock()

	wasOnline := q.online
	q.online = online

	q.stopTimerLocked()
	if !online || wasOnline || len(q.items) == 0 {
		return
	}

	q.logger.Info("Network restored, scheduling queue drain",
		zap.Duration("settle_delay", q.settleDelay),
		zap.Int("size", len(q.items)))
	q.armDrainLocked()
}

// armDrainLocked schedules a drain after the settle delay, replacing any
// pending one.
func (q *Queue) armDrainLocked() {
	q.stopTimerLocked()
	if q.ctx.Err() != nil {
		return
	}

	q.wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(q.settleDelay, func() {
		defer q.wg.Done()

		q.mu.Lock()
		current := q.settleTimer == timer
		if current {
			q.settleTimer = nil
		}
		q.mu.Unlock()

		if current {
			q.Drain(q.ctx)
		}
	})
	q.settleTimer = timer
}

func (q *Queue) stopTimerLocked() {
	if q.settleTimer == nil {
		return
	}
	if q.settleTimer.Stop() {
		// the callback will never run
		q.wg.Done()
	}
	q.settleTimer = nil
}

// Draining reports whether a drain is running
func (q *Queue) Draining() bool {
	return q.draining.Load()
}
