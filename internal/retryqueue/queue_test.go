package retryqueue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/miaoyq/leafscan/pkg/types"
)

type fakeConn struct {
	mu        sync.Mutex
	online    bool
	listeners []func(types.NetworkState)
}

func (f *fakeConn) State() types.NetworkState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return types.NetworkState{IsConnected: f.online, ObservedAt: time.Now()}
}

func (f *fakeConn) Subscribe(fn func(types.NetworkState)) func() {
	f.mu.Lock()
	f.listeners = append(f.listeners, fn)
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.listeners = nil
		f.mu.Unlock()
	}
}

func (f *fakeConn) set(online bool) {
	f.mu.Lock()
	f.online = online
	listeners := append([]func(types.NetworkState){}, f.listeners...)
	f.mu.Unlock()

	state := types.NetworkState{IsConnected: online, ObservedAt: time.Now()}
	for _, fn := range listeners {
		fn(state)
	}
}

// recorder is a Processor returning scripted errors
type recorder struct {
	mu    sync.Mutex
	calls []string
	err   func(item types.QueuedScan) error
}

func (r *recorder) process(ctx context.Context, item types.QueuedScan) error {
	r.mu.Lock()
	r.calls = append(r.calls, item.ImageRef)
	errFn := r.err
	r.mu.Unlock()
	if errFn == nil {
		return nil
	}
	return errFn(item)
}

func (r *recorder) refs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.calls...)
}

func newTestQueue(t *testing.T, dir string, rec *recorder, conn *fakeConn) *Queue {
	t.Helper()
	q := New(Config{Dir: dir, SettleDelay: 20 * time.Millisecond}, rec.process, conn, zaptest.NewLogger(t))
	require.NoError(t, q.Initialize(context.Background()))
	t.Cleanup(q.Close)
	return q
}

func TestEnqueueCapKeepsNewest(t *testing.T) {
	conn := &fakeConn{}
	q := newTestQueue(t, t.TempDir(), &recorder{}, conn)

	for i := 0; i < 60; i++ {
		_, err := q.Enqueue(context.Background(), fmt.Sprintf("img-%02d", i))
		require.NoError(t, err)
		assert.LessOrEqual(t, q.Size(), DefaultMaxSize)
	}

	items := q.List()
	require.Len(t, items, DefaultMaxSize)
	assert.Equal(t, "img-10", items[0].ImageRef)
	assert.Equal(t, "img-59", items[len(items)-1].ImageRef)
	for _, item := range items {
		assert.Equal(t, types.QueueStatusPending, item.Status)
		assert.Equal(t, 0, item.RetryCount)
	}
}

func TestPersistenceAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	conn := &fakeConn{}
	q := newTestQueue(t, dir, &recorder{}, conn)

	first, err := q.Enqueue(context.Background(), "a.jpg")
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), "b.jpg")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status": "pending"`)

	reopened := newTestQueue(t, dir, &recorder{}, conn)
	items := reopened.List()
	require.Len(t, items, 2)
	assert.Equal(t, first, items[0].ID)
	assert.Equal(t, "b.jpg", items[1].ImageRef)
	assert.False(t, items[0].CreatedAt.IsZero())
}

func TestInitializeResetsRetrying(t *testing.T) {
	dir := t.TempDir()
	stored := []types.QueuedScan{
		{ID: "1", ImageRef: "a.jpg", CreatedAt: time.Now().UTC(), RetryCount: 1, Status: types.QueueStatusRetrying},
		{ID: "2", ImageRef: "b.jpg", CreatedAt: time.Now().UTC(), Status: types.QueueStatusPending},
	}
	require.NoError(t, types.SaveJSONFile(filepath.Join(dir, FileName), stored))

	q := newTestQueue(t, dir, &recorder{}, &fakeConn{})
	items := q.List()
	require.Len(t, items, 2)
	assert.Equal(t, types.QueueStatusPending, items[0].Status)
	assert.Equal(t, 1, items[0].RetryCount)
}

func TestEnqueueRollsBackOnPersistFailure(t *testing.T) {
	dir := t.TempDir()
	q := newTestQueue(t, dir, &recorder{}, &fakeConn{})
	_, err := q.Enqueue(context.Background(), "a.jpg")
	require.NoError(t, err)

	// a directory where the temp file should go makes the write fail
	require.NoError(t, os.Mkdir(filepath.Join(dir, FileName+".tmp"), 0755))

	_, err = q.Enqueue(context.Background(), "b.jpg")
	require.Error(t, err)
	var scanErr *types.ScanError
	require.ErrorAs(t, err, &scanErr)
	assert.Equal(t, types.ErrorKindStorage, scanErr.Kind)
	assert.Equal(t, 1, q.Size())
}

func TestDequeueAndClear(t *testing.T) {
	q := newTestQueue(t, t.TempDir(), &recorder{}, &fakeConn{})

	id, err := q.Enqueue(context.Background(), "a.jpg")
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), "b.jpg")
	require.NoError(t, err)

	removed, err := q.Dequeue(id)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = q.Dequeue(id)
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Equal(t, 1, q.Size())

	require.NoError(t, q.Clear())
	assert.Equal(t, 0, q.Size())
}

func TestSubscribersSeeEveryMutation(t *testing.T) {
	q := newTestQueue(t, t.TempDir(), &recorder{}, &fakeConn{})

	var sizes []int
	unsubscribe := q.Subscribe(func(items []types.QueuedScan) {
		sizes = append(sizes, len(items))
	})

	id, err := q.Enqueue(context.Background(), "a.jpg")
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), "b.jpg")
	require.NoError(t, err)
	_, err = q.Dequeue(id)
	require.NoError(t, err)

	unsubscribe()
	unsubscribe()
	require.NoError(t, q.Clear())

	assert.Equal(t, []int{1, 2, 1}, sizes)
}

func TestDrainSkipsWhenOffline(t *testing.T) {
	rec := &recorder{}
	q := newTestQueue(t, t.TempDir(), rec, &fakeConn{})
	_, err := q.Enqueue(context.Background(), "a.jpg")
	require.NoError(t, err)

	report := q.Drain(context.Background())
	assert.True(t, report.Skipped)
	assert.Equal(t, SkipOffline, report.SkipReason)
	assert.Empty(t, rec.refs())
	assert.Equal(t, 1, q.Size())
}

func TestDrainProcessesInOrder(t *testing.T) {
	conn := &fakeConn{}
	rec := &recorder{}
	q := newTestQueue(t, t.TempDir(), rec, conn)

	for _, ref := range []string{"a.jpg", "b.jpg", "c.jpg"} {
		_, err := q.Enqueue(context.Background(), ref)
		require.NoError(t, err)
	}

	conn.mu.Lock()
	conn.online = true
	conn.mu.Unlock()

	report := q.Drain(context.Background())
	assert.Equal(t, DrainReport{Attempted: 3, Succeeded: 3}, report)
	assert.Equal(t, []string{"a.jpg", "b.jpg", "c.jpg"}, rec.refs())
	assert.Equal(t, 0, q.Size())
}

func TestRetryableFailureRemovedAfterThreeAttempts(t *testing.T) {
	conn := &fakeConn{}
	rec := &recorder{err: func(types.QueuedScan) error {
		return types.NewNetworkError("still down", nil)
	}}
	q := newTestQueue(t, t.TempDir(), rec, conn)
	_, err := q.Enqueue(context.Background(), "a.jpg")
	require.NoError(t, err)

	conn.mu.Lock()
	conn.online = true
	conn.mu.Unlock()

	report := q.Drain(context.Background())
	assert.Equal(t, 1, report.Retried)
	require.Equal(t, 1, q.Size())
	assert.Equal(t, 1, q.List()[0].RetryCount)
	assert.Equal(t, types.QueueStatusPending, q.List()[0].Status)

	report = q.Drain(context.Background())
	assert.Equal(t, 1, report.Retried)
	assert.Equal(t, 2, q.List()[0].RetryCount)

	report = q.Drain(context.Background())
	assert.Equal(t, 1, report.Dropped)
	assert.Equal(t, 0, q.Size())

	q.Drain(context.Background())
	assert.Len(t, rec.refs(), 3, "never attempted a fourth time")
}

func TestNonRetryableFailureRemovedImmediately(t *testing.T) {
	conn := &fakeConn{}
	rec := &recorder{err: func(item types.QueuedScan) error {
		if item.ImageRef == "bad.jpg" {
			return types.NewAPIError(400, "rejected", nil)
		}
		return nil
	}}
	q := newTestQueue(t, t.TempDir(), rec, conn)
	_, err := q.Enqueue(context.Background(), "bad.jpg")
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), "good.jpg")
	require.NoError(t, err)

	conn.mu.Lock()
	conn.online = true
	conn.mu.Unlock()

	report := q.Drain(context.Background())
	assert.Equal(t, DrainReport{Attempted: 2, Succeeded: 1, Dropped: 1}, report)
	assert.Equal(t, 0, q.Size())
}

func TestDrainIsNotReentrant(t *testing.T) {
	conn := &fakeConn{}
	release := make(chan struct{})
	var started atomic.Int32
	rec := &recorder{err: func(types.QueuedScan) error {
		started.Add(1)
		<-release
		return nil
	}}
	q := newTestQueue(t, t.TempDir(), rec, conn)
	_, err := q.Enqueue(context.Background(), "a.jpg")
	require.NoError(t, err)

	conn.mu.Lock()
	conn.online = true
	conn.mu.Unlock()

	done := make(chan DrainReport)
	go func() { done <- q.Drain(context.Background()) }()

	assert.Eventually(t, func() bool { return started.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, q.Draining())
	second := q.Drain(context.Background())
	assert.True(t, second.Skipped)
	assert.Equal(t, SkipAlreadyDraining, second.SkipReason)
	assert.Equal(t, types.QueueStatusRetrying, q.List()[0].Status)

	close(release)
	assert.Equal(t, 1, (<-done).Succeeded)
	assert.False(t, q.Draining())
}

func TestDrainStopsWhenConnectivityLost(t *testing.T) {
	conn := &fakeConn{}
	rec := &recorder{}
	rec.err = func(types.QueuedScan) error {
		conn.mu.Lock()
		conn.online = false
		conn.mu.Unlock()
		return nil
	}
	q := newTestQueue(t, t.TempDir(), rec, conn)
	_, err := q.Enqueue(context.Background(), "a.jpg")
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), "b.jpg")
	require.NoError(t, err)

	conn.mu.Lock()
	conn.online = true
	conn.mu.Unlock()

	report := q.Drain(context.Background())
	assert.Equal(t, 1, report.Attempted)
	assert.Equal(t, 1, q.Size())
	assert.Equal(t, "b.jpg", q.List()[0].ImageRef)
}

func TestAutoDrainAfterReconnect(t *testing.T) {
	conn := &fakeConn{}
	rec := &recorder{}
	q := newTestQueue(t, t.TempDir(), rec, conn)

	_, err := q.Enqueue(context.Background(), "a.jpg")
	require.NoError(t, err)
	assert.Equal(t, 1, q.Size())

	conn.set(true)
	assert.Eventually(t, func() bool { return q.Size() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a.jpg"}, rec.refs())
}

func TestFlappingCancelsPendingDrain(t *testing.T) {
	conn := &fakeConn{}
	rec := &recorder{}
	q := New(Config{Dir: t.TempDir(), SettleDelay: 50 * time.Millisecond}, rec.process, conn, zaptest.NewLogger(t))
	require.NoError(t, q.Initialize(context.Background()))
	defer q.Close()

	_, err := q.Enqueue(context.Background(), "a.jpg")
	require.NoError(t, err)

	conn.set(true)
	conn.set(false)
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.refs())
	assert.Equal(t, 1, q.Size())
}

func TestEnqueueDrainsOpportunisticallyWhenOnline(t *testing.T) {
	conn := &fakeConn{online: true}
	rec := &recorder{}
	q := newTestQueue(t, t.TempDir(), rec, conn)

	_, err := q.Enqueue(context.Background(), "a.jpg")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return q.Size() == 0 }, time.Second, 5*time.Millisecond)
}

func TestEnqueueAfterCloseDoesNotDrain(t *testing.T) {
	conn := &fakeConn{online: true}
	rec := &recorder{}
	q := newTestQueue(t, t.TempDir(), rec, conn)
	q.Close()

	_, err := q.Enqueue(context.Background(), "a.jpg")
	require.NoError(t, err)
	assert.Equal(t, 1, q.Size())
	assert.Empty(t, rec.refs())
}

func TestEnqueueRacingClose(t *testing.T) {
	conn := &fakeConn{online: true}
	rec := &recorder{}
	q := newTestQueue(t, t.TempDir(), rec, conn)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := q.Enqueue(context.Background(), fmt.Sprintf("img-%d.jpg", i))
			assert.NoError(t, err)
		}(i)
	}
	q.Close()
	wg.Wait()
	q.Close()
}

func TestCancelledDrainKeepsItem(t *testing.T) {
	conn := &fakeConn{}
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{err: func(types.QueuedScan) error {
		cancel()
		return errors.New("interrupted")
	}}
	q := newTestQueue(t, t.TempDir(), rec, conn)
	_, err := q.Enqueue(context.Background(), "a.jpg")
	require.NoError(t, err)

	conn.mu.Lock()
	conn.online = true
	conn.mu.Unlock()

	report := q.Drain(ctx)
	assert.Equal(t, 0, report.Retried)
	require.Equal(t, 1, q.Size())
	assert.Equal(t, 0, q.List()[0].RetryCount)
	assert.Equal(t, types.QueueStatusPending, q.List()[0].Status)
}
