package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/miaoyq/leafscan/internal/history"
	"github.com/miaoyq/leafscan/internal/imagecache"
	"github.com/miaoyq/leafscan/internal/maintenance"
	"github.com/miaoyq/leafscan/internal/resource"
	"github.com/miaoyq/leafscan/internal/retryqueue"
	"github.com/miaoyq/leafscan/internal/scheduler"
	"github.com/miaoyq/leafscan/pkg/types"
)

type fakeNetwork struct {
	state types.NetworkState
}

func (n fakeNetwork) State() types.NetworkState {
	return n.state
}

type fakeMemory struct{}

func (fakeMemory) Metrics() (*resource.MemoryMetrics, error) {
	return &resource.MemoryMetrics{RSSBytes: 42 << 20, Threshold: 150 << 20}, nil
}

type fakeQueue struct {
	mu     sync.Mutex
	items  []types.QueuedScan
	report retryqueue.DrainReport
}

func (q *fakeQueue) List() []types.QueuedScan {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]types.QueuedScan(nil), q.items...)
}

func (q *fakeQueue) Draining() bool { return false }

func (q *fakeQueue) Drain(ctx context.Context) retryqueue.DrainReport {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.report.Skipped {
		q.items = nil
	}
	return q.report
}

func (q *fakeQueue) Dequeue(id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

type fixture struct {
	server  *httptest.Server
	queue   *fakeQueue
	history *history.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	dir := t.TempDir()

	store := history.New(dir, 0, 0, logger)
	cache, err := imagecache.New(imagecache.Config{Dir: filepath.Join(dir, "cache")}, logger)
	require.NoError(t, err)

	connected := true
	queue := &fakeQueue{
		items: []types.QueuedScan{
			{ID: "q1", ImageRef: "/img/1.jpg", Status: types.QueueStatusPending},
			{ID: "q2", ImageRef: "/img/2.jpg", Status: types.QueueStatusPending, RetryCount: 1},
		},
		report: retryqueue.DrainReport{Attempted: 2, Succeeded: 2},
	}

	disk, err := resource.NewDiskMonitor(dir)
	require.NoError(t, err)

	jobs := maintenance.New("", logger)
	jobs.AddJob("noop", func(context.Context) (string, error) { return "done", nil })

	srv := NewServer(Deps{
		Network:     fakeNetwork{state: types.NetworkState{IsConnected: true, IsReachable: &connected}},
		Queue:       queue,
		History:     store,
		Cache:       cache,
		Scheduler:   scheduler.New(nil, logger),
		Maintenance: jobs,
		Memory:      fakeMemory{},
		Disk:        disk,
	}, logger)

	server := httptest.NewServer(srv.Handler())
	t.Cleanup(server.Close)

	return &fixture{server: server, queue: queue, history: store}
}

func (f *fixture) do(t *testing.T, method, path string, out interface{}) int {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil && len(body) > 0 {
		require.NoError(t, json.Unmarshal(body, out), string(body))
	}
	return resp.StatusCode
}

func seedHistory(t *testing.T, store *history.Store) time.Time {
	t.Helper()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, status := range []types.HealthStatus{types.HealthStatusHealthy, types.HealthStatusDiseased, types.HealthStatusHealthy} {
		require.NoError(t, store.Save(types.ScanResult{
			ID:         []string{"a", "b", "c"}[i],
			ImageRef:   "/img.jpg",
			Status:     status,
			Confidence: 0.9,
			Timestamp:  base.Add(time.Duration(i) * time.Hour),
			Tips:       []string{},
		}))
	}
	return base
}

func TestHealthAndNetwork(t *testing.T) {
	f := newFixture(t)

	var health map[string]string
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", &health))
	assert.Equal(t, "ok", health["status"])

	var state types.NetworkState
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/network", &state))
	assert.True(t, state.Online())
}

func TestQueueEndpoints(t *testing.T) {
	f := newFixture(t)

	var queue QueueResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/queue", &queue))
	assert.Equal(t, 2, queue.Size)
	assert.Equal(t, "q1", queue.Items[0].ID)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/v1/queue/q1", nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/v1/queue/q1", nil))

	var drain DrainResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/queue/drain", &drain))
	assert.Equal(t, 2, drain.Succeeded)
	assert.Equal(t, 0, drain.Remaining)

	f.queue.mu.Lock()
	f.queue.report = retryqueue.DrainReport{Skipped: true, SkipReason: retryqueue.SkipAlreadyDraining}
	f.queue.mu.Unlock()
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/v1/queue/drain", nil))

	f.queue.mu.Lock()
	f.queue.report = retryqueue.DrainReport{Skipped: true, SkipReason: retryqueue.SkipOffline}
	f.queue.mu.Unlock()
	var offline DrainResponse
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodPost, "/v1/queue/drain", &offline))
	assert.Equal(t, retryqueue.SkipOffline, offline.SkipReason)

	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodGet, "/v1/queue/drain", nil))
}

func TestHistoryEndpoints(t *testing.T) {
	f := newFixture(t)
	base := seedHistory(t, f.history)

	var all HistoryResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/history", &all))
	assert.Equal(t, 3, all.Count)
	assert.Equal(t, "c", all.Items[0].ID)

	var limited HistoryResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/history?limit=1", &limited))
	assert.Len(t, limited.Items, 1)

	var diseased HistoryResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/history?status=diseased", &diseased))
	require.Len(t, diseased.Items, 1)
	assert.Equal(t, "b", diseased.Items[0].ID)

	var ranged HistoryResponse
	path := "/v1/history?from=" + base.Format(time.RFC3339) + "&to=" + base.Add(time.Hour).Format(time.RFC3339)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, path, &ranged))
	assert.Equal(t, 2, ranged.Count)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/history?status=wilting", nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/history?limit=-2", nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/history?from=yesterday", nil))

	var item types.ScanResult
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/history/b", &item))
	assert.Equal(t, types.HealthStatusDiseased, item.Status)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/v1/history/b", nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/history/b", nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/v1/history/b", nil))
}

func TestCacheSchedulerAndMaintenance(t *testing.T) {
	f := newFixture(t)

	var cache CacheResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/cache", &cache))
	assert.Equal(t, 0, cache.Count)

	var sched SchedulerResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/scheduler", &sched))
	assert.Equal(t, scheduler.DefaultMaxConcurrent, sched.Queue.MaxConcurrent)

	var memory resource.MemoryMetrics
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/memory", &memory))
	assert.Equal(t, uint64(42<<20), memory.RSSBytes)
	assert.False(t, memory.Exceeded)

	var usage resource.DiskMetrics
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/disk", &usage))
	assert.Greater(t, usage.Total, uint64(0))

	var statuses []maintenance.JobStatus
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/maintenance/run", &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, "done", statuses[0].LastResult)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/maintenance", &statuses))
	assert.Equal(t, 1, statuses[0].Runs)
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t)

	var body map[string]string
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/nope", &body))
	assert.Equal(t, "not found", body["error"])
}

func TestNilDepsDisableRoutes(t *testing.T) {
	srv := NewServer(Deps{}, zaptest.NewLogger(t))
	server := httptest.NewServer(srv.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/v1/queue")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartAndShutdown(t *testing.T) {
	srv := NewServer(Deps{}, zaptest.NewLogger(t))

	addr, err := srv.Start("127.0.0.1:0")
	require.NoError(t, err)

	_, err = srv.Start("127.0.0.1:0")
	assert.Error(t, err)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.NoError(t, srv.Shutdown(ctx))
}
