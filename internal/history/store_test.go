package history

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/miaoyq/leafscan/pkg/types"
)

func result(id string, ts time.Time, status types.HealthStatus) types.ScanResult {
	return types.ScanResult{
		ID:         id,
		ImageRef:   "/photos/" + id + ".jpg",
		Status:     status,
		Confidence: 0.9,
		Timestamp:  ts,
		Tips:       []string{"water weekly"},
	}
}

func TestSaveSortsNewestFirst(t *testing.T) {
	store := New(t.TempDir(), 0, 0, zaptest.NewLogger(t))
	require.NoError(t, store.Load())

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(result("b", base.Add(2*time.Hour), types.HealthStatusHealthy)))
	require.NoError(t, store.Save(result("a", base, types.HealthStatusDiseased)))
	require.NoError(t, store.Save(result("c", base.Add(time.Hour), types.HealthStatusHealthy)))

	all, err := store.GetAll()
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "b", all[0].ID)
	assert.Equal(t, "c", all[1].ID)
	assert.Equal(t, "a", all[2].ID)
}

func TestSaveReplacesExistingID(t *testing.T) {
	store := New(t.TempDir(), 0, 0, zaptest.NewLogger(t))

	now := time.Now()
	require.NoError(t, store.Save(result("a", now, types.HealthStatusHealthy)))
	updated := result("a", now, types.HealthStatusDiseased)
	require.NoError(t, store.Save(updated))

	count, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := store.GetByID("a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, types.HealthStatusDiseased, got.Status)
}

func TestSaveCapDropsOldest(t *testing.T) {
	store := New(t.TempDir(), 100, 0, zaptest.NewLogger(t))
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 105; i++ {
		require.NoError(t, store.Save(result(fmt.Sprintf("scan-%03d", i), base.Add(time.Duration(i)*time.Second), types.HealthStatusHealthy)))
	}

	// an old scan saved late must not displace newer ones
	require.NoError(t, store.Save(result("ancient", base.Add(-time.Hour), types.HealthStatusHealthy)))

	all, err := store.GetAll()
	require.NoError(t, err)
	require.Len(t, all, 100)
	assert.Equal(t, "scan-104", all[0].ID)
	assert.Equal(t, "scan-005", all[99].ID)

	missing, err := store.GetByID("ancient")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, 0, 0, zaptest.NewLogger(t))
	ts := time.Date(2026, 6, 1, 8, 30, 0, 0, time.UTC)
	saved := result("a", ts, types.HealthStatusHealthy)
	saved.PlantType = "tomato"
	require.NoError(t, store.Save(saved))

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"timestamp": "2026-06-01T08:30:00Z"`)

	reopened := New(dir, 0, 0, zaptest.NewLogger(t))
	require.NoError(t, reopened.Load())
	got, err := reopened.GetByID("a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, ts.Equal(got.Timestamp))
	assert.Equal(t, "tomato", got.PlantType)
}

func TestLoadResortsUnorderedFile(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	unordered := []types.ScanResult{
		result("old", base, types.HealthStatusHealthy),
		result("new", base.Add(48*time.Hour), types.HealthStatusHealthy),
		result("mid", base.Add(24*time.Hour), types.HealthStatusHealthy),
	}
	require.NoError(t, types.SaveJSONFile(filepath.Join(dir, FileName), unordered))

	store := New(dir, 0, 0, zaptest.NewLogger(t))
	all, err := store.GetAll()
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"new", "mid", "old"}, []string{all[0].ID, all[1].ID, all[2].ID})
}

func TestLoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("{not json"), 0644))

	store := New(dir, 0, 0, zaptest.NewLogger(t))
	err := store.Load()
	require.Error(t, err)

	var scanErr *types.ScanError
	require.ErrorAs(t, err, &scanErr)
	assert.Equal(t, types.ErrorKindStorage, scanErr.Kind)
}

func TestDeleteAndClear(t *testing.T) {
	store := New(t.TempDir(), 0, 0, zaptest.NewLogger(t))
	now := time.Now()
	require.NoError(t, store.Save(result("a", now, types.HealthStatusHealthy)))
	require.NoError(t, store.Save(result("b", now.Add(time.Second), types.HealthStatusHealthy)))

	deleted, err := store.Delete("a")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = store.Delete("a")
	require.NoError(t, err)
	assert.False(t, deleted)

	require.NoError(t, store.ClearAll())
	count, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	data, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
}

func TestQueries(t *testing.T) {
	store := New(t.TempDir(), 0, 0, zaptest.NewLogger(t))
	base := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(result("h1", base, types.HealthStatusHealthy)))
	require.NoError(t, store.Save(result("d1", base.Add(24*time.Hour), types.HealthStatusDiseased)))
	require.NoError(t, store.Save(result("h2", base.Add(48*time.Hour), types.HealthStatusHealthy)))

	healthy, err := store.GetByStatus(types.HealthStatusHealthy)
	require.NoError(t, err)
	require.Len(t, healthy, 2)
	assert.Equal(t, "h2", healthy[0].ID)

	ranged, err := store.GetByDateRange(base.Add(time.Hour), base.Add(48*time.Hour))
	require.NoError(t, err)
	require.Len(t, ranged, 2)
	assert.Equal(t, "h2", ranged[0].ID)
	assert.Equal(t, "d1", ranged[1].ID)

	none, err := store.GetByDateRange(base.Add(-48*time.Hour), base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCleanup(t *testing.T) {
	store := New(t.TempDir(), 2, 30*24*time.Hour, zaptest.NewLogger(t))
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	require.NoError(t, store.Save(result("expired", now.Add(-31*24*time.Hour), types.HealthStatusHealthy)))
	require.NoError(t, store.Save(result("recent", now.Add(-time.Hour), types.HealthStatusHealthy)))

	report, err := store.Cleanup()
	require.NoError(t, err)
	assert.Equal(t, 1, report.RemovedCount)
	assert.Greater(t, report.TotalSizeBytes, int64(0))

	info, err := os.Stat(store.Path())
	require.NoError(t, err)
	assert.Equal(t, info.Size(), report.TotalSizeBytes)

	report, err = store.Cleanup()
	require.NoError(t, err)
	assert.Equal(t, 0, report.RemovedCount)
}
