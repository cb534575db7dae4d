package main

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/miaoyq/leafscan/internal/imaging"
	"github.com/miaoyq/leafscan/pkg/types"
)

type switchProber struct {
	online atomic.Bool
}

func (p *switchProber) Probe(ctx context.Context) (int, error) {
	if !p.online.Load() {
		return 0, errors.New("dial tcp: network is unreachable")
	}
	return 204, nil
}

func writeConfig(t *testing.T, dir, listen string, maintenance bool) string {
	t.Helper()
	path := filepath.Join(dir, "leafscan.json")
	content := `{
  "data_dir": "` + filepath.Join(dir, "data") + `",
  "queue": {"settle_delay": "50ms"},
  "analysis": {"simulate": true, "simulated_latency": "10ms"},
  "maintenance": {"enabled": ` + map[bool]string{true: "true", false: "false"}[maintenance] + `, "schedule": "@every 1h"},
  "api": {"listen": "` + listen + `"},
  "log": {"level": "debug"}
}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func writeLeaf(t *testing.T, dir, name string, shade uint8) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 3), G: shade, B: uint8(y * 4), A: 255})
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, jpeg.Encode(f, img, &jpeg.Options{Quality: 90}))
	return path
}

func newTestApp(t *testing.T, listen string, maintenance bool) (*App, *switchProber, string) {
	t.Helper()
	dir := t.TempDir()
	prober := &switchProber{}

	app, err := NewApp(Options{
		ConfigPath: writeConfig(t, dir, listen, maintenance),
		Prober:     prober,
		Logger:     zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)),
	})
	require.NoError(t, err)
	return app, prober, dir
}

func TestOfflineScanIsQueuedAndRedrivenWhenOnline(t *testing.T) {
	app, prober, dir := newTestApp(t, "", false)
	require.NoError(t, app.Initialize())
	defer func() { assert.NoError(t, app.Stop()) }()

	ctx := context.Background()
	leaf := writeLeaf(t, dir, "leaf.jpg", 180)

	app.monitor.Refresh(ctx)
	require.False(t, app.monitor.State().Online())

	var steps []string
	result, queuedID, err := app.Scan(ctx, leaf, func(fraction float64, message string) {
		steps = append(steps, message)
	})
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, types.IsRetryable(err))
	assert.NotEmpty(t, queuedID)
	assert.NotEmpty(t, steps)
	assert.Equal(t, 1, app.queue.Size())

	count, err := app.history.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	prober.online.Store(true)
	app.monitor.Refresh(ctx)
	require.True(t, app.monitor.State().Online())

	assert.Eventually(t, func() bool {
		return app.queue.Size() == 0
	}, 5*time.Second, 20*time.Millisecond)

	assert.Eventually(t, func() bool {
		count, err := app.history.Count()
		return err == nil && count == 1
	}, 5*time.Second, 20*time.Millisecond)

	items, err := app.history.GetAll()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, leaf, items[0].ImageRef)
	assert.True(t, items[0].Status.Valid())
}

func TestScanOnlineSavesHistory(t *testing.T) {
	app, prober, dir := newTestApp(t, "", false)
	require.NoError(t, app.Initialize())
	defer func() { assert.NoError(t, app.Stop()) }()

	ctx := context.Background()
	prober.online.Store(true)
	app.monitor.Refresh(ctx)

	leaf := writeLeaf(t, dir, "leaf.jpg", 90)
	result, queuedID, err := app.Scan(ctx, leaf, nil)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Empty(t, queuedID)
	assert.Equal(t, 0, app.queue.Size())

	saved, err := app.history.GetByID(result.ID)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, result.Status, saved.Status)
}

func TestScanInvalidImageIsNotQueued(t *testing.T) {
	app, _, dir := newTestApp(t, "", false)
	require.NoError(t, app.Initialize())
	defer func() { assert.NoError(t, app.Stop()) }()

	bogus := filepath.Join(dir, "notes.jpg")
	require.NoError(t, os.WriteFile(bogus, []byte("not an image"), 0644))

	_, queuedID, err := app.Scan(context.Background(), bogus, nil)
	require.Error(t, err)
	assert.False(t, types.IsRetryable(err))
	assert.Empty(t, queuedID)
	assert.Equal(t, 0, app.queue.Size())
}

func TestThumbnailsUseCache(t *testing.T) {
	app, _, dir := newTestApp(t, "", false)
	require.NoError(t, app.Initialize())
	defer func() { assert.NoError(t, app.Stop()) }()

	refs := []string{
		writeLeaf(t, dir, "a.jpg", 10),
		writeLeaf(t, dir, "b.jpg", 20),
		filepath.Join(dir, "missing.jpg"),
		writeLeaf(t, dir, "c.jpg", 30),
	}
	size := imaging.ThumbnailOptions{Width: 16, Height: 16}

	paths, failures := app.Thumbnails(context.Background(), refs, size)
	require.Len(t, failures, 1)
	assert.Equal(t, 2, failures[0].Index)
	require.Len(t, paths, 3)
	for _, p := range paths {
		assert.FileExists(t, p)
	}
	assert.Equal(t, 3, app.cache.Stats().Count)

	again, failures := app.Thumbnails(context.Background(), refs[:2], size)
	assert.Empty(t, failures)
	assert.Equal(t, paths[:2], again)
	assert.Equal(t, 3, app.cache.Stats().Count)
}

func TestAppStartAndStop(t *testing.T) {
	app, prober, _ := newTestApp(t, "127.0.0.1:0", true)
	prober.online.Store(true)

	require.NoError(t, app.Initialize())
	require.NoError(t, app.Start())

	assert.True(t, app.monitor.State().Online())
	assert.False(t, app.maintenance.Next().IsZero())

	assert.NoError(t, app.Stop())
	assert.True(t, app.maintenance.Next().IsZero())
}

func TestConfigReloadAppliesSchedulerSettings(t *testing.T) {
	app, _, _ := newTestApp(t, "", false)
	require.NoError(t, app.Initialize())
	defer func() { assert.NoError(t, app.Stop()) }()

	dataDir := app.configManager.Get().DataDir
	updated := []byte(`{"data_dir": "` + dataDir + `", "scheduler": {"max_concurrent": 5}, "log": {"level": "warn"}, "api": {"listen": ""}}`)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, os.WriteFile(app.configManager.Path(), updated, 0644))
	require.NoError(t, app.configManager.Reload(context.Background()))

	assert.Equal(t, 5, app.scheduler.QueueStatus().MaxConcurrent)
	assert.Equal(t, zap.WarnLevel, app.level.Level())
}
