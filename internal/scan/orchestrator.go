package scan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/miaoyq/leafscan/internal/analysis"
	"github.com/miaoyq/leafscan/internal/imagecache"
	"github.com/miaoyq/leafscan/internal/imaging"
	"github.com/miaoyq/leafscan/internal/scheduler"
	"github.com/miaoyq/leafscan/pkg/types"
)

const DefaultMaxImageBytes = 10 * 1024 * 1024

// Step is a stage of a scan attempt
type Step string

const (
	StepValidating  Step = "validating"
	StepCompressing Step = "compressing"
	StepAnalyzing   Step = "analyzing"
	StepSaving      Step = "saving"
	StepDone        Step = "done"
)

var stepProgress = map[Step]float64{
	StepValidating:  0.1,
	StepCompressing: 0.3,
	StepAnalyzing:   0.6,
	StepSaving:      0.9,
	StepDone:        1.0,
}

var stepMessages = map[Step]string{
	StepValidating:  "Validating image",
	StepCompressing: "Compressing image",
	StepAnalyzing:   "Analyzing plant health",
	StepSaving:      "Saving result",
	StepDone:        "Scan complete",
}

// ProgressFunc receives progress in [0,1] and a human readable message.
// It is called synchronously from the scanning goroutine.
type ProgressFunc func(fraction float64, message string)

// Scheduler runs work with bounded concurrency
type Scheduler interface {
	Do(ctx context.Context, priority scheduler.Priority, name string, fn scheduler.TaskFunc) (interface{}, error)
}

// ImageCache stores transformed images
type ImageCache interface {
	Store(ctx context.Context, sourceRef string, opts imagecache.Options, transform imagecache.TransformFunc) (string, error)
}

// HistoryWriter persists completed scans
type HistoryWriter interface {
	Save(result types.ScanResult) error
}

// Config configures an Orchestrator
type Config struct {
	MaxImageBytes int64
	Compress      imaging.CompressOptions
}

// Orchestrator runs a scan from a captured image to a saved result
type Orchestrator struct {
	scheduler   Scheduler
	cache       ImageCache
	transformer imaging.Transformer
	provider    analysis.Provider
	history     HistoryWriter

	maxImageBytes int64
	compress      imaging.CompressOptions

	mu      sync.Mutex
	current string

	now    func() time.Time
	logger *zap.Logger
}

// New creates an Orchestrator
func New(cfg Config, sched Scheduler, cache ImageCache, transformer imaging.Transformer, provider analysis.Provider, history HistoryWriter, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = DefaultMaxImageBytes
	}

	return &Orchestrator{
		scheduler:     sched,
		cache:         cache,
		transformer:   transformer,
		provider:      provider,
		history:       history,
		maxImageBytes: cfg.MaxImageBytes,
		compress:      cfg.Compress,
		now:           time.Now,
		logger:        logger,
	}
}

// PerformScan validates, compresses, analyzes and saves one image. Errors
// are *types.ScanError; Retryable tells the caller whether to queue the
// image for later. Starting a new scan supersedes the previous one.
func (o *Orchestrator) PerformScan(ctx context.Context, imageRef string, onProgress ProgressFunc) (*types.ScanResult, error) {
	scanID := uuid.NewString()

	o.mu.Lock()
	o.current = scanID
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		if o.current == scanID {
			o.current = ""
		}
		o.mu.Unlock()
	}()

	return o.run(ctx, scanID, imageRef, onProgress, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.current == scanID
	})
}

// CancelCurrentScan discards the result of the scan in flight. Work already
// started keeps running but its outcome is ignored.
func (o *Orchestrator) CancelCurrentScan() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.current != "" {
		o.logger.Info("Scan cancelled", zap.String("scan_id", o.current))
	}
	o.current = ""
}

// Redrive runs a queued scan again. It does not interact with the current
// scan marker, so a drain never cancels an interactive scan.
func (o *Orchestrator) Redrive(ctx context.Context, item types.QueuedScan) error {
	_, err := o.run(ctx, uuid.NewString(), item.ImageRef, nil, func() bool { return true })
	return err
}

func (o *Orchestrator) run(ctx context.Context, scanID, imageRef string, onProgress ProgressFunc, active func() bool) (*types.ScanResult, error) {
	logger := o.logger.With(zap.String("scan_id", scanID), zap.String("image", imageRef))
	report := func(step Step) {
		logger.Debug("Scan step", zap.String("step", string(step)))
		if onProgress != nil {
			onProgress(stepProgress[step], stepMessages[step])
		}
	}
	fail := func(step Step, err error) error {
		if errors.Is(err, context.Canceled) {
			logger.Info("Scan interrupted", zap.String("step", string(step)))
			return types.ErrScanCancelled
		}
		scanErr := types.Classify(err)
		logger.Warn("Scan failed",
			zap.String("step", string(step)),
			zap.String("kind", string(scanErr.Kind)),
			zap.Bool("retryable", scanErr.Retryable()),
			zap.Error(err))
		return scanErr
	}

	report(StepValidating)
	info, err := o.validate(imageRef)
	if err != nil {
		return nil, fail(StepValidating, err)
	}

	report(StepCompressing)
	path, err := o.compressImage(ctx, imageRef, info)
	if err != nil {
		return nil, fail(StepCompressing, err)
	}
	if !active() {
		return nil, types.ErrScanCancelled
	}

	report(StepAnalyzing)
	data, err := os.ReadFile(path)
	if err != nil && path != imageRef {
		logger.Warn("Compressed image unreadable, analyzing original image",
			zap.String("path", path),
			zap.Error(err))
		data, err = os.ReadFile(imageRef)
	}
	if err != nil {
		return nil, fail(StepAnalyzing, types.NewImageError("failed to read image", err))
	}
	analysisResult, err := o.provider.Analyze(ctx, data)
	if !active() {
		return nil, types.ErrScanCancelled
	}
	if err != nil {
		return nil, fail(StepAnalyzing, err)
	}

	report(StepSaving)
	tips := analysisResult.Tips
	if tips == nil {
		tips = []string{}
	}
	result := types.ScanResult{
		ID:         scanID,
		ImageRef:   imageRef,
		Status:     analysisResult.Status,
		Confidence: analysisResult.Confidence,
		Timestamp:  o.now().UTC(),
		Tips:       tips,
		PlantType:  analysisResult.PlantType,
	}
	if err := o.history.Save(result); err != nil {
		return nil, fail(StepSaving, err)
	}

	report(StepDone)
	logger.Info("Scan completed",
		zap.String("status", string(result.Status)),
		zap.Float64("confidence", result.Confidence))
	return &result, nil
}

// validate checks the image exists, fits the size limit and decodes as a
// supported format.
func (o *Orchestrator) validate(imageRef string) (*imaging.Info, error) {
	if imageRef == "" {
		return nil, types.NewImageError("no image provided", nil)
	}

	info, err := imaging.Inspect(imageRef)
	if err != nil {
		return nil, err
	}
	if info.SizeBytes == 0 {
		return nil, types.NewImageError("image is empty", nil)
	}
	if info.SizeBytes > o.maxImageBytes {
		return nil, types.NewImageError(fmt.Sprintf("image is %d bytes, limit is %d", info.SizeBytes, o.maxImageBytes), nil)
	}
	if !imaging.SupportedFormat(info.Format) {
		return nil, types.NewImageError(fmt.Sprintf("unsupported image format %q", info.Format), nil)
	}
	if info.Width <= 0 || info.Height <= 0 {
		return nil, types.NewImageError("image has no dimensions", nil)
	}
	return info, nil
}

// compressImage runs compression as a high priority scheduler task through
// the image cache. A cache failure falls back to the original file.
func (o *Orchestrator) compressImage(ctx context.Context, imageRef string, info *imaging.Info) (string, error) {
	opts := imagecache.Options{
		"maxWidth":   o.compress.MaxWidth,
		"maxHeight":  o.compress.MaxHeight,
		"quality":    o.compress.Quality,
		"format":     "jpeg",
		"sourceSize": info.SizeBytes,
	}
	if stat, err := os.Stat(imageRef); err == nil {
		opts["sourceModTime"] = stat.ModTime().UnixNano()
	}

	value, err := o.scheduler.Do(ctx, scheduler.PriorityHigh, "compress", func(ctx context.Context) (interface{}, error) {
		path, err := o.cache.Store(ctx, imageRef, opts, func(ctx context.Context, local string) (string, error) {
			return o.transformer.Compress(ctx, local, o.compress)
		})
		if err != nil {
			o.logger.Warn("Compression failed, analyzing original image",
				zap.String("image", imageRef),
				zap.Error(err))
			return imageRef, nil
		}
		return path, nil
	})
	if err != nil {
		return "", err
	}

	path, _ := value.(string)
	if path == "" {
		path = imageRef
	}
	return path, nil
}
