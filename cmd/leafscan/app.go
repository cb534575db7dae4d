package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/miaoyq/leafscan/internal/analysis"
	"github.com/miaoyq/leafscan/internal/api"
	"github.com/miaoyq/leafscan/internal/config"
	"github.com/miaoyq/leafscan/internal/history"
	"github.com/miaoyq/leafscan/internal/imagecache"
	"github.com/miaoyq/leafscan/internal/imaging"
	"github.com/miaoyq/leafscan/internal/maintenance"
	"github.com/miaoyq/leafscan/internal/network"
	"github.com/miaoyq/leafscan/internal/resource"
	"github.com/miaoyq/leafscan/internal/retryqueue"
	"github.com/miaoyq/leafscan/internal/scan"
	"github.com/miaoyq/leafscan/internal/scheduler"
	"github.com/miaoyq/leafscan/pkg/types"
)

// Options override parts of the application, mostly for tests
type Options struct {
	ConfigPath string
	Simulate   bool
	Prober     network.Prober
	Provider   analysis.Provider
	Logger     *zap.Logger
}

// App wires every component together
type App struct {
	configManager *config.ConfigManager
	cfg           *config.Config
	level         zap.AtomicLevel

	monitor      *network.Monitor
	memory       *resource.MemoryMonitor
	scheduler    *scheduler.ProcessingScheduler
	cache        *imagecache.Store
	transformer  *imaging.JPEGTransformer
	provider     analysis.Provider
	history      *history.Store
	orchestrator *scan.Orchestrator
	queue        *retryqueue.Queue
	maintenance  *maintenance.Service
	api          *api.Server

	unsubscribe []func()
	ctx         context.Context
	cancel      context.CancelFunc
	logger      *zap.Logger
}

func newLogger(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if parsed, err := zapcore.ParseLevel(cfg.Level); err == nil {
		level.SetLevel(parsed)
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = level

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, level, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, level, nil
}

// NewApp loads the configuration and builds every component. Nothing runs
// in the background until Initialize and Start.
func NewApp(opts Options) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &App{ctx: ctx, cancel: cancel}

	bootLogger := opts.Logger
	if bootLogger == nil {
		bootLogger = zap.NewNop()
	}

	configDir := filepath.Dir(opts.ConfigPath)
	a.configManager = config.NewConfigManager(bootLogger.With(zap.String("module", "config")), filepath.Join(configDir, ".leafscan-backups"))
	if err := a.configManager.Load(ctx, opts.ConfigPath); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	a.cfg = a.configManager.Get()
	cfg := a.cfg

	if opts.Logger != nil {
		a.logger = opts.Logger
		a.level = zap.NewAtomicLevel()
	} else {
		logger, level, err := newLogger(cfg.Log)
		if err != nil {
			cancel()
			return nil, err
		}
		a.logger, a.level = logger, level
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := a.build(cfg, opts); err != nil {
		cancel()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, opts Options) error {
	logger := a.logger

	prober := opts.Prober
	if prober == nil {
		prober = network.NewHTTPProber(cfg.Network.ProbeURL, cfg.Network.Timeout.Duration())
	}
	a.monitor = network.NewMonitor(prober, network.Options{
		Interval: cfg.Network.Interval.Duration(),
		Timeout:  cfg.Network.Timeout.Duration(),
	}, logger.With(zap.String("module", "network")))

	threshold := cfg.Scheduler.MemoryThresholdMB * 1024 * 1024
	memory, err := resource.NewMemoryMonitor(logger.With(zap.String("module", "memory")), threshold)
	if err != nil {
		logger.Warn("Memory monitor unavailable, memory governance disabled", zap.Error(err))
	}
	a.memory = memory

	var estimator scheduler.MemoryEstimator
	if memory != nil {
		estimator = memory
	}
	a.scheduler = scheduler.New(estimator, logger.With(zap.String("module", "scheduler")))
	a.scheduler.Configure(scheduler.Options{
		MaxConcurrent:   cfg.Scheduler.MaxConcurrent,
		MemoryThreshold: threshold,
		BatchPause:      cfg.Scheduler.BatchPause.Duration(),
	})

	a.cache, err = imagecache.New(imagecache.Config{
		Dir:          cfg.CacheDir(),
		MaxAge:       cfg.Cache.MaxAge.Duration(),
		MaxSize:      cfg.Cache.MaxSizeMB * 1024 * 1024,
		IndexSize:    cfg.Cache.IndexSize,
		FetchTimeout: cfg.Cache.FetchTimeout.Duration(),
		FetchRetries: cfg.Cache.FetchRetries,
	}, logger.With(zap.String("module", "imagecache")))
	if err != nil {
		return fmt.Errorf("failed to open image cache: %w", err)
	}

	a.transformer, err = imaging.NewJPEGTransformer(cfg.WorkDir(), logger.With(zap.String("module", "imaging")))
	if err != nil {
		return fmt.Errorf("failed to create image transformer: %w", err)
	}

	a.scheduler.AddCleanup("cache-temp", func(ctx context.Context) error {
		a.cache.PurgeTemp()
		return nil
	})
	a.scheduler.AddCleanup("cache-size", func(ctx context.Context) error {
		a.cache.Optimize(0)
		return nil
	})

	a.provider = opts.Provider
	if a.provider == nil {
		if opts.Simulate || cfg.Analysis.Simulate {
			a.provider = analysis.NewSimulator(analysis.SimulatorConfig{
				Latency: cfg.Analysis.SimulatedLatency.Duration(),
			}, a.monitor, logger.With(zap.String("module", "simulator")))
		} else {
			a.provider = analysis.NewHTTPProvider(analysis.HTTPConfig{
				Endpoint: cfg.Analysis.Endpoint,
				APIKey:   cfg.Analysis.APIKey,
				Timeout:  cfg.Analysis.Timeout.Duration(),
				RetryMax: cfg.Analysis.RetryMax,
			}, logger.With(zap.String("module", "analysis")))
		}
	}

	a.history = history.New(cfg.DataDir, cfg.History.MaxItems, cfg.History.MaxAge.Duration(),
		logger.With(zap.String("module", "history")))

	a.orchestrator = scan.New(scan.Config{
		MaxImageBytes: cfg.Image.MaxBytes,
		Compress: imaging.CompressOptions{
			MaxWidth:  cfg.Image.MaxWidth,
			MaxHeight: cfg.Image.MaxHeight,
			Quality:   cfg.Image.Quality,
		},
	}, a.scheduler, a.cache, a.transformer, a.provider, a.history, logger.With(zap.String("module", "scan")))

	a.queue = retryqueue.New(retryqueue.Config{
		Dir:         cfg.DataDir,
		MaxSize:     cfg.Queue.MaxSize,
		MaxRetries:  cfg.Queue.MaxRetries,
		SettleDelay: cfg.Queue.SettleDelay.Duration(),
	}, a.orchestrator.Redrive, a.monitor, logger.With(zap.String("module", "retryqueue")))

	a.maintenance = maintenance.New(cfg.Maintenance.Schedule, logger.With(zap.String("module", "maintenance")))
	a.maintenance.AddJob("cache", maintenance.CacheJob(a.cache, 0))
	a.maintenance.AddJob("cache-temp", maintenance.TempJob(a.cache))
	a.maintenance.AddJob("history", maintenance.HistoryJob(a.history))

	deps := api.Deps{
		Network:     a.monitor,
		Queue:       a.queue,
		History:     a.history,
		Cache:       a.cache,
		Scheduler:   a.scheduler,
		Maintenance: a.maintenance,
	}
	if a.memory != nil {
		deps.Memory = a.memory
	}
	if disk, err := resource.NewDiskMonitor(cfg.DataDir); err == nil {
		deps.Disk = disk
	} else {
		logger.Warn("Disk monitor unavailable", zap.Error(err))
	}
	a.api = api.NewServer(deps, logger.With(zap.String("module", "api")))

	return nil
}

// Initialize loads durable state and starts following connectivity
func (a *App) Initialize() error {
	if err := a.history.Load(); err != nil {
		return fmt.Errorf("failed to load scan history: %w", err)
	}
	if err := a.queue.Initialize(a.ctx); err != nil {
		return fmt.Errorf("failed to initialize retry queue: %w", err)
	}
	a.subscribeModules()
	return nil
}

// subscribeModules applies hot-reloadable settings
func (a *App) subscribeModules() {
	a.unsubscribe = append(a.unsubscribe,
		a.configManager.SubscribeModule("log", config.SubscriberFunc(func(cfg *config.Config) error {
			level, err := zapcore.ParseLevel(cfg.Log.Level)
			if err != nil {
				return err
			}
			a.level.SetLevel(level)
			return nil
		})),
		a.configManager.SubscribeModule("scheduler", config.SubscriberFunc(func(cfg *config.Config) error {
			threshold := cfg.Scheduler.MemoryThresholdMB * 1024 * 1024
			a.scheduler.Configure(scheduler.Options{
				MaxConcurrent:   cfg.Scheduler.MaxConcurrent,
				MemoryThreshold: threshold,
				BatchPause:      cfg.Scheduler.BatchPause.Duration(),
			})
			if a.memory != nil {
				a.memory.SetThreshold(threshold)
			}
			return nil
		})),
	)
	a.logger.Info("Modules subscribed to configuration changes")
}

// Start begins background work: probing, memory sampling, config watching,
// maintenance and the status API.
func (a *App) Start() error {
	a.logger.Info("Starting leafscan",
		zap.String("data_dir", a.cfg.DataDir),
		zap.Bool("simulate", a.cfg.Analysis.Simulate))

	a.monitor.Start(a.ctx)
	if a.memory != nil {
		a.memory.Start(a.ctx)
	}

	if err := a.configManager.Watch(a.ctx); err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}

	if a.cfg.Maintenance.Enabled {
		if err := a.maintenance.Start(a.ctx); err != nil {
			return fmt.Errorf("failed to start maintenance: %w", err)
		}
	}

	if a.cfg.API.Listen != "" {
		if _, err := a.api.Start(a.cfg.API.Listen); err != nil {
			return fmt.Errorf("failed to start api server: %w", err)
		}
	}

	a.logger.Info("leafscan started")
	return nil
}

// Scan runs one scan. A retryable failure is queued for later and its
// queue ID returned alongside the error.
func (a *App) Scan(ctx context.Context, imageRef string, onProgress scan.ProgressFunc) (*types.ScanResult, string, error) {
	result, err := a.orchestrator.PerformScan(ctx, imageRef, onProgress)
	if err == nil {
		return result, "", nil
	}
	if errors.Is(err, types.ErrScanCancelled) || !types.IsRetryable(err) {
		return nil, "", err
	}

	id, qerr := a.queue.Enqueue(ctx, imageRef)
	if qerr != nil {
		a.logger.Error("Failed to queue scan for retry", zap.String("image", imageRef), zap.Error(qerr))
		return nil, "", errors.Join(err, qerr)
	}
	a.logger.Info("Scan queued for retry",
		zap.String("image", imageRef),
		zap.String("queue_id", id))
	return nil, id, err
}

// Thumbnails renders cached thumbnails for refs in scheduler batches. The
// returned paths skip failed items, which are reported separately.
func (a *App) Thumbnails(ctx context.Context, refs []string, size imaging.ThumbnailOptions) ([]string, []scheduler.BatchError) {
	return scheduler.Batch(ctx, a.scheduler, refs, func(ctx context.Context, ref string) (string, error) {
		opts := imagecache.Options{
			"thumbWidth":  size.Width,
			"thumbHeight": size.Height,
			"format":      "jpeg",
		}
		if stat, err := os.Stat(ref); err == nil {
			opts["sourceSize"] = stat.Size()
			opts["sourceModTime"] = stat.ModTime().UnixNano()
		}
		return a.cache.Store(ctx, ref, opts, func(ctx context.Context, local string) (string, error) {
			return a.transformer.Thumbnail(ctx, local, size)
		})
	}, a.configManager.Get().Scheduler.BatchSize)
}

// Stop shuts everything down in reverse order
func (a *App) Stop() error {
	a.logger.Info("Stopping leafscan")

	for _, unsubscribe := range a.unsubscribe {
		unsubscribe()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if err := a.api.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop api server: %w", err))
	}
	a.maintenance.Stop()
	a.queue.Close()

	a.cancel()
	a.monitor.Stop()
	if a.memory != nil {
		a.memory.Stop()
	}

	if err := a.scheduler.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop scheduler: %w", err))
	}
	if err := a.configManager.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close config manager: %w", err))
	}

	_ = a.logger.Sync()
	return errors.Join(errs...)
}

// Run serves until SIGINT or SIGTERM
func (a *App) Run() error {
	if err := a.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize app: %w", err)
	}
	if err := a.Start(); err != nil {
		_ = a.Stop()
		return fmt.Errorf("failed to start app: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	a.logger.Info("Received signal", zap.String("signal", sig.String()))

	return a.Stop()
}
