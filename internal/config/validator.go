package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap/zapcore"
)

// Validator 配置验证器，返回第一个不合法字段对应的 *ConfigError
type Validator struct {
	cronParser cron.Parser
}

// NewValidator 创建新的配置验证器
func NewValidator() *Validator {
	return &Validator{
		cronParser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

type rule struct {
	field   string
	invalid bool
	message string
	value   interface{}
}

// Validate 验证配置有效性
func (v *Validator) Validate(config *Config) error {
	if config == nil {
		return NewConfigError(ConfigErrorTypeValidation, "config is nil")
	}

	rules := []rule{
		{"version", config.Version == "", "version is required", config.Version},
		{"data_dir", config.DataDir == "", "data_dir is required", config.DataDir},

		{"network.interval", config.Network.Interval <= 0, "interval must be positive", config.Network.Interval},
		{"network.timeout", config.Network.Timeout <= 0, "timeout must be positive", config.Network.Timeout},

		{"cache.dir", cacheDirOverlapsData(config), "dir must not be data_dir or contain it", config.Cache.Dir},
		{"cache.max_age", config.Cache.MaxAge <= 0, "max_age must be positive", config.Cache.MaxAge},
		{"cache.max_size_mb", config.Cache.MaxSizeMB <= 0, "max_size_mb must be positive", config.Cache.MaxSizeMB},
		{"cache.index_size", config.Cache.IndexSize < 0, "index_size must be non-negative", config.Cache.IndexSize},
		{"cache.fetch_timeout", config.Cache.FetchTimeout < 0, "fetch_timeout must be non-negative", config.Cache.FetchTimeout},
		{"cache.fetch_retries", config.Cache.FetchRetries < 0, "fetch_retries must be non-negative", config.Cache.FetchRetries},

		{"scheduler.max_concurrent", config.Scheduler.MaxConcurrent <= 0, "max_concurrent must be positive", config.Scheduler.MaxConcurrent},
		{"scheduler.memory_threshold_mb", config.Scheduler.MemoryThresholdMB == 0, "memory_threshold_mb must be positive", config.Scheduler.MemoryThresholdMB},
		{"scheduler.batch_size", config.Scheduler.BatchSize <= 0, "batch_size must be positive", config.Scheduler.BatchSize},
		{"scheduler.batch_pause", config.Scheduler.BatchPause < 0, "batch_pause must be non-negative", config.Scheduler.BatchPause},

		{"queue.max_size", config.Queue.MaxSize <= 0, "max_size must be positive", config.Queue.MaxSize},
		{"queue.max_retries", config.Queue.MaxRetries <= 0, "max_retries must be positive", config.Queue.MaxRetries},
		{"queue.settle_delay", config.Queue.SettleDelay < 0, "settle_delay must be non-negative", config.Queue.SettleDelay},

		{"history.max_items", config.History.MaxItems <= 0, "max_items must be positive", config.History.MaxItems},
		{"history.max_age", config.History.MaxAge <= 0, "max_age must be positive", config.History.MaxAge},

		{"analysis.endpoint", !config.Analysis.Simulate && config.Analysis.Endpoint == "", "endpoint is required unless simulate is set", config.Analysis.Endpoint},
		{"analysis.timeout", config.Analysis.Timeout <= 0, "timeout must be positive", config.Analysis.Timeout},
		{"analysis.retry_max", config.Analysis.RetryMax < 0, "retry_max must be non-negative", config.Analysis.RetryMax},
		{"analysis.simulated_latency", config.Analysis.SimulatedLatency < 0, "simulated_latency must be non-negative", config.Analysis.SimulatedLatency},

		{"image.max_bytes", config.Image.MaxBytes <= 0, "max_bytes must be positive", config.Image.MaxBytes},
		{"image.max_width", config.Image.MaxWidth <= 0, "max_width must be positive", config.Image.MaxWidth},
		{"image.max_height", config.Image.MaxHeight <= 0, "max_height must be positive", config.Image.MaxHeight},
		{"image.quality", config.Image.Quality < 1 || config.Image.Quality > 100, "quality must be between 1 and 100", config.Image.Quality},
	}

	for _, r := range rules {
		if r.invalid {
			return NewConfigErrorWithField(ConfigErrorTypeValidation, r.field, r.message, r.value)
		}
	}

	if err := v.validateURL("network.probe_url", config.Network.ProbeURL); err != nil {
		return err
	}
	if config.Analysis.Endpoint != "" {
		if err := v.validateURL("analysis.endpoint", config.Analysis.Endpoint); err != nil {
			return err
		}
	}

	if config.Maintenance.Enabled {
		if _, err := v.cronParser.Parse(config.Maintenance.Schedule); err != nil {
			return &ConfigError{
				Type:    ConfigErrorTypeValidation,
				Field:   "maintenance.schedule",
				Message: "invalid schedule",
				Value:   config.Maintenance.Schedule,
				Err:     err,
			}
		}
	}

	if _, err := zapcore.ParseLevel(config.Log.Level); err != nil {
		return &ConfigError{
			Type:    ConfigErrorTypeValidation,
			Field:   "log.level",
			Message: "invalid log level",
			Value:   config.Log.Level,
			Err:     err,
		}
	}

	return nil
}

// cacheDirOverlapsData 缓存会删除目录下的文件，不能与历史和队列文件共用目录
func cacheDirOverlapsData(config *Config) bool {
	if config.Cache.Dir == "" || config.DataDir == "" {
		return false
	}
	cacheDir, err := filepath.Abs(config.Cache.Dir)
	if err != nil {
		return true
	}
	dataDir, err := filepath.Abs(config.DataDir)
	if err != nil {
		return true
	}
	rel, err := filepath.Rel(cacheDir, dataDir)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func (v *Validator) validateURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return &ConfigError{Type: ConfigErrorTypeValidation, Field: field, Message: "invalid url", Value: raw, Err: err}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return NewConfigErrorWithField(ConfigErrorTypeValidation, field, fmt.Sprintf("unsupported scheme %q", u.Scheme), raw)
	}
	if u.Host == "" {
		return NewConfigErrorWithField(ConfigErrorTypeValidation, field, "host is required", raw)
	}
	return nil
}
