package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ConfigErrorType 配置错误类型
type ConfigErrorType string

const (
	ConfigErrorTypeFormat     ConfigErrorType = "format_error"     // 格式错误
	ConfigErrorTypeValidation ConfigErrorType = "validation_error" // 验证错误
	ConfigErrorTypeFile       ConfigErrorType = "file_error"       // 文件错误
	ConfigErrorTypeFallback   ConfigErrorType = "fallback_error"   // 回退错误
)

// ConfigError 配置错误结构
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Field   string
	Value   interface{}
	Err     error
}

// Error 实现error接口
func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config %s: %s", e.Type, e.Message)
	if e.Field != "" {
		msg = fmt.Sprintf("config %s: field %s: %s", e.Type, e.Field, e.Message)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap 实现错误包装接口
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ConfigErrorHandler 配置错误处理器：备份损坏的配置文件，并回退到
// 上一次成功加载的配置或默认配置
type ConfigErrorHandler struct {
	logger       *zap.Logger
	backupDir    string
	maxBackups   int
	fallbackPath string
	validator    *Validator
	now          func() time.Time
}

// NewConfigErrorHandler 创建新的配置错误处理器
func NewConfigErrorHandler(logger *zap.Logger, backupDir string) *ConfigErrorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConfigErrorHandler{
		logger:       logger,
		backupDir:    backupDir,
		maxBackups:   5,
		fallbackPath: filepath.Join(backupDir, "fallback.json"),
		validator:    NewValidator(),
		now:          time.Now,
	}
}

// HandleError 处理配置错误
func (h *ConfigErrorHandler) HandleError(ctx context.Context, err error, configPath string) (*Config, error) {
	var configErr *ConfigError
	if !errors.As(err, &configErr) {
		h.logger.Error("Unknown config error", zap.Error(err))
		return h.fallback()
	}

	h.logger.Error("Configuration error detected",
		zap.String("type", string(configErr.Type)),
		zap.String("field", configErr.Field),
		zap.Any("value", configErr.Value),
		zap.Error(configErr.Err))

	switch configErr.Type {
	case ConfigErrorTypeFormat:
		if err := h.backupConfig(configPath); err != nil {
			h.logger.Error("Failed to backup config file", zap.Error(err))
		}
		return h.fallback()
	case ConfigErrorTypeValidation:
		config, fixErr := h.loadAndFixConfig(configPath)
		if fixErr == nil {
			h.logger.Info("Invalid configuration fields replaced with defaults")
			return config, nil
		}
		h.logger.Warn("Failed to fix configuration", zap.Error(fixErr))
		if err := h.backupConfig(configPath); err != nil {
			h.logger.Error("Failed to backup config file", zap.Error(err))
		}
		return h.fallback()
	case ConfigErrorTypeFallback:
		return DefaultConfig(), nil
	default:
		return h.fallback()
	}
}

// SaveFallback 记录最近一次成功加载的配置
func (h *ConfigErrorHandler) SaveFallback(config *Config) error {
	if err := os.MkdirAll(h.backupDir, 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}
	if err := writeConfigFile(h.fallbackPath, config); err != nil {
		return fmt.Errorf("failed to write fallback config: %w", err)
	}
	return nil
}

// fallback 优先使用回退配置，不可用时使用默认配置
func (h *ConfigErrorHandler) fallback() (*Config, error) {
	if _, err := os.Stat(h.fallbackPath); err == nil {
		config, loadErr := readConfigFile(h.fallbackPath)
		if loadErr == nil && h.validator.Validate(config) == nil {
			h.logger.Info("Loaded fallback configuration", zap.String("path", h.fallbackPath))
			return config, nil
		}
		h.logger.Warn("Fallback configuration unusable, using defaults", zap.Error(loadErr))
	}

	defaultConfig := DefaultConfig()
	if err := h.SaveFallback(defaultConfig); err != nil {
		h.logger.Error("Failed to save fallback configuration", zap.Error(err))
	}
	return defaultConfig, nil
}

// backupConfig 备份配置文件
func (h *ConfigErrorHandler) backupConfig(configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := os.MkdirAll(h.backupDir, 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	timestamp := h.now().Format("20060102-150405.000")
	backupPath := filepath.Join(h.backupDir, fmt.Sprintf("config-%s%s", timestamp, filepath.Ext(configPath)))
	if err := os.WriteFile(backupPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write backup file: %w", err)
	}

	h.cleanupOldBackups()

	h.logger.Info("Configuration backed up", zap.String("backup_path", backupPath))
	return nil
}

// cleanupOldBackups 只保留最新的 maxBackups 个备份
func (h *ConfigErrorHandler) cleanupOldBackups() {
	files, err := filepath.Glob(filepath.Join(h.backupDir, "config-*"))
	if err != nil {
		h.logger.Error("Failed to list backup files", zap.Error(err))
		return
	}
	if len(files) <= h.maxBackups {
		return
	}

	// 时间戳文件名按字典序即按时间排序
	sort.Sort(sort.Reverse(sort.StringSlice(files)))
	for _, file := range files[h.maxBackups:] {
		if err := os.Remove(file); err != nil {
			h.logger.Error("Failed to remove old backup", zap.String("path", file), zap.Error(err))
		}
	}
}

// loadAndFixConfig 加载配置并用默认值替换不合法的字段
func (h *ConfigErrorHandler) loadAndFixConfig(configPath string) (*Config, error) {
	config, err := readConfigFile(configPath)
	if err != nil {
		return nil, err
	}

	applyValidationFixes(config)

	if err := h.validator.Validate(config); err != nil {
		return nil, fmt.Errorf("config still invalid after fixes: %w", err)
	}
	return config, nil
}

// applyValidationFixes 全面应用所有验证修复
func applyValidationFixes(config *Config) {
	defaults := DefaultConfig()

	if config.Version == "" {
		config.Version = defaults.Version
	}
	if config.DataDir == "" {
		config.DataDir = defaults.DataDir
	}

	if config.Network.ProbeURL == "" {
		config.Network.ProbeURL = defaults.Network.ProbeURL
	}
	if config.Network.Interval <= 0 {
		config.Network.Interval = defaults.Network.Interval
	}
	if config.Network.Timeout <= 0 {
		config.Network.Timeout = defaults.Network.Timeout
	}

	if cacheDirOverlapsData(config) {
		config.Cache.Dir = defaults.Cache.Dir
	}
	if config.Cache.MaxAge <= 0 {
		config.Cache.MaxAge = defaults.Cache.MaxAge
	}
	if config.Cache.MaxSizeMB <= 0 {
		config.Cache.MaxSizeMB = defaults.Cache.MaxSizeMB
	}
	if config.Cache.IndexSize < 0 {
		config.Cache.IndexSize = defaults.Cache.IndexSize
	}
	if config.Cache.FetchTimeout < 0 {
		config.Cache.FetchTimeout = defaults.Cache.FetchTimeout
	}
	if config.Cache.FetchRetries < 0 {
		config.Cache.FetchRetries = defaults.Cache.FetchRetries
	}

	if config.Scheduler.MaxConcurrent <= 0 {
		config.Scheduler.MaxConcurrent = defaults.Scheduler.MaxConcurrent
	}
	if config.Scheduler.MemoryThresholdMB == 0 {
		config.Scheduler.MemoryThresholdMB = defaults.Scheduler.MemoryThresholdMB
	}
	if config.Scheduler.BatchSize <= 0 {
		config.Scheduler.BatchSize = defaults.Scheduler.BatchSize
	}
	if config.Scheduler.BatchPause < 0 {
		config.Scheduler.BatchPause = defaults.Scheduler.BatchPause
	}

	if config.Queue.MaxSize <= 0 {
		config.Queue.MaxSize = defaults.Queue.MaxSize
	}
	if config.Queue.MaxRetries <= 0 {
		config.Queue.MaxRetries = defaults.Queue.MaxRetries
	}
	if config.Queue.SettleDelay < 0 {
		config.Queue.SettleDelay = defaults.Queue.SettleDelay
	}

	if config.History.MaxItems <= 0 {
		config.History.MaxItems = defaults.History.MaxItems
	}
	if config.History.MaxAge <= 0 {
		config.History.MaxAge = defaults.History.MaxAge
	}

	if !config.Analysis.Simulate && config.Analysis.Endpoint == "" {
		config.Analysis.Simulate = true
	}
	if config.Analysis.Timeout <= 0 {
		config.Analysis.Timeout = defaults.Analysis.Timeout
	}
	if config.Analysis.RetryMax < 0 {
		config.Analysis.RetryMax = defaults.Analysis.RetryMax
	}
	if config.Analysis.SimulatedLatency < 0 {
		config.Analysis.SimulatedLatency = defaults.Analysis.SimulatedLatency
	}

	if config.Image.MaxBytes <= 0 {
		config.Image.MaxBytes = defaults.Image.MaxBytes
	}
	if config.Image.MaxWidth <= 0 {
		config.Image.MaxWidth = defaults.Image.MaxWidth
	}
	if config.Image.MaxHeight <= 0 {
		config.Image.MaxHeight = defaults.Image.MaxHeight
	}
	if config.Image.Quality < 1 || config.Image.Quality > 100 {
		config.Image.Quality = defaults.Image.Quality
	}

	if config.Maintenance.Schedule == "" {
		config.Maintenance.Schedule = defaults.Maintenance.Schedule
	}
	if _, err := zapcore.ParseLevel(config.Log.Level); err != nil {
		config.Log.Level = defaults.Log.Level
	}
}

// NewConfigError 创建新的配置错误
func NewConfigError(errorType ConfigErrorType, message string) *ConfigError {
	return &ConfigError{
		Type:    errorType,
		Message: message,
	}
}

// NewConfigErrorWithField 创建带字段的配置错误
func NewConfigErrorWithField(errorType ConfigErrorType, field string, message string, value interface{}) *ConfigError {
	return &ConfigError{
		Type:    errorType,
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// NewConfigErrorWithCause 创建带原因的配置错误
func NewConfigErrorWithCause(errorType ConfigErrorType, message string, cause error) *ConfigError {
	return &ConfigError{
		Type:    errorType,
		Message: message,
		Err:     cause,
	}
}
