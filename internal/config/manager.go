package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ReloadDebounce 文件变化后等待多久再重新加载
const ReloadDebounce = time.Second

type callbackEntry struct {
	id uint64
	fn func(*Config)
}

// ConfigManager 实现配置管理接口
type ConfigManager struct {
	mu           sync.RWMutex
	config       *Config
	filePath     string
	watcher      *fsnotify.Watcher
	callbacks    []callbackEntry
	nextID       uint64
	lastReload   time.Time
	debounce     time.Duration
	validator    *Validator
	errorHandler *ConfigErrorHandler
	logger       *zap.Logger
}

// NewConfigManager 创建新的配置管理器，backupDir 保存损坏配置的备份和回退配置
func NewConfigManager(logger *zap.Logger, backupDir string) *ConfigManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConfigManager{
		config:       DefaultConfig(),
		debounce:     ReloadDebounce,
		validator:    NewValidator(),
		errorHandler: NewConfigErrorHandler(logger, backupDir),
		logger:       logger,
	}
}

// isYAML 根据扩展名判断文件格式，其余一律按 JSON 处理
func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func readConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewConfigErrorWithCause(ConfigErrorTypeFile, "failed to read config file", err)
	}

	config := DefaultConfig()
	if isYAML(path) {
		err = yaml.Unmarshal(data, config)
	} else {
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, NewConfigErrorWithCause(ConfigErrorTypeFormat, "invalid config format", err)
	}
	return config, nil
}

func writeConfigFile(path string, config *Config) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(config)
	} else {
		data, err = json.MarshalIndent(config, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}

// Load 从文件加载配置，文件不存在时写入默认配置
func (cm *ConfigManager) Load(ctx context.Context, filePath string) error {
	cm.mu.Lock()

	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		cm.logger.Warn("Config file not found, creating default configuration", zap.String("path", filePath))
		err := cm.createDefaultConfig(filePath)
		config := cm.config
		cm.mu.Unlock()
		if err == nil {
			cm.notifySubscribers(config)
		}
		return err
	}

	newConfig, err := readConfigFile(filePath)
	if err != nil {
		cm.logger.Error("Failed to read config file, attempting error recovery", zap.Error(err))
		if newConfig, err = cm.errorHandler.HandleError(ctx, err, filePath); err != nil {
			cm.mu.Unlock()
			return fmt.Errorf("failed to recover from config error: %w", err)
		}
	} else if err := cm.validator.Validate(newConfig); err != nil {
		cm.logger.Error("Config validation failed, attempting error recovery", zap.Error(err))
		if newConfig, err = cm.errorHandler.HandleError(ctx, err, filePath); err != nil {
			cm.mu.Unlock()
			return fmt.Errorf("failed to recover from validation error: %w", err)
		}
	} else if err := cm.errorHandler.SaveFallback(newConfig); err != nil {
		cm.logger.Warn("Failed to record fallback configuration", zap.Error(err))
	}

	cm.config = newConfig
	cm.filePath = filePath
	cm.lastReload = time.Now()
	cm.mu.Unlock()

	cm.notifySubscribers(newConfig)

	cm.logger.Info("Configuration loaded successfully",
		zap.String("path", filePath),
		zap.String("data_dir", newConfig.DataDir),
		zap.Bool("simulate", newConfig.Analysis.Simulate))

	return nil
}

// createDefaultConfig 创建默认配置文件
func (cm *ConfigManager) createDefaultConfig(filePath string) error {
	defaultConfig := DefaultConfig()

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := writeConfigFile(filePath, defaultConfig); err != nil {
		return fmt.Errorf("failed to write default config: %w", err)
	}

	cm.config = defaultConfig
	cm.filePath = filePath
	cm.lastReload = time.Now()

	cm.logger.Info("Default configuration created", zap.String("path", filePath))
	return nil
}

// Get 返回当前配置，调用方不应修改返回值
func (cm *ConfigManager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// Path 返回当前配置文件路径
func (cm *ConfigManager) Path() string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.filePath
}

// Watch 开始监控配置文件变化。监控的是所在目录，
// 这样编辑器用重命名方式保存时也能收到事件。
func (cm *ConfigManager) Watch(ctx context.Context) error {
	filePath := cm.Path()
	if filePath == "" {
		return fmt.Errorf("no config file path set")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	if err := watcher.Add(filepath.Dir(filePath)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config file: %w", err)
	}

	cm.mu.Lock()
	cm.watcher = watcher
	cm.mu.Unlock()

	go cm.handleFileChanges(ctx, watcher, filepath.Clean(filePath))

	return nil
}

// handleFileChanges 处理文件变化事件
func (cm *ConfigManager) handleFileChanges(ctx context.Context, watcher *fsnotify.Watcher, target string) {
	debounceTimer := time.NewTimer(cm.debounce)
	if !debounceTimer.Stop() {
		<-debounceTimer.C
	}
	defer debounceTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			// 只处理写入、创建和重命名事件
			if event.Op&(fsnotify.Write|fsnotify.Rename|fsnotify.Create) == 0 {
				continue
			}
			// 防抖处理，避免频繁重载
			debounceTimer.Reset(cm.debounce)
		case <-debounceTimer.C:
			if err := cm.Reload(ctx); err != nil {
				cm.logger.Error("Config reload failed", zap.Error(err))
			} else {
				cm.logger.Info("Config reloaded successfully", zap.Time("at", time.Now()))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			cm.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

// Reload 重新加载配置
func (cm *ConfigManager) Reload(ctx context.Context) error {
	cm.mu.RLock()
	filePath, lastReload := cm.filePath, cm.lastReload
	cm.mu.RUnlock()

	if filePath == "" {
		return fmt.Errorf("no config file path set")
	}

	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			cm.logger.Warn("Config file disappeared, keeping current configuration")
			return nil
		}
		return fmt.Errorf("failed to stat config file: %w", err)
	}

	if info.ModTime().Before(lastReload) {
		return nil // 文件未修改
	}

	return cm.Load(ctx, filePath)
}

// Validate 验证当前配置
func (cm *ConfigManager) Validate() error {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.validator.Validate(cm.config)
}

// Subscribe 添加配置变更回调，返回取消订阅函数
func (cm *ConfigManager) Subscribe(callback func(*Config)) func() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.nextID++
	id := cm.nextID
	cm.callbacks = append(cm.callbacks, callbackEntry{id: id, fn: callback})

	return func() {
		cm.mu.Lock()
		defer cm.mu.Unlock()
		for i, cb := range cm.callbacks {
			if cb.id == id {
				cm.callbacks = append(cm.callbacks[:i], cm.callbacks[i+1:]...)
				return
			}
		}
	}
}

// notifySubscribers 通知所有订阅者配置已变更，在锁外同步调用
func (cm *ConfigManager) notifySubscribers(config *Config) {
	cm.mu.RLock()
	callbacks := make([]callbackEntry, len(cm.callbacks))
	copy(callbacks, cm.callbacks)
	cm.mu.RUnlock()

	for _, cb := range callbacks {
		cb.fn(config)
	}
}

// Close 关闭配置管理器
func (cm *ConfigManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.watcher != nil {
		err := cm.watcher.Close()
		cm.watcher = nil
		return err
	}
	return nil
}
