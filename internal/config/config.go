package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration 支持 "5s" 形式的字符串，也兼容纳秒整数
type Duration time.Duration

// Duration 返回标准库时长
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.set(raw)
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw interface{}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) set(raw interface{}) error {
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(int64(v))
	case int:
		*d = Duration(int64(v))
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration type %T", raw)
	}
	return nil
}

// Config 主配置结构体
type Config struct {
	Version     string            `json:"version" yaml:"version"`         // 配置版本
	DataDir     string            `json:"data_dir" yaml:"data_dir"`       // 持久化文件所在目录
	Network     NetworkConfig     `json:"network" yaml:"network"`         // 连通性探测
	Cache       CacheConfig       `json:"cache" yaml:"cache"`             // 图片缓存
	Scheduler   SchedulerConfig   `json:"scheduler" yaml:"scheduler"`     // 处理调度
	Queue       QueueConfig       `json:"queue" yaml:"queue"`             // 重试队列
	History     HistoryConfig     `json:"history" yaml:"history"`         // 扫描历史
	Analysis    AnalysisConfig    `json:"analysis" yaml:"analysis"`       // 分析后端
	Image       ImageConfig       `json:"image" yaml:"image"`             // 图片限制与压缩
	Maintenance MaintenanceConfig `json:"maintenance" yaml:"maintenance"` // 定时维护
	API         APIConfig         `json:"api" yaml:"api"`                 // 状态接口
	Log         LogConfig         `json:"log" yaml:"log"`                 // 日志
}

// NetworkConfig 连通性探测配置
type NetworkConfig struct {
	ProbeURL string   `json:"probe_url" yaml:"probe_url"`
	Interval Duration `json:"interval" yaml:"interval"`
	Timeout  Duration `json:"timeout" yaml:"timeout"`
}

// CacheConfig 图片缓存配置
type CacheConfig struct {
	Dir          string   `json:"dir" yaml:"dir"`                     // 为空时使用 data_dir/cache
	MaxAge       Duration `json:"max_age" yaml:"max_age"`             // 条目最大存活时间
	MaxSizeMB    int64    `json:"max_size_mb" yaml:"max_size_mb"`     // Optimize 的目标大小
	IndexSize    int      `json:"index_size" yaml:"index_size"`       // 内存索引条目数
	FetchTimeout Duration `json:"fetch_timeout" yaml:"fetch_timeout"` // 远程图片下载超时
	FetchRetries int      `json:"fetch_retries" yaml:"fetch_retries"`
}

// SchedulerConfig 处理调度配置
type SchedulerConfig struct {
	MaxConcurrent     int      `json:"max_concurrent" yaml:"max_concurrent"`
	MemoryThresholdMB uint64   `json:"memory_threshold_mb" yaml:"memory_threshold_mb"`
	BatchSize         int      `json:"batch_size" yaml:"batch_size"`
	BatchPause        Duration `json:"batch_pause" yaml:"batch_pause"`
}

// QueueConfig 重试队列配置
type QueueConfig struct {
	MaxSize     int      `json:"max_size" yaml:"max_size"`
	MaxRetries  int      `json:"max_retries" yaml:"max_retries"`
	SettleDelay Duration `json:"settle_delay" yaml:"settle_delay"` // 恢复联网后等待多久再排空
}

// HistoryConfig 扫描历史配置
type HistoryConfig struct {
	MaxItems int      `json:"max_items" yaml:"max_items"`
	MaxAge   Duration `json:"max_age" yaml:"max_age"`
}

// AnalysisConfig 分析后端配置
type AnalysisConfig struct {
	Endpoint         string   `json:"endpoint" yaml:"endpoint"`
	APIKey           string   `json:"api_key" yaml:"api_key"`
	Timeout          Duration `json:"timeout" yaml:"timeout"`
	RetryMax         int      `json:"retry_max" yaml:"retry_max"`
	Simulate         bool     `json:"simulate" yaml:"simulate"` // 使用本地确定性模拟器
	SimulatedLatency Duration `json:"simulated_latency" yaml:"simulated_latency"`
}

// ImageConfig 图片限制与压缩配置
type ImageConfig struct {
	MaxBytes  int64 `json:"max_bytes" yaml:"max_bytes"`
	MaxWidth  int   `json:"max_width" yaml:"max_width"`
	MaxHeight int   `json:"max_height" yaml:"max_height"`
	Quality   int   `json:"quality" yaml:"quality"`
}

// MaintenanceConfig 定时维护配置
type MaintenanceConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Schedule string `json:"schedule" yaml:"schedule"` // cron 表达式或 @every 描述符
}

// APIConfig 状态接口配置
type APIConfig struct {
	Listen string `json:"listen" yaml:"listen"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level       string `json:"level" yaml:"level"`
	Development bool   `json:"development" yaml:"development"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Version: "1.0",
		DataDir: "data",
		Network: NetworkConfig{
			ProbeURL: "https://www.google.com/generate_204",
			Interval: Duration(5 * time.Second),
			Timeout:  Duration(5 * time.Second),
		},
		Cache: CacheConfig{
			MaxAge:       Duration(7 * 24 * time.Hour),
			MaxSizeMB:    100,
			IndexSize:    512,
			FetchTimeout: Duration(30 * time.Second),
			FetchRetries: 2,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent:     2,
			MemoryThresholdMB: 150,
			BatchSize:         3,
			BatchPause:        Duration(100 * time.Millisecond),
		},
		Queue: QueueConfig{
			MaxSize:     50,
			MaxRetries:  3,
			SettleDelay: Duration(time.Second),
		},
		History: HistoryConfig{
			MaxItems: 100,
			MaxAge:   Duration(30 * 24 * time.Hour),
		},
		Analysis: AnalysisConfig{
			Timeout:          Duration(30 * time.Second),
			RetryMax:         2,
			Simulate:         true,
			SimulatedLatency: Duration(500 * time.Millisecond),
		},
		Image: ImageConfig{
			MaxBytes:  10 * 1024 * 1024,
			MaxWidth:  1024,
			MaxHeight: 1024,
			Quality:   80,
		},
		Maintenance: MaintenanceConfig{
			Enabled:  true,
			Schedule: "@every 1h",
		},
		API: APIConfig{
			Listen: "127.0.0.1:8787",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// CacheDir 返回缓存目录，未配置时位于数据目录下
func (c *Config) CacheDir() string {
	if c.Cache.Dir != "" {
		return c.Cache.Dir
	}
	return filepath.Join(c.DataDir, "cache")
}

// WorkDir 返回图片处理的输出目录
func (c *Config) WorkDir() string {
	return filepath.Join(c.DataDir, "work")
}
