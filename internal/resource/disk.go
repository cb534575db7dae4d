package resource

import (
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

// DiskMetrics 数据目录所在分区的磁盘使用情况
type DiskMetrics struct {
	Path        string    `json:"path"`
	Total       uint64    `json:"total"`
	Used        uint64    `json:"used"`
	Free        uint64    `json:"free"`
	UsedPercent float64   `json:"used_percent"`
	Timestamp   time.Time `json:"timestamp"`
}

// DiskMonitor 报告缓存和历史文件所在分区的剩余空间
type DiskMonitor struct {
	path string
}

// NewDiskMonitor 创建磁盘监控器，path 不存在时会先创建
func NewDiskMonitor(path string) (*DiskMonitor, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	return &DiskMonitor{path: path}, nil
}

// Usage 获取当前磁盘使用情况
func (d *DiskMonitor) Usage() (*DiskMetrics, error) {
	stat, err := disk.Usage(d.path)
	if err != nil {
		return nil, fmt.Errorf("failed to get disk usage for %s: %w", d.path, err)
	}
	return &DiskMetrics{
		Path:        d.path,
		Total:       stat.Total,
		Used:        stat.Used,
		Free:        stat.Free,
		UsedPercent: stat.UsedPercent,
		Timestamp:   time.Now(),
	}, nil
}
