package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// NetworkState is a single observation of network reachability.
type NetworkState struct {
	IsConnected bool      `json:"isConnected"`
	IsReachable *bool     `json:"isReachable"` // nil until the first probe answers
	ObservedAt  time.Time `json:"observedAt"`
}

// Online reports whether scans can be expected to reach the analysis backend.
func (s NetworkState) Online() bool {
	return s.IsConnected && (s.IsReachable == nil || *s.IsReachable)
}

// SameAs compares the connectivity fields and ignores the observation time.
func (s NetworkState) SameAs(other NetworkState) bool {
	if s.IsConnected != other.IsConnected {
		return false
	}
	if (s.IsReachable == nil) != (other.IsReachable == nil) {
		return false
	}
	return s.IsReachable == nil || *s.IsReachable == *other.IsReachable
}

type HealthStatus string

const (
	HealthStatusHealthy  HealthStatus = "healthy"
	HealthStatusDiseased HealthStatus = "diseased"
)

// Valid reports whether s is one of the known statuses.
func (s HealthStatus) Valid() bool {
	return s == HealthStatusHealthy || s == HealthStatusDiseased
}

// AnalysisResult is the validated answer of an analysis provider.
type AnalysisResult struct {
	Status     HealthStatus `json:"status"`
	Confidence float64      `json:"confidence"`
	Tips       []string     `json:"tips,omitempty"`
	PlantType  string       `json:"plantType,omitempty"`
}

// ScanResult is a completed scan as kept in history.
type ScanResult struct {
	ID         string       `json:"id"`
	ImageRef   string       `json:"imageRef"`
	Status     HealthStatus `json:"status"`
	Confidence float64      `json:"confidence"`
	Timestamp  time.Time    `json:"timestamp"`
	Tips       []string     `json:"tips"`
	PlantType  string       `json:"plantType,omitempty"`
}

type QueueStatus string

const (
	QueueStatusPending  QueueStatus = "pending"
	QueueStatusRetrying QueueStatus = "retrying"
)

// QueuedScan is a scan waiting for connectivity or for another attempt.
type QueuedScan struct {
	ID         string      `json:"id"`
	ImageRef   string      `json:"imageRef"`
	CreatedAt  time.Time   `json:"createdAt"`
	RetryCount int         `json:"retryCount"`
	Status     QueueStatus `json:"status"`
}

// CacheEntry describes one transformed image on disk.
type CacheEntry struct {
	Key       string    `json:"key"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"sizeBytes"`
	CreatedAt time.Time `json:"createdAt"`
}

// SaveJSONFile writes v as indented JSON through a temporary file and an
// atomic rename, so readers never observe a partially written file.
func SaveJSONFile(filename string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(filename), err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempFile := filename + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tempFile, err)
	}

	if err := os.Rename(tempFile, filename); err != nil {
		_ = os.Remove(tempFile)
		return fmt.Errorf("failed to rename %s: %w", tempFile, err)
	}
	return nil
}

// LoadJSONFile decodes filename into v. A missing file is not an error and
// reports false.
func LoadJSONFile(filename string, v interface{}) (bool, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s: %w", filename, err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", filepath.Base(filename), err)
	}
	return true, nil
}
