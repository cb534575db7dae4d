package history

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/miaoyq/leafscan/pkg/types"
)

const (
	DefaultMaxItems = 100
	DefaultMaxAge   = 30 * 24 * time.Hour
	FileName        = "scan_history.json"
)

// CleanupReport is the outcome of a cleanup pass
type CleanupReport struct {
	RemovedCount   int   `json:"removed_count"`
	TotalSizeBytes int64 `json:"total_size_bytes"`
}

// Store keeps completed scans newest-first in a JSON file
type Store struct {
	mu       sync.Mutex
	path     string
	maxItems int
	maxAge   time.Duration
	items    []types.ScanResult
	loaded   bool

	now    func() time.Time
	logger *zap.Logger
}

// New returns a Store persisting to <dir>/scan_history.json
func New(dir string, maxItems int, maxAge time.Duration, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}

	return &Store{
		path:     filepath.Join(dir, FileName),
		maxItems: maxItems,
		maxAge:   maxAge,
		now:      time.Now,
		logger:   logger,
	}
}

// Load reads the history file. A missing file is an empty history.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() error {
	var items []types.ScanResult
	if _, err := types.LoadJSONFile(s.path, &items); err != nil {
		return types.NewStorageError("failed to load scan history", err)
	}

	sortNewestFirst(items)
	s.items = items
	s.loaded = true
	s.logger.Debug("Scan history loaded", zap.Int("count", len(items)))
	return nil
}

func (s *Store) ensureLoaded() error {
	if s.loaded {
		return nil
	}
	return s.loadLocked()
}

func sortNewestFirst(items []types.ScanResult) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Timestamp.After(items[j].Timestamp)
	})
}

func (s *Store) persistLocked(items []types.ScanResult) error {
	if items == nil {
		items = []types.ScanResult{}
	}
	if err := types.SaveJSONFile(s.path, items); err != nil {
		return types.NewStorageError("failed to save scan history", err)
	}
	s.items = items
	return nil
}

// Save adds result, replacing any entry with the same ID, and keeps only
// the newest entries up to the cap.
func (s *Store) Save(result types.ScanResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return err
	}

	items := make([]types.ScanResult, 0, len(s.items)+1)
	items = append(items, result)
	for _, item := range s.items {
		if item.ID != result.ID {
			items = append(items, item)
		}
	}

	sortNewestFirst(items)
	if len(items) > s.maxItems {
		items = items[:s.maxItems]
	}

	return s.persistLocked(items)
}

func (s *Store) snapshot() ([]types.ScanResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}

	items := make([]types.ScanResult, len(s.items))
	copy(items, s.items)
	return items, nil
}

// GetAll returns every result sorted newest-first
func (s *Store) GetAll() ([]types.ScanResult, error) {
	items, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	sortNewestFirst(items)
	return items, nil
}

// GetByID returns the result with id
func (s *Store) GetByID(id string) (*types.ScanResult, error) {
	items, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].ID == id {
			return &items[i], nil
		}
	}
	return nil, nil
}

// GetByStatus returns results with the given health status, newest-first
func (s *Store) GetByStatus(status types.HealthStatus) ([]types.ScanResult, error) {
	return s.filter(func(r types.ScanResult) bool {
		return r.Status == status
	})
}

// GetByDateRange returns results with start <= timestamp <= end
func (s *Store) GetByDateRange(start, end time.Time) ([]types.ScanResult, error) {
	return s.filter(func(r types.ScanResult) bool {
		return !r.Timestamp.Before(start) && !r.Timestamp.After(end)
	})
}

func (s *Store) filter(keep func(types.ScanResult) bool) ([]types.ScanResult, error) {
	items, err := s.GetAll()
	if err != nil {
		return nil, err
	}

	matched := make([]types.ScanResult, 0)
	for _, item := range items {
		if keep(item) {
			matched = append(matched, item)
		}
	}
	return matched, nil
}

// Delete removes the result with id and reports whether it existed
func (s *Store) Delete(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return false, err
	}

	items := make([]types.ScanResult, 0, len(s.items))
	for _, item := range s.items {
		if item.ID != id {
			items = append(items, item)
		}
	}
	if len(items) == len(s.items) {
		return false, nil
	}

	if err := s.persistLocked(items); err != nil {
		return false, err
	}
	return true, nil
}

// ClearAll removes every result
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.persistLocked(nil); err != nil {
		return err
	}
	s.loaded = true
	s.logger.Info("Scan history cleared")
	return nil
}

// Count returns the number of stored results
func (s *Store) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return 0, err
	}
	return len(s.items), nil
}

// Cleanup drops results older than the max age and enforces the cap. The
// report carries the serialized size of what remains.
func (s *Store) Cleanup() (CleanupReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return CleanupReport{}, err
	}

	cutoff := s.now().Add(-s.maxAge)
	items := make([]types.ScanResult, 0, len(s.items))
	for _, item := range s.items {
		if item.Timestamp.After(cutoff) {
			items = append(items, item)
		}
	}
	sortNewestFirst(items)
	if len(items) > s.maxItems {
		items = items[:s.maxItems]
	}

	report := CleanupReport{RemovedCount: len(s.items) - len(items)}
	if report.RemovedCount > 0 {
		if err := s.persistLocked(items); err != nil {
			return CleanupReport{}, err
		}
		s.logger.Info("Scan history cleaned up", zap.Int("removed", report.RemovedCount))
	}

	size, err := serializedSize(s.items)
	if err != nil {
		return report, err
	}
	report.TotalSizeBytes = size
	return report, nil
}

func serializedSize(items []types.ScanResult) (int64, error) {
	if items == nil {
		items = []types.ScanResult{}
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return 0, types.NewStorageError("failed to measure scan history", err)
	}
	return int64(len(data)), nil
}

// Path returns the history file location
func (s *Store) Path() string {
	return s.path
}

func (r CleanupReport) String() string {
	return fmt.Sprintf("removed %d entries, %d bytes remain", r.RemovedCount, r.TotalSizeBytes)
}
