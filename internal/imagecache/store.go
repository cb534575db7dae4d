package imagecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/miaoyq/leafscan/pkg/types"
)

const (
	DefaultMaxAge       = 7 * 24 * time.Hour
	DefaultMaxSize      = 100 * 1024 * 1024
	DefaultIndexSize    = 512
	DefaultFetchTimeout = 30 * time.Second

	tempDirName    = "tmp"
	downloadSuffix = ".download"
	defaultExt     = ".jpg"
)

// Options are the transform options a cache entry is keyed by.
type Options map[string]interface{}

// TransformFunc turns a local source file into a new file and returns its
// path. The cache moves the output into place.
type TransformFunc func(ctx context.Context, localPath string) (string, error)

// Stats summarizes the cache directory.
type Stats struct {
	TotalSize int64     `json:"total_size"`
	Count     int       `json:"count"`
	Oldest    time.Time `json:"oldest"`
	Newest    time.Time `json:"newest"`
}

// Config configures a Store
type Config struct {
	Dir          string
	MaxAge       time.Duration
	MaxSize      int64
	IndexSize    int
	FetchTimeout time.Duration
	FetchRetries int
}

// Store is an on-disk cache of transformed images. One file per key lives
// directly under the cache directory; the directory itself is the index.
type Store struct {
	dir     string
	tempDir string
	maxAge  time.Duration
	maxSize int64

	index  *lru.Cache[string, types.CacheEntry]
	group  singleflight.Group
	client *retryablehttp.Client

	mu       sync.Mutex
	inflight map[string]struct{}

	now    func() time.Time
	logger *zap.Logger
}

// New creates the cache directory and returns a Store
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Dir == "" {
		return nil, errors.New("cache directory is required")
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.IndexSize <= 0 {
		cfg.IndexSize = DefaultIndexSize
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}

	tempDir := filepath.Join(cfg.Dir, tempDirName)
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	index, err := lru.New[string, types.CacheEntry](cfg.IndexSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache index: %w", err)
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.FetchRetries
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = nil
	client.HTTPClient.Timeout = cfg.FetchTimeout

	return &Store{
		dir:      cfg.Dir,
		tempDir:  tempDir,
		maxAge:   cfg.MaxAge,
		maxSize:  cfg.MaxSize,
		index:    index,
		client:   client,
		inflight: make(map[string]struct{}),
		now:      time.Now,
		logger:   logger,
	}, nil
}

// Dir returns the cache directory
func (s *Store) Dir() string {
	return s.dir
}

// Key derives the cache key for a source and its options. Options are
// serialized with sorted keys, so field order never changes the key.
func Key(sourceRef string, opts Options) (string, error) {
	if opts == nil {
		opts = Options{}
	}
	canonical, err := json.Marshal(map[string]interface{}(opts))
	if err != nil {
		return "", fmt.Errorf("failed to serialize cache options: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(sourceRef))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func extension(opts Options) string {
	format, _ := opts["format"].(string)
	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "png":
		return ".png"
	case "jpg", "jpeg", "":
		return defaultExt
	default:
		return "." + strings.ToLower(strings.TrimPrefix(format, "."))
	}
}

func (s *Store) entryPath(key string, opts Options) string {
	return filepath.Join(s.dir, key+extension(opts))
}

// IsCached reports whether a valid entry exists
func (s *Store) IsCached(sourceRef string, opts Options) bool {
	_, ok := s.GetCachedPath(sourceRef, opts)
	return ok
}

// GetCachedPath returns the path of a valid entry
func (s *Store) GetCachedPath(sourceRef string, opts Options) (string, bool) {
	key, err := Key(sourceRef, opts)
	if err != nil {
		return "", false
	}
	entry, ok := s.lookup(key, s.entryPath(key, opts))
	if !ok {
		return "", false
	}
	return entry.Path, true
}

func (s *Store) lookup(key, path string) (types.CacheEntry, bool) {
	if entry, ok := s.index.Get(key); ok {
		// another process may have removed the file behind the index
		if _, err := os.Stat(entry.Path); err == nil && s.now().Sub(entry.CreatedAt) <= s.maxAge {
			return entry, true
		}
		s.index.Remove(key)
		return types.CacheEntry{}, false
	}

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return types.CacheEntry{}, false
	}
	if s.now().Sub(info.ModTime()) > s.maxAge {
		return types.CacheEntry{}, false
	}

	entry := types.CacheEntry{
		Key:       key,
		Path:      path,
		SizeBytes: info.Size(),
		CreatedAt: info.ModTime(),
	}
	s.index.Add(key, entry)
	return entry, true
}

// Store returns the cached path for (sourceRef, opts), running transform
// at most once per key while the entry is valid. Concurrent callers for the
// same key share one transform. On failure the source reference is returned
// together with the error so callers can fall back to the original.
func (s *Store) Store(ctx context.Context, sourceRef string, opts Options, transform TransformFunc) (string, error) {
	key, err := Key(sourceRef, opts)
	if err != nil {
		s.logger.Warn("Cache key derivation failed", zap.String("source", sourceRef), zap.Error(err))
		return sourceRef, err
	}

	path := s.entryPath(key, opts)
	if entry, ok := s.lookup(key, path); ok {
		s.logger.Debug("Cache hit", zap.String("key", key))
		return entry.Path, nil
	}

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		s.markInflight(key)
		defer s.clearInflight(key)

		// another caller may have finished between lookup and Do
		if entry, ok := s.lookup(key, path); ok {
			return entry.Path, nil
		}
		return s.produce(ctx, key, sourceRef, path, transform)
	})
	if err != nil {
		s.logger.Warn("Cache store failed, using source",
			zap.String("source", sourceRef),
			zap.String("key", key),
			zap.Error(err))
		return sourceRef, err
	}
	return v.(string), nil
}

func (s *Store) produce(ctx context.Context, key, sourceRef, path string, transform TransformFunc) (string, error) {
	local := sourceRef
	if isRemote(sourceRef) {
		fetched, err := s.fetch(ctx, key, sourceRef)
		if err != nil {
			return "", err
		}
		defer func() {
			if err := os.Remove(fetched); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.logger.Warn("Failed to remove fetched source", zap.String("path", fetched), zap.Error(err))
			}
		}()
		local = fetched
	}

	output, err := transform(ctx, local)
	if err != nil {
		return "", fmt.Errorf("transform failed: %w", err)
	}

	if err := moveFile(output, path); err != nil {
		return "", fmt.Errorf("failed to move transform output into cache: %w", err)
	}

	now := s.now()
	// mtime drives expiry and eviction order
	if err := os.Chtimes(path, now, now); err != nil {
		s.logger.Debug("Failed to touch cache entry", zap.String("path", path), zap.Error(err))
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat cache entry: %w", err)
	}

	s.index.Add(key, types.CacheEntry{
		Key:       key,
		Path:      path,
		SizeBytes: info.Size(),
		CreatedAt: now,
	})

	s.logger.Debug("Cache entry stored",
		zap.String("key", key),
		zap.Int64("size_bytes", info.Size()))
	return path, nil
}

func isRemote(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

// fetch downloads a remote source into the temp directory
func (s *Store) fetch(ctx context.Context, key, url string) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create fetch request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", types.NewNetworkError("failed to fetch remote image", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", types.NewAPIError(resp.StatusCode, "failed to fetch remote image", nil)
	}

	target := filepath.Join(s.tempDir, key+"-"+uuid.NewString()+downloadSuffix)
	f, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("failed to create download file: %w", err)
	}

	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(target)
		return "", types.NewNetworkError("failed to download remote image", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(target)
		return "", fmt.Errorf("failed to close download file: %w", err)
	}
	return target, nil
}

// moveFile renames src to dst and falls back to copy+remove across devices
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	in.Close()
	_ = os.Remove(src)
	return nil
}

func (s *Store) markInflight(key string) {
	s.mu.Lock()
	s.inflight[key] = struct{}{}
	s.mu.Unlock()
}

func (s *Store) clearInflight(key string) {
	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()
}

func (s *Store) isInflight(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[key]
	return ok
}

// isEntryName matches "<sha256 hex><ext>". Anything else in the directory
// is not ours and is never counted or removed.
func isEntryName(name string) bool {
	ext := filepath.Ext(name)
	if ext == "" || ext == ".tmp" {
		return false
	}
	key := strings.TrimSuffix(name, ext)
	if len(key) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(key)
	return err == nil && strings.ToLower(key) == key
}

// entries lists cache files. Temp files and partial copies are skipped.
func (s *Store) entries() ([]types.CacheEntry, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cache directory: %w", err)
	}

	entries := make([]types.CacheEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() || !isEntryName(de.Name()) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		name := de.Name()
		entries = append(entries, types.CacheEntry{
			Key:       strings.TrimSuffix(name, filepath.Ext(name)),
			Path:      filepath.Join(s.dir, name),
			SizeBytes: info.Size(),
			CreatedAt: info.ModTime(),
		})
	}
	return entries, nil
}

func (s *Store) remove(entry types.CacheEntry) bool {
	if err := os.Remove(entry.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("Failed to remove cache entry", zap.String("path", entry.Path), zap.Error(err))
		return false
	}
	s.index.Remove(entry.Key)
	return true
}

// EvictExpired removes entries older than the max age
func (s *Store) EvictExpired() int {
	entries, err := s.entries()
	if err != nil {
		s.logger.Warn("Cache eviction skipped", zap.Error(err))
		return 0
	}

	now := s.now()
	removed := 0
	for _, entry := range entries {
		if now.Sub(entry.CreatedAt) <= s.maxAge || s.isInflight(entry.Key) {
			continue
		}
		if s.remove(entry) {
			removed++
		}
	}

	if removed > 0 {
		s.logger.Info("Evicted expired cache entries", zap.Int("count", removed))
	}
	return removed
}

// Optimize deletes oldest-modified entries until the cache fits in target
// bytes. A non-positive target uses the configured max size. Entries being
// written are never removed.
func (s *Store) Optimize(target int64) int {
	if target <= 0 {
		target = s.maxSize
	}

	entries, err := s.entries()
	if err != nil {
		s.logger.Warn("Cache optimization skipped", zap.Error(err))
		return 0
	}

	var total int64
	for _, entry := range entries {
		total += entry.SizeBytes
	}
	if total <= target {
		return 0
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})

	removed := 0
	for _, entry := range entries {
		if total <= target {
			break
		}
		if s.isInflight(entry.Key) {
			continue
		}
		if s.remove(entry) {
			total -= entry.SizeBytes
			removed++
		}
	}

	s.logger.Info("Cache optimized",
		zap.Int("removed", removed),
		zap.Int64("total_bytes", total),
		zap.Int64("target_bytes", target))
	return removed
}

// ClearAll removes every entry that is not being written
func (s *Store) ClearAll() error {
	entries, err := s.entries()
	if err != nil {
		return err
	}

	var failed int
	for _, entry := range entries {
		if s.isInflight(entry.Key) {
			continue
		}
		if !s.remove(entry) {
			failed++
		}
	}
	s.index.Purge()
	s.PurgeTemp()

	if failed > 0 {
		return fmt.Errorf("failed to remove %d cache entries", failed)
	}
	return nil
}

// Stats reports aggregate size, count and entry age bounds
func (s *Store) Stats() Stats {
	entries, err := s.entries()
	if err != nil {
		s.logger.Warn("Failed to collect cache stats", zap.Error(err))
		return Stats{}
	}

	var stats Stats
	for _, entry := range entries {
		stats.Count++
		stats.TotalSize += entry.SizeBytes
		if stats.Oldest.IsZero() || entry.CreatedAt.Before(stats.Oldest) {
			stats.Oldest = entry.CreatedAt
		}
		if entry.CreatedAt.After(stats.Newest) {
			stats.Newest = entry.CreatedAt
		}
	}
	return stats
}

// PurgeTemp removes leftover downloads whose key is not being written
func (s *Store) PurgeTemp() int {
	dirEntries, err := os.ReadDir(s.tempDir)
	if err != nil {
		return 0
	}

	removed := 0
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		key, _, _ := strings.Cut(de.Name(), "-")
		if s.isInflight(key) {
			continue
		}
		if err := os.Remove(filepath.Join(s.tempDir, de.Name())); err == nil {
			removed++
		}
	}
	return removed
}
