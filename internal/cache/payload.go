// Package cache keeps downloaded table payloads on local disk so unchanged
// tables are not fetched again when a dataset is retried or force-synced.
package cache

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"
)

const payloadSuffix = ".parquet"

// Metrics holds cache statistics for observability.
type Metrics struct {
	Hits      atomic.Int64
	Misses    atomic.Int64
	Evictions atomic.Int64
	Entries   atomic.Int64
	SizeBytes atomic.Int64
}

// PayloadCache is a size-capped directory of payload files keyed by table
// path and checksum. A new checksum is a new key, so stale payloads are never
// served and simply age out.
type PayloadCache struct {
	dir      string
	maxBytes int64
	metrics  Metrics
	logger   *zap.Logger

	mu    sync.Mutex
	index map[string]*entry // file name → entry
}

type entry struct {
	localPath   string
	sizeBytes   int64
	lastAccess  int64 // Unix nanos
	accessCount int64
	pins        int
}

// New opens the cache in dir, indexing payloads left by earlier processes.
func New(dir string, maxBytes int64, logger *zap.Logger) (*PayloadCache, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("maxBytes must be positive, got %d", maxBytes)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}

	c := &PayloadCache{
		dir:      dir,
		maxBytes: maxBytes,
		logger:   logger.Named("cache"),
		index:    make(map[string]*entry),
	}
	if err := c.scanExistingFiles(); err != nil {
		return nil, fmt.Errorf("failed to scan existing files: %w", err)
	}
	return c, nil
}

// fileName derives the on-disk name of a key.
func fileName(tablePath, checksum string) string {
	h := murmur3.New128()
	h.Write([]byte(tablePath))
	h.Write([]byte{0})
	h.Write([]byte(checksum))
	return hex.EncodeToString(h.Sum(nil)) + payloadSuffix
}

// scanExistingFiles rebuilds the index and removes interrupted writes.
func (c *PayloadCache) scanExistingFiles() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}

	now := time.Now().UnixNano()
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		path := filepath.Join(c.dir, de.Name())
		if !strings.HasSuffix(de.Name(), payloadSuffix) {
			os.Remove(path)
			continue
		}

		info, err := de.Info()
		if err != nil {
			continue // Skip inaccessible files
		}

		c.index[de.Name()] = &entry{
			localPath:  path,
			sizeBytes:  info.Size(),
			lastAccess: now,
		}
		c.metrics.SizeBytes.Add(info.Size())
		c.metrics.Entries.Add(1)
	}
	return nil
}

// Acquire returns the cached payload for the table at checksum. The file stays
// on disk until release is called.
func (c *PayloadCache) Acquire(tablePath, checksum string) (path string, release func(), ok bool) {
	name := fileName(tablePath, checksum)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.index[name]
	if !ok {
		c.metrics.Misses.Add(1)
		return "", func() {}, false
	}

	c.metrics.Hits.Add(1)
	e.lastAccess = time.Now().UnixNano()
	e.accessCount++
	e.pins++

	var once sync.Once
	return e.localPath, func() {
		once.Do(func() {
			c.mu.Lock()
			e.pins--
			c.mu.Unlock()
		})
	}, true
}

// Put copies sourcePath into the cache under the table and checksum.
// Payloads larger than the whole cache are not kept.
func (c *PayloadCache) Put(tablePath, checksum, sourcePath string) error {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return fmt.Errorf("failed to stat source file: %w", err)
	}
	if info.Size() > c.maxBytes {
		return nil
	}

	name := fileName(tablePath, checksum)
	destPath := filepath.Join(c.dir, name)

	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(c.dir, "put-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	written, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to copy file: %w", err)
	}
	if written != info.Size() {
		os.Remove(tmp.Name())
		return fmt.Errorf("size mismatch: expected %d, got %d", info.Size(), written)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.index[name]; ok {
		// Same key means same content
		os.Remove(tmp.Name())
		old.lastAccess = time.Now().UnixNano()
		return nil
	}
	if err := os.Rename(tmp.Name(), destPath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to install cached file: %w", err)
	}

	c.index[name] = &entry{
		localPath:   destPath,
		sizeBytes:   written,
		lastAccess:  time.Now().UnixNano(),
		accessCount: 1,
	}
	c.metrics.SizeBytes.Add(written)
	c.metrics.Entries.Add(1)

	if c.metrics.SizeBytes.Load() > c.maxBytes {
		c.performEviction(name)
	}
	return nil
}

// performEviction removes unpinned entries, least used and then least
// recently used first, until the cache is below 90% of capacity. keep is only
// evicted if the cache is still over capacity. Must be called with c.mu held.
func (c *PayloadCache) performEviction(keep string) {
	targetSize := int64(float64(c.maxBytes) * 0.9)

	type evictCandidate struct {
		name  string
		entry *entry
	}
	var candidates []evictCandidate
	for name, e := range c.index {
		if e.pins == 0 && name != keep {
			candidates = append(candidates, evictCandidate{name: name, entry: e})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].entry, candidates[j].entry
		if a.accessCount != b.accessCount {
			return a.accessCount < b.accessCount
		}
		return a.lastAccess < b.lastAccess
	})
	for _, cand := range candidates {
		if c.metrics.SizeBytes.Load() <= targetSize {
			break
		}
		c.evictLocked(cand.name, cand.entry)
	}

	// Pinned entries can leave the cache over capacity
	if e, ok := c.index[keep]; ok && c.metrics.SizeBytes.Load() > c.maxBytes {
		c.evictLocked(keep, e)
	}
}

func (c *PayloadCache) evictLocked(name string, e *entry) {
	if err := os.Remove(e.localPath); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("cache.evict_failed", zap.String("file", name), zap.Error(err))
		return
	}
	delete(c.index, name)
	c.metrics.SizeBytes.Add(-e.sizeBytes)
	c.metrics.Entries.Add(-1)
	c.metrics.Evictions.Add(1)
	c.logger.Debug("cache.evict", zap.String("file", name), zap.Int64("bytes", e.sizeBytes))
}

// Stats returns current cache metrics.
func (c *PayloadCache) Stats() (hits, misses, evictions, entries, size int64) {
	return c.metrics.Hits.Load(), c.metrics.Misses.Load(), c.metrics.Evictions.Load(),
		c.metrics.Entries.Load(), c.metrics.SizeBytes.Load()
}

// HitRate returns the cache hit rate as a percentage.
func (c *PayloadCache) HitRate() float64 {
	hits := c.metrics.Hits.Load()
	total := hits + c.metrics.Misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}
