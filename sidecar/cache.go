package sidecar

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/RyanBlaney/echoprobe/logging"
)

// DefaultCacheMaxBytes caps the sidecar payload cache directory.
const DefaultCacheMaxBytes = 512 << 20

const cacheSchemaVersion = 1

// Cache persists raw sidecar payloads keyed by source content hash and
// command template, so repeat analyses of unchanged audio skip the
// subprocess entirely. Entries re-run sanitization on load, the cache is
// never trusted more than a live sidecar.
type Cache struct {
	dir      string
	maxBytes int64
}

// NewCache creates a sidecar payload cache rooted at dir.
func NewCache(dir string) *Cache {
	return &Cache{dir: dir, maxBytes: DefaultCacheMaxBytes}
}

func (c *Cache) keyPath(sourceHash, cmdTemplate string) string {
	sum := sha256.Sum256([]byte(cmdTemplate))
	cmdHash := hex.EncodeToString(sum[:])[:16]
	return filepath.Join(c.dir, fmt.Sprintf("%s_%s_v%d.json", sourceHash, cmdHash, cacheSchemaVersion))
}

// EntryPath reports where a (sourceHash, cmdTemplate) payload would live,
// recorded as the external source path on cache hits.
func (c *Cache) EntryPath(sourceHash, cmdTemplate string) string {
	if c == nil {
		return ""
	}
	return c.keyPath(sourceHash, cmdTemplate)
}

// Load returns the cached raw payload for (sourceHash, cmdTemplate), or
// false when absent or unreadable.
func (c *Cache) Load(sourceHash, cmdTemplate string) (map[string]any, bool) {
	if c == nil || c.dir == "" {
		return nil, false
	}
	path := c.keyPath(sourceHash, cmdTemplate)
	payload, err := LoadJSONGuarded(path, DefaultConfig().MaxJSONBytes)
	if err != nil {
		return nil, false
	}
	return payload, true
}

// Store writes a raw payload atomically and enforces the size ceiling.
func (c *Cache) Store(sourceHash, cmdTemplate string, payload map[string]any) error {
	if c == nil || c.dir == "" || payload == nil {
		return nil
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create sidecar cache dir: %w", err)
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode sidecar payload: %w", err)
	}

	path := c.keyPath(sourceHash, cmdTemplate)
	tmpPath := path + "." + uuid.NewString() + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write sidecar cache entry: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		if rmErr := os.Remove(tmpPath); rmErr != nil && !os.IsNotExist(rmErr) {
			logging.Debug("sidecar cache temp cleanup failed", logging.Fields{"error": rmErr.Error()})
		}
		return fmt.Errorf("failed to finalize sidecar cache entry: %w", err)
	}

	c.enforceCap()
	return nil
}

// enforceCap evicts oldest entries until the directory fits the ceiling.
func (c *Cache) enforceCap() {
	entries, err := filepath.Glob(filepath.Join(c.dir, "*.json"))
	if err != nil {
		return
	}

	type candidate struct {
		path  string
		size  int64
		mtime int64
	}
	var files []candidate
	var total int64
	for _, path := range entries {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		files = append(files, candidate{path: path, size: info.Size(), mtime: info.ModTime().UnixNano()})
		total += info.Size()
	}
	if total <= c.maxBytes {
		return
	}

	sort.Slice(files, func(i, j int) bool { return files[i].mtime < files[j].mtime })

	logger := logging.WithFields(logging.Fields{"component": "sidecar_cache"})
	for _, f := range files {
		if total <= c.maxBytes {
			break
		}
		if err := os.Remove(f.path); err != nil {
			continue
		}
		total -= f.size
		logger.Debug("evicted sidecar cache entry", logging.Fields{
			"path":      f.path,
			"freed":     humanize.Bytes(uint64(f.size)),
			"remaining": humanize.Bytes(uint64(total)),
		})
	}
}
