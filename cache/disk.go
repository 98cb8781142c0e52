package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/RyanBlaney/echoprobe/logging"
)

// mtimeTolerance is the allowed drift between stored and observed source
// modification times before an entry goes stale.
const mtimeTolerance = 1e-3

// requiredFields must be present in a stored record for a hit to count.
// Guards against partially-written or schema-drifted entries.
var requiredFields = []string{"source_audio", "tempo_backend"}

// DiskCache stores one JSON file per (source hash, config fingerprint).
// Writes are atomic (temp file + rename) to stay safe with parallel runs.
type DiskCache struct {
	dir          string
	lockTimeout  time.Duration
	lockInterval time.Duration
}

// NewDiskCache creates a disk cache rooted at dir. The directory is created
// lazily on first store.
func NewDiskCache(dir string) *DiskCache {
	return &DiskCache{
		dir:          dir,
		lockTimeout:  5 * time.Second,
		lockInterval: 50 * time.Millisecond,
	}
}

// Kind identifies this backend.
func (c *DiskCache) Kind() string { return KindDisk }

// Dir exposes the cache root, used to co-locate the sidecar payload cache.
func (c *DiskCache) Dir() string { return c.dir }

func (c *DiskCache) pathFor(sourceHash, configFingerprint string) string {
	sum := sha256.Sum256([]byte(configFingerprint))
	cfgHash := hex.EncodeToString(sum[:])[:12]
	return filepath.Join(c.dir, fmt.Sprintf("%s_%s.json", sourceHash, cfgHash))
}

// Load fetches a stored record. Unreadable, stale or structurally
// incomplete entries are misses, never errors.
func (c *DiskCache) Load(sourceHash, configFingerprint string, sourceMtime float64) (json.RawMessage, bool) {
	path := c.pathFor(sourceHash, configFingerprint)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, false
	}

	mtimeRaw, ok := probe["source_mtime"]
	if !ok {
		return nil, false
	}
	var cachedMtime float64
	if err := json.Unmarshal(mtimeRaw, &cachedMtime); err != nil {
		return nil, false
	}
	if math.Abs(cachedMtime-sourceMtime) > mtimeTolerance {
		return nil, false
	}

	for _, field := range requiredFields {
		if _, ok := probe[field]; !ok {
			logging.Debug("cache entry missing required field; ignoring", logging.Fields{
				"component": "feature_cache",
				"path":      path,
				"field":     field,
			})
			return nil, false
		}
	}

	return data, true
}

// Store writes a record atomically under a best-effort lock.
func (c *DiskCache) Store(sourceHash, configFingerprint string, sourceMtime float64, payload json.RawMessage) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache dir: %w", err)
	}

	path := c.pathFor(sourceHash, configFingerprint)
	lockPath := path + ".lock"
	unlock, err := c.acquireLock(lockPath)
	if err != nil {
		return err
	}
	defer unlock()

	tmpPath := path + "." + uuid.NewString() + ".tmp"
	if err := os.WriteFile(tmpPath, payload, 0o644); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		if rmErr := os.Remove(tmpPath); rmErr != nil && !os.IsNotExist(rmErr) {
			logging.Debug("cache temp cleanup failed", logging.Fields{
				"component": "feature_cache",
				"error":     rmErr.Error(),
			})
		}
		return fmt.Errorf("failed to finalize cache entry: %w", err)
	}
	return nil
}

// acquireLock creates the lock file exclusively, polling until the timeout.
// Contention safety for parallel writers; reads stay lock-free.
func (c *DiskCache) acquireLock(lockPath string) (func(), error) {
	deadline := time.Now().Add(c.lockTimeout)
	for {
		fd, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			if cerr := fd.Close(); cerr != nil {
				logging.Debug("cache lock close failed", logging.Fields{
					"component": "feature_cache",
					"error":     cerr.Error(),
				})
			}
			return func() {
				if rmErr := os.Remove(lockPath); rmErr != nil && !os.IsNotExist(rmErr) {
					logging.Debug("cache lock release failed", logging.Fields{
						"component": "feature_cache",
						"error":     rmErr.Error(),
					})
				}
			}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create cache lock: %w", err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("could not acquire cache lock %s", lockPath)
		}
		time.Sleep(c.lockInterval)
	}
}

// GC removes temp leftovers and unparseable entries, then evicts
// oldest-first until the directory fits under maxBytes (0 disables the
// size ceiling).
func (c *DiskCache) GC(maxBytes int64) (*GCStats, error) {
	logger := logging.WithFields(logging.Fields{"component": "feature_cache"})
	stats := &GCStats{}

	tmpFiles, err := filepath.Glob(filepath.Join(c.dir, "*.tmp"))
	if err != nil {
		return nil, fmt.Errorf("cache gc glob failed: %w", err)
	}
	for _, path := range tmpFiles {
		if err := os.Remove(path); err == nil {
			stats.TempRemoved++
		}
	}

	entries, err := filepath.Glob(filepath.Join(c.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("cache gc glob failed: %w", err)
	}

	type entry struct {
		path  string
		size  int64
		mtime int64
	}
	var valid []entry
	var total int64
	for _, path := range entries {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if !json.Valid(data) {
			if err := os.Remove(path); err == nil {
				stats.EntriesRemoved++
				stats.ReclaimedBytes += int64(len(data))
			}
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		valid = append(valid, entry{path: path, size: info.Size(), mtime: info.ModTime().UnixNano()})
		total += info.Size()
	}

	if maxBytes > 0 && total > maxBytes {
		sort.Slice(valid, func(i, j int) bool { return valid[i].mtime < valid[j].mtime })
		for _, e := range valid {
			if total <= maxBytes {
				break
			}
			if err := os.Remove(e.path); err != nil {
				continue
			}
			total -= e.size
			stats.Evicted++
			stats.ReclaimedBytes += e.size
		}
	}

	logger.Info("cache gc completed", logging.Fields{
		"temp_removed":    stats.TempRemoved,
		"entries_removed": stats.EntriesRemoved,
		"evicted":         stats.Evicted,
		"reclaimed":       humanize.Bytes(uint64(stats.ReclaimedBytes)),
		"resident":        humanize.Bytes(uint64(total)),
	})
	return stats, nil
}
