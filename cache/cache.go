// Package cache persists feature records keyed by source content hash and
// configuration fingerprint, so unchanged audio analyzed under an unchanged
// config never recomputes.
package cache

import (
	"encoding/json"
)

// Cache status values stamped onto feature records.
const (
	StatusHit      = "hit"
	StatusMiss     = "miss"
	StatusDisabled = "disabled"
)

// Backend kinds accepted by New.
const (
	KindDisk = "disk"
	KindNoop = "noop"
)

// DefaultMaxBytes is the feature cache size ceiling applied by GC when the
// caller does not choose one.
const DefaultMaxBytes int64 = 2 << 30

// GCStats summarizes one garbage-collection pass.
type GCStats struct {
	TempRemoved    int   `json:"temp_removed"`
	EntriesRemoved int   `json:"entries_removed"`
	Evicted        int   `json:"evicted"`
	ReclaimedBytes int64 `json:"reclaimed_bytes"`
}

// Backend is the feature cache contract. Load returns the stored record
// bytes only when the entry exists, parses, carries a matching source mtime
// and passes structural validation; everything else is a miss.
type Backend interface {
	Load(sourceHash, configFingerprint string, sourceMtime float64) (json.RawMessage, bool)
	Store(sourceHash, configFingerprint string, sourceMtime float64, payload json.RawMessage) error
	GC(maxBytes int64) (*GCStats, error)
	Kind() string
}

// New selects a cache backend. Unknown kinds fall back to disk; disk
// without a directory degrades to noop rather than erroring.
func New(dir, kind string) Backend {
	if kind == KindNoop || dir == "" {
		return NewNoopCache()
	}
	return NewDiskCache(dir)
}
