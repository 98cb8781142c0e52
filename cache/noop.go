package cache

import (
	"encoding/json"
)

// NoopCache always misses and never stores. Useful for sandbox and batch
// runs that must not touch disk.
type NoopCache struct{}

// NewNoopCache creates a no-op cache backend.
func NewNoopCache() *NoopCache { return &NoopCache{} }

// Kind identifies this backend.
func (c *NoopCache) Kind() string { return KindNoop }

// Load always misses.
func (c *NoopCache) Load(sourceHash, configFingerprint string, sourceMtime float64) (json.RawMessage, bool) {
	return nil, false
}

// Store discards the payload.
func (c *NoopCache) Store(sourceHash, configFingerprint string, sourceMtime float64, payload json.RawMessage) error {
	return nil
}

// GC reports zeros.
func (c *NoopCache) GC(maxBytes int64) (*GCStats, error) {
	return &GCStats{}, nil
}
