package cache

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testHash = "aabbccddeeff00112233445566778899aabbccddeeff00112233445566778899"

func validPayload(mtime float64) json.RawMessage {
	doc := map[string]any{
		"source_audio":  "track.wav",
		"tempo_backend": "internal",
		"source_mtime":  mtime,
		"tempo_bpm":     120.0,
	}
	data, _ := json.Marshal(doc)
	return data
}

func TestDiskCacheRoundTrip(t *testing.T) {
	c := NewDiskCache(t.TempDir())
	payload := validPayload(123.456)

	if err := c.Store(testHash, "fp1", 123.456, payload); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	got, ok := c.Load(testHash, "fp1", 123.456)
	if !ok {
		t.Fatal("expected cache hit after store")
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("loaded payload differs from stored payload")
	}
}

func TestDiskCacheMtimeTolerance(t *testing.T) {
	c := NewDiskCache(t.TempDir())
	if err := c.Store(testHash, "fp1", 123.456, validPayload(123.456)); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	// Drift inside the tolerance still hits.
	if _, ok := c.Load(testHash, "fp1", 123.4565); !ok {
		t.Error("expected hit for sub-millisecond mtime drift")
	}

	// A touched source file must invalidate the entry.
	if _, ok := c.Load(testHash, "fp1", 124.456); ok {
		t.Error("expected miss for stale source mtime")
	}
}

func TestDiskCacheFingerprintIsolation(t *testing.T) {
	c := NewDiskCache(t.TempDir())
	if err := c.Store(testHash, "fp1", 1.0, validPayload(1.0)); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	if _, ok := c.Load(testHash, "fp2", 1.0); ok {
		t.Error("expected miss under a different config fingerprint")
	}
}

func TestDiskCacheMissWhenEmpty(t *testing.T) {
	c := NewDiskCache(t.TempDir())
	if _, ok := c.Load(testHash, "fp1", 1.0); ok {
		t.Error("expected miss from an empty cache")
	}
}

func TestDiskCacheRejectsIncompleteEntry(t *testing.T) {
	c := NewDiskCache(t.TempDir())

	incomplete, _ := json.Marshal(map[string]any{
		"source_audio": "track.wav",
		"source_mtime": 1.0,
	})
	if err := c.Store(testHash, "fp1", 1.0, incomplete); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	if _, ok := c.Load(testHash, "fp1", 1.0); ok {
		t.Error("entry without tempo_backend should be a miss")
	}
}

func TestDiskCacheRejectsCorruptEntry(t *testing.T) {
	c := NewDiskCache(t.TempDir())
	if err := c.Store(testHash, "fp1", 1.0, json.RawMessage("not json at all")); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	if _, ok := c.Load(testHash, "fp1", 1.0); ok {
		t.Error("corrupt entry should be a miss")
	}
}

func TestDiskCacheStoreIsIdempotent(t *testing.T) {
	c := NewDiskCache(t.TempDir())
	payload := validPayload(5.0)

	for i := 0; i < 3; i++ {
		if err := c.Store(testHash, "fp1", 5.0, payload); err != nil {
			t.Fatalf("Store #%d failed: %v", i+1, err)
		}
	}

	got, ok := c.Load(testHash, "fp1", 5.0)
	if !ok {
		t.Fatal("expected hit after repeated stores")
	}
	if !bytes.Equal(got, payload) {
		t.Error("payload corrupted by repeated stores")
	}
}

func TestDiskCacheGC(t *testing.T) {
	dir := t.TempDir()
	c := NewDiskCache(dir)

	// Three valid entries with staggered mtimes so eviction order is fixed.
	hashes := []string{
		"1111111111111111111111111111111111111111111111111111111111111111",
		"2222222222222222222222222222222222222222222222222222222222222222",
		"3333333333333333333333333333333333333333333333333333333333333333",
	}
	base := time.Now().Add(-time.Hour)
	var sizes []int64
	for i, h := range hashes {
		payload := validPayload(float64(i))
		if err := c.Store(h, "fp", float64(i), payload); err != nil {
			t.Fatalf("Store failed: %v", err)
		}
		path := c.pathFor(h, "fp")
		ts := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(path, ts, ts); err != nil {
			t.Fatalf("Chtimes failed: %v", err)
		}
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("Stat failed: %v", err)
		}
		sizes = append(sizes, info.Size())
	}

	// Leftover temp file and an unparseable entry, both GC fodder.
	if err := os.WriteFile(filepath.Join(dir, "stale.tmp"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{truncated"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	// Ceiling fits exactly two entries: the oldest must go.
	maxBytes := sizes[1] + sizes[2]
	stats, err := c.GC(maxBytes)
	if err != nil {
		t.Fatalf("GC failed: %v", err)
	}

	if stats.TempRemoved != 1 {
		t.Errorf("TempRemoved = %d, want 1", stats.TempRemoved)
	}
	if stats.EntriesRemoved != 1 {
		t.Errorf("EntriesRemoved = %d, want 1", stats.EntriesRemoved)
	}
	if stats.Evicted != 1 {
		t.Errorf("Evicted = %d, want 1", stats.Evicted)
	}
	if stats.ReclaimedBytes <= 0 {
		t.Errorf("ReclaimedBytes = %d, want > 0", stats.ReclaimedBytes)
	}

	if _, ok := c.Load(hashes[0], "fp", 0); ok {
		t.Error("oldest entry should have been evicted")
	}
	if _, ok := c.Load(hashes[2], "fp", 2); !ok {
		t.Error("newest entry should have survived GC")
	}
}

func TestDiskCacheGCNoCeiling(t *testing.T) {
	c := NewDiskCache(t.TempDir())
	if err := c.Store(testHash, "fp", 1.0, validPayload(1.0)); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	stats, err := c.GC(0)
	if err != nil {
		t.Fatalf("GC failed: %v", err)
	}
	if stats.Evicted != 0 {
		t.Errorf("Evicted = %d, want 0 when ceiling disabled", stats.Evicted)
	}
	if _, ok := c.Load(testHash, "fp", 1.0); !ok {
		t.Error("entry should survive GC with no ceiling")
	}
}

func TestNoopCache(t *testing.T) {
	c := NewNoopCache()
	if err := c.Store(testHash, "fp", 1.0, validPayload(1.0)); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if _, ok := c.Load(testHash, "fp", 1.0); ok {
		t.Error("noop cache should never hit")
	}
	stats, err := c.GC(0)
	if err != nil {
		t.Fatalf("GC failed: %v", err)
	}
	if *stats != (GCStats{}) {
		t.Errorf("GC stats = %+v, want zeros", stats)
	}
}

func TestNewBackendSelection(t *testing.T) {
	if got := New(t.TempDir(), KindDisk).Kind(); got != KindDisk {
		t.Errorf("Kind = %q, want %q", got, KindDisk)
	}
	if got := New(t.TempDir(), KindNoop).Kind(); got != KindNoop {
		t.Errorf("Kind = %q, want %q", got, KindNoop)
	}
	if got := New("", KindDisk).Kind(); got != KindNoop {
		t.Errorf("empty dir should degrade to noop, got %q", got)
	}
}
