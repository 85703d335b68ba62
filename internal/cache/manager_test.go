package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type fakeMetrics struct{}

func (fakeMetrics) RecordOperation(operation string, duration time.Duration, size int64, success bool) {
}
func (fakeMetrics) RecordCacheHit(key string, size int64)  {}
func (fakeMetrics) RecordCacheMiss(key string, size int64) {}
func (fakeMetrics) RecordError(operation string, err error) {}
func (fakeMetrics) UpdateCacheSize(level string, size int64) {}

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	backendRoot := t.TempDir()
	cacheRoot := t.TempDir()
	opts.BackendRoot = backendRoot
	opts.CacheRoot = cacheRoot
	m := NewManager(opts, fakeMetrics{}, nil)
	t.Cleanup(m.Shutdown)
	return m
}

func writeBackendFile(t *testing.T, m *Manager, relPath, content string) {
	t.Helper()
	full := filepath.Join(m.backendRoot, relPath)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func waitForCached(t *testing.T, m *Manager, path string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		if m.IsCached(path) {
			return
		}
		select {
		case <-tick.C:
		case <-deadline:
			e, _ := m.entries.Get(path)
			if e != nil {
				t.Fatalf("timed out waiting for %q to cache; last status=%v error=%q", path, e.Status, e.ErrorMessage)
			}
			t.Fatalf("timed out waiting for %q to cache; no entry found", path)
		}
	}
}

func TestManager_SubmitPromotion_CachesFile(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Options{
		CeilingBytes:            1 << 30,
		MaxConcurrentPromotions: 2,
		ChecksumsOn:             true,
	})

	const content = "hello from the backend"
	writeBackendFile(t, m, "greeting.txt", content)

	if err := m.SubmitPromotion(context.Background(), "greeting.txt", int64(len(content)), PriorityNormal); err != nil {
		t.Fatalf("SubmitPromotion() error = %v", err)
	}

	waitForCached(t, m, "greeting.txt")

	got, err := os.ReadFile(m.CachePath("greeting.txt"))
	if err != nil {
		t.Fatalf("reading cached file: %v", err)
	}
	if string(got) != content {
		t.Errorf("cached content = %q, want %q", got, content)
	}

	e, ok := m.entries.Get("greeting.txt")
	if !ok {
		t.Fatal("expected an entry for greeting.txt")
	}
	if e.Checksum == "" {
		t.Error("expected a non-empty checksum since checksums are enabled")
	}
}

func TestManager_SubmitPromotion_SkipsAlreadyCached(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Options{CeilingBytes: 1 << 30, MaxConcurrentPromotions: 2})
	writeBackendFile(t, m, "f.txt", "data")

	ctx := context.Background()
	if err := m.SubmitPromotion(ctx, "f.txt", 4, PriorityNormal); err != nil {
		t.Fatal(err)
	}
	waitForCached(t, m, "f.txt")

	// Resubmitting a cached path must be a no-op, not a second copy.
	if err := m.SubmitPromotion(ctx, "f.txt", 4, PriorityNormal); err != nil {
		t.Fatalf("SubmitPromotion() on already-cached path error = %v", err)
	}
}

func TestManager_RecordAccess_BumpsAccessCount(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Options{CeilingBytes: 1 << 30, MaxConcurrentPromotions: 2})
	writeBackendFile(t, m, "f.txt", "data")

	if err := m.SubmitPromotion(context.Background(), "f.txt", 4, PriorityNormal); err != nil {
		t.Fatal(err)
	}
	waitForCached(t, m, "f.txt")

	m.RecordAccess("f.txt")
	m.RecordAccess("f.txt")

	e, _ := m.entries.Get("f.txt")
	if e.AccessCount != 2 {
		t.Errorf("AccessCount = %d, want 2", e.AccessCount)
	}
}

func TestManager_EnsureSpace_EvictsToFitNewEntry(t *testing.T) {
	t.Parallel()

	// Ceiling fits exactly one 10-byte file at a time.
	m := newTestManager(t, Options{CeilingBytes: 10, MaxConcurrentPromotions: 2})
	writeBackendFile(t, m, "first.txt", "0123456789")
	writeBackendFile(t, m, "second.txt", "abcdefghij")

	ctx := context.Background()
	if err := m.SubmitPromotion(ctx, "first.txt", 10, PriorityNormal); err != nil {
		t.Fatal(err)
	}
	waitForCached(t, m, "first.txt")

	if err := m.SubmitPromotion(ctx, "second.txt", 10, PriorityNormal); err != nil {
		t.Fatal(err)
	}
	waitForCached(t, m, "second.txt")

	if m.IsCached("first.txt") {
		t.Error("expected first.txt to have been evicted to make room for second.txt")
	}
	if _, err := os.Stat(m.CachePath("first.txt")); !os.IsNotExist(err) {
		t.Error("expected first.txt's cache file to have been removed on disk")
	}
}

func TestManager_EnsureSpace_NeverEvictsCritical(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Options{CeilingBytes: 10, MaxConcurrentPromotions: 2})
	writeBackendFile(t, m, "pinned.txt", "0123456789")
	writeBackendFile(t, m, "new.txt", "abcdefghij")

	ctx := context.Background()
	if err := m.SubmitPromotion(ctx, "pinned.txt", 10, PriorityCritical); err != nil {
		t.Fatal(err)
	}
	waitForCached(t, m, "pinned.txt")

	if err := m.SubmitPromotion(ctx, "new.txt", 10, PriorityNormal); err == nil {
		waitForCached(t, m, "new.txt")
	}

	if !m.IsCached("pinned.txt") {
		t.Error("expected critical-priority entry to survive eviction pressure")
	}
}

func TestManager_CleanupExpired_RemovesAgedEntries(t *testing.T) {
	t.Parallel()

	// A TTL short enough to expire within the test but long enough
	// that the promotion itself reliably finishes first.
	m := newTestManager(t, Options{
		CeilingBytes:    1 << 20,
		TTLSeconds:      1,
		CleanupInterval: time.Hour, // sweep driven manually below, not by the ticker
	})
	writeBackendFile(t, m, "stale.txt", "0123456789")

	if err := m.SubmitPromotion(context.Background(), "stale.txt", 10, PriorityNormal); err != nil {
		t.Fatal(err)
	}
	waitForCached(t, m, "stale.txt")

	time.Sleep(1100 * time.Millisecond)
	m.CleanupExpired()

	if m.IsCached("stale.txt") {
		t.Error("expected stale.txt's entry to be removed once its cached-at age exceeded the TTL")
	}
	if _, err := os.Stat(m.CachePath("stale.txt")); !os.IsNotExist(err) {
		t.Error("expected stale.txt's cache file to be removed from disk")
	}
}

func TestManager_CleanupExpired_LeavesFreshEntriesAlone(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Options{CeilingBytes: 1 << 20, TTLSeconds: 3600})
	writeBackendFile(t, m, "fresh.txt", "0123456789")

	if err := m.SubmitPromotion(context.Background(), "fresh.txt", 10, PriorityNormal); err != nil {
		t.Fatal(err)
	}
	waitForCached(t, m, "fresh.txt")

	m.CleanupExpired()

	if !m.IsCached("fresh.txt") {
		t.Error("expected an entry well within its TTL to survive a sweep")
	}
}

func TestManager_CleanupExpired_NoopWithoutTTL(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Options{CeilingBytes: 1 << 20})
	writeBackendFile(t, m, "f.txt", "0123456789")

	if err := m.SubmitPromotion(context.Background(), "f.txt", 10, PriorityNormal); err != nil {
		t.Fatal(err)
	}
	waitForCached(t, m, "f.txt")

	m.CleanupExpired()

	if !m.IsCached("f.txt") {
		t.Error("expected CleanupExpired to be a no-op when no TTL is configured")
	}
}

func TestManager_Stats(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Options{CeilingBytes: 1 << 30, MaxConcurrentPromotions: 2})
	writeBackendFile(t, m, "f.txt", "data")

	if err := m.SubmitPromotion(context.Background(), "f.txt", 4, PriorityNormal); err != nil {
		t.Fatal(err)
	}
	waitForCached(t, m, "f.txt")

	stats := m.Stats()
	if stats.EntryCount != 1 {
		t.Errorf("Stats().EntryCount = %d, want 1", stats.EntryCount)
	}
	if stats.CachedBytes != 4 {
		t.Errorf("Stats().CachedBytes = %d, want 4", stats.CachedBytes)
	}
}

func TestManager_ChunkSize_Tiers(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Options{BlockSizeBytes: 8 << 20})

	if got := m.chunkSize(512); got != 512 {
		t.Errorf("chunkSize(512) = %d, want 512", got)
	}
	if got := m.chunkSize(10 << 20); got != mediumChunkSize {
		t.Errorf("chunkSize(10MiB) = %d, want %d", got, mediumChunkSize)
	}
	if got := m.chunkSize(100 << 20); got != 8<<20 {
		t.Errorf("chunkSize(100MiB) = %d, want %d", got, 8<<20)
	}
}
