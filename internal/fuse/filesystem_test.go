package fuse

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/dionren/nfs-cachefs/internal/cache"
	"github.com/dionren/nfs-cachefs/internal/circuit"
	"github.com/dionren/nfs-cachefs/internal/metrics"
)

func newTestFileSystem(t *testing.T, minFileSizeBytes int64) (*FileSystem, string) {
	t.Helper()

	backendRoot := t.TempDir()
	cacheRoot := t.TempDir()

	cacheMgr := cache.NewManager(cache.Options{
		BackendRoot:             backendRoot,
		CacheRoot:               cacheRoot,
		CeilingBytes:            1 << 30,
		MaxConcurrentPromotions: 2,
	}, nil, nil)
	t.Cleanup(cacheMgr.Shutdown)

	breaker := circuit.NewCircuitBreaker("test-backend-stat", circuit.Config{
		MaxRequests: 1,
		Timeout:     time.Second,
	})

	fsys := NewFileSystem(backendRoot, cacheMgr, breaker, nil, &Config{
		DefaultUID:       1000,
		DefaultGID:       1000,
		DefaultMode:      0644,
		MinFileSizeBytes: minFileSizeBytes,
	})
	t.Cleanup(fsys.Shutdown)

	return fsys, backendRoot
}

func writeBackendFile(t *testing.T, backendRoot, relPath, content string) {
	t.Helper()
	full := filepath.Join(backendRoot, relPath)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFileSystem_StatBackend(t *testing.T) {
	t.Parallel()

	fsys, backendRoot := newTestFileSystem(t, 0)
	writeBackendFile(t, backendRoot, "greeting.txt", "hello")

	info, err := fsys.statBackend(context.Background(), "greeting.txt")
	if err != nil {
		t.Fatalf("statBackend() error = %v", err)
	}
	if info.Size() != 5 {
		t.Errorf("Size() = %d, want 5", info.Size())
	}
}

func TestFileSystem_StatBackend_NotExist(t *testing.T) {
	t.Parallel()

	fsys, _ := newTestFileSystem(t, 0)

	if _, err := fsys.statBackend(context.Background(), "missing.txt"); !os.IsNotExist(err) {
		t.Errorf("statBackend() error = %v, want os.IsNotExist", err)
	}
}

func TestFillAttr(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(path, []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	cfg := &Config{DefaultUID: 42, DefaultGID: 7, DefaultMode: 0600}

	var attr fuse.Attr
	fillAttr(&attr, info, cfg)

	if attr.Size != 10 {
		t.Errorf("Size = %d, want 10", attr.Size)
	}
	if attr.Uid != 42 || attr.Gid != 7 {
		t.Errorf("Uid/Gid = %d/%d, want 42/7", attr.Uid, attr.Gid)
	}
}

func TestFileNode_Open_SubmitsPromotionAboveMinSize(t *testing.T) {
	t.Parallel()

	fsys, backendRoot := newTestFileSystem(t, 4)
	writeBackendFile(t, backendRoot, "big.txt", "0123456789")

	node := &FileNode{fsys: fsys, relPath: "big.txt", size: 10}

	fh, _, errno := node.Open(context.Background(), 0)
	if errno != 0 {
		t.Fatalf("Open() errno = %v", errno)
	}
	if fh == nil {
		t.Fatal("Open() returned a nil handle")
	}

	deadline := time.After(2 * time.Second)
	for !fsys.cacheMgr.IsCached("big.txt") {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for opportunistic promotion to complete")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestFileNode_Open_SkipsPromotionBelowMinSize(t *testing.T) {
	t.Parallel()

	fsys, backendRoot := newTestFileSystem(t, 1024)
	writeBackendFile(t, backendRoot, "small.txt", "hi")

	node := &FileNode{fsys: fsys, relPath: "small.txt", size: 2}

	if _, _, errno := node.Open(context.Background(), 0); errno != 0 {
		t.Fatalf("Open() errno = %v", errno)
	}

	time.Sleep(50 * time.Millisecond)
	if fsys.cacheMgr.IsCached("small.txt") || fsys.cacheMgr.IsCaching("small.txt") {
		t.Error("expected a file below the minimum size to never be promoted")
	}
}

func TestFileNode_Open_IncrementsAndReleaseDecrementsHandleGauge(t *testing.T) {
	t.Parallel()

	fsys, backendRoot := newTestFileSystem(t, 0)
	writeBackendFile(t, backendRoot, "f.txt", "data")

	gauge := &fakeGauge{}
	fsys.WithMetricsGauge(gauge)

	node := &FileNode{fsys: fsys, relPath: "f.txt", size: 4}
	fh, _, errno := node.Open(context.Background(), 0)
	if errno != 0 {
		t.Fatalf("Open() errno = %v", errno)
	}
	if got := gauge.last(); got != 1 {
		t.Errorf("active connections after Open() = %d, want 1", got)
	}

	handle := fh.(*FileHandle)
	if errno := handle.Release(context.Background()); errno != 0 {
		t.Fatalf("Release() errno = %v", errno)
	}
	if got := gauge.last(); got != 0 {
		t.Errorf("active connections after Release() = %d, want 0", got)
	}
}

func TestFileHandle_Read_PrefersCacheWhenPresent(t *testing.T) {
	t.Parallel()

	fsys, backendRoot := newTestFileSystem(t, 0)
	const content = "cached copy wins"
	writeBackendFile(t, backendRoot, "f.txt", content)

	if err := fsys.cacheMgr.SubmitPromotion(context.Background(), "f.txt", int64(len(content)), cache.PriorityNormal); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(2 * time.Second)
	for !fsys.cacheMgr.IsCached("f.txt") {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for promotion")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Mutate the backend copy after caching so a correct implementation
	// can only be returning the cached bytes, not re-reading the backend.
	writeBackendFile(t, backendRoot, "f.txt", "mutated after caching!!")

	handle := &FileHandle{fsys: fsys, relPath: "f.txt", size: int64(len(content))}
	dest := make([]byte, len(content))
	result, errno := handle.Read(context.Background(), dest, 0)
	if errno != 0 {
		t.Fatalf("Read() errno = %v", errno)
	}
	got, _ := result.Bytes(dest)
	if string(got) != content {
		t.Errorf("Read() = %q, want cached content %q", got, content)
	}
}

func TestFileHandle_Read_FallsBackToBackendOnMiss(t *testing.T) {
	t.Parallel()

	fsys, backendRoot := newTestFileSystem(t, 1<<30) // never auto-promote
	const content = "never cached"
	writeBackendFile(t, backendRoot, "f.txt", content)

	handle := &FileHandle{fsys: fsys, relPath: "f.txt", size: int64(len(content))}
	dest := make([]byte, len(content))
	result, errno := handle.Read(context.Background(), dest, 0)
	if errno != 0 {
		t.Fatalf("Read() errno = %v", errno)
	}
	got, _ := result.Bytes(dest)
	if string(got) != content {
		t.Errorf("Read() = %q, want %q", got, content)
	}

	stats := fsys.GetStats()
	if stats.CacheMisses == 0 {
		t.Error("expected a backend-served read to be recorded as a cache miss")
	}
}

func TestFileHandle_Read_RecordsDetailedMetrics(t *testing.T) {
	t.Parallel()

	fsys, backendRoot := newTestFileSystem(t, 1<<30) // never auto-promote
	const content = "detailed metrics content"
	writeBackendFile(t, backendRoot, "f.txt", content)

	handle := &FileHandle{fsys: fsys, relPath: "f.txt", size: int64(len(content))}
	dest := make([]byte, len(content))
	if _, errno := handle.Read(context.Background(), dest, 0); errno != 0 {
		t.Fatalf("Read() errno = %v", errno)
	}

	om := fsys.DetailedMetrics().GetOperationMetrics(metrics.OpRead)
	if om == nil {
		t.Fatal("expected detailed metrics to record a read operation")
	}
	if om.Count != 1 {
		t.Errorf("Count = %d, want 1", om.Count)
	}
	if om.BytesProcessed != int64(len(content)) {
		t.Errorf("BytesProcessed = %d, want %d", om.BytesProcessed, len(content))
	}
	if om.CacheMisses != 1 {
		t.Errorf("CacheMisses = %d, want 1 (served from backend)", om.CacheMisses)
	}
}

func TestFileNode_IsPromotionCandidate_RejectsAboveCeilingTenth(t *testing.T) {
	t.Parallel()

	backendRoot := t.TempDir()
	cacheRoot := t.TempDir()
	cacheMgr := cache.NewManager(cache.Options{
		BackendRoot:             backendRoot,
		CacheRoot:               cacheRoot,
		CeilingBytes:            1000,
		MaxConcurrentPromotions: 2,
	}, nil, nil)
	t.Cleanup(cacheMgr.Shutdown)

	breaker := circuit.NewCircuitBreaker("test-backend-stat", circuit.Config{MaxRequests: 1, Timeout: time.Second})
	fsys := NewFileSystem(backendRoot, cacheMgr, breaker, nil, &Config{MinFileSizeBytes: 10})
	t.Cleanup(fsys.Shutdown)

	tooBig := &FileNode{fsys: fsys, relPath: "big.bin", size: 200} // > ceiling/10 = 100
	if tooBig.isPromotionCandidate() {
		t.Error("expected a file larger than ceiling/10 to be rejected as a promotion candidate")
	}

	justRight := &FileNode{fsys: fsys, relPath: "ok.bin", size: 100}
	if !justRight.isPromotionCandidate() {
		t.Error("expected a file at exactly ceiling/10 to be accepted as a promotion candidate")
	}

	tooSmall := &FileNode{fsys: fsys, relPath: "small.bin", size: 5}
	if tooSmall.isPromotionCandidate() {
		t.Error("expected a file below the minimum size to be rejected as a promotion candidate")
	}
}

type fakeGauge struct {
	count int
}

func (g *fakeGauge) UpdateActiveConnections(count int) {
	g.count = count
}

func (g *fakeGauge) last() int {
	return g.count
}
