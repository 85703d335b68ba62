package fuse

import (
	"context"
	"testing"
	"time"

	"github.com/dionren/nfs-cachefs/internal/cache"
)

func TestReadAheadManager_EscalatesAfterSequentialReads(t *testing.T) {
	t.Parallel()

	fsys, backendRoot := newTestFileSystem(t, 1<<30) // high enough that Open() never auto-promotes
	const content = "0123456789abcdef"
	writeBackendFile(t, backendRoot, "stream.txt", content)

	ram := NewReadAheadManager(fsys, &ReadAheadConfig{Enabled: true, MinSequential: 3, TTL: time.Minute})
	t.Cleanup(ram.Stop)

	chunk := int64(4)
	for i := 0; i < 3; i++ {
		ram.OnRead("stream.txt", int64(len(content)), int64(i)*chunk, chunk)
	}

	deadline := time.After(2 * time.Second)
	for !fsys.cacheMgr.IsCached("stream.txt") {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for read-ahead to escalate and complete a promotion")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestReadAheadManager_DoesNotEscalateOnRandomAccess(t *testing.T) {
	t.Parallel()

	fsys, backendRoot := newTestFileSystem(t, 1<<30)
	const content = "0123456789abcdef"
	writeBackendFile(t, backendRoot, "random.txt", content)

	ram := NewReadAheadManager(fsys, &ReadAheadConfig{Enabled: true, MinSequential: 3, TTL: time.Minute})
	t.Cleanup(ram.Stop)

	// Jump around rather than reading contiguous offsets; sequentialHits
	// should keep resetting to zero instead of accumulating.
	ram.OnRead("random.txt", int64(len(content)), 0, 4)
	ram.OnRead("random.txt", int64(len(content)), 12, 4)
	ram.OnRead("random.txt", int64(len(content)), 4, 4)

	time.Sleep(50 * time.Millisecond)
	if fsys.cacheMgr.IsCached("random.txt") || fsys.cacheMgr.IsCaching("random.txt") {
		t.Error("expected random-access reads to never escalate to a promotion")
	}
}

func TestReadAheadManager_Disabled_NeverEscalates(t *testing.T) {
	t.Parallel()

	fsys, backendRoot := newTestFileSystem(t, 1<<30)
	const content = "0123456789abcdef"
	writeBackendFile(t, backendRoot, "f.txt", content)

	ram := NewReadAheadManager(fsys, &ReadAheadConfig{Enabled: false, MinSequential: 1, TTL: time.Minute})
	t.Cleanup(ram.Stop)

	ram.OnRead("f.txt", int64(len(content)), 0, 4)
	ram.OnRead("f.txt", int64(len(content)), 4, 4)
	ram.OnRead("f.txt", int64(len(content)), 8, 4)

	time.Sleep(50 * time.Millisecond)
	if fsys.cacheMgr.IsCached("f.txt") || fsys.cacheMgr.IsCaching("f.txt") {
		t.Error("expected a disabled read-ahead manager to never submit a promotion")
	}
}

func TestReadAheadManager_SkipsAlreadyCaching(t *testing.T) {
	t.Parallel()

	fsys, backendRoot := newTestFileSystem(t, 4)
	const content = "0123456789abcdef"
	writeBackendFile(t, backendRoot, "f.txt", content)

	// Submit the promotion directly first so the manager observes the
	// file as already caching/cached and takes the early-return path.
	if err := fsys.cacheMgr.SubmitPromotion(context.Background(), "f.txt", int64(len(content)), cache.PriorityNormal); err != nil {
		t.Fatal(err)
	}

	ram := NewReadAheadManager(fsys, &ReadAheadConfig{Enabled: true, MinSequential: 1, TTL: time.Minute})
	t.Cleanup(ram.Stop)

	// Should not panic or error even though a promotion is already in flight.
	ram.OnRead("f.txt", int64(len(content)), 0, 4)

	deadline := time.After(2 * time.Second)
	for !fsys.cacheMgr.IsCached("f.txt") {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the already-submitted promotion to complete")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
