package fuse

import (
	"context"
	"sync"
	"time"

	"github.com/dionren/nfs-cachefs/internal/cache"
)

// ReadAheadManager watches per-file access patterns and submits a
// high-priority promotion for a file that looks like it is being read
// sequentially and is neither cached nor being cached. A promotion
// already in flight keeps its priority, and the manager dispatches
// tasks in submission order, so priority does not move a task ahead
// of earlier ones.
type ReadAheadManager struct {
	mu          sync.RWMutex
	activeReads map[string]*ReadPattern
	fsys        *FileSystem
	config      *ReadAheadConfig
	stopCh      chan struct{}
}

// ReadAheadConfig configures read-ahead pattern detection.
type ReadAheadConfig struct {
	Enabled       bool          `yaml:"enabled"`
	MinSequential int           `yaml:"min_sequential"` // Sequential reads needed to trigger a high-priority promotion
	TTL           time.Duration `yaml:"ttl"`             // Pattern TTL
}

// ReadPattern tracks one file's recent read offsets for sequential
// access detection
type ReadPattern struct {
	path           string
	lastOffset     int64
	lastSize       int64
	sequentialHits int
	lastAccess     time.Time
}

// NewReadAheadManager creates a new read-ahead manager
func NewReadAheadManager(fsys *FileSystem, config *ReadAheadConfig) *ReadAheadManager {
	if config == nil {
		config = &ReadAheadConfig{
			Enabled:       true,
			MinSequential: 3,
			TTL:           5 * time.Minute,
		}
	}

	ram := &ReadAheadManager{
		activeReads: make(map[string]*ReadPattern),
		fsys:        fsys,
		config:      config,
		stopCh:      make(chan struct{}),
	}

	go ram.cleanupWorker()

	return ram
}

// OnRead records a read operation and, once a sequential pattern is
// established, submits a high-priority promotion unless the path is
// already cached or being cached.
func (ram *ReadAheadManager) OnRead(path string, fileSize, offset, size int64) {
	if !ram.config.Enabled {
		return
	}

	ram.mu.Lock()
	pattern, exists := ram.activeReads[path]
	if !exists {
		pattern = &ReadPattern{path: path}
		ram.activeReads[path] = pattern
	}

	if offset == pattern.lastOffset+pattern.lastSize {
		pattern.sequentialHits++
	} else {
		pattern.sequentialHits = 0
	}
	pattern.lastOffset = offset
	pattern.lastSize = size
	pattern.lastAccess = time.Now()
	sequential := pattern.sequentialHits >= ram.config.MinSequential
	ram.mu.Unlock()

	if !sequential {
		return
	}

	if ram.fsys.cacheMgr.IsCached(path) || ram.fsys.cacheMgr.IsCaching(path) {
		return
	}
	if err := ram.fsys.cacheMgr.SubmitPromotion(context.Background(), path, fileSize, cache.PriorityHigh); err != nil {
		ram.fsys.log.Warn("read-ahead promotion failed", map[string]interface{}{"path": path, "error": err.Error()})
	}
}

// cleanupWorker removes expired patterns
func (ram *ReadAheadManager) cleanupWorker() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ram.cleanup()
		case <-ram.stopCh:
			return
		}
	}
}

func (ram *ReadAheadManager) cleanup() {
	ram.mu.Lock()
	defer ram.mu.Unlock()

	now := time.Now()
	for path, pattern := range ram.activeReads {
		if now.Sub(pattern.lastAccess) > ram.config.TTL {
			delete(ram.activeReads, path)
		}
	}
}

// Stop stops the read-ahead manager
func (ram *ReadAheadManager) Stop() {
	close(ram.stopCh)
}
