package fuse

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/dionren/nfs-cachefs/internal/cache"
	"github.com/dionren/nfs-cachefs/internal/circuit"
	"github.com/dionren/nfs-cachefs/internal/metrics"
	"github.com/dionren/nfs-cachefs/pkg/retry"
	"github.com/dionren/nfs-cachefs/pkg/utils"
)

// maxDetailedTrackedFiles bounds the per-file breakdown detailed kept
// alongside the aggregate Stats, so a mount serving an unbounded number
// of distinct paths can't grow that map without limit.
const maxDetailedTrackedFiles = 4096

// connectionGauge is the subset of *metrics.Collector the filesystem
// calls into to report its open-handle count; optional, since tests
// build a FileSystem without a metrics server running.
type connectionGauge interface {
	UpdateActiveConnections(count int)
}

// safeInt64ToUint64 safely converts int64 to uint64, preventing negative values
func safeInt64ToUint64(i int64) uint64 {
	if i < 0 {
		return 0
	}
	return uint64(i)
}

// safeIntToUint32 safely converts int to uint32, preventing overflow
func safeIntToUint32(i int) uint32 {
	if i < 0 {
		return 0
	}
	if i > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(i)
}

// FileSystem is a read-only pass-through view of backendRoot: every
// Lookup/Readdir/Getattr is served straight from the NFS mount (through
// a circuit breaker), while Open/Read serve cached files directly and
// fall through to the backend, opportunistically promoting, otherwise.
type FileSystem struct {
	fs.Inode

	backendRoot string
	cacheMgr    *cache.Manager
	breaker     *circuit.CircuitBreaker
	retryer     *retry.Retryer
	log         *utils.StructuredLogger

	config *Config

	minFileSizeBytes int64

	stats       *Stats
	openHandles atomic.Int64
	conns       connectionGauge

	readAhead *ReadAheadManager
	detailed  *metrics.DetailedPerformanceMetrics
}

// Config represents FUSE filesystem configuration
type Config struct {
	// Mount options
	MountPoint string `yaml:"mount_point"`
	ReadOnly   bool   `yaml:"read_only"`
	AllowOther bool   `yaml:"allow_other"`

	// FUSE options
	DirectIO  bool   `yaml:"direct_io"`
	KeepCache bool   `yaml:"keep_cache"`
	MaxRead   uint32 `yaml:"max_read"`
	MaxWrite  uint32 `yaml:"max_write"`

	// Filesystem behavior
	DefaultUID  uint32 `yaml:"default_uid"`
	DefaultGID  uint32 `yaml:"default_gid"`
	DefaultMode uint32 `yaml:"default_mode"`

	// MinFileSizeBytes is the smallest file the manager will bother
	// promoting; smaller reads are cheap enough straight off the
	// backend that caching them isn't worth the copy.
	MinFileSizeBytes int64 `yaml:"min_file_size_bytes"`

	// Performance settings
	ReadAhead   uint32 `yaml:"read_ahead"`
	Concurrency int    `yaml:"concurrency"`
}

// Stats tracks filesystem operation statistics
type Stats struct {
	mu sync.RWMutex

	Lookups int64 `json:"lookups"`
	Opens   int64 `json:"opens"`
	Reads   int64 `json:"reads"`

	BytesRead int64 `json:"bytes_read"`

	CacheHits   int64 `json:"cache_hits"`
	CacheMisses int64 `json:"cache_misses"`

	Errors int64 `json:"errors"`

	AvgReadTime   time.Duration `json:"avg_read_time"`
	AvgLookupTime time.Duration `json:"avg_lookup_time"`
}

// NewFileSystem builds a FileSystem that serves reads out of cacheMgr,
// falling back to backendRoot and a circuit breaker around the
// underlying NFS stat/readdir calls.
func NewFileSystem(backendRoot string, cacheMgr *cache.Manager, breaker *circuit.CircuitBreaker, log *utils.StructuredLogger, config *Config) *FileSystem {
	if config == nil {
		config = &Config{
			DefaultUID:  1000,
			DefaultGID:  1000,
			DefaultMode: 0644,
			ReadAhead:   128 * 1024,
			Concurrency: 16,
		}
	}
	if log == nil {
		log, _ = utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
	}

	filesystem := &FileSystem{
		backendRoot:      backendRoot,
		cacheMgr:         cacheMgr,
		breaker:          breaker,
		retryer:          retry.New(retry.DefaultConfig()),
		log:              log.WithComponent("fuse"),
		config:           config,
		minFileSizeBytes: config.MinFileSizeBytes,
		stats:            &Stats{},
		detailed:         metrics.NewDetailedPerformanceMetrics(maxDetailedTrackedFiles, true),
	}

	filesystem.readAhead = NewReadAheadManager(filesystem, nil)

	return filesystem
}

// WithMetricsGauge wires an active-connections gauge into the
// filesystem; a nil collector (the default) simply disables the call.
func (fsys *FileSystem) WithMetricsGauge(g connectionGauge) *FileSystem {
	fsys.conns = g
	return fsys
}

// Root returns the root inode
func (fsys *FileSystem) Root() fs.InodeEmbedder {
	return &DirectoryNode{fsys: fsys, relPath: ""}
}

// GetStats returns current filesystem statistics
func (fsys *FileSystem) GetStats() *Stats {
	fsys.stats.mu.RLock()
	defer fsys.stats.mu.RUnlock()

	return &Stats{
		Lookups:     fsys.stats.Lookups,
		Opens:       fsys.stats.Opens,
		Reads:       fsys.stats.Reads,
		BytesRead:   fsys.stats.BytesRead,
		CacheHits:   fsys.stats.CacheHits,
		CacheMisses: fsys.stats.CacheMisses,
		Errors:      fsys.stats.Errors,
	}
}

// Shutdown stops the filesystem's background workers.
func (fsys *FileSystem) Shutdown() {
	fsys.readAhead.Stop()
}

// DetailedMetrics returns the per-operation, per-file latency and
// cache-source breakdown recorded alongside the coarse Stats counters.
func (fsys *FileSystem) DetailedMetrics() *metrics.DetailedPerformanceMetrics {
	return fsys.detailed
}

// statBackend stats a backend-relative path through the circuit
// breaker and retryer, so a string of failed NFS round-trips trips the
// breaker instead of piling up blocked lookups.
func (fsys *FileSystem) statBackend(ctx context.Context, relPath string) (os.FileInfo, error) {
	var info os.FileInfo
	err := fsys.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		return fsys.retryer.DoWithContext(ctx, func(ctx context.Context) error {
			i, statErr := os.Stat(filepath.Join(fsys.backendRoot, relPath))
			if statErr != nil {
				return statErr
			}
			info = i
			return nil
		})
	})
	return info, err
}

func (fsys *FileSystem) recordLookupTime(d time.Duration) {
	fsys.stats.mu.Lock()
	defer fsys.stats.mu.Unlock()
	fsys.stats.AvgLookupTime = emaDuration(fsys.stats.AvgLookupTime, d, fsys.stats.Lookups)
}

func (fsys *FileSystem) recordReadTime(d time.Duration) {
	fsys.stats.mu.Lock()
	defer fsys.stats.mu.Unlock()
	fsys.stats.AvgReadTime = emaDuration(fsys.stats.AvgReadTime, d, fsys.stats.Reads)
}

// emaDuration folds d into a 10-sample exponential moving average of
// prev, seeding the average on the first sample.
func emaDuration(prev, d time.Duration, count int64) time.Duration {
	if count <= 1 {
		return d
	}
	return time.Duration((int64(prev)*9 + int64(d)) / 10)
}

// DirectoryNode represents a directory rooted at relPath under the
// backend.
type DirectoryNode struct {
	fs.Inode
	fsys    *FileSystem
	relPath string
}

func (n *DirectoryNode) joinPath(name string) string {
	if n.relPath == "" {
		return name
	}
	return filepath.Join(n.relPath, name)
}

// Lookup resolves a child by name against the backend, through the
// circuit breaker, and builds the appropriate file or directory inode.
func (n *DirectoryNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	start := time.Now()
	defer func() { n.fsys.recordLookupTime(time.Since(start)) }()

	n.fsys.stats.mu.Lock()
	n.fsys.stats.Lookups++
	n.fsys.stats.mu.Unlock()

	childRel := n.joinPath(name)
	info, err := n.fsys.statBackend(ctx, childRel)
	if err != nil {
		n.fsys.stats.mu.Lock()
		n.fsys.stats.Errors++
		n.fsys.stats.mu.Unlock()
		if os.IsNotExist(err) {
			return nil, syscall.ENOENT
		}
		return nil, syscall.EIO
	}

	fillAttr(&out.Attr, info, n.fsys.config)

	if info.IsDir() {
		return n.NewInode(ctx, &DirectoryNode{fsys: n.fsys, relPath: childRel}, fs.StableAttr{Mode: fuse.S_IFDIR}), 0
	}

	return n.NewInode(ctx, &FileNode{fsys: n.fsys, relPath: childRel, size: info.Size(), modTime: info.ModTime()}, fs.StableAttr{Mode: fuse.S_IFREG}), 0
}

// Readdir lists a directory straight off the backend.
func (n *DirectoryNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	dirPath := filepath.Join(n.fsys.backendRoot, n.relPath)

	var entries []os.DirEntry
	err := n.fsys.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		return n.fsys.retryer.DoWithContext(ctx, func(ctx context.Context) error {
			des, readErr := os.ReadDir(dirPath)
			if readErr != nil {
				return readErr
			}
			entries = des
			return nil
		})
	})
	if err != nil {
		n.fsys.stats.mu.Lock()
		n.fsys.stats.Errors++
		n.fsys.stats.mu.Unlock()
		n.fsys.log.Warn("readdir failed", map[string]interface{}{"path": n.relPath, "error": err.Error()})
		return nil, syscall.EIO
	}

	out := make([]fuse.DirEntry, 0, len(entries))
	for _, de := range entries {
		mode := fuse.S_IFREG
		if de.IsDir() {
			mode = fuse.S_IFDIR
		}
		out = append(out, fuse.DirEntry{Name: de.Name(), Mode: uint32(mode)})
	}

	return fs.NewListDirStream(out), 0
}

// Getattr reports the directory's attributes from the backend.
func (n *DirectoryNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	info, err := n.fsys.statBackend(ctx, n.relPath)
	if err != nil {
		if os.IsNotExist(err) {
			return syscall.ENOENT
		}
		return syscall.EIO
	}
	fillAttr(&out.Attr, info, n.fsys.config)
	return 0
}

// fillAttr translates a backend os.FileInfo into a FUSE attr record,
// using the filesystem's configured uid/gid since the NFS mount's own
// ownership bits aren't necessarily meaningful to the caller.
func fillAttr(attr *fuse.Attr, info os.FileInfo, cfg *Config) {
	attr.Mode = cfg.DefaultMode
	if info.IsDir() {
		attr.Mode |= syscall.S_IFDIR
	} else {
		attr.Mode |= syscall.S_IFREG
	}
	attr.Size = safeInt64ToUint64(info.Size())
	attr.Uid = cfg.DefaultUID
	attr.Gid = cfg.DefaultGID

	mtime := safeInt64ToUint64(info.ModTime().Unix())
	attr.Mtime = mtime
	attr.Atime = mtime
	attr.Ctime = mtime
}

// FileNode represents a regular file backed by a path under the NFS
// backend, which may or may not currently have a cached copy.
type FileNode struct {
	fs.Inode
	fsys    *FileSystem
	relPath string
	size    int64
	modTime time.Time
}

// Getattr reports the file's attributes from the backend size and
// modification time captured when the node was looked up; the cached
// copy, if any, is not consulted.
func (f *FileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = f.fsys.config.DefaultMode | syscall.S_IFREG
	out.Size = safeInt64ToUint64(f.size)
	out.Uid = f.fsys.config.DefaultUID
	out.Gid = f.fsys.config.DefaultGID

	mtime := safeInt64ToUint64(f.modTime.Unix())
	out.Mtime = mtime
	out.Atime = mtime
	out.Ctime = mtime
	return 0
}

// isPromotionCandidate answers the cache's promotion-candidate gate:
// a file is worth caching only if it clears the configured minimum
// size and does not, by itself, exceed a tenth of the cache's total
// ceiling — past that point a single promotion could force eviction
// of the entire cache just to make room for one file. A ceiling of
// zero (unlimited) disables the upper bound.
func (f *FileNode) isPromotionCandidate() bool {
	if f.size < f.fsys.minFileSizeBytes {
		return false
	}
	if ceiling := f.fsys.cacheMgr.CeilingBytes(); ceiling > 0 && f.size > ceiling/10 {
		return false
	}
	return true
}

// Open decides whether reads for this file will be served from the
// local cache or passed straight through to the backend, and submits
// an opportunistic promotion for anything large enough to be worth
// caching and not already in flight.
func (f *FileNode) Open(ctx context.Context, flags uint32) (fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	start := time.Now()
	defer func() {
		source := metrics.CacheSourceBackend
		if f.fsys.cacheMgr.IsCached(f.relPath) {
			source = metrics.CacheSourceL1
		}
		var openErr error
		if errno != 0 {
			openErr = errno
		}
		f.fsys.detailed.RecordOperation(metrics.OpOpen, f.relPath, time.Since(start), 0, source, openErr)
	}()

	f.fsys.stats.mu.Lock()
	f.fsys.stats.Opens++
	f.fsys.stats.mu.Unlock()

	if f.fsys.config.ReadOnly && (flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0) {
		return nil, 0, syscall.EROFS
	}

	f.fsys.cacheMgr.RecordAccess(f.relPath)

	if !f.fsys.cacheMgr.IsCached(f.relPath) && !f.fsys.cacheMgr.IsCaching(f.relPath) &&
		f.isPromotionCandidate() {
		if err := f.fsys.cacheMgr.SubmitPromotion(ctx, f.relPath, f.size, cache.PriorityNormal); err != nil {
			f.fsys.log.Warn("promotion submission failed", map[string]interface{}{"path": f.relPath, "error": err.Error()})
		}
	}

	f.fsys.openHandles.Add(1)
	if f.fsys.conns != nil {
		f.fsys.conns.UpdateActiveConnections(int(f.fsys.openHandles.Load()))
	}

	return &FileHandle{fsys: f.fsys, relPath: f.relPath, size: f.size}, fuse.FOPEN_KEEP_CACHE, 0
}

// FileHandle represents an open file handle: reads are served from the
// cache when a complete copy exists, and straight from the backend
// otherwise.
type FileHandle struct {
	fsys    *FileSystem
	relPath string
	size    int64
}

// Read serves dest from the cached copy if one is complete, otherwise
// opens the backend file directly for this read and records the
// access pattern for the read-ahead manager.
func (fh *FileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	start := time.Now()
	defer func() { fh.fsys.recordReadTime(time.Since(start)) }()

	fh.fsys.stats.mu.Lock()
	fh.fsys.stats.Reads++
	fh.fsys.stats.mu.Unlock()

	if fh.fsys.cacheMgr.IsCached(fh.relPath) {
		data, err := fh.readFrom(fh.fsys.cacheMgr.CachePath(fh.relPath), dest, off)
		if err == nil {
			fh.fsys.cacheMgr.RecordHit(fh.relPath, int64(len(data)))
			fh.fsys.stats.mu.Lock()
			fh.fsys.stats.CacheHits++
			fh.fsys.stats.BytesRead += int64(len(data))
			fh.fsys.stats.mu.Unlock()
			fh.fsys.detailed.RecordOperation(metrics.OpRead, fh.relPath, time.Since(start), int64(len(data)), metrics.CacheSourceL1, nil)
			return fuse.ReadResultData(data), 0
		}
		// Cached file vanished or is unreadable: fall through to the
		// backend rather than failing the read outright.
		fh.fsys.log.Warn("cache read failed, falling back to backend", map[string]interface{}{"path": fh.relPath, "error": err.Error()})
	}

	data, err := fh.readFrom(filepath.Join(fh.fsys.backendRoot, fh.relPath), dest, off)
	if err != nil {
		fh.fsys.stats.mu.Lock()
		fh.fsys.stats.Errors++
		fh.fsys.stats.mu.Unlock()
		fh.fsys.log.Error("backend read failed", map[string]interface{}{"path": fh.relPath, "offset": off, "error": err.Error()})
		fh.fsys.detailed.RecordOperation(metrics.OpRead, fh.relPath, time.Since(start), 0, metrics.CacheSourceBackend, err)
		return nil, syscall.EIO
	}

	fh.fsys.cacheMgr.RecordMiss(fh.relPath, int64(len(data)))
	fh.fsys.stats.mu.Lock()
	fh.fsys.stats.CacheMisses++
	fh.fsys.stats.BytesRead += int64(len(data))
	fh.fsys.stats.mu.Unlock()

	fh.fsys.readAhead.OnRead(fh.relPath, fh.size, off, int64(len(data)))
	fh.fsys.detailed.RecordOperation(metrics.OpRead, fh.relPath, time.Since(start), int64(len(data)), metrics.CacheSourceBackend, nil)

	return fuse.ReadResultData(data), 0
}

func (fh *FileHandle) readFrom(path string, dest []byte, off int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	n, err := f.ReadAt(dest, off)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return dest[:n], nil
}

// Release decrements the open-handle gauge; there is nothing buffered
// on a read-only handle to flush.
func (fh *FileHandle) Release(ctx context.Context) syscall.Errno {
	fh.fsys.openHandles.Add(-1)
	if fh.fsys.conns != nil {
		fh.fsys.conns.UpdateActiveConnections(int(fh.fsys.openHandles.Load()))
	}
	return 0
}
