package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dionren/nfs-cachefs/internal/buffer"
	"github.com/dionren/nfs-cachefs/internal/iobackend"
	cerrors "github.com/dionren/nfs-cachefs/pkg/errors"
	"github.com/dionren/nfs-cachefs/pkg/utils"
)

// zeroCopyMinSize is the size above which the manager prefers the
// splice-based zero-copy path over a buffered chunked copy.
const zeroCopyMinSize = 10 << 20 // 10MiB

// smallFileThreshold and mediumFileThreshold select the copy buffer
// size: a single-shot read below smallFileThreshold, a 2MiB chunk
// below mediumFileThreshold, and the configured block size above it.
const (
	smallFileThreshold  = 1 << 20  // 1MiB
	mediumFileThreshold = 64 << 20 // 64MiB
	mediumChunkSize     = 2 << 20  // 2MiB
)

// Stats mirrors types.CacheStats but is built from the manager's live
// entry table rather than deserialized from it.
type Stats struct {
	EntryCount    int64
	CachedBytes   int64
	CapacityBytes int64
	Hits          uint64
	Misses        uint64
	Evictions     uint64
}

// MetricsSink is the subset of the metrics collector the manager calls
// into; satisfied by *metrics.Collector.
type MetricsSink interface {
	RecordOperation(operation string, duration time.Duration, size int64, success bool)
	RecordCacheHit(key string, size int64)
	RecordCacheMiss(key string, size int64)
	RecordError(operation string, err error)
	UpdateCacheSize(level string, size int64)
}

// Manager is the promotion-based local cache: it tracks one Entry per
// backend-relative path, dispatches promotion Tasks to a bounded pool
// of copy workers, and evicts cached files to stay under the
// configured ceiling.
type Manager struct {
	backendRoot string
	cacheRoot   string

	ceilingBytes   int64
	blockSize      int
	checksumsOn    bool
	maxConcurrency int
	retryCeiling   int
	zeroCopyOn     bool
	ttl            time.Duration

	entries  *ShardMap
	policy   EvictionPolicy
	permit   *Permit
	metrics  MetricsSink
	log      *utils.StructuredLogger
	bufPool  *buffer.BytePool
	zcPool   *iobackend.BufferPool

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64

	taskCh   chan *Task
	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
}

// Options configures a Manager at construction.
type Options struct {
	BackendRoot             string
	CacheRoot               string
	CeilingBytes            int64
	BlockSizeBytes          int
	ChecksumsOn             bool
	MaxConcurrentPromotions int
	RetryCeiling            int
	EvictionPolicy          string
	ZeroCopyOn              bool
	// TTLSeconds is how long a cached entry may sit before
	// CleanupExpired's periodic sweep removes it. Zero disables the
	// sweep entirely.
	TTLSeconds int64
	// CleanupInterval is how often the sweep runs. Defaults to 5
	// minutes when unset and TTLSeconds is nonzero.
	CleanupInterval time.Duration
}

// NewManager builds a Manager and starts its background task
// processor. Callers must call Shutdown to stop it.
func NewManager(opts Options, metrics MetricsSink, log *utils.StructuredLogger) *Manager {
	if opts.MaxConcurrentPromotions <= 0 {
		opts.MaxConcurrentPromotions = 8
	}
	if opts.BlockSizeBytes <= 0 {
		opts.BlockSizeBytes = 4 << 20
	}
	if opts.RetryCeiling <= 0 {
		opts.RetryCeiling = 3
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 5 * time.Minute
	}
	if log == nil {
		log, _ = utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
	}

	m := &Manager{
		backendRoot:    opts.BackendRoot,
		cacheRoot:      opts.CacheRoot,
		ceilingBytes:   opts.CeilingBytes,
		blockSize:      opts.BlockSizeBytes,
		checksumsOn:    opts.ChecksumsOn,
		maxConcurrency: opts.MaxConcurrentPromotions,
		retryCeiling:   opts.RetryCeiling,
		zeroCopyOn:     opts.ZeroCopyOn && iobackend.ZeroCopyAvailable(),
		ttl:            time.Duration(opts.TTLSeconds) * time.Second,
		entries:        NewShardMap(),
		policy:         NewEvictionPolicy(opts.EvictionPolicy, opts.MaxConcurrentPromotions*64),
		permit:         NewPermit(opts.MaxConcurrentPromotions),
		metrics:        metrics,
		log:            log.WithComponent("cache_manager"),
		bufPool:        buffer.NewBytePool(),
		taskCh:         make(chan *Task, 4096),
		shutdown:       make(chan struct{}),
	}

	if m.zeroCopyOn {
		poolSize := opts.MaxConcurrentPromotions
		if poolSize > iobackend.MaxPoolBuffers {
			poolSize = iobackend.MaxPoolBuffers
		}
		if pool, err := iobackend.NewBufferPool(poolSize, iobackend.DefaultBufferSize, false); err == nil {
			m.zcPool = pool
		} else {
			m.log.Warn("zero-copy buffer pool unavailable, splice pipes will use the kernel default size", map[string]interface{}{"error": err.Error()})
		}
	}

	m.wg.Add(1)
	go m.processTasks()

	if m.ttl > 0 {
		m.wg.Add(1)
		go m.sweepExpired(opts.CleanupInterval)
	}

	return m
}

// CeilingBytes returns the configured cache-size ceiling in bytes, or
// 0 if unlimited. Used by the adapter's promotion-candidate gate to
// reject files too large to ever fit.
func (m *Manager) CeilingBytes() int64 {
	return m.ceilingBytes
}

// CachePath returns the on-disk cache location for a backend-relative
// path, without regard to whether anything has been promoted there.
func (m *Manager) CachePath(backendRelPath string) string {
	return filepath.Join(m.cacheRoot, backendRelPath)
}

// IsCached reports whether backendRelPath has a complete, verified
// copy sitting in the cache.
func (m *Manager) IsCached(backendRelPath string) bool {
	e, ok := m.entries.Get(backendRelPath)
	return ok && e.IsCached()
}

// IsCaching reports whether a promotion for backendRelPath is
// currently in flight.
func (m *Manager) IsCaching(backendRelPath string) bool {
	e, ok := m.entries.Get(backendRelPath)
	return ok && e.IsCaching()
}

// RecordAccess bumps the access counters the eviction policies and LRU
// score use, for every read regardless of whether it was served from
// cache.
func (m *Manager) RecordAccess(backendRelPath string) {
	if e, ok := m.entries.Get(backendRelPath); ok {
		e.MarkAccessed()
		m.policy.OnAccess(backendRelPath)
	}
}

// Protect pins backendRelPath against eviction until Unprotect is
// called, regardless of its LRU score.
func (m *Manager) Protect(path string)   { m.policy.Protect(path) }
func (m *Manager) Unprotect(path string) { m.policy.Unprotect(path) }

// RecordHit and RecordMiss update the manager's served-from-cache
// counters; the FUSE read path calls one or the other once it knows
// whether a read was satisfied locally or fell through to the backend.
func (m *Manager) RecordHit(path string, size int64) {
	m.hits.Add(1)
	if m.metrics != nil {
		m.metrics.RecordCacheHit(path, size)
	}
}

func (m *Manager) RecordMiss(path string, size int64) {
	m.misses.Add(1)
	if m.metrics != nil {
		m.metrics.RecordCacheMiss(path, size)
	}
}

// SubmitPromotion enqueues backendRelPath for caching at the given
// size and priority. It is a no-op if the path is already cached or
// already being cached, and returns a send-failure error if the
// dispatcher has shut down.
func (m *Manager) SubmitPromotion(ctx context.Context, backendRelPath string, size int64, priority Priority) error {
	existing, created := m.entries.GetOrCreate(backendRelPath, func() *Entry {
		e := NewEntry(backendRelPath, size).WithPriority(priority)
		// Mark it caching immediately, before ensureSpace runs, so it
		// can never be selected as its own eviction victim.
		e.StartCaching(size)
		return e
	})
	if !created {
		switch existing.statusSnapshot() {
		case StatusCached, StatusCaching:
			return nil
		}
		// Failed or not-cached: fall through and retry.
	}

	if err := m.ensureSpace(ctx, size); err != nil {
		if created {
			m.entries.Delete(backendRelPath)
		}
		return err
	}

	if !existing.IsCaching() {
		existing.StartCaching(size)
	}
	m.policy.OnInsert(backendRelPath)

	task := NewTask(backendRelPath, m.CachePath(backendRelPath)).
		WithPriority(priority).
		WithFileSize(size).
		WithChecksum(m.checksumsOn).
		WithMaxRetries(m.retryCeiling)

	select {
	case <-m.shutdown:
		m.entries.Delete(backendRelPath)
		return cerrors.New(cerrors.ErrCodeSendFailure, "cache dispatcher shut down")
	default:
	}

	select {
	case m.taskCh <- task:
		return nil
	default:
		// Queue momentarily full: block unless the caller's context
		// is canceled first, mirroring the dispatcher's unbounded
		// channel semantics without letting a slow consumer wedge a
		// caller forever.
		select {
		case m.taskCh <- task:
			return nil
		case <-ctx.Done():
			m.entries.Delete(backendRelPath)
			return ctx.Err()
		case <-m.shutdown:
			m.entries.Delete(backendRelPath)
			return cerrors.New(cerrors.ErrCodeSendFailure, "cache dispatcher shut down")
		}
	}
}

func (e *Entry) statusSnapshot() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.Status
}

// ensureSpace evicts cached files, oldest/coldest first per the
// configured policy, until neededBytes more would fit under the
// ceiling, or returns an insufficient-space error if eviction could
// not free enough even after exhausting eligible candidates.
func (m *Manager) ensureSpace(ctx context.Context, neededBytes int64) error {
	if m.ceilingBytes <= 0 {
		return nil
	}

	current := m.currentSize()
	if current+neededBytes <= m.ceilingBytes {
		return nil
	}

	toFree := current + neededBytes - m.ceilingBytes
	snap := m.entries.Snapshot()
	victims := m.policy.SelectVictims(snap, toFree)

	var freed int64
	for _, path := range victims {
		e, ok := m.entries.Get(path)
		if !ok {
			continue
		}
		if e.IsCaching() {
			continue
		}

		size := e.snapshot().size
		if err := os.Remove(m.CachePath(path)); err != nil && !os.IsNotExist(err) {
			m.log.Warn("evict failed", map[string]interface{}{"path": path, "error": err.Error()})
			continue
		}

		m.entries.Delete(path)
		m.policy.OnRemove(path)
		m.evictions.Add(1)
		freed += size

		if freed >= toFree {
			break
		}
	}

	if freed < toFree && current+neededBytes-freed > m.ceilingBytes {
		return cerrors.InsufficientSpace(uint64(toFree), uint64(freed))
	}
	return nil
}

// sweepExpired periodically invokes CleanupExpired until Shutdown
// closes m.shutdown, mirroring the dispatch loop's own select/shutdown
// pattern.
func (m *Manager) sweepExpired(interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.CleanupExpired()
		case <-m.shutdown:
			return
		}
	}
}

// CleanupExpired removes every cached entry whose cached-at age
// exceeds the configured TTL: the local file is removed first, then
// the entry, then the eviction policy is told the path is gone. An
// entry with a promotion in progress is never a candidate, regardless
// of how old its creation time is. A no-op when no TTL is configured.
func (m *Manager) CleanupExpired() {
	if m.ttl <= 0 {
		return
	}

	var expired []string
	m.entries.Range(func(path string, e *Entry) {
		if e.expiredSince(m.ttl) {
			expired = append(expired, path)
		}
	})

	for _, path := range expired {
		e, ok := m.entries.Get(path)
		if !ok || !e.expiredSince(m.ttl) {
			continue
		}

		size := e.snapshot().size
		if err := os.Remove(m.CachePath(path)); err != nil && !os.IsNotExist(err) {
			m.log.Warn("cleanup-expired: failed to remove cache file", map[string]interface{}{"path": path, "error": err.Error()})
			continue
		}

		m.entries.Delete(path)
		m.policy.OnRemove(path)
		m.evictions.Add(1)
		m.log.Debug("cleanup-expired: removed expired cache entry", map[string]interface{}{"path": path, "size": size})
	}
}

func (m *Manager) currentSize() int64 {
	var total int64
	m.entries.Range(func(_ string, e *Entry) {
		snap := e.snapshot()
		if snap.status == StatusCached {
			total += snap.size
		}
	})
	return total
}

// Stats returns a point-in-time snapshot of cache occupancy and
// outcome counters.
func (m *Manager) Stats() Stats {
	var count int64
	m.entries.Range(func(_ string, e *Entry) {
		if e.snapshot().status == StatusCached {
			count++
		}
	})
	return Stats{
		EntryCount:    count,
		CachedBytes:   m.currentSize(),
		CapacityBytes: m.ceilingBytes,
		Hits:          m.hits.Load(),
		Misses:        m.misses.Load(),
		Evictions:     m.evictions.Load(),
	}
}

// Shutdown stops the task processor and waits for in-flight
// promotions to finish or abandon.
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		close(m.shutdown)
	})
	m.wg.Wait()
}

// processTasks is the background dispatch loop: it pulls tasks off
// the channel, acquires a copy-worker permit, and runs each task on
// its own goroutine so a slow copy never blocks the next task's
// permit acquisition.
func (m *Manager) processTasks() {
	defer m.wg.Done()

	var inFlight sync.WaitGroup
	for {
		select {
		case task := <-m.taskCh:
			if err := m.permit.Acquire(context.Background()); err != nil {
				continue
			}
			inFlight.Add(1)
			go func(t *Task) {
				defer inFlight.Done()
				defer m.permit.Release()
				m.executeTask(t)
			}(task)
		case <-m.shutdown:
			inFlight.Wait()
			return
		}
	}
}

// executeTask runs one promotion attempt loop: copy to a temp file,
// verify its size, atomically rename it into place, and flip the
// entry's status — retrying with exponential backoff on failure up to
// the task's retry ceiling.
func (m *Manager) executeTask(task *Task) {
	start := time.Now()

	for {
		err := m.copyAndVerify(task)
		if err == nil {
			duration := time.Since(start)
			if m.metrics != nil {
				m.metrics.RecordOperation("promotion", duration, task.FileSize, true)
			}
			m.log.Info("promotion complete", map[string]interface{}{
				"path":     task.SourcePath,
				"size":     task.FileSize,
				"duration": duration.String(),
			})
			return
		}

		m.log.Warn("promotion attempt failed", map[string]interface{}{
			"path":    task.SourcePath,
			"attempt": task.RetryCount + 1,
			"error":   err.Error(),
		})

		if !task.CanRetry() {
			if e, ok := m.entries.Get(task.SourcePath); ok {
				e.MarkFailed(err.Error(), task.RetryCount)
			}
			if m.metrics != nil {
				m.metrics.RecordError("promotion", err)
				m.metrics.RecordOperation("promotion", time.Since(start), task.FileSize, false)
			}
			m.log.Error("promotion gave up", map[string]interface{}{
				"path":     task.SourcePath,
				"attempts": task.MaxRetries + 1,
			})
			return
		}

		task.IncrementRetry()
		delay := retryDelay(task.RetryCount)
		select {
		case <-time.After(delay):
		case <-m.shutdown:
			return
		}
	}
}

// retryDelay is the worker's exponential backoff: 1s, 2s, 4s, 8s,
// 16s, capped at 32s from the sixth attempt on.
func retryDelay(retryCount int) time.Duration {
	shift := retryCount
	if shift > 5 {
		shift = 5
	}
	return time.Duration(1000*(1<<uint(shift))) * time.Millisecond
}

// copyAndVerify performs one attempt: copy source into a temp file
// beside the destination, fsync, verify the copied size matches the
// expected size, then atomically rename into place and flip the
// entry's status. The temp file is removed on any failure path.
func (m *Manager) copyAndVerify(task *Task) error {
	tempPath := task.TempPath()

	if err := os.MkdirAll(filepath.Dir(tempPath), 0o755); err != nil {
		return cerrors.IOFailure("mkdir", err)
	}
	defer os.Remove(tempPath) //nolint:errcheck // best-effort cleanup; rename already succeeded by the time this matters

	sourcePath := filepath.Join(m.backendRoot, task.SourcePath)
	checksum, err := m.copyFile(sourcePath, tempPath, task)
	if err != nil {
		return err
	}

	info, err := os.Stat(tempPath)
	if err != nil {
		return cerrors.IOFailure("stat", err)
	}
	if task.HasFileSize && info.Size() != task.FileSize {
		return cerrors.New(cerrors.ErrCodeSizeMismatch, "copied size did not match expected size").
			WithDetail("expected", task.FileSize).
			WithDetail("actual", info.Size())
	}

	if err := os.Rename(tempPath, task.CachePath); err != nil {
		return cerrors.New(cerrors.ErrCodeRenameFailed, err.Error()).WithCause(err)
	}

	e, ok := m.entries.Get(task.SourcePath)
	if !ok {
		return cerrors.InternalInvariant("cache entry disappeared during promotion")
	}
	e.CompleteCaching(info.Size(), checksum)
	return nil
}

// copyFile copies src to dst, preferring the splice-based zero-copy
// path for files at or above zeroCopyMinSize when enabled, and
// falling back to a size-tiered buffered copy (single-shot for small
// files, 2MiB chunks for medium files, the configured block size for
// large files) otherwise or on any zero-copy failure.
func (m *Manager) copyFile(src, dst string, task *Task) (string, error) {
	if m.zeroCopyOn && task.FileSize >= zeroCopyMinSize {
		checksum, err := m.copyFileZeroCopy(src, dst, task)
		if err == nil {
			return checksum, nil
		}
		m.log.Warn("zero-copy transfer failed, falling back to buffered copy", map[string]interface{}{
			"path":  task.SourcePath,
			"error": err.Error(),
		})
	}
	return m.copyFileBuffered(src, dst, task)
}

// copyFileZeroCopy splices src directly into dst through a kernel
// pipe. When checksumming is enabled it makes a second pass over dst
// to hash it, trading away some of the zero-copy benefit for
// integrity verification.
func (m *Manager) copyFileZeroCopy(src, dst string, task *Task) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", cerrors.New(cerrors.ErrCodeSourceUnreach, err.Error()).WithCause(err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", cerrors.IOFailure("create", err)
	}
	defer out.Close()

	var progress *atomic.Uint64
	if e, ok := m.entries.Get(task.SourcePath); ok {
		progress = e.Progress
	}

	pipeSize := 0
	if m.zcPool != nil {
		buf := m.zcPool.Acquire()
		defer m.zcPool.Release(buf)
		pipeSize = len(buf)
	}

	if err := iobackend.CopyFile(out, in, task.FileSize, progress, pipeSize); err != nil {
		return "", err
	}
	if err := out.Sync(); err != nil {
		return "", cerrors.IOFailure("fsync", err)
	}

	if progress != nil {
		progress.Store(uint64(task.FileSize))
	}

	if !task.EnableChecksum {
		return "", nil
	}

	hashFile, err := os.Open(dst)
	if err != nil {
		return "", cerrors.IOFailure("open-for-checksum", err)
	}
	defer hashFile.Close()

	h := sha256.New()
	if _, err := io.Copy(h, hashFile); err != nil {
		return "", cerrors.IOFailure("checksum", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// copyFileBuffered copies src to dst in size-tiered chunks, optionally
// hashing the stream as it goes, and fsyncs dst before returning.
func (m *Manager) copyFileBuffered(src, dst string, task *Task) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", cerrors.New(cerrors.ErrCodeSourceUnreach, err.Error()).WithCause(err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", cerrors.IOFailure("create", err)
	}
	defer out.Close()

	size := task.FileSize
	bufSize := m.chunkSize(size)
	buf := m.bufPool.Get(int(bufSize))
	defer m.bufPool.Put(buf)

	var hasher hash.Hash
	if task.EnableChecksum {
		hasher = sha256.New()
	}

	var progress *atomic.Uint64
	if e, ok := m.entries.Get(task.SourcePath); ok {
		progress = e.Progress
	}

	var copied int64
	for {
		n, readErr := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return "", cerrors.IOFailure("write", werr)
			}
			if hasher != nil {
				hasher.Write(buf[:n])
			}
			copied += int64(n)
			if progress != nil {
				progress.Store(uint64(copied))
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", cerrors.IOFailure("read", readErr)
		}
	}

	if err := out.Sync(); err != nil {
		return "", cerrors.IOFailure("fsync", err)
	}

	if hasher != nil {
		return hex.EncodeToString(hasher.Sum(nil)), nil
	}
	return "", nil
}

// chunkSize picks the copy buffer size for a file of the given size:
// a single-shot buffer below smallFileThreshold, a 2MiB buffer below
// mediumFileThreshold, and the manager's configured block size above
// that.
func (m *Manager) chunkSize(size int64) int64 {
	switch {
	case size < smallFileThreshold:
		if size <= 0 {
			return smallFileThreshold
		}
		return size
	case size < mediumFileThreshold:
		return mediumChunkSize
	default:
		return int64(m.blockSize)
	}
}
