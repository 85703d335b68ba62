// Package cache implements the promotion-based local cache: the entry
// table, eviction policies, the copy worker pool, and the manager that
// ties them together behind the FUSE adapter's read path.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"
)

// Status is the state an entry occupies in the cache lifecycle:
// not cached, a promotion in progress, cached, or a failed attempt.
type Status int

const (
	StatusNotCached Status = iota
	StatusCaching
	StatusCached
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusNotCached:
		return "not_cached"
	case StatusCaching:
		return "caching"
	case StatusCached:
		return "cached"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Priority biases an entry away from or towards eviction independently
// of its recency and frequency. Critical entries are never selected as
// eviction victims.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Entry is the cache's bookkeeping record for one backend-relative
// path. Size starts as the size known at promotion time (from the
// backend stat) and is overwritten by CompleteCaching with the
// cached file's on-disk size, which may differ if the source changed
// mid-copy.
type Entry struct {
	mu sync.RWMutex

	Path     string
	Size     int64
	Status   Status
	Priority Priority
	Checksum string

	CreatedAt      time.Time
	LastModifiedAt time.Time
	CachedAt       time.Time
	LastAccessedAt time.Time

	AccessCount int64

	// Progress is shared with the copy worker so callers can poll an
	// in-flight promotion without taking the manager's lock.
	Progress *atomic.Uint64
	// TotalSize is the size the in-flight copy is working towards.
	TotalSize int64

	FailedAt     time.Time
	ErrorMessage string
	RetryCount   int
}

// NewEntry creates a not-cached entry for a path of the given size.
func NewEntry(path string, size int64) *Entry {
	now := time.Now()
	return &Entry{
		Path:           path,
		Size:           size,
		Status:         StatusNotCached,
		Priority:       PriorityNormal,
		CreatedAt:      now,
		LastModifiedAt: now,
	}
}

// WithPriority sets the entry's priority and returns it, for
// construction-site chaining.
func (e *Entry) WithPriority(p Priority) *Entry {
	e.Priority = p
	return e
}

// StartCaching transitions the entry into the caching-in-progress
// state and returns the shared progress counter the copy worker
// updates as bytes land.
func (e *Entry) StartCaching(totalSize int64) *atomic.Uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	progress := &atomic.Uint64{}
	e.Status = StatusCaching
	e.Progress = progress
	e.TotalSize = totalSize
	e.LastModifiedAt = time.Now()
	return progress
}

// CompleteCaching transitions the entry to cached, recording the final
// on-disk size and, if checksums are enabled, the verified digest.
func (e *Entry) CompleteCaching(fileSize int64, checksum string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	e.Status = StatusCached
	e.CachedAt = now
	e.LastAccessedAt = now
	e.Size = fileSize
	e.Checksum = checksum
	e.Progress = nil
	e.LastModifiedAt = now
}

// MarkFailed transitions the entry to failed, recording the cause and
// the retry count reached so far.
func (e *Entry) MarkFailed(errMessage string, retryCount int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.Status = StatusFailed
	e.FailedAt = time.Now()
	e.ErrorMessage = errMessage
	e.RetryCount = retryCount
	e.Progress = nil
	e.LastModifiedAt = time.Now()
}

// MarkAccessed bumps the access counter and, for a cached entry,
// refreshes its last-accessed timestamp.
func (e *Entry) MarkAccessed() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.AccessCount++
	if e.Status == StatusCached {
		e.LastAccessedAt = time.Now()
	}
}

// IsCached reports whether the entry currently holds a complete,
// promoted file.
func (e *Entry) IsCached() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.Status == StatusCached
}

// IsCaching reports whether a promotion is currently in flight.
func (e *Entry) IsCaching() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.Status == StatusCaching
}

// expiredSince reports whether the entry is cached and its cached-at
// age exceeds ttl. An entry that is not currently cached (including
// one with a promotion in progress) is never expired.
func (e *Entry) expiredSince(ttl time.Duration) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.Status != StatusCached {
		return false
	}
	return time.Since(e.CachedAt) > ttl
}

// ProgressPercent returns the in-flight promotion's completion
// fraction, or 100 for a cached entry and 0 for anything else.
func (e *Entry) ProgressPercent() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	switch e.Status {
	case StatusCaching:
		if e.TotalSize <= 0 {
			return 0
		}
		return float64(e.Progress.Load()) / float64(e.TotalSize) * 100
	case StatusCached:
		return 100
	default:
		return 0
	}
}

// ageSeconds returns how long ago the entry was created.
func (e *Entry) ageSeconds() float64 {
	return time.Since(e.CreatedAt).Seconds()
}

// lastAccessSeconds returns how long ago the entry was last read, for
// a cached entry, or its creation time otherwise.
func (e *Entry) lastAccessSeconds() float64 {
	ref := e.CreatedAt
	if e.Status == StatusCached {
		ref = e.LastAccessedAt
	}
	return time.Since(ref).Seconds()
}

// LRUScore combines recency, access frequency, and priority into a
// single number: higher scores are more eligible for eviction. Priority
// and frequency both pull the score down (away from eviction);
// elapsed time since last access pulls it up.
func (e *Entry) LRUScore() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lruScoreLocked()
}

// lruScoreLocked computes the score assuming the caller already holds
// at least a read lock on e.mu.
func (e *Entry) lruScoreLocked() float64 {
	age := e.ageSeconds()
	lastAccess := e.lastAccessSeconds()
	accessFrequency := float64(e.AccessCount) / (age + 1.0)
	priorityWeight := float64(e.Priority)

	return lastAccess - (accessFrequency * 10.0) - (priorityWeight * 100.0)
}

// VerifyDigest recomputes the SHA-256 digest of data and compares it
// against the entry's stored checksum. An entry with no checksum
// (checksums disabled at promotion time) verifies vacuously true.
func (e *Entry) VerifyDigest(data []byte) bool {
	e.mu.RLock()
	expected := e.Checksum
	e.mu.RUnlock()

	if expected == "" {
		return true
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]) == expected
}

// snapshot is an immutable copy of the fields eviction policies and
// stats need to read without holding the entry's lock across a sort.
type snapshot struct {
	path     string
	size     int64
	status   Status
	priority Priority
	score    float64
}

func (e *Entry) snapshot() snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return snapshot{
		path:     e.Path,
		size:     e.Size,
		status:   e.Status,
		priority: e.Priority,
		score:    e.lruScoreLocked(),
	}
}
