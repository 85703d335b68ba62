package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Task describes one pending or in-flight promotion: copy sourcePath
// (backend-relative) into cachePath, retrying up to maxRetries times
// on failure.
type Task struct {
	ID             string
	SourcePath     string
	CachePath      string
	Priority       Priority
	RetryCount     int
	MaxRetries     int
	CreatedAt      time.Time
	FileSize       int64
	HasFileSize    bool
	EnableChecksum bool
}

// NewTask creates a task with default priority, no checksum, and the
// worker pool's standard retry ceiling.
func NewTask(sourcePath, cachePath string) *Task {
	return &Task{
		ID:         generateTaskID(sourcePath),
		SourcePath: sourcePath,
		CachePath:  cachePath,
		Priority:   PriorityNormal,
		MaxRetries: 3,
		CreatedAt:  time.Now(),
	}
}

func (t *Task) WithPriority(p Priority) *Task {
	t.Priority = p
	return t
}

func (t *Task) WithChecksum(enable bool) *Task {
	t.EnableChecksum = enable
	return t
}

func (t *Task) WithFileSize(size int64) *Task {
	t.FileSize = size
	t.HasFileSize = true
	return t
}

func (t *Task) WithMaxRetries(max int) *Task {
	t.MaxRetries = max
	return t
}

// CanRetry reports whether another attempt is allowed.
func (t *Task) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

// IncrementRetry records a failed attempt.
func (t *Task) IncrementRetry() {
	t.RetryCount++
}

// TempPath is the scratch file the current attempt copies into before
// the atomic rename into CachePath.
func (t *Task) TempPath() string {
	return fmt.Sprintf("%s.caching.%d", t.CachePath, t.RetryCount)
}

// Less orders tasks by higher priority first, ties broken by earlier
// creation time. The manager's dispatch channel is FIFO and does not
// use this ordering.
func (t *Task) Less(other *Task) bool {
	if t.Priority != other.Priority {
		return t.Priority > other.Priority
	}
	return t.CreatedAt.Before(other.CreatedAt)
}

func generateTaskID(path string) string {
	h := sha256.New()
	h.Write([]byte(path))
	var nanos [8]byte
	n := time.Now().UnixNano()
	for i := 0; i < 8; i++ {
		nanos[i] = byte(n >> (56 - 8*i))
	}
	h.Write(nanos[:])
	return hex.EncodeToString(h.Sum(nil))[:16]
}
