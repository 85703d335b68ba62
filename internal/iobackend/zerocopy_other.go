//go:build !linux

package iobackend

import (
	"errors"
	"os"
	"sync/atomic"
)

// ZeroCopyAvailable reports whether the zero-copy path can run on this
// platform; splice(2) is Linux-only, so every other platform falls
// back to the manager's chunked buffered copy.
func ZeroCopyAvailable() bool { return false }

// CopyFile is unreachable outside Linux; callers must check
// ZeroCopyAvailable first.
func CopyFile(dst, src *os.File, size int64, progress *atomic.Uint64, pipeSize int) error {
	return errors.New("iobackend: zero-copy unavailable on this platform")
}
