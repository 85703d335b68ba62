//go:build linux

// Package iobackend provides the zero-copy file transfer path: a
// splice(2)-based copy that moves bytes between two file descriptors
// through a kernel pipe without crossing into user space, for files
// large enough that the syscall overhead of chunked splicing beats a
// buffered read/write loop.
package iobackend

import (
	"fmt"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// spliceChunkSize bounds each splice(2) call, mirroring the 16MiB
// transfer chunk the reference implementation used per io_uring
// splice operation pair.
const spliceChunkSize = 16 << 20

// ZeroCopyAvailable reports whether the zero-copy path can run on this
// platform; always true on Linux.
func ZeroCopyAvailable() bool { return true }

// CopyFile transfers size bytes from src to dst using splice(2)
// through an intermediate pipe, avoiding a user-space buffer copy.
// Both files must already be open with src positioned at offset 0.
// progress, if non-nil, is updated with the cumulative byte count
// after every splice pair so a caller can poll promotion progress
// during a large transfer instead of seeing it jump straight to
// complete. pipeSize, if > 0, is applied to the intermediate pipe via
// F_SETPIPE_SZ, matching the size of the buffer a BufferPool reserved
// to gate this transfer's concurrency.
func CopyFile(dst, src *os.File, size int64, progress *atomic.Uint64, pipeSize int) error {
	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("iobackend: create pipe: %w", err)
	}
	defer pr.Close()
	defer pw.Close()

	srcFD := int(src.Fd())
	dstFD := int(dst.Fd())
	prFD := int(pr.Fd())
	pwFD := int(pw.Fd())

	if pipeSize > 0 {
		// Best-effort: a smaller-than-requested pipe still works, it
		// just forces more splice round trips.
		_, _ = unix.FcntlInt(uintptr(pwFD), unix.F_SETPIPE_SZ, pipeSize)
	}

	var copied int64
	for copied < size {
		toCopy := int(size - copied)
		if toCopy > spliceChunkSize {
			toCopy = spliceChunkSize
		}

		n, err := unix.Splice(srcFD, nil, pwFD, nil, toCopy, 0)
		if err != nil {
			return fmt.Errorf("iobackend: splice file->pipe: %w", err)
		}
		if n == 0 {
			break
		}

		var drained int
		for drained < n {
			m, err := unix.Splice(prFD, nil, dstFD, nil, n-drained, 0)
			if err != nil {
				return fmt.Errorf("iobackend: splice pipe->file: %w", err)
			}
			if m == 0 {
				return fmt.Errorf("iobackend: splice pipe->file: short write")
			}
			drained += m
		}

		copied += int64(n)
		if progress != nil {
			progress.Store(uint64(copied))
		}
	}

	return nil
}
