package iobackend

import (
	"fmt"
	"unsafe"
)

// Page and huge-page alignments a BufferPool can round its buffers up
// to; huge pages cut TLB pressure on very large transfers at the cost
// of coarser-grained allocation.
const (
	pageAlignment     = 4096
	hugePageAlignment = 2 << 20

	// DefaultBufferSize is the per-buffer size a BufferPool uses when
	// none is given explicitly: one splice chunk's worth.
	DefaultBufferSize = 4 << 20

	// MaxPoolBuffers caps how many buffers a pool ever holds,
	// regardless of the requested queue depth.
	MaxPoolBuffers = 128
)

// BufferPool is a fixed set of page-aligned buffers that gates how
// many zero-copy promotions run concurrently. The splice(2) path never
// writes user-space bytes through these buffers directly -- splice
// moves data kernel-side, through a pipe -- but each buffer's size is
// used to size that pipe via F_SETPIPE_SZ, and holding one for the
// duration of a transfer bounds the number of splice pipes open at
// once independently of the manager's own worker-pool concurrency.
type BufferPool struct {
	free chan []byte
	size int
}

// NewBufferPool builds a pool of count buffers of bufferSize bytes
// each, page-aligned or, if useHugePages is set, aligned to a 2MiB
// huge page boundary. count is clamped to MaxPoolBuffers.
func NewBufferPool(count, bufferSize int, useHugePages bool) (*BufferPool, error) {
	if count <= 0 {
		return nil, fmt.Errorf("iobackend: buffer pool count must be > 0")
	}
	if count > MaxPoolBuffers {
		count = MaxPoolBuffers
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	alignment := pageAlignment
	if useHugePages {
		alignment = hugePageAlignment
	}

	p := &BufferPool{
		free: make(chan []byte, count),
		size: bufferSize,
	}
	for i := 0; i < count; i++ {
		p.free <- alignedBuffer(bufferSize, alignment)
	}
	return p, nil
}

// BufferSize returns the size of every buffer this pool holds.
func (p *BufferPool) BufferSize() int { return p.size }

// Acquire blocks until a buffer is free and returns it. The channel
// itself is the semaphore: its capacity is the pool size, so a
// blocked Acquire releases as soon as any holder calls Release.
func (p *BufferPool) Acquire() []byte {
	return <-p.free
}

// Release zeroes buf and returns it to the pool. buf must be a slice
// previously returned by Acquire from this same pool.
func (p *BufferPool) Release(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
	p.free <- buf
}

// alignedBuffer allocates size+alignment bytes and returns the
// sub-slice starting at the first address aligned to alignment,
// mirroring the reference implementation's AlignedBuffer without
// requiring a raw syscall-level allocator.
func alignedBuffer(size, alignment int) []byte {
	raw := make([]byte, size+alignment)
	addr := uintptr(unsafe.Pointer(&raw[0]))
	offset := (alignment - int(addr%uintptr(alignment))) % alignment
	return raw[offset : offset+size : offset+size]
}
