/*
Package fuse provides the FUSE adapter for nfs-cachefs: a read-only
pass-through view of a backend NFS mount that transparently serves
reads from a local NVMe cache once a file has been promoted.

# Architecture Overview

	┌─────────────────────────────────────────────┐
	│              User Applications              │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Kernel VFS / FUSE Driver          │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│          fuse.FileSystem (this package)     │
	│  Lookup/Readdir/Getattr → backend, through   │
	│  a circuit breaker and retryer               │
	│  Read → cache.Manager's cached copy, or a    │
	│  direct backend read plus an opportunistic   │
	│  promotion                                   │
	└─────────────────────────────────────────────┘
	          │                         │
	┌──────────────────┐      ┌──────────────────────┐
	│  internal/cache   │      │   Backend NFS mount   │
	│  (local NVMe)     │      │  (slow, read-only)    │
	└──────────────────┘      └──────────────────────┘

# Operations

Supported: Lookup, Readdir, Getattr, Open, Read, Release. There is no
write path — the mount is always read-only, matching the NFS backend
it fronts. Directory and metadata operations are served straight off
the backend through a circuit breaker (see internal/circuit) so a
string of failed NFS round-trips degrades a lookup into a fast error
instead of piling up blocked goroutines.

# Caching Behavior

FileNode.Open checks whether a promotion already exists for the path;
if not, and the file meets the configured minimum size, it submits one
at normal priority and lets the read proceed against the backend in
the meantime. FileHandle.Read always prefers a complete cached copy,
falling back to the backend (and reporting the read as a miss) when
none exists yet. ReadAheadManager watches each handle's offsets and,
once a handle establishes a sequential read pattern, submits a
high-priority promotion for a file that is neither cached nor being
cached; a promotion already in flight keeps its priority, and tasks are
dispatched in submission order.

# Platform Support

The default build uses github.com/hanwen/go-fuse/v2 on Linux.
PlatformFileSystem in platform.go is the seam a future cgofuse build
(macOS/Windows) would implement; there is no such build yet in this
tree.
*/
package fuse
