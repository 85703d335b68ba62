// Package types holds two plain value types, a byte Range and a
// CacheStats snapshot; the cache manager, the I/O backend and the FUSE
// layer do not import it. Behavioral contracts live as concrete
// types next to their implementations rather than as interfaces here,
// since each has exactly one production implementation.
package types
