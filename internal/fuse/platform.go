//go:build !cgofuse
// +build !cgofuse

package fuse

import (
	"context"

	"github.com/dionren/nfs-cachefs/internal/cache"
	"github.com/dionren/nfs-cachefs/internal/circuit"
	"github.com/dionren/nfs-cachefs/pkg/utils"
)

// PlatformFileSystem abstracts over the platform-specific FUSE backend
// (go-fuse on Linux; a cgofuse build would satisfy the same interface).
type PlatformFileSystem interface {
	Mount(ctx context.Context) error
	Unmount() error
	IsMounted() bool
	GetStats() *FilesystemStats
}

// CreatePlatformMountManager creates the appropriate mount manager for the platform
func CreatePlatformMountManager(backendRoot string, cacheMgr *cache.Manager, breaker *circuit.CircuitBreaker,
	log *utils.StructuredLogger, fsConfig *Config, mountConfig *MountConfig) PlatformFileSystem {
	filesystem := NewFileSystem(backendRoot, cacheMgr, breaker, log, fsConfig)
	return NewMountManager(filesystem, mountConfig)
}
