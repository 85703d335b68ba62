// Command nfscachefsd mounts a read-only pass-through FUSE filesystem
// over a slow NFS backend, promoting files into a local NVMe cache
// directory as they're read.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dionren/nfs-cachefs/internal/cache"
	"github.com/dionren/nfs-cachefs/internal/circuit"
	"github.com/dionren/nfs-cachefs/internal/config"
	"github.com/dionren/nfs-cachefs/internal/fuse"
	"github.com/dionren/nfs-cachefs/internal/metrics"
	"github.com/dionren/nfs-cachefs/pkg/utils"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to YAML configuration file")
		backendRoot = flag.String("backend", "", "backend NFS mount root (overrides config)")
		cacheRoot   = flag.String("cache", "", "local cache directory (overrides config)")
		mountPoint  = flag.String("mount", "", "FUSE mount point (overrides config)")
		foreground  = flag.Bool("foreground", true, "run in the foreground instead of daemonizing")
	)
	flag.Parse()

	cfg := config.NewDefault()
	if *configPath != "" {
		if err := cfg.LoadFromFile(*configPath); err != nil {
			log.Fatalf("load config: %v", err)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatalf("load env overrides: %v", err)
	}
	if *backendRoot != "" {
		cfg.Cache.BackendRoot = *backendRoot
	}
	if *cacheRoot != "" {
		cfg.Cache.CacheRoot = *cacheRoot
	}
	if *mountPoint != "" {
		cfg.Mount.MountPoint = *mountPoint
	}
	if !*foreground {
		log.Fatal("daemonizing is not implemented; run under an init system (systemd, runit) instead")
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger, err := utils.NewStructuredLogger(&utils.StructuredLoggerConfig{
		Level:         parseLogLevel(cfg.Logging.Level),
		Output:        os.Stdout,
		Format:        utils.FormatText,
		IncludeCaller: false,
	})
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Close()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector, err = metrics.NewCollector(&metrics.Config{
			Enabled:        true,
			Port:           listenPort(cfg.Metrics.Listen),
			Path:           cfg.Metrics.Path,
			Namespace:      cfg.Metrics.Namespace,
			Subsystem:      cfg.Metrics.Subsystem,
			UpdateInterval: 30 * time.Second,
		})
		if err != nil {
			log.Fatalf("init metrics: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := collector.Start(ctx); err != nil {
			cancel()
			log.Fatalf("start metrics server: %v", err)
		}
		cancel()
		defer collector.Stop(context.Background())
	}

	var sink cache.MetricsSink
	if collector != nil {
		sink = collector
	}

	cacheMgr := cache.NewManager(cache.Options{
		BackendRoot:             cfg.Cache.BackendRoot,
		CacheRoot:               cfg.Cache.CacheRoot,
		CeilingBytes:            cfg.Cache.CacheCeilingBytes,
		BlockSizeBytes:          cfg.Cache.BlockSizeBytes,
		ChecksumsOn:             cfg.Cache.ChecksumsOn,
		MaxConcurrentPromotions: cfg.Cache.MaxConcurrentPromotions,
		RetryCeiling:            cfg.Cache.RetryCeiling,
		EvictionPolicy:          cfg.Cache.EvictionPolicy,
		ZeroCopyOn:              cfg.Cache.ZeroCopyOn,
		TTLSeconds:              cfg.Cache.TTLSeconds,
	}, sink, logger)
	defer cacheMgr.Shutdown()

	breaker := circuit.NewCircuitBreaker("backend-stat",
		circuit.DefaultBackendStatConfig(cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.Timeout))

	fsConfig := &fuse.Config{
		MountPoint:       cfg.Mount.MountPoint,
		ReadOnly:         true,
		AllowOther:       cfg.Mount.AllowOther,
		DefaultUID:       uint32(os.Getuid()),
		DefaultGID:       uint32(os.Getgid()),
		DefaultMode:      0644,
		MinFileSizeBytes: cfg.Cache.MinFileSizeBytes,
		MaxRead:          uint32(cfg.Mount.MaxRead),
		MaxWrite:         uint32(cfg.Mount.MaxWrite),
	}

	filesystem := fuse.NewFileSystem(cfg.Cache.BackendRoot, cacheMgr, breaker, logger, fsConfig)
	if collector != nil {
		filesystem.WithMetricsGauge(collector)
	}
	defer filesystem.Shutdown()

	mountManager := fuse.NewMountManager(filesystem, &fuse.MountConfig{
		MountPoint: cfg.Mount.MountPoint,
		Options: &fuse.MountOptions{
			ReadOnly:     true,
			AllowOther:   cfg.Mount.AllowOther,
			DefaultPerms: true,
			MaxRead:      uint32(cfg.Mount.MaxRead),
			MaxWrite:     uint32(cfg.Mount.MaxWrite),
			AttrTimeout:  time.Second,
			EntryTimeout: time.Second,
			FSName:       "nfscachefs",
			Subtype:      "nfs",
		},
	})

	if err := mountManager.Mount(context.Background()); err != nil {
		log.Fatalf("mount: %v", err)
	}

	logger.Info("nfscachefsd started", map[string]interface{}{
		"backend": cfg.Cache.BackendRoot,
		"cache":   cfg.Cache.CacheRoot,
		"mount":   cfg.Mount.MountPoint,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down", nil)
	if err := mountManager.Unmount(); err != nil {
		logger.Error("unmount failed", map[string]interface{}{"error": err.Error()})
	}
}

// parseLogLevel maps the configuration's textual level onto the
// logger's LogLevel enum, defaulting to INFO for anything unrecognized
// (Validate already rejects bad values before this runs).
func parseLogLevel(level string) utils.LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return utils.DEBUG
	case "WARN":
		return utils.WARN
	case "ERROR":
		return utils.ERROR
	default:
		return utils.INFO
	}
}

// listenPort extracts the numeric port from a ":9090"-style listen
// address, defaulting to 9090 if it can't be parsed.
func listenPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 9090
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 9090
	}
	return port
}
