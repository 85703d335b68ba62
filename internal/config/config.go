package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration is the complete daemon configuration: the cache core
// options named by the option table, plus the ambient sections every
// long-running process in this codebase carries regardless of which
// core features are in scope.
type Configuration struct {
	Cache          CacheConfig          `yaml:"cache"`
	Mount          MountConfig          `yaml:"mount"`
	Logging        LoggingConfig        `yaml:"logging"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CacheConfig holds every option named by the core's configuration
// table: backend/cache roots, capacity and promotion tuning, and the
// optional zero-copy path.
type CacheConfig struct {
	BackendRoot string `yaml:"backend_root"`
	CacheRoot   string `yaml:"cache_root"`

	CacheCeilingBytes       int64  `yaml:"cache_ceiling_bytes"`
	BlockSizeBytes          int    `yaml:"block_size_bytes"`
	MaxConcurrentPromotions int    `yaml:"max_concurrent_promotions"`
	ChecksumsOn             bool   `yaml:"checksums_on"`
	TTLSeconds              int64  `yaml:"ttl_seconds"`
	EvictionPolicy          string `yaml:"eviction_policy"`
	MinFileSizeBytes        int64  `yaml:"min_file_size_bytes"`

	ZeroCopyOn         bool `yaml:"zero_copy_on"`
	ZeroCopyQueueDepth int  `yaml:"zero_copy_queue_depth"`

	RetryCeiling int `yaml:"retry_ceiling"`
}

// MountConfig holds the FUSE mount options the adapter passes to the
// kernel at mount time.
type MountConfig struct {
	MountPoint string `yaml:"mount_point"`
	ReadOnly   bool   `yaml:"read_only"`
	AllowOther bool   `yaml:"allow_other"`
	MaxRead    int    `yaml:"max_read"`
	MaxWrite   int    `yaml:"max_write"`
}

// LoggingConfig controls the stdlib-backed structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// CircuitBreakerConfig configures the breaker around the FUSE adapter's
// backend stat and readdir calls, so a degraded backend turns lookups
// into fast errors instead of blocked goroutines.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// NewDefault returns a configuration with sensible defaults for
// everything except the three required paths (backend root, cache root
// and mount point), which are left empty so Validate rejects an
// unconfigured instance.
func NewDefault() *Configuration {
	return &Configuration{
		Cache: CacheConfig{
			CacheCeilingBytes:       10 * 1 << 30, // 10GB
			BlockSizeBytes:          4 << 20,      // 4MB
			MaxConcurrentPromotions: 8,
			ChecksumsOn:             true,
			TTLSeconds:              0,
			EvictionPolicy:          "recency",
			MinFileSizeBytes:        0,
			ZeroCopyOn:              false,
			ZeroCopyQueueDepth:      64,
			RetryCeiling:            3,
		},
		Mount: MountConfig{
			ReadOnly:   true,
			AllowOther: false,
			MaxRead:    1 << 20,
			MaxWrite:   1 << 20,
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Listen:    ":9090",
			Path:      "/metrics",
			Namespace: "nfscachefs",
			Subsystem: "cache",
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			Timeout:          60 * time.Second,
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv applies NFS_CACHEFS_* environment variable overrides on
// top of whatever was loaded from file or defaults.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("NFS_CACHEFS_BACKEND_ROOT"); val != "" {
		c.Cache.BackendRoot = val
	}
	if val := os.Getenv("NFS_CACHEFS_CACHE_ROOT"); val != "" {
		c.Cache.CacheRoot = val
	}
	if val := os.Getenv("NFS_CACHEFS_CACHE_CEILING_BYTES"); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.Cache.CacheCeilingBytes = n
		}
	}
	if val := os.Getenv("NFS_CACHEFS_BLOCK_SIZE_BYTES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Cache.BlockSizeBytes = n
		}
	}
	if val := os.Getenv("NFS_CACHEFS_MAX_CONCURRENT_PROMOTIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Cache.MaxConcurrentPromotions = n
		}
	}
	if val := os.Getenv("NFS_CACHEFS_CHECKSUMS_ON"); val != "" {
		c.Cache.ChecksumsOn = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("NFS_CACHEFS_TTL_SECONDS"); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.Cache.TTLSeconds = n
		}
	}
	if val := os.Getenv("NFS_CACHEFS_EVICTION_POLICY"); val != "" {
		c.Cache.EvictionPolicy = val
	}
	if val := os.Getenv("NFS_CACHEFS_MIN_FILE_SIZE_BYTES"); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.Cache.MinFileSizeBytes = n
		}
	}
	if val := os.Getenv("NFS_CACHEFS_ZERO_COPY_ON"); val != "" {
		c.Cache.ZeroCopyOn = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("NFS_CACHEFS_MOUNT_POINT"); val != "" {
		c.Mount.MountPoint = val
	}
	if val := os.Getenv("NFS_CACHEFS_LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}
	if val := os.Getenv("NFS_CACHEFS_METRICS_LISTEN"); val != "" {
		c.Metrics.Listen = val
	}

	return nil
}

// SaveToFile writes the configuration to a YAML file, creating parent
// directories as needed.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for the constraints the cache core
// and its surrounding process require before a mount is attempted.
func (c *Configuration) Validate() error {
	if c.Cache.BackendRoot == "" {
		return fmt.Errorf("cache.backend_root is required")
	}
	if !filepath.IsAbs(c.Cache.BackendRoot) {
		return fmt.Errorf("cache.backend_root must be an absolute path")
	}
	if c.Cache.CacheRoot == "" {
		return fmt.Errorf("cache.cache_root is required")
	}
	if !filepath.IsAbs(c.Cache.CacheRoot) {
		return fmt.Errorf("cache.cache_root must be an absolute path")
	}
	if c.Cache.MaxConcurrentPromotions <= 0 {
		return fmt.Errorf("cache.max_concurrent_promotions must be greater than 0")
	}
	if c.Cache.BlockSizeBytes <= 0 {
		return fmt.Errorf("cache.block_size_bytes must be greater than 0")
	}
	if c.Cache.CacheCeilingBytes <= 0 {
		return fmt.Errorf("cache.cache_ceiling_bytes must be greater than 0")
	}

	switch c.Cache.EvictionPolicy {
	case "recency", "frequency", "adaptive-replacement":
	default:
		return fmt.Errorf("invalid cache.eviction_policy: %s (must be one of: recency, frequency, adaptive-replacement)", c.Cache.EvictionPolicy)
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.EqualFold(c.Logging.Level, level) {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid logging.level: %s (must be one of: %s)",
			c.Logging.Level, strings.Join(validLogLevels, ", "))
	}

	if c.Mount.MountPoint == "" {
		return fmt.Errorf("mount.mount_point is required")
	}

	return nil
}
