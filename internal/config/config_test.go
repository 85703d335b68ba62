package config

import (
	"os"
	"path/filepath"
	"testing"
)

const testMountPoint = "/mnt/nfs-cachefs"

func withRequiredPaths(cfg *Configuration) *Configuration {
	cfg.Cache.BackendRoot = "/mnt/nfs-backend"
	cfg.Cache.CacheRoot = "/var/cache/nfs-cachefs"
	cfg.Mount.MountPoint = testMountPoint
	return cfg
}

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	if cfg.Cache.EvictionPolicy != "recency" {
		t.Errorf("Expected EvictionPolicy to be recency, got %s", cfg.Cache.EvictionPolicy)
	}
	if cfg.Cache.MaxConcurrentPromotions != 8 {
		t.Errorf("Expected MaxConcurrentPromotions to be 8, got %d", cfg.Cache.MaxConcurrentPromotions)
	}
	if !cfg.Cache.ChecksumsOn {
		t.Error("Expected ChecksumsOn to be true by default")
	}
	if cfg.Cache.ZeroCopyOn {
		t.Error("Expected ZeroCopyOn to be disabled by default")
	}
	if cfg.Cache.RetryCeiling != 3 {
		t.Errorf("Expected RetryCeiling to be 3, got %d", cfg.Cache.RetryCeiling)
	}
	if !cfg.Mount.ReadOnly {
		t.Error("Expected Mount.ReadOnly to be true by default")
	}
	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected Logging.Level to be INFO, got %s", cfg.Logging.Level)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Expected Metrics.Enabled to be true by default")
	}
	if !cfg.CircuitBreaker.Enabled {
		t.Error("Expected CircuitBreaker.Enabled to be true by default")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  func() *Configuration
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid config",
			config: func() *Configuration {
				return withRequiredPaths(NewDefault())
			},
			wantErr: false,
		},
		{
			name: "missing backend root",
			config: func() *Configuration {
				cfg := withRequiredPaths(NewDefault())
				cfg.Cache.BackendRoot = ""
				return cfg
			},
			wantErr: true,
			errMsg:  "backend_root is required",
		},
		{
			name: "relative backend root",
			config: func() *Configuration {
				cfg := withRequiredPaths(NewDefault())
				cfg.Cache.BackendRoot = "relative/path"
				return cfg
			},
			wantErr: true,
			errMsg:  "must be an absolute path",
		},
		{
			name: "missing cache root",
			config: func() *Configuration {
				cfg := withRequiredPaths(NewDefault())
				cfg.Cache.CacheRoot = ""
				return cfg
			},
			wantErr: true,
			errMsg:  "cache_root is required",
		},
		{
			name: "invalid max concurrency",
			config: func() *Configuration {
				cfg := withRequiredPaths(NewDefault())
				cfg.Cache.MaxConcurrentPromotions = 0
				return cfg
			},
			wantErr: true,
			errMsg:  "max_concurrent_promotions must be greater than 0",
		},
		{
			name: "invalid eviction policy",
			config: func() *Configuration {
				cfg := withRequiredPaths(NewDefault())
				cfg.Cache.EvictionPolicy = "bogus"
				return cfg
			},
			wantErr: true,
			errMsg:  "invalid cache.eviction_policy",
		},
		{
			name: "invalid log level",
			config: func() *Configuration {
				cfg := withRequiredPaths(NewDefault())
				cfg.Logging.Level = "INVALID"
				return cfg
			},
			wantErr: true,
			errMsg:  "invalid logging.level",
		},
		{
			name: "missing mount point",
			config: func() *Configuration {
				cfg := withRequiredPaths(NewDefault())
				cfg.Mount.MountPoint = ""
				return cfg
			},
			wantErr: true,
			errMsg:  "mount_point is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.config()
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil && tt.errMsg != "" && !contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %v, want error containing %v", err, tt.errMsg)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	configContent := `
cache:
  backend_root: /mnt/nfs-backend
  cache_root: /var/cache/nfs-cachefs
  cache_ceiling_bytes: 5368709120
  max_concurrent_promotions: 16
  eviction_policy: frequency

mount:
  mount_point: /mnt/nfs-cachefs
  read_only: true

logging:
  level: DEBUG
`

	if err := os.WriteFile(configFile, []byte(configContent), 0600); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromFile(configFile); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Cache.BackendRoot != "/mnt/nfs-backend" {
		t.Errorf("Expected BackendRoot to be /mnt/nfs-backend, got %s", cfg.Cache.BackendRoot)
	}
	if cfg.Cache.CacheCeilingBytes != 5368709120 {
		t.Errorf("Expected CacheCeilingBytes to be 5368709120, got %d", cfg.Cache.CacheCeilingBytes)
	}
	if cfg.Cache.MaxConcurrentPromotions != 16 {
		t.Errorf("Expected MaxConcurrentPromotions to be 16, got %d", cfg.Cache.MaxConcurrentPromotions)
	}
	if cfg.Cache.EvictionPolicy != "frequency" {
		t.Errorf("Expected EvictionPolicy to be frequency, got %s", cfg.Cache.EvictionPolicy)
	}
	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected Logging.Level to be DEBUG, got %s", cfg.Logging.Level)
	}
}

func TestLoadFromFileNonExistent(t *testing.T) {
	cfg := NewDefault()
	if err := cfg.LoadFromFile("/nonexistent/config.yaml"); err == nil {
		t.Error("Expected error when loading non-existent config file")
	}
}

func TestLoadFromEnv(t *testing.T) {
	testEnvVars := map[string]string{
		"NFS_CACHEFS_BACKEND_ROOT":               "/mnt/nfs-backend",
		"NFS_CACHEFS_CACHE_ROOT":                 "/var/cache/nfs-cachefs",
		"NFS_CACHEFS_CACHE_CEILING_BYTES":        "1073741824",
		"NFS_CACHEFS_MAX_CONCURRENT_PROMOTIONS":  "32",
		"NFS_CACHEFS_CHECKSUMS_ON":               "false",
		"NFS_CACHEFS_TTL_SECONDS":                "3600",
		"NFS_CACHEFS_EVICTION_POLICY":            "adaptive-replacement",
		"NFS_CACHEFS_MOUNT_POINT":                testMountPoint,
		"NFS_CACHEFS_LOG_LEVEL":                  "ERROR",
	}

	for key, value := range testEnvVars {
		t.Setenv(key, value)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Cache.BackendRoot != "/mnt/nfs-backend" {
		t.Errorf("Expected BackendRoot to be /mnt/nfs-backend, got %s", cfg.Cache.BackendRoot)
	}
	if cfg.Cache.CacheCeilingBytes != 1073741824 {
		t.Errorf("Expected CacheCeilingBytes to be 1073741824, got %d", cfg.Cache.CacheCeilingBytes)
	}
	if cfg.Cache.MaxConcurrentPromotions != 32 {
		t.Errorf("Expected MaxConcurrentPromotions to be 32, got %d", cfg.Cache.MaxConcurrentPromotions)
	}
	if cfg.Cache.ChecksumsOn {
		t.Error("Expected ChecksumsOn to be false")
	}
	if cfg.Cache.TTLSeconds != 3600 {
		t.Errorf("Expected TTLSeconds to be 3600, got %d", cfg.Cache.TTLSeconds)
	}
	if cfg.Cache.EvictionPolicy != "adaptive-replacement" {
		t.Errorf("Expected EvictionPolicy to be adaptive-replacement, got %s", cfg.Cache.EvictionPolicy)
	}
	if cfg.Mount.MountPoint != testMountPoint {
		t.Errorf("Expected MountPoint to be %s, got %s", testMountPoint, cfg.Mount.MountPoint)
	}
	if cfg.Logging.Level != "ERROR" {
		t.Errorf("Expected Logging.Level to be ERROR, got %s", cfg.Logging.Level)
	}
}

func TestSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "saved_config.yaml")

	cfg := withRequiredPaths(NewDefault())
	cfg.Logging.Level = "DEBUG"

	if err := cfg.SaveToFile(configFile); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		t.Error("Config file was not created")
	}

	newCfg := NewDefault()
	if err := newCfg.LoadFromFile(configFile); err != nil {
		t.Fatalf("Failed to load saved config: %v", err)
	}

	if newCfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected Logging.Level to be DEBUG, got %s", newCfg.Logging.Level)
	}
	if newCfg.Cache.BackendRoot != cfg.Cache.BackendRoot {
		t.Errorf("Expected BackendRoot to round-trip, got %s", newCfg.Cache.BackendRoot)
	}
}

func TestSaveToFileCreateDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := withRequiredPaths(NewDefault())
	if err := cfg.SaveToFile(configFile); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		t.Error("Config file was not created")
	}
	if _, err := os.Stat(filepath.Dir(configFile)); os.IsNotExist(err) {
		t.Error("Config directory was not created")
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (s == substr || indexOf(s, substr) >= 0)
}

func indexOf(s, substr string) int {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
