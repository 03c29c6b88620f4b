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

// Backend kinds accepted in storage.backend.
const (
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendS3     = "s3"
	BackendKV     = "kv"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Cache      CacheConfig      `yaml:"cache"`
	Storage    StorageConfig    `yaml:"storage"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Mount      MountConfig      `yaml:"mount"`
	Install    InstallConfig    `yaml:"install"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	MetricsPort int    `yaml:"metrics_port"`
}

// CacheConfig controls the write-back memory cache.
type CacheConfig struct {
	// FlushDelay is the quiet period after the last write before a sweep.
	FlushDelay time.Duration `yaml:"flush_delay"`

	// ListPending merges cached, not yet flushed entries into listings.
	ListPending bool `yaml:"list_pending"`

	// MaxCopyEntries bounds the copy fallback of rename and move (0 = unlimited).
	MaxCopyEntries int `yaml:"max_copy_entries"`

	// FlushOnClose runs a final sweep when the filesystem is closed.
	FlushOnClose bool `yaml:"flush_on_close"`
}

// StorageConfig selects and configures the durable backend.
type StorageConfig struct {
	Backend string      `yaml:"backend"`
	Local   LocalConfig `yaml:"local"`
	S3      S3Config    `yaml:"s3"`
	KV      KVConfig    `yaml:"kv"`
}

// LocalConfig configures the directory-tree backend.
type LocalConfig struct {
	Root string `yaml:"root"`
}

// S3Config configures the object store backend.
type S3Config struct {
	Bucket         string        `yaml:"bucket"`
	Prefix         string        `yaml:"prefix"`
	Region         string        `yaml:"region"`
	Endpoint       string        `yaml:"endpoint"`
	Profile        string        `yaml:"profile"`
	ForcePathStyle bool          `yaml:"force_path_style"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`

	// BreakerFailures consecutive transient failures open the circuit
	// for BreakerTimeout.
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
}

// KVConfig configures the embedded key-value backend.
type KVConfig struct {
	Dir         string `yaml:"dir"`
	Bucket      string `yaml:"bucket"`
	Compression bool   `yaml:"compression"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Namespace    string            `yaml:"namespace"`
	Path         string            `yaml:"path"`
	CustomLabels map[string]string `yaml:"custom_labels"`
}

// LoggingConfig represents logging settings
type LoggingConfig struct {
	Format     string `yaml:"format"`
	MaxSize    string `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

// MountConfig controls the FUSE mount.
type MountConfig struct {
	MountPoint   string        `yaml:"mount_point"`
	ReadOnly     bool          `yaml:"read_only"`
	Debug        bool          `yaml:"debug"`
	AllowOther   bool          `yaml:"allow_other"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
}

// InstallConfig controls seeding of the default layout.
type InstallConfig struct {
	// OnStart seeds the default layout the first time the backend is opened.
	OnStart bool `yaml:"on_start"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	dataDir := filepath.Join(home, ".deskfs")

	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			MetricsPort: 9464,
		},
		Cache: CacheConfig{
			FlushDelay:     500 * time.Millisecond,
			ListPending:    true,
			MaxCopyEntries: 0,
			FlushOnClose:   true,
		},
		Storage: StorageConfig{
			Backend: BackendLocal,
			Local: LocalConfig{
				Root: filepath.Join(dataDir, "root"),
			},
			S3: S3Config{
				Region:     "us-east-1",
				MaxRetries:      4,
				RetryDelay:      50 * time.Millisecond,
				BreakerFailures: 5,
				BreakerTimeout:  30 * time.Second,
			},
			KV: KVConfig{
				Dir:         filepath.Join(dataDir, "kv"),
				Bucket:      "deskfs",
				Compression: true,
			},
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:   false,
				Namespace: "deskfs",
				Path:      "/metrics",
			},
			Logging: LoggingConfig{
				Format:     "text",
				MaxSize:    "64MB",
				MaxBackups: 3,
				Compress:   true,
			},
		},
		Mount: MountConfig{
			EntryTimeout: time.Second,
			AttrTimeout:  time.Second,
		},
		Install: InstallConfig{
			OnStart: true,
		},
	}
}

// LoadFromFile loads configuration from a YAML file
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

// LoadFromEnv applies DESKFS_* environment overrides. Malformed numeric
// and duration values are reported rather than ignored.
func (c *Configuration) LoadFromEnv() error {
	// Global settings
	if val := os.Getenv("DESKFS_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = strings.ToUpper(val)
	}
	if val := os.Getenv("DESKFS_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("DESKFS_METRICS_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("DESKFS_METRICS_PORT: %w", err)
		}
		c.Global.MetricsPort = port
	}

	// Cache settings
	if val := os.Getenv("DESKFS_FLUSH_DELAY"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("DESKFS_FLUSH_DELAY: %w", err)
		}
		c.Cache.FlushDelay = d
	}
	if val := os.Getenv("DESKFS_LIST_PENDING"); val != "" {
		c.Cache.ListPending = parseBool(val)
	}
	if val := os.Getenv("DESKFS_MAX_COPY_ENTRIES"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("DESKFS_MAX_COPY_ENTRIES: %w", err)
		}
		c.Cache.MaxCopyEntries = n
	}

	// Storage settings
	if val := os.Getenv("DESKFS_BACKEND"); val != "" {
		c.Storage.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("DESKFS_LOCAL_ROOT"); val != "" {
		c.Storage.Local.Root = val
	}
	if val := os.Getenv("DESKFS_S3_BUCKET"); val != "" {
		c.Storage.S3.Bucket = val
	}
	if val := os.Getenv("DESKFS_S3_PREFIX"); val != "" {
		c.Storage.S3.Prefix = val
	}
	if val := os.Getenv("DESKFS_S3_REGION"); val != "" {
		c.Storage.S3.Region = val
	}
	if val := os.Getenv("DESKFS_S3_ENDPOINT"); val != "" {
		c.Storage.S3.Endpoint = val
	}
	if val := os.Getenv("DESKFS_KV_DIR"); val != "" {
		c.Storage.KV.Dir = val
	}
	if val := os.Getenv("DESKFS_KV_COMPRESSION"); val != "" {
		c.Storage.KV.Compression = parseBool(val)
	}

	// Mount settings
	if val := os.Getenv("DESKFS_MOUNT_POINT"); val != "" {
		c.Mount.MountPoint = val
	}
	if val := os.Getenv("DESKFS_READ_ONLY"); val != "" {
		c.Mount.ReadOnly = parseBool(val)
	}

	return nil
}

func parseBool(val string) bool {
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// SaveToFile saves the configuration to a YAML file
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

// Validate validates the configuration
func (c *Configuration) Validate() error {
	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if c.Cache.FlushDelay <= 0 {
		return fmt.Errorf("flush_delay must be greater than 0")
	}
	if c.Cache.MaxCopyEntries < 0 {
		return fmt.Errorf("max_copy_entries cannot be negative")
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.Local.Root == "" {
			return fmt.Errorf("storage.local.root is required for the local backend")
		}
	case BackendS3:
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
		}
		if c.Storage.S3.MaxRetries < 0 {
			return fmt.Errorf("storage.s3.max_retries cannot be negative")
		}
	case BackendKV:
		if c.Storage.KV.Dir == "" {
			return fmt.Errorf("storage.kv.dir is required for the kv backend")
		}
		if c.Storage.KV.Bucket == "" {
			return fmt.Errorf("storage.kv.bucket is required for the kv backend")
		}
	default:
		return fmt.Errorf("invalid storage backend: %q (must be one of: %s)", c.Storage.Backend,
			strings.Join([]string{BackendMemory, BackendLocal, BackendS3, BackendKV}, ", "))
	}

	switch c.Monitoring.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Monitoring.Logging.Format)
	}

	if c.Monitoring.Metrics.Enabled && (c.Global.MetricsPort <= 0 || c.Global.MetricsPort > 65535) {
		return fmt.Errorf("metrics_port must be between 1 and 65535")
	}

	return nil
}
