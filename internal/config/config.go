// Package config provides configuration for the catalog replication engine.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	syncerrors "github.com/catalogsync/catalogsync/internal/errors"
)

// EnvPrefix starts every environment variable read by LoadFromEnv.
const EnvPrefix = "CATALOGSYNC_"

// Remote types.
const (
	RemoteLocal = "local"
	RemoteS3    = "s3"
)

// Config holds the configuration of the replication engine.
type Config struct {
	// DataDir is the base directory for the local store and scratch files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Remote configuration
	Remote RemoteConfig `json:"remote" yaml:"remote"`

	// Local store configuration
	Store StoreConfig `json:"store" yaml:"store"`

	// Sync configuration
	Sync SyncConfig `json:"sync" yaml:"sync"`

	// Metrics configuration
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`

	// Log configuration
	Log LogConfig `json:"log" yaml:"log"`
}

// RemoteConfig locates the remote catalog.
type RemoteConfig struct {
	// Type is the object store type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the catalog root directory (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`

	// Prefix is prepended to every object key
	Prefix string `json:"prefix" yaml:"prefix"`

	// IndexObject is the index object key, catalog.json or catalog.json.sz
	IndexObject string `json:"index_object" yaml:"index_object"`

	// RequestsPerSecond limits reads from the remote. Zero disables the limit.
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`

	// Burst is the rate limiter burst size
	Burst int `json:"burst" yaml:"burst"`
}

// S3Config holds S3 remote configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle enables path-style addressing
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`

	// Anonymous reads a public bucket without credentials
	Anonymous bool `json:"anonymous" yaml:"anonymous"`
}

// StoreConfig holds local store configuration.
type StoreConfig struct {
	// Driver is the database driver: duckdb, sqlite3
	Driver string `json:"driver" yaml:"driver"`

	// Path is the database file
	Path string `json:"path" yaml:"path"`
}

// SyncConfig holds replication run configuration.
type SyncConfig struct {
	// Workers is the number of datasets synced in parallel
	Workers int `json:"workers" yaml:"workers"`

	// TableWorkers is the number of tables per dataset materialized in parallel
	TableWorkers int `json:"table_workers" yaml:"table_workers"`

	// Channels restricts replication to these channels. Empty means all supported.
	Channels []string `json:"channels" yaml:"channels"`

	// IncludePrivate replicates private datasets
	IncludePrivate bool `json:"include_private" yaml:"include_private"`

	// ChecksumMode is lead or composite
	ChecksumMode string `json:"checksum_mode" yaml:"checksum_mode"`

	// Prune removes datasets no longer listed in the index
	Prune bool `json:"prune" yaml:"prune"`

	// BatchSize is the number of rows per read batch and insert
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// ScratchDir holds payloads while they are loaded
	ScratchDir string `json:"scratch_dir" yaml:"scratch_dir"`

	// CacheDir keeps loaded payloads keyed by table and checksum
	CacheDir string `json:"cache_dir" yaml:"cache_dir"`

	// CacheMaxBytes caps CacheDir. Zero disables the payload cache.
	CacheMaxBytes int64 `json:"cache_max_bytes" yaml:"cache_max_bytes"`
}

// MetricsConfig holds metrics export configuration.
type MetricsConfig struct {
	// Textfile is where metrics are written after each run. Empty disables export.
	Textfile string `json:"textfile" yaml:"textfile"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	// Level is debug, info, warn or error
	Level string `json:"level" yaml:"level"`

	// Format is json or console
	Format string `json:"format" yaml:"format"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/catalogsync",
		Remote: RemoteConfig{
			Type:        RemoteLocal,
			IndexObject: "catalog.json",
			Burst:       10,
		},
		Store: StoreConfig{
			Driver: "duckdb",
		},
		Sync: SyncConfig{
			Workers:       4,
			TableWorkers:  2,
			ChecksumMode:  "lead",
			BatchSize:     1000,
			CacheMaxBytes: 1 << 30,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/catalogsync"
	}

	if c.Remote.Type == RemoteLocal && c.Remote.Path == "" {
		c.Remote.Path = filepath.Join(c.DataDir, "catalog")
	}

	if c.Store.Path == "" {
		name := "catalog.duckdb"
		if c.Store.Driver == "sqlite3" {
			name = "catalog.db"
		}
		c.Store.Path = filepath.Join(c.DataDir, name)
	}

	if c.Sync.ScratchDir == "" {
		c.Sync.ScratchDir = filepath.Join(c.DataDir, "scratch")
	}

	if c.Sync.CacheDir == "" {
		c.Sync.CacheDir = filepath.Join(c.DataDir, "cache")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return invalid("data_dir is required")
	}

	switch c.Remote.Type {
	case RemoteLocal:
		if c.Remote.Path == "" {
			return invalid("remote.path is required when remote type is local")
		}
	case RemoteS3:
		if c.Remote.S3.Bucket == "" {
			return invalid("remote.s3.bucket is required when remote type is s3")
		}
	default:
		return invalid(fmt.Sprintf("invalid remote type: %s (must be local or s3)", c.Remote.Type))
	}

	if c.Remote.RequestsPerSecond < 0 {
		return invalid("remote.requests_per_second must not be negative")
	}

	switch c.Store.Driver {
	case "duckdb", "sqlite3":
	default:
		return invalid(fmt.Sprintf("invalid store driver: %s (must be duckdb or sqlite3)", c.Store.Driver))
	}

	if c.Sync.Workers < 1 {
		return invalid(fmt.Sprintf("sync.workers must be at least 1, got %d", c.Sync.Workers))
	}
	if c.Sync.TableWorkers < 1 {
		return invalid(fmt.Sprintf("sync.table_workers must be at least 1, got %d", c.Sync.TableWorkers))
	}
	if c.Sync.BatchSize < 1 {
		return invalid(fmt.Sprintf("sync.batch_size must be at least 1, got %d", c.Sync.BatchSize))
	}
	if c.Sync.CacheMaxBytes < 0 {
		return invalid("sync.cache_max_bytes must not be negative")
	}
	if c.Sync.ChecksumMode != "lead" && c.Sync.ChecksumMode != "composite" {
		return invalid(fmt.Sprintf("invalid sync.checksum_mode: %s (must be lead or composite)", c.Sync.ChecksumMode))
	}
	for _, ch := range c.Sync.Channels {
		if ch != "garden" && ch != "backport" {
			return invalid(fmt.Sprintf("unsupported channel: %s", ch))
		}
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		return invalid(fmt.Sprintf("invalid log.format: %s (must be json or console)", c.Log.Format))
	}

	return nil
}

func invalid(msg string) error {
	return syncerrors.NewValidationError(syncerrors.CodeInvalidConfig, msg)
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadDotEnv loads variables from a .env file into the process environment.
// Variables already set are kept. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the CATALOGSYNC_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Remote configuration
	if v := getenv("REMOTE_TYPE"); v != "" {
		cfg.Remote.Type = v
	}
	if v := getenv("REMOTE_PATH"); v != "" {
		cfg.Remote.Path = v
	}
	if v := getenv("REMOTE_PREFIX"); v != "" {
		cfg.Remote.Prefix = v
	}
	if v := getenv("REMOTE_INDEX_OBJECT"); v != "" {
		cfg.Remote.IndexObject = v
	}
	if v := getenv("REMOTE_REQUESTS_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Remote.RequestsPerSecond = f
		}
	}
	if v := getenv("REMOTE_BURST"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Remote.Burst)
	}
	if v := getenv("S3_BUCKET"); v != "" {
		cfg.Remote.S3.Bucket = v
	}
	if v := getenv("S3_REGION"); v != "" {
		cfg.Remote.S3.Region = v
	}
	if v := getenv("S3_ENDPOINT"); v != "" {
		cfg.Remote.S3.Endpoint = v
	}
	if v := getenv("S3_USE_PATH_STYLE"); v != "" {
		cfg.Remote.S3.UsePathStyle = isTrue(v)
	}
	if v := getenv("S3_ANONYMOUS"); v != "" {
		cfg.Remote.S3.Anonymous = isTrue(v)
	}

	// Store configuration
	if v := getenv("STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := getenv("STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}

	// Sync configuration
	if v := getenv("SYNC_WORKERS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Sync.Workers)
	}
	if v := getenv("SYNC_TABLE_WORKERS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Sync.TableWorkers)
	}
	if v := getenv("SYNC_CHANNELS"); v != "" {
		cfg.Sync.Channels = strings.Split(v, ",")
	}
	if v := getenv("SYNC_INCLUDE_PRIVATE"); v != "" {
		cfg.Sync.IncludePrivate = isTrue(v)
	}
	if v := getenv("SYNC_CHECKSUM_MODE"); v != "" {
		cfg.Sync.ChecksumMode = v
	}
	if v := getenv("SYNC_PRUNE"); v != "" {
		cfg.Sync.Prune = isTrue(v)
	}
	if v := getenv("SYNC_BATCH_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Sync.BatchSize)
	}
	if v := getenv("SYNC_CACHE_DIR"); v != "" {
		cfg.Sync.CacheDir = v
	}
	if v := getenv("SYNC_CACHE_MAX_BYTES"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Sync.CacheMaxBytes)
	}

	if v := getenv("METRICS_TEXTFILE"); v != "" {
		cfg.Metrics.Textfile = v
	}

	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func getenv(key string) string {
	return os.Getenv(EnvPrefix + key)
}

func isTrue(v string) bool {
	return v == "true" || v == "1"
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		filepath.Dir(c.Store.Path),
		c.Sync.ScratchDir,
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
