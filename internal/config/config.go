// Package config provides centralized configuration management for the importer.
// Values come from struct-tag defaults, an optional YAML file named by
// IMPORT_CONFIG_FILE, and environment variables, in that order of precedence
// (environment wins). All settings are validated on startup to fail fast on
// misconfiguration.
package config

import (
	"path/filepath"
	"time"
)

// Config holds all importer configuration.
type Config struct {
	Remote  RemoteConfig  `yaml:"remote"`
	Import  ImportConfig  `yaml:"import"`
	Store   StoreConfig   `yaml:"store"`
	Status  StatusConfig  `yaml:"status"`
	Logging LoggingConfig `yaml:"logging"`
}

// RemoteConfig holds the remote ERP endpoint and connection manager settings.
type RemoteConfig struct {
	// URL is the base URL of the remote system; "/jsonrpc" is appended.
	// Required unless Import.DryRun is set.
	URL string `yaml:"url" env:"REMOTE_URL" envAlt:"ERP_URL"`

	Database string `yaml:"database" env:"REMOTE_DB" envAlt:"ERP_DB"`
	Username string `yaml:"username" env:"REMOTE_USER" envAlt:"ERP_USER"`
	Password string `yaml:"password" env:"REMOTE_PASSWORD" envAlt:"ERP_PASSWORD"`

	// Timeout bounds a single HTTP round trip (default: 30s)
	Timeout time.Duration `yaml:"timeout" env:"REMOTE_TIMEOUT" default:"30s"`

	// RateLimit is requests per second; 0 disables limiting (default: 0)
	RateLimit float64 `yaml:"rate_limit" env:"REMOTE_RATE_LIMIT" default:"0"`
	RateBurst int     `yaml:"rate_burst" env:"REMOTE_RATE_BURST" default:"1"`

	// MaxRetries bounds connection-level retries per call (default: 3)
	MaxRetries int `yaml:"max_retries" env:"REMOTE_MAX_RETRIES" default:"3"`

	// MaxReauth bounds re-authentication attempts per call (default: 2)
	MaxReauth int `yaml:"max_reauth" env:"REMOTE_MAX_REAUTH" default:"2"`
}

// ImportConfig holds batch processing and orchestration settings.
type ImportConfig struct {
	// Input is a .jsonl file or a directory of them.
	Input string `yaml:"input" env:"IMPORT_INPUT" envAlt:"INPUT_PATH"`

	BatchSize    int `yaml:"batch_size" env:"IMPORT_BATCH_SIZE" default:"100"`
	MinBatchSize int `yaml:"min_batch_size" env:"IMPORT_MIN_BATCH_SIZE" default:"10"`
	MaxBatchSize int `yaml:"max_batch_size" env:"IMPORT_MAX_BATCH_SIZE" default:"1000"`
	MaxWorkers   int `yaml:"max_workers" env:"IMPORT_MAX_WORKERS" default:"4"`

	// MaxRetries bounds record-level retries of retryable failures (default: 3)
	MaxRetries int           `yaml:"max_retries" env:"IMPORT_MAX_RETRIES" default:"3"`
	RetryDelay time.Duration `yaml:"retry_delay" env:"IMPORT_RETRY_DELAY" default:"1s"`

	// ChunkDelay is slept between batches in sequential mode (default: 0s)
	ChunkDelay time.Duration `yaml:"chunk_delay" env:"IMPORT_CHUNK_DELAY" default:"0s"`

	// MemoryThreshold is the usage fraction above which adaptive sizing
	// halves the batch (default: 0.8)
	MemoryThreshold float64 `yaml:"memory_threshold" env:"IMPORT_MEMORY_THRESHOLD" default:"0.8"`

	// Budget stops new batches once a phase has run this long; 0 disables it.
	Budget time.Duration `yaml:"budget" env:"IMPORT_BUDGET" default:"0s"`

	Parallel      bool `yaml:"parallel" env:"IMPORT_PARALLEL" default:"false"`
	Adaptive      bool `yaml:"adaptive" env:"IMPORT_ADAPTIVE" default:"false"`
	Validate      bool `yaml:"validate" env:"IMPORT_VALIDATE" default:"true"`
	ResetMappings bool `yaml:"reset_mappings" env:"IMPORT_RESET_MAPPINGS" default:"false"`

	// DryRun imports into an in-process fake remote instead of the real one.
	DryRun bool `yaml:"dry_run" env:"IMPORT_DRY_RUN" default:"false"`

	// StateDir holds the error log, progress snapshot, run report and, for
	// the sqlite backend, the mapping database (default: ./state)
	StateDir string `yaml:"state_dir" env:"IMPORT_STATE_DIR" default:"state"`
}

// StoreConfig selects the id mapping backend.
type StoreConfig struct {
	// Backend is one of memory, sqlite, postgres, valkey (default: sqlite)
	Backend string `yaml:"backend" env:"IDMAP_BACKEND" default:"sqlite"`

	// SQLitePath defaults to <state_dir>/idmap.db when empty.
	SQLitePath string `yaml:"sqlite_path" env:"IDMAP_SQLITE_PATH"`

	// PostgresURL supports both IDMAP_POSTGRES_URL and DATABASE_URL.
	PostgresURL      string `yaml:"postgres_url" env:"IDMAP_POSTGRES_URL" envAlt:"DATABASE_URL"`
	PostgresMaxConns int    `yaml:"postgres_max_conns" env:"IDMAP_POSTGRES_MAX_CONNS" default:"8"`

	ValkeyAddr      string `yaml:"valkey_addr" env:"IDMAP_VALKEY_ADDR"`
	ValkeyPassword  string `yaml:"valkey_password" env:"IDMAP_VALKEY_PASSWORD"`
	ValkeyKeyPrefix string `yaml:"valkey_key_prefix" env:"IDMAP_VALKEY_PREFIX" default:"erpseed:idmap:"`
}

// StatusConfig holds the read-only status HTTP server settings.
type StatusConfig struct {
	// Addr is the listen address; empty disables the server (default: 127.0.0.1:8089)
	Addr string `yaml:"addr" env:"STATUS_ADDR" default:"127.0.0.1:8089"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 10s)
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"STATUS_SHUTDOWN_TIMEOUT" default:"10s"`

	// APIKeys is a comma-separated list; when set, /api requires X-API-Key.
	APIKeys []string `yaml:"api_keys" env:"STATUS_API_KEYS"`

	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `yaml:"trusted_proxies" env:"STATUS_TRUSTED_PROXIES"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `yaml:"level" env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `yaml:"format" env:"LOG_FORMAT" default:"text"`
}

// SQLitePath returns the mapping database path, defaulting into the state directory.
func (c *Config) SQLitePath() string {
	if c.Store.SQLitePath != "" {
		return c.Store.SQLitePath
	}
	return filepath.Join(c.Import.StateDir, "idmap.db")
}

// StatePath joins name onto the state directory.
func (c *Config) StatePath(name string) string {
	return filepath.Join(c.Import.StateDir, name)
}
