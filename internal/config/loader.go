package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileEnv names the environment variable pointing at an optional YAML file.
const FileEnv = "IMPORT_CONFIG_FILE"

// Load builds the configuration from defaults, the YAML file named by
// IMPORT_CONFIG_FILE (if any) and the environment, then validates it.
func Load() (*Config, error) {
	return load(os.LookupEnv)
}

// MustLoad loads configuration and panics on error.
// Use this only in main() where early termination is desired.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

func load(lookup func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}
	root := reflect.ValueOf(cfg).Elem()

	if err := loadStruct(root, defaultTag); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}

	if path, ok := lookup(FileEnv); ok && path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := loadStruct(root, envTag(lookup)); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// loadFile overlays a YAML document onto cfg. Keys absent from the file keep
// their current values.
func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// valueFunc returns the raw value for a field, and whether it has one.
type valueFunc func(field reflect.StructField) (value, name string, ok bool)

func defaultTag(field reflect.StructField) (string, string, bool) {
	v, ok := field.Tag.Lookup("default")
	return v, "default of " + field.Name, ok && v != ""
}

func envTag(lookup func(string) (string, bool)) valueFunc {
	return func(field reflect.StructField) (string, string, bool) {
		name := field.Tag.Get("env")
		if name == "" {
			return "", "", false
		}
		if v, ok := lookup(name); ok && v != "" {
			return v, name, true
		}
		if alt := field.Tag.Get("envAlt"); alt != "" {
			if v, ok := lookup(alt); ok && v != "" {
				return v, alt, true
			}
		}
		return "", name, false
	}
}

// loadStruct recursively populates struct fields from source.
func loadStruct(v reflect.Value, source valueFunc) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		// Skip unexported fields
		if !fieldVal.CanSet() {
			continue
		}

		// Recurse into nested structs
		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			if err := loadStruct(fieldVal, source); err != nil {
				return err
			}
			continue
		}

		value, name, ok := source(field)
		if !ok {
			continue
		}
		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", name, value, err)
		}
	}

	return nil
}

// setField sets a reflect.Value from a string based on its type.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		// Handle time.Duration specially
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.Set(reflect.ValueOf(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid number: %w", err)
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			// Split comma-separated values, trim whitespace
			parts := strings.Split(value, ",")
			result := make([]string, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p != "" {
					result = append(result, p)
				}
			}
			field.Set(reflect.ValueOf(result))
		} else {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// Validate checks that the configuration is valid.
// The returned error lists every problem found.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	// Remote validation
	if c.Remote.URL != "" {
		if u, err := url.Parse(c.Remote.URL); err != nil || u.Scheme == "" || u.Host == "" {
			add("REMOTE_URL (%q) must be an absolute URL", c.Remote.URL)
		}
	}
	if c.Remote.Timeout <= 0 {
		add("REMOTE_TIMEOUT must be positive")
	}
	if c.Remote.RateLimit < 0 {
		add("REMOTE_RATE_LIMIT must be non-negative")
	}
	if c.Remote.RateLimit > 0 && c.Remote.RateBurst <= 0 {
		add("REMOTE_RATE_BURST must be positive when rate limiting is enabled")
	}
	if c.Remote.MaxRetries < 0 {
		add("REMOTE_MAX_RETRIES must be non-negative")
	}
	if c.Remote.MaxReauth < 0 {
		add("REMOTE_MAX_REAUTH must be non-negative")
	}

	// Import validation
	if c.Import.BatchSize <= 0 {
		add("IMPORT_BATCH_SIZE must be positive")
	}
	if c.Import.MinBatchSize <= 0 {
		add("IMPORT_MIN_BATCH_SIZE must be positive")
	}
	if c.Import.MaxBatchSize < c.Import.MinBatchSize {
		add("IMPORT_MAX_BATCH_SIZE (%d) must be >= IMPORT_MIN_BATCH_SIZE (%d)",
			c.Import.MaxBatchSize, c.Import.MinBatchSize)
	}
	if c.Import.Adaptive && (c.Import.BatchSize < c.Import.MinBatchSize || c.Import.BatchSize > c.Import.MaxBatchSize) {
		add("IMPORT_BATCH_SIZE (%d) must be within [%d, %d] when adaptive sizing is enabled",
			c.Import.BatchSize, c.Import.MinBatchSize, c.Import.MaxBatchSize)
	}
	if c.Import.MaxWorkers <= 0 {
		add("IMPORT_MAX_WORKERS must be positive")
	}
	if c.Import.MaxRetries < 0 {
		add("IMPORT_MAX_RETRIES must be non-negative")
	}
	if c.Import.RetryDelay < 0 {
		add("IMPORT_RETRY_DELAY must be non-negative")
	}
	if c.Import.ChunkDelay < 0 {
		add("IMPORT_CHUNK_DELAY must be non-negative")
	}
	if c.Import.MemoryThreshold <= 0 || c.Import.MemoryThreshold > 1 {
		add("IMPORT_MEMORY_THRESHOLD (%g) must be in (0, 1]", c.Import.MemoryThreshold)
	}
	if c.Import.Budget < 0 {
		add("IMPORT_BUDGET must be non-negative")
	}
	if c.Import.StateDir == "" {
		add("IMPORT_STATE_DIR must not be empty")
	}

	// Store validation
	switch strings.ToLower(c.Store.Backend) {
	case "memory", "sqlite":
	case "postgres":
		if c.Store.PostgresURL == "" {
			add("IDMAP_POSTGRES_URL is required for the postgres backend")
		}
		if c.Store.PostgresMaxConns <= 0 {
			add("IDMAP_POSTGRES_MAX_CONNS must be positive")
		}
	case "valkey":
		if c.Store.ValkeyAddr == "" {
			add("IDMAP_VALKEY_ADDR is required for the valkey backend")
		}
	default:
		add("IDMAP_BACKEND (%q) must be one of: memory, sqlite, postgres, valkey", c.Store.Backend)
	}

	// Status validation
	if c.Status.ShutdownTimeout <= 0 {
		add("STATUS_SHUTDOWN_TIMEOUT must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		add("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		add("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format)
	}

	return errors.Join(errs...)
}

// ValidateImport checks the settings only an import run needs: the input
// path and, unless DryRun is set, the remote endpoint and credentials.
func (c *Config) ValidateImport() error {
	var errs []error
	if c.Import.Input == "" {
		errs = append(errs, errors.New("IMPORT_INPUT is required"))
	}
	if !c.Import.DryRun {
		if c.Remote.URL == "" {
			errs = append(errs, errors.New("REMOTE_URL is required unless IMPORT_DRY_RUN is set"))
		}
		if c.Remote.Database == "" {
			errs = append(errs, errors.New("REMOTE_DB is required unless IMPORT_DRY_RUN is set"))
		}
		if c.Remote.Username == "" {
			errs = append(errs, errors.New("REMOTE_USER is required unless IMPORT_DRY_RUN is set"))
		}
	}
	return errors.Join(errs...)
}

// String returns a safe string representation of the config for logging.
// Passwords and connection strings are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	fmt.Fprintf(&b, "Remote: {URL: %q, DB: %q, User: %q, Password: %s, RateLimit: %g}, ",
		c.Remote.URL, c.Remote.Database, c.Remote.Username, mask(c.Remote.Password), c.Remote.RateLimit)
	fmt.Fprintf(&b, "Import: {Input: %q, BatchSize: %d, MinBatchSize: %d, MaxBatchSize: %d, MaxWorkers: %d, MaxRetries: %d, Parallel: %v, Adaptive: %v, DryRun: %v}, ",
		c.Import.Input, c.Import.BatchSize, c.Import.MinBatchSize, c.Import.MaxBatchSize,
		c.Import.MaxWorkers, c.Import.MaxRetries, c.Import.Parallel, c.Import.Adaptive, c.Import.DryRun)
	fmt.Fprintf(&b, "Store: {Backend: %q, PostgresURL: %s, ValkeyAddr: %q}, ",
		c.Store.Backend, mask(c.Store.PostgresURL), c.Store.ValkeyAddr)
	fmt.Fprintf(&b, "Status: {Addr: %q, APIKeys: %d configured}, ", c.Status.Addr, len(c.Status.APIKeys))
	fmt.Fprintf(&b, "Logging: {Level: %q, Format: %q}",
		c.Logging.Level, c.Logging.Format)
	b.WriteString("}")
	return b.String()
}

func mask(s string) string {
	if s == "" {
		return `""`
	}
	return "[MASKED]"
}
