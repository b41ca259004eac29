// Package config loads Nexus's runtime configuration from environment
// variables (prefixed NEXUS_), with an optional YAML file as a lower
// priority layer underneath the environment.
//
// Configuration is loaded with LoadFromEnv() or LoadFromFile() and should
// be validated with Validate() before use.
//
// Example Usage:
//
//	cfg := config.LoadFromEnv()
//	if err := cfg.Validate(); err != nil {
//		log.Fatal().Err(err).Msg("invalid config")
//	}
//
// Environment Variables:
//
//   - NEXUS_DATA_DIR, NEXUS_DEFAULT_DATABASE
//   - NEXUS_LOCK_TIMEOUT, NEXUS_WAL_SYNC_MODE
//   - NEXUS_MAX_NODE_FILE_BYTES, NEXUS_MAX_REL_FILE_BYTES, NEXUS_MAX_PROPERTY_FILE_BYTES
//   - NEXUS_CACHE_ENABLED, NEXUS_CACHE_MAX_ENTRIES, NEXUS_CACHE_MAX_MEMORY_BYTES,
//     NEXUS_CACHE_ADAPTIVE_TTL, NEXUS_CACHE_MIN_TTL, NEXUS_CACHE_MAX_TTL
//   - NEXUS_AUTH_ENABLED, NEXUS_API_KEY_BCRYPT_COST
//   - NEXUS_RATE_LIMIT_ENABLED, NEXUS_RATE_LIMIT_PER_MINUTE
//   - NEXUS_LOG_LEVEL, NEXUS_LOG_FORMAT
//
// For a complete list, see the Config struct field documentation.
package config

import (
	"fmt"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all of Nexus's runtime configuration.
//
// Configuration is organized into logical sections:
//   - Storage: record/property store and WAL settings
//   - Lock: row lock manager timeout
//   - Cache: query result cache settings
//   - Auth: API key and rate-limit settings
//   - Logging: structured log level/format
//   - Features: feature flags
//
// Use LoadFromEnv() to build a Config from the environment, optionally
// layered on top of a YAML file loaded via LoadFromFile().
type Config struct {
	Storage  StorageConfig
	Lock     LockConfig
	Cache    CacheConfig
	Auth     AuthConfig
	Logging  LoggingConfig
	Memory   MemoryConfig
	Features FeatureFlagsConfig
}

// StorageConfig holds record store, property store, and WAL settings.
type StorageConfig struct {
	// DataDir is the parent directory under which each database gets its
	// own subdirectory (pkg/dbmanager).
	DataDir string
	// DefaultDatabase is the name of the database created at first boot.
	DefaultDatabase string
	// MaxNodeFileBytes caps nodes.store growth; 0 means unbounded.
	MaxNodeFileBytes int64
	// MaxRelFileBytes caps rels.store growth; 0 means unbounded.
	MaxRelFileBytes int64
	// MaxPropertyFileBytes caps properties/heap.store growth; 0 means unbounded.
	MaxPropertyFileBytes int64
	// WALSyncMode is "commit" (fsync once per transaction commit) or
	// "append" (fsync after every WAL entry).
	WALSyncMode string
}

// LockConfig holds row lock manager settings.
type LockConfig struct {
	// Timeout bounds how long a transaction waits on a contended resource
	// before AcquireRead/AcquireWrite fail with lockmgr.ErrTimeout.
	Timeout time.Duration
}

// CacheConfig holds query result cache settings.
type CacheConfig struct {
	Enabled        bool
	MaxEntries     int
	MaxMemoryBytes int64
	DefaultTTL     time.Duration
	AdaptiveTTL    bool
	MinTTL         time.Duration
	MaxTTL         time.Duration
}

// AuthConfig holds API key and rate-limit settings.
type AuthConfig struct {
	// Enabled controls whether API key auth is required.
	Enabled bool
	// APIKeyBcryptCost is the bcrypt cost used when hashing new API keys.
	APIKeyBcryptCost int
	// RateLimitEnabled toggles per-key request throttling.
	RateLimitEnabled bool
	// RateLimitPerMinute is the default request budget per API key.
	RateLimitPerMinute int
}

// LoggingConfig holds zerolog settings.
type LoggingConfig struct {
	// Level is one of: trace, debug, info, warn, error.
	Level string
	// Format is "console" (human-readable) or "json".
	Format string
}

// MemoryConfig tunes the Go runtime's own memory behavior. It is
// unrelated to graph data and is applied once at process start via
// ApplyRuntimeMemory, not reloaded per request.
type MemoryConfig struct {
	// RuntimeLimit is a soft memory limit in bytes (GOMEMLIMIT), 0 disables it.
	RuntimeLimit int64
	// RuntimeLimitStr is the raw string RuntimeLimit was parsed from, kept
	// around for logging at startup.
	RuntimeLimitStr string
	// GCPercent is the GOGC target percentage.
	GCPercent int
}

// DefaultConfig returns Nexus's built-in defaults, used when no
// environment variable or file entry overrides a field.
func DefaultConfig() Config {
	return Config{
		Storage: StorageConfig{
			DataDir:         "./data",
			DefaultDatabase: "nexus",
			WALSyncMode:     "commit",
		},
		Lock: LockConfig{
			Timeout: 5 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:        true,
			MaxEntries:     10000,
			MaxMemoryBytes: 512 * 1024 * 1024,
			DefaultTTL:     5 * time.Minute,
			AdaptiveTTL:    true,
			MinTTL:         30 * time.Second,
			MaxTTL:         30 * time.Minute,
		},
		Auth: AuthConfig{
			Enabled:            true,
			APIKeyBcryptCost:   12,
			RateLimitEnabled:   true,
			RateLimitPerMinute: 600,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Memory: MemoryConfig{
			RuntimeLimit: 0,
			GCPercent:    100,
		},
		Features: DefaultFeatureFlags(),
	}
}

// LoadFromEnv builds a Config from NEXUS_* environment variables,
// falling back to DefaultConfig() values for anything unset.
func LoadFromEnv() Config {
	cfg := DefaultConfig()

	cfg.Storage.DataDir = getEnv("NEXUS_DATA_DIR", cfg.Storage.DataDir)
	cfg.Storage.DefaultDatabase = getEnv("NEXUS_DEFAULT_DATABASE", cfg.Storage.DefaultDatabase)
	cfg.Storage.MaxNodeFileBytes = getEnvInt64("NEXUS_MAX_NODE_FILE_BYTES", cfg.Storage.MaxNodeFileBytes)
	cfg.Storage.MaxRelFileBytes = getEnvInt64("NEXUS_MAX_REL_FILE_BYTES", cfg.Storage.MaxRelFileBytes)
	cfg.Storage.MaxPropertyFileBytes = getEnvInt64("NEXUS_MAX_PROPERTY_FILE_BYTES", cfg.Storage.MaxPropertyFileBytes)
	cfg.Storage.WALSyncMode = getEnv("NEXUS_WAL_SYNC_MODE", cfg.Storage.WALSyncMode)

	cfg.Lock.Timeout = getEnvDuration("NEXUS_LOCK_TIMEOUT", cfg.Lock.Timeout)

	cfg.Cache.Enabled = getEnvBool("NEXUS_CACHE_ENABLED", cfg.Cache.Enabled)
	cfg.Cache.MaxEntries = getEnvInt("NEXUS_CACHE_MAX_ENTRIES", cfg.Cache.MaxEntries)
	cfg.Cache.MaxMemoryBytes = getEnvInt64("NEXUS_CACHE_MAX_MEMORY_BYTES", cfg.Cache.MaxMemoryBytes)
	cfg.Cache.DefaultTTL = getEnvDuration("NEXUS_CACHE_DEFAULT_TTL", cfg.Cache.DefaultTTL)
	cfg.Cache.AdaptiveTTL = getEnvBool("NEXUS_CACHE_ADAPTIVE_TTL", cfg.Cache.AdaptiveTTL)
	cfg.Cache.MinTTL = getEnvDuration("NEXUS_CACHE_MIN_TTL", cfg.Cache.MinTTL)
	cfg.Cache.MaxTTL = getEnvDuration("NEXUS_CACHE_MAX_TTL", cfg.Cache.MaxTTL)

	cfg.Auth.Enabled = getEnvBool("NEXUS_AUTH_ENABLED", cfg.Auth.Enabled)
	cfg.Auth.APIKeyBcryptCost = getEnvInt("NEXUS_API_KEY_BCRYPT_COST", cfg.Auth.APIKeyBcryptCost)
	cfg.Auth.RateLimitEnabled = getEnvBool("NEXUS_RATE_LIMIT_ENABLED", cfg.Auth.RateLimitEnabled)
	cfg.Auth.RateLimitPerMinute = getEnvInt("NEXUS_RATE_LIMIT_PER_MINUTE", cfg.Auth.RateLimitPerMinute)

	cfg.Logging.Level = getEnv("NEXUS_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("NEXUS_LOG_FORMAT", cfg.Logging.Format)

	if raw := os.Getenv("NEXUS_MEMORY_LIMIT"); raw != "" {
		cfg.Memory.RuntimeLimit = parseMemorySize(raw)
		cfg.Memory.RuntimeLimitStr = raw
	}
	cfg.Memory.GCPercent = getEnvInt("NEXUS_GC_PERCENT", cfg.Memory.GCPercent)

	cfg.Features = loadFeatureFlagsFromEnv(cfg.Features)

	return cfg
}

// LoadFromFile reads a YAML config file and layers it underneath
// whatever LoadFromEnv() already produced: file values fill in fields
// the environment didn't touch is not attempted field-by-field — instead
// a file value is applied, then any NEXUS_* variable that is actually
// set in the environment overrides it, matching the precedence order
// documented in the package comment (env wins over file).
func LoadFromFile(path string) (Config, error) {
	cfg := DefaultConfig()

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}

	env := LoadFromEnv()
	applyEnvOverrides(&cfg, &env)
	return cfg, nil
}

// applyEnvOverrides copies from env each field checked below whose NEXUS_*
// variable is actually present in the process environment, so a YAML file
// can set defaults while those env vars still win. The other variables
// LoadFromEnv reads (the cache TTL bounds, the API-key bcrypt cost, the
// memory and GC settings, and the NEXUS_FEATURE_* flags) are not copied;
// for those the file's value stands.
func applyEnvOverrides(cfg, env *Config) {
	if _, ok := os.LookupEnv("NEXUS_DATA_DIR"); ok {
		cfg.Storage.DataDir = env.Storage.DataDir
	}
	if _, ok := os.LookupEnv("NEXUS_DEFAULT_DATABASE"); ok {
		cfg.Storage.DefaultDatabase = env.Storage.DefaultDatabase
	}
	if _, ok := os.LookupEnv("NEXUS_MAX_NODE_FILE_BYTES"); ok {
		cfg.Storage.MaxNodeFileBytes = env.Storage.MaxNodeFileBytes
	}
	if _, ok := os.LookupEnv("NEXUS_MAX_REL_FILE_BYTES"); ok {
		cfg.Storage.MaxRelFileBytes = env.Storage.MaxRelFileBytes
	}
	if _, ok := os.LookupEnv("NEXUS_MAX_PROPERTY_FILE_BYTES"); ok {
		cfg.Storage.MaxPropertyFileBytes = env.Storage.MaxPropertyFileBytes
	}
	if _, ok := os.LookupEnv("NEXUS_WAL_SYNC_MODE"); ok {
		cfg.Storage.WALSyncMode = env.Storage.WALSyncMode
	}
	if _, ok := os.LookupEnv("NEXUS_LOCK_TIMEOUT"); ok {
		cfg.Lock.Timeout = env.Lock.Timeout
	}
	if _, ok := os.LookupEnv("NEXUS_CACHE_ENABLED"); ok {
		cfg.Cache.Enabled = env.Cache.Enabled
	}
	if _, ok := os.LookupEnv("NEXUS_CACHE_MAX_ENTRIES"); ok {
		cfg.Cache.MaxEntries = env.Cache.MaxEntries
	}
	if _, ok := os.LookupEnv("NEXUS_CACHE_MAX_MEMORY_BYTES"); ok {
		cfg.Cache.MaxMemoryBytes = env.Cache.MaxMemoryBytes
	}
	if _, ok := os.LookupEnv("NEXUS_CACHE_ADAPTIVE_TTL"); ok {
		cfg.Cache.AdaptiveTTL = env.Cache.AdaptiveTTL
	}
	if _, ok := os.LookupEnv("NEXUS_AUTH_ENABLED"); ok {
		cfg.Auth.Enabled = env.Auth.Enabled
	}
	if _, ok := os.LookupEnv("NEXUS_RATE_LIMIT_ENABLED"); ok {
		cfg.Auth.RateLimitEnabled = env.Auth.RateLimitEnabled
	}
	if _, ok := os.LookupEnv("NEXUS_RATE_LIMIT_PER_MINUTE"); ok {
		cfg.Auth.RateLimitPerMinute = env.Auth.RateLimitPerMinute
	}
	if _, ok := os.LookupEnv("NEXUS_LOG_LEVEL"); ok {
		cfg.Logging.Level = env.Logging.Level
	}
	if _, ok := os.LookupEnv("NEXUS_LOG_FORMAT"); ok {
		cfg.Logging.Format = env.Logging.Format
	}
}

// Validate checks the config for internally inconsistent values.
func (c *Config) Validate() error {
	if c.Storage.DataDir == "" {
		return fmt.Errorf("config: storage.data_dir must not be empty")
	}
	if c.Storage.DefaultDatabase == "" {
		return fmt.Errorf("config: storage.default_database must not be empty")
	}
	switch c.Storage.WALSyncMode {
	case "commit", "append":
	default:
		return fmt.Errorf("config: storage.wal_sync_mode must be \"commit\" or \"append\", got %q", c.Storage.WALSyncMode)
	}
	if c.Lock.Timeout <= 0 {
		return fmt.Errorf("config: lock.timeout must be positive")
	}
	if c.Cache.Enabled {
		if c.Cache.MaxEntries <= 0 {
			return fmt.Errorf("config: cache.max_entries must be positive when cache is enabled")
		}
		if c.Cache.MinTTL > c.Cache.MaxTTL {
			return fmt.Errorf("config: cache.min_ttl (%s) must not exceed cache.max_ttl (%s)", c.Cache.MinTTL, c.Cache.MaxTTL)
		}
	}
	if c.Auth.APIKeyBcryptCost < 4 || c.Auth.APIKeyBcryptCost > 31 {
		return fmt.Errorf("config: auth.api_key_bcrypt_cost must be between 4 and 31, got %d", c.Auth.APIKeyBcryptCost)
	}
	if c.Auth.RateLimitEnabled && c.Auth.RateLimitPerMinute <= 0 {
		return fmt.Errorf("config: auth.rate_limit_per_minute must be positive when rate limiting is enabled")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: logging.level must be one of trace/debug/info/warn/error, got %q", c.Logging.Level)
	}
	return c.Features.Validate()
}

// String renders the config in a form safe to log: no secrets live in
// this config (API keys are never persisted in plaintext, see pkg/auth),
// so there is nothing here to redact.
func (c *Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Storage{data_dir=%s default_db=%s wal_sync=%s}\n", c.Storage.DataDir, c.Storage.DefaultDatabase, c.Storage.WALSyncMode)
	fmt.Fprintf(&b, "Lock{timeout=%s}\n", c.Lock.Timeout)
	fmt.Fprintf(&b, "Cache{enabled=%t max_entries=%d max_memory=%s adaptive_ttl=%t}\n",
		c.Cache.Enabled, c.Cache.MaxEntries, FormatMemorySize(c.Cache.MaxMemoryBytes), c.Cache.AdaptiveTTL)
	fmt.Fprintf(&b, "Auth{enabled=%t rate_limit=%t/%dmin}\n", c.Auth.Enabled, c.Auth.RateLimitEnabled, c.Auth.RateLimitPerMinute)
	fmt.Fprintf(&b, "Logging{level=%s format=%s}\n", c.Logging.Level, c.Logging.Format)
	return b.String()
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if n := parseMemorySize(val); n != 0 {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

func getEnvStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultVal
}

// parseMemorySize parses a human-readable byte size string.
// Supports: "1024", "1KB", "1MB", "1GB", "1TB", "0", "unlimited".
func parseMemorySize(s string) int64 {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" || s == "UNLIMITED" {
		return 0
	}

	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "T"):
		multiplier = 1024 * 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "T")
	}

	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return val * multiplier
}

// FormatMemorySize formats bytes as a human-readable string.
func FormatMemorySize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.2f TB", float64(bytes)/float64(TB))
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// ApplyRuntimeMemory applies the runtime memory settings to the Go
// runtime. Should be called early in main() before heavy allocations.
func (c *MemoryConfig) ApplyRuntimeMemory() {
	if c.RuntimeLimit > 0 {
		debug.SetMemoryLimit(c.RuntimeLimit)
	}
	if c.GCPercent != 0 && c.GCPercent != 100 {
		debug.SetGCPercent(c.GCPercent)
	}
}
