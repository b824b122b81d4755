package engine

import (
	"os"
	"strconv"
	"time"
)

// Default tuning values, overridable through the environment or per job.
const (
	DefaultTimeoutSeconds       = 3600
	DefaultRetryAttempts        = 3
	DefaultBatchSize            = 250
	DefaultMaxConcurrentBatches = 5
)

// Config carries process-level settings for an engine instance.
type Config struct {
	// DatabaseURL selects the persistence backend: a plain path (or
	// ":memory:") opens SQLite, a DSN prefixed "mysql://" opens MySQL.
	DatabaseURL string

	// StorageBasePath roots the filesystem blob backend.
	StorageBasePath string

	MaxInlineBytes         int
	CompressThresholdBytes int

	// JobTimeout bounds one job's wall clock unless overridden per job.
	JobTimeout time.Duration

	RetryAttempts        int
	BatchSize            int
	MaxConcurrentBatches int

	// CheckpointRetention sets checkpoint expiry.
	CheckpointRetention time.Duration

	// ResourceConfigPath points at the YAML resource-configuration
	// document; empty disables the resource manager.
	ResourceConfigPath string
}

// ConfigFromEnv reads the engine configuration from the environment,
// falling back to defaults for anything unset.
func ConfigFromEnv() Config {
	return Config{
		DatabaseURL:            envString("DATABASE_URL", "biomapper.db"),
		StorageBasePath:        envString("STORAGE_BASE_PATH", "./data"),
		MaxInlineBytes:         envInt("MAX_INLINE_BYTES", 64*1024),
		CompressThresholdBytes: envInt("COMPRESS_THRESHOLD_BYTES", 100*1024),
		JobTimeout:             time.Duration(envInt("JOB_TIMEOUT_SECONDS", DefaultTimeoutSeconds)) * time.Second,
		RetryAttempts:          envInt("RETRY_ATTEMPTS", DefaultRetryAttempts),
		BatchSize:              envInt("BATCH_SIZE", DefaultBatchSize),
		MaxConcurrentBatches:   envInt("MAX_CONCURRENT_BATCHES", DefaultMaxConcurrentBatches),
		CheckpointRetention:    time.Duration(envInt("CHECKPOINT_RETENTION_DAYS", 7)) * 24 * time.Hour,
		ResourceConfigPath:     envString("RESOURCE_CONFIG_PATH", ""),
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
