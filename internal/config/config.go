// Package config loads and validates engine configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all engine configuration. Immutable after Load; constructor
// options on the root package may override individual fields before the
// engine is built.
type Config struct {
	// In-memory store capacities.
	MaxExecutions int
	MaxGroups     int

	// Periodic cleanup (lazy, checked on StartExecution).
	CleanupInterval time.Duration
	RecordMaxAge    time.Duration // terminal records older than this are evicted

	// Persistence pipeline.
	MetricsDir          string
	WriteBufferSize     int // session-history ring capacity
	WriteFlushInterval  time.Duration
	MaxConcurrentWrites int
	WriteRetryAttempts  int
	WriteRetryBaseDelay time.Duration
	WriteErrorRingSize  int
	PersistedAgentCap   int // max agent entries written into a session file

	// Archival.
	SessionRetention time.Duration // on-disk session files older than this are deleted
	ArchiveAge       time.Duration // session files older than this are archive-eligible
	ArchiveBatchSize int

	// Analyzer.
	AnalyzerCacheTTL time.Duration
	TokenBudget      int64

	// Observability.
	LogLevel     string
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		MaxExecutions:       envInt("KEISOKU_MAX_EXECUTIONS", 1000),
		MaxGroups:           envInt("KEISOKU_MAX_GROUPS", 500),
		CleanupInterval:     envDuration("KEISOKU_CLEANUP_INTERVAL", 5*time.Minute),
		RecordMaxAge:        envDuration("KEISOKU_RECORD_MAX_AGE", time.Hour),
		MetricsDir:          envStr("KEISOKU_METRICS_DIR", "./keisoku-metrics"),
		WriteBufferSize:     envInt("KEISOKU_WRITE_BUFFER_SIZE", 100),
		WriteFlushInterval:  envDuration("KEISOKU_WRITE_FLUSH_INTERVAL", 30*time.Second),
		MaxConcurrentWrites: envInt("KEISOKU_MAX_CONCURRENT_WRITES", 4),
		WriteRetryAttempts:  envInt("KEISOKU_WRITE_RETRY_ATTEMPTS", 3),
		WriteRetryBaseDelay: envDuration("KEISOKU_WRITE_RETRY_BASE_DELAY", 100*time.Millisecond),
		WriteErrorRingSize:  envInt("KEISOKU_WRITE_ERROR_RING_SIZE", 50),
		PersistedAgentCap:   envInt("KEISOKU_PERSISTED_AGENT_CAP", 100),
		SessionRetention:    envDuration("KEISOKU_SESSION_RETENTION", 7*24*time.Hour),
		ArchiveAge:          envDuration("KEISOKU_ARCHIVE_AGE", 24*time.Hour),
		ArchiveBatchSize:    envInt("KEISOKU_ARCHIVE_BATCH_SIZE", 10),
		AnalyzerCacheTTL:    envDuration("KEISOKU_ANALYZER_CACHE_TTL", time.Minute),
		TokenBudget:         envInt64("KEISOKU_TOKEN_BUDGET", 1_000_000),
		LogLevel:            envStr("KEISOKU_LOG_LEVEL", "info"),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "keisoku"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks capacity and concurrency bounds.
func (c Config) Validate() error {
	if c.MaxExecutions <= 0 {
		return fmt.Errorf("config: KEISOKU_MAX_EXECUTIONS must be positive")
	}
	if c.MaxGroups <= 0 {
		return fmt.Errorf("config: KEISOKU_MAX_GROUPS must be positive")
	}
	if c.MaxConcurrentWrites <= 0 {
		return fmt.Errorf("config: KEISOKU_MAX_CONCURRENT_WRITES must be positive")
	}
	if c.WriteRetryAttempts <= 0 {
		return fmt.Errorf("config: KEISOKU_WRITE_RETRY_ATTEMPTS must be positive")
	}
	if c.WriteErrorRingSize <= 0 {
		return fmt.Errorf("config: KEISOKU_WRITE_ERROR_RING_SIZE must be positive")
	}
	if c.ArchiveBatchSize <= 0 {
		return fmt.Errorf("config: KEISOKU_ARCHIVE_BATCH_SIZE must be positive")
	}
	if c.MetricsDir == "" {
		return fmt.Errorf("config: KEISOKU_METRICS_DIR is required")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envInt64(key string, defaultVal int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
