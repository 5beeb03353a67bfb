package keisoku

import (
	"log/slog"
	"time"
)

// Option configures an Engine.
type Option func(*resolvedOptions)

// resolvedOptions holds all overrides after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	logger          *slog.Logger
	metricsDir      string
	maxExecutions   int
	maxGroups       int
	flushInterval   time.Duration
	cleanupInterval time.Duration
	sessionID       string
	version         string
	now             func() time.Time
}

// WithLogger sets the structured logger for the Engine.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithMetricsDir overrides the durable metrics directory from config
// (KEISOKU_METRICS_DIR env var).
func WithMetricsDir(dir string) Option {
	return func(o *resolvedOptions) { o.metricsDir = dir }
}

// WithMaxExecutions overrides the execution store capacity from config
// (KEISOKU_MAX_EXECUTIONS env var).
func WithMaxExecutions(n int) Option {
	return func(o *resolvedOptions) { o.maxExecutions = n }
}

// WithMaxGroups overrides the parallel-group ring capacity from config
// (KEISOKU_MAX_GROUPS env var).
func WithMaxGroups(n int) Option {
	return func(o *resolvedOptions) { o.maxGroups = n }
}

// WithFlushInterval overrides the background write-behind interval from
// config (KEISOKU_WRITE_FLUSH_INTERVAL env var).
func WithFlushInterval(d time.Duration) Option {
	return func(o *resolvedOptions) { o.flushInterval = d }
}

// WithCleanupInterval overrides the lazy periodic-cleanup interval from
// config (KEISOKU_CLEANUP_INTERVAL env var).
func WithCleanupInterval(d time.Duration) Option {
	return func(o *resolvedOptions) { o.cleanupInterval = d }
}

// WithSessionID overrides the generated session id. Session snapshot files
// are named by session id, so callers resuming a session can keep writing to
// the same artifact.
func WithSessionID(id string) Option {
	return func(o *resolvedOptions) { o.sessionID = id }
}

// WithVersion sets the version string reported in logs and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithClock replaces the wall clock. Test seam; production code never needs it.
func WithClock(now func() time.Time) Option {
	return func(o *resolvedOptions) { o.now = now }
}
