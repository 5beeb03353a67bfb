// Package keisoku is the public API for embedding the Keisoku metrics engine.
//
// Orchestrators construct one Engine per process, bracket their task
// executions with StartExecution/EndExecution, and read derived metrics
// through CalculateMetrics or GetPerformanceReport:
//
//	eng, err := keisoku.New(keisoku.WithLogger(logger))
//	if err != nil { ... }
//	eng.Start(ctx)
//	defer eng.Shutdown(ctx)
//
//	id := eng.StartExecution("task-42", "planner", "plan", false)
//	// ... run the task ...
//	eng.EndExecution(id, keisoku.StatusCompleted)
//
// The import graph enforces a strict no-cycle rule: keisoku (root) imports
// internal/*, but internal/* never imports keisoku (root). Public types
// (Execution, Snapshot, Diagnostic) are standalone structs with no internal
// imports; conversion helpers live here because this is the only file that
// sees both sides of the boundary.
package keisoku

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/keisoku/internal/analyze"
	"github.com/ashita-ai/keisoku/internal/archive"
	"github.com/ashita-ai/keisoku/internal/config"
	"github.com/ashita-ai/keisoku/internal/metrics"
	"github.com/ashita-ai/keisoku/internal/model"
	"github.com/ashita-ai/keisoku/internal/persist"
	"github.com/ashita-ai/keisoku/internal/store"
	"github.com/ashita-ai/keisoku/internal/telemetry"
)

// Execution statuses the engine assigns or inspects. The status argument to
// EndExecution is open-ended; orchestrators may record custom terminal states.
const (
	StatusRunning   = model.StatusRunning
	StatusCompleted = model.StatusCompleted
	StatusFailed    = model.StatusFailed
)

// Engine is the metrics collection and aggregation engine. Construct with
// New(), start the write-behind loop with Start(), and always call Shutdown()
// — it performs the final save and guarantees no background writes afterward.
type Engine struct {
	cfg          config.Config
	logger       *slog.Logger
	store        *store.Store
	agg          *metrics.Aggregator
	pipeline     *persist.Pipeline
	archiver     *archive.Archiver
	analyzer     *analyze.Analyzer
	otelShutdown telemetry.Shutdown
	sessionID    string

	cleanupWG sync.WaitGroup // outstanding background cleanup passes
}

// New initialises the engine: loads configuration, creates the metrics
// directory, wires all subsystems. It does NOT start any goroutines — call
// Start().
func New(opts ...Option) (*Engine, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.metricsDir != "" {
		cfg.MetricsDir = o.metricsDir
	}
	if o.maxExecutions != 0 {
		cfg.MaxExecutions = o.maxExecutions
	}
	if o.maxGroups != 0 {
		cfg.MaxGroups = o.maxGroups
	}
	if o.flushInterval != 0 {
		cfg.WriteFlushInterval = o.flushInterval
	}
	if o.cleanupInterval != 0 {
		cfg.CleanupInterval = o.cleanupInterval
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	version := o.version
	if version == "" {
		version = "dev"
	}
	sessionID := o.sessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	now := o.now

	if err := os.MkdirAll(cfg.MetricsDir, 0o700); err != nil {
		return nil, fmt.Errorf("create metrics dir: %w", err)
	}

	logger.Info("keisoku starting", "version", version, "session_id", sessionID, "metrics_dir", cfg.MetricsDir)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	st := store.New(logger, cfg.MaxExecutions, cfg.MaxGroups, now)
	agg := metrics.New(st, sessionID, now)
	gate := persist.NewGate(int64(cfg.MaxConcurrentWrites))
	pipeline := persist.New(agg, st, gate, logger, persist.Options{
		Dir:            cfg.MetricsDir,
		FlushInterval:  cfg.WriteFlushInterval,
		RetryAttempts:  cfg.WriteRetryAttempts,
		RetryBaseDelay: cfg.WriteRetryBaseDelay,
		HistorySize:    cfg.WriteBufferSize,
		ErrorRingSize:  cfg.WriteErrorRingSize,
		AgentCap:       cfg.PersistedAgentCap,
		Now:            now,
	})
	archiver := archive.New(gate, logger, archive.Options{
		Dir:            cfg.MetricsDir,
		ArchiveAge:     cfg.ArchiveAge,
		BatchSize:      cfg.ArchiveBatchSize,
		Retention:      cfg.SessionRetention,
		RetryAttempts:  cfg.WriteRetryAttempts,
		RetryBaseDelay: cfg.WriteRetryBaseDelay,
		Now:            now,
	})
	analyzer := analyze.New(agg, cfg.AnalyzerCacheTTL, cfg.TokenBudget, now)

	return &Engine{
		cfg:          cfg,
		logger:       logger,
		store:        st,
		agg:          agg,
		pipeline:     pipeline,
		archiver:     archiver,
		analyzer:     analyzer,
		otelShutdown: otelShutdown,
		sessionID:    sessionID,
	}, nil
}

// SessionID returns the id this engine's snapshots are persisted under.
func (e *Engine) SessionID() string {
	return e.sessionID
}

// Start registers OTEL gauges and launches the background write-behind loop.
func (e *Engine) Start(ctx context.Context) {
	e.store.RegisterMetrics()
	e.archiver.RegisterMetrics()
	e.pipeline.Start(ctx)
}

// StartExecution records the start of one agent-task execution and returns
// its execution id. Runs the lazy periodic-cleanup check first.
func (e *Engine) StartExecution(taskID, agent, taskType string, parallel bool) string {
	e.maybeCleanup()
	return e.store.StartExecution(taskID, agent, taskType, parallel)
}

// EndExecution marks the execution terminal with the given status and
// optional error strings. Unknown ids are a silent no-op.
func (e *Engine) EndExecution(executionID, status string, errs ...string) {
	e.store.EndExecution(executionID, status, errs)
}

// TrackParallelGroup records a batch of concurrently dispatched task ids with
// the measured wall-clock duration.
func (e *Engine) TrackParallelGroup(taskIDs []string, duration time.Duration) {
	e.store.TrackParallelGroup(taskIDs, duration)
}

// RecordTokenUsage adds to the session's cumulative token counter.
func (e *Engine) RecordTokenUsage(tokens int64) {
	e.store.RecordTokenUsage(tokens)
}

// GetExecution returns the execution for id.
func (e *Engine) GetExecution(id string) (Execution, bool) {
	rec, ok := e.store.GetByExecutionID(id)
	if !ok {
		return Execution{}, false
	}
	return toPublicExecution(rec), true
}

// GetExecutionsByAgent returns all tracked executions for agent, oldest first.
func (e *Engine) GetExecutionsByAgent(agent string) []Execution {
	return toPublicExecutions(e.store.GetByAgent(agent))
}

// GetExecutionsByTask returns all tracked executions for taskID, oldest first.
func (e *Engine) GetExecutionsByTask(taskID string) []Execution {
	return toPublicExecutions(e.store.GetByTaskID(taskID))
}

// GetExecutionsByStatus returns all executions currently in status.
func (e *Engine) GetExecutionsByStatus(status string) []Execution {
	return toPublicExecutions(e.store.GetByStatus(status))
}

// CalculateMetrics returns the current derived-metrics snapshot. Cached until
// the next mutation; cheap to call on every dashboard poll.
func (e *Engine) CalculateMetrics() Snapshot {
	return toPublicSnapshot(e.agg.Calculate())
}

// SaveMetrics persists the current snapshot and updates the cross-session
// aggregate file. Returns an error only after every retry attempt is
// exhausted.
func (e *Engine) SaveMetrics(ctx context.Context) error {
	return e.pipeline.SaveMetrics(ctx)
}

// AnalyzeBottlenecks returns the current bottleneck diagnostics
// (short-TTL cached).
func (e *Engine) AnalyzeBottlenecks() []Diagnostic {
	return toPublicDiagnostics(e.analyzer.AnalyzeBottlenecks())
}

// SuggestOptimizations returns ranked optimization suggestions derived from
// the diagnostics plus general heuristics.
func (e *Engine) SuggestOptimizations() []string {
	return e.analyzer.SuggestOptimizations()
}

// GetPerformanceReport combines the snapshot, diagnostics, and suggestions
// for display consumers.
func (e *Engine) GetPerformanceReport() Report {
	return Report{
		Snapshot:    e.CalculateMetrics(),
		Diagnostics: e.AnalyzeBottlenecks(),
		Suggestions: e.SuggestOptimizations(),
	}
}

// ArchiveOldSessions folds one batch of old session files into an archive
// bundle once the batch threshold is met. Returns how many sessions were
// archived (zero when below the threshold).
func (e *Engine) ArchiveOldSessions(ctx context.Context) (int, error) {
	return e.archiver.ArchiveOldSessions(ctx)
}

// Shutdown performs one final SaveMetrics, stops the background flush loop
// and waits for it to terminate, then flushes telemetry. No background
// writes occur after Shutdown returns. The returned error is the final
// save's, if any.
func (e *Engine) Shutdown(ctx context.Context) error {
	saveErr := e.pipeline.SaveMetrics(ctx)
	e.pipeline.Drain(ctx)
	e.cleanupWG.Wait()
	if err := e.otelShutdown(ctx); err != nil {
		e.logger.Warn("keisoku: telemetry shutdown failed", "error", err)
	}
	e.logger.Info("keisoku stopped", "session_id", e.sessionID)
	return saveErr
}

// maybeCleanup runs the periodic cleanup once the configured interval has
// elapsed: expired in-memory records are evicted synchronously (cheap, under
// the store lock), while archival, disk retention, and memory reclamation run
// in the background. Cleanup failures never disrupt the collection path.
func (e *Engine) maybeCleanup() {
	if !e.store.ShouldCleanup(e.cfg.CleanupInterval) {
		return
	}
	e.store.CleanupExpired(e.cfg.RecordMaxAge)

	e.cleanupWG.Add(1)
	go func() {
		defer e.cleanupWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := e.archiver.ArchiveOldSessions(ctx); err != nil {
			e.logger.Warn("keisoku: background archival failed", "error", err)
		}
		e.archiver.CleanupDisk(ctx)
		runtime.GC()
	}()
}

// --- Public/internal conversions ---

func toPublicExecution(r model.ExecutionRecord) Execution {
	return Execution{
		ID:        r.ID,
		TaskID:    r.TaskID,
		Agent:     r.Agent,
		TaskType:  r.TaskType,
		StartTime: r.StartTime,
		EndTime:   r.EndTime,
		Duration:  r.Duration,
		Status:    r.Status,
		Parallel:  r.Parallel,
		Errors:    r.Errors,
	}
}

func toPublicExecutions(recs []model.ExecutionRecord) []Execution {
	if len(recs) == 0 {
		return nil
	}
	out := make([]Execution, len(recs))
	for i, r := range recs {
		out[i] = toPublicExecution(r)
	}
	return out
}

func toPublicSnapshot(s model.MetricsSnapshot) Snapshot {
	agents := make(map[string]AgentStats, len(s.AgentUtilization))
	for name, st := range s.AgentUtilization {
		agents[name] = AgentStats{Executions: st.Executions, TotalDuration: st.TotalDuration}
	}
	return Snapshot{
		SessionID:            s.SessionID,
		Status:               s.Status,
		TotalExecutions:      s.TotalExecutions,
		ParallelExecutions:   s.ParallelExecutions,
		SequentialExecutions: s.SequentialExecutions,
		TotalDuration:        s.TotalDuration,
		AverageSpeedup:       s.AverageSpeedup,
		ParallelizationRatio: s.ParallelizationRatio,
		SuccessRate:          s.SuccessRate,
		AgentUtilization:     agents,
		TokenUsage:           s.TokenUsage,
		EfficiencyScore:      s.EfficiencyScore,
		MemoryHealth:         s.MemoryHealth,
		GeneratedAt:          s.GeneratedAt,
	}
}

func toPublicDiagnostics(diags []analyze.Diagnostic) []Diagnostic {
	if len(diags) == 0 {
		return nil
	}
	out := make([]Diagnostic, len(diags))
	for i, d := range diags {
		out[i] = Diagnostic{
			Kind:       d.Kind,
			Severity:   string(d.Severity),
			Detail:     d.Detail,
			Suggestion: d.Suggestion,
		}
	}
	return out
}
