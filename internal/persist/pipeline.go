// Package persist is the asynchronous write-behind persistence pipeline.
//
// Snapshots are serialized to the metrics directory as JSON artifacts: one
// session file per session id plus a single cumulative aggregate file that is
// read-merge-written on every save. All file writes pass a bounded
// concurrency gate and a fixed-attempt retry loop with jittered exponential
// backoff; exhausted retries land in a capped ring of recent write errors
// and surface only to the immediate caller. A background ticker flushes
// automatically whenever the store has mutated since the last save.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/keisoku/internal/metrics"
	"github.com/ashita-ai/keisoku/internal/model"
	"github.com/ashita-ai/keisoku/internal/store"
	"github.com/ashita-ai/keisoku/internal/telemetry"
)

// AggregateFileName is the single cumulative cross-session file.
const AggregateFileName = "aggregate.json"

// SessionFileName returns the artifact name for a session id.
func SessionFileName(sessionID string) string {
	return "session_" + sessionID + ".json"
}

// WriteError is one entry in the capped ring of recent write failures.
type WriteError struct {
	Path     string    `json:"path"`
	Err      string    `json:"error"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
}

// Options configures a Pipeline.
type Options struct {
	Dir            string
	FlushInterval  time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	HistorySize    int // session-history ring capacity
	ErrorRingSize  int
	AgentCap       int // max agent entries persisted per session file
	Now            func() time.Time
}

// Pipeline persists metrics snapshots without blocking the collection path.
type Pipeline struct {
	agg    *metrics.Aggregator
	store  *store.Store
	gate   *Gate
	logger *slog.Logger
	opts   Options

	saveMu sync.Mutex // serializes SaveMetrics: same-path writes must not interleave

	mu           sync.Mutex
	history      []model.SessionSummary
	writeErrs    []WriteError
	lastSavedGen uint64

	writeCount atomic.Int64 // successful file writes; frozen after Drain returns
	errorCount atomic.Int64 // writes that exhausted every retry attempt

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{} // closed when flushLoop exits
}

// New creates a pipeline writing under opts.Dir through the shared gate.
func New(agg *metrics.Aggregator, st *store.Store, gate *Gate, logger *slog.Logger, opts Options) *Pipeline {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{
		agg:    agg,
		store:  st,
		gate:   gate,
		logger: logger,
		opts:   opts,
		done:   make(chan struct{}),
	}
}

// Start begins the background flush loop and registers OTEL metrics. Safe to
// call only once; subsequent calls are no-ops and log a warning.
func (p *Pipeline) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		p.logger.Warn("persist: Start called more than once, ignoring")
		return
	}
	p.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancelLoop = cancel
	go p.flushLoop(loopCtx)
}

// SaveMetrics computes (or reuses) the current snapshot, appends its compact
// summary to the bounded session-history ring, writes the session file, and
// read-merge-writes the aggregate file. Returns the first persistent failure
// after all retries are exhausted; in-memory state is updated regardless.
func (p *Pipeline) SaveMetrics(ctx context.Context) error {
	p.saveMu.Lock()
	defer p.saveMu.Unlock()

	ctx, span := telemetry.Tracer("keisoku/persist").Start(ctx, "SaveMetrics")
	defer span.End()

	gen := p.store.Generation()
	snap := p.agg.Calculate()
	p.appendHistory(snap.Summary())

	var firstErr error
	if err := p.writeSession(ctx, snap); err != nil {
		firstErr = err
	}
	if err := p.updateAggregate(ctx, snap); err != nil && firstErr == nil {
		firstErr = err
	}

	p.mu.Lock()
	p.lastSavedGen = gen
	p.mu.Unlock()
	return firstErr
}

// Drain stops the background flush loop and blocks until it has fully
// terminated or ctx expires. No background writes occur after Drain returns.
// On a pipeline that was never started there is no loop to stop and Drain
// returns immediately.
func (p *Pipeline) Drain(ctx context.Context) {
	if !p.started.Load() {
		return
	}
	p.cancelLoop()
	select {
	case <-p.done:
	case <-ctx.Done():
		p.logger.Warn("persist: drain timed out waiting for flush loop")
	}
}

// History returns a copy of the session-history ring, oldest first.
func (p *Pipeline) History() []model.SessionSummary {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.SessionSummary, len(p.history))
	copy(out, p.history)
	return out
}

// RecentErrors returns a copy of the capped write-error ring, oldest first.
func (p *Pipeline) RecentErrors() []WriteError {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WriteError, len(p.writeErrs))
	copy(out, p.writeErrs)
	return out
}

// WriteCount returns the number of successful file writes so far.
func (p *Pipeline) WriteCount() int64 {
	return p.writeCount.Load()
}

func (p *Pipeline) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(p.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// The final save belongs to Shutdown, which runs it in the
			// foreground before calling Drain. The loop only has to stop.
			close(p.done)
			return
		case <-ticker.C:
			if !p.pending() {
				continue
			}
			flushCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if err := p.SaveMetrics(flushCtx); err != nil {
				p.logger.Error("persist: background flush failed", "error", err)
			}
			cancel()
		}
	}
}

// pending reports whether the store mutated since the last save.
func (p *Pipeline) pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store.Generation() != p.lastSavedGen
}

func (p *Pipeline) appendHistory(sum model.SessionSummary) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append(p.history, sum)
	if max := p.opts.HistorySize; max > 0 && len(p.history) > max {
		p.history = p.history[len(p.history)-max:]
	}
}

func (p *Pipeline) writeSession(ctx context.Context, snap model.MetricsSnapshot) error {
	snap.AgentUtilization = capAgents(snap.AgentUtilization, p.opts.AgentCap)
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("persist: marshal session snapshot: %w", err)
	}
	return p.write(ctx, filepath.Join(p.opts.Dir, SessionFileName(snap.SessionID)), data)
}

// updateAggregate performs the read-merge-write cycle on the aggregate file.
// A missing file starts from zero totals; a corrupt file is reset rather
// than poisoning every future save.
func (p *Pipeline) updateAggregate(ctx context.Context, snap model.MetricsSnapshot) error {
	path := filepath.Join(p.opts.Dir, AggregateFileName)

	var totals model.AggregateTotals
	data, err := os.ReadFile(path) //nolint:gosec // path is constructed from the configured metrics dir
	switch {
	case errors.Is(err, os.ErrNotExist):
		// First session: start from zero.
	case err != nil:
		p.logger.Warn("persist: aggregate read failed, starting fresh", "error", err)
	default:
		if err := json.Unmarshal(data, &totals); err != nil {
			p.logger.Warn("persist: aggregate file corrupt, resetting", "error", err)
			totals = model.AggregateTotals{}
		}
	}

	totals.Merge(snap)

	out, err := json.MarshalIndent(totals, "", "  ")
	if err != nil {
		return fmt.Errorf("persist: marshal aggregate: %w", err)
	}
	return p.write(ctx, path, out)
}

// write pushes one file through the gate and the retry loop. A write that
// fails every attempt is recorded in the error ring and returned.
func (p *Pipeline) write(ctx context.Context, path string, data []byte) error {
	if err := p.gate.Acquire(ctx); err != nil {
		return fmt.Errorf("persist: acquire write gate: %w", err)
	}
	defer p.gate.Release()

	err := WithRetry(ctx, p.opts.RetryAttempts, p.opts.RetryBaseDelay, func() error {
		return WriteFileAtomic(path, data)
	})
	if err != nil {
		p.recordError(path, err)
		return err
	}
	p.writeCount.Add(1)
	return nil
}

func (p *Pipeline) recordError(path string, err error) {
	p.errorCount.Add(1)
	p.logger.Error("persist: write failed after retries",
		"path", path, "attempts", p.opts.RetryAttempts, "error", err)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErrs = append(p.writeErrs, WriteError{
		Path:     path,
		Err:      err.Error(),
		Attempts: p.opts.RetryAttempts,
		At:       p.opts.Now(),
	})
	if max := p.opts.ErrorRingSize; max > 0 && len(p.writeErrs) > max {
		p.writeErrs = p.writeErrs[len(p.writeErrs)-max:]
	}
}

// capAgents bounds the persisted utilization map: when the map exceeds limit
// entries, only the limit busiest agents (by execution count, ties broken by
// name) are written to disk. The in-memory snapshot is left untouched.
func capAgents(agents map[string]model.AgentStats, limit int) map[string]model.AgentStats {
	if limit <= 0 || len(agents) <= limit {
		return agents
	}
	names := make([]string, 0, len(agents))
	for name := range agents {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := agents[names[i]], agents[names[j]]
		if a.Executions != b.Executions {
			return a.Executions > b.Executions
		}
		return names[i] < names[j]
	})
	out := make(map[string]model.AgentStats, limit)
	for _, name := range names[:limit] {
		out[name] = agents[name]
	}
	return out
}

// registerMetrics registers observable OTEL gauges for pipeline health.
func (p *Pipeline) registerMetrics() {
	meter := telemetry.Meter("keisoku/persist")

	_, _ = meter.Int64ObservableGauge("keisoku.persist.writes_total",
		metric.WithDescription("Total successful metrics file writes"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(p.writeCount.Load())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("keisoku.persist.write_errors_total",
		metric.WithDescription("Total writes that exhausted every retry attempt"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(p.errorCount.Load())
			return nil
		}),
	)
}
