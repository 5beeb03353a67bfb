// Package store holds the bounded in-memory execution record store, its
// secondary indexes, and the bounded parallel-group ring.
//
// All mutation paths run under a single mutex: the engine is used from real
// OS threads, so the multi-step update (append to the store, then touch five
// index buckets) must be atomic with respect to concurrent callers. Point
// lookups go through the indexes and never scan the full store.
package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/keisoku/internal/model"
	"github.com/ashita-ai/keisoku/internal/telemetry"
)

// speedupWindow is how many of the most recent parallel groups feed the
// average-speedup calculation.
const speedupWindow = 100

// nearCapacityRatio is the occupancy above which the snapshot reports
// memory health as near_capacity.
const nearCapacityRatio = 0.9

// Stats is the raw, index-derived material the aggregator composes a
// snapshot from. Everything here is computed under one lock acquisition,
// with no full-store scans.
type Stats struct {
	Generation           uint64
	TotalExecutions      int
	ParallelExecutions   int
	SequentialExecutions int
	CompletedExecutions  int
	TotalDuration        time.Duration
	AverageSpeedup       float64 // mean over the most recent ≤speedupWindow groups; 1.0 when none
	GroupCount           int
	Agents               map[string]model.AgentStats
	TokenUsage           int64
	Occupancy            float64
}

// Store is the bounded execution record store plus the multi-index layer.
type Store struct {
	logger        *slog.Logger
	maxExecutions int
	maxGroups     int
	now           func() time.Time

	mu      sync.Mutex
	records []*model.ExecutionRecord // insertion ordered, oldest first
	groups  []model.ParallelGroup    // insertion ordered, oldest first

	byID       map[string]*model.ExecutionRecord
	byAgent    map[string][]*model.ExecutionRecord
	byTask     map[string][]*model.ExecutionRecord
	byStatus   map[string]map[string]struct{} // status -> set of execution ids
	parallelID map[string]struct{}            // ids of parallel executions

	// agentDurations accumulates completed-execution durations per agent so
	// the aggregator never has to walk the record list. The cache is a
	// session-lifetime accumulator: it is not pruned when records are
	// evicted, so total duration keeps counting work that has aged out of
	// the bounded store. Memory is bounded by agent-name cardinality, with
	// names capped at creation.
	agentDurations map[string]time.Duration
	tokenUsage     int64

	lastCleanup time.Time

	// generation bumps on every mutation; the aggregator memoizes on it.
	generation atomic.Uint64
}

// New creates an empty store with the given capacities. The clock is
// injectable for tests; pass nil for time.Now.
func New(logger *slog.Logger, maxExecutions, maxGroups int, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	s := &Store{
		logger:         logger,
		maxExecutions:  maxExecutions,
		maxGroups:      maxGroups,
		now:            now,
		byID:           make(map[string]*model.ExecutionRecord),
		byAgent:        make(map[string][]*model.ExecutionRecord),
		byTask:         make(map[string][]*model.ExecutionRecord),
		byStatus:       make(map[string]map[string]struct{}),
		parallelID:     make(map[string]struct{}),
		agentDurations: make(map[string]time.Duration),
	}
	s.lastCleanup = now()
	return s
}

// StartExecution creates a running record, appends it to the bounded store
// (evicting the oldest when full), and registers it in every index. Returns
// the new execution id.
//
// Indexes are pruned synchronously when a record is evicted, so index size
// always matches store size.
func (s *Store) StartExecution(taskID, agent, taskType string, parallel bool) string {
	rec := model.NewExecutionRecord(taskID, agent, taskType, parallel, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.records) >= s.maxExecutions {
		evicted := s.records[0]
		s.records = s.records[1:]
		s.unindexLocked(evicted)
	}
	s.records = append(s.records, rec)
	s.indexLocked(rec)

	s.generation.Add(1)
	return rec.ID
}

// EndExecution marks the record terminal: sets end time, duration, status and
// optional errors, moves the id between status buckets, and accumulates the
// duration into the per-agent cache on completion.
//
// Unknown ids are a silent no-op. A record that is already terminal is left
// unchanged — every execution reaches at most one terminal status.
func (s *Store) EndExecution(id, status string, errs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		// Compatibility fallback for callers holding ids minted before the
		// id index existed.
		for _, r := range s.records {
			if r.ID == id {
				rec = r
				break
			}
		}
		if rec == nil {
			return
		}
	}
	if rec.Terminal() {
		return
	}

	end := s.now()
	dur := end.Sub(rec.StartTime)
	prev := rec.Status
	rec.EndTime = &end
	rec.Duration = &dur
	rec.Status = status
	rec.Errors = model.CapErrors(errs)

	s.moveStatusLocked(rec.ID, prev, status)
	if status == model.StatusCompleted {
		s.agentDurations[rec.Agent] += dur
	}

	s.generation.Add(1)
}

// TrackParallelGroup appends a capped group record to the bounded group ring.
func (s *Store) TrackParallelGroup(taskIDs []string, duration time.Duration) {
	grp := model.NewParallelGroup(taskIDs, duration, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.groups) >= s.maxGroups {
		s.groups = s.groups[1:]
	}
	s.groups = append(s.groups, grp)
	s.generation.Add(1)
}

// RecordTokenUsage adds to the cumulative token counter for this session.
func (s *Store) RecordTokenUsage(tokens int64) {
	if tokens <= 0 {
		return
	}
	s.mu.Lock()
	s.tokenUsage += tokens
	s.generation.Add(1)
	s.mu.Unlock()
}

// GetByExecutionID returns a copy of the record for id.
func (s *Store) GetByExecutionID(id string) (model.ExecutionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return model.ExecutionRecord{}, false
	}
	return *rec, true
}

// GetByAgent returns copies of all records for agent, oldest first.
func (s *Store) GetByAgent(agent string) []model.ExecutionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyRecords(s.byAgent[agent])
}

// GetByTaskID returns copies of all records for taskID, oldest first.
func (s *Store) GetByTaskID(taskID string) []model.ExecutionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyRecords(s.byTask[taskID])
}

// GetByStatus returns copies of all records currently in status, oldest
// first. Resolves the status id set through the id index, so cost scales
// with the bucket size, not the store size.
func (s *Store) GetByStatus(status string) []model.ExecutionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, ok := s.byStatus[status]
	if !ok {
		return nil
	}
	out := make([]model.ExecutionRecord, 0, len(ids))
	for id := range ids {
		if rec, in := s.byID[id]; in {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// Len returns the current number of execution records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// GroupLen returns the current number of parallel-group records.
func (s *Store) GroupLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.groups)
}

// Generation returns the mutation counter. The aggregator compares it
// against the generation its cached snapshot was computed at.
func (s *Store) Generation() uint64 {
	return s.generation.Load()
}

// ShouldCleanup reports whether the cleanup interval has elapsed and, if so,
// advances the last-cleanup mark. At most one caller gets true per interval.
func (s *Store) ShouldCleanup(interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if now.Sub(s.lastCleanup) < interval {
		return false
	}
	s.lastCleanup = now
	return true
}

// CleanupExpired removes terminal records older than maxAge (running records
// are exempt regardless of age), rebuilding the store and every index
// consistently. Returns the number of records removed.
func (s *Store) CleanupExpired(maxAge time.Duration) int {
	cutoff := s.now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0]
	removed := 0
	for _, rec := range s.records {
		if rec.Terminal() && rec.StartTime.Before(cutoff) {
			s.unindexLocked(rec)
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	// Clear the tail so evicted records are collectable.
	for i := len(kept); i < len(s.records); i++ {
		s.records[i] = nil
	}
	s.records = kept

	if removed > 0 {
		s.generation.Add(1)
		if s.logger != nil {
			s.logger.Debug("store: cleanup evicted records", "removed", removed, "remaining", len(s.records))
		}
	}
	return removed
}

// Stats computes the aggregator's raw inputs in one lock acquisition.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Generation:          s.generation.Load(),
		TotalExecutions:     len(s.byID),
		ParallelExecutions:  len(s.parallelID),
		CompletedExecutions: len(s.byStatus[model.StatusCompleted]),
		GroupCount:          len(s.groups),
		TokenUsage:          s.tokenUsage,
		Agents:              make(map[string]model.AgentStats, len(s.byAgent)),
	}
	st.SequentialExecutions = st.TotalExecutions - st.ParallelExecutions

	for agent, recs := range s.byAgent {
		st.Agents[agent] = model.AgentStats{
			Executions:    len(recs),
			TotalDuration: s.agentDurations[agent].Seconds(),
		}
	}
	for _, d := range s.agentDurations {
		st.TotalDuration += d
	}

	st.AverageSpeedup = 1.0
	if n := len(s.groups); n > 0 {
		window := s.groups
		if n > speedupWindow {
			window = s.groups[n-speedupWindow:]
		}
		var sum float64
		for _, g := range window {
			sum += g.Speedup
		}
		st.AverageSpeedup = sum / float64(len(window))
	}

	if s.maxExecutions > 0 {
		st.Occupancy = float64(len(s.records)) / float64(s.maxExecutions)
	}
	return st
}

// NearCapacity reports whether occupancy crossed the memory-health threshold.
func (st Stats) NearCapacity() bool {
	return st.Occupancy >= nearCapacityRatio
}

// RegisterMetrics registers observable OTEL gauges for store health.
func (s *Store) RegisterMetrics() {
	meter := telemetry.Meter("keisoku/store")

	_, _ = meter.Int64ObservableGauge("keisoku.store.executions",
		metric.WithDescription("Current number of execution records in the bounded store"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(s.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("keisoku.store.parallel_groups",
		metric.WithDescription("Current number of parallel-group records"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(s.GroupLen()))
			return nil
		}),
	)
}

// --- Index maintenance (call with s.mu held) ---

func (s *Store) indexLocked(rec *model.ExecutionRecord) {
	s.byID[rec.ID] = rec
	s.byAgent[rec.Agent] = append(s.byAgent[rec.Agent], rec)
	s.byTask[rec.TaskID] = append(s.byTask[rec.TaskID], rec)
	s.addStatusLocked(rec.ID, rec.Status)
	if rec.Parallel {
		s.parallelID[rec.ID] = struct{}{}
	}
}

func (s *Store) unindexLocked(rec *model.ExecutionRecord) {
	delete(s.byID, rec.ID)
	s.byAgent[rec.Agent] = removeRecord(s.byAgent[rec.Agent], rec.ID)
	if len(s.byAgent[rec.Agent]) == 0 {
		delete(s.byAgent, rec.Agent)
	}
	s.byTask[rec.TaskID] = removeRecord(s.byTask[rec.TaskID], rec.ID)
	if len(s.byTask[rec.TaskID]) == 0 {
		delete(s.byTask, rec.TaskID)
	}
	s.removeStatusLocked(rec.ID, rec.Status)
	delete(s.parallelID, rec.ID)
}

func (s *Store) addStatusLocked(id, status string) {
	bucket, ok := s.byStatus[status]
	if !ok {
		bucket = make(map[string]struct{})
		s.byStatus[status] = bucket
	}
	bucket[id] = struct{}{}
}

func (s *Store) removeStatusLocked(id, status string) {
	bucket, ok := s.byStatus[status]
	if !ok {
		return
	}
	delete(bucket, id)
	if len(bucket) == 0 {
		delete(s.byStatus, status)
	}
}

func (s *Store) moveStatusLocked(id, from, to string) {
	s.removeStatusLocked(id, from)
	s.addStatusLocked(id, to)
}

func removeRecord(recs []*model.ExecutionRecord, id string) []*model.ExecutionRecord {
	for i, r := range recs {
		if r.ID == id {
			return append(recs[:i], recs[i+1:]...)
		}
	}
	return recs
}

func copyRecords(recs []*model.ExecutionRecord) []model.ExecutionRecord {
	if len(recs) == 0 {
		return nil
	}
	out := make([]model.ExecutionRecord, len(recs))
	for i, r := range recs {
		out[i] = *r
	}
	return out
}
