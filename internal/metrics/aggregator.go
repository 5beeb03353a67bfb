// Package metrics computes the derived-metrics snapshot from the store's
// indexes and caches. Snapshots are memoized on the store's generation
// counter: any mutation invalidates the cached value, and concurrent
// recomputation is deduplicated with singleflight.
package metrics

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/keisoku/internal/model"
	"github.com/ashita-ai/keisoku/internal/store"
)

// Efficiency score weights. The three sub-scores cap at 30/40/30 points and
// the composite is clamped to [0,100].
const (
	parallelWeight = 30.0
	successWeight  = 40.0
	speedupWeight  = 30.0
	speedupCap     = 4.0 // speedup is normalized against a 4x ceiling
)

// Aggregator memoizes MetricsSnapshot computation for one session.
type Aggregator struct {
	store     *store.Store
	sessionID string
	now       func() time.Time

	mu        sync.Mutex
	cached    model.MetricsSnapshot
	cachedGen uint64
	hasCached bool

	group singleflight.Group
}

// New creates an aggregator bound to a store and session id. The clock is
// injectable for tests; pass nil for time.Now.
func New(st *store.Store, sessionID string, now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{store: st, sessionID: sessionID, now: now}
}

// SessionID returns the session this aggregator reports under.
func (a *Aggregator) SessionID() string {
	return a.sessionID
}

// Calculate returns the current snapshot. When no mutation occurred since the
// last computation the cached snapshot is returned unchanged; otherwise the
// snapshot is recomputed from index sizes and running caches only.
func (a *Aggregator) Calculate() model.MetricsSnapshot {
	gen := a.store.Generation()

	a.mu.Lock()
	if a.hasCached && a.cachedGen == gen {
		snap := a.cached
		a.mu.Unlock()
		return snap
	}
	a.mu.Unlock()

	// Deduplicate concurrent recomputation: all callers racing on the same
	// stale cache share one computation.
	v, _, _ := a.group.Do("calculate", func() (any, error) {
		a.mu.Lock()
		if a.hasCached && a.cachedGen == a.store.Generation() {
			snap := a.cached
			a.mu.Unlock()
			return snap, nil
		}
		a.mu.Unlock()

		st := a.store.Stats()
		snap := a.compose(st)

		a.mu.Lock()
		a.cached = snap
		a.cachedGen = st.Generation
		a.hasCached = true
		a.mu.Unlock()
		return snap, nil
	})
	return v.(model.MetricsSnapshot)
}

func (a *Aggregator) compose(st store.Stats) model.MetricsSnapshot {
	snap := model.MetricsSnapshot{
		SessionID:       a.sessionID,
		Status:          model.SnapshotOK,
		TotalExecutions: st.TotalExecutions,
		AverageSpeedup:  st.AverageSpeedup,
		TokenUsage:      st.TokenUsage,
		MemoryHealth:    model.MemoryOK,
		GeneratedAt:     a.now(),
	}
	if st.NearCapacity() {
		snap.MemoryHealth = model.MemoryNearCapacity
	}

	if st.TotalExecutions == 0 {
		// Sentinel: no executions yet, nothing to divide by.
		snap.Status = model.SnapshotInsufficient
		snap.AgentUtilization = map[string]model.AgentStats{}
		return snap
	}

	snap.ParallelExecutions = st.ParallelExecutions
	snap.SequentialExecutions = st.SequentialExecutions
	snap.TotalDuration = st.TotalDuration.Seconds()
	snap.ParallelizationRatio = float64(st.ParallelExecutions) / float64(st.TotalExecutions)
	snap.SuccessRate = float64(st.CompletedExecutions) / float64(st.TotalExecutions) * 100
	snap.AgentUtilization = st.Agents
	snap.EfficiencyScore = efficiencyScore(snap.ParallelizationRatio, snap.SuccessRate, snap.AverageSpeedup)
	return snap
}

// efficiencyScore is the weighted composite of three capped sub-scores:
// parallelization ratio (≤30 pts), success rate (≤40 pts), and speedup
// normalized to the 4x cap (≤30 pts).
func efficiencyScore(ratio, successRate, speedup float64) float64 {
	parallelScore := clamp(ratio, 0, 1) * parallelWeight
	successScore := clamp(successRate/100, 0, 1) * successWeight
	speedupScore := clamp(speedup/speedupCap, 0, 1) * speedupWeight
	return clamp(parallelScore+successScore+speedupScore, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
