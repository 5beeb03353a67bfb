package metrics_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/keisoku/internal/metrics"
	"github.com/ashita-ai/keisoku/internal/model"
	"github.com/ashita-ai/keisoku/internal/store"
)

func newAggregator(t *testing.T) (*metrics.Aggregator, *store.Store) {
	t.Helper()
	st := store.New(nil, 100, 200, nil)
	return metrics.New(st, "sess-test", nil), st
}

func TestZeroExecutionsReturnsSentinel(t *testing.T) {
	agg, _ := newAggregator(t)

	snap := agg.Calculate()
	assert.Equal(t, model.SnapshotInsufficient, snap.Status)
	assert.Equal(t, 0, snap.TotalExecutions)
	assert.InDelta(t, 1.0, snap.AverageSpeedup, 1e-9)
	assert.Zero(t, snap.ParallelizationRatio)
	assert.Zero(t, snap.SuccessRate)
	assert.Zero(t, snap.EfficiencyScore)
	assert.NotNil(t, snap.AgentUtilization)
	// No NaN anywhere.
	assert.False(t, snap.EfficiencyScore != snap.EfficiencyScore)
}

func TestCalculateIsMemoizedUntilMutation(t *testing.T) {
	agg, st := newAggregator(t)

	st.StartExecution("task-1", "agent", "run", false)

	first := agg.Calculate()
	second := agg.Calculate()
	// Identical content, including the generation timestamp: the cached
	// snapshot is returned unchanged.
	assert.Equal(t, first, second)

	st.StartExecution("task-2", "agent", "run", false)
	third := agg.Calculate()
	assert.Equal(t, 2, third.TotalExecutions)
}

func TestRatioAndSuccessRate(t *testing.T) {
	agg, st := newAggregator(t)

	var ids []string
	for i := 0; i < 4; i++ {
		ids = append(ids, st.StartExecution(fmt.Sprintf("task-%d", i), "agent", "run", i < 2))
	}
	for i := 0; i < 3; i++ {
		st.EndExecution(ids[i], model.StatusCompleted, nil)
	}
	st.EndExecution(ids[3], model.StatusFailed, nil)

	snap := agg.Calculate()
	assert.Equal(t, model.SnapshotOK, snap.Status)
	assert.Equal(t, 4, snap.TotalExecutions)
	assert.Equal(t, 2, snap.ParallelExecutions)
	assert.Equal(t, 2, snap.SequentialExecutions)
	assert.InDelta(t, 0.5, snap.ParallelizationRatio, 1e-9)
	assert.InDelta(t, 75.0, snap.SuccessRate, 1e-9)

	// 0.5*30 + 0.75*40 + (1.0/4)*30 = 15 + 30 + 7.5 (no groups → speedup 1.0)
	assert.InDelta(t, 52.5, snap.EfficiencyScore, 1e-9)
}

func TestParallelGroupShiftsAverageSpeedup(t *testing.T) {
	agg, st := newAggregator(t)
	st.StartExecution("task-1", "agent", "run", true)

	before := agg.Calculate()
	assert.InDelta(t, 1.0, before.AverageSpeedup, 1e-9)

	st.TrackParallelGroup([]string{"t1", "t2", "t3", "t4", "t5"}, 2*time.Second)
	after := agg.Calculate()
	assert.InDelta(t, 2.5, after.AverageSpeedup, 1e-9)
	assert.Greater(t, after.EfficiencyScore, before.EfficiencyScore)
}

func TestEfficiencyScoreBounds(t *testing.T) {
	// Best case: everything parallel, everything completed, speedup past the
	// 4x normalization cap — the score caps at 100.
	agg, st := newAggregator(t)
	var ids []string
	for i := 0; i < 10; i++ {
		ids = append(ids, st.StartExecution(fmt.Sprintf("task-%d", i), "agent", "run", true))
	}
	for _, id := range ids {
		st.EndExecution(id, model.StatusCompleted, nil)
	}
	st.TrackParallelGroup([]string{"a", "b", "c", "d", "e", "f", "g", "h"}, time.Second) // 8x

	snap := agg.Calculate()
	assert.InDelta(t, 100.0, snap.EfficiencyScore, 1e-9)
	assert.LessOrEqual(t, snap.EfficiencyScore, 100.0)

	// Worst case: nothing parallel, everything failed.
	agg2, st2 := newAggregator(t)
	id := st2.StartExecution("task-1", "agent", "run", false)
	st2.EndExecution(id, model.StatusFailed, nil)

	snap2 := agg2.Calculate()
	assert.GreaterOrEqual(t, snap2.EfficiencyScore, 0.0)
	assert.LessOrEqual(t, snap2.EfficiencyScore, 100.0)
}

func TestAgentUtilization(t *testing.T) {
	st := store.New(nil, 100, 200, nil)
	agg := metrics.New(st, "sess-test", nil)

	a1 := st.StartExecution("task-1", "planner", "plan", false)
	a2 := st.StartExecution("task-2", "planner", "plan", false)
	b1 := st.StartExecution("task-3", "coder", "code", false)
	st.EndExecution(a1, model.StatusCompleted, nil)
	st.EndExecution(a2, model.StatusCompleted, nil)
	st.EndExecution(b1, model.StatusFailed, nil)

	snap := agg.Calculate()
	require.Contains(t, snap.AgentUtilization, "planner")
	require.Contains(t, snap.AgentUtilization, "coder")
	assert.Equal(t, 2, snap.AgentUtilization["planner"].Executions)
	assert.Equal(t, 1, snap.AgentUtilization["coder"].Executions)
}

func TestMemoryHealthNearCapacity(t *testing.T) {
	st := store.New(nil, 10, 10, nil)
	agg := metrics.New(st, "sess-test", nil)

	for i := 0; i < 9; i++ {
		st.StartExecution(fmt.Sprintf("task-%d", i), "agent", "run", false)
	}
	assert.Equal(t, model.MemoryNearCapacity, agg.Calculate().MemoryHealth)
}

func TestConcurrentCalculateIsConsistent(t *testing.T) {
	agg, st := newAggregator(t)
	for i := 0; i < 20; i++ {
		id := st.StartExecution(fmt.Sprintf("task-%d", i), "agent", "run", true)
		st.EndExecution(id, model.StatusCompleted, nil)
	}

	var wg sync.WaitGroup
	snaps := make([]model.MetricsSnapshot, 16)
	for i := range snaps {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snaps[i] = agg.Calculate()
		}(i)
	}
	wg.Wait()

	for _, snap := range snaps {
		assert.Equal(t, 20, snap.TotalExecutions)
		assert.InDelta(t, 100.0, snap.SuccessRate, 1e-9)
	}
}
