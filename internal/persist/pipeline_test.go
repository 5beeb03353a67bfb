package persist_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/keisoku/internal/metrics"
	"github.com/ashita-ai/keisoku/internal/model"
	"github.com/ashita-ai/keisoku/internal/persist"
	"github.com/ashita-ai/keisoku/internal/store"
)

func newPipeline(t *testing.T, dir string, opts persist.Options) (*persist.Pipeline, *store.Store) {
	t.Helper()
	st := store.New(nil, 100, 100, nil)
	agg := metrics.New(st, "sess-test", nil)
	gate := persist.NewGate(4)
	opts.Dir = dir
	if opts.FlushInterval == 0 {
		opts.FlushInterval = time.Hour
	}
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = 2
	}
	if opts.RetryBaseDelay == 0 {
		opts.RetryBaseDelay = time.Millisecond
	}
	if opts.HistorySize == 0 {
		opts.HistorySize = 10
	}
	if opts.ErrorRingSize == 0 {
		opts.ErrorRingSize = 10
	}
	if opts.AgentCap == 0 {
		opts.AgentCap = 100
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return persist.New(agg, st, gate, logger, opts), st
}

func TestSaveMetricsWritesSessionAndAggregate(t *testing.T) {
	dir := t.TempDir()
	p, st := newPipeline(t, dir, persist.Options{})

	id := st.StartExecution("task-1", "planner", "plan", true)
	st.EndExecution(id, model.StatusCompleted, nil)
	st.RecordTokenUsage(500)

	require.NoError(t, p.SaveMetrics(context.Background()))

	// Session file carries the snapshot.
	data, err := os.ReadFile(filepath.Join(dir, persist.SessionFileName("sess-test")))
	require.NoError(t, err)
	var snap model.MetricsSnapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, "sess-test", snap.SessionID)
	assert.Equal(t, 1, snap.TotalExecutions)
	assert.Equal(t, int64(500), snap.TokenUsage)

	// Aggregate file carries cumulative totals.
	data, err = os.ReadFile(filepath.Join(dir, persist.AggregateFileName))
	require.NoError(t, err)
	var totals model.AggregateTotals
	require.NoError(t, json.Unmarshal(data, &totals))
	assert.Equal(t, int64(1), totals.TotalSessions)
	assert.Equal(t, int64(1), totals.TotalExecutions)
	assert.Equal(t, int64(500), totals.TotalTokenUsage)

	assert.Equal(t, int64(2), p.WriteCount())
	assert.Empty(t, p.RecentErrors())
}

func TestAggregateRunningAverageAcrossSaves(t *testing.T) {
	dir := t.TempDir()
	p, st := newPipeline(t, dir, persist.Options{})
	ctx := context.Background()

	id := st.StartExecution("task-1", "agent", "run", true)
	st.EndExecution(id, model.StatusCompleted, nil)
	first := mustSnapshot(t, p, st, ctx)

	// Degrade the metrics, then save again.
	id2 := st.StartExecution("task-2", "agent", "run", false)
	st.EndExecution(id2, model.StatusFailed, nil)
	second := mustSnapshot(t, p, st, ctx)

	data, err := os.ReadFile(filepath.Join(dir, persist.AggregateFileName))
	require.NoError(t, err)
	var totals model.AggregateTotals
	require.NoError(t, json.Unmarshal(data, &totals))

	assert.Equal(t, int64(2), totals.TotalSessions)
	assert.InDelta(t, (first+second)/2, totals.AverageEfficiency, 1e-9)
	assert.InDelta(t, first, totals.BestEfficiency, 1e-9) // first save had the better score
}

// mustSnapshot saves and returns the efficiency score that was persisted.
func mustSnapshot(t *testing.T, p *persist.Pipeline, st *store.Store, ctx context.Context) float64 {
	t.Helper()
	agg := metrics.New(st, "probe", nil)
	score := agg.Calculate().EfficiencyScore
	require.NoError(t, p.SaveMetrics(ctx))
	return score
}

func TestExhaustedRetriesLandInErrorRing(t *testing.T) {
	// A directory that doesn't exist makes every write attempt fail.
	dir := filepath.Join(t.TempDir(), "missing", "nested")
	p, st := newPipeline(t, dir, persist.Options{ErrorRingSize: 2})

	st.StartExecution("task-1", "agent", "run", false)

	err := p.SaveMetrics(context.Background())
	require.Error(t, err)

	errs := p.RecentErrors()
	require.NotEmpty(t, errs)
	assert.Equal(t, 2, errs[0].Attempts)
	assert.NotEmpty(t, errs[0].Err)

	// The ring never exceeds its cap.
	_ = p.SaveMetrics(context.Background())
	_ = p.SaveMetrics(context.Background())
	assert.Len(t, p.RecentErrors(), 2)
	assert.Equal(t, int64(0), p.WriteCount())
}

func TestHistoryRingIsBounded(t *testing.T) {
	dir := t.TempDir()
	p, st := newPipeline(t, dir, persist.Options{HistorySize: 3})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		st.StartExecution(fmt.Sprintf("task-%d", i), "agent", "run", false)
		require.NoError(t, p.SaveMetrics(ctx))
	}

	hist := p.History()
	require.Len(t, hist, 3)
	// Oldest first; the ring kept the three most recent summaries.
	assert.Equal(t, 3, hist[0].TotalExecutions)
	assert.Equal(t, 5, hist[2].TotalExecutions)
}

func TestPersistedAgentMapIsCapped(t *testing.T) {
	dir := t.TempDir()
	p, st := newPipeline(t, dir, persist.Options{AgentCap: 2})

	for i := 0; i < 4; i++ {
		agent := fmt.Sprintf("agent-%d", i)
		for j := 0; j < i+1; j++ {
			id := st.StartExecution(fmt.Sprintf("task-%d-%d", i, time.Now().UnixNano()), agent, "run", false)
			st.EndExecution(id, model.StatusCompleted, nil)
		}
	}
	require.NoError(t, p.SaveMetrics(context.Background()))

	data, err := os.ReadFile(filepath.Join(dir, persist.SessionFileName("sess-test")))
	require.NoError(t, err)
	var snap model.MetricsSnapshot
	require.NoError(t, json.Unmarshal(data, &snap))

	// Only the two busiest agents are persisted.
	require.Len(t, snap.AgentUtilization, 2)
	assert.Contains(t, snap.AgentUtilization, "agent-3")
	assert.Contains(t, snap.AgentUtilization, "agent-2")
}

func TestFlushLoopWritesBehindAndDrainStopsIt(t *testing.T) {
	dir := t.TempDir()
	p, st := newPipeline(t, dir, persist.Options{FlushInterval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	p.Start(ctx) // second call is a no-op, no panic

	st.StartExecution("task-1", "agent", "run", false)

	sessionPath := filepath.Join(dir, persist.SessionFileName("sess-test"))
	require.Eventually(t, func() bool {
		_, err := os.Stat(sessionPath)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "background flush never wrote the session file")

	// No pending data → the loop stays idle.
	count := p.WriteCount()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, count, p.WriteCount())

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	p.Drain(drainCtx)

	// After Drain returns, mutations no longer trigger background writes.
	frozen := p.WriteCount()
	st.StartExecution("task-2", "agent", "run", false)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, frozen, p.WriteCount())
}

func TestDrainBeforeStartReturnsImmediately(t *testing.T) {
	p, _ := newPipeline(t, t.TempDir(), persist.Options{})

	done := make(chan struct{})
	go func() {
		p.Drain(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Drain blocked on a pipeline that was never started")
	}
}

func TestWithRetryStopsAfterSuccess(t *testing.T) {
	calls := 0
	err := persist.WithRetry(context.Background(), 5, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := persist.WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return errors.New("permanent")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestWriteFileAtomicReplacesContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")

	require.NoError(t, persist.WriteFileAtomic(path, []byte(`{"v":1}`)))
	require.NoError(t, persist.WriteFileAtomic(path, []byte(`{"v":2}`)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(data))

	// No tmp file left behind.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
