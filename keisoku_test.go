package keisoku_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/keisoku"
)

func newEngine(t *testing.T, opts ...keisoku.Option) *keisoku.Engine {
	t.Helper()
	// Keep tests hermetic: no exporter, no env leakage into the metrics dir.
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("KEISOKU_METRICS_DIR", t.TempDir())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, err := keisoku.New(append([]keisoku.Option{keisoku.WithLogger(logger)}, opts...)...)
	require.NoError(t, err)
	return eng
}

func TestEngineLifecycle(t *testing.T) {
	dir := t.TempDir()
	eng := newEngine(t,
		keisoku.WithMetricsDir(dir),
		keisoku.WithSessionID("sess-lifecycle"),
		keisoku.WithFlushInterval(time.Hour),
	)
	ctx := context.Background()
	eng.Start(ctx)

	assert.Equal(t, "sess-lifecycle", eng.SessionID())

	id1 := eng.StartExecution("task-1", "planner", "plan", true)
	id2 := eng.StartExecution("task-2", "coder", "code", true)
	id3 := eng.StartExecution("task-3", "coder", "review", false)
	eng.EndExecution(id1, keisoku.StatusCompleted)
	eng.EndExecution(id2, keisoku.StatusCompleted)
	eng.EndExecution(id3, keisoku.StatusFailed, "boom")
	eng.TrackParallelGroup([]string{"task-1", "task-2"}, time.Second)
	eng.RecordTokenUsage(1234)

	// Lookups.
	exec, ok := eng.GetExecution(id1)
	require.True(t, ok)
	assert.Equal(t, "task-1", exec.TaskID)
	assert.Equal(t, keisoku.StatusCompleted, exec.Status)

	assert.Len(t, eng.GetExecutionsByAgent("coder"), 2)
	assert.Len(t, eng.GetExecutionsByTask("task-1"), 1)
	failed := eng.GetExecutionsByStatus(keisoku.StatusFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, []string{"boom"}, failed[0].Errors)

	// Derived metrics.
	snap := eng.CalculateMetrics()
	assert.Equal(t, "sess-lifecycle", snap.SessionID)
	assert.Equal(t, 3, snap.TotalExecutions)
	assert.Equal(t, 2, snap.ParallelExecutions)
	assert.InDelta(t, 2.0/3.0, snap.ParallelizationRatio, 1e-9)
	assert.InDelta(t, 2.0, snap.AverageSpeedup, 1e-9)
	assert.Equal(t, int64(1234), snap.TokenUsage)

	// Report: the 66.7% success rate must surface as a diagnostic.
	report := eng.GetPerformanceReport()
	assert.Equal(t, snap.TotalExecutions, report.Snapshot.TotalExecutions)
	require.NotEmpty(t, report.Diagnostics)
	assert.NotEmpty(t, report.Suggestions)

	// Persistence.
	require.NoError(t, eng.SaveMetrics(ctx))
	data, err := os.ReadFile(filepath.Join(dir, "session_sess-lifecycle.json"))
	require.NoError(t, err)
	var persisted map[string]any
	require.NoError(t, json.Unmarshal(data, &persisted))
	assert.Equal(t, "sess-lifecycle", persisted["session_id"])
	_, err = os.Stat(filepath.Join(dir, "aggregate.json"))
	require.NoError(t, err)

	// Archival is a no-op with nothing old enough.
	n, err := eng.ArchiveOldSessions(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, eng.Shutdown(ctx))
}

func TestShutdownStopsBackgroundWrites(t *testing.T) {
	dir := t.TempDir()
	eng := newEngine(t,
		keisoku.WithMetricsDir(dir),
		keisoku.WithSessionID("sess-drain"),
		keisoku.WithFlushInterval(15*time.Millisecond),
	)
	ctx := context.Background()
	eng.Start(ctx)

	eng.StartExecution("task-1", "agent", "run", false)

	sessionPath := filepath.Join(dir, "session_sess-drain.json")
	require.Eventually(t, func() bool {
		_, err := os.Stat(sessionPath)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, eng.Shutdown(ctx))

	// Mutations after Shutdown never reach disk.
	before, err := os.ReadFile(sessionPath)
	require.NoError(t, err)
	eng.StartExecution("task-2", "agent", "run", false)
	time.Sleep(80 * time.Millisecond)

	after, err := os.ReadFile(sessionPath)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestShutdownWithoutStartReturns(t *testing.T) {
	eng := newEngine(t,
		keisoku.WithMetricsDir(t.TempDir()),
		keisoku.WithSessionID("sess-nostart"),
	)
	id := eng.StartExecution("task-1", "agent", "run", false)
	eng.EndExecution(id, keisoku.StatusCompleted)

	// Shutdown must not block waiting for a flush loop that never ran.
	done := make(chan error, 1)
	go func() { done <- eng.Shutdown(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown blocked on an engine that was never started")
	}
}

func TestPeriodicCleanupTriggersArchival(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("KEISOKU_ARCHIVE_BATCH_SIZE", "2")
	eng := newEngine(t,
		keisoku.WithMetricsDir(dir),
		keisoku.WithSessionID("sess-arch"),
		keisoku.WithCleanupInterval(time.Millisecond),
		keisoku.WithFlushInterval(time.Hour),
	)

	// Two session files old enough to qualify for the archive batch.
	for i := 0; i < 2; i++ {
		path := filepath.Join(dir, fmt.Sprintf("session_old-%d.json", i))
		require.NoError(t, os.WriteFile(path, []byte(`{"session_id":"old"}`), 0o600))
		old := time.Now().Add(-48 * time.Hour)
		require.NoError(t, os.Chtimes(path, old, old))
	}

	// The collection path alone must kick off background archival.
	time.Sleep(5 * time.Millisecond)
	eng.StartExecution("task-1", "agent", "run", false)

	require.Eventually(t, func() bool {
		matches, err := filepath.Glob(filepath.Join(dir, "archive_*.json"))
		return err == nil && len(matches) == 1
	}, 2*time.Second, 10*time.Millisecond, "cleanup pass never archived the old sessions")

	require.NoError(t, eng.Shutdown(context.Background()))
}

func TestNewRejectsInvalidOverrides(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("KEISOKU_METRICS_DIR", t.TempDir())

	_, err := keisoku.New(keisoku.WithMaxExecutions(-1))
	require.Error(t, err)
}

func TestResumedSessionKeepsOneArtifact(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	eng := newEngine(t, keisoku.WithMetricsDir(dir), keisoku.WithSessionID("sess-resume"))
	id := eng.StartExecution("task-1", "agent", "run", false)
	eng.EndExecution(id, keisoku.StatusCompleted)
	require.NoError(t, eng.Shutdown(ctx))

	// A second engine with the same session id overwrites the same file.
	eng2 := newEngine(t, keisoku.WithMetricsDir(dir), keisoku.WithSessionID("sess-resume"))
	id = eng2.StartExecution("task-2", "agent", "run", false)
	eng2.EndExecution(id, keisoku.StatusCompleted)
	require.NoError(t, eng2.Shutdown(ctx))

	matches, err := filepath.Glob(filepath.Join(dir, "session_*.json"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}
