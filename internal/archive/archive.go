// Package archive bundles old persisted session files into timestamped
// archives and prunes session files past the retention window.
//
// Archival is batch-triggered: nothing happens until at least batchSize
// session files are older than the archive age; then exactly one batch is
// folded into a single archive file and the originals are deleted. Individual
// read or delete failures are logged and skipped — background hygiene never
// disrupts the collection path.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/keisoku/internal/model"
	"github.com/ashita-ai/keisoku/internal/persist"
	"github.com/ashita-ai/keisoku/internal/telemetry"
)

const (
	sessionPrefix = "session_"
	sessionSuffix = ".json"
)

// Options configures an Archiver.
type Options struct {
	Dir            string
	ArchiveAge     time.Duration // session files older than this are archive-eligible
	BatchSize      int           // minimum eligible files before a batch is archived
	Retention      time.Duration // session files older than this are deleted outright
	RetryAttempts  int
	RetryBaseDelay time.Duration
	Now            func() time.Time
}

// Archiver folds old session files into archive bundles. File reads and
// deletes run in parallel, bounded by the same gate the persistence pipeline
// writes through.
type Archiver struct {
	gate   *persist.Gate
	logger *slog.Logger
	opts   Options

	archived atomic.Int64 // total sessions folded into archives
}

// New creates an archiver over the metrics directory.
func New(gate *persist.Gate, logger *slog.Logger, opts Options) *Archiver {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Archiver{gate: gate, logger: logger, opts: opts}
}

// ArchivedSessions returns the total number of session files folded into
// archives since the archiver was created.
func (a *Archiver) ArchivedSessions() int64 {
	return a.archived.Load()
}

// ArchiveOldSessions scans for session files older than the archive age.
// Once at least BatchSize qualify, the oldest BatchSize are read (bounded
// parallel), bundled with an archivedAt timestamp into one archive file, and
// deleted. Files that fail to read are skipped without aborting the batch.
// Returns the number of sessions folded in.
func (a *Archiver) ArchiveOldSessions(ctx context.Context) (int, error) {
	ctx, span := telemetry.Tracer("keisoku/archive").Start(ctx, "ArchiveOldSessions")
	defer span.End()

	eligible, err := a.eligibleSessions()
	if err != nil {
		return 0, err
	}
	if len(eligible) < a.opts.BatchSize {
		return 0, nil
	}
	batch := eligible[:a.opts.BatchSize]

	contents := a.readBatch(ctx, batch)
	bundle := model.ArchiveBundle{
		ArchivedAt: a.opts.Now().UTC(),
		Sessions:   make([]json.RawMessage, 0, len(batch)),
	}
	var folded []string
	for i, data := range contents {
		if data == nil {
			continue // read failed, already logged; leave the file for the next pass
		}
		bundle.Sessions = append(bundle.Sessions, data)
		folded = append(folded, batch[i])
	}
	if len(folded) == 0 {
		return 0, fmt.Errorf("archive: no readable session files in batch of %d", len(batch))
	}

	out, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("archive: marshal bundle: %w", err)
	}
	name := fmt.Sprintf("archive_%d.json", bundle.ArchivedAt.UnixNano())
	if err := a.writeBundle(ctx, filepath.Join(a.opts.Dir, name), out); err != nil {
		// Bundle never hit disk: keep the originals.
		return 0, err
	}

	a.deleteBatch(ctx, folded)
	a.archived.Add(int64(len(folded)))
	a.logger.Info("archive: sessions archived", "bundle", name, "count", len(folded))
	return len(folded), nil
}

// CleanupDisk deletes session files older than the retention window. Failures
// are logged and ignored; returns the number of files removed.
func (a *Archiver) CleanupDisk(ctx context.Context) int {
	_, span := telemetry.Tracer("keisoku/archive").Start(ctx, "CleanupDisk")
	defer span.End()

	entries, err := os.ReadDir(a.opts.Dir)
	if err != nil {
		a.logger.Warn("archive: cleanup scan failed", "error", err)
		return 0
	}
	cutoff := a.opts.Now().Add(-a.opts.Retention)

	removed := 0
	for _, e := range entries {
		if !isSessionFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(a.opts.Dir, e.Name())); err != nil {
			a.logger.Warn("archive: cleanup delete failed", "file", e.Name(), "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		a.logger.Info("archive: expired session files deleted", "count", removed)
	}
	return removed
}

// eligibleSessions returns session file paths older than the archive age,
// oldest first.
func (a *Archiver) eligibleSessions() ([]string, error) {
	entries, err := os.ReadDir(a.opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("archive: scan sessions: %w", err)
	}
	cutoff := a.opts.Now().Add(-a.opts.ArchiveAge)

	type candidate struct {
		path    string
		modTime time.Time
	}
	var cands []candidate
	for _, e := range entries {
		if !isSessionFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			a.logger.Warn("archive: stat failed, skipping", "file", e.Name(), "error", err)
			continue
		}
		if info.ModTime().Before(cutoff) {
			cands = append(cands, candidate{filepath.Join(a.opts.Dir, e.Name()), info.ModTime()})
		}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].modTime.Before(cands[j].modTime) })

	paths := make([]string, len(cands))
	for i, c := range cands {
		paths[i] = c.path
	}
	return paths, nil
}

// readBatch reads every file in paths through the shared gate. The result
// slice is positionally aligned with paths; a nil entry marks a failed read.
func (a *Archiver) readBatch(ctx context.Context, paths []string) [][]byte {
	contents := make([][]byte, len(paths))
	var wg sync.WaitGroup
	for i, path := range paths {
		if err := a.gate.Acquire(ctx); err != nil {
			a.logger.Warn("archive: gate acquire failed, skipping remainder", "error", err)
			break
		}
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			defer a.gate.Release()
			data, err := os.ReadFile(path) //nolint:gosec // path comes from scanning the configured metrics dir
			if err != nil {
				a.logger.Warn("archive: session read failed, skipping", "file", filepath.Base(path), "error", err)
				return
			}
			contents[i] = data
		}(i, path)
	}
	wg.Wait()
	return contents
}

func (a *Archiver) writeBundle(ctx context.Context, path string, data []byte) error {
	if err := a.gate.Acquire(ctx); err != nil {
		return fmt.Errorf("archive: acquire write gate: %w", err)
	}
	defer a.gate.Release()
	return persist.WithRetry(ctx, a.opts.RetryAttempts, a.opts.RetryBaseDelay, func() error {
		return persist.WriteFileAtomic(path, data)
	})
}

func (a *Archiver) deleteBatch(ctx context.Context, paths []string) {
	var wg sync.WaitGroup
	for _, path := range paths {
		if err := a.gate.Acquire(ctx); err != nil {
			a.logger.Warn("archive: gate acquire failed during delete", "error", err)
			break
		}
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			defer a.gate.Release()
			if err := os.Remove(path); err != nil {
				a.logger.Warn("archive: delete failed", "file", filepath.Base(path), "error", err)
			}
		}(path)
	}
	wg.Wait()
}

func isSessionFile(name string) bool {
	return strings.HasPrefix(name, sessionPrefix) && strings.HasSuffix(name, sessionSuffix)
}

// RegisterMetrics registers observable OTEL gauges for archival health.
func (a *Archiver) RegisterMetrics() {
	meter := telemetry.Meter("keisoku/archive")

	_, _ = meter.Int64ObservableGauge("keisoku.archive.sessions_total",
		metric.WithDescription("Total session files folded into archive bundles"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(a.archived.Load())
			return nil
		}),
	)
}
