package persist

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"golang.org/x/sync/semaphore"
)

// Gate bounds concurrent file operations engine-wide. The persistence
// pipeline and the archival worker share one gate, so at most
// maxConcurrentWrites file operations are in flight at any time.
type Gate struct {
	sem *semaphore.Weighted
}

// NewGate creates a gate admitting up to max concurrent operations.
func NewGate(max int64) *Gate {
	return &Gate{sem: semaphore.NewWeighted(max)}
}

// Acquire blocks until a slot is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// Release frees a slot acquired with Acquire.
func (g *Gate) Release() {
	g.sem.Release(1)
}

// WithRetry executes fn up to attempts times, sleeping with jittered
// exponential backoff between failures. The last error is returned once
// attempts are exhausted.
func WithRetry(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		jitter := time.Duration(rand.Int63n(int64(baseDelay) + 1)) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay + jitter):
		}
		baseDelay *= 2
	}
	return err
}

// WriteFileAtomic writes data to path via a temp file, fsync, and rename so
// that readers never observe a partially written file.
func WriteFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("persist: write tmp: %w", err)
	}

	f, err := os.Open(tmp) //nolint:gosec // path is constructed from the configured metrics dir
	if err != nil {
		return fmt.Errorf("persist: open tmp for sync: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("persist: sync tmp: %w", err)
	}
	_ = f.Close()

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("persist: rename: %w", err)
	}
	return nil
}
