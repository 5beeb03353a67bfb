// Command keisoku prints a performance report from a metrics directory: the
// cross-session aggregate totals followed by the most recent session
// snapshots. It is a read-only consumer of the artifacts the engine writes.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/keisoku/internal/config"
	"github.com/ashita-ai/keisoku/internal/model"
	"github.com/ashita-ai/keisoku/internal/persist"
)

// maxSessionsShown bounds the report to the most recent session files.
const maxSessionsShown = 5

func main() {
	os.Exit(run())
}

func run() int {
	level := slog.LevelInfo
	if os.Getenv("KEISOKU_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Load .env file if present (non-fatal).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		return 1
	}

	if err := report(os.Stdout, cfg.MetricsDir); err != nil {
		slog.Error("report failed", "error", err)
		return 1
	}
	return 0
}

func report(w *os.File, dir string) error {
	fmt.Fprintf(w, "Keisoku metrics report — %s\n\n", dir)

	if err := printAggregate(w, dir); err != nil {
		return err
	}
	return printRecentSessions(w, dir)
}

func printAggregate(w *os.File, dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, persist.AggregateFileName)) //nolint:gosec // operator-supplied metrics dir
	if os.IsNotExist(err) {
		fmt.Fprintln(w, "No aggregate file yet — no sessions have been saved.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read aggregate: %w", err)
	}

	var totals model.AggregateTotals
	if err := json.Unmarshal(data, &totals); err != nil {
		return fmt.Errorf("parse aggregate: %w", err)
	}

	fmt.Fprintln(w, "All sessions:")
	fmt.Fprintf(w, "  sessions:           %d\n", totals.TotalSessions)
	fmt.Fprintf(w, "  executions:         %d\n", totals.TotalExecutions)
	fmt.Fprintf(w, "  average efficiency: %.1f/100\n", totals.AverageEfficiency)
	fmt.Fprintf(w, "  best efficiency:    %.1f/100\n", totals.BestEfficiency)
	fmt.Fprintf(w, "  token usage:        %d\n\n", totals.TotalTokenUsage)
	return nil
}

func printRecentSessions(w *os.File, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("scan metrics dir: %w", err)
	}

	var sessions []os.DirEntry
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "session_") && strings.HasSuffix(e.Name(), ".json") {
			sessions = append(sessions, e)
		}
	}
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No session files.")
		return nil
	}

	sort.Slice(sessions, func(i, j int) bool {
		a, _ := sessions[i].Info()
		b, _ := sessions[j].Info()
		if a == nil || b == nil {
			return sessions[i].Name() < sessions[j].Name()
		}
		return a.ModTime().After(b.ModTime())
	})
	if len(sessions) > maxSessionsShown {
		sessions = sessions[:maxSessionsShown]
	}

	fmt.Fprintf(w, "Most recent sessions (up to %d):\n", maxSessionsShown)
	for _, e := range sessions {
		data, err := os.ReadFile(filepath.Join(dir, e.Name())) //nolint:gosec // names come from scanning the metrics dir
		if err != nil {
			slog.Warn("session read failed, skipping", "file", e.Name(), "error", err)
			continue
		}
		var snap model.MetricsSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			slog.Warn("session parse failed, skipping", "file", e.Name(), "error", err)
			continue
		}
		fmt.Fprintf(w, "  %s  executions=%d  parallel=%.0f%%  success=%.1f%%  speedup=%.2fx  efficiency=%.1f\n",
			snap.SessionID,
			snap.TotalExecutions,
			snap.ParallelizationRatio*100,
			snap.SuccessRate,
			snap.AverageSpeedup,
			snap.EfficiencyScore,
		)
	}
	return nil
}
