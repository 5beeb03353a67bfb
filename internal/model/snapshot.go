package model

import (
	"encoding/json"
	"time"
)

// Snapshot health statuses.
const (
	SnapshotOK           = "ok"
	SnapshotInsufficient = "insufficient_data"
)

// Memory health statuses, derived from store occupancy.
const (
	MemoryOK           = "ok"
	MemoryNearCapacity = "near_capacity"
)

// AgentStats is the per-agent slice of a snapshot's utilization map.
// TotalDuration counts completed executions only.
type AgentStats struct {
	Executions    int     `json:"executions"`
	TotalDuration float64 `json:"total_duration_seconds"`
}

// MetricsSnapshot is the derived-metrics view of one session. Recomputed on
// demand by the aggregator and cached until the next store mutation.
//
// Ratio conventions: ParallelizationRatio ∈ [0,1], SuccessRate ∈ [0,100],
// EfficiencyScore ∈ [0,100].
type MetricsSnapshot struct {
	SessionID            string                `json:"session_id"`
	Status               string                `json:"status"`
	TotalExecutions      int                   `json:"total_executions"`
	ParallelExecutions   int                   `json:"parallel_executions"`
	SequentialExecutions int                   `json:"sequential_executions"`
	TotalDuration        float64               `json:"total_duration_seconds"`
	AverageSpeedup       float64               `json:"average_speedup"`
	ParallelizationRatio float64               `json:"parallelization_ratio"`
	SuccessRate          float64               `json:"success_rate"`
	AgentUtilization     map[string]AgentStats `json:"agent_utilization"`
	TokenUsage           int64                 `json:"token_usage"`
	EfficiencyScore      float64               `json:"efficiency_score"`
	MemoryHealth         string                `json:"memory_health"`
	GeneratedAt          time.Time             `json:"generated_at"`
}

// SessionSummary is the compact form kept in the in-memory session-history
// ring by the persistence pipeline.
type SessionSummary struct {
	SessionID       string    `json:"session_id"`
	GeneratedAt     time.Time `json:"generated_at"`
	TotalExecutions int       `json:"total_executions"`
	EfficiencyScore float64   `json:"efficiency_score"`
}

// Summary derives the compact history form of a snapshot.
func (s MetricsSnapshot) Summary() SessionSummary {
	return SessionSummary{
		SessionID:       s.SessionID,
		GeneratedAt:     s.GeneratedAt,
		TotalExecutions: s.TotalExecutions,
		EfficiencyScore: s.EfficiencyScore,
	}
}

// AggregateTotals is the single cumulative cross-session file, read-merge-
// written on every session save.
type AggregateTotals struct {
	TotalSessions     int64   `json:"total_sessions"`
	TotalExecutions   int64   `json:"total_executions"`
	AverageEfficiency float64 `json:"average_efficiency"`
	BestEfficiency    float64 `json:"best_efficiency"`
	TotalTokenUsage   int64   `json:"total_token_usage"`
}

// Merge folds one session snapshot into the cumulative totals. The running
// average is re-weighted by the previous session count.
func (a *AggregateTotals) Merge(s MetricsSnapshot) {
	prev := a.TotalSessions
	a.AverageEfficiency = (a.AverageEfficiency*float64(prev) + s.EfficiencyScore) / float64(prev+1)
	a.TotalSessions = prev + 1
	a.TotalExecutions += int64(s.TotalExecutions)
	a.TotalTokenUsage += s.TokenUsage
	if s.EfficiencyScore > a.BestEfficiency {
		a.BestEfficiency = s.EfficiencyScore
	}
}

// ArchiveBundle is one timestamped archive file holding the raw contents of
// the session files folded into it.
type ArchiveBundle struct {
	ArchivedAt time.Time         `json:"archived_at"`
	Sessions   []json.RawMessage `json:"sessions"`
}
