// Package model defines the core domain types for Keisoku.
//
// Types use strong typing (time.Time, time.Duration, explicit status
// constants) and avoid interface{} wherever possible. Identifier fields are
// length-capped at creation so that a single record has a bounded memory
// footprint regardless of caller input.
package model

import (
	"fmt"
	"time"
)

// ExecutionStatus values. The status field is an open-ended string so that
// orchestrators can record custom terminal states; these are the ones the
// engine assigns or inspects itself.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Field length caps. Inputs longer than these are truncated, not rejected.
const (
	MaxTaskIDLen   = 128
	MaxAgentLen    = 64
	MaxTaskTypeLen = 64
	MaxErrorLen    = 256
	MaxErrors      = 10
)

// MaxGroupTaskIDs caps how many task ids a ParallelGroup stores. TaskCount
// still reflects the true group size when it exceeds the stored list.
const MaxGroupTaskIDs = 10

// ExecutionRecord is one tracked run of an agent task, from StartExecution
// until a terminal status set by EndExecution. Records are never deleted
// individually — only evicted in bulk by capacity overflow or cleanup.
type ExecutionRecord struct {
	ID        string
	TaskID    string
	Agent     string
	TaskType  string
	StartTime time.Time
	EndTime   *time.Time
	Duration  *time.Duration
	Status    string
	Parallel  bool
	Errors    []string
}

// Terminal reports whether the record has left the running state.
func (r *ExecutionRecord) Terminal() bool {
	return r.Status != StatusRunning
}

// NewExecutionRecord builds a running record with capped identifier fields.
// The id is derived from the task id and the start timestamp so that repeated
// runs of the same task stay distinguishable.
func NewExecutionRecord(taskID, agent, taskType string, parallel bool, start time.Time) *ExecutionRecord {
	taskID = Truncate(taskID, MaxTaskIDLen)
	return &ExecutionRecord{
		ID:        fmt.Sprintf("%s_%d", taskID, start.UnixNano()),
		TaskID:    taskID,
		Agent:     Truncate(agent, MaxAgentLen),
		TaskType:  Truncate(taskType, MaxTaskTypeLen),
		StartTime: start,
		Status:    StatusRunning,
		Parallel:  parallel,
	}
}

// CapErrors bounds both the number of error strings and each string's length.
func CapErrors(errs []string) []string {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) > MaxErrors {
		errs = errs[:MaxErrors]
	}
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = Truncate(e, MaxErrorLen)
	}
	return out
}

// Truncate caps s to max runes.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// ParallelGroup records a batch of task ids dispatched concurrently, with the
// measured wall-clock duration and the derived speedup. Immutable after
// creation; evicted only by capacity overflow of the group ring.
type ParallelGroup struct {
	TaskIDs   []string      `json:"task_ids"`
	TaskCount int           `json:"task_count"`
	Duration  time.Duration `json:"duration"`
	Speedup   float64       `json:"speedup"`
	Timestamp time.Time     `json:"timestamp"`
}

// NewParallelGroup caps the stored task id list at MaxGroupTaskIDs while
// preserving the true count for the speedup calculation.
// Speedup = taskCount / duration-in-seconds; a non-positive duration yields
// a speedup equal to the task count rather than dividing by zero.
func NewParallelGroup(taskIDs []string, duration time.Duration, now time.Time) ParallelGroup {
	count := len(taskIDs)
	stored := taskIDs
	if count > MaxGroupTaskIDs {
		stored = taskIDs[:MaxGroupTaskIDs]
	}
	ids := make([]string, len(stored))
	for i, id := range stored {
		ids[i] = Truncate(id, MaxTaskIDLen)
	}

	speedup := float64(count)
	if secs := duration.Seconds(); secs > 0 {
		speedup = float64(count) / secs
	}
	return ParallelGroup{
		TaskIDs:   ids,
		TaskCount: count,
		Duration:  duration,
		Speedup:   speedup,
		Timestamp: now,
	}
}
