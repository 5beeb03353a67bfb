package keisoku

import "time"

// Execution is the public view of one tracked agent-task run.
// Standalone struct with no internal imports — safe to use from outside the
// module.
type Execution struct {
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

// AgentStats is one agent's slice of the utilization map. TotalDuration
// counts completed executions only, in seconds.
type AgentStats struct {
	Executions    int
	TotalDuration float64
}

// Snapshot is the derived-metrics view of the current session.
//
// ParallelizationRatio is in [0,1]; SuccessRate and EfficiencyScore are in
// [0,100]. With zero executions, Status is "insufficient_data" and the ratio
// fields are zero rather than NaN.
type Snapshot struct {
	SessionID            string
	Status               string
	TotalExecutions      int
	ParallelExecutions   int
	SequentialExecutions int
	TotalDuration        float64 // seconds
	AverageSpeedup       float64
	ParallelizationRatio float64
	SuccessRate          float64
	AgentUtilization     map[string]AgentStats
	TokenUsage           int64
	EfficiencyScore      float64
	MemoryHealth         string
	GeneratedAt          time.Time
}

// Diagnostic is one detected bottleneck with severity
// ("critical", "high", or "medium") and a human-readable suggestion.
type Diagnostic struct {
	Kind       string
	Severity   string
	Detail     string
	Suggestion string
}

// Report combines the snapshot with the analyzer's output for display
// consumers.
type Report struct {
	Snapshot    Snapshot
	Diagnostics []Diagnostic
	Suggestions []string
}
