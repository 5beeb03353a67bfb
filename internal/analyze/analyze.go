// Package analyze turns the aggregator's snapshot into ranked bottleneck
// diagnostics and optimization suggestions. Results are cached for a short
// TTL so repeated dashboard polls don't recompute on every call.
package analyze

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ashita-ai/keisoku/internal/metrics"
	"github.com/ashita-ai/keisoku/internal/model"
)

// Severity of a diagnostic.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
)

// Diagnostic kinds.
const (
	KindLowParallelization = "low_parallelization"
	KindHighFailureRate    = "high_failure_rate"
	KindPoorSpeedup        = "poor_speedup"
)

// Detection thresholds.
const (
	minParallelRatio    = 0.3
	minSuccessRate      = 90.0
	criticalSuccessRate = 50.0
	minSpeedup          = 1.5
)

// Diagnostic is one detected bottleneck with a human-readable suggestion.
type Diagnostic struct {
	Kind       string   `json:"kind"`
	Severity   Severity `json:"severity"`
	Detail     string   `json:"detail"`
	Suggestion string   `json:"suggestion"`
}

// Analyzer computes bottleneck diagnostics from the aggregator's snapshot.
type Analyzer struct {
	agg         *metrics.Aggregator
	ttl         time.Duration
	tokenBudget int64
	now         func() time.Time

	mu        sync.Mutex
	cached    []Diagnostic
	cachedAt  time.Time
	hasCached bool
}

// New creates an analyzer with the given cache TTL and token budget. The
// clock is injectable for tests; pass nil for time.Now.
func New(agg *metrics.Aggregator, ttl time.Duration, tokenBudget int64, now func() time.Time) *Analyzer {
	if now == nil {
		now = time.Now
	}
	return &Analyzer{agg: agg, ttl: ttl, tokenBudget: tokenBudget, now: now}
}

// AnalyzeBottlenecks returns zero or more diagnostics for the current
// snapshot. Results are cached for the configured TTL.
func (a *Analyzer) AnalyzeBottlenecks() []Diagnostic {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if a.hasCached && now.Sub(a.cachedAt) < a.ttl {
		return append([]Diagnostic(nil), a.cached...)
	}

	diags := diagnose(a.agg.Calculate())
	a.cached = diags
	a.cachedAt = now
	a.hasCached = true
	return append([]Diagnostic(nil), diags...)
}

// SuggestOptimizations converts diagnostics into ranked textual suggestions
// (critical first), then appends general heuristics from the snapshot.
func (a *Analyzer) SuggestOptimizations() []string {
	diags := a.AnalyzeBottlenecks()
	sort.SliceStable(diags, func(i, j int) bool {
		return severityRank(diags[i].Severity) > severityRank(diags[j].Severity)
	})

	var out []string
	for _, d := range diags {
		out = append(out, d.Suggestion)
	}

	snap := a.agg.Calculate()
	if snap.Status != model.SnapshotInsufficient && snap.EfficiencyScore < 50 {
		out = append(out, fmt.Sprintf(
			"Overall efficiency score is %.0f/100. Review the diagnostics above and re-measure after each change.",
			snap.EfficiencyScore))
	}
	if a.tokenBudget > 0 && snap.TokenUsage > a.tokenBudget {
		out = append(out, fmt.Sprintf(
			"Token usage (%d) exceeds the configured budget (%d). Consider trimming prompts or caching intermediate results.",
			snap.TokenUsage, a.tokenBudget))
	}
	return out
}

func diagnose(snap model.MetricsSnapshot) []Diagnostic {
	if snap.Status == model.SnapshotInsufficient {
		return nil
	}

	var diags []Diagnostic

	if snap.ParallelizationRatio < minParallelRatio {
		sev := SeverityMedium
		if snap.ParallelizationRatio < minParallelRatio/2 {
			sev = SeverityHigh
		}
		diags = append(diags, Diagnostic{
			Kind:     KindLowParallelization,
			Severity: sev,
			Detail: fmt.Sprintf("Only %.0f%% of executions run in parallel (threshold %.0f%%).",
				snap.ParallelizationRatio*100, minParallelRatio*100),
			Suggestion: "Batch independent tasks into parallel groups instead of dispatching them sequentially.",
		})
	}

	if snap.SuccessRate < minSuccessRate {
		sev := SeverityHigh
		if snap.SuccessRate < criticalSuccessRate {
			sev = SeverityCritical
		}
		diags = append(diags, Diagnostic{
			Kind:     KindHighFailureRate,
			Severity: sev,
			Detail: fmt.Sprintf("Success rate is %.1f%% (threshold %.0f%%).",
				snap.SuccessRate, minSuccessRate),
			Suggestion: "Inspect failed executions' error lists and add retries or input validation for the dominant failure mode.",
		})
	}

	if snap.ParallelExecutions > 0 && snap.AverageSpeedup < minSpeedup {
		diags = append(diags, Diagnostic{
			Kind:     KindPoorSpeedup,
			Severity: SeverityMedium,
			Detail: fmt.Sprintf("Average speedup is %.2fx (threshold %.1fx) despite %d parallel executions.",
				snap.AverageSpeedup, minSpeedup, snap.ParallelExecutions),
			Suggestion: "Parallel groups are too small or dominated by one slow task; rebalance group composition.",
		})
	}

	return diags
}

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}
