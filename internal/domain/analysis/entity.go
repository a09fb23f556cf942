package analysis

import (
	"sort"
	"time"
)

// RunID identifier type
type RunID string

// RunStatus enum
type RunStatus string

const (
	RunPending             RunStatus = "pending"
	RunRunning             RunStatus = "running"
	RunCompleted           RunStatus = "completed"
	RunCompletedWithErrors RunStatus = "completed_with_errors"
	RunFailed              RunStatus = "failed"
)

// DimensionStatus enum
type DimensionStatus string

const (
	DimensionPending  DimensionStatus = "pending"
	DimensionCacheHit DimensionStatus = "cache_hit"
	DimensionComputed DimensionStatus = "computed"
	DimensionFailed   DimensionStatus = "failed"
)

// TokenUsage value object. Accumulated across every scoring attempt,
// successful or not, for billing accountability.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// Add accumulates usage from another attempt.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Prompt += other.Prompt
	u.Completion += other.Completion
	u.Total += other.Total
}

// Quote is a supporting span from the transcript backing a score.
type Quote struct {
	Text       string `json:"text"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
	ChunkIndex int    `json:"chunk_index"`
}

// ScoreResult is one dimension's assessment.
type ScoreResult struct {
	Score       int        `json:"score"` // 0-100
	Summary     string     `json:"summary"`
	Quotes      []Quote    `json:"quotes,omitempty"`
	ActionItems []string   `json:"action_items,omitempty"`
	Usage       TokenUsage `json:"usage"`
}

// DimensionResult is the terminal per-dimension slot in a run. Each
// concurrent branch writes exactly its own slot.
type DimensionResult struct {
	Dimension string          `json:"dimension"`
	Status    DimensionStatus `json:"status"`
	Result    *ScoreResult    `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Usage     TokenUsage      `json:"usage"`
}

// AnalysisRun is the aggregate for one orchestrated analysis.
type AnalysisRun struct {
	ID         RunID             `json:"id"`
	CallID     string            `json:"call_id"`
	EventID    string            `json:"event_id,omitempty"`
	Dimensions []string          `json:"dimensions"`
	Results    []DimensionResult `json:"results"`
	Status     RunStatus         `json:"status"`
	Error      string            `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at,omitempty"`
	TotalUsage TokenUsage        `json:"total_usage"`
}

// CacheEntry is a cached dimension result. Never mutated, only
// replaced or expired; never returned past expiry.
type CacheEntry struct {
	Key       string      `json:"key"`
	Result    ScoreResult `json:"result"`
	CreatedAt time.Time   `json:"created_at"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// Expired reports whether the entry is past its expiry at now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Rubric is the versioned, weighted criteria document instructing the
// scoring function. Any content change must arrive under a new version.
type Rubric struct {
	Category       string      `json:"category" yaml:"category"`
	Version        string      `json:"version" yaml:"version"`
	PromptTemplate string      `json:"prompt_template" yaml:"prompt_template"`
	Criteria       []Criterion `json:"criteria" yaml:"criteria"`
}

// Criterion is one weighted facet of a rubric.
type Criterion struct {
	Name        string  `json:"name" yaml:"name"`
	Weight      float64 `json:"weight" yaml:"weight"`
	Description string  `json:"description" yaml:"description"`
}

// CanonicalDimensions sorts and dedupes the requested dimension set so
// downstream keying and aggregation never depend on request order.
func CanonicalDimensions(dims []string) []string {
	seen := make(map[string]bool, len(dims))
	out := make([]string, 0, len(dims))
	for _, d := range dims {
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Aggregate derives the run-level status from terminal dimension slots:
// completed when every dimension succeeded, failed when every dimension
// failed, completed_with_errors for anything in between.
func Aggregate(results []DimensionResult) RunStatus {
	if len(results) == 0 {
		return RunFailed
	}
	ok, failed := 0, 0
	for _, r := range results {
		switch r.Status {
		case DimensionCacheHit, DimensionComputed:
			ok++
		default:
			failed++
		}
	}
	switch {
	case failed == 0:
		return RunCompleted
	case ok == 0:
		return RunFailed
	default:
		return RunCompletedWithErrors
	}
}
