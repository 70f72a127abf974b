package model

import (
	"time"

	"github.com/google/uuid"
)

// RunType selects which pipeline steps a run executes.
type RunType string

const (
	RunTypeFull          RunType = "full"
	RunTypeIncremental   RunType = "incremental"
	RunTypeVisualization RunType = "visualization"
)

// RunStatus represents the lifecycle state of a pipeline run. Running is
// the only non-terminal state.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the status ends a run.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// StepStatus represents the outcome of a single pipeline step.
type StepStatus string

const (
	StepStatusRunning StepStatus = "running"
	StepStatusDone    StepStatus = "done"
	StepStatusFailed  StepStatus = "failed"
	StepStatusSkipped StepStatus = "skipped"
)

// StepResult records one pipeline phase outcome.
type StepResult struct {
	Name     string     `json:"name"`
	Status   StepStatus `json:"status"`
	Duration int64      `json:"duration_ms"`
	Volume   int        `json:"volume"`
	Error    string     `json:"error,omitempty"`
}

// RunMetrics holds the aggregate measurements computed from the
// post-run summary analysis.
type RunMetrics struct {
	TotalDuration    int64   `json:"total_duration_ms"`
	QualityDelta     float64 `json:"quality_delta"`
	FreshDataPercent float64 `json:"fresh_data_percent"`
	WardsUpdated     int     `json:"wards_updated"`
}

// PipelineRun is a single orchestrated execution. At most one run has
// status running at any time.
type PipelineRun struct {
	ID              string       `json:"id"`
	Type            RunType      `json:"type"`
	Status          RunStatus    `json:"status"`
	Steps           []StepResult `json:"steps"`
	Metrics         RunMetrics   `json:"metrics"`
	Errors          []string     `json:"errors,omitempty"`
	Recommendations []string     `json:"recommendations,omitempty"`
	StartTime       time.Time    `json:"start_time"`
	EndTime         *time.Time   `json:"end_time,omitempty"`
}

// NewRunID builds a globally unique run identifier from the start time
// plus a random suffix.
func NewRunID(now time.Time) string {
	return "run-" + now.UTC().Format("20060102-150405") + "-" + uuid.NewString()[:8]
}

// PipelineStatus is the shape returned by the status query consumed by
// the web layer.
type PipelineStatus struct {
	IsRunning   bool          `json:"isRunning"`
	CurrentRun  *PipelineRun  `json:"currentRun,omitempty"`
	LastRun     *PipelineRun  `json:"lastRun,omitempty"`
	RunHistory  []PipelineRun `json:"runHistory"`
	HealthScore float64       `json:"healthScore"`
}
