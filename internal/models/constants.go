package models

import "time"

// JobState is the lifecycle state of one job of a pipeline run
type JobState string

// Job state constants
const (
	JobStatePending   JobState = "pending"
	JobStateStarted   JobState = "started"
	JobStateFailed    JobState = "failed"
	JobStateCompleted JobState = "completed"
	JobStateError     JobState = "error"
)

// Terminal reports whether no further transition is possible from s
func (s JobState) Terminal() bool {
	switch s {
	case JobStateFailed, JobStateCompleted, JobStateError:
		return true
	default:
		return false
	}
}

// PipelineState is the aggregated state of a pipeline run
type PipelineState string

// Pipeline state constants
const (
	PipelineStateRunning    PipelineState = "running"
	PipelineStateSuccessful PipelineState = "successful"
	PipelineStateFailed     PipelineState = "failed"
)

// Agent limits and defaults
const (
	MaxWorkers        = 100
	DefaultRetryDelay = 1 * time.Second
	AgentKeyHeader    = "X-Agent-Key"
)
