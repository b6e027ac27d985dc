package models

import "time"

// PipelineRun is the persisted record of one pipeline submission
type PipelineRun struct {
	ID          string        `json:"id" db:"id"`
	BuildNumber int           `json:"build_number" db:"build_number"`
	State       PipelineState `json:"state" db:"state"`
	JobCount    int           `json:"job_count" db:"job_count"`
	FailedJobs  int           `json:"failed_jobs" db:"failed_jobs"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty" db:"finished_at"`
}

// JobRun is the persisted record of one job inside a pipeline run
type JobRun struct {
	PipelineID string     `json:"pipeline_id" db:"pipeline_id"`
	JobID      string     `json:"job_id" db:"job_id"`
	Agent      string     `json:"agent,omitempty" db:"agent"`
	State      JobState   `json:"state" db:"state"`
	ExitCode   *int       `json:"exit_code,omitempty" db:"exit_code"`
	Error      string     `json:"error,omitempty" db:"error"`
	StartedAt  *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// UpdateAgentRequest is the payload for changing an agent's worker count
type UpdateAgentRequest struct {
	Workers int `json:"workers"`
}
