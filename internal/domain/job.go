package domain

import (
	"time"
)

// JobStatus enumerates the lifecycle states of a processing job.
type JobStatus string

const (
	JobPending         JobStatus = "pending"
	JobProcessing      JobStatus = "processing"
	JobCompleted       JobStatus = "completed"
	JobFailed          JobStatus = "failed"
	JobFailedPermanent JobStatus = "failed_permanent"
)

// Job is one per-client processing unit. For any client, at most one job
// with status pending or processing exists at any instant.
type Job struct {
	ID           string     `json:"job_id" db:"job_id"`
	ClientID     string     `json:"client_id" db:"client_id"`
	Status       JobStatus  `json:"status" db:"status"`
	AttemptCount int        `json:"attempt_count" db:"attempt_count"`
	LastAttempt  *time.Time `json:"last_attempt" db:"last_attempt"`
	NextAttempt  *time.Time `json:"next_attempt" db:"next_attempt"`
	ErrorMessage string     `json:"error_message" db:"error_message"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// IsActive reports whether the job counts against the single-active-job
// invariant.
func (j *Job) IsActive() bool {
	return j.Status == JobPending || j.Status == JobProcessing
}

// IsTerminal reports whether the job is in a final state.
func (j *Job) IsTerminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailedPermanent
}
