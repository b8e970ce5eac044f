package model

import (
	"encoding/json"
	"time"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transition is legal from this status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows moving to next.
// pending → processing → {completed | failed}; cancellation is legal from
// pending and processing. Terminal states accept nothing.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case JobStatusPending:
		return next == JobStatusProcessing || next == JobStatusCancelled ||
			next == JobStatusCompleted || next == JobStatusFailed
	case JobStatusProcessing:
		return next == JobStatusCompleted || next == JobStatusFailed || next == JobStatusCancelled
	}
	return false
}

// JobError is the structured error attached to a failed job.
type JobError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Job is a unit of asynchronous work tracked by the registry.
type Job struct {
	ID       int64  `json:"job_id,string"`
	TenantID string `json:"tenant_id"`
	// CorrelationID is shared by every envelope derived from this job.
	CorrelationID string          `json:"correlation_id"`
	JobType       string          `json:"job_type"`
	Fingerprint   string          `json:"dedup_fingerprint"`
	Status        JobStatus       `json:"status"`
	Priority      int             `json:"priority"`
	Params        json.RawMessage `json:"params"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *JobError       `json:"error,omitempty"`
	RetryCount    int             `json:"retry_count"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// Active reports whether the job still holds its dedup fingerprint.
func (j *Job) Active() bool {
	return !j.Status.Terminal()
}
