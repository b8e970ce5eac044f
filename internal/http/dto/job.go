package dto

import (
	"encoding/json"
	"time"

	"conductor.app/conductor/internal/model"
)

type SubmitJobRequest struct {
	TenantID string          `json:"tenant_id" binding:"required"`
	JobType  string          `json:"job_type" binding:"required"`
	Params   json.RawMessage `json:"params" binding:"required"`
	Priority *int            `json:"priority,omitempty"`
}

type SubmitJobResponse struct {
	JobID     int64           `json:"job_id,string"`
	Status    model.JobStatus `json:"status"`
	FromCache bool            `json:"from_cache"`
	Result    json.RawMessage `json:"result,omitempty"`
}

type SubmitBatchRequest struct {
	Jobs []SubmitJobRequest `json:"jobs" binding:"required,min=1,dive"`
}

type BatchItemResponse struct {
	*SubmitJobResponse
	Error string `json:"error,omitempty"`
}

type SubmitBatchResponse struct {
	Results []BatchItemResponse `json:"results"`
}

type JobResponse struct {
	JobID       int64           `json:"job_id,string"`
	TenantID    string          `json:"tenant_id"`
	JobType     string          `json:"job_type"`
	Status      model.JobStatus `json:"status"`
	Priority    int             `json:"priority"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *model.JobError `json:"error,omitempty"`
	RetryCount  int             `json:"retry_count"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func JobResponseFrom(job *model.Job) JobResponse {
	return JobResponse{
		JobID:       job.ID,
		TenantID:    job.TenantID,
		JobType:     job.JobType,
		Status:      job.Status,
		Priority:    job.Priority,
		Result:      job.Result,
		Error:       job.Error,
		RetryCount:  job.RetryCount,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
		CompletedAt: job.CompletedAt,
	}
}
