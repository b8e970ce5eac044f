package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"conductor.app/conductor/internal/http/dto"
	"conductor.app/conductor/internal/model"
	"conductor.app/conductor/internal/queue"
	"conductor.app/conductor/internal/registry"
	"conductor.app/conductor/internal/store"
)

// JobService is the registry surface the HTTP edge depends on.
type JobService interface {
	Submit(ctx context.Context, req registry.SubmitRequest) (*registry.SubmitResult, error)
	SubmitBatch(ctx context.Context, reqs []registry.SubmitRequest) []registry.BatchItem
	Get(ctx context.Context, jobID int64) (*model.Job, error)
	Cancel(ctx context.Context, jobID int64) error
}

type JobHandler struct {
	service JobService
}

func NewJobHandler(service JobService) *JobHandler {
	return &JobHandler{service: service}
}

func (h *JobHandler) Submit(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid submit request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.service.Submit(ctx, registry.SubmitRequest{
		TenantID: req.TenantID,
		JobType:  req.JobType,
		Params:   req.Params,
		Priority: req.Priority,
	})
	if err != nil {
		h.writeSubmitError(c, err)
		return
	}

	status := http.StatusAccepted
	if result.FromCache {
		status = http.StatusOK
	}
	c.JSON(status, dto.SubmitJobResponse{
		JobID:     result.JobID,
		Status:    result.Status,
		FromCache: result.FromCache,
		Result:    result.Result,
	})
}

func (h *JobHandler) SubmitBatch(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.SubmitBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid batch request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	reqs := make([]registry.SubmitRequest, len(req.Jobs))
	for i, job := range req.Jobs {
		reqs[i] = registry.SubmitRequest{
			TenantID: job.TenantID,
			JobType:  job.JobType,
			Params:   job.Params,
			Priority: job.Priority,
		}
	}

	items := h.service.SubmitBatch(ctx, reqs)

	resp := dto.SubmitBatchResponse{Results: make([]dto.BatchItemResponse, len(items))}
	for i, item := range items {
		if item.Err != nil {
			resp.Results[i] = dto.BatchItemResponse{Error: item.Err.Error()}
			continue
		}
		resp.Results[i] = dto.BatchItemResponse{SubmitJobResponse: &dto.SubmitJobResponse{
			JobID:     item.Result.JobID,
			Status:    item.Result.Status,
			FromCache: item.Result.FromCache,
			Result:    item.Result.Result,
		}}
	}

	c.JSON(http.StatusMultiStatus, resp)
}

func (h *JobHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()

	jobID, ok := parseJobID(c)
	if !ok {
		return
	}

	job, err := h.service.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		slog.ErrorContext(ctx, "failed to load job", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
		return
	}

	c.JSON(http.StatusOK, dto.JobResponseFrom(job))
}

func (h *JobHandler) Cancel(c *gin.Context) {
	ctx := c.Request.Context()

	jobID, ok := parseJobID(c)
	if !ok {
		return
	}

	if err := h.service.Cancel(ctx, jobID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		var invalid *registry.InvalidTransitionError
		if errors.As(err, &invalid) {
			c.JSON(http.StatusConflict, gin.H{"error": "job already finalized"})
			return
		}
		slog.ErrorContext(ctx, "failed to cancel job", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel job"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "cancelled"})
}

func (h *JobHandler) writeSubmitError(c *gin.Context, err error) {
	ctx := c.Request.Context()

	if errors.Is(err, registry.ErrInvalidParams) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var saturated *queue.QueueSaturatedError
	if errors.As(err, &saturated) {
		c.Header("Retry-After", "1")
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "priority queue saturated, retry later"})
		return
	}

	slog.ErrorContext(ctx, "failed to submit job", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit job"})
}

func parseJobID(c *gin.Context) (int64, bool) {
	jobID, err := strconv.ParseInt(c.Param("job_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job_id"})
		return 0, false
	}
	return jobID, true
}
