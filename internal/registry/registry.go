package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"conductor.app/conductor/common/id"
	"conductor.app/conductor/common/logger"
	"conductor.app/conductor/internal/cache"
	"conductor.app/conductor/internal/envelope"
	"conductor.app/conductor/internal/model"
	"conductor.app/conductor/internal/queue"
	"conductor.app/conductor/internal/store"
)

const (
	// Cache data types owned by the registry.
	dataTypeResult     = "job_result"
	dataTypeCancelFlag = "job_cancel"
)

// InvalidTransitionError reports a transition the state machine forbids.
// Duplicate terminal messages land here under at-least-once delivery;
// callers treat it as a no-op, it is never surfaced to the submitter.
type InvalidTransitionError struct {
	JobID int64
	From  model.JobStatus
	To    model.JobStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %d: invalid transition %s -> %s", e.JobID, e.From, e.To)
}

// Notifier is the hub surface the registry pushes events through.
type Notifier interface {
	Publish(ctx context.Context, jobID int64, env envelope.Envelope)
}

// Config identifies this registry on the wire and sets submission
// defaults.
type Config struct {
	// SourceService stamps envelopes emitted by the registry.
	SourceService string
	// TargetService is the worker pool execute envelopes are routed to.
	TargetService string
	// DefaultPriority applies when a submission does not specify one.
	DefaultPriority int
}

// Registry owns job lifecycle state: it deduplicates submissions against
// the result store, enqueues execution envelopes, enforces the status
// state machine and fans events out through the notifier. All
// collaborators are injected at construction.
type Registry struct {
	cfg      Config
	jobs     store.JobStore
	archive  store.ArchiveStore
	results  cache.Store
	producer queue.Producer
	notifier Notifier
	logger   *slog.Logger

	// submitMu serializes Submit per (tenant, fingerprint) so two racing
	// submissions cannot both miss the active-job lookup. Unrelated
	// fingerprints never contend.
	mu        sync.Mutex
	submitMu  map[string]*sync.Mutex
	submitRef map[string]int
}

func New(cfg Config, jobs store.JobStore, archive store.ArchiveStore, results cache.Store, producer queue.Producer, notifier Notifier, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		cfg:       cfg,
		jobs:      jobs,
		archive:   archive,
		results:   results,
		producer:  producer,
		notifier:  notifier,
		logger:    log,
		submitMu:  make(map[string]*sync.Mutex),
		submitRef: make(map[string]int),
	}
}

// SubmitRequest is one unit-of-work submission.
type SubmitRequest struct {
	TenantID string          `json:"tenant_id"`
	JobType  string          `json:"job_type"`
	Params   json.RawMessage `json:"params"`
	// Priority defaults to the registry's configured default when nil.
	Priority *int `json:"priority,omitempty"`
}

// SubmitResult is what a submitter gets back: a job id, possibly already
// resolved from the cache.
type SubmitResult struct {
	JobID     int64           `json:"job_id,string"`
	FromCache bool            `json:"from_cache"`
	Status    model.JobStatus `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// cachedResult is the cache entry written on completion, enough to build
// the synthetic terminal view for later identical submissions.
type cachedResult struct {
	JobID  int64           `json:"job_id,string"`
	Result json.RawMessage `json:"result"`
}

// Submit registers a unit of work. Identical in-flight submissions return
// the existing job id; a live cached result short-circuits without
// touching the queue; otherwise a new pending job is created and its
// execute envelope enqueued.
func (r *Registry) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if req.TenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if req.JobType == "" {
		return nil, fmt.Errorf("job_type is required")
	}

	fp, err := Fingerprint(req.TenantID, req.JobType, req.Params)
	if err != nil {
		return nil, err
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		TenantID:  logger.Ptr(req.TenantID),
		Component: "conductor.registry",
	})

	release := r.lockFingerprint(req.TenantID + "|" + fp)
	defer release()

	// Cache short-circuit: a live completed result answers immediately.
	if cached := r.lookupResult(ctx, req.TenantID, fp); cached != nil {
		r.logger.InfoContext(ctx, "submission resolved from cache", "job_id", cached.JobID)
		return &SubmitResult{
			JobID:     cached.JobID,
			FromCache: true,
			Status:    model.JobStatusCompleted,
			Result:    cached.Result,
		}, nil
	}

	// Idempotent submission: one active job per fingerprint per tenant.
	active, err := r.jobs.GetActiveByFingerprint(ctx, req.TenantID, fp)
	if err == nil {
		r.logger.InfoContext(ctx, "submission deduplicated to active job", "job_id", active.ID)
		return &SubmitResult{JobID: active.ID, Status: active.Status}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up active job: %w", err)
	}

	priority := r.cfg.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}

	now := time.Now().UTC()
	job := &model.Job{
		ID:          id.New(),
		TenantID:    req.TenantID,
		JobType:     req.JobType,
		Fingerprint: fp,
		Status:      model.JobStatusPending,
		Priority:    priority,
		Params:      req.Params,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	env := envelope.New(fmt.Sprint(job.ID), job.TenantID,
		envelope.Type{Domain: envelope.DomainJob, Action: envelope.ActionExecute},
		r.cfg.SourceService, r.cfg.TargetService, priority)
	env.Payload = req.Params
	env.Metadata = map[string]string{"job_type": req.JobType}
	job.CorrelationID = env.CorrelationID

	if err := r.jobs.Create(ctx, job); err != nil {
		if errors.Is(err, store.ErrDuplicateActive) {
			// Another gateway replica inserted between our lookup and now.
			// Same outcome as the in-process dedup path: return its job.
			if active, lookupErr := r.jobs.GetActiveByFingerprint(ctx, req.TenantID, fp); lookupErr == nil {
				r.logger.InfoContext(ctx, "submission deduplicated to active job", "job_id", active.ID)
				return &SubmitResult{JobID: active.ID, Status: active.Status}, nil
			}
		}
		return nil, fmt.Errorf("creating job: %w", err)
	}

	if _, err := r.producer.Enqueue(ctx, env); err != nil {
		// Fail the job rather than leak a pending submission that no worker
		// will ever claim: the fingerprint slot is released, subscribers get
		// their terminal event, and the submitter may retry.
		jobErr := &model.JobError{
			Code:      "enqueue_failed",
			Message:   err.Error(),
			Retryable: true,
		}
		var saturated *queue.QueueSaturatedError
		if errors.As(err, &saturated) {
			jobErr.Code = "queue_saturated"
		}
		r.failLocked(ctx, job, jobErr)
		return nil, err
	}

	r.logger.InfoContext(ctx, "job submitted",
		"job_id", job.ID,
		"job_type", job.JobType,
		"priority", priority)
	return &SubmitResult{JobID: job.ID, Status: model.JobStatusPending}, nil
}

// BatchItem is one outcome of SubmitBatch. Failures are isolated per
// item; a failed sibling never aborts the rest.
type BatchItem struct {
	Result *SubmitResult
	Err    error
}

func (r *Registry) SubmitBatch(ctx context.Context, reqs []SubmitRequest) []BatchItem {
	items := make([]BatchItem, len(reqs))
	for i, req := range reqs {
		result, err := r.Submit(ctx, req)
		items[i] = BatchItem{Result: result, Err: err}
	}
	return items
}

// Get returns the job or store.ErrNotFound.
func (r *Registry) Get(ctx context.Context, jobID int64) (*model.Job, error) {
	return r.jobs.Get(ctx, jobID)
}

// Transition moves the job through its state machine. Completion
// populates the result cache under the job's fingerprint and, like every
// terminal transition, writes the durable archive record and notifies
// subscribers. A transition from a terminal state returns
// InvalidTransitionError and changes nothing — with one deliberate
// exception: a completed report arriving after cancellation (a worker
// won the claim race) still caches its result, while the subscriber
// visible status stays cancelled.
func (r *Registry) Transition(ctx context.Context, jobID int64, next model.JobStatus, result json.RawMessage, jobErr *model.JobError) error {
	job, err := r.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		JobID:         logger.Ptr(jobID),
		TenantID:      logger.Ptr(job.TenantID),
		CorrelationID: logger.Ptr(job.CorrelationID),
		Component:     "conductor.registry",
	})

	if !job.Status.CanTransition(next) {
		if job.Status == model.JobStatusCancelled && next == model.JobStatusCompleted && len(result) > 0 {
			// The worker finished anyway; keep the result for future
			// identical submissions.
			r.cacheResult(ctx, job, result)
		}
		r.logger.DebugContext(ctx, "ignoring invalid transition",
			"from", job.Status,
			"to", next)
		return &InvalidTransitionError{JobID: jobID, From: job.Status, To: next}
	}

	job.Status = next
	job.UpdatedAt = time.Now().UTC()
	switch next {
	case model.JobStatusCompleted:
		job.Result = result
	case model.JobStatusFailed:
		job.Error = jobErr
	}
	if next.Terminal() {
		done := job.UpdatedAt
		job.CompletedAt = &done
	}

	if err := r.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("updating job %d: %w", jobID, err)
	}

	if next == model.JobStatusCompleted {
		r.cacheResult(ctx, job, result)
	}
	if next == model.JobStatusCancelled {
		r.setCancelFlag(ctx, job)
	}
	if next.Terminal() {
		if err := r.archive.RecordTerminal(ctx, job); err != nil {
			// Audit record, off the hot path; the transition itself stands.
			r.logger.ErrorContext(ctx, "failed to archive terminal job", "error", err)
		}
	}

	r.publishStatus(ctx, job)

	r.logger.InfoContext(ctx, "job transitioned", "status", next)
	return nil
}

// Cancel requests cooperative cancellation. Pending jobs are finalized
// before a worker claims them (the worker's claim check tolerates the
// race); processing jobs keep running until the worker observes the flag.
func (r *Registry) Cancel(ctx context.Context, jobID int64) error {
	return r.Transition(ctx, jobID, model.JobStatusCancelled, nil, nil)
}

// IsCancelled is the flag workers poll between steps of a long execution.
func (r *Registry) IsCancelled(ctx context.Context, jobID int64) bool {
	job, err := r.jobs.Get(ctx, jobID)
	if err == nil && job.Status == model.JobStatusCancelled {
		return true
	}
	if job == nil {
		return false
	}
	_, err = r.results.Get(ctx, dataTypeCancelFlag, job.TenantID, fmt.Sprint(jobID))
	return err == nil
}

// RecordRetry bumps the retry counter when the queue redelivers a job.
func (r *Registry) RecordRetry(ctx context.Context, jobID int64, attempt int) {
	job, err := r.jobs.Get(ctx, jobID)
	if err != nil {
		return
	}
	if attempt > job.RetryCount+1 {
		job.RetryCount = attempt - 1
		job.UpdatedAt = time.Now().UTC()
		if err := r.jobs.Update(ctx, job); err != nil {
			r.logger.WarnContext(ctx, "failed to record retry", "job_id", jobID, "error", err)
		}
	}
}

// failLocked finalizes a job that never reached the queue. The caller
// already holds the fingerprint lock.
func (r *Registry) failLocked(ctx context.Context, job *model.Job, jobErr *model.JobError) {
	job.Status = model.JobStatusFailed
	job.Error = jobErr
	job.UpdatedAt = time.Now().UTC()
	done := job.UpdatedAt
	job.CompletedAt = &done

	if err := r.jobs.Update(ctx, job); err != nil {
		r.logger.ErrorContext(ctx, "failed to mark job failed", "job_id", job.ID, "error", err)
		return
	}
	if err := r.archive.RecordTerminal(ctx, job); err != nil {
		r.logger.ErrorContext(ctx, "failed to archive terminal job", "job_id", job.ID, "error", err)
	}
	r.publishStatus(ctx, job)
}

func (r *Registry) lookupResult(ctx context.Context, tenantID, fp string) *cachedResult {
	data, err := r.results.Get(ctx, dataTypeResult, tenantID, fp)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			// The cache is an optimization; a broken cache degrades to a
			// fresh execution, never an error.
			r.logger.WarnContext(ctx, "result cache unavailable, skipping short-circuit", "error", err)
		}
		return nil
	}

	var cached cachedResult
	if err := json.Unmarshal(data, &cached); err != nil {
		r.logger.WarnContext(ctx, "dropping undecodable cached result", "error", err)
		return nil
	}
	return &cached
}

func (r *Registry) cacheResult(ctx context.Context, job *model.Job, result json.RawMessage) {
	data, err := json.Marshal(cachedResult{JobID: job.ID, Result: result})
	if err != nil {
		r.logger.WarnContext(ctx, "failed to marshal cached result", "error", err)
		return
	}
	if err := r.results.Put(ctx, dataTypeResult, job.TenantID, job.Fingerprint, data, cache.TierExtended); err != nil {
		r.logger.WarnContext(ctx, "failed to cache job result", "error", err)
	}
}

func (r *Registry) setCancelFlag(ctx context.Context, job *model.Job) {
	if err := r.results.Put(ctx, dataTypeCancelFlag, job.TenantID, fmt.Sprint(job.ID), json.RawMessage(`true`), cache.TierShort); err != nil {
		r.logger.WarnContext(ctx, "failed to set cancellation flag", "error", err)
	}
}

// publishStatus pushes the job's current state to subscribers. Completed
// jobs carry the result payload, failed jobs the structured error.
func (r *Registry) publishStatus(ctx context.Context, job *model.Job) {
	action := envelope.ActionStatus
	switch job.Status {
	case model.JobStatusCompleted:
		action = envelope.ActionResponse
	case model.JobStatusFailed:
		action = envelope.ActionError
	}

	// The job record preserves the identity of the originating execute
	// envelope; deriving from it keeps the correlation id on every event.
	origin := envelope.Envelope{
		TaskID:        fmt.Sprint(job.ID),
		TenantID:      job.TenantID,
		CorrelationID: job.CorrelationID,
		Type:          envelope.Type{Domain: envelope.DomainJob},
		Priority:      job.Priority,
	}
	env := origin.Derive(action, r.cfg.SourceService, "subscribers")
	env.Status = string(job.Status)
	if job.Status == model.JobStatusCompleted {
		env.Payload = job.Result
	}
	if job.Error != nil {
		env.Error = &envelope.ErrorInfo{Code: job.Error.Code, Message: job.Error.Message}
	}

	r.notifier.Publish(ctx, job.ID, env)
}

// lockFingerprint hands out a per-fingerprint mutex; entries are removed
// once the last holder releases so the map stays bounded.
func (r *Registry) lockFingerprint(key string) func() {
	r.mu.Lock()
	l, ok := r.submitMu[key]
	if !ok {
		l = &sync.Mutex{}
		r.submitMu[key] = l
	}
	r.submitRef[key]++
	r.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		r.mu.Lock()
		r.submitRef[key]--
		if r.submitRef[key] == 0 {
			delete(r.submitMu, key)
			delete(r.submitRef, key)
		}
		r.mu.Unlock()
	}
}
