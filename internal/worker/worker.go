package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"conductor.app/conductor/common/logger"
	"conductor.app/conductor/internal/model"
	"conductor.app/conductor/internal/queue"
	"conductor.app/conductor/internal/registry"
	"conductor.app/conductor/internal/resilience"
	"conductor.app/conductor/internal/store"
)

// errCancelled aborts an execution whose job was cancelled mid-flight.
var errCancelled = errors.New("job cancelled")

// consumer mirrors queue.Consumer - defined here so tests can fake the
// stream layer.
type consumer interface {
	Read(ctx context.Context) ([]queue.Message, error)
	Ack(ctx context.Context, msg queue.Message) error
	Requeue(ctx context.Context, msg queue.Message, errMsg string) error
	SendDLQ(ctx context.Context, msg queue.Message, errMsg string) error
}

// jobRegistry mirrors registry.Registry - defined here to avoid widening
// the registry surface for the worker's sake.
type jobRegistry interface {
	Get(ctx context.Context, jobID int64) (*model.Job, error)
	Transition(ctx context.Context, jobID int64, next model.JobStatus, result json.RawMessage, jobErr *model.JobError) error
	IsCancelled(ctx context.Context, jobID int64) bool
	RecordRetry(ctx context.Context, jobID int64, attempt int)
}

type Config struct {
	// MaxAttempts bounds queue redeliveries before the DLQ.
	MaxAttempts int
	// PriorityThreshold selects the high-criticality retry tier for
	// priority-lane work.
	PriorityThreshold int
}

// Worker drains the dispatch streams: it claims execute envelopes,
// drives the job state machine through the registry and runs the job's
// processor behind the resilience layer.
type Worker struct {
	consumer   consumer
	registry   jobRegistry
	caller     *resilience.Caller
	processors *ProcessorSet
	cfg        Config

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func New(consumer consumer, reg jobRegistry, caller *resilience.Caller, processors *ProcessorSet, cfg Config) *Worker {
	return &Worker{
		consumer:   consumer,
		registry:   reg,
		caller:     caller,
		processors: processors,
		cfg:        cfg,
		stopCh:     make(chan struct{}),
		stoppedCh:  make(chan struct{}),
	}
}

func (w *Worker) Run(ctx context.Context) error {
	defer close(w.stoppedCh)

	slog.InfoContext(ctx, "worker started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			slog.InfoContext(ctx, "worker stopping")
			return nil
		default:
			if err := w.processOneBatch(ctx); err != nil {
				slog.ErrorContext(ctx, "batch processing error", "error", err)
				// Brief backoff on error
				time.Sleep(time.Second)
			}
		}
	}
}

func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.stoppedCh
}

func (w *Worker) processOneBatch(ctx context.Context) error {
	messages, err := w.consumer.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading from streams: %w", err)
	}

	for _, msg := range messages {
		if err := w.processMessageSafe(ctx, msg); err != nil {
			slog.ErrorContext(ctx, "message processing failed",
				"error", err,
				"message_id", msg.ID,
				"task_id", msg.Envelope.TaskID)
			w.handleFailedMessage(ctx, msg, err)
		}
	}

	return nil
}

func (w *Worker) processMessageSafe(ctx context.Context, msg queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in message processing",
				"panic", r,
				"message_id", msg.ID,
				"task_id", msg.Envelope.TaskID)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.ProcessMessage(ctx, msg)
}

// ProcessMessage handles one claimed envelope. A nil return means the
// entry is settled (acked, finalized or skipped); an error return means
// the work is retryable and the caller decides between requeue and DLQ.
// Exported so it can be reused by the reclaimer.
func (w *Worker) ProcessMessage(ctx context.Context, msg queue.Message) error {
	env := msg.Envelope

	jobID, err := strconv.ParseInt(env.TaskID, 10, 64)
	if err != nil {
		slog.ErrorContext(ctx, "envelope carries unusable task id, acknowledging to prevent loop",
			"task_id", env.TaskID,
			"error", err)
		return w.ack(ctx, msg)
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		JobID:         logger.Ptr(jobID),
		TenantID:      logger.Ptr(env.TenantID),
		CorrelationID: logger.Ptr(env.CorrelationID),
		Component:     "conductor.worker",
	})

	slog.InfoContext(ctx, "processing envelope",
		"message_id", msg.ID,
		"attempt", msg.Attempt)

	if msg.Attempt > 1 {
		w.registry.RecordRetry(ctx, jobID, msg.Attempt)
	}

	job, err := w.registry.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.WarnContext(ctx, "envelope references unknown job, skipping")
			return w.ack(ctx, msg)
		}
		return fmt.Errorf("loading job: %w", err)
	}

	// Claim check: a job cancelled (or otherwise finalized) between
	// enqueue and claim is settled without execution.
	if job.Status.Terminal() {
		slog.InfoContext(ctx, "job already finalized, skipping", "status", job.Status)
		return w.ack(ctx, msg)
	}

	if job.Status == model.JobStatusPending {
		if err := w.registry.Transition(ctx, jobID, model.JobStatusProcessing, nil, nil); err != nil {
			var invalid *registry.InvalidTransitionError
			if !errors.As(err, &invalid) {
				return fmt.Errorf("claiming job: %w", err)
			}
			// A concurrent claim or cancel won; re-read and settle below.
			return w.ProcessMessage(ctx, msg)
		}
	}

	proc, ok := w.processors.Lookup(job.JobType)
	if !ok {
		w.finalize(ctx, jobID, &model.JobError{
			Code:      "unknown_job_type",
			Message:   fmt.Sprintf("no processor registered for %q", job.JobType),
			Retryable: false,
		})
		return w.ack(ctx, msg)
	}

	tier := resilience.CriticalityLow
	if env.Priority <= w.cfg.PriorityThreshold {
		tier = resilience.CriticalityHigh
	}

	var result json.RawMessage
	execErr := w.caller.Do(ctx, job.JobType, tier, func(ctx context.Context) error {
		if w.registry.IsCancelled(ctx, jobID) {
			return resilience.Permanent(job.JobType, errCancelled)
		}
		out, err := proc.Execute(ctx, job)
		if err != nil {
			return err
		}
		result = out
		return nil
	})

	if execErr != nil {
		if errors.Is(execErr, errCancelled) {
			slog.InfoContext(ctx, "job cancelled during execution")
			return w.ack(ctx, msg)
		}

		var depErr *resilience.DependencyError
		if errors.As(execErr, &depErr) && !depErr.Retryable() {
			w.finalize(ctx, jobID, &model.JobError{
				Code:      "execution_failed",
				Message:   depErr.Error(),
				Retryable: false,
			})
			return w.ack(ctx, msg)
		}

		// Retryable after the in-process budget is spent; escalate to the
		// queue-level retry.
		return execErr
	}

	if err := w.registry.Transition(ctx, jobID, model.JobStatusCompleted, result, nil); err != nil {
		var invalid *registry.InvalidTransitionError
		if !errors.As(err, &invalid) {
			return fmt.Errorf("completing job: %w", err)
		}
		// Cancelled while executing; the registry kept the result.
	}

	return w.ack(ctx, msg)
}

// ProcessReclaimed is the reclaimer's entrypoint. Failures settle
// through the same requeue/DLQ path as the main loop so a reclaimed
// entry never stays pending forever.
func (w *Worker) ProcessReclaimed(ctx context.Context, msg queue.Message) error {
	if err := w.processMessageSafe(ctx, msg); err != nil {
		w.handleFailedMessage(ctx, msg, err)
	}
	return nil
}

func (w *Worker) handleFailedMessage(ctx context.Context, msg queue.Message, err error) {
	jobID, parseErr := strconv.ParseInt(msg.Envelope.TaskID, 10, 64)

	if msg.Attempt >= w.cfg.MaxAttempts {
		slog.ErrorContext(ctx, "max attempts reached, sending to DLQ",
			"message_id", msg.ID,
			"task_id", msg.Envelope.TaskID,
			"attempts", msg.Attempt)
		if parseErr == nil {
			w.finalize(ctx, jobID, &model.JobError{
				Code:      "retries_exhausted",
				Message:   err.Error(),
				Retryable: true,
			})
		}
		if dlqErr := w.consumer.SendDLQ(ctx, msg, err.Error()); dlqErr != nil {
			slog.ErrorContext(ctx, "failed to send to DLQ", "error", dlqErr)
		}
		return
	}

	slog.WarnContext(ctx, "requeuing failed message",
		"message_id", msg.ID,
		"task_id", msg.Envelope.TaskID,
		"attempt", msg.Attempt)
	if requeueErr := w.consumer.Requeue(ctx, msg, err.Error()); requeueErr != nil {
		slog.ErrorContext(ctx, "failed to requeue message", "error", requeueErr)
	}
}

// finalize marks the job failed; duplicate terminal reports are ignored.
func (w *Worker) finalize(ctx context.Context, jobID int64, jobErr *model.JobError) {
	if err := w.registry.Transition(ctx, jobID, model.JobStatusFailed, nil, jobErr); err != nil {
		var invalid *registry.InvalidTransitionError
		if !errors.As(err, &invalid) {
			slog.ErrorContext(ctx, "failed to finalize job", "job_id", jobID, "error", err)
		}
	}
}

func (w *Worker) ack(ctx context.Context, msg queue.Message) error {
	if err := w.consumer.Ack(ctx, msg); err != nil {
		// Safe to drop: the reclaimer will re-claim and the claim check
		// settles the duplicate.
		slog.WarnContext(ctx, "failed to ACK message",
			"error", err,
			"message_id", msg.ID)
	}
	return nil
}
