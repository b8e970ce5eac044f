package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"conductor.app/conductor/core/db"
	"conductor.app/conductor/internal/model"
)

// PostgresJobStore persists live jobs in the jobs table. The active
// fingerprint lookup relies on a partial unique index over
// (tenant_id, dedup_fingerprint) for non-terminal statuses.
type PostgresJobStore struct {
	db *db.DB
}

func NewPostgresJobStore(database *db.DB) *PostgresJobStore {
	return &PostgresJobStore{db: database}
}

const jobColumns = `
	id, tenant_id, correlation_id, job_type, dedup_fingerprint, status,
	priority, params, result, error, retry_count, created_at, updated_at,
	completed_at`

const insertJobSQL = `
INSERT INTO jobs (` + jobColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

const selectJobSQL = `
SELECT ` + jobColumns + `
FROM jobs
WHERE id = $1`

const selectActiveJobSQL = `
SELECT ` + jobColumns + `
FROM jobs
WHERE tenant_id = $1
  AND dedup_fingerprint = $2
  AND status IN ('pending', 'processing')`

const updateJobSQL = `
UPDATE jobs
SET status = $2, result = $3, error = $4, retry_count = $5,
    updated_at = $6, completed_at = $7
WHERE id = $1`

func (s *PostgresJobStore) Create(ctx context.Context, job *model.Job) error {
	errJSON, err := marshalJobError(job.Error)
	if err != nil {
		return err
	}

	_, err = s.db.Pool().Exec(ctx, insertJobSQL,
		job.ID,
		job.TenantID,
		job.CorrelationID,
		job.JobType,
		job.Fingerprint,
		string(job.Status),
		job.Priority,
		[]byte(job.Params),
		[]byte(job.Result),
		errJSON,
		job.RetryCount,
		job.CreatedAt,
		job.UpdatedAt,
		job.CompletedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateActive
		}
		return fmt.Errorf("creating job %d: %w", job.ID, err)
	}
	return nil
}

func (s *PostgresJobStore) Get(ctx context.Context, id int64) (*model.Job, error) {
	return s.scanJob(s.db.Pool().QueryRow(ctx, selectJobSQL, id))
}

func (s *PostgresJobStore) GetActiveByFingerprint(ctx context.Context, tenantID, fingerprint string) (*model.Job, error) {
	return s.scanJob(s.db.Pool().QueryRow(ctx, selectActiveJobSQL, tenantID, fingerprint))
}

func (s *PostgresJobStore) Update(ctx context.Context, job *model.Job) error {
	errJSON, err := marshalJobError(job.Error)
	if err != nil {
		return err
	}

	tag, err := s.db.Pool().Exec(ctx, updateJobSQL,
		job.ID,
		string(job.Status),
		[]byte(job.Result),
		errJSON,
		job.RetryCount,
		job.UpdatedAt,
		job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("updating job %d: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresJobStore) scanJob(row pgx.Row) (*model.Job, error) {
	var (
		job     model.Job
		status  string
		errJSON []byte
	)
	err := row.Scan(
		&job.ID,
		&job.TenantID,
		&job.CorrelationID,
		&job.JobType,
		&job.Fingerprint,
		&status,
		&job.Priority,
		(*[]byte)(&job.Params),
		(*[]byte)(&job.Result),
		&errJSON,
		&job.RetryCount,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning job: %w", err)
	}

	job.Status = model.JobStatus(status)
	if len(errJSON) > 0 {
		job.Error = &model.JobError{}
		if err := json.Unmarshal(errJSON, job.Error); err != nil {
			return nil, fmt.Errorf("decoding job error: %w", err)
		}
	}
	return &job, nil
}

func marshalJobError(jobErr *model.JobError) ([]byte, error) {
	if jobErr == nil {
		return nil, nil
	}
	data, err := json.Marshal(jobErr)
	if err != nil {
		return nil, fmt.Errorf("marshaling job error: %w", err)
	}
	return data, nil
}

// PostgresArchiveStore writes terminal job records to the job_archive
// table. Conflicting inserts for one job id are ignored: terminal
// transitions are idempotent and duplicate terminal messages can arrive
// under at-least-once delivery.
type PostgresArchiveStore struct {
	db *db.DB
}

func NewPostgresArchiveStore(database *db.DB) *PostgresArchiveStore {
	return &PostgresArchiveStore{db: database}
}

const insertArchiveSQL = `
INSERT INTO job_archive (
	job_id, tenant_id, job_type, dedup_fingerprint, status, priority,
	params, result, error, retry_count, created_at, updated_at, completed_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (job_id) DO NOTHING`

func (s *PostgresArchiveStore) RecordTerminal(ctx context.Context, job *model.Job) error {
	errJSON, err := marshalJobError(job.Error)
	if err != nil {
		return err
	}

	_, err = s.db.Pool().Exec(ctx, insertArchiveSQL,
		job.ID,
		job.TenantID,
		job.JobType,
		job.Fingerprint,
		string(job.Status),
		job.Priority,
		[]byte(job.Params),
		[]byte(job.Result),
		errJSON,
		job.RetryCount,
		job.CreatedAt,
		job.UpdatedAt,
		job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("recording terminal job %d: %w", job.ID, err)
	}
	return nil
}
