package store

import (
	"context"
	"errors"

	"conductor.app/conductor/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateActive is returned by Create when another job already holds
// the tenant's active fingerprint slot. The registry's submit lock is
// process-local, so racing gateway replicas can both pass the active
// lookup; the loser re-reads and returns the winning job.
var ErrDuplicateActive = errors.New("an active job already holds this fingerprint")

// JobStore is the live-job state the registry operates on. Implementations
// are injected, never reached through a process-wide singleton.
type JobStore interface {
	Create(ctx context.Context, job *model.Job) error
	Get(ctx context.Context, id int64) (*model.Job, error)
	// GetActiveByFingerprint returns the pending/processing job holding the
	// fingerprint within the tenant, or ErrNotFound.
	GetActiveByFingerprint(ctx context.Context, tenantID, fingerprint string) (*model.Job, error)
	Update(ctx context.Context, job *model.Job) error
}

// ArchiveStore persists a durable record of every terminal transition for
// audit and recovery. It is off the registry's hot read path.
type ArchiveStore interface {
	RecordTerminal(ctx context.Context, job *model.Job) error
}
