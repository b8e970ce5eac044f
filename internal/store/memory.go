package store

import (
	"context"
	"fmt"
	"sync"

	"conductor.app/conductor/internal/model"
)

// MemoryJobStore keeps live jobs in process memory. Terminal durability is
// the archive store's job; live state is rebuilt from the queue on restart.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[int64]*model.Job
	// active indexes the single pending/processing job per
	// (tenant, fingerprint) pair.
	active map[string]int64
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs:   make(map[int64]*model.Job),
		active: make(map[string]int64),
	}
}

func activeKey(tenantID, fingerprint string) string {
	return tenantID + "|" + fingerprint
}

func (s *MemoryJobStore) Create(_ context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %d already exists", job.ID)
	}
	if job.Active() {
		if _, held := s.active[activeKey(job.TenantID, job.Fingerprint)]; held {
			return ErrDuplicateActive
		}
	}

	clone := *job
	s.jobs[job.ID] = &clone
	if job.Active() {
		s.active[activeKey(job.TenantID, job.Fingerprint)] = job.ID
	}
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id int64) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *job
	return &clone, nil
}

func (s *MemoryJobStore) GetActiveByFingerprint(_ context.Context, tenantID, fingerprint string) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.active[activeKey(tenantID, fingerprint)]
	if !ok {
		return nil, ErrNotFound
	}
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *job
	return &clone, nil
}

func (s *MemoryJobStore) Update(_ context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return ErrNotFound
	}

	clone := *job
	s.jobs[job.ID] = &clone
	key := activeKey(job.TenantID, job.Fingerprint)
	if job.Active() {
		s.active[key] = job.ID
	} else if s.active[key] == job.ID {
		delete(s.active, key)
	}
	return nil
}
