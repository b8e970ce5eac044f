package registry_test

import (
	"context"
	"sync"

	"conductor.app/conductor/internal/envelope"
	"conductor.app/conductor/internal/model"
	"conductor.app/conductor/internal/store"
)

// raceJobStore lets a spec script Create while delegating everything else
// to the real memory store.
type raceJobStore struct {
	*store.MemoryJobStore
	createFn func(ctx context.Context, job *model.Job) error
}

func (s *raceJobStore) Create(ctx context.Context, job *model.Job) error {
	if s.createFn != nil {
		return s.createFn(ctx, job)
	}
	return s.MemoryJobStore.Create(ctx, job)
}

type fakeProducer struct {
	mu       sync.Mutex
	enqueued []envelope.Envelope
	failWith error
}

func (p *fakeProducer) Enqueue(_ context.Context, env envelope.Envelope) (envelope.Destination, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return envelope.Destination{}, p.failWith
	}
	p.enqueued = append(p.enqueued, env)
	return envelope.Destination{Stream: "jobs:test", Lane: envelope.LaneStandard}, nil
}

func (p *fakeProducer) Depth(context.Context, envelope.Destination) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int64(len(p.enqueued)), nil
}

func (p *fakeProducer) envelopes() []envelope.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]envelope.Envelope, len(p.enqueued))
	copy(out, p.enqueued)
	return out
}

type notification struct {
	jobID int64
	env   envelope.Envelope
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notification
}

func (n *fakeNotifier) Publish(_ context.Context, jobID int64, env envelope.Envelope) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notification{jobID: jobID, env: env})
}

func (n *fakeNotifier) all() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notification, len(n.events))
	copy(out, n.events)
	return out
}

type fakeArchive struct {
	mu      sync.Mutex
	records []model.Job
}

func (a *fakeArchive) RecordTerminal(_ context.Context, job *model.Job) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, *job)
	return nil
}

func (a *fakeArchive) all() []model.Job {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.Job, len(a.records))
	copy(out, a.records)
	return out
}
