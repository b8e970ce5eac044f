package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"conductor.app/conductor/common/logger"
	"conductor.app/conductor/internal/envelope"
	"conductor.app/conductor/internal/model"
)

// Subscriber is one live connection interested in a job's events. Send
// must be safe for sequential calls and should bound its own I/O with a
// deadline; a Send error deregisters the subscriber.
type Subscriber interface {
	ID() string
	Send(env envelope.Envelope) error
}

type subscription struct {
	subscriber  Subscriber
	connectedAt time.Time
}

// Hub fans job status/result/error events out to subscribed live
// connections: at-least-once, FIFO per job per subscriber, no cross-job
// ordering guarantee.
type Hub struct {
	mu sync.RWMutex
	// byJob maps job id → subscriber id → subscription.
	byJob map[int64]map[string]subscription
	// bySubscriber maps subscriber id → job ids, for disconnect cleanup.
	bySubscriber map[string]map[int64]struct{}

	// deliverMu serializes Publish per job so delivery order matches
	// publish order for every subscriber.
	deliverMu sync.Mutex
	jobLocks  map[int64]*sync.Mutex

	logger *slog.Logger
}

func New(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		byJob:        make(map[int64]map[string]subscription),
		bySubscriber: make(map[string]map[int64]struct{}),
		jobLocks:     make(map[int64]*sync.Mutex),
		logger:       log,
	}
}

// Subscribe binds the subscriber to a job's event stream. Subscribing
// twice to the same job replaces the previous binding.
func (h *Hub) Subscribe(sub Subscriber, jobID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	jobSubs, ok := h.byJob[jobID]
	if !ok {
		jobSubs = make(map[string]subscription)
		h.byJob[jobID] = jobSubs
	}
	jobSubs[sub.ID()] = subscription{subscriber: sub, connectedAt: time.Now().UTC()}

	jobs, ok := h.bySubscriber[sub.ID()]
	if !ok {
		jobs = make(map[int64]struct{})
		h.bySubscriber[sub.ID()] = jobs
	}
	jobs[jobID] = struct{}{}
}

// Unsubscribe removes one binding.
func (h *Hub) Unsubscribe(subscriberID string, jobID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(subscriberID, jobID)
}

// Drop removes every binding for a disconnected subscriber.
func (h *Hub) Drop(subscriberID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for jobID := range h.bySubscriber[subscriberID] {
		h.removeLocked(subscriberID, jobID)
	}
}

func (h *Hub) removeLocked(subscriberID string, jobID int64) {
	if jobSubs, ok := h.byJob[jobID]; ok {
		delete(jobSubs, subscriberID)
		if len(jobSubs) == 0 {
			delete(h.byJob, jobID)
		}
	}
	if jobs, ok := h.bySubscriber[subscriberID]; ok {
		delete(jobs, jobID)
		if len(jobs) == 0 {
			delete(h.bySubscriber, subscriberID)
		}
	}
}

// Subscribers reports how many connections are bound to the job.
func (h *Hub) Subscribers(jobID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byJob[jobID])
}

// Publish delivers the event to every subscriber currently bound to the
// job. A failing subscriber is deregistered and never blocks delivery to
// its siblings. Publishing a terminal status removes all of the job's
// subscriptions after delivery; completion, not a timer, is what garbage
// collects subscriptions.
func (h *Hub) Publish(ctx context.Context, jobID int64, env envelope.Envelope) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		JobID:     logger.Ptr(jobID),
		Component: "conductor.hub",
	})

	jobLock := h.lockFor(jobID)
	jobLock.Lock()
	defer jobLock.Unlock()

	h.mu.RLock()
	subs := make([]Subscriber, 0, len(h.byJob[jobID]))
	for _, s := range h.byJob[jobID] {
		subs = append(subs, s.subscriber)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.Send(env); err != nil {
			h.logger.WarnContext(ctx, "dropping subscriber after failed delivery",
				"subscriber_id", sub.ID(),
				"error", err)
			h.Unsubscribe(sub.ID(), jobID)
		}
	}

	if model.JobStatus(env.Status).Terminal() {
		h.clearJob(jobID)
	}
}

func (h *Hub) clearJob(jobID int64) {
	h.mu.Lock()
	for subscriberID := range h.byJob[jobID] {
		if jobs, ok := h.bySubscriber[subscriberID]; ok {
			delete(jobs, jobID)
			if len(jobs) == 0 {
				delete(h.bySubscriber, subscriberID)
			}
		}
	}
	delete(h.byJob, jobID)
	h.mu.Unlock()

	h.deliverMu.Lock()
	delete(h.jobLocks, jobID)
	h.deliverMu.Unlock()
}

func (h *Hub) lockFor(jobID int64) *sync.Mutex {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	l, ok := h.jobLocks[jobID]
	if !ok {
		l = &sync.Mutex{}
		h.jobLocks[jobID] = l
	}
	return l
}
