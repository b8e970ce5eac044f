package registry_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"conductor.app/conductor/internal/cache"
	"conductor.app/conductor/internal/envelope"
	"conductor.app/conductor/internal/model"
	"conductor.app/conductor/internal/queue"
	"conductor.app/conductor/internal/registry"
	"conductor.app/conductor/internal/store"
)

var _ = Describe("Registry", func() {
	var (
		ctx      context.Context
		reg      *registry.Registry
		jobs     *store.MemoryJobStore
		archive  *fakeArchive
		results  *cache.MemoryStore
		producer *fakeProducer
		notifier *fakeNotifier
	)

	BeforeEach(func() {
		ctx = context.Background()
		jobs = store.NewMemoryJobStore()
		archive = &fakeArchive{}
		results = cache.NewMemoryStore()
		producer = &fakeProducer{}
		notifier = &fakeNotifier{}
		reg = registry.New(registry.Config{
			SourceService:   "conductor-api",
			TargetService:   "conductor-worker",
			DefaultPriority: 5,
		}, jobs, archive, results, producer, notifier, nil)
	})

	submit := func(tenant, jobType, params string) *registry.SubmitResult {
		res, err := reg.Submit(ctx, registry.SubmitRequest{
			TenantID: tenant,
			JobType:  jobType,
			Params:   json.RawMessage(params),
		})
		Expect(err).NotTo(HaveOccurred())
		return res
	}

	Describe("Submit", func() {
		It("creates a pending job and enqueues its execute envelope", func() {
			res := submit("acme", "report.generate", `{"month":"2026-08"}`)

			Expect(res.FromCache).To(BeFalse())
			Expect(res.Status).To(Equal(model.JobStatusPending))

			job, err := reg.Get(ctx, res.JobID)
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Fingerprint).NotTo(BeEmpty())

			envs := producer.envelopes()
			Expect(envs).To(HaveLen(1))
			Expect(envs[0].Type.Action).To(Equal(envelope.ActionExecute))
			Expect(envs[0].TenantID).To(Equal("acme"))
			Expect(envs[0].TargetService).To(Equal("conductor-worker"))
			Expect(envs[0].Metadata).To(HaveKeyWithValue("job_type", "report.generate"))
			Expect(envs[0].CorrelationID).To(Equal(job.CorrelationID))
		})

		It("deduplicates identical submissions onto the active job", func() {
			first := submit("acme", "report.generate", `{"month":"2026-08"}`)
			second := submit("acme", "report.generate", `{"month":"2026-08"}`)

			Expect(second.JobID).To(Equal(first.JobID))
			Expect(second.FromCache).To(BeFalse())
			Expect(producer.envelopes()).To(HaveLen(1))
		})

		It("treats parameter key order as equivalent", func() {
			first := submit("acme", "report.generate", `{"a":1,"b":2}`)
			second := submit("acme", "report.generate", `{"b":2,"a":1}`)

			Expect(second.JobID).To(Equal(first.JobID))
			Expect(producer.envelopes()).To(HaveLen(1))
		})

		It("keeps tenants isolated from each other", func() {
			first := submit("acme", "report.generate", `{"month":"2026-08"}`)
			second := submit("globex", "report.generate", `{"month":"2026-08"}`)

			Expect(second.JobID).NotTo(Equal(first.JobID))
			Expect(producer.envelopes()).To(HaveLen(2))
		})

		It("short-circuits from the result cache after completion", func() {
			first := submit("acme", "report.generate", `{"month":"2026-08"}`)
			result := json.RawMessage(`{"rows":42}`)

			Expect(reg.Transition(ctx, first.JobID, model.JobStatusProcessing, nil, nil)).To(Succeed())
			Expect(reg.Transition(ctx, first.JobID, model.JobStatusCompleted, result, nil)).To(Succeed())

			second := submit("acme", "report.generate", `{"month":"2026-08"}`)
			Expect(second.FromCache).To(BeTrue())
			Expect(second.JobID).To(Equal(first.JobID))
			Expect(second.Status).To(Equal(model.JobStatusCompleted))
			Expect(second.Result).To(MatchJSON(result))
			Expect(producer.envelopes()).To(HaveLen(1))
		})

		It("fails the job with a retryable error when the queue is saturated", func() {
			producer.failWith = &queue.QueueSaturatedError{Stream: "jobs:x", Depth: 10, Cap: 10}

			_, err := reg.Submit(ctx, registry.SubmitRequest{
				TenantID: "acme",
				JobType:  "report.generate",
				Params:   json.RawMessage(`{}`),
			})

			var saturated *queue.QueueSaturatedError
			Expect(err).To(BeAssignableToTypeOf(saturated))

			records := archive.all()
			Expect(records).To(HaveLen(1))
			Expect(records[0].Status).To(Equal(model.JobStatusFailed))
			Expect(records[0].Error.Retryable).To(BeTrue())

			events := notifier.all()
			Expect(events).To(HaveLen(1))
			Expect(events[0].env.Type.Action).To(Equal(envelope.ActionError))
		})

		It("releases the fingerprint when enqueueing fails outright", func() {
			producer.failWith = errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")

			_, err := reg.Submit(ctx, registry.SubmitRequest{
				TenantID: "acme",
				JobType:  "report.generate",
				Params:   json.RawMessage(`{"month":"2026-08"}`),
			})
			Expect(err).To(HaveOccurred())

			records := archive.all()
			Expect(records).To(HaveLen(1))
			Expect(records[0].Status).To(Equal(model.JobStatusFailed))
			Expect(records[0].Error.Code).To(Equal("enqueue_failed"))
			Expect(records[0].Error.Retryable).To(BeTrue())

			events := notifier.all()
			Expect(events).To(HaveLen(1))
			Expect(events[0].env.Type.Action).To(Equal(envelope.ActionError))

			// Once the queue recovers, an identical submission must mint a
			// fresh job instead of deduplicating onto the failed one.
			producer.failWith = nil
			recovered := submit("acme", "report.generate", `{"month":"2026-08"}`)
			Expect(recovered.JobID).NotTo(Equal(records[0].ID))
			Expect(recovered.Status).To(Equal(model.JobStatusPending))
			Expect(producer.envelopes()).To(HaveLen(1))
		})

		It("returns the winning job when another replica inserts the fingerprint first", func() {
			rival := &raceJobStore{MemoryJobStore: store.NewMemoryJobStore()}
			raceReg := registry.New(registry.Config{
				SourceService:   "conductor-api",
				TargetService:   "conductor-worker",
				DefaultPriority: 5,
			}, rival, archive, results, producer, notifier, nil)

			fp, err := registry.Fingerprint("acme", "report.generate", json.RawMessage(`{"month":"2026-08"}`))
			Expect(err).NotTo(HaveOccurred())
			winner := &model.Job{
				ID:          424242,
				TenantID:    "acme",
				JobType:     "report.generate",
				Fingerprint: fp,
				Status:      model.JobStatusPending,
			}

			// The rival replica lands its insert between our active lookup
			// and our own insert.
			rival.createFn = func(ctx context.Context, _ *model.Job) error {
				Expect(rival.MemoryJobStore.Create(ctx, winner)).To(Succeed())
				return store.ErrDuplicateActive
			}

			res, err := raceReg.Submit(ctx, registry.SubmitRequest{
				TenantID: "acme",
				JobType:  "report.generate",
				Params:   json.RawMessage(`{"month":"2026-08"}`),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.JobID).To(Equal(winner.ID))
			Expect(res.Status).To(Equal(model.JobStatusPending))
			Expect(producer.envelopes()).To(BeEmpty())
		})

		It("collapses concurrent identical submissions into one job", func() {
			const submitters = 8

			var wg sync.WaitGroup
			ids := make([]int64, submitters)
			errs := make([]error, submitters)
			for i := 0; i < submitters; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					defer GinkgoRecover()
					res, err := reg.Submit(ctx, registry.SubmitRequest{
						TenantID: "acme",
						JobType:  "report.generate",
						Params:   json.RawMessage(`{"month":"2026-08"}`),
					})
					errs[i] = err
					if res != nil {
						ids[i] = res.JobID
					}
				}(i)
			}
			wg.Wait()

			for i := 0; i < submitters; i++ {
				Expect(errs[i]).NotTo(HaveOccurred())
				Expect(ids[i]).To(Equal(ids[0]))
			}
			Expect(producer.envelopes()).To(HaveLen(1))
		})

		It("rejects submissions with no tenant", func() {
			_, err := reg.Submit(ctx, registry.SubmitRequest{JobType: "report.generate"})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("SubmitBatch", func() {
		It("isolates failures per item", func() {
			items := reg.SubmitBatch(ctx, []registry.SubmitRequest{
				{TenantID: "acme", JobType: "report.generate", Params: json.RawMessage(`{"n":1}`)},
				{TenantID: "acme", Params: json.RawMessage(`{"n":2}`)},
				{TenantID: "acme", JobType: "report.generate", Params: json.RawMessage(`{"n":3}`)},
			})

			Expect(items).To(HaveLen(3))
			Expect(items[0].Err).NotTo(HaveOccurred())
			Expect(items[1].Err).To(HaveOccurred())
			Expect(items[2].Err).NotTo(HaveOccurred())
			Expect(producer.envelopes()).To(HaveLen(2))
		})
	})

	Describe("Transition", func() {
		var jobID int64

		BeforeEach(func() {
			jobID = submit("acme", "report.generate", `{"month":"2026-08"}`).JobID
		})

		It("walks the happy path and notifies each step", func() {
			Expect(reg.Transition(ctx, jobID, model.JobStatusProcessing, nil, nil)).To(Succeed())
			Expect(reg.Transition(ctx, jobID, model.JobStatusCompleted, json.RawMessage(`{"ok":true}`), nil)).To(Succeed())

			job, err := reg.Get(ctx, jobID)
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Status).To(Equal(model.JobStatusCompleted))
			Expect(job.Result).To(MatchJSON(`{"ok":true}`))
			Expect(job.CompletedAt).NotTo(BeNil())

			events := notifier.all()
			Expect(events).To(HaveLen(2))
			Expect(events[0].env.Type.Action).To(Equal(envelope.ActionStatus))
			Expect(events[0].env.Status).To(Equal("processing"))
			Expect(events[1].env.Type.Action).To(Equal(envelope.ActionResponse))
			Expect(events[1].env.Payload).To(MatchJSON(`{"ok":true}`))
			Expect(events[0].env.CorrelationID).To(Equal(job.CorrelationID))
			Expect(events[1].env.CorrelationID).To(Equal(events[0].env.CorrelationID))
		})

		It("archives terminal jobs exactly once", func() {
			Expect(reg.Transition(ctx, jobID, model.JobStatusProcessing, nil, nil)).To(Succeed())
			Expect(reg.Transition(ctx, jobID, model.JobStatusCompleted, json.RawMessage(`{}`), nil)).To(Succeed())

			err := reg.Transition(ctx, jobID, model.JobStatusCompleted, json.RawMessage(`{}`), nil)
			var invalid *registry.InvalidTransitionError
			Expect(err).To(BeAssignableToTypeOf(invalid))

			Expect(archive.all()).To(HaveLen(1))
			Expect(notifier.all()).To(HaveLen(2))
		})

		It("records structured errors on failure", func() {
			Expect(reg.Transition(ctx, jobID, model.JobStatusProcessing, nil, nil)).To(Succeed())
			Expect(reg.Transition(ctx, jobID, model.JobStatusFailed, nil, &model.JobError{
				Code:    "upstream_timeout",
				Message: "dependency timed out",
			})).To(Succeed())

			job, err := reg.Get(ctx, jobID)
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Error.Code).To(Equal("upstream_timeout"))

			events := notifier.all()
			Expect(events[len(events)-1].env.Error.Code).To(Equal("upstream_timeout"))
		})

		It("rejects skipping the processing state on duplicate terminal reports", func() {
			Expect(reg.Transition(ctx, jobID, model.JobStatusProcessing, nil, nil)).To(Succeed())
			Expect(reg.Transition(ctx, jobID, model.JobStatusFailed, nil, &model.JobError{Code: "boom"})).To(Succeed())

			err := reg.Transition(ctx, jobID, model.JobStatusProcessing, nil, nil)
			var invalid *registry.InvalidTransitionError
			Expect(err).To(BeAssignableToTypeOf(invalid))
		})
	})

	Describe("Cancel", func() {
		It("cancels a pending job before any worker claims it", func() {
			res := submit("acme", "report.generate", `{"month":"2026-08"}`)

			Expect(reg.Cancel(ctx, res.JobID)).To(Succeed())

			job, err := reg.Get(ctx, res.JobID)
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Status).To(Equal(model.JobStatusCancelled))
			Expect(reg.IsCancelled(ctx, res.JobID)).To(BeTrue())
		})

		It("keeps the cancelled status when a worker finishes anyway, but caches the result", func() {
			res := submit("acme", "report.generate", `{"month":"2026-08"}`)
			Expect(reg.Cancel(ctx, res.JobID)).To(Succeed())

			err := reg.Transition(ctx, res.JobID, model.JobStatusCompleted, json.RawMessage(`{"rows":42}`), nil)
			var invalid *registry.InvalidTransitionError
			Expect(err).To(BeAssignableToTypeOf(invalid))

			job, getErr := reg.Get(ctx, res.JobID)
			Expect(getErr).NotTo(HaveOccurred())
			Expect(job.Status).To(Equal(model.JobStatusCancelled))

			// The orphaned result still serves future identical submissions.
			again := submit("acme", "report.generate", `{"month":"2026-08"}`)
			Expect(again.FromCache).To(BeTrue())
			Expect(again.Result).To(MatchJSON(`{"rows":42}`))
		})
	})

	Describe("RecordRetry", func() {
		It("tracks redeliveries monotonically", func() {
			res := submit("acme", "report.generate", `{"month":"2026-08"}`)

			reg.RecordRetry(ctx, res.JobID, 3)
			reg.RecordRetry(ctx, res.JobID, 2)

			job, err := reg.Get(ctx, res.JobID)
			Expect(err).NotTo(HaveOccurred())
			Expect(job.RetryCount).To(Equal(2))
		})
	})
})
