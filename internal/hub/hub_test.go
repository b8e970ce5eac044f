package hub_test

import (
	"context"
	"errors"
	"fmt"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"conductor.app/conductor/internal/envelope"
	"conductor.app/conductor/internal/hub"
)

type fakeSubscriber struct {
	id string

	mu       sync.Mutex
	received []envelope.Envelope
	sendErr  error
}

func (s *fakeSubscriber) ID() string { return s.id }

func (s *fakeSubscriber) Send(env envelope.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.received = append(s.received, env)
	return nil
}

func (s *fakeSubscriber) events() []envelope.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]envelope.Envelope, len(s.received))
	copy(out, s.received)
	return out
}

func statusEvent(jobID int64, status string) envelope.Envelope {
	env := envelope.New(fmt.Sprint(jobID), "t1",
		envelope.Type{Domain: envelope.DomainJob, Action: envelope.ActionStatus},
		"conductor", "gateway", 5)
	env.Status = status
	return env
}

var _ = Describe("Hub", func() {
	var (
		h   *hub.Hub
		ctx context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		h = hub.New(nil)
	})

	Describe("Publish", func() {
		It("delivers to every subscriber of the job", func() {
			a := &fakeSubscriber{id: "a"}
			b := &fakeSubscriber{id: "b"}
			h.Subscribe(a, 1)
			h.Subscribe(b, 1)

			h.Publish(ctx, 1, statusEvent(1, "processing"))

			Expect(a.events()).To(HaveLen(1))
			Expect(b.events()).To(HaveLen(1))
		})

		It("does not cross job boundaries", func() {
			a := &fakeSubscriber{id: "a"}
			h.Subscribe(a, 1)

			h.Publish(ctx, 2, statusEvent(2, "processing"))

			Expect(a.events()).To(BeEmpty())
		})

		It("isolates a failing subscriber and deregisters it", func() {
			broken := &fakeSubscriber{id: "broken", sendErr: errors.New("connection closed")}
			healthy := &fakeSubscriber{id: "healthy"}
			h.Subscribe(broken, 1)
			h.Subscribe(healthy, 1)

			h.Publish(ctx, 1, statusEvent(1, "processing"))

			Expect(healthy.events()).To(HaveLen(1))
			Expect(h.Subscribers(1)).To(Equal(1))

			// The broken subscriber is gone; only healthy gets the next one.
			h.Publish(ctx, 1, statusEvent(1, "processing"))
			Expect(healthy.events()).To(HaveLen(2))
			Expect(broken.events()).To(BeEmpty())
		})

		It("delivers events for one job in publish order", func() {
			a := &fakeSubscriber{id: "a"}
			h.Subscribe(a, 1)

			statuses := []string{"pending", "processing", "processing", "completed"}
			for _, s := range statuses {
				h.Publish(ctx, 1, statusEvent(1, s))
			}

			got := a.events()
			Expect(got).To(HaveLen(len(statuses)))
			for i, s := range statuses {
				Expect(got[i].Status).To(Equal(s))
			}
		})

		It("removes all subscriptions for a job after a terminal event", func() {
			a := &fakeSubscriber{id: "a"}
			b := &fakeSubscriber{id: "b"}
			h.Subscribe(a, 1)
			h.Subscribe(b, 1)

			h.Publish(ctx, 1, statusEvent(1, "completed"))

			// The terminal event itself was delivered.
			Expect(a.events()).To(HaveLen(1))
			Expect(b.events()).To(HaveLen(1))

			// Bindings were garbage collected on completion.
			Expect(h.Subscribers(1)).To(BeZero())
			h.Publish(ctx, 1, statusEvent(1, "completed"))
			Expect(a.events()).To(HaveLen(1))
		})
	})

	Describe("Drop", func() {
		It("removes the subscriber from every job it follows", func() {
			a := &fakeSubscriber{id: "a"}
			h.Subscribe(a, 1)
			h.Subscribe(a, 2)

			h.Drop("a")

			h.Publish(ctx, 1, statusEvent(1, "processing"))
			h.Publish(ctx, 2, statusEvent(2, "processing"))
			Expect(a.events()).To(BeEmpty())
		})
	})

	Describe("Unsubscribe", func() {
		It("only removes the named binding", func() {
			a := &fakeSubscriber{id: "a"}
			h.Subscribe(a, 1)
			h.Subscribe(a, 2)

			h.Unsubscribe("a", 1)

			h.Publish(ctx, 1, statusEvent(1, "processing"))
			h.Publish(ctx, 2, statusEvent(2, "processing"))

			got := a.events()
			Expect(got).To(HaveLen(1))
			Expect(got[0].TaskID).To(Equal("2"))
		})
	})
})
