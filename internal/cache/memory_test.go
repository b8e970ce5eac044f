package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("MemoryStore", func() {
	var (
		store *MemoryStore
		ctx   context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = NewMemoryStore()
	})

	value := func(s string) json.RawMessage {
		return json.RawMessage(`"` + s + `"`)
	}

	Describe("GetOrCompute", func() {
		It("computes on miss and returns a hit afterwards", func() {
			calls := 0
			compute := func(context.Context) (json.RawMessage, error) {
				calls++
				return value("v1"), nil
			}

			got, hit, err := store.GetOrCompute(ctx, "result", "t1", "r1", TierStandard, compute)
			Expect(err).NotTo(HaveOccurred())
			Expect(hit).To(BeFalse())
			Expect(got).To(Equal(value("v1")))

			got, hit, err = store.GetOrCompute(ctx, "result", "t1", "r1", TierStandard, compute)
			Expect(err).NotTo(HaveOccurred())
			Expect(hit).To(BeTrue())
			Expect(got).To(Equal(value("v1")))
			Expect(calls).To(Equal(1))
		})

		It("invokes compute exactly once under concurrent calls for one key", func() {
			var calls int32
			var mu sync.Mutex
			compute := func(context.Context) (json.RawMessage, error) {
				mu.Lock()
				calls++
				mu.Unlock()
				time.Sleep(20 * time.Millisecond)
				return value("slow"), nil
			}

			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					got, _, err := store.GetOrCompute(ctx, "result", "t1", "same", TierShort, compute)
					Expect(err).NotTo(HaveOccurred())
					Expect(got).To(Equal(value("slow")))
				}()
			}
			wg.Wait()

			Expect(calls).To(Equal(int32(1)))
		})

		It("never blocks unrelated keys on each other", func() {
			blocker := make(chan struct{})
			started := make(chan struct{})

			go func() {
				defer GinkgoRecover()
				_, _, err := store.GetOrCompute(ctx, "result", "t1", "slow", TierShort, func(context.Context) (json.RawMessage, error) {
					close(started)
					<-blocker
					return value("slow"), nil
				})
				Expect(err).NotTo(HaveOccurred())
			}()
			<-started

			// With the slow key's lock held, a different key must proceed.
			done := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				defer close(done)
				_, _, err := store.GetOrCompute(ctx, "result", "t1", "fast", TierShort, func(context.Context) (json.RawMessage, error) {
					return value("fast"), nil
				})
				Expect(err).NotTo(HaveOccurred())
			}()

			Eventually(done, time.Second).Should(BeClosed())
			close(blocker)
		})

		It("propagates compute errors without caching them", func() {
			boom := errors.New("boom")
			calls := 0

			_, _, err := store.GetOrCompute(ctx, "result", "t1", "r1", TierShort, func(context.Context) (json.RawMessage, error) {
				calls++
				return nil, boom
			})
			Expect(err).To(MatchError(boom))

			got, hit, err := store.GetOrCompute(ctx, "result", "t1", "r1", TierShort, func(context.Context) (json.RawMessage, error) {
				calls++
				return value("recovered"), nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(hit).To(BeFalse())
			Expect(got).To(Equal(value("recovered")))
			Expect(calls).To(Equal(2))
		})

		It("isolates tenants sharing a resource id", func() {
			_, _, err := store.GetOrCompute(ctx, "result", "t1", "r1", TierShort, func(context.Context) (json.RawMessage, error) {
				return value("tenant-one"), nil
			})
			Expect(err).NotTo(HaveOccurred())

			got, hit, err := store.GetOrCompute(ctx, "result", "t2", "r1", TierShort, func(context.Context) (json.RawMessage, error) {
				return value("tenant-two"), nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(hit).To(BeFalse())
			Expect(got).To(Equal(value("tenant-two")))
		})
	})

	Describe("expiry", func() {
		It("treats an expired entry as a miss", func() {
			now := time.Now()
			store.now = func() time.Time { return now }

			Expect(store.Put(ctx, "result", "t1", "r1", value("old"), TierShort)).To(Succeed())

			now = now.Add(TierShort.TTL() + time.Second)

			_, err := store.Get(ctx, "result", "t1", "r1")
			Expect(err).To(MatchError(ErrMiss))
		})
	})

	Describe("Invalidate", func() {
		It("drops the entry immediately", func() {
			Expect(store.Put(ctx, "config", "t1", "r1", value("cfg"), TierStandard)).To(Succeed())
			Expect(store.Invalidate(ctx, "config", "t1", "r1")).To(Succeed())

			_, err := store.Get(ctx, "config", "t1", "r1")
			Expect(err).To(MatchError(ErrMiss))
		})
	})
})

var _ = Describe("Tier", func() {
	It("maps each named tier to its TTL", func() {
		Expect(TierShort.TTL()).To(Equal(5 * time.Minute))
		Expect(TierStandard.TTL()).To(Equal(time.Hour))
		Expect(TierExtended.TTL()).To(Equal(24 * time.Hour))
	})
})
