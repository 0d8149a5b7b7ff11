package cache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/analytics-backend/internal/cache"
	"github.com/angeloszaimis/analytics-backend/internal/store"
)

type summary struct {
	Type    string  `json:"type"`
	Count   int     `json:"count"`
	Average float64 `json:"average"`
}

type lookupRecorder struct {
	hits, misses atomic.Int32
}

func (r *lookupRecorder) RecordLookup(hit bool) {
	if hit {
		r.hits.Add(1)
	} else {
		r.misses.Add(1)
	}
}

var _ = Describe("Service", func() {
	var (
		mr       *miniredis.Miniredis
		st       *store.RedisStore
		svc      *cache.Service
		ctx      context.Context
		computed int32
		compute  func(context.Context) (summary, error)
	)

	BeforeEach(func() {
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		st = store.NewRedisStore(store.RedisConfig{Addr: mr.Addr()})
		ctx = context.Background()

		svc, err = cache.New(st, 300*time.Second)
		Expect(err).NotTo(HaveOccurred())

		computed = 0
		compute = func(context.Context) (summary, error) {
			atomic.AddInt32(&computed, 1)
			return summary{Type: "cpu", Count: 1, Average: 50}, nil
		}
	})

	AfterEach(func() {
		st.Close()
		mr.Close()
	})

	Describe("New", func() {
		It("should expose the configured ttl", func() {
			Expect(svc.TTL()).To(Equal(300 * time.Second))
		})

		It("should reject a non-positive ttl", func() {
			_, err := cache.New(st, 0)
			Expect(err).To(MatchError(cache.ErrInvalidTTL))
		})
	})

	Describe("GetOrSet", func() {
		It("should compute and store on a miss", func() {
			v, err := cache.GetOrSet(ctx, svc, "summary:cpu", compute)
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal(summary{Type: "cpu", Count: 1, Average: 50}))
			Expect(computed).To(Equal(int32(1)))

			raw, err := mr.Get("summary:cpu")
			Expect(err).NotTo(HaveOccurred())
			Expect(raw).To(MatchJSON(`{"type":"cpu","count":1,"average":50}`))
			Expect(mr.TTL("summary:cpu")).To(Equal(300 * time.Second))
		})

		It("should return the cached value without recomputing", func() {
			first, err := cache.GetOrSet(ctx, svc, "summary:cpu", compute)
			Expect(err).NotTo(HaveOccurred())

			second, err := cache.GetOrSet(ctx, svc, "summary:cpu", compute)
			Expect(err).NotTo(HaveOccurred())
			Expect(second).To(Equal(first))
			Expect(computed).To(Equal(int32(1)))
		})

		It("should recompute after the key is invalidated", func() {
			_, err := cache.GetOrSet(ctx, svc, "summary:cpu", compute)
			Expect(err).NotTo(HaveOccurred())

			Expect(svc.Invalidate(ctx, "summary:cpu")).To(Succeed())

			_, err = cache.GetOrSet(ctx, svc, "summary:cpu", compute)
			Expect(err).NotTo(HaveOccurred())
			Expect(computed).To(Equal(int32(2)))
		})

		It("should recompute after the ttl expires", func() {
			_, err := cache.GetOrSet(ctx, svc, "summary:cpu", compute)
			Expect(err).NotTo(HaveOccurred())

			mr.FastForward(301 * time.Second)

			_, err = cache.GetOrSet(ctx, svc, "summary:cpu", compute)
			Expect(err).NotTo(HaveOccurred())
			Expect(computed).To(Equal(int32(2)))
		})

		It("should not cache compute errors", func() {
			errCompute := errors.New("repository unavailable")
			_, err := cache.GetOrSet(ctx, svc, "summary:cpu", func(context.Context) (summary, error) {
				return summary{}, errCompute
			})
			Expect(err).To(MatchError(errCompute))
			Expect(mr.Exists("summary:cpu")).To(BeFalse())
		})

		It("should treat an undecodable payload as a miss and overwrite it", func() {
			Expect(mr.Set("summary:cpu", "not json")).To(Succeed())

			v, err := cache.GetOrSet(ctx, svc, "summary:cpu", compute)
			Expect(err).NotTo(HaveOccurred())
			Expect(v.Average).To(Equal(50.0))
			Expect(computed).To(Equal(int32(1)))

			raw, err := mr.Get("summary:cpu")
			Expect(err).NotTo(HaveOccurred())
			Expect(raw).To(MatchJSON(`{"type":"cpu","count":1,"average":50}`))
		})

		It("should propagate store errors", func() {
			down, err := miniredis.Run()
			Expect(err).NotTo(HaveOccurred())
			downStore := store.NewRedisStore(store.RedisConfig{Addr: down.Addr()})
			defer downStore.Close()
			down.Close()

			svc, err := cache.New(downStore, time.Minute)
			Expect(err).NotTo(HaveOccurred())

			_, err = cache.GetOrSet(ctx, svc, "summary:cpu", compute)
			Expect(err).To(HaveOccurred())
			Expect(computed).To(BeZero())
		})

		It("should report hits and misses", func() {
			rec := &lookupRecorder{}
			svc, err := cache.New(st, time.Minute, cache.WithRecorder(rec))
			Expect(err).NotTo(HaveOccurred())

			for i := 0; i < 3; i++ {
				_, err := cache.GetOrSet(ctx, svc, "summary:cpu", compute)
				Expect(err).NotTo(HaveOccurred())
			}

			Expect(rec.misses.Load()).To(Equal(int32(1)))
			Expect(rec.hits.Load()).To(Equal(int32(2)))
		})
	})

	Context("with single flight", func() {
		It("should share one compute between concurrent misses", func() {
			svc, err := cache.New(st, time.Minute, cache.WithSingleFlight())
			Expect(err).NotTo(HaveOccurred())

			release := make(chan struct{})
			slow := func(ctx context.Context) (summary, error) {
				<-release
				return compute(ctx)
			}

			const callers = 5
			var wg sync.WaitGroup
			wg.Add(callers)
			for i := 0; i < callers; i++ {
				go func() {
					defer wg.Done()
					defer GinkgoRecover()
					v, err := cache.GetOrSet(ctx, svc, "summary:cpu", slow)
					Expect(err).NotTo(HaveOccurred())
					Expect(v.Count).To(Equal(1))
				}()
			}

			time.Sleep(50 * time.Millisecond)
			close(release)
			wg.Wait()

			Expect(atomic.LoadInt32(&computed)).To(Equal(int32(1)))
		})
	})
})
