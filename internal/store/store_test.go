package store_test

import (
	"context"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/analytics-backend/internal/store"
)

// driver builds a fresh store plus a function that moves its clock forward.
type driver func() (store.Store, func(time.Duration))

func redisDriver() (store.Store, func(time.Duration)) {
	mr, err := miniredis.Run()
	Expect(err).NotTo(HaveOccurred())

	s := store.NewRedisStore(store.RedisConfig{Addr: mr.Addr()})
	DeferCleanup(func() {
		_ = s.Close()
		mr.Close()
	})
	return s, mr.FastForward
}

func memoryDriver() (store.Store, func(time.Duration)) {
	var mutex sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mutex.Lock()
		defer mutex.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mutex.Lock()
		defer mutex.Unlock()
		now = now.Add(d)
	}
	return store.NewMemoryStore(store.WithClock(clock)), advance
}

var _ = Describe("Store drivers", func() {
	for name, newDriver := range map[string]driver{
		"RedisStore":  redisDriver,
		"MemoryStore": memoryDriver,
	} {
		Describe(name, func() {
			var (
				s       store.Store
				advance func(time.Duration)
				ctx     context.Context
			)

			BeforeEach(func() {
				s, advance = newDriver()
				ctx = context.Background()
			})

			Describe("Incr", func() {
				It("should create a missing key at 1", func() {
					n, err := s.Incr(ctx, "counter")
					Expect(err).NotTo(HaveOccurred())
					Expect(n).To(Equal(int64(1)))
				})

				It("should return the post-increment value", func() {
					for i := 1; i <= 3; i++ {
						n, err := s.Incr(ctx, "counter")
						Expect(err).NotTo(HaveOccurred())
						Expect(n).To(Equal(int64(i)))
					}
				})

				It("should be atomic under concurrent callers", func() {
					const goroutines = 50

					var wg sync.WaitGroup
					wg.Add(goroutines)
					for i := 0; i < goroutines; i++ {
						go func() {
							defer wg.Done()
							defer GinkgoRecover()
							_, err := s.Incr(ctx, "counter")
							Expect(err).NotTo(HaveOccurred())
						}()
					}
					wg.Wait()

					n, err := s.Incr(ctx, "counter")
					Expect(err).NotTo(HaveOccurred())
					Expect(n).To(Equal(int64(goroutines + 1)))
				})
			})

			Describe("Expire and TTL", func() {
				It("should report TTLMissing for an absent key", func() {
					ttl, err := s.TTL(ctx, "absent")
					Expect(err).NotTo(HaveOccurred())
					Expect(ttl).To(Equal(store.TTLMissing))
				})

				It("should report TTLNoExpiry for a key without expiry", func() {
					_, err := s.Incr(ctx, "counter")
					Expect(err).NotTo(HaveOccurred())

					ttl, err := s.TTL(ctx, "counter")
					Expect(err).NotTo(HaveOccurred())
					Expect(ttl).To(Equal(store.TTLNoExpiry))
				})

				It("should expire the key after the ttl elapses", func() {
					_, err := s.Incr(ctx, "counter")
					Expect(err).NotTo(HaveOccurred())
					Expect(s.Expire(ctx, "counter", 60*time.Second)).To(Succeed())

					ttl, err := s.TTL(ctx, "counter")
					Expect(err).NotTo(HaveOccurred())
					Expect(ttl).To(BeNumerically("~", 60*time.Second, time.Second))

					advance(61 * time.Second)

					ttl, err = s.TTL(ctx, "counter")
					Expect(err).NotTo(HaveOccurred())
					Expect(ttl).To(Equal(store.TTLMissing))

					n, err := s.Incr(ctx, "counter")
					Expect(err).NotTo(HaveOccurred())
					Expect(n).To(Equal(int64(1)))
				})

				It("should not create a key when expiring an absent one", func() {
					Expect(s.Expire(ctx, "absent", time.Minute)).To(Succeed())

					_, err := s.Get(ctx, "absent")
					Expect(err).To(MatchError(store.ErrNotFound))
				})

				It("should keep the expiry across increments", func() {
					_, err := s.Incr(ctx, "counter")
					Expect(err).NotTo(HaveOccurred())
					Expect(s.Expire(ctx, "counter", 10*time.Second)).To(Succeed())

					advance(4 * time.Second)
					_, err = s.Incr(ctx, "counter")
					Expect(err).NotTo(HaveOccurred())

					ttl, err := s.TTL(ctx, "counter")
					Expect(err).NotTo(HaveOccurred())
					Expect(ttl).To(BeNumerically("<=", 6*time.Second))
				})
			})

			Describe("Get, SetEX and Delete", func() {
				It("should return ErrNotFound for a missing key", func() {
					_, err := s.Get(ctx, "missing")
					Expect(err).To(MatchError(store.ErrNotFound))
				})

				It("should store and return a value", func() {
					Expect(s.SetEX(ctx, "k", []byte(`{"a":1}`), time.Minute)).To(Succeed())

					v, err := s.Get(ctx, "k")
					Expect(err).NotTo(HaveOccurred())
					Expect(string(v)).To(Equal(`{"a":1}`))
				})

				It("should overwrite a prior value", func() {
					Expect(s.SetEX(ctx, "k", []byte("one"), time.Minute)).To(Succeed())
					Expect(s.SetEX(ctx, "k", []byte("two"), time.Minute)).To(Succeed())

					v, err := s.Get(ctx, "k")
					Expect(err).NotTo(HaveOccurred())
					Expect(string(v)).To(Equal("two"))
				})

				It("should drop the value after its ttl", func() {
					Expect(s.SetEX(ctx, "k", []byte("v"), 5*time.Second)).To(Succeed())
					advance(6 * time.Second)

					_, err := s.Get(ctx, "k")
					Expect(err).To(MatchError(store.ErrNotFound))
				})

				It("should delete a key and tolerate deleting it twice", func() {
					Expect(s.SetEX(ctx, "k", []byte("v"), time.Minute)).To(Succeed())
					Expect(s.Delete(ctx, "k")).To(Succeed())
					Expect(s.Delete(ctx, "k")).To(Succeed())

					_, err := s.Get(ctx, "k")
					Expect(err).To(MatchError(store.ErrNotFound))
				})
			})

			Describe("Ping", func() {
				It("should succeed against a reachable store", func() {
					Expect(s.Ping(ctx)).To(Succeed())
				})
			})
		})
	}
})

var _ = Describe("RedisStore", func() {
	It("should surface connection errors", func() {
		mr, err := miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		s := store.NewRedisStore(store.RedisConfig{Addr: mr.Addr()})
		defer s.Close()
		mr.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		Expect(s.Ping(ctx)).NotTo(Succeed())
		_, err = s.Incr(ctx, "counter")
		Expect(err).To(HaveOccurred())
		Expect(err).NotTo(MatchError(store.ErrNotFound))
	})
})
