package circuitbreaker_test

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/analytics-backend/internal/circuitbreaker"
)

var _ = Describe("Registry", func() {
	var (
		registry *circuitbreaker.Registry
		ctx      context.Context
		calls    int32
	)

	BeforeEach(func() {
		ctx = context.Background()
		registry = circuitbreaker.NewRegistry(circuitbreaker.Settings{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
		})
	})

	Describe("GetBreaker", func() {
		It("should create a new breaker for an unknown name", func() {
			cb := registry.GetBreaker("external")
			Expect(cb).NotTo(BeNil())
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
			Expect(cb.Name()).To(Equal("external"))
		})

		It("should return the same breaker for the same name", func() {
			cb1 := registry.GetBreaker("external")
			cb2 := registry.GetBreaker("external")
			Expect(cb1).To(BeIdenticalTo(cb2))
		})

		It("should return different breakers for different names", func() {
			cb1 := registry.GetBreaker("external")
			cb2 := registry.GetBreaker("billing")
			Expect(cb1).NotTo(BeIdenticalTo(cb2))
		})

		It("should use registry settings for new breakers", func() {
			registry = circuitbreaker.NewRegistry(circuitbreaker.Settings{
				FailureThreshold: 2,
				ResetTimeout:     50 * time.Millisecond,
			})
			cb := registry.GetBreaker("external")

			cb.Call(ctx, failing(&calls))
			cb.Call(ctx, failing(&calls))
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))

			time.Sleep(60 * time.Millisecond)
			res := cb.Call(ctx, succeeding(&calls))
			Expect(res.Fallback).To(BeFalse())
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
		})
	})

	Describe("Concurrent access", func() {
		It("should handle concurrent GetBreaker calls safely", func() {
			const goroutines = 100

			var wg sync.WaitGroup
			wg.Add(goroutines)
			for i := 0; i < goroutines; i++ {
				go func() {
					defer wg.Done()
					defer GinkgoRecover()
					Expect(registry.GetBreaker("external")).NotTo(BeNil())
				}()
			}
			wg.Wait()

			Expect(registry.Stats()).To(HaveLen(1))
		})

		It("should handle concurrent calls on the same breaker", func() {
			const goroutines = 50

			cb := registry.GetBreaker("external")

			var wg sync.WaitGroup
			wg.Add(goroutines * 2)
			for i := 0; i < goroutines; i++ {
				go func() {
					defer wg.Done()
					cb.Call(ctx, failing(&calls))
				}()
				go func() {
					defer wg.Done()
					cb.Call(ctx, succeeding(&calls))
				}()
			}
			wg.Wait()

			Expect(cb.State()).To(BeElementOf(
				circuitbreaker.StateClosed,
				circuitbreaker.StateOpen,
				circuitbreaker.StateHalfOpen,
			))
		})
	})

	Describe("Reset", func() {
		It("should clear all breakers", func() {
			registry.GetBreaker("a")
			registry.GetBreaker("b")
			registry.GetBreaker("c")
			Expect(registry.Stats()).To(HaveLen(3))

			registry.Reset()
			Expect(registry.Stats()).To(BeEmpty())
		})
	})

	Describe("Stats", func() {
		It("should return state and failures of all breakers", func() {
			registry.GetBreaker("healthy")
			tripped := registry.GetBreaker("tripped")
			for i := 0; i < 5; i++ {
				tripped.Call(ctx, failing(&calls))
			}

			stats := registry.Stats()
			Expect(stats).To(HaveLen(2))
			Expect(stats["healthy"]).To(Equal(circuitbreaker.BreakerStats{State: circuitbreaker.StateClosed}))
			Expect(stats["tripped"]).To(Equal(circuitbreaker.BreakerStats{State: circuitbreaker.StateOpen, Failures: 5}))
		})

		It("should encode states by name", func() {
			registry.GetBreaker("external")

			out, err := json.Marshal(registry.Stats())
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(MatchJSON(`{"external":{"state":"CLOSED","failures":0}}`))
		})
	})
})
