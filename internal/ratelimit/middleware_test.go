package ratelimit_test

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/analytics-backend/internal/ratelimit"
	"github.com/angeloszaimis/analytics-backend/internal/store"
)

var _ = Describe("Middleware", func() {
	var (
		log     *slog.Logger
		calls   int
		next    http.Handler
		limiter *ratelimit.Limiter
	)

	newRequest := func(remote string) *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/api/metrics", nil)
		r.RemoteAddr = remote
		return r
	}

	BeforeEach(func() {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
		calls = 0
		next = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusCreated)
		})

		var err error
		limiter, err = ratelimit.NewLimiter(store.NewMemoryStore(), 2, time.Minute)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should pass admitted requests through with limit headers", func() {
		h := ratelimit.Middleware(limiter, ratelimit.Options{Logger: log})(next)

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, newRequest("10.0.0.1:5000"))

		Expect(rec.Code).To(Equal(http.StatusCreated))
		Expect(rec.Header().Get("X-RateLimit-Limit")).To(Equal("2"))
		Expect(rec.Header().Get("X-RateLimit-Remaining")).To(Equal("1"))
		Expect(calls).To(Equal(1))
	})

	It("should reject requests over the limit with 429", func() {
		h := ratelimit.Middleware(limiter, ratelimit.Options{Logger: log})(next)

		for i := 0; i < 2; i++ {
			h.ServeHTTP(httptest.NewRecorder(), newRequest("10.0.0.1:5000"))
		}

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, newRequest("10.0.0.1:5001"))

		Expect(rec.Code).To(Equal(http.StatusTooManyRequests))
		Expect(rec.Header().Get("Retry-After")).To(Equal("60"))
		Expect(rec.Header().Get("Content-Type")).To(Equal("application/json"))
		Expect(rec.Body.String()).To(MatchJSON(`{"detail":"Too many requests"}`))
		Expect(calls).To(Equal(2))
	})

	Context("when the store is unavailable", func() {
		BeforeEach(func() {
			var err error
			limiter, err = ratelimit.NewLimiter(brokenStore{}, 2, time.Minute)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should admit the request when failing open", func() {
			h := ratelimit.Middleware(limiter, ratelimit.Options{FailOpen: true, Logger: log})(next)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, newRequest("10.0.0.1:5000"))

			Expect(rec.Code).To(Equal(http.StatusCreated))
			Expect(calls).To(Equal(1))
		})

		It("should reject the request when failing closed", func() {
			h := ratelimit.Middleware(limiter, ratelimit.Options{Logger: log})(next)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, newRequest("10.0.0.1:5000"))

			Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
			Expect(calls).To(BeZero())
		})
	})

	Describe("ClientKey", func() {
		It("should use the RemoteAddr host by default", func() {
			r := newRequest("10.0.0.9:5555")
			r.Header.Set("X-Forwarded-For", "1.2.3.4")

			Expect(ratelimit.ClientKey(false)(r)).To(Equal("10.0.0.9"))
		})

		It("should use the first forwarded address when trusted", func() {
			r := newRequest("10.0.0.9:5555")
			r.Header.Set("X-Forwarded-For", " 1.2.3.4 , 5.6.7.8")

			Expect(ratelimit.ClientKey(true)(r)).To(Equal("1.2.3.4"))
		})

		It("should fall back to the raw RemoteAddr", func() {
			Expect(ratelimit.ClientKey(false)(newRequest("pipe"))).To(Equal("pipe"))
		})
	})
})
