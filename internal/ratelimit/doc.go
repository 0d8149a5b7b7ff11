// Package ratelimit implements a fixed-window rate limiter backed by the
// shared store, plus the HTTP middleware that enforces it.
//
// Each client gets a counter at "rate:<client>". The first request in a
// window creates the counter and sets its expiry; later requests only
// increment it. Once the count passes the limit, requests are denied until
// the key expires and the remaining TTL is reported as Retry-After.
//
// Usage:
//
//	limiter, err := ratelimit.NewLimiter(st, 5, time.Minute)
//	if err != nil {
//	    return err
//	}
//	mux.Handle("POST /api/metrics", ratelimit.Middleware(limiter, ratelimit.Options{FailOpen: true})(h))
package ratelimit
