// Package circuitbreaker guards calls to an unreliable dependency.
//
// A breaker stops calling a dependency that keeps failing and answers with a
// fallback instead. It has three states:
//
//   - CLOSED: calls pass through; consecutive failures are counted
//   - OPEN: calls are rejected with the "circuit open" fallback
//   - HALF-OPEN: one probe call decides whether to close or reopen
//
// A breaker opens once the failure count reaches the threshold and moves to
// HALF-OPEN on the first call made after the reset timeout has elapsed since
// the last failure. That call runs as the probe.
//
// Usage:
//
//	registry := circuitbreaker.NewRegistry(circuitbreaker.Settings{
//	    FailureThreshold: 3,
//	    ResetTimeout:     10 * time.Second,
//	})
//	res := registry.GetBreaker("external").Call(ctx, func(ctx context.Context) (any, error) {
//	    return client.Fetch(ctx)
//	})
//	if res.Fallback {
//	    log.Warn("Fallback", "reason", res.Reason)
//	}
package circuitbreaker
