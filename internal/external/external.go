// Package external simulates a slow, unreliable downstream dependency. It is
// the operation the /external route runs through the circuit breaker.
package external

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

var (
	ErrSimulatedFailure = errors.New("external: simulated service failure")
	ErrInvalidRate      = errors.New("external: failure rate must be within [0, 1]")
)

const DefaultLatency = 50 * time.Millisecond

type Payload struct {
	External string `json:"external"`
	Value    int    `json:"value"`
}

type Service struct {
	mutex       sync.RWMutex
	failureRate float64
	latency     time.Duration
}

func NewService(failureRate float64, latency time.Duration) (*Service, error) {
	if failureRate < 0 || failureRate > 1 {
		return nil, ErrInvalidRate
	}
	if latency < 0 {
		latency = 0
	}
	return &Service{failureRate: failureRate, latency: latency}, nil
}

func (s *Service) FailureRate() float64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.failureRate
}

// SetFailureRate changes the failure probability for subsequent fetches.
func (s *Service) SetFailureRate(rate float64) error {
	if rate < 0 || rate > 1 {
		return ErrInvalidRate
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.failureRate = rate
	return nil
}

// Fetch waits for the configured latency, then either fails with
// ErrSimulatedFailure or returns a payload with a value in [100, 200].
func (s *Service) Fetch(ctx context.Context) (Payload, error) {
	s.mutex.RLock()
	rate, latency := s.failureRate, s.latency
	s.mutex.RUnlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return Payload{}, fmt.Errorf("external: fetch: %w", ctx.Err())
		case <-timer.C:
		}
	}

	if rand.Float64() < rate {
		return Payload{}, ErrSimulatedFailure
	}
	return Payload{External: "ok", Value: 100 + rand.IntN(101)}, nil
}
