package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/angeloszaimis/analytics-backend/internal/store"
)

var ErrInvalidTTL = errors.New("cache: ttl must be positive")

// Recorder receives one call per lookup.
type Recorder interface {
	RecordLookup(hit bool)
}

type Option func(*Service)

// WithSingleFlight collapses concurrent misses on the same key within this
// process into one compute. Misses in other processes still compute on
// their own.
func WithSingleFlight() Option {
	return func(s *Service) { s.group = &singleflight.Group{} }
}

func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// Service is a cache-aside layer over the shared store. Values are stored
// as JSON with a fixed TTL and are only removed by expiry or Invalidate.
type Service struct {
	store    store.Store
	ttl      time.Duration
	group    *singleflight.Group
	recorder Recorder
}

func New(s store.Store, ttl time.Duration, opts ...Option) (*Service, error) {
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}

	svc := &Service{
		store: s,
		ttl:   ttl,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

func (s *Service) TTL() time.Duration { return s.ttl }

// Invalidate drops key so the next lookup recomputes it.
func (s *Service) Invalidate(ctx context.Context, key string) error {
	if err := s.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("cache: invalidate %q: %w", key, err)
	}
	return nil
}

// GetOrSet returns the cached value for key, or runs compute, caches its
// result for the service TTL and returns it. Compute errors are returned
// as-is and nothing is cached.
func GetOrSet[T any](ctx context.Context, s *Service, key string, compute func(context.Context) (T, error)) (T, error) {
	var zero T

	raw, err := s.store.Get(ctx, key)
	switch {
	case err == nil:
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			s.record(true)
			return v, nil
		}
		// Undecodable payloads are recomputed and overwritten.
	case !errors.Is(err, store.ErrNotFound):
		return zero, fmt.Errorf("cache: get %q: %w", key, err)
	}

	s.record(false)

	if s.group == nil {
		return fill(ctx, s, key, compute)
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		return fill(ctx, s, key, compute)
	})
	if err != nil {
		return zero, err
	}
	out, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("cache: %q shared by callers of different types", key)
	}
	return out, nil
}

func fill[T any](ctx context.Context, s *Service, key string, compute func(context.Context) (T, error)) (T, error) {
	var zero T

	v, err := compute(ctx)
	if err != nil {
		return zero, err
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("cache: encode %q: %w", key, err)
	}
	if err := s.store.SetEX(ctx, key, raw, s.ttl); err != nil {
		return zero, fmt.Errorf("cache: set %q: %w", key, err)
	}
	return v, nil
}

func (s *Service) record(hit bool) {
	if s.recorder != nil {
		s.recorder.RecordLookup(hit)
	}
}
