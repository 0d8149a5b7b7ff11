package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angeloszaimis/analytics-backend/internal/store"
)

const keyPrefix = "rate:"

var (
	ErrInvalidLimit  = errors.New("ratelimit: limit must be positive")
	ErrInvalidWindow = errors.New("ratelimit: window must be at least one second")
)

// Decision is the outcome of a single admission check.
type Decision struct {
	Allowed    bool
	Count      int64         // post-increment count in the current window
	Limit      int64
	Remaining  int64         // admissions left in the window, never negative
	RetryAfter time.Duration // whole seconds; zero when allowed
}

// Recorder receives one call per decision.
type Recorder interface {
	RecordDecision(allowed bool)
}

type Option func(*Limiter)

func WithRecorder(r Recorder) Option {
	return func(l *Limiter) { l.recorder = r }
}

// Limiter is a fixed-window request counter keyed by client identity. The
// counter lives in the shared store so every instance sees the same window.
type Limiter struct {
	store    store.Store
	limit    int64
	window   time.Duration
	recorder Recorder
}

func NewLimiter(s store.Store, limit int, window time.Duration, opts ...Option) (*Limiter, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	if window < time.Second {
		return nil, ErrInvalidWindow
	}

	l := &Limiter{
		store:  s,
		limit:  int64(limit),
		window: window,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Key returns the store key holding the counter for clientID.
func Key(clientID string) string {
	return keyPrefix + clientID
}

func (l *Limiter) Limit() int64 { return l.limit }

func (l *Limiter) Window() time.Duration { return l.window }

// Allow counts one request for clientID and reports whether it is admitted.
//
// The counter is incremented first and the window expiry is only set by the
// call that created the key, so the window never slides under load.
func (l *Limiter) Allow(ctx context.Context, clientID string) (Decision, error) {
	key := Key(clientID)

	count, err := l.store.Incr(ctx, key)
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: count %s: %w", clientID, err)
	}
	if count == 1 {
		if err := l.store.Expire(ctx, key, l.window); err != nil {
			return Decision{}, fmt.Errorf("ratelimit: start window %s: %w", clientID, err)
		}
	}

	d := Decision{
		Count: count,
		Limit: l.limit,
	}
	if count <= l.limit {
		d.Allowed = true
		d.Remaining = l.limit - count
		l.record(true)
		return d, nil
	}

	ttl, err := l.store.TTL(ctx, key)
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: window ttl %s: %w", clientID, err)
	}

	switch {
	case ttl == store.TTLNoExpiry:
		// The creating call never set the expiry; without this the key
		// would block the client forever.
		if err := l.store.Expire(ctx, key, l.window); err != nil {
			return Decision{}, fmt.Errorf("ratelimit: repair window %s: %w", clientID, err)
		}
		d.RetryAfter = ceilSeconds(l.window)
	case ttl < 0:
		// Key expired between INCR and TTL.
		d.RetryAfter = 0
	default:
		d.RetryAfter = ceilSeconds(ttl)
	}

	l.record(false)
	return d, nil
}

func (l *Limiter) record(allowed bool) {
	if l.recorder != nil {
		l.recorder.RecordDecision(allowed)
	}
}

func ceilSeconds(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	s := d / time.Second
	if d%time.Second != 0 {
		s++
	}
	return s * time.Second
}
