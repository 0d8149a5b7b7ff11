package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Rejecting calls
	StateHalfOpen              // Probing with one call
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// LockPolicy controls how long the breaker's lock is held during Call.
type LockPolicy int

const (
	// LockStateOnly locks around admission and the result update only.
	// Closed-state calls run concurrently and a half-open breaker admits a
	// single probe.
	LockStateOnly LockPolicy = iota
	// LockSerialized holds the lock for the whole call, so at most one
	// operation runs through the breaker at a time.
	LockSerialized
)

func ParseLockPolicy(s string) (LockPolicy, error) {
	switch s {
	case "", "state_only":
		return LockStateOnly, nil
	case "serialized":
		return LockSerialized, nil
	default:
		return 0, fmt.Errorf("circuitbreaker: unknown lock policy %q", s)
	}
}

// Fallback reasons reported in Result.Reason.
const (
	ReasonOpen    = "circuit open"
	ReasonFailure = "external service failure"
)

const (
	DefaultFailureThreshold = 3
	DefaultResetTimeout     = 10 * time.Second
)

// ErrOpen is carried in Result.Err when a call is rejected without running.
var ErrOpen = errors.New("circuitbreaker: circuit open")

type Settings struct {
	Name             string
	FailureThreshold int
	ResetTimeout     time.Duration
	// CallTimeout bounds each operation when positive. A call that runs out
	// of time counts as a failure.
	CallTimeout time.Duration
	LockPolicy  LockPolicy
	// OnStateChange runs after every transition, outside the breaker lock.
	OnStateChange func(name string, from, to State)
}

type Operation func(ctx context.Context) (any, error)

// Result is what Call hands back: either the operation's value or a
// fallback describing why no value is available.
type Result struct {
	Value    any
	Fallback bool
	Reason   string
	Err      error // underlying cause of a fallback, for logging
}

// Payload returns the value to send to a client.
func (r Result) Payload() any {
	if r.Fallback {
		return map[string]any{"fallback": true, "reason": r.Reason}
	}
	return r.Value
}

type transition struct {
	from, to State
}

type CircuitBreaker struct {
	mutex       sync.Mutex
	settings    Settings
	state       State
	failures    int
	lastFailure time.Time
	generation  uint64 // bumped on every transition
	probing     bool   // a half-open probe is in flight
	pending     []transition
	serial      chan struct{}
}

func NewCircuitBreaker(settings Settings) *CircuitBreaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = DefaultFailureThreshold
	}
	if settings.ResetTimeout <= 0 {
		settings.ResetTimeout = DefaultResetTimeout
	}

	return &CircuitBreaker{
		settings: settings,
		state:    StateClosed,
		serial:   make(chan struct{}, 1),
	}
}

func (cb *CircuitBreaker) Name() string { return cb.settings.Name }

func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Failures() int {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.failures
}

// Call runs op through the breaker. It never returns op's error directly:
// failures and rejections come back as a fallback Result.
func (cb *CircuitBreaker) Call(ctx context.Context, op Operation) Result {
	if cb.settings.LockPolicy == LockSerialized {
		select {
		case cb.serial <- struct{}{}:
			defer func() { <-cb.serial }()
		case <-ctx.Done():
			return Result{Fallback: true, Reason: ReasonFailure, Err: ctx.Err()}
		}
	}

	cb.mutex.Lock()
	gen, err := cb.admit()
	cb.unlock()
	if err != nil {
		return Result{Fallback: true, Reason: ReasonOpen, Err: err}
	}

	value, err := cb.invoke(ctx, op)

	cb.mutex.Lock()
	cb.complete(gen, err)
	cb.unlock()

	if err != nil {
		return Result{Fallback: true, Reason: ReasonFailure, Err: err}
	}
	return Result{Value: value}
}

// admit decides whether a call may run. Must be called under lock.
func (cb *CircuitBreaker) admit() (uint64, error) {
	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) <= cb.settings.ResetTimeout {
			return 0, ErrOpen
		}
		cb.setState(StateHalfOpen)
		cb.probing = true
	case StateHalfOpen:
		if cb.probing {
			return 0, ErrOpen
		}
		cb.probing = true
	}
	return cb.generation, nil
}

// complete applies the outcome of a call admitted at gen. Outcomes from an
// older generation are dropped. Must be called under lock.
func (cb *CircuitBreaker) complete(gen uint64, err error) {
	if gen != cb.generation {
		return
	}

	if err == nil {
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.setState(StateClosed)
		}
		return
	}

	cb.failures++
	cb.lastFailure = time.Now()

	switch {
	case cb.state == StateHalfOpen:
		cb.setState(StateOpen)
	case cb.state == StateClosed && cb.failures >= cb.settings.FailureThreshold:
		cb.setState(StateOpen)
	}
}

func (cb *CircuitBreaker) setState(to State) {
	from := cb.state
	if from == to {
		return
	}

	cb.state = to
	cb.generation++
	cb.probing = false
	if to == StateClosed {
		cb.failures = 0
	}

	if cb.settings.OnStateChange != nil {
		cb.pending = append(cb.pending, transition{from: from, to: to})
	}
}

// unlock releases the lock and then delivers queued transitions.
func (cb *CircuitBreaker) unlock() {
	pending := cb.pending
	cb.pending = nil
	cb.mutex.Unlock()

	for _, t := range pending {
		cb.settings.OnStateChange(cb.settings.Name, t.from, t.to)
	}
}

func (cb *CircuitBreaker) invoke(ctx context.Context, op Operation) (any, error) {
	if cb.settings.CallTimeout <= 0 {
		return safeCall(ctx, op)
	}

	ctx, cancel := context.WithTimeout(ctx, cb.settings.CallTimeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := safeCall(ctx, op)
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		return o.value, o.err
	case <-ctx.Done():
		return nil, fmt.Errorf("circuitbreaker: %s: %w", cb.settings.Name, ctx.Err())
	}
}

func safeCall(ctx context.Context, op Operation) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("circuitbreaker: operation panicked: %v", r)
		}
	}()
	return op(ctx)
}
