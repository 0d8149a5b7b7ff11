package healthcheck

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const probeTimeout = 2 * time.Second

type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor periodically pings a dependency and tracks whether it is up.
// Transitions are logged and reported to OnChange.
type Monitor struct {
	name     string
	target   Pinger
	interval time.Duration
	logger   *slog.Logger
	onChange func(up bool)

	mutex   sync.RWMutex
	healthy bool
	checked bool
}

type Option func(*Monitor)

func WithOnChange(fn func(up bool)) Option {
	return func(m *Monitor) { m.onChange = fn }
}

func NewMonitor(name string, target Pinger, interval time.Duration, logger *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		name:     name,
		target:   target,
		interval: interval,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) Healthy() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.healthy
}

// Run probes once immediately and then on every tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Health check stopped", slog.String("target", m.name))
			return

		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs a single probe and returns the resulting status.
func (m *Monitor) Check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	err := m.target.Ping(probeCtx)
	healthy := err == nil

	first, changed := m.setHealthy(healthy)
	if !changed {
		return healthy
	}

	switch {
	case healthy && first:
		m.logger.Info("Store is up", slog.String("target", m.name))
	case healthy:
		m.logger.Info("Store is back up", slog.String("target", m.name))
	default:
		m.logger.Warn("Store is down",
			slog.String("target", m.name),
			slog.Any("err", err))
	}
	if m.onChange != nil {
		m.onChange(healthy)
	}
	return healthy
}

// setHealthy reports whether this was the first probe and whether the status
// changed. The first probe always counts as a change.
func (m *Monitor) setHealthy(healthy bool) (first, changed bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	first = !m.checked
	changed = first || m.healthy != healthy
	m.healthy = healthy
	m.checked = true
	return first, changed
}
