// Package telemetry exposes Prometheus instruments for the rate limiter,
// circuit breaker, cache and HTTP layers. Each Telemetry owns its registry,
// so tests and multiple servers never share collectors.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angeloszaimis/analytics-backend/internal/circuitbreaker"
)

// Default histogram buckets for request duration (in seconds)
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5}

type Telemetry struct {
	registry *prometheus.Registry

	rateLimitDecisions *prometheus.CounterVec
	cacheLookups       *prometheus.CounterVec
	metricsIngested    prometheus.Counter

	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec

	storeUp prometheus.Gauge

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func New(namespace string) *Telemetry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	t := &Telemetry{
		registry: registry,

		rateLimitDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_decisions_total",
				Help:      "Rate limiter decisions by outcome",
			},
			[]string{"outcome"},
		),

		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Cache lookups by result",
			},
			[]string{"result"},
		),

		metricsIngested: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "metrics_ingested_total",
				Help:      "Metric points accepted by the ingestion endpoint",
			},
		),

		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"breaker"},
		),

		breakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_transitions_total",
				Help:      "Circuit breaker state transitions",
			},
			[]string{"breaker", "to"},
		),

		storeUp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "store_up",
				Help:      "Whether the shared store answered the last health probe",
			},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and status code",
			},
			[]string{"method", "route", "code"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   defaultBuckets,
			},
			[]string{"method", "route"},
		),
	}

	registry.MustRegister(
		t.rateLimitDecisions,
		t.cacheLookups,
		t.metricsIngested,
		t.breakerState,
		t.breakerTransitions,
		t.storeUp,
		t.requestsTotal,
		t.requestDuration,
	)

	return t
}

func (t *Telemetry) RecordDecision(allowed bool) {
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	t.rateLimitDecisions.WithLabelValues(outcome).Inc()
}

func (t *Telemetry) RecordLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	t.cacheLookups.WithLabelValues(result).Inc()
}

func (t *Telemetry) RecordIngested() {
	t.metricsIngested.Inc()
}

// BreakerStateChanged matches circuitbreaker.Settings.OnStateChange.
func (t *Telemetry) BreakerStateChanged(name string, _, to circuitbreaker.State) {
	t.breakerState.WithLabelValues(name).Set(float64(to))
	t.breakerTransitions.WithLabelValues(name, to.String()).Inc()
}

// RegisterBreaker publishes the initial state of a breaker so it shows up
// before its first transition.
func (t *Telemetry) RegisterBreaker(name string, state circuitbreaker.State) {
	t.breakerState.WithLabelValues(name).Set(float64(state))
}

func (t *Telemetry) SetStoreUp(up bool) {
	if up {
		t.storeUp.Set(1)
		return
	}
	t.storeUp.Set(0)
}

func (t *Telemetry) ObserveRequest(method, route string, code int, elapsed time.Duration) {
	t.requestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	t.requestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{Registry: t.registry})
}
