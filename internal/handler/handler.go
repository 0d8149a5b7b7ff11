package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/angeloszaimis/analytics-backend/internal/cache"
	"github.com/angeloszaimis/analytics-backend/internal/circuitbreaker"
	"github.com/angeloszaimis/analytics-backend/internal/external"
	"github.com/angeloszaimis/analytics-backend/internal/metrics"
	"github.com/angeloszaimis/analytics-backend/internal/store"
)

const (
	healthTimeout = 2 * time.Second
	maxBodyBytes  = 1 << 20
)

// IngestRecorder is notified once per stored metric point.
type IngestRecorder interface {
	RecordIngested()
}

// Deps are the collaborators a Handler serves requests with. All of them
// are built once at startup.
type Deps struct {
	Logger   *slog.Logger
	Store    store.Store
	Repo     *metrics.Repository
	Cache    *cache.Service
	Breaker  *circuitbreaker.CircuitBreaker
	Breakers *circuitbreaker.Registry
	External *external.Service
	Recorder IngestRecorder
}

type Handler struct {
	logger   *slog.Logger
	store    store.Store
	repo     *metrics.Repository
	cache    *cache.Service
	breaker  *circuitbreaker.CircuitBreaker
	breakers *circuitbreaker.Registry
	external *external.Service
	recorder IngestRecorder
}

func New(deps Deps) *Handler {
	return &Handler{
		logger:   deps.Logger,
		store:    deps.Store,
		repo:     deps.Repo,
		cache:    deps.Cache,
		breaker:  deps.Breaker,
		breakers: deps.Breakers,
		external: deps.External,
		recorder: deps.Recorder,
	}
}

type metricRequest struct {
	Timestamp *time.Time `json:"timestamp"`
	Value     *float64   `json:"value"`
	Type      string     `json:"type"`
}

func (m metricRequest) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Timestamp, validation.NotNil),
		validation.Field(&m.Value, validation.NotNil),
		validation.Field(&m.Type, validation.Required),
	)
}

// Health reports whether the shared store answers a ping.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("Health check failed", slog.Any("err", err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CreateMetric stores one metric point and drops the cached summary for its
// type.
func (h *Handler) CreateMetric(w http.ResponseWriter, r *http.Request) {
	var req metricRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "invalid JSON body"})
		return
	}
	if err := req.Validate(); err != nil {
		writeValidationError(w, err)
		return
	}

	m := metrics.Metric{Timestamp: *req.Timestamp, Value: *req.Value, Type: req.Type}
	if err := m.Validate(); err != nil {
		writeValidationError(w, err)
		return
	}

	h.repo.Add(m)
	if h.recorder != nil {
		h.recorder.RecordIngested()
	}

	// The point is stored either way; a failed delete leaves the summary
	// stale until its TTL runs out.
	if err := h.cache.Invalidate(r.Context(), metrics.SummaryKey(m.Type)); err != nil {
		h.logger.Error("Failed to invalidate summary",
			slog.String("type", m.Type),
			slog.Any("err", err))
	}

	h.logger.Debug("Stored metric",
		slog.String("type", m.Type),
		slog.Float64("value", m.Value))

	writeJSON(w, http.StatusCreated, map[string]string{"message": "Metric stored successfully"})
}

// MetricSummary serves the cached summary for ?metric_type=.
func (h *Handler) MetricSummary(w http.ResponseWriter, r *http.Request) {
	metricType := r.URL.Query().Get("metric_type")
	if metricType == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"detail": map[string]string{"metric_type": "cannot be blank"},
		})
		return
	}

	summary, err := cache.GetOrSet(r.Context(), h.cache, metrics.SummaryKey(metricType),
		func(context.Context) (metrics.Summary, error) {
			return h.repo.Summary(metricType), nil
		})
	if err != nil {
		h.logger.Error("Failed to load summary",
			slog.String("type", metricType),
			slog.Any("err", err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"detail": "Cache unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// External calls the external service through the circuit breaker. Both
// real values and fallbacks are returned with 200.
func (h *Handler) External(w http.ResponseWriter, r *http.Request) {
	res := h.breaker.Call(r.Context(), func(ctx context.Context) (any, error) {
		p, err := h.external.Fetch(ctx)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	if res.Fallback {
		attrs := []any{
			slog.String("breaker", h.breaker.Name()),
			slog.String("reason", res.Reason),
		}
		if res.Err != nil && !errors.Is(res.Err, circuitbreaker.ErrOpen) {
			attrs = append(attrs, slog.Any("err", res.Err))
		}
		h.logger.Warn("External call fell back", attrs...)
	}

	writeJSON(w, http.StatusOK, res.Payload())
}

// Breakers lists every registered breaker with its state.
func (h *Handler) Breakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.breakers.Stats())
}

func writeValidationError(w http.ResponseWriter, err error) {
	var errs validation.Errors
	if errors.As(err, &errs) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": errs})
		return
	}
	writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
