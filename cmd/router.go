package main

import (
	"net/http"

	"github.com/angeloszaimis/analytics-backend/internal/handler"
	"github.com/angeloszaimis/analytics-backend/internal/ratelimit"
)

func setupRouter(a *app) http.Handler {
	mux := http.NewServeMux()

	limit := ratelimit.Middleware(a.limiter, ratelimit.Options{
		FailOpen:          a.cfg.RateLimit.FailOpen,
		TrustForwardedFor: a.cfg.RateLimit.TrustForwardedFor,
		Logger:            a.log,
	})

	mux.HandleFunc("GET /health", a.handler.Health)
	mux.Handle("POST /api/metrics", limit(http.HandlerFunc(a.handler.CreateMetric)))
	mux.HandleFunc("GET /api/metrics/summary", a.handler.MetricSummary)
	mux.HandleFunc("GET /api/breakers", a.handler.Breakers)
	mux.HandleFunc("GET /external", a.handler.External)
	mux.Handle("GET /metrics", a.telemetry.Handler())

	return handler.RequestID(handler.Logging(a.log, a.telemetry)(mux))
}
