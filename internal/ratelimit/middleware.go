package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
)

type KeyFunc func(r *http.Request) string

type Options struct {
	// FailOpen admits the request when the store cannot be reached. When
	// false the request is rejected with 503.
	FailOpen          bool
	TrustForwardedFor bool
	KeyFn             KeyFunc
	Logger            *slog.Logger
}

// ClientKey identifies the caller by the first X-Forwarded-For entry when
// trustXFF is set, falling back to the RemoteAddr host.
func ClientKey(trustXFF bool) KeyFunc {
	return func(r *http.Request) string {
		if trustXFF {
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
					return ip
				}
			}
		}

		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return host
		}
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
}

// Middleware admits requests through limiter. Denied requests get a 429 with
// Retry-After and never reach next.
func Middleware(limiter *Limiter, opts Options) func(next http.Handler) http.Handler {
	if opts.KeyFn == nil {
		opts.KeyFn = ClientKey(opts.TrustForwardedFor)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := opts.KeyFn(r)

			dec, err := limiter.Allow(r.Context(), client)
			if err != nil {
				if opts.FailOpen {
					opts.Logger.Warn("Rate limiter unavailable, admitting request",
						slog.String("client", client),
						slog.Any("err", err))
					next.ServeHTTP(w, r)
					return
				}
				opts.Logger.Error("Rate limiter unavailable, rejecting request",
					slog.String("client", client),
					slog.Any("err", err))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"detail": "Service unavailable"})
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(dec.Limit, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(dec.Remaining, 10))

			if !dec.Allowed {
				opts.Logger.Info("Rate limit exceeded",
					slog.String("client", client),
					slog.Int64("count", dec.Count),
					slog.Duration("retry_after", dec.RetryAfter))
				w.Header().Set("Retry-After", strconv.FormatInt(int64(dec.RetryAfter.Seconds()), 10))
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"detail": "Too many requests"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
