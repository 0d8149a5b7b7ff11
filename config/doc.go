// Package config handles loading and parsing of configuration from YAML files
// and environment variables. It defines the application configuration
// structure: server and logging settings, the shared store connection, and
// the rate limit, cache and circuit breaker parameters.
//
// Durations accept Go duration strings ("30s", "1m") or bare integers read
// as seconds, so RATE_WINDOW=60 and ratelimit.window: 60s mean the same.
package config
