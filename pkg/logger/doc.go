// Package logger builds the service's structured logger on top of log/slog.
// Every record carries the service name and deployment environment.
package logger
