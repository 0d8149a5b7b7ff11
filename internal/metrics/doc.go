// Package metrics stores submitted metric points and computes per-type
// summaries.
//
// The Repository is process-local and synchronous: a point added by one
// request is visible to the very next Summary call. Summaries are cached by
// the handler layer under SummaryKey(type) and invalidated on every write of
// that type.
//
// Example usage:
//
//	repo := metrics.NewRepository()
//	repo.Add(metrics.Metric{Timestamp: time.Now(), Value: 50, Type: "cpu"})
//	s := repo.Summary("cpu") // {Type: "cpu", Count: 1, Average: 50, ...}
package metrics
