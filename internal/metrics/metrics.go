package metrics

import (
	"math"
	"regexp"
	"sort"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const summaryKeyPrefix = "summary:"

var typePattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// Metric is a single submitted data point.
type Metric struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Type      string    `json:"type"`
}

func (m Metric) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Timestamp, validation.Required),
		validation.Field(&m.Type,
			validation.Required,
			validation.Length(1, 64),
			validation.Match(typePattern).Error("must contain only letters, digits, '_', '.' or '-'"),
		),
	)
}

// Summary aggregates every stored point of one type.
type Summary struct {
	Type    string  `json:"type"`
	Count   int     `json:"count"`
	Average float64 `json:"average"`
	P50     float64 `json:"p50"`
	P95     float64 `json:"p95"`
}

// SummaryKey is the cache key under which the summary for metricType lives.
func SummaryKey(metricType string) string {
	return summaryKeyPrefix + metricType
}

// Repository keeps submitted points in memory, grouped by type. It is built
// once at startup and shared by the handlers.
type Repository struct {
	mutex  sync.RWMutex
	points map[string][]float64
	total  int
}

func NewRepository() *Repository {
	return &Repository{
		points: make(map[string][]float64),
	}
}

func (r *Repository) Add(m Metric) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.points[m.Type] = append(r.points[m.Type], m.Value)
	r.total++
}

// Count returns the number of points stored across all types.
func (r *Repository) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.total
}

// Summary computes the summary for metricType. An unknown type yields a
// zero count and average.
func (r *Repository) Summary(metricType string) Summary {
	r.mutex.RLock()
	values := r.points[metricType]
	sorted := make([]float64, len(values))
	copy(sorted, values)
	r.mutex.RUnlock()

	s := Summary{Type: metricType, Count: len(sorted)}
	if len(sorted) == 0 {
		return s
	}

	sort.Float64s(sorted)
	s.Average = average(sorted)
	s.P50 = percentile(sorted, 0.50)
	s.P95 = percentile(sorted, 0.95)
	return s
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	n := float64(len(values))
	var sum float64
	for _, v := range values {
		sum += v
	}
	if !math.IsInf(sum, 0) {
		return sum / n
	}

	// The sum overflowed; scale each point first so the mean stays finite.
	var mean float64
	for _, v := range values {
		mean += v / n
	}
	return mean
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}
