// Loadtest drives the analytics backend and reports how the rate limiter and
// the circuit breaker answered.
//
// Usage:
//
//	go run ./scripts ingest --url http://localhost:8000 --concurrency 4 --requests 20 --rps 10
//	go run ./scripts external --url http://localhost:8000 --requests 50 --rps 5 --csv results.csv
//
// The ingest command posts metrics until the limiter starts answering 429 and
// prints the Retry-After values it saw. The external command hits /external
// and counts fallbacks per reason, reading /api/breakers after every batch.
package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

type options struct {
	url         string
	concurrency int
	requests    int
	rps         float64
	timeout     time.Duration
	outCSV      string
	clientIP    string
	verbose     bool
}

type sample struct {
	idx        int
	status     int
	retryAfter string
	reason     string
	dur        time.Duration
	err        error
}

func main() {
	opts := &options{}

	root := &cobra.Command{
		Use:          "loadtest",
		Short:        "Exercise the rate limiter and circuit breaker of a running backend",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.url, "url", "http://localhost:8000", "Backend base URL")
	root.PersistentFlags().IntVar(&opts.concurrency, "concurrency", 4, "Number of concurrent workers")
	root.PersistentFlags().IntVar(&opts.requests, "requests", 20, "Total number of requests to send")
	root.PersistentFlags().Float64Var(&opts.rps, "rps", 10, "Request rate across all workers (0 = unpaced)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "Per-request timeout")
	root.PersistentFlags().StringVar(&opts.outCSV, "csv", "", "Write per-request CSV to this file (optional)")
	root.PersistentFlags().StringVar(&opts.clientIP, "client-ip", "", "X-Forwarded-For value to send (optional)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Verbose per-request logging to stdout")

	root.AddCommand(&cobra.Command{
		Use:   "ingest",
		Short: "POST metrics until the limiter rejects them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			samples, err := drive(cmd.Context(), opts, ingestRequest(opts))
			if err != nil {
				return err
			}
			reportIngest(samples)
			return writeCSV(opts.outCSV, samples)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "external",
		Short: "Call /external and report fallbacks and breaker states",
		RunE: func(cmd *cobra.Command, _ []string) error {
			samples, err := drive(cmd.Context(), opts, externalRequest(opts))
			if err != nil {
				return err
			}
			reportExternal(samples)
			printBreakers(cmd.Context(), opts)
			return writeCSV(opts.outCSV, samples)
		},
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type requestFunc func(ctx context.Context, idx int) (*http.Request, error)

func ingestRequest(opts *options) requestFunc {
	return func(ctx context.Context, idx int) (*http.Request, error) {
		body, err := json.Marshal(map[string]any{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"value":     float64(idx % 100),
			"type":      "loadtest",
		})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.url+"/api/metrics", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}
}

func externalRequest(opts *options) requestFunc {
	return func(ctx context.Context, _ int) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, opts.url+"/external", nil)
	}
}

func drive(ctx context.Context, opts *options, build requestFunc) ([]sample, error) {
	if opts.concurrency < 1 || opts.requests < 1 {
		return nil, fmt.Errorf("concurrency and requests must be positive")
	}

	limit := rate.Inf
	if opts.rps > 0 {
		limit = rate.Limit(opts.rps)
	}
	pacer := rate.NewLimiter(limit, 1)

	client := &http.Client{Timeout: opts.timeout}
	runID := uuid.NewString()

	jobs := make(chan int)
	samples := make([]sample, opts.requests)
	var sent int32
	var wg sync.WaitGroup

	for w := 0; w < opts.concurrency; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for idx := range jobs {
				atomic.AddInt32(&sent, 1)
				samples[idx] = do(ctx, client, build, opts, runID, idx)
				if opts.verbose {
					s := samples[idx]
					fmt.Printf("[%d] idx=%d status=%d retry_after=%q reason=%q dur=%v err=%v\n",
						workerID, idx, s.status, s.retryAfter, s.reason, s.dur, s.err)
				}
			}
		}(w)
	}

	start := time.Now()
	for i := 0; i < opts.requests; i++ {
		if err := pacer.Wait(ctx); err != nil {
			break
		}
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	fmt.Printf("Run %s: sent %d requests in %v\n", runID, atomic.LoadInt32(&sent), time.Since(start).Round(time.Millisecond))
	return samples[:atomic.LoadInt32(&sent)], nil
}

func do(ctx context.Context, client *http.Client, build requestFunc, opts *options, runID string, idx int) sample {
	s := sample{idx: idx}

	req, err := build(ctx, idx)
	if err != nil {
		s.err = err
		return s
	}
	req.Header.Set("X-Request-ID", fmt.Sprintf("%s-%d", runID, idx))
	if opts.clientIP != "" {
		req.Header.Set("X-Forwarded-For", opts.clientIP)
	}

	start := time.Now()
	resp, err := client.Do(req)
	s.dur = time.Since(start)
	if err != nil {
		s.err = err
		return s
	}
	defer resp.Body.Close()

	s.status = resp.StatusCode
	s.retryAfter = resp.Header.Get("Retry-After")

	var body struct {
		Fallback bool   `json:"fallback"`
		Reason   string `json:"reason"`
	}
	raw, _ := io.ReadAll(resp.Body)
	if json.Unmarshal(raw, &body) == nil && body.Fallback {
		s.reason = body.Reason
	}
	return s
}

func reportIngest(samples []sample) {
	codes := statusCounts(samples)
	var retries []int
	firstDenied := -1
	for _, s := range samples {
		if s.status != http.StatusTooManyRequests {
			continue
		}
		if firstDenied < 0 || s.idx < firstDenied {
			firstDenied = s.idx
		}
		if n, err := strconv.Atoi(s.retryAfter); err == nil {
			retries = append(retries, n)
		}
	}

	fmt.Println("--- Rate Limit Summary ---")
	printCounts(codes)
	if firstDenied < 0 {
		fmt.Println("No request was rate limited")
	} else {
		sort.Ints(retries)
		fmt.Printf("First 429 at request #%d\n", firstDenied+1)
		if len(retries) > 0 {
			fmt.Printf("Retry-After: min=%ds max=%ds\n", retries[0], retries[len(retries)-1])
		}
	}
	printLatency(samples)
}

func reportExternal(samples []sample) {
	reasons := make(map[string]int)
	ok := 0
	for _, s := range samples {
		switch {
		case s.err != nil:
		case s.reason != "":
			reasons[s.reason]++
		case s.status == http.StatusOK:
			ok++
		}
	}

	fmt.Println("--- Circuit Breaker Summary ---")
	printCounts(statusCounts(samples))
	fmt.Printf("Live responses: %d\n", ok)
	for reason, n := range reasons {
		fmt.Printf("Fallback %q: %d\n", reason, n)
	}
	printLatency(samples)
}

func printBreakers(ctx context.Context, opts *options) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.url+"/api/breakers", nil)
	if err != nil {
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read breakers: %v\n", err)
		return
	}
	defer resp.Body.Close()

	var stats map[string]struct {
		State    string `json:"state"`
		Failures int    `json:"failures"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		fmt.Fprintf(os.Stderr, "failed to decode breakers: %v\n", err)
		return
	}
	for name, s := range stats {
		fmt.Printf("Breaker %s: state=%s failures=%d\n", name, s.State, s.Failures)
	}
}

func statusCounts(samples []sample) map[int]int {
	codes := make(map[int]int)
	for _, s := range samples {
		codes[s.status]++
	}
	return codes
}

func printCounts(codes map[int]int) {
	keys := make([]int, 0, len(codes))
	for k := range codes {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	for _, k := range keys {
		label := strconv.Itoa(k)
		if k == 0 {
			label = "error"
		}
		fmt.Printf("Status %s: %d\n", label, codes[k])
	}
}

func printLatency(samples []sample) {
	lats := make([]time.Duration, 0, len(samples))
	for _, s := range samples {
		if s.err == nil {
			lats = append(lats, s.dur)
		}
	}
	if len(lats) == 0 {
		return
	}
	sort.Slice(lats, func(i, j int) bool { return lats[i] < lats[j] })
	pct := func(p float64) time.Duration {
		return lats[int(p*float64(len(lats)-1))]
	}
	fmt.Printf("Latency p50=%v p95=%v p99=%v max=%v\n", pct(0.50), pct(0.95), pct(0.99), lats[len(lats)-1])
}

func writeCSV(path string, samples []sample) error {
	if path == "" {
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Write([]string{"idx", "status", "retry_after", "reason", "duration_ms"})
	for _, s := range samples {
		w.Write([]string{
			strconv.Itoa(s.idx),
			strconv.Itoa(s.status),
			s.retryAfter,
			s.reason,
			fmt.Sprintf("%.3f", float64(s.dur.Microseconds())/1000.0),
		})
	}
	w.Flush()
	return w.Error()
}
