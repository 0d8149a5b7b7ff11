package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/angeloszaimis/analytics-backend/config"
	"github.com/angeloszaimis/analytics-backend/internal/cache"
	"github.com/angeloszaimis/analytics-backend/internal/circuitbreaker"
	"github.com/angeloszaimis/analytics-backend/internal/external"
	"github.com/angeloszaimis/analytics-backend/internal/handler"
	"github.com/angeloszaimis/analytics-backend/internal/healthcheck"
	"github.com/angeloszaimis/analytics-backend/internal/httpserver"
	"github.com/angeloszaimis/analytics-backend/internal/metrics"
	"github.com/angeloszaimis/analytics-backend/internal/ratelimit"
	"github.com/angeloszaimis/analytics-backend/internal/store"
	"github.com/angeloszaimis/analytics-backend/internal/telemetry"
	"github.com/angeloszaimis/analytics-backend/pkg/logger"
)

const externalBreaker = "external"

func main() {
	var configFile string

	rootCmd := &cobra.Command{
		Use:          "analytics-backend",
		Short:        "Real-time analytics backend",
		Long:         "Serve metric ingestion and summaries behind a rate limiter, a circuit breaker and a shared cache",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configFile)
		},
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(cfg.Logging.Level, true, cfg.Server.Environment)

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	go a.monitor.Run(ctx)

	srv, err := httpserver.New(cfg.Server.Address, setupRouter(a))
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	srvErrCh := make(chan error, 1)

	go func() {
		srvErrCh <- srv.Start()
	}()

	log.Info("Analytics backend started",
		slog.String("address", cfg.Server.Address),
		slog.String("store", cfg.Store.Driver))

	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Error("Error during shutdown", slog.Any("err", err))
		}
	case err := <-srvErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	return nil
}

// app holds every long-lived component. It is built once in run and handed
// to the router; nothing below it reads global state.
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	store     store.Store
	telemetry *telemetry.Telemetry
	limiter   *ratelimit.Limiter
	breakers  *circuitbreaker.Registry
	monitor   *healthcheck.Monitor
	handler   *handler.Handler
}

func newApp(cfg *config.Config, log *slog.Logger) (*app, error) {
	tel := telemetry.New("analytics")

	st, err := newStore(cfg)
	if err != nil {
		return nil, err
	}

	limiter, err := ratelimit.NewLimiter(st, cfg.RateLimit.Limit, cfg.RateLimit.WindowDuration(),
		ratelimit.WithRecorder(tel))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create rate limiter: %w", err)
	}

	cacheOpts := []cache.Option{cache.WithRecorder(tel)}
	if cfg.Cache.SingleFlight {
		cacheOpts = append(cacheOpts, cache.WithSingleFlight())
	}
	cacheSvc, err := cache.New(st, cfg.Cache.TTLDuration(), cacheOpts...)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create cache: %w", err)
	}

	log.Info("Protection layers configured",
		slog.Int64("rate_limit", limiter.Limit()),
		slog.Duration("rate_window", limiter.Window()),
		slog.Duration("cache_ttl", cacheSvc.TTL()),
		slog.Bool("single_flight", cfg.Cache.SingleFlight))

	policy, err := circuitbreaker.ParseLockPolicy(cfg.CircuitBreaker.LockPolicy)
	if err != nil {
		st.Close()
		return nil, err
	}
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Settings{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		ResetTimeout:     cfg.CircuitBreaker.ResetTimeoutDuration(),
		CallTimeout:      cfg.CircuitBreaker.CallTimeoutDuration(),
		LockPolicy:       policy,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			log.Warn("Circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			tel.BreakerStateChanged(name, from, to)
		},
	})
	breaker := breakers.GetBreaker(externalBreaker)
	tel.RegisterBreaker(breaker.Name(), breaker.State())

	ext, err := external.NewService(cfg.External.FailureRate, cfg.External.LatencyDuration())
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create external service: %w", err)
	}

	monitor := healthcheck.NewMonitor(cfg.Store.Driver, st, cfg.HealthCheck.IntervalDuration(), log,
		healthcheck.WithOnChange(tel.SetStoreUp))

	h := handler.New(handler.Deps{
		Logger:   log,
		Store:    st,
		Repo:     metrics.NewRepository(),
		Cache:    cacheSvc,
		Breaker:  breaker,
		Breakers: breakers,
		External: ext,
		Recorder: tel,
	})

	return &app{
		cfg:       cfg,
		log:       log,
		store:     st,
		telemetry: tel,
		limiter:   limiter,
		breakers:  breakers,
		monitor:   monitor,
		handler:   h,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.log.Error("Failed to close store", slog.Any("err", err))
	}
}

func newStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		return store.NewMemoryStore(), nil
	case config.DriverRedis:
		return store.NewRedisStore(store.RedisConfig{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
