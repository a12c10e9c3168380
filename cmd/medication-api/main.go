// Package main provides the medication API service entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/dosetrack/dosetrack/internal/api/handlers"
	"github.com/dosetrack/dosetrack/internal/api/middleware"
	"github.com/dosetrack/dosetrack/internal/domain/actions"
	"github.com/dosetrack/dosetrack/internal/domain/ledger"
	"github.com/dosetrack/dosetrack/internal/domain/today"
	"github.com/dosetrack/dosetrack/internal/infrastructure/postgres"
	"github.com/dosetrack/dosetrack/internal/observability/metrics"
	"github.com/dosetrack/dosetrack/internal/observability/tracing"
	"github.com/dosetrack/dosetrack/pkg/circuitbreaker"
	"github.com/dosetrack/dosetrack/pkg/opident"
)

// Config holds application configuration
type Config struct {
	Port          string
	DatabaseURL   string
	APIKeys       map[string]string
	QuietPeriod   time.Duration
	ThresholdDays int
	OTLPEndpoint  string
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := loadConfig()

	ctx := context.Background()

	if cfg.OTLPEndpoint != "" {
		tcfg := tracing.DefaultConfig("medication-api")
		tcfg.OTLPEndpoint = cfg.OTLPEndpoint
		provider, err := tracing.Init(ctx, tcfg)
		if err != nil {
			logger.Fatal("failed to init tracing", zap.Error(err))
		}
		defer provider.Shutdown(ctx)
	}

	m := metrics.New()

	// Persistence: postgres when configured, in-memory otherwise.
	// Memory mode carries ledger history only; the medicine cabinet
	// lives in postgres.
	var (
		store  ledger.Store
		loader today.SnapshotLoader
		ready  func(context.Context) error
	)
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			logger.Fatal("database ping failed", zap.Error(err))
		}
		logger.Info("connected to database")

		pgStore := postgres.NewStore(pool, logger)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			logger.Fatal("failed to apply schema", zap.Error(err))
		}

		store = pgStore
		loader = pgStore.LoadSnapshot
		ready = pool.Ping
	} else {
		logger.Warn("no DATABASE_URL set, using in-memory store")
		memStore := ledger.NewMemoryStore()
		store = memStore
		loader = func(ctx context.Context) (*today.Snapshot, error) {
			now := time.Now().UTC()
			logs, err := memStore.EntriesSince(ctx, now.Add(-90*24*time.Hour))
			if err != nil {
				return nil, err
			}
			return &today.Snapshot{
				Logs:    logs,
				Options: today.Options{DefaultThresholdDays: cfg.ThresholdDays, ManualIntakeDefault: true},
				TakenAt: now,
			}, nil
		}
		ready = func(context.Context) error { return nil }
	}

	ldgr := ledger.New(store, logger, ledger.WithMetrics(m))

	breakerCfg := circuitbreaker.DefaultConfig("snapshot-loader")
	breakerCfg.OnStateChange = func(name string, state circuitbreaker.State) {
		m.CircuitBreakerState.WithLabelValues(name).Set(state.GaugeValue())
	}
	breaker, err := circuitbreaker.New(breakerCfg, logger)
	if err != nil {
		logger.Fatal("failed to create circuit breaker", zap.Error(err))
	}
	m.CircuitBreakerState.WithLabelValues(breakerCfg.Name).Set(circuitbreaker.StateClosed.GaugeValue())

	completions := today.NewCompletionSet()
	synth := today.NewSynthesizer(logger)
	synth.SetMetrics(m)

	refresherCfg := today.DefaultRefresherConfig()
	if cfg.QuietPeriod > 0 {
		refresherCfg.QuietPeriod = cfg.QuietPeriod
	}
	refresher := today.NewRefresher(loader, completions.Keys, synth, breaker, refresherCfg, logger)
	refresher.SetMetrics(m)
	refresher.Start()
	defer refresher.Stop()
	refresher.Kick()

	opCache := opident.New(opident.DefaultConfig(), logger)
	opCache.StartSweep()
	defer opCache.Stop()

	actionSvc := actions.NewService(ldgr, loader, refresher, logger)

	todayHandler := handlers.NewTodayHandler(refresher, loader, completions, logger)
	actionHandler := handlers.NewActionHandler(actionSvc, opCache, m, logger)
	adminHandler := handlers.NewAdminHandler(ldgr, logger)

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing("medication-api"))

	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := ready(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeys))
		r.Mount("/today", todayHandler.Routes())
		r.Get("/medicines/{id}/next-dose", todayHandler.NextDose)
		r.Mount("/actions", actionHandler.Routes())
		r.Mount("/admin", adminHandler.Routes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting medication API", zap.String("port", cfg.Port))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func loadConfig() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	apiKeys := map[string]string{}
	if key := os.Getenv("API_KEY"); key != "" {
		apiKeys[key] = "env-client"
	}

	quiet := time.Duration(0)
	if ms := os.Getenv("REFRESH_QUIET_PERIOD_MS"); ms != "" {
		if v, err := strconv.Atoi(ms); err == nil && v > 0 {
			quiet = time.Duration(v) * time.Millisecond
		}
	}

	threshold := 7
	if days := os.Getenv("STOCK_THRESHOLD_DAYS"); days != "" {
		if v, err := strconv.Atoi(days); err == nil && v > 0 {
			threshold = v
		}
	}

	return Config{
		Port:          port,
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		APIKeys:       apiKeys,
		QuietPeriod:   quiet,
		ThresholdDays: threshold,
		OTLPEndpoint:  os.Getenv("OTLP_ENDPOINT"),
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":"medication-api","version":"0.1.0"}`)
}
