// Command billingd runs the PlantsPack subscription webhook daemon: it
// receives Stripe events, reconciles subscription state into the configured
// store, and exposes health and metrics endpoints.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/plantspack/billing/pkg/billing"
	billinglog "github.com/plantspack/billing/pkg/billing/logger/zerolog"
	prommetrics "github.com/plantspack/billing/pkg/billing/metrics/prometheus"
	"github.com/plantspack/billing/pkg/billing/stripe"
	"github.com/plantspack/billing/storage/memory"
	"github.com/plantspack/billing/storage/postgres"
	redisstore "github.com/plantspack/billing/storage/redis"
)

func main() {
	// Optional .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	setupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatal().Err(err).Msg("billingd exited")
	}
}

func setupLogging() {
	level := zerolog.InfoLevel
	if lvl, err := zerolog.ParseLevel(strings.ToLower(os.Getenv("BILLING_LOG_LEVEL"))); err == nil && lvl != zerolog.NoLevel {
		level = lvl
	}
	zerolog.SetGlobalLevel(level)
	if os.Getenv("BILLING_LOG_PRETTY") == "true" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func run(ctx context.Context) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := prommetrics.NewMetrics(registry, "plantspack")
	logger := billinglog.NewLogger(log.Logger)

	store, granter, err := openStore(ctx, metrics)
	if err != nil {
		return err
	}
	defer store.Close()

	provider, err := stripe.NewProvider(stripe.Config{
		Config: billing.Config{
			Store:   store,
			Granter: granter,
			Logger:  logger,
			Metrics: metrics,
		},
		StripeAPIKey:        os.Getenv("STRIPE_API_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
	})
	if err != nil {
		return err
	}

	router := chi.NewRouter()
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Method(http.MethodPost, "/webhooks/stripe", provider.WebhookHandler())
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	// Internal restore-purchases / reconciliation hook; expose only on a
	// trusted network.
	router.Post("/internal/sync/{userID}", func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		tier, err := provider.SyncUser(r.Context(), userID)
		if err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("sync failed")
			http.Error(w, "sync failed", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tier":"` + string(tier) + `"}`))
	})

	addr := os.Getenv("BILLING_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("billingd listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openStore selects the storage backend from the environment: a postgres DSN
// wins, then a redis address, then the in-memory store (development only).
func openStore(ctx context.Context, metrics billing.Metrics) (billing.Store, billing.Granter, error) {
	if dsn := os.Getenv("BILLING_POSTGRES_DSN"); dsn != "" {
		config := postgres.DefaultConfig()
		config.ConnectionString = dsn
		config.Logger = billinglog.NewLogger(log.Logger)
		config.OnFallback = func() { metrics.RecordStoreFallback("stripe") }
		store, err := postgres.New(ctx, config)
		if err != nil {
			return nil, nil, err
		}
		if os.Getenv("BILLING_POSTGRES_ENSURE_SCHEMA") == "true" {
			if err := store.EnsureSchema(ctx); err != nil {
				store.Close()
				return nil, nil, err
			}
		}
		log.Info().Msg("using postgres store")
		return store, store, nil
	}

	if addr := os.Getenv("BILLING_REDIS_ADDR"); addr != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     addr,
			Password: os.Getenv("BILLING_REDIS_PASSWORD"),
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, err
		}
		store, err := redisstore.New(client, redisstore.DefaultConfig())
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("addr", addr).Msg("using redis store")
		return store, store, nil
	}

	log.Warn().Msg("no store configured, using in-memory store (state is not durable)")
	store := memory.New()
	return store, store, nil
}
