package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mscandco/distro-platform/backend/internal/auth"
	"github.com/mscandco/distro-platform/backend/internal/billing"
	"github.com/mscandco/distro-platform/backend/internal/config"
	"github.com/mscandco/distro-platform/backend/internal/handlers"
	"github.com/mscandco/distro-platform/backend/internal/httpserver"
	"github.com/mscandco/distro-platform/backend/internal/logging"
	"github.com/mscandco/distro-platform/backend/internal/metrics"
	"github.com/mscandco/distro-platform/backend/internal/migrations"
	"github.com/mscandco/distro-platform/backend/internal/store"
	"github.com/mscandco/distro-platform/backend/internal/stripe"
	"github.com/mscandco/distro-platform/backend/internal/worker"
)

func main() {
	// Best-effort: load environment variables from .env-style files in local
	// development. These calls are safe to ignore in production environments.
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	logger.Info("database configured", zap.String("target", cfg.DatabaseTarget()))
	configureDB(db)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrationsWithDirtyFix(db, logger); err != nil {
		return fmt.Errorf("apply database migrations: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st, err := store.New(db)
	if err != nil {
		return err
	}
	jobStore, err := store.NewJobStore(db)
	if err != nil {
		return err
	}
	priceStore, err := store.NewPriceStore(db)
	if err != nil {
		return err
	}

	var entitlements store.Entitlements = st
	if cfg.RedisURL != "" {
		rdb, err := connectRedis(cfg.RedisURL)
		if err != nil {
			logger.Warn("redis unavailable, entitlement cache disabled", zap.Error(err))
		} else {
			defer rdb.Close()
			cache := store.NewCachedEntitlements(st, rdb, cfg.EntitlementTTL, logger)
			cache.ObserveLookups(m.RecordCacheLookup)
			entitlements = cache
		}
	}

	stripeClient := stripe.NewClient(stripe.Config{
		SecretKey:         cfg.StripeSecretKey,
		WebhookSecret:     cfg.StripeWebhookSecret,
		APIURL:            cfg.StripeAPIURL,
		MaxNetworkRetries: 2,
	}, logger)
	if !stripeClient.Configured() {
		logger.Warn("STRIPE_SECRET_KEY not set; checkout and portal will report not configured")
	}

	wcfg := worker.DefaultConfig()
	wcfg.MaxConcurrent = cfg.WorkerConcurrency
	jobWorker := worker.New(wcfg, jobStore, logger)
	jobWorker.SetInstrumentation(worker.MetricsInstrumentation(m))

	svc, err := billing.NewService(billing.Config{
		AppBaseURL: cfg.AppBaseURL,
		Currency:   cfg.Currency,
	}, billing.Deps{
		Subscriptions: st,
		Entitlements:  entitlements,
		Prices:        priceStore,
		Processor:     stripeClient,
		Jobs:          jobWorker,
		Signer:        auth.NewSigner(cfg.EntitlementSigningKey, cfg.EntitlementTokenTTL),
		Metrics:       m,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	worker.RegisterBillingJobs(jobWorker, svc)

	scheduler := worker.NewScheduler(worker.SchedulerConfig{StaleAfter: 5 * wcfg.JobTimeout}, jobWorker, jobStore, logger)

	var verifierOpts []auth.VerifierOption
	if cfg.RoleClaim != "" {
		verifierOpts = append(verifierOpts, auth.WithRoleClaim(cfg.RoleClaim))
	}
	if cfg.JWTAudience != "" {
		verifierOpts = append(verifierOpts, auth.WithAudience(cfg.JWTAudience))
	}

	srv := httpserver.New(cfg, httpserver.Deps{
		DB:       db,
		Verifier: auth.NewVerifier(cfg.JWTSecret, verifierOpts...),
		Billing:  svc,
		Webhook:  handlers.NewWebhookHandler(stripeClient, st, svc, m, logger),
		Jobs:     jobStore,
		Canceler: jobWorker,
		Metrics:  m,
		Gatherer: reg,
		Runners:  []httpserver.Runner{jobWorker, scheduler},
		Logger:   logger,
	})

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-shutdownCtx.Done()
		logger.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("graceful shutdown failed", zap.Error(err))
		}
	}()

	return srv.Start(shutdownCtx)
}

func configureDB(db *sql.DB) {
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
}

func connectRedis(rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}

func runMigrationsWithDirtyFix(db *sql.DB, logger *zap.Logger) error {
	err := migrations.Up(db, logger)
	if err == nil {
		return nil
	}
	if !strings.Contains(err.Error(), "Dirty database version") {
		return err
	}

	logger.Warn("dirty database detected, attempting to fix", zap.Error(err))
	if fixErr := migrations.FixDirtyDatabase(db); fixErr != nil {
		logger.Error("failed to fix dirty database", zap.Error(fixErr))
		return err
	}
	return migrations.Up(db, logger)
}
