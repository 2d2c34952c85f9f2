package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/dukerupert/hearth/internal"
	"github.com/dukerupert/hearth/internal/access"
	"github.com/dukerupert/hearth/internal/billing"
	"github.com/dukerupert/hearth/internal/crm"
	"github.com/dukerupert/hearth/internal/handler"
	"github.com/dukerupert/hearth/internal/handler/api"
	"github.com/dukerupert/hearth/internal/handler/webhook"
	"github.com/dukerupert/hearth/internal/invoice"
	"github.com/dukerupert/hearth/internal/listing"
	"github.com/dukerupert/hearth/internal/lock"
	"github.com/dukerupert/hearth/internal/middleware"
	"github.com/dukerupert/hearth/internal/notify"
	"github.com/dukerupert/hearth/internal/postgres"
	"github.com/dukerupert/hearth/internal/retry"
	"github.com/dukerupert/hearth/internal/subscription"
	"github.com/dukerupert/hearth/internal/telemetry"
	"github.com/dukerupert/hearth/internal/worker"
)

const shutdownTimeout = 15 * time.Second

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)
	slog.SetDefault(logger)

	flushSentry, err := telemetry.InitSentry(telemetry.SentryConfig{
		DSN:         cfg.Sentry.DSN,
		Enabled:     cfg.Sentry.Enabled,
		Environment: cfg.Sentry.Environment,
		Release:     cfg.Sentry.Release,
		SampleRate:  cfg.Sentry.SampleRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("sentry initialization failed: %w", err)
	}
	defer flushSentry()

	// Database
	logger.Info("Connecting to database...")
	pool, err := pgxpool.New(ctx, cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	logger.Info("Database connection established")

	logger.Info("Running database migrations...")
	sqlDB := stdlib.OpenDBFromPool(pool)
	if err := internal.RunMigrations(sqlDB); err != nil {
		sqlDB.Close()
		return fmt.Errorf("migration failed: %w", err)
	}
	sqlDB.Close()
	logger.Info("Database migrations completed successfully")

	st := postgres.NewStore(pool)

	// Redis lock for the retry scan
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	locker := lock.NewRedisLocker(rdb)

	// NATS for status-change notifications
	nc, err := notify.Connect(cfg.NatsURL, logger)
	if err != nil {
		return err
	}
	defer nc.Drain()

	// Stripe
	logger.Info("Initializing Stripe processor...")
	stripeConfig := billing.StripeConfig{
		APIKey:        cfg.Stripe.SecretKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		MaxRetries:    cfg.Stripe.MaxRetries,
		Timeout:       cfg.Stripe.Timeout,
	}
	processor, err := billing.NewStripeProcessor(stripeConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize Stripe processor: %w", err)
	}
	logger.Info("Stripe processor initialized", "test_mode", stripeConfig.IsTestMode())

	// Downstream sinks. Unconfigured sinks stay nil so their jobs complete
	// without a call.
	var crmSink access.CRM
	if cfg.CRM.BaseURL != "" {
		crmSink = crm.NewClient(cfg.CRM.BaseURL, cfg.CRM.Token, cfg.Sync.CallTimeout)
	} else {
		logger.Warn("CRM sync disabled (CRM_BASE_URL not set)")
	}
	var listingSink access.Listings
	if cfg.Listing.BaseURL != "" {
		listingSink = listing.NewClient(cfg.Listing.BaseURL, cfg.Sync.CallTimeout)
	} else {
		logger.Warn("Listing sync disabled (LISTING_BASE_URL not set)")
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	billingMetrics := telemetry.NewBillingMetrics(reg, "hearth")
	httpMetrics := middleware.NewMetrics(reg, "hearth")

	// Engine and background loops
	policy, err := retry.NewPolicy(cfg.Retry.Schedule, cfg.Retry.MaxAttempts)
	if err != nil {
		return fmt.Errorf("invalid retry policy: %w", err)
	}
	recorder := invoice.NewRecorder(st, logger)
	synchronizer := access.NewSynchronizer(st, crmSink, listingSink, notify.NewPublisher(nc), processor,
		access.Config{MaxAttempts: cfg.Sync.MaxAttempts}, logger)

	hostname, _ := os.Hostname()
	syncWorker := worker.NewWorker(st, synchronizer, worker.Config{
		WorkerID:       fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		PollInterval:   cfg.Sync.PollInterval,
		MaxConcurrency: cfg.Sync.Concurrency,
		JobTimeout:     cfg.Sync.CallTimeout,
	}, billingMetrics, logger)

	engine := subscription.NewEngine(st, processor, policy, recorder, synchronizer,
		subscription.Config{
			SuspendPolicy:         cfg.Retry.SuspendPolicy,
			SuspensionGracePeriod: cfg.Retry.SuspensionGracePeriod,
		},
		logger,
		subscription.WithMetrics(billingMetrics),
		subscription.WithWaker(syncWorker),
	)

	scheduler := retry.NewScheduler(st, processor, locker, retry.SchedulerConfig{
		Interval:  cfg.Retry.ScanInterval,
		Lease:     cfg.Retry.ClaimLease,
		BatchSize: cfg.Retry.BatchSize,
	}, logger, retry.WithSweeper(engine), retry.WithMetrics(billingMetrics))

	// HTTP
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = handler.NewValidator()
	e.HTTPErrorHandler = handler.HTTPErrorHandler
	e.Use(
		middleware.RequestID(),
		middleware.RequestLogger(logger),
		httpMetrics.Middleware(),
		middleware.Recovery(logger),
		telemetry.EchoMiddleware(),
	)

	e.GET("/healthz", func(c echo.Context) error {
		if err := pool.Ping(c.Request().Context()); err != nil {
			return handler.ErrorResponse(c, err)
		}
		return c.String(http.StatusOK, "OK")
	})
	e.GET("/metrics", echo.WrapHandler(httpMetrics.Handler()))

	stripeWebhook := webhook.NewStripeHandler(engine, cfg.Stripe.WebhookSecret, billingMetrics, logger)
	e.POST("/webhooks/stripe", stripeWebhook.HandleWebhook)

	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	defer limiter.Stop()
	apiGroup := e.Group("/api", limiter.Middleware())
	api.NewSubscriptionHandler(engine, logger).
		WithRenewalWindow(cfg.Retry.RenewalReminderWindow).
		Register(apiGroup)

	// Start everything
	var wg sync.WaitGroup
	background := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("background loop stopped", "loop", name, "error", err)
				stop()
			}
		}()
	}
	background("sync_worker", syncWorker.Start)
	background("retry_scheduler", scheduler.Run)

	addr := fmt.Sprintf(":%d", cfg.Port)
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting server", "address", addr)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err = <-serverErr:
		stop()
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutdownErr := e.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error("server shutdown failed", "error", shutdownErr)
	}
	wg.Wait()

	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		log.Fatal(err)
	}
}
