package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/joao-fontenele/paycart/internal/cart"
	"github.com/joao-fontenele/paycart/internal/config"
	"github.com/joao-fontenele/paycart/internal/domain"
	"github.com/joao-fontenele/paycart/internal/gateway"
	"github.com/joao-fontenele/paycart/internal/ledger"
	"github.com/joao-fontenele/paycart/internal/messaging"
	"github.com/joao-fontenele/paycart/internal/notify"
	"github.com/joao-fontenele/paycart/internal/providers"
	"github.com/joao-fontenele/paycart/internal/reconcile"
	"github.com/joao-fontenele/paycart/internal/telemetry"
)

const version = "0.1.0"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		logger.Info("shutting down")
		cancel()
	}()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "paycart-reconciler", version)
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider("paycart-reconciler", version)
	if err != nil {
		logger.Error("failed to initialize meter", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownMeter(context.Background()) }()

	dsn, err := config.WithSearchPath(cfg.PostgresURL, "billing")
	if err != nil {
		logger.Error("invalid POSTGRES_URL", "error", err)
		os.Exit(1)
	}
	db, err := telemetry.OpenDB(ctx, "postgres", dsn)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	httpClient := &http.Client{
		Timeout:   30 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	// Every process sharing the database must agree on the lock, so the
	// default is a Postgres advisory lock.
	var locker cart.Locker = cart.NewPostgresLocker(db)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
		locker = cart.NewRedisLocker(rdb, cart.WithLockTTL(max(cart.DefaultLockTTL, 4*httpClient.Timeout)))
	}

	registry := providers.NewRegistry(cfg.Gateways, gateway.Deps{
		Client: gateway.NewClient(httpClient),
		Logger: logger,
	})

	tasks := reconcile.NewTaskRepository(db)
	payments := ledger.NewPaymentRepository(db)
	scheduler := reconcile.NewScheduler(tasks, registry, cfg.ReconcileDelay, logger)

	var publisher cart.EventPublisher = scheduler
	if len(cfg.KafkaBrokers) > 0 {
		producer := messaging.NewProducer(cfg.KafkaBrokers, domain.TopicPaymentRecorded)
		defer func() { _ = producer.Close() }()
		publisher = producer
	}

	service := cart.NewService(cart.NewCartRepository(db), payments, registry, locker, logger,
		cart.WithPublisher(publisher),
	)
	pipeline := notify.NewPipeline(registry, payments, service, logger)

	poller := reconcile.NewPoller(tasks, service, pipeline, registry, reconcile.Config{
		MaxAttempts: cfg.ReconcileMaxAttempts,
		Delay:       cfg.ReconcileDelay,
		Batch:       cfg.ReconcileBatch,
	}, logger)
	sweeper := reconcile.NewSweeper(service, tasks, registry, cfg.RecurringGracePeriod, logger)

	jobs, err := reconcile.StartJobs(ctx, poller, sweeper, reconcile.JobsConfig{
		TickInterval:  cfg.ReconcileTick,
		SweepInterval: cfg.SweepInterval,
	}, logger)
	if err != nil {
		logger.Error("failed to start jobs", "error", err)
		os.Exit(1)
	}
	defer jobs.Stop()

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metricsHandler)
	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	defer func() { _ = server.Shutdown(context.Background()) }()

	logger.Info("starting reconciler",
		"tick", cfg.ReconcileTick, "delay", cfg.ReconcileDelay, "max_attempts", cfg.ReconcileMaxAttempts)

	if len(cfg.KafkaBrokers) == 0 {
		<-ctx.Done()
		return
	}

	consumer := messaging.NewConsumer(cfg.KafkaBrokers, domain.TopicPaymentRecorded, "paycart-reconciler", logger)
	defer func() { _ = consumer.Close() }()

	if err := consumer.Consume(ctx, scheduler.HandlePaymentRecorded); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("consumer stopped")
			return
		}
		logger.Error("consumer error", "error", err)
		os.Exit(1)
	}
}
