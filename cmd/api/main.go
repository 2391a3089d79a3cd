package main

import (
	"context"
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
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "paycart-api", version)
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(ctx) }()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider("paycart-api", version)
	if err != nil {
		logger.Error("failed to initialize meter", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownMeter(ctx) }()

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

	payments := ledger.NewPaymentRepository(db)

	// Without Kafka the API schedules reconciliation itself.
	var publisher cart.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		producer := messaging.NewProducer(cfg.KafkaBrokers, domain.TopicPaymentRecorded)
		defer func() { _ = producer.Close() }()
		publisher = producer
	} else {
		publisher = reconcile.NewScheduler(reconcile.NewTaskRepository(db), registry, cfg.ReconcileDelay, logger)
	}

	service := cart.NewService(cart.NewCartRepository(db), payments, registry, locker, logger,
		cart.WithPublisher(publisher),
	)
	pipeline := notify.NewPipeline(registry, payments, service, logger)

	cartHandler := cart.NewHandler(service, logger)
	gatewayHandler := gateway.NewHandler(registry, logger)
	notifyHandler := notify.NewHandler(pipeline, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /carts", telemetry.WithHTTPRoute(cartHandler.HandleCreate))
	mux.HandleFunc("GET /carts/{id}", telemetry.WithHTTPRoute(cartHandler.HandleGet))
	mux.HandleFunc("POST /carts/{id}/submit", telemetry.WithHTTPRoute(cartHandler.HandleSubmit))
	mux.HandleFunc("POST /carts/{id}/confirm", telemetry.WithHTTPRoute(cartHandler.HandleConfirm))
	mux.HandleFunc("GET /carts/{id}/confirm", telemetry.WithHTTPRoute(cartHandler.HandleConfirm))
	mux.HandleFunc("POST /carts/{id}/cancel-recurring", telemetry.WithHTTPRoute(cartHandler.HandleCancelRecurring))
	mux.HandleFunc("POST /carts/{id}/refund", telemetry.WithHTTPRoute(cartHandler.HandleRefund))
	mux.HandleFunc("GET /gateways", telemetry.WithHTTPRoute(gatewayHandler.HandleList))
	mux.HandleFunc("GET /gateways/{name}/validate", telemetry.WithHTTPRoute(gatewayHandler.HandleValidate))
	mux.HandleFunc("POST /notifications/{gateway}", telemetry.WithHTTPRoute(notifyHandler.HandleNotification))
	mux.Handle("GET /metrics", metricsHandler)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(mux, "paycart-api", otelhttp.WithSpanNameFormatter(telemetry.SpanName)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 45 * time.Second,
	}

	go func() {
		logger.Info("starting paycart api", "port", cfg.Port, "gateways", registry.Names())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
