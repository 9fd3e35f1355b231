// server runs the device log HTTP API.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	otellog "go.opentelemetry.io/otel/log"

	auditrepo "devicelog/backend/internal/audit/repository"
	"devicelog/backend/internal/config"
	"devicelog/backend/internal/db"
	devicerepo "devicelog/backend/internal/device/repository"
	deviceservice "devicelog/backend/internal/device/service"
	healthhandler "devicelog/backend/internal/health/handler"
	"devicelog/backend/internal/httpx/view"
	"devicelog/backend/internal/idempotency"
	logrepo "devicelog/backend/internal/logentry/repository"
	logservice "devicelog/backend/internal/logentry/service"
	"devicelog/backend/internal/platform/logging"
	"devicelog/backend/internal/server"
	"devicelog/backend/internal/server/middleware"
	sessionrepo "devicelog/backend/internal/session/repository"
	sessionservice "devicelog/backend/internal/session/service"
	"devicelog/backend/internal/telemetry"
	otelsetup "devicelog/backend/internal/telemetry/otel"
	"devicelog/backend/internal/telemetry/producer"
	"devicelog/backend/internal/timestamp"
)

const instrumentationName = "devicelog/backend"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := otelsetup.NewProviders(ctx, cfg.OTLPEndpoint, cfg.ServiceName, cfg.OTLPInsecure)
	if err != nil {
		log.Fatalf("otel: %v", err)
	}
	providers.SetGlobal()

	var loggerProvider otellog.LoggerProvider
	if providers.Exporting {
		loggerProvider = providers.LoggerProvider
	}
	logger := logging.New(os.Stdout, logging.Options{
		Level:          cfg.LogLevel,
		Format:         cfg.LogFormat,
		Service:        cfg.ServiceName,
		LoggerProvider: loggerProvider,
	})
	slog.SetDefault(logger)

	if err := run(ctx, cfg, providers, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, providers *otelsetup.Providers, logger *slog.Logger) error {
	store, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()

	ts, err := timestamp.New(cfg.DisplayUTCOffset)
	if err != nil {
		return err
	}

	kafkaProducer, err := producer.NewKafkaProducer(cfg.KafkaBrokersList(), cfg.IngestKafkaTopic)
	if err != nil {
		return err
	}
	var (
		ingest   producer.Producer
		emitters []telemetry.EventEmitter
	)
	if kafkaProducer != nil {
		logger.Info("ingest events enabled", "topic", kafkaProducer.Topic())
		ingest = kafkaProducer
		emitters = append(emitters, ingest)
	}
	if providers.Exporting {
		emitters = append(emitters, otelsetup.NewEventEmitter(providers.LoggerProvider))
	}
	var events *telemetry.Async
	if len(emitters) > 0 {
		events = telemetry.NewAsync(telemetry.Multi(emitters...), logger)
	}

	devices := deviceservice.NewService(devicerepo.NewSQLRepository(store), nil)
	sessions := sessionservice.NewService(sessionrepo.NewSQLRepository(store), devices, cfg.DefaultPlatform, nil)
	logOpts := logservice.Options{
		MaxBatchSize: cfg.MaxBatchSize,
		Tracer:       providers.TracerProvider.Tracer(instrumentationName),
		Meter:        providers.MeterProvider.Meter(instrumentationName),
		Logger:       logger,
	}
	if events != nil {
		logOpts.Events = events
	}
	logs, err := logservice.NewService(logrepo.NewSQLRepository(store), sessions, ts, logOpts)
	if err != nil {
		return err
	}

	deps := server.Deps{
		Logger:       logger,
		APIPrefix:    cfg.APIPrefix,
		ServiceName:  cfg.ServiceName,
		Render:       view.NewRenderer(ts),
		Devices:      devices,
		Sessions:     sessions,
		Logs:         logs,
		AuditRepo:    auditrepo.NewSQLRepository(store),
		HealthPinger: store,
		CORSOrigins:  cfg.CORSOrigins(),
	}

	var limiter middleware.Limiter = middleware.NewLocalLimiter()
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		deps.Idempotency = idempotency.NewRedisStore(client, "devicelog:idem")
		deps.IdempotencyTTL = cfg.IdempotencyTTL()
		deps.HealthChecks = map[string]healthhandler.CheckFunc{
			"redis": func(ctx context.Context) error { return client.Ping(ctx).Err() },
		}
		limiter = middleware.NewRedisLimiter(client, "devicelog:rl")
		logger.Info("batch idempotency enabled", "redis", cfg.RedisAddr, "ttl", deps.IdempotencyTTL)
	}
	if cfg.RateLimitMaxRequests > 0 {
		deps.RateLimiter = middleware.NewRateLimiter(limiter, cfg.RateLimitMaxRequests, cfg.RateLimitWindow(), logger)
		logger.Info("rate limiting enabled", "max_requests", cfg.RateLimitMaxRequests, "window", cfg.RateLimitWindow())
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddr, "prefix", cfg.APIPrefix, "store", string(store.Dialect))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := events.Wait(shutdownCtx); err != nil {
		logger.Warn("ingest events still in flight at shutdown", "error", err)
	}
	if ingest != nil {
		if err := ingest.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := providers.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	logger.Info("http server stopped")
	return errors.Join(errs...)
}
