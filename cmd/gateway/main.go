package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/hookbox/internal/access"
	"github.com/lalithlochan/hookbox/internal/api"
	"github.com/lalithlochan/hookbox/internal/auth"
	"github.com/lalithlochan/hookbox/internal/circuitbreaker"
	"github.com/lalithlochan/hookbox/internal/config"
	"github.com/lalithlochan/hookbox/internal/db"
	"github.com/lalithlochan/hookbox/internal/dispatch"
	"github.com/lalithlochan/hookbox/internal/metrics"
	"github.com/lalithlochan/hookbox/internal/notify"
	"github.com/lalithlochan/hookbox/internal/observ"
	"github.com/lalithlochan/hookbox/internal/push"
	"github.com/lalithlochan/hookbox/internal/queue"
	"github.com/lalithlochan/hookbox/internal/realtime"
	"github.com/lalithlochan/hookbox/internal/redis"
	"github.com/lalithlochan/hookbox/internal/sqs"
	"github.com/lalithlochan/hookbox/internal/unread"
	"github.com/lalithlochan/hookbox/internal/worker"
)

const version = "v0.4.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting hookbox gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("queue_backend", cfg.QueueBackend),
		zap.String("version", version),
	)

	ctx := context.Background()

	// Initialize database connection
	database, err := db.New(ctx, db.Config{
		URL:      cfg.DatabaseURL,
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		MaxConns: int32(cfg.DBMaxConns),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Redis backs idempotency and rate limiting, and the queues unless SQS is selected
	redisClient, err := redis.New(ctx, redis.Config{
		URL:      cfg.RedisURL,
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		if cfg.QueueBackend == config.QueueBackendRedis {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Warn("redis unavailable, idempotency and rate limiting disabled", zap.Error(err))
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	dispatchQueue, deliveryQueue, err := newBrokers(ctx, cfg, redisClient, logger)
	if err != nil {
		return err
	}

	// Realtime
	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	checker := access.NewChecker(repo)
	registry := realtime.NewRegistry(logger)
	hub := realtime.NewHub(registry, verifier, checker, repo, realtime.HubConfig{
		AllowedOrigins: cfg.WSAllowedOrigins,
	}, logger)

	// Web push behind a circuit breaker
	breakerCfg := circuitbreaker.DefaultConfig("webpush")
	breakerCfg.IsFailure = circuitbreaker.PushFailure
	pusher := circuitbreaker.NewProtectedPusher(
		push.NewSender(push.Config{
			PublicKey:    cfg.WebPushPublicKey,
			PrivateKey:   cfg.WebPushPrivateKey,
			ContactEmail: cfg.WebPushContactEmail,
		}, logger),
		circuitbreaker.New(breakerCfg, logger),
		logger,
	)
	if !pusher.Configured() {
		logger.Warn("web push disabled: VAPID keys not configured")
	}

	// Pipeline
	unreadProtocol := unread.New(repo, registry, logger)
	orchestrator := dispatch.NewOrchestrator(repo, logger)
	executor := dispatch.NewExecutor(unreadProtocol, registry, pusher, logger)
	service := notify.NewService(repo, checker, dispatchQueue, registry, unreadProtocol, logger)

	dispatchRunner := worker.New(dispatchQueue,
		worker.NewDispatchHandler(repo, orchestrator, deliveryQueue, logger),
		worker.Config{Name: string(queue.KindDispatch), Concurrency: cfg.WorkerConcurrency, Policy: queue.DispatchPolicy},
		logger,
	)
	deliveryRunner := worker.New(deliveryQueue,
		worker.NewDeliveryHandler(repo, executor, logger),
		worker.Config{Name: string(queue.KindDelivery), Concurrency: cfg.WorkerConcurrency, Policy: queue.DeliveryPolicy},
		logger,
	)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var workers sync.WaitGroup
	for _, runner := range []*worker.Runner{dispatchRunner, deliveryRunner} {
		workers.Add(1)
		go func() {
			defer workers.Done()
			runner.Start(workerCtx)
		}()
	}
	go sampleConnections(workerCtx, database, redisClient)

	logger.Info("background workers started", zap.Int("concurrency", cfg.WorkerConcurrency))

	// API
	handler := api.NewHandler(logger, repo, checker, service)
	var limiter api.Limiter
	if redisClient != nil {
		handler.WithIdempotency(redis.NewIdempotencyService(redisClient, logger))
		if cfg.WebhookRateLimit > 0 {
			limiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
				Limit:  cfg.WebhookRateLimit,
				Window: cfg.WebhookRateWindow,
			})
		}
	}

	// Setup router
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// The socket needs the raw connection, so it sits outside the timeout
	// and metrics wrappers.
	r.Handle("/ws", hub)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(metrics.Middleware)

		// Custom logging middleware
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				start := time.Now()
				ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

				next.ServeHTTP(ww, r)

				logger.Info("request completed",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Duration("duration_ms", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
			})
		})

		handler.Mount(r, verifier, limiter)

		// Prometheus metrics endpoint
		r.Handle("/metrics", metrics.Handler())
	})

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		workerCancel()
		workers.Wait()
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		err := srv.Shutdown(ctx)

		// Unacked tasks are redelivered by the broker on the next start.
		workerCancel()
		workers.Wait()

		if err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

// newBrokers builds the dispatch and delivery queues for the configured backend.
func newBrokers(ctx context.Context, cfg *config.Config, client *redis.Client, logger *zap.Logger) (queue.Broker, queue.Broker, error) {
	switch cfg.QueueBackend {
	case config.QueueBackendSQS:
		dispatchQueue, err := sqs.NewQueue(ctx, sqs.Config{
			Region:   cfg.AWSRegion,
			QueueURL: cfg.DispatchQueueURL,
			Endpoint: cfg.SQSEndpoint,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create dispatch queue: %w", err)
		}
		deliveryQueue, err := sqs.NewQueue(ctx, sqs.Config{
			Region:   cfg.AWSRegion,
			QueueURL: cfg.DeliveryQueueURL,
			Endpoint: cfg.SQSEndpoint,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create delivery queue: %w", err)
		}
		return dispatchQueue, deliveryQueue, nil

	case config.QueueBackendRedis:
		if client == nil {
			return nil, nil, errors.New("redis queue backend requires a redis connection")
		}
		return redis.NewQueue(client, string(queue.KindDispatch), time.Minute, logger),
			redis.NewQueue(client, string(queue.KindDelivery), 30*time.Second, logger),
			nil
	}
	return nil, nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
}

// sampleConnections publishes pool usage gauges until ctx is done.
func sampleConnections(ctx context.Context, database *db.DB, client *redis.Client) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetDBConnections(database.AcquiredConns())
			if client != nil {
				metrics.SetRedisConnections(client.ActiveConns())
			}
		}
	}
}
