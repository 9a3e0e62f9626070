// Command server starts the order execution engine's HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	httpserver "github.com/ordersys/execution-engine/internal/adapter/httpserver"
	"github.com/ordersys/execution-engine/internal/adapter/eventbus"
	"github.com/ordersys/execution-engine/internal/adapter/observability"
	"github.com/ordersys/execution-engine/internal/adapter/queue/redisqueue"
	"github.com/ordersys/execution-engine/internal/adapter/repo/postgres"
	"github.com/ordersys/execution-engine/internal/app"
	"github.com/ordersys/execution-engine/internal/config"
	"github.com/ordersys/execution-engine/internal/service/idempotency"
	"github.com/ordersys/execution-engine/internal/service/ratelimiter"
	"github.com/ordersys/execution-engine/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid redis url", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() {
		if err := rdb.Close(); err != nil {
			slog.Error("failed to close redis client", slog.Any("error", err))
		}
	}()

	orders := postgres.NewOrderRepo(pool)
	queue := redisqueue.New(rdb, redisqueue.Config{MaxRetries: cfg.RetryMaxRetries, VisibilityTimeout: cfg.VisibilityTimeout, GlobalThroughputLimit: cfg.GlobalThroughputLimit})
	idem := idempotency.New(rdb, pool)
	limiter := ratelimiter.NewRedisLuaLimiter(rdb, pool)
	bus := eventbus.New()

	if cfg.DataRetentionDays > 0 {
		cleanupSvc := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
		go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
		slog.Info("cleanup service started", slog.Int("retention_days", cfg.DataRetentionDays), slog.Duration("interval", cfg.CleanupInterval))
	}

	sweeper := app.NewStuckOrderSweeper(orders, cfg.JobDeadline, cfg.JanitorGracePeriod, cfg.JanitorInterval)
	if sweeper != nil {
		go sweeper.Run(ctx)
		slog.Info("stuck order sweeper started", slog.Duration("interval", cfg.JanitorInterval))
	}

	submission := usecase.NewSubmissionService(orders, queue, idem, limiter, cfg.RateLimit)
	subscription := usecase.NewSubscriptionService(orders, bus)

	dbCheck := func(ctx context.Context) error { return pool.Ping(ctx) }
	queueCheck := func(ctx context.Context) error {
		_, err := queue.Depth(ctx)
		return err
	}

	srv := httpserver.NewServer(cfg, submission, subscription, orders, dbCheck, queueCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
