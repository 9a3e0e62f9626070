// Command worker drives queued orders through the routing, building, and
// settlement pipeline against the simulated venues.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/ordersys/execution-engine/internal/adapter/eventbus"
	"github.com/ordersys/execution-engine/internal/adapter/observability"
	"github.com/ordersys/execution-engine/internal/adapter/queue/redisqueue"
	"github.com/ordersys/execution-engine/internal/adapter/repo/postgres"
	"github.com/ordersys/execution-engine/internal/app"
	"github.com/ordersys/execution-engine/internal/config"
	"github.com/ordersys/execution-engine/internal/domain"
	"github.com/ordersys/execution-engine/internal/router"
	"github.com/ordersys/execution-engine/internal/venue"
	"github.com/ordersys/execution-engine/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
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
	bus := eventbus.New()

	venues := buildVenues(cfg)
	rt := router.New(venues, router.Config{QuoteDeadline: cfg.QuoteDeadline, ExecuteDeadline: cfg.ExecuteDeadline})

	w := worker.New(queue, orders, rt, bus, worker.Config{
		Concurrency:  cfg.QueueConcurrency,
		JobDeadline:  cfg.JobDeadline,
		PollInterval: 0,
		WorkerID:     workerID(),
	})

	sweeper := app.NewStuckOrderSweeper(orders, cfg.JobDeadline, cfg.JanitorGracePeriod, cfg.JanitorInterval)
	if sweeper != nil {
		go sweeper.Run(ctx)
		slog.Info("stuck order sweeper started", slog.Duration("interval", cfg.JanitorInterval))
	}

	slog.Info("starting order worker loop", slog.Int("concurrency", cfg.QueueConcurrency), slog.Int("venues", len(venues)))
	go w.Run(ctx)

	slog.Info("worker started successfully, waiting for shutdown signal")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
	slog.Info("worker stopped")
}

// buildVenues constructs cfg.VenueCount simulated venues with varied
// pricing/fee/latency/failure characteristics, seeded from cfg.MockSeed so
// a fixed seed reproduces the same routing decisions across runs.
func buildVenues(cfg config.Config) []domain.Venue {
	n := cfg.VenueCount
	if n <= 0 {
		n = 2
	}
	venues := make([]domain.Venue, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("venue-%d", i+1)
		seed := cfg.MockSeed + ":" + id
		rng := venue.NewRNG(seed)
		venueCfg := venue.Config{
			ID:            id,
			BasePrice:     decimal.NewFromInt(1),
			PriceVariance: decimal.NewFromFloat(0.002 + 0.001*float64(i)),
			Fee:           decimal.NewFromFloat(0.001 + 0.0005*float64(i)),
			MinLatency:    0,
			MaxLatency:    0,
			FailureRate:   0.02,
			SlippageBias:  decimal.NewFromFloat(0.001 * float64(i)),
		}
		venues = append(venues, venue.New(venueCfg, nil, rng))
	}
	return venues
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "worker"
	}
	return host
}
