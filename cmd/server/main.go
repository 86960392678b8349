package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/catalog-import/internal/config"
	"github.com/JonMunkholm/catalog-import/internal/ingest"
	"github.com/JonMunkholm/catalog-import/internal/jobs"
	"github.com/JonMunkholm/catalog-import/internal/logging"
	"github.com/JonMunkholm/catalog-import/internal/progress"
	"github.com/JonMunkholm/catalog-import/internal/store"
	"github.com/JonMunkholm/catalog-import/internal/web"
	"github.com/JonMunkholm/catalog-import/internal/webhook"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("configuration loaded", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	pool, err := connectPostgres(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := store.EnsureSchema(ctx, pool); err != nil {
		return err
	}

	rdb, err := connectRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	products := store.NewProducts(pool)
	broker := progress.NewRedisBroker(rdb, cfg.Redis.StatusTTL)

	dispatcher := webhook.NewDispatcher(
		store.NewSubscriptions(pool),
		products,
		webhook.NewHTTPDeliverer(cfg.Webhook.Timeout),
		webhook.Options{
			Workers:       cfg.Webhook.Workers,
			QueueSize:     cfg.Webhook.QueueSize,
			MaxInFlight:   cfg.Webhook.MaxInFlight,
			RatePerSecond: cfg.Webhook.RatePerSecond,
			Burst:         cfg.Webhook.Burst,
		},
	)
	dispatcher.Start(context.WithoutCancel(ctx))

	orchestrator := ingest.NewOrchestrator(ingest.FileSource{}, products, broker, dispatcher, ingest.Config{
		BatchSize:        cfg.Import.BatchSize,
		ProgressRows:     cfg.Import.ProgressRows,
		ProgressInterval: cfg.Import.ProgressInterval,
	})

	queue := jobs.NewQueue(rdb)
	worker := jobs.NewWorker(queue, orchestrator, jobs.WorkerConfig{
		Workers:     cfg.Import.Workers,
		MaxAttempts: cfg.Import.MaxAttempts,
		PollTimeout: cfg.Import.PollTimeout,
	})

	server := web.NewServer(queue, broker, map[string]web.HealthCheck{
		"postgres": pool.Ping,
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}, web.Options{
		UploadDir:    cfg.Upload.Dir,
		MaxFileSize:  cfg.Upload.MaxFileSize,
		RelayIdle:    cfg.Relay.IdleTimeout,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,

		TrustedProxies: cfg.Server.TrustedProxyList(),
	})
	sweeper := jobs.NewSweeper(cfg.Upload.Dir, cfg.Upload.Retention, cfg.Upload.SweepInterval, queue)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(cfg.Server.Addr()); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})

	runErr := g.Wait()

	// Workers have stopped producing events; let queued deliveries finish
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if pending := dispatcher.Pending(); pending > 0 {
		slog.Info("waiting for webhook deliveries", "pending", pending)
	}
	if err := dispatcher.Close(drainCtx); err != nil {
		slog.Warn("webhook deliveries did not finish in time", "error", err)
	}

	return runErr
}

func connectPostgres(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, err
	}
	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if u, err := url.Parse(cfg.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	}
	return pool, nil
}

func connectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	slog.Info("connected to redis", "addr", opts.Addr, "db", opts.DB)
	return rdb, nil
}
