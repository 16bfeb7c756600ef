package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/inaiurai/wagering/internal/config"
	"github.com/inaiurai/wagering/internal/events"
	"github.com/inaiurai/wagering/internal/execution"
	"github.com/inaiurai/wagering/internal/guard"
	"github.com/inaiurai/wagering/internal/history"
	"github.com/inaiurai/wagering/internal/metrics"
	"github.com/inaiurai/wagering/internal/migrations"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. docker compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL")

	applied, err := migrations.Apply(ctx, pool)
	if err != nil {
		slog.Error("Schema migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Schema migrations applied", "files", applied)

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)

	// Guard and settlement events: Redis when configured, in-process otherwise.
	var (
		locker  guard.Locker
		limiter guard.Limiter
		emitter events.Emitter
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("Cannot reach Redis", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		locker = guard.NewRedisLocker(rdb, cfg.LockWait)
		if cfg.RateLimitActions > 0 {
			limiter = guard.NewRedisLimiter(rdb, cfg.RateLimitActions, cfg.RateLimitWindow)
		}
		emitter = events.NewRedisPublisher(rdb, cfg.EventsChannel)
		slog.Info("Using Redis guard", "addr", cfg.RedisAddr)
	} else {
		locker = guard.NewMemoryLocker(cfg.LockWait)
		if cfg.RateLimitActions > 0 {
			mem := guard.NewMemoryLimiter(cfg.RateLimitActions, cfg.RateLimitWindow, cfg.RateLimitSweep)
			defer mem.Close()
			limiter = mem
		}
		emitter = events.LogEmitter{Logger: logger}
		slog.Warn("REDIS_ADDR not set; locks and rate limits are per-process")
	}
	g := guard.New(locker, limiter, guard.Config{FastTTL: cfg.LockTTLFast, LedgerTTL: cfg.LockTTLLedger}, logger)

	// Side-effect workers
	workers := river.NewWorkers()
	execution.Register(workers, emitter, history.NewRepository(pool))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.RiverWorkers},
		},
		Workers: workers,
		Logger:  logger,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}
	// Stopped explicitly after the HTTP drain, not by the signal.
	if err := riverClient.Start(context.WithoutCancel(ctx)); err != nil {
		slog.Error("Failed to start River client", "error", err)
		os.Exit(1)
	}

	handler := newAPI(cfg, pool, g, execution.NewEnqueuer(riverClient), reg, logger)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
	}).Handler(handler)

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		slog.Error("HTTP listen failed", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting HTTP server", "addr", srv.Addr)
	if err := serve(ctx, srv, ln, shutdownTimeout, riverClient.Stop); err != nil {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped")
}

const shutdownTimeout = 15 * time.Second

// serve runs srv on ln until ctx is done, then drains in-flight requests and
// runs stop before returning.
func serve(ctx context.Context, srv *http.Server, ln net.Listener, timeout time.Duration, stop func(context.Context) error) error {
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if stop != nil {
		if err := stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("stop workers: %w", err))
		}
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
