package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/vault-lending/internal/api"
	"github.com/atmx/vault-lending/internal/config"
	"github.com/atmx/vault-lending/internal/engine"
	"github.com/atmx/vault-lending/internal/keeper"
	"github.com/atmx/vault-lending/internal/logging"
	"github.com/atmx/vault-lending/internal/store"
	"github.com/atmx/vault-lending/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP/WebSocket API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.RequireSecret(); err != nil {
		return err
	}

	logger, logFile := logging.New(cfg.Log, nil)
	defer logFile.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Environment: cfg.Telemetry.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Error("tracing shutdown", "err", err)
		}
	}()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	// --- Engine ---
	ec, err := cfg.Engine()
	if err != nil {
		return err
	}
	hub := api.NewWSHub(logger)
	eng, err := engine.New(ctx, ec, st, engine.WithLogger(logger), engine.WithPublisher(hub))
	if err != nil {
		return fmt.Errorf("bootstrap engine: %w", err)
	}

	// --- HTTP ---
	svc := api.NewService(eng, logger)
	handler := api.NewRouter(svc, hub,
		api.NewAuthenticator(cfg.Server.JWTSecret, cfg.Server.JWTIssuer),
		api.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst))
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error {
		logger.Info("vaultd listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down vaultd...")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if cfg.Keeper.Enabled {
		k := keeper.New(eng, cfg.Keeper.Operator, cfg.Keeper.Interval, logger)
		g.Go(func() error { return k.Run(gctx) })
	}

	if err := g.Wait(); err != nil {
		logger.Error("vaultd stopped with error", "err", err)
		return err
	}
	logger.Info("vaultd stopped")
	return nil
}

// openStore builds the journal backend named by cfg.Driver, optionally
// fronted by the Redis cache. The returned cleanup releases connections.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (store.Store, func(), error) {
	var (
		st      store.Store
		cleanup []func()
	)
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		st = pg
		logger.Info("connected to PostgreSQL")
	case config.DriverSQLite:
		sq, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		cleanup = append(cleanup, func() { sq.Close() })
		st = sq
		logger.Info("using SQLite journal", "path", cfg.SQLitePath)
	default:
		logger.Warn("using in-memory journal (data will not persist)")
		st = store.NewMemoryStore()
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		logger.Info("Redis cache enabled")
	}
	return st, closeAll, nil
}
