package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hackgods/slot-allocation/internal/api"
	"github.com/hackgods/slot-allocation/internal/appointment"
	"github.com/hackgods/slot-allocation/internal/config"
	"github.com/hackgods/slot-allocation/internal/db"
	"github.com/hackgods/slot-allocation/internal/logging"
	"github.com/hackgods/slot-allocation/internal/notify"
	redisclient "github.com/hackgods/slot-allocation/internal/redis"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "api-server",
		Short:         "Slot allocation HTTP API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), migrateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending Postgres migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer logger.Sync()

			if cfg.StoreDriver != "postgres" {
				logger.Info("sqlite store migrates itself on open, nothing to do")
				return nil
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			pool, err := db.ConnectPostgres(ctx, cfg)
			if err != nil {
				return fmt.Errorf("postgres connection: %w", err)
			}
			defer pool.Close()

			n, err := db.NewMigrator(pool, db.Migrations(), logger).Up(ctx)
			if err != nil {
				return err
			}
			logger.Info("migrations applied", zap.Int("count", n))
			return nil
		},
	}
}

func bootstrap() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("config load: %w", err)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("logger: %w", err)
	}
	return cfg, logger, nil
}

func runServe() error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
		zap.String("store", cfg.StoreDriver),
		zap.String("timezone", cfg.Location().String()),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	be, err := db.Open(rootCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.Close()

	deps := []api.Dependency{{Name: be.Name, Pinger: be.Store, Critical: true}}

	var (
		locker   redisclient.Locker
		notifier notify.Notifier
	)
	if cfg.RedisEnabled() {
		rdb, err := redisclient.NewRedisClient(rootCtx, cfg)
		if err != nil {
			return fmt.Errorf("redis connection: %w", err)
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Warn("error closing redis", zap.Error(err))
			}
		}()
		logger.Info("connected to Redis", zap.String("addr", cfg.RedisAddr))

		locker = redisclient.NewRedisSlotLocker(rdb, cfg.LockTTL)

		queue := asynq.NewClient(asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		})
		defer queue.Close()
		notifier = notify.NewAsynqNotifier(queue, cfg.NotifyQueue, logger)

		deps = append(deps, api.Dependency{
			Name:   "redis",
			Pinger: api.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
		})
	} else {
		logger.Warn("redis disabled, running without slot locks or notifications")
	}

	svc := appointment.NewService(be.Store, locker, notifier, cfg, logger)

	srv := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: api.NewRouter(api.RouterConfig{
			Service:      svc,
			Config:       cfg,
			Logger:       logger,
			Dependencies: deps,
			Version:      version,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-rootCtx.Done():
	}

	logger.Info("shutting down api-server", zap.Duration("timeout", cfg.ShutdownTimeout))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	logger.Info("api-server stopped")
	return nil
}
