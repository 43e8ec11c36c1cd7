package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/hackgods/slot-allocation/internal/config"
	"github.com/hackgods/slot-allocation/internal/logging"
	"github.com/hackgods/slot-allocation/internal/notify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer logger.Sync()

	if !cfg.RedisEnabled() {
		logger.Fatal("notify-worker needs REDIS_ADDR or REDIS_URL")
	}

	logger.Info("notify-worker starting up",
		zap.String("env", cfg.Env),
		zap.String("queue", cfg.NotifyQueue),
		zap.Int("concurrency", cfg.WorkerConcurrency),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		},
		asynq.Config{
			Concurrency: cfg.WorkerConcurrency,
			Queues:      map[string]int{cfg.NotifyQueue: 1},
			Logger:      logger.Named("asynq").Sugar(),
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Warn("notification delivery failed", zap.String("type", task.Type()), zap.Error(err))
			}),
		},
	)

	mux := notify.NewServeMux(notify.NewLogSink(logger))
	if err := srv.Start(mux); err != nil {
		logger.Fatal("asynq server start", zap.Error(err))
	}

	<-rootCtx.Done()
	logger.Info("shutdown signal received, stopping notify-worker")
	srv.Shutdown()
}
