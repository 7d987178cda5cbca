package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradepost/internal/adapter/repo"
	"tradepost/internal/infra"
	"tradepost/internal/realtime"
	"tradepost/internal/worker"
)

// Kinds served when WORKER_KINDS is unset.
var defaultKinds = []string{"accounts", "collectr"}

const echoDelay = time.Second

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	runner := infra.NewSQLRunner(pool, logger)
	jobs := repo.NewJobRepository(runner)

	kinds := cfg.WorkerKinds
	if len(kinds) == 0 {
		kinds = defaultKinds
	}
	registry := worker.NewRegistry()
	for _, kind := range kinds {
		registry.Register(kind, worker.EchoImporter{Delay: echoDelay})
	}

	opts := worker.Options{
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.WorkerPollInterval,
		Logger:       logger,
	}
	if cfg.RealtimeDriver == infra.RealtimeDriverRedis {
		rdb, err := infra.NewRedisClient(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("worker: redis connection failed")
		}
		bus := realtime.NewRedisBus(rdb, cfg.RealtimeChannel, logger)
		defer bus.Close()
		opts.Notifier = bus
	}

	if err := worker.New(jobs, registry, opts).Run(ctx); err != nil {
		logger.Error().Err(err).Msg("worker: stopped with error")
		return
	}
	logger.Info().Msg("worker: stopped")
}
