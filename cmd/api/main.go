package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"tradepost/internal/adapter/repo"
	"tradepost/internal/http/handlers"
	httpapi "tradepost/internal/http/httpapi"
	"tradepost/internal/infra"
	"tradepost/internal/realtime"
	"tradepost/internal/tracker"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: db connection failed")
	}
	defer pool.Close()

	runner := infra.NewSQLRunner(pool, logger)
	jobs := repo.NewJobRepository(runner)
	hub := realtime.NewHub(logger, cfg.TrackerEventBuffer)

	g, gctx := errgroup.WithContext(ctx)

	closeFeed, err := realtime.StartFeed(gctx, g, cfg, pool, hub, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: realtime feed failed")
	}
	defer func() {
		if err := closeFeed(); err != nil {
			logger.Warn().Err(err).Msg("api: closing realtime feed")
		}
	}()

	app := handlers.NewApp(jobs, jobs, hub, logger, tracker.WithEventBuffer(cfg.TrackerEventBuffer))
	app.Ping = pool.Ping

	router := httpapi.NewRouter(app, httpapi.Options{
		Logger:             logger,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		SubmitRateLimit:    cfg.SubmitRateLimit,
	})

	server := infra.NewHTTPServer(cfg, router)
	server.SetBaseContext(gctx)

	g.Go(func() error {
		logger.Info().Str("addr", server.Addr()).Str("realtime", cfg.RealtimeDriver).Msg("api: listening")
		return server.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("api: stopped with error")
		return
	}
	logger.Info().Msg("api: stopped")
}
