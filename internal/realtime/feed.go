package realtime

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tradepost/internal/infra"
)

// StartFeed connects the configured change source to hub. Long-running parts
// join g; the returned func releases whatever StartFeed opened.
func StartFeed(ctx context.Context, g *errgroup.Group, cfg *infra.Config, pool *pgxpool.Pool, hub *Hub, logger zerolog.Logger) (func() error, error) {
	switch cfg.RealtimeDriver {
	case infra.RealtimeDriverRedis:
		rdb, err := infra.NewRedisClient(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		bus := NewRedisBus(rdb, cfg.RealtimeChannel, logger)
		if err := bus.StartForwarder(ctx, hub); err != nil {
			_ = bus.Close()
			return nil, err
		}
		logger.Info().Str("driver", cfg.RealtimeDriver).Msg("realtime: feed started")
		return bus.Close, nil
	case infra.RealtimeDriverPostgres:
		listener := NewPGListener(pool, cfg.RealtimeChannel, hub, logger)
		g.Go(func() error { return listener.Run(ctx) })
		logger.Info().Str("driver", cfg.RealtimeDriver).Msg("realtime: feed started")
		return func() error { return nil }, nil
	default:
		return nil, fmt.Errorf("unsupported realtime driver %q", cfg.RealtimeDriver)
	}
}
