package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tradepost/internal/domain"
)

// RedisBus carries job row changes over Redis pub/sub for deployments where
// workers do not write through the Postgres trigger path.
type RedisBus struct {
	rdb     *goredis.Client
	channel string
	logger  zerolog.Logger
}

func NewRedisBus(rdb *goredis.Client, channel string, logger zerolog.Logger) *RedisBus {
	return &RedisBus{
		rdb:     rdb,
		channel: channel,
		logger:  logger.With().Str("component", "redis_bus").Str("channel", channel).Logger(),
	}
}

// Publish announces the new state of a row. The payload is omitted.
func (b *RedisBus) Publish(ctx context.Context, rec domain.JobRecord) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("redis bus not initialized")
	}
	rec.Payload = nil
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

// StartForwarder subscribes to the channel and relays decoded rows to out
// until ctx is cancelled.
func (b *RedisBus) StartForwarder(ctx context.Context, out Publisher) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("redis bus not initialized")
	}
	if out == nil {
		return fmt.Errorf("publisher required")
	}

	sub := b.rdb.Subscribe(ctx, b.channel)

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				rec, err := DecodeRecord([]byte(m.Payload))
				if err != nil {
					b.logger.Warn().Err(err).Msg("realtime: bad redis payload")
					continue
				}
				out.Publish(rec)
			}
		}
	}()

	return nil
}

func (b *RedisBus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}
