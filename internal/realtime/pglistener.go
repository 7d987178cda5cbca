package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"tradepost/internal/domain"
)

const defaultRetryDelay = 2 * time.Second

// Publisher accepts decoded row changes. *Hub implements it.
type Publisher interface {
	Publish(rec domain.JobRecord)
}

// PGListener relays NOTIFY payloads emitted by the job_logs trigger into a
// Publisher. It holds one dedicated connection and reconnects after errors.
type PGListener struct {
	pool    *pgxpool.Pool
	channel string
	out     Publisher
	logger  zerolog.Logger
	retry   time.Duration
}

func NewPGListener(pool *pgxpool.Pool, channel string, out Publisher, logger zerolog.Logger) *PGListener {
	return &PGListener{
		pool:    pool,
		channel: channel,
		out:     out,
		logger:  logger.With().Str("component", "pg_listener").Str("channel", channel).Logger(),
		retry:   defaultRetryDelay,
	}
}

// Run listens until ctx is cancelled.
func (l *PGListener) Run(ctx context.Context) error {
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Warn().Err(err).Dur("retry_in", l.retry).Msg("realtime: listener disconnected")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retry):
		}
	}
}

func (l *PGListener) listen(ctx context.Context) error {
	pooled, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}
	// A connection in LISTEN state must not go back to the pool.
	conn := pooled.Hijack()
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "listen "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	l.logger.Info().Msg("realtime: listening")

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		rec, err := DecodeRecord([]byte(n.Payload))
		if err != nil {
			l.logger.Warn().Err(err).Msg("realtime: bad notification payload")
			continue
		}
		l.out.Publish(rec)
	}
}

var errEmptyPayload = errors.New("empty payload")

// DecodeRecord parses a JSON row as produced by row_to_json on job_logs.
func DecodeRecord(raw []byte) (domain.JobRecord, error) {
	if len(raw) == 0 {
		return domain.JobRecord{}, errEmptyPayload
	}
	var rec domain.JobRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.JobRecord{}, fmt.Errorf("decode job row: %w", err)
	}
	if rec.ID == "" {
		return domain.JobRecord{}, errors.New("decode job row: missing id")
	}
	if rec.Stats == nil {
		rec.Stats = map[string]float64{}
	}
	return rec, nil
}
