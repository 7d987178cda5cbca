package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tradepost/internal/domain"
)

// DefaultBuffer is the outbound capacity of each subscription.
const DefaultBuffer = 32

var ErrEmptyFilter = errors.New("realtime: filter must select a job id or batch id")

// Hub fans job row changes out to filtered subscriptions. Sources such as
// PGListener and RedisBus feed it through Publish.
type Hub struct {
	mu     sync.RWMutex
	logger zerolog.Logger
	buffer int
	subs   map[string]*subscription
}

func NewHub(logger zerolog.Logger, buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		logger: logger.With().Str("component", "realtime_hub").Logger(),
		buffer: buffer,
		subs:   make(map[string]*subscription),
	}
}

// Subscribe registers a subscription that lives until Close is called or ctx
// is cancelled.
func (h *Hub) Subscribe(ctx context.Context, filter domain.Filter) (domain.Subscription, error) {
	if filter.JobID == "" && filter.BatchID == "" {
		return nil, ErrEmptyFilter
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &subscription{
		id:     uuid.NewString(),
		filter: filter,
		hub:    h,
		out:    make(chan domain.JobRecord, h.buffer),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	h.subs[sub.id] = sub
	h.mu.Unlock()
	h.logger.Debug().Str("subscription_id", sub.id).Str("filter", filter.String()).Msg("realtime: subscribed")

	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Publish delivers rec to every matching subscription without blocking.
func (h *Hub) Publish(rec domain.JobRecord) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.filter.Matches(rec) {
			continue
		}
		select {
		case sub.out <- rec:
		default:
			h.logger.Warn().
				Str("subscription_id", sub.id).
				Str("job_id", rec.ID).
				Msg("realtime: dropping update; outbound buffer full")
		}
	}
}

// Len returns the number of open subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) remove(sub *subscription) {
	h.mu.Lock()
	delete(h.subs, sub.id)
	close(sub.out)
	h.mu.Unlock()
	h.logger.Debug().Str("subscription_id", sub.id).Msg("realtime: unsubscribed")
}

type subscription struct {
	id     string
	filter domain.Filter
	hub    *Hub
	out    chan domain.JobRecord
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) Updates() <-chan domain.JobRecord { return s.out }

func (s *subscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.hub.remove(s)
	})
	return nil
}

var _ domain.ChangeFeed = (*Hub)(nil)
