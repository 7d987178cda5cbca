package tracker

import (
	"context"

	"github.com/rs/zerolog"

	"tradepost/internal/domain"
)

// session is the single live subscription a tracker owns. gen increases on
// every replacement so late deliveries from a torn-down subscription can be
// recognised and dropped.
type session struct {
	gen    uint64
	sub    domain.Subscription
	cancel context.CancelFunc
}

// detach clears the session and returns a func releasing the old
// subscription. Callers hold the tracker lock and run the func after unlocking.
func (s *session) detach() func() {
	s.gen++
	sub, cancel := s.sub, s.cancel
	s.sub, s.cancel = nil, nil
	return func() {
		if sub != nil {
			_ = sub.Close()
		}
		if cancel != nil {
			cancel()
		}
	}
}

// subscribe opens a subscription whose lifetime is bound to the tracker, not
// to the caller's request context.
func subscribe(ctx context.Context, feed domain.ChangeFeed, filter domain.Filter) (domain.Subscription, context.CancelFunc, error) {
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub, err := feed.Subscribe(subCtx, filter)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return sub, cancel, nil
}

// acceptUpdate decides whether rec may overwrite cur. Delivery is last-write-wins
// by arrival, except that a terminal status is never moved back.
func acceptUpdate(logger zerolog.Logger, cur domain.JobState, rec domain.JobRecord) bool {
	if !rec.Status.Valid() {
		logger.Warn().Str("job_id", rec.ID).Str("status", string(rec.Status)).Msg("tracker: ignoring update with unknown status")
		return false
	}
	if cur.Status.IsTerminal() && rec.Status != cur.Status {
		logger.Warn().
			Str("job_id", rec.ID).
			Str("current", string(cur.Status)).
			Str("incoming", string(rec.Status)).
			Msg("tracker: ignoring update after terminal status")
		return false
	}
	return true
}

// offer performs a non-blocking send, evicting the oldest queued value when
// the channel is full.
func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
