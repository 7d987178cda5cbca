package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tradepost/internal/domain"
)

const defaultPollInterval = 2 * time.Second

// Notifier announces a status change on a side channel.
type Notifier interface {
	Publish(ctx context.Context, rec domain.JobRecord) error
}

type Options struct {
	Concurrency  int
	PollInterval time.Duration
	// Kinds restricts claiming. Empty means the registry's kinds.
	Kinds    []string
	Logger   zerolog.Logger
	Notifier Notifier
}

// Worker claims runnable jobs and advances them to a terminal status.
type Worker struct {
	repo     domain.WorkerRepository
	registry *Registry
	opts     Options
}

func New(repo domain.WorkerRepository, registry *Registry, opts Options) *Worker {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	return &Worker{repo: repo, registry: registry, opts: opts}
}

// Run starts the claim loops and blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.opts.Logger.Info().
		Int("concurrency", w.opts.Concurrency).
		Strs("kinds", w.kinds()).
		Msg("worker: started")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.opts.Concurrency; i++ {
		slot := i
		g.Go(func() error {
			return w.loop(gctx, slot)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) loop(ctx context.Context, slot int) error {
	logger := w.opts.Logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		handled, err := w.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error().Err(err).Msg("worker: failed to claim job")
		}
		if handled {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.opts.PollInterval):
		}
	}
}

// RunOnce fails jobs blocked by a failed dependency, then claims and handles
// at most one runnable job. It reports whether a job was handled.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	blocked, err := w.repo.FailBlocked(ctx)
	if err != nil {
		return false, fmt.Errorf("fail blocked jobs: %w", err)
	}
	for _, rec := range blocked {
		w.opts.Logger.Info().Str("job_id", rec.ID).Msg("worker: job blocked by failed dependency")
		w.notify(ctx, rec)
	}

	job, err := w.repo.ClaimNextRunnable(ctx, w.kinds())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	w.notify(ctx, *job)
	w.handle(ctx, *job)
	return true, nil
}

func (w *Worker) handle(ctx context.Context, job domain.JobRecord) {
	logger := w.opts.Logger.With().Str("job_id", job.ID).Str("kind", job.Kind).Logger()
	logger.Info().Msg("worker: picked job")

	status := domain.JobStatusCompleted
	var errMsg *string
	stats, err := w.dispatch(ctx, job)
	if err != nil {
		logger.Error().Err(err).Msg("worker: job failed")
		status = domain.JobStatusFailed
		msg := err.Error()
		errMsg = &msg
		stats = nil
	}

	// Record the outcome even when shutdown interrupted the import.
	rec, err := w.repo.UpdateStatus(context.WithoutCancel(ctx), job.ID, status, stats, errMsg)
	if err != nil {
		logger.Error().Err(err).Msg("worker: update status failed")
		return
	}
	w.notify(ctx, *rec)
}

func (w *Worker) dispatch(ctx context.Context, job domain.JobRecord) (map[string]float64, error) {
	imp, ok := w.registry.Lookup(job.Kind)
	if !ok {
		return nil, fmt.Errorf("unsupported job kind %q", job.Kind)
	}
	stats, err := imp.Import(ctx, job)
	if err != nil {
		return nil, err
	}
	if stats == nil {
		stats = map[string]float64{}
	}
	return stats, nil
}

func (w *Worker) notify(ctx context.Context, rec domain.JobRecord) {
	if w.opts.Notifier == nil {
		return
	}
	if err := w.opts.Notifier.Publish(context.WithoutCancel(ctx), rec); err != nil {
		w.opts.Logger.Warn().Err(err).Str("job_id", rec.ID).Msg("worker: notify failed")
	}
}

func (w *Worker) kinds() []string {
	if len(w.opts.Kinds) > 0 {
		return w.opts.Kinds
	}
	return w.registry.Kinds()
}
