package tracker

import (
	"context"
	"fmt"
	"sync"

	"tradepost/internal/domain"
)

// JobTracker follows a single job record from creation to a terminal status.
// It owns at most one subscription at a time; callers must Dispose it when
// done.
type JobTracker struct {
	repo domain.JobRepository
	feed domain.ChangeFeed
	opts options

	mu     sync.Mutex
	sess   session
	state  domain.JobState
	events chan domain.JobState
}

func NewJobTracker(repo domain.JobRepository, feed domain.ChangeFeed, opts ...Option) *JobTracker {
	o := buildOptions(opts)
	return &JobTracker{
		repo:   repo,
		feed:   feed,
		opts:   o,
		events: make(chan domain.JobState, o.buffer),
	}
}

// Create inserts a pending job and starts following it. Any subscription left
// from a previous call is torn down first, even when the job is rejected.
// Insert failures are returned as *domain.JobCreationError. If the insert
// succeeds but subscribing fails, the id is returned together with the error
// and the state mirrors the insert.
func (t *JobTracker) Create(ctx context.Context, job domain.NewJob) (string, error) {
	t.Dispose()

	job.Normalize()
	if err := job.Validate(); err != nil {
		return "", &domain.JobCreationError{Kind: job.Kind, Label: job.Label, Err: err}
	}

	rec, err := t.repo.Insert(ctx, job)
	if err != nil {
		t.opts.logger.Error().Err(err).Str("kind", job.Kind).Str("label", job.Label).Msg("tracker: job insert failed")
		return "", &domain.JobCreationError{Kind: job.Kind, Label: job.Label, Err: err}
	}
	t.opts.logger.Info().Str("job_id", rec.ID).Str("kind", rec.Kind).Msg("tracker: job created")

	t.seed(*rec)
	gen, sub, err := t.attach(ctx, rec.ID)
	if err != nil {
		return rec.ID, err
	}
	go t.pump(gen, sub)
	return rec.ID, nil
}

// Watch attaches the tracker to an existing job. The subscription is opened
// before the row is read so a transition landing in between is still applied.
func (t *JobTracker) Watch(ctx context.Context, jobID string) error {
	t.Dispose()

	gen, sub, err := t.attach(ctx, jobID)
	if err != nil {
		return err
	}
	rec, err := t.repo.Get(ctx, jobID)
	if err != nil {
		t.Dispose()
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	t.seed(*rec)
	go t.pump(gen, sub)
	return nil
}

func (t *JobTracker) seed(rec domain.JobRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = rec.State()
	offer(t.events, t.snapshotLocked())
}

// attach opens the subscription for jobID and installs it as the live session.
// Updates queue on the subscription until the caller starts pump.
func (t *JobTracker) attach(ctx context.Context, jobID string) (uint64, domain.Subscription, error) {
	sub, cancel, err := subscribe(ctx, t.feed, domain.ByID(jobID))
	if err != nil {
		t.opts.logger.Error().Err(err).Str("job_id", jobID).Msg("tracker: subscribe failed")
		return 0, nil, fmt.Errorf("subscribe to job %s: %w", jobID, err)
	}

	t.mu.Lock()
	release := t.sess.detach()
	t.sess.sub, t.sess.cancel = sub, cancel
	gen := t.sess.gen
	t.mu.Unlock()
	release()
	return gen, sub, nil
}

func (t *JobTracker) pump(gen uint64, sub domain.Subscription) {
	for rec := range sub.Updates() {
		t.apply(gen, rec)
	}
}

func (t *JobTracker) apply(gen uint64, rec domain.JobRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if gen != t.sess.gen || rec.ID != t.state.ID {
		return
	}
	if !acceptUpdate(t.opts.logger, t.state, rec) {
		return
	}
	t.state = rec.State()
	t.opts.logger.Debug().Str("job_id", rec.ID).Str("status", string(rec.Status)).Msg("tracker: job updated")
	offer(t.events, t.snapshotLocked())
}

// Observe returns the latest known state of the tracked job.
func (t *JobTracker) Observe() domain.JobState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Events streams state snapshots. Slow readers lose the oldest snapshots;
// Observe always reflects the latest one. The channel stays open for the
// tracker's lifetime.
func (t *JobTracker) Events() <-chan domain.JobState {
	return t.events
}

// Dispose tears down the active subscription. It does not cancel the job.
func (t *JobTracker) Dispose() {
	t.mu.Lock()
	release := t.sess.detach()
	t.mu.Unlock()
	release()
}

func (t *JobTracker) snapshotLocked() domain.JobState {
	return t.state.Clone()
}
