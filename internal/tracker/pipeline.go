package tracker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"tradepost/internal/domain"
)

// PipelineResult identifies the records created for one submission.
type PipelineResult struct {
	BatchID string   `json:"batch_id"`
	JobIDs  []string `json:"job_ids"`
}

// PipelineTracker submits a batch of dependent jobs and follows the batch as a
// whole. Like JobTracker it owns at most one subscription.
type PipelineTracker struct {
	repo domain.JobRepository
	feed domain.ChangeFeed
	opts options

	mu      sync.Mutex
	sess    session
	batchID string
	order   []string
	jobs    map[string]domain.JobState
	events  chan domain.PipelineState
}

func NewPipelineTracker(repo domain.JobRepository, feed domain.ChangeFeed, opts ...Option) *PipelineTracker {
	o := buildOptions(opts)
	return &PipelineTracker{
		repo:   repo,
		feed:   feed,
		opts:   o,
		jobs:   make(map[string]domain.JobState),
		events: make(chan domain.PipelineState, o.buffer),
	}
}

// CreatePipeline inserts one record per step, in order, resolving positional
// dependencies to the ids of already created steps. Inserts are sequential
// because each step needs its predecessors' ids.
//
// Any previous subscription is torn down before the steps are checked. The
// submission is not atomic. When it aborts after some records were
// persisted the error is a *domain.PartialBatchError wrapping the cause
// (*domain.DependencyIndexError or *domain.JobCreationError); nothing is
// rolled back.
func (t *PipelineTracker) CreatePipeline(ctx context.Context, ownerID string, steps []domain.Step) (PipelineResult, error) {
	t.Dispose()

	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return PipelineResult{}, &domain.JobCreationError{Err: fmt.Errorf("%w: owner_id is required", domain.ErrInvalidJob)}
	}

	batchID := t.opts.newBatchID()
	logger := t.opts.logger.With().Str("batch_id", batchID).Logger()

	created := make([]string, 0, len(steps))
	for i, step := range steps {
		deps := make([]string, 0, len(step.DependsOn))
		for _, j := range step.DependsOn {
			if j < 0 || j >= len(created) {
				err := &domain.DependencyIndexError{Step: i, Index: j, Created: len(created)}
				logger.Warn().Err(err).Msg("tracker: pipeline rejected")
				return PipelineResult{}, abortBatch(batchID, created, err)
			}
			deps = append(deps, created[j])
		}

		job := domain.NewJob{
			OwnerID:   ownerID,
			Kind:      step.Kind,
			Label:     step.Label,
			Payload:   step.Payload,
			DependsOn: deps,
			BatchID:   &batchID,
		}
		job.Normalize()
		if err := job.Validate(); err != nil {
			return PipelineResult{}, abortBatch(batchID, created, &domain.JobCreationError{Kind: job.Kind, Label: job.Label, Err: err})
		}
		rec, err := t.repo.Insert(ctx, job)
		if err != nil {
			logger.Error().Err(err).Int("step", i).Str("kind", job.Kind).Msg("tracker: pipeline step insert failed")
			return PipelineResult{}, abortBatch(batchID, created, &domain.JobCreationError{Kind: job.Kind, Label: job.Label, Err: err})
		}
		created = append(created, rec.ID)
	}
	logger.Info().Int("jobs", len(created)).Msg("tracker: pipeline created")

	result := PipelineResult{BatchID: batchID, JobIDs: append([]string(nil), created...)}
	states := make([]domain.JobState, len(created))
	for i, id := range created {
		states[i] = domain.JobState{ID: id, Status: domain.JobStatusPending, Stats: map[string]float64{}}
	}
	t.seed(batchID, states)
	gen, sub, err := t.attach(ctx, batchID)
	if err != nil {
		return result, err
	}
	go t.pump(gen, sub)
	return result, nil
}

// Watch attaches the tracker to an existing batch. The subscription is opened
// before the members are read so transitions landing in between are applied.
func (t *PipelineTracker) Watch(ctx context.Context, batchID string) error {
	t.Dispose()

	gen, sub, err := t.attach(ctx, batchID)
	if err != nil {
		return err
	}
	recs, err := t.repo.ListByBatch(ctx, batchID)
	if err != nil {
		t.Dispose()
		return fmt.Errorf("load pipeline %s: %w", batchID, err)
	}
	states := make([]domain.JobState, len(recs))
	for i, rec := range recs {
		states[i] = rec.State()
	}
	t.seed(batchID, states)
	go t.pump(gen, sub)
	return nil
}

func (t *PipelineTracker) seed(batchID string, states []domain.JobState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.batchID = batchID
	t.order = make([]string, len(states))
	t.jobs = make(map[string]domain.JobState, len(states))
	for i, st := range states {
		t.order[i] = st.ID
		t.jobs[st.ID] = st
	}
	offer(t.events, t.snapshotLocked())
}

// attach opens the batch subscription and installs it as the live session.
// Updates queue on the subscription until the caller starts pump.
func (t *PipelineTracker) attach(ctx context.Context, batchID string) (uint64, domain.Subscription, error) {
	sub, cancel, err := subscribe(ctx, t.feed, domain.ByBatch(batchID))
	if err != nil {
		t.opts.logger.Error().Err(err).Str("batch_id", batchID).Msg("tracker: subscribe failed")
		return 0, nil, fmt.Errorf("subscribe to pipeline %s: %w", batchID, err)
	}

	t.mu.Lock()
	release := t.sess.detach()
	t.sess.sub, t.sess.cancel = sub, cancel
	gen := t.sess.gen
	t.mu.Unlock()
	release()
	return gen, sub, nil
}

func (t *PipelineTracker) pump(gen uint64, sub domain.Subscription) {
	for rec := range sub.Updates() {
		t.apply(gen, rec)
	}
}

func (t *PipelineTracker) apply(gen uint64, rec domain.JobRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if gen != t.sess.gen {
		return
	}
	cur, ok := t.jobs[rec.ID]
	if !ok {
		return
	}
	if !acceptUpdate(t.opts.logger, cur, rec) {
		return
	}
	t.jobs[rec.ID] = rec.State()
	t.opts.logger.Debug().
		Str("batch_id", t.batchID).
		Str("job_id", rec.ID).
		Str("status", string(rec.Status)).
		Msg("tracker: pipeline job updated")
	offer(t.events, t.snapshotLocked())
}

// Observe returns the member states with the aggregate status derived now.
func (t *PipelineTracker) Observe() domain.PipelineState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Job returns the state of one member.
func (t *PipelineTracker) Job(id string) (domain.JobState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.jobs[id]
	if !ok {
		return domain.JobState{}, false
	}
	return st.Clone(), true
}

// Events streams pipeline snapshots with the same drop-oldest policy as
// JobTracker.Events.
func (t *PipelineTracker) Events() <-chan domain.PipelineState {
	return t.events
}

// Dispose tears down the active subscription. Jobs keep running server side.
func (t *PipelineTracker) Dispose() {
	t.mu.Lock()
	release := t.sess.detach()
	t.mu.Unlock()
	release()
}

func (t *PipelineTracker) snapshotLocked() domain.PipelineState {
	jobs := make([]domain.JobState, 0, len(t.order))
	for _, id := range t.order {
		jobs = append(jobs, t.jobs[id].Clone())
	}
	return domain.NewPipelineState(t.batchID, jobs)
}

func abortBatch(batchID string, created []string, err error) error {
	if len(created) == 0 {
		return err
	}
	return &domain.PartialBatchError{BatchID: batchID, Created: append([]string(nil), created...), Err: err}
}
