package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradepost/internal/domain"
)

func fixedBatchID(id string) Option {
	return WithBatchIDGenerator(func() string { return id })
}

func TestPipelineTrackerTwoSteps(t *testing.T) {
	repo := newMemRepo()
	hub := newTestHub()
	tr := NewPipelineTracker(repo, hub, fixedBatchID("batch-1"))
	defer tr.Dispose()

	res, err := tr.CreatePipeline(context.Background(), "u1", []domain.Step{
		{Kind: "accounts", Label: "@a"},
		{Kind: "collectr", Label: "c", DependsOn: []int{0}},
	})
	if err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	if res.BatchID != "batch-1" {
		t.Fatalf("batch id = %q", res.BatchID)
	}
	if len(res.JobIDs) != 2 {
		t.Fatalf("job ids = %#v", res.JobIDs)
	}
	a, b := res.JobIDs[0], res.JobIDs[1]

	deps := repo.record(b).DependsOn
	if len(deps) != 1 || deps[0] != a {
		t.Fatalf("second step depends_on = %#v, want [%s]", deps, a)
	}
	if got := repo.record(a).BatchID; got == nil || *got != "batch-1" {
		t.Fatalf("first step batch id = %v", got)
	}

	if st := tr.Observe(); st.Status != domain.PipelineStatusRunning {
		t.Fatalf("status after create = %q, want running", st.Status)
	}

	repo.push(hub, a, domain.JobStatusCompleted, nil, nil)
	eventually(t, func() bool {
		st, _ := tr.Job(a)
		return st.Status == domain.JobStatusCompleted
	}, "first step completed")
	if st := tr.Observe(); st.Status != domain.PipelineStatusRunning {
		t.Fatalf("status with one step done = %q, want running", st.Status)
	}

	repo.push(hub, b, domain.JobStatusCompleted, nil, nil)
	eventually(t, func() bool { return tr.Observe().Status == domain.PipelineStatusCompleted }, "pipeline completed")

	st := tr.Observe()
	if st.BatchID != "batch-1" || len(st.Jobs) != 2 || st.Jobs[0].ID != a || st.Jobs[1].ID != b {
		t.Fatalf("unexpected pipeline state %#v", st)
	}
}

func TestPipelineTrackerResolvesDependencies(t *testing.T) {
	cases := []struct {
		name  string
		steps []domain.Step
		// want lists, per step, the indexes of the created jobs it must depend on.
		want [][]int
	}{
		{
			name: "chain",
			steps: []domain.Step{
				{Kind: "accounts", Label: "@a"},
				{Kind: "collectr", Label: "c", DependsOn: []int{0}},
			},
			want: [][]int{{}, {0}},
		},
		{
			name: "fan in keeps order",
			steps: []domain.Step{
				{Kind: "accounts", Label: "@a"},
				{Kind: "accounts", Label: "@b", DependsOn: []int{0}},
				{Kind: "collectr", Label: "c", DependsOn: []int{0, 1}},
			},
			want: [][]int{{}, {0}, {0, 1}},
		},
		{
			name: "reversed indexes",
			steps: []domain.Step{
				{Kind: "accounts", Label: "@a"},
				{Kind: "accounts", Label: "@b"},
				{Kind: "collectr", Label: "c", DependsOn: []int{1, 0}},
			},
			want: [][]int{{}, {}, {1, 0}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := newMemRepo()
			tr := NewPipelineTracker(repo, newTestHub(), fixedBatchID("batch-1"))
			defer tr.Dispose()

			res, err := tr.CreatePipeline(context.Background(), "u1", tc.steps)
			if err != nil {
				t.Fatalf("CreatePipeline: %v", err)
			}
			if len(res.JobIDs) != len(tc.steps) {
				t.Fatalf("job ids = %#v", res.JobIDs)
			}
			for i, id := range res.JobIDs {
				rec := repo.record(id)
				if rec.BatchID == nil || *rec.BatchID != "batch-1" {
					t.Fatalf("step %d batch id = %v, want batch-1", i, rec.BatchID)
				}
				if len(rec.DependsOn) != len(tc.want[i]) {
					t.Fatalf("step %d depends_on = %#v, want %d entries", i, rec.DependsOn, len(tc.want[i]))
				}
				for k, idx := range tc.want[i] {
					if rec.DependsOn[k] != res.JobIDs[idx] {
						t.Fatalf("step %d depends_on = %#v, entry %d want %s", i, rec.DependsOn, k, res.JobIDs[idx])
					}
				}
			}
		})
	}
}

func TestPipelineTrackerFailurePrecedence(t *testing.T) {
	repo := newMemRepo()
	hub := newTestHub()
	tr := NewPipelineTracker(repo, hub, fixedBatchID("batch-1"))
	defer tr.Dispose()

	res, err := tr.CreatePipeline(context.Background(), "u1", []domain.Step{
		{Kind: "accounts", Label: "@a"},
		{Kind: "accounts", Label: "@b"},
	})
	if err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}

	repo.push(hub, res.JobIDs[0], domain.JobStatusFailed, nil, strPtr("boom"))
	eventually(t, func() bool { return tr.Observe().Status == domain.PipelineStatusFailed }, "pipeline failed")

	st := tr.Observe()
	if len(st.Failed()) != 1 || st.Failed()[0].ID != res.JobIDs[0] {
		t.Fatalf("failed members = %#v", st.Failed())
	}
}

func TestPipelineTrackerIgnoresForeignJobs(t *testing.T) {
	repo := newMemRepo()
	hub := newTestHub()
	tr := NewPipelineTracker(repo, hub, fixedBatchID("batch-1"))
	defer tr.Dispose()

	res, err := tr.CreatePipeline(context.Background(), "u1", []domain.Step{{Kind: "accounts", Label: "@a"}})
	if err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}

	hub.Publish(domain.JobRecord{ID: "stranger", Status: domain.JobStatusFailed, BatchID: strPtr("batch-1")})
	repo.push(hub, res.JobIDs[0], domain.JobStatusRunning, nil, nil)
	eventually(t, func() bool {
		st, _ := tr.Job(res.JobIDs[0])
		return st.Status == domain.JobStatusRunning
	}, "member running")

	st := tr.Observe()
	if len(st.Jobs) != 1 || st.Status != domain.PipelineStatusRunning {
		t.Fatalf("unexpected pipeline state %#v", st)
	}
	if _, ok := tr.Job("stranger"); ok {
		t.Fatal("foreign job was added to the pipeline")
	}
}

func TestPipelineTrackerDependencyIndex(t *testing.T) {
	cases := []struct {
		name     string
		steps    []domain.Step
		inserted int
		partial  bool
	}{
		{
			name:     "self reference",
			steps:    []domain.Step{{Kind: "accounts", DependsOn: []int{0}}},
			inserted: 0,
		},
		{
			name: "forward reference",
			steps: []domain.Step{
				{Kind: "accounts", Label: "@a"},
				{Kind: "collectr", DependsOn: []int{1}},
			},
			inserted: 1,
			partial:  true,
		},
		{
			name: "negative index",
			steps: []domain.Step{
				{Kind: "accounts", Label: "@a"},
				{Kind: "collectr", DependsOn: []int{-1}},
			},
			inserted: 1,
			partial:  true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := newMemRepo()
			hub := newTestHub()
			tr := NewPipelineTracker(repo, hub, fixedBatchID("batch-1"))
			defer tr.Dispose()

			_, err := tr.CreatePipeline(context.Background(), "u1", tc.steps)
			var depErr *domain.DependencyIndexError
			if !errors.As(err, &depErr) {
				t.Fatalf("CreatePipeline() error = %v, want DependencyIndexError", err)
			}
			if depErr.Step != len(tc.steps)-1 {
				t.Fatalf("offending step = %d, want %d", depErr.Step, len(tc.steps)-1)
			}

			var partial *domain.PartialBatchError
			if got := errors.As(err, &partial); got != tc.partial {
				t.Fatalf("PartialBatchError = %v, want %v", got, tc.partial)
			}
			if tc.partial && (partial.BatchID != "batch-1" || len(partial.Created) != tc.inserted) {
				t.Fatalf("partial batch = %#v", partial)
			}
			if repo.count() != tc.inserted {
				t.Fatalf("repo has %d records, want %d", repo.count(), tc.inserted)
			}
			if hub.Len() != 0 {
				t.Fatalf("hub has %d subscriptions, want 0", hub.Len())
			}
		})
	}
}

func TestPipelineTrackerInsertFailurePartway(t *testing.T) {
	repo := newMemRepo()
	repo.failOn = 2
	repo.insertErr = errors.New("unique violation")
	hub := newTestHub()
	tr := NewPipelineTracker(repo, hub, fixedBatchID("batch-1"))

	_, err := tr.CreatePipeline(context.Background(), "u1", []domain.Step{
		{Kind: "accounts", Label: "@a"},
		{Kind: "collectr", Label: "c", DependsOn: []int{0}},
	})
	var partial *domain.PartialBatchError
	if !errors.As(err, &partial) {
		t.Fatalf("CreatePipeline() error = %v, want PartialBatchError", err)
	}
	if len(partial.Created) != 1 || partial.Created[0] != "job-1" {
		t.Fatalf("created = %#v", partial.Created)
	}
	var ce *domain.JobCreationError
	if !errors.As(err, &ce) || ce.Kind != "collectr" {
		t.Fatalf("cause = %v, want JobCreationError for collectr", err)
	}
	if !errors.Is(err, repo.insertErr) {
		t.Fatalf("error does not wrap the insert failure: %v", err)
	}
	if hub.Len() != 0 {
		t.Fatalf("hub has %d subscriptions, want 0", hub.Len())
	}
}

func TestPipelineTrackerRequiresOwner(t *testing.T) {
	repo := newMemRepo()
	tr := NewPipelineTracker(repo, newTestHub())

	_, err := tr.CreatePipeline(context.Background(), " ", []domain.Step{{Kind: "accounts"}})
	if !errors.Is(err, domain.ErrInvalidJob) {
		t.Fatalf("CreatePipeline() error = %v, want ErrInvalidJob", err)
	}
	if repo.count() != 0 {
		t.Fatalf("repo has %d records, want 0", repo.count())
	}
}

func TestPipelineTrackerIdleBeforeCreate(t *testing.T) {
	tr := NewPipelineTracker(newMemRepo(), newTestHub())
	if st := tr.Observe(); st.Status != domain.PipelineStatusIdle || len(st.Jobs) != 0 {
		t.Fatalf("fresh tracker state = %#v", st)
	}
}

func TestPipelineTrackerReplacesSubscription(t *testing.T) {
	repo := newMemRepo()
	hub := newTestHub()
	ids := []string{"batch-1", "batch-2"}
	n := 0
	tr := NewPipelineTracker(repo, hub, WithBatchIDGenerator(func() string {
		id := ids[n]
		n++
		return id
	}))
	defer tr.Dispose()
	ctx := context.Background()

	first, err := tr.CreatePipeline(ctx, "u1", []domain.Step{{Kind: "accounts", Label: "@a"}})
	if err != nil {
		t.Fatalf("first CreatePipeline: %v", err)
	}
	second, err := tr.CreatePipeline(ctx, "u1", []domain.Step{{Kind: "accounts", Label: "@b"}})
	if err != nil {
		t.Fatalf("second CreatePipeline: %v", err)
	}
	if hub.Len() != 1 {
		t.Fatalf("hub has %d subscriptions, want 1", hub.Len())
	}

	repo.push(hub, first.JobIDs[0], domain.JobStatusFailed, nil, strPtr("stale"))
	repo.push(hub, second.JobIDs[0], domain.JobStatusCompleted, nil, nil)
	eventually(t, func() bool { return tr.Observe().Status == domain.PipelineStatusCompleted }, "second pipeline completed")

	if st := tr.Observe(); st.BatchID != "batch-2" {
		t.Fatalf("tracked batch = %q, want batch-2", st.BatchID)
	}
}

func TestPipelineTrackerWatch(t *testing.T) {
	repo := newMemRepo()
	hub := newTestHub()
	batch := "batch-9"
	ctx := context.Background()
	a, _ := repo.Insert(ctx, domain.NewJob{OwnerID: "u1", Kind: "accounts", BatchID: &batch})
	b, _ := repo.Insert(ctx, domain.NewJob{OwnerID: "u1", Kind: "collectr", BatchID: &batch, DependsOn: []string{a.ID}})
	repo.push(hub, a.ID, domain.JobStatusCompleted, nil, nil)

	tr := NewPipelineTracker(repo, hub)
	defer tr.Dispose()
	if err := tr.Watch(ctx, batch); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if st := tr.Observe(); st.Status != domain.PipelineStatusRunning || len(st.Jobs) != 2 {
		t.Fatalf("watched state = %#v", st)
	}

	repo.push(hub, b.ID, domain.JobStatusCompleted, nil, nil)
	eventually(t, func() bool { return tr.Observe().Status == domain.PipelineStatusCompleted }, "completed")
}

func TestPipelineTrackerWatchCatchesTransitionDuringLoad(t *testing.T) {
	repo := newMemRepo()
	hub := newTestHub()
	batch := "batch-9"
	ctx := context.Background()
	a, _ := repo.Insert(ctx, domain.NewJob{OwnerID: "u1", Kind: "accounts", BatchID: &batch})
	b, _ := repo.Insert(ctx, domain.NewJob{OwnerID: "u1", Kind: "collectr", BatchID: &batch, DependsOn: []string{a.ID}})
	repo.push(hub, a.ID, domain.JobStatusCompleted, nil, nil)
	repo.push(hub, b.ID, domain.JobStatusRunning, nil, nil)

	repo.afterRead = func() {
		repo.push(hub, b.ID, domain.JobStatusFailed, nil, strPtr("upstream timeout"))
	}

	tr := NewPipelineTracker(repo, hub)
	defer tr.Dispose()
	if err := tr.Watch(ctx, batch); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	eventually(t, func() bool { return tr.Observe().Status == domain.PipelineStatusFailed }, "failure applied after load")
	st, _ := tr.Job(b.ID)
	if st.ErrorMessage == nil || *st.ErrorMessage != "upstream timeout" {
		t.Fatalf("error_message = %v", st.ErrorMessage)
	}
}

func TestPipelineTrackerRejectedSubmissionReleasesPreviousSubscription(t *testing.T) {
	repo := newMemRepo()
	hub := newTestHub()
	tr := NewPipelineTracker(repo, hub)
	defer tr.Dispose()
	ctx := context.Background()

	if _, err := tr.CreatePipeline(ctx, "u1", []domain.Step{{Kind: "accounts"}}); err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	if hub.Len() != 1 {
		t.Fatalf("hub has %d subscriptions, want 1", hub.Len())
	}

	if _, err := tr.CreatePipeline(ctx, "", []domain.Step{{Kind: "accounts"}}); !errors.Is(err, domain.ErrInvalidJob) {
		t.Fatalf("CreatePipeline() error = %v, want ErrInvalidJob", err)
	}
	if hub.Len() != 0 {
		t.Fatalf("hub has %d subscriptions after a rejected submission, want 0", hub.Len())
	}
}

func TestPipelineTrackerEvents(t *testing.T) {
	repo := newMemRepo()
	hub := newTestHub()
	tr := NewPipelineTracker(repo, hub, fixedBatchID("batch-1"))
	defer tr.Dispose()

	res, err := tr.CreatePipeline(context.Background(), "u1", []domain.Step{{Kind: "accounts"}})
	if err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	repo.push(hub, res.JobIDs[0], domain.JobStatusCompleted, nil, nil)

	want := []domain.PipelineStatus{domain.PipelineStatusRunning, domain.PipelineStatusCompleted}
	for _, status := range want {
		select {
		case st := <-tr.Events():
			if st.Status != status {
				t.Fatalf("event status = %q, want %q", st.Status, status)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q event", status)
		}
	}
}
