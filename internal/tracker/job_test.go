package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradepost/internal/domain"
)

func TestJobTrackerHappyPath(t *testing.T) {
	repo := newMemRepo()
	hub := newTestHub()
	tr := NewJobTracker(repo, hub)
	defer tr.Dispose()

	id, err := tr.Create(context.Background(), domain.NewJob{
		OwnerID: "u1",
		Kind:    "collectr",
		Label:   "showcase-abc",
		Payload: map[string]any{"showcase_id": "abc"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id != "job-1" {
		t.Fatalf("id = %q, want job-1", id)
	}
	if st := tr.Observe(); st.Status != domain.JobStatusPending {
		t.Fatalf("initial status = %q, want pending", st.Status)
	}

	repo.push(hub, id, domain.JobStatusCompleted, map[string]float64{"products_imported": 7}, nil)

	eventually(t, func() bool { return tr.Observe().Status == domain.JobStatusCompleted }, "job completed")
	st := tr.Observe()
	if st.Stats["products_imported"] != 7 {
		t.Fatalf("stats = %#v", st.Stats)
	}
	if st.ErrorMessage != nil {
		t.Fatalf("error_message = %q, want nil", *st.ErrorMessage)
	}
}

func TestJobTrackerSurfacesRemoteFailureAsData(t *testing.T) {
	repo := newMemRepo()
	hub := newTestHub()
	tr := NewJobTracker(repo, hub)
	defer tr.Dispose()

	id, err := tr.Create(context.Background(), domain.NewJob{OwnerID: "u1", Kind: "accounts", Label: "@x"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	repo.push(hub, id, domain.JobStatusFailed, nil, strPtr("rate limited"))

	eventually(t, func() bool { return tr.Observe().Status == domain.JobStatusFailed }, "job failed")
	if msg := tr.Observe().ErrorMessage; msg == nil || *msg != "rate limited" {
		t.Fatalf("error_message = %v", msg)
	}
}

func TestJobTrackerValidation(t *testing.T) {
	cases := []struct {
		name string
		job  domain.NewJob
	}{
		{name: "missing owner", job: domain.NewJob{Kind: "accounts"}},
		{name: "blank kind", job: domain.NewJob{OwnerID: "u1", Kind: "  "}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := newMemRepo()
			hub := newTestHub()
			tr := NewJobTracker(repo, hub)

			_, err := tr.Create(context.Background(), tc.job)
			var ce *domain.JobCreationError
			if !errors.As(err, &ce) {
				t.Fatalf("Create() error = %v, want JobCreationError", err)
			}
			if !errors.Is(err, domain.ErrInvalidJob) {
				t.Fatalf("Create() error = %v, want ErrInvalidJob", err)
			}
			if repo.count() != 0 {
				t.Fatalf("repo has %d records, want 0", repo.count())
			}
			if hub.Len() != 0 {
				t.Fatalf("hub has %d subscriptions, want 0", hub.Len())
			}
		})
	}
}

func TestJobTrackerInsertFailureOpensNoSubscription(t *testing.T) {
	repo := newMemRepo()
	repo.failOn = 1
	repo.insertErr = errors.New("connection refused")
	hub := newTestHub()
	tr := NewJobTracker(repo, hub)

	_, err := tr.Create(context.Background(), domain.NewJob{OwnerID: "u1", Kind: "accounts"})
	var ce *domain.JobCreationError
	if !errors.As(err, &ce) {
		t.Fatalf("Create() error = %v, want JobCreationError", err)
	}
	if !errors.Is(err, repo.insertErr) {
		t.Fatalf("Create() error does not wrap the insert failure: %v", err)
	}
	if hub.Len() != 0 {
		t.Fatalf("hub has %d subscriptions, want 0", hub.Len())
	}
}

func TestJobTrackerReplacesSubscription(t *testing.T) {
	repo := newMemRepo()
	hub := newTestHub()
	tr := NewJobTracker(repo, hub)
	defer tr.Dispose()
	ctx := context.Background()

	first, err := tr.Create(ctx, domain.NewJob{OwnerID: "u1", Kind: "accounts", Label: "@a"})
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}
	second, err := tr.Create(ctx, domain.NewJob{OwnerID: "u1", Kind: "accounts", Label: "@b"})
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if hub.Len() != 1 {
		t.Fatalf("hub has %d subscriptions, want 1", hub.Len())
	}

	repo.push(hub, first, domain.JobStatusFailed, nil, strPtr("stale"))
	repo.push(hub, second, domain.JobStatusRunning, nil, nil)

	eventually(t, func() bool { return tr.Observe().Status == domain.JobStatusRunning }, "second job running")
	st := tr.Observe()
	if st.ID != second {
		t.Fatalf("tracked id = %q, want %q", st.ID, second)
	}
	if st.ErrorMessage != nil {
		t.Fatalf("first job's update leaked into state: %q", *st.ErrorMessage)
	}
}

func TestJobTrackerNeverRegressesTerminalStatus(t *testing.T) {
	repo := newMemRepo()
	hub := newTestHub()
	tr := NewJobTracker(repo, hub)
	defer tr.Dispose()

	id, err := tr.Create(context.Background(), domain.NewJob{OwnerID: "u1", Kind: "accounts"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	repo.push(hub, id, domain.JobStatusCompleted, map[string]float64{"items": 1}, nil)
	eventually(t, func() bool { return tr.Observe().Status == domain.JobStatusCompleted }, "completed")

	repo.push(hub, id, domain.JobStatusRunning, nil, nil)
	repo.push(hub, id, domain.JobStatusCompleted, map[string]float64{"items": 2}, nil)
	eventually(t, func() bool { return tr.Observe().Stats["items"] == 2 }, "refreshed stats")

	if st := tr.Observe(); st.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %q, want completed", st.Status)
	}
}

func TestJobTrackerDisposeIsIdempotent(t *testing.T) {
	repo := newMemRepo()
	hub := newTestHub()
	tr := NewJobTracker(repo, hub)

	tr.Dispose()
	if _, err := tr.Create(context.Background(), domain.NewJob{OwnerID: "u1", Kind: "accounts"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	tr.Dispose()
	tr.Dispose()
	if hub.Len() != 0 {
		t.Fatalf("hub has %d subscriptions, want 0", hub.Len())
	}
}

func TestJobTrackerWatchExistingJob(t *testing.T) {
	repo := newMemRepo()
	hub := newTestHub()
	rec, _ := repo.Insert(context.Background(), domain.NewJob{OwnerID: "u1", Kind: "accounts"})
	repo.push(hub, rec.ID, domain.JobStatusRunning, nil, nil)

	tr := NewJobTracker(repo, hub)
	defer tr.Dispose()
	if err := tr.Watch(context.Background(), rec.ID); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if st := tr.Observe(); st.Status != domain.JobStatusRunning {
		t.Fatalf("status = %q, want running", st.Status)
	}

	repo.push(hub, rec.ID, domain.JobStatusCompleted, nil, nil)
	eventually(t, func() bool { return tr.Observe().Status == domain.JobStatusCompleted }, "completed")

	if err := tr.Watch(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Watch(missing) error = %v, want ErrNotFound", err)
	}
	if hub.Len() != 0 {
		t.Fatalf("hub has %d subscriptions after a failed Watch, want 0", hub.Len())
	}
}

func TestJobTrackerWatchCatchesTransitionDuringLoad(t *testing.T) {
	repo := newMemRepo()
	hub := newTestHub()
	rec, _ := repo.Insert(context.Background(), domain.NewJob{OwnerID: "u1", Kind: "accounts"})
	repo.push(hub, rec.ID, domain.JobStatusRunning, nil, nil)

	// The worker finishes the job after the row was read as running.
	repo.afterRead = func() {
		repo.push(hub, rec.ID, domain.JobStatusCompleted, map[string]float64{"items": 3}, nil)
	}

	tr := NewJobTracker(repo, hub)
	defer tr.Dispose()
	if err := tr.Watch(context.Background(), rec.ID); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	eventually(t, func() bool { return tr.Observe().Status == domain.JobStatusCompleted }, "completed after load")
	if got := repo.record(rec.ID).Status; got != domain.JobStatusCompleted {
		t.Fatalf("persisted status = %q", got)
	}
	if st := tr.Observe(); st.Stats["items"] != 3 {
		t.Fatalf("stats = %#v", st.Stats)
	}
}

func TestJobTrackerRejectedCreateReleasesPreviousSubscription(t *testing.T) {
	repo := newMemRepo()
	hub := newTestHub()
	tr := NewJobTracker(repo, hub)
	defer tr.Dispose()
	ctx := context.Background()

	if _, err := tr.Create(ctx, domain.NewJob{OwnerID: "u1", Kind: "accounts"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if hub.Len() != 1 {
		t.Fatalf("hub has %d subscriptions, want 1", hub.Len())
	}

	if _, err := tr.Create(ctx, domain.NewJob{Kind: "accounts"}); !errors.Is(err, domain.ErrInvalidJob) {
		t.Fatalf("Create() error = %v, want ErrInvalidJob", err)
	}
	if hub.Len() != 0 {
		t.Fatalf("hub has %d subscriptions after a rejected Create, want 0", hub.Len())
	}
}

func TestJobTrackerEventsStream(t *testing.T) {
	repo := newMemRepo()
	hub := newTestHub()
	tr := NewJobTracker(repo, hub)
	defer tr.Dispose()

	id, err := tr.Create(context.Background(), domain.NewJob{OwnerID: "u1", Kind: "accounts"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	repo.push(hub, id, domain.JobStatusRunning, nil, nil)

	want := []domain.JobStatus{domain.JobStatusPending, domain.JobStatusRunning}
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

func TestJobTrackerEventsDropOldest(t *testing.T) {
	repo := newMemRepo()
	hub := newTestHub()
	tr := NewJobTracker(repo, hub, WithEventBuffer(1))
	defer tr.Dispose()

	id, err := tr.Create(context.Background(), domain.NewJob{OwnerID: "u1", Kind: "accounts"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	repo.push(hub, id, domain.JobStatusRunning, nil, nil)
	repo.push(hub, id, domain.JobStatusCompleted, nil, nil)
	eventually(t, func() bool { return tr.Observe().Status == domain.JobStatusCompleted }, "completed")

	select {
	case st := <-tr.Events():
		if st.Status != domain.JobStatusCompleted {
			t.Fatalf("buffered event status = %q, want completed", st.Status)
		}
	default:
		t.Fatal("expected the latest snapshot to be buffered")
	}
}
