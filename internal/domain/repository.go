package domain

import "context"

// JobRepository defines persistence for job records.
type JobRepository interface {
	Insert(ctx context.Context, job NewJob) (*JobRecord, error)
	Get(ctx context.Context, jobID string) (*JobRecord, error)
	ListByBatch(ctx context.Context, batchID string) ([]JobRecord, error)
}

// WorkerRepository is the write side used by workers advancing job status.
type WorkerRepository interface {
	ClaimNextRunnable(ctx context.Context, kinds []string) (*JobRecord, error)
	UpdateStatus(ctx context.Context, jobID string, status JobStatus, stats map[string]float64, errMsg *string) (*JobRecord, error)
	FailBlocked(ctx context.Context) ([]JobRecord, error)
	AbandonBatch(ctx context.Context, batchID, reason string) ([]JobRecord, error)
}

// ChangeFeed pushes updated rows to subscribers.
type ChangeFeed interface {
	Subscribe(ctx context.Context, filter Filter) (Subscription, error)
}

// Subscription delivers rows matching its filter until closed. Close is
// idempotent and closes the Updates channel.
type Subscription interface {
	Updates() <-chan JobRecord
	Close() error
}

// Filter selects rows either by id or by batch.
type Filter struct {
	JobID   string
	BatchID string
}

func ByID(id string) Filter { return Filter{JobID: id} }

func ByBatch(batchID string) Filter { return Filter{BatchID: batchID} }

// Matches reports whether rec satisfies the filter. An empty filter matches nothing.
func (f Filter) Matches(rec JobRecord) bool {
	switch {
	case f.JobID != "":
		return rec.ID == f.JobID
	case f.BatchID != "":
		return rec.BatchID != nil && *rec.BatchID == f.BatchID
	}
	return false
}

func (f Filter) String() string {
	if f.JobID != "" {
		return "id=eq." + f.JobID
	}
	return "dag_id=eq." + f.BatchID
}
