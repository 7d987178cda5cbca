package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"tradepost/internal/domain"
	"tradepost/internal/infra"
	"tradepost/internal/sqlinline"
)

// JobRepositoryPG implements domain.JobRepository and domain.WorkerRepository
// on the job_logs table.
type JobRepositoryPG struct {
	sql infra.SQLExecutor
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(sql infra.SQLExecutor) *JobRepositoryPG {
	return &JobRepositoryPG{sql: sql}
}

// Insert creates a pending job and returns the row with server defaults.
func (r *JobRepositoryPG) Insert(ctx context.Context, job domain.NewJob) (*domain.JobRecord, error) {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	dependsOn := job.DependsOn
	if dependsOn == nil {
		dependsOn = []string{}
	}
	row := r.sql.QueryRow(ctx, sqlinline.QInsertJob,
		job.OwnerID,
		job.Kind,
		job.Label,
		payload,
		job.BatchID,
		dependsOn,
	)
	return scanJob(row)
}

// Get fetches a job by its identifier.
func (r *JobRepositoryPG) Get(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	return scanJob(r.sql.QueryRow(ctx, sqlinline.QSelectJobByID, jobID))
}

// ListByBatch returns the members of a batch in creation order.
func (r *JobRepositoryPG) ListByBatch(ctx context.Context, batchID string) ([]domain.JobRecord, error) {
	return r.collect(r.sql.Query(ctx, sqlinline.QListJobsByBatch, batchID))
}

// ClaimNextRunnable marks the next runnable pending job as running. It
// returns domain.ErrNotFound when nothing is runnable.
func (r *JobRepositoryPG) ClaimNextRunnable(ctx context.Context, kinds []string) (*domain.JobRecord, error) {
	if kinds == nil {
		kinds = []string{}
	}
	return scanJob(r.sql.QueryRow(ctx, sqlinline.QWorkerClaimJob, kinds))
}

// UpdateStatus records a status transition. Nil stats keep the stored value.
func (r *JobRepositoryPG) UpdateStatus(ctx context.Context, jobID string, status domain.JobStatus, stats map[string]float64, errMsg *string) (*domain.JobRecord, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidJob, status)
	}
	var statsJSON []byte
	if stats != nil {
		raw, err := json.Marshal(stats)
		if err != nil {
			return nil, fmt.Errorf("encode stats: %w", err)
		}
		statsJSON = raw
	}
	return scanJob(r.sql.QueryRow(ctx, sqlinline.QUpdateJobStatus, jobID, string(status), statsJSON, errMsg))
}

// FailBlocked fails pending jobs that depend on a failed job.
func (r *JobRepositoryPG) FailBlocked(ctx context.Context) ([]domain.JobRecord, error) {
	return r.collect(r.sql.Query(ctx, sqlinline.QWorkerFailBlocked))
}

// AbandonBatch fails every still-pending member of a batch with reason.
func (r *JobRepositoryPG) AbandonBatch(ctx context.Context, batchID, reason string) ([]domain.JobRecord, error) {
	return r.collect(r.sql.Query(ctx, sqlinline.QAbandonBatch, batchID, reason))
}

func (r *JobRepositoryPG) collect(rows pgx.Rows, err error) ([]domain.JobRecord, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanJob(row pgx.Row) (*domain.JobRecord, error) {
	var (
		rec       domain.JobRecord
		status    string
		stats     []byte
		payload   []byte
		dependsOn []string
		startedAt *time.Time
		doneAt    *time.Time
	)
	if err := row.Scan(
		&rec.ID,
		&rec.OwnerID,
		&rec.Kind,
		&rec.Label,
		&status,
		&stats,
		&rec.ErrorMessage,
		&payload,
		&rec.BatchID,
		&dependsOn,
		&rec.CreatedAt,
		&startedAt,
		&doneAt,
		&rec.UpdatedAt,
	); err != nil {
		if infra.IsNoRows(err) || infra.IsInvalidText(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	rec.Status = domain.JobStatus(status)
	rec.StartedAt = startedAt
	rec.CompletedAt = doneAt
	rec.DependsOn = dependsOn
	if rec.DependsOn == nil {
		rec.DependsOn = []string{}
	}
	rec.Stats = map[string]float64{}
	if len(stats) > 0 {
		if err := json.Unmarshal(stats, &rec.Stats); err != nil {
			return nil, fmt.Errorf("decode stats: %w", err)
		}
	}
	rec.Payload = map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &rec.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	return &rec, nil
}

var (
	_ domain.JobRepository    = (*JobRepositoryPG)(nil)
	_ domain.WorkerRepository = (*JobRepositoryPG)(nil)
)
