package tracker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tradepost/internal/domain"
	"tradepost/internal/realtime"
)

// memRepo is an in-memory domain.JobRepository.
type memRepo struct {
	mu      sync.Mutex
	seq     int
	order   []string
	records map[string]domain.JobRecord

	// failOn makes the n-th Insert call (1-based) fail with insertErr.
	failOn    int
	insertErr error

	// afterRead runs once, after Get or ListByBatch has copied its result.
	afterRead func()
}

func newMemRepo() *memRepo {
	return &memRepo{records: make(map[string]domain.JobRecord)}
}

func (m *memRepo) Insert(_ context.Context, job domain.NewJob) (*domain.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	if m.failOn == m.seq {
		return nil, m.insertErr
	}
	now := time.Now().UTC()
	rec := domain.JobRecord{
		ID:        fmt.Sprintf("job-%d", m.seq),
		OwnerID:   job.OwnerID,
		Kind:      job.Kind,
		Label:     job.Label,
		Status:    domain.JobStatusPending,
		Stats:     map[string]float64{},
		Payload:   job.Payload,
		BatchID:   job.BatchID,
		DependsOn: append([]string{}, job.DependsOn...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.records[rec.ID] = rec
	m.order = append(m.order, rec.ID)
	return &rec, nil
}

func (m *memRepo) Get(_ context.Context, id string) (*domain.JobRecord, error) {
	m.mu.Lock()
	rec, ok := m.records[id]
	m.mu.Unlock()
	m.fireAfterRead()
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &rec, nil
}

func (m *memRepo) ListByBatch(_ context.Context, batchID string) ([]domain.JobRecord, error) {
	m.mu.Lock()
	var out []domain.JobRecord
	for _, id := range m.order {
		rec := m.records[id]
		if rec.BatchID != nil && *rec.BatchID == batchID {
			out = append(out, rec)
		}
	}
	m.mu.Unlock()
	m.fireAfterRead()
	return out, nil
}

func (m *memRepo) fireAfterRead() {
	m.mu.Lock()
	fn := m.afterRead
	m.afterRead = nil
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (m *memRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *memRepo) record(id string) domain.JobRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[id]
}

// push simulates the worker writing a new status and the feed announcing it.
func (m *memRepo) push(hub *realtime.Hub, id string, status domain.JobStatus, stats map[string]float64, errMsg *string) {
	m.mu.Lock()
	rec := m.records[id]
	rec.Status = status
	if stats != nil {
		rec.Stats = stats
	}
	rec.ErrorMessage = errMsg
	m.records[id] = rec
	m.mu.Unlock()
	hub.Publish(rec)
}

func newTestHub() *realtime.Hub {
	return realtime.NewHub(zerolog.Nop(), 8)
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func strPtr(s string) *string { return &s }
