package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"tradepost/internal/domain"
	"tradepost/internal/tracker"
)

const defaultHeartbeat = 15 * time.Second

// BatchAbandoner fails the pending members of a batch. It is the cleanup
// hook for partially persisted pipeline submissions.
type BatchAbandoner interface {
	AbandonBatch(ctx context.Context, batchID, reason string) ([]domain.JobRecord, error)
}

type App struct {
	Jobs      domain.JobRepository
	Batches   BatchAbandoner
	Feed      domain.ChangeFeed
	Logger    zerolog.Logger
	Ping      func(ctx context.Context) error
	Heartbeat time.Duration

	trackerOpts []tracker.Option
}

func NewApp(jobs domain.JobRepository, batches BatchAbandoner, feed domain.ChangeFeed, logger zerolog.Logger, opts ...tracker.Option) *App {
	return &App{
		Jobs:        jobs,
		Batches:     batches,
		Feed:        feed,
		Logger:      logger,
		Heartbeat:   defaultHeartbeat,
		trackerOpts: append([]tracker.Option{tracker.WithLogger(logger)}, opts...),
	}
}

type errorResponse struct {
	Error     string   `json:"error"`
	Message   string   `json:"message"`
	BatchID   string   `json:"batch_id,omitempty"`
	Abandoned []string `json:"abandoned,omitempty"`
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, errorResponse{Error: errCode, Message: message})
}

func (a *App) newJobTracker() *tracker.JobTracker {
	return tracker.NewJobTracker(a.Jobs, a.Feed, a.trackerOpts...)
}

func (a *App) newPipelineTracker() *tracker.PipelineTracker {
	return tracker.NewPipelineTracker(a.Jobs, a.Feed, a.trackerOpts...)
}
