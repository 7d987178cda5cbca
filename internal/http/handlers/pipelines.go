package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"tradepost/internal/domain"
)

const abandonReason = "pipeline submission aborted"

type createPipelineRequest struct {
	OwnerID string        `json:"owner_id"`
	Steps   []domain.Step `json:"steps"`
}

func (a *App) PipelinesCreate(w http.ResponseWriter, r *http.Request) {
	var req createPipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if len(req.Steps) == 0 {
		a.error(w, http.StatusBadRequest, "bad_request", "steps required")
		return
	}

	tr := a.newPipelineTracker()
	defer tr.Dispose()

	res, err := tr.CreatePipeline(r.Context(), req.OwnerID, req.Steps)
	if err != nil && res.BatchID != "" {
		a.Logger.Warn().Err(err).Str("batch_id", res.BatchID).Msg("pipelines: created without subscription")
		err = nil
	}
	if err != nil {
		a.pipelineError(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, res)
}

func (a *App) pipelineError(w http.ResponseWriter, r *http.Request, err error) {
	resp := errorResponse{Error: "internal", Message: "failed to create pipeline"}
	code := http.StatusInternalServerError

	var depErr *domain.DependencyIndexError
	switch {
	case errors.As(err, &depErr):
		code, resp.Error, resp.Message = http.StatusUnprocessableEntity, "invalid_dependency", depErr.Error()
	case errors.Is(err, domain.ErrInvalidJob):
		code, resp.Error, resp.Message = http.StatusBadRequest, "bad_request", err.Error()
	}

	var partial *domain.PartialBatchError
	if errors.As(err, &partial) {
		resp.BatchID = partial.BatchID
		resp.Abandoned = a.abandon(r.Context(), partial.BatchID)
	}

	if code == http.StatusInternalServerError {
		a.Logger.Error().Err(err).Msg("pipelines: create failed")
	}
	a.json(w, code, resp)
}

func (a *App) abandon(ctx context.Context, batchID string) []string {
	if a.Batches == nil {
		return nil
	}
	recs, err := a.Batches.AbandonBatch(context.WithoutCancel(ctx), batchID, abandonReason)
	if err != nil {
		a.Logger.Error().Err(err).Str("batch_id", batchID).Msg("pipelines: abandon failed")
	}
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.ID)
	}
	a.Logger.Warn().Str("batch_id", batchID).Strs("abandoned", ids).Msg("pipelines: partial submission abandoned")
	return ids
}

func (a *App) PipelinesGet(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batch_id")
	recs, err := a.Jobs.ListByBatch(r.Context(), batchID)
	if err != nil {
		a.Logger.Error().Err(err).Str("batch_id", batchID).Msg("pipelines: load failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load pipeline")
		return
	}
	if len(recs) == 0 {
		a.error(w, http.StatusNotFound, "not_found", "pipeline not found")
		return
	}
	states := make([]domain.JobState, len(recs))
	for i, rec := range recs {
		states[i] = rec.State()
	}
	a.json(w, http.StatusOK, domain.NewPipelineState(batchID, states))
}

// PipelineEvents streams the aggregate state until the batch completes or
// fails.
func (a *App) PipelineEvents(w http.ResponseWriter, r *http.Request) {
	tr := a.newPipelineTracker()
	defer tr.Dispose()

	if err := tr.Watch(r.Context(), chi.URLParam(r, "batch_id")); err != nil {
		a.Logger.Error().Err(err).Msg("pipelines: watch failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to watch pipeline")
		return
	}
	if len(tr.Observe().Jobs) == 0 {
		a.error(w, http.StatusNotFound, "not_found", "pipeline not found")
		return
	}
	streamEvents(a, w, r, "pipeline", tr.Events(), pipelineSettled)
}

func pipelineSettled(st domain.PipelineState) bool {
	return st.Status == domain.PipelineStatusCompleted || st.Status == domain.PipelineStatusFailed
}
