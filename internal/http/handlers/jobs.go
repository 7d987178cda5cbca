package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"tradepost/internal/domain"
)

type createJobRequest struct {
	OwnerID string         `json:"owner_id"`
	Kind    string         `json:"kind"`
	Label   string         `json:"label"`
	Payload map[string]any `json:"payload"`
}

type jobResponse struct {
	JobID  string           `json:"job_id"`
	Status domain.JobStatus `json:"status"`
}

func (a *App) JobsCreate(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	tr := a.newJobTracker()
	defer tr.Dispose()

	id, err := tr.Create(r.Context(), domain.NewJob{
		OwnerID: req.OwnerID,
		Kind:    req.Kind,
		Label:   req.Label,
		Payload: req.Payload,
	})
	switch {
	case err == nil:
	case id != "":
		// Persisted; only the subscription failed, which this endpoint does not need.
		a.Logger.Warn().Err(err).Str("job_id", id).Msg("jobs: created without subscription")
	case errors.Is(err, domain.ErrInvalidJob):
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	default:
		a.Logger.Error().Err(err).Msg("jobs: create failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to create job")
		return
	}
	a.json(w, http.StatusAccepted, jobResponse{JobID: id, Status: tr.Observe().Status})
}

func (a *App) JobsGet(w http.ResponseWriter, r *http.Request) {
	rec, err := a.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		a.Logger.Error().Err(err).Msg("jobs: load failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load job")
		return
	}
	a.json(w, http.StatusOK, rec)
}

// JobEvents streams the job's state until it reaches a terminal status or the
// client goes away.
func (a *App) JobEvents(w http.ResponseWriter, r *http.Request) {
	tr := a.newJobTracker()
	defer tr.Dispose()

	if err := tr.Watch(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		a.Logger.Error().Err(err).Msg("jobs: watch failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to watch job")
		return
	}
	streamEvents(a, w, r, "job", tr.Events(), func(st domain.JobState) bool {
		return st.Status.IsTerminal()
	})
}
