package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"tradepost/internal/http/handlers"
	"tradepost/internal/middleware"
)

type Options struct {
	Logger             zerolog.Logger
	CORSAllowedOrigins []string
	// SubmitRateLimit is the per-IP budget per minute for POST endpoints.
	SubmitRateLimit int
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		chimw.RealIP,
		middleware.RequestID,
		middleware.Logger(opts.Logger),
		chimw.Recoverer,
		middleware.CORS(opts.CORSAllowedOrigins),
	)

	submitLimit := middleware.RateLimit(opts.SubmitRateLimit, time.Minute)

	r.Get("/v1/healthz", app.Health)
	r.Get("/v1/openapi.json", app.OpenAPIJSON)
	r.Get("/v1/docs", app.OpenAPIDocs)

	r.Route("/v1/jobs", func(r chi.Router) {
		r.With(submitLimit).Post("/", app.JobsCreate)
		r.Get("/{id}", app.JobsGet)
		r.Get("/{id}/events", app.JobEvents)
	})

	r.Route("/v1/pipelines", func(r chi.Router) {
		r.With(submitLimit).Post("/", app.PipelinesCreate)
		r.Get("/{batch_id}", app.PipelinesGet)
		r.Get("/{batch_id}/events", app.PipelineEvents)
	})

	return r
}
