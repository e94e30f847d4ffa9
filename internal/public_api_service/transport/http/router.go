package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leadforge/outreach_services/internal/public_api_service/middleware"
)

// RouterDeps are the services the admin API fronts.
type RouterDeps struct {
	Settings    SettingsService
	Stats       TodayStats
	Credentials CredentialService
	Sequences   SequenceService
	Messages    QueueDepth
	Connections QueueDepth
	Lifecycle   Lifecycle
	JWTSecret   []byte
	Logger      *slog.Logger
}

// NewRouter builds the admin API. /healthz and /metrics are open; everything under
// /api/v1 needs an operator token, and writes need the operator role.
func NewRouter(deps RouterDeps) http.Handler {
	validate := validator.New()
	settings := NewSettingsHandler(deps.Settings, deps.Stats, deps.Logger)
	credentials := NewCredentialHandler(deps.Credentials, deps.Logger, validate)
	sequences := NewSequenceHandler(deps.Sequences, deps.Logger, validate)
	ops := NewOpsHandler(deps.Messages, deps.Connections, deps.Lifecycle, deps.Logger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Use(PrometheusMetricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "running": deps.Lifecycle.Status().Running})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Use(middleware.AuthMiddleware(deps.JWTSecret, deps.Logger))
		v1.Get("/settings", settings.GetSettings)
		v1.Get("/stats/today", settings.GetTodayStats)
		v1.Get("/queues", ops.GetQueueDepth)
		v1.Get("/orchestrator", ops.GetStatus)
		v1.Get("/sequences/{sequenceID}/stats", sequences.GetStats)

		v1.Group(func(w chi.Router) {
			w.Use(middleware.RequireRole("operator", deps.Logger))
			w.Put("/settings", settings.UpdateSettings)
			w.Post("/orchestrator/workers/{worker}/run", ops.TriggerWorker)
			w.Put("/credential", credentials.SetCredential)
			w.Post("/credential/check", credentials.CheckCredential)
			w.Post("/prospects", sequences.CreateProspect)
			w.Post("/sequences", sequences.CreateSequence)
			w.Post("/sequences/{sequenceID}/prospects", sequences.EnrollProspect)
			for _, action := range []string{"activate", "pause", "resume", "complete"} {
				w.Post("/sequences/{sequenceID}/"+action, sequences.transition(action))
			}
		})
	})
	return r
}
