package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/leadforge/outreach_services/internal/core_domain"
	orchapp "github.com/leadforge/outreach_services/internal/orchestrator_service/app"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps domain errors to HTTP status codes. Unexpected errors are logged and
// hidden behind a generic message.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error, operation string) {
	log := logger.With("operation", operation, "error", err)
	switch {
	case errors.Is(err, core_domain.ErrInvalidInput),
		errors.Is(err, core_domain.ErrInvalidSettings),
		errors.Is(err, core_domain.ErrCredentialInvalid):
		log.WarnContext(r.Context(), "Rejected request")
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, core_domain.ErrNotFound), errors.Is(err, orchapp.ErrUnknownWorker):
		log.InfoContext(r.Context(), "Resource not found")
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, core_domain.ErrAlreadyEnrolled), errors.Is(err, core_domain.ErrInvalidTransition):
		log.InfoContext(r.Context(), "Conflicting request")
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		log.ErrorContext(r.Context(), "Request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func pathUUID(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	return id, err == nil
}
