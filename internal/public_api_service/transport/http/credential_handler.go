package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	credapp "github.com/leadforge/outreach_services/internal/credential_service/app"
)

type CredentialService interface {
	SetCredential(ctx context.Context, value string) (credapp.CheckResult, error)
	Check(ctx context.Context) (credapp.CheckResult, error)
}

type CredentialHandler struct {
	credentials CredentialService
	logger      *slog.Logger
	validate    *validator.Validate
}

func NewCredentialHandler(credentials CredentialService, logger *slog.Logger, validate *validator.Validate) *CredentialHandler {
	return &CredentialHandler{credentials: credentials, logger: logger, validate: validate}
}

// SetCredential stores a new credential value and returns the immediate check result.
// The value itself is never echoed or logged.
func (h *CredentialHandler) SetCredential(w http.ResponseWriter, r *http.Request) {
	var req SetCredentialRequestDTO
	if err := decodeJSON(r, &req); err != nil {
		h.logger.WarnContext(r.Context(), "Failed to decode credential request", "error", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if err := h.validate.StructCtx(r.Context(), req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "value is required"})
		return
	}
	res, err := h.credentials.SetCredential(r.Context(), req.Value)
	if err != nil {
		writeError(w, r, h.logger, err, "SetCredential")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *CredentialHandler) CheckCredential(w http.ResponseWriter, r *http.Request) {
	res, err := h.credentials.Check(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err, "CheckCredential")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
