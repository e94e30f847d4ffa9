package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/leadforge/outreach_services/internal/core_domain"
	seqapp "github.com/leadforge/outreach_services/internal/sequence_service/app"
)

// SequenceService is the state machine surface exposed to operators.
type SequenceService interface {
	CreateSequence(ctx context.Context, in seqapp.CreateSequenceInput) (*core_domain.Sequence, []*core_domain.SequenceMessage, error)
	ActivateSequence(ctx context.Context, sequenceID uuid.UUID) (int, error)
	ResumeSequence(ctx context.Context, sequenceID uuid.UUID) (int, error)
	PauseSequence(ctx context.Context, sequenceID uuid.UUID) (int64, error)
	CompleteSequence(ctx context.Context, sequenceID uuid.UUID) (int64, error)
	Stats(ctx context.Context, sequenceID uuid.UUID) (*core_domain.SequenceStats, error)
	CreateProspect(ctx context.Context, in seqapp.CreateProspectInput) (*core_domain.Prospect, error)
	AddProspect(ctx context.Context, prospectID, sequenceID uuid.UUID) (*core_domain.ProspectSequenceStatus, error)
}

type SequenceHandler struct {
	sequences SequenceService
	logger    *slog.Logger
	validate  *validator.Validate
}

func NewSequenceHandler(sequences SequenceService, logger *slog.Logger, validate *validator.Validate) *SequenceHandler {
	return &SequenceHandler{sequences: sequences, logger: logger, validate: validate}
}

func (h *SequenceHandler) CreateSequence(w http.ResponseWriter, r *http.Request) {
	var req seqapp.CreateSequenceInput
	if err := decodeJSON(r, &req); err != nil {
		h.logger.WarnContext(r.Context(), "Failed to decode sequence request", "error", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	seq, messages, err := h.sequences.CreateSequence(r.Context(), req)
	if err != nil {
		writeError(w, r, h.logger, err, "CreateSequence")
		return
	}
	writeJSON(w, http.StatusCreated, SequenceResponseDTO{Sequence: seq, Messages: messages})
}

// transition runs one sequence lifecycle operation named by the route.
func (h *SequenceHandler) transition(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(r, "sequenceID")
		if !ok {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid sequence id"})
			return
		}
		res := TransitionResponseDTO{SequenceID: id}
		var err error
		switch action {
		case "activate":
			res.Status = string(core_domain.SequenceActive)
			res.Scheduled, err = h.sequences.ActivateSequence(r.Context(), id)
		case "resume":
			res.Status = string(core_domain.SequenceActive)
			res.Scheduled, err = h.sequences.ResumeSequence(r.Context(), id)
		case "pause":
			res.Status = string(core_domain.SequencePaused)
			res.Cancelled, err = h.sequences.PauseSequence(r.Context(), id)
		case "complete":
			res.Status = string(core_domain.SequenceCompleted)
			res.Cancelled, err = h.sequences.CompleteSequence(r.Context(), id)
		}
		if err != nil {
			writeError(w, r, h.logger, err, action+"Sequence")
			return
		}
		h.logger.InfoContext(r.Context(), "Sequence transition requested", "sequence_id", id, "action", action)
		writeJSON(w, http.StatusOK, res)
	}
}

func (h *SequenceHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "sequenceID")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid sequence id"})
		return
	}
	stats, err := h.sequences.Stats(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err, "GetSequenceStats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *SequenceHandler) EnrollProspect(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "sequenceID")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid sequence id"})
		return
	}
	var req EnrollRequestDTO
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if err := h.validate.StructCtx(r.Context(), req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "prospect_id is required"})
		return
	}
	st, err := h.sequences.AddProspect(r.Context(), req.ProspectID, id)
	if err != nil {
		writeError(w, r, h.logger, err, "EnrollProspect")
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (h *SequenceHandler) CreateProspect(w http.ResponseWriter, r *http.Request) {
	var req seqapp.CreateProspectInput
	if err := decodeJSON(r, &req); err != nil {
		h.logger.WarnContext(r.Context(), "Failed to decode prospect request", "error", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	p, err := h.sequences.CreateProspect(r.Context(), req)
	if err != nil {
		writeError(w, r, h.logger, err, "CreateProspect")
		return
	}
	writeJSON(w, http.StatusCreated, p)
}
