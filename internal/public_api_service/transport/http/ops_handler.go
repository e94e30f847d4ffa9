package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/leadforge/outreach_services/internal/core_domain"
	orchapp "github.com/leadforge/outreach_services/internal/orchestrator_service/app"
)

// QueueDepth reports entry counts by status.
type QueueDepth interface {
	Depth(ctx context.Context) (map[core_domain.QueueStatus]int, error)
}

type Lifecycle interface {
	Status() orchapp.Status
	Trigger(name string) (bool, error)
}

type OpsHandler struct {
	messages    QueueDepth
	connections QueueDepth
	lifecycle   Lifecycle
	logger      *slog.Logger
}

func NewOpsHandler(messages, connections QueueDepth, lifecycle Lifecycle, logger *slog.Logger) *OpsHandler {
	return &OpsHandler{messages: messages, connections: connections, lifecycle: lifecycle, logger: logger}
}

func (h *OpsHandler) GetQueueDepth(w http.ResponseWriter, r *http.Request) {
	messages, err := h.messages.Depth(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err, "GetQueueDepth")
		return
	}
	connections, err := h.connections.Depth(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err, "GetQueueDepth")
		return
	}
	writeJSON(w, http.StatusOK, QueueDepthDTO{Messages: messages, Connections: connections})
}

func (h *OpsHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.lifecycle.Status())
}

// TriggerWorker runs one tick of a worker right away, e.g. the scheduler after a bulk import.
func (h *OpsHandler) TriggerWorker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "worker")
	ran, err := h.lifecycle.Trigger(name)
	if err != nil {
		writeError(w, r, h.logger, err, "TriggerWorker")
		return
	}
	status := http.StatusOK
	if !ran {
		status = http.StatusConflict
	}
	writeJSON(w, status, TriggerResponseDTO{Worker: name, Ran: ran})
}
