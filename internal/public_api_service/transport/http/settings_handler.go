package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/leadforge/outreach_services/internal/core_domain"
)

type SettingsService interface {
	Get() core_domain.AppSettings
	Update(ctx context.Context, next core_domain.AppSettings) (core_domain.AppSettings, error)
}

// TodayStats reads the current stats day.
type TodayStats interface {
	Today(ctx context.Context) (*core_domain.DailyStats, error)
}

type SettingsHandler struct {
	settings SettingsService
	stats    TodayStats
	logger   *slog.Logger
}

func NewSettingsHandler(settings SettingsService, stats TodayStats, logger *slog.Logger) *SettingsHandler {
	return &SettingsHandler{settings: settings, stats: stats, logger: logger}
}

func (h *SettingsHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, settingsToDTO(h.settings.Get()))
}

func (h *SettingsHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsDTO
	if err := decodeJSON(r, &req); err != nil {
		h.logger.WarnContext(r.Context(), "Failed to decode settings update", "error", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	updated, err := h.settings.Update(r.Context(), req.toDomain())
	if err != nil {
		writeError(w, r, h.logger, err, "UpdateSettings")
		return
	}
	writeJSON(w, http.StatusOK, settingsToDTO(updated))
}

func (h *SettingsHandler) GetTodayStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.Today(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err, "GetTodayStats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
