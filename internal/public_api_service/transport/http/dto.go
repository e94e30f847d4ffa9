package http

import (
	"time"

	"github.com/google/uuid"

	"github.com/leadforge/outreach_services/internal/core_domain"
)

// SettingsDTO is the editable part of AppSettings.
type SettingsDTO struct {
	Timezone                  string                 `json:"timezone"`
	MessageWindow             core_domain.HourWindow `json:"message_window"`
	ConnectionWindow          core_domain.HourWindow `json:"connection_window"`
	MessagesPerDay            int                    `json:"messages_per_day"`
	ConnectionsPerDay         int                    `json:"connections_per_day"`
	MessageIntervalMinutes    int                    `json:"message_interval_minutes"`
	ConnectionIntervalMinutes int                    `json:"connection_interval_minutes"`
	DayBoundaryHour           int                    `json:"day_boundary_hour"`
	WeekendDays               []time.Weekday         `json:"weekend_days"`
	UpdatedAt                 *time.Time             `json:"updated_at,omitempty"`
}

func settingsToDTO(s core_domain.AppSettings) SettingsDTO {
	dto := SettingsDTO{
		Timezone:                  s.Timezone,
		MessageWindow:             s.MessageWindow,
		ConnectionWindow:          s.ConnectionWindow,
		MessagesPerDay:            s.MessagesPerDay,
		ConnectionsPerDay:         s.ConnectionsPerDay,
		MessageIntervalMinutes:    s.MessageIntervalMinutes,
		ConnectionIntervalMinutes: s.ConnectionIntervalMinutes,
		DayBoundaryHour:           s.DayBoundaryHour,
		WeekendDays:               s.WeekendDays,
	}
	if !s.UpdatedAt.IsZero() {
		at := s.UpdatedAt
		dto.UpdatedAt = &at
	}
	return dto
}

func (d SettingsDTO) toDomain() core_domain.AppSettings {
	return core_domain.AppSettings{
		Timezone:                  d.Timezone,
		MessageWindow:             d.MessageWindow,
		ConnectionWindow:          d.ConnectionWindow,
		MessagesPerDay:            d.MessagesPerDay,
		ConnectionsPerDay:         d.ConnectionsPerDay,
		MessageIntervalMinutes:    d.MessageIntervalMinutes,
		ConnectionIntervalMinutes: d.ConnectionIntervalMinutes,
		DayBoundaryHour:           d.DayBoundaryHour,
		WeekendDays:               d.WeekendDays,
	}
}

type SetCredentialRequestDTO struct {
	Value string `json:"value" validate:"required"`
}

type SequenceResponseDTO struct {
	Sequence *core_domain.Sequence          `json:"sequence"`
	Messages []*core_domain.SequenceMessage `json:"messages"`
}

type EnrollRequestDTO struct {
	ProspectID uuid.UUID `json:"prospect_id" validate:"required"`
}

type TransitionResponseDTO struct {
	SequenceID uuid.UUID `json:"sequence_id"`
	Status     string    `json:"status"`
	Scheduled  int       `json:"scheduled,omitempty"`
	Cancelled  int64     `json:"cancelled,omitempty"`
}

type QueueDepthDTO struct {
	Messages    map[core_domain.QueueStatus]int `json:"messages"`
	Connections map[core_domain.QueueStatus]int `json:"connections"`
}

type TriggerResponseDTO struct {
	Worker string `json:"worker"`
	Ran    bool   `json:"ran"`
}
