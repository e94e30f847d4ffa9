package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/leadforge/outreach_services/internal/core_domain"
)

// PolicyReloader is the part of the time policy the settings path drives.
type PolicyReloader interface {
	Reload(settings core_domain.AppSettings) error
	Settings() core_domain.AppSettings
	RefreshQuotas(ctx context.Context) error
}

// Service is the only writer of AppSettings. Every successful update is pushed into the
// time policy before returning.
type Service struct {
	repo     core_domain.SettingsRepository
	policy   PolicyReloader
	events   core_domain.EventPublisher
	clock    core_domain.Clock
	logger   *slog.Logger
	validate *validator.Validate
}

func NewService(repo core_domain.SettingsRepository, policy PolicyReloader, events core_domain.EventPublisher, clock core_domain.Clock, logger *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		policy:   policy,
		events:   events,
		clock:    clock,
		logger:   logger,
		validate: validator.New(),
	}
}

// Bootstrap loads persisted settings into the policy, seeding the store with defaults on
// first run.
func (s *Service) Bootstrap(ctx context.Context, defaults core_domain.AppSettings) (core_domain.AppSettings, error) {
	stored, err := s.repo.Get(ctx)
	switch {
	case errors.Is(err, core_domain.ErrNotFound):
		s.logger.InfoContext(ctx, "No stored settings; seeding defaults")
		return s.Update(ctx, defaults)
	case err != nil:
		return core_domain.AppSettings{}, fmt.Errorf("load settings: %w", err)
	}
	if err := s.policy.Reload(*stored); err != nil {
		return core_domain.AppSettings{}, fmt.Errorf("apply stored settings: %w", err)
	}
	return s.policy.Settings(), nil
}

// Get returns the settings the policy is currently using.
func (s *Service) Get() core_domain.AppSettings {
	return s.policy.Settings()
}

// Update validates, persists and hot-reloads settings.
func (s *Service) Update(ctx context.Context, next core_domain.AppSettings) (core_domain.AppSettings, error) {
	if len(next.WeekendDays) == 0 {
		next.WeekendDays = append([]time.Weekday(nil), core_domain.DefaultWeekend...)
	}
	if err := s.validate.StructCtx(ctx, next); err != nil {
		return core_domain.AppSettings{}, fmt.Errorf("%w: %v", core_domain.ErrInvalidSettings, err)
	}
	if err := next.CheckConsistency(); err != nil {
		return core_domain.AppSettings{}, err
	}
	next.UpdatedAt = s.clock()

	if err := s.repo.Save(ctx, &next); err != nil {
		return core_domain.AppSettings{}, fmt.Errorf("save settings: %w", err)
	}
	if err := s.policy.Reload(next); err != nil {
		return core_domain.AppSettings{}, fmt.Errorf("reload policy: %w", err)
	}
	if err := s.policy.RefreshQuotas(ctx); err != nil {
		s.logger.WarnContext(ctx, "Settings saved but today's quotas were not refreshed", "error", err)
	}

	s.logger.InfoContext(ctx, "Settings updated",
		"timezone", next.Timezone,
		"messages_per_day", next.MessagesPerDay,
		"connections_per_day", next.ConnectionsPerDay,
	)
	_ = s.events.Publish(ctx, core_domain.Event{Type: core_domain.EventSettingsUpdated, At: next.UpdatedAt})
	return s.policy.Settings(), nil
}
