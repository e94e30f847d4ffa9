package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/leadforge/outreach_services/internal/core_domain"
	"github.com/leadforge/outreach_services/internal/platform/database"
)

// PgSettingsRepository stores AppSettings as a single JSONB document.
type PgSettingsRepository struct {
	db     database.DBTX
	logger *slog.Logger
}

func NewPgSettingsRepository(db database.DBTX, logger *slog.Logger) *PgSettingsRepository {
	return &PgSettingsRepository{db: db, logger: logger}
}

func (r *PgSettingsRepository) Get(ctx context.Context) (*core_domain.AppSettings, error) {
	var raw []byte
	err := r.db.QueryRow(ctx, `SELECT settings FROM app_settings WHERE id = 1`).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core_domain.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Error loading app settings", "error", err)
		return nil, err
	}
	var s core_domain.AppSettings
	if err := json.Unmarshal(raw, &s); err != nil {
		r.logger.ErrorContext(ctx, "Stored app settings are not valid JSON", "error", err)
		return nil, err
	}
	return &s, nil
}

func (r *PgSettingsRepository) Save(ctx context.Context, s *core_domain.AppSettings) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO app_settings (id, settings, updated_at) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET settings = EXCLUDED.settings, updated_at = EXCLUDED.updated_at
	`
	if _, err := r.db.Exec(ctx, query, raw, s.UpdatedAt); err != nil {
		r.logger.ErrorContext(ctx, "Error saving app settings", "error", err)
		return err
	}
	r.logger.InfoContext(ctx, "App settings saved")
	return nil
}
