package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/leadforge/outreach_services/internal/core_domain"
	"github.com/leadforge/outreach_services/internal/platform/database"
)

// PgDailyStatsRepository keeps one row per stats day; rows are created lazily by upsert.
type PgDailyStatsRepository struct {
	db     database.DBTX
	logger *slog.Logger
}

func NewPgDailyStatsRepository(db database.DBTX, logger *slog.Logger) *PgDailyStatsRepository {
	return &PgDailyStatsRepository{db: db, logger: logger}
}

const statsReturning = `RETURNING date, messages_sent, connection_requests_sent, messages_quota, connection_requests_quota`

func (r *PgDailyStatsRepository) scan(ctx context.Context, query string, args ...any) (*core_domain.DailyStats, error) {
	d := &core_domain.DailyStats{}
	err := r.db.QueryRow(ctx, query, args...).Scan(
		&d.Date, &d.MessagesSent, &d.ConnectionRequestsSent, &d.MessagesQuota, &d.ConnectionRequestsQuota,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (r *PgDailyStatsRepository) GetOrCreate(ctx context.Context, seed core_domain.DailyStats) (*core_domain.DailyStats, error) {
	// The no-op DO UPDATE makes RETURNING yield the existing row on conflict.
	query := `
		INSERT INTO daily_stats (date, messages_quota, connection_requests_quota)
		VALUES ($1, $2, $3)
		ON CONFLICT (date) DO UPDATE SET date = EXCLUDED.date
		` + statsReturning
	d, err := r.scan(ctx, query, seed.Date, seed.MessagesQuota, seed.ConnectionRequestsQuota)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error loading daily stats", "error", err, "date", seed.Date)
		return nil, err
	}
	return d, nil
}

func (r *PgDailyStatsRepository) Increment(ctx context.Context, seed core_domain.DailyStats, action core_domain.ActionType) (*core_domain.DailyStats, error) {
	column := "messages_sent"
	if action == core_domain.ActionConnection {
		column = "connection_requests_sent"
	}
	query := fmt.Sprintf(`
		INSERT INTO daily_stats (date, messages_quota, connection_requests_quota, %[1]s)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (date) DO UPDATE SET %[1]s = daily_stats.%[1]s + 1, updated_at = now()
		`, column) + statsReturning
	d, err := r.scan(ctx, query, seed.Date, seed.MessagesQuota, seed.ConnectionRequestsQuota)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error incrementing daily stats", "error", err, "date", seed.Date, "action", action)
		return nil, err
	}
	return d, nil
}

func (r *PgDailyStatsRepository) UpdateQuotas(ctx context.Context, seed core_domain.DailyStats) error {
	query := `
		INSERT INTO daily_stats (date, messages_quota, connection_requests_quota)
		VALUES ($1, $2, $3)
		ON CONFLICT (date) DO UPDATE
		SET messages_quota = EXCLUDED.messages_quota,
		    connection_requests_quota = EXCLUDED.connection_requests_quota,
		    updated_at = now()
	`
	if _, err := r.db.Exec(ctx, query, seed.Date, seed.MessagesQuota, seed.ConnectionRequestsQuota); err != nil {
		r.logger.ErrorContext(ctx, "Error updating daily quotas", "error", err, "date", seed.Date)
		return err
	}
	return nil
}
