package postgres

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/leadforge/outreach_services/internal/core_domain"
	"github.com/leadforge/outreach_services/internal/platform/database"
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

const prospectColumns = `id, profile_url, first_name, last_name, full_name, company, title, connection_status, created_at, updated_at`

type PgProspectRepository struct {
	db     database.DBTX
	logger *slog.Logger
}

func NewPgProspectRepository(db database.DBTX, logger *slog.Logger) *PgProspectRepository {
	return &PgProspectRepository{db: db, logger: logger}
}

func scanProspect(row pgx.Row) (*core_domain.Prospect, error) {
	p := &core_domain.Prospect{}
	err := row.Scan(&p.ID, &p.ProfileURL, &p.FirstName, &p.LastName, &p.FullName, &p.Company, &p.Title,
		&p.ConnectionStatus, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (r *PgProspectRepository) Create(ctx context.Context, p *core_domain.Prospect) error {
	query := `
		INSERT INTO prospects (` + prospectColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.Exec(ctx, query, p.ID, p.ProfileURL, p.FirstName, p.LastName, p.FullName, p.Company, p.Title,
		p.ConnectionStatus, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return core_domain.ErrAlreadyEnrolled
		}
		r.logger.ErrorContext(ctx, "Error creating prospect", "error", err, "profile_url", p.ProfileURL)
		return err
	}
	return nil
}

func (r *PgProspectRepository) get(ctx context.Context, where string, arg any) (*core_domain.Prospect, error) {
	query := `SELECT ` + prospectColumns + ` FROM prospects WHERE ` + where
	p, err := scanProspect(r.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core_domain.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Error loading prospect", "error", err)
		return nil, err
	}
	return p, nil
}

func (r *PgProspectRepository) GetByID(ctx context.Context, id uuid.UUID) (*core_domain.Prospect, error) {
	return r.get(ctx, "id = $1", id)
}

func (r *PgProspectRepository) FindByProfileURL(ctx context.Context, profileURL string) (*core_domain.Prospect, error) {
	return r.get(ctx, "profile_url = $1", profileURL)
}

func (r *PgProspectRepository) ListAwaitingAcceptance(ctx context.Context) ([]*core_domain.Prospect, error) {
	query := `SELECT ` + prospectColumns + ` FROM prospects WHERE connection_status <> $1 ORDER BY created_at`
	rows, err := r.db.Query(ctx, query, core_domain.ConnectionConnected)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing prospects awaiting acceptance", "error", err)
		return nil, err
	}
	defer rows.Close()

	var out []*core_domain.Prospect
	for rows.Next() {
		p, err := scanProspect(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PgProspectRepository) SetConnectionStatus(ctx context.Context, id uuid.UUID, status core_domain.ConnectionStatus) error {
	tag, err := r.db.Exec(ctx, `UPDATE prospects SET connection_status = $1, updated_at = now() WHERE id = $2`, status, id)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating prospect connection status", "error", err, "prospect_id", id)
		return err
	}
	if tag.RowsAffected() == 0 {
		return core_domain.ErrNotFound
	}
	return nil
}
