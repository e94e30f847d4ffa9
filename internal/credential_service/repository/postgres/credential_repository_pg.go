package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/leadforge/outreach_services/internal/core_domain"
	"github.com/leadforge/outreach_services/internal/platform/database"
)

// ValueSealer encrypts the credential value at rest.
type ValueSealer interface {
	Seal(plaintext string) ([]byte, error)
	Open(sealed []byte) (string, error)
}

type PgCredentialRepository struct {
	db     database.DBTX
	sealer ValueSealer
	logger *slog.Logger
}

func NewPgCredentialRepository(db database.DBTX, sealer ValueSealer, logger *slog.Logger) *PgCredentialRepository {
	return &PgCredentialRepository{db: db, sealer: sealer, logger: logger}
}

func (r *PgCredentialRepository) Get(ctx context.Context, name string) (*core_domain.Credential, error) {
	query := `SELECT name, value_sealed, is_valid, last_checked_at, updated_at FROM credentials WHERE name = $1`
	c := &core_domain.Credential{}
	var sealed []byte
	err := r.db.QueryRow(ctx, query, name).Scan(&c.Name, &sealed, &c.IsValid, &c.LastCheckedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core_domain.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Error loading credential", "error", err, "name", name)
		return nil, err
	}
	value, err := r.sealer.Open(sealed)
	if err != nil {
		r.logger.ErrorContext(ctx, "Stored credential cannot be decrypted", "error", err, "name", name)
		return nil, fmt.Errorf("open credential %s: %w", name, err)
	}
	c.Value = value
	return c, nil
}

// Upsert overwrites the value and resets validity until the next check.
func (r *PgCredentialRepository) Upsert(ctx context.Context, name, value string) error {
	sealed, err := r.sealer.Seal(value)
	if err != nil {
		return fmt.Errorf("seal credential %s: %w", name, err)
	}
	query := `
		INSERT INTO credentials (name, value_sealed, is_valid, updated_at) VALUES ($1, $2, FALSE, now())
		ON CONFLICT (name) DO UPDATE SET value_sealed = EXCLUDED.value_sealed, is_valid = FALSE, updated_at = now()
	`
	if _, err := r.db.Exec(ctx, query, name, sealed); err != nil {
		r.logger.ErrorContext(ctx, "Error storing credential", "error", err, "name", name)
		return err
	}
	return nil
}

func (r *PgCredentialRepository) UpdateValidity(ctx context.Context, name string, isValid bool, checkedAt time.Time) error {
	query := `UPDATE credentials SET is_valid = $1, last_checked_at = $2, updated_at = now() WHERE name = $3`
	tag, err := r.db.Exec(ctx, query, isValid, checkedAt, name)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating credential validity", "error", err, "name", name)
		return err
	}
	if tag.RowsAffected() == 0 {
		return core_domain.ErrNotFound
	}
	return nil
}
