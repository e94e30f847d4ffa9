package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/leadforge/outreach_services/internal/core_domain"
	"github.com/leadforge/outreach_services/internal/platform/database"
)

const sequenceColumns = `id, name, status, interval_days, message_count, created_at, updated_at`

type PgSequenceRepository struct {
	db     database.DBTX
	logger *slog.Logger
}

func NewPgSequenceRepository(db database.DBTX, logger *slog.Logger) *PgSequenceRepository {
	return &PgSequenceRepository{db: db, logger: logger}
}

func scanSequence(row pgx.Row) (*core_domain.Sequence, error) {
	s := &core_domain.Sequence{}
	err := row.Scan(&s.ID, &s.Name, &s.Status, &s.IntervalDays, &s.MessageCount, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

// Create inserts the sequence and its script in one transaction.
func (r *PgSequenceRepository) Create(ctx context.Context, seq *core_domain.Sequence, messages []*core_domain.SequenceMessage) (err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				r.logger.ErrorContext(ctx, "Rollback failed", "error", rbErr)
			}
		}
	}()

	_, err = tx.Exec(ctx, `INSERT INTO sequences (`+sequenceColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		seq.ID, seq.Name, seq.Status, seq.IntervalDays, seq.MessageCount, seq.CreatedAt, seq.UpdatedAt)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error creating sequence", "error", err, "sequence_id", seq.ID)
		return err
	}
	for _, m := range messages {
		_, err = tx.Exec(ctx, `
			INSERT INTO sequence_messages (id, sequence_id, position, content, delay_hours)
			VALUES ($1, $2, $3, $4, $5)`,
			m.ID, m.SequenceID, m.Position, m.Content, m.DelayHours)
		if err != nil {
			r.logger.ErrorContext(ctx, "Error creating sequence message", "error", err, "sequence_id", seq.ID, "position", m.Position)
			return err
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	r.logger.InfoContext(ctx, "Sequence created", "sequence_id", seq.ID, "messages", len(messages))
	return nil
}

func (r *PgSequenceRepository) GetByID(ctx context.Context, id uuid.UUID) (*core_domain.Sequence, error) {
	s, err := scanSequence(r.db.QueryRow(ctx, `SELECT `+sequenceColumns+` FROM sequences WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core_domain.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Error loading sequence", "error", err, "sequence_id", id)
		return nil, err
	}
	return s, nil
}

func (r *PgSequenceRepository) ListByStatus(ctx context.Context, status core_domain.SequenceStatus) ([]*core_domain.Sequence, error) {
	rows, err := r.db.Query(ctx, `SELECT `+sequenceColumns+` FROM sequences WHERE status = $1 ORDER BY created_at`, status)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing sequences", "error", err, "status", status)
		return nil, err
	}
	defer rows.Close()

	var out []*core_domain.Sequence
	for rows.Next() {
		s, err := scanSequence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PgSequenceRepository) SetStatus(ctx context.Context, id uuid.UUID, status core_domain.SequenceStatus, at time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE sequences SET status = $1, updated_at = $2 WHERE id = $3`, status, at, id)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating sequence status", "error", err, "sequence_id", id)
		return err
	}
	if tag.RowsAffected() == 0 {
		return core_domain.ErrNotFound
	}
	r.logger.InfoContext(ctx, "Sequence status updated", "sequence_id", id, "status", status)
	return nil
}

func (r *PgSequenceRepository) ListMessages(ctx context.Context, sequenceID uuid.UUID) ([]*core_domain.SequenceMessage, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, sequence_id, position, content, delay_hours
		FROM sequence_messages WHERE sequence_id = $1 ORDER BY position`, sequenceID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing sequence messages", "error", err, "sequence_id", sequenceID)
		return nil, err
	}
	defer rows.Close()

	var out []*core_domain.SequenceMessage
	for rows.Next() {
		m := &core_domain.SequenceMessage{}
		if err := rows.Scan(&m.ID, &m.SequenceID, &m.Position, &m.Content, &m.DelayHours); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
