package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/leadforge/outreach_services/internal/core_domain"
	"github.com/leadforge/outreach_services/internal/platform/database"
)

type PgConnectionQueueRepository struct {
	db     database.DBTX
	logger *slog.Logger
}

func NewPgConnectionQueueRepository(db database.DBTX, logger *slog.Logger) *PgConnectionQueueRepository {
	return &PgConnectionQueueRepository{db: db, logger: logger}
}

func (r *PgConnectionQueueRepository) Enqueue(ctx context.Context, e *core_domain.ConnectionQueueEntry) (bool, error) {
	query := `
		INSERT INTO connection_queue (id, prospect_id, sequence_id, status, scheduled_at, priority, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $7)
		ON CONFLICT DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query, e.ID, e.ProspectID, e.SequenceID, core_domain.QueuePending, e.ScheduledAt, e.Priority, e.CreatedAt)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error enqueuing connection request", "error", err, "prospect_id", e.ProspectID)
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PgConnectionQueueRepository) ClaimNext(ctx context.Context, now time.Time) (*core_domain.ConnectionQueueEntry, error) {
	query := `
		WITH next_entry AS (
			SELECT id
			FROM connection_queue
			WHERE status = $1 AND scheduled_at <= $2
			ORDER BY priority DESC, scheduled_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE connection_queue cq
		SET status = $3, attempts = cq.attempts + 1, processing_started_at = $2, updated_at = $2
		FROM next_entry ne
		WHERE cq.id = ne.id
		RETURNING cq.id, cq.prospect_id, cq.sequence_id, cq.status, cq.scheduled_at, cq.priority, cq.attempts,
			cq.processing_started_at, cq.completed_at, cq.error, cq.created_at, cq.updated_at
	`
	e := &core_domain.ConnectionQueueEntry{}
	err := r.db.QueryRow(ctx, query, core_domain.QueuePending, now, core_domain.QueueProcessing).Scan(
		&e.ID, &e.ProspectID, &e.SequenceID, &e.Status, &e.ScheduledAt, &e.Priority, &e.Attempts,
		&e.ProcessingStartedAt, &e.CompletedAt, &e.Error, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core_domain.ErrNoDueEntries
		}
		r.logger.ErrorContext(ctx, "Error claiming connection queue entry", "error", err)
		return nil, err
	}
	r.logger.InfoContext(ctx, "Claimed connection queue entry", "entry_id", e.ID, "attempts", e.Attempts)
	return e, nil
}

func (r *PgConnectionQueueRepository) finish(ctx context.Context, op string, id uuid.UUID, query string, args ...any) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating connection queue entry", "op", op, "error", err, "entry_id", id)
		return err
	}
	if tag.RowsAffected() == 0 {
		r.logger.WarnContext(ctx, "Processing connection queue entry not found", "op", op, "entry_id", id)
		return core_domain.ErrNotFound
	}
	return nil
}

func (r *PgConnectionQueueRepository) MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE connection_queue
		SET status = $1, completed_at = $2, processing_started_at = NULL, updated_at = $2
		WHERE id = $3 AND status = $4
	`
	return r.finish(ctx, "mark_sent", id, query, core_domain.QueueSent, at, id, core_domain.QueueProcessing)
}

func (r *PgConnectionQueueRepository) MarkFailed(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	query := `
		UPDATE connection_queue
		SET status = $1, error = $2, completed_at = $3, processing_started_at = NULL, updated_at = $3
		WHERE id = $4 AND status = $5
	`
	return r.finish(ctx, "mark_failed", id, query, core_domain.QueueFailed, reason, at, id, core_domain.QueueProcessing)
}

func (r *PgConnectionQueueRepository) Requeue(ctx context.Context, id uuid.UUID, scheduledAt time.Time, reason string, at time.Time) error {
	query := `
		UPDATE connection_queue
		SET status = $1, scheduled_at = $2, error = $3, processing_started_at = NULL, updated_at = $4
		WHERE id = $5 AND status = $6
	`
	return r.finish(ctx, "requeue", id, query, core_domain.QueuePending, scheduledAt, reason, at, id, core_domain.QueueProcessing)
}

func (r *PgConnectionQueueRepository) ReclaimStuck(ctx context.Context, startedBefore, now time.Time) (int64, error) {
	query := `
		UPDATE connection_queue
		SET status = $1, processing_started_at = NULL, updated_at = $2
		WHERE status = $3 AND processing_started_at < $4
	`
	tag, err := r.db.Exec(ctx, query, core_domain.QueuePending, now, core_domain.QueueProcessing, startedBefore)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error reclaiming stuck connection queue entries", "error", err)
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *PgConnectionQueueRepository) CountByStatus(ctx context.Context) (map[core_domain.QueueStatus]int, error) {
	return countByStatus(ctx, r.db, `SELECT status, COUNT(*) FROM connection_queue GROUP BY status`)
}
