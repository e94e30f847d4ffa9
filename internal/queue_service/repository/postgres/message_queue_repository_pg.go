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

type PgMessageQueueRepository struct {
	db     database.DBTX
	logger *slog.Logger
}

func NewPgMessageQueueRepository(db database.DBTX, logger *slog.Logger) *PgMessageQueueRepository {
	return &PgMessageQueueRepository{db: db, logger: logger}
}

func scanMessageEntry(row pgx.Row) (*core_domain.MessageQueueEntry, error) {
	e := &core_domain.MessageQueueEntry{}
	err := row.Scan(
		&e.ID, &e.ProspectID, &e.ProspectSequenceStatusID, &e.MessageID, &e.SequenceID, &e.Step, &e.Content,
		&e.ScheduledFor, &e.Priority, &e.Attempts, &e.LastAttemptAt, &e.LastError, &e.Status, &e.ProcessingStartedAt, &e.SentAt,
		&e.CreatedAt, &e.UpdatedAt,
	)
	return e, err
}

func (r *PgMessageQueueRepository) Enqueue(ctx context.Context, e *core_domain.MessageQueueEntry) (bool, error) {
	query := `
		INSERT INTO message_queue (id, prospect_id, prospect_sequence_status_id, message_id, sequence_id, step, content,
			scheduled_for, priority, attempts, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $11, $11)
		ON CONFLICT DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query,
		e.ID, e.ProspectID, e.ProspectSequenceStatusID, e.MessageID, e.SequenceID, e.Step, e.Content,
		e.ScheduledFor, e.Priority, core_domain.QueueQueued, e.CreatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error enqueuing message", "error", err, "entry_id", e.ID)
		return false, err
	}
	if tag.RowsAffected() == 0 {
		r.logger.DebugContext(ctx, "Message already queued for step", "status_id", e.ProspectSequenceStatusID, "message_id", e.MessageID)
		return false, nil
	}
	return true, nil
}

// ClaimNext locks the best due entry with SKIP LOCKED so concurrent callers never
// receive the same row, then flips it to processing in the same statement.
func (r *PgMessageQueueRepository) ClaimNext(ctx context.Context, now time.Time) (*core_domain.MessageQueueEntry, error) {
	query := `
		WITH next_entry AS (
			SELECT id
			FROM message_queue
			WHERE status = $1 AND scheduled_for <= $2
			ORDER BY priority DESC, scheduled_for ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE message_queue mq
		SET status = $3, attempts = mq.attempts + 1, last_attempt_at = $2, processing_started_at = $2, updated_at = $2
		FROM next_entry ne
		WHERE mq.id = ne.id
		RETURNING mq.id, mq.prospect_id, mq.prospect_sequence_status_id, mq.message_id, mq.sequence_id, mq.step, mq.content,
			mq.scheduled_for, mq.priority, mq.attempts, mq.last_attempt_at, mq.last_error, mq.status, mq.processing_started_at, mq.sent_at,
			mq.created_at, mq.updated_at
	`
	e, err := scanMessageEntry(r.db.QueryRow(ctx, query, core_domain.QueueQueued, now, core_domain.QueueProcessing))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core_domain.ErrNoDueEntries
		}
		r.logger.ErrorContext(ctx, "Error claiming message queue entry", "error", err)
		return nil, err
	}
	r.logger.InfoContext(ctx, "Claimed message queue entry", "entry_id", e.ID, "attempts", e.Attempts)
	return e, nil
}

// finish applies a terminal or requeue transition to a processing entry.
func (r *PgMessageQueueRepository) finish(ctx context.Context, op string, id uuid.UUID, query string, args ...any) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating message queue entry", "op", op, "error", err, "entry_id", id)
		return err
	}
	if tag.RowsAffected() == 0 {
		r.logger.WarnContext(ctx, "Processing message queue entry not found", "op", op, "entry_id", id)
		return core_domain.ErrNotFound
	}
	return nil
}

func (r *PgMessageQueueRepository) MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE message_queue
		SET status = $1, sent_at = $2, processing_started_at = NULL, updated_at = $2
		WHERE id = $3 AND status = $4
	`
	return r.finish(ctx, "mark_sent", id, query, core_domain.QueueSent, at, id, core_domain.QueueProcessing)
}

func (r *PgMessageQueueRepository) MarkFailed(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	query := `
		UPDATE message_queue
		SET status = $1, last_error = $2, processing_started_at = NULL, updated_at = $3
		WHERE id = $4 AND status = $5
	`
	return r.finish(ctx, "mark_failed", id, query, core_domain.QueueFailed, reason, at, id, core_domain.QueueProcessing)
}

func (r *PgMessageQueueRepository) Requeue(ctx context.Context, id uuid.UUID, scheduledFor time.Time, reason string, at time.Time) error {
	query := `
		UPDATE message_queue
		SET status = $1, scheduled_for = $2, last_error = $3, processing_started_at = NULL, updated_at = $4
		WHERE id = $5 AND status = $6
	`
	return r.finish(ctx, "requeue", id, query, core_domain.QueueQueued, scheduledFor, reason, at, id, core_domain.QueueProcessing)
}

func (r *PgMessageQueueRepository) Cancel(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	query := `
		UPDATE message_queue
		SET status = $1, last_error = $2, processing_started_at = NULL, updated_at = $3
		WHERE id = $4 AND status = $5
	`
	return r.finish(ctx, "cancel", id, query, core_domain.QueueCancelled, reason, at, id, core_domain.QueueProcessing)
}

func (r *PgMessageQueueRepository) ReclaimStuck(ctx context.Context, startedBefore, now time.Time) (int64, error) {
	query := `
		UPDATE message_queue
		SET status = $1, processing_started_at = NULL, updated_at = $2
		WHERE status = $3 AND processing_started_at < $4
	`
	tag, err := r.db.Exec(ctx, query, core_domain.QueueQueued, now, core_domain.QueueProcessing, startedBefore)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error reclaiming stuck message queue entries", "error", err)
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *PgMessageQueueRepository) CancelForSequence(ctx context.Context, sequenceID uuid.UUID, at time.Time) (int64, error) {
	query := `
		UPDATE message_queue
		SET status = $1, updated_at = $2
		WHERE status = $3
		  AND prospect_sequence_status_id IN (SELECT id FROM prospect_sequence_statuses WHERE sequence_id = $4)
	`
	tag, err := r.db.Exec(ctx, query, core_domain.QueueCancelled, at, core_domain.QueueQueued, sequenceID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error cancelling queued messages", "error", err, "sequence_id", sequenceID)
		return 0, err
	}
	r.logger.InfoContext(ctx, "Cancelled queued messages", "sequence_id", sequenceID, "count", tag.RowsAffected())
	return tag.RowsAffected(), nil
}

func (r *PgMessageQueueRepository) CountByStatus(ctx context.Context) (map[core_domain.QueueStatus]int, error) {
	return countByStatus(ctx, r.db, `SELECT status, COUNT(*) FROM message_queue GROUP BY status`)
}

func countByStatus(ctx context.Context, db database.DBTX, query string) (map[core_domain.QueueStatus]int, error) {
	rows, err := db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[core_domain.QueueStatus]int{}
	for rows.Next() {
		var status core_domain.QueueStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}
