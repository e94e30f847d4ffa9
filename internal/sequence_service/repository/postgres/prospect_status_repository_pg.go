package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/leadforge/outreach_services/internal/core_domain"
	"github.com/leadforge/outreach_services/internal/platform/database"
)

const statusColumns = `id, prospect_id, sequence_id, current_step, status, connection_status, invitation_sent_at,
	next_message_scheduled_at, last_message_sent_at, completed_at, history, created_at, updated_at`

type PgProspectStatusRepository struct {
	db     database.DBTX
	logger *slog.Logger
}

func NewPgProspectStatusRepository(db database.DBTX, logger *slog.Logger) *PgProspectStatusRepository {
	return &PgProspectStatusRepository{db: db, logger: logger}
}

func scanStatus(row pgx.Row) (*core_domain.ProspectSequenceStatus, error) {
	st := &core_domain.ProspectSequenceStatus{}
	var history []byte
	err := row.Scan(&st.ID, &st.ProspectID, &st.SequenceID, &st.CurrentStep, &st.Status, &st.ConnectionStatus,
		&st.InvitationSentAt, &st.NextMessageScheduledAt, &st.LastMessageSentAt, &st.CompletedAt, &history,
		&st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &st.History); err != nil {
			return nil, fmt.Errorf("decode history: %w", err)
		}
	}
	return st, nil
}

func (r *PgProspectStatusRepository) one(ctx context.Context, op string, query string, args ...any) (*core_domain.ProspectSequenceStatus, error) {
	st, err := scanStatus(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core_domain.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Prospect status query failed", "op", op, "error", err)
		return nil, err
	}
	return st, nil
}

func (r *PgProspectStatusRepository) Create(ctx context.Context, st *core_domain.ProspectSequenceStatus) error {
	history, err := json.Marshal(append([]core_domain.HistoryEntry{}, st.History...))
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	_, err = r.db.Exec(ctx, `INSERT INTO prospect_sequence_statuses (`+statusColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		st.ID, st.ProspectID, st.SequenceID, st.CurrentStep, st.Status, st.ConnectionStatus, st.InvitationSentAt,
		st.NextMessageScheduledAt, st.LastMessageSentAt, st.CompletedAt, history, st.CreatedAt, st.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return core_domain.ErrAlreadyEnrolled
		}
		r.logger.ErrorContext(ctx, "Error creating prospect status", "error", err, "prospect_id", st.ProspectID, "sequence_id", st.SequenceID)
		return err
	}
	return nil
}

func (r *PgProspectStatusRepository) GetByID(ctx context.Context, id uuid.UUID) (*core_domain.ProspectSequenceStatus, error) {
	return r.one(ctx, "get", `SELECT `+statusColumns+` FROM prospect_sequence_statuses WHERE id = $1`, id)
}

func (r *PgProspectStatusRepository) ListSchedulable(ctx context.Context, sequenceID uuid.UUID) ([]*core_domain.ProspectSequenceStatus, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+statusColumns+`
		FROM prospect_sequence_statuses
		WHERE sequence_id = $1 AND status = $2 AND next_message_scheduled_at IS NULL
		ORDER BY created_at`, sequenceID, core_domain.ProspectActive)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing schedulable statuses", "error", err, "sequence_id", sequenceID)
		return nil, err
	}
	defer rows.Close()

	var out []*core_domain.ProspectSequenceStatus
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (r *PgProspectStatusRepository) SetNextScheduled(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE prospect_sequence_statuses
		SET next_message_scheduled_at = $1, updated_at = now()
		WHERE id = $2 AND status = $3`, at, id, core_domain.ProspectActive)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error setting next scheduled time", "error", err, "status_id", id)
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgProspectStatusRepository) ClearNextScheduledForSequence(ctx context.Context, sequenceID uuid.UUID) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE prospect_sequence_statuses pss
		SET next_message_scheduled_at = NULL, updated_at = now()
		WHERE pss.sequence_id = $1
		  AND pss.next_message_scheduled_at IS NOT NULL
		  AND NOT EXISTS (
		      SELECT 1 FROM message_queue mq
		      WHERE mq.prospect_sequence_status_id = pss.id AND mq.status = $2
		  )`, sequenceID, core_domain.QueueProcessing)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error clearing schedules", "error", err, "sequence_id", sequenceID)
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RecordSend raises current_step with GREATEST so a late or replayed success never lowers it.
func (r *PgProspectStatusRepository) RecordSend(ctx context.Context, id uuid.UUID, step int, entry core_domain.HistoryEntry) (*core_domain.ProspectSequenceStatus, error) {
	raw, err := json.Marshal([]core_domain.HistoryEntry{entry})
	if err != nil {
		return nil, fmt.Errorf("encode history: %w", err)
	}
	return r.one(ctx, "record_send", `
		UPDATE prospect_sequence_statuses
		SET current_step = GREATEST(current_step, $1),
		    last_message_sent_at = $2,
		    next_message_scheduled_at = NULL,
		    history = history || $3::jsonb,
		    updated_at = $2
		WHERE id = $4
		RETURNING `+statusColumns, step, entry.SentAt, raw, id)
}

func (r *PgProspectStatusRepository) AppendHistory(ctx context.Context, id uuid.UUID, entry core_domain.HistoryEntry) (*core_domain.ProspectSequenceStatus, error) {
	raw, err := json.Marshal([]core_domain.HistoryEntry{entry})
	if err != nil {
		return nil, fmt.Errorf("encode history: %w", err)
	}
	return r.one(ctx, "append_history", `
		UPDATE prospect_sequence_statuses
		SET history = history || $1::jsonb, updated_at = $2
		WHERE id = $3
		RETURNING `+statusColumns, raw, entry.SentAt, id)
}

func (r *PgProspectStatusRepository) terminate(ctx context.Context, id uuid.UUID, to core_domain.ProspectStatus, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE prospect_sequence_statuses
		SET status = $1,
		    next_message_scheduled_at = NULL,
		    completed_at = CASE WHEN $1 = 'completed' THEN $2 ELSE completed_at END,
		    updated_at = $2
		WHERE id = $3 AND status NOT IN ('completed', 'failed')`, to, at, id)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error terminating prospect status", "error", err, "status_id", id, "to", to)
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgProspectStatusRepository) Complete(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	return r.terminate(ctx, id, core_domain.ProspectCompleted, at)
}

func (r *PgProspectStatusRepository) Fail(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	return r.terminate(ctx, id, core_domain.ProspectFailed, at)
}

func (r *PgProspectStatusRepository) MarkInvitationSent(ctx context.Context, prospectID uuid.UUID, at time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE prospect_sequence_statuses
		SET connection_status = $1, invitation_sent_at = $2, updated_at = $2
		WHERE prospect_id = $3 AND connection_status = $4`,
		core_domain.ConnectionInvitationSent, at, prospectID, core_domain.ConnectionNotConnected)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error marking invitation sent", "error", err, "prospect_id", prospectID)
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *PgProspectStatusRepository) MarkConnected(ctx context.Context, prospectID uuid.UUID, at time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE prospect_sequence_statuses
		SET connection_status = $1, updated_at = $2
		WHERE prospect_id = $3 AND connection_status <> $1`,
		core_domain.ConnectionConnected, at, prospectID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error marking prospect connected", "error", err, "prospect_id", prospectID)
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *PgProspectStatusRepository) PromoteConnected(ctx context.Context, filter core_domain.PromoteFilter, at time.Time) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE prospect_sequence_statuses pss
		SET status = $1, updated_at = $2
		FROM sequences s
		WHERE s.id = pss.sequence_id
		  AND s.status = $3
		  AND pss.status = $4
		  AND pss.connection_status = $5
		  AND ($6::uuid IS NULL OR pss.prospect_id = $6)
		  AND ($7::uuid IS NULL OR pss.sequence_id = $7)
		RETURNING pss.id`,
		core_domain.ProspectActive, at, core_domain.SequenceActive, core_domain.ProspectPending,
		core_domain.ConnectionConnected, filter.ProspectID, filter.SequenceID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error promoting connected prospects", "error", err)
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PgProspectStatusRepository) Stats(ctx context.Context, sequenceID uuid.UUID) (*core_domain.SequenceStats, error) {
	rows, err := r.db.Query(ctx, `
		SELECT status, current_step, COUNT(*)
		FROM prospect_sequence_statuses
		WHERE sequence_id = $1
		GROUP BY status, current_step`, sequenceID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error loading sequence stats", "error", err, "sequence_id", sequenceID)
		return nil, err
	}
	defer rows.Close()

	stats := &core_domain.SequenceStats{
		SequenceID: sequenceID,
		ByStatus:   map[core_domain.ProspectStatus]int{},
		ByStep:     map[int]int{},
	}
	for rows.Next() {
		var (
			status core_domain.ProspectStatus
			step   int
			n      int
		)
		if err := rows.Scan(&status, &step, &n); err != nil {
			return nil, err
		}
		stats.ByStatus[status] += n
		stats.ByStep[step] += n
	}
	return stats, rows.Err()
}
