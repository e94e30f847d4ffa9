package postgres

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadforge/outreach_services/internal/core_domain"
)

var entryColumns = []string{
	"id", "prospect_id", "prospect_sequence_status_id", "message_id", "sequence_id", "step", "content",
	"scheduled_for", "priority", "attempts", "last_attempt_at", "last_error", "status", "processing_started_at", "sent_at",
	"created_at", "updated_at",
}

func setupMessageQueueRepo(t *testing.T) (*PgMessageQueueRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewPgMessageQueueRepository(mock, logger), mock
}

func TestPgMessageQueueRepository_ClaimNext(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)

	t.Run("claims the selected entry", func(t *testing.T) {
		repo, mock := setupMessageQueueRepo(t)
		id := uuid.New()
		rows := pgxmock.NewRows(entryColumns).AddRow(
			id, uuid.New(), uuid.New(), uuid.New(), uuid.New(), 1, "Hi Ada",
			now.Add(-time.Minute), 0, 1, &now, nil, core_domain.QueueProcessing, &now, nil,
			now.Add(-time.Hour), now,
		)
		mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
			WithArgs(core_domain.QueueQueued, now, core_domain.QueueProcessing).
			WillReturnRows(rows)

		e, err := repo.ClaimNext(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, id, e.ID)
		assert.Equal(t, core_domain.QueueProcessing, e.Status)
		assert.Equal(t, 1, e.Attempts)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nothing due", func(t *testing.T) {
		repo, mock := setupMessageQueueRepo(t)
		mock.ExpectQuery(`WITH next_entry AS`).
			WithArgs(core_domain.QueueQueued, now, core_domain.QueueProcessing).
			WillReturnRows(pgxmock.NewRows(entryColumns))

		_, err := repo.ClaimNext(ctx, now)
		assert.ErrorIs(t, err, core_domain.ErrNoDueEntries)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("database error", func(t *testing.T) {
		repo, mock := setupMessageQueueRepo(t)
		boom := errors.New("connection reset")
		mock.ExpectQuery(`WITH next_entry AS`).
			WithArgs(core_domain.QueueQueued, now, core_domain.QueueProcessing).
			WillReturnError(boom)

		_, err := repo.ClaimNext(ctx, now)
		assert.ErrorIs(t, err, boom)
	})
}

func TestPgMessageQueueRepository_Transitions(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)
	id := uuid.New()

	t.Run("mark sent only from processing", func(t *testing.T) {
		repo, mock := setupMessageQueueRepo(t)
		mock.ExpectExec(`UPDATE message_queue`).
			WithArgs(core_domain.QueueSent, now, id, core_domain.QueueProcessing).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err := repo.MarkSent(ctx, id, now)
		assert.ErrorIs(t, err, core_domain.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("requeue", func(t *testing.T) {
		repo, mock := setupMessageQueueRepo(t)
		later := now.Add(15 * time.Minute)
		mock.ExpectExec(`SET status = \$1, scheduled_for = \$2`).
			WithArgs(core_domain.QueueQueued, later, "session disconnected", now, id, core_domain.QueueProcessing).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, repo.Requeue(ctx, id, later, "session disconnected", now))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("cancel claimed entry", func(t *testing.T) {
		repo, mock := setupMessageQueueRepo(t)
		mock.ExpectExec(`UPDATE message_queue`).
			WithArgs(core_domain.QueueCancelled, "sequence is paused", now, id, core_domain.QueueProcessing).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, repo.Cancel(ctx, id, "sequence is paused", now))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("cancel for sequence touches only queued", func(t *testing.T) {
		repo, mock := setupMessageQueueRepo(t)
		seqID := uuid.New()
		mock.ExpectExec(`prospect_sequence_status_id IN \(SELECT id FROM prospect_sequence_statuses WHERE sequence_id = \$4\)`).
			WithArgs(core_domain.QueueCancelled, now, core_domain.QueueQueued, seqID).
			WillReturnResult(pgxmock.NewResult("UPDATE", 3))

		n, err := repo.CancelForSequence(ctx, seqID, now)
		require.NoError(t, err)
		assert.EqualValues(t, 3, n)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reclaim stuck", func(t *testing.T) {
		repo, mock := setupMessageQueueRepo(t)
		cutoff := now.Add(-30 * time.Minute)
		mock.ExpectExec(`processing_started_at < \$4`).
			WithArgs(core_domain.QueueQueued, now, core_domain.QueueProcessing, cutoff).
			WillReturnResult(pgxmock.NewResult("UPDATE", 2))

		n, err := repo.ReclaimStuck(ctx, cutoff, now)
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)
	})
}

func TestPgMessageQueueRepository_EnqueueDuplicate(t *testing.T) {
	ctx := context.Background()
	repo, mock := setupMessageQueueRepo(t)
	e := &core_domain.MessageQueueEntry{ID: uuid.New(), ScheduledFor: time.Now(), CreatedAt: time.Now()}
	mock.ExpectExec(`INSERT INTO message_queue`).
		WithArgs(e.ID, e.ProspectID, e.ProspectSequenceStatusID, e.MessageID, e.SequenceID, e.Step, e.Content,
			e.ScheduledFor, e.Priority, core_domain.QueueQueued, e.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	ok, err := repo.Enqueue(ctx, e)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
