package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/leadforge/outreach_services/internal/core_domain"
)

const (
	messageQueueName    = "message"
	connectionQueueName = "connection"
)

// Config holds queue timing.
type Config struct {
	TransientRetryDelay time.Duration
	StuckEntryTimeout   time.Duration
}

// FailureOutcome says what MarkFailed did with an entry.
type FailureOutcome string

const (
	OutcomeRequeued FailureOutcome = "requeued"
	OutcomeFailed   FailureOutcome = "failed"
)

// WindowPolicy moves instants into an action's working window.
type WindowPolicy interface {
	NextTimeInWindow(action core_domain.ActionType, from time.Time, delay time.Duration) time.Time
}

// MessageQueue adds failure classification and timing to the message queue repository.
type MessageQueue struct {
	repo   core_domain.MessageQueueRepository
	policy WindowPolicy
	clock  core_domain.Clock
	logger *slog.Logger
	config Config
}

func NewMessageQueue(repo core_domain.MessageQueueRepository, policy WindowPolicy, clock core_domain.Clock, logger *slog.Logger, cfg Config) *MessageQueue {
	return &MessageQueue{repo: repo, policy: policy, clock: clock, logger: logger, config: cfg}
}

func (q *MessageQueue) Enqueue(ctx context.Context, e *core_domain.MessageQueueEntry) (bool, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = q.clock()
	}
	e.Status = core_domain.QueueQueued
	return q.repo.Enqueue(ctx, e)
}

// ClaimNext returns core_domain.ErrNoDueEntries when nothing is due.
func (q *MessageQueue) ClaimNext(ctx context.Context) (*core_domain.MessageQueueEntry, error) {
	e, err := q.repo.ClaimNext(ctx, q.clock())
	switch {
	case errors.Is(err, core_domain.ErrNoDueEntries):
		claimsCounter.WithLabelValues(messageQueueName, "empty").Inc()
		return nil, err
	case err != nil:
		claimsCounter.WithLabelValues(messageQueueName, "error").Inc()
		return nil, fmt.Errorf("claim message entry: %w", err)
	}
	claimsCounter.WithLabelValues(messageQueueName, "claimed").Inc()
	return e, nil
}

func (q *MessageQueue) MarkSent(ctx context.Context, id uuid.UUID) error {
	if err := q.repo.MarkSent(ctx, id, q.clock()); err != nil {
		return fmt.Errorf("mark message entry %s sent: %w", id, err)
	}
	return nil
}

// MarkFailed requeues the entry into the next window slot when cause is transient and
// fails it terminally otherwise.
func (q *MessageQueue) MarkFailed(ctx context.Context, e *core_domain.MessageQueueEntry, cause error) (FailureOutcome, error) {
	now := q.clock()
	if core_domain.IsTransient(cause) {
		retryAt := q.policy.NextTimeInWindow(core_domain.ActionMessage, now, q.config.TransientRetryDelay)
		if err := q.repo.Requeue(ctx, e.ID, retryAt, cause.Error(), now); err != nil {
			return "", fmt.Errorf("requeue message entry %s: %w", e.ID, err)
		}
		failuresCounter.WithLabelValues(messageQueueName, string(OutcomeRequeued)).Inc()
		q.logger.WarnContext(ctx, "Message entry requeued after transient failure", "entry_id", e.ID, "retry_at", retryAt, "error", cause)
		return OutcomeRequeued, nil
	}
	if err := q.repo.MarkFailed(ctx, e.ID, cause.Error(), now); err != nil {
		return "", fmt.Errorf("mark message entry %s failed: %w", e.ID, err)
	}
	failuresCounter.WithLabelValues(messageQueueName, string(OutcomeFailed)).Inc()
	q.logger.ErrorContext(ctx, "Message entry failed", "entry_id", e.ID, "attempts", e.Attempts, "error", cause)
	return OutcomeFailed, nil
}

// Cancel withdraws a claimed entry that must not be sent any more.
func (q *MessageQueue) Cancel(ctx context.Context, id uuid.UUID, reason string) error {
	if err := q.repo.Cancel(ctx, id, reason, q.clock()); err != nil {
		return fmt.Errorf("cancel message entry %s: %w", id, err)
	}
	failuresCounter.WithLabelValues(messageQueueName, "cancelled").Inc()
	return nil
}

// CancelForSequence cancels queued entries of the sequence; processing and terminal
// entries are left alone.
func (q *MessageQueue) CancelForSequence(ctx context.Context, sequenceID uuid.UUID) (int64, error) {
	n, err := q.repo.CancelForSequence(ctx, sequenceID, q.clock())
	if err != nil {
		return 0, fmt.Errorf("cancel queued messages of sequence %s: %w", sequenceID, err)
	}
	return n, nil
}

func (q *MessageQueue) ReclaimStuck(ctx context.Context) (int64, error) {
	now := q.clock()
	n, err := q.repo.ReclaimStuck(ctx, now.Add(-q.config.StuckEntryTimeout), now)
	if err != nil {
		return 0, fmt.Errorf("reclaim stuck messages: %w", err)
	}
	reclaimedCounter.WithLabelValues(messageQueueName).Add(float64(n))
	return n, nil
}

func (q *MessageQueue) Depth(ctx context.Context) (map[core_domain.QueueStatus]int, error) {
	return q.repo.CountByStatus(ctx)
}

// ConnectionQueue is the connection-request counterpart of MessageQueue.
type ConnectionQueue struct {
	repo   core_domain.ConnectionQueueRepository
	policy WindowPolicy
	clock  core_domain.Clock
	logger *slog.Logger
	config Config
}

func NewConnectionQueue(repo core_domain.ConnectionQueueRepository, policy WindowPolicy, clock core_domain.Clock, logger *slog.Logger, cfg Config) *ConnectionQueue {
	return &ConnectionQueue{repo: repo, policy: policy, clock: clock, logger: logger, config: cfg}
}

func (q *ConnectionQueue) Enqueue(ctx context.Context, e *core_domain.ConnectionQueueEntry) (bool, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	now := q.clock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.ScheduledAt.IsZero() {
		e.ScheduledAt = now
	}
	e.Status = core_domain.QueuePending
	return q.repo.Enqueue(ctx, e)
}

func (q *ConnectionQueue) ClaimNext(ctx context.Context) (*core_domain.ConnectionQueueEntry, error) {
	e, err := q.repo.ClaimNext(ctx, q.clock())
	switch {
	case errors.Is(err, core_domain.ErrNoDueEntries):
		claimsCounter.WithLabelValues(connectionQueueName, "empty").Inc()
		return nil, err
	case err != nil:
		claimsCounter.WithLabelValues(connectionQueueName, "error").Inc()
		return nil, fmt.Errorf("claim connection entry: %w", err)
	}
	claimsCounter.WithLabelValues(connectionQueueName, "claimed").Inc()
	return e, nil
}

func (q *ConnectionQueue) MarkSent(ctx context.Context, id uuid.UUID) error {
	if err := q.repo.MarkSent(ctx, id, q.clock()); err != nil {
		return fmt.Errorf("mark connection entry %s sent: %w", id, err)
	}
	return nil
}

func (q *ConnectionQueue) MarkFailed(ctx context.Context, e *core_domain.ConnectionQueueEntry, cause error) (FailureOutcome, error) {
	now := q.clock()
	if core_domain.IsTransient(cause) {
		retryAt := q.policy.NextTimeInWindow(core_domain.ActionConnection, now, q.config.TransientRetryDelay)
		if err := q.repo.Requeue(ctx, e.ID, retryAt, cause.Error(), now); err != nil {
			return "", fmt.Errorf("requeue connection entry %s: %w", e.ID, err)
		}
		failuresCounter.WithLabelValues(connectionQueueName, string(OutcomeRequeued)).Inc()
		q.logger.WarnContext(ctx, "Connection entry requeued after transient failure", "entry_id", e.ID, "retry_at", retryAt, "error", cause)
		return OutcomeRequeued, nil
	}
	if err := q.repo.MarkFailed(ctx, e.ID, cause.Error(), now); err != nil {
		return "", fmt.Errorf("mark connection entry %s failed: %w", e.ID, err)
	}
	failuresCounter.WithLabelValues(connectionQueueName, string(OutcomeFailed)).Inc()
	q.logger.ErrorContext(ctx, "Connection entry failed", "entry_id", e.ID, "attempts", e.Attempts, "error", cause)
	return OutcomeFailed, nil
}

func (q *ConnectionQueue) ReclaimStuck(ctx context.Context) (int64, error) {
	now := q.clock()
	n, err := q.repo.ReclaimStuck(ctx, now.Add(-q.config.StuckEntryTimeout), now)
	if err != nil {
		return 0, fmt.Errorf("reclaim stuck connection requests: %w", err)
	}
	reclaimedCounter.WithLabelValues(connectionQueueName).Add(float64(n))
	return n, nil
}

func (q *ConnectionQueue) Depth(ctx context.Context) (map[core_domain.QueueStatus]int, error) {
	return q.repo.CountByStatus(ctx)
}
