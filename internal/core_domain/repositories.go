package core_domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type CredentialRepository interface {
	Get(ctx context.Context, name string) (*Credential, error)
	Upsert(ctx context.Context, name, value string) error
	UpdateValidity(ctx context.Context, name string, isValid bool, checkedAt time.Time) error
}

type SettingsRepository interface {
	Get(ctx context.Context) (*AppSettings, error)
	Save(ctx context.Context, settings *AppSettings) error
}

// DailyStatsRepository stores one row per stats day. Seed carries the date and the quotas
// to use when the row has to be created.
type DailyStatsRepository interface {
	GetOrCreate(ctx context.Context, seed DailyStats) (*DailyStats, error)
	Increment(ctx context.Context, seed DailyStats, action ActionType) (*DailyStats, error)
	UpdateQuotas(ctx context.Context, seed DailyStats) error
}

type ProspectRepository interface {
	Create(ctx context.Context, p *Prospect) error
	GetByID(ctx context.Context, id uuid.UUID) (*Prospect, error)
	FindByProfileURL(ctx context.Context, profileURL string) (*Prospect, error)
	ListAwaitingAcceptance(ctx context.Context) ([]*Prospect, error)
	SetConnectionStatus(ctx context.Context, id uuid.UUID, status ConnectionStatus) error
}

type SequenceRepository interface {
	Create(ctx context.Context, seq *Sequence, messages []*SequenceMessage) error
	GetByID(ctx context.Context, id uuid.UUID) (*Sequence, error)
	ListByStatus(ctx context.Context, status SequenceStatus) ([]*Sequence, error)
	SetStatus(ctx context.Context, id uuid.UUID, status SequenceStatus, at time.Time) error
	// ListMessages returns the script ordered by position.
	ListMessages(ctx context.Context, sequenceID uuid.UUID) ([]*SequenceMessage, error)
}

// PromoteFilter narrows PromoteConnected. Nil fields match everything.
type PromoteFilter struct {
	ProspectID *uuid.UUID
	SequenceID *uuid.UUID
}

// ProspectStatusRepository persists ProspectSequenceStatus records. Every mutation is a
// targeted update by key; none of them read-modify-write in memory.
type ProspectStatusRepository interface {
	Create(ctx context.Context, s *ProspectSequenceStatus) error
	GetByID(ctx context.Context, id uuid.UUID) (*ProspectSequenceStatus, error)
	// ListSchedulable returns active statuses of the sequence with no next message scheduled.
	ListSchedulable(ctx context.Context, sequenceID uuid.UUID) ([]*ProspectSequenceStatus, error)
	// SetNextScheduled only applies to active statuses and reports whether one was updated.
	SetNextScheduled(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	// ClearNextScheduledForSequence clears the schedule of statuses with nothing in flight.
	ClearNextScheduledForSequence(ctx context.Context, sequenceID uuid.UUID) (int64, error)
	// RecordSend raises CurrentStep to at least step and appends the history entry.
	RecordSend(ctx context.Context, id uuid.UUID, step int, entry HistoryEntry) (*ProspectSequenceStatus, error)
	AppendHistory(ctx context.Context, id uuid.UUID, entry HistoryEntry) (*ProspectSequenceStatus, error)
	// Complete and Fail are no-ops on terminal statuses and report whether a row changed.
	Complete(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	Fail(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	MarkInvitationSent(ctx context.Context, prospectID uuid.UUID, at time.Time) (int64, error)
	MarkConnected(ctx context.Context, prospectID uuid.UUID, at time.Time) (int64, error)
	// PromoteConnected moves pending, connected statuses of active sequences to active.
	PromoteConnected(ctx context.Context, filter PromoteFilter, at time.Time) ([]uuid.UUID, error)
	Stats(ctx context.Context, sequenceID uuid.UUID) (*SequenceStats, error)
}

type MessageQueueRepository interface {
	// Enqueue reports false when an open entry for the same status and message exists.
	Enqueue(ctx context.Context, e *MessageQueueEntry) (bool, error)
	// ClaimNext atomically moves the best due entry to processing or returns ErrNoDueEntries.
	ClaimNext(ctx context.Context, now time.Time) (*MessageQueueEntry, error)
	MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string, at time.Time) error
	Requeue(ctx context.Context, id uuid.UUID, scheduledFor time.Time, reason string, at time.Time) error
	// Cancel moves a processing entry to cancelled.
	Cancel(ctx context.Context, id uuid.UUID, reason string, at time.Time) error
	ReclaimStuck(ctx context.Context, startedBefore, now time.Time) (int64, error)
	CancelForSequence(ctx context.Context, sequenceID uuid.UUID, at time.Time) (int64, error)
	CountByStatus(ctx context.Context) (map[QueueStatus]int, error)
}

type ConnectionQueueRepository interface {
	Enqueue(ctx context.Context, e *ConnectionQueueEntry) (bool, error)
	ClaimNext(ctx context.Context, now time.Time) (*ConnectionQueueEntry, error)
	MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string, at time.Time) error
	Requeue(ctx context.Context, id uuid.UUID, scheduledAt time.Time, reason string, at time.Time) error
	ReclaimStuck(ctx context.Context, startedBefore, now time.Time) (int64, error)
	CountByStatus(ctx context.Context) (map[QueueStatus]int, error)
}
