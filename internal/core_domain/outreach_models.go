package core_domain

import (
	"time"

	"github.com/google/uuid"
)

// ActionType names an outbound action kind that has its own window and quota.
type ActionType string

const (
	ActionMessage    ActionType = "message"
	ActionConnection ActionType = "connection"
)

// Credential is the shared session token gating every external operation.
type Credential struct {
	Name          string     `json:"name"`
	Value         string     `json:"-"`
	IsValid       bool       `json:"is_valid"`
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type ConnectionStatus string

const (
	ConnectionNotConnected   ConnectionStatus = "not_connected"
	ConnectionInvitationSent ConnectionStatus = "invitation_sent"
	ConnectionConnected      ConnectionStatus = "connected"
)

// Prospect is an external contact subject to outreach.
type Prospect struct {
	ID               uuid.UUID        `json:"id"`
	ProfileURL       string           `json:"profile_url"`
	FirstName        string           `json:"first_name"`
	LastName         string           `json:"last_name"`
	FullName         string           `json:"full_name"`
	Company          string           `json:"company"`
	Title            string           `json:"title"`
	ConnectionStatus ConnectionStatus `json:"connection_status"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// DisplayName prefers the stored full name and falls back to first and last.
func (p *Prospect) DisplayName() string {
	if p.FullName != "" {
		return p.FullName
	}
	if p.LastName == "" {
		return p.FirstName
	}
	return p.FirstName + " " + p.LastName
}

type SequenceStatus string

const (
	SequenceDraft     SequenceStatus = "draft"
	SequenceActive    SequenceStatus = "active"
	SequencePaused    SequenceStatus = "paused"
	SequenceCompleted SequenceStatus = "completed"
)

// MaxSequenceMessages is the highest message position a sequence may hold.
const MaxSequenceMessages = 5

type Sequence struct {
	ID           uuid.UUID      `json:"id"`
	Name         string         `json:"name"`
	Status       SequenceStatus `json:"status"`
	IntervalDays int            `json:"interval_days"`
	MessageCount int            `json:"message_count"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// SequenceMessage is one step of a sequence script. Position is 1-based.
type SequenceMessage struct {
	ID         uuid.UUID `json:"id"`
	SequenceID uuid.UUID `json:"sequence_id"`
	Position   int       `json:"position"`
	Content    string    `json:"content"`
	DelayHours int       `json:"delay_hours"`
}

type ProspectStatus string

const (
	ProspectPending   ProspectStatus = "pending"
	ProspectActive    ProspectStatus = "active"
	ProspectPaused    ProspectStatus = "paused"
	ProspectCompleted ProspectStatus = "completed"
	ProspectFailed    ProspectStatus = "failed"
)

type HistoryStatus string

const (
	HistorySent   HistoryStatus = "sent"
	HistoryFailed HistoryStatus = "failed"
)

// HistoryEntry records one send attempt against a step.
type HistoryEntry struct {
	Step   int           `json:"step"`
	Status HistoryStatus `json:"status"`
	SentAt time.Time     `json:"sentAt"`
	Error  string        `json:"error,omitempty"`
}

// ProspectSequenceStatus tracks one prospect's progress through one sequence.
// CurrentStep counts the messages already sent and never decreases.
type ProspectSequenceStatus struct {
	ID                     uuid.UUID        `json:"id"`
	ProspectID             uuid.UUID        `json:"prospect_id"`
	SequenceID             uuid.UUID        `json:"sequence_id"`
	CurrentStep            int              `json:"current_step"`
	Status                 ProspectStatus   `json:"status"`
	ConnectionStatus       ConnectionStatus `json:"connection_status"`
	InvitationSentAt       *time.Time       `json:"invitation_sent_at,omitempty"`
	NextMessageScheduledAt *time.Time       `json:"next_message_scheduled_at,omitempty"`
	LastMessageSentAt      *time.Time       `json:"last_message_sent_at,omitempty"`
	CompletedAt            *time.Time       `json:"completed_at,omitempty"`
	History                []HistoryEntry   `json:"history"`
	CreatedAt              time.Time        `json:"created_at"`
	UpdatedAt              time.Time        `json:"updated_at"`
}

// FailuresForStep counts failed history entries recorded against step.
func (s *ProspectSequenceStatus) FailuresForStep(step int) int {
	n := 0
	for _, h := range s.History {
		if h.Step == step && h.Status == HistoryFailed {
			n++
		}
	}
	return n
}

type QueueStatus string

const (
	QueueQueued     QueueStatus = "queued"
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueSent       QueueStatus = "sent"
	QueueFailed     QueueStatus = "failed"
	QueueCancelled  QueueStatus = "cancelled"
)

// MessageQueueEntry is a durable request to send one sequence step to one prospect.
type MessageQueueEntry struct {
	ID                       uuid.UUID   `json:"id"`
	ProspectID               uuid.UUID   `json:"prospect_id"`
	ProspectSequenceStatusID uuid.UUID   `json:"prospect_sequence_status_id"`
	MessageID                uuid.UUID   `json:"message_id"`
	SequenceID               uuid.UUID   `json:"sequence_id"`
	Step                     int         `json:"step"`
	Content                  string      `json:"content"`
	ScheduledFor             time.Time   `json:"scheduled_for"`
	Priority                 int         `json:"priority"`
	Attempts                 int         `json:"attempts"`
	LastAttemptAt            *time.Time  `json:"last_attempt_at,omitempty"`
	LastError                *string     `json:"last_error,omitempty"`
	Status                   QueueStatus `json:"status"`
	ProcessingStartedAt      *time.Time  `json:"processing_started_at,omitempty"`
	SentAt                   *time.Time  `json:"sent_at,omitempty"`
	CreatedAt                time.Time   `json:"created_at"`
	UpdatedAt                time.Time   `json:"updated_at"`
}

// ConnectionQueueEntry is a durable request to send a connection invitation.
type ConnectionQueueEntry struct {
	ID                  uuid.UUID   `json:"id"`
	ProspectID          uuid.UUID   `json:"prospect_id"`
	SequenceID          *uuid.UUID  `json:"sequence_id,omitempty"`
	Status              QueueStatus `json:"status"`
	ScheduledAt         time.Time   `json:"scheduled_at"`
	Priority            int         `json:"priority"`
	Attempts            int         `json:"attempts"`
	ProcessingStartedAt *time.Time  `json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time  `json:"completed_at,omitempty"`
	Error               *string     `json:"error,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// DailyStats holds one stats day. Date is the local calendar date at midnight UTC.
type DailyStats struct {
	Date                    time.Time `json:"date"`
	MessagesSent            int       `json:"messages_sent"`
	ConnectionRequestsSent  int       `json:"connection_requests_sent"`
	MessagesQuota           int       `json:"messages_quota"`
	ConnectionRequestsQuota int       `json:"connection_requests_quota"`
}

// Used returns the counter for action.
func (d *DailyStats) Used(action ActionType) int {
	if action == ActionConnection {
		return d.ConnectionRequestsSent
	}
	return d.MessagesSent
}

// Quota returns the max for action.
func (d *DailyStats) Quota(action ActionType) int {
	if action == ActionConnection {
		return d.ConnectionRequestsQuota
	}
	return d.MessagesQuota
}

// SequenceStats summarizes a sequence's prospects for the dashboard.
type SequenceStats struct {
	SequenceID uuid.UUID              `json:"sequence_id"`
	ByStatus   map[ProspectStatus]int `json:"by_status"`
	ByStep     map[int]int            `json:"by_step"`
}

// ObservedConnection is an accepted connection as seen on the external site.
type ObservedConnection struct {
	ProfileURL string `json:"profile_url"`
	FullName   string `json:"full_name"`
}

// ConnectionResult is what the external site reported for an invitation attempt.
type ConnectionResult struct {
	Success bool
	// StatusUpdate is set when the site already shows a relationship, e.g. connected.
	StatusUpdate ConnectionStatus
}
