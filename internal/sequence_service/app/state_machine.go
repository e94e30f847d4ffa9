package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/leadforge/outreach_services/internal/core_domain"
)

// FailurePolicy decides what a terminal send failure does to the prospect status.
// With MaxStepFailures zero a failed step leaves the status active and untouched apart
// from its history. Otherwise the status fails once the same step has failed that many
// times.
type FailurePolicy struct {
	MaxStepFailures int
}

// MessageCanceller cancels the queued messages of a sequence.
type MessageCanceller interface {
	CancelForSequence(ctx context.Context, sequenceID uuid.UUID) (int64, error)
}

// ConnectionEnqueuer accepts connection requests. It reports false for a duplicate.
type ConnectionEnqueuer interface {
	Enqueue(ctx context.Context, e *core_domain.ConnectionQueueEntry) (bool, error)
}

type MessageInput struct {
	Position   int    `json:"position" validate:"gte=1,lte=5"`
	Content    string `json:"content" validate:"required,max=8000"`
	DelayHours int    `json:"delay_hours" validate:"gte=0,lte=2160"`
}

type CreateSequenceInput struct {
	Name         string         `json:"name" validate:"required,max=200"`
	IntervalDays int            `json:"interval_days" validate:"gte=0,lte=90"`
	Messages     []MessageInput `json:"messages" validate:"required,min=1,max=5,dive"`
}

type CreateProspectInput struct {
	ProfileURL string `json:"profile_url" validate:"required,url"`
	FirstName  string `json:"first_name" validate:"max=200"`
	LastName   string `json:"last_name" validate:"max=200"`
	FullName   string `json:"full_name" validate:"max=400"`
	Company    string `json:"company" validate:"max=200"`
	Title      string `json:"title" validate:"max=200"`
}

// StateMachine owns every status change of sequences and of prospects within them.
type StateMachine struct {
	sequences   core_domain.SequenceRepository
	statuses    core_domain.ProspectStatusRepository
	prospects   core_domain.ProspectRepository
	scheduler   *Scheduler
	messages    MessageCanceller
	connections ConnectionEnqueuer
	policy      FailurePolicy
	events      core_domain.EventPublisher
	clock       core_domain.Clock
	logger      *slog.Logger
	validate    *validator.Validate
}

func NewStateMachine(
	sequences core_domain.SequenceRepository,
	statuses core_domain.ProspectStatusRepository,
	prospects core_domain.ProspectRepository,
	scheduler *Scheduler,
	messages MessageCanceller,
	connections ConnectionEnqueuer,
	policy FailurePolicy,
	events core_domain.EventPublisher,
	clock core_domain.Clock,
	logger *slog.Logger,
) *StateMachine {
	return &StateMachine{
		sequences:   sequences,
		statuses:    statuses,
		prospects:   prospects,
		scheduler:   scheduler,
		messages:    messages,
		connections: connections,
		policy:      policy,
		events:      events,
		clock:       clock,
		logger:      logger,
		validate:    validator.New(),
	}
}

// CreateSequence stores a draft sequence. Positions must run 1..n without gaps.
func (m *StateMachine) CreateSequence(ctx context.Context, in CreateSequenceInput) (*core_domain.Sequence, []*core_domain.SequenceMessage, error) {
	if err := m.validate.Struct(in); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", core_domain.ErrInvalidInput, err)
	}
	steps := append([]MessageInput(nil), in.Messages...)
	sort.Slice(steps, func(i, j int) bool { return steps[i].Position < steps[j].Position })
	for i, s := range steps {
		if s.Position != i+1 {
			return nil, nil, fmt.Errorf("%w: message positions must be 1..%d without gaps or repeats", core_domain.ErrInvalidInput, len(steps))
		}
	}

	now := m.clock()
	seq := &core_domain.Sequence{
		ID:           uuid.New(),
		Name:         strings.TrimSpace(in.Name),
		Status:       core_domain.SequenceDraft,
		IntervalDays: in.IntervalDays,
		MessageCount: len(steps),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	script := make([]*core_domain.SequenceMessage, 0, len(steps))
	for _, s := range steps {
		script = append(script, &core_domain.SequenceMessage{
			ID:         uuid.New(),
			SequenceID: seq.ID,
			Position:   s.Position,
			Content:    s.Content,
			DelayHours: s.DelayHours,
		})
	}
	if err := m.sequences.Create(ctx, seq, script); err != nil {
		return nil, nil, fmt.Errorf("create sequence: %w", err)
	}
	m.logger.InfoContext(ctx, "Sequence created", "sequence_id", seq.ID, "name", seq.Name, "steps", len(script))
	return seq, script, nil
}

// CreateProspect stores a new prospect with no relationship yet.
func (m *StateMachine) CreateProspect(ctx context.Context, in CreateProspectInput) (*core_domain.Prospect, error) {
	if err := m.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", core_domain.ErrInvalidInput, err)
	}
	now := m.clock()
	p := &core_domain.Prospect{
		ID:               uuid.New(),
		ProfileURL:       strings.TrimSpace(in.ProfileURL),
		FirstName:        strings.TrimSpace(in.FirstName),
		LastName:         strings.TrimSpace(in.LastName),
		FullName:         strings.TrimSpace(in.FullName),
		Company:          in.Company,
		Title:            in.Title,
		ConnectionStatus: core_domain.ConnectionNotConnected,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if p.FullName == "" {
		p.FullName = p.DisplayName()
	}
	if err := m.prospects.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create prospect: %w", err)
	}
	return p, nil
}

// AddProspect enrolls a prospect. An already connected prospect starts active and gets
// its first message scheduled right away. Anyone else starts pending, and a prospect
// without an invitation gets a connection request queued.
func (m *StateMachine) AddProspect(ctx context.Context, prospectID, sequenceID uuid.UUID) (*core_domain.ProspectSequenceStatus, error) {
	seq, err := m.sequences.GetByID(ctx, sequenceID)
	if err != nil {
		return nil, fmt.Errorf("load sequence %s: %w", sequenceID, err)
	}
	if seq.Status == core_domain.SequenceCompleted {
		return nil, fmt.Errorf("%w: sequence %s is completed", core_domain.ErrInvalidTransition, seq.ID)
	}
	p, err := m.prospects.GetByID(ctx, prospectID)
	if err != nil {
		return nil, fmt.Errorf("load prospect %s: %w", prospectID, err)
	}

	now := m.clock()
	st := &core_domain.ProspectSequenceStatus{
		ID:               uuid.New(),
		ProspectID:       p.ID,
		SequenceID:       seq.ID,
		Status:           core_domain.ProspectPending,
		ConnectionStatus: p.ConnectionStatus,
		History:          []core_domain.HistoryEntry{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if p.ConnectionStatus == core_domain.ConnectionConnected {
		st.Status = core_domain.ProspectActive
	}
	if err := m.statuses.Create(ctx, st); err != nil {
		return nil, fmt.Errorf("enroll prospect %s: %w", p.ID, err)
	}
	transitionsCounter.WithLabelValues("prospect", string(st.Status)).Inc()
	m.logger.InfoContext(ctx, "Prospect enrolled", "prospect_id", p.ID, "sequence_id", seq.ID, "status", st.Status)

	switch p.ConnectionStatus {
	case core_domain.ConnectionConnected:
		if _, err := m.scheduler.ScheduleNext(ctx, st.ID); err != nil {
			return st, fmt.Errorf("schedule first message: %w", err)
		}
	case core_domain.ConnectionNotConnected:
		seqID := seq.ID
		queued, err := m.connections.Enqueue(ctx, &core_domain.ConnectionQueueEntry{
			ProspectID:  p.ID,
			SequenceID:  &seqID,
			ScheduledAt: now,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		if err != nil {
			return st, fmt.Errorf("queue connection request: %w", err)
		}
		if !queued {
			m.logger.DebugContext(ctx, "Connection request already queued", "prospect_id", p.ID)
		}
	}
	return m.statuses.GetByID(ctx, st.ID)
}

func (m *StateMachine) setSequenceStatus(ctx context.Context, seq *core_domain.Sequence, to core_domain.SequenceStatus) error {
	if seq.Status == to {
		return nil
	}
	if err := m.sequences.SetStatus(ctx, seq.ID, to, m.clock()); err != nil {
		return fmt.Errorf("set sequence %s %s: %w", seq.ID, to, err)
	}
	transitionsCounter.WithLabelValues("sequence", string(to)).Inc()
	m.logger.InfoContext(ctx, "Sequence status changed", "sequence_id", seq.ID, "from", seq.Status, "to", to)
	seq.Status = to
	return nil
}

// ActivateSequence starts a draft or paused sequence. Pending prospects that are already
// connected become active, then every active status without a schedule is scheduled.
// It returns the number of messages queued.
func (m *StateMachine) ActivateSequence(ctx context.Context, sequenceID uuid.UUID) (int, error) {
	seq, err := m.sequences.GetByID(ctx, sequenceID)
	if err != nil {
		return 0, fmt.Errorf("load sequence %s: %w", sequenceID, err)
	}
	if seq.Status == core_domain.SequenceCompleted {
		return 0, fmt.Errorf("%w: sequence %s is completed", core_domain.ErrInvalidTransition, seq.ID)
	}
	return m.start(ctx, seq)
}

// ResumeSequence restarts a paused sequence. Resuming an active one only fills in
// missing schedules.
func (m *StateMachine) ResumeSequence(ctx context.Context, sequenceID uuid.UUID) (int, error) {
	seq, err := m.sequences.GetByID(ctx, sequenceID)
	if err != nil {
		return 0, fmt.Errorf("load sequence %s: %w", sequenceID, err)
	}
	if seq.Status != core_domain.SequencePaused && seq.Status != core_domain.SequenceActive {
		return 0, fmt.Errorf("%w: cannot resume %s sequence", core_domain.ErrInvalidTransition, seq.Status)
	}
	return m.start(ctx, seq)
}

func (m *StateMachine) start(ctx context.Context, seq *core_domain.Sequence) (int, error) {
	if err := m.setSequenceStatus(ctx, seq, core_domain.SequenceActive); err != nil {
		return 0, err
	}
	id := seq.ID
	promoted, err := m.statuses.PromoteConnected(ctx, core_domain.PromoteFilter{SequenceID: &id}, m.clock())
	if err != nil {
		return 0, fmt.Errorf("promote connected prospects of %s: %w", seq.ID, err)
	}
	if len(promoted) > 0 {
		transitionsCounter.WithLabelValues("prospect", string(core_domain.ProspectActive)).Add(float64(len(promoted)))
	}
	return m.scheduler.ScheduleSequence(ctx, seq.ID)
}

// PauseSequence stops an active sequence. Queued messages are cancelled and schedules
// with nothing in flight are cleared so a resume reschedules them. Pausing a paused
// sequence repeats the cleanup.
func (m *StateMachine) PauseSequence(ctx context.Context, sequenceID uuid.UUID) (int64, error) {
	seq, err := m.sequences.GetByID(ctx, sequenceID)
	if err != nil {
		return 0, fmt.Errorf("load sequence %s: %w", sequenceID, err)
	}
	if seq.Status != core_domain.SequenceActive && seq.Status != core_domain.SequencePaused {
		return 0, fmt.Errorf("%w: cannot pause %s sequence", core_domain.ErrInvalidTransition, seq.Status)
	}
	if err := m.setSequenceStatus(ctx, seq, core_domain.SequencePaused); err != nil {
		return 0, err
	}
	return m.stopQueued(ctx, seq.ID)
}

// CompleteSequence closes a sequence for good and cancels what is still queued.
func (m *StateMachine) CompleteSequence(ctx context.Context, sequenceID uuid.UUID) (int64, error) {
	seq, err := m.sequences.GetByID(ctx, sequenceID)
	if err != nil {
		return 0, fmt.Errorf("load sequence %s: %w", sequenceID, err)
	}
	if err := m.setSequenceStatus(ctx, seq, core_domain.SequenceCompleted); err != nil {
		return 0, err
	}
	return m.stopQueued(ctx, seq.ID)
}

func (m *StateMachine) stopQueued(ctx context.Context, sequenceID uuid.UUID) (int64, error) {
	cancelled, err := m.messages.CancelForSequence(ctx, sequenceID)
	if err != nil {
		return 0, err
	}
	cleared, err := m.statuses.ClearNextScheduledForSequence(ctx, sequenceID)
	if err != nil {
		return cancelled, fmt.Errorf("clear schedules of %s: %w", sequenceID, err)
	}
	m.logger.InfoContext(ctx, "Queued messages withdrawn", "sequence_id", sequenceID, "cancelled", cancelled, "cleared", cleared)
	return cancelled, nil
}

// RecordSendSuccess advances the status past the sent step and completes it after the
// last step. The returned status reflects both.
func (m *StateMachine) RecordSendSuccess(ctx context.Context, e *core_domain.MessageQueueEntry, sentAt time.Time) (*core_domain.ProspectSequenceStatus, error) {
	st, err := m.statuses.RecordSend(ctx, e.ProspectSequenceStatusID, e.Step, core_domain.HistoryEntry{
		Step:   e.Step,
		Status: core_domain.HistorySent,
		SentAt: sentAt,
	})
	if err != nil {
		return nil, fmt.Errorf("record send of step %d: %w", e.Step, err)
	}
	seq, err := m.sequences.GetByID(ctx, st.SequenceID)
	if err != nil {
		return st, fmt.Errorf("load sequence %s: %w", st.SequenceID, err)
	}
	if st.CurrentStep >= seq.MessageCount {
		changed, err := m.statuses.Complete(ctx, st.ID, sentAt)
		if err != nil {
			return st, fmt.Errorf("complete status %s: %w", st.ID, err)
		}
		if changed {
			transitionsCounter.WithLabelValues("prospect", string(core_domain.ProspectCompleted)).Inc()
			m.logger.InfoContext(ctx, "Prospect finished sequence", "status_id", st.ID, "sequence_id", seq.ID)
			st.Status = core_domain.ProspectCompleted
			st.CompletedAt = &sentAt
		}
	}
	return st, nil
}

// RecordSendFailure appends the failure to the status history and applies the failure
// policy. The status keeps its schedule so no replacement message is queued.
func (m *StateMachine) RecordSendFailure(ctx context.Context, e *core_domain.MessageQueueEntry, cause error) (*core_domain.ProspectSequenceStatus, error) {
	now := m.clock()
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	st, err := m.statuses.AppendHistory(ctx, e.ProspectSequenceStatusID, core_domain.HistoryEntry{
		Step:   e.Step,
		Status: core_domain.HistoryFailed,
		SentAt: now,
		Error:  reason,
	})
	if err != nil {
		return nil, fmt.Errorf("record failure of step %d: %w", e.Step, err)
	}
	if m.policy.MaxStepFailures <= 0 || st.FailuresForStep(e.Step) < m.policy.MaxStepFailures {
		return st, nil
	}
	changed, err := m.statuses.Fail(ctx, st.ID, now)
	if err != nil {
		return st, fmt.Errorf("fail status %s: %w", st.ID, err)
	}
	if changed {
		transitionsCounter.WithLabelValues("prospect", string(core_domain.ProspectFailed)).Inc()
		m.logger.WarnContext(ctx, "Prospect failed after repeated step failures", "status_id", st.ID, "step", e.Step, "failures", st.FailuresForStep(e.Step))
		st.Status = core_domain.ProspectFailed
		st.NextMessageScheduledAt = nil
	}
	return st, nil
}

// RecordInvitationSent marks the prospect and its pending statuses as invited.
func (m *StateMachine) RecordInvitationSent(ctx context.Context, prospectID uuid.UUID) error {
	if err := m.prospects.SetConnectionStatus(ctx, prospectID, core_domain.ConnectionInvitationSent); err != nil {
		return fmt.Errorf("mark prospect %s invited: %w", prospectID, err)
	}
	if _, err := m.statuses.MarkInvitationSent(ctx, prospectID, m.clock()); err != nil {
		return fmt.Errorf("mark statuses of %s invited: %w", prospectID, err)
	}
	return nil
}

// RecordConnected marks the prospect connected everywhere, activates its pending
// statuses in active sequences and schedules their first message. It returns the ids of
// the statuses that became active.
func (m *StateMachine) RecordConnected(ctx context.Context, prospectID uuid.UUID) ([]uuid.UUID, error) {
	now := m.clock()
	if err := m.prospects.SetConnectionStatus(ctx, prospectID, core_domain.ConnectionConnected); err != nil {
		return nil, fmt.Errorf("mark prospect %s connected: %w", prospectID, err)
	}
	if _, err := m.statuses.MarkConnected(ctx, prospectID, now); err != nil {
		return nil, fmt.Errorf("mark statuses of %s connected: %w", prospectID, err)
	}
	id := prospectID
	promoted, err := m.statuses.PromoteConnected(ctx, core_domain.PromoteFilter{ProspectID: &id}, now)
	if err != nil {
		return nil, fmt.Errorf("promote statuses of %s: %w", prospectID, err)
	}
	var errs []error
	for _, statusID := range promoted {
		transitionsCounter.WithLabelValues("prospect", string(core_domain.ProspectActive)).Inc()
		if _, err := m.scheduler.ScheduleNext(ctx, statusID); err != nil {
			errs = append(errs, err)
		}
	}
	m.logger.InfoContext(ctx, "Prospect connected", "prospect_id", prospectID, "activated", len(promoted))
	return promoted, errors.Join(errs...)
}

func (m *StateMachine) Stats(ctx context.Context, sequenceID uuid.UUID) (*core_domain.SequenceStats, error) {
	if _, err := m.sequences.GetByID(ctx, sequenceID); err != nil {
		return nil, fmt.Errorf("load sequence %s: %w", sequenceID, err)
	}
	return m.statuses.Stats(ctx, sequenceID)
}
