package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/leadforge/outreach_services/internal/core_domain"
)

// SendTimePolicy computes message send times inside the working window.
type SendTimePolicy interface {
	NextSendTime(lastSent time.Time, delay time.Duration) time.Time
}

// MessageEnqueuer accepts message queue entries. It reports false for a duplicate.
type MessageEnqueuer interface {
	Enqueue(ctx context.Context, e *core_domain.MessageQueueEntry) (bool, error)
}

// Scheduler turns active prospect statuses into queued messages.
type Scheduler struct {
	sequences core_domain.SequenceRepository
	statuses  core_domain.ProspectStatusRepository
	prospects core_domain.ProspectRepository
	queue     MessageEnqueuer
	policy    SendTimePolicy
	gate      core_domain.CredentialGate
	events    core_domain.EventPublisher
	clock     core_domain.Clock
	logger    *slog.Logger
}

func NewScheduler(
	sequences core_domain.SequenceRepository,
	statuses core_domain.ProspectStatusRepository,
	prospects core_domain.ProspectRepository,
	queue MessageEnqueuer,
	policy SendTimePolicy,
	gate core_domain.CredentialGate,
	events core_domain.EventPublisher,
	clock core_domain.Clock,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		sequences: sequences,
		statuses:  statuses,
		prospects: prospects,
		queue:     queue,
		policy:    policy,
		gate:      gate,
		events:    events,
		clock:     clock,
		logger:    logger,
	}
}

// ScheduleNext queues the next step of an active status and records when it goes out.
// It completes the status when every step has been sent. It returns true only when a
// new entry was queued.
func (s *Scheduler) ScheduleNext(ctx context.Context, statusID uuid.UUID) (bool, error) {
	st, err := s.statuses.GetByID(ctx, statusID)
	if err != nil {
		scheduledCounter.WithLabelValues("error").Inc()
		return false, fmt.Errorf("load status %s: %w", statusID, err)
	}
	if st.Status != core_domain.ProspectActive || st.NextMessageScheduledAt != nil {
		scheduledCounter.WithLabelValues("skipped").Inc()
		return false, nil
	}
	seq, err := s.sequences.GetByID(ctx, st.SequenceID)
	if err != nil {
		scheduledCounter.WithLabelValues("error").Inc()
		return false, fmt.Errorf("load sequence %s: %w", st.SequenceID, err)
	}
	if seq.Status != core_domain.SequenceActive {
		scheduledCounter.WithLabelValues("skipped").Inc()
		return false, nil
	}
	script, err := s.sequences.ListMessages(ctx, seq.ID)
	if err != nil {
		scheduledCounter.WithLabelValues("error").Inc()
		return false, fmt.Errorf("load script of sequence %s: %w", seq.ID, err)
	}

	now := s.clock()
	nextStep := st.CurrentStep + 1
	msg := stepMessage(script, nextStep)
	if msg == nil {
		if _, err := s.statuses.Complete(ctx, st.ID, now); err != nil {
			scheduledCounter.WithLabelValues("error").Inc()
			return false, fmt.Errorf("complete status %s: %w", st.ID, err)
		}
		scheduledCounter.WithLabelValues("completed").Inc()
		transitionsCounter.WithLabelValues("prospect", string(core_domain.ProspectCompleted)).Inc()
		s.logger.InfoContext(ctx, "Prospect finished sequence", "status_id", st.ID, "sequence_id", seq.ID, "steps", st.CurrentStep)
		return false, nil
	}

	sendAt := s.sendTime(st, seq, msg, now)
	prospect, err := s.prospects.GetByID(ctx, st.ProspectID)
	if err != nil {
		scheduledCounter.WithLabelValues("error").Inc()
		return false, fmt.Errorf("load prospect %s: %w", st.ProspectID, err)
	}

	entry := &core_domain.MessageQueueEntry{
		ProspectID:               st.ProspectID,
		ProspectSequenceStatusID: st.ID,
		MessageID:                msg.ID,
		SequenceID:               seq.ID,
		Step:                     nextStep,
		Content:                  RenderMessage(msg.Content, prospect),
		ScheduledFor:             sendAt,
		Priority:                 nextStep,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	queued, err := s.queue.Enqueue(ctx, entry)
	if err != nil {
		scheduledCounter.WithLabelValues("error").Inc()
		return false, fmt.Errorf("enqueue step %d for status %s: %w", nextStep, st.ID, err)
	}
	if !queued {
		scheduledCounter.WithLabelValues("duplicate").Inc()
		s.logger.DebugContext(ctx, "Step already queued", "status_id", st.ID, "step", nextStep)
		return false, nil
	}
	if _, err := s.statuses.SetNextScheduled(ctx, st.ID, sendAt); err != nil {
		scheduledCounter.WithLabelValues("error").Inc()
		return false, fmt.Errorf("record schedule for status %s: %w", st.ID, err)
	}

	scheduledCounter.WithLabelValues("scheduled").Inc()
	s.logger.InfoContext(ctx, "Message scheduled", "status_id", st.ID, "step", nextStep, "scheduled_for", sendAt)
	s.publish(ctx, core_domain.Event{
		Type: core_domain.EventScheduled,
		At:   now,
		Data: map[string]any{
			"status_id":     st.ID.String(),
			"sequence_id":   seq.ID.String(),
			"step":          nextStep,
			"scheduled_for": sendAt,
		},
	})
	return true, nil
}

// sendTime is measured from the last send, or from now for a first message. A result
// in the past is recomputed from now with no delay.
func (s *Scheduler) sendTime(st *core_domain.ProspectSequenceStatus, seq *core_domain.Sequence, msg *core_domain.SequenceMessage, now time.Time) time.Time {
	delay := time.Duration(msg.DelayHours) * time.Hour
	if msg.Position > 1 && seq.IntervalDays > 0 {
		delay = max(delay, time.Duration(seq.IntervalDays)*24*time.Hour)
	}
	from := now
	if st.LastMessageSentAt != nil {
		from = *st.LastMessageSentAt
	}
	at := s.policy.NextSendTime(from, delay)
	if at.Before(now) {
		at = s.policy.NextSendTime(now, 0)
	}
	return at
}

func stepMessage(script []*core_domain.SequenceMessage, step int) *core_domain.SequenceMessage {
	for _, m := range script {
		if m.Position == step {
			return m
		}
	}
	return nil
}

// ScheduleAllPending promotes connected prospects and schedules every active status of
// every active sequence that has nothing scheduled. Failures of single statuses are
// logged and skipped.
func (s *Scheduler) ScheduleAllPending(ctx context.Context) (int, error) {
	timer := prometheus.NewTimer(scheduleRunDuration)
	defer timer.ObserveDuration()

	if _, err := s.statuses.PromoteConnected(ctx, core_domain.PromoteFilter{}, s.clock()); err != nil {
		return 0, fmt.Errorf("promote connected prospects: %w", err)
	}
	active, err := s.sequences.ListByStatus(ctx, core_domain.SequenceActive)
	if err != nil {
		return 0, fmt.Errorf("list active sequences: %w", err)
	}

	total := 0
	for _, seq := range active {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := s.ScheduleSequence(ctx, seq.ID)
		total += n
		if err != nil {
			s.logger.ErrorContext(ctx, "Scheduling sequence failed", "sequence_id", seq.ID, "error", err)
		}
	}
	if total > 0 {
		s.logger.InfoContext(ctx, "Scheduling pass finished", "sequences", len(active), "scheduled", total)
	}
	return total, nil
}

// ScheduleSequence schedules the statuses of one sequence that have nothing scheduled.
func (s *Scheduler) ScheduleSequence(ctx context.Context, sequenceID uuid.UUID) (int, error) {
	pending, err := s.statuses.ListSchedulable(ctx, sequenceID)
	if err != nil {
		return 0, fmt.Errorf("list schedulable statuses of %s: %w", sequenceID, err)
	}
	n := 0
	for _, st := range pending {
		ok, err := s.ScheduleNext(ctx, st.ID)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return n, err
			}
			s.logger.ErrorContext(ctx, "Scheduling status failed", "status_id", st.ID, "error", err)
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// Tick is the periodic scheduler body. It does nothing while the credential is invalid.
func (s *Scheduler) Tick(ctx context.Context) error {
	if !s.gate.IsValid() {
		s.logger.DebugContext(ctx, "Credential invalid, skipping scheduling pass")
		return nil
	}
	_, err := s.ScheduleAllPending(ctx)
	return err
}

func (s *Scheduler) publish(ctx context.Context, ev core_domain.Event) {
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.WarnContext(ctx, "Failed to publish event", "type", ev.Type, "error", err)
	}
}
