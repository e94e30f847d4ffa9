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
	queueapp "github.com/leadforge/outreach_services/internal/queue_service/app"
)

const messageProcessorName = "message_processor"

// MessageWork is the message queue surface the processor needs.
type MessageWork interface {
	ClaimNext(ctx context.Context) (*core_domain.MessageQueueEntry, error)
	MarkSent(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, e *core_domain.MessageQueueEntry, cause error) (queueapp.FailureOutcome, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) error
}

// SequenceProgress records send outcomes on prospect statuses.
type SequenceProgress interface {
	RecordSendSuccess(ctx context.Context, e *core_domain.MessageQueueEntry, sentAt time.Time) (*core_domain.ProspectSequenceStatus, error)
	RecordSendFailure(ctx context.Context, e *core_domain.MessageQueueEntry, cause error) (*core_domain.ProspectSequenceStatus, error)
}

type NextScheduler interface {
	ScheduleNext(ctx context.Context, statusID uuid.UUID) (bool, error)
}

// MessageProcessor sends at most one due message per tick.
type MessageProcessor struct {
	*gates
	queue     MessageWork
	progress  SequenceProgress
	scheduler NextScheduler
	sequences core_domain.SequenceRepository
	statuses  core_domain.ProspectStatusRepository
	prospects core_domain.ProspectRepository
	pool      core_domain.SessionPool
	driver    core_domain.OutreachDriver
	events    core_domain.EventPublisher
	config    ProcessorConfig
}

func NewMessageProcessor(
	queue MessageWork,
	progress SequenceProgress,
	scheduler NextScheduler,
	sequences core_domain.SequenceRepository,
	statuses core_domain.ProspectStatusRepository,
	prospects core_domain.ProspectRepository,
	pool core_domain.SessionPool,
	driver core_domain.OutreachDriver,
	policy SendPolicy,
	gate core_domain.CredentialGate,
	events core_domain.EventPublisher,
	clock core_domain.Clock,
	logger *slog.Logger,
	cfg ProcessorConfig,
) *MessageProcessor {
	return &MessageProcessor{
		gates: &gates{
			name:   messageProcessorName,
			action: core_domain.ActionMessage,
			gate:   gate,
			policy: policy,
			clock:  clock,
			logger: logger,
		},
		queue:     queue,
		progress:  progress,
		scheduler: scheduler,
		sequences: sequences,
		statuses:  statuses,
		prospects: prospects,
		pool:      pool,
		driver:    driver,
		events:    events,
		config:    cfg,
	}
}

// Tick claims and sends one due message when every gate is open. Gating and an empty
// queue are not errors.
func (p *MessageProcessor) Tick(ctx context.Context) error {
	if !p.mu.TryLock() {
		p.logger.DebugContext(ctx, "Previous tick still running", "processor", p.name)
		return nil
	}
	defer p.mu.Unlock()

	ok, err := p.open(ctx)
	if err != nil || !ok {
		return err
	}
	e, err := p.queue.ClaimNext(ctx)
	if errors.Is(err, core_domain.ErrNoDueEntries) {
		ticksCounter.WithLabelValues(p.name, "idle").Inc()
		return nil
	}
	if err != nil {
		ticksCounter.WithLabelValues(p.name, "error").Inc()
		return err
	}
	return p.process(ctx, e)
}

func (p *MessageProcessor) process(ctx context.Context, e *core_domain.MessageQueueEntry) error {
	// Bookkeeping must land even when the tick is being cancelled.
	bctx := context.WithoutCancel(ctx)
	log := p.logger.With("entry_id", e.ID, "status_id", e.ProspectSequenceStatusID, "step", e.Step)

	st, err := p.statuses.GetByID(ctx, e.ProspectSequenceStatusID)
	if err != nil {
		if errors.Is(err, core_domain.ErrNotFound) {
			return p.fail(bctx, log, e, fmt.Errorf("status of entry: %w", err))
		}
		ticksCounter.WithLabelValues(p.name, "error").Inc()
		return fmt.Errorf("load status %s: %w", e.ProspectSequenceStatusID, err)
	}
	if st.Status == core_domain.ProspectCompleted || st.Status == core_domain.ProspectFailed {
		return p.fail(bctx, log, e, fmt.Errorf("%w: prospect status is %s", core_domain.ErrInvalidTransition, st.Status))
	}
	seq, err := p.sequences.GetByID(ctx, st.SequenceID)
	if err != nil {
		if errors.Is(err, core_domain.ErrNotFound) {
			return p.fail(bctx, log, e, fmt.Errorf("sequence of entry: %w", err))
		}
		ticksCounter.WithLabelValues(p.name, "error").Inc()
		return fmt.Errorf("load sequence %s: %w", st.SequenceID, err)
	}
	if seq.Status != core_domain.SequenceActive {
		return p.withdraw(bctx, log, e, seq)
	}
	prospect, err := p.prospects.GetByID(ctx, e.ProspectID)
	if err != nil {
		if errors.Is(err, core_domain.ErrNotFound) {
			return p.fail(bctx, log, e, fmt.Errorf("prospect of entry: %w", err))
		}
		ticksCounter.WithLabelValues(p.name, "error").Inc()
		return fmt.Errorf("load prospect %s: %w", e.ProspectID, err)
	}
	if prospect.ProfileURL == "" {
		return p.fail(bctx, log, e, core_domain.ErrMissingProfileURL)
	}

	session, err := p.pool.Acquire(ctx, false)
	if err != nil {
		return p.fail(bctx, log, e, fmt.Errorf("%w: acquire session: %v", core_domain.ErrSessionDisconnected, err))
	}
	defer p.pool.Release(session)

	sendErr := p.send(ctx, session, prospect.ProfileURL, e.Content)
	if sendErr != nil {
		err := p.fail(bctx, log, e, sendErr)
		reportRejectedCredential(bctx, p.gate, sendErr)
		return err
	}
	return p.succeed(bctx, log, e)
}

func (p *MessageProcessor) send(ctx context.Context, s core_domain.Session, profileURL, text string) error {
	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	timer := prometheus.NewTimer(sendDuration.WithLabelValues(p.name))
	defer timer.ObserveDuration()
	return operationError(opCtx, p.driver.SendMessage(opCtx, s, profileURL, text))
}

func (p *MessageProcessor) succeed(ctx context.Context, log *slog.Logger, e *core_domain.MessageQueueEntry) error {
	now := p.clock()
	if err := p.queue.MarkSent(ctx, e.ID); err != nil {
		ticksCounter.WithLabelValues(p.name, "error").Inc()
		return err
	}
	p.recordSend(ctx, now)

	st, err := p.progress.RecordSendSuccess(ctx, e, now)
	if err != nil {
		ticksCounter.WithLabelValues(p.name, "error").Inc()
		return err
	}
	if st.Status == core_domain.ProspectActive {
		if _, err := p.scheduler.ScheduleNext(ctx, st.ID); err != nil {
			log.ErrorContext(ctx, "Failed to schedule next step", "error", err)
		}
	}
	ticksCounter.WithLabelValues(p.name, "sent").Inc()
	log.InfoContext(ctx, "Sequence message sent", "prospect_status", st.Status, "current_step", st.CurrentStep)
	publish(ctx, p.events, p.logger, core_domain.Event{
		Type: core_domain.EventSendOutcome,
		At:   now,
		Data: map[string]any{"action": core_domain.ActionMessage, "entry_id": e.ID.String(), "step": e.Step, "outcome": "sent"},
	})
	return nil
}

// withdraw cancels an entry whose sequence stopped after it was queued. A requeue or a
// stuck-entry sweep can put such an entry back after the pause already ran.
func (p *MessageProcessor) withdraw(ctx context.Context, log *slog.Logger, e *core_domain.MessageQueueEntry, seq *core_domain.Sequence) error {
	reason := fmt.Sprintf("sequence is %s", seq.Status)
	if err := p.queue.Cancel(ctx, e.ID, reason); err != nil {
		ticksCounter.WithLabelValues(p.name, "error").Inc()
		return err
	}
	// The entry is no longer in flight, so resuming can schedule the prospect again.
	if _, err := p.statuses.ClearNextScheduledForSequence(ctx, seq.ID); err != nil {
		log.ErrorContext(ctx, "Failed to clear next schedule", "error", err)
	}
	ticksCounter.WithLabelValues(p.name, "cancelled").Inc()
	log.InfoContext(ctx, "Message withdrawn", "sequence_id", seq.ID, "sequence_status", seq.Status)
	publish(ctx, p.events, p.logger, core_domain.Event{
		Type: core_domain.EventSendOutcome,
		At:   p.clock(),
		Data: map[string]any{"action": core_domain.ActionMessage, "entry_id": e.ID.String(), "step": e.Step, "outcome": "cancelled"},
	})
	return nil
}

// fail applies the requeue-or-fail rule. Only a terminal failure reaches the status
// history.
func (p *MessageProcessor) fail(ctx context.Context, log *slog.Logger, e *core_domain.MessageQueueEntry, cause error) error {
	outcome, err := p.queue.MarkFailed(ctx, e, cause)
	if err != nil {
		ticksCounter.WithLabelValues(p.name, "error").Inc()
		return err
	}
	ticksCounter.WithLabelValues(p.name, string(outcome)).Inc()
	if outcome == queueapp.OutcomeFailed && !errors.Is(cause, core_domain.ErrNotFound) {
		if _, err := p.progress.RecordSendFailure(ctx, e, cause); err != nil {
			log.ErrorContext(ctx, "Failed to record send failure", "error", err)
		}
	}
	publish(ctx, p.events, p.logger, core_domain.Event{
		Type: core_domain.EventSendOutcome,
		At:   p.clock(),
		Data: map[string]any{"action": core_domain.ActionMessage, "entry_id": e.ID.String(), "step": e.Step, "outcome": string(outcome), "error": cause.Error()},
	})
	return nil
}
