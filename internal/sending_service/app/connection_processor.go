package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/leadforge/outreach_services/internal/core_domain"
	queueapp "github.com/leadforge/outreach_services/internal/queue_service/app"
)

const connectionProcessorName = "connection_processor"

type ConnectionWork interface {
	ClaimNext(ctx context.Context) (*core_domain.ConnectionQueueEntry, error)
	MarkSent(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, e *core_domain.ConnectionQueueEntry, cause error) (queueapp.FailureOutcome, error)
}

// ConnectionProgress records relationship changes for a prospect.
type ConnectionProgress interface {
	RecordInvitationSent(ctx context.Context, prospectID uuid.UUID) error
	RecordConnected(ctx context.Context, prospectID uuid.UUID) ([]uuid.UUID, error)
}

// ConnectionProcessor sends at most one due connection request per tick.
type ConnectionProcessor struct {
	*gates
	queue     ConnectionWork
	progress  ConnectionProgress
	prospects core_domain.ProspectRepository
	pool      core_domain.SessionPool
	driver    core_domain.OutreachDriver
	events    core_domain.EventPublisher
	config    ProcessorConfig
}

func NewConnectionProcessor(
	queue ConnectionWork,
	progress ConnectionProgress,
	prospects core_domain.ProspectRepository,
	pool core_domain.SessionPool,
	driver core_domain.OutreachDriver,
	policy SendPolicy,
	gate core_domain.CredentialGate,
	events core_domain.EventPublisher,
	clock core_domain.Clock,
	logger *slog.Logger,
	cfg ProcessorConfig,
) *ConnectionProcessor {
	return &ConnectionProcessor{
		gates: &gates{
			name:   connectionProcessorName,
			action: core_domain.ActionConnection,
			gate:   gate,
			policy: policy,
			clock:  clock,
			logger: logger,
		},
		queue:     queue,
		progress:  progress,
		prospects: prospects,
		pool:      pool,
		driver:    driver,
		events:    events,
		config:    cfg,
	}
}

func (p *ConnectionProcessor) Tick(ctx context.Context) error {
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

func (p *ConnectionProcessor) process(ctx context.Context, e *core_domain.ConnectionQueueEntry) error {
	bctx := context.WithoutCancel(ctx)
	log := p.logger.With("entry_id", e.ID, "prospect_id", e.ProspectID)

	prospect, err := p.prospects.GetByID(ctx, e.ProspectID)
	if err != nil {
		if errors.Is(err, core_domain.ErrNotFound) {
			return p.fail(bctx, log, e, fmt.Errorf("prospect of entry: %w", err))
		}
		ticksCounter.WithLabelValues(p.name, "error").Inc()
		return fmt.Errorf("load prospect %s: %w", e.ProspectID, err)
	}
	if prospect.ConnectionStatus == core_domain.ConnectionConnected {
		return p.settle(bctx, log, e, prospect, core_domain.ConnectionResult{StatusUpdate: core_domain.ConnectionConnected})
	}
	if prospect.ProfileURL == "" {
		return p.fail(bctx, log, e, core_domain.ErrMissingProfileURL)
	}

	session, err := p.pool.Acquire(ctx, false)
	if err != nil {
		return p.fail(bctx, log, e, fmt.Errorf("%w: acquire session: %v", core_domain.ErrSessionDisconnected, err))
	}
	defer p.pool.Release(session)

	res, sendErr := p.send(ctx, session, prospect)
	if sendErr != nil {
		err := p.fail(bctx, log, e, sendErr)
		reportRejectedCredential(bctx, p.gate, sendErr)
		return err
	}
	return p.settle(bctx, log, e, prospect, res)
}

func (p *ConnectionProcessor) send(ctx context.Context, s core_domain.Session, prospect *core_domain.Prospect) (core_domain.ConnectionResult, error) {
	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	timer := prometheus.NewTimer(sendDuration.WithLabelValues(p.name))
	defer timer.ObserveDuration()
	res, err := p.driver.SendConnectionRequest(opCtx, s, prospect.ProfileURL, prospect.DisplayName())
	return res, operationError(opCtx, err)
}

// settle closes the entry according to what the site reported. Only an invitation that
// was actually sent counts against the daily quota.
func (p *ConnectionProcessor) settle(ctx context.Context, log *slog.Logger, e *core_domain.ConnectionQueueEntry, prospect *core_domain.Prospect, res core_domain.ConnectionResult) error {
	now := p.clock()
	if !res.Success && res.StatusUpdate == "" {
		return p.fail(ctx, log, e, fmt.Errorf("%w: invitation not accepted by site", core_domain.ErrTargetUnavailable))
	}
	if err := p.queue.MarkSent(ctx, e.ID); err != nil {
		ticksCounter.WithLabelValues(p.name, "error").Inc()
		return err
	}

	outcome := "sent"
	switch {
	case res.StatusUpdate == core_domain.ConnectionConnected:
		outcome = "already_connected"
		if _, err := p.progress.RecordConnected(ctx, prospect.ID); err != nil {
			log.ErrorContext(ctx, "Failed to record connection", "error", err)
		}
	case res.Success:
		p.recordSend(ctx, now)
		if err := p.progress.RecordInvitationSent(ctx, prospect.ID); err != nil {
			log.ErrorContext(ctx, "Failed to record invitation", "error", err)
		}
	default:
		outcome = "already_invited"
		if err := p.progress.RecordInvitationSent(ctx, prospect.ID); err != nil {
			log.ErrorContext(ctx, "Failed to record invitation", "error", err)
		}
	}
	ticksCounter.WithLabelValues(p.name, "sent").Inc()
	log.InfoContext(ctx, "Connection request settled", "outcome", outcome)
	publish(ctx, p.events, p.logger, core_domain.Event{
		Type: core_domain.EventSendOutcome,
		At:   now,
		Data: map[string]any{"action": core_domain.ActionConnection, "entry_id": e.ID.String(), "outcome": outcome},
	})
	return nil
}

func (p *ConnectionProcessor) fail(ctx context.Context, log *slog.Logger, e *core_domain.ConnectionQueueEntry, cause error) error {
	outcome, err := p.queue.MarkFailed(ctx, e, cause)
	if err != nil {
		ticksCounter.WithLabelValues(p.name, "error").Inc()
		return err
	}
	ticksCounter.WithLabelValues(p.name, string(outcome)).Inc()
	log.InfoContext(ctx, "Connection request not sent", "outcome", outcome, "error", cause)
	publish(ctx, p.events, p.logger, core_domain.Event{
		Type: core_domain.EventSendOutcome,
		At:   p.clock(),
		Data: map[string]any{"action": core_domain.ActionConnection, "entry_id": e.ID.String(), "outcome": string(outcome), "error": cause.Error()},
	})
	return nil
}
