package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/leadforge/outreach_services/internal/core_domain"
)

const connectionCheckerName = "connection_checker"

// WindowPolicy answers whether an action is inside its working window.
type WindowPolicy interface {
	IsInWindow(action core_domain.ActionType, t time.Time) bool
}

// ConnectionChecker reconciles accepted invitations with stored prospects.
type ConnectionChecker struct {
	prospects core_domain.ProspectRepository
	progress  ConnectionProgress
	pool      core_domain.SessionPool
	driver    core_domain.OutreachDriver
	policy    WindowPolicy
	gate      core_domain.CredentialGate
	events    core_domain.EventPublisher
	clock     core_domain.Clock
	logger    *slog.Logger
	config    ProcessorConfig
}

func NewConnectionChecker(
	prospects core_domain.ProspectRepository,
	progress ConnectionProgress,
	pool core_domain.SessionPool,
	driver core_domain.OutreachDriver,
	policy WindowPolicy,
	gate core_domain.CredentialGate,
	events core_domain.EventPublisher,
	clock core_domain.Clock,
	logger *slog.Logger,
	cfg ProcessorConfig,
) *ConnectionChecker {
	return &ConnectionChecker{
		prospects: prospects,
		progress:  progress,
		pool:      pool,
		driver:    driver,
		policy:    policy,
		gate:      gate,
		events:    events,
		clock:     clock,
		logger:    logger,
		config:    cfg,
	}
}

// Tick reads the recently accepted connections and promotes every matching prospect.
// Unmatched connections are ignored; the next tick sees them again.
func (c *ConnectionChecker) Tick(ctx context.Context) error {
	if !c.gate.IsValid() {
		ticksCounter.WithLabelValues(connectionCheckerName, "gated_credential").Inc()
		return nil
	}
	if !c.policy.IsInWindow(core_domain.ActionConnection, c.clock()) {
		ticksCounter.WithLabelValues(connectionCheckerName, "gated_window").Inc()
		return nil
	}
	candidates, err := c.prospects.ListAwaitingAcceptance(ctx)
	if err != nil {
		ticksCounter.WithLabelValues(connectionCheckerName, "error").Inc()
		return fmt.Errorf("list prospects awaiting acceptance: %w", err)
	}
	if len(candidates) == 0 {
		ticksCounter.WithLabelValues(connectionCheckerName, "idle").Inc()
		return nil
	}

	observed, err := c.observe(ctx)
	if err != nil {
		ticksCounter.WithLabelValues(connectionCheckerName, "error").Inc()
		reportRejectedCredential(context.WithoutCancel(ctx), c.gate, err)
		return fmt.Errorf("read recent connections: %w", err)
	}

	matcher := NewMatcher(candidates)
	promoted := 0
	matched := 0
	for _, obs := range observed {
		p, kind := matcher.Match(obs)
		matchesCounter.WithLabelValues(string(kind)).Inc()
		if p == nil {
			continue
		}
		matched++
		ids, err := c.progress.RecordConnected(ctx, p.ID)
		if err != nil {
			c.logger.ErrorContext(ctx, "Failed to record accepted connection", "prospect_id", p.ID, "error", err)
			continue
		}
		promoted += len(ids)
		c.logger.InfoContext(ctx, "Connection accepted", "prospect_id", p.ID, "matched_by", kind, "activated", len(ids))
	}

	ticksCounter.WithLabelValues(connectionCheckerName, "checked").Inc()
	c.logger.InfoContext(ctx, "Connection check finished", "observed", len(observed), "matched", matched, "activated", promoted)
	if matched > 0 {
		publish(ctx, c.events, c.logger, core_domain.Event{
			Type: core_domain.EventSendOutcome,
			At:   c.clock(),
			Data: map[string]any{"action": "connection_check", "matched": matched, "activated": promoted},
		})
	}
	return nil
}

// observe runs on a temporary session so reconciliation never waits for a send slot.
func (c *ConnectionChecker) observe(ctx context.Context) ([]core_domain.ObservedConnection, error) {
	session, err := c.pool.Acquire(ctx, true)
	if err != nil {
		return nil, err
	}
	defer c.pool.Release(session)

	opCtx, cancel := context.WithTimeout(ctx, c.config.OperationTimeout)
	defer cancel()
	observed, err := c.driver.RecentConnections(opCtx, session)
	return observed, operationError(opCtx, err)
}
