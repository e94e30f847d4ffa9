package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/leadforge/outreach_services/internal/core_domain"
)

// SendPolicy is the Time Policy surface the processors consult.
type SendPolicy interface {
	IsInWindow(action core_domain.ActionType, t time.Time) bool
	QuotaAvailable(ctx context.Context, action core_domain.ActionType) (bool, error)
	RecordSend(ctx context.Context, action core_domain.ActionType) (*core_domain.DailyStats, error)
	Interval(action core_domain.ActionType) time.Duration
}

type ProcessorConfig struct {
	OperationTimeout time.Duration
}

// gates holds what both processors check before claiming work. One processor runs one
// tick at a time.
type gates struct {
	name   string
	action core_domain.ActionType
	gate   core_domain.CredentialGate
	policy SendPolicy
	clock  core_domain.Clock
	logger *slog.Logger

	mu       sync.Mutex
	lastSend time.Time
}

// open reports whether a claim may be attempted now.
func (g *gates) open(ctx context.Context) (bool, error) {
	if !g.gate.IsValid() {
		ticksCounter.WithLabelValues(g.name, "gated_credential").Inc()
		g.logger.DebugContext(ctx, "Credential invalid, skipping tick", "processor", g.name)
		return false, nil
	}
	now := g.clock()
	if !g.policy.IsInWindow(g.action, now) {
		ticksCounter.WithLabelValues(g.name, "gated_window").Inc()
		g.logger.DebugContext(ctx, "Outside working window, skipping tick", "processor", g.name)
		return false, nil
	}
	if interval := g.policy.Interval(g.action); interval > 0 && !g.lastSend.IsZero() && now.Sub(g.lastSend) < interval {
		ticksCounter.WithLabelValues(g.name, "gated_interval").Inc()
		return false, nil
	}
	ok, err := g.policy.QuotaAvailable(ctx, g.action)
	if err != nil {
		ticksCounter.WithLabelValues(g.name, "error").Inc()
		return false, fmt.Errorf("check %s quota: %w", g.action, err)
	}
	if !ok {
		ticksCounter.WithLabelValues(g.name, "gated_quota").Inc()
		g.logger.InfoContext(ctx, "Daily quota reached, skipping tick", "processor", g.name)
		return false, nil
	}
	// The credential may have flipped while the quota was read.
	if err := ctx.Err(); err != nil || !g.gate.IsValid() {
		ticksCounter.WithLabelValues(g.name, "gated_credential").Inc()
		return false, nil
	}
	return true, nil
}

// recordSend counts a successful send against the day and the spacing interval.
func (g *gates) recordSend(ctx context.Context, at time.Time) {
	g.lastSend = at
	if _, err := g.policy.RecordSend(ctx, g.action); err != nil {
		g.logger.ErrorContext(ctx, "Failed to record send in daily stats", "processor", g.name, "error", err)
	}
}

// operationError folds a timed out operation into ErrOperationTimeout.
func operationError(opCtx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, core_domain.ErrOperationTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(opCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", core_domain.ErrOperationTimeout, err)
	}
	return err
}

// reportRejectedCredential lets the gate re-check right away when the site refused the
// credential, instead of waiting for the next scheduled check.
func reportRejectedCredential(ctx context.Context, gate core_domain.CredentialGate, err error) {
	if !errors.Is(err, core_domain.ErrCredentialInvalid) {
		return
	}
	if r, ok := gate.(core_domain.CredentialRejectionReporter); ok {
		r.ReportRejected(ctx, err)
	}
}

func publish(ctx context.Context, events core_domain.EventPublisher, logger *slog.Logger, ev core_domain.Event) {
	if err := events.Publish(ctx, ev); err != nil {
		logger.WarnContext(ctx, "Failed to publish event", "type", ev.Type, "error", err)
	}
}
