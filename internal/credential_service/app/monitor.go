package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/leadforge/outreach_services/internal/core_domain"
)

// Validation is a validator verdict. Cached is true when it came from the short-TTL cache.
type Validation struct {
	Valid  bool
	Cached bool
}

// Validator checks a credential value against the external site.
type Validator interface {
	Validate(ctx context.Context, value string) (Validation, error)
}

// VerdictForgetter is implemented by validators that cache verdicts.
type VerdictForgetter interface {
	Forget(ctx context.Context, value string) error
}

// CheckResult is what Check reports back to callers.
type CheckResult struct {
	IsValid       bool      `json:"is_valid"`
	CachedResult  bool      `json:"cached_result"`
	LastCheckedAt time.Time `json:"last_checked_at"`
}

// Monitor holds the credential's validity and publishes a Transition on every change.
// The held state starts invalid, so the first successful check emits BecameValid.
type Monitor struct {
	name      string
	repo      core_domain.CredentialRepository
	validator Validator
	bus       *Bus
	events    core_domain.EventPublisher
	clock     core_domain.Clock
	logger    *slog.Logger

	checkMu sync.Mutex
	valid   atomic.Bool
}

func NewMonitor(
	name string,
	repo core_domain.CredentialRepository,
	validator Validator,
	bus *Bus,
	events core_domain.EventPublisher,
	clock core_domain.Clock,
	logger *slog.Logger,
) *Monitor {
	return &Monitor{
		name:      name,
		repo:      repo,
		validator: validator,
		bus:       bus,
		events:    events,
		clock:     clock,
		logger:    logger.With("credential", name),
	}
}

// IsValid returns the held state without contacting anything.
func (m *Monitor) IsValid() bool {
	return m.valid.Load()
}

// Check validates the stored credential and publishes a transition if the verdict differs
// from the held state. Checks are serialized. A validator error leaves the held state alone.
func (m *Monitor) Check(ctx context.Context) (CheckResult, error) {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	now := m.clock()
	cred, err := m.repo.Get(ctx, m.name)
	if errors.Is(err, core_domain.ErrNotFound) {
		checksCounter.WithLabelValues("missing").Inc()
		m.logger.WarnContext(ctx, "Credential not configured")
		m.apply(ctx, false, now)
		return CheckResult{IsValid: false, LastCheckedAt: now}, nil
	}
	if err != nil {
		checksCounter.WithLabelValues("error").Inc()
		return CheckResult{IsValid: m.IsValid()}, fmt.Errorf("load credential: %w", err)
	}

	verdict, err := m.validator.Validate(ctx, cred.Value)
	if err != nil {
		checksCounter.WithLabelValues("error").Inc()
		m.logger.WarnContext(ctx, "Credential validation failed; keeping previous state", "error", err, "valid", m.IsValid())
		return CheckResult{IsValid: m.IsValid()}, fmt.Errorf("validate credential: %w", err)
	}
	if verdict.Valid {
		checksCounter.WithLabelValues("valid").Inc()
	} else {
		checksCounter.WithLabelValues("invalid").Inc()
	}

	if err := m.repo.UpdateValidity(ctx, m.name, verdict.Valid, now); err != nil {
		m.logger.ErrorContext(ctx, "Failed to persist credential validity", "error", err)
	}
	m.apply(ctx, verdict.Valid, now)
	return CheckResult{IsValid: verdict.Valid, CachedResult: verdict.Cached, LastCheckedAt: now}, nil
}

func (m *Monitor) apply(ctx context.Context, valid bool, at time.Time) {
	if valid {
		validGauge.Set(1)
	} else {
		validGauge.Set(0)
	}
	if m.valid.Swap(valid) == valid {
		return
	}

	kind := BecameInvalid
	if valid {
		kind = BecameValid
	}
	transitionsCounter.WithLabelValues(string(kind)).Inc()
	m.logger.InfoContext(ctx, "Credential validity changed", "transition", kind)
	m.bus.Publish(ctx, Transition{Kind: kind, At: at})
	_ = m.events.Publish(ctx, core_domain.Event{
		Type: core_domain.EventCredentialState,
		At:   at,
		Data: map[string]any{"valid": valid, "transition": string(kind)},
	})
}

// Run checks immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := m.Check(ctx); err != nil {
			m.logger.ErrorContext(ctx, "Credential check failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ReportRejected drops any cached verdict and checks again right away. Called when the site
// refused the credential during an operation.
func (m *Monitor) ReportRejected(ctx context.Context, cause error) {
	checksCounter.WithLabelValues("rejected").Inc()
	m.logger.WarnContext(ctx, "Credential refused by site; checking now", "error", cause)
	if f, ok := m.validator.(VerdictForgetter); ok {
		cred, err := m.repo.Get(ctx, m.name)
		if err == nil {
			err = f.Forget(ctx, cred.Value)
		}
		if err != nil && !errors.Is(err, core_domain.ErrNotFound) {
			m.logger.WarnContext(ctx, "Failed to drop cached credential verdict", "error", err)
		}
	}
	if _, err := m.Check(ctx); err != nil {
		m.logger.ErrorContext(ctx, "Credential re-check failed", "error", err)
	}
}

// SetCredential stores a new credential value and checks it right away.
func (m *Monitor) SetCredential(ctx context.Context, value string) (CheckResult, error) {
	if value == "" {
		return CheckResult{}, fmt.Errorf("%w: empty value", core_domain.ErrCredentialInvalid)
	}
	if err := m.repo.Upsert(ctx, m.name, value); err != nil {
		return CheckResult{}, fmt.Errorf("store credential: %w", err)
	}
	m.logger.InfoContext(ctx, "Credential updated")
	return m.Check(ctx)
}
