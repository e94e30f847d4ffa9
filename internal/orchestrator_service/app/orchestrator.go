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
	credapp "github.com/leadforge/outreach_services/internal/credential_service/app"
)

// Worker is a startable component owned by the orchestrator.
type Worker interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// TransitionSource delivers credential validity transitions.
type TransitionSource interface {
	Subscribe(name string, fn credapp.Handler) (unsubscribe func())
}

type Config struct {
	// StartupStagger separates two consecutive worker starts.
	StartupStagger time.Duration
	// StopTimeout bounds how long one worker may take to stop.
	StopTimeout time.Duration
	// Clock stamps published events. Defaults to core_domain.SystemClock.
	Clock core_domain.Clock
}

// Orchestrator starts its workers in order and stops them in reverse. It follows the
// credential: an invalid credential stops everything and a valid one starts it again.
type Orchestrator struct {
	workers []Worker
	gate    core_domain.CredentialGate
	events  core_domain.EventPublisher
	logger  *slog.Logger
	config  Config

	mu      sync.Mutex
	started []Worker
	// running mirrors a completed Start so readers never wait out a staggered start.
	running atomic.Bool

	wantRunning atomic.Bool
	wake        chan struct{}
}

// New builds an orchestrator. workers are started in the given order.
func New(workers []Worker, gate core_domain.CredentialGate, events core_domain.EventPublisher, logger *slog.Logger, cfg Config) *Orchestrator {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = core_domain.SystemClock
	}
	return &Orchestrator{
		workers: workers,
		gate:    gate,
		events:  events,
		logger:  logger.With("component", "orchestrator"),
		config:  cfg,
		wake:    make(chan struct{}, 1),
	}
}

// Running reports whether every worker is started. It is false while a start is still
// in progress.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// Start verifies the credential and starts every worker, pausing StartupStagger between
// two of them. A failure part way stops what was already started.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.started) > 0 {
		return nil
	}
	if !o.gate.IsValid() {
		return fmt.Errorf("start orchestrator: %w", core_domain.ErrCredentialInvalid)
	}

	for i, w := range o.workers {
		if i > 0 && o.config.StartupStagger > 0 {
			timer := time.NewTimer(o.config.StartupStagger)
			select {
			case <-ctx.Done():
				timer.Stop()
				o.stopLocked(context.WithoutCancel(ctx))
				return ctx.Err()
			case <-timer.C:
			}
		}
		if !o.gate.IsValid() {
			o.stopLocked(ctx)
			return fmt.Errorf("start %s: %w", w.Name(), core_domain.ErrCredentialInvalid)
		}
		if err := w.Start(ctx); err != nil {
			o.stopLocked(ctx)
			return fmt.Errorf("start %s: %w", w.Name(), err)
		}
		o.started = append(o.started, w)
		o.logger.InfoContext(ctx, "Worker started", "worker", w.Name())
	}

	o.running.Store(true)
	runningGauge.Set(1)
	o.logger.InfoContext(ctx, "Orchestrator started", "workers", len(o.started))
	o.publish(ctx, "started")
	return nil
}

// Stop stops the started workers in reverse order. A worker that fails to stop is
// logged and skipped; the rest are still stopped.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.started) == 0 {
		return nil
	}
	err := o.stopLocked(ctx)
	o.logger.InfoContext(ctx, "Orchestrator stopped")
	o.publish(ctx, "stopped")
	return err
}

func (o *Orchestrator) stopLocked(ctx context.Context) error {
	var errs []error
	for i := len(o.started) - 1; i >= 0; i-- {
		w := o.started[i]
		if err := o.stopWorker(ctx, w); err != nil {
			o.logger.ErrorContext(ctx, "Worker failed to stop", "worker", w.Name(), "error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", w.Name(), err))
			continue
		}
		o.logger.InfoContext(ctx, "Worker stopped", "worker", w.Name())
	}
	o.started = nil
	o.running.Store(false)
	runningGauge.Set(0)
	return errors.Join(errs...)
}

func (o *Orchestrator) stopWorker(ctx context.Context, w Worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	stopCtx, cancel := context.WithTimeout(ctx, o.config.StopTimeout)
	defer cancel()
	return w.Stop(stopCtx)
}

// Run follows credential transitions until ctx ends, then stops the workers. The
// subscription handler only records the desired state, so the monitor is never held up
// by a staggered start.
func (o *Orchestrator) Run(ctx context.Context, source TransitionSource) error {
	unsubscribe := source.Subscribe("orchestrator", func(_ context.Context, t credapp.Transition) {
		o.wantRunning.Store(t.Kind == credapp.BecameValid)
		select {
		case o.wake <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	o.wantRunning.Store(o.gate.IsValid())
	o.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			return o.Stop(context.WithoutCancel(ctx))
		case <-o.wake:
			o.reconcile(ctx)
		}
	}
}

func (o *Orchestrator) reconcile(ctx context.Context) {
	if !o.wantRunning.Load() {
		if o.Running() {
			o.logger.WarnContext(ctx, "Credential invalid, stopping workers")
		}
		if err := o.Stop(ctx); err != nil {
			o.logger.ErrorContext(ctx, "Orchestrator stop finished with errors", "error", err)
		}
		return
	}
	if o.Running() {
		return
	}
	if err := o.Start(ctx); err != nil {
		if errors.Is(err, core_domain.ErrCredentialInvalid) {
			o.logger.WarnContext(ctx, "Credential invalid, waiting for revalidation")
			return
		}
		if errors.Is(err, context.Canceled) {
			return
		}
		o.logger.ErrorContext(ctx, "Orchestrator failed to start", "error", err)
	}
}

// ErrUnknownWorker is returned by Trigger for a name no worker carries.
var ErrUnknownWorker = errors.New("unknown worker")

// Status is the orchestrator snapshot served by the admin API.
type Status struct {
	Running bool         `json:"running"`
	Workers []TaskStatus `json:"workers"`
}

func (o *Orchestrator) Status() Status {
	st := Status{Running: o.Running()}
	for _, w := range o.workers {
		if s, ok := w.(interface{ Status() TaskStatus }); ok {
			st.Workers = append(st.Workers, s.Status())
			continue
		}
		st.Workers = append(st.Workers, TaskStatus{Name: w.Name()})
	}
	return st
}

// Trigger runs one tick of the named worker now. It reports false when the worker is
// stopped or busy.
func (o *Orchestrator) Trigger(name string) (bool, error) {
	for _, w := range o.workers {
		if w.Name() != name {
			continue
		}
		t, ok := w.(interface{ Trigger() bool })
		if !ok {
			return false, fmt.Errorf("%w: %s cannot be triggered", ErrUnknownWorker, name)
		}
		return t.Trigger(), nil
	}
	return false, fmt.Errorf("%w: %s", ErrUnknownWorker, name)
}

func (o *Orchestrator) publish(ctx context.Context, state string) {
	err := o.events.Publish(ctx, core_domain.Event{
		Type: core_domain.EventOrchestratorState,
		At:   o.config.Clock().UTC(),
		Data: map[string]any{"state": state},
	})
	if err != nil {
		o.logger.WarnContext(ctx, "Failed to publish event", "error", err)
	}
}
