package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TickFunc is one unit of periodic work.
type TickFunc func(ctx context.Context) error

// ErrorReporter receives tick errors and recovered panics.
type ErrorReporter interface {
	Capture(component string, err error)
	CapturePanic(component string, recovered any)
}

type nopReporter struct{}

func (nopReporter) Capture(string, error)    {}
func (nopReporter) CapturePanic(string, any) {}

// TaskStatus is a snapshot of a periodic task for the admin API.
type TaskStatus struct {
	Name       string    `json:"name"`
	Running    bool      `json:"running"`
	Interval   string    `json:"interval"`
	LastTickAt time.Time `json:"last_tick_at,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

// PeriodicTask runs a TickFunc on a fixed interval. The first tick runs right after
// Start. Two ticks of the same task never overlap: a tick that is still running when the
// timer fires makes the task skip that beat.
type PeriodicTask struct {
	name     string
	interval time.Duration
	tick     TickFunc
	reporter ErrorReporter
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	runCtx context.Context

	inFlight atomic.Bool
	stateMu  sync.Mutex
	lastTick time.Time
	lastErr  error
}

func NewPeriodicTask(name string, interval time.Duration, tick TickFunc, reporter ErrorReporter, logger *slog.Logger) *PeriodicTask {
	if reporter == nil {
		reporter = nopReporter{}
	}
	return &PeriodicTask{
		name:     name,
		interval: interval,
		tick:     tick,
		reporter: reporter,
		logger:   logger.With("task", name),
	}
}

func (t *PeriodicTask) Name() string { return t.name }

// Start launches the timer loop. Starting a running task is a no-op.
func (t *PeriodicTask) Start(ctx context.Context) error {
	if t.interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", t.name)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.cancel, t.done, t.runCtx = cancel, done, runCtx
	go t.loop(runCtx, done)
	t.logger.InfoContext(ctx, "Periodic task started", "interval", t.interval)
	return nil
}

func (t *PeriodicTask) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		t.runTick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop cancels the loop and waits for an in-flight tick to return or for ctx to end.
// Stopping a stopped task is a no-op.
func (t *PeriodicTask) Stop(ctx context.Context) error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done, t.runCtx = nil, nil, nil
	t.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		t.logger.InfoContext(ctx, "Periodic task stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("task %s: waiting for in-flight tick: %w", t.name, ctx.Err())
	}
}

func (t *PeriodicTask) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}

// Trigger runs one tick now on the caller's goroutine. It reports false when the task
// is stopped or a tick is already in flight.
func (t *PeriodicTask) Trigger() bool {
	t.mu.Lock()
	ctx := t.runCtx
	t.mu.Unlock()
	if ctx == nil {
		return false
	}
	return t.runTick(ctx)
}

func (t *PeriodicTask) runTick(ctx context.Context) (ran bool) {
	if !t.inFlight.CompareAndSwap(false, true) {
		tickResults.WithLabelValues(t.name, "skipped").Inc()
		t.logger.DebugContext(ctx, "Previous tick still in flight, skipping")
		return false
	}
	defer t.inFlight.Store(false)

	timer := prometheus.NewTimer(tickDuration.WithLabelValues(t.name))
	defer timer.ObserveDuration()
	defer func() {
		if r := recover(); r != nil {
			tickResults.WithLabelValues(t.name, "panic").Inc()
			t.logger.ErrorContext(ctx, "Periodic task panicked", "panic", r)
			t.reporter.CapturePanic(t.name, r)
			t.record(fmt.Errorf("panic: %v", r))
			ran = true
		}
	}()

	err := t.tick(ctx)
	t.record(err)
	switch {
	case err == nil:
		tickResults.WithLabelValues(t.name, "ok").Inc()
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		tickResults.WithLabelValues(t.name, "ok").Inc()
	default:
		tickResults.WithLabelValues(t.name, "error").Inc()
		t.logger.ErrorContext(ctx, "Periodic task tick failed", "error", err)
		t.reporter.Capture(t.name, err)
	}
	return true
}

func (t *PeriodicTask) record(err error) {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	t.lastTick = time.Now().UTC()
	t.lastErr = err
}

func (t *PeriodicTask) Status() TaskStatus {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	st := TaskStatus{
		Name:       t.name,
		Running:    t.Running(),
		Interval:   t.interval.String(),
		LastTickAt: t.lastTick,
	}
	if t.lastErr != nil {
		st.LastError = t.lastErr.Error()
	}
	return st
}
