package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadforge/outreach_services/internal/core_domain"
	credapp "github.com/leadforge/outreach_services/internal/credential_service/app"
)

type testGate struct{ valid atomic.Bool }

func (g *testGate) IsValid() bool { return g.valid.Load() }

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (j *journal) reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = nil
}

type fakeWorker struct {
	name     string
	journal  *journal
	startErr error
	stopErr  error
	running  atomic.Bool
}

func (w *fakeWorker) Name() string { return w.name }

func (w *fakeWorker) Start(context.Context) error {
	if w.startErr != nil {
		return w.startErr
	}
	w.running.Store(true)
	w.journal.add("start " + w.name)
	return nil
}

func (w *fakeWorker) Stop(context.Context) error {
	w.journal.add("stop " + w.name)
	w.running.Store(false)
	return w.stopErr
}

type orchestratorTestComponents struct {
	orchestrator *Orchestrator
	workers      []*fakeWorker
	journal      *journal
	gate         *testGate
}

func setupOrchestratorTest(t *testing.T, cfg Config) *orchestratorTestComponents {
	t.Helper()
	c := &orchestratorTestComponents{journal: &journal{}, gate: &testGate{}}
	c.gate.valid.Store(true)
	var workers []Worker
	for _, name := range []string{"message_processor", "connection_processor", "connection_checker", "scheduler", "queue_sweeper"} {
		w := &fakeWorker{name: name, journal: c.journal}
		c.workers = append(c.workers, w)
		workers = append(workers, w)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c.orchestrator = New(workers, c.gate, core_domain.NopPublisher{}, logger, cfg)
	return c
}

var (
	startOrder = []string{
		"start message_processor", "start connection_processor", "start connection_checker",
		"start scheduler", "start queue_sweeper",
	}
	stopOrder = []string{
		"stop queue_sweeper", "stop scheduler", "stop connection_checker",
		"stop connection_processor", "stop message_processor",
	}
)

func TestOrchestrator_StartsInOrderAndStopsInReverse(t *testing.T) {
	c := setupOrchestratorTest(t, Config{})
	ctx := context.Background()

	require.NoError(t, c.orchestrator.Start(ctx))
	assert.True(t, c.orchestrator.Running())
	require.NoError(t, c.orchestrator.Start(ctx), "second start is a no-op")
	assert.Equal(t, startOrder, c.journal.snapshot())

	c.journal.reset()
	require.NoError(t, c.orchestrator.Stop(ctx))
	assert.False(t, c.orchestrator.Running())
	assert.Equal(t, stopOrder, c.journal.snapshot())

	c.journal.reset()
	require.NoError(t, c.orchestrator.Stop(ctx))
	assert.Empty(t, c.journal.snapshot(), "stopping a stopped orchestrator does nothing")
}

func TestOrchestrator_StartRequiresValidCredential(t *testing.T) {
	c := setupOrchestratorTest(t, Config{})
	c.gate.valid.Store(false)

	err := c.orchestrator.Start(context.Background())

	assert.ErrorIs(t, err, core_domain.ErrCredentialInvalid)
	assert.False(t, c.orchestrator.Running())
	assert.Empty(t, c.journal.snapshot())
}

func TestOrchestrator_StaggersStarts(t *testing.T) {
	c := setupOrchestratorTest(t, Config{StartupStagger: 15 * time.Millisecond})

	begin := time.Now()
	require.NoError(t, c.orchestrator.Start(context.Background()))

	assert.GreaterOrEqual(t, time.Since(begin), 4*15*time.Millisecond)
	assert.Equal(t, startOrder, c.journal.snapshot())
}

func TestOrchestrator_StatusDoesNotWaitForStaggeredStart(t *testing.T) {
	c := setupOrchestratorTest(t, Config{StartupStagger: 200 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	started := make(chan error, 1)
	go func() { started <- c.orchestrator.Start(ctx) }()
	require.Eventually(t, func() bool { return len(c.journal.snapshot()) == 1 }, time.Second, time.Millisecond)

	answered := make(chan Status, 1)
	go func() { answered <- c.orchestrator.Status() }()
	select {
	case st := <-answered:
		assert.False(t, st.Running, "partially started")
		assert.Len(t, st.Workers, len(c.workers))
	case <-time.After(50 * time.Millisecond):
		t.Fatal("Status blocked behind the staggered start")
	}
	assert.False(t, c.orchestrator.Running())

	cancel()
	assert.ErrorIs(t, <-started, context.Canceled)
	assert.False(t, c.orchestrator.Running())
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []core_domain.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev core_domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func TestOrchestrator_EventsUseInjectedClock(t *testing.T) {
	at := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)
	gate := &testGate{}
	gate.valid.Store(true)
	events := &recordingPublisher{}
	w := &fakeWorker{name: "scheduler", journal: &journal{}}
	o := New([]Worker{w}, gate, events, slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config{Clock: func() time.Time { return at }})

	require.NoError(t, o.Start(context.Background()))
	require.NoError(t, o.Stop(context.Background()))

	require.Len(t, events.events, 2)
	for i, state := range []string{"started", "stopped"} {
		assert.Equal(t, core_domain.EventOrchestratorState, events.events[i].Type)
		assert.Equal(t, at, events.events[i].At)
		assert.Equal(t, state, events.events[i].Data["state"])
	}
}

func TestOrchestrator_StopIsBestEffort(t *testing.T) {
	c := setupOrchestratorTest(t, Config{})
	ctx := context.Background()
	c.workers[2].stopErr = errors.New("browser hung")
	require.NoError(t, c.orchestrator.Start(ctx))
	c.journal.reset()

	err := c.orchestrator.Stop(ctx)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection_checker")
	assert.Equal(t, stopOrder, c.journal.snapshot())
	assert.False(t, c.orchestrator.Running())
}

func TestOrchestrator_StartFailureUnwinds(t *testing.T) {
	c := setupOrchestratorTest(t, Config{})
	c.workers[3].startErr = errors.New("boom")

	err := c.orchestrator.Start(context.Background())

	require.Error(t, err)
	assert.Equal(t, []string{
		"start message_processor", "start connection_processor", "start connection_checker",
		"stop connection_checker", "stop connection_processor", "stop message_processor",
	}, c.journal.snapshot())
	assert.False(t, c.orchestrator.Running())
}

func TestOrchestrator_FollowsCredentialTransitions(t *testing.T) {
	c := setupOrchestratorTest(t, Config{})
	bus := credapp.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.orchestrator.Run(ctx, bus) }()

	require.Eventually(t, c.orchestrator.Running, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(bus.Subscribers()) == 1 }, time.Second, 5*time.Millisecond)

	c.gate.valid.Store(false)
	bus.Publish(ctx, credapp.Transition{Kind: credapp.BecameInvalid, At: time.Now()})
	require.Eventually(t, func() bool { return !c.orchestrator.Running() }, time.Second, 5*time.Millisecond)
	for _, w := range c.workers {
		assert.False(t, w.running.Load(), w.name)
	}

	c.journal.reset()
	c.gate.valid.Store(true)
	bus.Publish(ctx, credapp.Transition{Kind: credapp.BecameValid, At: time.Now()})
	require.Eventually(t, c.orchestrator.Running, time.Second, 5*time.Millisecond)
	assert.Equal(t, startOrder, c.journal.snapshot())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, c.orchestrator.Running())
	assert.Empty(t, bus.Subscribers())
}

func TestOrchestrator_RunWaitsForValidCredential(t *testing.T) {
	c := setupOrchestratorTest(t, Config{})
	c.gate.valid.Store(false)
	bus := credapp.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.orchestrator.Run(ctx, bus) }()

	require.Eventually(t, func() bool { return len(bus.Subscribers()) == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, c.orchestrator.Running())

	c.gate.valid.Store(true)
	bus.Publish(ctx, credapp.Transition{Kind: credapp.BecameValid, At: time.Now()})
	require.Eventually(t, c.orchestrator.Running, time.Second, 5*time.Millisecond)
}

func TestOrchestrator_TriggerAndStatus(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var ticks atomic.Int32
	task := NewPeriodicTask("scheduler", time.Hour, func(context.Context) error {
		ticks.Add(1)
		return nil
	}, nil, logger)
	gate := &testGate{}
	gate.valid.Store(true)
	o := New([]Worker{task}, gate, core_domain.NopPublisher{}, logger, Config{})

	ran, err := o.Trigger("scheduler")
	require.NoError(t, err)
	assert.False(t, ran, "stopped task does not tick")

	require.NoError(t, o.Start(context.Background()))
	defer o.Stop(context.Background())
	require.Eventually(t, func() bool {
		ran, err := o.Trigger("scheduler")
		return err == nil && ran
	}, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, ticks.Load(), int32(2), "start tick plus the triggered one")

	_, err = o.Trigger("nope")
	assert.ErrorIs(t, err, ErrUnknownWorker)

	st := o.Status()
	assert.True(t, st.Running)
	require.Len(t, st.Workers, 1)
	assert.Equal(t, "scheduler", st.Workers[0].Name)
	assert.True(t, st.Workers[0].Running)
}
