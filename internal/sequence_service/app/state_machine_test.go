package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadforge/outreach_services/internal/core_domain"
	"github.com/leadforge/outreach_services/internal/platform/memstore"
	queueapp "github.com/leadforge/outreach_services/internal/queue_service/app"
	"github.com/leadforge/outreach_services/internal/timepolicy"
)

type staticGate bool

func (g staticGate) IsValid() bool { return bool(g) }

type sequenceTestComponents struct {
	store     *memstore.Store
	policy    *timepolicy.Policy
	messages  *queueapp.MessageQueue
	scheduler *Scheduler
	machine   *StateMachine
	now       time.Time
}

func setupSequenceTest(t *testing.T, failures FailurePolicy) *sequenceTestComponents {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := &sequenceTestComponents{
		store: memstore.New(),
		// Tuesday 10:00 UTC.
		now: time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return c.now }
	settings := core_domain.AppSettings{
		Timezone:          "UTC",
		MessageWindow:     core_domain.HourWindow{Start: 9, End: 17},
		ConnectionWindow:  core_domain.HourWindow{Start: 9, End: 17},
		MessagesPerDay:    20,
		ConnectionsPerDay: 20,
	}
	policy, err := timepolicy.New(settings, c.store.DailyStats(), timepolicy.WithClock(clock), timepolicy.WithRandSource(rand.NewSource(7)))
	require.NoError(t, err)
	c.policy = policy

	qcfg := queueapp.Config{TransientRetryDelay: 15 * time.Minute, StuckEntryTimeout: 30 * time.Minute}
	c.messages = queueapp.NewMessageQueue(c.store.MessageQueue(), policy, clock, logger, qcfg)
	connections := queueapp.NewConnectionQueue(c.store.ConnectionQueue(), policy, clock, logger, qcfg)
	events := core_domain.NopPublisher{}

	c.scheduler = NewScheduler(c.store.Sequences(), c.store.Statuses(), c.store.Prospects(), c.messages, policy, staticGate(true), events, clock, logger)
	c.machine = NewStateMachine(c.store.Sequences(), c.store.Statuses(), c.store.Prospects(), c.scheduler, c.messages, connections, failures, events, clock, logger)
	return c
}

func (c *sequenceTestComponents) twoStepSequence(t *testing.T) *core_domain.Sequence {
	t.Helper()
	seq, _, err := c.machine.CreateSequence(context.Background(), CreateSequenceInput{
		Name: "Founders",
		Messages: []MessageInput{
			{Position: 1, Content: "Hi {{FirstName}}, loved what {{Company}} is doing.", DelayHours: 0},
			{Position: 2, Content: "Following up, {{FirstName}}.", DelayHours: 24},
		},
	})
	require.NoError(t, err)
	return seq
}

func (c *sequenceTestComponents) prospect(t *testing.T, status core_domain.ConnectionStatus) *core_domain.Prospect {
	t.Helper()
	p, err := c.machine.CreateProspect(context.Background(), CreateProspectInput{
		ProfileURL: "https://www.linkedin.com/in/" + uuid.NewString(),
		FirstName:  "Ada",
		LastName:   "Lovelace",
		Company:    "Analytical Engines",
	})
	require.NoError(t, err)
	if status != core_domain.ConnectionNotConnected {
		require.NoError(t, c.store.Prospects().SetConnectionStatus(context.Background(), p.ID, status))
		p.ConnectionStatus = status
	}
	return p
}

func (c *sequenceTestComponents) queued() []core_domain.MessageQueueEntry {
	var out []core_domain.MessageQueueEntry
	for _, e := range c.store.MessageEntries() {
		if e.Status == core_domain.QueueQueued {
			out = append(out, e)
		}
	}
	return out
}

// claimAndSend mimics a processor finishing one step at the current clock.
func (c *sequenceTestComponents) claimAndSend(t *testing.T) *core_domain.ProspectSequenceStatus {
	t.Helper()
	ctx := context.Background()
	e, err := c.messages.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, c.messages.MarkSent(ctx, e.ID))
	st, err := c.machine.RecordSendSuccess(ctx, e, c.now)
	require.NoError(t, err)
	_, err = c.scheduler.ScheduleNext(ctx, st.ID)
	require.NoError(t, err)
	return st
}

func TestStateMachine_ConnectedProspectStartsActive(t *testing.T) {
	c := setupSequenceTest(t, FailurePolicy{})
	ctx := context.Background()
	seq := c.twoStepSequence(t)
	_, err := c.machine.ActivateSequence(ctx, seq.ID)
	require.NoError(t, err)
	p := c.prospect(t, core_domain.ConnectionConnected)

	st, err := c.machine.AddProspect(ctx, p.ID, seq.ID)
	require.NoError(t, err)

	assert.Equal(t, core_domain.ProspectActive, st.Status)
	assert.Equal(t, 0, st.CurrentStep)
	require.NotNil(t, st.NextMessageScheduledAt)

	q := c.queued()
	require.Len(t, q, 1)
	assert.Equal(t, 1, q[0].Step)
	assert.Equal(t, "Hi Ada, loved what Analytical Engines is doing.", q[0].Content)
	assert.True(t, c.policy.IsInWindow(core_domain.ActionMessage, q[0].ScheduledFor))
	assert.False(t, q[0].ScheduledFor.Before(c.now))
	assert.WithinDuration(t, c.now, q[0].ScheduledFor, timepolicy.MaxJitter)
	assert.Empty(t, c.store.ConnectionEntries(), "connected prospects need no invitation")
}

func TestStateMachine_UnconnectedProspectQueuesInvitation(t *testing.T) {
	c := setupSequenceTest(t, FailurePolicy{})
	ctx := context.Background()
	seq := c.twoStepSequence(t)
	p := c.prospect(t, core_domain.ConnectionNotConnected)

	st, err := c.machine.AddProspect(ctx, p.ID, seq.ID)
	require.NoError(t, err)
	assert.Equal(t, core_domain.ProspectPending, st.Status)
	assert.Empty(t, c.queued())

	conns := c.store.ConnectionEntries()
	require.Len(t, conns, 1)
	assert.Equal(t, p.ID, conns[0].ProspectID)
	assert.Equal(t, core_domain.QueuePending, conns[0].Status)

	_, err = c.machine.AddProspect(ctx, p.ID, seq.ID)
	assert.ErrorIs(t, err, core_domain.ErrAlreadyEnrolled)
}

func TestStateMachine_SendAdvancesAndSchedulesTomorrow(t *testing.T) {
	c := setupSequenceTest(t, FailurePolicy{})
	ctx := context.Background()
	seq := c.twoStepSequence(t)
	_, err := c.machine.ActivateSequence(ctx, seq.ID)
	require.NoError(t, err)
	p := c.prospect(t, core_domain.ConnectionConnected)
	st, err := c.machine.AddProspect(ctx, p.ID, seq.ID)
	require.NoError(t, err)

	c.now = *st.NextMessageScheduledAt
	sentAt := c.now
	c.claimAndSend(t)

	got, err := c.store.Statuses().GetByID(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentStep)
	require.NotNil(t, got.LastMessageSentAt)
	assert.True(t, got.LastMessageSentAt.Equal(sentAt))
	require.Len(t, got.History, 1)
	assert.Equal(t, core_domain.HistorySent, got.History[0].Status)

	q := c.queued()
	require.Len(t, q, 1)
	assert.Equal(t, 2, q[0].Step)
	assert.Equal(t, 2, q[0].Priority)
	assert.False(t, q[0].ScheduledFor.Before(sentAt.Add(24*time.Hour)))
	assert.Equal(t, sentAt.AddDate(0, 0, 1).YearDay(), q[0].ScheduledFor.YearDay())
	assert.True(t, c.policy.IsInWindow(core_domain.ActionMessage, q[0].ScheduledFor))
}

func TestStateMachine_LastStepCompletesAndStopsScheduling(t *testing.T) {
	c := setupSequenceTest(t, FailurePolicy{})
	ctx := context.Background()
	seq := c.twoStepSequence(t)
	_, err := c.machine.ActivateSequence(ctx, seq.ID)
	require.NoError(t, err)
	p := c.prospect(t, core_domain.ConnectionConnected)
	st, err := c.machine.AddProspect(ctx, p.ID, seq.ID)
	require.NoError(t, err)

	c.now = *st.NextMessageScheduledAt
	c.claimAndSend(t)
	c.now = c.queued()[0].ScheduledFor
	final := c.claimAndSend(t)

	assert.Equal(t, core_domain.ProspectCompleted, final.Status)
	assert.Equal(t, 2, final.CurrentStep)
	assert.NotNil(t, final.CompletedAt)
	assert.Empty(t, c.queued())

	// A completed status is never scheduled again.
	ok, err := c.scheduler.ScheduleNext(ctx, st.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	n, err := c.scheduler.ScheduleAllPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, c.queued())

	// A replayed success for an old step never lowers the counter.
	replayed, err := c.machine.RecordSendSuccess(ctx, &core_domain.MessageQueueEntry{ProspectSequenceStatusID: st.ID, Step: 1}, c.now)
	require.NoError(t, err)
	assert.Equal(t, 2, replayed.CurrentStep)
	assert.Equal(t, core_domain.ProspectCompleted, replayed.Status)
}

func TestStateMachine_PauseCancelsQueuedAndResumeReschedules(t *testing.T) {
	c := setupSequenceTest(t, FailurePolicy{})
	ctx := context.Background()
	seq := c.twoStepSequence(t)
	_, err := c.machine.ActivateSequence(ctx, seq.ID)
	require.NoError(t, err)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		st, err := c.machine.AddProspect(ctx, c.prospect(t, core_domain.ConnectionConnected).ID, seq.ID)
		require.NoError(t, err)
		ids = append(ids, st.ID)
	}
	require.Len(t, c.queued(), 3)

	cancelled, err := c.machine.PauseSequence(ctx, seq.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, cancelled)
	assert.Empty(t, c.queued())
	cancelledCount := 0
	for _, e := range c.store.MessageEntries() {
		if e.Status == core_domain.QueueCancelled {
			cancelledCount++
		}
	}
	assert.Equal(t, 3, cancelledCount)
	for _, id := range ids {
		st, err := c.store.Statuses().GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, core_domain.ProspectActive, st.Status, "pausing leaves prospect status alone")
		assert.Nil(t, st.NextMessageScheduledAt)
	}

	// Nothing is scheduled while paused.
	n, err := c.scheduler.ScheduleAllPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	scheduled, err := c.machine.ResumeSequence(ctx, seq.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, scheduled)
	assert.Len(t, c.queued(), 3)
}

func TestStateMachine_PauseResumeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	run := func(t *testing.T, times int) []uuid.UUID {
		c := setupSequenceTest(t, FailurePolicy{})
		seq := c.twoStepSequence(t)
		_, err := c.machine.ActivateSequence(ctx, seq.ID)
		require.NoError(t, err)
		var statusIDs []uuid.UUID
		for i := 0; i < 2; i++ {
			st, err := c.machine.AddProspect(ctx, c.prospect(t, core_domain.ConnectionConnected).ID, seq.ID)
			require.NoError(t, err)
			statusIDs = append(statusIDs, st.ID)
		}
		for i := 0; i < times; i++ {
			_, err := c.machine.PauseSequence(ctx, seq.ID)
			require.NoError(t, err)
		}
		for i := 0; i < times; i++ {
			_, err := c.machine.ResumeSequence(ctx, seq.ID)
			require.NoError(t, err)
		}
		var queuedFor []uuid.UUID
		for _, id := range statusIDs {
			for _, e := range c.queued() {
				if e.ProspectSequenceStatusID == id {
					queuedFor = append(queuedFor, id)
				}
			}
		}
		return queuedFor
	}

	once := run(t, 1)
	twice := run(t, 2)
	assert.Len(t, once, 2)
	assert.Len(t, twice, len(once))
}

func TestStateMachine_ConnectionPromotesPendingStatus(t *testing.T) {
	c := setupSequenceTest(t, FailurePolicy{})
	ctx := context.Background()
	seq := c.twoStepSequence(t)
	p := c.prospect(t, core_domain.ConnectionNotConnected)
	st, err := c.machine.AddProspect(ctx, p.ID, seq.ID)
	require.NoError(t, err)

	require.NoError(t, c.machine.RecordInvitationSent(ctx, p.ID))
	got, err := c.store.Statuses().GetByID(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, core_domain.ConnectionInvitationSent, got.ConnectionStatus)

	// Draft sequences do not promote.
	promoted, err := c.machine.RecordConnected(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, promoted)
	got, err = c.store.Statuses().GetByID(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, core_domain.ProspectPending, got.Status)
	assert.Equal(t, core_domain.ConnectionConnected, got.ConnectionStatus)

	// Activation picks up the connected prospect and schedules it.
	n, err := c.machine.ActivateSequence(ctx, seq.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err = c.store.Statuses().GetByID(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, core_domain.ProspectActive, got.Status)
	assert.Len(t, c.queued(), 1)
}

func TestStateMachine_RecordConnectedInActiveSequence(t *testing.T) {
	c := setupSequenceTest(t, FailurePolicy{})
	ctx := context.Background()
	seq := c.twoStepSequence(t)
	_, err := c.machine.ActivateSequence(ctx, seq.ID)
	require.NoError(t, err)
	p := c.prospect(t, core_domain.ConnectionInvitationSent)
	st, err := c.machine.AddProspect(ctx, p.ID, seq.ID)
	require.NoError(t, err)
	assert.Empty(t, c.store.ConnectionEntries(), "already invited prospects are not invited again")

	promoted, err := c.machine.RecordConnected(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{st.ID}, promoted)
	assert.Len(t, c.queued(), 1)
}

func TestStateMachine_TerminalFailurePolicy(t *testing.T) {
	ctx := context.Background()
	cause := errors.New("recipient not accepting messages")

	tests := []struct {
		name       string
		policy     FailurePolicy
		failures   int
		wantStatus core_domain.ProspectStatus
	}{
		{name: "baseline keeps the prospect active", policy: FailurePolicy{}, failures: 3, wantStatus: core_domain.ProspectActive},
		{name: "below the limit stays active", policy: FailurePolicy{MaxStepFailures: 3}, failures: 2, wantStatus: core_domain.ProspectActive},
		{name: "reaching the limit fails the prospect", policy: FailurePolicy{MaxStepFailures: 2}, failures: 2, wantStatus: core_domain.ProspectFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := setupSequenceTest(t, tt.policy)
			seq := c.twoStepSequence(t)
			_, err := c.machine.ActivateSequence(ctx, seq.ID)
			require.NoError(t, err)
			st, err := c.machine.AddProspect(ctx, c.prospect(t, core_domain.ConnectionConnected).ID, seq.ID)
			require.NoError(t, err)

			entry := &core_domain.MessageQueueEntry{ProspectSequenceStatusID: st.ID, Step: 1}
			var got *core_domain.ProspectSequenceStatus
			for i := 0; i < tt.failures; i++ {
				got, err = c.machine.RecordSendFailure(ctx, entry, cause)
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, 0, got.CurrentStep)
			assert.Equal(t, tt.failures, got.FailuresForStep(1))
			assert.Equal(t, cause.Error(), got.History[len(got.History)-1].Error)

			stored, err := c.store.Statuses().GetByID(ctx, st.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, stored.Status)
		})
	}
}

func TestStateMachine_CreateSequenceValidation(t *testing.T) {
	c := setupSequenceTest(t, FailurePolicy{})
	ctx := context.Background()

	tests := []struct {
		name string
		in   CreateSequenceInput
	}{
		{name: "no messages", in: CreateSequenceInput{Name: "x"}},
		{name: "missing name", in: CreateSequenceInput{Messages: []MessageInput{{Position: 1, Content: "hi"}}}},
		{name: "gap in positions", in: CreateSequenceInput{Name: "x", Messages: []MessageInput{{Position: 1, Content: "a"}, {Position: 3, Content: "b"}}}},
		{name: "repeated position", in: CreateSequenceInput{Name: "x", Messages: []MessageInput{{Position: 1, Content: "a"}, {Position: 1, Content: "b"}}}},
		{name: "position above five", in: CreateSequenceInput{Name: "x", Messages: []MessageInput{{Position: 6, Content: "a"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := c.machine.CreateSequence(ctx, tt.in)
			assert.ErrorIs(t, err, core_domain.ErrInvalidInput)
		})
	}

	seq, script, err := c.machine.CreateSequence(ctx, CreateSequenceInput{
		Name:     " Spring ",
		Messages: []MessageInput{{Position: 2, Content: "b", DelayHours: 48}, {Position: 1, Content: "a"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Spring", seq.Name)
	assert.Equal(t, core_domain.SequenceDraft, seq.Status)
	assert.Equal(t, 2, seq.MessageCount)
	assert.Equal(t, 1, script[0].Position)
}

func TestStateMachine_CompletedSequenceRejectsChanges(t *testing.T) {
	c := setupSequenceTest(t, FailurePolicy{})
	ctx := context.Background()
	seq := c.twoStepSequence(t)
	_, err := c.machine.CompleteSequence(ctx, seq.ID)
	require.NoError(t, err)

	_, err = c.machine.ActivateSequence(ctx, seq.ID)
	assert.ErrorIs(t, err, core_domain.ErrInvalidTransition)
	_, err = c.machine.PauseSequence(ctx, seq.ID)
	assert.ErrorIs(t, err, core_domain.ErrInvalidTransition)
	_, err = c.machine.AddProspect(ctx, c.prospect(t, core_domain.ConnectionConnected).ID, seq.ID)
	assert.ErrorIs(t, err, core_domain.ErrInvalidTransition)
}

func TestStateMachine_Stats(t *testing.T) {
	c := setupSequenceTest(t, FailurePolicy{})
	ctx := context.Background()
	seq := c.twoStepSequence(t)
	_, err := c.machine.ActivateSequence(ctx, seq.ID)
	require.NoError(t, err)
	_, err = c.machine.AddProspect(ctx, c.prospect(t, core_domain.ConnectionConnected).ID, seq.ID)
	require.NoError(t, err)
	_, err = c.machine.AddProspect(ctx, c.prospect(t, core_domain.ConnectionNotConnected).ID, seq.ID)
	require.NoError(t, err)

	stats, err := c.machine.Stats(ctx, seq.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ByStatus[core_domain.ProspectActive])
	assert.Equal(t, 1, stats.ByStatus[core_domain.ProspectPending])
	assert.Equal(t, 2, stats.ByStep[0])

	_, err = c.machine.Stats(ctx, uuid.New())
	assert.ErrorIs(t, err, core_domain.ErrNotFound)
}

func TestRenderMessage(t *testing.T) {
	p := &core_domain.Prospect{FullName: "Grace Hopper", Company: "Navy", Title: "Rear Admiral"}
	got := RenderMessage("{{FirstName}} / {{Name}} / {{Title}} at {{Company}} {{Unknown}}", p)
	assert.Equal(t, "Grace / Grace Hopper / Rear Admiral at Navy {{Unknown}}", got)
	assert.Equal(t, "plain", RenderMessage("plain", nil))
}
