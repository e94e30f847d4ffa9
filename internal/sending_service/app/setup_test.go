package app

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/leadforge/outreach_services/internal/core_domain"
	"github.com/leadforge/outreach_services/internal/platform/memstore"
	queueapp "github.com/leadforge/outreach_services/internal/queue_service/app"
	seqapp "github.com/leadforge/outreach_services/internal/sequence_service/app"
	"github.com/leadforge/outreach_services/internal/timepolicy"
)

type testGate struct {
	valid    atomic.Bool
	rejected atomic.Int32
}

func newTestGate(valid bool) *testGate {
	g := &testGate{}
	g.valid.Store(valid)
	return g
}

func (g *testGate) IsValid() bool { return g.valid.Load() }

// ReportRejected mimics the monitor's re-check finding the credential dead.
func (g *testGate) ReportRejected(context.Context, error) {
	g.rejected.Add(1)
	g.valid.Store(false)
}

type testSession string

func (s testSession) ID() string { return string(s) }

// countingPool hands out fake sessions and tracks that every acquire is released.
type countingPool struct {
	mu         sync.Mutex
	acquired   int
	temporary  int
	released   int
	acquireErr error
}

func (p *countingPool) Acquire(_ context.Context, temporary bool) (core_domain.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	p.acquired++
	if temporary {
		p.temporary++
	}
	return testSession(uuid.NewString()), nil
}

func (p *countingPool) Release(core_domain.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released++
}

func (p *countingPool) counts() (acquired, released int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquired, p.released
}

type mockDriver struct{ mock.Mock }

func (m *mockDriver) SendConnectionRequest(ctx context.Context, s core_domain.Session, profileURL, name string) (core_domain.ConnectionResult, error) {
	args := m.Called(ctx, s, profileURL, name)
	return args.Get(0).(core_domain.ConnectionResult), args.Error(1)
}

func (m *mockDriver) SendMessage(ctx context.Context, s core_domain.Session, profileURL, text string) error {
	return m.Called(ctx, s, profileURL, text).Error(0)
}

func (m *mockDriver) RecentConnections(ctx context.Context, s core_domain.Session) ([]core_domain.ObservedConnection, error) {
	args := m.Called(ctx, s)
	observed, _ := args.Get(0).([]core_domain.ObservedConnection)
	return observed, args.Error(1)
}

type sendingOptions struct {
	messagesPerDay    int
	connectionsPerDay int
	maxStepFailures   int
	operationTimeout  time.Duration
}

type sendingTest struct {
	store       *memstore.Store
	policy      *timepolicy.Policy
	messages    *queueapp.MessageQueue
	connections *queueapp.ConnectionQueue
	machine     *seqapp.StateMachine
	pool        *countingPool
	driver      *mockDriver
	gate        *testGate
	mp          *MessageProcessor
	cp          *ConnectionProcessor
	cc          *ConnectionChecker
	now         time.Time
}

func setupSendingTest(t *testing.T, opts sendingOptions) *sendingTest {
	t.Helper()
	if opts.messagesPerDay == 0 {
		opts.messagesPerDay = 20
	}
	if opts.connectionsPerDay == 0 {
		opts.connectionsPerDay = 20
	}
	if opts.operationTimeout == 0 {
		opts.operationTimeout = time.Second
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := &sendingTest{
		store:  memstore.New(),
		pool:   &countingPool{},
		driver: &mockDriver{},
		gate:   newTestGate(true),
		// Tuesday 10:00 UTC.
		now: time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return c.now }
	settings := core_domain.AppSettings{
		Timezone:          "UTC",
		MessageWindow:     core_domain.HourWindow{Start: 9, End: 17},
		ConnectionWindow:  core_domain.HourWindow{Start: 9, End: 17},
		MessagesPerDay:    opts.messagesPerDay,
		ConnectionsPerDay: opts.connectionsPerDay,
	}
	policy, err := timepolicy.New(settings, c.store.DailyStats(), timepolicy.WithClock(clock), timepolicy.WithRandSource(rand.NewSource(11)))
	require.NoError(t, err)
	c.policy = policy

	qcfg := queueapp.Config{TransientRetryDelay: 15 * time.Minute, StuckEntryTimeout: 30 * time.Minute}
	c.messages = queueapp.NewMessageQueue(c.store.MessageQueue(), policy, clock, logger, qcfg)
	c.connections = queueapp.NewConnectionQueue(c.store.ConnectionQueue(), policy, clock, logger, qcfg)
	events := core_domain.NopPublisher{}

	scheduler := seqapp.NewScheduler(c.store.Sequences(), c.store.Statuses(), c.store.Prospects(), c.messages, policy, c.gate, events, clock, logger)
	c.machine = seqapp.NewStateMachine(c.store.Sequences(), c.store.Statuses(), c.store.Prospects(), scheduler, c.messages, c.connections,
		seqapp.FailurePolicy{MaxStepFailures: opts.maxStepFailures}, events, clock, logger)

	pcfg := ProcessorConfig{OperationTimeout: opts.operationTimeout}
	c.mp = NewMessageProcessor(c.messages, c.machine, scheduler, c.store.Sequences(), c.store.Statuses(), c.store.Prospects(), c.pool, c.driver, policy, c.gate, events, clock, logger, pcfg)
	c.cp = NewConnectionProcessor(c.connections, c.machine, c.store.Prospects(), c.pool, c.driver, policy, c.gate, events, clock, logger, pcfg)
	c.cc = NewConnectionChecker(c.store.Prospects(), c.machine, c.pool, c.driver, policy, c.gate, events, clock, logger, pcfg)
	return c
}

// activeSequence creates and activates a sequence with one message per content.
func (c *sendingTest) activeSequence(t *testing.T, contents ...string) *core_domain.Sequence {
	t.Helper()
	ctx := context.Background()
	in := seqapp.CreateSequenceInput{Name: "Outbound"}
	for i, content := range contents {
		delay := 0
		if i > 0 {
			delay = 24
		}
		in.Messages = append(in.Messages, seqapp.MessageInput{Position: i + 1, Content: content, DelayHours: delay})
	}
	seq, _, err := c.machine.CreateSequence(ctx, in)
	require.NoError(t, err)
	_, err = c.machine.ActivateSequence(ctx, seq.ID)
	require.NoError(t, err)
	return seq
}

func (c *sendingTest) prospect(t *testing.T, first, last string, status core_domain.ConnectionStatus) *core_domain.Prospect {
	t.Helper()
	p, err := c.machine.CreateProspect(context.Background(), seqapp.CreateProspectInput{
		ProfileURL: "https://www.linkedin.com/in/" + uuid.NewString(),
		FirstName:  first,
		LastName:   last,
	})
	require.NoError(t, err)
	if status != core_domain.ConnectionNotConnected {
		require.NoError(t, c.store.Prospects().SetConnectionStatus(context.Background(), p.ID, status))
		p.ConnectionStatus = status
	}
	return p
}

func (c *sendingTest) enroll(t *testing.T, p *core_domain.Prospect, seq *core_domain.Sequence) *core_domain.ProspectSequenceStatus {
	t.Helper()
	st, err := c.machine.AddProspect(context.Background(), p.ID, seq.ID)
	require.NoError(t, err)
	return st
}

func (c *sendingTest) status(t *testing.T, id uuid.UUID) *core_domain.ProspectSequenceStatus {
	t.Helper()
	st, err := c.store.Statuses().GetByID(context.Background(), id)
	require.NoError(t, err)
	return st
}

func (c *sendingTest) loadProspect(t *testing.T, id uuid.UUID) *core_domain.Prospect {
	t.Helper()
	p, err := c.store.Prospects().GetByID(context.Background(), id)
	require.NoError(t, err)
	return p
}

func (c *sendingTest) messagesIn(status core_domain.QueueStatus) []core_domain.MessageQueueEntry {
	var out []core_domain.MessageQueueEntry
	for _, e := range c.store.MessageEntries() {
		if e.Status == status {
			out = append(out, e)
		}
	}
	return out
}

func (c *sendingTest) connectionsIn(status core_domain.QueueStatus) []core_domain.ConnectionQueueEntry {
	var out []core_domain.ConnectionQueueEntry
	for _, e := range c.store.ConnectionEntries() {
		if e.Status == status {
			out = append(out, e)
		}
	}
	return out
}

func (c *sendingTest) today(t *testing.T) *core_domain.DailyStats {
	t.Helper()
	stats, err := c.policy.Today(context.Background())
	require.NoError(t, err)
	return stats
}
