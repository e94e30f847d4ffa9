package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/leadforge/outreach_services/internal/core_domain"
	"github.com/leadforge/outreach_services/internal/platform/memstore"
)

type MockValidator struct {
	mock.Mock
}

func (m *MockValidator) Validate(ctx context.Context, value string) (Validation, error) {
	args := m.Called(ctx, value)
	return args.Get(0).(Validation), args.Error(1)
}

type recorder struct {
	mu    sync.Mutex
	kinds []TransitionKind
}

func (r *recorder) handle(_ context.Context, t Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, t.Kind)
}

func (r *recorder) seen() []TransitionKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TransitionKind(nil), r.kinds...)
}

type monitorTestComponents struct {
	monitor   *Monitor
	validator *MockValidator
	store     *memstore.Store
	bus       *Bus
}

func setupMonitorTest(t *testing.T) monitorTestComponents {
	t.Helper()
	store := memstore.New()
	validator := new(MockValidator)
	bus := NewBus()
	clock := func() time.Time { return time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC) }
	m := NewMonitor("li_at", store.Credentials(), validator, bus, core_domain.NopPublisher{}, clock, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, store.Credentials().Upsert(context.Background(), "li_at", "tok"))
	return monitorTestComponents{monitor: m, validator: validator, store: store, bus: bus}
}

func TestMonitor_EmitsOneEventPerTransition(t *testing.T) {
	ctx := context.Background()
	c := setupMonitorTest(t)
	a, b := &recorder{}, &recorder{}
	c.bus.Subscribe("a", a.handle)
	c.bus.Subscribe("b", b.handle)

	c.validator.On("Validate", ctx, "tok").Return(Validation{Valid: true}, nil).Twice()
	c.validator.On("Validate", ctx, "tok").Return(Validation{Valid: false, Cached: true}, nil).Twice()
	c.validator.On("Validate", ctx, "tok").Return(Validation{Valid: true}, nil).Once()

	for i := 0; i < 5; i++ {
		_, err := c.monitor.Check(ctx)
		require.NoError(t, err)
	}

	want := []TransitionKind{BecameValid, BecameInvalid, BecameValid}
	assert.Equal(t, want, a.seen())
	assert.Equal(t, want, b.seen())
	assert.True(t, c.monitor.IsValid())

	cred, err := c.store.Credentials().Get(ctx, "li_at")
	require.NoError(t, err)
	assert.True(t, cred.IsValid)
	assert.NotNil(t, cred.LastCheckedAt)
}

func TestMonitor_ValidatorErrorKeepsState(t *testing.T) {
	ctx := context.Background()
	c := setupMonitorTest(t)
	rec := &recorder{}
	c.bus.Subscribe("rec", rec.handle)

	c.validator.On("Validate", ctx, "tok").Return(Validation{Valid: true}, nil).Once()
	c.validator.On("Validate", ctx, "tok").Return(Validation{}, errors.New("timeout")).Once()

	_, err := c.monitor.Check(ctx)
	require.NoError(t, err)
	res, err := c.monitor.Check(ctx)
	assert.Error(t, err)
	assert.True(t, res.IsValid)
	assert.True(t, c.monitor.IsValid())
	assert.Equal(t, []TransitionKind{BecameValid}, rec.seen())
}

type forgettingValidator struct {
	*MockValidator
	forgotten []string
}

func (v *forgettingValidator) Forget(_ context.Context, value string) error {
	v.forgotten = append(v.forgotten, value)
	return nil
}

func TestMonitor_ReportRejectedRechecksAndFlipsInvalid(t *testing.T) {
	ctx := context.Background()
	c := setupMonitorTest(t)
	rec := &recorder{}
	c.bus.Subscribe("rec", rec.handle)
	validator := &forgettingValidator{MockValidator: c.validator}
	c.monitor.validator = validator

	c.validator.On("Validate", ctx, "tok").Return(Validation{Valid: true}, nil).Once()
	c.validator.On("Validate", ctx, "tok").Return(Validation{Valid: false}, nil).Once()

	_, err := c.monitor.Check(ctx)
	require.NoError(t, err)
	c.monitor.ReportRejected(ctx, core_domain.ErrCredentialInvalid)

	assert.False(t, c.monitor.IsValid())
	assert.Equal(t, []string{"tok"}, validator.forgotten)
	assert.Equal(t, []TransitionKind{BecameValid, BecameInvalid}, rec.seen())
	c.validator.AssertExpectations(t)
}

func TestMonitor_MissingCredentialIsInvalid(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	validator := new(MockValidator)
	m := NewMonitor("li_at", store.Credentials(), validator, NewBus(), core_domain.NopPublisher{}, core_domain.SystemClock, slog.New(slog.NewTextHandler(io.Discard, nil)))

	res, err := m.Check(ctx)
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	validator.AssertNotCalled(t, "Validate", mock.Anything, mock.Anything)
}

func TestMonitor_SetCredentialChecksImmediately(t *testing.T) {
	ctx := context.Background()
	c := setupMonitorTest(t)
	c.validator.On("Validate", ctx, "new-token").Return(Validation{Valid: true}, nil).Once()

	res, err := c.monitor.SetCredential(ctx, "new-token")
	require.NoError(t, err)
	assert.True(t, res.IsValid)

	_, err = c.monitor.SetCredential(ctx, "")
	assert.ErrorIs(t, err, core_domain.ErrCredentialInvalid)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	rec := &recorder{}
	unsubscribe := bus.Subscribe("rec", rec.handle)
	assert.Equal(t, []string{"rec"}, bus.Subscribers())

	unsubscribe()
	unsubscribe()
	bus.Publish(context.Background(), Transition{Kind: BecameValid})
	assert.Empty(t, rec.seen())
	assert.Empty(t, bus.Subscribers())
}
