package validatorcache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockChecker struct {
	mock.Mock
}

func (m *MockChecker) CheckCredential(ctx context.Context, value string) (bool, error) {
	args := m.Called(ctx, value)
	return args.Bool(0), args.Error(1)
}

func TestCachingValidator(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	now := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	t.Run("second call within ttl is served from cache", func(t *testing.T) {
		checker := new(MockChecker)
		v := New(checker, NewMemoryCache(clock), 5*time.Minute, logger)
		checker.On("CheckCredential", ctx, "tok").Return(true, nil).Once()

		first, err := v.Validate(ctx, "tok")
		require.NoError(t, err)
		assert.True(t, first.Valid)
		assert.False(t, first.Cached)

		second, err := v.Validate(ctx, "tok")
		require.NoError(t, err)
		assert.True(t, second.Valid)
		assert.True(t, second.Cached)
		checker.AssertExpectations(t)
	})

	t.Run("expired entry triggers a new check", func(t *testing.T) {
		checker := new(MockChecker)
		v := New(checker, NewMemoryCache(clock), 5*time.Minute, logger)
		checker.On("CheckCredential", ctx, "tok").Return(true, nil).Once()
		checker.On("CheckCredential", ctx, "tok").Return(false, nil).Once()

		_, err := v.Validate(ctx, "tok")
		require.NoError(t, err)
		now = now.Add(5 * time.Minute)
		got, err := v.Validate(ctx, "tok")
		require.NoError(t, err)
		assert.False(t, got.Valid)
		checker.AssertExpectations(t)
	})

	t.Run("checker errors are not cached", func(t *testing.T) {
		checker := new(MockChecker)
		v := New(checker, NewMemoryCache(clock), 5*time.Minute, logger)
		boom := errors.New("site unreachable")
		checker.On("CheckCredential", ctx, "tok").Return(false, boom).Once()
		checker.On("CheckCredential", ctx, "tok").Return(true, nil).Once()

		_, err := v.Validate(ctx, "tok")
		assert.ErrorIs(t, err, boom)
		got, err := v.Validate(ctx, "tok")
		require.NoError(t, err)
		assert.True(t, got.Valid)
	})

	t.Run("forget forces a fresh check", func(t *testing.T) {
		checker := new(MockChecker)
		v := New(checker, NewMemoryCache(clock), 5*time.Minute, logger)
		checker.On("CheckCredential", ctx, "tok").Return(true, nil).Once()
		checker.On("CheckCredential", ctx, "tok").Return(false, nil).Once()

		_, err := v.Validate(ctx, "tok")
		require.NoError(t, err)
		require.NoError(t, v.Forget(ctx, "tok"))
		got, err := v.Validate(ctx, "tok")
		require.NoError(t, err)
		assert.False(t, got.Valid)
		assert.False(t, got.Cached)
		checker.AssertExpectations(t)
	})
}
