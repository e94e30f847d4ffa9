package messagebroker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/leadforge/outreach_services/internal/core_domain"
)

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	args := m.Called(ctx, subject, data)
	return args.Error(0)
}

func TestEventPublisher_Publish(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	t.Run("subject carries prefix and type", func(t *testing.T) {
		client := new(MockPublisher)
		p := NewEventPublisher(client, "outreach", logger)

		client.On("Publish", ctx, "outreach.credential", mock.MatchedBy(func(data []byte) bool {
			var ev core_domain.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				return false
			}
			return ev.Type == core_domain.EventCredentialState && ev.Data["valid"] == true
		})).Return(nil).Once()

		err := p.Publish(ctx, core_domain.Event{Type: core_domain.EventCredentialState, At: at, Data: map[string]any{"valid": true}})
		require.NoError(t, err)
		client.AssertExpectations(t)
	})

	t.Run("client error is wrapped", func(t *testing.T) {
		client := new(MockPublisher)
		p := NewEventPublisher(client, "outreach", logger)
		boom := errors.New("nats down")
		client.On("Publish", ctx, "outreach.queue", mock.Anything).Return(boom).Once()

		err := p.Publish(ctx, core_domain.Event{Type: core_domain.EventQueueDepth, At: at})
		assert.ErrorIs(t, err, boom)
	})
}
