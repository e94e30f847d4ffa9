package app

import (
	"context"
	"errors"
	"log/slog"

	"github.com/leadforge/outreach_services/internal/core_domain"
)

// Sweeper returns entries stuck in processing to their queue and samples queue depth.
type Sweeper struct {
	messages    *MessageQueue
	connections *ConnectionQueue
	events      core_domain.EventPublisher
	clock       core_domain.Clock
	logger      *slog.Logger
}

func NewSweeper(messages *MessageQueue, connections *ConnectionQueue, events core_domain.EventPublisher, clock core_domain.Clock, logger *slog.Logger) *Sweeper {
	return &Sweeper{messages: messages, connections: connections, events: events, clock: clock, logger: logger}
}

// Sweep runs one pass. Both queues are attempted even if the first one errors.
func (s *Sweeper) Sweep(ctx context.Context) error {
	var errs []error

	if n, err := s.messages.ReclaimStuck(ctx); err != nil {
		errs = append(errs, err)
	} else if n > 0 {
		s.logger.WarnContext(ctx, "Reclaimed stuck message entries", "count", n)
	}
	if n, err := s.connections.ReclaimStuck(ctx); err != nil {
		errs = append(errs, err)
	} else if n > 0 {
		s.logger.WarnContext(ctx, "Reclaimed stuck connection entries", "count", n)
	}

	depth := map[string]any{}
	if counts, err := s.messages.Depth(ctx); err != nil {
		errs = append(errs, err)
	} else {
		depth[messageQueueName] = counts
		for status, n := range counts {
			depthGauge.WithLabelValues(messageQueueName, string(status)).Set(float64(n))
		}
	}
	if counts, err := s.connections.Depth(ctx); err != nil {
		errs = append(errs, err)
	} else {
		depth[connectionQueueName] = counts
		for status, n := range counts {
			depthGauge.WithLabelValues(connectionQueueName, string(status)).Set(float64(n))
		}
	}
	if len(depth) > 0 {
		_ = s.events.Publish(ctx, core_domain.Event{Type: core_domain.EventQueueDepth, At: s.clock(), Data: depth})
	}
	return errors.Join(errs...)
}
