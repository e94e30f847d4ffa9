package core_domain

import (
	"context"
	"time"
)

type EventType string

const (
	EventCredentialState   EventType = "credential"
	EventOrchestratorState EventType = "orchestrator"
	EventScheduled         EventType = "schedule"
	EventSendOutcome       EventType = "send"
	EventQueueDepth        EventType = "queue"
	EventSettingsUpdated   EventType = "settings"
)

// Event is a status/progress notification for the dashboard. Delivery is best effort.
type Event struct {
	Type EventType      `json:"type"`
	At   time.Time      `json:"at"`
	Data map[string]any `json:"data,omitempty"`
}

type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
