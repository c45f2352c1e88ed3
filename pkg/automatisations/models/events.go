package models

import (
	"encoding/json"
	"time"
)

// PublishEventRequest is the inbound event contract every tracked entity
// mutation emits. The tenant comes from the authenticated API key.
type PublishEventRequest struct {
	EventID    string          `json:"eventId,omitempty"`
	EventType  string          `json:"eventType"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt *time.Time      `json:"occurredAt,omitempty"`
}

type PublishEventResponse struct {
	EventID string `json:"eventId"`
}

// KafkaEvent is the message body read from the events topic.
type KafkaEvent struct {
	TenantID string `json:"tenantId"`
	PublishEventRequest
}
