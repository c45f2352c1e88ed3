package domain

import "time"

// TriggerEvent is the canonical form of an inbound domain event.
type TriggerEvent struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenantId"`
	EventType  string         `json:"eventType"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Payload    map[string]any `json:"payload"`
	OccurredAt time.Time      `json:"occurredAt"`
}
