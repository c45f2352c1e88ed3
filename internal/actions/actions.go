// Package actions holds the outbound capabilities steps call into: the
// messaging service, the entity data layer and arbitrary webhooks.
package actions

import (
	"context"
	"net/http"
	"time"

	"github.com/formaplus/automatisations/pkg/automatisations/domain"
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

type Message struct {
	TenantID       string  `json:"tenantId"`
	Channel        Channel `json:"channel"`
	To             string  `json:"to"`
	Cc             string  `json:"cc,omitempty"`
	Subject        string  `json:"subject,omitempty"`
	Body           string  `json:"body"`
	IdempotencyKey string  `json:"idempotencyKey"`
}

// DeliveryReceipt confirms the message was accepted for delivery. Delivery
// itself is tracked by the messaging service.
type DeliveryReceipt struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

func (r DeliveryReceipt) Accepted() bool {
	switch r.Status {
	case "", "accepted", "queued", "sent":
		return true
	}
	return false
}

type Messenger interface {
	Send(ctx context.Context, msg Message) (DeliveryReceipt, error)
}

type EntityRef struct {
	TenantID   string `json:"tenantId"`
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
}

type MutationResult struct {
	Applied bool  `json:"applied"`
	Version int64 `json:"version,omitempty"`
}

type Task struct {
	ID          string     `json:"id,omitempty"`
	TenantID    string     `json:"tenantId"`
	Key         string     `json:"key"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Assignee    string     `json:"assignee,omitempty"`
	DueAt       *time.Time `json:"dueAt,omitempty"`
	EntityType  string     `json:"entityType,omitempty"`
	EntityID    string     `json:"entityId,omitempty"`
}

// EntityStore is the data layer collaborator. Mutate applies a patch, which
// is idempotent by nature. Tasks carry a caller supplied Key so a retried
// creation can find the task created by an earlier attempt.
type EntityStore interface {
	Mutate(ctx context.Context, ref EntityRef, patch map[string]any) (MutationResult, error)
	FindTask(ctx context.Context, tenantID string, key string) (*Task, error)
	CreateTask(ctx context.Context, task Task) (*Task, error)
}

type WebhookRequest struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    any
	Timeout time.Duration
}

type WebhookResult struct {
	StatusCode int
	Body       []byte
}

type WebhookCaller interface {
	Call(ctx context.Context, req WebhookRequest) (WebhookResult, error)
}

// ClassifyStatus maps an HTTP status to nil on 2xx, a transient action
// error on 408, 429 and 5xx, and a permanent action error otherwise.
func ClassifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return domain.NewTransientActionError(nil, "HTTP %d", status)
	}
	return domain.NewPermanentActionError(nil, "HTTP %d", status)
}

// TaskKey is the idempotency key of the side effect of one step visit. It
// does not include the attempt number so every retry of a visit finds the
// same task or message; a later visit of the step through a loop gets a new key.
func TaskKey(executionID int64, stepID string, visit int) string {
	key := "wf-exec-" + itoa(executionID) + "-" + stepID
	if visit > 1 {
		key += "-v" + itoa(int64(visit))
	}
	return key
}
