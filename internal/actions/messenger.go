package actions

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/formaplus/automatisations/pkg/automatisations/domain"
)

// HTTPMessenger hands messages to the messaging service.
type HTTPMessenger struct {
	svc *serviceClient
}

func NewHTTPMessenger(baseURL, token string, client *http.Client) *HTTPMessenger {
	return &HTTPMessenger{svc: newServiceClient(baseURL, token, client)}
}

func (m *HTTPMessenger) Send(ctx context.Context, msg Message) (DeliveryReceipt, error) {
	var receipt DeliveryReceipt
	headers := map[string]string{"Idempotency-Key": msg.IdempotencyKey}
	if _, err := m.svc.do(ctx, http.MethodPost, "/messages", msg, &receipt, headers); err != nil {
		return DeliveryReceipt{}, err
	}
	if !receipt.Accepted() {
		return receipt, domain.NewPermanentActionError(nil, "message %s was %s by the messaging service", receipt.MessageID, receipt.Status)
	}
	return receipt, nil
}

// LogMessenger only logs messages. It is used when no messaging service is configured.
type LogMessenger struct{}

func (LogMessenger) Send(ctx context.Context, msg Message) (DeliveryReceipt, error) {
	slog.InfoContext(ctx, "Message accepted (log only)", "tenant_id", msg.TenantID, "channel", msg.Channel,
		"to", msg.To, "subject", msg.Subject, "idempotency_key", msg.IdempotencyKey)
	return DeliveryReceipt{MessageID: "log-" + msg.IdempotencyKey, Status: "accepted"}, nil
}
