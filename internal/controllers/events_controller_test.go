package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/formaplus/automatisations/internal/events"
	"github.com/formaplus/automatisations/pkg/automatisations/models"
)

type MockEventPublisher struct {
	PublishFunc func(ctx context.Context, in events.Inbound) (string, error)
}

func (m *MockEventPublisher) Publish(ctx context.Context, in events.Inbound) (string, error) {
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, in)
	}
	return "", nil
}

func TestEventsController_Publish(t *testing.T) {
	var got events.Inbound
	pub := &MockEventPublisher{
		PublishFunc: func(ctx context.Context, in events.Inbound) (string, error) {
			got = in
			return "evt_1", nil
		},
	}
	c := NewEventsController(pub, testBase())

	body := `{"eventType":"apprenant.created","entityType":"apprenant","entityId":"42","payload":{"company":"ACME"}}`
	req := withTenant(httptest.NewRequest(http.MethodPost, "/api/events", strings.NewReader(body)), "t1")
	w := httptest.NewRecorder()
	c.handlePublishEvent(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", w.Code, w.Body.String())
	}
	if got.TenantID != "t1" || got.EventType != "apprenant.created" || got.Payload["company"] != "ACME" {
		t.Errorf("Unexpected inbound event %+v", got)
	}
	var resp models.PublishEventResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.EventID != "evt_1" {
		t.Errorf("Expected event id evt_1, got %s", resp.EventID)
	}
}

func TestEventsController_Backpressure(t *testing.T) {
	pub := &MockEventPublisher{
		PublishFunc: func(ctx context.Context, in events.Inbound) (string, error) {
			return "", events.ErrBackpressure
		},
	}
	c := NewEventsController(pub, testBase())

	body := `{"eventType":"apprenant.created","entityType":"apprenant","entityId":"42"}`
	req := withTenant(httptest.NewRequest(http.MethodPost, "/api/events", strings.NewReader(body)), "t1")
	w := httptest.NewRecorder()
	c.handlePublishEvent(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Expected a Retry-After header")
	}
}

func TestEventsController_RejectsBadPayload(t *testing.T) {
	c := NewEventsController(&MockEventPublisher{}, testBase())

	for _, body := range []string{`not json`, `{"eventType":"x","entityType":"y","entityId":"1","payload":[1,2]}`} {
		req := withTenant(httptest.NewRequest(http.MethodPost, "/api/events", strings.NewReader(body)), "t1")
		w := httptest.NewRecorder()
		c.handlePublishEvent(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected status 400, got %d", body, w.Code)
		}
	}
}

func TestEventsController_MissingFieldsAreBadRequest(t *testing.T) {
	pub := &MockEventPublisher{
		PublishFunc: func(ctx context.Context, in events.Inbound) (string, error) {
			_, err := events.Normalize(in, testNow)
			return "", err
		},
	}
	c := NewEventsController(pub, testBase())

	req := withTenant(httptest.NewRequest(http.MethodPost, "/api/events", strings.NewReader(`{"eventType":"apprenant.created"}`)), "t1")
	w := httptest.NewRecorder()
	c.handlePublishEvent(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}
