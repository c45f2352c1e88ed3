package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/formaplus/automatisations/internal/definition"
	"github.com/formaplus/automatisations/internal/repository"
	"github.com/formaplus/automatisations/pkg/automatisations/domain"
	"github.com/formaplus/automatisations/pkg/automatisations/models"
)

type MockDefinitionService struct {
	GetFunc       func(ctx context.Context, tenantID string, id int64) (*domain.WorkflowDefinition, error)
	ListFunc      func(ctx context.Context, tenantID string) ([]domain.WorkflowDefinition, error)
	CreateFunc    func(ctx context.Context, tenantID string, def *domain.WorkflowDefinition) error
	UpdateFunc    func(ctx context.Context, tenantID string, id int64, def *domain.WorkflowDefinition) error
	SetActiveFunc func(ctx context.Context, tenantID string, id int64, active bool) error
}

func (m *MockDefinitionService) Get(ctx context.Context, tenantID string, id int64) (*domain.WorkflowDefinition, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, tenantID, id)
	}
	return nil, repository.ErrNotFound
}
func (m *MockDefinitionService) List(ctx context.Context, tenantID string) ([]domain.WorkflowDefinition, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx, tenantID)
	}
	return nil, nil
}
func (m *MockDefinitionService) Create(ctx context.Context, tenantID string, def *domain.WorkflowDefinition) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, tenantID, def)
	}
	return nil
}
func (m *MockDefinitionService) Update(ctx context.Context, tenantID string, id int64, def *domain.WorkflowDefinition) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, tenantID, id, def)
	}
	return nil
}
func (m *MockDefinitionService) SetActive(ctx context.Context, tenantID string, id int64, active bool) error {
	if m.SetActiveFunc != nil {
		return m.SetActiveFunc(ctx, tenantID, id, active)
	}
	return nil
}

type MockEnqueuer struct {
	EnqueueFunc func(ctx context.Context, def *domain.WorkflowDefinition, event domain.TriggerEvent) (int64, error)
}

func (m *MockEnqueuer) Enqueue(ctx context.Context, def *domain.WorkflowDefinition, event domain.TriggerEvent) (int64, error) {
	if m.EnqueueFunc != nil {
		return m.EnqueueFunc(ctx, def, event)
	}
	return 0, nil
}

func welcomeJSON(t *testing.T) []byte {
	t.Helper()
	def := domain.WorkflowDefinition{
		Name:             "Bienvenue",
		TriggerType:      domain.TriggerTypeEntityEvent,
		TriggerEventType: "apprenant.created",
		StartStepID:      "mail",
		Steps: []domain.WorkflowStep{{
			ID:         "mail",
			Type:       domain.StepTypeAction,
			ActionType: domain.ActionSendEmail,
			Config:     json.RawMessage(`{"to":"{{.email}}","subject":"Bienvenue","body":"Bonjour"}`),
		}},
	}
	b, err := json.Marshal(def)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestDefinitionsController_CreateUsesCallerTenant(t *testing.T) {
	var gotTenant string
	svc := &MockDefinitionService{
		CreateFunc: func(ctx context.Context, tenantID string, def *domain.WorkflowDefinition) error {
			gotTenant = tenantID
			def.ID = 9
			def.TenantID = tenantID
			return nil
		},
	}
	c := NewDefinitionsController(svc, &MockEnqueuer{}, testBase())

	req := withTenant(httptest.NewRequest(http.MethodPost, "/api/definitions", bytes.NewReader(welcomeJSON(t))), "t1")
	w := httptest.NewRecorder()
	c.handleDefinitions(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	if gotTenant != "t1" {
		t.Errorf("Expected tenant t1, got %q", gotTenant)
	}
	var created domain.WorkflowDefinition
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if created.ID != 9 {
		t.Errorf("Expected id 9, got %d", created.ID)
	}
}

func TestDefinitionsController_CreateRejectsInvalidDefinition(t *testing.T) {
	svc := &MockDefinitionService{
		CreateFunc: func(ctx context.Context, tenantID string, def *domain.WorkflowDefinition) error {
			return definition.Validate(def)
		},
	}
	c := NewDefinitionsController(svc, &MockEnqueuer{}, testBase())

	body := []byte(`{"name":"Broken","triggerType":"entity-event","triggerEventType":"x","startStepId":"missing","steps":[]}`)
	req := withTenant(httptest.NewRequest(http.MethodPost, "/api/definitions", bytes.NewReader(body)), "t1")
	w := httptest.NewRecorder()
	c.handleDefinitions(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", w.Code)
	}
	var resp models.ValidateDefinitionResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Valid || len(resp.Problems) == 0 {
		t.Errorf("Expected problems in response, got %+v", resp)
	}
}

func TestDefinitionsController_Validate(t *testing.T) {
	c := NewDefinitionsController(&MockDefinitionService{}, &MockEnqueuer{}, testBase())

	req := withTenant(httptest.NewRequest(http.MethodPost, "/api/definitions/validate", bytes.NewReader(welcomeJSON(t))), "t1")
	w := httptest.NewRecorder()
	c.handleValidate(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp models.ValidateDefinitionResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !resp.Valid {
		t.Errorf("Expected valid definition, got %+v", resp)
	}
}

func TestDefinitionsController_GetNotFound(t *testing.T) {
	c := NewDefinitionsController(&MockDefinitionService{}, &MockEnqueuer{}, testBase())

	req := withTenant(httptest.NewRequest(http.MethodGet, "/api/definitions/4", nil), "t1")
	req.SetPathValue("id", "4")
	w := httptest.NewRecorder()
	c.handleDefinitionByID(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestDefinitionsController_UpdateConflictWhenStepInUse(t *testing.T) {
	svc := &MockDefinitionService{
		UpdateFunc: func(ctx context.Context, tenantID string, id int64, def *domain.WorkflowDefinition) error {
			return definition.ErrStepInUse
		},
	}
	c := NewDefinitionsController(svc, &MockEnqueuer{}, testBase())

	req := withTenant(httptest.NewRequest(http.MethodPut, "/api/definitions/4", bytes.NewReader(welcomeJSON(t))), "t1")
	req.SetPathValue("id", "4")
	w := httptest.NewRecorder()
	c.handleDefinitionByID(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", w.Code)
	}
}

func TestDefinitionsController_ActivateDeactivate(t *testing.T) {
	var calls []bool
	svc := &MockDefinitionService{
		SetActiveFunc: func(ctx context.Context, tenantID string, id int64, active bool) error {
			if id != 4 {
				t.Errorf("Expected id 4, got %d", id)
			}
			calls = append(calls, active)
			return nil
		},
	}
	c := NewDefinitionsController(svc, &MockEnqueuer{}, testBase())

	for _, h := range []http.HandlerFunc{c.handleActivate, c.handleDeactivate} {
		req := withTenant(httptest.NewRequest(http.MethodPost, "/api/definitions/4/activate", nil), "t1")
		req.SetPathValue("id", "4")
		w := httptest.NewRecorder()
		h(w, req)
		if w.Code != http.StatusNoContent {
			t.Errorf("Expected status 204, got %d", w.Code)
		}
	}
	if len(calls) != 2 || !calls[0] || calls[1] {
		t.Errorf("Expected activate then deactivate, got %v", calls)
	}
}

func TestDefinitionsController_BadID(t *testing.T) {
	c := NewDefinitionsController(&MockDefinitionService{}, &MockEnqueuer{}, testBase())

	req := withTenant(httptest.NewRequest(http.MethodGet, "/api/definitions/abc", nil), "t1")
	req.SetPathValue("id", "abc")
	w := httptest.NewRecorder()
	c.handleDefinitionByID(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestDefinitionsController_Trigger(t *testing.T) {
	svc := &MockDefinitionService{
		GetFunc: func(ctx context.Context, tenantID string, id int64) (*domain.WorkflowDefinition, error) {
			return &domain.WorkflowDefinition{ID: id, TenantID: tenantID, IsActive: true, TriggerType: domain.TriggerTypeManual}, nil
		},
	}
	var got domain.TriggerEvent
	enq := &MockEnqueuer{
		EnqueueFunc: func(ctx context.Context, def *domain.WorkflowDefinition, event domain.TriggerEvent) (int64, error) {
			got = event
			return 55, nil
		},
	}
	c := NewDefinitionsController(svc, enq, testBase())

	body := []byte(`{"entityType":"apprenant","entityId":"42","payload":{"email":"a@b.fr"}}`)
	req := withTenant(httptest.NewRequest(http.MethodPost, "/api/definitions/4/trigger", bytes.NewReader(body)), "t1")
	req.SetPathValue("id", "4")
	w := httptest.NewRecorder()
	c.handleTrigger(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp models.TriggerWorkflowResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.ExecutionID != 55 || resp.EventID == "" || resp.EventID != got.ID {
		t.Errorf("Unexpected response %+v for event %s", resp, got.ID)
	}
	if got.TenantID != "t1" || got.EventType != domain.ManualEventType || got.EntityID != "42" {
		t.Errorf("Unexpected event %+v", got)
	}
	if got.Payload["email"] != "a@b.fr" {
		t.Errorf("Expected payload to be carried, got %v", got.Payload)
	}
	if !got.OccurredAt.Equal(testNow) {
		t.Errorf("Expected occurredAt %v, got %v", testNow, got.OccurredAt)
	}
}

func TestDefinitionsController_TriggerInactive(t *testing.T) {
	svc := &MockDefinitionService{
		GetFunc: func(ctx context.Context, tenantID string, id int64) (*domain.WorkflowDefinition, error) {
			return &domain.WorkflowDefinition{ID: id, TenantID: tenantID}, nil
		},
	}
	enq := &MockEnqueuer{
		EnqueueFunc: func(ctx context.Context, def *domain.WorkflowDefinition, event domain.TriggerEvent) (int64, error) {
			t.Error("Expected no execution for an inactive workflow")
			return 0, nil
		},
	}
	c := NewDefinitionsController(svc, enq, testBase())

	req := withTenant(httptest.NewRequest(http.MethodPost, "/api/definitions/4/trigger", bytes.NewReader([]byte(`{}`))), "t1")
	req.SetPathValue("id", "4")
	w := httptest.NewRecorder()
	c.handleTrigger(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", w.Code)
	}
}
