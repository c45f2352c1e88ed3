package controllers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/formaplus/automatisations/internal/definition"
	"github.com/formaplus/automatisations/internal/events"
	"github.com/formaplus/automatisations/internal/util"
	"github.com/formaplus/automatisations/pkg/automatisations/domain"
	"github.com/formaplus/automatisations/pkg/automatisations/models"
)

type DefinitionService interface {
	Get(ctx context.Context, tenantID string, id int64) (*domain.WorkflowDefinition, error)
	List(ctx context.Context, tenantID string) ([]domain.WorkflowDefinition, error)
	Create(ctx context.Context, tenantID string, def *domain.WorkflowDefinition) error
	Update(ctx context.Context, tenantID string, id int64, def *domain.WorkflowDefinition) error
	SetActive(ctx context.Context, tenantID string, id int64, active bool) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, def *domain.WorkflowDefinition, event domain.TriggerEvent) (int64, error)
}

type DefinitionsController struct {
	AuthController
	Definitions DefinitionService
	Enqueuer    Enqueuer
}

func NewDefinitionsController(definitions DefinitionService, enqueuer Enqueuer, base *AuthController) *DefinitionsController {
	return &DefinitionsController{Definitions: definitions, Enqueuer: enqueuer, AuthController: *base}
}

func (c *DefinitionsController) handleDefinitions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		defs, err := c.Definitions.List(r.Context(), tenantOf(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if defs == nil {
			defs = []domain.WorkflowDefinition{}
		}
		util.WriteJSONResponse(w, http.StatusOK, defs)
	case http.MethodPost:
		def, err := util.DecodeJSONBody[domain.WorkflowDefinition](r)
		if err != nil {
			http.Error(w, "invalid JSON payload", http.StatusBadRequest)
			return
		}
		if err := c.Definitions.Create(r.Context(), tenantOf(r), &def); err != nil {
			writeError(w, r, err)
			return
		}
		util.WriteJSONResponse(w, http.StatusCreated, def)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (c *DefinitionsController) handleDefinitionByID(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		def, err := c.Definitions.Get(r.Context(), tenantOf(r), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		util.WriteJSONResponse(w, http.StatusOK, def)
	case http.MethodPut:
		def, err := util.DecodeJSONBody[domain.WorkflowDefinition](r)
		if err != nil {
			http.Error(w, "invalid JSON payload", http.StatusBadRequest)
			return
		}
		if err := c.Definitions.Update(r.Context(), tenantOf(r), id, &def); err != nil {
			writeError(w, r, err)
			return
		}
		util.WriteJSONResponse(w, http.StatusOK, def)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleValidate runs the static checks without saving anything.
func (c *DefinitionsController) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	def, err := util.DecodeJSONBody[domain.WorkflowDefinition](r)
	if err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	resp := models.ValidateDefinitionResponse{Valid: true}
	if err := definition.Validate(&def); err != nil {
		var validation *definition.ValidationError
		if !errors.As(err, &validation) {
			writeError(w, r, err)
			return
		}
		resp = models.ValidateDefinitionResponse{Valid: false, Problems: validation.Problems}
	}
	util.WriteJSONResponse(w, http.StatusOK, resp)
}

func (c *DefinitionsController) handleActivate(w http.ResponseWriter, r *http.Request) {
	c.setActive(w, r, true)
}

func (c *DefinitionsController) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	c.setActive(w, r, false)
}

func (c *DefinitionsController) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := c.Definitions.SetActive(r.Context(), tenantOf(r), id, active); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTrigger starts an execution of an active definition by hand.
func (c *DefinitionsController) handleTrigger(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	req, err := util.DecodeJSONBody[models.TriggerWorkflowRequest](r)
	if err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	tenant := tenantOf(r)
	def, err := c.Definitions.Get(r.Context(), tenant, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !def.IsActive {
		http.Error(w, "workflow is not active", http.StatusConflict)
		return
	}
	in := events.Inbound{
		TenantID:   tenant,
		EventType:  domain.ManualEventType,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Payload:    req.Payload,
	}
	if in.EntityType == "" {
		in.EntityType = "workflow"
		in.EntityID = strconv.FormatInt(def.ID, 10)
	}
	event, err := events.Normalize(in, c.Clock.Now())
	if err != nil {
		writeError(w, r, err)
		return
	}
	executionID, err := c.Enqueuer.Enqueue(r.Context(), def, event)
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.InfoContext(r.Context(), "Workflow triggered manually", "tenant_id", tenant, "workflow_id", def.ID, "execution_id", executionID)
	util.WriteJSONResponse(w, http.StatusAccepted, models.TriggerWorkflowResponse{ExecutionID: executionID, EventID: event.ID})
}
