package controllers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/formaplus/automatisations/internal/util"
	"github.com/formaplus/automatisations/pkg/automatisations/domain"
	"github.com/formaplus/automatisations/pkg/automatisations/models"
)

const maxSearchLimit = 1000

type ExecutionService interface {
	SearchExecutions(ctx context.Context, req models.SearchExecutionRequest) ([]domain.WorkflowExecution, error)
	GetExecution(ctx context.Context, tenantID string, id int64) (*domain.WorkflowExecution, error)
	GetStepLogs(ctx context.Context, tenantID string, id int64) ([]domain.ExecutionStepLog, error)
	Overview(ctx context.Context, tenantID string) ([]models.ExecutionOverviewRow, error)
	Cancel(ctx context.Context, tenantID string, id int64, reason string) (*domain.WorkflowExecution, error)
}

type ExecutionsController struct {
	AuthController
	Executions ExecutionService
}

func NewExecutionsController(executions ExecutionService, base *AuthController) *ExecutionsController {
	return &ExecutionsController{Executions: executions, AuthController: *base}
}

func (c *ExecutionsController) handleSearchExecutions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	req := models.SearchExecutionRequest{
		TenantID: tenantOf(r),
		EventID:  q.Get("eventId"),
		Status:   q.Get("status"),
		Limit:    100,
	}
	var err error
	if req.ID, err = queryInt64(q.Get("id")); err != nil {
		http.Error(w, "id is an integer", http.StatusBadRequest)
		return
	}
	if req.WorkflowID, err = queryInt64(q.Get("workflowId")); err != nil {
		http.Error(w, "workflowId is an integer", http.StatusBadRequest)
		return
	}
	if v := q.Get("limit"); v != "" {
		if req.Limit, err = strconv.Atoi(v); err != nil || req.Limit < 1 {
			http.Error(w, "limit is a positive integer", http.StatusBadRequest)
			return
		}
	}
	if v := q.Get("offset"); v != "" {
		if req.Offset, err = strconv.Atoi(v); err != nil || req.Offset < 0 {
			http.Error(w, "offset is a non-negative integer", http.StatusBadRequest)
			return
		}
	}
	if req.Limit > maxSearchLimit {
		http.Error(w, "limit cannot be greater than 1000", http.StatusBadRequest)
		return
	}
	if req.Status != "" && !domain.ExecutionStatus(req.Status).Valid() {
		http.Error(w, "unknown status "+req.Status, http.StatusBadRequest)
		return
	}

	results, err := c.Executions.SearchExecutions(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := make([]models.ExecutionApiResponse, 0, len(results))
	for i := range results {
		resp = append(resp, mapExecutionToApi(&results[i]))
	}
	util.WriteJSONResponse(w, http.StatusOK, resp)
}

func (c *ExecutionsController) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	exec, err := c.Executions.GetExecution(r.Context(), tenantOf(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, mapExecutionToApi(exec))
}

func (c *ExecutionsController) handleGetStepLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	logs, err := c.Executions.GetStepLogs(r.Context(), tenantOf(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := make([]models.StepLogApiResponse, 0, len(logs))
	for i := range logs {
		resp = append(resp, mapStepLogToApi(&logs[i]))
	}
	util.WriteJSONResponse(w, http.StatusOK, resp)
}

func (c *ExecutionsController) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req models.CancelExecutionRequest
	if r.ContentLength != 0 {
		var err error
		if req, err = util.DecodeJSONBody[models.CancelExecutionRequest](r); err != nil {
			http.Error(w, "invalid JSON payload", http.StatusBadRequest)
			return
		}
	}
	exec, err := c.Executions.Cancel(r.Context(), tenantOf(r), id, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.InfoContext(r.Context(), "Execution cancelled", "tenant_id", exec.TenantID, "execution_id", exec.ID)
	util.WriteJSONResponse(w, http.StatusOK, mapExecutionToApi(exec))
}

func (c *ExecutionsController) handleOverview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rows, err := c.Executions.Overview(r.Context(), tenantOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rows == nil {
		rows = []models.ExecutionOverviewRow{}
	}
	util.WriteJSONResponse(w, http.StatusOK, rows)
}

func queryInt64(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func mapExecutionToApi(e *domain.WorkflowExecution) models.ExecutionApiResponse {
	return models.ExecutionApiResponse{
		ID:              e.ID,
		WorkflowID:      e.WorkflowID,
		WorkflowVersion: e.WorkflowVersion,
		EventID:         e.EventID,
		Status:          string(e.Status),
		CurrentStepID:   e.CurrentStepID.String,
		Attempt:         e.Attempt,
		NextActivation:  timePtr(e.NextActivation.Time, e.NextActivation.Valid),
		ResumeAt:        timePtr(e.ResumeAt.Time, e.ResumeAt.Valid),
		StartedAt:       timePtr(e.StartedAt.Time, e.StartedAt.Valid),
		CompletedAt:     timePtr(e.CompletedAt.Time, e.CompletedAt.Valid),
		Context:         e.Context,
		Event:           e.Event,
		Error:           e.Error.String,
		Created:         e.Created,
		Modified:        e.Modified,
	}
}

func mapStepLogToApi(l *domain.ExecutionStepLog) models.StepLogApiResponse {
	resp := models.StepLogApiResponse{
		ID:            l.ID,
		StepID:        l.StepID,
		StepType:      string(l.StepType),
		ActionType:    string(l.ActionType),
		AttemptNumber: l.AttemptNumber,
		Status:        string(l.Status),
		ErrorKind:     l.ErrorKind.String,
		StartedAt:     l.StartedAt,
		FinishedAt:    l.FinishedAt,
		ErrorDetail:   l.ErrorDetail.String,
	}
	if l.OutputSnapshot.Valid {
		// snapshots are stored as JSON text; fall back to the raw string
		var out any
		if err := json.Unmarshal([]byte(l.OutputSnapshot.String), &out); err != nil {
			out = l.OutputSnapshot.String
		}
		resp.OutputSnapshot = out
	}
	return resp
}

func timePtr(t time.Time, valid bool) *time.Time {
	if !valid {
		return nil
	}
	return &t
}
