package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/formaplus/automatisations/pkg/automatisations/core"
	"github.com/formaplus/automatisations/pkg/automatisations/domain"
	"github.com/formaplus/automatisations/pkg/automatisations/models"
)

type ExecutionRepository struct {
	db    *sql.DB
	clock core.Clock
}

const EXECUTION_COLUMNS = ` id, tenant_id, workflow_id, workflow_version, event_id, status, current_step_id,
		       attempt, next_activation, resume_at, started_at, completed_at, context,
		       step_attempts, step_visits, trigger_event, error, executor_id, executor_group, claimed_at, version, created, modified `

var nonTerminalStatuses = `('PENDING', 'RUNNING', 'WAITING')`

func NewExecutionRepository(db *sql.DB, clock core.Clock) *ExecutionRepository {
	return &ExecutionRepository{db: db, clock: clock}
}

// Create inserts a new execution. When the workflow already has an
// execution for the same event it returns the existing id and ErrDuplicateEvent.
func (r *ExecutionRepository) Create(ctx context.Context, e *domain.WorkflowExecution) (int64, error) {
	enc, err := encodeExecution(e)
	if err != nil {
		return 0, err
	}
	now := r.clock.Now()
	if e.Created.IsZero() {
		e.Created = now
	}
	e.Modified = now
	vals := []any{e.TenantID, e.WorkflowID, e.WorkflowVersion, e.EventID, string(e.Status), e.CurrentStepID,
		e.Attempt, formatDateInDatabaseNull(e.NextActivation), formatDateInDatabaseNull(e.ResumeAt),
		formatDateInDatabaseNull(e.StartedAt), formatDateInDatabaseNull(e.CompletedAt), enc.context, enc.attempts, enc.visits, enc.event,
		e.Error, e.ExecutorID, e.ExecutorGroup, formatDateInDatabaseNull(e.ClaimedAt), e.Version,
		formatDateInDatabase(e.Created), formatDateInDatabase(e.Modified)}
	base := `INSERT INTO workflow_execution (
		tenant_id, workflow_id, workflow_version, event_id, status, current_step_id,
		attempt, next_activation, resume_at, started_at, completed_at, context,
		step_attempts, step_visits, trigger_event, error, executor_id, executor_group, claimed_at, version, created, modified
	) VALUES (` + placeholders(1, len(vals)) + `)`
	id, err := insertReturningID(ctx, r.db, base, vals...)
	if err != nil {
		if isUniqueViolation(err) {
			existing, findErr := r.FindByWorkflowAndEvent(ctx, e.WorkflowID, e.EventID)
			if findErr != nil {
				return 0, errors.Join(ErrDuplicateEvent, findErr)
			}
			return existing.ID, ErrDuplicateEvent
		}
		return 0, err
	}
	e.ID = id
	return id, nil
}

func (r *ExecutionRepository) FindByID(ctx context.Context, id int64) (*domain.WorkflowExecution, error) {
	query := `SELECT ` + EXECUTION_COLUMNS + ` FROM workflow_execution WHERE id = ` + placeholder(1)
	return r.queryOne(ctx, query, id)
}

// FindByIDForTenant scopes the lookup to the tenant making the request.
func (r *ExecutionRepository) FindByIDForTenant(ctx context.Context, tenantID string, id int64) (*domain.WorkflowExecution, error) {
	query := `SELECT ` + EXECUTION_COLUMNS + ` FROM workflow_execution WHERE id = ` + placeholder(1) + ` AND tenant_id = ` + placeholder(2)
	return r.queryOne(ctx, query, id, tenantID)
}

func (r *ExecutionRepository) FindByWorkflowAndEvent(ctx context.Context, workflowID int64, eventID string) (*domain.WorkflowExecution, error) {
	query := `SELECT ` + EXECUTION_COLUMNS + ` FROM workflow_execution WHERE workflow_id = ` + placeholder(1) + ` AND event_id = ` + placeholder(2)
	return r.queryOne(ctx, query, workflowID, eventID)
}

// FindRunnable returns unclaimed, non-terminal executions of the group whose
// next activation has passed, oldest first.
func (r *ExecutionRepository) FindRunnable(ctx context.Context, executorGroup string, limit int) ([]domain.WorkflowExecution, error) {
	query := `
		SELECT ` + EXECUTION_COLUMNS + `
		FROM workflow_execution
		WHERE ` + dateNotAfter("next_activation", 1) + `
		  AND status IN ` + nonTerminalStatuses + `
		  AND executor_id IS NULL
		  AND executor_group = ` + placeholder(2) + `
		ORDER BY next_activation ASC
		LIMIT ` + placeholder(3) + `
	`
	return r.queryMany(ctx, query, formatDateInDatabase(r.clock.Now()), executorGroup, limit)
}

// Claim marks the execution as owned by the executor. It only succeeds when
// nobody holds it and the version is still the one that was read, so at
// most one worker advances an execution at a time.
func (r *ExecutionRepository) Claim(ctx context.Context, e *domain.WorkflowExecution, executorID int64) (bool, error) {
	now := r.clock.Now()
	query := `
		UPDATE workflow_execution
		SET executor_id = ` + placeholder(1) + `, claimed_at = ` + placeholder(2) + `, modified = ` + placeholder(3) + `, version = version + 1
		WHERE id = ` + placeholder(4) + ` AND version = ` + placeholder(5) + ` AND executor_id IS NULL AND status IN ` + nonTerminalStatuses + `
	`
	res, err := r.db.ExecContext(ctx, query, executorID, formatDateInDatabase(now), formatDateInDatabase(now), e.ID, e.Version)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n != 1 {
		return false, nil
	}
	e.ExecutorID = sql.NullInt64{Int64: executorID, Valid: true}
	e.ClaimedAt = sql.NullTime{Time: now, Valid: true}
	e.Modified = now
	e.Version++
	return true, nil
}

// Update writes the mutable state of the execution, conditional on the
// version that was read. On success e.Version is bumped; a concurrent
// writer makes it fail with ErrStaleExecution.
func (r *ExecutionRepository) Update(ctx context.Context, e *domain.WorkflowExecution) error {
	enc, err := encodeExecution(e)
	if err != nil {
		return err
	}
	now := r.clock.Now()
	query := `
		UPDATE workflow_execution
		SET status = ` + placeholder(1) + `, current_step_id = ` + placeholder(2) + `, attempt = ` + placeholder(3) + `,
		    next_activation = ` + placeholder(4) + `, resume_at = ` + placeholder(5) + `, started_at = ` + placeholder(6) + `,
		    completed_at = ` + placeholder(7) + `, context = ` + placeholder(8) + `, step_attempts = ` + placeholder(9) + `,
		    step_visits = ` + placeholder(10) + `, error = ` + placeholder(11) + `, executor_id = ` + placeholder(12) + `,
		    claimed_at = ` + placeholder(13) + `, modified = ` + placeholder(14) + `, version = version + 1
		WHERE id = ` + placeholder(15) + ` AND version = ` + placeholder(16) + `
	`
	res, err := r.db.ExecContext(ctx, query, string(e.Status), e.CurrentStepID, e.Attempt,
		formatDateInDatabaseNull(e.NextActivation), formatDateInDatabaseNull(e.ResumeAt), formatDateInDatabaseNull(e.StartedAt),
		formatDateInDatabaseNull(e.CompletedAt), enc.context, enc.attempts, enc.visits, e.Error,
		e.ExecutorID, formatDateInDatabaseNull(e.ClaimedAt), formatDateInDatabase(now),
		e.ID, e.Version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrStaleExecution
	}
	e.Modified = now
	e.Version++
	return nil
}

// FindStuck returns claimed, non-terminal executions whose claim is older
// than cutoff and whose executor has not sent a heartbeat since cutoff.
func (r *ExecutionRepository) FindStuck(ctx context.Context, executorGroup string, cutoff time.Time, limit int) ([]domain.WorkflowExecution, error) {
	query := `
		SELECT ` + EXECUTION_COLUMNS + `
		FROM workflow_execution
		WHERE executor_id IS NOT NULL
		  AND ` + dateBefore("claimed_at", 1) + `
		  AND status IN ` + nonTerminalStatuses + `
		  AND executor_group = ` + placeholder(2) + `
		  AND executor_id NOT IN (
		      SELECT id
		      FROM executors
		      WHERE ` + dateAfter("last_active", 3) + `
		  )
		ORDER BY claimed_at ASC
		LIMIT ` + placeholder(4) + `
	`
	stamp := formatDateInDatabase(cutoff)
	return r.queryMany(ctx, query, stamp, executorGroup, stamp, limit)
}

func (r *ExecutionRepository) Search(ctx context.Context, req models.SearchExecutionRequest) ([]domain.WorkflowExecution, error) {
	whereClause, args := buildWhereClause(req)
	limit := req.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset := req.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)
	query := `
		SELECT ` + EXECUTION_COLUMNS + `
		FROM workflow_execution
		` + whereClause + `
		ORDER BY id DESC
		LIMIT ` + placeholder(len(args)-1) + ` OFFSET ` + placeholder(len(args))
	return r.queryMany(ctx, query, args...)
}

func buildWhereClause(req models.SearchExecutionRequest) (string, []any) {
	var andClauses []string
	var args []any

	args = append(args, req.TenantID)
	andClauses = append(andClauses, fmt.Sprintf("tenant_id = %s", placeholder(len(args))))
	if req.ID != 0 {
		args = append(args, req.ID)
		andClauses = append(andClauses, fmt.Sprintf("id = %s", placeholder(len(args))))
	}
	if req.WorkflowID != 0 {
		args = append(args, req.WorkflowID)
		andClauses = append(andClauses, fmt.Sprintf("workflow_id = %s", placeholder(len(args))))
	}
	if req.EventID != "" {
		args = append(args, req.EventID)
		andClauses = append(andClauses, fmt.Sprintf("event_id = %s", placeholder(len(args))))
	}
	if req.Status != "" {
		args = append(args, strings.ToUpper(req.Status))
		andClauses = append(andClauses, fmt.Sprintf("status = %s", placeholder(len(args))))
	}
	return " WHERE " + strings.Join(andClauses, " AND "), args
}

// GetExecutionOverview returns counts by status for each workflow of the tenant.
func (r *ExecutionRepository) GetExecutionOverview(ctx context.Context, tenantID string) ([]models.ExecutionOverviewRow, error) {
	query := `
SELECT
    workflow_id,
    SUM(CASE WHEN status = 'PENDING' THEN 1 ELSE 0 END) AS pending_count,
    SUM(CASE WHEN status = 'RUNNING' THEN 1 ELSE 0 END) AS running_count,
    SUM(CASE WHEN status = 'WAITING' THEN 1 ELSE 0 END) AS waiting_count,
    SUM(CASE WHEN status = 'COMPLETED' THEN 1 ELSE 0 END) AS completed_count,
    SUM(CASE WHEN status = 'FAILED' THEN 1 ELSE 0 END) AS failed_count,
    SUM(CASE WHEN status = 'CANCELLED' THEN 1 ELSE 0 END) AS cancelled_count
FROM workflow_execution
WHERE tenant_id = ` + placeholder(1) + `
GROUP BY workflow_id
ORDER BY workflow_id
	`
	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []models.ExecutionOverviewRow
	for rows.Next() {
		var row models.ExecutionOverviewRow
		if err := rows.Scan(&row.WorkflowID, &row.PendingCount, &row.RunningCount, &row.WaitingCount,
			&row.CompletedCount, &row.FailedCount, &row.CancelledCount); err != nil {
			return nil, err
		}
		res = append(res, row)
	}
	return res, rows.Err()
}

func (r *ExecutionRepository) queryOne(ctx context.Context, query string, args ...any) (*domain.WorkflowExecution, error) {
	list, err := r.queryMany(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return &list[0], nil
}

func (r *ExecutionRepository) queryMany(ctx context.Context, query string, args ...any) ([]domain.WorkflowExecution, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []domain.WorkflowExecution
	for rows.Next() {
		var e domain.WorkflowExecution
		var status string
		var enc executionJSON
		if err := rows.Scan(
			&e.ID,
			&e.TenantID,
			&e.WorkflowID,
			&e.WorkflowVersion,
			&e.EventID,
			&status,
			&e.CurrentStepID,
			&e.Attempt,
			&e.NextActivation,
			&e.ResumeAt,
			&e.StartedAt,
			&e.CompletedAt,
			&enc.context,
			&enc.attempts,
			&enc.visits,
			&enc.event,
			&e.Error,
			&e.ExecutorID,
			&e.ExecutorGroup,
			&e.ClaimedAt,
			&e.Version,
			&e.Created,
			&e.Modified,
		); err != nil {
			return nil, err
		}
		e.Status = domain.ExecutionStatus(status)
		if err := decodeExecution(&e, enc); err != nil {
			return nil, err
		}
		e.NextActivation = utcNull(e.NextActivation)
		e.ResumeAt = utcNull(e.ResumeAt)
		e.StartedAt = utcNull(e.StartedAt)
		e.CompletedAt = utcNull(e.CompletedAt)
		e.ClaimedAt = utcNull(e.ClaimedAt)
		e.Created = utc(e.Created)
		e.Modified = utc(e.Modified)
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

// executionJSON holds the JSON encoded columns of an execution row.
type executionJSON struct {
	context  string
	attempts string
	visits   string
	event    string
}

func encodeExecution(e *domain.WorkflowExecution) (executionJSON, error) {
	var enc executionJSON
	ctx := e.Context
	if ctx == nil {
		ctx = map[string]any{}
	}
	contextJSON, err := json.Marshal(ctx)
	if err != nil {
		return enc, fmt.Errorf("encode execution context: %w", err)
	}
	enc.context = string(contextJSON)
	if enc.attempts, err = encodeCounters(e.StepAttempts); err != nil {
		return enc, fmt.Errorf("encode step attempts: %w", err)
	}
	if enc.visits, err = encodeCounters(e.StepVisits); err != nil {
		return enc, fmt.Errorf("encode step visits: %w", err)
	}
	eventJSON, err := json.Marshal(e.Event)
	if err != nil {
		return enc, fmt.Errorf("encode trigger event: %w", err)
	}
	enc.event = string(eventJSON)
	return enc, nil
}

func encodeCounters(counters map[string]int) (string, error) {
	if counters == nil {
		counters = map[string]int{}
	}
	b, err := json.Marshal(counters)
	return string(b), err
}

func decodeExecution(e *domain.WorkflowExecution, enc executionJSON) error {
	e.Context = map[string]any{}
	if enc.context != "" {
		if err := json.Unmarshal([]byte(enc.context), &e.Context); err != nil {
			return fmt.Errorf("decode context of execution %d: %w", e.ID, err)
		}
	}
	e.StepAttempts = map[string]int{}
	if enc.attempts != "" {
		if err := json.Unmarshal([]byte(enc.attempts), &e.StepAttempts); err != nil {
			return fmt.Errorf("decode step attempts of execution %d: %w", e.ID, err)
		}
	}
	e.StepVisits = map[string]int{}
	if enc.visits != "" {
		if err := json.Unmarshal([]byte(enc.visits), &e.StepVisits); err != nil {
			return fmt.Errorf("decode step visits of execution %d: %w", e.ID, err)
		}
	}
	if enc.event != "" {
		if err := json.Unmarshal([]byte(enc.event), &e.Event); err != nil {
			return fmt.Errorf("decode trigger event of execution %d: %w", e.ID, err)
		}
	}
	return nil
}
