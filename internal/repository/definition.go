package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/formaplus/automatisations/pkg/automatisations/core"
	"github.com/formaplus/automatisations/pkg/automatisations/domain"
)

// DefinitionRepository stores definitions in workflow_definition and their
// step arena in workflow_step.
type DefinitionRepository struct {
	db    *sql.DB
	clock core.Clock
}

const DEFINITION_COLUMNS = ` id, tenant_id, name, description, category, trigger_type, trigger_event_type,
		       trigger_filter, schedule, is_active, start_step_id, version, created, updated `

const STEP_COLUMNS = ` workflow_id, step_id, name, step_type, action_type, config,
		       next_step_id, true_next_step_id, false_next_step_id, retry `

func NewDefinitionRepository(db *sql.DB, clock core.Clock) *DefinitionRepository {
	return &DefinitionRepository{db: db, clock: clock}
}

// Save inserts the definition and its steps in one transaction.
func (r *DefinitionRepository) Save(ctx context.Context, def *domain.WorkflowDefinition) (int64, error) {
	filter, err := json.Marshal(def.TriggerFilter)
	if err != nil {
		return 0, fmt.Errorf("encode trigger filter: %w", err)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	vals := []any{def.TenantID, def.Name, def.Description, def.Category, string(def.TriggerType), def.TriggerEventType,
		string(filter), def.Schedule, def.IsActive, def.StartStepID, def.Version,
		formatDateInDatabase(def.Created), formatDateInDatabase(def.Updated)}
	base := `INSERT INTO workflow_definition (
		tenant_id, name, description, category, trigger_type, trigger_event_type,
		trigger_filter, schedule, is_active, start_step_id, version, created, updated
	) VALUES (` + placeholders(1, len(vals)) + `)`
	id, err := insertReturningID(ctx, tx, base, vals...)
	if err != nil {
		return 0, err
	}
	def.ID = id
	if err := insertSteps(ctx, tx, def); err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

// Update rewrites the definition and replaces its steps. The write only
// succeeds against the version that was read; def.Version is bumped on success.
func (r *DefinitionRepository) Update(ctx context.Context, def *domain.WorkflowDefinition) error {
	filter, err := json.Marshal(def.TriggerFilter)
	if err != nil {
		return fmt.Errorf("encode trigger filter: %w", err)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		UPDATE workflow_definition
		SET name = ` + placeholder(1) + `, description = ` + placeholder(2) + `, category = ` + placeholder(3) + `,
		    trigger_type = ` + placeholder(4) + `, trigger_event_type = ` + placeholder(5) + `, trigger_filter = ` + placeholder(6) + `,
		    schedule = ` + placeholder(7) + `, is_active = ` + placeholder(8) + `, start_step_id = ` + placeholder(9) + `,
		    updated = ` + placeholder(10) + `, version = version + 1
		WHERE id = ` + placeholder(11) + ` AND tenant_id = ` + placeholder(12) + ` AND version = ` + placeholder(13) + `
	`
	res, err := tx.ExecContext(ctx, query, def.Name, def.Description, def.Category, string(def.TriggerType), def.TriggerEventType,
		string(filter), def.Schedule, def.IsActive, def.StartStepID, formatDateInDatabase(def.Updated),
		def.ID, def.TenantID, def.Version)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n != 1 {
		return ErrStaleDefinition
	}
	if err := checkStepsInUse(ctx, tx, def); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_step WHERE workflow_id = `+placeholder(1), def.ID); err != nil {
		return err
	}
	if err := insertSteps(ctx, tx, def); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	def.Version++
	return nil
}

// checkStepsInUse fails with ErrStepInUse when def no longer has a step that
// a RUNNING or WAITING execution of the workflow sits on. It runs in the
// transaction that rewrites the steps, after the definition row is updated.
func checkStepsInUse(ctx context.Context, q querier, def *domain.WorkflowDefinition) error {
	query := `
		SELECT DISTINCT current_step_id
		FROM workflow_execution
		WHERE tenant_id = ` + placeholder(1) + ` AND workflow_id = ` + placeholder(2) + `
		  AND status IN ('RUNNING', 'WAITING') AND current_step_id IS NOT NULL
	`
	rows, err := q.QueryContext(ctx, query, def.TenantID, def.ID)
	if err != nil {
		return fmt.Errorf("find steps in use: %w", err)
	}
	defer rows.Close()
	index := def.StepIndex()
	var missing []string
	for rows.Next() {
		var stepID string
		if err := rows.Scan(&stepID); err != nil {
			return err
		}
		if _, ok := index[stepID]; !ok {
			missing = append(missing, stepID)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: %s", ErrStepInUse, strings.Join(missing, ", "))
	}
	return nil
}

func insertSteps(ctx context.Context, tx *sql.Tx, def *domain.WorkflowDefinition) error {
	base := `INSERT INTO workflow_step (
		workflow_id, tenant_id, step_id, position, name, step_type, action_type, config,
		next_step_id, true_next_step_id, false_next_step_id, retry
	) VALUES (` + placeholders(1, 12) + `)`
	for i, step := range def.Steps {
		config := string(step.Config)
		if config == "" {
			config = "{}"
		}
		var retry sql.NullString
		if step.Retry != nil {
			b, err := json.Marshal(step.Retry)
			if err != nil {
				return fmt.Errorf("encode retry policy of %s: %w", step.ID, err)
			}
			retry = sql.NullString{String: string(b), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, base, def.ID, def.TenantID, step.ID, i, step.Name, string(step.Type), string(step.ActionType),
			config, step.Next, step.TrueNext, step.FalseNext, retry); err != nil {
			return fmt.Errorf("insert step %s: %w", step.ID, err)
		}
	}
	return nil
}

func (r *DefinitionRepository) FindByID(ctx context.Context, tenantID string, id int64) (*domain.WorkflowDefinition, error) {
	query := `SELECT ` + DEFINITION_COLUMNS + ` FROM workflow_definition WHERE id = ` + placeholder(1) + ` AND tenant_id = ` + placeholder(2)
	defs, err := r.queryDefinitions(ctx, query, id, tenantID)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, ErrNotFound
	}
	return &defs[0], nil
}

func (r *DefinitionRepository) FindAll(ctx context.Context, tenantID string) ([]domain.WorkflowDefinition, error) {
	query := `SELECT ` + DEFINITION_COLUMNS + ` FROM workflow_definition WHERE tenant_id = ` + placeholder(1) + ` ORDER BY id`
	return r.queryDefinitions(ctx, query, tenantID)
}

// FindActive returns the tenant's enabled definitions with their steps.
func (r *DefinitionRepository) FindActive(ctx context.Context, tenantID string) ([]domain.WorkflowDefinition, error) {
	query := `SELECT ` + DEFINITION_COLUMNS + ` FROM workflow_definition
		WHERE tenant_id = ` + placeholder(1) + ` AND is_active = ` + placeholder(2) + ` ORDER BY id`
	return r.queryDefinitions(ctx, query, tenantID, true)
}

// FindActiveScheduled returns enabled schedule-triggered definitions of every tenant.
func (r *DefinitionRepository) FindActiveScheduled(ctx context.Context) ([]domain.WorkflowDefinition, error) {
	query := `SELECT ` + DEFINITION_COLUMNS + ` FROM workflow_definition
		WHERE trigger_type = ` + placeholder(1) + ` AND is_active = ` + placeholder(2) + ` ORDER BY id`
	return r.queryDefinitions(ctx, query, string(domain.TriggerTypeSchedule), true)
}

func (r *DefinitionRepository) SetActive(ctx context.Context, tenantID string, id int64, active bool) error {
	query := `
		UPDATE workflow_definition
		SET is_active = ` + placeholder(1) + `, updated = ` + placeholder(2) + `
		WHERE id = ` + placeholder(3) + ` AND tenant_id = ` + placeholder(4) + `
	`
	res, err := r.db.ExecContext(ctx, query, active, formatDateInDatabase(r.clock.Now()), id, tenantID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *DefinitionRepository) queryDefinitions(ctx context.Context, query string, args ...any) ([]domain.WorkflowDefinition, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []domain.WorkflowDefinition
	for rows.Next() {
		var def domain.WorkflowDefinition
		var triggerType, filter string
		if err := rows.Scan(
			&def.ID,
			&def.TenantID,
			&def.Name,
			&def.Description,
			&def.Category,
			&triggerType,
			&def.TriggerEventType,
			&filter,
			&def.Schedule,
			&def.IsActive,
			&def.StartStepID,
			&def.Version,
			&def.Created,
			&def.Updated,
		); err != nil {
			return nil, err
		}
		def.TriggerType = domain.TriggerType(triggerType)
		if filter != "" {
			if err := json.Unmarshal([]byte(filter), &def.TriggerFilter); err != nil {
				return nil, fmt.Errorf("decode trigger filter of workflow %d: %w", def.ID, err)
			}
		}
		def.Created = utc(def.Created)
		def.Updated = utc(def.Updated)
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for i := range defs {
		steps, err := r.findSteps(ctx, defs[i].ID)
		if err != nil {
			return nil, err
		}
		defs[i].Steps = steps
	}
	return defs, nil
}

func (r *DefinitionRepository) findSteps(ctx context.Context, workflowID int64) ([]domain.WorkflowStep, error) {
	query := `SELECT ` + STEP_COLUMNS + ` FROM workflow_step WHERE workflow_id = ` + placeholder(1) + ` ORDER BY position`
	rows, err := r.db.QueryContext(ctx, query, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []domain.WorkflowStep
	for rows.Next() {
		var step domain.WorkflowStep
		var owner int64
		var stepType, actionType, config string
		var retry sql.NullString
		if err := rows.Scan(&owner, &step.ID, &step.Name, &stepType, &actionType, &config,
			&step.Next, &step.TrueNext, &step.FalseNext, &retry); err != nil {
			return nil, err
		}
		step.Type = domain.StepType(stepType)
		step.ActionType = domain.ActionType(actionType)
		step.Config = json.RawMessage(config)
		if retry.Valid && retry.String != "" {
			var policy domain.RetryPolicy
			if err := json.Unmarshal([]byte(retry.String), &policy); err != nil {
				return nil, fmt.Errorf("decode retry policy of %s: %w", step.ID, err)
			}
			step.Retry = &policy
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// IsNotFound reports whether err means the row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}
