package repository

import (
	"context"
	"database/sql"

	"github.com/formaplus/automatisations/pkg/automatisations/domain"
)

// StepLogRepository is the append-only audit trail of step attempts.
type StepLogRepository struct {
	db *sql.DB
}

func NewStepLogRepository(db *sql.DB) *StepLogRepository {
	return &StepLogRepository{db: db}
}

// Append inserts one attempt record. Recording the same
// (execution, step, attempt) twice fails with ErrDuplicateStepLog.
func (r *StepLogRepository) Append(ctx context.Context, l *domain.ExecutionStepLog) (int64, error) {
	vals := []any{l.ExecutionID, l.TenantID, l.StepID, string(l.StepType), string(l.ActionType), l.AttemptNumber,
		string(l.Status), l.ErrorKind, formatDateInDatabase(l.StartedAt), formatDateInDatabase(l.FinishedAt),
		l.ErrorDetail, l.OutputSnapshot}
	base := `INSERT INTO execution_step_log (
		execution_id, tenant_id, step_id, step_type, action_type, attempt_number,
		status, error_kind, started_at, finished_at, error_detail, output_snapshot
	) VALUES (` + placeholders(1, len(vals)) + `)`
	id, err := insertReturningID(ctx, r.db, base, vals...)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateStepLog
		}
		return 0, err
	}
	l.ID = id
	return id, nil
}

// FindAllByExecutionID returns the log of an execution in insertion order.
func (r *StepLogRepository) FindAllByExecutionID(ctx context.Context, executionID int64) ([]domain.ExecutionStepLog, error) {
	query := `
		SELECT id, execution_id, tenant_id, step_id, step_type, action_type, attempt_number,
		       status, error_kind, started_at, finished_at, error_detail, output_snapshot
		FROM execution_step_log
		WHERE execution_id = ` + placeholder(1) + `
		ORDER BY id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []domain.ExecutionStepLog
	for rows.Next() {
		var l domain.ExecutionStepLog
		var stepType, actionType, status string
		if err := rows.Scan(&l.ID, &l.ExecutionID, &l.TenantID, &l.StepID, &stepType, &actionType, &l.AttemptNumber,
			&status, &l.ErrorKind, &l.StartedAt, &l.FinishedAt, &l.ErrorDetail, &l.OutputSnapshot); err != nil {
			return nil, err
		}
		l.StepType = domain.StepType(stepType)
		l.ActionType = domain.ActionType(actionType)
		l.Status = domain.StepLogStatus(status)
		l.StartedAt = utc(l.StartedAt)
		l.FinishedAt = utc(l.FinishedAt)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
