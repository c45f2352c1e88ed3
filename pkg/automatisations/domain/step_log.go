package domain

import (
	"database/sql"
	"time"
)

type StepLogStatus string

const (
	StepLogStatusSuccess StepLogStatus = "SUCCESS"
	StepLogStatusFailed  StepLogStatus = "FAILED"
	StepLogStatusWaiting StepLogStatus = "WAITING"
)

// ExecutionStepLog records one attempt of one step. Rows are only ever inserted.
type ExecutionStepLog struct {
	ID             int64
	ExecutionID    int64
	TenantID       string
	StepID         string
	StepType       StepType
	ActionType     ActionType
	AttemptNumber  int
	Status         StepLogStatus
	ErrorKind      sql.NullString
	StartedAt      time.Time
	FinishedAt     time.Time
	ErrorDetail    sql.NullString
	OutputSnapshot sql.NullString
}
